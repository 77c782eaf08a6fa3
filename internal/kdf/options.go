package kdf

import "github.com/go-kit/log"

// Option configures Flatten.
type Option func(*options)

type options struct {
	logger log.Logger
}

func defaultOptions() options {
	return options{logger: log.NewNopLogger()}
}

// WithLogger routes debug output about dropped sections and skipped exports
// to l.
func WithLogger(l log.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
