package memmap

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSort(t *testing.T) {
	m := Map{{Offset: 30, Extent: 1}, {Offset: 10, Extent: 2}, {Offset: 20, Extent: 3}, {Offset: 0, Extent: 4}}
	Sort(m)
	assert.Equal(t, Map{{Offset: 0, Extent: 4}, {Offset: 10, Extent: 2}, {Offset: 20, Extent: 3}, {Offset: 30, Extent: 1}}, m)
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name string
		in   Map
		want Map
	}{
		{
			name: "higher type wins the overlap",
			in:   Map{{0, 100, 1}, {50, 100, 2}},
			want: Map{{0, 50, 1}, {50, 100, 2}},
		},
		{
			name: "lower successor is trimmed",
			in:   Map{{0, 100, 2}, {50, 100, 1}},
			want: Map{{0, 100, 2}, {100, 50, 1}},
		},
		{
			name: "touching same type is joined",
			in:   Map{{0, 0x1000, 1}, {0x1000, 0x1000, 1}, {0x3000, 0x1000, 2}},
			want: Map{{0, 0x2000, 1}, {0x3000, 0x1000, 2}},
		},
		{
			name: "chain of same type collapses",
			in:   Map{{0, 10, 1}, {5, 10, 1}, {15, 10, 1}, {20, 1, 1}},
			want: Map{{0, 25, 1}},
		},
		{
			name: "touching different types stay apart",
			in:   Map{{0, 10, 1}, {10, 10, 2}},
			want: Map{{0, 10, 1}, {10, 10, 2}},
		},
		{
			name: "nested higher region splits its container",
			in:   Map{{0, 100, 1}, {20, 10, 2}},
			want: Map{{0, 20, 1}, {20, 10, 2}, {30, 70, 1}},
		},
		{
			name: "nested lower region disappears",
			in:   Map{{0, 100, 2}, {20, 10, 1}},
			want: Map{{0, 100, 2}},
		},
		{
			name: "nested same type disappears",
			in:   Map{{0, 100, 1}, {20, 10, 1}},
			want: Map{{0, 100, 1}},
		},
		{
			name: "higher region at the same offset swallows the start",
			in:   Map{{0, 100, 1}, {0, 40, 3}},
			want: Map{{0, 40, 3}, {40, 60, 1}},
		},
		{
			name: "predecessor fully covered is removed",
			in:   Map{{0, 10, 2}, {10, 10, 1}, {10, 20, 3}},
			want: Map{{0, 10, 2}, {10, 20, 3}},
		},
		{
			name: "trimmed successor is moved back into order",
			in:   Map{{0, 100, 2}, {50, 100, 1}, {60, 10, 3}},
			want: Map{{0, 60, 2}, {60, 10, 3}, {70, 30, 2}, {100, 50, 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Merge(append(Map(nil), tt.in...)))
		})
	}
}

func TestMergeInPlace(t *testing.T) {
	m := Map{{0, 0x1000, 1}, {0x1000, 0x1000, 1}, {0x3000, 0x1000, 2}}
	got := Merge(m)
	require.Len(t, got, 2)
	assert.Same(t, &m[0], &got[0])
}

func TestNormalize(t *testing.T) {
	m := Map{
		{0x3000, 0x1000, 2},
		{0x1000, 0x1000, 1},
		{0x5000, 0, 3},
		{0, 0x1000, 1},
	}
	assert.Equal(t, Map{{0, 0x2000, 1}, {0x3000, 0x1000, 2}}, Normalize(m))
	assert.Empty(t, Normalize(nil))
	assert.Empty(t, Normalize(Map{{10, 0, 1}}))
}

func TestMergeIdempotent(t *testing.T) {
	m := Normalize(Map{{0, 100, 1}, {50, 100, 2}, {120, 300, 1}, {400, 20, 4}, {1000, 5, 1}})
	once := append(Map(nil), m...)
	assert.Equal(t, once, Merge(m))
}

// owner returns the type owning every address below limit, 0 if none
func owner(m Map, limit uint64, highest bool) []Type {
	out := make([]Type, limit)
	for _, r := range m {
		for x := r.Offset; x < r.End() && x < limit; x++ {
			if !highest || r.Type > out[x] {
				out[x] = r.Type
			}
		}
	}
	return out
}

func TestNormalizeProperties(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for n := 0; n < 2000; n++ {
		in := make(Map, rng.IntN(9))
		for i := range in {
			in[i] = Region{
				Offset: rng.Uint64N(64),
				Extent: rng.Uint64N(32),
				Type:   Type(1 + rng.IntN(3)),
			}
		}
		want := owner(in, 100, true)

		out := Normalize(append(Map(nil), in...))
		for i, r := range out {
			require.NotZero(t, r.Extent, "input %v", in)
			if i > 0 {
				prev := out[i-1]
				require.LessOrEqual(t, prev.End(), r.Offset, "input %v", in)
				if prev.End() == r.Offset {
					require.NotEqual(t, prev.Type, r.Type, "input %v", in)
				}
			}
		}
		require.Equal(t, want, owner(out, 100, false), "input %v", in)
		if len(out) > 0 {
			require.Equal(t, out, Merge(append(Map(nil), out...)), "input %v", in)
		}
	}
}

func TestUsableBytes(t *testing.T) {
	m := Map{{0, 0x9fc00, 1}, {0x9fc00, 0x400, 2}, {0x100000, 0x7ee0000, 1}, {0xfffc0000, 0x40000, 2}}
	assert.Equal(t, uint64(0x9fc00+0x7ee0000), m.UsableBytes())
	assert.Equal(t, uint64(0x9f000+0x7ee0000), m.UsablePageBytes(4096))

	assert.Equal(t, uint64(0), Map{{0x1001, 0x1000, 1}}.UsablePageBytes(4096))
	assert.Equal(t, uint64(0x1000), Map{{0x1001, 0x2000, 1}}.UsablePageBytes(4096))
}
