package kdf

import "encoding/binary"

// Checksum computes the rolling byte-accumulator stored with every section
// record. It detects corruption and version skew only.
func Checksum(data []byte) uint64 {
	var state [8]byte
	for _, b := range data {
		state[0] += b
		for i := 0; i < 6; i++ {
			state[i+1] += state[i]
			state[i+2] += state[i]
		}
	}
	return binary.LittleEndian.Uint64(state[:])
}
