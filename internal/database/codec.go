package database

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeReference encodes an embedding as a little-endian sequence of IEEE 754
// float32 values without a length prefix. Used for BLOB columns.
func EncodeReference(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	b := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

// DecodeReference decodes a BLOB produced by EncodeReference.
func DecodeReference(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("empty reference blob")
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid reference blob length %d (not multiple of 4)", len(b))
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec, nil
}
