package store

import (
	"encoding/binary"

	"codeberg.org/mutker/tripunit/internal/errors"
	"codeberg.org/mutker/tripunit/internal/sample"
)

// SampleBytes is the encoded size of one flattened sample.
const SampleBytes = sample.Width * 4

// PutSample encodes v little-endian into dst, which must hold
// SampleBytes bytes.
func PutSample(dst []byte, v *[sample.Width]int32) {
	for i, x := range v {
		binary.LittleEndian.PutUint32(dst[i*4:], uint32(x))
	}
}

// DecodeSamples is the inverse of a sequence of PutSample calls.
func DecodeSamples(data []byte) ([][sample.Width]int32, error) {
	if len(data)%SampleBytes != 0 {
		return nil, errors.New().WithData(ErrInvalidPage, len(data))
	}

	out := make([][sample.Width]int32, len(data)/SampleBytes)
	for n := range out {
		row := data[n*SampleBytes:]
		for i := range out[n] {
			out[n][i] = int32(binary.LittleEndian.Uint32(row[i*4:]))
		}
	}

	return out, nil
}
