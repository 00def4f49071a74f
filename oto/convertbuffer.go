package oto

import (
	"encoding/binary"
	"math"
)

// FloatBufferToFloat32LE interleaves the planar buffer src into dst as
// little-endian float32 samples, clamped to [-1, 1]. dst must hold
// 4*channels*frames bytes.
func FloatBufferToFloat32LE(dst []byte, src [][]float32) {
	channels := len(src)
	for c, ch := range src {
		for i, v := range ch {
			v = min(max(v, -1), 1)
			binary.LittleEndian.PutUint32(dst[4*(i*channels+c):], math.Float32bits(v))
		}
	}
}
