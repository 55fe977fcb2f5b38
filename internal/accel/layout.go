package accel

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// BLAS image layout, in 32-bit words:
//
//	[0] node slots   [1] index array offset   [2] first triangle   [3] triangle count
//	node slots * bvh.NodeWords
//	triangle count global triangle indices, in leaf order
const blasHeaderWords = 4

// Arena layout, in 32-bit words:
//
//	header (arenaHeaderWords)
//	TLAS nodes (node count * bvh.NodeWords)
//	instance records (instance count * InstanceWords), in TLAS leaf order
//	linked BLAS images
const arenaHeaderWords = 8

const (
	hdrInstanceCount = iota
	hdrNodeOffset
	hdrNodeCount
	hdrInstanceOffset
	hdrBlasCount
	hdrTotalWords
)

// InstanceWords is the size of one instance record.
//
//	[0:12]  object-to-world, three rows of four
//	[12:24] world-to-object, three rows of four
//	[24]    BLAS word offset in the arena
//	[25]    custom index (low 24 bits) | mask << 24
//	[26]    shading group
//	[27]    instance flags | recordOpaque
//	[28]    index in the caller's instance slice
const InstanceWords = 32

const (
	recTransform     = 0
	recInverse       = 12
	recBlasOffset    = 24
	recCustomAndMask = 25
	recShadingGroup  = 26
	recFlags         = 27
	recSourceIndex   = 28
)

// recordOpaque is set in the flags word when the instance resolves to opaque.
const recordOpaque = 1 << 8

// MaxCustomIndex is the largest custom index an instance can carry.
const MaxCustomIndex = 1<<24 - 1

func putRows(dst []uint32, m mgl32.Mat4) {
	for r := range 3 {
		for c := range 4 {
			dst[r*4+c] = math.Float32bits(m.At(r, c))
		}
	}
}

func getRows(src []uint32) mgl32.Mat4 {
	m := mgl32.Ident4()
	for r := range 3 {
		for c := range 4 {
			m.Set(r, c, math.Float32frombits(src[r*4+c]))
		}
	}
	return m
}

func wordsToBytes(words []uint32) []byte {
	out := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

func bytesToFloats(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func bytesToWords(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out
}
