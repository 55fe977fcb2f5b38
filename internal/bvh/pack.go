package bvh

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// NodeWords is the size of one encoded node in 32-bit words:
//
//	min.x min.y min.z leftOrFirst max.x max.y max.z count
const NodeWords = 8

// EncodeNodes appends nodes to dst in device layout, padded with empty
// nodes up to capacity slots.
func EncodeNodes(dst []uint32, nodes []Node, capacity int) []uint32 {
	for _, n := range nodes {
		dst = append(dst,
			math.Float32bits(n.Bounds.Min[0]),
			math.Float32bits(n.Bounds.Min[1]),
			math.Float32bits(n.Bounds.Min[2]),
			n.LeftOrFirst,
			math.Float32bits(n.Bounds.Max[0]),
			math.Float32bits(n.Bounds.Max[1]),
			math.Float32bits(n.Bounds.Max[2]),
			n.Count,
		)
	}
	empty := EmptyAABB()
	for range capacity - len(nodes) {
		dst = append(dst,
			math.Float32bits(empty.Min[0]), math.Float32bits(empty.Min[1]), math.Float32bits(empty.Min[2]), 0,
			math.Float32bits(empty.Max[0]), math.Float32bits(empty.Max[1]), math.Float32bits(empty.Max[2]), 0,
		)
	}
	return dst
}

// DecodeNode reads the node at words[0:NodeWords].
func DecodeNode(words []uint32) Node {
	_ = words[NodeWords-1]
	return Node{
		Bounds: AABB{
			Min: mgl32.Vec3{math.Float32frombits(words[0]), math.Float32frombits(words[1]), math.Float32frombits(words[2])},
			Max: mgl32.Vec3{math.Float32frombits(words[4]), math.Float32frombits(words[5]), math.Float32frombits(words[6])},
		},
		LeftOrFirst: words[3],
		Count:       words[7],
	}
}
