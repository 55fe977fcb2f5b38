package accel

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/pathtracer/internal/bvh"
)

// Hit is the closest intersection found by TopLevel.Intersect.
type Hit struct {
	T, U, V float32

	// Instance is the index into the slice passed to BuildTlas.
	Instance     uint32
	CustomIndex  uint32
	ShadingGroup uint32

	// Triangle is the global triangle index in the shared index buffer.
	Triangle uint32
	Opaque   bool
}

// RayFlags adjust a single trace.
type RayFlags uint32

// RayCullBackFacing drops back-facing triangle hits unless the instance sets
// InstanceCullDisable.
const RayCullBackFacing RayFlags = 1 << 0

// Intersect traces a two-sided ray against the linked arena on the host,
// walking the same words the kernel walks. Only instances whose mask shares
// a bit with rayMask are considered.
func (t *TopLevel) Intersect(origin, dir mgl32.Vec3, tMax float32, rayMask uint8) (Hit, bool) {
	return t.IntersectFlags(origin, dir, tMax, rayMask, 0)
}

// IntersectFlags is Intersect with ray flags.
func (t *TopLevel) IntersectFlags(origin, dir mgl32.Vec3, tMax float32, rayMask uint8, flags RayFlags) (Hit, bool) {
	verts, idx, ok := t.hostGeometry()
	if !ok {
		return Hit{}, false
	}
	w := t.words
	nodeOffset := int(w[hdrNodeOffset])
	instanceOffset := int(w[hdrInstanceOffset])

	best := Hit{T: tMax}
	found := false
	invDir := mgl32.Vec3{1 / dir[0], 1 / dir[1], 1 / dir[2]}

	stack := make([]uint32, 1, 32)
	for len(stack) > 0 {
		n := bvh.DecodeNode(w[nodeOffset+int(stack[len(stack)-1])*bvh.NodeWords:])
		stack = stack[:len(stack)-1]
		if isMiss(n.Bounds.IntersectRay(origin, invDir, best.T)) {
			continue
		}
		if !n.Leaf() {
			stack = append(stack, n.LeftOrFirst+1, n.LeftOrFirst)
			continue
		}
		for slot := n.LeftOrFirst; slot < n.LeftOrFirst+n.Count; slot++ {
			rec := w[instanceOffset+int(slot)*InstanceWords:]
			if uint8(rec[recCustomAndMask]>>24)&rayMask == 0 {
				continue
			}
			inv := getRows(rec[recInverse:])
			ray := bvh.Ray{
				Origin: mgl32.TransformCoordinate(origin, inv),
				Dir:    mgl32.TransformNormal(dir, inv),
				TMax:   best.T,
			}
			h, ok := traceBlas(w, int(rec[recBlasOffset]), ray, verts, idx, facing(flags, InstanceFlags(rec[recFlags])))
			if !ok {
				continue
			}
			best = Hit{
				T:            h.T,
				U:            h.U,
				V:            h.V,
				Instance:     rec[recSourceIndex],
				CustomIndex:  rec[recCustomAndMask] & MaxCustomIndex,
				ShadingGroup: rec[recShadingGroup],
				Triangle:     h.Prim,
				Opaque:       rec[recFlags]&recordOpaque != 0,
			}
			found = true
		}
	}
	return best, found
}

// facing returns the winding sign a hit must have to survive culling: 1
// keeps counter-clockwise faces, -1 clockwise ones and 0 both.
func facing(ray RayFlags, inst InstanceFlags) float32 {
	switch {
	case ray&RayCullBackFacing == 0, inst&InstanceCullDisable != 0:
		return 0
	case inst&InstanceFlipFacing != 0:
		return -1
	default:
		return 1
	}
}

// traceBlas walks the BLAS image at off. Hit.Prim is the global triangle.
// A nonzero sign culls triangles whose winding, seen from the ray origin,
// disagrees with it.
func traceBlas(w []uint32, off int, r bvh.Ray, verts []float32, idx []uint32, sign float32) (bvh.Hit, bool) {
	nodes := off + blasHeaderWords
	prims := off + int(w[off+1])
	invDir := mgl32.Vec3{1 / r.Dir[0], 1 / r.Dir[1], 1 / r.Dir[2]}

	best := bvh.Hit{T: r.TMax}
	found := false
	stack := make([]uint32, 1, 64)
	for len(stack) > 0 {
		n := bvh.DecodeNode(w[nodes+int(stack[len(stack)-1])*bvh.NodeWords:])
		stack = stack[:len(stack)-1]
		if isMiss(n.Bounds.IntersectRay(r.Origin, invDir, best.T)) {
			continue
		}
		if !n.Leaf() {
			stack = append(stack, n.LeftOrFirst+1, n.LeftOrFirst)
			continue
		}
		for slot := n.LeftOrFirst; slot < n.LeftOrFirst+n.Count; slot++ {
			tri := w[prims+int(slot)]
			ray := r
			ray.TMax = best.T
			t := triangleAt(verts, idx, tri)
			if sign != 0 && t.V1.Sub(t.V0).Cross(t.V2.Sub(t.V0)).Dot(r.Dir)*sign >= 0 {
				continue
			}
			if d, u, v, ok := bvh.IntersectTriangle(ray, t); ok {
				best = bvh.Hit{T: d, U: u, V: v, Prim: tri}
				found = true
			}
		}
	}
	return best, found
}

func triangleAt(verts []float32, idx []uint32, tri uint32) bvh.Triangle {
	return bvh.Triangle{
		V0: vertexAt(verts, idx[tri*3]),
		V1: vertexAt(verts, idx[tri*3+1]),
		V2: vertexAt(verts, idx[tri*3+2]),
	}
}

func isMiss(t float32) bool { return math.IsInf(float64(t), 1) }

// hostGeometry decodes the shared geometry once per structure.
func (t *TopLevel) hostGeometry() ([]float32, []uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hostVerts == nil {
		vb, ok := t.vertices.BuildInput()
		if !ok {
			return nil, nil, false
		}
		ib, ok := t.indices.BuildInput()
		if !ok {
			return nil, nil, false
		}
		t.hostVerts, t.hostIdx = bytesToFloats(vb), bytesToWords(ib)
	}
	return t.hostVerts, t.hostIdx, true
}
