// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package bvh

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Ray is a half-line with a closed distance interval [TMin, TMax].
type Ray struct {
	Origin, Dir mgl32.Vec3
	TMin, TMax  float32
}

// NewRay returns a ray with TMin 0 and TMax +Inf.
func NewRay(origin, dir mgl32.Vec3) Ray {
	return Ray{Origin: origin, Dir: dir, TMax: float32(math.Inf(1))}
}

// Hit describes the closest intersection found.
type Hit struct {
	T    float32
	U, V float32
	Prim uint32
}

const triEpsilon = 1e-7

// IntersectTriangle returns the distance and barycentrics of the hit
// between r and t (Moller-Trumbore). ok is false on a miss. Both faces hit.
func IntersectTriangle(r Ray, t Triangle) (dist, u, v float32, ok bool) {
	e1 := t.V1.Sub(t.V0)
	e2 := t.V2.Sub(t.V0)
	p := r.Dir.Cross(e2)
	det := e1.Dot(p)
	if det > -triEpsilon && det < triEpsilon {
		return 0, 0, 0, false
	}
	inv := 1 / det
	s := r.Origin.Sub(t.V0)
	u = s.Dot(p) * inv
	if u < 0 || u > 1 {
		return 0, 0, 0, false
	}
	q := s.Cross(e1)
	v = r.Dir.Dot(q) * inv
	if v < 0 || u+v > 1 {
		return 0, 0, 0, false
	}
	dist = e2.Dot(q) * inv
	if dist < r.TMin || dist > r.TMax {
		return 0, 0, 0, false
	}
	return dist, u, v, true
}

func inverse(d mgl32.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{1 / d[0], 1 / d[1], 1 / d[2]}
}

// Intersect returns the closest hit of r against tris through the
// hierarchy. tris must be the slice the tree was built from.
func (t *Tree) Intersect(r Ray, tris []Triangle) (Hit, bool) {
	if len(t.Nodes) == 0 {
		return Hit{}, false
	}
	invDir := inverse(r.Dir)
	best := Hit{T: r.TMax}
	found := false

	stack := make([]uint32, 1, 64)
	for len(stack) > 0 {
		ni := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := t.Nodes[ni]
		if math.IsInf(float64(n.Bounds.IntersectRay(r.Origin, invDir, best.T)), 1) {
			continue
		}
		if n.Leaf() {
			for _, p := range t.Indices[n.LeftOrFirst : n.LeftOrFirst+n.Count] {
				ray := r
				ray.TMax = best.T
				if d, u, v, ok := IntersectTriangle(ray, tris[p]); ok {
					best = Hit{T: d, U: u, V: v, Prim: p}
					found = true
				}
			}
			continue
		}
		stack = append(stack, n.LeftOrFirst+1, n.LeftOrFirst)
	}
	return best, found
}
