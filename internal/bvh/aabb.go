// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package bvh

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// AABB is an axis-aligned bounding box.
type AABB struct {
	Min, Max mgl32.Vec3
}

// EmptyAABB returns an inverted box that any Grow call replaces.
func EmptyAABB() AABB {
	inf := float32(math.Inf(1))
	return AABB{
		Min: mgl32.Vec3{inf, inf, inf},
		Max: mgl32.Vec3{-inf, -inf, -inf},
	}
}

// Valid reports whether the box contains at least one point.
func (b AABB) Valid() bool {
	return b.Min[0] <= b.Max[0] && b.Min[1] <= b.Max[1] && b.Min[2] <= b.Max[2]
}

// Grow returns the box extended to contain p.
func (b AABB) Grow(p mgl32.Vec3) AABB {
	return AABB{Min: minVec(b.Min, p), Max: maxVec(b.Max, p)}
}

// Union returns the smallest box containing b and o.
func (b AABB) Union(o AABB) AABB {
	return AABB{Min: minVec(b.Min, o.Min), Max: maxVec(b.Max, o.Max)}
}

// Extent returns Max - Min.
func (b AABB) Extent() mgl32.Vec3 { return b.Max.Sub(b.Min) }

// Center returns the midpoint of the box.
func (b AABB) Center() mgl32.Vec3 { return b.Min.Add(b.Max).Mul(0.5) }

// HalfArea returns half the surface area, which is all SAH comparisons need.
// Empty boxes have zero area.
func (b AABB) HalfArea() float32 {
	if !b.Valid() {
		return 0
	}
	e := b.Extent()
	return e[0]*e[1] + e[1]*e[2] + e[2]*e[0]
}

// LongestAxis returns the index of the largest extent.
func (b AABB) LongestAxis() int {
	e := b.Extent()
	axis := 0
	if e[1] > e[axis] {
		axis = 1
	}
	if e[2] > e[axis] {
		axis = 2
	}
	return axis
}

// Transform returns the box enclosing the eight corners of b under m.
func (b AABB) Transform(m mgl32.Mat4) AABB {
	out := EmptyAABB()
	for i := range 8 {
		c := mgl32.Vec3{b.Min[0], b.Min[1], b.Min[2]}
		if i&1 != 0 {
			c[0] = b.Max[0]
		}
		if i&2 != 0 {
			c[1] = b.Max[1]
		}
		if i&4 != 0 {
			c[2] = b.Max[2]
		}
		out = out.Grow(mgl32.TransformCoordinate(c, m))
	}
	return out
}

// IntersectRay returns the entry distance of the ray into the box, or
// +Inf when it misses or the entry is beyond tMax. invDir is 1/dir.
func (b AABB) IntersectRay(origin, invDir mgl32.Vec3, tMax float32) float32 {
	tmin, tmax := float32(0), tMax
	for a := range 3 {
		t1 := (b.Min[a] - origin[a]) * invDir[a]
		t2 := (b.Max[a] - origin[a]) * invDir[a]
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		// NaN from 0*Inf falls through both comparisons and leaves the slab open.
		if t1 > tmin {
			tmin = t1
		}
		if t2 < tmax {
			tmax = t2
		}
		if tmin > tmax {
			return float32(math.Inf(1))
		}
	}
	return tmin
}

func minVec(a, b mgl32.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{min(a[0], b[0]), min(a[1], b[1]), min(a[2], b[2])}
}

func maxVec(a, b mgl32.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{max(a[0], b[0]), max(a[1], b[1]), max(a[2], b[2])}
}
