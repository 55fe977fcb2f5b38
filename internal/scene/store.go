// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package scene holds the triangle geometry a render session uploads.
//
// A Store is one shared vertex array and one shared index array. Each
// Object is a contiguous range of triangles in the index array and becomes
// one bottom-level structure; DefaultInstances places every object once.
package scene

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/pathtracer/internal/accel"
	"github.com/gogpu/pathtracer/internal/gpu"
)

// Scene errors.
var (
	// ErrInvalidScene is returned by Validate for inconsistent geometry.
	ErrInvalidScene = errors.New("scene: invalid geometry")

	// ErrUnknownScene is returned for a name that is neither a built-in
	// scene nor a loadable file.
	ErrUnknownScene = errors.New("scene: unknown scene")

	// ErrInvalidOBJ is returned for malformed Wavefront OBJ input.
	ErrInvalidOBJ = errors.New("scene: invalid OBJ")
)

// Material selects how the kernel shades an object. The value is the
// instance shading group.
type Material uint32

// Materials understood by the default kernel.
const (
	MaterialWhite Material = iota
	MaterialRed
	MaterialGreen
	MaterialLight
	MaterialMirror
)

// String returns the material name.
func (m Material) String() string {
	switch m {
	case MaterialWhite:
		return "white"
	case MaterialRed:
		return "red"
	case MaterialGreen:
		return "green"
	case MaterialLight:
		return "light"
	case MaterialMirror:
		return "mirror"
	default:
		return fmt.Sprintf("Material(%d)", uint32(m))
	}
}

// Object is a named, contiguous triangle range.
type Object struct {
	Name          string
	FirstTriangle uint32
	TriangleCount uint32
	Material      Material
}

// Store is indexed triangle geometry.
type Store struct {
	// Vertices holds x, y, z per vertex.
	Vertices []float32

	// Indices holds three vertex indices per triangle.
	Indices []uint32

	Objects []Object
}

// VertexCount returns the number of vertices.
func (s *Store) VertexCount() int { return len(s.Vertices) / 3 }

// TriangleCount returns the number of triangles.
func (s *Store) TriangleCount() int { return len(s.Indices) / 3 }

// Validate checks that the store is self-consistent: whole vertices and
// triangles, every index in range, and every object a non-empty range
// inside the index array.
func (s *Store) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil scene", ErrInvalidScene)
	}
	if len(s.Vertices)%3 != 0 {
		return fmt.Errorf("%w: %d vertex floats is not a multiple of 3", ErrInvalidScene, len(s.Vertices))
	}
	if len(s.Indices)%3 != 0 {
		return fmt.Errorf("%w: %d indices is not a multiple of 3", ErrInvalidScene, len(s.Indices))
	}
	if len(s.Objects) == 0 {
		return fmt.Errorf("%w: no objects", ErrInvalidScene)
	}
	n := uint32(s.VertexCount()) //nolint:gosec // G115: vertex count fits uint32
	for i, idx := range s.Indices {
		if idx >= n {
			return fmt.Errorf("%w: index %d is %d, only %d vertices", ErrInvalidScene, i, idx, n)
		}
	}
	tris := uint64(s.TriangleCount())
	for i, obj := range s.Objects {
		if obj.TriangleCount == 0 {
			return fmt.Errorf("%w: object %d (%s) has no triangles", ErrInvalidScene, i, obj.Name)
		}
		if end := uint64(obj.FirstTriangle) + uint64(obj.TriangleCount); end > tris {
			return fmt.Errorf("%w: object %d (%s) ends at triangle %d of %d", ErrInvalidScene, i, obj.Name, end, tris)
		}
	}
	if !finite(s.Vertices) {
		return fmt.Errorf("%w: non-finite vertex coordinate", ErrInvalidScene)
	}
	return nil
}

func finite(v []float32) bool {
	for _, f := range v {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return false
		}
	}
	return true
}

// VertexBytes returns the vertex array as little-endian bytes.
func (s *Store) VertexBytes() []byte {
	b := make([]byte, len(s.Vertices)*4)
	for i, f := range s.Vertices {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

// IndexBytes returns the index array as little-endian bytes.
func (s *Store) IndexBytes() []byte {
	b := make([]byte, len(s.Indices)*4)
	for i, idx := range s.Indices {
		binary.LittleEndian.PutUint32(b[i*4:], idx)
	}
	return b
}

// GeometryInputs returns one opaque BLAS input per object over the uploaded
// vertex and index buffers.
func (s *Store) GeometryInputs(vertices, indices *gpu.Buffer) []accel.GeometryInput {
	inputs := make([]accel.GeometryInput, len(s.Objects))
	for i, obj := range s.Objects {
		inputs[i] = accel.GeometryInput{
			Vertices:      vertices,
			Indices:       indices,
			FirstTriangle: obj.FirstTriangle,
			TriangleCount: obj.TriangleCount,
			Opaque:        true,
		}
	}
	return inputs
}

// DefaultInstances places each object once with an identity transform.
// Instance i refers to BLAS i, reports custom index i and shades with the
// object's material.
func (s *Store) DefaultInstances() []accel.Instance {
	instances := make([]accel.Instance, len(s.Objects))
	for i, obj := range s.Objects {
		inst := accel.NewInstance(i)
		inst.CustomIndex = uint32(i) //nolint:gosec // G115: object count fits uint32
		inst.ShadingGroup = uint32(obj.Material)
		instances[i] = inst
	}
	return instances
}

// Builder appends geometry to a Store one object at a time.
type Builder struct {
	store Store
	open  *Object
}

// Begin starts a new object. An open object without triangles is dropped.
func (b *Builder) Begin(name string, m Material) {
	b.end()
	b.open = &Object{
		Name:          name,
		FirstTriangle: uint32(b.store.TriangleCount()), //nolint:gosec // G115: triangle count fits uint32
		Material:      m,
	}
}

func (b *Builder) end() {
	if b.open != nil && b.open.TriangleCount > 0 {
		b.store.Objects = append(b.store.Objects, *b.open)
	}
	b.open = nil
}

// Vertex appends a vertex and returns its index.
func (b *Builder) Vertex(p mgl32.Vec3) uint32 {
	idx := uint32(b.store.VertexCount()) //nolint:gosec // G115: vertex count fits uint32
	b.store.Vertices = append(b.store.Vertices, p[0], p[1], p[2])
	return idx
}

// Triangle appends a triangle to the open object, opening an unnamed white
// object if none is open.
func (b *Builder) Triangle(i0, i1, i2 uint32) {
	if b.open == nil {
		b.Begin(fmt.Sprintf("object_%d", len(b.store.Objects)), MaterialWhite)
	}
	b.store.Indices = append(b.store.Indices, i0, i1, i2)
	b.open.TriangleCount++
}

// Quad appends the parallelogram corner, corner+u, corner+u+v, corner+v as
// two triangles.
func (b *Builder) Quad(corner, u, v mgl32.Vec3) {
	i0 := b.Vertex(corner)
	i1 := b.Vertex(corner.Add(u))
	i2 := b.Vertex(corner.Add(u).Add(v))
	i3 := b.Vertex(corner.Add(v))
	b.Triangle(i0, i1, i2)
	b.Triangle(i0, i2, i3)
}

// Box appends the six faces of the axis-aligned box [lo, hi].
func (b *Builder) Box(lo, hi mgl32.Vec3) {
	d := hi.Sub(lo)
	dx, dy, dz := mgl32.Vec3{d[0], 0, 0}, mgl32.Vec3{0, d[1], 0}, mgl32.Vec3{0, 0, d[2]}
	// bottom, top, back, front, left, right
	b.Quad(lo, dx, dz)
	b.Quad(lo.Add(dy), dz, dx)
	b.Quad(lo, dy, dx)
	b.Quad(lo.Add(dz), dx, dy)
	b.Quad(lo, dz, dy)
	b.Quad(lo.Add(dx), dy, dz)
}

// Store finishes the open object and returns the geometry.
func (b *Builder) Store() *Store {
	b.end()
	s := b.store
	b.store = Store{}
	return &s
}
