// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package accel

import (
	"fmt"
	"math"
	"sync"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/pathtracer/internal/bvh"
	"github.com/gogpu/pathtracer/internal/gpu"
)

// InstanceFlags adjust how an instance's geometry is treated by traversal.
type InstanceFlags uint32

const (
	// InstanceCullDisable keeps back faces of the instance hittable by rays
	// traced with RayCullBackFacing.
	InstanceCullDisable InstanceFlags = 1 << iota
	// InstanceFlipFacing swaps front and back faces. A front face winds
	// counter-clockwise seen from the ray origin in object space.
	InstanceFlipFacing
	// InstanceForceOpaque treats all geometry as opaque.
	InstanceForceOpaque
	// InstanceForceNoOpaque treats all geometry as non-opaque.
	InstanceForceNoOpaque
)

// Instance places a BLAS in the world.
type Instance struct {
	// Transform maps object space to world space. Only the affine 3x4 part
	// is used.
	Transform mgl32.Mat4

	// Blas indexes the slice passed to BuildTlas.
	Blas int

	// CustomIndex is reported to the kernel on hit. At most 24 bits.
	CustomIndex uint32

	// ShadingGroup selects the material (hit group) the kernel shades with.
	ShadingGroup uint32

	// Mask is ANDed with the ray mask; zero hides the instance.
	Mask uint8

	Flags InstanceFlags
}

// NewInstance returns an identity-transformed, fully visible instance of
// blas.
func NewInstance(blas int) Instance {
	return Instance{Transform: mgl32.Ident4(), Blas: blas, Mask: 0xFF}
}

// TopLevel is an opaque TLAS handle: the linked arena buffer plus the host
// state needed to trace against it.
type TopLevel struct {
	mu sync.Mutex

	buf       *gpu.Buffer
	words     []uint32
	blases    []*BottomLevel
	instances int
	vertices  *gpu.Buffer
	indices   *gpu.Buffer
	bounds    bvh.AABB
	released  bool

	hostVerts []float32
	hostIdx   []uint32
}

// Buffer returns the arena buffer bound at the top-level structure slot.
func (t *TopLevel) Buffer() *gpu.Buffer { return t.buf }

// InstanceCount returns the number of instances.
func (t *TopLevel) InstanceCount() int { return t.instances }

// Bounds returns the world-space bounds of all instances.
func (t *TopLevel) Bounds() bvh.AABB { return t.bounds }

// Geometry returns the vertex and index buffers every linked BLAS was built
// from.
func (t *TopLevel) Geometry() (vertices, indices *gpu.Buffer) { return t.vertices, t.indices }

// SizeBytes returns the arena size.
func (t *TopLevel) SizeBytes() uint64 { return uint64(len(t.words)) * 4 }

// Released reports whether the arena buffer was released.
func (t *TopLevel) Released() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released || t.buf.Released()
}

// Release frees the arena. The BLASes it linked stay owned by the caller.
func (t *TopLevel) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return ErrStructureReleased
	}
	t.released = true
	return t.buf.Release()
}

// BuildTlas builds a TLAS over instances and links the referenced BLASes.
// Every instance is validated before anything is allocated. The link copies
// and the header upload share one round-trip.
func (b *Builder) BuildTlas(blases []*BottomLevel, instances []Instance) (*TopLevel, error) {
	if len(instances) == 0 {
		return nil, ErrEmptyInstanceSet
	}

	var vertices, indices *gpu.Buffer
	boxes := make([]bvh.AABB, len(instances))
	inverses := make([]mgl32.Mat4, len(instances))
	for i, inst := range instances {
		if inst.Blas < 0 || inst.Blas >= len(blases) || blases[inst.Blas] == nil {
			return nil, fmt.Errorf("%w: instance %d refers to BLAS %d of %d",
				ErrInvalidInstanceReference, i, inst.Blas, len(blases))
		}
		blas := blases[inst.Blas]
		if blas.Released() {
			return nil, fmt.Errorf("%w: instance %d refers to released BLAS %d",
				ErrInvalidInstanceReference, i, inst.Blas)
		}
		if inst.CustomIndex > MaxCustomIndex {
			return nil, fmt.Errorf("%w: instance %d custom index %d exceeds 24 bits",
				ErrInvalidInstance, i, inst.CustomIndex)
		}
		m := affine(inst.Transform)
		det := m.Det()
		if det == 0 || math.IsNaN(float64(det)) || math.IsInf(float64(det), 0) {
			return nil, fmt.Errorf("%w: instance %d transform is singular", ErrInvalidInstance, i)
		}
		if vertices == nil {
			vertices, indices = blas.vertices, blas.indices
		} else if blas.vertices != vertices || blas.indices != indices {
			return nil, fmt.Errorf("%w: instance %d", ErrMixedGeometry, i)
		}
		boxes[i] = blas.bounds.Transform(m)
		inverses[i] = m.Inv()
	}

	tree, err := bvh.BuildBoxes(boxes, bvh.Options{Strategy: bvh.StrategySAH, MaxLeafSize: 1, MaxDepth: MaxTraversalDepth})
	if err != nil {
		return nil, err
	}
	tree.Compact()

	// Assign arena offsets to each referenced BLAS once.
	nodeOffset := arenaHeaderWords
	instanceOffset := nodeOffset + len(tree.Nodes)*bvh.NodeWords
	next := instanceOffset + len(instances)*InstanceWords
	blasOffset := make(map[*BottomLevel]int)
	var linked []*BottomLevel
	for _, inst := range instances {
		blas := blases[inst.Blas]
		if _, ok := blasOffset[blas]; ok {
			continue
		}
		blasOffset[blas] = next
		linked = append(linked, blas)
		next += len(blas.words)
	}

	words := make([]uint32, next)
	//nolint:gosec // G115: counts fit uint32
	copy(words, []uint32{
		hdrInstanceCount:  uint32(len(instances)),
		hdrNodeOffset:     uint32(nodeOffset),
		hdrNodeCount:      uint32(len(tree.Nodes)),
		hdrInstanceOffset: uint32(instanceOffset),
		hdrBlasCount:      uint32(len(linked)),
		hdrTotalWords:     uint32(next),
	})
	// Appends in place: the zero-length slice keeps the capacity of words.
	bvh.EncodeNodes(words[nodeOffset:nodeOffset], tree.Nodes, len(tree.Nodes))
	for slot, src := range tree.Indices {
		inst := instances[src]
		blas := blases[inst.Blas]
		rec := words[instanceOffset+slot*InstanceWords : instanceOffset+(slot+1)*InstanceWords]
		putRows(rec[recTransform:], affine(inst.Transform))
		putRows(rec[recInverse:], inverses[src])
		rec[recBlasOffset] = uint32(blasOffset[blas]) //nolint:gosec // G115: arena offsets fit uint32
		rec[recCustomAndMask] = inst.CustomIndex | uint32(inst.Mask)<<24
		rec[recShadingGroup] = inst.ShadingGroup
		flags := uint32(inst.Flags)
		if resolveOpaque(blas.opaque, inst.Flags) {
			flags |= recordOpaque
		}
		rec[recFlags] = flags
		rec[recSourceIndex] = src
	}
	for _, blas := range linked {
		copy(words[blasOffset[blas]:], blas.words)
	}

	topBytes := wordsToBytes(words[:instanceOffset+len(instances)*InstanceWords])
	buf, err := b.alloc.Allocate("tlas_arena", uint64(len(words))*4,
		gpu.UsageStorageRead|gpu.UsageTransferDst, gpu.DeviceLocal)
	if err != nil {
		return nil, err
	}

	cc, err := b.seq.BeginOneShot("build_tlas")
	if err != nil {
		_ = buf.Release()
		return nil, err
	}
	if err := b.alloc.Stage(cc, buf, 0, topBytes); err != nil {
		cc.Abandon()
		_ = buf.Release()
		return nil, err
	}
	for _, blas := range linked {
		//nolint:gosec // G115: arena offsets are non-negative
		dst := uint64(blasOffset[blas]) * 4
		if err := cc.CopyBuffer(blas.buf, buf, 0, dst, blas.SizeBytes()); err != nil {
			cc.Abandon()
			_ = buf.Release()
			return nil, fmt.Errorf("%w: link: %w", ErrInvalidInstanceReference, err)
		}
	}
	if err := b.seq.SubmitAndWait(cc); err != nil {
		_ = buf.Release()
		return nil, err
	}

	gpu.Logger().Info("accel: top-level structure built",
		"instances", len(instances),
		"linked_blas", len(linked),
		"nodes", len(tree.Nodes),
		"arena_bytes", len(words)*4)

	return &TopLevel{
		buf:       buf,
		words:     words,
		blases:    linked,
		instances: len(instances),
		vertices:  vertices,
		indices:   indices,
		bounds:    tree.Bounds(),
	}, nil
}

// affine clears the projective row so only the 3x4 part takes effect.
func affine(m mgl32.Mat4) mgl32.Mat4 {
	m.Set(3, 0, 0)
	m.Set(3, 1, 0)
	m.Set(3, 2, 0)
	m.Set(3, 3, 1)
	return m
}

func resolveOpaque(geometry bool, flags InstanceFlags) bool {
	switch {
	case flags&InstanceForceNoOpaque != 0:
		return false
	case flags&InstanceForceOpaque != 0:
		return true
	default:
		return geometry
	}
}
