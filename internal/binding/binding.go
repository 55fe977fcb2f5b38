// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package binding defines the fixed binding contract between the host and
// the path-tracing kernel.
//
// Bind group 0 carries the scene:
//
//	@binding(0) image data      read-write storage, width*height*3 float32
//	@binding(1) top-level       read-only storage, the linked TLAS arena
//	@binding(2) vertices        read-only storage, float32 xyz
//	@binding(3) indices         read-only storage, uint32 triples
//
// Bind group 1 carries the per-pass parameters uniform (see Params).
//
// A Set is immutable once wired. Rendering a different scene wires a new Set.
package binding

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/pathtracer/internal/accel"
	"github.com/gogpu/pathtracer/internal/gpu"
)

// Binding errors.
var (
	// ErrMissingBinding is returned when a slot has no resource.
	ErrMissingBinding = errors.New("binding: missing resource")

	// ErrBindingKindMismatch is returned when a resource does not match the
	// kind its slot declares.
	ErrBindingKindMismatch = errors.New("binding: resource kind mismatch")

	// ErrStaleBinding is returned when a bound resource has been released.
	ErrStaleBinding = errors.New("binding: resource has been released")

	// ErrSetReleased is returned when using a released set.
	ErrSetReleased = errors.New("binding: set has been released")
)

// Slot is a binding index in bind group 0.
type Slot uint32

// Binding slots. The numbering is part of the kernel contract.
const (
	SlotImageData         Slot = 0
	SlotTopLevelStructure Slot = 1
	SlotVertices          Slot = 2
	SlotIndices           Slot = 3
)

// SlotCount is the number of slots in bind group 0.
const SlotCount = 4

// Slots lists every slot in binding order.
var Slots = [SlotCount]Slot{SlotImageData, SlotTopLevelStructure, SlotVertices, SlotIndices}

// String returns the slot name.
func (s Slot) String() string {
	switch s {
	case SlotImageData:
		return "ImageData"
	case SlotTopLevelStructure:
		return "TopLevelStructure"
	case SlotVertices:
		return "Vertices"
	case SlotIndices:
		return "Indices"
	default:
		return fmt.Sprintf("Slot(%d)", uint32(s))
	}
}

// Kind is the resource kind a slot accepts.
type Kind int

const (
	// KindStorageReadWrite is a storage buffer the kernel writes.
	KindStorageReadWrite Kind = iota + 1
	// KindAccelerationStructure is a built top-level structure.
	KindAccelerationStructure
	// KindStorageRead is a read-only storage buffer.
	KindStorageRead
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindStorageReadWrite:
		return "read-write storage"
	case KindAccelerationStructure:
		return "acceleration structure"
	case KindStorageRead:
		return "read-only storage"
	default:
		return "none"
	}
}

// Kind returns the resource kind the slot declares.
func (s Slot) Kind() Kind {
	switch s {
	case SlotImageData:
		return KindStorageReadWrite
	case SlotTopLevelStructure:
		return KindAccelerationStructure
	case SlotVertices, SlotIndices:
		return KindStorageRead
	default:
		return 0
	}
}

func (s Slot) bindingType() gputypes.BufferBindingType {
	if s.Kind() == KindStorageReadWrite {
		return gputypes.BufferBindingTypeStorage
	}
	return gputypes.BufferBindingTypeReadOnlyStorage
}

// SceneEntries returns the layout entries of bind group 0.
func SceneEntries() []gputypes.BindGroupLayoutEntry {
	entries := make([]gputypes.BindGroupLayoutEntry, 0, SlotCount)
	for _, s := range Slots {
		entries = append(entries, gputypes.BindGroupLayoutEntry{
			Binding:    uint32(s),
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: s.bindingType()},
		})
	}
	return entries
}

// Resource is what a slot is bound to: a buffer, or for the top-level slot
// a structure.
type Resource struct {
	Buffer    *gpu.Buffer
	Structure *accel.TopLevel
}

// BufferResource binds a buffer.
func BufferResource(b *gpu.Buffer) Resource { return Resource{Buffer: b} }

// StructureResource binds a top-level structure.
func StructureResource(t *accel.TopLevel) Resource { return Resource{Structure: t} }

func (r Resource) empty() bool { return r.Buffer == nil && r.Structure == nil }

func (r Resource) kind() Kind {
	switch {
	case r.Structure != nil && r.Buffer == nil:
		return KindAccelerationStructure
	case r.Buffer != nil && r.Structure == nil:
		if r.Buffer.Usage().Contains(gpu.UsageStorageWrite) {
			return KindStorageReadWrite
		}
		if r.Buffer.Usage().Contains(gpu.UsageStorageRead) {
			return KindStorageRead
		}
	}
	return 0
}

func (r Resource) released() bool {
	if r.Structure != nil {
		return r.Structure.Released()
	}
	return r.Buffer.Released()
}

// buffer returns the device buffer backing the resource.
func (r Resource) buffer() *gpu.Buffer {
	if r.Structure != nil {
		return r.Structure.Buffer()
	}
	return r.Buffer
}

// Resources holds one resource per slot, indexed by Slot.
type Resources [SlotCount]Resource

// accepts reports whether a resource of kind k may be bound at s. A
// read-write buffer satisfies a read-only slot.
func accepts(s Slot, k Kind) bool {
	want := s.Kind()
	return k == want || (want == KindStorageRead && k == KindStorageReadWrite)
}

// Validate checks every slot without creating anything.
func (r *Resources) Validate() error {
	for _, s := range Slots {
		res := r[s]
		if res.empty() {
			return fmt.Errorf("%w: slot %d (%s)", ErrMissingBinding, s, s)
		}
		if k := res.kind(); !accepts(s, k) {
			return fmt.Errorf("%w: slot %d (%s) wants %s, got %s", ErrBindingKindMismatch, s, s, s.Kind(), k)
		}
		if res.released() {
			return fmt.Errorf("%w: slot %d (%s)", ErrStaleBinding, s, s)
		}
	}
	if tlas := r[SlotTopLevelStructure].Structure; tlas != nil {
		vb, ib := tlas.Geometry()
		if vb != r[SlotVertices].Buffer || ib != r[SlotIndices].Buffer {
			return fmt.Errorf("%w: vertex and index slots must hold the buffers the structure was built from",
				ErrBindingKindMismatch)
		}
	}
	return nil
}

// Layout owns the bind group layouts and the pipeline layout of the kernel.
type Layout struct {
	alloc    *gpu.Allocator
	device   hal.Device
	scene    hal.BindGroupLayout
	params   hal.BindGroupLayout
	pipeline hal.PipelineLayout
}

// NewLayout creates the layouts on the allocator's device.
func NewLayout(alloc *gpu.Allocator) (*Layout, error) {
	device := alloc.Device().HAL()
	l := &Layout{alloc: alloc, device: device}

	scene, err := device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   "pathtracer_scene_layout",
		Entries: SceneEntries(),
	})
	if err != nil {
		return nil, fmt.Errorf("create scene bind group layout: %w", err)
	}
	l.scene = scene

	params, err := device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "pathtracer_params_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{Binding: ParamsBinding, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}},
		},
	})
	if err != nil {
		l.Release()
		return nil, fmt.Errorf("create params bind group layout: %w", err)
	}
	l.params = params

	pipeline, err := device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "pathtracer_pipeline_layout",
		BindGroupLayouts: []hal.BindGroupLayout{l.scene, l.params},
	})
	if err != nil {
		l.Release()
		return nil, fmt.Errorf("create pipeline layout: %w", err)
	}
	l.pipeline = pipeline
	return l, nil
}

// PipelineLayout returns the layout compute pipelines are created with.
func (l *Layout) PipelineLayout() hal.PipelineLayout { return l.pipeline }

// Release destroys the layouts. Safe to call more than once.
func (l *Layout) Release() {
	if l.pipeline != nil {
		l.device.DestroyPipelineLayout(l.pipeline)
		l.pipeline = nil
	}
	if l.params != nil {
		l.device.DestroyBindGroupLayout(l.params)
		l.params = nil
	}
	if l.scene != nil {
		l.device.DestroyBindGroupLayout(l.scene)
		l.scene = nil
	}
}
