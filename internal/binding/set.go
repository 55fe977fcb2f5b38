// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package binding

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/pathtracer/internal/gpu"
)

// Parameters uniform location and size.
const (
	ParamsGroup   = 1
	ParamsBinding = 0
	ParamsSize    = 16
)

// Params is the per-pass parameter block. Layout in the uniform:
//
//	offset 0  sample_batch u32
//	offset 4  width        u32
//	offset 8  height       u32
//	offset 12 padding
type Params struct {
	SampleBatch uint32
	Width       uint32
	Height      uint32
}

// Bytes encodes p as the uniform contents.
func (p Params) Bytes() []byte {
	b := make([]byte, ParamsSize)
	binary.LittleEndian.PutUint32(b[0:], p.SampleBatch)
	binary.LittleEndian.PutUint32(b[4:], p.Width)
	binary.LittleEndian.PutUint32(b[8:], p.Height)
	return b
}

// Set is a wired binding set: bind group 0 over the scene resources and
// bind group 1 over its own parameters uniform.
type Set struct {
	mu sync.Mutex

	layout    *Layout
	resources Resources
	scene     hal.BindGroup
	params    hal.BindGroup
	paramsBuf *gpu.Buffer
	released  bool
}

// Wire validates res against the slot contract and creates the bind groups.
// Nothing is created when validation fails.
func Wire(layout *Layout, res Resources) (*Set, error) {
	if err := res.Validate(); err != nil {
		return nil, err
	}

	paramsBuf, err := layout.alloc.Allocate("pass_params", ParamsSize, gpu.UsageUniform|gpu.UsageTransferDst, gpu.DeviceLocal)
	if err != nil {
		return nil, err
	}

	entries := make([]gputypes.BindGroupEntry, 0, SlotCount)
	for _, s := range Slots {
		buf := res[s].buffer()
		entries = append(entries, gputypes.BindGroupEntry{
			Binding:  uint32(s),
			Resource: gputypes.BufferBinding{Buffer: buf.Raw().NativeHandle(), Offset: 0, Size: buf.BindingSize()},
		})
	}
	scene, err := layout.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   "pathtracer_scene",
		Layout:  layout.scene,
		Entries: entries,
	})
	if err != nil {
		_ = paramsBuf.Release()
		return nil, fmt.Errorf("create scene bind group: %w", err)
	}

	params, err := layout.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  "pathtracer_params",
		Layout: layout.params,
		Entries: []gputypes.BindGroupEntry{
			{Binding: ParamsBinding, Resource: gputypes.BufferBinding{Buffer: paramsBuf.Raw().NativeHandle(), Offset: 0, Size: ParamsSize}},
		},
	})
	if err != nil {
		layout.device.DestroyBindGroup(scene)
		_ = paramsBuf.Release()
		return nil, fmt.Errorf("create params bind group: %w", err)
	}

	gpu.Logger().Debug("binding: set wired",
		"image", res[SlotImageData].Buffer.Label(),
		"arena_bytes", res[SlotTopLevelStructure].Structure.SizeBytes())

	return &Set{
		layout:    layout,
		resources: res,
		scene:     scene,
		params:    params,
		paramsBuf: paramsBuf,
	}, nil
}

// Resource returns the resource bound at s.
func (s *Set) Resource(slot Slot) Resource { return s.resources[slot] }

// Image returns the image data buffer.
func (s *Set) Image() *gpu.Buffer { return s.resources[SlotImageData].Buffer }

// Groups returns the bind groups in group index order.
func (s *Set) Groups() []hal.BindGroup { return []hal.BindGroup{s.scene, s.params} }

// Touches returns every buffer a pass over this set reads or writes.
func (s *Set) Touches() []*gpu.Buffer {
	out := make([]*gpu.Buffer, 0, SlotCount+1)
	for _, slot := range Slots {
		out = append(out, s.resources[slot].buffer())
	}
	return append(out, s.paramsBuf)
}

// Check reports ErrStaleBinding if any bound resource was released since
// wiring, or ErrSetReleased if the set itself was.
func (s *Set) Check() error {
	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if released {
		return ErrSetReleased
	}
	for _, slot := range Slots {
		if s.resources[slot].released() {
			return fmt.Errorf("%w: slot %d (%s)", ErrStaleBinding, slot, slot)
		}
	}
	return nil
}

// WriteParams uploads p to the parameters uniform. The write is ordered
// before the next submission on the queue.
func (s *Set) WriteParams(p Params) error {
	if err := s.Check(); err != nil {
		return err
	}
	s.layout.alloc.Device().Queue().WriteBuffer(s.paramsBuf.Raw(), 0, p.Bytes())
	return nil
}

// Release destroys the bind groups and the parameters uniform. The scene
// resources stay owned by the caller.
func (s *Set) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return ErrSetReleased
	}
	s.released = true
	s.layout.device.DestroyBindGroup(s.params)
	s.layout.device.DestroyBindGroup(s.scene)
	return s.paramsBuf.Release()
}
