package gpu

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Buffer errors.
var (
	// ErrOutOfDeviceMemory is returned when the device or the configured
	// memory budget cannot satisfy an allocation.
	ErrOutOfDeviceMemory = errors.New("gpu: out of device memory")

	// ErrUnsupportedUsageCombination is returned when usage flags and
	// visibility cannot be combined.
	ErrUnsupportedUsageCombination = errors.New("gpu: unsupported usage combination")

	// ErrTransferFailed is returned when a staged upload could not complete.
	ErrTransferFailed = errors.New("gpu: transfer failed")

	// ErrNotHostVisible is returned when mapping a device-local buffer.
	ErrNotHostVisible = errors.New("gpu: buffer is not host visible")

	// ErrBufferReleased is returned when operating on a released buffer,
	// including a second Release.
	ErrBufferReleased = errors.New("gpu: buffer has been released")

	// ErrBufferMapped is returned when device work is recorded against a
	// buffer that is currently mapped.
	ErrBufferMapped = errors.New("gpu: buffer is mapped")

	// ErrInvalidBufferSize is returned when buffer size is invalid.
	ErrInvalidBufferSize = errors.New("gpu: invalid buffer size")
)

// copyAlignment is the WebGPU requirement for copy sizes and offsets.
const copyAlignment = 4

// Usage is a set of buffer usage flags.
type Usage uint32

const (
	// UsageStorageRead marks a buffer readable from kernels.
	UsageStorageRead Usage = 1 << iota
	// UsageStorageWrite marks a buffer writable from kernels.
	UsageStorageWrite
	// UsageAccelerationStructureInput marks geometry that may feed a BLAS build.
	UsageAccelerationStructureInput
	// UsageTransferDst allows the buffer to be a copy destination.
	UsageTransferDst
	// UsageTransferSrc allows the buffer to be a copy source.
	UsageTransferSrc
	// UsageUniform marks a small read-only parameter block.
	UsageUniform
)

// Contains reports whether all flags in other are set.
func (u Usage) Contains(other Usage) bool { return u&other == other }

// String returns the flags joined with '|'.
func (u Usage) String() string {
	if u == 0 {
		return "None"
	}
	names := []struct {
		flag Usage
		name string
	}{
		{UsageStorageRead, "StorageRead"},
		{UsageStorageWrite, "StorageWrite"},
		{UsageAccelerationStructureInput, "ASInput"},
		{UsageTransferDst, "TransferDst"},
		{UsageTransferSrc, "TransferSrc"},
		{UsageUniform, "Uniform"},
	}
	var parts []string
	for _, n := range names {
		if u&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

func (u Usage) storage() bool {
	return u&(UsageStorageRead|UsageStorageWrite|UsageAccelerationStructureInput) != 0
}

// halUsage translates usage flags to WebGPU buffer usages.
func (u Usage) halUsage() gputypes.BufferUsage {
	var out gputypes.BufferUsage
	if u.storage() {
		out |= gputypes.BufferUsageStorage
	}
	if u&UsageTransferDst != 0 {
		out |= gputypes.BufferUsageCopyDst
	}
	if u&UsageTransferSrc != 0 {
		out |= gputypes.BufferUsageCopySrc
	}
	if u&UsageUniform != 0 {
		out |= gputypes.BufferUsageUniform
	}
	return out
}

// Visibility selects where a buffer's memory lives from the host's view.
type Visibility int

const (
	// DeviceLocal memory is only reachable by the device.
	DeviceLocal Visibility = iota
	// HostVisible memory can be mapped by the host after a readback barrier.
	// It is host-cached and coherent from the host's perspective.
	HostVisible
)

// String returns the string representation of Visibility.
func (v Visibility) String() string {
	switch v {
	case DeviceLocal:
		return "DeviceLocal"
	case HostVisible:
		return "HostVisible"
	default:
		return fmt.Sprintf("Unknown(%d)", int(v))
	}
}

// validateUsage rejects combinations the allocator cannot provide.
func validateUsage(usage Usage, vis Visibility) error {
	switch {
	case usage == 0:
		return fmt.Errorf("%w: empty usage", ErrUnsupportedUsageCombination)
	case usage&UsageUniform != 0 && usage.storage():
		return fmt.Errorf("%w: %s", ErrUnsupportedUsageCombination, usage)
	case vis == HostVisible && usage&(UsageAccelerationStructureInput|UsageUniform) != 0:
		return fmt.Errorf("%w: %s with %s", ErrUnsupportedUsageCombination, usage, vis)
	case vis != DeviceLocal && vis != HostVisible:
		return fmt.Errorf("%w: visibility %s", ErrUnsupportedUsageCombination, vis)
	}
	return nil
}

// Buffer is a region of device memory with a fixed size, usage set and
// visibility. Exactly one owner releases it.
//
// A HostVisible buffer carries a readback staging buffer and a host-cached
// mirror. The mirror is refreshed by a readback barrier recorded through the
// Sequencer and is what Map exposes.
//
// Buffer is safe for concurrent use.
type Buffer struct {
	mu sync.Mutex

	label      string
	size       uint64
	allocSize  uint64
	usage      Usage
	visibility Visibility

	raw     hal.Buffer
	staging hal.Buffer

	// mirror is the host copy of a HostVisible buffer.
	mirror []byte

	// buildInput keeps uploaded bytes of acceleration-structure inputs so
	// hierarchy builds can read geometry without a device round-trip.
	buildInput []byte

	mapped   bool
	released bool
	alloc    *Allocator
}

// Label returns the debug label.
func (b *Buffer) Label() string { return b.label }

// Size returns the requested size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// Usage returns the usage flags.
func (b *Buffer) Usage() Usage { return b.usage }

// Visibility returns the buffer visibility.
func (b *Buffer) Visibility() Visibility { return b.visibility }

// Raw returns the underlying HAL buffer, or nil once released.
func (b *Buffer) Raw() hal.Buffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil
	}
	return b.raw
}

// BindingSize returns the size used when binding the whole buffer.
func (b *Buffer) BindingSize() uint64 { return b.allocSize }

// Released reports whether Release has been called.
func (b *Buffer) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// BuildInput returns the host copy of an acceleration-structure input
// buffer. ok is false for buffers without that usage or when nothing was
// uploaded.
func (b *Buffer) BuildInput() (data []byte, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released || b.buildInput == nil {
		return nil, false
	}
	return b.buildInput, true
}

// Map exposes the host-visible contents for reading. The returned slice is
// valid until Unmap. Content is unspecified until a readback barrier has
// completed. Mapping an already mapped buffer returns the same view.
func (b *Buffer) Map() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return nil, ErrBufferReleased
	}
	if b.visibility != HostVisible {
		return nil, fmt.Errorf("%w: %q", ErrNotHostVisible, b.label)
	}
	b.mapped = true
	return b.mirror[:b.size], nil
}

// Unmap ends a mapping scope. It is a no-op on an unmapped buffer.
func (b *Buffer) Unmap() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return ErrBufferReleased
	}
	b.mapped = false
	return nil
}

// Mapped reports whether the buffer is inside a Map/Unmap scope.
func (b *Buffer) Mapped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mapped
}

// Release returns the buffer's memory to the device. A second call returns
// ErrBufferReleased.
func (b *Buffer) Release() error {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrBufferReleased, b.label)
	}
	b.released = true
	b.mapped = false
	raw, staging := b.raw, b.staging
	b.raw, b.staging = nil, nil
	b.mirror, b.buildInput = nil, nil
	b.mu.Unlock()

	if b.alloc != nil {
		b.alloc.free(b, raw, staging)
	}
	return nil
}

// usable reports why device work must not touch the buffer, if anything.
func (b *Buffer) usable() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return fmt.Errorf("%w: %q", ErrBufferReleased, b.label)
	}
	if b.mapped {
		return fmt.Errorf("%w: %q", ErrBufferMapped, b.label)
	}
	return nil
}

func alignUp(n, a uint64) uint64 {
	return (n + a - 1) &^ (a - 1)
}
