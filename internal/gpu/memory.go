package gpu

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/wgpu/hal"
)

// Memory management errors.
var (
	// ErrMemoryBudgetExceeded is returned when allocation would exceed budget.
	ErrMemoryBudgetExceeded = errors.New("gpu: memory budget exceeded")

	// ErrAllocatorClosed is returned when allocating from a closed allocator.
	ErrAllocatorClosed = errors.New("gpu: allocator closed")
)

// MinMemoryMB is the smallest budget the allocator accepts (16 MB).
// Smaller non-zero budgets are raised to it.
const MinMemoryMB = 16

// MemoryStats contains GPU memory usage statistics.
type MemoryStats struct {
	// BudgetBytes is the memory budget in bytes, 0 when unlimited.
	BudgetBytes uint64

	// UsedBytes is the currently allocated memory in bytes, staging included.
	UsedBytes uint64

	// PeakBytes is the high-water mark of UsedBytes.
	PeakBytes uint64

	// LiveBuffers is the number of unreleased buffers.
	LiveBuffers int

	// Allocations is the total number of successful allocations.
	Allocations uint64
}

// String returns a human-readable string of memory stats.
func (s MemoryStats) String() string {
	budget := "unlimited"
	if s.BudgetBytes > 0 {
		budget = fmt.Sprintf("%d MB", s.BudgetBytes/(1024*1024))
	}
	return fmt.Sprintf("Memory[%d buffers, %d KB used, %d KB peak, budget %s]",
		s.LiveBuffers, s.UsedBytes/1024, s.PeakBytes/1024, budget)
}

// AllocatorConfig holds configuration for creating an Allocator.
type AllocatorConfig struct {
	// MaxMemoryMB is the memory budget in megabytes. Zero disables the budget.
	MaxMemoryMB int
}

// Allocator creates and tracks device buffers and enforces an optional
// memory budget.
//
// Allocator is safe for concurrent use.
type Allocator struct {
	mu sync.Mutex

	dev *Device

	budgetBytes uint64
	usedBytes   uint64
	peakBytes   uint64
	allocations uint64

	live map[*Buffer]uint64

	closed bool
}

// NewAllocator creates an allocator for dev.
func NewAllocator(dev *Device, config AllocatorConfig) *Allocator {
	var budget uint64
	if config.MaxMemoryMB > 0 {
		maxMB := config.MaxMemoryMB
		if maxMB < MinMemoryMB {
			maxMB = MinMemoryMB
		}
		//nolint:gosec // G115: maxMB is positive
		budget = uint64(maxMB) * 1024 * 1024
	}
	return &Allocator{
		dev:         dev,
		budgetBytes: budget,
		live:        make(map[*Buffer]uint64),
	}
}

// Device returns the device buffers are allocated on.
func (a *Allocator) Device() *Device { return a.dev }

// Allocate creates a buffer of size bytes. HostVisible buffers additionally
// get a readback staging buffer and a zeroed host mirror.
func (a *Allocator) Allocate(label string, size uint64, usage Usage, vis Visibility) (*Buffer, error) {
	if err := validateUsage(usage, vis); err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: %q has zero size", ErrInvalidBufferSize, label)
	}

	allocSize := alignUp(size, copyAlignment)
	if maxSize := a.dev.limits.MaxBufferSize; maxSize > 0 && allocSize > maxSize {
		return nil, fmt.Errorf("%w: %q needs %d bytes, device maximum is %d",
			ErrOutOfDeviceMemory, label, allocSize, maxSize)
	}

	footprint := allocSize
	if vis == HostVisible {
		footprint *= 2
	}
	if err := a.reserve(label, footprint); err != nil {
		return nil, err
	}

	halUsage := usage.halUsage()
	if vis == HostVisible {
		halUsage |= UsageTransferSrc.halUsage()
	}
	raw, err := a.dev.device.CreateBuffer(&hal.BufferDescriptor{
		Label: label,
		Size:  allocSize,
		Usage: halUsage,
	})
	if err != nil {
		a.unreserve(footprint)
		return nil, fmt.Errorf("%w: create %q: %w", ErrOutOfDeviceMemory, label, err)
	}

	buf := &Buffer{
		label:      label,
		size:       size,
		allocSize:  allocSize,
		usage:      usage,
		visibility: vis,
		raw:        raw,
		alloc:      a,
	}

	if vis == HostVisible {
		staging, err := a.dev.device.CreateBuffer(&hal.BufferDescriptor{
			Label: label + "_readback",
			Size:  allocSize,
			Usage: readbackUsage,
		})
		if err != nil {
			a.dev.device.DestroyBuffer(raw)
			a.unreserve(footprint)
			return nil, fmt.Errorf("%w: create %q readback: %w", ErrOutOfDeviceMemory, label, err)
		}
		buf.staging = staging
		buf.mirror = make([]byte, allocSize)
	}

	a.mu.Lock()
	a.live[buf] = footprint
	a.allocations++
	a.mu.Unlock()

	slogger().Debug("gpu: buffer allocated",
		"label", label, "size", size, "usage", usage.String(), "visibility", vis.String())
	return buf, nil
}

// UploadStaged creates a device-local buffer holding data. The bytes travel
// through a transient staging buffer and one round-trip on seq; the staging
// buffer is gone when UploadStaged returns. Buffers with
// UsageAccelerationStructureInput keep a host copy of data for builds.
func (a *Allocator) UploadStaged(seq *Sequencer, label string, data []byte, usage Usage) (*Buffer, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %q has no data", ErrInvalidBufferSize, label)
	}
	buf, err := a.Allocate(label, uint64(len(data)), usage|UsageTransferDst, DeviceLocal)
	if err != nil {
		return nil, err
	}

	cc, err := seq.BeginOneShot("upload_" + label)
	if err != nil {
		_ = buf.Release()
		return nil, fmt.Errorf("%w: %q: %w", ErrTransferFailed, label, err)
	}
	if err := a.stage(cc, buf, 0, data); err != nil {
		cc.Abandon()
		_ = buf.Release()
		return nil, fmt.Errorf("%w: %q: %w", ErrTransferFailed, label, err)
	}
	if err := seq.SubmitAndWait(cc); err != nil {
		_ = buf.Release()
		return nil, fmt.Errorf("%w: %q: %w", ErrTransferFailed, label, err)
	}

	if usage.Contains(UsageAccelerationStructureInput) {
		buf.mu.Lock()
		buf.buildInput = append([]byte(nil), data...)
		buf.mu.Unlock()
	}
	return buf, nil
}

// Stage records a staged write of data into dst at offset on cc. The
// transient staging buffer is released when cc completes.
func (a *Allocator) Stage(cc *CommandContext, dst *Buffer, offset uint64, data []byte) error {
	return a.stage(cc, dst, offset, data)
}

func (a *Allocator) stage(cc *CommandContext, dst *Buffer, offset uint64, data []byte) error {
	if err := dst.usable(); err != nil {
		return err
	}
	size := alignUp(uint64(len(data)), copyAlignment)
	if offset%copyAlignment != 0 || offset+size > dst.allocSize {
		return fmt.Errorf("%w: %d bytes at offset %d into %q (%d bytes)",
			ErrInvalidBufferSize, len(data), offset, dst.label, dst.allocSize)
	}
	if err := a.reserve(dst.label+"_staging", size); err != nil {
		return err
	}
	staging, err := a.dev.device.CreateBuffer(&hal.BufferDescriptor{
		Label: dst.label + "_staging",
		Size:  size,
		Usage: stagingUsage,
	})
	if err != nil {
		a.unreserve(size)
		return fmt.Errorf("%w: staging for %q: %w", ErrOutOfDeviceMemory, dst.label, err)
	}
	cc.deferRelease(func() {
		a.dev.device.DestroyBuffer(staging)
		a.unreserve(size)
	})

	padded := data
	if uint64(len(data)) != size {
		padded = make([]byte, size)
		copy(padded, data)
	}
	if err := a.dev.queue.WriteBuffer(staging, 0, padded); err != nil {
		return fmt.Errorf("%w: write staging for %q: %w", ErrTransferFailed, dst.label, err)
	}
	return cc.copyRaw(staging, dst.raw, 0, offset, size)
}

// Stats returns a snapshot of allocator accounting.
func (a *Allocator) Stats() MemoryStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return MemoryStats{
		BudgetBytes: a.budgetBytes,
		UsedBytes:   a.usedBytes,
		PeakBytes:   a.peakBytes,
		LiveBuffers: len(a.live),
		Allocations: a.allocations,
	}
}

// Close releases every buffer still alive and rejects further allocations.
func (a *Allocator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	leaked := make([]*Buffer, 0, len(a.live))
	for b := range a.live {
		leaked = append(leaked, b)
	}
	a.mu.Unlock()

	for _, b := range leaked {
		slogger().Warn("gpu: releasing leaked buffer", "label", b.label)
		_ = b.Release()
	}
}

func (a *Allocator) reserve(label string, n uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrAllocatorClosed
	}
	if a.budgetBytes > 0 && a.usedBytes+n > a.budgetBytes {
		return fmt.Errorf("%w: %w: %q needs %d KB, %d/%d KB in use",
			ErrOutOfDeviceMemory, ErrMemoryBudgetExceeded,
			label, n/1024, a.usedBytes/1024, a.budgetBytes/1024)
	}
	a.usedBytes += n
	if a.usedBytes > a.peakBytes {
		a.peakBytes = a.usedBytes
	}
	return nil
}

func (a *Allocator) unreserve(n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > a.usedBytes {
		n = a.usedBytes
	}
	a.usedBytes -= n
}

// free is called by Buffer.Release.
func (a *Allocator) free(b *Buffer, raw, staging hal.Buffer) {
	if raw != nil {
		a.dev.device.DestroyBuffer(raw)
	}
	if staging != nil {
		a.dev.device.DestroyBuffer(staging)
	}
	a.mu.Lock()
	footprint, ok := a.live[b]
	delete(a.live, b)
	a.mu.Unlock()
	if ok {
		a.unreserve(footprint)
	}
}
