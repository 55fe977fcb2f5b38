// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	// Register the Vulkan HAL backend.
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// Device errors.
var (
	// ErrNoAdapter is returned when the backend exposes no adapters.
	ErrNoAdapter = errors.New("gpu: no GPU adapters found")

	// ErrBackendUnavailable is returned when the requested HAL backend is not registered.
	ErrBackendUnavailable = errors.New("gpu: backend not available")

	// ErrMissingCapability is returned when the device cannot satisfy the
	// requirements of a render session.
	ErrMissingCapability = errors.New("gpu: missing device capability")

	// ErrProviderNotHAL is returned when a device provider does not expose HAL types.
	ErrProviderNotHAL = errors.New("gpu: provider does not expose HAL types")
)

// Backend selects the HAL backend used by OpenDevice.
type Backend string

const (
	// BackendVulkan opens a real GPU through the pure-Go Vulkan backend.
	BackendVulkan Backend = "vulkan"

	// BackendNoop opens a device that accepts all work without executing it.
	// Used for dry runs and tests.
	BackendNoop Backend = "noop"
)

// ParseBackend converts a configuration string to a Backend.
func ParseBackend(s string) (Backend, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(s))) {
	case "", BackendVulkan:
		return BackendVulkan, nil
	case BackendNoop:
		return BackendNoop, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrBackendUnavailable, s)
	}
}

// Device is an opened compute-capable device plus its submission queue.
//
// A Device either owns its HAL instance and device (OpenDevice) or borrows
// them from an external provider (DeviceFromProvider). Close only destroys
// what it owns.
type Device struct {
	device   hal.Device
	queue    hal.Queue
	instance hal.Instance
	limits   gputypes.Limits
	name     string
	external bool
}

// OpenDevice creates an instance for the given backend, selects an adapter
// (discrete first, then integrated, then whatever is left) and opens it with
// the default limits.
func OpenDevice(backend Backend) (*Device, error) {
	var (
		instance hal.Instance
		err      error
	)
	switch backend {
	case BackendNoop:
		api := noop.API{}
		instance, err = api.CreateInstance(nil)
	case BackendVulkan, "":
		b, ok := hal.GetBackend(gputypes.BackendVulkan)
		if !ok {
			return nil, fmt.Errorf("%w: vulkan", ErrBackendUnavailable)
		}
		instance, err = b.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	default:
		return nil, fmt.Errorf("%w: %q", ErrBackendUnavailable, backend)
	}
	if err != nil {
		return nil, fmt.Errorf("gpu: create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoAdapter
	}
	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		for i := range adapters {
			if adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
				selected = &adapters[i]
				break
			}
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	limits := gputypes.DefaultLimits()
	openDev, err := selected.Adapter.Open(gputypes.Features(0), limits)
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("gpu: open device: %w", err)
	}

	name := selected.Info.Name
	if name == "" {
		name = string(backend)
	}
	slogger().Info("gpu: device opened", "backend", string(backend), "adapter", name)

	return &Device{
		device:   openDev.Device,
		queue:    openDev.Queue,
		instance: instance,
		limits:   limits,
		name:     name,
	}, nil
}

// DeviceFromProvider wraps a device owned by someone else (for example a
// gogpu application window). The provider must implement HalDevice() any and
// HalQueue() any returning hal.Device and hal.Queue.
func DeviceFromProvider(provider gpucontext.DeviceProvider) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrProviderNotHAL
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", ErrProviderNotHAL)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", ErrProviderNotHAL)
	}
	return &Device{
		device:   device,
		queue:    queue,
		limits:   gputypes.DefaultLimits(),
		name:     "external",
		external: true,
	}, nil
}

// WrapDevice wraps an already opened HAL device and queue. The caller keeps
// ownership; Close does not destroy them.
func WrapDevice(device hal.Device, queue hal.Queue, limits gputypes.Limits) *Device {
	return &Device{
		device:   device,
		queue:    queue,
		limits:   limits,
		name:     "wrapped",
		external: true,
	}
}

// HAL returns the underlying HAL device.
func (d *Device) HAL() hal.Device { return d.device }

// Queue returns the submission queue.
func (d *Device) Queue() hal.Queue { return d.queue }

// Limits returns the limits the device was opened with.
func (d *Device) Limits() gputypes.Limits { return d.limits }

// Name returns the adapter name.
func (d *Device) Name() string { return d.name }

// Close destroys the device and instance if this Device owns them.
func (d *Device) Close() {
	if d == nil || d.external {
		return
	}
	if d.device != nil {
		d.device.Destroy()
		d.device = nil
	}
	if d.instance != nil {
		d.instance.Destroy()
		d.instance = nil
	}
	d.queue = nil
}

// Requirements describes what a render session needs from the device.
type Requirements struct {
	WorkgroupWidth  uint32
	WorkgroupHeight uint32

	// LargestBuffer is the size in bytes of the biggest buffer the session
	// will allocate and bind as a storage buffer (normally the accumulation
	// image).
	LargestBuffer uint64
}

// CheckCapabilities reports ErrMissingCapability, naming the violated limit,
// when the device limits cannot satisfy req. It is meant to run once, before
// any allocation.
func (d *Device) CheckCapabilities(req Requirements) error {
	lim := d.limits
	if req.WorkgroupWidth == 0 || req.WorkgroupHeight == 0 {
		return fmt.Errorf("%w: empty workgroup %dx%d", ErrMissingCapability,
			req.WorkgroupWidth, req.WorkgroupHeight)
	}
	if req.WorkgroupWidth > lim.MaxComputeWorkgroupSizeX {
		return fmt.Errorf("%w: workgroup width %d exceeds MaxComputeWorkgroupSizeX %d", ErrMissingCapability,
			req.WorkgroupWidth, lim.MaxComputeWorkgroupSizeX)
	}
	if req.WorkgroupHeight > lim.MaxComputeWorkgroupSizeY {
		return fmt.Errorf("%w: workgroup height %d exceeds MaxComputeWorkgroupSizeY %d", ErrMissingCapability,
			req.WorkgroupHeight, lim.MaxComputeWorkgroupSizeY)
	}
	invocations := uint64(req.WorkgroupWidth) * uint64(req.WorkgroupHeight)
	if maxInv := lim.MaxComputeInvocationsPerWorkgroup; maxInv > 0 && invocations > uint64(maxInv) {
		return fmt.Errorf("%w: workgroup %dx%d has %d invocations, MaxComputeInvocationsPerWorkgroup is %d",
			ErrMissingCapability, req.WorkgroupWidth, req.WorkgroupHeight, invocations, maxInv)
	}
	if lim.MaxBufferSize > 0 && req.LargestBuffer > lim.MaxBufferSize {
		return fmt.Errorf("%w: buffer of %d bytes exceeds MaxBufferSize %d", ErrMissingCapability,
			req.LargestBuffer, lim.MaxBufferSize)
	}
	if lim.MaxStorageBufferBindingSize > 0 && req.LargestBuffer > lim.MaxStorageBufferBindingSize {
		return fmt.Errorf("%w: buffer of %d bytes exceeds MaxStorageBufferBindingSize %d", ErrMissingCapability,
			req.LargestBuffer, lim.MaxStorageBufferBindingSize)
	}
	slogger().Debug("gpu: capabilities satisfied",
		"workgroup", fmt.Sprintf("%dx%d", req.WorkgroupWidth, req.WorkgroupHeight),
		"largest_buffer", req.LargestBuffer)
	return nil
}
