// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"errors"
	"strings"
	"testing"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
)

func TestParseBackend(t *testing.T) {
	tests := []struct {
		in      string
		want    Backend
		wantErr bool
	}{
		{"", BackendVulkan, false},
		{"vulkan", BackendVulkan, false},
		{" Noop ", BackendNoop, false},
		{"metal", "", true},
	}
	for _, tt := range tests {
		got, err := ParseBackend(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseBackend(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseBackend(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOpenNoopDevice(t *testing.T) {
	dev := newNoopDevice(t)
	if dev.HAL() == nil || dev.Queue() == nil {
		t.Fatal("noop device missing HAL device or queue")
	}
	if dev.Name() == "" {
		t.Error("empty adapter name")
	}
	if dev.Limits().MaxComputeWorkgroupSizeX == 0 {
		t.Error("limits not recorded")
	}
}

func TestCheckCapabilities(t *testing.T) {
	dev := newNoopDevice(t)
	lim := dev.Limits()

	if err := dev.CheckCapabilities(Requirements{WorkgroupWidth: 16, WorkgroupHeight: 8, LargestBuffer: 800 * 600 * 12}); err != nil {
		t.Errorf("default requirements rejected: %v", err)
	}

	bad := []Requirements{
		{WorkgroupWidth: 0, WorkgroupHeight: 8},
		{WorkgroupWidth: lim.MaxComputeWorkgroupSizeX + 1, WorkgroupHeight: 1},
		{WorkgroupWidth: 1, WorkgroupHeight: lim.MaxComputeWorkgroupSizeY + 1},
	}
	if lim.MaxBufferSize > 0 {
		bad = append(bad, Requirements{WorkgroupWidth: 1, WorkgroupHeight: 1, LargestBuffer: lim.MaxBufferSize + 1})
	}
	for _, req := range bad {
		if err := dev.CheckCapabilities(req); !errors.Is(err, ErrMissingCapability) {
			t.Errorf("CheckCapabilities(%+v) error = %v, want ErrMissingCapability", req, err)
		}
	}
}

func TestCheckCapabilitiesNamesLimit(t *testing.T) {
	dev := newNoopDevice(t)
	lim := dev.Limits()
	if lim.MaxComputeInvocationsPerWorkgroup != 256 || lim.MaxStorageBufferBindingSize != 128<<20 {
		t.Fatalf("unexpected default limits: %d invocations, %d binding bytes",
			lim.MaxComputeInvocationsPerWorkgroup, lim.MaxStorageBufferBindingSize)
	}

	tests := []struct {
		name  string
		req   Requirements
		limit string
	}{
		// 512 invocations, each dimension within its own limit.
		{"invocations", Requirements{WorkgroupWidth: 32, WorkgroupHeight: 16, LargestBuffer: 1024}, "MaxComputeInvocationsPerWorkgroup"},
		// 4000x3000 RGB float32 is 144,000,000 bytes: under MaxBufferSize, over the binding limit.
		{"storage binding", Requirements{WorkgroupWidth: 16, WorkgroupHeight: 8, LargestBuffer: 4000 * 3000 * 12}, "MaxStorageBufferBindingSize"},
		{"buffer size", Requirements{WorkgroupWidth: 16, WorkgroupHeight: 8, LargestBuffer: lim.MaxBufferSize + 4}, "MaxBufferSize"},
		{"workgroup width", Requirements{WorkgroupWidth: lim.MaxComputeWorkgroupSizeX + 1, WorkgroupHeight: 1}, "MaxComputeWorkgroupSizeX"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := dev.CheckCapabilities(tt.req)
			if !errors.Is(err, ErrMissingCapability) {
				t.Fatalf("CheckCapabilities error = %v, want ErrMissingCapability", err)
			}
			if !strings.Contains(err.Error(), tt.limit) {
				t.Errorf("error %q does not name %s", err, tt.limit)
			}
		})
	}

	if err := dev.CheckCapabilities(Requirements{WorkgroupWidth: 16, WorkgroupHeight: 16, LargestBuffer: 128 << 20}); err != nil {
		t.Errorf("requirements at the limits rejected: %v", err)
	}
}

// halProviderStub exposes an existing noop device through the provider
// interface plus the HAL accessors.
type halProviderStub struct {
	dev *Device
}

func (p *halProviderStub) Device() gpucontext.Device   { return nil }
func (p *halProviderStub) Queue() gpucontext.Queue     { return nil }
func (p *halProviderStub) Adapter() gpucontext.Adapter { return nil }
func (p *halProviderStub) SurfaceFormat() gputypes.TextureFormat {
	return gputypes.TextureFormatBGRA8Unorm
}
func (p *halProviderStub) AdapterInfo() gpucontext.AdapterInfo { return gpucontext.AdapterInfo{} }
func (p *halProviderStub) HalDevice() any                      { return p.dev.HAL() }
func (p *halProviderStub) HalQueue() any                       { return p.dev.Queue() }

// plainProvider has no HAL accessors.
type plainProvider struct{ halProviderStub }

func (plainProvider) HalDevice() {}

func TestDeviceFromProvider(t *testing.T) {
	owner := newNoopDevice(t)

	shared, err := DeviceFromProvider(&halProviderStub{dev: owner})
	if err != nil {
		t.Fatalf("DeviceFromProvider failed: %v", err)
	}
	if shared.HAL() != owner.HAL() {
		t.Error("shared device does not reuse the provider's device")
	}
	// Closing a borrowed device must leave the owner usable.
	shared.Close()
	alloc := NewAllocator(owner, AllocatorConfig{})
	defer alloc.Close()
	if _, err := alloc.Allocate("after_shared_close", 4, UsageStorageRead, DeviceLocal); err != nil {
		t.Errorf("owner unusable after borrowed Close: %v", err)
	}
}

func TestDeviceFromProviderWithoutHAL(t *testing.T) {
	if _, err := DeviceFromProvider(&plainProvider{}); !errors.Is(err, ErrProviderNotHAL) {
		t.Errorf("error = %v, want ErrProviderNotHAL", err)
	}
}
