// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/wgpu/hal"
)

func TestSequencerSingleOpenContext(t *testing.T) {
	_, seq := newTestAllocator(t, 0)

	cc, err := seq.BeginOneShot("first")
	if err != nil {
		t.Fatalf("BeginOneShot failed: %v", err)
	}
	if _, err := seq.BeginOneShot("second"); !errors.Is(err, ErrContextOpen) {
		t.Fatalf("second BeginOneShot error = %v, want ErrContextOpen", err)
	}
	if err := seq.SubmitAndWait(cc); err != nil {
		t.Fatalf("SubmitAndWait failed: %v", err)
	}
	cc2, err := seq.BeginOneShot("third")
	if err != nil {
		t.Fatalf("BeginOneShot after submit failed: %v", err)
	}
	if err := seq.SubmitAndWait(cc2); err != nil {
		t.Fatal(err)
	}
	if seq.Submissions() != 2 {
		t.Errorf("Submissions = %d, want 2", seq.Submissions())
	}
}

func TestSubmitClosedContext(t *testing.T) {
	_, seq := newTestAllocator(t, 0)
	cc, err := seq.BeginOneShot("once")
	if err != nil {
		t.Fatal(err)
	}
	if err := seq.SubmitAndWait(cc); err != nil {
		t.Fatal(err)
	}
	if err := seq.SubmitAndWait(cc); !errors.Is(err, ErrContextClosed) {
		t.Fatalf("resubmit error = %v, want ErrContextClosed", err)
	}
	if err := seq.SubmitAndWait(nil); !errors.Is(err, ErrSubmissionFailed) {
		t.Errorf("nil context error = %v, want ErrSubmissionFailed", err)
	}
}

func TestCommandContextDeferredReleases(t *testing.T) {
	_, seq := newTestAllocator(t, 0)
	cc, err := seq.BeginOneShot("deferred")
	if err != nil {
		t.Fatal(err)
	}
	var order []int
	cc.Defer(func() { order = append(order, 1) })
	cc.Defer(func() { order = append(order, 2) })
	if err := seq.SubmitAndWait(cc); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("release order = %v, want [2 1]", order)
	}
}

func TestAbandonReleasesContext(t *testing.T) {
	_, seq := newTestAllocator(t, 0)
	cc, err := seq.BeginOneShot("abandoned")
	if err != nil {
		t.Fatal(err)
	}
	ran := false
	cc.Defer(func() { ran = true })
	cc.Abandon()
	if !ran {
		t.Error("Abandon did not run deferred releases")
	}
	if seq.Submissions() != 0 {
		t.Errorf("Submissions = %d, want 0", seq.Submissions())
	}
	if _, err := seq.BeginOneShot("next"); err != nil {
		t.Errorf("BeginOneShot after Abandon failed: %v", err)
	}
}

func TestReadbackBarrier(t *testing.T) {
	alloc, seq := newTestAllocator(t, 0)
	img, err := alloc.Allocate("image", 48, UsageStorageWrite|UsageTransferDst, HostVisible)
	if err != nil {
		t.Fatal(err)
	}
	dl, err := alloc.Allocate("device_only", 48, UsageStorageRead, DeviceLocal)
	if err != nil {
		t.Fatal(err)
	}

	cc, err := seq.BeginOneShot("readback")
	if err != nil {
		t.Fatal(err)
	}
	if err := cc.ReadbackBarrier(dl); !errors.Is(err, ErrNotHostVisible) {
		t.Errorf("barrier on device-local error = %v, want ErrNotHostVisible", err)
	}
	if err := cc.ReadbackBarrier(img); err != nil {
		t.Fatalf("ReadbackBarrier failed: %v", err)
	}
	if err := seq.SubmitAndWait(cc); err != nil {
		t.Fatalf("SubmitAndWait failed: %v", err)
	}
	view, err := img.Map()
	if err != nil {
		t.Fatalf("Map after barrier failed: %v", err)
	}
	if len(view) != 48 {
		t.Errorf("len(view) = %d, want 48", len(view))
	}
	_ = img.Unmap()
}

func TestRecordingAgainstMappedBuffer(t *testing.T) {
	alloc, seq := newTestAllocator(t, 0)
	img, err := alloc.Allocate("image", 16, UsageStorageWrite|UsageTransferDst, HostVisible)
	if err != nil {
		t.Fatal(err)
	}
	src, err := alloc.Allocate("src", 16, UsageStorageRead|UsageTransferSrc, DeviceLocal)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := img.Map(); err != nil {
		t.Fatal(err)
	}

	cc, err := seq.BeginOneShot("mapped")
	if err != nil {
		t.Fatal(err)
	}
	defer cc.Abandon()

	if err := cc.ReadbackBarrier(img); !errors.Is(err, ErrBufferMapped) {
		t.Errorf("barrier on mapped buffer error = %v, want ErrBufferMapped", err)
	}
	if err := cc.CopyBuffer(src, img, 0, 0, 16); !errors.Is(err, ErrBufferMapped) {
		t.Errorf("copy into mapped buffer error = %v, want ErrBufferMapped", err)
	}
	if err := cc.ComputePass(Dispatch{Label: "p", X: 1, Y: 1, Touches: []*Buffer{img}}); !errors.Is(err, ErrBufferMapped) {
		t.Errorf("pass touching mapped buffer error = %v, want ErrBufferMapped", err)
	}

	_ = img.Unmap()
	if err := cc.CopyBuffer(src, img, 0, 0, 16); err != nil {
		t.Errorf("copy after unmap failed: %v", err)
	}
}

func TestCopyBufferBounds(t *testing.T) {
	alloc, seq := newTestAllocator(t, 0)
	a, _ := alloc.Allocate("a", 16, UsageTransferSrc, DeviceLocal)
	b, _ := alloc.Allocate("b", 8, UsageTransferDst, DeviceLocal)
	cc, err := seq.BeginOneShot("bounds")
	if err != nil {
		t.Fatal(err)
	}
	defer cc.Abandon()
	if err := cc.CopyBuffer(a, b, 0, 0, 16); !errors.Is(err, ErrInvalidBufferSize) {
		t.Errorf("oversized copy error = %v", err)
	}
	if err := cc.CopyBuffer(a, b, 2, 0, 4); !errors.Is(err, ErrInvalidBufferSize) {
		t.Errorf("unaligned copy error = %v", err)
	}
	_ = b.Release()
	if err := cc.CopyBuffer(a, b, 0, 0, 4); !errors.Is(err, ErrBufferReleased) {
		t.Errorf("copy into released buffer error = %v", err)
	}
}

func TestReadbackBarrierRefreshesMirror(t *testing.T) {
	alloc, seq := newTestAllocator(t, 0)
	img, err := alloc.Allocate("image", 16, UsageStorageWrite|UsageTransferDst, HostVisible)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	// The noop backend does not execute copies; seed the readback buffer as
	// the device would.
	if err := alloc.Device().Queue().WriteBuffer(img.staging, 0, want); err != nil {
		t.Fatal(err)
	}

	cc, err := seq.BeginOneShot("readback")
	if err != nil {
		t.Fatal(err)
	}
	if err := cc.ReadbackBarrier(img); err != nil {
		t.Fatal(err)
	}
	if err := seq.SubmitAndWait(cc); err != nil {
		t.Fatalf("SubmitAndWait failed: %v", err)
	}
	view, err := img.Map()
	if err != nil {
		t.Fatal(err)
	}
	defer img.Unmap()
	if !bytes.Equal(view, want) {
		t.Errorf("mapped contents = %v, want %v", view, want)
	}
}

// stalledQueue never reports a submission as completed.
type stalledQueue struct{ hal.Queue }

func (stalledQueue) PollCompleted() uint64 { return 0 }

// freeCounter counts command buffers returned to the device.
type freeCounter struct {
	hal.Device
	freed int
}

func (d *freeCounter) FreeCommandBuffer(cb hal.CommandBuffer) {
	d.freed++
	d.Device.FreeCommandBuffer(cb)
}

func TestSubmitAndWaitFreesCommandBuffer(t *testing.T) {
	base := newNoopDevice(t)
	counter := &freeCounter{Device: base.HAL()}
	seq := NewSequencer(WrapDevice(counter, base.Queue(), base.Limits()), time.Second)

	cc, err := seq.BeginOneShot("ok")
	if err != nil {
		t.Fatal(err)
	}
	if err := seq.SubmitAndWait(cc); err != nil {
		t.Fatal(err)
	}
	if counter.freed != 1 {
		t.Errorf("freed %d command buffers, want 1", counter.freed)
	}
}

func TestSubmitAndWaitTimeoutLosesDevice(t *testing.T) {
	base := newNoopDevice(t)
	counter := &freeCounter{Device: base.HAL()}
	dev := WrapDevice(counter, stalledQueue{base.Queue()}, base.Limits())
	seq := NewSequencer(dev, 5*time.Millisecond)

	cc, err := seq.BeginOneShot("stuck")
	if err != nil {
		t.Fatal(err)
	}
	released := false
	cc.Defer(func() { released = true })

	if err := seq.SubmitAndWait(cc); !errors.Is(err, ErrDeviceLost) {
		t.Fatalf("SubmitAndWait error = %v, want ErrDeviceLost", err)
	}
	if counter.freed != 0 {
		t.Errorf("freed %d command buffers still owned by the device", counter.freed)
	}
	if !released {
		t.Error("deferred releases did not run")
	}
	if seq.Submissions() != 0 {
		t.Errorf("Submissions = %d, want 0", seq.Submissions())
	}
	if _, err := seq.BeginOneShot("after"); !errors.Is(err, ErrDeviceLost) {
		t.Errorf("BeginOneShot after loss = %v, want ErrDeviceLost", err)
	}
}

func TestSequencerTimeoutDefault(t *testing.T) {
	dev := newNoopDevice(t)
	if got := NewSequencer(dev, 0).Timeout(); got != DefaultSubmitTimeout {
		t.Errorf("Timeout = %v, want %v", got, DefaultSubmitTimeout)
	}
	if got := NewSequencer(dev, time.Second).Timeout(); got != time.Second {
		t.Errorf("Timeout = %v, want 1s", got)
	}
}

func TestArenaReleasesNewestFirst(t *testing.T) {
	var arena Arena
	var order []string
	for _, name := range []string{"image", "vertices", "tlas"} {
		arena.Own(name, ReleaseFunc(func() error {
			order = append(order, name)
			return nil
		}))
	}
	arena.Own("nil", nil)
	if arena.Len() != 3 {
		t.Fatalf("Len = %d, want 3", arena.Len())
	}
	if err := arena.Release(); err != nil {
		t.Fatal(err)
	}
	want := []string{"tlas", "vertices", "image"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if arena.Len() != 0 {
		t.Error("arena not empty after Release")
	}
}

func TestArenaJoinsErrors(t *testing.T) {
	var arena Arena
	alloc, _ := newTestAllocator(t, 0)
	buf, _ := alloc.Allocate("twice", 4, UsageStorageRead, DeviceLocal)
	_ = buf.Release()
	arena.Own("twice", buf)
	if err := arena.Release(); !errors.Is(err, ErrBufferReleased) {
		t.Errorf("Release error = %v, want ErrBufferReleased", err)
	}
}
