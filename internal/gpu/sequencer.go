// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Sequencer errors.
var (
	// ErrSubmissionFailed is returned when recorded work could not be encoded
	// or submitted to the queue.
	ErrSubmissionFailed = errors.New("gpu: submission failed")

	// ErrDeviceLost is returned when a submission is not completed within
	// the submission deadline. The sequencer stays unusable afterwards.
	ErrDeviceLost = errors.New("gpu: device lost")

	// ErrContextOpen is returned by BeginOneShot while another context is open.
	ErrContextOpen = errors.New("gpu: a command context is already open")

	// ErrContextClosed is returned when recording into a submitted or
	// abandoned context.
	ErrContextClosed = errors.New("gpu: command context is closed")
)

// DefaultSubmitTimeout bounds every SubmitAndWait round-trip.
const DefaultSubmitTimeout = 30 * time.Second

const (
	// stagingUsage is written by the queue and copied into device buffers.
	stagingUsage = gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst

	// readbackUsage receives device results for host reads.
	readbackUsage = gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst
)

// Sequencer creates one-shot command contexts and runs them as synchronous
// round-trips: record, submit, block until the device signals completion.
//
// At most one context is open at a time. After ErrDeviceLost every later
// BeginOneShot fails with the same error.
type Sequencer struct {
	dev     *Device
	timeout time.Duration

	mu     sync.Mutex
	open   *CommandContext
	fatal  error
	nextID uint64

	submissions atomic.Uint64
}

// NewSequencer creates a sequencer for dev. A zero timeout selects
// DefaultSubmitTimeout.
func NewSequencer(dev *Device, timeout time.Duration) *Sequencer {
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}
	return &Sequencer{dev: dev, timeout: timeout}
}

// Submissions returns the number of completed round-trips.
func (s *Sequencer) Submissions() uint64 { return s.submissions.Load() }

// Timeout returns the per-submission deadline.
func (s *Sequencer) Timeout() time.Duration { return s.timeout }

// CommandContext is a recording context for exactly one submission.
type CommandContext struct {
	seq   *Sequencer
	id    uint64
	label string

	encoder hal.CommandEncoder
	passes  int

	// releases run after the round-trip, in reverse order.
	releases  []func()
	readbacks []*Buffer

	closed bool
}

// BeginOneShot opens a new recording context.
func (s *Sequencer) BeginOneShot(label string) (*CommandContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fatal != nil {
		return nil, s.fatal
	}
	if s.open != nil {
		return nil, fmt.Errorf("%w: %q", ErrContextOpen, s.open.label)
	}

	encoder, err := s.dev.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, fmt.Errorf("%w: create command encoder: %w", ErrSubmissionFailed, err)
	}
	if err := encoder.BeginEncoding(label); err != nil {
		return nil, fmt.Errorf("%w: begin encoding: %w", ErrSubmissionFailed, err)
	}

	s.nextID++
	cc := &CommandContext{seq: s, id: s.nextID, label: label, encoder: encoder}
	s.open = cc
	return cc, nil
}

// Label returns the context label.
func (cc *CommandContext) Label() string { return cc.label }

// Passes returns the number of compute passes recorded so far.
func (cc *CommandContext) Passes() int { return cc.passes }

// CopyBuffer records a device-side copy of size bytes.
func (cc *CommandContext) CopyBuffer(src, dst *Buffer, srcOffset, dstOffset, size uint64) error {
	if err := src.usable(); err != nil {
		return err
	}
	if err := dst.usable(); err != nil {
		return err
	}
	if srcOffset+size > src.allocSize || dstOffset+size > dst.allocSize {
		return fmt.Errorf("%w: copy of %d bytes from %q@%d to %q@%d",
			ErrInvalidBufferSize, size, src.label, srcOffset, dst.label, dstOffset)
	}
	return cc.copyRaw(src.raw, dst.raw, srcOffset, dstOffset, size)
}

func (cc *CommandContext) copyRaw(src, dst hal.Buffer, srcOffset, dstOffset, size uint64) error {
	if cc.closed {
		return ErrContextClosed
	}
	if size%copyAlignment != 0 || srcOffset%copyAlignment != 0 || dstOffset%copyAlignment != 0 {
		return fmt.Errorf("%w: unaligned copy (%d bytes, offsets %d/%d)",
			ErrInvalidBufferSize, size, srcOffset, dstOffset)
	}
	cc.encoder.CopyBufferToBuffer(src, dst, []hal.BufferCopy{
		{SrcOffset: srcOffset, DstOffset: dstOffset, Size: size},
	})
	return nil
}

// Dispatch describes one compute pass.
type Dispatch struct {
	Label      string
	Pipeline   hal.ComputePipeline
	BindGroups []hal.BindGroup
	X, Y, Z    uint32

	// Touches lists buffers the pass reads or writes. Each must be live and
	// unmapped.
	Touches []*Buffer
}

// ComputePass records one compute pass. Bind groups are set at indices
// 0..n-1 in order.
func (cc *CommandContext) ComputePass(d Dispatch) error {
	if cc.closed {
		return ErrContextClosed
	}
	for _, b := range d.Touches {
		if err := b.usable(); err != nil {
			return err
		}
	}
	z := d.Z
	if z == 0 {
		z = 1
	}
	pass := cc.encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: d.Label})
	pass.SetPipeline(d.Pipeline)
	for i, bg := range d.BindGroups {
		//nolint:gosec // G115: bind group count is tiny
		pass.SetBindGroup(uint32(i), bg, nil)
	}
	pass.Dispatch(d.X, d.Y, z)
	pass.End()
	cc.passes++
	return nil
}

// ReadbackBarrier makes all prior device writes to buf visible to the host.
// It records a copy into the readback buffer; the host mirror is refreshed
// once the round-trip completes.
func (cc *CommandContext) ReadbackBarrier(buf *Buffer) error {
	if cc.closed {
		return ErrContextClosed
	}
	if buf.visibility != HostVisible {
		return fmt.Errorf("%w: %q", ErrNotHostVisible, buf.label)
	}
	if err := buf.usable(); err != nil {
		return err
	}
	if err := cc.copyRaw(buf.raw, buf.staging, 0, 0, buf.allocSize); err != nil {
		return err
	}
	cc.readbacks = append(cc.readbacks, buf)
	return nil
}

// Defer registers fn to run after the round-trip, whatever its outcome.
func (cc *CommandContext) Defer(fn func()) { cc.deferRelease(fn) }

func (cc *CommandContext) deferRelease(fn func()) {
	cc.releases = append(cc.releases, fn)
}

// Abandon discards the recording and runs deferred releases without
// submitting anything.
func (cc *CommandContext) Abandon() {
	if cc.closed {
		return
	}
	cc.encoder.DiscardEncoding()
	cc.finish()
}

func (cc *CommandContext) finish() {
	cc.closed = true
	for i := len(cc.releases) - 1; i >= 0; i-- {
		cc.releases[i]()
	}
	cc.releases = nil

	s := cc.seq
	s.mu.Lock()
	if s.open == cc {
		s.open = nil
	}
	s.mu.Unlock()
}

// submission tracks per-round-trip HAL objects for cleanup.
type submission struct {
	device hal.Device
	cmdBuf hal.CommandBuffer
}

// cleanup frees the command buffer. It must only run once the device has
// finished with it.
func (r *submission) cleanup() {
	if r.cmdBuf != nil {
		r.device.FreeCommandBuffer(r.cmdBuf)
		r.cmdBuf = nil
	}
}

// SubmitAndWait ends recording, submits cc and blocks until the device has
// finished it. All effects of cc are visible to later contexts when it
// returns nil. The context is closed afterwards whatever the outcome.
//
// When the device does not complete the work within the timeout the
// command buffer is left to the lost device instead of being freed.
func (s *Sequencer) SubmitAndWait(cc *CommandContext) error {
	if cc == nil || cc.seq != s {
		return fmt.Errorf("%w: foreign context", ErrSubmissionFailed)
	}
	if cc.closed {
		return ErrContextClosed
	}
	defer cc.finish()

	cmdBuf, err := cc.encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("%w: %q: end encoding: %w", ErrSubmissionFailed, cc.label, err)
	}
	res := &submission{device: s.dev.device, cmdBuf: cmdBuf}

	start := time.Now()
	index, err := s.dev.queue.Submit([]hal.CommandBuffer{cmdBuf})
	if err != nil {
		res.cleanup()
		return fmt.Errorf("%w: %q: submit: %w", ErrSubmissionFailed, cc.label, err)
	}

	if err := s.wait(index); err != nil {
		return s.lose(fmt.Errorf("%w: %q: %w", ErrDeviceLost, cc.label, err))
	}
	res.cleanup()

	for _, buf := range cc.readbacks {
		if err := s.pull(buf); err != nil {
			return err
		}
	}

	s.submissions.Add(1)
	slogger().Debug("gpu: submission complete",
		"label", cc.label, "passes", cc.passes, "elapsed", time.Since(start))
	return nil
}

const (
	minPollInterval = 50 * time.Microsecond
	maxPollInterval = 2 * time.Millisecond
)

// wait blocks until the queue reports submission index as completed or the
// timeout passes.
func (s *Sequencer) wait(index uint64) error {
	deadline := time.Now().Add(s.timeout)
	interval := minPollInterval
	for s.dev.queue.PollCompleted() < index {
		if !time.Now().Before(deadline) {
			return fmt.Errorf("submission %d not completed after %v", index, s.timeout)
		}
		time.Sleep(interval)
		interval = min(interval*2, maxPollInterval)
	}
	return nil
}

// pull copies the readback buffer contents into the host mirror.
func (s *Sequencer) pull(buf *Buffer) error {
	buf.mu.Lock()
	defer buf.mu.Unlock()
	if buf.released {
		return fmt.Errorf("%w: %q", ErrBufferReleased, buf.label)
	}
	size := uint64(len(buf.mirror))
	mapping, err := s.dev.device.MapBuffer(buf.staging, 0, size)
	if err != nil {
		return fmt.Errorf("%w: readback %q: %w", ErrTransferFailed, buf.label, err)
	}
	copy(buf.mirror, unsafe.Slice((*byte)(mapping.Ptr), size))
	if err := s.dev.device.UnmapBuffer(buf.staging); err != nil {
		return fmt.Errorf("%w: readback %q: unmap: %w", ErrTransferFailed, buf.label, err)
	}
	return nil
}

func (s *Sequencer) lose(err error) error {
	s.mu.Lock()
	s.fatal = err
	s.mu.Unlock()
	slogger().Warn("gpu: device lost", "err", err)
	return err
}
