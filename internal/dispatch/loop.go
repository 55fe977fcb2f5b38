// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loov/hrtime"

	"github.com/gogpu/pathtracer/internal/binding"
	"github.com/gogpu/pathtracer/internal/gpu"
)

// Dispatch loop errors.
var (
	// ErrInvalidBatchCount is returned when asked to run zero batches.
	ErrInvalidBatchCount = errors.New("dispatch: batch count must be positive")

	// ErrImageTooSmall is returned when the bound image cannot hold
	// width*height*3 float32 values.
	ErrImageTooSmall = errors.New("dispatch: image buffer too small")

	// ErrImageNotHostVisible is returned when the bound image has no host
	// mirror to read back into.
	ErrImageNotHostVisible = errors.New("dispatch: image buffer is not host visible")
)

// ImageBytes returns the size of a width x height RGB float32 image.
func ImageBytes(width, height uint32) uint64 {
	return uint64(width) * uint64(height) * 3 * 4
}

// Stats describes one RunPasses call.
type Stats struct {
	// Grid is the workgroup count of every pass.
	Grid [3]uint32

	// Passes holds the wall time of each pass round-trip, in batch order.
	Passes []time.Duration

	// Barrier is the wall time of the final readback round-trip.
	Barrier time.Duration

	// Total covers all passes and the barrier.
	Total time.Duration

	// Submissions counts round-trips made by this call.
	Submissions uint64
}

// Mean returns the mean pass duration.
func (s Stats) Mean() time.Duration {
	if len(s.Passes) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range s.Passes {
		sum += d
	}
	return sum / time.Duration(len(s.Passes))
}

// String returns a one-line summary.
func (s Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Dispatch[grid %dx%dx%d, %d passes, mean %v, barrier %v, total %v]",
		s.Grid[0], s.Grid[1], s.Grid[2], len(s.Passes), s.Mean(), s.Barrier, s.Total)
	return b.String()
}

// Loop runs a pipeline through a sequencer.
type Loop struct {
	seq      *gpu.Sequencer
	pipeline *Pipeline
}

// NewLoop creates a dispatch loop.
func NewLoop(seq *gpu.Sequencer, pipeline *Pipeline) *Loop {
	return &Loop{seq: seq, pipeline: pipeline}
}

// RunPasses runs batchCount passes over a width x height image bound in
// set, with sample_batch taking the values 0..batchCount-1 in order. Each
// pass completes before the next begins. After the last pass the image is
// read back into its host mirror.
//
// ctx is checked before every pass. When it is done the loop stops and
// returns ctx.Err(); the image then holds the average of the completed
// batches but has not been read back.
func (l *Loop) RunPasses(ctx context.Context, set *binding.Set, width, height, batchCount uint32) (Stats, error) {
	var stats Stats
	if batchCount == 0 {
		return stats, ErrInvalidBatchCount
	}
	program := l.pipeline.Program()
	x, y, z, err := Grid(width, height, program.WorkgroupWidth, program.WorkgroupHeight)
	if err != nil {
		return stats, err
	}
	stats.Grid = [3]uint32{x, y, z}

	image := set.Image()
	if need := ImageBytes(width, height); image.Size() < need {
		return stats, fmt.Errorf("%w: %d bytes, need %d", ErrImageTooSmall, image.Size(), need)
	}
	if image.Visibility() != gpu.HostVisible {
		return stats, ErrImageNotHostVisible
	}

	log := gpu.Logger()
	log.Info("dispatch: running passes",
		"width", width, "height", height,
		"grid", fmt.Sprintf("%dx%dx%d", x, y, z),
		"batches", batchCount)

	start := hrtime.Now()
	stats.Passes = make([]time.Duration, 0, batchCount)
	for batch := range batchCount {
		if err := ctx.Err(); err != nil {
			stats.Total = hrtime.Since(start)
			log.Warn("dispatch: cancelled", "completed", batch, "batches", batchCount)
			return stats, err
		}
		passStart := hrtime.Now()
		if err := l.pass(set, batch, width, height, x, y, z); err != nil {
			stats.Total = hrtime.Since(start)
			return stats, fmt.Errorf("pass %d: %w", batch, err)
		}
		stats.Submissions++
		elapsed := hrtime.Since(passStart)
		stats.Passes = append(stats.Passes, elapsed)
		log.Debug("dispatch: pass complete", "sample_batch", batch, "elapsed", elapsed)
	}

	barrierStart := hrtime.Now()
	if err := l.barrier(image); err != nil {
		stats.Total = hrtime.Since(start)
		return stats, fmt.Errorf("readback: %w", err)
	}
	stats.Submissions++
	stats.Barrier = hrtime.Since(barrierStart)
	stats.Total = hrtime.Since(start)

	log.Info("dispatch: passes complete", "stats", stats.String())
	return stats, nil
}

func (l *Loop) pass(set *binding.Set, batch, width, height, x, y, z uint32) error {
	if err := set.WriteParams(binding.Params{SampleBatch: batch, Width: width, Height: height}); err != nil {
		return err
	}
	cc, err := l.seq.BeginOneShot(fmt.Sprintf("sample_batch_%d", batch))
	if err != nil {
		return err
	}
	err = cc.ComputePass(gpu.Dispatch{
		Label:      "pathtrace",
		Pipeline:   l.pipeline.pipeline,
		BindGroups: set.Groups(),
		X:          x,
		Y:          y,
		Z:          z,
		Touches:    set.Touches(),
	})
	if err != nil {
		cc.Abandon()
		return err
	}
	return l.seq.SubmitAndWait(cc)
}

func (l *Loop) barrier(image *gpu.Buffer) error {
	cc, err := l.seq.BeginOneShot("readback_barrier")
	if err != nil {
		return err
	}
	if err := cc.ReadbackBarrier(image); err != nil {
		cc.Abandon()
		return err
	}
	return l.seq.SubmitAndWait(cc)
}
