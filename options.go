package pathtracer

import (
	"fmt"
	"runtime"
	"time"

	"github.com/gogpu/pathtracer/internal/accel"
	"github.com/gogpu/pathtracer/internal/dispatch"
)

// ProjectDir is the directory under the executable that kernel files are
// also searched in.
const ProjectDir = "pathtracer"

// Options configures a Session.
//
// Example:
//
//	opts := pathtracer.DefaultOptions()
//	opts.BatchCount = 16
//	s, err := pathtracer.NewSession(dev, opts)
type Options struct {
	// Width and Height are the image size in pixels.
	Width, Height uint32

	// BatchCount is the number of compute passes. Each pass adds one batch
	// of samples per pixel. Zero is rejected.
	BatchCount uint32

	// WorkgroupWidth and WorkgroupHeight override the kernel's workgroup
	// size. Zero keeps the kernel's own size.
	WorkgroupWidth, WorkgroupHeight uint32

	// Kernel names a .wgsl or .spv file resolved against SearchPaths.
	// Empty selects the embedded kernel.
	Kernel string

	// SearchPaths are the directories Kernel is looked up in. Nil searches
	// the working directory, the executable directory, its two parents and
	// ProjectDir under it.
	SearchPaths []string

	// FastBuild prefers build speed over trace speed for acceleration
	// structures.
	FastBuild bool

	// DisableCompaction reserves worst-case storage for acceleration
	// structures instead of compacting them.
	DisableCompaction bool

	// SubmitTimeout bounds every wait for the device. Zero uses the
	// sequencer default.
	SubmitTimeout time.Duration

	// MemoryBudgetMB caps device memory. Zero disables the budget.
	MemoryBudgetMB int

	// Workers is the number of host threads building hierarchies. Zero uses
	// GOMAXPROCS.
	Workers int
}

// DefaultOptions returns an 800x600 single-batch configuration with the
// embedded kernel.
func DefaultOptions() Options {
	return Options{
		Width:      800,
		Height:     600,
		BatchCount: 1,
	}
}

func (o *Options) validate() error {
	if o.Width == 0 || o.Height == 0 {
		return fmt.Errorf("%w: image %dx%d", ErrInvalidDimensions, o.Width, o.Height)
	}
	if o.BatchCount == 0 {
		return ErrInvalidBatchCount
	}
	if (o.WorkgroupWidth == 0) != (o.WorkgroupHeight == 0) {
		return fmt.Errorf("%w: workgroup %dx%d", ErrInvalidDimensions, o.WorkgroupWidth, o.WorkgroupHeight)
	}
	if o.MemoryBudgetMB < 0 || o.Workers < 0 || o.SubmitTimeout < 0 {
		return fmt.Errorf("%w: negative budget, worker count or timeout", ErrInvalidDimensions)
	}
	return nil
}

func (o *Options) buildFlags() accel.BuildFlags {
	flags := accel.PreferFastTrace
	if o.FastBuild {
		flags = accel.PreferFastBuild
	}
	if !o.DisableCompaction {
		flags |= accel.AllowCompaction
	}
	return flags
}

func (o *Options) workers() int {
	if o.Workers > 0 {
		return o.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// imageBytes returns the image size in bytes.
func (o *Options) imageBytes() uint64 {
	return dispatch.ImageBytes(o.Width, o.Height)
}
