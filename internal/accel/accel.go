// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package accel builds the acceleration structures the path-tracing kernel
// traverses.
//
// A bottom-level structure (BLAS) is a hierarchy over the triangles of one
// geometry object. A top-level structure (TLAS) is a hierarchy over
// instances, each placing a BLAS in the world with a transform. The device
// has no native ray-tracing support, so both are built on the host and
// stored as flat word arrays in storage buffers.
//
// Building a TLAS links it: the referenced BLAS images are copied on the
// device into one arena buffer after the TLAS nodes and instance records.
// A BLAS is addressed by its word offset inside that arena, which is the
// only binding the kernel needs.
package accel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gogpu/pathtracer/internal/bvh"
	"github.com/gogpu/pathtracer/internal/gpu"
	"github.com/gogpu/pathtracer/internal/kernel"
	"github.com/gogpu/pathtracer/internal/parallel"
)

// Acceleration structure errors.
var (
	// ErrInvalidGeometryInput is returned when a BLAS input has no
	// triangles, lacks acceleration-structure input usage or describes a
	// range outside its buffers.
	ErrInvalidGeometryInput = errors.New("accel: invalid geometry input")

	// ErrEmptyInstanceSet is returned when building a TLAS without instances.
	ErrEmptyInstanceSet = errors.New("accel: empty instance set")

	// ErrInvalidInstanceReference is returned when an instance refers to a
	// BLAS that does not exist or was released.
	ErrInvalidInstanceReference = errors.New("accel: invalid instance reference")

	// ErrInvalidInstance is returned for instances with a custom index wider
	// than 24 bits or a singular transform.
	ErrInvalidInstance = errors.New("accel: invalid instance")

	// ErrMixedGeometry is returned when instances reference BLASes built
	// from different vertex or index buffers.
	ErrMixedGeometry = errors.New("accel: instances reference different geometry buffers")

	// ErrStructureReleased is returned when releasing a structure twice.
	ErrStructureReleased = errors.New("accel: structure has been released")
)

// BuildFlags tune hierarchy construction.
type BuildFlags uint32

const (
	// PreferFastTrace optimizes the hierarchy for traversal (SAH splits).
	PreferFastTrace BuildFlags = 1 << iota

	// PreferFastBuild optimizes for build time (median splits).
	PreferFastBuild

	// AllowCompaction trims the device image to the nodes actually used
	// instead of reserving the worst case.
	AllowCompaction
)

// DefaultBuildFlags are used by NewBuilder when flags is zero.
const DefaultBuildFlags = PreferFastTrace | AllowCompaction

// String returns the flags joined with '|'.
func (f BuildFlags) String() string {
	var parts []string
	if f&PreferFastTrace != 0 {
		parts = append(parts, "PreferFastTrace")
	}
	if f&PreferFastBuild != 0 {
		parts = append(parts, "PreferFastBuild")
	}
	if f&AllowCompaction != 0 {
		parts = append(parts, "AllowCompaction")
	}
	if len(parts) == 0 {
		return "None"
	}
	return strings.Join(parts, "|")
}

// MaxTraversalDepth is the deepest level a BLAS or TLAS hierarchy may
// reach so that the kernel's traversal stack never drops a subtree.
const MaxTraversalDepth = kernel.TraversalStackSize - 1

func (f BuildFlags) options() bvh.Options {
	if f&PreferFastBuild != 0 && f&PreferFastTrace == 0 {
		return bvh.Options{Strategy: bvh.StrategyMedian, MaxDepth: MaxTraversalDepth}
	}
	return bvh.Options{Strategy: bvh.StrategySAH, MaxDepth: MaxTraversalDepth}
}

// Builder builds BLAS and TLAS structures on one device.
type Builder struct {
	alloc *gpu.Allocator
	seq   *gpu.Sequencer
	pool  *parallel.WorkerPool
	flags BuildFlags
}

// NewBuilder creates a builder. Host hierarchy builds fan out on pool; a
// nil pool builds sequentially. Zero flags select DefaultBuildFlags.
func NewBuilder(alloc *gpu.Allocator, seq *gpu.Sequencer, pool *parallel.WorkerPool, flags BuildFlags) *Builder {
	if flags == 0 {
		flags = DefaultBuildFlags
	}
	return &Builder{alloc: alloc, seq: seq, pool: pool, flags: flags}
}

// Flags returns the build flags in effect.
func (b *Builder) Flags() BuildFlags { return b.flags }

func (b *Builder) run(jobs []func() error) error {
	if b.pool != nil {
		return b.pool.Run(jobs)
	}
	var errs []error
	for _, job := range jobs {
		errs = append(errs, job())
	}
	return errors.Join(errs...)
}

func invalidInput(i int, format string, args ...any) error {
	return fmt.Errorf("%w: input %d: %s", ErrInvalidGeometryInput, i, fmt.Sprintf(format, args...))
}
