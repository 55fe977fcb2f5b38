// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package dispatch

import (
	"fmt"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/pathtracer/internal/binding"
	"github.com/gogpu/pathtracer/internal/gpu"
	"github.com/gogpu/pathtracer/internal/kernel"
)

// Pipeline is the compute pipeline of one kernel program.
type Pipeline struct {
	device   hal.Device
	program  *kernel.Program
	module   hal.ShaderModule
	pipeline hal.ComputePipeline
}

// NewPipeline creates the shader module and compute pipeline for program
// against the binding layout. The device must support the program's
// workgroup size.
func NewPipeline(dev *gpu.Device, layout *binding.Layout, program *kernel.Program) (*Pipeline, error) {
	if err := dev.CheckCapabilities(gpu.Requirements{
		WorkgroupWidth:  program.WorkgroupWidth,
		WorkgroupHeight: program.WorkgroupHeight,
	}); err != nil {
		return nil, err
	}

	device := dev.HAL()
	module, err := program.CreateModule(device)
	if err != nil {
		return nil, err
	}

	pipeline, err := device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   "pathtracer_pipeline",
		Layout:  layout.PipelineLayout(),
		Compute: hal.ComputeState{Module: module, EntryPoint: kernel.EntryPoint},
	})
	if err != nil {
		device.DestroyShaderModule(module)
		return nil, fmt.Errorf("create compute pipeline: %w", err)
	}

	gpu.Logger().Debug("dispatch: pipeline created",
		"kernel", program.Name,
		"format", program.Format().String(),
		"workgroup_width", program.WorkgroupWidth,
		"workgroup_height", program.WorkgroupHeight)

	return &Pipeline{device: device, program: program, module: module, pipeline: pipeline}, nil
}

// Program returns the kernel program the pipeline runs.
func (p *Pipeline) Program() *kernel.Program { return p.program }

// Release destroys the pipeline and its shader module. Safe to call more
// than once.
func (p *Pipeline) Release() {
	if p.pipeline != nil {
		p.device.DestroyComputePipeline(p.pipeline)
		p.pipeline = nil
	}
	if p.module != nil {
		p.device.DestroyShaderModule(p.module)
		p.module = nil
	}
}
