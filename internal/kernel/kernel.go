// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package kernel loads the path-tracing compute program.
//
// A program is either WGSL source, compiled to SPIR-V with naga when loaded
// from disk, or precompiled SPIR-V. The embedded default program is kept as
// WGSL and handed to the device as source.
package kernel

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"
)

// ErrKernelLoadFailed is returned when a kernel program cannot be found,
// read or compiled.
var ErrKernelLoadFailed = errors.New("kernel: load failed")

// EntryPoint is the compute entry point every program exposes.
const EntryPoint = "main"

// DefaultName is the file name of the embedded program.
const DefaultName = "pathtrace.wgsl"

// Default workgroup size, shared with the host dispatch grid.
const (
	DefaultWorkgroupWidth  = 16
	DefaultWorkgroupHeight = 8
)

// SamplesPerBatch is the number of paths the embedded program traces per
// pixel in one pass.
const SamplesPerBatch = 64

// TraversalStackSize is the number of node entries the embedded program
// keeps on its per-invocation traversal stack. Hierarchies deeper than
// TraversalStackSize-1 levels cannot be walked completely.
const TraversalStackSize = 64

const spirvMagic = 0x07230203

//go:embed shaders/pathtrace.wgsl
var pathtraceWGSL string

// Format is the source format of a program.
type Format int

const (
	// FormatWGSL is WGSL source text.
	FormatWGSL Format = iota
	// FormatSPIRV is a SPIR-V binary.
	FormatSPIRV
)

// String returns the format name.
func (f Format) String() string {
	if f == FormatSPIRV {
		return "spirv"
	}
	return "wgsl"
}

// Program is a loaded kernel.
type Program struct {
	// Name is the name the program was requested by.
	Name string

	// Path is the resolved file, empty for the embedded program.
	Path string

	// WGSL is the source text, empty for programs loaded as SPIR-V.
	WGSL string

	// SPIRV holds the binary, empty for the embedded program.
	SPIRV []uint32

	WorkgroupWidth  uint32
	WorkgroupHeight uint32
}

// Format reports which representation the device receives.
func (p *Program) Format() Format {
	if len(p.SPIRV) > 0 {
		return FormatSPIRV
	}
	return FormatWGSL
}

// ShaderSource returns the module source for the device. SPIR-V wins when
// both are present.
func (p *Program) ShaderSource() hal.ShaderSource {
	if len(p.SPIRV) > 0 {
		return hal.ShaderSource{SPIRV: p.SPIRV}
	}
	return hal.ShaderSource{WGSL: p.WGSL}
}

// CreateModule creates the shader module on device.
func (p *Program) CreateModule(device hal.Device) (hal.ShaderModule, error) {
	module, err := device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  "pathtracer_" + strings.TrimSuffix(filepath.Base(p.Name), filepath.Ext(p.Name)),
		Source: p.ShaderSource(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create shader module %q: %w", ErrKernelLoadFailed, p.Name, err)
	}
	return module, nil
}

// Default returns the embedded path-tracing program.
func Default() *Program {
	return &Program{
		Name:            DefaultName,
		WGSL:            pathtraceWGSL,
		WorkgroupWidth:  DefaultWorkgroupWidth,
		WorkgroupHeight: DefaultWorkgroupHeight,
	}
}

// Compile compiles WGSL source to SPIR-V words.
func Compile(wgsl string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(wgsl)
	if err != nil {
		return nil, fmt.Errorf("%w: compile: %w", ErrKernelLoadFailed, err)
	}
	return decodeSPIRV(spirvBytes)
}

// decodeSPIRV converts a little-endian SPIR-V binary to words.
func decodeSPIRV(b []byte) ([]uint32, error) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: SPIR-V size %d is not a positive multiple of 4", ErrKernelLoadFailed, len(b))
	}
	words := make([]uint32, len(b)/4)
	for i := range words {
		words[i] = uint32(b[i*4]) |
			uint32(b[i*4+1])<<8 |
			uint32(b[i*4+2])<<16 |
			uint32(b[i*4+3])<<24
	}
	if words[0] != spirvMagic {
		return nil, fmt.Errorf("%w: bad SPIR-V magic %#08x", ErrKernelLoadFailed, words[0])
	}
	return words, nil
}

var workgroupSizeRe = regexp.MustCompile(`@workgroup_size\(\s*(\d+)\s*(?:,\s*(\d+)\s*)?(?:,\s*(\d+)\s*)?\)`)

// workgroupSize reads the x and y workgroup size of the entry point,
// falling back to the defaults when the attribute is absent.
func workgroupSize(wgsl string) (w, h uint32, ok bool) {
	m := workgroupSizeRe.FindStringSubmatch(wgsl)
	if m == nil {
		return DefaultWorkgroupWidth, DefaultWorkgroupHeight, false
	}
	x, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return DefaultWorkgroupWidth, DefaultWorkgroupHeight, false
	}
	y := uint64(1)
	if m[2] != "" {
		if y, err = strconv.ParseUint(m[2], 10, 32); err != nil {
			return DefaultWorkgroupWidth, DefaultWorkgroupHeight, false
		}
	}
	return uint32(x), uint32(y), true
}

// Specialize returns a copy of p with the workgroup size of its entry point
// set to w x h x 1. Only WGSL programs can be specialized; compiled programs
// are recompiled.
func Specialize(p *Program, w, h uint32) (*Program, error) {
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("%w: workgroup size %dx%d", ErrKernelLoadFailed, w, h)
	}
	if p.WGSL == "" {
		return nil, fmt.Errorf("%w: %q is SPIR-V and cannot be specialized", ErrKernelLoadFailed, p.Name)
	}
	if !workgroupSizeRe.MatchString(p.WGSL) {
		return nil, fmt.Errorf("%w: %q has no @workgroup_size attribute", ErrKernelLoadFailed, p.Name)
	}

	out := *p
	out.WGSL = workgroupSizeRe.ReplaceAllString(p.WGSL, fmt.Sprintf("@workgroup_size(%d, %d, 1)", w, h))
	out.WorkgroupWidth, out.WorkgroupHeight = w, h
	out.SPIRV = nil
	if len(p.SPIRV) > 0 {
		spirv, err := Compile(out.WGSL)
		if err != nil {
			return nil, err
		}
		out.SPIRV = spirv
	}
	return &out, nil
}

// SearchPaths returns the directories a kernel is looked up in: the
// executable directory, its parent and grandparent, and project under the
// executable directory. An empty project is skipped.
func SearchPaths(exeDir, project string) []string {
	paths := []string{
		exeDir,
		filepath.Join(exeDir, ".."),
		filepath.Join(exeDir, "..", ".."),
	}
	if project != "" {
		paths = append(paths, filepath.Join(exeDir, project))
	}
	return paths
}

// DefaultSearchPaths returns SearchPaths for the running executable, with
// the working directory first.
func DefaultSearchPaths(project string) []string {
	var paths []string
	if wd, err := os.Getwd(); err == nil {
		paths = append(paths, wd)
	}
	exe, err := os.Executable()
	if err != nil {
		return paths
	}
	return append(paths, SearchPaths(filepath.Dir(exe), project)...)
}

// Load resolves name against searchPaths and loads it. Absolute names are
// read directly. Files ending in .spv are read as SPIR-V; files ending in
// .wgsl are compiled with naga and keep their source for specialization.
func Load(name string, searchPaths []string) (*Program, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty kernel name", ErrKernelLoadFailed)
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext != ".spv" && ext != ".wgsl" {
		return nil, fmt.Errorf("%w: %q: unsupported extension %q", ErrKernelLoadFailed, name, ext)
	}

	path, data, err := resolve(name, searchPaths)
	if err != nil {
		return nil, err
	}

	p := &Program{Name: name, Path: path}
	switch ext {
	case ".spv":
		words, err := decodeSPIRV(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		p.SPIRV = words
		p.WorkgroupWidth, p.WorkgroupHeight = DefaultWorkgroupWidth, DefaultWorkgroupHeight
	case ".wgsl":
		p.WGSL = string(data)
		words, err := Compile(p.WGSL)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		p.SPIRV = words
		p.WorkgroupWidth, p.WorkgroupHeight, _ = workgroupSize(p.WGSL)
	}
	return p, nil
}

func resolve(name string, searchPaths []string) (string, []byte, error) {
	if filepath.IsAbs(name) {
		data, err := os.ReadFile(name)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %w", ErrKernelLoadFailed, err)
		}
		return name, data, nil
	}
	for _, dir := range searchPaths {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err == nil {
			return path, data, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", nil, fmt.Errorf("%w: %w", ErrKernelLoadFailed, err)
		}
	}
	return "", nil, fmt.Errorf("%w: %q not found in %s", ErrKernelLoadFailed, name, strings.Join(searchPaths, ", "))
}
