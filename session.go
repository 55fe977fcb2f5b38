package pathtracer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/loov/hrtime"

	"github.com/gogpu/pathtracer/internal/accel"
	"github.com/gogpu/pathtracer/internal/binding"
	"github.com/gogpu/pathtracer/internal/dispatch"
	"github.com/gogpu/pathtracer/internal/gpu"
	"github.com/gogpu/pathtracer/internal/kernel"
	"github.com/gogpu/pathtracer/internal/parallel"
)

// ErrSessionClosed is returned by Render after Close.
var ErrSessionClosed = errors.New("pathtracer: session closed")

// Session holds the device-side state shared by renders: the allocator,
// sequencer, binding layout and compute pipeline. Per-render resources are
// released when Render returns; session resources on Close, newest first.
//
// Render calls are serialized.
type Session struct {
	mu sync.Mutex

	dev     *gpu.Device
	opts    Options
	program *kernel.Program

	alloc    *gpu.Allocator
	seq      *gpu.Sequencer
	builder  *accel.Builder
	layout   *binding.Layout
	pipeline *dispatch.Pipeline
	loop     *dispatch.Loop

	arena  gpu.Arena
	closed bool
}

// NewSession loads the kernel, checks the device against it and the image
// size, and creates the pipeline. Nothing is allocated when the device
// lacks a capability.
func NewSession(dev *Device, opts Options) (*Session, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	program, err := loadProgram(&opts)
	if err != nil {
		return nil, err
	}
	if err := dev.CheckCapabilities(gpu.Requirements{
		WorkgroupWidth:  program.WorkgroupWidth,
		WorkgroupHeight: program.WorkgroupHeight,
		LargestBuffer:   opts.imageBytes(),
	}); err != nil {
		return nil, err
	}

	s := &Session{dev: dev, opts: opts, program: program}
	if err := s.init(); err != nil {
		_ = s.arena.Release()
		return nil, err
	}

	Logger().Info("pathtracer: session ready",
		"adapter", dev.Name(),
		"size", fmt.Sprintf("%dx%d", opts.Width, opts.Height),
		"batches", opts.BatchCount,
		"kernel", program.Name,
		"workgroup", fmt.Sprintf("%dx%d", program.WorkgroupWidth, program.WorkgroupHeight))
	return s, nil
}

func (s *Session) init() error {
	s.alloc = gpu.NewAllocator(s.dev, gpu.AllocatorConfig{MaxMemoryMB: s.opts.MemoryBudgetMB})
	s.arena.Own("allocator", gpu.ReleaseFunc(func() error {
		s.alloc.Close()
		return nil
	}))
	s.seq = gpu.NewSequencer(s.dev, s.opts.SubmitTimeout)

	pool := parallel.NewWorkerPool(s.opts.workers())
	s.arena.Own("workers", gpu.ReleaseFunc(func() error {
		pool.Close()
		return nil
	}))
	s.builder = accel.NewBuilder(s.alloc, s.seq, pool, s.opts.buildFlags())

	layout, err := binding.NewLayout(s.alloc)
	if err != nil {
		return err
	}
	s.layout = layout
	s.arena.Own("layout", gpu.ReleaseFunc(func() error {
		layout.Release()
		return nil
	}))

	pipeline, err := dispatch.NewPipeline(s.dev, layout, s.program)
	if err != nil {
		return err
	}
	s.pipeline = pipeline
	s.arena.Own("pipeline", gpu.ReleaseFunc(func() error {
		pipeline.Release()
		return nil
	}))
	s.loop = dispatch.NewLoop(s.seq, pipeline)
	return nil
}

// loadProgram returns the embedded or named kernel, specialized to the
// requested workgroup size.
func loadProgram(opts *Options) (*kernel.Program, error) {
	program := kernel.Default()
	if opts.Kernel != "" {
		paths := opts.SearchPaths
		if paths == nil {
			paths = kernel.DefaultSearchPaths(ProjectDir)
		}
		p, err := kernel.Load(opts.Kernel, paths)
		if err != nil {
			return nil, err
		}
		program = p
	}
	if opts.WorkgroupWidth == 0 ||
		(opts.WorkgroupWidth == program.WorkgroupWidth && opts.WorkgroupHeight == program.WorkgroupHeight) {
		return program, nil
	}
	return kernel.Specialize(program, opts.WorkgroupWidth, opts.WorkgroupHeight)
}

// Options returns the options the session was created with.
func (s *Session) Options() Options { return s.opts }

// Program returns the kernel the session dispatches.
func (s *Session) Program() *kernel.Program { return s.program }

// Memory returns the current device memory statistics.
func (s *Session) Memory() MemoryStats { return s.alloc.Stats() }

// Submissions returns the number of command buffers submitted so far.
func (s *Session) Submissions() uint64 { return s.seq.Submissions() }

// Render traces sc and returns the averaged image. A nil instances slice
// places every scene object once. Cancelling ctx stops between passes and
// returns the context error without an image.
func (s *Session) Render(ctx context.Context, sc *Scene, instances []Instance) (img *Image, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	if instances == nil {
		instances = sc.DefaultInstances()
	}

	var frame gpu.Arena
	defer func() {
		if rerr := frame.Release(); rerr != nil {
			err = errors.Join(err, rerr)
		}
		if err != nil {
			img = nil
		}
	}()

	stats := RenderStats{Triangles: sc.TriangleCount(), Instances: len(instances)}
	start := hrtime.Now()

	usage := gpu.UsageStorageRead | gpu.UsageAccelerationStructureInput
	vertices, err := s.alloc.UploadStaged(s.seq, "vertices", sc.VertexBytes(), usage)
	if err != nil {
		return nil, fmt.Errorf("upload vertices: %w", err)
	}
	frame.Own("vertices", vertices)
	indices, err := s.alloc.UploadStaged(s.seq, "indices", sc.IndexBytes(), usage)
	if err != nil {
		return nil, fmt.Errorf("upload indices: %w", err)
	}
	frame.Own("indices", indices)
	stats.Upload = hrtime.Since(start)

	blases, err := s.builder.BuildBlas(sc.GeometryInputs(vertices, indices))
	if err != nil {
		return nil, err
	}
	for i, b := range blases {
		frame.Own(fmt.Sprintf("blas_%d", i), b)
	}
	tlas, err := s.builder.BuildTlas(blases, instances)
	if err != nil {
		return nil, err
	}
	frame.Own("tlas", tlas)
	stats.Build = hrtime.Since(start) - stats.Upload

	image, err := s.alloc.Allocate("image_data", s.opts.imageBytes(),
		gpu.UsageStorageRead|gpu.UsageStorageWrite, gpu.HostVisible)
	if err != nil {
		return nil, fmt.Errorf("allocate image: %w", err)
	}
	frame.Own("image_data", image)

	set, err := binding.Wire(s.layout, binding.Resources{
		binding.SlotImageData:         binding.BufferResource(image),
		binding.SlotTopLevelStructure: binding.StructureResource(tlas),
		binding.SlotVertices:          binding.BufferResource(vertices),
		binding.SlotIndices:           binding.BufferResource(indices),
	})
	if err != nil {
		return nil, err
	}
	frame.Own("bindings", set)

	stats.Dispatch, err = s.loop.RunPasses(ctx, set, s.opts.Width, s.opts.Height, s.opts.BatchCount)
	if err != nil {
		return nil, err
	}

	pixels, err := readImage(image, int(s.opts.Width)*int(s.opts.Height)*3)
	if err != nil {
		return nil, err
	}
	stats.Memory = s.alloc.Stats()
	stats.Total = hrtime.Since(start)

	Logger().Info("pathtracer: render complete",
		"triangles", stats.Triangles,
		"instances", stats.Instances,
		"upload", stats.Upload,
		"build", stats.Build,
		"dispatch", stats.Dispatch.Total,
		"peak_memory_kb", stats.Memory.PeakBytes/1024)

	return &Image{
		Width:  int(s.opts.Width),
		Height: int(s.opts.Height),
		Pixels: pixels,
		Stats:  stats,
	}, nil
}

// readImage maps the image buffer, copies n floats out and unmaps it.
func readImage(buf *gpu.Buffer, n int) ([]float32, error) {
	data, err := buf.Map()
	if err != nil {
		return nil, err
	}
	defer func() { _ = buf.Unmap() }()
	if len(data) < n*4 {
		return nil, fmt.Errorf("%w: mapped %d bytes, need %d", dispatch.ErrImageTooSmall, len(data), n*4)
	}
	pixels := make([]float32, n)
	for i := range pixels {
		pixels[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return pixels, nil
}

// Close releases the pipeline, layout, worker pool and allocator. It is
// safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.arena.Release()
}

// RenderStats describes one Render call.
type RenderStats struct {
	Triangles int
	Instances int

	Upload time.Duration
	Build  time.Duration
	Total  time.Duration

	Dispatch DispatchStats
	Memory   MemoryStats
}

// String returns a one-line summary.
func (s RenderStats) String() string {
	return fmt.Sprintf("Render[%d triangles, %d instances, upload %v, build %v, %v, total %v]",
		s.Triangles, s.Instances, s.Upload, s.Build, s.Dispatch, s.Total)
}
