package accel

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/pathtracer/internal/bvh"
	"github.com/gogpu/pathtracer/internal/gpu"
	"github.com/gogpu/pathtracer/internal/kernel"
	"github.com/gogpu/pathtracer/internal/parallel"
)

const geometryUsage = gpu.UsageStorageRead | gpu.UsageAccelerationStructureInput

type testEnv struct {
	alloc   *gpu.Allocator
	seq     *gpu.Sequencer
	builder *Builder
}

func newTestEnv(t *testing.T, flags BuildFlags) *testEnv {
	t.Helper()
	dev, err := gpu.OpenDevice(gpu.BackendNoop)
	if err != nil {
		t.Fatalf("OpenDevice(noop) failed: %v", err)
	}
	t.Cleanup(dev.Close)
	alloc := gpu.NewAllocator(dev, gpu.AllocatorConfig{})
	t.Cleanup(alloc.Close)
	seq := gpu.NewSequencer(dev, 0)
	pool := parallel.NewWorkerPool(2)
	t.Cleanup(pool.Close)
	return &testEnv{alloc: alloc, seq: seq, builder: NewBuilder(alloc, seq, pool, flags)}
}

// strip returns n triangles side by side along +x in the z=0 plane.
func strip(n int) ([]float32, []uint32) {
	var verts []float32
	var idx []uint32
	for i := range n {
		x := float32(i) * 2
		base := uint32(len(verts) / 3) //nolint:gosec // test sizes are small
		verts = append(verts,
			x-1, -1, 0,
			x+1, -1, 0,
			x, 1, 0,
		)
		idx = append(idx, base, base+1, base+2)
	}
	return verts, idx
}

func (e *testEnv) upload(t *testing.T, verts []float32, idx []uint32, usage gpu.Usage) (vb, ib *gpu.Buffer) {
	t.Helper()
	fb := make([]uint32, len(verts))
	for i, f := range verts {
		fb[i] = math.Float32bits(f)
	}
	vb, err := e.alloc.UploadStaged(e.seq, "vertices", wordsToBytes(fb), usage)
	if err != nil {
		t.Fatalf("upload vertices: %v", err)
	}
	ib, err = e.alloc.UploadStaged(e.seq, "indices", wordsToBytes(idx), usage)
	if err != nil {
		t.Fatalf("upload indices: %v", err)
	}
	return vb, ib
}

func (e *testEnv) singleBlas(t *testing.T, triangles int) *BottomLevel {
	t.Helper()
	verts, idx := strip(triangles)
	vb, ib := e.upload(t, verts, idx, geometryUsage)
	blases, err := e.builder.BuildBlas([]GeometryInput{{
		Vertices: vb, Indices: ib, TriangleCount: uint32(triangles), Opaque: true, //nolint:gosec // small
	}})
	if err != nil {
		t.Fatalf("BuildBlas failed: %v", err)
	}
	return blases[0]
}

func TestBuildFlagsString(t *testing.T) {
	tests := []struct {
		flags BuildFlags
		want  string
	}{
		{0, "None"},
		{DefaultBuildFlags, "PreferFastTrace|AllowCompaction"},
		{PreferFastBuild, "PreferFastBuild"},
	}
	for _, tt := range tests {
		if got := tt.flags.String(); got != tt.want {
			t.Errorf("BuildFlags(%d).String() = %q, want %q", tt.flags, got, tt.want)
		}
	}
}

func TestNewBuilderDefaultFlags(t *testing.T) {
	b := NewBuilder(nil, nil, nil, 0)
	if b.Flags() != DefaultBuildFlags {
		t.Errorf("Flags = %v, want %v", b.Flags(), DefaultBuildFlags)
	}
	if got := (PreferFastBuild).options().Strategy; got != bvh.StrategyMedian {
		t.Errorf("PreferFastBuild strategy = %v, want median", got)
	}
	if got := (PreferFastBuild | PreferFastTrace).options().Strategy; got != bvh.StrategySAH {
		t.Errorf("mixed preference strategy = %v, want sah", got)
	}
}

func TestBuildBlasInvalidInput(t *testing.T) {
	env := newTestEnv(t, 0)
	verts, idx := strip(2)
	vb, ib := env.upload(t, verts, idx, geometryUsage)
	plainV, plainI := env.upload(t, verts, idx, gpu.UsageStorageRead)

	tests := []struct {
		name   string
		inputs []GeometryInput
	}{
		{"no inputs", nil},
		{"zero triangles", []GeometryInput{{Vertices: vb, Indices: ib}}},
		{"nil buffers", []GeometryInput{{TriangleCount: 1}}},
		{"missing input usage", []GeometryInput{{Vertices: plainV, Indices: plainI, TriangleCount: 2}}},
		{"range beyond indices", []GeometryInput{{Vertices: vb, Indices: ib, FirstTriangle: 1, TriangleCount: 2}}},
		{"second input invalid", []GeometryInput{
			{Vertices: vb, Indices: ib, TriangleCount: 2},
			{Vertices: vb, Indices: ib, TriangleCount: 0},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := env.alloc.Stats().LiveBuffers
			_, err := env.builder.BuildBlas(tt.inputs)
			if !errors.Is(err, ErrInvalidGeometryInput) {
				t.Fatalf("BuildBlas error = %v, want ErrInvalidGeometryInput", err)
			}
			if after := env.alloc.Stats().LiveBuffers; after != before {
				t.Errorf("live buffers %d -> %d after failed build", before, after)
			}
		})
	}
}

func TestBuildBlasVertexIndexOutOfRange(t *testing.T) {
	env := newTestEnv(t, 0)
	verts, _ := strip(1)
	vb, ib := env.upload(t, verts, []uint32{0, 1, 7}, geometryUsage)
	_, err := env.builder.BuildBlas([]GeometryInput{{Vertices: vb, Indices: ib, TriangleCount: 1}})
	if !errors.Is(err, ErrInvalidGeometryInput) {
		t.Fatalf("BuildBlas error = %v, want ErrInvalidGeometryInput", err)
	}
}

func TestBuildBlasCompaction(t *testing.T) {
	const n = 20
	compacted := newTestEnv(t, PreferFastTrace|AllowCompaction).singleBlas(t, n)
	full := newTestEnv(t, PreferFastTrace).singleBlas(t, n)

	if compacted.NodeSlots() != compacted.UsedNodes() {
		t.Errorf("compacted slots = %d, used = %d", compacted.NodeSlots(), compacted.UsedNodes())
	}
	if full.NodeSlots() != bvh.WorstCaseNodes(n) {
		t.Errorf("uncompacted slots = %d, want %d", full.NodeSlots(), bvh.WorstCaseNodes(n))
	}
	if compacted.SizeBytes() > full.SizeBytes() {
		t.Errorf("compacted size %d exceeds uncompacted %d", compacted.SizeBytes(), full.SizeBytes())
	}
	if compacted.Buffer().Size() != compacted.SizeBytes() {
		t.Errorf("buffer size %d, image size %d", compacted.Buffer().Size(), compacted.SizeBytes())
	}
}

func TestBuildBlasRangesShareBuffers(t *testing.T) {
	env := newTestEnv(t, 0)
	verts, idx := strip(6)
	vb, ib := env.upload(t, verts, idx, geometryUsage)
	blases, err := env.builder.BuildBlas([]GeometryInput{
		{Vertices: vb, Indices: ib, FirstTriangle: 0, TriangleCount: 2},
		{Vertices: vb, Indices: ib, FirstTriangle: 2, TriangleCount: 4},
	})
	if err != nil {
		t.Fatalf("BuildBlas failed: %v", err)
	}
	if len(blases) != 2 {
		t.Fatalf("got %d structures, want 2", len(blases))
	}
	if blases[1].FirstTriangle() != 2 || blases[1].TriangleCount() != 4 {
		t.Errorf("second range = [%d,+%d)", blases[1].FirstTriangle(), blases[1].TriangleCount())
	}
	// Triangle 2 starts at x=3, so the second range begins there.
	if got := blases[1].Bounds().Min.X(); got != 3 {
		t.Errorf("second bounds min x = %v, want 3", got)
	}
}

func TestBottomLevelReleaseTwice(t *testing.T) {
	env := newTestEnv(t, 0)
	blas := env.singleBlas(t, 1)
	if err := blas.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if !blas.Released() {
		t.Error("Released() = false after Release")
	}
	if err := blas.Release(); !errors.Is(err, ErrStructureReleased) {
		t.Errorf("second Release error = %v, want ErrStructureReleased", err)
	}
}

func TestBuildTlasErrors(t *testing.T) {
	env := newTestEnv(t, 0)
	blas := env.singleBlas(t, 2)
	released := env.singleBlas(t, 1)
	if err := released.Release(); err != nil {
		t.Fatal(err)
	}

	singular := NewInstance(0)
	singular.Transform = mgl32.Scale3D(1, 0, 1)
	wide := NewInstance(0)
	wide.CustomIndex = MaxCustomIndex + 1

	tests := []struct {
		name      string
		blases    []*BottomLevel
		instances []Instance
		wantErr   error
	}{
		{"empty instance set", []*BottomLevel{blas}, nil, ErrEmptyInstanceSet},
		{"index out of range", []*BottomLevel{blas}, []Instance{NewInstance(1)}, ErrInvalidInstanceReference},
		{"negative index", []*BottomLevel{blas}, []Instance{NewInstance(-1)}, ErrInvalidInstanceReference},
		{"nil structure", []*BottomLevel{nil}, []Instance{NewInstance(0)}, ErrInvalidInstanceReference},
		{"released structure", []*BottomLevel{released}, []Instance{NewInstance(0)}, ErrInvalidInstanceReference},
		{"custom index too wide", []*BottomLevel{blas}, []Instance{wide}, ErrInvalidInstance},
		{"singular transform", []*BottomLevel{blas}, []Instance{singular}, ErrInvalidInstance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := env.alloc.Stats().LiveBuffers
			_, err := env.builder.BuildTlas(tt.blases, tt.instances)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("BuildTlas error = %v, want %v", err, tt.wantErr)
			}
			if after := env.alloc.Stats().LiveBuffers; after != before {
				t.Errorf("live buffers %d -> %d after failed build", before, after)
			}
		})
	}
}

func TestBuildTlasMixedGeometry(t *testing.T) {
	env := newTestEnv(t, 0)
	a := env.singleBlas(t, 1)
	b := env.singleBlas(t, 1)
	_, err := env.builder.BuildTlas([]*BottomLevel{a, b}, []Instance{NewInstance(0), NewInstance(1)})
	if !errors.Is(err, ErrMixedGeometry) {
		t.Fatalf("BuildTlas error = %v, want ErrMixedGeometry", err)
	}
}

func TestBuildTlasArenaLayout(t *testing.T) {
	env := newTestEnv(t, 0)
	blas := env.singleBlas(t, 3)
	insts := []Instance{NewInstance(0), NewInstance(0)}
	insts[1].Transform = mgl32.Translate3D(20, 0, 0)

	tlas, err := env.builder.BuildTlas([]*BottomLevel{blas}, insts)
	if err != nil {
		t.Fatalf("BuildTlas failed: %v", err)
	}
	defer tlas.Release()

	w := tlas.words
	if w[hdrInstanceCount] != 2 {
		t.Errorf("instance count = %d, want 2", w[hdrInstanceCount])
	}
	// Two instances of one BLAS link a single image.
	if w[hdrBlasCount] != 1 {
		t.Errorf("linked BLAS count = %d, want 1", w[hdrBlasCount])
	}
	if int(w[hdrTotalWords]) != len(w) {
		t.Errorf("total words = %d, len = %d", w[hdrTotalWords], len(w))
	}
	if tlas.Buffer().Size() != tlas.SizeBytes() {
		t.Errorf("arena buffer %d bytes, image %d", tlas.Buffer().Size(), tlas.SizeBytes())
	}
	want := uint64(w[hdrInstanceOffset])*4 + 2*InstanceWords*4 + blas.SizeBytes()
	if tlas.SizeBytes() != want {
		t.Errorf("arena size = %d, want %d", tlas.SizeBytes(), want)
	}
	if got := tlas.Bounds().Max.X(); got < 20 {
		t.Errorf("bounds max x = %v, want >= 20", got)
	}
	vb, ib := tlas.Geometry()
	if vb != blas.vertices || ib != blas.indices {
		t.Error("Geometry() does not return the shared buffers")
	}
}

func TestTopLevelIntersect(t *testing.T) {
	env := newTestEnv(t, 0)
	blas := env.singleBlas(t, 1)

	insts := []Instance{NewInstance(0), NewInstance(0)}
	insts[0].CustomIndex = 7
	insts[0].ShadingGroup = 1
	insts[1].Transform = mgl32.Translate3D(10, 0, 0)
	insts[1].CustomIndex = 9
	insts[1].ShadingGroup = 2
	insts[1].Mask = 0x02
	insts[1].Flags = InstanceForceNoOpaque

	tlas, err := env.builder.BuildTlas([]*BottomLevel{blas}, insts)
	if err != nil {
		t.Fatalf("BuildTlas failed: %v", err)
	}
	defer tlas.Release()

	down := mgl32.Vec3{0, 0, -1}
	inf := float32(math.Inf(1))

	hit, ok := tlas.Intersect(mgl32.Vec3{0, 0, 5}, down, inf, 0xFF)
	if !ok {
		t.Fatal("ray at origin missed")
	}
	if hit.Instance != 0 || hit.CustomIndex != 7 || hit.ShadingGroup != 1 || !hit.Opaque {
		t.Errorf("hit = %+v, want instance 0, custom 7, group 1, opaque", hit)
	}
	if math.Abs(float64(hit.T-5)) > 1e-5 {
		t.Errorf("hit.T = %v, want 5", hit.T)
	}

	hit, ok = tlas.Intersect(mgl32.Vec3{10, 0, 5}, down, inf, 0xFF)
	if !ok {
		t.Fatal("ray at translated instance missed")
	}
	if hit.Instance != 1 || hit.CustomIndex != 9 || hit.ShadingGroup != 2 || hit.Opaque {
		t.Errorf("hit = %+v, want instance 1, custom 9, group 2, non-opaque", hit)
	}

	if _, ok := tlas.Intersect(mgl32.Vec3{10, 0, 5}, down, inf, 0x01); ok {
		t.Error("masked-out instance was hit")
	}
	if _, ok := tlas.Intersect(mgl32.Vec3{5, 0, 5}, down, inf, 0xFF); ok {
		t.Error("ray between instances hit")
	}
	if _, ok := tlas.Intersect(mgl32.Vec3{0, 0, 5}, down, 4, 0xFF); ok {
		t.Error("hit beyond tMax reported")
	}
}

func TestTopLevelIntersectCulling(t *testing.T) {
	env := newTestEnv(t, 0)
	blas := env.singleBlas(t, 1)

	// The strip triangle winds counter-clockwise seen from +z.
	front := mgl32.Vec3{0, 0, 5}
	back := mgl32.Vec3{0, 0, -5}
	down := mgl32.Vec3{0, 0, -1}
	up := mgl32.Vec3{0, 0, 1}
	inf := float32(math.Inf(1))

	tests := []struct {
		name      string
		flags     InstanceFlags
		wantFront bool
		wantBack  bool
	}{
		{"default", 0, true, false},
		{"cull disabled", InstanceCullDisable, true, true},
		{"flipped", InstanceFlipFacing, false, true},
		{"flipped cull disabled", InstanceFlipFacing | InstanceCullDisable, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := NewInstance(0)
			inst.Flags = tt.flags
			tlas, err := env.builder.BuildTlas([]*BottomLevel{blas}, []Instance{inst})
			if err != nil {
				t.Fatalf("BuildTlas failed: %v", err)
			}
			defer tlas.Release()

			if _, ok := tlas.IntersectFlags(front, down, inf, 0xFF, RayCullBackFacing); ok != tt.wantFront {
				t.Errorf("culled ray from front: hit = %v, want %v", ok, tt.wantFront)
			}
			if _, ok := tlas.IntersectFlags(back, up, inf, 0xFF, RayCullBackFacing); ok != tt.wantBack {
				t.Errorf("culled ray from back: hit = %v, want %v", ok, tt.wantBack)
			}
			// Without the ray flag both faces are hit.
			if _, ok := tlas.Intersect(front, down, inf, 0xFF); !ok {
				t.Error("two-sided ray from front missed")
			}
			if _, ok := tlas.Intersect(back, up, inf, 0xFF); !ok {
				t.Error("two-sided ray from back missed")
			}
		})
	}
}

func TestKernelMatchesArenaLayout(t *testing.T) {
	src := kernel.Default().WGSL
	for _, want := range []string{
		fmt.Sprintf("const HDR_NODE_OFFSET: u32 = %du;", hdrNodeOffset),
		fmt.Sprintf("const HDR_INSTANCE_OFFSET: u32 = %du;", hdrInstanceOffset),
		fmt.Sprintf("const INSTANCE_WORDS: u32 = %du;", InstanceWords),
		fmt.Sprintf("const REC_INVERSE: u32 = %du;", recInverse),
		fmt.Sprintf("const REC_BLAS_OFFSET: u32 = %du;", recBlasOffset),
		fmt.Sprintf("const REC_CUSTOM_MASK: u32 = %du;", recCustomAndMask),
		fmt.Sprintf("const REC_SHADING_GROUP: u32 = %du;", recShadingGroup),
		fmt.Sprintf("const REC_FLAGS: u32 = %du;", recFlags),
		fmt.Sprintf("const INSTANCE_CULL_DISABLE: u32 = %du;", InstanceCullDisable),
		fmt.Sprintf("const INSTANCE_FLIP_FACING: u32 = %du;", InstanceFlipFacing),
		fmt.Sprintf("const RAY_CULL_BACK_FACING: u32 = %du;", RayCullBackFacing),
		fmt.Sprintf("const BLAS_HEADER_WORDS: u32 = %du;", blasHeaderWords),
		fmt.Sprintf("const NODE_WORDS: u32 = %du;", bvh.NodeWords),
	} {
		if !strings.Contains(src, want) {
			t.Errorf("kernel lacks %q", want)
		}
	}
}

func TestBuildOptionsBoundDepth(t *testing.T) {
	if MaxTraversalDepth != kernel.TraversalStackSize-1 {
		t.Errorf("MaxTraversalDepth = %d, want %d", MaxTraversalDepth, kernel.TraversalStackSize-1)
	}
	for _, flags := range []BuildFlags{PreferFastTrace, PreferFastBuild} {
		if got := flags.options().MaxDepth; got != MaxTraversalDepth {
			t.Errorf("%s: MaxDepth = %d, want %d", flags, got, MaxTraversalDepth)
		}
	}
}

func TestTopLevelReleaseKeepsBlas(t *testing.T) {
	env := newTestEnv(t, 0)
	blas := env.singleBlas(t, 1)
	tlas, err := env.builder.BuildTlas([]*BottomLevel{blas}, []Instance{NewInstance(0)})
	if err != nil {
		t.Fatalf("BuildTlas failed: %v", err)
	}
	if err := tlas.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if blas.Released() {
		t.Error("releasing the TLAS released a linked BLAS")
	}
	if err := tlas.Release(); !errors.Is(err, ErrStructureReleased) {
		t.Errorf("second Release error = %v, want ErrStructureReleased", err)
	}
}
