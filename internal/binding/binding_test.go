package binding

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/pathtracer/internal/accel"
	"github.com/gogpu/pathtracer/internal/gpu"
)

type fixture struct {
	alloc    *gpu.Allocator
	layout   *Layout
	image    *gpu.Buffer
	vertices *gpu.Buffer
	indices  *gpu.Buffer
	tlas     *accel.TopLevel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dev, err := gpu.OpenDevice(gpu.BackendNoop)
	if err != nil {
		t.Fatalf("OpenDevice(noop) failed: %v", err)
	}
	t.Cleanup(dev.Close)
	alloc := gpu.NewAllocator(dev, gpu.AllocatorConfig{})
	t.Cleanup(alloc.Close)
	seq := gpu.NewSequencer(dev, 0)

	usage := gpu.UsageStorageRead | gpu.UsageAccelerationStructureInput
	verts := []float32{-1, -1, 0, 1, -1, 0, 0, 1, 0}
	vb := make([]byte, len(verts)*4)
	for i, f := range verts {
		binary.LittleEndian.PutUint32(vb[i*4:], math.Float32bits(f))
	}
	vertices, err := alloc.UploadStaged(seq, "vertices", vb, usage)
	if err != nil {
		t.Fatal(err)
	}
	ib := make([]byte, 12)
	binary.LittleEndian.PutUint32(ib[4:], 1)
	binary.LittleEndian.PutUint32(ib[8:], 2)
	indices, err := alloc.UploadStaged(seq, "indices", ib, usage)
	if err != nil {
		t.Fatal(err)
	}

	builder := accel.NewBuilder(alloc, seq, nil, 0)
	blases, err := builder.BuildBlas([]accel.GeometryInput{{Vertices: vertices, Indices: indices, TriangleCount: 1}})
	if err != nil {
		t.Fatal(err)
	}
	tlas, err := builder.BuildTlas(blases, []accel.Instance{accel.NewInstance(0)})
	if err != nil {
		t.Fatal(err)
	}

	image, err := alloc.Allocate("image", 4*4*3*4, gpu.UsageStorageRead|gpu.UsageStorageWrite, gpu.HostVisible)
	if err != nil {
		t.Fatal(err)
	}

	layout, err := NewLayout(alloc)
	if err != nil {
		t.Fatalf("NewLayout failed: %v", err)
	}
	t.Cleanup(layout.Release)

	return &fixture{alloc: alloc, layout: layout, image: image, vertices: vertices, indices: indices, tlas: tlas}
}

func (f *fixture) resources() Resources {
	return Resources{
		SlotImageData:         BufferResource(f.image),
		SlotTopLevelStructure: StructureResource(f.tlas),
		SlotVertices:          BufferResource(f.vertices),
		SlotIndices:           BufferResource(f.indices),
	}
}

func TestSlotNumbering(t *testing.T) {
	tests := []struct {
		slot Slot
		want uint32
		name string
		kind Kind
	}{
		{SlotImageData, 0, "ImageData", KindStorageReadWrite},
		{SlotTopLevelStructure, 1, "TopLevelStructure", KindAccelerationStructure},
		{SlotVertices, 2, "Vertices", KindStorageRead},
		{SlotIndices, 3, "Indices", KindStorageRead},
	}
	for _, tt := range tests {
		if uint32(tt.slot) != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, tt.slot, tt.want)
		}
		if tt.slot.String() != tt.name {
			t.Errorf("String() = %q, want %q", tt.slot.String(), tt.name)
		}
		if tt.slot.Kind() != tt.kind {
			t.Errorf("%s kind = %v, want %v", tt.name, tt.slot.Kind(), tt.kind)
		}
	}
	if got := Slot(9).String(); got != "Slot(9)" {
		t.Errorf("unknown slot String() = %q", got)
	}
}

func TestSceneEntries(t *testing.T) {
	entries := SceneEntries()
	if len(entries) != SlotCount {
		t.Fatalf("got %d entries, want %d", len(entries), SlotCount)
	}
	for i, e := range entries {
		if e.Binding != uint32(i) { //nolint:gosec // small index
			t.Errorf("entry %d binding = %d", i, e.Binding)
		}
		if e.Visibility != gputypes.ShaderStageCompute {
			t.Errorf("entry %d not visible to compute", i)
		}
	}
	if entries[SlotImageData].Buffer.Type != gputypes.BufferBindingTypeStorage {
		t.Error("image slot is not read-write storage")
	}
	for _, s := range []Slot{SlotTopLevelStructure, SlotVertices, SlotIndices} {
		if entries[s].Buffer.Type != gputypes.BufferBindingTypeReadOnlyStorage {
			t.Errorf("slot %s is not read-only storage", s)
		}
	}
}

func TestParamsBytes(t *testing.T) {
	b := Params{SampleBatch: 3, Width: 800, Height: 600}.Bytes()
	if len(b) != ParamsSize {
		t.Fatalf("len = %d, want %d", len(b), ParamsSize)
	}
	want := []uint32{3, 800, 600, 0}
	for i, w := range want {
		if got := binary.LittleEndian.Uint32(b[i*4:]); got != w {
			t.Errorf("word %d = %d, want %d", i, got, w)
		}
	}
}

func TestWire(t *testing.T) {
	f := newFixture(t)
	set, err := Wire(f.layout, f.resources())
	if err != nil {
		t.Fatalf("Wire failed: %v", err)
	}
	if set.Image() != f.image {
		t.Error("Image() is not the bound image buffer")
	}
	if len(set.Groups()) != 2 {
		t.Errorf("got %d groups, want 2", len(set.Groups()))
	}
	touches := set.Touches()
	if len(touches) != SlotCount+1 {
		t.Fatalf("got %d touched buffers, want %d", len(touches), SlotCount+1)
	}
	if touches[SlotTopLevelStructure] != f.tlas.Buffer() {
		t.Error("structure slot does not touch the arena buffer")
	}
	if err := set.WriteParams(Params{Width: 4, Height: 4}); err != nil {
		t.Errorf("WriteParams: %v", err)
	}
	if err := set.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := set.Release(); !errors.Is(err, ErrSetReleased) {
		t.Errorf("second Release error = %v, want ErrSetReleased", err)
	}
	if err := set.WriteParams(Params{}); !errors.Is(err, ErrSetReleased) {
		t.Errorf("WriteParams after Release error = %v, want ErrSetReleased", err)
	}
}

func TestWireErrors(t *testing.T) {
	f := newFixture(t)
	readOnly, err := f.alloc.Allocate("read_only", 64, gpu.UsageStorageRead, gpu.DeviceLocal)
	if err != nil {
		t.Fatal(err)
	}
	released, err := f.alloc.Allocate("released", 64, gpu.UsageStorageRead|gpu.UsageStorageWrite, gpu.DeviceLocal)
	if err != nil {
		t.Fatal(err)
	}
	if err := released.Release(); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		mutate  func(*Resources)
		wantErr error
	}{
		{"missing image", func(r *Resources) { r[SlotImageData] = Resource{} }, ErrMissingBinding},
		{"missing indices", func(r *Resources) { r[SlotIndices] = Resource{} }, ErrMissingBinding},
		{"read-only image", func(r *Resources) { r[SlotImageData] = BufferResource(readOnly) }, ErrBindingKindMismatch},
		{"buffer at structure slot", func(r *Resources) { r[SlotTopLevelStructure] = BufferResource(f.vertices) }, ErrBindingKindMismatch},
		{"structure at vertex slot", func(r *Resources) { r[SlotVertices] = StructureResource(f.tlas) }, ErrBindingKindMismatch},
		{"foreign vertices", func(r *Resources) { r[SlotVertices] = BufferResource(readOnly) }, ErrBindingKindMismatch},
		{"released image", func(r *Resources) { r[SlotImageData] = BufferResource(released) }, ErrStaleBinding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.resources()
			tt.mutate(&res)
			before := f.alloc.Stats().LiveBuffers
			if _, err := Wire(f.layout, res); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Wire error = %v, want %v", err, tt.wantErr)
			}
			if after := f.alloc.Stats().LiveBuffers; after != before {
				t.Errorf("live buffers %d -> %d after failed Wire", before, after)
			}
		})
	}
}

func TestSetCheckDetectsStaleResource(t *testing.T) {
	f := newFixture(t)
	set, err := Wire(f.layout, f.resources())
	if err != nil {
		t.Fatal(err)
	}
	defer set.Release()

	if err := set.Check(); err != nil {
		t.Fatalf("Check on fresh set: %v", err)
	}
	if err := f.tlas.Release(); err != nil {
		t.Fatal(err)
	}
	if err := set.Check(); !errors.Is(err, ErrStaleBinding) {
		t.Errorf("Check error = %v, want ErrStaleBinding", err)
	}
	if err := set.WriteParams(Params{}); !errors.Is(err, ErrStaleBinding) {
		t.Errorf("WriteParams error = %v, want ErrStaleBinding", err)
	}
}
