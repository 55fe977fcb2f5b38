// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package accel

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/pathtracer/internal/bvh"
	"github.com/gogpu/pathtracer/internal/gpu"
)

// GeometryInput describes one BLAS: a triangle range of an indexed mesh.
// Vertices holds tightly packed float32 xyz positions, Indices holds three
// uint32 vertex indices per triangle. Both must carry
// gpu.UsageAccelerationStructureInput.
type GeometryInput struct {
	Vertices      *gpu.Buffer
	Indices       *gpu.Buffer
	FirstTriangle uint32
	TriangleCount uint32

	// Opaque marks geometry that never needs any-hit processing.
	Opaque bool
}

// BottomLevel is an opaque BLAS handle. It owns its device image until
// Release.
type BottomLevel struct {
	mu sync.Mutex

	buf      *gpu.Buffer
	words    []uint32
	tree     *bvh.Tree
	vertices *gpu.Buffer
	indices  *gpu.Buffer

	firstTriangle uint32
	triangleCount uint32
	opaque        bool
	bounds        bvh.AABB
	released      bool
}

// TriangleCount returns the number of triangles in the structure.
func (b *BottomLevel) TriangleCount() uint32 { return b.triangleCount }

// FirstTriangle returns the first triangle of the mesh range.
func (b *BottomLevel) FirstTriangle() uint32 { return b.firstTriangle }

// Bounds returns the object-space bounds.
func (b *BottomLevel) Bounds() bvh.AABB { return b.bounds }

// NodeSlots returns the number of node slots in the device image.
func (b *BottomLevel) NodeSlots() int { return b.tree.Capacity }

// UsedNodes returns the number of nodes the hierarchy uses.
func (b *BottomLevel) UsedNodes() int { return len(b.tree.Nodes) }

// SizeBytes returns the size of the device image.
func (b *BottomLevel) SizeBytes() uint64 { return uint64(len(b.words)) * 4 }

// Buffer returns the device image.
func (b *BottomLevel) Buffer() *gpu.Buffer { return b.buf }

// Released reports whether the structure or its device image was released.
func (b *BottomLevel) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released || b.buf.Released()
}

// Release frees the device image. A second call returns ErrStructureReleased.
func (b *BottomLevel) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return ErrStructureReleased
	}
	b.released = true
	return b.buf.Release()
}

// hostBlas is the host half of a BLAS build, produced on a worker.
type hostBlas struct {
	tree  *bvh.Tree
	words []uint32
}

// BuildBlas builds one BLAS per input. All inputs are validated before any
// device work. Host hierarchies build in parallel and all device images are
// uploaded in a single round-trip.
func (b *Builder) BuildBlas(inputs []GeometryInput) ([]*BottomLevel, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: no inputs", ErrInvalidGeometryInput)
	}

	type source struct {
		vertices []float32
		indices  []uint32
	}
	sources := make([]source, len(inputs))
	for i, in := range inputs {
		if in.TriangleCount == 0 {
			return nil, invalidInput(i, "zero triangles")
		}
		if in.Vertices == nil || in.Indices == nil {
			return nil, invalidInput(i, "missing vertex or index buffer")
		}
		for _, buf := range []*gpu.Buffer{in.Vertices, in.Indices} {
			if !buf.Usage().Contains(gpu.UsageAccelerationStructureInput) {
				return nil, invalidInput(i, "buffer %q lacks acceleration-structure input usage", buf.Label())
			}
		}
		vb, ok := in.Vertices.BuildInput()
		if !ok {
			return nil, invalidInput(i, "vertex buffer %q has no uploaded contents", in.Vertices.Label())
		}
		ib, ok := in.Indices.BuildInput()
		if !ok {
			return nil, invalidInput(i, "index buffer %q has no uploaded contents", in.Indices.Label())
		}
		src := source{vertices: bytesToFloats(vb), indices: bytesToWords(ib)}
		end := uint64(in.FirstTriangle) + uint64(in.TriangleCount)
		if end*3 > uint64(len(src.indices)) {
			return nil, invalidInput(i, "triangles [%d,%d) beyond %d indexed triangles",
				in.FirstTriangle, end, len(src.indices)/3)
		}
		vertexCount := uint32(len(src.vertices) / 3) //nolint:gosec // G115: bounded by buffer size
		for _, vi := range src.indices[in.FirstTriangle*3 : end*3] {
			if vi >= vertexCount {
				return nil, invalidInput(i, "vertex index %d out of range (%d vertices)", vi, vertexCount)
			}
		}
		sources[i] = src
	}

	start := time.Now()
	opts := b.flags.options()
	compact := b.flags&AllowCompaction != 0
	hosts := make([]hostBlas, len(inputs))
	jobs := make([]func() error, len(inputs))
	for i := range inputs {
		jobs[i] = func() error {
			in := inputs[i]
			tris := extractTriangles(sources[i].vertices, sources[i].indices, in.FirstTriangle, in.TriangleCount)
			tree, err := bvh.Build(tris, opts)
			if err != nil {
				return invalidInput(i, "%v", err)
			}
			if compact {
				tree.Compact()
			}
			hosts[i] = hostBlas{tree: tree, words: encodeBlas(tree, in.FirstTriangle, in.TriangleCount)}
			return nil
		}
	}
	if err := b.run(jobs); err != nil {
		return nil, err
	}
	hostTime := time.Since(start)

	out := make([]*BottomLevel, 0, len(inputs))
	releaseAll := func() {
		for _, blas := range out {
			_ = blas.buf.Release()
		}
	}

	cc, err := b.seq.BeginOneShot("build_blas")
	if err != nil {
		return nil, err
	}
	for i, in := range inputs {
		h := hosts[i]
		data := wordsToBytes(h.words)
		buf, err := b.alloc.Allocate(fmt.Sprintf("blas_%d", i), uint64(len(data)),
			gpu.UsageStorageRead|gpu.UsageTransferSrc|gpu.UsageTransferDst, gpu.DeviceLocal)
		if err != nil {
			cc.Abandon()
			releaseAll()
			return nil, err
		}
		out = append(out, &BottomLevel{
			buf:           buf,
			words:         h.words,
			tree:          h.tree,
			vertices:      in.Vertices,
			indices:       in.Indices,
			firstTriangle: in.FirstTriangle,
			triangleCount: in.TriangleCount,
			opaque:        in.Opaque,
			bounds:        h.tree.Bounds(),
		})
		if err := b.alloc.Stage(cc, buf, 0, data); err != nil {
			cc.Abandon()
			releaseAll()
			return nil, err
		}
	}
	if err := b.seq.SubmitAndWait(cc); err != nil {
		releaseAll()
		return nil, err
	}

	for i, blas := range out {
		gpu.Logger().Debug("accel: blas built",
			"index", i,
			"triangles", blas.triangleCount,
			"nodes", blas.UsedNodes(),
			"slots", blas.NodeSlots(),
			"depth", blas.tree.Depth,
			"strategy", blas.tree.Strategy.String())
	}
	gpu.Logger().Info("accel: bottom-level structures built",
		"count", len(out), "flags", b.flags.String(), "host_build", hostTime)
	return out, nil
}

// extractTriangles gathers positions for count triangles starting at first.
func extractTriangles(vertices []float32, indices []uint32, first, count uint32) []bvh.Triangle {
	tris := make([]bvh.Triangle, count)
	for t := range tris {
		base := (int(first) + t) * 3
		tris[t] = bvh.Triangle{
			V0: vertexAt(vertices, indices[base]),
			V1: vertexAt(vertices, indices[base+1]),
			V2: vertexAt(vertices, indices[base+2]),
		}
	}
	return tris
}

func vertexAt(vertices []float32, i uint32) mgl32.Vec3 {
	return mgl32.Vec3{vertices[i*3], vertices[i*3+1], vertices[i*3+2]}
}

// encodeBlas produces the device image of a BLAS. Leaf primitive slots are
// rewritten to global triangle indices so the kernel can fetch vertices
// directly from the shared index buffer.
func encodeBlas(tree *bvh.Tree, first, count uint32) []uint32 {
	indexOffset := blasHeaderWords + tree.Capacity*bvh.NodeWords
	words := make([]uint32, blasHeaderWords, indexOffset+int(count))
	//nolint:gosec // G115: node and word counts fit uint32
	words[0], words[1], words[2], words[3] = uint32(tree.Capacity), uint32(indexOffset), first, count
	words = bvh.EncodeNodes(words, tree.Nodes, tree.Capacity)
	for _, local := range tree.Indices {
		words = append(words, first+local)
	}
	return words
}
