// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package bvh builds bounding volume hierarchies over triangles and boxes.
//
// Nodes are stored in a flat array suitable for upload to the device. An
// interior node stores the index of its left child; the right child always
// follows it. A leaf stores the first entry in the primitive index array and
// a non-zero primitive count.
package bvh

import (
	"errors"
	"fmt"
	"sort"

	"github.com/go-gl/mathgl/mgl32"
)

// ErrNoPrimitives is returned when building over zero triangles.
var ErrNoPrimitives = errors.New("bvh: no primitives")

// Strategy selects the split heuristic.
type Strategy int

const (
	// StrategySAH uses binned surface area heuristic splits. Builds are
	// slower and traversal is faster.
	StrategySAH Strategy = iota

	// StrategyMedian splits at the object median of the longest centroid
	// axis. Builds are fast and traversal is slower.
	StrategyMedian
)

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case StrategySAH:
		return "sah"
	case StrategyMedian:
		return "median"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// Default build parameters.
const (
	DefaultMaxLeafSize = 4
	DefaultBins        = 16
)

// Options configures Build.
type Options struct {
	Strategy Strategy

	// MaxLeafSize is the primitive count at or below which a node becomes a
	// leaf. Defaults to DefaultMaxLeafSize.
	MaxLeafSize int

	// Bins is the number of SAH bins per axis. Defaults to DefaultBins.
	Bins int

	// MaxDepth turns every node at this depth into a leaf whatever its
	// primitive count. The root is at depth 0. Zero means unbounded.
	MaxDepth int
}

func (o Options) withDefaults() Options {
	if o.MaxLeafSize <= 0 {
		o.MaxLeafSize = DefaultMaxLeafSize
	}
	if o.Bins < 2 {
		o.Bins = DefaultBins
	}
	return o
}

// Triangle is three vertex positions.
type Triangle struct {
	V0, V1, V2 mgl32.Vec3
}

// Bounds returns the triangle's bounding box.
func (t Triangle) Bounds() AABB {
	return EmptyAABB().Grow(t.V0).Grow(t.V1).Grow(t.V2)
}

// Centroid returns the triangle's centroid.
func (t Triangle) Centroid() mgl32.Vec3 {
	return t.V0.Add(t.V1).Add(t.V2).Mul(1.0 / 3.0)
}

// Node is one hierarchy node.
type Node struct {
	Bounds AABB

	// LeftOrFirst is the left child index for interior nodes and the first
	// primitive slot for leaves.
	LeftOrFirst uint32

	// Count is the number of primitives in a leaf, zero for interior nodes.
	Count uint32
}

// Leaf reports whether n is a leaf.
func (n Node) Leaf() bool { return n.Count > 0 }

// Tree is a built hierarchy.
type Tree struct {
	// Nodes holds the used nodes. Nodes[0] is the root.
	Nodes []Node

	// Indices maps leaf primitive slots to triangle indices.
	Indices []uint32

	// Capacity is the number of node slots reserved for the device image.
	// It is the worst case 2n-1 until Compact trims it to len(Nodes).
	Capacity int

	Strategy Strategy
	Depth    int
	Leaves   int
}

// WorstCaseNodes returns the node count a binary hierarchy over n
// primitives can never exceed.
func WorstCaseNodes(n int) int {
	if n <= 0 {
		return 0
	}
	return 2*n - 1
}

// Compact trims the reserved node capacity to the nodes actually used.
func (t *Tree) Compact() {
	t.Nodes = t.Nodes[:len(t.Nodes):len(t.Nodes)]
	t.Capacity = len(t.Nodes)
}

// Bounds returns the root bounding box.
func (t *Tree) Bounds() AABB {
	if len(t.Nodes) == 0 {
		return EmptyAABB()
	}
	return t.Nodes[0].Bounds
}

type builder struct {
	opts      Options
	bounds    []AABB
	centroids []mgl32.Vec3
	indices   []uint32
	nodes     []Node
	depth     int
	leaves    int
}

// Build constructs a hierarchy over tris.
func Build(tris []Triangle, opts Options) (*Tree, error) {
	bounds := make([]AABB, len(tris))
	centroids := make([]mgl32.Vec3, len(tris))
	for i, t := range tris {
		bounds[i] = t.Bounds()
		centroids[i] = t.Centroid()
	}
	return build(bounds, centroids, opts)
}

// BuildBoxes constructs a hierarchy over arbitrary boxes, such as the world
// bounds of instances.
func BuildBoxes(boxes []AABB, opts Options) (*Tree, error) {
	centroids := make([]mgl32.Vec3, len(boxes))
	for i, b := range boxes {
		centroids[i] = b.Center()
	}
	return build(append([]AABB(nil), boxes...), centroids, opts)
}

func build(bounds []AABB, centroids []mgl32.Vec3, opts Options) (*Tree, error) {
	n := len(bounds)
	if n == 0 {
		return nil, ErrNoPrimitives
	}
	opts = opts.withDefaults()

	b := &builder{
		opts:      opts,
		bounds:    bounds,
		centroids: centroids,
		indices:   make([]uint32, n),
		nodes:     make([]Node, 1, WorstCaseNodes(n)),
	}
	for i := range b.indices {
		//nolint:gosec // G115: primitive count fits uint32
		b.indices[i] = uint32(i)
	}

	//nolint:gosec // G115: primitive count fits uint32
	b.nodes[0] = Node{LeftOrFirst: 0, Count: uint32(n)}
	b.subdivide(0, 0)

	return &Tree{
		Nodes:    b.nodes,
		Indices:  b.indices,
		Capacity: WorstCaseNodes(n),
		Strategy: opts.Strategy,
		Depth:    b.depth,
		Leaves:   b.leaves,
	}, nil
}

func (b *builder) subdivide(idx, depth int) {
	b.depth = max(b.depth, depth)
	node := &b.nodes[idx]
	first, count := int(node.LeftOrFirst), int(node.Count)

	bounds, cbounds := EmptyAABB(), EmptyAABB()
	for _, p := range b.indices[first : first+count] {
		bounds = bounds.Union(b.bounds[p])
		cbounds = cbounds.Grow(b.centroids[p])
	}
	node.Bounds = bounds

	if count <= b.opts.MaxLeafSize || (b.opts.MaxDepth > 0 && depth >= b.opts.MaxDepth) {
		b.leaves++
		return
	}

	var mid int
	switch b.opts.Strategy {
	case StrategyMedian:
		mid = b.splitMedian(first, count, cbounds)
	default:
		mid = b.splitSAH(first, count, bounds, cbounds)
	}
	leftCount := mid - first
	if leftCount == 0 || leftCount == count {
		b.leaves++
		return
	}

	//nolint:gosec // G115: node count bounded by 2n-1
	left := uint32(len(b.nodes))
	b.nodes = append(b.nodes,
		//nolint:gosec // G115: counts bounded by primitive count
		Node{LeftOrFirst: uint32(first), Count: uint32(leftCount)},
		//nolint:gosec // G115: counts bounded by primitive count
		Node{LeftOrFirst: uint32(mid), Count: uint32(count - leftCount)},
	)
	// append may have moved the array; re-take the pointer.
	node = &b.nodes[idx]
	node.LeftOrFirst = left
	node.Count = 0

	b.subdivide(int(left), depth+1)
	b.subdivide(int(left)+1, depth+1)
}

// splitMedian sorts the range along the longest centroid axis and splits it
// in half. It returns the first index of the right half.
func (b *builder) splitMedian(first, count int, cbounds AABB) int {
	axis := cbounds.LongestAxis()
	if cbounds.Extent()[axis] <= 0 {
		return first
	}
	span := b.indices[first : first+count]
	sort.Slice(span, func(i, j int) bool {
		return b.centroids[span[i]][axis] < b.centroids[span[j]][axis]
	})
	return first + count/2
}

type bin struct {
	bounds AABB
	count  int
}

// splitSAH evaluates binned SAH candidates on every axis and partitions
// the range at the cheapest one. It returns first when no candidate beats
// keeping the node as a leaf.
func (b *builder) splitSAH(first, count int, bounds, cbounds AABB) int {
	nb := b.opts.Bins
	bestAxis, bestSplit := -1, 0
	bestCost := float32(count) * bounds.HalfArea()

	bins := make([]bin, nb)
	rightArea := make([]float32, nb)
	rightCount := make([]int, nb)

	for axis := range 3 {
		lo, hi := cbounds.Min[axis], cbounds.Max[axis]
		if hi <= lo {
			continue
		}
		scale := float32(nb) / (hi - lo)
		for i := range bins {
			bins[i] = bin{bounds: EmptyAABB()}
		}
		for _, p := range b.indices[first : first+count] {
			bi := min(int((b.centroids[p][axis]-lo)*scale), nb-1)
			bins[bi].count++
			bins[bi].bounds = bins[bi].bounds.Union(b.bounds[p])
		}

		acc, n := EmptyAABB(), 0
		for i := nb - 1; i > 0; i-- {
			acc = acc.Union(bins[i].bounds)
			n += bins[i].count
			rightArea[i] = acc.HalfArea()
			rightCount[i] = n
		}
		acc, n = EmptyAABB(), 0
		for i := range nb - 1 {
			acc = acc.Union(bins[i].bounds)
			n += bins[i].count
			if n == 0 || rightCount[i+1] == 0 {
				continue
			}
			cost := float32(n)*acc.HalfArea() + float32(rightCount[i+1])*rightArea[i+1]
			if cost < bestCost {
				bestCost, bestAxis, bestSplit = cost, axis, i+1
			}
		}
	}

	if bestAxis < 0 {
		return first
	}

	lo := cbounds.Min[bestAxis]
	scale := float32(nb) / (cbounds.Max[bestAxis] - lo)
	i, j := first, first+count-1
	for i <= j {
		p := b.indices[i]
		if min(int((b.centroids[p][bestAxis]-lo)*scale), nb-1) < bestSplit {
			i++
		} else {
			b.indices[i], b.indices[j] = b.indices[j], b.indices[i]
			j--
		}
	}
	return i
}
