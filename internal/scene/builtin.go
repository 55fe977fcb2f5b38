// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package scene

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-gl/mathgl/mgl32"
)

var builtins = map[string]func() *Store{
	"triangle": Triangle,
	"cornell":  Cornell,
}

// Names returns the built-in scene names in sorted order.
func Names() []string {
	names := make([]string, 0, len(builtins))
	for n := range builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Load returns the built-in scene called name, or reads name as an OBJ
// file when it ends in .obj.
func Load(name string) (*Store, error) {
	if build, ok := builtins[strings.ToLower(name)]; ok {
		return build(), nil
	}
	if strings.EqualFold(filepath.Ext(name), ".obj") {
		return LoadOBJ(name)
	}
	return nil, fmt.Errorf("%w: %q (built-in scenes: %s)", ErrUnknownScene, name, strings.Join(Names(), ", "))
}

// Triangle returns a single white triangle facing the default camera.
func Triangle() *Store {
	var b Builder
	b.Begin("triangle", MaterialWhite)
	i0 := b.Vertex(mgl32.Vec3{-1, 0, 0})
	i1 := b.Vertex(mgl32.Vec3{1, 0, 0})
	i2 := b.Vertex(mgl32.Vec3{0, 2, 0})
	b.Triangle(i0, i1, i2)
	return b.Store()
}

// Cornell returns a Cornell box spanning x in [-1, 1], y in [0, 2] and
// z in [-1, 1], open towards +z where the default camera looks in. It has
// white floor, ceiling and back wall, a red left and green right wall, a
// ceiling light, a short white block and a tall mirror block.
func Cornell() *Store {
	const (
		size      = float32(2)
		lightSize = float32(0.5)
	)
	var (
		b      Builder
		corner = mgl32.Vec3{-1, 0, -1}
		ux     = mgl32.Vec3{size, 0, 0}
		uy     = mgl32.Vec3{0, size, 0}
		uz     = mgl32.Vec3{0, 0, size}
	)

	b.Begin("floor", MaterialWhite)
	b.Quad(corner, uz, ux)
	b.Begin("ceiling", MaterialWhite)
	b.Quad(corner.Add(uy), ux, uz)
	b.Begin("back_wall", MaterialWhite)
	b.Quad(corner, ux, uy)
	b.Begin("left_wall", MaterialRed)
	b.Quad(corner, uy, uz)
	b.Begin("right_wall", MaterialGreen)
	b.Quad(corner.Add(ux), uz, uy)

	// Slightly below the ceiling so the two never overlap.
	b.Begin("light", MaterialLight)
	b.Quad(mgl32.Vec3{-lightSize / 2, size - 0.001, -lightSize / 2},
		mgl32.Vec3{lightSize, 0, 0}, mgl32.Vec3{0, 0, lightSize})

	b.Begin("short_block", MaterialWhite)
	b.Box(mgl32.Vec3{0.1, 0, 0}, mgl32.Vec3{0.6, 0.6, 0.5})
	b.Begin("tall_block", MaterialMirror)
	b.Box(mgl32.Vec3{-0.6, 0, -0.6}, mgl32.Vec3{-0.1, 1.2, -0.1})

	return b.Store()
}
