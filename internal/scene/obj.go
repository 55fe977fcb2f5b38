// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package scene

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/pathtracer/internal/gpu"
)

// LoadOBJ reads a Wavefront OBJ file.
func LoadOBJ(path string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open OBJ: %w", err)
	}
	defer f.Close()

	s, err := DecodeOBJ(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	gpu.Logger().Info("scene: OBJ loaded",
		"path", path,
		"vertices", s.VertexCount(),
		"triangles", s.TriangleCount(),
		"objects", len(s.Objects))
	return s, nil
}

// MaterialFromName maps an OBJ material name onto a kernel material by
// keyword. Unrecognized names are white.
func MaterialFromName(name string) Material {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "light"), strings.Contains(n, "emit"):
		return MaterialLight
	case strings.Contains(n, "mirror"), strings.Contains(n, "metal"):
		return MaterialMirror
	case strings.Contains(n, "red"):
		return MaterialRed
	case strings.Contains(n, "green"):
		return MaterialGreen
	default:
		return MaterialWhite
	}
}

// DecodeOBJ parses OBJ geometry. Each o or g statement starts a named
// object; a usemtl that changes the material of an object with triangles
// splits it. Polygons are fan-triangulated and negative indices count back
// from the last vertex. Normals, texture coordinates and other statements
// are ignored.
func DecodeOBJ(r io.Reader) (*Store, error) {
	var (
		b        Builder
		verts    []mgl32.Vec3
		name     = "default"
		material = MaterialWhite
		started  bool
		tris     uint32
		line     int
	)
	begin := func() {
		b.Begin(name, material)
		started = true
		tris = 0
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "v":
			if len(fields) < 4 {
				return nil, fmt.Errorf("%w: line %d: vertex needs 3 coordinates", ErrInvalidOBJ, line)
			}
			var p mgl32.Vec3
			for i := range 3 {
				f, err := strconv.ParseFloat(fields[i+1], 32)
				if err != nil {
					return nil, fmt.Errorf("%w: line %d: %w", ErrInvalidOBJ, line, err)
				}
				p[i] = float32(f)
			}
			verts = append(verts, p)

		case "o", "g":
			name = strings.Join(fields[1:], " ")
			if name == "" {
				name = fmt.Sprintf("object_%d", len(b.store.Objects))
			}
			begin()

		case "usemtl":
			m := MaterialWhite
			if len(fields) > 1 {
				m = MaterialFromName(fields[1])
			}
			if m == material {
				continue
			}
			material = m
			if started && tris > 0 {
				name = fmt.Sprintf("%s.%s", b.open.Name, material)
			}
			begin()

		case "f":
			if len(fields) < 4 {
				return nil, fmt.Errorf("%w: line %d: face needs at least 3 vertices", ErrInvalidOBJ, line)
			}
			if !started {
				begin()
			}
			face := make([]uint32, len(fields)-1)
			for i, tok := range fields[1:] {
				idx, err := faceIndex(tok, len(verts))
				if err != nil {
					return nil, fmt.Errorf("%w: line %d: %w", ErrInvalidOBJ, line, err)
				}
				face[i] = idx
			}
			for k := 1; k+1 < len(face); k++ {
				b.Triangle(face[0], face[k], face[k+1])
				tris++
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOBJ, err)
	}

	// Vertices are appended last so face indices map one to one.
	s := b.Store()
	s.Vertices = make([]float32, 0, len(verts)*3)
	for _, p := range verts {
		s.Vertices = append(s.Vertices, p[0], p[1], p[2])
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// faceIndex resolves the position index of one face vertex token
// (v, v/vt, v//vn or v/vt/vn) to a zero-based index.
func faceIndex(tok string, vertexCount int) (uint32, error) {
	if i := strings.IndexByte(tok, '/'); i >= 0 {
		tok = tok[:i]
	}
	n, err := strconv.Atoi(tok)
	if err != nil {
		return 0, fmt.Errorf("face index %q: %w", tok, err)
	}
	switch {
	case n > 0:
		n--
	case n < 0:
		n += vertexCount
	default:
		return 0, errors.New("face index 0 is not valid")
	}
	if n < 0 || n >= vertexCount {
		return 0, fmt.Errorf("face index %s out of range (%d vertices so far)", tok, vertexCount)
	}
	return uint32(n), nil //nolint:gosec // G115: checked non-negative above
}
