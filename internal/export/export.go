// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package export writes rendered images to disk.
//
// Image data is row-major, top-to-bottom, three float32 values (R, G, B) per
// pixel, exactly as read back from the image-data buffer. Write keeps the
// full float range (PFM or Radiance HDR); WritePreview tonemaps to 8-bit.
package export

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"github.com/gogpu/pathtracer/internal/color"
	"github.com/gogpu/pathtracer/internal/gpu"
)

// Export errors.
var (
	// ErrSizeMismatch is returned when the data length is not width*height*3.
	ErrSizeMismatch = errors.New("export: data length does not match image size")

	// ErrUnsupportedFormat is returned for an unknown file extension.
	ErrUnsupportedFormat = errors.New("export: unsupported format")
)

// Check validates the image dimensions against the data length.
func Check(width, height int, data []float32) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrSizeMismatch, width, height)
	}
	if want := width * height * 3; len(data) != want {
		return fmt.Errorf("%w: %d values, want %d for %dx%d", ErrSizeMismatch, len(data), want, width, height)
	}
	return nil
}

// Write saves data as a float image. The format follows the extension:
// .hdr writes Radiance RGBE, .pfm or no extension writes PFM.
func Write(path string, width, height int, data []float32) error {
	var encode func(io.Writer, int, int, []float32) error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".pfm", "":
		encode = EncodePFM
	case ".hdr":
		encode = EncodeHDR
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err := Check(width, height, data); err != nil {
		return err
	}
	if err := save(path, func(w io.Writer) error { return encode(w, width, height, data) }); err != nil {
		return err
	}
	gpu.Logger().Info("export: image written", "path", path, "width", width, "height", height)
	return nil
}

// WritePFM saves data as a little-endian color PFM file.
func WritePFM(path string, width, height int, data []float32) error {
	if err := Check(width, height, data); err != nil {
		return err
	}
	return save(path, func(w io.Writer) error { return EncodePFM(w, width, height, data) })
}

// WriteHDR saves data as a Radiance RGBE file.
func WriteHDR(path string, width, height int, data []float32) error {
	if err := Check(width, height, data); err != nil {
		return err
	}
	return save(path, func(w io.Writer) error { return EncodeHDR(w, width, height, data) })
}

// EncodePFM writes a color PFM. A negative scale marks little-endian data;
// rows run bottom to top.
func EncodePFM(w io.Writer, width, height int, data []float32) error {
	if err := Check(width, height, data); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "PF\n%d %d\n-1.0\n", width, height); err != nil {
		return fmt.Errorf("export: write PFM header: %w", err)
	}
	row := make([]byte, width*3*4)
	for y := height - 1; y >= 0; y-- {
		src := data[y*width*3 : (y+1)*width*3]
		for i, f := range src {
			binary.LittleEndian.PutUint32(row[i*4:], math.Float32bits(f))
		}
		if _, err := bw.Write(row); err != nil {
			return fmt.Errorf("export: write PFM row %d: %w", y, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("export: write PFM: %w", err)
	}
	return nil
}

// EncodeHDR writes a Radiance RGBE image with flat, uncompressed scanlines
// from top to bottom.
func EncodeHDR(w io.Writer, width, height int, data []float32) error {
	if err := Check(width, height, data); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "#?RADIANCE\nFORMAT=32-bit_rle_rgbe\n\n-Y %d +X %d\n", height, width); err != nil {
		return fmt.Errorf("export: write HDR header: %w", err)
	}
	row := make([]byte, width*4)
	for y := range height {
		for x := range width {
			i := (y*width + x) * 3
			rgbe := RGBE(data[i], data[i+1], data[i+2])
			copy(row[x*4:], rgbe[:])
		}
		if _, err := bw.Write(row); err != nil {
			return fmt.Errorf("export: write HDR row %d: %w", y, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("export: write HDR: %w", err)
	}
	return nil
}

// RGBE packs a linear color into shared-exponent form. Negative and NaN
// components are written as zero.
func RGBE(r, g, b float32) [4]byte {
	r, g, b = nonNegative(r), nonNegative(g), nonNegative(b)
	v := max(r, g, b)
	if v < 1e-32 {
		return [4]byte{}
	}
	frac, exp := math.Frexp(float64(v))
	scale := frac * 256 / float64(v)
	return [4]byte{
		byte(float64(r) * scale),
		byte(float64(g) * scale),
		byte(float64(b) * scale),
		byte(exp + 128), //nolint:gosec // G115: exp is in [-106, 127]
	}
}

// maxRGBE keeps the biased exponent within a byte.
const maxRGBE = 1e38

func nonNegative(f float32) float32 {
	if !(f > 0) {
		return 0
	}
	return min(f, maxRGBE)
}

// WritePreview saves a tonemapped 8-bit sRGB preview. The format follows the
// extension: .png, .tif/.tiff or .bmp.
func WritePreview(path string, width, height int, data []float32, exposure float32) error {
	if err := Check(width, height, data); err != nil {
		return err
	}
	var encode func(io.Writer) error
	img := func() *image.NRGBA { return color.ToImage(width, height, data, exposure) }
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".png":
		encode = func(w io.Writer) error { return png.Encode(w, img()) }
	case ".tif", ".tiff":
		encode = func(w io.Writer) error {
			return tiff.Encode(w, img(), &tiff.Options{Compression: tiff.Deflate, Predictor: true})
		}
	case ".bmp":
		encode = func(w io.Writer) error { return bmp.Encode(w, img()) }
	default:
		return fmt.Errorf("%w: preview %q", ErrUnsupportedFormat, ext)
	}
	if err := save(path, func(w io.Writer) error {
		if err := encode(w); err != nil {
			return fmt.Errorf("export: encode preview: %w", err)
		}
		return nil
	}); err != nil {
		return err
	}
	gpu.Logger().Info("export: preview written", "path", path, "exposure", exposure)
	return nil
}

// save writes path through encode. A failed encode leaves no file behind.
func save(path string, encode func(io.Writer) error) error {
	path = filepath.Clean(path)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create file: %w", err)
	}
	err = encode(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return err
	}
	return nil
}
