package pathtracer

import (
	"github.com/gogpu/pathtracer/internal/export"
)

// Image is a rendered float RGB image, row-major from the top-left pixel.
type Image struct {
	Width  int
	Height int

	// Pixels holds Width*Height*3 values.
	Pixels []float32

	Stats RenderStats
}

// At returns the color of pixel (x, y).
func (img *Image) At(x, y int) (r, g, b float32) {
	i := (y*img.Width + x) * 3
	return img.Pixels[i], img.Pixels[i+1], img.Pixels[i+2]
}

// WriteFile saves the image without tonemapping: Radiance HDR for .hdr,
// PFM for .pfm or no extension.
func (img *Image) WriteFile(path string) error {
	return export.Write(path, img.Width, img.Height, img.Pixels)
}

// WritePreview saves a tonemapped 8-bit preview as PNG, TIFF or BMP.
func (img *Image) WritePreview(path string, exposure float32) error {
	return export.WritePreview(path, img.Width, img.Height, img.Pixels, exposure)
}
