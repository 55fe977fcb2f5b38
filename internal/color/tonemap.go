package color

import (
	"image"
	imgcolor "image/color"
)

// ACES applies the Narkowicz fit of the ACES filmic curve. The result is in
// [0, 1] for non-negative input.
func ACES(x float32) float32 {
	const (
		a = 2.51
		b = 0.03
		c = 2.43
		d = 0.59
		e = 0.14
	)
	if !(x > 0) {
		return 0
	}
	v := (x * (a*x + b)) / (x*(c*x+d) + e)
	if v > 1 {
		return 1
	}
	return v
}

// Tonemap converts one linear RGB triple to an opaque sRGB color.
func Tonemap(r, g, b, exposure float32) imgcolor.NRGBA {
	return imgcolor.NRGBA{
		R: LinearToSRGBFast(ACES(r * exposure)),
		G: LinearToSRGBFast(ACES(g * exposure)),
		B: LinearToSRGBFast(ACES(b * exposure)),
		A: 255,
	}
}

// ToImage tonemaps a row-major, top-to-bottom RGB float image of
// width*height*3 values. The caller checks the length.
func ToImage(width, height int, rgb []float32, exposure float32) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			i := (y*width + x) * 3
			img.SetNRGBA(x, y, Tonemap(rgb[i], rgb[i+1], rgb[i+2], exposure))
		}
	}
	return img
}
