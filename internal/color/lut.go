// Package color turns linear radiance into displayable 8-bit sRGB.
//
// Rendered images are linear and unbounded. Preview output first scales by
// exposure, compresses with the ACES filmic curve and then encodes to sRGB
// through a lookup table, replacing a math.Pow per channel with an array
// lookup.
//
// References:
//   - sRGB specification: https://www.w3.org/Graphics/Color/sRGB
//   - ACES fit: https://knarkowicz.wordpress.com/2016/01/06/aces-filmic-tone-mapping-curve/
package color

import "math"

// linearToSRGBLUT encodes linear [0.0-1.0] to sRGB bytes.
// Uses 4096 entries for 12-bit precision (sufficient for 8-bit sRGB).
var linearToSRGBLUT [4096]uint8

func init() {
	for i := range linearToSRGBLUT {
		linearToSRGBLUT[i] = encodeSlow(float64(i) / 4095.0)
	}
}

// LinearToSRGBFast converts a linear value to an sRGB byte using the lookup
// table. Input is clamped to [0.0, 1.0].
//
// Example:
//
//	s := LinearToSRGBFast(0.5) // 188 (not 128!)
func LinearToSRGBFast(l float32) uint8 {
	if !(l > 0) { // also catches NaN
		return 0
	}
	if l > 1 {
		l = 1
	}
	index := int(l*4095.0 + 0.5)
	if index > 4095 {
		index = 4095
	}
	return linearToSRGBLUT[index]
}

// LinearToSRGBSlow converts a linear value to an sRGB byte using math.Pow.
// Reference implementation for tests.
func LinearToSRGBSlow(l float32) uint8 {
	lf := float64(l)
	if !(lf > 0) {
		lf = 0
	}
	if lf > 1 {
		lf = 1
	}
	return encodeSlow(lf)
}

func encodeSlow(l float64) uint8 {
	var s float64
	if l <= 0.0031308 {
		s = l * 12.92
	} else {
		s = 1.055*math.Pow(l, 1.0/2.4) - 0.055
	}
	srgb := int(s*255.0 + 0.5)
	if srgb < 0 {
		srgb = 0
	}
	if srgb > 255 {
		srgb = 255
	}
	//nolint:gosec // G115: srgb is clamped to [0,255] range
	return uint8(srgb)
}
