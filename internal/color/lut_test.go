package color

import (
	"math"
	"testing"
)

// TestLinearToSRGBAccuracy tests that the LUT matches the math.Pow version.
func TestLinearToSRGBAccuracy(t *testing.T) {
	maxError := 0
	for i := 0; i <= 1000; i++ {
		linear := float32(i) / 1000.0
		diff := int(LinearToSRGBFast(linear)) - int(LinearToSRGBSlow(linear))
		if diff < 0 {
			diff = -diff
		}
		maxError = max(maxError, diff)
	}
	t.Logf("Max Linear→sRGB error: %d bytes (out of 255)", maxError)
	// 12-bit LUT rounding allows 1 byte.
	if maxError > 1 {
		t.Errorf("Maximum error %d exceeds threshold of 1", maxError)
	}
}

func TestLinearToSRGBClamp(t *testing.T) {
	tests := []struct {
		in   float32
		want uint8
	}{
		{-1, 0},
		{0, 0},
		{1, 255},
		{42, 255},
		{float32(math.NaN()), 0},
		{float32(math.Inf(1)), 255},
	}
	for _, tt := range tests {
		if got := LinearToSRGBFast(tt.in); got != tt.want {
			t.Errorf("LinearToSRGBFast(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestACES(t *testing.T) {
	if got := ACES(0); got != 0 {
		t.Errorf("ACES(0) = %v, want 0", got)
	}
	if got := ACES(-3); got != 0 {
		t.Errorf("ACES(-3) = %v, want 0", got)
	}
	if got := ACES(1000); got != 1 {
		t.Errorf("ACES(1000) = %v, want 1", got)
	}
	prev := float32(0)
	for i := 1; i <= 100; i++ {
		v := ACES(float32(i) / 10)
		if v < prev {
			t.Fatalf("ACES not monotonic at %v: %v < %v", float32(i)/10, v, prev)
		}
		prev = v
	}
}

func TestToImage(t *testing.T) {
	rgb := []float32{
		0, 0, 0, 100, 100, 100,
		1, 0, 0, 0, 0, 1,
	}
	img := ToImage(2, 2, rgb, 1)
	if b := img.Bounds(); b.Dx() != 2 || b.Dy() != 2 {
		t.Fatalf("bounds = %v", b)
	}
	if c := img.NRGBAAt(0, 0); c.R != 0 || c.G != 0 || c.B != 0 || c.A != 255 {
		t.Errorf("black pixel = %v", c)
	}
	if c := img.NRGBAAt(1, 0); c.R != 255 || c.G != 255 || c.B != 255 {
		t.Errorf("bright pixel = %v, want white", c)
	}
	if c := img.NRGBAAt(0, 1); c.R == 0 || c.G != 0 || c.B != 0 {
		t.Errorf("red pixel = %v", c)
	}
	if c := img.NRGBAAt(1, 1); c.B == 0 || c.R != 0 {
		t.Errorf("blue pixel = %v", c)
	}
	dark := ToImage(2, 2, rgb, 0)
	if c := dark.NRGBAAt(1, 0); c.R != 0 {
		t.Errorf("zero exposure pixel = %v, want black", c)
	}
}
