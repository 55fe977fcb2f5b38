// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package dispatch

// Accumulate folds sample into stored as batch number batch of a running
// average, the same recurrence the kernel applies per pixel:
//
//	batch 0:  stored = sample
//	batch b:  stored = (stored*b + sample) / (b+1)
//
// Both slices must have the same length.
func Accumulate(stored, sample []float32, batch uint32) {
	if batch == 0 {
		copy(stored, sample)
		return
	}
	b := float32(batch)
	for i, s := range sample {
		stored[i] = (stored[i]*b + s) / (b + 1)
	}
}

// Mean returns the running average of batches computed with Accumulate.
// The result differs from the exact arithmetic mean only by float32
// rounding.
func Mean(batches [][]float32) []float32 {
	if len(batches) == 0 {
		return nil
	}
	out := make([]float32, len(batches[0]))
	for b, sample := range batches {
		Accumulate(out, sample, uint32(b)) //nolint:gosec // G115: batch count fits uint32
	}
	return out
}
