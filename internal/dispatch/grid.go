// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package dispatch runs the path-tracing kernel over the image in sample
// batches.
//
// Each batch is one compute pass over a grid covering every pixel, submitted
// and waited on before the next batch starts. The kernel folds each batch
// into the image as a running average, so the image after batch b is the
// mean of b+1 batches. After the last batch a readback barrier makes the
// image visible to the host.
package dispatch

import (
	"errors"
	"fmt"
)

// ErrInvalidDimensions is returned for a zero image or workgroup dimension.
var ErrInvalidDimensions = errors.New("dispatch: invalid dimensions")

// Grid returns the workgroup counts covering a width x height image with
// wgWidth x wgHeight workgroups. Partial workgroups at the edges are
// included; the kernel discards out-of-range invocations.
func Grid(width, height, wgWidth, wgHeight uint32) (x, y, z uint32, err error) {
	if width == 0 || height == 0 || wgWidth == 0 || wgHeight == 0 {
		return 0, 0, 0, fmt.Errorf("%w: image %dx%d, workgroup %dx%d",
			ErrInvalidDimensions, width, height, wgWidth, wgHeight)
	}
	return ceilDiv(width, wgWidth), ceilDiv(height, wgHeight), 1, nil
}

func ceilDiv(n, d uint32) uint32 {
	return (n + d - 1) / d
}
