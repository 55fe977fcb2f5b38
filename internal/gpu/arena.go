// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpu

import (
	"errors"
	"sync"
)

// Releaser is anything with single-owner release semantics.
type Releaser interface {
	Release() error
}

// ReleaseFunc adapts a function to Releaser.
type ReleaseFunc func() error

// Release calls f.
func (f ReleaseFunc) Release() error { return f() }

// Arena owns the resources of one render session and releases them in the
// reverse order of their creation.
type Arena struct {
	mu    sync.Mutex
	items []arenaItem
}

type arenaItem struct {
	name string
	r    Releaser
}

// Own records r under name. Nil releasers are ignored.
func (a *Arena) Own(name string, r Releaser) {
	if r == nil {
		return
	}
	a.mu.Lock()
	a.items = append(a.items, arenaItem{name: name, r: r})
	a.mu.Unlock()
}

// Len returns the number of owned resources.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items)
}

// Release releases everything newest first and joins the errors.
func (a *Arena) Release() error {
	a.mu.Lock()
	items := a.items
	a.items = nil
	a.mu.Unlock()

	var errs []error
	for i := len(items) - 1; i >= 0; i-- {
		if err := items[i].r.Release(); err != nil {
			slogger().Warn("gpu: release failed", "resource", items[i].name, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
