/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"errors"
	"fmt"
	"math/rand"
	"unsafe"

	"github.com/bytedance/gopkg/util/xxhash3"

	"github.com/cloudwego/heapkit/unsafex/malloc"
)

var aligns = []uintptr{1, 8, 16, 64, 256, malloc.PageSize}

type block struct {
	buf    []byte
	layout malloc.Layout
	sum    uint64 // xxhash3 of buf[:layout.Size]
}

type workerStats struct {
	allocs      int
	frees       int
	grows       int
	shrinks     int
	outOfMemory int
	verified    int
}

// worker owns its live blocks; only the region is shared.
type worker struct {
	id       int
	rng      *rand.Rand
	heap     malloc.Alloc
	lock     *malloc.Lock
	maxAlloc int

	live  []block
	stats workerStats
}

func newWorker(id int, seed int64, heap malloc.Alloc, lock *malloc.Lock, maxAlloc int) *worker {
	return &worker{
		id:       id,
		rng:      rand.New(rand.NewSource(seed)),
		heap:     heap,
		lock:     lock,
		maxAlloc: maxAlloc,
	}
}

func (w *worker) run(ops int) error {
	for i := 0; i < ops; i++ {
		if err := w.step(); err != nil {
			return fmt.Errorf("worker %d step %d: %w", w.id, i, err)
		}
	}
	for len(w.live) > 0 {
		if err := w.free(len(w.live) - 1); err != nil {
			return fmt.Errorf("worker %d drain: %w", w.id, err)
		}
	}
	logger.Debug("worker done", "id", w.id, "allocs", w.stats.allocs, "oom", w.stats.outOfMemory)
	return w.verify()
}

func (w *worker) step() error {
	var err error
	switch op := w.rng.Intn(10); {
	case len(w.live) == 0 || op < 4:
		err = w.allocate()
	case op < 6:
		err = w.free(w.rng.Intn(len(w.live)))
	case op < 8:
		err = w.grow(w.rng.Intn(len(w.live)))
	default:
		err = w.shrink(w.rng.Intn(len(w.live)))
	}
	if err != nil {
		return err
	}
	return w.verify()
}

func (w *worker) verify() error {
	r := w.lock.Lock()
	err := r.Verify()
	w.lock.Unlock()
	if err != nil {
		return err
	}
	w.stats.verified++
	return nil
}

func (w *worker) randomAlign() uintptr {
	return aligns[w.rng.Intn(len(aligns))]
}

func (w *worker) allocate() error {
	l := malloc.Layout{Size: uintptr(w.rng.Intn(w.maxAlloc + 1)), Align: w.randomAlign()}
	buf, err := w.heap.Allocate(l)
	if errors.Is(err, malloc.ErrOutOfMemory) {
		w.stats.outOfMemory++
		return nil
	}
	if err != nil {
		return err
	}
	if err := checkAligned(buf, l); err != nil {
		return err
	}
	w.stats.allocs++
	w.live = append(w.live, block{buf: buf, layout: l, sum: w.fill(buf[:l.Size])})
	return nil
}

func (w *worker) free(idx int) error {
	b := w.live[idx]
	if err := b.check(); err != nil {
		return err
	}
	w.heap.Deallocate(b.buf, b.layout)
	w.live[idx] = w.live[len(w.live)-1]
	w.live = w.live[:len(w.live)-1]
	w.stats.frees++
	return nil
}

func (w *worker) grow(idx int) error {
	b := &w.live[idx]
	if err := b.check(); err != nil {
		return err
	}
	l := malloc.Layout{Size: b.layout.Size + uintptr(w.rng.Intn(w.maxAlloc)), Align: b.layout.Align}
	if w.rng.Intn(4) == 0 {
		l.Align = w.randomAlign()
	}
	buf, err := w.heap.Grow(b.buf, b.layout, l)
	if errors.Is(err, malloc.ErrOutOfMemory) {
		w.stats.outOfMemory++
		return b.check()
	}
	if err != nil {
		return err
	}
	if err := checkAligned(buf, l); err != nil {
		return err
	}
	if got := xxhash3.Hash(buf[:b.layout.Size]); got != b.sum {
		return fmt.Errorf("grow %d->%d lost data: checksum %#x, want %#x", b.layout.Size, l.Size, got, b.sum)
	}
	w.fill(buf[b.layout.Size:l.Size])
	*b = block{buf: buf, layout: l, sum: xxhash3.Hash(buf[:l.Size])}
	w.stats.grows++
	return nil
}

func (w *worker) shrink(idx int) error {
	b := &w.live[idx]
	if err := b.check(); err != nil {
		return err
	}
	if b.layout.Size == 0 {
		return nil
	}
	l := malloc.Layout{Size: uintptr(w.rng.Intn(int(b.layout.Size))), Align: b.layout.Align}
	if w.rng.Intn(4) == 0 {
		l.Align = w.randomAlign()
	}
	want := xxhash3.Hash(b.buf[:l.Size])
	buf, err := w.heap.Shrink(b.buf, b.layout, l)
	if errors.Is(err, malloc.ErrOutOfMemory) {
		w.stats.outOfMemory++
		return b.check()
	}
	if err != nil {
		return err
	}
	if err := checkAligned(buf, l); err != nil {
		return err
	}
	if got := xxhash3.Hash(buf[:l.Size]); got != want {
		return fmt.Errorf("shrink %d->%d lost data: checksum %#x, want %#x", b.layout.Size, l.Size, got, want)
	}
	*b = block{buf: buf, layout: l, sum: want}
	w.stats.shrinks++
	return nil
}

func (w *worker) fill(p []byte) uint64 {
	w.rng.Read(p)
	return xxhash3.Hash(p)
}

func (b *block) check() error {
	if got := xxhash3.Hash(b.buf[:b.layout.Size]); got != b.sum {
		return fmt.Errorf("block %p+%d corrupted: checksum %#x, want %#x", unsafe.SliceData(b.buf), b.layout.Size, got, b.sum)
	}
	return nil
}

func checkAligned(buf []byte, l malloc.Layout) error {
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	if addr&(l.Align-1) != 0 || addr&(malloc.Align16-1) != 0 {
		return fmt.Errorf("block %#x not aligned to %d", addr, l.Align)
	}
	if uintptr(len(buf)) < l.Size {
		return fmt.Errorf("block %#x has %d bytes, want %d", addr, len(buf), l.Size)
	}
	return nil
}
