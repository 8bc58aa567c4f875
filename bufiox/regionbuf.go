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

package bufiox

import (
	"errors"
	"fmt"
	"io"
	"math/bits"

	"github.com/cloudwego/heapkit/unsafex/malloc"
)

const (
	// defaultRegionBufSize is the first block a RegionWriter allocates.
	defaultRegionBufSize = 4 << 10

	// maxRetainedRegionBuf is the largest block kept across Flush;
	// anything bigger is shrunk back to defaultRegionBufSize.
	maxRetainedRegionBuf = 64 << 10

	regionBufAlign = 16
)

var errNegativeCount = errors.New("bufiox: negative count")

var _ Writer = &RegionWriter{}

// RegionWriter is a Writer whose buffer lives in a malloc region.
// The buffer is one contiguous block which grows through the allocator,
// in place whenever the memory after it is free.
//
// Release must be called to give the block back. A RegionWriter is not
// safe for concurrent use.
type RegionWriter struct {
	alloc malloc.Allocator
	wd    io.Writer

	buf    []byte // whole block, len(buf) is its capacity
	layout malloc.Layout
	wl     int

	err error // sticky write error of wd
}

// NewRegionWriter returns a RegionWriter buffering into memory from alloc
// and flushing to wd.
func NewRegionWriter(wd io.Writer, alloc malloc.Allocator) *RegionWriter {
	return &RegionWriter{alloc: alloc, wd: wd}
}

func (w *RegionWriter) acquire(n int) error {
	need := w.wl + n
	if need <= len(w.buf) {
		return nil
	}
	size := defaultRegionBufSize
	if need > size {
		size = 1 << bits.Len(uint(need-1))
	}
	l := malloc.Layout{Size: uintptr(size), Align: regionBufAlign}
	var (
		buf []byte
		err error
	)
	if w.buf == nil {
		buf, err = w.alloc.Allocate(l)
	} else {
		buf, err = w.alloc.Grow(w.buf, w.layout, l)
	}
	if err != nil {
		return fmt.Errorf("bufiox: grow buffer to %d bytes: %w", size, err)
	}
	w.buf, w.layout = buf, l
	return nil
}

func (w *RegionWriter) Malloc(n int) (buf []byte, err error) {
	if w.err != nil {
		return nil, w.err
	}
	if n < 0 {
		return nil, errNegativeCount
	}
	if err = w.acquire(n); err != nil {
		return nil, err
	}
	buf = w.buf[w.wl : w.wl+n : w.wl+n]
	w.wl += n
	return buf, nil
}

func (w *RegionWriter) WriteBinary(bs []byte) (n int, err error) {
	if w.err != nil {
		return 0, w.err
	}
	if err = w.acquire(len(bs)); err != nil {
		return 0, err
	}
	n = copy(w.buf[w.wl:], bs)
	w.wl += n
	return n, nil
}

func (w *RegionWriter) WrittenLen() int {
	return w.wl
}

func (w *RegionWriter) Flush() (err error) {
	if w.err != nil {
		return w.err
	}
	if w.wl == 0 {
		return nil
	}
	if _, err = w.wd.Write(w.buf[:w.wl]); err != nil {
		w.err = err
		return err
	}
	w.wl = 0
	if len(w.buf) > maxRetainedRegionBuf {
		w.trim()
	}
	return nil
}

func (w *RegionWriter) trim() {
	l := malloc.Layout{Size: defaultRegionBufSize, Align: regionBufAlign}
	buf, err := w.alloc.Shrink(w.buf, w.layout, l)
	if err != nil {
		w.Release()
		return
	}
	w.buf, w.layout = buf, l
}

// Release discards buffered data and returns the block to the allocator.
// The writer may be reused afterwards.
func (w *RegionWriter) Release() {
	if w.buf != nil {
		w.alloc.Deallocate(w.buf, w.layout)
	}
	w.buf = nil
	w.layout = malloc.Layout{}
	w.wl = 0
}
