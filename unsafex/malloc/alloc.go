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

package malloc

import (
	"fmt"
	"unsafe"
)

// Supported minimum alignments of an Alloc front-end.
const (
	Align16   uintptr = 0x10
	Align64   uintptr = 0x40
	AlignPage uintptr = 0x1000
	AlignHuge uintptr = 0x200000
)

// GlobalAllocator is the process allocator hook. Out of memory is reported
// as a nil pointer.
type GlobalAllocator interface {
	Alloc(size, align uintptr) unsafe.Pointer
	Dealloc(p unsafe.Pointer, size, align uintptr)
	// Realloc grows or shrinks the block at p to newSize keeping align.
	Realloc(p unsafe.Pointer, size, align, newSize uintptr) unsafe.Pointer
}

// Allocator is the fallible allocator hook for containers that want to
// recover from ErrOutOfMemory.
//
// The slices passed back must be the ones returned, not reslices of them.
type Allocator interface {
	Allocate(layout Layout) ([]byte, error)
	Deallocate(b []byte, layout Layout)
	Grow(b []byte, oldLayout, newLayout Layout) ([]byte, error)
	Shrink(b []byte, oldLayout, newLayout Layout) ([]byte, error)
}

var (
	_ GlobalAllocator = Alloc{}
	_ Allocator       = Alloc{}
)

// Alloc is a front-end to a locked Region that raises every alignment to a
// configured minimum. It is a small value and may be copied freely.
type Alloc struct {
	region *Lock
	align  uintptr
}

// WithRegion returns a front-end to region with the given minimum alignment,
// which must be one of Align16, Align64, AlignPage or AlignHuge.
func WithRegion(region *Lock, align uintptr) Alloc {
	switch align {
	case Align16, Align64, AlignPage, AlignHuge:
	default:
		panic(fmt.Sprintf("malloc: unsupported front-end alignment %#x", align))
	}
	return Alloc{region: region, align: align}
}

func (a Alloc) layout(l Layout) Layout {
	if l.Align < a.align {
		l.Align = a.align
	}
	return l
}

func (a Alloc) allocate(l Layout) (unsafe.Pointer, uintptr, error) {
	l = a.layout(l)
	r := a.region.Lock()
	defer a.region.Unlock()
	addr, err := r.Allocate(l)
	if err != nil {
		log().Debug("malloc: allocation failed", "size", l.Size, "align", l.Align)
		return nil, 0, err
	}
	return r.pointer(addr), l.normalize().Size, nil
}

func (a Alloc) deallocate(p unsafe.Pointer, l Layout) {
	l = a.layout(l)
	r := a.region.Lock()
	defer a.region.Unlock()
	r.Deallocate(uintptr(p), l)
}

// resize dispatches on the normalized sizes, so a request that only differs
// below the granule never reaches Shrink.
func (a Alloc) resize(p unsafe.Pointer, old, l Layout) (unsafe.Pointer, uintptr, error) {
	old, l = a.layout(old), a.layout(l)
	r := a.region.Lock()
	defer a.region.Unlock()
	var (
		addr uintptr
		err  error
	)
	if l.normalize().Size >= old.normalize().Size {
		addr, err = r.Grow(uintptr(p), old, l)
	} else {
		addr, err = r.Shrink(uintptr(p), old, l)
	}
	if err != nil {
		log().Debug("malloc: resize failed", "from", old.Size, "to", l.Size, "align", l.Align)
		return nil, 0, err
	}
	return r.pointer(addr), l.normalize().Size, nil
}

// Alloc implements GlobalAllocator.
func (a Alloc) Alloc(size, align uintptr) unsafe.Pointer {
	p, _, _ := a.allocate(mustLayout(size, align))
	return p
}

// Dealloc implements GlobalAllocator.
func (a Alloc) Dealloc(p unsafe.Pointer, size, align uintptr) {
	a.deallocate(p, mustLayout(size, align))
}

// Realloc implements GlobalAllocator.
func (a Alloc) Realloc(p unsafe.Pointer, size, align, newSize uintptr) unsafe.Pointer {
	p, _, _ = a.resize(p, mustLayout(size, align), mustLayout(newSize, align))
	return p
}

// Allocate implements Allocator. The returned slice spans the whole granted
// block, so its length is the request rounded up to 16 bytes.
func (a Alloc) Allocate(layout Layout) ([]byte, error) {
	p, n, err := a.allocate(layout)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), n), nil
}

// Deallocate implements Allocator.
func (a Alloc) Deallocate(b []byte, layout Layout) {
	a.deallocate(unsafe.Pointer(unsafe.SliceData(b)), layout)
}

// Grow implements Allocator.
func (a Alloc) Grow(b []byte, oldLayout, newLayout Layout) ([]byte, error) {
	if a.layout(newLayout).normalize().Size < a.layout(oldLayout).normalize().Size {
		panic("malloc: grow to a smaller size")
	}
	return a.resizeSlice(b, oldLayout, newLayout)
}

// Shrink implements Allocator.
func (a Alloc) Shrink(b []byte, oldLayout, newLayout Layout) ([]byte, error) {
	if a.layout(newLayout).normalize().Size > a.layout(oldLayout).normalize().Size {
		panic("malloc: shrink to a larger size")
	}
	return a.resizeSlice(b, oldLayout, newLayout)
}

func (a Alloc) resizeSlice(b []byte, old, l Layout) ([]byte, error) {
	p, n, err := a.resize(unsafe.Pointer(unsafe.SliceData(b)), old, l)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), n), nil
}
