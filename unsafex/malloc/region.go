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

// Package malloc provides allocators that manage caller supplied arenas:
// a first-fit coalescing free list (Region) for general purpose heaps and
// a buddy allocator (PageAllocator) handing out page aligned blocks.
package malloc

import (
	"fmt"
	"unsafe"
)

// fragment is the header of a free span, stored in the span itself.
type fragment struct {
	size uintptr
	next uintptr // 0 terminates the list
}

// the header must fit in the smallest block.
var _ [fragmentSize - unsafe.Sizeof(fragment{})]struct{}

// Span is a half-open address interval [Start, End).
type Span struct {
	Start uintptr
	End   uintptr
}

// Region is a first-fit free list allocator over a single arena.
//
// Free memory is tracked by an address ordered list of fragments whose headers
// live inside the free memory. Adjacent fragments are always merged.
//
// A Region is not safe for concurrent use; wrap it in a Lock.
type Region struct {
	// arena is the memory managed by the region; it is kept referenced so
	// the Go heap never reclaims it.
	arena  []byte
	base   unsafe.Pointer // &arena[0]
	origin uintptr        // address of base

	// start and end bound the usable range, trimmed inward to the granule.
	start uintptr
	end   uintptr

	// head is the address of the lowest free fragment, 0 when none is free.
	head uintptr
	// inited is set once the free list has been materialized by Allocate.
	inited bool
}

// NewRegion creates a Region managing arena.
// The usable range is arena trimmed inward to 16 byte boundaries and must
// hold at least one 16 byte fragment. The free list is built lazily.
func NewRegion(arena []byte) (*Region, error) {
	if len(arena) == 0 {
		return nil, fmt.Errorf("malloc: empty arena")
	}
	base := unsafe.Pointer(&arena[0])
	origin := uintptr(base)
	start := alignUp(origin, fragmentSize)
	end := (origin + uintptr(len(arena))) &^ fragmentMask
	if end < start || end-start < fragmentSize {
		return nil, fmt.Errorf("malloc: arena of %d bytes cannot hold a %d byte fragment", len(arena), fragmentSize)
	}
	return &Region{
		arena:  arena,
		base:   base,
		origin: origin,
		start:  start,
		end:    end,
	}, nil
}

// Start returns the first address managed by r.
func (r *Region) Start() uintptr { return r.start }

// End returns the address just past the range managed by r.
func (r *Region) End() uintptr { return r.end }

func (r *Region) fragmentAt(addr uintptr) *fragment {
	return (*fragment)(unsafe.Add(r.base, addr-r.origin))
}

func (r *Region) pointer(addr uintptr) unsafe.Pointer {
	return unsafe.Add(r.base, addr-r.origin)
}

func (r *Region) bytes(addr, n uintptr) []byte {
	off := addr - r.origin
	return r.arena[off : off+n : off+n]
}

func (r *Region) init() {
	if r.inited {
		return
	}
	*r.fragmentAt(r.start) = fragment{size: r.end - r.start}
	r.head = r.start
	r.inited = true
	log().Debug("malloc: free list initialized", "start", r.start, "size", r.end-r.start)
}

func (r *Region) mustBeInited(op string) {
	if !r.inited {
		panic("malloc: " + op + " on an uninitialized region")
	}
}

func (r *Region) mustOwn(addr, size uintptr) {
	if addr < r.start || addr >= r.end || addr&fragmentMask != 0 || size > r.end-addr {
		panic(fmt.Sprintf("malloc: block %#x+%#x outside region [%#x, %#x)", addr, size, r.start, r.end))
	}
}

// link makes next follow prev, or the head when prev is 0.
func (r *Region) link(prev, next uintptr) {
	if prev != 0 {
		r.fragmentAt(prev).next = next
	} else {
		r.head = next
	}
}

// Allocate returns the address of a block satisfying layout.
// It returns ErrOutOfMemory, leaving the free list untouched, when no
// fragment is large enough, and panics on an alignment that is not a power
// of two.
func (r *Region) Allocate(layout Layout) (uintptr, error) {
	l := layout.normalize()
	r.init()
	if l.Size > r.end-r.start {
		return 0, ErrOutOfMemory
	}
	// first fit: the first fragment holding an aligned block of l.Size.
	var prev uintptr
	cur := r.head
	for cur != 0 {
		f := r.fragmentAt(cur)
		if cur+f.size >= alignUp(cur, l.Align)+l.Size {
			break
		}
		prev, cur = cur, f.next
	}
	if cur == 0 {
		return 0, ErrOutOfMemory
	}

	f := r.fragmentAt(cur)
	end := cur + f.size
	base := alignUp(cur, l.Align)
	top := base + l.Size
	// the tail after the block becomes a fragment of its own.
	if top < end {
		*r.fragmentAt(top) = fragment{size: end - top, next: f.next}
		f.next = top
	}
	// the leading gap stays in place, or the fragment goes away when empty.
	f.size = base - cur
	if f.size == 0 {
		r.link(prev, f.next)
	}
	return base, nil
}

// Deallocate returns the block at addr, allocated with layout, to the free
// list, merging it with free neighbours.
func (r *Region) Deallocate(addr uintptr, layout Layout) {
	l := layout.normalize()
	r.mustBeInited("deallocate")
	r.mustOwn(addr, l.Size)

	top := addr + l.Size
	var prev uintptr
	next := r.head
	for next != 0 && next < addr {
		prev, next = next, r.fragmentAt(next).next
	}

	// merge forward into the following fragment, then backward into the
	// preceding one.
	cur := r.fragmentAt(addr)
	if next != 0 && next == top {
		nf := r.fragmentAt(next)
		*cur = fragment{size: l.Size + nf.size, next: nf.next}
	} else {
		*cur = fragment{size: l.Size, next: next}
	}
	if prev == 0 {
		r.head = addr
		return
	}
	pf := r.fragmentAt(prev)
	if prev+pf.size == addr {
		pf.size += cur.size
		pf.next = cur.next
	} else {
		pf.next = addr
	}
}

// neighbours returns the last fragment below addr and the first one above it.
func (r *Region) neighbours(addr uintptr) (prev, next uintptr) {
	next = r.head
	for next != 0 && next <= addr {
		prev, next = next, r.fragmentAt(next).next
	}
	return prev, next
}

// Fragments returns a snapshot of the free list.
func (r *Region) Fragments() []Span {
	if !r.inited {
		return []Span{{Start: r.start, End: r.end}}
	}
	var spans []Span
	for cur := r.head; cur != 0; cur = r.fragmentAt(cur).next {
		spans = append(spans, Span{Start: cur, End: cur + r.fragmentAt(cur).size})
	}
	return spans
}

// Verify walks the free list and reports the first broken invariant.
func (r *Region) Verify() error {
	if !r.inited {
		return nil
	}
	var last Span
	for cur := r.head; cur != 0; cur = r.fragmentAt(cur).next {
		f := r.fragmentAt(cur)
		switch {
		case cur < r.start || cur >= r.end:
			return fmt.Errorf("malloc: fragment %#x outside region", cur)
		case cur&fragmentMask != 0:
			return fmt.Errorf("malloc: fragment %#x misaligned", cur)
		case f.size < fragmentSize || f.size&fragmentMask != 0:
			return fmt.Errorf("malloc: fragment %#x has bad size %#x", cur, f.size)
		case f.size > r.end-cur:
			return fmt.Errorf("malloc: fragment %#x+%#x overflows region", cur, f.size)
		case last.End != 0 && cur < last.End:
			return fmt.Errorf("malloc: fragment %#x overlaps or precedes %#x", cur, last.Start)
		case last.End != 0 && cur == last.End:
			return fmt.Errorf("malloc: fragments %#x and %#x are adjacent", last.Start, cur)
		}
		last = Span{Start: cur, End: cur + f.size}
	}
	return nil
}
