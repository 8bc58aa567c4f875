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

import "github.com/bytedance/gopkg/lang/mcache"

// Grow resizes the block at addr from oldLayout to the larger newLayout and
// returns its possibly moved address. The first oldLayout.Size bytes are kept.
//
// In order of preference the block is extended into the following fragment,
// shifted down into the preceding fragment, or copied to a new block. On
// ErrOutOfMemory the original block is left valid and unchanged.
func (r *Region) Grow(addr uintptr, oldLayout, newLayout Layout) (uintptr, error) {
	old, l := oldLayout.normalize(), newLayout.normalize()
	if l.Size < old.Size {
		panic("malloc: grow to a smaller size")
	}
	r.mustBeInited("grow")
	r.mustOwn(addr, old.Size)
	aligned := addr&(l.Align-1) == 0
	if l.Size == old.Size && aligned {
		return addr, nil
	}

	// 1. extend in place into the following fragment.
	prev, next := r.neighbours(addr)
	top := addr + old.Size
	newTop := addr + l.Size
	if aligned && next != 0 && next == top {
		nf := r.fragmentAt(next)
		extra := newTop - top
		switch {
		case extra < nf.size:
			rest := fragment{size: nf.size - extra, next: nf.next}
			*r.fragmentAt(newTop) = rest
			r.link(prev, newTop)
			return addr, nil
		case extra == nf.size:
			r.link(prev, nf.next)
			return addr, nil
		}
	}
	// 2. shift down through the preceding fragment.
	if moved, ok := r.shift(addr, prev, next, old, l, old.Size); ok {
		return moved, nil
	}
	// 3. copy to a new block.
	return r.relocate(addr, old, l, old.Size)
}

// Shrink resizes the block at addr from oldLayout to the smaller newLayout
// and returns its possibly moved address. The first newLayout.Size bytes are
// kept. When the base already satisfies the new alignment the tail is
// released in place.
func (r *Region) Shrink(addr uintptr, oldLayout, newLayout Layout) (uintptr, error) {
	old, l := oldLayout.normalize(), newLayout.normalize()
	if l.Size >= old.Size {
		panic("malloc: shrink to a larger or equal size")
	}
	r.mustBeInited("shrink")
	r.mustOwn(addr, old.Size)

	// the base is kept: give the tail back.
	if addr&(l.Align-1) == 0 {
		r.Deallocate(addr+l.Size, Layout{Size: old.Size - l.Size, Align: fragmentSize})
		return addr, nil
	}
	prev, next := r.neighbours(addr)
	if moved, ok := r.shift(addr, prev, next, old, l, l.Size); ok {
		return moved, nil
	}
	return r.relocate(addr, old, l, l.Size)
}

// shift moves the block into the free space formed by the adjacent preceding
// fragment, the block itself and an adjacent following fragment, if the new
// layout fits there. keep bytes are carried over.
func (r *Region) shift(addr, prev, next uintptr, old, l Layout, keep uintptr) (uintptr, bool) {
	if prev == 0 || prev+r.fragmentAt(prev).size != addr {
		return 0, false
	}
	top := addr + old.Size
	end := top
	if next != 0 && next == top {
		end += r.fragmentAt(next).size
	}
	// the merged span is [prev, end).
	start := alignUp(prev, l.Align)
	if start > end || end-start < l.Size {
		return 0, false
	}

	// Deallocate and Allocate write fragment headers inside the old block,
	// so the kept bytes are staged outside the region.
	scratch := mcache.Malloc(int(keep))
	copy(scratch, r.bytes(addr, keep))
	r.Deallocate(addr, old)
	moved, err := r.Allocate(l)
	if err != nil {
		panic("malloc: merged neighbours cannot hold a block they were sized for")
	}
	copy(r.bytes(moved, keep), scratch)
	mcache.Free(scratch)
	return moved, true
}

// relocate copies keep bytes into a fresh block and frees the old one.
func (r *Region) relocate(addr uintptr, old, l Layout, keep uintptr) (uintptr, error) {
	moved, err := r.Allocate(l)
	if err != nil {
		return 0, err
	}
	copy(r.bytes(moved, keep), r.bytes(addr, keep))
	r.Deallocate(addr, old)
	return moved, nil
}
