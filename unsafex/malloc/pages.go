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
	"math/bits"
	"sync"
	"unsafe"
)

const (
	// PageSize is the default page granule of a PageAllocator.
	PageSize = 4 << 10

	// DefaultMaxPageBlock is the default largest block of a PageAllocator.
	DefaultMaxPageBlock = 1 << 20
)

// PageAllocator is a buddy allocator handing out page aligned blocks whose
// sizes are powers of two between the page size and a maximum block size.
//
// Blocks carry no header: a block is identified by its address and its
// capacity, so callers must return exactly the slice they got.
// It is safe for concurrent use.
type PageAllocator struct {
	mu sync.Mutex

	arena      []byte
	arenaStart uintptr

	// freeLists[o] holds the offsets of free blocks of pageSize<<o bytes.
	freeLists [][]int

	// needsCoalesce is set when a free may have created mergeable buddies.
	needsCoalesce bool

	pageSize      int
	pageShift     int
	maxBlockSize  int
	maxBlockOrder int
}

// NewPageAllocator creates a PageAllocator over a fresh page aligned arena of
// size bytes, which must be a multiple of maxBlock.
func NewPageAllocator(size, maxBlock int) (*PageAllocator, error) {
	arena, err := NewArena(size, PageSize)
	if err != nil {
		return nil, err
	}
	return NewPageAllocatorWithBlockSize(arena, PageSize, maxBlock)
}

// NewPageAllocatorWithBlockSize creates a PageAllocator over arena.
// page and maxBlock must be powers of two with page <= maxBlock, the arena
// must start on a page boundary and its size must be a multiple of maxBlock.
func NewPageAllocatorWithBlockSize(arena []byte, page, maxBlock int) (*PageAllocator, error) {
	if page < fragmentSize || page&(page-1) != 0 {
		return nil, fmt.Errorf("malloc: page size must be a power of two >= %d, got %d", fragmentSize, page)
	}
	if maxBlock <= 0 || maxBlock&(maxBlock-1) != 0 {
		return nil, fmt.Errorf("malloc: max block size must be a power of two, got %d", maxBlock)
	}
	if page > maxBlock {
		return nil, fmt.Errorf("malloc: page size (%d) must be <= max block size (%d)", page, maxBlock)
	}
	total := len(arena)
	if total < maxBlock || total%maxBlock != 0 {
		return nil, fmt.Errorf("malloc: page arena must be a non-zero multiple of %d bytes, got %d", maxBlock, total)
	}
	start := uintptr(unsafe.Pointer(&arena[0]))
	if start&uintptr(page-1) != 0 {
		return nil, fmt.Errorf("malloc: page arena at %#x is not aligned to %d", start, page)
	}

	pageShift := bits.TrailingZeros(uint(page))
	maxOrder := bits.TrailingZeros(uint(maxBlock)) - pageShift
	a := &PageAllocator{
		arena:         arena,
		arenaStart:    start,
		freeLists:     make([][]int, maxOrder+1),
		pageSize:      page,
		pageShift:     pageShift,
		maxBlockSize:  maxBlock,
		maxBlockOrder: maxOrder,
	}
	a.reset()
	return a, nil
}

// Alloc returns a block of at least size bytes. The block is uninitialized
// and its length and capacity are the block size.
func (a *PageAllocator) Alloc(size int) ([]byte, error) {
	if size <= 0 || size > a.maxBlockSize {
		return nil, fmt.Errorf("%w: %d bytes of pages (max block %d)", ErrOutOfMemory, size, a.maxBlockSize)
	}
	order := a.orderForSize(size)

	a.mu.Lock()
	defer a.mu.Unlock()
	found := -1
	for o := order; o <= a.maxBlockOrder; o++ {
		if len(a.freeLists[o]) > 0 {
			found = o
			break
		}
	}
	if found == -1 && a.needsCoalesce {
		found = a.coalesceUntil(order)
		if found == -1 {
			a.needsCoalesce = false
		}
	}
	if found == -1 {
		log().Debug("malloc: page allocation failed", "size", size)
		return nil, fmt.Errorf("%w: %d bytes of pages", ErrOutOfMemory, size)
	}

	list := a.freeLists[found]
	offset := list[len(list)-1]
	a.freeLists[found] = list[:len(list)-1]
	// the left half keeps the offset, right halves go back one order down.
	for found > order {
		found--
		a.freeLists[found] = append(a.freeLists[found], offset+(a.pageSize<<found))
	}
	n := a.pageSize << order
	return a.arena[offset : offset+n : offset+n], nil
}

// Free returns a block obtained from Alloc.
// It panics if the block is foreign, resliced, misaligned or already free.
func (a *PageAllocator) Free(block []byte) {
	size := cap(block)
	if size == 0 {
		return
	}
	if size < a.pageSize || size > a.maxBlockSize || size&(size-1) != 0 {
		panic("pgalloc: invalid block size")
	}
	offset := int(uintptr(unsafe.Pointer(unsafe.SliceData(block))) - a.arenaStart)
	if offset < 0 || offset >= len(a.arena) {
		panic("pgalloc: block not in arena")
	}
	if offset&(size-1) != 0 {
		panic("pgalloc: misaligned block")
	}
	order := a.orderForSize(size)

	a.mu.Lock()
	defer a.mu.Unlock()
	// a freed block may since have been merged into a larger one.
	for o, list := range a.freeLists {
		n := a.pageSize << o
		for _, free := range list {
			if free < offset+size && offset < free+n {
				panic("pgalloc: double free")
			}
		}
	}
	a.freeLists[order] = append(a.freeLists[order], offset)
	if order < a.maxBlockOrder {
		a.needsCoalesce = true
	}
}

// Available returns the number of free bytes.
func (a *PageAllocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for order, list := range a.freeLists {
		total += len(list) * (a.pageSize << order)
	}
	return total
}

// CoalesceUntil merges free buddies until a block of at least targetOrder is
// free and returns its order, or -1.
func (a *PageAllocator) CoalesceUntil(targetOrder int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.coalesceUntil(targetOrder)
}

func (a *PageAllocator) coalesceUntil(targetOrder int) int {
	if o := a.firstFree(targetOrder); o != -1 {
		return o
	}
	// merging at low orders feeds the higher ones.
	for order := 0; order < targetOrder; order++ {
		list := a.freeLists[order]
		if len(list) < 2 {
			continue
		}
		sortOffsets(list)
		blockSize := a.pageSize << order
		n := 0
		for i := 0; i < len(list); {
			offset := list[i]
			if i+1 < len(list) && list[i+1] == offset^blockSize {
				a.freeLists[order+1] = append(a.freeLists[order+1], offset&^blockSize)
				i += 2
				continue
			}
			list[n] = offset
			n++
			i++
		}
		a.freeLists[order] = list[:n]
	}
	return a.firstFree(targetOrder)
}

func (a *PageAllocator) firstFree(order int) int {
	for o := order; o <= a.maxBlockOrder; o++ {
		if len(a.freeLists[o]) > 0 {
			return o
		}
	}
	return -1
}

// Reset frees every block.
func (a *PageAllocator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
}

func (a *PageAllocator) reset() {
	for i := range a.freeLists {
		a.freeLists[i] = a.freeLists[i][:0]
	}
	for off := 0; off < len(a.arena); off += a.maxBlockSize {
		a.freeLists[a.maxBlockOrder] = append(a.freeLists[a.maxBlockOrder], off)
	}
	a.needsCoalesce = false
}

func (a *PageAllocator) orderForSize(size int) int {
	if size <= a.pageSize {
		return 0
	}
	return bits.Len(uint(size-1)) - a.pageShift
}

// sortOffsets is an insertion sort; free lists are short and mostly sorted.
func sortOffsets(list []int) {
	for i := 1; i < len(list); i++ {
		for j := i; j > 0 && list[j] < list[j-1]; j-- {
			list[j], list[j-1] = list[j-1], list[j]
		}
	}
}
