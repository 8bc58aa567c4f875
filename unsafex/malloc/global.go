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
	"sync"
)

// Option configures the process-wide regions.
type Option struct {
	// CachedSize is the size of the Cached region arena.
	CachedSize int

	// DMASize is the size of the DMA region, carved out of the page arena.
	// It is rounded up to a power of two block of pages.
	DMASize int

	// PageArenaSize is the size of the page arena backing the DMA region.
	PageArenaSize int

	// MaxPageBlock is the largest block of the page allocator.
	MaxPageBlock int

	// UncachedSize is the size of the mmap backed Uncached region.
	UncachedSize int
}

// DefaultOption returns the default values of Option.
func DefaultOption() *Option {
	return &Option{
		CachedSize:    8 << 20,
		DMASize:       1 << 20,
		PageArenaSize: 4 << 20,
		MaxPageBlock:  DefaultMaxPageBlock,
		UncachedSize:  1 << 20,
	}
}

// optionStore holds the options of the process-wide regions. The first read
// seals it, so every region sees the same options.
type optionStore struct {
	mu     sync.Mutex
	opt    Option
	sealed bool
}

func newOptionStore() *optionStore {
	return &optionStore{opt: *DefaultOption()}
}

func (s *optionStore) set(opt Option) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return fmt.Errorf("%w: options already in use", ErrAlreadyBound)
	}
	s.opt = opt
	return nil
}

func (s *optionStore) get() Option {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
	return s.opt
}

var (
	options = newOptionStore()

	pagesOnce sync.Once
	pages     *PageAllocator
	pagesErr  error
)

var (
	// Cached is the general purpose heap region.
	Cached = LazyLock("cached", func() (*Region, error) {
		arena, err := NewArena(options.get().CachedSize, PageSize)
		if err != nil {
			return nil, err
		}
		return NewRegion(arena)
	})

	// DMA is a region made of contiguous pages from the page allocator.
	DMA = LazyLock("dma", func() (*Region, error) {
		pa, err := Pages()
		if err != nil {
			return nil, err
		}
		block, err := pa.Alloc(options.get().DMASize)
		if err != nil {
			return nil, err
		}
		return NewRegion(block)
	})

	// Uncached is a region backed by its own anonymous mapping.
	Uncached = LazyLock("uncached", func() (*Region, error) {
		arena, err := MapArena(options.get().UncachedSize)
		if err != nil {
			return nil, err
		}
		return NewRegion(arena)
	})

	// Global is the process allocator, serving from Cached.
	Global = WithRegion(Cached, Align16)

	// DMAAlloc places blocks in the DMA region on cache line boundaries.
	DMAAlloc = WithRegion(DMA, Align64)

	// UncachedAlloc places blocks in the Uncached region on page boundaries.
	UncachedAlloc = WithRegion(Uncached, AlignPage)
)

// Setup replaces the options of the process-wide regions. It must run before
// any of them is first used and returns ErrAlreadyBound afterwards.
func Setup(opt *Option) error {
	if opt == nil {
		opt = DefaultOption()
	}
	return options.set(*opt)
}

// Pages returns the process-wide page allocator, creating it on first use.
func Pages() (*PageAllocator, error) {
	pagesOnce.Do(func() {
		opt := options.get()
		pages, pagesErr = NewPageAllocator(opt.PageArenaSize, opt.MaxPageBlock)
	})
	return pages, pagesErr
}
