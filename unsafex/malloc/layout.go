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
	"math"
)

const (
	// fragmentSize is both the size granule and the minimum block size.
	fragmentSize = 16
	fragmentMask = fragmentSize - 1
)

// Layout describes the size and alignment of a block.
// The same Layout must be passed back to every call that refers to the block.
type Layout struct {
	Size  uintptr
	Align uintptr
}

// NewLayout validates size and align.
// align must be a power of two and size rounded up to align must not overflow.
func NewLayout(size, align uintptr) (Layout, error) {
	if align == 0 || align&(align-1) != 0 {
		return Layout{}, fmt.Errorf("%w: align %#x is not a power of two", ErrInvalidLayout, align)
	}
	if size > math.MaxInt-(align-1) || size > math.MaxInt-fragmentMask {
		return Layout{}, fmt.Errorf("%w: size %#x overflows", ErrInvalidLayout, size)
	}
	return Layout{Size: size, Align: align}, nil
}

func mustLayout(size, align uintptr) Layout {
	l, err := NewLayout(size, align)
	if err != nil {
		panic(err)
	}
	return l
}

// normalize rounds the size up to the granule and raises the alignment to it.
// It panics on a layout NewLayout would reject.
func (l Layout) normalize() Layout {
	if l.Align&(l.Align-1) != 0 {
		panic(fmt.Sprintf("malloc: align %#x is not a power of two", l.Align))
	}
	if l.Size > math.MaxInt-fragmentMask {
		panic(fmt.Sprintf("malloc: size %#x overflows", l.Size))
	}
	if l.Align < fragmentSize {
		l.Align = fragmentSize
	}
	l.Size = (l.Size + fragmentMask) &^ fragmentMask
	if l.Size == 0 {
		l.Size = fragmentSize
	}
	return l
}

func alignUp(addr, align uintptr) uintptr {
	return (addr + align - 1) &^ (align - 1)
}
