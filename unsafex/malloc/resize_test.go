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
	"encoding/binary"
	"testing"

	"github.com/bytedance/gopkg/util/xxhash3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealloc(t *testing.T) {
	tests := []struct {
		name    string
		offset  uintptr
		size    uintptr
		newSize uintptr
		input   []Span
		output  []Span
		want    uintptr
		oom     bool
	}{
		{"shrink", 0x0, 0x1000, 0x800, spans(), spans(0x800, 0x1000), 0x0, false},
		{"grow", 0x0, 0x800, 0xA00, spans(0x800, 0x1000), spans(0xA00, 0x1000), 0x0, false},
		{"grow_tight", 0x0, 0x800, 0x1000, spans(0x800, 0x1000), spans(), 0x0, false},
		{"move", 0x800, 0x800, 0xC00, spans(0x400, 0x800), spans(), 0x400, false},
		{"copy", 0x0, 0x400, 0x600, spans(0xA00, 0x1000), spans(0x0, 0x400), 0xA00, false},
		{"same_granule", 0x0, 0x20, 0x1A, spans(0x20, 0x1000), spans(0x20, 0x1000), 0x0, false},
		{"full", 0x0, 0x800, 0xC00, spans(0x900, 0x1000), spans(0x900, 0x1000), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegion(t)
			provide(t, r, tt.input)
			a := WithRegion(NewLock(r), Align16)

			base := r.Start() + tt.offset
			keep := tt.size
			if tt.newSize < keep {
				keep = tt.newSize
			}
			fillPattern(r.bytes(base, keep))
			before := xxhash3.Hash(r.bytes(base, keep))

			p := a.Realloc(r.pointer(base), tt.size, 16, tt.newSize)
			assert.Equal(t, tt.output, offsets(r))
			require.NoError(t, r.Verify())
			if tt.oom {
				assert.Nil(t, p)
				assert.Equal(t, before, xxhash3.Hash(r.bytes(base, keep)))
				return
			}
			require.NotNil(t, p)
			moved := uintptr(p)
			assert.Equal(t, tt.want, moved-r.Start())
			assert.Equal(t, before, xxhash3.Hash(r.bytes(moved, keep)))
		})
	}
}

func TestGrow(t *testing.T) {
	t.Run("InPlace", func(t *testing.T) {
		r := newTestRegion(t)
		provide(t, r, spans(0x800, 0x1000))
		addr, err := r.Grow(r.Start(), Layout{Size: 0x800, Align: 16}, Layout{Size: 0xA00, Align: 16})
		require.NoError(t, err)
		assert.Equal(t, r.Start(), addr)
		assert.Equal(t, spans(0xA00, 0x1000), offsets(r))
	})

	t.Run("SameLayout", func(t *testing.T) {
		r := newTestRegion(t)
		provide(t, r, spans(0x800, 0x1000))
		l := Layout{Size: 0x7F8, Align: 8}
		addr, err := r.Grow(r.Start(), l, l)
		require.NoError(t, err)
		assert.Equal(t, r.Start(), addr)
		assert.Equal(t, spans(0x800, 0x1000), offsets(r))
	})

	t.Run("ConsumeNext", func(t *testing.T) {
		r := newTestRegion(t)
		provide(t, r, spans(0x0, 0x800, 0xC00, 0x1000))
		addr, err := r.Grow(r.Start()+0x800, Layout{Size: 0x400, Align: 16}, Layout{Size: 0x800, Align: 0x400})
		require.NoError(t, err)
		assert.Equal(t, uintptr(0x800), addr-r.Start())
		assert.Equal(t, spans(0x0, 0x800), offsets(r))
	})

	t.Run("ShiftRealign", func(t *testing.T) {
		r := newTestRegion(t)
		provide(t, r, spans(0x0, 0x410, 0x600, 0x1000))
		data := r.bytes(r.Start()+0x410, 0x100)
		fillPattern(data)
		sum := xxhash3.Hash(data)

		addr, err := r.Grow(r.Start()+0x410, Layout{Size: 0x100, Align: 16}, Layout{Size: 0x200, Align: 0x200})
		require.NoError(t, err)
		assert.Equal(t, uintptr(0x0), addr-r.Start())
		assert.Equal(t, spans(0x200, 0x510, 0x600, 0x1000), offsets(r))
		assert.Equal(t, sum, xxhash3.Hash(r.bytes(addr, 0x100)))
	})

	t.Run("ShiftUnderRemainderHeader", func(t *testing.T) {
		// the re-allocation leaves a fragment header at 0x210, inside the
		// bytes being moved.
		r := newTestRegion(t)
		provide(t, r, spans(0x0, 0x100, 0x800, 0x1000))
		data := r.bytes(r.Start()+0x100, 0x200)
		fillPattern(data)
		sum := xxhash3.Hash(data)

		addr, err := r.Grow(r.Start()+0x100, Layout{Size: 0x200, Align: 16}, Layout{Size: 0x210, Align: 0x400})
		require.NoError(t, err)
		assert.Equal(t, uintptr(0x0), addr-r.Start())
		assert.Equal(t, spans(0x210, 0x300, 0x800, 0x1000), offsets(r))
		assert.Equal(t, sum, xxhash3.Hash(r.bytes(addr, 0x200)))
	})

	t.Run("OutOfMemory", func(t *testing.T) {
		r := newTestRegion(t)
		provide(t, r, spans(0x900, 0x1000))
		data := r.bytes(r.Start(), 0x800)
		fillPattern(data)
		sum := xxhash3.Hash(data)

		_, err := r.Grow(r.Start(), Layout{Size: 0x800, Align: 16}, Layout{Size: 0xC00, Align: 16})
		assert.ErrorIs(t, err, ErrOutOfMemory)
		assert.Equal(t, spans(0x900, 0x1000), offsets(r))
		assert.Equal(t, sum, xxhash3.Hash(data))
	})

	t.Run("Misuse", func(t *testing.T) {
		r := newTestRegion(t)
		assert.Panics(t, func() {
			r.Grow(r.Start(), Layout{Size: 0x20, Align: 16}, Layout{Size: 0x30, Align: 16})
		})
		provide(t, r, spans(0x800, 0x1000))
		assert.Panics(t, func() {
			r.Grow(r.Start(), Layout{Size: 0x800, Align: 16}, Layout{Size: 0x400, Align: 16})
		})
		assert.Equal(t, spans(0x800, 0x1000), offsets(r))
	})
}

func TestShrink(t *testing.T) {
	t.Run("InPlace", func(t *testing.T) {
		r := newTestRegion(t)
		provide(t, r, spans(0xC00, 0x1000))
		addr, err := r.Shrink(r.Start(), Layout{Size: 0xC00, Align: 16}, Layout{Size: 0x400, Align: 0x400})
		require.NoError(t, err)
		assert.Equal(t, r.Start(), addr)
		assert.Equal(t, spans(0x400, 0x1000), offsets(r))
	})

	t.Run("InPlaceNoMerge", func(t *testing.T) {
		r := newTestRegion(t)
		provide(t, r, spans(0xE00, 0x1000))
		addr, err := r.Shrink(r.Start()+0x400, Layout{Size: 0x800, Align: 16}, Layout{Size: 0x100, Align: 16})
		require.NoError(t, err)
		assert.Equal(t, uintptr(0x400), addr-r.Start())
		assert.Equal(t, spans(0x500, 0xC00, 0xE00, 0x1000), offsets(r))
	})

	t.Run("Shift", func(t *testing.T) {
		r := newTestRegion(t)
		provide(t, r, spans(0x0, 0x10, 0x210, 0x1000))
		data := r.bytes(r.Start()+0x10, 0x200)
		fillPattern(data)
		sum := xxhash3.Hash(data[:0x100])

		addr, err := r.Shrink(r.Start()+0x10, Layout{Size: 0x200, Align: 16}, Layout{Size: 0x100, Align: 0x100})
		require.NoError(t, err)
		assert.Equal(t, uintptr(0x0), addr-r.Start())
		assert.Equal(t, spans(0x100, 0x1000), offsets(r))
		assert.Equal(t, sum, xxhash3.Hash(r.bytes(addr, 0x100)))
	})

	t.Run("Relocate", func(t *testing.T) {
		r := newTestRegion(t)
		provide(t, r, spans(0x400, 0x1000))
		data := r.bytes(r.Start()+0x10, 0x100)
		fillPattern(data)
		sum := xxhash3.Hash(data[:0x20])

		addr, err := r.Shrink(r.Start()+0x10, Layout{Size: 0x100, Align: 16}, Layout{Size: 0x20, Align: 0x400})
		require.NoError(t, err)
		assert.Equal(t, uintptr(0x400), addr-r.Start())
		assert.Equal(t, spans(0x10, 0x110, 0x420, 0x1000), offsets(r))
		assert.Equal(t, sum, xxhash3.Hash(r.bytes(addr, 0x20)))
	})

	t.Run("OutOfMemory", func(t *testing.T) {
		r := newTestRegion(t)
		provide(t, r, spans(0x800, 0x810))
		_, err := r.Shrink(r.Start()+0x10, Layout{Size: 0x100, Align: 16}, Layout{Size: 0x20, Align: 0x400})
		assert.ErrorIs(t, err, ErrOutOfMemory)
		assert.Equal(t, spans(0x800, 0x810), offsets(r))
	})

	t.Run("Misuse", func(t *testing.T) {
		r := newTestRegion(t)
		provide(t, r, spans(0x800, 0x1000))
		assert.Panics(t, func() {
			r.Shrink(r.Start(), Layout{Size: 0x800, Align: 16}, Layout{Size: 0x7F1, Align: 16})
		})
		assert.Equal(t, spans(0x800, 0x1000), offsets(r))
	})
}

// fillPattern writes the little endian index of every 16 bit word.
func fillPattern(b []byte) {
	for i := 0; i+1 < len(b); i += 2 {
		binary.LittleEndian.PutUint16(b[i:], uint16(i/2))
	}
}
