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
	"bytes"
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/heapkit/unsafex/malloc"
)

func newTestAlloc(t *testing.T, size int) (malloc.Alloc, *malloc.Region) {
	t.Helper()
	arena, err := malloc.NewArena(size, malloc.PageSize)
	require.NoError(t, err)
	r, err := malloc.NewRegion(arena)
	require.NoError(t, err)
	return malloc.WithRegion(malloc.NewLock(r), malloc.Align16), r
}

func wholeRegion(r *malloc.Region) []malloc.Span {
	return []malloc.Span{{Start: r.Start(), End: r.End()}}
}

func TestRegionWriter(t *testing.T) {
	alloc, r := newTestAlloc(t, 64<<10)
	var out bytes.Buffer
	w := NewRegionWriter(&out, alloc)

	n, err := w.WriteBinary([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	buf, err := w.Malloc(5)
	require.NoError(t, err)
	assert.Len(t, buf, 5)
	copy(buf, "world")
	assert.Equal(t, 10, w.WrittenLen())

	require.NoError(t, w.Flush())
	assert.Equal(t, "helloworld", out.String())
	assert.Zero(t, w.WrittenLen())
	assert.NoError(t, w.Flush())
	assert.Equal(t, "helloworld", out.String())

	w.Release()
	assert.Equal(t, wholeRegion(r), r.Fragments())
	assert.NoError(t, r.Verify())
}

func TestRegionWriterGrowInPlace(t *testing.T) {
	alloc, r := newTestAlloc(t, 64<<10)
	var out bytes.Buffer
	w := NewRegionWriter(&out, alloc)
	defer w.Release()

	first := bytes.Repeat([]byte{'a'}, defaultRegionBufSize)
	_, err := w.WriteBinary(first)
	require.NoError(t, err)
	require.Len(t, w.buf, defaultRegionBufSize)
	base := uintptr(unsafe.Pointer(&w.buf[0]))
	assert.Equal(t, r.Start(), base)

	_, err = w.WriteBinary([]byte{'b'})
	require.NoError(t, err)
	assert.Len(t, w.buf, 2*defaultRegionBufSize)
	assert.Equal(t, base, uintptr(unsafe.Pointer(&w.buf[0])))

	require.NoError(t, w.Flush())
	assert.Equal(t, append(first, 'b'), out.Bytes())
}

func TestRegionWriterOutOfMemory(t *testing.T) {
	alloc, _ := newTestAlloc(t, 64<<10)
	var out bytes.Buffer
	w := NewRegionWriter(&out, alloc)
	defer w.Release()

	data := bytes.Repeat([]byte{'x'}, 40<<10)
	_, err := w.WriteBinary(data)
	require.NoError(t, err)
	assert.Len(t, w.buf, 64<<10)

	_, err = w.Malloc(32 << 10)
	assert.ErrorIs(t, err, malloc.ErrOutOfMemory)
	_, err = w.WriteBinary(data)
	assert.ErrorIs(t, err, malloc.ErrOutOfMemory)
	assert.Equal(t, 40<<10, w.WrittenLen())

	// out of memory is not sticky.
	require.NoError(t, w.Flush())
	assert.Equal(t, data, out.Bytes())
	_, err = w.WriteBinary([]byte("ok"))
	assert.NoError(t, err)
}

func TestRegionWriterTrimAfterFlush(t *testing.T) {
	alloc, r := newTestAlloc(t, 256<<10)
	var out bytes.Buffer
	w := NewRegionWriter(&out, alloc)

	_, err := w.Malloc(100 << 10)
	require.NoError(t, err)
	assert.Len(t, w.buf, 128<<10)

	require.NoError(t, w.Flush())
	assert.Len(t, w.buf, defaultRegionBufSize)
	assert.Equal(t, []malloc.Span{{Start: r.Start() + defaultRegionBufSize, End: r.End()}}, r.Fragments())

	w.Release()
	assert.Equal(t, wholeRegion(r), r.Fragments())
}

type errWriter struct{ err error }

func (w errWriter) Write([]byte) (int, error) { return 0, w.err }

func TestRegionWriterFlushError(t *testing.T) {
	alloc, r := newTestAlloc(t, 64<<10)
	errBroken := errors.New("broken pipe")
	w := NewRegionWriter(errWriter{errBroken}, alloc)

	_, err := w.WriteBinary([]byte("data"))
	require.NoError(t, err)
	assert.Equal(t, errBroken, w.Flush())

	_, err = w.Malloc(1)
	assert.Equal(t, errBroken, err)
	_, err = w.WriteBinary([]byte("more"))
	assert.Equal(t, errBroken, err)
	assert.Equal(t, errBroken, w.Flush())

	w.Release()
	assert.Equal(t, wholeRegion(r), r.Fragments())
}

func TestRegionWriterNegativeMalloc(t *testing.T) {
	alloc, _ := newTestAlloc(t, 64<<10)
	w := NewRegionWriter(&bytes.Buffer{}, alloc)
	_, err := w.Malloc(-1)
	assert.Equal(t, errNegativeCount, err)
	assert.Zero(t, w.WrittenLen())
}

func BenchmarkRegionWriter(b *testing.B) {
	arena, _ := malloc.NewArena(1<<20, malloc.PageSize)
	r, _ := malloc.NewRegion(arena)
	alloc := malloc.WithRegion(malloc.NewLock(r), malloc.Align16)
	var out bytes.Buffer
	w := NewRegionWriter(&out, alloc)
	defer w.Release()
	chunk := make([]byte, 512)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for j := 0; j < 16; j++ {
			_, _ = w.WriteBinary(chunk)
		}
		_ = w.Flush()
		out.Reset()
	}
}
