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

// Package bufiox provides write buffers whose memory comes from a malloc
// region instead of the Go heap.
package bufiox

// Writer is a buffered writer that hands out its internal memory, so callers
// can encode in place and avoid an extra copy.
type Writer interface {
	// Malloc returns the next n bytes of the write buffer,
	// or an error if the buffer cannot grow by n bytes.
	// The returned buf is valid until the next Malloc, WriteBinary or Flush.
	Malloc(n int) (buf []byte, err error)

	// WriteBinary copies bs into the buffer.
	// It returns err if n < len(bs), while n is the number of bytes written.
	WriteBinary(bs []byte) (n int, err error)

	// WrittenLen returns the number of bytes buffered since the last Flush.
	WrittenLen() (length int)

	// Flush writes the buffered data to the underlying io.Writer and resets
	// WrittenLen to zero.
	Flush() (err error)
}
