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

	"github.com/bytedance/gopkg/lang/dirtmake"
)

// NewArena returns size bytes of uninitialized memory whose first byte is
// aligned to align, which must be a power of two.
func NewArena(size, align int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("malloc: arena size must be positive, got %d", size)
	}
	if align <= 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("malloc: arena align must be a power of two, got %d", align)
	}
	buf := dirtmake.Bytes(size+align, size+align)
	off := int(alignUp(uintptr(unsafe.Pointer(&buf[0])), uintptr(align)) - uintptr(unsafe.Pointer(&buf[0])))
	return buf[off : off+size : off+size], nil
}
