//go:build unix

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

	"golang.org/x/sys/unix"
)

// MapArena returns an anonymous private mapping of size bytes. The mapping is
// page aligned and never released.
func MapArena(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("malloc: arena size must be positive, got %d", size)
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("malloc: mmap %d bytes: %w", size, err)
	}
	return b, nil
}

// UnmapArena releases an arena returned by MapArena.
func UnmapArena(arena []byte) error {
	return unix.Munmap(arena)
}
