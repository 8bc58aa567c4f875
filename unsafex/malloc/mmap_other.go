//go:build !unix

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

// MapArena falls back to a page aligned heap arena where mmap is unavailable.
func MapArena(size int) ([]byte, error) {
	return NewArena(size, PageSize)
}

// UnmapArena releases an arena returned by MapArena.
func UnmapArena(arena []byte) error {
	return nil
}
