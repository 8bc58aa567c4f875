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

import "errors"

var (
	// ErrOutOfMemory is returned when no free fragment, alone or merged with a
	// neighbour, can hold the request. The caller may retry after freeing memory.
	ErrOutOfMemory = errors.New("malloc: out of memory")

	// ErrInvalidLayout is returned by NewLayout for a non power of two alignment
	// or a size that overflows once rounded up.
	ErrInvalidLayout = errors.New("malloc: invalid layout")

	// ErrAlreadyBound is returned by Setup once a process-wide region is in use.
	ErrAlreadyBound = errors.New("malloc: region already bound")
)
