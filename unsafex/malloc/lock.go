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

// Lock serializes access to a Region.
//
// A Lock either wraps an existing Region or binds one lazily on the first
// Lock call, under the same mutex that guards every later access.
type Lock struct {
	mu      sync.Mutex
	region  *Region
	name    string
	provide func() (*Region, error)
}

// NewLock returns a Lock guarding r.
func NewLock(r *Region) *Lock {
	return &Lock{region: r, name: "region"}
}

// LazyLock returns a Lock whose Region is created by provide on first use.
// A provide error is fatal: the first Lock call panics with it.
func LazyLock(name string, provide func() (*Region, error)) *Lock {
	return &Lock{name: name, provide: provide}
}

// Lock blocks until the caller has exclusive access to the Region and
// returns it. The Region must not be used after Unlock.
func (l *Lock) Lock() *Region {
	l.mu.Lock()
	if l.region == nil {
		l.bind()
	}
	return l.region
}

// Unlock releases the Region acquired by Lock.
func (l *Lock) Unlock() {
	l.mu.Unlock()
}

// Bound reports whether the Region has been created.
func (l *Lock) Bound() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.region != nil
}

func (l *Lock) bind() {
	r, err := l.provide()
	if err != nil {
		l.mu.Unlock()
		panic(fmt.Errorf("malloc: binding %s: %w", l.name, err))
	}
	l.region = r
	log().Info("malloc: region bound", "name", l.name, "start", r.start, "size", r.end-r.start)
}
