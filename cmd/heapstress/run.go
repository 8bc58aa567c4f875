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

package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/gopkg/util/gopool"
	"github.com/spf13/cobra"

	"github.com/cloudwego/heapkit/unsafex/malloc"
)

var runOpts = defaultStressOptions()

func init() {
	cmd := newRunCmd()
	cmd.Flags().IntVar(&runOpts.Size, "size", runOpts.Size, "Region size in bytes")
	cmd.Flags().IntVar(&runOpts.Ops, "ops", runOpts.Ops, "Operations per worker")
	cmd.Flags().Int64Var(&runOpts.Seed, "seed", runOpts.Seed, "Random seed")
	cmd.Flags().IntVarP(&runOpts.Workers, "workers", "w", runOpts.Workers, "Goroutines sharing the region")
	cmd.Flags().IntVar(&runOpts.MaxAlloc, "max-alloc", runOpts.MaxAlloc, "Largest request in bytes")
	cmd.Flags().StringVar(&runOpts.Backing, "backing", runOpts.Backing, "Arena backing: heap, pages or mmap")
	rootCmd.AddCommand(cmd)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a random workload against one region",
		Long: `The run command allocates a region, runs a seeded random workload
on it and reports what happened. It fails on the first corrupted block or
broken free list.

Example:
  heapstress run --ops 100000
  heapstress run --backing mmap --workers 4 --seed 7
  heapstress run --size 65536 --max-alloc 8192 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := runStress(runOpts)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(res)
			}
			printResult(res)
			return nil
		},
	}
}

type stressOptions struct {
	Size     int
	Ops      int
	Seed     int64
	Workers  int
	MaxAlloc int
	Backing  string
}

func defaultStressOptions() stressOptions {
	return stressOptions{
		Size:     1 << 20,
		Ops:      10000,
		Seed:     1,
		Workers:  1,
		MaxAlloc: 4 << 10,
		Backing:  "heap",
	}
}

type workerKey struct{}

// Result summarizes a run.
type Result struct {
	Backing     string        `json:"backing"`
	Size        int           `json:"size"`
	Seed        int64         `json:"seed"`
	Workers     int           `json:"workers"`
	Ops         int           `json:"ops"`
	Allocs      int           `json:"allocs"`
	Frees       int           `json:"frees"`
	Grows       int           `json:"grows"`
	Shrinks     int           `json:"shrinks"`
	OutOfMemory int           `json:"out_of_memory"`
	Verified    int           `json:"verified"`
	Duration    time.Duration `json:"duration_ns"`
}

func runStress(opts stressOptions) (*Result, error) {
	if opts.Workers <= 0 || opts.Ops < 0 || opts.MaxAlloc <= 0 {
		return nil, fmt.Errorf("invalid options: workers=%d ops=%d max-alloc=%d", opts.Workers, opts.Ops, opts.MaxAlloc)
	}
	r, release, err := openRegion(opts.Backing, opts.Size)
	if err != nil {
		return nil, err
	}
	defer release()

	lock := malloc.NewLock(r)
	heap := malloc.WithRegion(lock, malloc.Align16)
	logger.Info("stress started", "backing", opts.Backing, "size", opts.Size, "workers", opts.Workers, "seed", opts.Seed)

	start := time.Now()
	workers := make([]*worker, opts.Workers)
	errs := make([]error, opts.Workers)
	var wg sync.WaitGroup
	// misuse of the allocator panics; report it as that worker's failure.
	pool := gopool.NewPool("heapstress", int32(opts.Workers), gopool.NewConfig())
	pool.SetPanicHandler(func(ctx context.Context, r interface{}) {
		id := ctx.Value(workerKey{}).(int)
		errs[id] = fmt.Errorf("worker %d panicked: %v", id, r)
		wg.Done()
	})
	for i := range workers {
		w := newWorker(i, opts.Seed+int64(i), heap, lock, opts.MaxAlloc)
		workers[i] = w
		wg.Add(1)
		pool.CtxGo(context.WithValue(context.Background(), workerKey{}, i), func() {
			errs[w.id] = w.run(opts.Ops)
			wg.Done()
		})
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	res := &Result{
		Backing:  opts.Backing,
		Size:     opts.Size,
		Seed:     opts.Seed,
		Workers:  opts.Workers,
		Ops:      opts.Ops * opts.Workers,
		Duration: time.Since(start),
	}
	for _, w := range workers {
		res.Allocs += w.stats.allocs
		res.Frees += w.stats.frees
		res.Grows += w.stats.grows
		res.Shrinks += w.stats.shrinks
		res.OutOfMemory += w.stats.outOfMemory
		res.Verified += w.stats.verified
	}

	// every block is back, so the free list must be a single span again.
	reg := lock.Lock()
	spans := reg.Fragments()
	lock.Unlock()
	if len(spans) != 1 || spans[0] != (malloc.Span{Start: reg.Start(), End: reg.End()}) {
		return nil, fmt.Errorf("free list not restored after draining: %d fragments", len(spans))
	}
	logger.Info("stress finished", "allocs", res.Allocs, "oom", res.OutOfMemory, "duration", res.Duration)
	return res, nil
}

func openRegion(backing string, size int) (*malloc.Region, func(), error) {
	var (
		arena   []byte
		err     error
		release = func() {}
	)
	switch backing {
	case "heap":
		arena, err = malloc.NewArena(size, malloc.PageSize)
	case "pages":
		block := malloc.PageSize
		for block < size {
			block <<= 1
		}
		var pa *malloc.PageAllocator
		if pa, err = malloc.NewPageAllocator(block, block); err != nil {
			break
		}
		if arena, err = pa.Alloc(size); err != nil {
			break
		}
		release = func() { pa.Free(arena) }
	case "mmap":
		if arena, err = malloc.MapArena(size); err == nil {
			release = func() {
				if err := malloc.UnmapArena(arena); err != nil {
					logger.Warn("unmap arena", "error", err)
				}
			}
		}
	default:
		return nil, nil, fmt.Errorf("unknown backing %q, want heap, pages or mmap", backing)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s arena: %w", backing, err)
	}
	r, err := malloc.NewRegion(arena)
	if err != nil {
		release()
		return nil, nil, err
	}
	return r, release, nil
}

func printResult(res *Result) {
	printInfo("Backing:       %s (%d bytes)\n", res.Backing, res.Size)
	printInfo("Workers:       %d, seed %d\n", res.Workers, res.Seed)
	printInfo("Operations:    %d\n", res.Ops)
	printInfo("  Allocate:    %d\n", res.Allocs)
	printInfo("  Deallocate:  %d\n", res.Frees)
	printInfo("  Grow:        %d\n", res.Grows)
	printInfo("  Shrink:      %d\n", res.Shrinks)
	printInfo("Out of memory: %d\n", res.OutOfMemory)
	printInfo("Verified:      %d\n", res.Verified)
	printInfo("Duration:      %s\n", res.Duration)
}
