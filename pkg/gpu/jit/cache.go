// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package jit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphjit/pkg/core/errs"
	"github.com/gomlx/graphjit/pkg/support/xsync"
	"k8s.io/klog/v2"
)

// Cache memoizes compiled code objects by the source text and the compilation options.
//
// It is safe for concurrent use: concurrent requests for the same key wait for a single compilation.
// Failed compilations are never stored, so a later request compiles again.
type Cache struct {
	entries      xsync.SyncMap[string, *cacheEntry]
	hits, misses atomic.Int64
}

type cacheEntry struct {
	done *xsync.LatchWithValue[compileResult]
}

type compileResult struct {
	co  *CodeObject
	err error
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// CacheKey returns the key of a compilation: the sha256 of the source and of the options key.
func CacheKey(src string, opts Options) string {
	h := sha256.New()
	h.Write([]byte(src))
	h.Write([]byte{0})
	h.Write([]byte(opts.Key()))
	return hex.EncodeToString(h.Sum(nil))
}

// GetOrCompile returns the code object for src and opts, compiling it with toolchain if it is not yet
// in the cache.
//
// Requests waiting on a compilation started by another request return early with an ErrCompilation if
// ctx is done; the compilation itself continues for its owner.
func (c *Cache) GetOrCompile(ctx context.Context, src string, opts Options, toolchain Toolchain) (*CodeObject, error) {
	key := CacheKey(src, opts)
	entry := &cacheEntry{done: xsync.NewLatchWithValue[compileResult]()}
	actual, loaded := c.entries.LoadOrStore(key, entry)
	if loaded {
		c.hits.Add(1)
		result, err := actual.done.WaitContext(ctx)
		if err != nil {
			return nil, errs.Mark(errs.ErrCompilation, err, "waiting for compilation of kernel %q", opts.KernelName)
		}
		return result.co, result.err
	}

	c.misses.Add(1)
	var result compileResult
	if exception := exceptions.TryCatch[error](func() {
		result.co, result.err = toolchain.CompileSource(ctx, src, opts)
	}); exception != nil {
		result.err = errs.Mark(errs.ErrCompilation, exception, "toolchain panicked compiling kernel %q", opts.KernelName)
	}
	if result.err == nil && result.co == nil {
		result.err = errs.Compilationf("toolchain returned no code object for kernel %q", opts.KernelName)
	}
	if result.err != nil {
		c.entries.CompareAndDelete(key, entry)
		klog.V(1).Infof("jit: compilation of %q failed, not cached: %v", opts.KernelName, result.err)
	}
	entry.done.Trigger(result)
	return result.co, result.err
}

// Len returns the number of entries, including compilations in progress.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Stats returns the number of requests served by an existing entry (hits) and the number of compilations
// started (misses).
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
