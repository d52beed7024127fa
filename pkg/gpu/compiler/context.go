// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"github.com/gomlx/graphjit/pkg/core/shapes"
	"github.com/gomlx/graphjit/pkg/gpu/jit"
	"github.com/gomlx/graphjit/pkg/gpu/tuning"
)

// Context is the target description and shared state available to the compilers.
//
// Compilers only read it, except for Cache, which is safe for concurrent use.
type Context struct {
	// Arch is the device architecture, e.g. "gfx90a".
	Arch string

	// ComputeUnits and MaxWorkitemsPerCU bound the global work size, see ComputeGlobal.
	ComputeUnits, MaxWorkitemsPerCU int

	// Toolchain compiles sources, through Cache.
	Toolchain jit.Toolchain
	Cache     *jit.Cache

	// Tuning table of GEMM instances. If nil all lookups return tuning.DefaultSolution.
	Tuning *tuning.Store

	// TuningValue, if >= 0, is the GEMM instance to use when Tuning has no exact entry.
	TuningValue int

	// LogGEMM logs the problem shapes of every compiled GEMM, in the tuning table format.
	LogGEMM bool

	// Debug compiles kernels with their runtime checks enabled.
	Debug bool
}

// NewContext returns a Context with a fresh cache and no tuning data.
func NewContext(toolchain jit.Toolchain) *Context {
	return &Context{
		ComputeUnits:      120,
		MaxWorkitemsPerCU: 2048,
		Toolchain:         toolchain,
		Cache:             jit.NewCache(),
		TuningValue:       -1,
	}
}

// ComputeGlobal returns the global work size for n elements: n, capped to the number of
// work-items the device can run at once times over.
func (c *Context) ComputeGlobal(n, over int) int {
	over = max(over, 1)
	maxGlobal := c.ComputeUnits * c.MaxWorkitemsPerCU
	if maxGlobal <= 0 {
		return n
	}
	return min(n, maxGlobal*over)
}

// Lookup returns the tuning entry for the GEMM shapes.
func (c *Context) Lookup(inputs []shapes.Shape) (tuning.Result, error) {
	store := c.Tuning
	if store == nil {
		store = tuning.NewStore()
	}
	r, err := store.Lookup(inputs)
	if err != nil {
		return r, err
	}
	if !r.Exact && c.TuningValue >= 0 {
		r.Solution = c.TuningValue
	}
	return r, nil
}
