// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package compiler holds the registry of target compilers: per operation name, the functions that turn an
// instruction into a compiled code object, and the graph splice that replaces the instruction with it.
//
// The registry is an explicit value: the target creates it and registers its compilers once (see
// kernels.Register), before any compilation. After that it is only read, and can be used concurrently.
package compiler

import (
	"context"
	"maps"
	"slices"

	"github.com/gomlx/graphjit/pkg/core/errs"
	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/core/shapes"
	"github.com/pkg/errors"
)

// ReplaceFn splices a compiled code object in place of ins.
type ReplaceFn func(r Replacement, m *ir.Module, ins *ir.Instruction) error

// Replacement is the result of a compilation.
type Replacement struct {
	// CodeObject is the operation that replaces the compiled instruction.
	CodeObject ir.Operation

	// ReplaceFn, if set, is used instead of the default replacement.
	ReplaceFn ReplaceFn
}

// Replace ins in m by the code object. By default, it replaces ins by CodeObject applied to the
// same inputs.
func (r Replacement) Replace(m *ir.Module, ins *ir.Instruction) error {
	if r.ReplaceFn != nil {
		return r.ReplaceFn(r, m, ins)
	}
	_, err := m.ReplaceInstruction(ins, r.CodeObject, ins.Inputs())
	return err
}

// TuningConfig is the search space of an exhaustive tuning of an instruction: a description of the
// problem and the candidate solutions, each one a valid solution argument to CompileFn.
type TuningConfig struct {
	Problem   ir.Value
	Solutions []ir.Value
}

// CompileFn compiles ins, whose operation is op. Solution is nil, or one of the solutions of the
// instruction's TuningConfig.
type CompileFn func(ctx context.Context, c *Context, ins *ir.Instruction, op ir.Operation, solution ir.Value) (Replacement, error)

// CompileOpFn compiles a code object for the given shapes, without touching the graph.
//
// The inputs are the shapes of the arguments followed by the shape of the output. Config holds the
// attributes of the operation, plus optional compiler settings (e.g. "global" and "local").
type CompileOpFn func(ctx context.Context, c *Context, inputs []shapes.Shape, config ir.Map) (ir.Operation, error)

// TuningConfigFn returns the tuning search space of ins, if there is one.
type TuningConfigFn func(c *Context, ins *ir.Instruction, op ir.Operation, exhaustive bool) (TuningConfig, bool)

// Entry of the registry.
type Entry struct {
	Name         string
	Compile      CompileFn
	CompileOp    CompileOpFn
	TuningConfig TuningConfigFn
}

// Compiler is implemented by target compilers handling one or more operations.
type Compiler interface {
	// Names of the operations compiled.
	Names() []string

	Compile(ctx context.Context, c *Context, ins *ir.Instruction, op ir.Operation, solution ir.Value) (Replacement, error)
	CompileOp(ctx context.Context, c *Context, inputs []shapes.Shape, config ir.Map) (ir.Operation, error)
}

// TuningConfigurer is optionally implemented by a Compiler whose operations can be tuned.
type TuningConfigurer interface {
	TuningConfig(c *Context, ins *ir.Instruction, op ir.Operation, exhaustive bool) (TuningConfig, bool)
}

// Registry maps operation names to their compilers.
type Registry struct {
	entries map[string]Entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register the compiler functions for the operation name. The last registration of a name wins.
// tuningConfig may be nil.
func (r *Registry) Register(name string, compile CompileFn, compileOp CompileOpFn, tuningConfig TuningConfigFn) {
	r.entries[name] = Entry{Name: name, Compile: compile, CompileOp: compileOp, TuningConfig: tuningConfig}
}

// RegisterCompiler registers c for each of its names.
func (r *Registry) RegisterCompiler(c Compiler) {
	var tuningConfig TuningConfigFn
	if configurer, ok := c.(TuningConfigurer); ok {
		tuningConfig = configurer.TuningConfig
	}
	for _, name := range c.Names() {
		r.Register(name, c.Compile, c.CompileOp, tuningConfig)
	}
}

// Has returns whether there is a compiler for the operation name.
func (r *Registry) Has(name string) bool {
	_, found := r.entries[name]
	return found
}

// Names of the registered operations, sorted.
func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(r.entries))
}

func (r *Registry) lookup(name string) (Entry, error) {
	entry, found := r.entries[name]
	if !found {
		return Entry{}, errs.Unsupportedf("no compiler registered for %q", name)
	}
	return entry, nil
}

// Compile ins with the compiler registered for op. It fails with errs.ErrUnsupportedOperation if
// there is none. The graph is not changed: call Replacement.Replace to splice the result.
func (r *Registry) Compile(ctx context.Context, c *Context, ins *ir.Instruction, op ir.Operation, solution ir.Value) (Replacement, error) {
	entry, err := r.lookup(op.Name())
	if err != nil {
		return Replacement{}, err
	}
	replacement, err := entry.Compile(ctx, c, ins, op, solution)
	if err != nil {
		return Replacement{}, errors.WithMessagef(err, "compiling %s", ins)
	}
	if replacement.CodeObject == nil {
		return Replacement{}, errs.Invariantf("compiler for %q returned no code object for %s", op.Name(), ins)
	}
	return replacement, nil
}

// CompileOp returns the code object compiled for the shapes (arguments followed by output) by the
// compiler registered for name.
func (r *Registry) CompileOp(ctx context.Context, name string, c *Context, inputs []shapes.Shape, config ir.Map) (ir.Operation, error) {
	entry, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return entry.CompileOp(ctx, c, inputs, config)
}

// TuningConfig returns the tuning search space of ins, if its compiler has one.
func (r *Registry) TuningConfig(c *Context, ins *ir.Instruction, op ir.Operation, exhaustive bool) (TuningConfig, bool) {
	entry, found := r.entries[op.Name()]
	if !found || entry.TuningConfig == nil {
		return TuningConfig{}, false
	}
	return entry.TuningConfig(c, ins, op, exhaustive)
}

// ArgumentShapes returns the shapes of the inputs of ins followed by its own shape, the form taken by
// CompileOpFn.
func ArgumentShapes(ins *ir.Instruction) []shapes.Shape {
	inputs := ins.Inputs()
	result := make([]shapes.Shape, 0, len(inputs)+1)
	for _, input := range inputs {
		result = append(result, input.Shape())
	}
	return append(result, ins.Shape())
}
