// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"context"
	"testing"

	"github.com/gomlx/graphjit/pkg/core/errs"
	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/core/ops"
	"github.com/gomlx/graphjit/pkg/core/shapes"
	"github.com/gomlx/graphjit/pkg/gpu/jit"
	"github.com/gomlx/graphjit/pkg/gpu/tuning"
	. "github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCompiler compiles any operation to a code object named after it, recording the solutions it gets.
type fakeCompiler struct {
	names     []string
	solutions []ir.Value
}

func (f *fakeCompiler) Names() []string { return f.names }

func (f *fakeCompiler) Compile(ctx context.Context, c *Context, ins *ir.Instruction, op ir.Operation, solution ir.Value) (Replacement, error) {
	f.solutions = append(f.solutions, solution)
	co, err := f.CompileOp(ctx, c, ArgumentShapes(ins), ir.ToValue(op))
	return Replacement{CodeObject: co}, err
}

func (f *fakeCompiler) CompileOp(_ context.Context, _ *Context, inputs []shapes.Shape, _ ir.Map) (ir.Operation, error) {
	n := len(inputs) - 1
	return &jit.CodeObject{
		Binary:  []byte("binary"),
		Options: jit.Options{Inputs: inputs[:n], Output: inputs[n], KernelName: f.names[0] + "_kernel"},
	}, nil
}

func (f *fakeCompiler) TuningConfig(_ *Context, ins *ir.Instruction, _ ir.Operation, exhaustive bool) (TuningConfig, bool) {
	if !exhaustive {
		return TuningConfig{}, false
	}
	return TuningConfig{Problem: ir.Int(ins.NumInputs()), Solutions: []ir.Value{ir.Int(0), ir.Int(1)}}, true
}

func newReluProgram(t *testing.T) (*ir.Program, *ir.Instruction) {
	p := ir.NewProgram()
	m := p.Main()
	x := must.M1(m.AddParameter("x", shapes.Make(Float32, 2, 3)))
	relu := must.M1(m.AddInstruction(ops.Relu, []*ir.Instruction{x}))
	must.M1(m.AddReturn(relu))
	require.NoError(t, p.Validate())
	return p, relu
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	c := NewContext(nil)
	r := NewRegistry()
	fake := &fakeCompiler{names: []string{"relu", "exp"}}
	r.RegisterCompiler(fake)
	assert.Equal(t, []string{"exp", "relu"}, r.Names())
	assert.True(t, r.Has("relu"))
	assert.False(t, r.Has("softmax"))

	p, relu := newReluProgram(t)
	replacement := must.M1(r.Compile(ctx, c, relu, relu.Op(), ir.Int(1)))
	assert.Equal(t, []ir.Value{ir.Int(1)}, fake.solutions)
	require.NoError(t, replacement.Replace(p.Main(), relu))
	require.NoError(t, p.Validate())
	lowered := p.Main().Return().Input(0)
	assert.Equal(t, jit.CodeObjectName, lowered.Name())
	assert.True(t, lowered.Shape().Equal(shapes.Make(Float32, 2, 3)))

	co := must.M1(r.CompileOp(ctx, "exp", c, []shapes.Shape{shapes.Make(Float32, 4), shapes.Make(Float32, 4)}, nil))
	assert.Equal(t, "relu_kernel", co.(*jit.CodeObject).Options.KernelName)

	config, found := r.TuningConfig(c, relu, relu.Op(), true)
	require.True(t, found)
	assert.Len(t, config.Solutions, 2)
	_, found = r.TuningConfig(c, relu, relu.Op(), false)
	assert.False(t, found)
	_, found = r.TuningConfig(c, relu, ops.Softmax{Axis: -1}, true)
	assert.False(t, found)
}

func TestRegistryLastWins(t *testing.T) {
	r := NewRegistry()
	r.RegisterCompiler(&fakeCompiler{names: []string{"relu"}})
	var called bool
	r.Register("relu", func(_ context.Context, _ *Context, _ *ir.Instruction, _ ir.Operation, _ ir.Value) (Replacement, error) {
		called = true
		return Replacement{CodeObject: ops.Identity}, nil
	}, nil, nil)

	_, relu := newReluProgram(t)
	must.M1(r.Compile(context.Background(), NewContext(nil), relu, relu.Op(), nil))
	assert.True(t, called)
	_, found := r.TuningConfig(NewContext(nil), relu, relu.Op(), true)
	assert.False(t, found)
}

func TestCompileUnsupported(t *testing.T) {
	r := NewRegistry()
	p, relu := newReluProgram(t)
	before := p.String()
	_, err := r.Compile(context.Background(), NewContext(nil), relu, relu.Op(), nil)
	require.ErrorIs(t, err, errs.ErrUnsupportedOperation)
	assert.Equal(t, before, p.String())

	_, err = r.CompileOp(context.Background(), "relu", NewContext(nil), nil, nil)
	require.ErrorIs(t, err, errs.ErrUnsupportedOperation)
}

func TestCustomReplace(t *testing.T) {
	p, relu := newReluProgram(t)
	replacement := Replacement{
		CodeObject: ops.Identity,
		ReplaceFn: func(r Replacement, m *ir.Module, ins *ir.Instruction) error {
			neg, err := m.InsertInstruction(ins, ops.Neg, ins.Inputs())
			if err != nil {
				return err
			}
			_, err = m.ReplaceInstruction(ins, r.CodeObject, []*ir.Instruction{neg})
			return err
		},
	}
	require.NoError(t, replacement.Replace(p.Main(), relu))
	require.NoError(t, p.Validate())
	result := p.Main().Return().Input(0)
	assert.Equal(t, "identity", result.Name())
	assert.Equal(t, "neg", result.Input(0).Name())
}

func TestContext(t *testing.T) {
	c := NewContext(nil)
	c.ComputeUnits, c.MaxWorkitemsPerCU = 2, 64
	assert.Equal(t, 100, c.ComputeGlobal(100, 1))
	assert.Equal(t, 128, c.ComputeGlobal(1000, 1))
	assert.Equal(t, 256, c.ComputeGlobal(1000, 2))
	assert.Equal(t, 128, c.ComputeGlobal(1000, 0))

	abc := []shapes.Shape{shapes.Make(Float16, 64, 32), shapes.Make(Float16, 32, 64), shapes.Make(Float16, 64, 64)}
	r := must.M1(c.Lookup(abc))
	assert.Equal(t, tuning.DefaultSolution, r.Solution)

	c.TuningValue = 9
	c.Tuning = tuning.NewStore(tuning.Entry{Inputs: abc, Solution: 2})
	r = must.M1(c.Lookup(abc))
	assert.Equal(t, 2, r.Solution)
	other := []shapes.Shape{shapes.Make(Float16, 128, 32), abc[1], shapes.Make(Float16, 128, 64)}
	r = must.M1(c.Lookup(other))
	assert.Equal(t, 9, r.Solution)
}
