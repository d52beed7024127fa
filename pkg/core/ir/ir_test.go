// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"testing"

	"github.com/gomlx/graphjit/pkg/core/errs"
	"github.com/gomlx/graphjit/pkg/core/shapes"
	. "github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MS is an alias for shapes.Make.
var MS = shapes.Make

// elementwiseOp requires all inputs to have the same shape.
type elementwiseOp struct{ name string }

func (op elementwiseOp) Name() string { return op.name }

func (op elementwiseOp) ComputeShape(inputs []shapes.Shape, _ []*Module) (shapes.Shape, error) {
	if len(inputs) == 0 {
		return shapes.Invalid(), errors.Errorf("%s needs inputs", op.name)
	}
	for _, input := range inputs[1:] {
		if !input.Equal(inputs[0]) {
			return shapes.Invalid(), errors.Errorf("%s: mismatched shapes %s and %s", op.name, inputs[0], input)
		}
	}
	return inputs[0].Standard(), nil
}

func (op elementwiseOp) VisitFields(FieldVisitor) {}

// castOp changes the dtype.
type castOp struct{ dtype DType }

func (op castOp) Name() string { return "cast" }

func (op castOp) ComputeShape(inputs []shapes.Shape, _ []*Module) (shapes.Shape, error) {
	return inputs[0].WithDType(op.dtype), nil
}

func (op castOp) VisitFields(visit FieldVisitor) { visit("dtype", String(op.dtype.String())) }

func buildAddMul(t *testing.T) (p *Program, x, y, add, mul *Instruction) {
	p = NewProgram()
	m := p.Main()
	x = must.M1(m.AddParameter("x", MS(Float32, 2, 3)))
	y = must.M1(m.AddParameter("y", MS(Float32, 2, 3)))
	add = must.M1(m.AddInstruction(elementwiseOp{"add"}, []*Instruction{x, y}))
	mul = must.M1(m.AddInstruction(elementwiseOp{"mul"}, []*Instruction{add, add}))
	must.M1(m.AddReturn(mul))
	require.NoError(t, p.Validate())
	return
}

func TestAddInstruction(t *testing.T) {
	p, x, y, add, mul := buildAddMul(t)
	m := p.Main()
	assert.Equal(t, 5, m.Len())
	assert.Equal(t, []string{"x", "y"}, m.ParameterNames())
	assert.Equal(t, []*Instruction{add}, x.Outputs())
	assert.Equal(t, []*Instruction{add}, y.Outputs())
	// Consumers are unique, even when used twice.
	assert.Equal(t, []*Instruction{mul}, add.Outputs())
	assert.Equal(t, 1, add.NumOutputs())

	// Instructions are added before the return.
	relu := must.M1(m.AddInstruction(elementwiseOp{"relu"}, []*Instruction{mul}))
	assert.Equal(t, m.Len()-2, m.IndexOf(relu))
	assert.True(t, m.Return().IsReturn())

	// Parameters are kept at the front, in declaration order.
	z := must.M1(m.AddParameter("z", MS(Float32, 2, 3)))
	assert.Equal(t, 2, m.IndexOf(z))
	assert.Equal(t, []string{"x", "y", "z"}, m.ParameterNames())
	_, err := m.AddParameter("z", MS(Float32, 1))
	require.ErrorIs(t, err, errs.ErrInvariant)

	_, err = m.AddReturn(relu)
	require.ErrorIs(t, err, errs.ErrInvariant)
	require.NoError(t, m.Validate())
}

func TestShapeError(t *testing.T) {
	p := NewProgram()
	m := p.Main()
	x := must.M1(m.AddParameter("x", MS(Float32, 2, 3)))
	y := must.M1(m.AddParameter("y", MS(Float32, 3, 2)))
	before := m.String()
	_, err := m.AddInstruction(elementwiseOp{"add"}, []*Instruction{x, y})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrShape))
	assert.Contains(t, err.Error(), "mismatched shapes")
	assert.Equal(t, before, m.String())
	assert.Empty(t, x.Outputs())
}

func TestRemoveInstruction(t *testing.T) {
	p, _, _, add, mul := buildAddMul(t)
	m := p.Main()
	before := p.String()
	err := m.RemoveInstruction(add)
	require.ErrorIs(t, err, errs.ErrInvariant)
	assert.Equal(t, before, p.String())
	require.NoError(t, p.Validate())

	// Once its consumers are gone, it can be removed.
	require.NoError(t, m.RemoveInstruction(m.Return()))
	require.NoError(t, m.RemoveInstruction(mul))
	require.NoError(t, m.RemoveInstruction(add))
	assert.Nil(t, add.Module())
	assert.Equal(t, 2, m.Len())
	assert.Empty(t, m.Parameter("x").Outputs())
	require.NoError(t, p.Validate())
}

func TestReplaceInstruction(t *testing.T) {
	p, x, y, add, mul := buildAddMul(t)
	m := p.Main()

	sub, err := m.ReplaceInstruction(add, elementwiseOp{"sub"}, []*Instruction{x, y})
	require.NoError(t, err)
	assert.Equal(t, 2, m.IndexOf(sub))
	assert.Equal(t, []*Instruction{sub, sub}, mul.Inputs())
	assert.Equal(t, []*Instruction{mul}, sub.Outputs())
	assert.Nil(t, add.Module())
	assert.Equal(t, []*Instruction{sub}, x.Outputs())
	require.NoError(t, p.Validate())

	// A different shape is rejected before anything changes.
	before := p.String()
	_, err = m.ReplaceInstruction(sub, castOp{Float16}, []*Instruction{x})
	require.ErrorIs(t, err, errs.ErrShape)
	assert.Equal(t, before, p.String())

	// The replacement cannot consume the replaced instruction.
	_, err = m.ReplaceInstruction(sub, elementwiseOp{"neg"}, []*Instruction{sub})
	require.ErrorIs(t, err, errs.ErrInvariant)
	require.NoError(t, p.Validate())
}

func TestReplaceAllUsesWith(t *testing.T) {
	p, x, _, add, mul := buildAddMul(t)
	m := p.Main()
	require.NoError(t, m.ReplaceAllUsesWith(add, x))
	assert.Equal(t, []*Instruction{x, x}, mul.Inputs())
	assert.Empty(t, add.Outputs())
	require.NoError(t, p.Validate())

	// Replacement must come before the consumers.
	err := m.ReplaceAllUsesWith(x, mul)
	require.ErrorIs(t, err, errs.ErrInvariant)
	require.NoError(t, p.Validate())
}

func TestCreateModule(t *testing.T) {
	p, _, _, _, _ := buildAddMul(t)
	p.Main().SetBypass(true)
	clone := must.M1(p.CreateModule("clone", p.Main()))
	assert.Equal(t, []string{"x", "y"}, clone.ParameterNames())
	assert.True(t, clone.Bypass())
	assert.Equal(t, p.Main().Len(), clone.Len())
	for _, ins := range clone.Instructions() {
		assert.Equal(t, clone, ins.Module())
		for _, input := range ins.Inputs() {
			assert.Equal(t, clone, input.Module())
		}
	}
	require.NoError(t, p.Validate())

	// Editing the clone doesn't affect the original.
	must.M1(clone.AddParameter("z", MS(Float32, 1)))
	assert.Nil(t, p.Main().Parameter("z"))

	_, err := p.CreateModule("clone", nil)
	require.ErrorIs(t, err, errs.ErrInvariant)
	assert.Equal(t, clone, p.Module("clone"))
}

func TestUniqueModuleName(t *testing.T) {
	p := NewProgram()
	assert.Equal(t, "fused0", p.UniqueModuleName("fused"))
	must.M1(p.CreateModule("fused1", nil))
	assert.Equal(t, "fused2", p.UniqueModuleName("fused"))
	assert.Equal(t, "other0", p.UniqueModuleName("other"))
}

func TestRemoveUnusedModules(t *testing.T) {
	p := NewProgram()
	m := p.Main()
	x := must.M1(m.AddParameter("x", MS(Float32, 4)))
	used := must.M1(p.CreateModule("used", nil))
	must.M1(used.AddParameter("x0", shapes.Scalar(Float32)))
	must.M1(p.CreateModule("unused", nil))
	nested := must.M1(p.CreateSubModule(m, "nested"))
	_ = must.M1(nested.AddInstruction(elementwiseOp{"neg"}, []*Instruction{x}))
	must.M1(m.AddInstruction(elementwiseOp{"neg"}, []*Instruction{x}, used))
	assert.Len(t, x.Outputs(), 2)

	assert.Equal(t, []string{"unused", "nested"}, p.RemoveUnusedModules())
	assert.Len(t, p.Modules(), 2)
	assert.Len(t, x.Outputs(), 1)
	require.NoError(t, p.Validate())
}

func TestRemoveModule(t *testing.T) {
	p := NewProgram()
	m := p.Main()
	x := must.M1(m.AddParameter("x", MS(Float32, 4)))
	used := must.M1(p.CreateModule("used", nil))
	free := must.M1(p.CreateModule("free", nil))
	must.M1(m.AddInstruction(elementwiseOp{"neg"}, []*Instruction{x}, used))

	require.ErrorIs(t, p.RemoveModule(used), errs.ErrInvariant)
	require.ErrorIs(t, p.RemoveModule(m), errs.ErrInvariant)
	require.NoError(t, p.RemoveModule(free))
	assert.Nil(t, p.Module("free"))
	assert.NotNil(t, p.Module("used"))
	require.ErrorIs(t, p.RemoveModule(free), errs.ErrInvariant)
}

func TestSubModule(t *testing.T) {
	p := NewProgram()
	m := p.Main()
	x := must.M1(m.AddParameter("x", MS(Float32, 4)))
	sub := must.M1(p.CreateSubModule(m, "sub"))
	neg := must.M1(sub.AddInstruction(elementwiseOp{"neg"}, []*Instruction{x}))
	assert.Equal(t, m, sub.Parent())
	require.NoError(t, p.Validate())
	assert.Contains(t, sub.String(), "neg(main#0)")

	// Not visible the other way around.
	_, err := m.AddInstruction(elementwiseOp{"neg"}, []*Instruction{neg})
	require.ErrorIs(t, err, errs.ErrInvariant)
}

func TestAddInstructions(t *testing.T) {
	p := NewProgram()
	body := must.M1(p.CreateModule("body", nil))
	x0 := must.M1(body.AddParameter("x0", shapes.Scalar(Float32)))
	neg := must.M1(body.AddInstruction(elementwiseOp{"neg"}, []*Instruction{x0}))
	must.M1(body.AddReturn(neg))

	m := p.Main()
	x := must.M1(m.AddParameter("x", shapes.Scalar(Float32)))
	results := must.M1(m.AddInstructions(body, map[*Instruction]*Instruction{x0: x}))
	require.Len(t, results, 1)
	assert.Equal(t, "neg", results[0].Name())
	assert.Equal(t, []*Instruction{x}, results[0].Inputs())

	_, err := m.AddInstructions(body, nil)
	require.ErrorIs(t, err, errs.ErrInvariant)
}

func TestString(t *testing.T) {
	p, _, _, _, _ := buildAddMul(t)
	want := "module \"main\":\n" +
		"\t#0\t@param{name=\"x\"}() -> (Float32)[2 3]\n" +
		"\t#1\t@param{name=\"y\"}() -> (Float32)[2 3]\n" +
		"\t#2\tadd(#0, #1) -> (Float32)[2 3]\n" +
		"\t#3\tmul(#2, #2) -> (Float32)[2 3]\n" +
		"\t#4\t@return(#3)\n"
	assert.Equal(t, want, p.String())

	p2, _, _, _, _ := buildAddMul(t)
	assert.Equal(t, p.String(), p2.String())
}

func TestValues(t *testing.T) {
	op := castOp{Float16}
	assert.Equal(t, Map{"dtype": String("Float16")}, ToValue(op))
	assert.True(t, OpEqual(op, castOp{Float16}))
	assert.False(t, OpEqual(op, castOp{Float32}))
	assert.Equal(t, `cast{dtype="Float16"}`, OpString(op))

	m := Map{"b": Ints{1, 2}, "a": Float(0.5), "c": ShapeValue{MS(Int8, 3)}, "d": Bool(true)}
	assert.Equal(t, `{a=0.5, b=[1 2], c=(Int8)[3], d=true}`, m.String())
	assert.True(t, ValuesEqual(m, Map{"a": Float(0.5), "b": Ints{1, 2}, "c": ShapeValue{MS(Int8, 3)}, "d": Bool(true)}))
	assert.False(t, ValuesEqual(Int(1), Float(1)))
	axis, found := Map{"axis": Int(2)}.GetInt("axis")
	assert.True(t, found)
	assert.Equal(t, 2, axis)
	_, found = Map(nil).GetInt("axis")
	assert.False(t, found)
}
