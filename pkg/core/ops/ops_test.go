// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"testing"

	"github.com/gomlx/graphjit/pkg/core/errs"
	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/core/shapes"
	. "github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Aliases
var (
	MS = shapes.Make
	S  = shapes.Scalar
)

func computeShape(op ir.Operation, inputs ...shapes.Shape) (shapes.Shape, error) {
	return op.ComputeShape(inputs, nil)
}

func TestElementwise(t *testing.T) {
	output := must.M1(computeShape(Add, MS(Float32, 2, 3), MS(Float32, 2, 3)))
	assert.True(t, output.Equal(MS(Float32, 2, 3)))

	// Scalars apply to all elements, and the output is standard even if the input is transposed.
	transposed := MS(Float32, 3, 2).Permute([]int{1, 0})
	output = must.M1(computeShape(Mul, S(Float32), transposed))
	assert.True(t, output.Equal(MS(Float32, 2, 3)))

	testCases := []struct {
		name   string
		op     Elementwise
		inputs []shapes.Shape
	}{
		{"dims", Add, []shapes.Shape{MS(Float32, 2, 3), MS(Float32, 3, 2)}},
		{"dtype", Add, []shapes.Shape{MS(Float32, 2, 3), MS(Float16, 2, 3)}},
		{"arity", Add, []shapes.Shape{MS(Float32, 2, 3)}},
		{"float", Exp, []shapes.Shape{MS(Int32, 2)}},
		{"signed", Neg, []shapes.Shape{MS(Uint8, 2)}},
		{"bool", Relu, []shapes.Shape{MS(Bool, 2)}},
		{"unknown", Elementwise{OpName: "frobnicate"}, []shapes.Shape{MS(Float32, 2)}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.op.ComputeShape(tc.inputs, nil)
			require.Error(t, err)
		})
	}

	output = must.M1(computeShape(Identity, MS(Bool, 4)))
	assert.Equal(t, Bool, output.DType)
	assert.True(t, IsElementwise(Sigmoid))
	assert.False(t, IsElementwise(Dot{}))
	assert.Equal(t, 2, Max.Arity())
}

func TestPointwiseCode(t *testing.T) {
	assert.Equal(t, "(x0 + x1)", Add.PointwiseCode([]string{"x0", "x1"}))
	assert.Equal(t, "graphjit::max(decltype(z){0}, z)", Relu.PointwiseCode([]string{"z"}))
	assert.Equal(t, "graphjit::exp(a)", Exp.PointwiseCode([]string{"a"}))
}

func TestConcat(t *testing.T) {
	output := must.M1(computeShape(Concat{Axis: 1}, MS(Float32, 2, 3), MS(Float32, 2, 5)))
	assert.True(t, output.Equal(MS(Float32, 2, 8)))
	output = must.M1(computeShape(Concat{Axis: -2}, MS(Float32, 2, 3), MS(Float32, 4, 3)))
	assert.True(t, output.Equal(MS(Float32, 6, 3)))

	_, err := computeShape(Concat{Axis: 1}, MS(Float32, 2, 3), MS(Float32, 3, 3))
	require.ErrorContains(t, err, "non-concatenation axis")
	_, err = computeShape(Concat{Axis: 2}, MS(Float32, 2, 3), MS(Float32, 2, 3))
	require.ErrorContains(t, err, "out-of-bounds")
	_, err = computeShape(Concat{Axis: 0}, MS(Float32, 2, 3), MS(Float32, 2))
	require.ErrorContains(t, err, "mismatched ranks")
	_, err = computeShape(Concat{Axis: 0}, MS(Float32, 2), MS(Int32, 2))
	require.Error(t, err)
}

func TestDot(t *testing.T) {
	output := must.M1(computeShape(Dot{}, MS(Float16, 64, 32), MS(Float16, 32, 128)))
	assert.True(t, output.Equal(MS(Float16, 64, 128)))

	// Batched with a broadcast right-hand side.
	b := must.M1(computeShape(Broadcast{Dimensions: []int{4, 32, 128}}, MS(Float16, 32, 128)))
	output = must.M1(computeShape(Dot{}, MS(Float16, 4, 64, 32), b))
	assert.True(t, output.Equal(MS(Float16, 4, 64, 128)))

	_, err := computeShape(Dot{}, MS(Float16, 64, 32), MS(Float16, 16, 128))
	require.ErrorContains(t, err, "contracting")
	_, err = computeShape(Dot{}, MS(Float16, 2, 64, 32), MS(Float16, 3, 32, 128))
	require.ErrorContains(t, err, "batch axis")
	_, err = computeShape(Dot{}, MS(Float16, 32), MS(Float16, 32))
	require.Error(t, err)
}

func TestLayoutOps(t *testing.T) {
	output := must.M1(computeShape(Transpose{Permutation: []int{1, 0}}, MS(Float32, 2, 3)))
	assert.Equal(t, []int{3, 2}, output.Dimensions)
	assert.Equal(t, []int{1, 3}, output.Strides)
	assert.True(t, output.IsTransposed())
	_, err := computeShape(Transpose{Permutation: []int{0, 0}}, MS(Float32, 2, 3))
	require.ErrorContains(t, err, "repeated")

	output = must.M1(computeShape(Broadcast{Dimensions: []int{5, 2, 3}}, MS(Float32, 1, 3)))
	assert.Equal(t, []int{5, 2, 3}, output.Dimensions)
	assert.Equal(t, []int{0, 0, 1}, output.Strides)
	_, err = computeShape(Broadcast{Dimensions: []int{5, 2, 3}}, MS(Float32, 2, 2))
	require.Error(t, err)

	output = must.M1(computeShape(Softmax{Axis: -1}, output))
	assert.True(t, output.Equal(MS(Float32, 5, 2, 3)))
	_, err = computeShape(Softmax{Axis: 3}, MS(Float32, 2))
	require.Error(t, err)
}

// scalarModule creates a bypass module returning op applied to scalar parameters named "x0", "x1", ...
func scalarModule(t *testing.T, p *ir.Program, name string, dtype DType, op Elementwise) *ir.Module {
	m := must.M1(p.CreateModule(name, nil))
	params := make([]*ir.Instruction, op.Arity())
	for ii := range params {
		params[ii] = must.M1(m.AddParameter("x"+string(rune('0'+ii)), S(dtype)))
	}
	result := must.M1(m.AddInstruction(op, params))
	must.M1(m.AddReturn(result))
	m.SetBypass(true)
	require.NoError(t, m.Validate())
	return m
}

func TestPointwise(t *testing.T) {
	p := ir.NewProgram()
	add := scalarModule(t, p, "add", Float32, Add)
	output, err := Pointwise{}.ComputeShape([]shapes.Shape{MS(Float32, 4, 8), MS(Float32, 4, 8)}, []*ir.Module{add})
	require.NoError(t, err)
	assert.True(t, output.Equal(MS(Float32, 4, 8)))

	_, err = Pointwise{}.ComputeShape([]shapes.Shape{MS(Float32, 4, 8)}, []*ir.Module{add})
	require.ErrorContains(t, err, "2 parameters")
	_, err = Pointwise{}.ComputeShape([]shapes.Shape{MS(Float16, 4, 8), MS(Float16, 4, 8)}, []*ir.Module{add})
	require.ErrorContains(t, err, "dtype")
	_, err = Pointwise{}.ComputeShape([]shapes.Shape{MS(Float32, 4, 8), MS(Float32, 4, 8)}, nil)
	require.Error(t, err)
}

func TestFusedConcat(t *testing.T) {
	p := ir.NewProgram()
	branch0 := scalarModule(t, p, "branch0", Float32, Relu)
	branch1 := scalarModule(t, p, "branch1", Float32, Add)
	post := scalarModule(t, p, "post", Float32, Mul)
	inputs := []shapes.Shape{
		MS(Float32, 2, 3),                    // branch0
		MS(Float32, 2, 5), MS(Float32, 2, 5), // branch1
		MS(Float32, 2, 8), // post, besides the concatenated value.
	}
	output, err := FusedConcat{Axis: 1}.ComputeShape(inputs, []*ir.Module{branch0, branch1, post})
	require.NoError(t, err)
	assert.True(t, output.Equal(MS(Float32, 2, 8)))

	_, err = FusedConcat{Axis: 1}.ComputeShape(inputs[:3], []*ir.Module{branch0, branch1, post})
	require.ErrorContains(t, err, "post module")
	_, err = FusedConcat{Axis: 0}.ComputeShape(inputs, []*ir.Module{branch0, branch1, post})
	require.ErrorContains(t, err, "non-concatenation axis")
	_, err = FusedConcat{Axis: 1}.ComputeShape(inputs, []*ir.Module{post})
	require.ErrorContains(t, err, "missing fused modules")
}

func TestMake(t *testing.T) {
	op := must.M1(Make("concat", ir.Map{"axis": ir.Int(1)}))
	assert.Equal(t, Concat{Axis: 1}, op)
	assert.True(t, ir.OpEqual(op, must.M1(Make("concat", ir.ToValue(op)))))

	op = must.M1(Make("relu", nil))
	assert.Equal(t, Relu, op)

	_, err := Make("concat", nil)
	require.ErrorIs(t, err, errs.ErrConfiguration)
	_, err = Make("frobnicate", nil)
	require.ErrorIs(t, err, errs.ErrUnsupportedOperation)
	assert.Contains(t, Names(), "fused_concat")
}
