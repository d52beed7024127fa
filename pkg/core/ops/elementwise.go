// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"fmt"

	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/core/shapes"
	"github.com/gomlx/graphjit/pkg/support/sets"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// elementwiseDef describes how an elementwise operation type-checks and how it is rendered in device code.
type elementwiseDef struct {
	arity  int
	format string // fmt format taking arity arguments.
}

var elementwiseCode = map[string]elementwiseDef{
	// Binary.
	"add": {2, "(%s + %s)"},
	"sub": {2, "(%s - %s)"},
	"mul": {2, "(%s * %s)"},
	"div": {2, "(%s / %s)"},
	"max": {2, "graphjit::max(%s, %s)"},
	"min": {2, "graphjit::min(%s, %s)"},
	"pow": {2, "graphjit::pow(%s, %s)"},

	// Unary.
	"identity": {1, "%s"},
	"neg":      {1, "(-%s)"},
	"abs":      {1, "graphjit::abs(%s)"},
	"relu":     {1, "graphjit::max(decltype(%[1]s){0}, %[1]s)"},
	"exp":      {1, "graphjit::exp(%s)"},
	"log":      {1, "graphjit::log(%s)"},
	"sqrt":     {1, "graphjit::sqrt(%s)"},
	"tanh":     {1, "graphjit::tanh(%s)"},
	"sigmoid":  {1, "(1 / (1 + graphjit::exp(-%s)))"},
}

var (
	// FloatOperations only accept floating point inputs.
	FloatOperations = sets.MakeWith("exp", "log", "sqrt", "tanh", "sigmoid", "pow")

	// SignedOperations don't accept unsigned inputs.
	SignedOperations = sets.MakeWith("neg")

	// NumberOperations don't accept booleans. Only identity does.
	NumberOperations = sets.MakeWith("add", "sub", "mul", "div", "max", "min", "pow",
		"neg", "abs", "relu", "exp", "log", "sqrt", "tanh", "sigmoid")
)

// Elementwise operations are applied independently to each element of their inputs, which must have
// the same dimensions. Scalar inputs are applied to every element.
//
// They are the operations fused by the pointwise fusion pass.
type Elementwise struct {
	OpName string
}

// Some commonly used elementwise operations.
var (
	Add      = Elementwise{OpName: "add"}
	Sub      = Elementwise{OpName: "sub"}
	Mul      = Elementwise{OpName: "mul"}
	Div      = Elementwise{OpName: "div"}
	Max      = Elementwise{OpName: "max"}
	Min      = Elementwise{OpName: "min"}
	Identity = Elementwise{OpName: "identity"}
	Neg      = Elementwise{OpName: "neg"}
	Abs      = Elementwise{OpName: "abs"}
	Relu     = Elementwise{OpName: "relu"}
	Exp      = Elementwise{OpName: "exp"}
	Log      = Elementwise{OpName: "log"}
	Tanh     = Elementwise{OpName: "tanh"}
	Sigmoid  = Elementwise{OpName: "sigmoid"}
)

// IsElementwise returns whether op is one of the Elementwise operations.
func IsElementwise(op ir.Operation) bool {
	e, ok := op.(Elementwise)
	if !ok {
		return false
	}
	_, found := elementwiseCode[e.OpName]
	return found
}

func (op Elementwise) Name() string { return op.OpName }

func (op Elementwise) VisitFields(ir.FieldVisitor) {}

// Arity returns the number of inputs of the operation, or 0 if it is unknown.
func (op Elementwise) Arity() int { return elementwiseCode[op.OpName].arity }

// ComputeShape checks the dtypes, which must all be the same, and dimensions, which must be all equal
// or scalar.
func (op Elementwise) ComputeShape(inputs []shapes.Shape, _ []*ir.Module) (shapes.Shape, error) {
	def, found := elementwiseCode[op.OpName]
	if !found {
		return shapes.Invalid(), errors.Errorf("unknown elementwise operation %q", op.OpName)
	}
	if err := checkInputsCount(op.OpName, inputs, def.arity); err != nil {
		return shapes.Invalid(), err
	}
	if err := checkSameDType(op.OpName, inputs); err != nil {
		return shapes.Invalid(), err
	}
	dtype := inputs[0].DType
	if NumberOperations.Has(op.OpName) && dtype == dtypes.Bool {
		return shapes.Invalid(), errors.Errorf("numeric operation %s must have a number (Int32, Float32, ...) data type as input, got %s", op.OpName, inputs[0])
	}
	if FloatOperations.Has(op.OpName) && !dtype.IsFloat() {
		return shapes.Invalid(), errors.Errorf("float operation %s must have a float (Float16, Float32, ...) data type as input, got %s", op.OpName, inputs[0])
	}
	if SignedOperations.Has(op.OpName) && isUnsigned(dtype) {
		return shapes.Invalid(), errors.Errorf("signed operation %s must have a signed data type as input, got %s", op.OpName, inputs[0])
	}
	return elementwiseOutput(op.OpName, inputs)
}

// PointwiseCode renders the operation as a device expression over the given argument expressions.
func (op Elementwise) PointwiseCode(args []string) string {
	def := elementwiseCode[op.OpName]
	values := make([]any, len(args))
	for ii, arg := range args {
		values[ii] = arg
	}
	return fmt.Sprintf(def.format, values...)
}

// elementwiseOutput returns the standard shape with the dimensions shared by all non-scalar inputs.
func elementwiseOutput(opName string, inputs []shapes.Shape) (shapes.Shape, error) {
	output := shapes.Scalar(inputs[0].DType)
	for ii, input := range inputs {
		if input.IsScalar() {
			continue
		}
		if output.IsScalar() {
			output = input.Standard()
			continue
		}
		if !input.EqualDimensions(output) {
			return shapes.Invalid(), errors.Errorf("%s: dimensions of input #%d %s don't match %s, and implicit broadcasting is not supported",
				opName, ii, input, output)
		}
	}
	return output, nil
}
