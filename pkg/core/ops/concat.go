// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

const (
	ConcatName      = "concat"
	FusedConcatName = "fused_concat"
)

// Concat concatenates its inputs along Axis. Negative axes count from the end.
type Concat struct {
	Axis int
}

func (op Concat) Name() string { return ConcatName }

func (op Concat) VisitFields(visit ir.FieldVisitor) { visit("axis", ir.Int(op.Axis)) }

func (op Concat) ComputeShape(inputs []shapes.Shape, _ []*ir.Module) (shapes.Shape, error) {
	if len(inputs) == 0 {
		return shapes.Invalid(), errors.Errorf("%s requires at least one input", ConcatName)
	}
	if err := checkSameDType(ConcatName, inputs); err != nil {
		return shapes.Invalid(), err
	}
	return concatShape(ConcatName, inputs, op.Axis, inputs[0].DType)
}

// concatShape validates the ranks and the non-axis dimensions of inputs, and returns the standard shape
// of their concatenation with the given dtype.
func concatShape(opName string, inputs []shapes.Shape, axis int, dtype dtypes.DType) (shapes.Shape, error) {
	firstShape := inputs[0]
	rank := firstShape.Rank()
	if !firstShape.Ok() {
		return shapes.Invalid(), errors.Errorf("invalid shape %s for first input of %s", firstShape, opName)
	}
	adjustedAxis, err := normalizeAxis(opName, axis, rank)
	if err != nil {
		return shapes.Invalid(), err
	}
	dims := firstShape.Clone().Dimensions
	for i := 1; i < len(inputs); i++ {
		currentShape := inputs[i]
		if currentShape.Rank() != rank {
			return shapes.Invalid(), errors.Errorf("mismatched ranks for %s: input #0 has rank %d, input #%d has rank %d",
				opName, rank, i, currentShape.Rank())
		}
		for d := range rank {
			if d == adjustedAxis {
				dims[d] += currentShape.Dimensions[d]
			} else if currentShape.Dimensions[d] != dims[d] {
				return shapes.Invalid(), errors.Errorf("mismatched dimensions for %s at axis %d (non-concatenation axis): input #0 has %d, input #%d has %d",
					opName, d, dims[d], i, currentShape.Dimensions[d])
			}
		}
	}
	return shapes.Make(dtype, dims...), nil
}

// FusedConcat is the fusion of elementwise operations before and after a Concat.
//
// Its modules are one branch module per concatenated value, followed by the post module.
// The inputs are the inputs of each branch module (as many as its parameters, bound in sorted
// parameter name order), followed by the inputs of the post module excluding its cut parameter: the
// one fed by the concatenation, whose name sorts first.
type FusedConcat struct {
	Axis int
}

func (op FusedConcat) Name() string { return FusedConcatName }

func (op FusedConcat) VisitFields(visit ir.FieldVisitor) { visit("axis", ir.Int(op.Axis)) }

func (op FusedConcat) ComputeShape(inputs []shapes.Shape, modules []*ir.Module) (shapes.Shape, error) {
	if len(modules) < 2 {
		return shapes.Invalid(), errors.Errorf("%s: missing fused modules, requires at least one branch and the post module, got %d",
			FusedConcatName, len(modules))
	}
	if len(inputs) == 0 {
		return shapes.Invalid(), errors.Errorf("%s requires inputs", FusedConcatName)
	}
	for ii, input := range inputs[1:] {
		if input.Rank() != inputs[0].Rank() {
			return shapes.Invalid(), errors.Errorf("%s: all inputs must have the same rank, input #0 is %s and input #%d is %s",
				FusedConcatName, inputs[0], ii+1, input)
		}
	}
	branches, post := modules[:len(modules)-1], modules[len(modules)-1]
	var concatInputs []shapes.Shape
	next := 0
	for _, branch := range branches {
		numParams := len(branch.ParameterNames())
		if numParams == 0 || next+numParams > len(inputs) {
			return shapes.Invalid(), errors.Errorf("%s: branch module %q with %d parameters doesn't fit the %d inputs",
				FusedConcatName, branch.Name(), numParams, len(inputs))
		}
		concatInputs = append(concatInputs, inputs[next])
		next += numParams
	}
	if postParams := len(post.ParameterNames()); next+postParams-1 != len(inputs) {
		return shapes.Invalid(), errors.Errorf("%s: post module %q has %d parameters, but there are %d inputs left for it (plus the concatenated value)",
			FusedConcatName, post.Name(), postParams, len(inputs)-next)
	}
	outputShapes := post.OutputShapes()
	if len(outputShapes) != 1 {
		return shapes.Invalid(), errors.Errorf("%s: post module %q must return one value, got %d",
			FusedConcatName, post.Name(), len(outputShapes))
	}
	return concatShape(FusedConcatName, concatInputs, op.Axis, outputShapes[0].DType)
}
