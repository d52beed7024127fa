// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/core/shapes"
	"github.com/pkg/errors"
)

const PointwiseName = "pointwise"

// Pointwise applies its single submodule to each element of its inputs.
//
// The submodule has one scalar parameter per input, bound in sorted parameter name order, and returns
// a single scalar. All non-scalar inputs must have the same dimensions, which are the dimensions of
// the output; the output dtype is the one returned by the submodule.
type Pointwise struct{}

func (Pointwise) Name() string { return PointwiseName }

func (Pointwise) VisitFields(ir.FieldVisitor) {}

func (Pointwise) ComputeShape(inputs []shapes.Shape, modules []*ir.Module) (shapes.Shape, error) {
	if len(modules) != 1 {
		return shapes.Invalid(), errors.Errorf("%s requires exactly one submodule, got %d", PointwiseName, len(modules))
	}
	if len(inputs) == 0 {
		return shapes.Invalid(), errors.Errorf("%s requires at least one input", PointwiseName)
	}
	module := modules[0]
	if err := CheckPointwiseModule(module, inputs); err != nil {
		return shapes.Invalid(), err
	}
	output, err := elementwiseOutput(PointwiseName, inputs)
	if err != nil {
		return shapes.Invalid(), err
	}
	return output.WithDType(module.OutputShapes()[0].DType), nil
}

// CheckPointwiseModule verifies that module can be applied element by element to the given inputs:
// one scalar parameter per input, with matching dtypes, and a single scalar result.
func CheckPointwiseModule(module *ir.Module, inputs []shapes.Shape) error {
	paramShapes := module.SortedParameterShapes()
	if len(paramShapes) != len(inputs) {
		return errors.Errorf("module %q has %d parameters, but %d inputs were given", module.Name(), len(paramShapes), len(inputs))
	}
	for ii, paramShape := range paramShapes {
		if !paramShape.IsScalar() {
			return errors.Errorf("module %q: parameter #%d must be a scalar, got %s", module.Name(), ii, paramShape)
		}
		if paramShape.DType != inputs[ii].DType {
			return errors.Errorf("module %q: parameter #%d has dtype %s, but input #%d is %s",
				module.Name(), ii, paramShape.DType, ii, inputs[ii])
		}
	}
	outputs := module.OutputShapes()
	if len(outputs) != 1 || !outputs[0].IsScalar() {
		return errors.Errorf("module %q must return a single scalar, got %v", module.Name(), outputs)
	}
	return nil
}
