// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/core/shapes"
	"github.com/pkg/errors"
)

const SoftmaxName = "softmax"

// Softmax normalizes its input along Axis.
type Softmax struct {
	Axis int
}

func (op Softmax) Name() string { return SoftmaxName }

func (op Softmax) VisitFields(visit ir.FieldVisitor) { visit("axis", ir.Int(op.Axis)) }

func (op Softmax) ComputeShape(inputs []shapes.Shape, _ []*ir.Module) (shapes.Shape, error) {
	if err := checkInputsCount(SoftmaxName, inputs, 1); err != nil {
		return shapes.Invalid(), err
	}
	if !inputs[0].DType.IsFloat() {
		return shapes.Invalid(), errors.Errorf("%s must have a float (Float16, Float32, ...) data type as input, got %s", SoftmaxName, inputs[0])
	}
	if _, err := normalizeAxis(SoftmaxName, op.Axis, inputs[0].Rank()); err != nil {
		return shapes.Invalid(), err
	}
	return inputs[0].Standard(), nil
}

// NormalizedAxis returns the non-negative axis of the softmax for an input of the given rank.
func (op Softmax) NormalizedAxis(rank int) (int, error) {
	return normalizeAxis(SoftmaxName, op.Axis, rank)
}
