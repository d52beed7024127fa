// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

const DotName = "dot"

// Dot is a (batched) matrix multiplication: [batch..., M, K] x [batch..., K, N] -> [batch..., M, N].
// The batch dimensions must match; the layouts of the operands are free (they can be transposed or broadcast).
type Dot struct{}

func (Dot) Name() string { return DotName }

func (Dot) VisitFields(ir.FieldVisitor) {}

func (Dot) ComputeShape(inputs []shapes.Shape, _ []*ir.Module) (shapes.Shape, error) {
	if err := checkInputsCount(DotName, inputs, 2); err != nil {
		return shapes.Invalid(), err
	}
	return DotShape(inputs[0], inputs[1])
}

// DotShape returns the output shape of a matrix multiplication of a and b.
func DotShape(a, b shapes.Shape) (shapes.Shape, error) {
	if a.DType != b.DType {
		return shapes.Invalid(), errors.Errorf("data types (DType) for %s must match, got %s and %s", DotName, a, b)
	}
	if a.DType == dtypes.Bool {
		return shapes.Invalid(), errors.Errorf("%s requires numeric inputs, got %s", DotName, a)
	}
	rank := a.Rank()
	if rank < 2 || b.Rank() != rank {
		return shapes.Invalid(), errors.Errorf("%s requires operands of the same rank >= 2, got %s and %s", DotName, a, b)
	}
	for axis := range rank - 2 {
		if a.Dimensions[axis] != b.Dimensions[axis] {
			return shapes.Invalid(), errors.Errorf("%s: batch axis %d doesn't match for %s and %s", DotName, axis, a, b)
		}
	}
	if a.Dim(-1) != b.Dim(-2) {
		return shapes.Invalid(), errors.Errorf("%s: contracting dimensions don't match for %s and %s (%d != %d)",
			DotName, a, b, a.Dim(-1), b.Dim(-2))
	}
	dims := a.Clone().Dimensions
	dims[rank-1] = b.Dim(-1)
	return shapes.Make(a.DType, dims...), nil
}
