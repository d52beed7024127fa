// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"slices"

	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/core/shapes"
	"github.com/pkg/errors"
)

const (
	TransposeName = "transpose"
	BroadcastName = "broadcast"
)

// Transpose permutes the axes of its input without moving data: the output is a strided view.
type Transpose struct {
	Permutation []int
}

func (op Transpose) Name() string { return TransposeName }

func (op Transpose) VisitFields(visit ir.FieldVisitor) { visit("permutation", ir.Ints(op.Permutation)) }

func (op Transpose) ComputeShape(inputs []shapes.Shape, _ []*ir.Module) (shapes.Shape, error) {
	if err := checkInputsCount(TransposeName, inputs, 1); err != nil {
		return shapes.Invalid(), err
	}
	operand := inputs[0]
	rank := operand.Rank()
	if len(op.Permutation) != rank {
		return shapes.Invalid(), errors.Errorf("%s requires all axes permutations to be defined, operand has shape %s, but %d permutations were given",
			TransposeName, operand, len(op.Permutation))
	}

	// Check permutation axes are within range and unique.
	axesSet := slices.Clone(op.Permutation)
	slices.Sort(axesSet)
	for ii, srcAxis := range axesSet {
		if srcAxis < 0 || srcAxis >= rank {
			return shapes.Invalid(), errors.Errorf("invalid permutation axis %d given to %s(%s), it must be within the range of its rank",
				srcAxis, TransposeName, operand)
		}
		if ii > 0 && srcAxis == axesSet[ii-1] {
			return shapes.Invalid(), errors.Errorf("invalid permutations given to %s(%s, %v), there cannot be any repeated axis",
				TransposeName, operand, op.Permutation)
		}
	}
	return operand.Permute(op.Permutation), nil
}

// Broadcast expands its input to Dimensions, aligning the axes to the right: new leading axes and axes
// of dimension 1 get a stride of 0. The output is a strided view.
type Broadcast struct {
	Dimensions []int
}

func (op Broadcast) Name() string { return BroadcastName }

func (op Broadcast) VisitFields(visit ir.FieldVisitor) { visit("dimensions", ir.Ints(op.Dimensions)) }

func (op Broadcast) ComputeShape(inputs []shapes.Shape, _ []*ir.Module) (shapes.Shape, error) {
	if err := checkInputsCount(BroadcastName, inputs, 1); err != nil {
		return shapes.Invalid(), err
	}
	operand := inputs[0]
	rank := len(op.Dimensions)
	if operand.Rank() > rank {
		return shapes.Invalid(), errors.Errorf("%s: cannot broadcast %s to lower rank dimensions %v", BroadcastName, operand, op.Dimensions)
	}
	offset := rank - operand.Rank()
	strides := make([]int, rank)
	for axis, dim := range op.Dimensions {
		if dim <= 0 {
			return shapes.Invalid(), errors.Errorf("%s: invalid target dimensions %v", BroadcastName, op.Dimensions)
		}
		if axis < offset {
			continue
		}
		srcDim := operand.Dimensions[axis-offset]
		switch {
		case srcDim == dim:
			strides[axis] = operand.Strides[axis-offset]
		case srcDim == 1:
			strides[axis] = 0
		default:
			return shapes.Invalid(), errors.Errorf("%s: dimension %d of axis %d of %s cannot be broadcast to %d",
				BroadcastName, srcDim, axis-offset, operand, dim)
		}
	}
	return shapes.MakeStrided(operand.DType, op.Dimensions, strides), nil
}
