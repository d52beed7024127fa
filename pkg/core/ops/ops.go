// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ops is the catalog of operations understood by the graph compiler: they implement
// ir.Operation with their shape rules and attributes.
//
// Shape rules follow the same conventions for every operation: element types must match exactly,
// there is no implicit broadcasting (use Broadcast), and outputs have a standard layout.
// Operations that only change the view of a value (Transpose, Broadcast) return a strided shape.
package ops

import (
	"maps"
	"slices"

	"github.com/gomlx/graphjit/pkg/core/errs"
	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// constructor creates an operation from its attributes.
type constructor func(attrs ir.Map) (ir.Operation, error)

var catalog = map[string]constructor{}

func init() {
	for name := range elementwiseCode {
		catalog[name] = func(ir.Map) (ir.Operation, error) { return Elementwise{OpName: name}, nil }
	}
	catalog[ConcatName] = func(attrs ir.Map) (ir.Operation, error) {
		axis, found := attrs.GetInt("axis")
		if !found {
			return nil, errors.Errorf("%s requires an \"axis\" attribute", ConcatName)
		}
		return Concat{Axis: axis}, nil
	}
	catalog[FusedConcatName] = func(attrs ir.Map) (ir.Operation, error) {
		axis, found := attrs.GetInt("axis")
		if !found {
			return nil, errors.Errorf("%s requires an \"axis\" attribute", FusedConcatName)
		}
		return FusedConcat{Axis: axis}, nil
	}
	catalog[SoftmaxName] = func(attrs ir.Map) (ir.Operation, error) {
		axis, found := attrs.GetInt("axis")
		if !found {
			axis = -1
		}
		return Softmax{Axis: axis}, nil
	}
	catalog[DotName] = func(ir.Map) (ir.Operation, error) { return Dot{}, nil }
	catalog[PointwiseName] = func(ir.Map) (ir.Operation, error) { return Pointwise{}, nil }
	catalog[TransposeName] = func(attrs ir.Map) (ir.Operation, error) {
		perm, found := attrs.GetInts("permutation")
		if !found {
			return nil, errors.Errorf("%s requires a \"permutation\" attribute", TransposeName)
		}
		return Transpose{Permutation: perm}, nil
	}
	catalog[BroadcastName] = func(attrs ir.Map) (ir.Operation, error) {
		dims, found := attrs.GetInts("dimensions")
		if !found {
			return nil, errors.Errorf("%s requires a \"dimensions\" attribute", BroadcastName)
		}
		return Broadcast{Dimensions: dims}, nil
	}
}

// Make creates the operation with the given name and attributes, as printed by ir.ToValue.
func Make(name string, attrs ir.Map) (ir.Operation, error) {
	c, found := catalog[name]
	if !found {
		return nil, errs.Unsupportedf("unknown operation %q", name)
	}
	op, err := c(attrs)
	if err != nil {
		return nil, errs.Mark(errs.ErrConfiguration, err, "ops.Make(%q, %s)", name, attrs)
	}
	return op, nil
}

// Names returns the names of all operations in the catalog, sorted.
func Names() []string {
	return slices.Sorted(maps.Keys(catalog))
}

// normalizeAxis converts a negative axis to its positive equivalent, and checks its range.
func normalizeAxis(opName string, axis, rank int) (int, error) {
	adjusted := axis
	if adjusted < 0 {
		adjusted += rank
	}
	if adjusted < 0 || adjusted >= rank {
		return 0, errors.Errorf("%s: axis %d out-of-bounds for rank %d", opName, axis, rank)
	}
	return adjusted, nil
}

// checkInputsCount returns an error if the number of inputs is not n.
func checkInputsCount(opName string, inputs []shapes.Shape, n int) error {
	if len(inputs) != n {
		return errors.Errorf("%s takes %d inputs, got %d", opName, n, len(inputs))
	}
	for ii, input := range inputs {
		if !input.Ok() {
			return errors.Errorf("%s: invalid shape for input #%d", opName, ii)
		}
	}
	return nil
}

// checkSameDType returns an error if inputs don't all have the same dtype.
func checkSameDType(opName string, inputs []shapes.Shape) error {
	for ii, input := range inputs[1:] {
		if input.DType != inputs[0].DType {
			return errors.Errorf("data types (DType) for %s must match, got %s for input #0 and %s for input #%d",
				opName, inputs[0], input, ii+1)
		}
	}
	return nil
}

// isUnsigned is used by shape rules of signed operations.
func isUnsigned(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64:
		return true
	}
	return false
}
