// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the immutable description of a tensor value flowing through
// the instruction graph: its DType, its dimensions and its memory layout (strides).
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a tensor.
//   - Axis: the index of a dimension. Negative axes count from the end, so -1 is the last axis.
//   - Dimension: the size of the tensor in one of its axes.
//   - Stride: distance, in elements, between consecutive entries along an axis. A stride of 0
//     means the axis is broadcast.
//   - Standard shape: strides implied by row-major packing of the dimensions.
//   - DType: the element type. Enumeration defined in github.com/gomlx/gopjrt/dtypes.
//
// Example: `shapes.Make(dtypes.Float32, 2, 3)` has rank 2, dimensions [2 3] and standard
// strides [3 1]. Its transposed view is `shapes.MakeStrided(dtypes.Float32, []int{3, 2}, []int{1, 3})`.
package shapes

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape of a value in the instruction graph. Treat it as immutable: use Clone or the With* methods
// to derive new shapes.
//
// Invariant: len(Strides) == len(Dimensions).
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
	Strides    []int
}

// Make returns a standard (row-major packed) Shape with the given dimensions.
//
// It panics if any dimension is <= 0.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: cloneInts(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s, %v): cannot create a shape with an axis with dimension <= 0", dtype, dimensions)
		}
	}
	s.Strides = StandardStrides(dimensions)
	return s
}

// MakeStrided returns a Shape with an explicit memory layout.
//
// It panics if the number of strides doesn't match the number of dimensions, or if any dimension is <= 0
// or any stride is negative.
func MakeStrided(dtype dtypes.DType, dimensions, strides []int) Shape {
	if len(dimensions) != len(strides) {
		exceptions.Panicf("shapes.MakeStrided(%s): %d dimensions %v but %d strides %v",
			dtype, len(dimensions), dimensions, len(strides), strides)
	}
	for axis, dim := range dimensions {
		if dim <= 0 || strides[axis] < 0 {
			exceptions.Panicf("shapes.MakeStrided(%s, %v, %v): invalid dimension or stride for axis %d",
				dtype, dimensions, strides, axis)
		}
	}
	return Shape{DType: dtype, Dimensions: cloneInts(dimensions), Strides: cloneInts(strides)}
}

// Scalar returns a scalar Shape for the given type.
func Scalar(dtype dtypes.DType) Shape {
	return Shape{DType: dtype, Dimensions: []int{}, Strides: []int{}}
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// StandardStrides returns the strides of a row-major packed layout of the given dimensions.
func StandardStrides(dimensions []int) []int {
	strides := make([]int, len(dimensions))
	stride := 1
	for axis := len(dimensions) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dimensions[axis]
	}
	return strides
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. Negative axes count from the end.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	return s.Dimensions[s.adjustAxis(axis)]
}

// Stride returns the stride of the given axis. Negative axes count from the end.
func (s Shape) Stride(axis int) int {
	return s.Strides[s.adjustAxis(axis)]
}

func (s Shape) adjustAxis(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += s.Rank()
	}
	if adjusted < 0 || adjusted >= s.Rank() {
		exceptions.Panicf("axis %d out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return adjusted
}

// Size returns the number of logical elements.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the number of bytes needed to store a standard layout of the shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// IsStandard returns whether the strides are the row-major packing of the dimensions.
// Axes of dimension 1 are ignored, since their stride is irrelevant.
func (s Shape) IsStandard() bool {
	standard := StandardStrides(s.Dimensions)
	for axis, stride := range s.Strides {
		if s.Dimensions[axis] != 1 && stride != standard[axis] {
			return false
		}
	}
	return true
}

// IsTransposed returns whether the fastest-varying axis (the last one) is not contiguous.
// Scalars are never transposed.
func (s Shape) IsTransposed() bool {
	if s.Rank() == 0 {
		return false
	}
	return s.Strides[s.Rank()-1] != 1
}

// IsBroadcasted returns whether any axis has a stride of 0.
func (s Shape) IsBroadcasted() bool {
	return slices.Contains(s.Strides, 0)
}

// WithDType returns a copy of the shape with a different DType.
func (s Shape) WithDType(dtype dtypes.DType) Shape {
	s2 := s.Clone()
	s2.DType = dtype
	return s2
}

// Standard returns a standard shape with the same DType and dimensions.
func (s Shape) Standard() Shape {
	s2 := s.Clone()
	s2.Strides = StandardStrides(s2.Dimensions)
	return s2
}

// Permute returns the shape with its axes reordered by permutation: axis i of the result is axis
// permutation[i] of s. The underlying layout is kept, only the view changes.
func (s Shape) Permute(permutation []int) Shape {
	if len(permutation) != s.Rank() {
		exceptions.Panicf("Shape.Permute(%v) given for shape %s of rank %d", permutation, s, s.Rank())
	}
	s2 := Shape{DType: s.DType, Dimensions: make([]int, s.Rank()), Strides: make([]int, s.Rank())}
	for ii, axis := range permutation {
		s2.Dimensions[ii] = s.Dimensions[axis]
		s2.Strides[ii] = s.Strides[axis]
	}
	return s2
}

// Equal compares DType, dimensions and strides.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions) && slices.Equal(s.Strides, s2.Strides)
}

// EqualDimensions compares only the dimensions, ignoring DType and strides.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = cloneInts(s.Dimensions)
	s2.Strides = cloneInts(s.Strides)
	return
}

// cloneInts never returns nil, so that scalar shapes compare equal with reflect.DeepEqual.
func cloneInts(values []int) []int {
	return append(make([]int, 0, len(values)), values...)
}

// String implements fmt.Stringer. Non-standard layouts print their strides after a colon.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	if s.IsStandard() {
		return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
	}
	return fmt.Sprintf("(%s)%v:%v", s.DType, s.Dimensions, s.Strides)
}
