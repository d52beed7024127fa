// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"strings"

	"github.com/gomlx/graphjit/pkg/core/shapes"
	"github.com/pkg/errors"
)

// FieldVisitor is called by Operation.VisitFields for each attribute of an operation, in a fixed order.
type FieldVisitor func(name string, value Value)

// Operation describes what an Instruction computes.
//
// Operations are values: they are never mutated after creation, and two operations with the same
// name and the same fields (see OpEqual) are interchangeable.
type Operation interface {
	// Name of the operation, e.g. "add", "pointwise" or "gpu::ck_gemm".
	Name() string

	// ComputeShape returns the output shape given the input shapes and the submodules attached to
	// the instruction. It returns an error if the inputs are not valid for the operation.
	ComputeShape(inputs []shapes.Shape, modules []*Module) (shapes.Shape, error)

	// VisitFields calls visit for each attribute of the operation.
	VisitFields(visit FieldVisitor)
}

// ToValue returns the attributes of the operation as a Map.
func ToValue(op Operation) Map {
	m := Map{}
	op.VisitFields(func(name string, value Value) {
		m[name] = value
	})
	return m
}

// OpEqual returns whether the operations have the same name and the same attributes.
func OpEqual(a, b Operation) bool {
	if a.Name() != b.Name() {
		return false
	}
	return ValuesEqual(ToValue(a), ToValue(b))
}

// OpString prints the operation name followed by its attributes in visiting order.
func OpString(op Operation) string {
	var parts []string
	op.VisitFields(func(name string, value Value) {
		parts = append(parts, fmt.Sprintf("%s=%s", name, value))
	})
	if len(parts) == 0 {
		return op.Name()
	}
	return fmt.Sprintf("%s{%s}", op.Name(), strings.Join(parts, ", "))
}

const (
	// ParameterOpName is the name of the parameter placeholder operation.
	ParameterOpName = "@param"

	// LiteralOpName is the name of the constant operation.
	LiteralOpName = "@literal"

	// ReturnOpName is the name of the terminal operation of a module.
	ReturnOpName = "@return"
)

// ParameterOp is a named placeholder bound at call time. See Module.AddParameter.
type ParameterOp struct {
	ParameterName string
	Shape         shapes.Shape
}

func (op ParameterOp) Name() string { return ParameterOpName }

func (op ParameterOp) ComputeShape(inputs []shapes.Shape, _ []*Module) (shapes.Shape, error) {
	if len(inputs) != 0 {
		return shapes.Invalid(), errors.Errorf("%s %q takes no inputs, got %d", ParameterOpName, op.ParameterName, len(inputs))
	}
	return op.Shape.Clone(), nil
}

func (op ParameterOp) VisitFields(visit FieldVisitor) {
	visit("name", String(op.ParameterName))
}

// LiteralOp is a constant. Value holds a scalar or a list, its interpretation is up to the code generator.
type LiteralOp struct {
	Shape shapes.Shape
	Value Value
}

func (op LiteralOp) Name() string { return LiteralOpName }

func (op LiteralOp) ComputeShape(inputs []shapes.Shape, _ []*Module) (shapes.Shape, error) {
	if len(inputs) != 0 {
		return shapes.Invalid(), errors.Errorf("%s takes no inputs, got %d", LiteralOpName, len(inputs))
	}
	return op.Shape.Clone(), nil
}

func (op LiteralOp) VisitFields(visit FieldVisitor) {
	visit("value", op.Value)
}

// ReturnOp terminates a module. It has no output shape of its own: the module results are its inputs.
type ReturnOp struct{}

func (ReturnOp) Name() string { return ReturnOpName }

func (ReturnOp) ComputeShape(inputs []shapes.Shape, _ []*Module) (shapes.Shape, error) {
	if len(inputs) == 0 {
		return shapes.Invalid(), errors.Errorf("%s requires at least one result", ReturnOpName)
	}
	return shapes.Invalid(), nil
}

func (ReturnOp) VisitFields(FieldVisitor) {}
