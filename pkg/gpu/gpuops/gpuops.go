// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gpuops defines the operations specific to the GPU target, created by its fusion passes.
package gpuops

import (
	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/core/ops"
	"github.com/gomlx/graphjit/pkg/core/shapes"
	"github.com/pkg/errors"
)

// CKGemmName is the name of the CKGemm operation.
const CKGemmName = "gpu::ck_gemm"

// CKGemm is a matrix multiplication A x B implemented with a composable kernel GEMM instance, optionally
// followed by a fused elementwise epilogue (the "post" module).
//
// Inputs are A, B and then the extra values (D tensors) consumed by the post module. The post module
// parameters, in sorted name order, are the GEMM result (a name starting with "!") followed by one
// parameter per D tensor.
type CKGemm struct{}

func (CKGemm) Name() string { return CKGemmName }

// VisitFields reports the wrapped operation, for printing and equality.
func (CKGemm) VisitFields(visit ir.FieldVisitor) { visit("op", ir.String(ops.DotName)) }

func (CKGemm) ComputeShape(inputs []shapes.Shape, modules []*ir.Module) (shapes.Shape, error) {
	if len(inputs) < 2 {
		return shapes.Invalid(), errors.Errorf("%s should have at least two inputs, got %d", CKGemmName, len(inputs))
	}
	output, err := ops.DotShape(inputs[0], inputs[1])
	if err != nil {
		return shapes.Invalid(), err
	}
	switch len(modules) {
	case 0:
		if len(inputs) > 2 {
			return shapes.Invalid(), errors.Errorf("%s: %d extra inputs given without a post module", CKGemmName, len(inputs)-2)
		}
		return output, nil
	case 1:
	default:
		return shapes.Invalid(), errors.Errorf("%s takes at most one post module, got %d", CKGemmName, len(modules))
	}

	post := modules[0]
	postInputs := make([]shapes.Shape, 0, len(inputs)-1)
	postInputs = append(postInputs, output)
	postInputs = append(postInputs, inputs[2:]...)
	if err := ops.CheckPointwiseModule(post, postInputs); err != nil {
		return shapes.Invalid(), errors.WithMessagef(err, "%s post module", CKGemmName)
	}
	for ii, d := range inputs[2:] {
		if !d.IsScalar() && !d.EqualDimensions(output) {
			return shapes.Invalid(), errors.Errorf("%s: extra input #%d has shape %s, incompatible with the output %s",
				CKGemmName, ii, d, output)
		}
	}
	return output.WithDType(post.OutputShapes()[0].DType), nil
}

// PostModule returns the fused epilogue of a CKGemm instruction, or nil.
func PostModule(ins *ir.Instruction) *ir.Module {
	if ins.Name() != CKGemmName || len(ins.Modules()) == 0 {
		return nil
	}
	return ins.Modules()[0]
}
