// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package jit

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/core/shapes"
	"github.com/pkg/errors"
)

// CodeObjectName is the name of the CodeObject operation.
const CodeObjectName = "gpu::code_object"

// CodeObject is a compiled kernel. It is also the operation that replaces a lowered instruction: its
// inputs are the kernel arguments, and its shape the kernel output.
type CodeObject struct {
	// Binary is the toolchain output.
	Binary []byte

	// Options used in the compilation.
	Options Options
}

func (co *CodeObject) Name() string { return CodeObjectName }

// Digest of the binary, in hex.
func (co *CodeObject) Digest() string {
	sum := sha256.Sum256(co.Binary)
	return hex.EncodeToString(sum[:8])
}

func (co *CodeObject) VisitFields(visit ir.FieldVisitor) {
	visit("symbol_name", ir.String(co.Options.KernelName))
	visit("global", ir.Int(co.Options.Global))
	visit("local", ir.Int(co.Options.Local))
	visit("output", ir.ShapeValue{Shape: co.Options.Output})
	visit("digest", ir.String(co.Digest()))
}

func (co *CodeObject) ComputeShape(inputs []shapes.Shape, _ []*ir.Module) (shapes.Shape, error) {
	if len(inputs) != len(co.Options.Inputs) {
		return shapes.Invalid(), errors.Errorf("%s %q expects %d arguments, got %d",
			CodeObjectName, co.Options.KernelName, len(co.Options.Inputs), len(inputs))
	}
	for ii, input := range inputs {
		expected := co.Options.Inputs[ii]
		if input.DType != expected.DType || !input.EqualDimensions(expected) {
			return shapes.Invalid(), errors.Errorf("%s %q: argument #%d has shape %s, compiled for %s",
				CodeObjectName, co.Options.KernelName, ii, input, expected)
		}
	}
	return co.Options.Output, nil
}
