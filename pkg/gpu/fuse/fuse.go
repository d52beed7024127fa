// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fuse implements the GPU specific fusion pass FuseGEMM, which moves matrix multiplications to
// composable kernel GEMM instances and folds their elementwise epilogues into them.
//
// Like the passes in package fusion, FuseGEMM leaves the replaced instructions dead, so it should be
// followed by passes.DeadCodeElimination.
package fuse

import (
	"slices"

	"github.com/gomlx/graphjit/pkg/core/errs"
	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/core/match"
	"github.com/gomlx/graphjit/pkg/core/ops"
	"github.com/gomlx/graphjit/pkg/core/passes"
	"github.com/gomlx/graphjit/pkg/core/shapes"
	"github.com/gomlx/graphjit/pkg/gpu/gpuops"
	"github.com/gomlx/graphjit/pkg/gpu/kernels"
)

// GEMMParameterPrefix is prepended to the name of the post module parameter fed by the GEMM result.
// It sorts before any letter or digit, so the GEMM result is always the first post parameter.
const GEMMParameterPrefix = "!"

// Alignment of the two trailing dimensions of both GEMM operands.
const Alignment = 8

// FuseGEMM replaces every dot supported by the GEMM instances with a gpu::ck_gemm instruction, and then
// merges a pointwise consumer of a gpu::ck_gemm into it, as its post module, when the pointwise is the
// only consumer.
type FuseGEMM struct{}

func (FuseGEMM) Name() string { return "fuse_gemm" }

func (FuseGEMM) Apply(mpm *passes.ModulePassManager) error {
	gemm := match.NewRule("gemm",
		match.Name(ops.DotName, match.Pred("ck_supported", IsCKGemm)),
		replaceDot)
	epilogue := match.NewRule("gemm_pointwise",
		match.Name(ops.PointwiseName, match.AnyOf(match.Inputs,
			match.Bind("gemm", match.Name(gpuops.CKGemmName, match.UsedOnce(),
				match.Pred("no_post", func(ins *ir.Instruction) bool { return gpuops.PostModule(ins) == nil }))))),
		fuseEpilogue)
	return match.FindMatches(mpm.Module(), mpm, gemm, epilogue)
}

// IsCKGemm returns whether the dot ins can be implemented by a GEMM instance: both operands with a dtype
// that has instances, and their two trailing dimensions multiples of Alignment.
func IsCKGemm(ins *ir.Instruction) bool {
	if ins.Name() != ops.DotName || ins.NumInputs() != 2 {
		return false
	}
	a, b := ins.Input(0).Shape(), ins.Input(1).Shape()
	if !slices.Contains(kernels.GEMMDTypes, a.DType) || b.DType != a.DType {
		return false
	}
	return aligned(a) && aligned(b)
}

func aligned(s shapes.Shape) bool {
	rank := s.Rank()
	if rank < 2 {
		return false
	}
	return s.Dim(rank-2)%Alignment == 0 && s.Dim(rank-1)%Alignment == 0
}

func replaceDot(mpm *passes.ModulePassManager, r match.Result) error {
	_, err := mpm.Module().ReplaceInstruction(r.Result, gpuops.CKGemm{}, r.Result.Inputs())
	return err
}

// fuseEpilogue replaces pointwise(..., gemm, ...) by a gpu::ck_gemm with inputs a, b and the other
// pointwise inputs, and a clone of the pointwise module as post module.
func fuseEpilogue(mpm *passes.ModulePassManager, r match.Result) error {
	pw, gemm := r.Result, r.Instructions["gemm"]
	gemmArg := -1
	var ds []*ir.Instruction
	for ii, input := range pw.Inputs() {
		if input != gemm {
			ds = append(ds, input)
			continue
		}
		if gemmArg >= 0 {
			return errs.Unsupportedf("fuse_gemm: %s uses the GEMM result more than once", pw)
		}
		gemmArg = ii
	}
	post, err := postModule(mpm, pw.Modules()[0], gemmArg)
	if err != nil {
		return err
	}
	inputs := append(gemm.Inputs(), ds...)
	if _, err := mpm.Module().ReplaceInstruction(pw, gpuops.CKGemm{}, inputs, post); err != nil {
		return discardModule(mpm, err, post)
	}
	return nil
}

// postModule clones pm, renaming the parameter at gemmArg (in sorted order) with GEMMParameterPrefix.
func postModule(mpm *passes.ModulePassManager, pm *ir.Module, gemmArg int) (*ir.Module, error) {
	post, err := mpm.CreateModule(availableName(mpm.Program(), pm.Name()+":ck_gemm"), pm)
	if err != nil {
		return nil, err
	}
	rename := func() error {
		names := post.SortedParameterNames()
		if gemmArg < 0 || gemmArg >= len(names) {
			return errs.Invariantf("fuse_gemm: module %q has %d parameters, the GEMM is argument #%d",
				pm.Name(), len(names), gemmArg)
		}
		old := post.Parameter(names[gemmArg])
		param, err := post.AddParameter(GEMMParameterPrefix+names[gemmArg], old.Shape())
		if err != nil {
			return err
		}
		if err := post.ReplaceAllUsesWith(old, param); err != nil {
			return err
		}
		return post.RemoveInstruction(old)
	}
	if err := rename(); err != nil {
		return nil, discardModule(mpm, err, post)
	}
	return post, nil
}

func discardModule(mpm *passes.ModulePassManager, err error, m *ir.Module) error {
	if removeErr := mpm.Program().RemoveModule(m); removeErr != nil {
		return removeErr
	}
	return err
}

func availableName(program *ir.Program, name string) string {
	if program.Module(name) == nil {
		return name
	}
	return program.UniqueModuleName(name + ".")
}
