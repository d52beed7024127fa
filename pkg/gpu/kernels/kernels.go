// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels implements the compilers of the GPU target: composable kernel GEMMs (gpu::ck_gemm),
// pointwise, fused_concat and softmax.
//
// Each compiler renders a kernel source from a template and compiles it through the context cache.
// Register adds all of them to a registry, and is the only initialization needed.
package kernels

import (
	"context"

	"github.com/gomlx/graphjit/pkg/core/errs"
	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/gpu/compiler"
	"github.com/gomlx/graphjit/pkg/gpu/jit"
)

// Register the compilers of this package in r.
func Register(r *compiler.Registry) {
	r.RegisterCompiler(GEMMCompiler{})
	r.RegisterCompiler(PointwiseCompiler{})
	r.RegisterCompiler(ConcatCompiler{})
	r.RegisterCompiler(SoftmaxCompiler{})
}

// compileCodeObject compiles src with the context toolchain, through its cache if there is one.
func compileCodeObject(ctx context.Context, c *compiler.Context, src string, opts jit.Options) (ir.Operation, error) {
	if c.Toolchain == nil {
		return nil, errs.Configurationf("no device toolchain configured to compile kernel %q", opts.KernelName)
	}
	var co *jit.CodeObject
	var err error
	if c.Cache != nil {
		co, err = c.Cache.GetOrCompile(ctx, src, opts, c.Toolchain)
	} else {
		co, err = c.Toolchain.CompileSource(ctx, src, opts)
	}
	if err != nil {
		return nil, err
	}
	return co, nil
}

// stringConfig returns config[key] if it is a string, or defaultValue.
func stringConfig(config ir.Map, key, defaultValue string) string {
	if v, ok := config.Get(key).(ir.String); ok {
		return string(v)
	}
	return defaultValue
}
