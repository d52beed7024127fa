// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package target assembles the GPU target: its configuration, the registry of kernel compilers, and the
// pipeline of passes that turns a program into one calling compiled code objects.
//
// Typical use:
//
//	cfg, err := target.ConfigFromEnv()
//	if err != nil { ... }
//	t := target.New(cfg)
//	err = t.Compile(ctx, program)
package target

import (
	"context"

	"github.com/gomlx/graphjit/pkg/core/fusion"
	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/core/passes"
	"github.com/gomlx/graphjit/pkg/gpu/compiler"
	"github.com/gomlx/graphjit/pkg/gpu/fuse"
	"github.com/gomlx/graphjit/pkg/gpu/jit"
	"github.com/gomlx/graphjit/pkg/gpu/kernels"
	"github.com/gomlx/graphjit/pkg/gpu/lowering"
	"github.com/gomlx/graphjit/pkg/gpu/tuning"
	"github.com/pkg/errors"
)

// Target is a configured GPU target.
type Target struct {
	Config   Config
	Registry *compiler.Registry
	Context  *compiler.Context
}

// New creates the target for cfg, with the HIP toolchain and the tuning table configured.
func New(cfg Config) *Target {
	return &Target{
		Config:   cfg,
		Registry: NewRegistry(),
		Context:  NewContext(cfg, jit.NewHIPToolchain(cfg.Compiler, cfg.Arch, cfg.CompileTimeout)),
	}
}

// NewRegistry returns a registry with all the GPU kernel compilers.
func NewRegistry() *compiler.Registry {
	r := compiler.NewRegistry()
	kernels.Register(r)
	return r
}

// NewContext returns the compilation context for cfg using toolchain.
func NewContext(cfg Config, toolchain jit.Toolchain) *compiler.Context {
	c := compiler.NewContext(toolchain)
	c.Arch = cfg.Arch
	c.TuningValue = cfg.TuningValue
	c.LogGEMM = cfg.LogGEMM
	c.Debug = cfg.Debug
	c.Tuning = tuning.Open(cfg.TuningPath)
	c.Tuning.Strict = cfg.TuningStrict
	return c
}

// Passes returns the compilation pipeline. The lowering compilations use ctx.
func (t *Target) Passes(ctx context.Context) []passes.Pass {
	dce := passes.DeadCodeElimination{}
	return []passes.Pass{
		fusion.FusePointwise{}, dce,
		fusion.FuseConcat{}, dce,
		fuse.FuseGEMM{}, dce,
		passes.EliminateCommonSubexpression{}, dce,
		lowering.Lowering{
			Registry:    t.Registry,
			Target:      t.Context,
			Parallelism: t.Config.Parallelism,
			BaseContext: func() context.Context { return ctx },
		},
		dce,
	}
}

// Compile runs the pipeline on program. On error the program may have been partially transformed
// by the passes that completed.
func (t *Target) Compile(ctx context.Context, program *ir.Program) error {
	if err := passes.Run(program, t.Passes(ctx)...); err != nil {
		return errors.WithMessage(err, "gpu target")
	}
	return nil
}
