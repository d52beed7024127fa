// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package lowering implements the pass that replaces every instruction with a registered GPU compiler
// by its compiled code object.
package lowering

import (
	"context"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/graphjit/pkg/core/errs"
	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/core/passes"
	"github.com/gomlx/graphjit/pkg/gpu/compiler"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Lowering compiles the instructions of a module that have a compiler in Registry, and splices the
// resulting code objects into the module.
//
// Compilations run in parallel, but the module is only changed after all of them succeeded, in module
// order, so the result doesn't depend on the scheduling. If any compilation fails the module is left
// unchanged and the first error is returned.
type Lowering struct {
	Registry *compiler.Registry
	Target   *compiler.Context

	// Parallelism is the maximum number of concurrent compilations. If <= 0, runtime.NumCPU() is used.
	Parallelism int

	// BaseContext, if set, returns the context of the compilations. Defaults to context.Background().
	BaseContext func() context.Context
}

func (l Lowering) Name() string { return "lowering" }

func (l Lowering) Apply(mpm *passes.ModulePassManager) error {
	ctx := context.Background()
	if l.BaseContext != nil {
		ctx = l.BaseContext()
	}
	return l.Lower(ctx, mpm.Module())
}

// Lower compiles and replaces the instructions of m.
func (l Lowering) Lower(ctx context.Context, m *ir.Module) error {
	if l.Registry == nil || l.Target == nil {
		return errs.Configurationf("lowering of module %q: registry and target context must be set", m.Name())
	}
	var pending []*ir.Instruction
	for _, ins := range m.Instructions() {
		if l.Registry.Has(ins.Name()) {
			pending = append(pending, ins)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	start := time.Now()
	replacements := make([]compiler.Replacement, len(pending))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(l.parallelism())
	for ii, ins := range pending {
		g.Go(func() error {
			var err error
			replacements[ii], err = l.Registry.Compile(gCtx, l.Target, ins, ins.Op(), nil)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	klog.V(1).Infof("lowering: compiled %s instructions of module %q in %s",
		humanize.Comma(int64(len(pending))), m.Name(), time.Since(start))

	for ii, ins := range pending {
		if err := replacements[ii].Replace(m, ins); err != nil {
			return errs.Mark(errs.ErrInvariant, err, "lowering: replacing %s", ins)
		}
	}
	return nil
}

func (l Lowering) parallelism() int {
	if l.Parallelism > 0 {
		return l.Parallelism
	}
	return runtime.NumCPU()
}
