// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/gpu/kernels"
	"github.com/gomlx/graphjit/pkg/gpu/target"
	"github.com/gomlx/graphjit/pkg/gpu/tuning"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// precompile compiles the GEMM kernel of each entry, with the entry's solution, and returns the failures
// in entry order.
func precompile(ctx context.Context, tgt *target.Target, entries []tuning.Entry) []failure {
	bar := progressbar.NewOptions(len(entries),
		progressbar.OptionSetDescription("Compiling GEMM kernels"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("kernels"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionClearOnFinish())

	parallelism := tgt.Config.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	start := time.Now()
	var (
		mu       sync.Mutex
		failures []failure
	)
	var g errgroup.Group
	g.SetLimit(parallelism)
	for ii, e := range entries {
		g.Go(func() error {
			defer func() { _ = bar.Add(1) }()
			err := compileEntry(ctx, tgt, e)
			if err != nil {
				mu.Lock()
				failures = append(failures, failure{index: ii, entry: e, err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	_ = bar.Finish()

	hits, misses := tgt.Context.Cache.Stats()
	klog.Infof("Compiled %s GEMM kernels in %s (%s cache hits, %s failures)",
		humanize.Comma(misses), time.Since(start).Round(time.Millisecond), humanize.Comma(hits),
		humanize.Comma(int64(len(failures))))
	slices.SortFunc(failures, func(a, b failure) int { return a.index - b.index })
	return failures
}

func compileEntry(ctx context.Context, tgt *target.Target, e tuning.Entry) error {
	config := ir.Map{kernels.ConfigTuningVal: ir.Int(e.Solution)}
	_, err := tgt.Registry.CompileOp(ctx, "ck_gemm", tgt.Context, e.Inputs, config)
	return err
}
