// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// gemm_tuning inspects a GEMM tuning table and optionally precompiles the kernels of its entries, so
// they are in the toolchain cache and errors show up before a model is compiled.
//
// Usage:
//
//	gemm_tuning -table=~/gemm_tuning.json -list
//	gemm_tuning -table=~/gemm_tuning.json -precompile -solutions=3,4
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/graphjit/pkg/gpu/target"
	"github.com/gomlx/graphjit/pkg/gpu/tuning"
	"github.com/gomlx/graphjit/pkg/support/xslices"
	"github.com/muesli/termenv"
	"k8s.io/klog/v2"
)

var (
	flagTable = flag.String("table", "", "Path of the GEMM tuning table. "+
		"Defaults to $"+target.GRAPHJIT_GEMM_TUNING+".")
	flagList       = flag.Bool("list", false, "Lists the entries of the table with the kernel instance they select.")
	flagPrecompile = flag.Bool("precompile", false, "Compiles the kernel of each entry with the device toolchain "+
		"configured by the GRAPHJIT_* environment variables.")
	flagSolutions = xslices.Flag("solutions", nil, "Comma separated list of solutions: only entries with one of "+
		"these solutions are considered. Empty for all.", strconv.Atoi)
)

var titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	cfg, err := target.ConfigFromEnv()
	if err != nil {
		klog.Fatalf("Configuration: %+v", err)
	}
	if *flagTable != "" {
		cfg.TuningPath = *flagTable
	}
	if cfg.TuningPath == "" {
		klog.Errorf("No tuning table given: set -table or $%s. See 'gemm_tuning -help'.", target.GRAPHJIT_GEMM_TUNING)
		os.Exit(1)
	}
	if !*flagList && !*flagPrecompile {
		klog.Errorf("Nothing to do: set -list and/or -precompile. See 'gemm_tuning -help'.")
		os.Exit(1)
	}

	// Plain output when not writing to a terminal.
	lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).Profile)

	entries, err := tuning.Open(cfg.TuningPath).Entries()
	if err != nil {
		klog.Fatalf("Failed to load %q: %+v", cfg.TuningPath, err)
	}
	entries = filterEntries(entries, *flagSolutions)

	if *flagList {
		fmt.Println(titleStyle.Render(fmt.Sprintf("GEMM tuning table %s", cfg.TuningPath)))
		fmt.Println(listTable(entries).Render())
	}
	if *flagPrecompile {
		failures := precompile(context.Background(), target.New(cfg), entries)
		if len(failures) > 0 {
			fmt.Println(titleStyle.Render("Failed compilations"))
			fmt.Println(failuresTable(failures).Render())
			os.Exit(1)
		}
	}
}
