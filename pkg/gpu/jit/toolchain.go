// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package jit

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/graphjit/pkg/core/errs"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Toolchain compiles a kernel source into a code object.
//
// Implementations must be safe for concurrent use, and must honor ctx cancellation.
type Toolchain interface {
	CompileSource(ctx context.Context, src string, opts Options) (*CodeObject, error)
}

// ToolchainFunc adapts a function to a Toolchain.
type ToolchainFunc func(ctx context.Context, src string, opts Options) (*CodeObject, error)

func (fn ToolchainFunc) CompileSource(ctx context.Context, src string, opts Options) (*CodeObject, error) {
	return fn(ctx, src, opts)
}

const (
	// SourceFileName and OutputFileName are the names of the files in the scratch directory.
	SourceFileName = "main.cpp"
	OutputFileName = "kernel.co"
)

// HIPToolchain runs an external device compiler, by default hipcc.
//
// Each compilation writes the source in its own scratch directory, runs
//
//	<Compiler> <Flags...> --offload-arch=<Arch> <opts.Params...> -c -o kernel.co main.cpp
//
// and reads the resulting code object.
type HIPToolchain struct {
	// Compiler is the path of the compiler executable.
	Compiler string

	// Arch is the offload architecture, e.g. "gfx90a".
	Arch string

	// Flags are passed before the architecture flag.
	Flags []string

	// Timeout of one compilation. If 0, only ctx limits it.
	Timeout time.Duration

	// ScratchDir is where the per-compilation directories are created. Defaults to os.TempDir().
	ScratchDir string

	// KeepFailed keeps the scratch directory of failed compilations, for debugging.
	KeepFailed bool
}

// DefaultHIPFlags are the flags used by NewHIPToolchain.
var DefaultHIPFlags = []string{"-O3", "-std=c++17", "--cuda-device-only", "-Wno-unused-command-line-argument"}

// NewHIPToolchain returns a HIPToolchain for the given compiler and architecture with the default flags.
func NewHIPToolchain(compiler, arch string, timeout time.Duration) *HIPToolchain {
	return &HIPToolchain{Compiler: compiler, Arch: arch, Flags: DefaultHIPFlags, Timeout: timeout}
}

// Args returns the compiler command line arguments, relative to the scratch directory.
func (h *HIPToolchain) Args(opts Options) []string {
	args := make([]string, 0, len(h.Flags)+8)
	args = append(args, h.Flags...)
	if h.Arch != "" {
		args = append(args, "--offload-arch="+h.Arch)
	}
	args = append(args, opts.Flags()...)
	return append(args, "-c", "-o", OutputFileName, SourceFileName)
}

// CompileSource implements Toolchain. Failures, including timeouts and cancellations, are returned as
// errs.ErrCompilation, with the compiler output included verbatim.
func (h *HIPToolchain) CompileSource(ctx context.Context, src string, opts Options) (co *CodeObject, err error) {
	if h.Compiler == "" {
		return nil, errs.Configurationf("no device compiler configured to build kernel %q", opts.KernelName)
	}
	base := h.ScratchDir
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, "graphjit-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Mark(errs.ErrCompilation, err, "creating scratch directory for kernel %q", opts.KernelName)
	}
	defer func() {
		if err != nil && h.KeepFailed {
			klog.Warningf("jit: keeping scratch directory of failed compilation of %q in %s", opts.KernelName, dir)
			return
		}
		_ = os.RemoveAll(dir)
	}()
	if err := os.WriteFile(filepath.Join(dir, SourceFileName), []byte(src), 0o644); err != nil {
		return nil, errs.Mark(errs.ErrCompilation, err, "writing source of kernel %q", opts.KernelName)
	}

	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	args := h.Args(opts)
	cmd := exec.CommandContext(ctx, h.Compiler, args...)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, errs.Compilationf("compiling kernel %q: %v after %s (%s %s):\n%s",
			opts.KernelName, ctxErr, elapsed, h.Compiler, strings.Join(args, " "), output.String())
	}
	if runErr != nil {
		return nil, errs.Compilationf("compiling kernel %q: %v (%s %s):\n%s",
			opts.KernelName, runErr, h.Compiler, strings.Join(args, " "), output.String())
	}
	binary, err := os.ReadFile(filepath.Join(dir, OutputFileName))
	if err != nil {
		return nil, errs.Mark(errs.ErrCompilation, errors.WithStack(err), "reading code object of kernel %q", opts.KernelName)
	}
	klog.V(1).Infof("jit: compiled %q in %s (%s)", opts.KernelName, elapsed, humanize.Bytes(uint64(len(binary))))
	return &CodeObject{Binary: binary, Options: opts}, nil
}
