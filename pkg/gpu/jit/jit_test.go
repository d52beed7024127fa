// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package jit

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/graphjit/pkg/core/errs"
	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/core/ops"
	"github.com/gomlx/graphjit/pkg/core/shapes"
	. "github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplates(t *testing.T) {
	assert.Equal(t, "void * p0, void * p1, void * p2", EnumParams(3, "void * p"))
	assert.Equal(t, "", EnumParams(0, "p"))

	tmpl := ParseTemplate("kernel", "__global__ void {{.kernel}}({{.params}})")
	src, err := Render(tmpl, map[string]any{"kernel": "k", "params": EnumParams(2, "void * p")})
	require.NoError(t, err)
	assert.Equal(t, "__global__ void k(void * p0, void * p1)", src)

	_, err = Render(tmpl, map[string]any{"kernel": "k"})
	require.ErrorIs(t, err, errs.ErrConfiguration)
	assert.Panics(t, func() { ParseTemplate("bad", "{{.x") })
}

func TestOptions(t *testing.T) {
	var opts Options
	opts.SetLaunchParams(nil, 1024, 256)
	assert.Equal(t, 1024, opts.Global)
	assert.Equal(t, 256, opts.Local)
	opts.SetLaunchParams(ir.Map{"local": ir.Int(64)}, 1024, 256)
	assert.Equal(t, 1024, opts.Global)
	assert.Equal(t, 64, opts.Local)

	opts.Params = " -DA=1  -DB "
	assert.Equal(t, []string{"-DA=1", "-DB"}, opts.Flags())

	other := opts
	other.VirtualInputs = []shapes.Shape{shapes.Make(Float32, 8)}
	assert.NotEqual(t, opts.Key(), other.Key())
	assert.Equal(t, CacheKey("src", opts), CacheKey("src", opts))
	assert.NotEqual(t, CacheKey("src", opts), CacheKey("src2", opts))
}

func TestGeneratePointwise(t *testing.T) {
	p := ir.NewProgram()
	m := must.M1(p.CreateModule("post", nil))
	x1 := must.M1(m.AddParameter("x1", shapes.Scalar(Float16)))
	gemm := must.M1(m.AddParameter("!x0", shapes.Scalar(Float16)))
	scale := must.M1(m.AddLiteral(shapes.Scalar(Float16), ir.Float(0.1)))
	mul := must.M1(m.AddInstruction(ops.Mul, []*ir.Instruction{gemm, scale}))
	add := must.M1(m.AddInstruction(ops.Add, []*ir.Instruction{mul, x1}))
	relu := must.M1(m.AddInstruction(ops.Relu, []*ir.Instruction{add}))
	must.M1(m.AddReturn(relu))

	src, err := GeneratePointwise(m, "post_fn")
	require.NoError(t, err)
	want := `template <class T0, class T1>
__device__ __attribute__((const)) auto post_fn(T0 x0, T1 x1)
{
    auto z0 = graphjit::half(0.0999755859375);
    auto z1 = (x0 * z0);
    auto z2 = (z1 + x1);
    auto z3 = graphjit::max(decltype(z2){0}, z2);
    return z3;
}
`
	assert.Equal(t, want, src)
	assert.Equal(t, "mul_add_relu", GenerateNameFromOps(m))

	// Non elementwise operations are not supported.
	bad := must.M1(p.CreateModule("bad", nil))
	x := must.M1(bad.AddParameter("x", shapes.Make(Float32, 2, 3)))
	must.M1(bad.AddReturn(must.M1(bad.AddInstruction(ops.Softmax{Axis: -1}, []*ir.Instruction{x}))))
	_, err = GeneratePointwise(bad, "fn")
	require.ErrorIs(t, err, errs.ErrUnsupportedOperation)
	assert.Equal(t, "softmax", GenerateNameFromOps(bad))
}

func TestCodeObject(t *testing.T) {
	co := &CodeObject{Binary: []byte("binary"), Options: Options{
		KernelName: "k",
		Inputs:     []shapes.Shape{shapes.Make(Float32, 4)},
		Output:     shapes.Make(Float32, 4),
	}}
	output, err := co.ComputeShape([]shapes.Shape{shapes.Make(Float32, 4)}, nil)
	require.NoError(t, err)
	assert.True(t, output.Equal(shapes.Make(Float32, 4)))
	_, err = co.ComputeShape([]shapes.Shape{shapes.Make(Float32, 5)}, nil)
	require.Error(t, err)
	_, err = co.ComputeShape(nil, nil)
	require.Error(t, err)
	assert.Len(t, co.Digest(), 16)
	assert.Contains(t, ir.OpString(co), `symbol_name="k"`)
}

func TestCacheCompilesOnce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	toolchain := ToolchainFunc(func(ctx context.Context, src string, opts Options) (*CodeObject, error) {
		calls.Add(1)
		<-release
		return &CodeObject{Binary: []byte(src), Options: opts}, nil
	})
	cache := NewCache()
	opts := Options{KernelName: "k", Global: 256, Local: 64}
	const numRequests = 20
	results := make([]*CodeObject, numRequests)
	var wg sync.WaitGroup
	for ii := range numRequests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[ii] = must.M1(cache.GetOrCompile(context.Background(), "src", opts, toolchain))
		}()
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
	for _, co := range results {
		assert.Same(t, results[0], co)
	}
	hits, misses := cache.Stats()
	assert.Equal(t, int64(numRequests-1), hits)
	assert.Equal(t, int64(1), misses)

	// Different options compile again.
	opts.Local = 128
	must.M1(cache.GetOrCompile(context.Background(), "src", opts, toolchain))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, cache.Len())
}

func TestCacheFailuresNotCached(t *testing.T) {
	var calls atomic.Int32
	toolchain := ToolchainFunc(func(ctx context.Context, src string, opts Options) (*CodeObject, error) {
		if calls.Add(1) == 1 {
			return nil, errs.Compilationf("error: expected ';'")
		}
		return &CodeObject{Binary: []byte(src), Options: opts}, nil
	})
	cache := NewCache()
	_, err := cache.GetOrCompile(context.Background(), "src", Options{}, toolchain)
	require.ErrorIs(t, err, errs.ErrCompilation)
	assert.Equal(t, 0, cache.Len())
	co, err := cache.GetOrCompile(context.Background(), "src", Options{}, toolchain)
	require.NoError(t, err)
	assert.Equal(t, []byte("src"), co.Binary)
	assert.Equal(t, int32(2), calls.Load())

	// Panics are converted to errors.
	panicking := ToolchainFunc(func(context.Context, string, Options) (*CodeObject, error) {
		panic(errors.New("toolchain crashed"))
	})
	_, err = cache.GetOrCompile(context.Background(), "other", Options{}, panicking)
	require.ErrorIs(t, err, errs.ErrCompilation)
	assert.Contains(t, err.Error(), "toolchain crashed")
}

func TestCacheWaiterCanceled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	toolchain := ToolchainFunc(func(ctx context.Context, src string, opts Options) (*CodeObject, error) {
		close(started)
		<-release
		return &CodeObject{Options: opts}, nil
	})
	cache := NewCache()
	go func() { _, _ = cache.GetOrCompile(context.Background(), "src", Options{}, toolchain) }()
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := cache.GetOrCompile(ctx, "src", Options{}, toolchain)
	require.ErrorIs(t, err, errs.ErrCompilation)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// fakeCompiler writes a shell script to be used as the device compiler.
func fakeCompiler(t *testing.T, script string) string {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "fake-hipcc")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func TestHIPToolchain(t *testing.T) {
	scratch := t.TempDir()
	opts := Options{KernelName: "k", Params: "-DGRAPHJIT_CK_CHECK=1"}

	toolchain := NewHIPToolchain(fakeCompiler(t, `cp main.cpp kernel.co`), "gfx90a", 0)
	toolchain.ScratchDir = scratch
	assert.Equal(t, []string{"-O3", "-std=c++17", "--cuda-device-only", "-Wno-unused-command-line-argument",
		"--offload-arch=gfx90a", "-DGRAPHJIT_CK_CHECK=1", "-c", "-o", "kernel.co", "main.cpp"}, toolchain.Args(opts))
	co, err := toolchain.CompileSource(context.Background(), "kernel source", opts)
	require.NoError(t, err)
	assert.Equal(t, []byte("kernel source"), co.Binary)
	assert.Equal(t, "k", co.Options.KernelName)
	entries := must.M1(os.ReadDir(scratch))
	assert.Empty(t, entries, "scratch directory removed")

	failing := NewHIPToolchain(fakeCompiler(t, `echo "main.cpp:3:1: error: unknown type name 'foo'" >&2; exit 1`), "", 0)
	failing.ScratchDir = scratch
	_, err = failing.CompileSource(context.Background(), "foo bar;", opts)
	require.ErrorIs(t, err, errs.ErrCompilation)
	assert.Contains(t, err.Error(), "main.cpp:3:1: error: unknown type name 'foo'")

	slow := NewHIPToolchain(fakeCompiler(t, `exec sleep 10`), "", 50*time.Millisecond)
	slow.ScratchDir = scratch
	start := time.Now()
	_, err = slow.CompileSource(context.Background(), "src", opts)
	require.ErrorIs(t, err, errs.ErrCompilation)
	assert.Contains(t, err.Error(), context.DeadlineExceeded.Error())
	assert.Less(t, time.Since(start), 5*time.Second)

	_, err = (&HIPToolchain{}).CompileSource(context.Background(), "src", opts)
	require.ErrorIs(t, err, errs.ErrConfiguration)
}
