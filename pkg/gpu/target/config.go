// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package target

import (
	"os"
	"strconv"
	"time"

	"github.com/gomlx/graphjit/pkg/core/errs"
	"github.com/pkg/errors"
)

// Environment variables read by ConfigFromEnv.
const (
	// GRAPHJIT_GEMM_TUNING is the path of the GEMM tuning table (a JSON file). "~" is expanded.
	GRAPHJIT_GEMM_TUNING = "GRAPHJIT_GEMM_TUNING"

	// GRAPHJIT_GEMM_TUNING_VALUE is the GEMM instance index used when the tuning table has no exact entry.
	GRAPHJIT_GEMM_TUNING_VALUE = "GRAPHJIT_GEMM_TUNING_VALUE"

	// GRAPHJIT_GEMM_TUNING_STRICT makes a GEMM without an exact tuning entry a compilation error.
	GRAPHJIT_GEMM_TUNING_STRICT = "GRAPHJIT_GEMM_TUNING_STRICT"

	// GRAPHJIT_LOG_GEMM logs the shapes of every compiled GEMM in the tuning table format.
	GRAPHJIT_LOG_GEMM = "GRAPHJIT_LOG_GEMM"

	// GRAPHJIT_GEMM_DEBUG compiles the GEMM kernels with their runtime checks.
	GRAPHJIT_GEMM_DEBUG = "GRAPHJIT_GEMM_DEBUG"

	// GRAPHJIT_HIPCC is the path of the device compiler.
	GRAPHJIT_HIPCC = "GRAPHJIT_HIPCC"

	// GRAPHJIT_ARCH is the device architecture, e.g. "gfx90a".
	GRAPHJIT_ARCH = "GRAPHJIT_ARCH"

	// GRAPHJIT_COMPILE_TIMEOUT is the timeout of one kernel compilation, as a Go duration ("90s").
	GRAPHJIT_COMPILE_TIMEOUT = "GRAPHJIT_COMPILE_TIMEOUT"

	// GRAPHJIT_COMPILE_PARALLELISM is the maximum number of concurrent kernel compilations.
	GRAPHJIT_COMPILE_PARALLELISM = "GRAPHJIT_COMPILE_PARALLELISM"
)

// Config of the GPU target.
type Config struct {
	// TuningPath is the GEMM tuning table. If empty, all GEMMs use the default instance.
	TuningPath string

	// TuningValue, if >= 0, is the GEMM instance used on tuning table misses.
	TuningValue int

	// TuningStrict turns tuning table misses into errors.
	TuningStrict bool

	LogGEMM bool
	Debug   bool

	// Compiler is the device compiler executable and Arch its offload architecture.
	Compiler, Arch string

	// CompileTimeout of one kernel compilation. 0 means no timeout.
	CompileTimeout time.Duration

	// Parallelism of the kernel compilations. If <= 0 the number of CPUs is used.
	Parallelism int
}

// DefaultConfig returns the configuration used when no environment variable is set.
func DefaultConfig() Config {
	return Config{
		TuningValue:    -1,
		Compiler:       "/opt/rocm/bin/hipcc",
		Arch:           "gfx90a",
		CompileTimeout: 5 * time.Minute,
	}
}

// ConfigFromEnv returns DefaultConfig overridden by the GRAPHJIT_* environment variables that are set
// and not empty. Malformed values are reported as errs.ErrConfiguration.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	var err error
	setString := func(key string, value *string) {
		if v, found := lookup(key); found {
			*value = v
		}
	}
	setBool := func(key string, value *bool) {
		if err != nil {
			return
		}
		if v, found := lookup(key); found {
			*value, err = strconv.ParseBool(v)
			err = wrapEnvError(err, key, v)
		}
	}
	setInt := func(key string, value *int) {
		if err != nil {
			return
		}
		if v, found := lookup(key); found {
			*value, err = strconv.Atoi(v)
			err = wrapEnvError(err, key, v)
		}
	}

	setString(GRAPHJIT_GEMM_TUNING, &cfg.TuningPath)
	setString(GRAPHJIT_HIPCC, &cfg.Compiler)
	setString(GRAPHJIT_ARCH, &cfg.Arch)
	setInt(GRAPHJIT_GEMM_TUNING_VALUE, &cfg.TuningValue)
	setInt(GRAPHJIT_COMPILE_PARALLELISM, &cfg.Parallelism)
	setBool(GRAPHJIT_GEMM_TUNING_STRICT, &cfg.TuningStrict)
	setBool(GRAPHJIT_LOG_GEMM, &cfg.LogGEMM)
	setBool(GRAPHJIT_GEMM_DEBUG, &cfg.Debug)
	if v, found := lookup(GRAPHJIT_COMPILE_TIMEOUT); found && err == nil {
		cfg.CompileTimeout, err = time.ParseDuration(v)
		err = wrapEnvError(err, GRAPHJIT_COMPILE_TIMEOUT, v)
	}
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func lookup(key string) (string, bool) {
	v, found := os.LookupEnv(key)
	return v, found && v != ""
}

func wrapEnvError(err error, key, value string) error {
	if err == nil {
		return nil
	}
	return errs.Mark(errs.ErrConfiguration, errors.WithStack(err), "invalid value %q for $%s", value, key)
}
