// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package jit

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/graphjit/pkg/core/errs"
	"github.com/gomlx/graphjit/pkg/core/ir"
	"github.com/gomlx/graphjit/pkg/core/ops"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
)

// CppType returns the device C++ type of dtype.
func CppType(dtype dtypes.DType) (string, error) {
	switch dtype {
	case dtypes.Bool:
		return "bool", nil
	case dtypes.Int8:
		return "int8_t", nil
	case dtypes.Int16:
		return "int16_t", nil
	case dtypes.Int32:
		return "int32_t", nil
	case dtypes.Int64:
		return "int64_t", nil
	case dtypes.Uint8:
		return "uint8_t", nil
	case dtypes.Uint16:
		return "uint16_t", nil
	case dtypes.Uint32:
		return "uint32_t", nil
	case dtypes.Uint64:
		return "uint64_t", nil
	case dtypes.Float16:
		return "graphjit::half", nil
	case dtypes.BFloat16:
		return "graphjit::bf16", nil
	case dtypes.Float32:
		return "float", nil
	case dtypes.Float64:
		return "double", nil
	}
	return "", errs.Unsupportedf("no device type for dtype %s", dtype)
}

// GeneratePointwise returns the C++ device function fnName computing the result of module, a bypass module
// of scalar parameters (like the modules of pointwise instructions). The function arguments follow the
// sorted order of the module parameter names.
func GeneratePointwise(module *ir.Module, fnName string) (string, error) {
	names := make(map[*ir.Instruction]string)
	paramNames := module.SortedParameterNames()
	templateArgs := make([]string, len(paramNames))
	args := make([]string, len(paramNames))
	for ii, paramName := range paramNames {
		names[module.Parameter(paramName)] = fmt.Sprintf("x%d", ii)
		templateArgs[ii] = fmt.Sprintf("class T%d", ii)
		args[ii] = fmt.Sprintf("T%d x%d", ii, ii)
	}

	var body strings.Builder
	next := 0
	for _, ins := range module.Instructions() {
		if ins.IsParameter() || ins.IsReturn() {
			continue
		}
		var expr string
		var err error
		if ins.Name() == ir.LiteralOpName {
			expr, err = literalCode(ins)
		} else {
			expr, err = elementwiseCode(ins, names)
		}
		if err != nil {
			return "", errs.Mark(errs.ErrUnsupportedOperation, err, "generating pointwise function for module %q", module.Name())
		}
		name := fmt.Sprintf("z%d", next)
		next++
		names[ins] = name
		fmt.Fprintf(&body, "    auto %s = %s;\n", name, expr)
	}
	results := module.Results()
	if len(results) != 1 {
		return "", errs.Configurationf("pointwise module %q must return a single value, got %d", module.Name(), len(results))
	}
	result, found := names[results[0]]
	if !found {
		return "", errs.Invariantf("pointwise module %q returns a value from outside the module", module.Name())
	}
	fmt.Fprintf(&body, "    return %s;\n", result)

	var sb strings.Builder
	fmt.Fprintf(&sb, "template <%s>\n", strings.Join(templateArgs, ", "))
	fmt.Fprintf(&sb, "__device__ __attribute__((const)) auto %s(%s)\n{\n", fnName, strings.Join(args, ", "))
	sb.WriteString(body.String())
	sb.WriteString("}\n")
	return sb.String(), nil
}

func elementwiseCode(ins *ir.Instruction, names map[*ir.Instruction]string) (string, error) {
	op, ok := ins.Op().(ops.Elementwise)
	if !ok || !ops.IsElementwise(op) {
		return "", errs.Unsupportedf("operation %s can't be used in a pointwise function", ins.Name())
	}
	args := make([]string, ins.NumInputs())
	for ii, input := range ins.Inputs() {
		name, found := names[input]
		if !found {
			return "", errs.Invariantf("input #%d of %s is not defined in the pointwise module", ii, ins)
		}
		args[ii] = name
	}
	return op.PointwiseCode(args), nil
}

// literalCode renders a scalar literal. Float16 values are rounded to half precision first, so the
// rendered value is exactly the one the device will use.
func literalCode(ins *ir.Instruction) (string, error) {
	literal := ins.Op().(ir.LiteralOp)
	dtype := literal.Shape.DType
	if !literal.Shape.IsScalar() {
		return "", errs.Unsupportedf("only scalar literals can be used in pointwise functions, got %s", literal.Shape)
	}
	cppType, err := CppType(dtype)
	if err != nil {
		return "", err
	}
	var value string
	switch v := literal.Value.(type) {
	case ir.Float:
		f := float64(v)
		if dtype == dtypes.Float16 {
			f = float64(float16.Fromfloat32(float32(v)).Float32())
		}
		value = strconv.FormatFloat(f, 'g', -1, 64)
	case ir.Int:
		value = strconv.Itoa(int(v))
	case ir.Bool:
		value = strconv.FormatBool(bool(v))
	default:
		return "", errs.Unsupportedf("literal value %s can't be used in pointwise functions", literal.Value)
	}
	return fmt.Sprintf("%s(%s)", cppType, value), nil
}

// GenerateNameFromOps returns a name describing the operations of module, e.g. "mul_add", to be used in
// kernel names.
func GenerateNameFromOps(module *ir.Module) string {
	var parts []string
	for _, ins := range module.Instructions() {
		if ins.IsParameter() || ins.IsReturn() || ins.Name() == ir.LiteralOpName {
			continue
		}
		parts = append(parts, identifier(ins.Name()))
	}
	if len(parts) == 0 {
		return "noop"
	}
	return strings.Join(parts, "_")
}

// identifier replaces every character not valid in a C identifier by "_".
func identifier(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
}
