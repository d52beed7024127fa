// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/graphjit/pkg/core/errs"
	"github.com/gomlx/gopjrt/dtypes"
)

// Positions of the template arguments of ck::tensor_operation::device::DeviceGemmMultipleD_Xdl_CShuffle
// that are inspected or replaced.
const (
	ALayoutIndex   = 0
	BLayoutIndex   = 1
	DsLayoutIndex  = 2
	ELayoutIndex   = 3
	ADataIndex     = 4
	BDataIndex     = 5
	DsDataIndex    = 8
	EDataIndex     = 9
	CDEOpIndex     = 12
	GemmSpecIndex  = 13
	BlockSizeIndex = 15
)

const (
	RowMajor    = "ck::tensor_layout::gemm::RowMajor"
	ColumnMajor = "ck::tensor_layout::gemm::ColumnMajor"

	EmptyTuple  = "ck::Tuple<>"
	PassThrough = "ck_passthrough"

	GemmSpecPrefix = "ck::tensor_operation::device::GemmSpecialization::"
)

// Instance is the list of template arguments of one GEMM kernel instance.
type Instance []string

func (in Instance) intAt(i int) int {
	v, err := strconv.Atoi(strings.TrimSpace(in[i]))
	if err != nil {
		exceptions.Panicf("GEMM instance argument #%d is not an integer: %q", i, in[i])
	}
	return v
}

// BlockSize is the number of work-items per work-group.
func (in Instance) BlockSize() int { return in.intAt(BlockSizeIndex) }

// PerBlock returns the tile size of M (0), N (1), K (2), or AK1 (3).
func (in Instance) PerBlock(i int) int { return in.intAt(BlockSizeIndex + 1 + i) }

// Pad returns the padding needed by each of the M, N and K extents to be a multiple of the tile.
func (in Instance) Pad(mnk [3]int) (pad [3]int) {
	for ii, x := range mnk {
		tile := in.PerBlock(ii)
		pad[ii] = ceilDiv(x, tile)*tile - x
	}
	return
}

// GridSize is the number of work-groups needed for one batch of an M x N output.
func (in Instance) GridSize(mnk [3]int) int {
	return ceilDiv(mnk[0], in.PerBlock(0)) * ceilDiv(mnk[1], in.PerBlock(1))
}

// with returns a copy with the argument at index replaced.
func (in Instance) with(index int, value string) Instance {
	out := append(Instance(nil), in...)
	out[index] = value
	return out
}

// WithDs returns the instance with the given layouts, types and elementwise operation for the D tensors.
func (in Instance) WithDs(layouts, types []string, op string) Instance {
	return in.with(DsLayoutIndex, ckTuple(layouts)).with(DsDataIndex, ckTuple(types)).with(CDEOpIndex, op)
}

// WithGemmSpec returns the instance with the given GemmSpecialization, e.g. "MNPadding".
func (in Instance) WithGemmSpec(spec string) Instance {
	return in.with(GemmSpecIndex, GemmSpecPrefix+spec)
}

func (in Instance) String() string { return strings.Join(in, ", ") }

func ckTuple(values []string) string {
	return "ck::Tuple<" + strings.Join(values, ", ") + ">"
}

func ceilDiv(x, y int) int { return (x + y - 1) / y }

// tiling of an instance: block size, tile sizes and the XDL decomposition.
type tiling struct {
	block, m, n, k, k1 int
	mxdl, nxdl         int
}

var tilings = []tiling{
	{256, 256, 128, 32, 8, 4, 2},
	{256, 128, 256, 32, 8, 2, 4},
	{128, 128, 128, 32, 8, 4, 2},
	{256, 128, 128, 32, 8, 2, 2},
	{256, 128, 128, 16, 4, 2, 2},
	{128, 128, 64, 32, 8, 2, 2},
	{128, 64, 128, 32, 8, 2, 2},
	{64, 64, 64, 32, 8, 2, 2},
}

// GEMMDTypes are the dtypes with GEMM instances.
var GEMMDTypes = []dtypes.DType{dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Int8}

// CKType returns the composable kernel type name for dtype.
func CKType(dtype dtypes.DType) (string, error) {
	switch dtype {
	case dtypes.Float16:
		return "ck::half_t", nil
	case dtypes.BFloat16:
		return "ck::bhalf_t", nil
	case dtypes.Float32:
		return "float", nil
	case dtypes.Int8:
		return "int8_t", nil
	}
	return "", errs.Configurationf("no GEMM instances for dtype %s", dtype)
}

func accumulatorType(dtype dtypes.DType) string {
	if dtype == dtypes.Int8 {
		return "int32_t"
	}
	return "float"
}

// blockTransfer returns the 7 block transfer arguments of an operand whose contiguous axis is K
// (kContiguous) or M/N otherwise.
func blockTransfer(t tiling, kContiguous bool) []string {
	k0 := t.k / t.k1
	cluster := fmt.Sprintf("S<%d, %d, 1>", k0, t.block/k0)
	if kContiguous {
		return []string{cluster, "S<1, 0, 2>", "S<1, 0, 2>", "2", strconv.Itoa(t.k1), strconv.Itoa(t.k1), "1"}
	}
	return []string{cluster, "S<0, 2, 1>", "S<0, 2, 1>", "1", "4", strconv.Itoa(t.k1 / 2), "0"}
}

func newInstance(aLayout, bLayout string, dtype dtypes.DType, t tiling) Instance {
	ckType, _ := CKType(dtype)
	in := Instance{
		aLayout, bLayout, EmptyTuple, RowMajor,
		ckType, ckType, accumulatorType(dtype), ckType, EmptyTuple, ckType,
		PassThrough, PassThrough, PassThrough,
		GemmSpecPrefix + "Default",
		"1",
		strconv.Itoa(t.block), strconv.Itoa(t.m), strconv.Itoa(t.n), strconv.Itoa(t.k),
		strconv.Itoa(t.k1), strconv.Itoa(t.k1),
		"32", "32", strconv.Itoa(t.mxdl), strconv.Itoa(t.nxdl),
	}
	// A is M x K: row-major means K is contiguous. B is K x N: column-major means K is contiguous.
	in = append(in, blockTransfer(t, aLayout == RowMajor)...)
	in = append(in, blockTransfer(t, bLayout == ColumnMajor)...)
	in = append(in, "1", "1", fmt.Sprintf("S<1, %d, 1, 8>", t.block/8), "8")
	return in
}

var (
	instancesOnce sync.Once
	allInstances  []Instance
)

// Instances returns the table of all GEMM instances, for every layout and dtype combination.
func Instances() []Instance {
	instancesOnce.Do(func() {
		layouts := []string{RowMajor, ColumnMajor}
		for _, dtype := range GEMMDTypes {
			for _, aLayout := range layouts {
				for _, bLayout := range layouts {
					for _, t := range tilings {
						allInstances = append(allInstances, newInstance(aLayout, bLayout, dtype, t))
					}
				}
			}
		}
	})
	return allInstances
}

// SelectInstance returns the i-th instance (counting from 0) for which pred returns true.
func SelectInstance(i int, pred func(Instance) bool) (Instance, error) {
	if i < 0 {
		return nil, errs.Configurationf("invalid GEMM instance index %d", i)
	}
	count := 0
	for _, in := range Instances() {
		if !pred(in) {
			continue
		}
		if count == i {
			return in, nil
		}
		count++
	}
	return nil, errs.Configurationf("GEMM instance #%d requested, but only %d instances match", i, count)
}

// CountInstances returns how many instances pred accepts.
func CountInstances(pred func(Instance) bool) int {
	count := 0
	for _, in := range Instances() {
		if pred(in) {
			count++
		}
	}
	return count
}
