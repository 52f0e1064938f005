/*
 *     Copyright 2025 The CNAI Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package native

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/MohanadWebsite/image-enhancer/pkg/onnx"
)

func registerMath() {
	register("Add", binary(func(x, y float32) float32 { return x + y }))
	register("Sub", binary(func(x, y float32) float32 { return x - y }))
	register("Mul", binary(func(x, y float32) float32 { return x * y }))
	register("Div", binary(func(x, y float32) float32 { return x / y }))
	register("PRelu", binary(func(x, slope float32) float32 {
		if x < 0 {
			return x * slope
		}
		return x
	}))

	register("Sqrt", unary(func(_ *onnx.Node) func(float32) float32 {
		return func(x float32) float32 { return float32(math.Sqrt(float64(x))) }
	}))
	register("Reciprocal", unary(func(_ *onnx.Node) func(float32) float32 {
		return func(x float32) float32 { return 1 / x }
	}))
	register("Relu", unary(func(_ *onnx.Node) func(float32) float32 {
		return func(x float32) float32 { return max(x, 0) }
	}))
	register("Sigmoid", unary(func(_ *onnx.Node) func(float32) float32 {
		return func(x float32) float32 { return float32(1 / (1 + math.Exp(-float64(x)))) }
	}))
	register("LeakyRelu", unary(func(n *onnx.Node) func(float32) float32 {
		alpha := n.AttrFloat("alpha", 0.01)
		return func(x float32) float32 {
			if x < 0 {
				return x * alpha
			}
			return x
		}
	}))

	register("Gemm", handleGemm)
	register("MatMul", handleMatMul)
}

func unary(build func(n *onnx.Node) func(float32) float32) handler {
	return func(_ *execContext, n *onnx.Node, in []*value) ([]*value, error) {
		if err := wantInputs(n, in, 1); err != nil {
			return nil, err
		}

		f := build(n)
		x := in[0].float32s()
		out := make([]float32, len(x))
		for k, v := range x {
			out[k] = f(v)
		}
		return []*value{floatValue(in[0].shape, out)}, nil
	}
}

func binary(f func(x, y float32) float32) handler {
	return func(_ *execContext, n *onnx.Node, in []*value) ([]*value, error) {
		if err := wantInputs(n, in, 2); err != nil {
			return nil, err
		}

		out, err := broadcast(in[0], in[1], f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n.OpType, err)
		}
		return []*value{out}, nil
	}
}

func broadcastShape(a, b []int) ([]int, error) {
	rank := max(len(a), len(b))
	out := make([]int, rank)
	for k := 0; k < rank; k++ {
		da, db := 1, 1
		if j := k - rank + len(a); j >= 0 {
			da = a[j]
		}
		if j := k - rank + len(b); j >= 0 {
			db = b[j]
		}

		switch {
		case da == db, db == 1:
			out[k] = da
		case da == 1:
			out[k] = db
		default:
			return nil, fmt.Errorf("shapes %v and %v do not broadcast", a, b)
		}
	}
	return out, nil
}

// broadcastStrides aligns shape to out and zeroes the stride of every
// broadcast axis.
func broadcastStrides(shape, out []int) []int {
	s := make([]int, len(out))
	acc := 1
	for k := len(out) - 1; k >= 0; k-- {
		j := k - len(out) + len(shape)
		if j < 0 || shape[j] == 1 {
			continue
		}
		s[k] = acc
		acc *= shape[j]
	}
	return s
}

func broadcast(a, b *value, f func(x, y float32) float32) (*value, error) {
	shape, err := broadcastShape(a.shape, b.shape)
	if err != nil {
		return nil, err
	}

	af, bf := a.float32s(), b.float32s()
	out := newFloat(shape...)
	switch {
	case len(af) == len(out.f) && len(bf) == len(out.f):
		for k := range out.f {
			out.f[k] = f(af[k], bf[k])
		}
		return out, nil
	case len(bf) == 1:
		y := bf[0]
		for k, x := range af {
			out.f[k] = f(x, y)
		}
		return out, nil
	case len(out.f) == 0:
		return out, nil
	}

	rank := len(shape)
	sa, sb := broadcastStrides(a.shape, shape), broadcastStrides(b.shape, shape)
	inner := shape[rank-1]
	ia, ib := sa[rank-1], sb[rank-1]
	idx := make([]int, rank-1)
	for base := 0; base < len(out.f); base += inner {
		offA, offB := 0, 0
		for k := range idx {
			offA += idx[k] * sa[k]
			offB += idx[k] * sb[k]
		}

		for j := 0; j < inner; j++ {
			out.f[base+j] = f(af[offA+j*ia], bf[offB+j*ib])
		}

		for k := rank - 2; k >= 0; k-- {
			idx[k]++
			if idx[k] < shape[k] {
				break
			}
			idx[k] = 0
		}
	}

	return out, nil
}

func handleGemm(_ *execContext, n *onnx.Node, in []*value) ([]*value, error) {
	if err := wantInputs(n, in, 2); err != nil {
		return nil, err
	}

	a, b := in[0], in[1]
	if a.rank() != 2 || b.rank() != 2 {
		return nil, fmt.Errorf("Gemm expects matrices, got %v and %v", a.shape, b.shape)
	}

	transA, transB := n.AttrInt("transA", 0) != 0, n.AttrInt("transB", 0) != 0
	alpha, beta := n.AttrFloat("alpha", 1), n.AttrFloat("beta", 1)

	m, k := a.shape[0], a.shape[1]
	if transA {
		m, k = k, m
	}
	kb, cols := b.shape[0], b.shape[1]
	if transB {
		kb, cols = cols, kb
	}
	if k != kb {
		return nil, fmt.Errorf("Gemm inner dimensions differ: %v and %v", a.shape, b.shape)
	}

	out := newFloat(m, cols)
	if c := input(in, 2); c != nil && beta != 0 {
		bias, err := broadcast(out, c, func(_, y float32) float32 { return beta * y })
		if err != nil {
			return nil, fmt.Errorf("Gemm bias: %w", err)
		}
		if len(bias.f) != len(out.f) {
			return nil, fmt.Errorf("Gemm bias %v does not broadcast to [%d %d]", c.shape, m, cols)
		}
		out = bias
	}

	gemm(transA, transB, alpha,
		matrix(a.float32s(), a.shape[0], a.shape[1]),
		matrix(b.float32s(), b.shape[0], b.shape[1]),
		matrix(out.f, m, cols))
	return []*value{out}, nil
}

// handleMatMul supports a matrix or a stack of matrices times a matrix.
func handleMatMul(_ *execContext, n *onnx.Node, in []*value) ([]*value, error) {
	if err := wantInputs(n, in, 2); err != nil {
		return nil, err
	}

	a, b := in[0], in[1]
	if a.rank() < 2 || b.rank() != 2 || a.shape[a.rank()-1] != b.shape[0] {
		return nil, fmt.Errorf("MatMul cannot multiply %v by %v", a.shape, b.shape)
	}

	k := b.shape[0]
	rows := a.size() / k
	shape := append(append([]int{}, a.shape[:a.rank()-1]...), b.shape[1])
	out := newFloat(shape...)
	gemm(false, false, 1, matrix(a.float32s(), rows, k), matrix(b.float32s(), k, b.shape[1]), matrix(out.f, rows, b.shape[1]))
	return []*value{out}, nil
}

func matrix(data []float32, rows, cols int) blas32.General {
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}

// gemm computes c += alpha * op(a) * op(b).
func gemm(transA, transB bool, alpha float32, a, b, c blas32.General) {
	if c.Rows == 0 || c.Cols == 0 {
		return
	}

	ta, tb := blas.NoTrans, blas.NoTrans
	if transA {
		ta = blas.Trans
	}
	if transB {
		tb = blas.Trans
	}
	blas32.Gemm(ta, tb, alpha, a, b, 1, c)
}
