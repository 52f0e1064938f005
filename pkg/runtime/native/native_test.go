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
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MohanadWebsite/image-enhancer/pkg/graph"
	"github.com/MohanadWebsite/image-enhancer/pkg/onnx"
	"github.com/MohanadWebsite/image-enhancer/pkg/tensor"
)

func randomTensor(r *rand.Rand, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = r.Float32()*2 - 1
	}
	return t
}

// build traces fn on an input of the given shape and wraps the graph in a model.
func build(t *testing.T, opset int64, shape []int64, axes graph.DynamicAxes, fn func(b *graph.Builder, x graph.Value) graph.Value) *onnx.Model {
	t.Helper()

	b := graph.NewBuilder(opset)
	x := b.Input("input", shape...)
	y := fn(b, x)
	require.NoError(t, b.Err())

	in, err := graph.Schema("input", shape, axes)
	require.NoError(t, err)
	out, err := graph.Schema("output", y.Shape, axes)
	require.NoError(t, err)

	g, err := b.Finish("test", []graph.TensorSchema{in}, []graph.Value{y}, []graph.TensorSchema{out})
	require.NoError(t, err)

	return &onnx.Model{
		IRVersion:   graph.IRVersion(opset),
		OpsetImport: []onnx.OpsetID{{Version: opset}},
		Graph:       g,
	}
}

func run(t *testing.T, m *onnx.Model, x *tensor.Tensor) *tensor.Tensor {
	t.Helper()

	s, err := New(m, Options{Threads: 2})
	require.NoError(t, err)
	defer s.Close()

	out, err := s.Run(context.Background(), map[string]*tensor.Tensor{"input": x})
	require.NoError(t, err)
	require.Len(t, out, 1)
	return out[0]
}

// referenceConv is a direct convolution used to check the im2col kernel.
func referenceConv(x, w *tensor.Tensor, bias []float32, stride, pad, group int) *tensor.Tensor {
	n, c, h, wd := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	m, kh, kw := w.Shape[0], w.Shape[2], w.Shape[3]
	oh := (h+2*pad-kh)/stride + 1
	ow := (wd+2*pad-kw)/stride + 1
	cg, mg := c/group, m/group

	out := tensor.New(n, m, oh, ow)
	for b := 0; b < n; b++ {
		for f := 0; f < m; f++ {
			g := f / mg
			for i := 0; i < oh; i++ {
				for j := 0; j < ow; j++ {
					var sum float32
					if bias != nil {
						sum = bias[f]
					}
					for ch := 0; ch < cg; ch++ {
						for u := 0; u < kh; u++ {
							for v := 0; v < kw; v++ {
								y, xx := i*stride-pad+u, j*stride-pad+v
								if y < 0 || y >= h || xx < 0 || xx >= wd {
									continue
								}
								sum += x.Data[((b*c+g*cg+ch)*h+y)*wd+xx] * w.Data[((f*cg+ch)*kh+u)*kw+v]
							}
						}
					}
					out.Data[((b*m+f)*oh+i)*ow+j] = sum
				}
			}
		}
	}
	return out
}

func TestConv_MatchesReference(t *testing.T) {
	tests := []struct {
		name               string
		stride, pad, group int
		channels, filters  int
		withBias           bool
	}{
		{name: "3x3 same", stride: 1, pad: 1, group: 1, channels: 3, filters: 4, withBias: true},
		{name: "strided", stride: 2, pad: 1, group: 1, channels: 2, filters: 3},
		{name: "grouped", stride: 1, pad: 0, group: 2, channels: 4, filters: 6, withBias: true},
	}

	r := rand.New(rand.NewSource(1))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := randomTensor(r, 2, tt.channels, 7, 9)
			w := randomTensor(r, tt.filters, tt.channels/tt.group, 3, 3)
			var bias *tensor.Tensor
			if tt.withBias {
				bias = randomTensor(r, tt.filters)
			}

			m := build(t, 11, []int64{2, int64(tt.channels), 7, 9}, graph.ImageAxes(), func(b *graph.Builder, in graph.Value) graph.Value {
				bv := graph.Value{}
				if bias != nil {
					bv = b.Param("bias", bias)
				}
				return b.Conv(in, b.Param("weight", w), bv, graph.ConvOptions{
					Stride: int64(tt.stride), Pad: int64(tt.pad), Group: int64(tt.group),
				})
			})

			var bf []float32
			if bias != nil {
				bf = bias.Data
			}
			want := referenceConv(x, w, bf, tt.stride, tt.pad, tt.group)
			got := run(t, m, x)
			require.Equal(t, want.Shape, got.Shape)
			assert.InDeltaSlice(t, want.Data, got.Data, 1e-4)
		})
	}
}

func TestResize(t *testing.T) {
	x := &tensor.Tensor{Shape: []int{1, 1, 2, 2}, Data: []float32{1, 2, 3, 4}}

	nearest := build(t, 11, []int64{1, 1, 2, 2}, graph.ImageAxes(), func(b *graph.Builder, in graph.Value) graph.Value {
		return b.Resize(in, 2, "nearest")
	})
	got := run(t, nearest, x)
	assert.Equal(t, []int{1, 1, 4, 4}, got.Shape)
	assert.Equal(t, []float32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}, got.Data)

	row := &tensor.Tensor{Shape: []int{1, 1, 1, 2}, Data: []float32{0, 1}}
	linear := build(t, 13, []int64{1, 1, 1, 2}, graph.ImageAxes(), func(b *graph.Builder, in graph.Value) graph.Value {
		return b.Resize(in, 2, "linear")
	})
	got = run(t, linear, row)
	assert.Equal(t, []int{1, 1, 2, 4}, got.Shape)
	assert.InDeltaSlice(t, []float32{0, 0.25, 0.75, 1, 0, 0.25, 0.75, 1}, got.Data, 1e-6)
}

func TestPixelShuffleRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	x := randomTensor(r, 1, 3, 4, 6)

	m := build(t, 11, []int64{1, 3, 4, 6}, graph.ImageAxes(), func(b *graph.Builder, in graph.Value) graph.Value {
		return b.DepthToSpace(b.PixelUnshuffle(in, 2), 2)
	})
	got := run(t, m, x)
	assert.Equal(t, x.Shape, got.Shape)
	assert.Equal(t, x.Data, got.Data)
}

func TestSplitConcatGather(t *testing.T) {
	x := &tensor.Tensor{Shape: []int{1, 4, 1, 1}, Data: []float32{10, 20, 30, 40}}

	m := build(t, 13, []int64{1, 4, 1, 1}, graph.BatchAxes(), func(b *graph.Builder, in graph.Value) graph.Value {
		parts := b.Split(in, 1, 1, 3)
		swapped := b.Concat(1, parts[1], parts[0])
		return b.Gather(swapped, 1, []int64{3, 0, 1, 2})
	})
	got := run(t, m, x)
	assert.Equal(t, []float32{10, 20, 30, 40}, got.Data)
}

func TestLinearAndReshape(t *testing.T) {
	w := &tensor.Tensor{Shape: []int{2, 3}, Data: []float32{1, 0, 0, 0, 1, 1}}
	bias := &tensor.Tensor{Shape: []int{2}, Data: []float32{0.5, -0.5}}
	x := &tensor.Tensor{Shape: []int{1, 3, 1, 1}, Data: []float32{1, 2, 3}}

	m := build(t, 11, []int64{1, 3, 1, 1}, graph.BatchAxes(), func(b *graph.Builder, in graph.Value) graph.Value {
		flat := b.Flatten(in, 1)
		y := b.Linear(flat, b.Param("w", w), b.Param("b", bias))
		return b.Reshape(y, -1, 2, 1, 1)
	})
	got := run(t, m, x)
	assert.Equal(t, []int{1, 2, 1, 1}, got.Shape)
	assert.Equal(t, []float32{1.5, 4.5}, got.Data)
}

func TestSession_InputShape(t *testing.T) {
	m := build(t, 11, []int64{1, 3, 4, 4}, graph.ImageAxes(), func(b *graph.Builder, in graph.Value) graph.Value {
		return b.LeakyRelu(in, 0.2)
	})

	s, err := New(m, Options{})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Run(context.Background(), map[string]*tensor.Tensor{"input": tensor.New(2, 3, 9, 5)})
	assert.NoError(t, err)

	_, err = s.Run(context.Background(), map[string]*tensor.Tensor{"input": tensor.New(1, 4, 4, 4)})
	assert.ErrorIs(t, err, ErrInputShape)

	_, err = s.Run(context.Background(), map[string]*tensor.Tensor{"input": tensor.New(3, 4, 4)})
	assert.ErrorIs(t, err, ErrInputShape)

	_, err = s.Run(context.Background(), map[string]*tensor.Tensor{})
	assert.ErrorIs(t, err, ErrInputShape)
}

func TestSession_UnsupportedOperator(t *testing.T) {
	m := build(t, 11, []int64{1, 1, 2, 2}, graph.ImageAxes(), func(b *graph.Builder, in graph.Value) graph.Value {
		return b.Relu(in)
	})
	m.Graph.Nodes[0].OpType = "Softplus"

	_, err := New(m, Options{})
	assert.ErrorIs(t, err, ErrUnsupportedOperator)
}

func TestSession_SerializedRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	w := randomTensor(r, 2, 3, 3, 3)
	slope := randomTensor(r, 2, 1, 1)
	x := randomTensor(r, 1, 3, 5, 5)

	m := build(t, 11, []int64{1, 3, 5, 5}, graph.ImageAxes(), func(b *graph.Builder, in graph.Value) graph.Value {
		y := b.Conv(in, b.Param("w", w), graph.Value{}, graph.ConvOptions{Pad: 1})
		y = b.PRelu(y, b.Param("slope", slope))
		return b.Sqrt(b.Add(b.Mul(y, y), b.ConstFloat(nil, 1e-8)))
	})

	decoded, err := onnx.Unmarshal(onnx.Marshal(m))
	require.NoError(t, err)

	assert.Equal(t, run(t, m, x).Data, run(t, decoded, x).Data)
}

func TestSupportedOps(t *testing.T) {
	ops := SupportedOps()
	assert.Contains(t, ops, "Conv")
	assert.Contains(t, ops, "Resize")
	assert.Contains(t, ops, "DepthToSpace")
	assert.IsIncreasing(t, ops)
}
