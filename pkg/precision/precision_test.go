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

package precision

import (
	"context"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/MohanadWebsite/image-enhancer/pkg/graph"
	"github.com/MohanadWebsite/image-enhancer/pkg/onnx"
	"github.com/MohanadWebsite/image-enhancer/pkg/runtime/native"
	"github.com/MohanadWebsite/image-enhancer/pkg/tensor"
)

// upscaler builds conv -> nearest resize -> reshape, with weights that
// exercise clamping.
func upscaler(t *testing.T, opset int64) *onnx.Model {
	t.Helper()

	rng := rand.New(rand.NewSource(2))
	w := tensor.New(3, 3, 3, 3)
	for i := range w.Data {
		w.Data[i] = (rng.Float32() - 0.5) * 0.5
	}
	w.Data[0] = 1e-9
	w.Data[1] = -3e-8

	b := graph.NewBuilder(opset)
	x := b.Input("input", 1, 3, 4, 4)
	y := b.Conv(x, b.Param("conv.weight", w), b.Param("conv.bias", tensor.New(3)), graph.ConvOptions{Pad: 1})
	y = b.Resize(y, 2, "nearest")
	y = b.Reshape(y, 0, 3, 8, -1)
	require.NoError(t, b.Err())

	in, err := graph.Schema("input", x.Shape, graph.ImageAxes())
	require.NoError(t, err)
	out, err := graph.Schema("output", y.Shape, graph.BatchAxes())
	require.NoError(t, err)

	g, err := b.Finish("upscaler", []graph.TensorSchema{in}, []graph.Value{y}, []graph.TensorSchema{out})
	require.NoError(t, err)

	return &onnx.Model{
		IRVersion:   graph.IRVersion(opset),
		OpsetImport: []onnx.OpsetID{{Version: opset}},
		Graph:       g,
	}
}

type edge struct {
	Name, Op        string
	Inputs, Outputs []string
}

func topology(m *onnx.Model) []edge {
	out := make([]edge, len(m.Graph.Nodes))
	for i, n := range m.Graph.Nodes {
		out[i] = edge{Name: n.Name, Op: n.OpType, Inputs: n.Inputs, Outputs: n.Outputs}
	}

	return out
}

func TestConvertFloat16_PreservesTopology(t *testing.T) {
	for _, opset := range []int64{11, 13} {
		m := upscaler(t, opset)
		half, stats, err := ConvertFloat16(m, Options{})
		require.NoError(t, err)

		if diff := cmp.Diff(topology(m), topology(half)); diff != "" {
			t.Errorf("opset %d topology changed (-want +got):\n%s", opset, diff)
		}

		assert.Equal(t, onnx.Float16, half.Graph.Inputs[0].ElemType)
		assert.Equal(t, onnx.Float16, half.Graph.Outputs[0].ElemType)
		assert.Equal(t, 2, stats.Initializers)
		assert.Equal(t, 2, stats.Clamped)

		resize := half.Graph.Nodes[1]
		require.Equal(t, "Resize", resize.OpType)
		for _, tt := range half.Graph.Initializers {
			switch {
			case tt.Name == resize.Inputs[1] || tt.Name == resize.Inputs[2]:
				assert.Equal(t, onnx.Float, tt.DataType, tt.Name)
			case tt.DataType == onnx.Int64:
				// Shape tensors are never narrowed.
			default:
				assert.Equal(t, onnx.Float16, tt.DataType, tt.Name)
			}
		}

		// The source model is not modified.
		assert.Equal(t, onnx.Float, m.Graph.Initializer("conv.weight").DataType)
		assert.Equal(t, onnx.Float, m.Graph.Inputs[0].ElemType)
	}
}

func TestConvertFloat16_ClampsWeights(t *testing.T) {
	half, _, err := ConvertFloat16(upscaler(t, 11), Options{})
	require.NoError(t, err)

	w, err := half.Graph.Initializer("conv.weight").Float32s()
	require.NoError(t, err)
	// 1e-7 has no exact half form, it lands on the nearest subnormal.
	tiny := float16.Fromfloat32(MinPositive).Float32()
	assert.NotZero(t, tiny)
	assert.Equal(t, tiny, w[0])
	assert.Equal(t, float16.Fromfloat32(-MinPositive).Float32(), w[1])
	assert.Equal(t, -tiny, w[1])
}

func TestClamp(t *testing.T) {
	inf := float32(math.Inf(1))
	tests := []struct {
		in, want float32
	}{
		{in: 0, want: 0},
		{in: 1e-9, want: MinPositive},
		{in: -1e-9, want: -MinPositive},
		{in: 0.5, want: 0.5},
		{in: 2e4, want: MaxFinite},
		{in: -7e5, want: -MaxFinite},
		{in: inf, want: inf},
		{in: -inf, want: -inf},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, clamp(tt.in), "clamp(%g)", tt.in)
	}
}

func TestConvertFloat16_Idempotent(t *testing.T) {
	for _, keepIO := range []bool{false, true} {
		once, _, err := ConvertFloat16(upscaler(t, 13), Options{KeepIOTypes: keepIO})
		require.NoError(t, err)

		twice, stats, err := ConvertFloat16(once, Options{KeepIOTypes: keepIO})
		require.NoError(t, err)

		assert.Equal(t, onnx.Marshal(once), onnx.Marshal(twice), "keep io types: %v", keepIO)
		assert.Zero(t, stats.Initializers)
		assert.Zero(t, stats.IOCasts)
	}
}

func TestConvertFloat16_KeepIOTypes(t *testing.T) {
	m := upscaler(t, 11)
	half, stats, err := ConvertFloat16(m, Options{KeepIOTypes: true})
	require.NoError(t, err)

	assert.Equal(t, 2, stats.IOCasts)
	assert.Equal(t, onnx.Float, half.Graph.Inputs[0].ElemType)
	assert.Equal(t, onnx.Float, half.Graph.Outputs[0].ElemType)

	nodes := half.Graph.Nodes
	require.Len(t, nodes, len(m.Graph.Nodes)+2)
	assert.Equal(t, []string{"input"}, nodes[0].Inputs)
	assert.Equal(t, int64(onnx.Float16), nodes[0].AttrInt("to", 0))
	assert.Equal(t, []string{"output"}, nodes[len(nodes)-1].Outputs)
	assert.Equal(t, int64(onnx.Float), nodes[len(nodes)-1].AttrInt("to", 0))
}

func TestConvertFloat16_ConstantsAndCasts(t *testing.T) {
	m := &onnx.Model{
		IRVersion:   graph.IRVersion(13),
		OpsetImport: []onnx.OpsetID{{Version: 13}},
		Graph: &onnx.Graph{
			Name: "consts",
			Nodes: []*onnx.Node{
				{Name: "c", OpType: "Constant", Outputs: []string{"c"}, Attributes: []*onnx.Attribute{
					onnx.TensorAttr("value", onnx.NewFloatTensor("", []int64{1}, []float32{2})),
				}},
				{Name: "n", OpType: "Constant", Outputs: []string{"n"}, Attributes: []*onnx.Attribute{
					onnx.TensorAttr("value", onnx.NewInt64Tensor("", []int64{1}, []int64{3})),
				}},
				{Name: "cast", OpType: "Cast", Inputs: []string{"x"}, Outputs: []string{"xc"}, Attributes: []*onnx.Attribute{
					onnx.IntAttr("to", int64(onnx.Float)),
				}},
				{Name: "mul", OpType: "Mul", Inputs: []string{"xc", "c"}, Outputs: []string{"y"}},
			},
			Inputs:  []*onnx.ValueInfo{{Name: "x", ElemType: onnx.Float, Dims: []onnx.Dim{{Value: 2}}}},
			Outputs: []*onnx.ValueInfo{{Name: "y", ElemType: onnx.Float, Dims: []onnx.Dim{{Value: 2}}}},
		},
	}

	half, stats, err := ConvertFloat16(m, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Constants)
	assert.Equal(t, 1, stats.Casts)

	nodes := half.Graph.Nodes
	assert.Equal(t, onnx.Float16, nodes[0].Attr("value").T.DataType)
	assert.Equal(t, onnx.Int64, nodes[1].Attr("value").T.DataType)
	assert.Equal(t, int64(onnx.Float16), nodes[2].AttrInt("to", 0))
}

func TestConvertFloat16_RunsClose(t *testing.T) {
	m := upscaler(t, 11)
	half, _, err := ConvertFloat16(m, Options{})
	require.NoError(t, err)

	x := tensor.New(1, 3, 4, 4)
	for i := range x.Data {
		x.Data[i] = float32(i%7) / 7
	}

	run := func(m *onnx.Model) *tensor.Tensor {
		s, err := native.New(m, native.Options{Threads: 1})
		require.NoError(t, err)
		defer s.Close()

		out, err := s.Run(context.Background(), map[string]*tensor.Tensor{"input": x})
		require.NoError(t, err)
		return out[0]
	}

	want, got := run(m), run(half)
	require.Equal(t, want.Shape, got.Shape)
	assert.InDeltaSlice(t, want.Data, got.Data, 1e-2)
}

func TestConvertFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "model.onnx")
	_, err := onnx.WriteFile(src, upscaler(t, 11))
	require.NoError(t, err)

	a, b := filepath.Join(dir, "a.onnx"), filepath.Join(dir, "b.onnx")
	res, err := ConvertFile(src, a, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.Initializers)

	_, err = ConvertFile(src, b, Options{})
	require.NoError(t, err)

	first, err := os.ReadFile(a)
	require.NoError(t, err)
	second, err := os.ReadFile(b)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(len(first)), res.Bytes)
}

func TestConvertFile_Malformed(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "broken.onnx")
	require.NoError(t, os.WriteFile(src, []byte{0x0a, 0xff, 0xff, 0x01}, 0o600))

	dst := filepath.Join(dir, "out.onnx")
	_, err := ConvertFile(src, dst, Options{})
	assert.ErrorIs(t, err, ErrMalformedModel)
	assert.NoFileExists(t, dst)

	_, err = ConvertFile(filepath.Join(dir, "missing.onnx"), dst, Options{})
	assert.Error(t, err)
	assert.NoFileExists(t, dst)

	_, _, err = ConvertFloat16(&onnx.Model{}, Options{})
	assert.ErrorIs(t, err, ErrMalformedModel)
}
