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

package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MohanadWebsite/image-enhancer/pkg/tensor"
)

func convNet(t *testing.T, opset int64) (*Builder, Value) {
	t.Helper()

	b := NewBuilder(opset)
	x := b.Input("input", 1, 3, 8, 8)
	w := b.Param("conv.weight", tensor.New(4, 3, 3, 3))
	bias := b.Param("conv.bias", tensor.New(4))

	b.Push("conv")
	y := b.Conv(x, w, bias, ConvOptions{Pad: 1})
	b.Pop()
	y = b.LeakyRelu(y, 0.2)
	return b, b.Resize(y, 2, "nearest")
}

func TestBuilder_ConvGraph(t *testing.T) {
	b, out := convNet(t, DefaultOpset)
	require.NoError(t, b.Err())
	assert.Equal(t, []int64{1, 4, 16, 16}, out.Shape)

	in, err := Schema("input", []int64{1, 3, 8, 8}, ImageAxes())
	require.NoError(t, err)
	os, err := Schema("output", out.Shape, ImageAxes())
	require.NoError(t, err)

	g, err := b.Finish("net", []TensorSchema{in}, []Value{out}, []TensorSchema{os})
	require.NoError(t, err)

	ops := make([]string, len(g.Nodes))
	for i, n := range g.Nodes {
		ops[i] = n.OpType
	}
	assert.Equal(t, []string{"Conv", "LeakyRelu", "Resize"}, ops)
	assert.Equal(t, "/conv/Conv", g.Nodes[0].Name)
	assert.Equal(t, []string{"output"}, g.Nodes[2].Outputs)
	assert.Equal(t, "output", g.Outputs[0].Name)
	assert.Equal(t, "batch", g.Inputs[0].Dims[0].Param)
	assert.Equal(t, int64(3), g.Inputs[0].Dims[1].Value)
	assert.NotNil(t, g.Initializer("conv.weight"))
}

func TestBuilder_ResizeRoiByOpset(t *testing.T) {
	tests := []struct {
		opset   int64
		wantRoi bool
	}{
		{opset: 11, wantRoi: true},
		{opset: 12, wantRoi: true},
		{opset: 13, wantRoi: false},
		{opset: 17, wantRoi: false},
	}

	for _, tt := range tests {
		b := NewBuilder(tt.opset)
		x := b.Input("input", 1, 1, 2, 2)
		b.Resize(x, 4, "nearest")
		require.NoError(t, b.Err())

		resize := b.nodes[len(b.nodes)-1]
		require.Len(t, resize.Inputs, 3)
		assert.Equal(t, tt.wantRoi, resize.Inputs[1] != "", "opset %d", tt.opset)
	}
}

func TestBuilder_SplitAndSqueezeByOpset(t *testing.T) {
	b := NewBuilder(11)
	x := b.Input("input", 1, 6, 1, 1)
	parts := b.Split(x, 1, 2, 4)
	require.NoError(t, b.Err())
	assert.Equal(t, []int64{1, 2, 1, 1}, parts[0].Shape)
	assert.Equal(t, []int64{1, 4, 1, 1}, parts[1].Shape)
	assert.Equal(t, []int64{2, 4}, b.nodes[0].AttrInts("split"))

	b = NewBuilder(13)
	x = b.Input("input", 1, 6, 1, 1)
	b.Split(x, 1, 3, 3)
	sq := b.Squeeze(x, 2, 3)
	require.NoError(t, b.Err())
	assert.Len(t, b.nodes[0].Inputs, 2)
	assert.Len(t, b.nodes[1].Inputs, 2)
	assert.Equal(t, []int64{1, 6}, sq.Shape)
}

func TestBuilder_UnsupportedOpset(t *testing.T) {
	b, _ := convNet(t, 9)
	assert.ErrorIs(t, b.Err(), ErrUnsupportedOp)

	b = NewBuilder(MaxOpset + 1)
	assert.ErrorIs(t, b.Err(), ErrUnsupportedOp)
}

func TestBuilder_StickyError(t *testing.T) {
	b := NewBuilder(DefaultOpset)
	x := b.Input("input", 1, 3, 4, 4)
	w := b.Param("w", tensor.New(2, 5, 3, 3))

	y := b.Conv(x, w, Value{}, ConvOptions{Pad: 1})
	assert.False(t, y.Valid())
	require.Error(t, b.Err())

	z := b.LeakyRelu(x, 0.2)
	assert.False(t, z.Valid())
	assert.Empty(t, b.nodes)
}

func TestBuilder_FinishSchemaMismatch(t *testing.T) {
	b := NewBuilder(DefaultOpset)
	x := b.Input("input", 1, 4, 1, 1)
	y := b.Squeeze(x, 2, 3)
	require.NoError(t, b.Err())

	in, err := Schema("input", []int64{1, 4, 1, 1}, BatchAxes())
	require.NoError(t, err)

	_, err = b.Finish("net", []TensorSchema{in}, []Value{y}, []TensorSchema{{
		Name: "output",
		Dims: []Dim{Symbolic("batch"), Fixed(4), Symbolic("h"), Symbolic("w")},
	}})
	assert.ErrorIs(t, err, ErrRankMismatch)
}

func TestBuilder_IdentityForPassThroughOutput(t *testing.T) {
	b := NewBuilder(DefaultOpset)
	x := b.Input("input", 1, 3, 2, 2)

	in, err := Schema("input", x.Shape, ImageAxes())
	require.NoError(t, err)
	out, err := Schema("output", x.Shape, ImageAxes())
	require.NoError(t, err)

	g, err := b.Finish("identity", []TensorSchema{in}, []Value{x}, []TensorSchema{out})
	require.NoError(t, err)
	require.Len(t, g.Nodes, 1)
	assert.Equal(t, "Identity", g.Nodes[0].OpType)
	assert.Equal(t, []string{"input"}, g.Nodes[0].Inputs)
	assert.Equal(t, []string{"output"}, g.Nodes[0].Outputs)
}

func TestSchema_AxisOutOfRange(t *testing.T) {
	_, err := Schema("output", []int64{1, 3}, ImageAxes())
	assert.ErrorIs(t, err, ErrRankMismatch)
}

func TestBroadcastShape(t *testing.T) {
	tests := []struct {
		a, b    []int64
		want    []int64
		wantErr bool
	}{
		{a: []int64{1, 4, 8, 8}, b: nil, want: []int64{1, 4, 8, 8}},
		{a: []int64{1, 4, 8, 8}, b: []int64{4, 1, 1}, want: []int64{1, 4, 8, 8}},
		{a: []int64{2, 1, 8}, b: []int64{1, 3, 1}, want: []int64{2, 3, 8}},
		{a: []int64{1, 4, 8, 8}, b: []int64{3, 1, 1}, wantErr: true},
	}

	for _, tt := range tests {
		got, err := BroadcastShape(tt.a, tt.b)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestReshapeShape(t *testing.T) {
	tests := []struct {
		name    string
		in      []int64
		target  []int64
		want    []int64
		wantErr bool
	}{
		{name: "copy and infer", in: []int64{2, 16, 512}, target: []int64{0, -1}, want: []int64{2, 8192}},
		{name: "explicit", in: []int64{4, 6}, target: []int64{3, 8}, want: []int64{3, 8}},
		{name: "infer middle", in: []int64{2, 8192}, target: []int64{-1, 16, 512}, want: []int64{2, 16, 512}},
		{name: "two inferred", in: []int64{4, 6}, target: []int64{-1, -1}, wantErr: true},
		{name: "size mismatch", in: []int64{4, 6}, target: []int64{5, 5}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReshapeShape(tt.in, tt.target)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuilder_PixelUnshuffle(t *testing.T) {
	b := NewBuilder(DefaultOpset)
	x := b.Input("input", 1, 3, 4, 4)
	y := b.PixelUnshuffle(x, 2)
	require.NoError(t, b.Err())
	assert.Equal(t, []int64{1, 12, 2, 2}, y.Shape)

	gather := b.nodes[len(b.nodes)-1]
	assert.Equal(t, "Gather", gather.OpType)
	idx, err := b.initializerByName(gather.Inputs[1]).Int64s()
	require.NoError(t, err)
	// Output channel c*4 + r*2 + col reads SpaceToDepth channel (r*2+col)*3 + c.
	assert.Equal(t, []int64{0, 3, 6, 9, 1, 4, 7, 10, 2, 5, 8, 11}, idx)
}
