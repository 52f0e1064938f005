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

package onnx

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func sampleModel() *Model {
	return &Model{
		IRVersion:       6,
		OpsetImport:     []OpsetID{{Domain: "", Version: 11}},
		ProducerName:    "enhancer",
		ProducerVersion: "test",
		Graph: &Graph{
			Name: "sample",
			Nodes: []*Node{
				{
					Name:    "conv0",
					OpType:  "Conv",
					Inputs:  []string{"input", "w", "b"},
					Outputs: []string{"x0"},
					Attributes: []*Attribute{
						IntsAttr("kernel_shape", 3, 3),
						IntsAttr("pads", 1, 1, 1, 1),
					},
				},
				{
					Name:       "act0",
					OpType:     "LeakyRelu",
					Inputs:     []string{"x0"},
					Outputs:    []string{"x1"},
					Attributes: []*Attribute{FloatAttr("alpha", 0.2)},
				},
				{
					Name:    "resize0",
					OpType:  "Resize",
					Inputs:  []string{"x1", "", "scales"},
					Outputs: []string{"output"},
					Attributes: []*Attribute{
						StringAttr("mode", "nearest"),
						FloatAttr("cubic_coeff_a", 0),
					},
				},
			},
			Initializers: []*Tensor{
				NewFloatTensor("w", []int64{2, 3, 3, 3}, make([]float32, 54)),
				NewFloatTensor("b", []int64{2}, []float32{0.5, -1}),
				NewFloatTensor("scales", []int64{4}, []float32{1, 1, 2, 2}),
				NewInt64Tensor("shape", []int64{2}, []int64{-1, 7}),
			},
			Inputs: []*ValueInfo{{
				Name:     "input",
				ElemType: Float,
				Dims:     []Dim{{Param: "batch"}, {Value: 3}, {Param: "h"}, {Param: "w"}},
			}},
			Outputs: []*ValueInfo{{
				Name:     "output",
				ElemType: Float,
				Dims:     []Dim{{Param: "batch"}, {Value: 2}, {Param: "h"}, {Param: "w"}},
			}},
		},
		MetadataProps: []StringEntry{{Key: "arch", Value: "rrdbnet"}},
	}
}

func TestMarshalUnmarshal_RoundTrip(t *testing.T) {
	want := sampleModel()

	got, err := Unmarshal(Marshal(want))
	require.NoError(t, err)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMarshal_Deterministic(t *testing.T) {
	a := Marshal(sampleModel())
	b := Marshal(sampleModel())
	assert.Equal(t, a, b)

	decoded, err := Unmarshal(a)
	require.NoError(t, err)
	assert.Equal(t, a, Marshal(decoded))
}

func TestUnmarshal_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "truncated varint", data: []byte{0x08, 0xff}},
		{name: "truncated graph", data: []byte{0x3a, 0x10, 0x01}},
		{name: "no graph", data: []byte{0x08, 0x06}},
		{name: "text", data: []byte("this is not an onnx model")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(tt.data)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestUnmarshal_UnpackedRepeatedFields(t *testing.T) {
	m := sampleModel()
	data := Marshal(m)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 3}, decoded.Graph.Nodes[0].AttrInts("kernel_shape"))
	assert.Equal(t, []int64{2, 3, 3, 3}, decoded.Graph.Initializer("w").Dims)
}

func TestTensor_Float32s(t *testing.T) {
	raw := make([]byte, 4)
	binary.LittleEndian.PutUint16(raw[0:], float16.Fromfloat32(1.5).Bits())
	binary.LittleEndian.PutUint16(raw[2:], float16.Fromfloat32(-2).Bits())

	tests := []struct {
		name   string
		tensor *Tensor
		want   []float32
	}{
		{
			name:   "raw float",
			tensor: NewFloatTensor("x", []int64{2}, []float32{1, 2}),
			want:   []float32{1, 2},
		},
		{
			name:   "float_data",
			tensor: &Tensor{Name: "x", DataType: Float, Dims: []int64{3}, FloatData: []float32{4, 5, 6}},
			want:   []float32{4, 5, 6},
		},
		{
			name:   "raw float16",
			tensor: &Tensor{Name: "x", DataType: Float16, Dims: []int64{2}, RawData: raw},
			want:   []float32{1.5, -2},
		},
		{
			name:   "int32_data float16",
			tensor: &Tensor{Name: "x", DataType: Float16, Dims: []int64{1}, Int32Data: []int32{int32(float16.Fromfloat32(0.25).Bits())}},
			want:   []float32{0.25},
		},
		{
			name:   "double_data",
			tensor: &Tensor{Name: "x", DataType: Double, Dims: []int64{1}, DoubleData: []float64{3.5}},
			want:   []float32{3.5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.tensor.Float32s()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTensor_Float32sSizeMismatch(t *testing.T) {
	tensor := NewFloatTensor("x", []int64{3}, []float32{1, 2})
	_, err := tensor.Float32s()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestTensor_Int64s(t *testing.T) {
	got, err := NewInt64Tensor("s", []int64{3}, []int64{-1, 0, 9}).Int64s()
	require.NoError(t, err)
	assert.Equal(t, []int64{-1, 0, 9}, got)

	_, err = NewFloatTensor("f", []int64{1}, []float32{1}).Int64s()
	assert.Error(t, err)
}

func TestReadWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.onnx")

	n, err := WriteFile(path, sampleModel())
	require.NoError(t, err)
	assert.Positive(t, n)

	m, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(11), m.Opset())
	assert.Equal(t, "rrdbnet", m.MetadataProps[0].Value)

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.onnx"))
	assert.Error(t, err)
}
