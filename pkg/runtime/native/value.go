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
	"slices"

	"github.com/MohanadWebsite/image-enhancer/pkg/onnx"
	"github.com/MohanadWebsite/image-enhancer/pkg/tensor"
)

// value is a tensor flowing through the interpreter. Floating point payloads of
// every precision are held as float32, integer payloads as int64.
type value struct {
	shape []int
	f     []float32
	i     []int64
	ints  bool
}

func floatValue(shape []int, data []float32) *value {
	return &value{shape: shape, f: data}
}

func intValue(shape []int, data []int64) *value {
	return &value{shape: shape, i: data, ints: true}
}

func newFloat(shape ...int) *value {
	return floatValue(shape, make([]float32, tensor.NumElements(shape)))
}

func (v *value) size() int {
	return tensor.NumElements(v.shape)
}

func (v *value) rank() int {
	return len(v.shape)
}

// int64s returns the payload as integers, truncating floats.
func (v *value) int64s() []int64 {
	if v.ints {
		return v.i
	}

	out := make([]int64, len(v.f))
	for k, x := range v.f {
		out[k] = int64(x)
	}
	return out
}

// float32s returns the payload as floats.
func (v *value) float32s() []float32 {
	if !v.ints {
		return v.f
	}

	out := make([]float32, len(v.i))
	for k, x := range v.i {
		out[k] = float32(x)
	}
	return out
}

// withShape shares the payload under a new shape.
func (v *value) withShape(shape []int) *value {
	return &value{shape: shape, f: v.f, i: v.i, ints: v.ints}
}

func (v *value) tensor() *tensor.Tensor {
	return &tensor.Tensor{Shape: slices.Clone(v.shape), Data: slices.Clone(v.float32s())}
}

func fromTensor(t *tensor.Tensor) *value {
	return floatValue(slices.Clone(t.Shape), t.Data)
}

func fromProto(t *onnx.Tensor) (*value, error) {
	shape := make([]int, len(t.Dims))
	for k, d := range t.Dims {
		shape[k] = int(d)
	}

	switch {
	case t.DataType.IsFloat():
		data, err := t.Float32s()
		if err != nil {
			return nil, err
		}
		return floatValue(shape, data), nil
	case t.DataType == onnx.Int64 || t.DataType == onnx.Int32:
		data, err := t.Int64s()
		if err != nil {
			return nil, err
		}
		return intValue(shape, data), nil
	default:
		return nil, fmt.Errorf("%w: tensor %q has element type %s", ErrUnsupportedOperator, t.Name, t.DataType)
	}
}

func shapeOf(dims []int64) []int {
	out := make([]int, len(dims))
	for k, d := range dims {
		out[k] = int(d)
	}
	return out
}

// strides returns row-major strides for shape.
func strides(shape []int) []int {
	s := make([]int, len(shape))
	acc := 1
	for k := len(shape) - 1; k >= 0; k-- {
		s[k] = acc
		acc *= shape[k]
	}
	return s
}

func normAxis(axis int64, rank int) (int, error) {
	a := int(axis)
	if a < 0 {
		a += rank
	}
	if a < 0 || a >= rank {
		return 0, fmt.Errorf("axis %d out of range for rank %d", axis, rank)
	}
	return a, nil
}
