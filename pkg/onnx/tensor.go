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
	"fmt"
	"math"

	"github.com/x448/float16"
)

// NewFloatTensor builds a FLOAT initializer stored as raw little-endian data.
func NewFloatTensor(name string, dims []int64, data []float32) *Tensor {
	raw := make([]byte, 4*len(data))
	for i, f := range data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(f))
	}

	return &Tensor{Name: name, Dims: dims, DataType: Float, RawData: raw}
}

// NewInt64Tensor builds an INT64 initializer stored as raw little-endian data.
func NewInt64Tensor(name string, dims []int64, data []int64) *Tensor {
	raw := make([]byte, 8*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint64(raw[8*i:], uint64(v))
	}

	return &Tensor{Name: name, Dims: dims, DataType: Int64, RawData: raw}
}

// NumElements returns the element count implied by the dims.
func (t *Tensor) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Dims {
		n *= d
	}

	return n
}

// Float32s decodes the payload of a floating point tensor, widening
// half, bfloat16 and double precision values to float32.
func (t *Tensor) Float32s() ([]float32, error) {
	n := int(t.NumElements())

	var out []float32
	switch t.DataType {
	case Float:
		if len(t.RawData) > 0 {
			if len(t.RawData) != 4*n {
				return nil, t.sizeError(len(t.RawData), 4*n)
			}
			out = make([]float32, n)
			for i := range out {
				out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.RawData[4*i:]))
			}
		} else {
			out = append([]float32(nil), t.FloatData...)
		}
	case Float16, Bfloat16:
		bits := make([]uint16, 0, n)
		if len(t.RawData) > 0 {
			if len(t.RawData) != 2*n {
				return nil, t.sizeError(len(t.RawData), 2*n)
			}
			for i := 0; i < n; i++ {
				bits = append(bits, binary.LittleEndian.Uint16(t.RawData[2*i:]))
			}
		} else {
			// int32_data carries the 16-bit patterns for these types.
			for _, v := range t.Int32Data {
				bits = append(bits, uint16(v))
			}
		}
		out = make([]float32, len(bits))
		for i, b := range bits {
			if t.DataType == Float16 {
				out[i] = float16.Frombits(b).Float32()
			} else {
				out[i] = math.Float32frombits(uint32(b) << 16)
			}
		}
	case Double:
		if len(t.RawData) > 0 {
			if len(t.RawData) != 8*n {
				return nil, t.sizeError(len(t.RawData), 8*n)
			}
			out = make([]float32, n)
			for i := range out {
				out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(t.RawData[8*i:])))
			}
		} else {
			out = make([]float32, len(t.DoubleData))
			for i, v := range t.DoubleData {
				out[i] = float32(v)
			}
		}
	default:
		return nil, fmt.Errorf("tensor %q: %s is not a floating point type", t.Name, t.DataType)
	}

	if len(out) != n {
		return nil, t.sizeError(len(out), n)
	}

	return out, nil
}

// Int64s decodes the payload of an integer tensor.
func (t *Tensor) Int64s() ([]int64, error) {
	n := int(t.NumElements())

	var out []int64
	switch t.DataType {
	case Int64:
		if len(t.RawData) > 0 {
			if len(t.RawData) != 8*n {
				return nil, t.sizeError(len(t.RawData), 8*n)
			}
			out = make([]int64, n)
			for i := range out {
				out[i] = int64(binary.LittleEndian.Uint64(t.RawData[8*i:]))
			}
		} else {
			out = append([]int64(nil), t.Int64Data...)
		}
	case Int32:
		if len(t.RawData) > 0 {
			if len(t.RawData) != 4*n {
				return nil, t.sizeError(len(t.RawData), 4*n)
			}
			out = make([]int64, n)
			for i := range out {
				out[i] = int64(int32(binary.LittleEndian.Uint32(t.RawData[4*i:])))
			}
		} else {
			out = make([]int64, len(t.Int32Data))
			for i, v := range t.Int32Data {
				out[i] = int64(v)
			}
		}
	default:
		return nil, fmt.Errorf("tensor %q: %s is not an integer type", t.Name, t.DataType)
	}

	if len(out) != n {
		return nil, t.sizeError(len(out), n)
	}

	return out, nil
}

func (t *Tensor) sizeError(got, want int) error {
	return fmt.Errorf("%w: tensor %q %v holds %d values, want %d", ErrMalformed, t.Name, t.Dims, got, want)
}
