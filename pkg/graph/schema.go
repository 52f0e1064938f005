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
	"errors"
	"fmt"
	"sort"

	"github.com/MohanadWebsite/image-enhancer/pkg/onnx"
)

var (
	// ErrRankMismatch is returned when a declared schema does not fit the traced tensor.
	ErrRankMismatch = errors.New("tensor rank mismatch")

	// ErrUnsupportedOp is returned when an operation cannot be expressed in the target opset.
	ErrUnsupportedOp = errors.New("unsupported operation")
)

// Dim describes one axis of an exported tensor: a fixed size or a symbolic name.
type Dim struct {
	Size  int64
	Param string
}

// Fixed returns a fixed-size axis.
func Fixed(n int64) Dim {
	return Dim{Size: n}
}

// Symbolic returns a dynamic axis bound at inference time.
func Symbolic(name string) Dim {
	return Dim{Param: name}
}

// IsSymbolic reports whether the axis is dynamic.
func (d Dim) IsSymbolic() bool {
	return d.Param != ""
}

// DynamicAxes maps axis index to symbolic name, e.g. {0: "batch", 2: "h", 3: "w"}.
type DynamicAxes map[int]string

// ImageAxes are the dynamic axes of an NCHW image tensor whose batch and spatial
// size may vary.
func ImageAxes() DynamicAxes {
	return DynamicAxes{0: "batch", 2: "h", 3: "w"}
}

// BatchAxes only lets the batch axis vary.
func BatchAxes() DynamicAxes {
	return DynamicAxes{0: "batch"}
}

// TensorSchema is the declared layout of one graph input or output.
type TensorSchema struct {
	Name string
	Dims []Dim
}

// Schema combines a traced shape with the dynamic axes declared for it.
func Schema(name string, traced []int64, axes DynamicAxes) (TensorSchema, error) {
	keys := make([]int, 0, len(axes))
	for axis := range axes {
		keys = append(keys, axis)
	}
	sort.Ints(keys)

	for _, axis := range keys {
		if axis < 0 || axis >= len(traced) {
			return TensorSchema{}, fmt.Errorf("%w: %s declares dynamic axis %d but the traced tensor has rank %d",
				ErrRankMismatch, name, axis, len(traced))
		}
	}

	dims := make([]Dim, len(traced))
	for i, n := range traced {
		if p, ok := axes[i]; ok {
			dims[i] = Symbolic(p)
		} else {
			dims[i] = Fixed(n)
		}
	}

	return TensorSchema{Name: name, Dims: dims}, nil
}

// check verifies the schema against the traced shape.
func (s TensorSchema) check(traced []int64) error {
	if len(s.Dims) != len(traced) {
		return fmt.Errorf("%w: %s declared with rank %d, traced rank %d", ErrRankMismatch, s.Name, len(s.Dims), len(traced))
	}

	for i, d := range s.Dims {
		if !d.IsSymbolic() && d.Size != traced[i] {
			return fmt.Errorf("%w: %s axis %d declared as %d, traced as %d", ErrRankMismatch, s.Name, i, d.Size, traced[i])
		}
	}

	return nil
}

func (s TensorSchema) valueInfo(elem onnx.DataType) *onnx.ValueInfo {
	dims := make([]onnx.Dim, len(s.Dims))
	for i, d := range s.Dims {
		dims[i] = onnx.Dim{Value: d.Size, Param: d.Param}
	}

	return &onnx.ValueInfo{Name: s.Name, ElemType: elem, Dims: dims}
}

// DimsOf converts ONNX dims back into a schema, for callers that inspect artifacts.
func DimsOf(v *onnx.ValueInfo) TensorSchema {
	dims := make([]Dim, len(v.Dims))
	for i, d := range v.Dims {
		dims[i] = Dim{Size: d.Value, Param: d.Param}
	}

	return TensorSchema{Name: v.Name, Dims: dims}
}
