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

// Package ort runs ONNX models through the ONNX Runtime shared library.
package ort

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/x448/float16"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/MohanadWebsite/image-enhancer/pkg/onnx"
	"github.com/MohanadWebsite/image-enhancer/pkg/runtime/native"
	"github.com/MohanadWebsite/image-enhancer/pkg/tensor"
)

var (
	initOnce sync.Once
	initErr  error
)

// Options configures a session.
type Options struct {
	// LibraryPath is the onnxruntime shared library, empty uses the loader default.
	LibraryPath string

	// Threads bounds intra-op threads, 0 leaves the runtime default.
	Threads int
}

// Session wraps a dynamic ONNX Runtime session on the CPU execution provider.
type Session struct {
	session *ort.DynamicAdvancedSession
	inputs  []*onnx.ValueInfo
	outputs []*onnx.ValueInfo

	mu sync.Mutex
}

func initialize(lib string) error {
	initOnce.Do(func() {
		if lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		initErr = ort.InitializeEnvironment()
	})

	return initErr
}

// Shutdown releases the process-wide runtime environment if it was started.
func Shutdown() {
	if ort.IsInitialized() {
		if err := ort.DestroyEnvironment(); err != nil {
			logrus.Warnf("ort: failed to destroy environment: %v", err)
		}
	}
}

// Open creates a session for the model file at path.
func Open(path string, opts Options) (*Session, error) {
	m, err := onnx.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := initialize(opts.LibraryPath); err != nil {
		return nil, fmt.Errorf("failed to initialize onnxruntime: %w", err)
	}

	so, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer so.Destroy()

	if opts.Threads > 0 {
		if err := so.SetIntraOpNumThreads(opts.Threads); err != nil {
			return nil, fmt.Errorf("failed to set threads: %w", err)
		}
	}

	inputs := feedInputs(m.Graph)
	sess, err := ort.NewDynamicAdvancedSession(path, names(inputs), names(m.Graph.Outputs), so)
	if err != nil {
		return nil, fmt.Errorf("failed to create onnxruntime session: %w", err)
	}

	logrus.Debugf("ort: session ready [model: %s, inputs: %d, outputs: %d]", path, len(inputs), len(m.Graph.Outputs))
	return &Session{session: sess, inputs: inputs, outputs: m.Graph.Outputs}, nil
}

func feedInputs(g *onnx.Graph) []*onnx.ValueInfo {
	var out []*onnx.ValueInfo
	for _, in := range g.Inputs {
		if g.Initializer(in.Name) == nil {
			out = append(out, in)
		}
	}
	return out
}

func names(vs []*onnx.ValueInfo) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Name
	}
	return out
}

// Inputs returns the graph inputs that must be fed.
func (s *Session) Inputs() []*onnx.ValueInfo {
	return s.inputs
}

// Outputs returns the graph outputs in the order Run returns them.
func (s *Session) Outputs() []*onnx.ValueInfo {
	return s.outputs
}

// Run feeds the inputs and converts every output back to float32.
func (s *Session) Run(ctx context.Context, feeds map[string]*tensor.Tensor) ([]*tensor.Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	inputs := make([]ort.Value, 0, len(s.inputs))
	defer func() {
		for _, v := range inputs {
			v.Destroy()
		}
	}()

	for _, in := range s.inputs {
		t, ok := feeds[in.Name]
		if !ok || t == nil {
			return nil, fmt.Errorf("%w: missing input %s", native.ErrInputShape, in.Name)
		}
		if err := native.CheckShape(in, t.Shape); err != nil {
			return nil, err
		}

		v, err := toValue(in.ElemType, t)
		if err != nil {
			return nil, fmt.Errorf("failed to create input %s: %w", in.Name, err)
		}
		inputs = append(inputs, v)
	}

	outputs := make([]ort.Value, len(s.outputs))
	defer func() {
		for _, v := range outputs {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	if err := s.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("onnxruntime run failed: %w", err)
	}

	results := make([]*tensor.Tensor, len(outputs))
	for i, v := range outputs {
		t, err := fromValue(s.outputs[i].ElemType, v)
		if err != nil {
			return nil, fmt.Errorf("failed to read output %s: %w", s.outputs[i].Name, err)
		}
		results[i] = t
	}

	return results, nil
}

// Close destroys the session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil
	}

	err := s.session.Destroy()
	s.session = nil
	return err
}

func shapeOf(t *tensor.Tensor) ort.Shape {
	dims := make([]int64, len(t.Shape))
	for i, d := range t.Shape {
		dims[i] = int64(d)
	}
	return ort.NewShape(dims...)
}

func toValue(elem onnx.DataType, t *tensor.Tensor) (ort.Value, error) {
	switch elem {
	case onnx.Float:
		return ort.NewTensor(shapeOf(t), t.Data)
	case onnx.Float16:
		raw := make([]byte, 2*len(t.Data))
		for i, v := range t.Data {
			binary.LittleEndian.PutUint16(raw[2*i:], float16.Fromfloat32(v).Bits())
		}
		return ort.NewCustomDataTensor(shapeOf(t), raw, ort.TensorElementDataTypeFloat16)
	default:
		return nil, fmt.Errorf("unsupported input element type %s", elem)
	}
}

func fromValue(elem onnx.DataType, v ort.Value) (*tensor.Tensor, error) {
	var data []float32
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		data = append([]float32(nil), t.GetData()...)
	case *ort.Tensor[float64]:
		for _, x := range t.GetData() {
			data = append(data, float32(x))
		}
	case *ort.CustomDataTensor:
		if elem != onnx.Float16 {
			return nil, fmt.Errorf("unsupported output element type %s", elem)
		}
		raw := t.GetData()
		data = make([]float32, len(raw)/2)
		for i := range data {
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
		}
	default:
		return nil, fmt.Errorf("unsupported output value %T", v)
	}

	dims := v.GetShape()
	shape := make([]int, len(dims))
	for i, d := range dims {
		shape[i] = int(d)
	}

	return tensor.FromSlice(data, shape...)
}
