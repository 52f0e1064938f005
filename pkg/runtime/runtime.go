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

package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/MohanadWebsite/image-enhancer/pkg/onnx"
	"github.com/MohanadWebsite/image-enhancer/pkg/runtime/native"
	"github.com/MohanadWebsite/image-enhancer/pkg/runtime/ort"
	"github.com/MohanadWebsite/image-enhancer/pkg/tensor"
)

type Backend = string

const (
	// Native is the built-in pure Go interpreter.
	Native Backend = "native"

	// ONNXRuntime runs models through the onnxruntime shared library.
	ONNXRuntime Backend = "onnxruntime"
)

// ErrUnknownBackend is returned for a backend name that is not registered.
var ErrUnknownBackend = errors.New("unknown backend")

// Session is an inference session bound to one model.
type Session interface {
	// Inputs returns the graph inputs that must be fed.
	Inputs() []*onnx.ValueInfo

	// Outputs returns the graph outputs in the order Run returns them.
	Outputs() []*onnx.ValueInfo

	// Run evaluates the model once. Calls are serialized per session.
	Run(ctx context.Context, inputs map[string]*tensor.Tensor) ([]*tensor.Tensor, error)

	// Close releases the session.
	Close() error
}

// Options selects and configures the backend.
type Options struct {
	Backend     Backend
	Threads     int
	LibraryPath string
}

// Backends lists the supported backend names.
func Backends() []Backend {
	return []Backend{Native, ONNXRuntime}
}

// Open creates a session for the model file at path.
func Open(path string, opts Options) (Session, error) {
	switch opts.Backend {
	case Native, "":
		s, err := native.Open(path, native.Options{Threads: opts.Threads})
		if err != nil {
			return nil, err
		}
		return s, nil
	case ONNXRuntime:
		s, err := ort.Open(path, ort.Options{LibraryPath: opts.LibraryPath, Threads: opts.Threads})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, opts.Backend)
	}
}

// New creates a session for an in-memory model. Only the native backend can
// run a model that was not written to disk.
func New(m *onnx.Model, opts Options) (Session, error) {
	switch opts.Backend {
	case Native, "":
		s, err := native.New(m, native.Options{Threads: opts.Threads})
		if err != nil {
			return nil, err
		}
		return s, nil
	case ONNXRuntime:
		return nil, fmt.Errorf("%w: %s needs a model file", ErrUnknownBackend, opts.Backend)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, opts.Backend)
	}
}

// Shutdown releases process-wide backend state.
func Shutdown() {
	ort.Shutdown()
}

// Single returns the only input and output of a session, the layout every
// image model in this tool has.
func Single(s Session) (*onnx.ValueInfo, *onnx.ValueInfo, error) {
	if len(s.Inputs()) != 1 || len(s.Outputs()) != 1 {
		return nil, nil, fmt.Errorf("model has %d inputs and %d outputs, expected one of each", len(s.Inputs()), len(s.Outputs()))
	}

	return s.Inputs()[0], s.Outputs()[0], nil
}
