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

// Package arch describes the network architectures whose weights can be
// exported, as graph builders over named parameters.
package arch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/MohanadWebsite/image-enhancer/pkg/checkpoint"
	"github.com/MohanadWebsite/image-enhancer/pkg/graph"
	"github.com/MohanadWebsite/image-enhancer/pkg/onnx"
	"github.com/MohanadWebsite/image-enhancer/pkg/runtime/native"
	"github.com/MohanadWebsite/image-enhancer/pkg/tensor"
)

// ErrInputSize is returned when an example input does not fit the architecture.
var ErrInputSize = errors.New("input size not supported by architecture")

// Architecture is a network description: the parameters it expects and a
// forward pass expressed on a graph builder.
type Architecture interface {
	// Name returns the registry name.
	Name() string

	// Parameters lists the parameters the forward pass reads.
	Parameters() []checkpoint.ParamSpec

	// Forward traces the network once on x.
	Forward(b *graph.Builder, x graph.Value, p *checkpoint.ParameterSet) graph.Value

	// DynamicAxes returns the input and output axes that may vary at inference.
	DynamicAxes() graph.DynamicAxes

	// CheckSize reports whether a square example input of the given size
	// can be traced.
	CheckSize(size int) error
}

// Model is an architecture with assigned parameters, always in inference mode.
type Model struct {
	Arch   Architecture
	Params *checkpoint.ParameterSet
	Report *checkpoint.LoadReport
}

// Load opens a checkpoint and assigns it to the architecture.
func Load(path string, a Architecture, opts checkpoint.LoadOptions) (*Model, error) {
	c, err := checkpoint.Open(path)
	if err != nil {
		return nil, err
	}

	ps, report, err := checkpoint.Load(c, a, opts)
	if err != nil {
		return nil, err
	}

	logrus.Infof("arch: loaded %s weights [path: %s, %s]", a.Name(), path, report.Summary())
	return &Model{Arch: a, Params: ps, Report: report}, nil
}

// Trace executes the forward pass once on a symbolic [1, 3, size, size]
// input and returns the traced graph builder with its output value.
func (m *Model) Trace(size int, opset int64, inputName string) (*graph.Builder, graph.Value, graph.Value, error) {
	if err := m.Arch.CheckSize(size); err != nil {
		return nil, graph.Value{}, graph.Value{}, err
	}

	b := graph.NewBuilder(opset)
	x := b.Input(inputName, 1, 3, int64(size), int64(size))
	y := m.Arch.Forward(b, x, m.Params)
	if err := b.Err(); err != nil {
		return nil, graph.Value{}, graph.Value{}, err
	}

	return b, x, y, nil
}

// Graph traces the model into a complete ONNX model with the architecture's
// dynamic axes declared on input and output.
func (m *Model) Graph(size int, opset int64, inputName, outputName string) (*onnx.Model, error) {
	b, x, y, err := m.Trace(size, opset, inputName)
	if err != nil {
		return nil, err
	}

	in, err := graph.Schema(inputName, x.Shape, m.Arch.DynamicAxes())
	if err != nil {
		return nil, err
	}
	out, err := graph.Schema(outputName, y.Shape, m.Arch.DynamicAxes())
	if err != nil {
		return nil, err
	}

	g, err := b.Finish(m.Arch.Name(), []graph.TensorSchema{in}, []graph.Value{y}, []graph.TensorSchema{out})
	if err != nil {
		return nil, err
	}

	return &onnx.Model{
		IRVersion:   graph.IRVersion(opset),
		OpsetImport: []onnx.OpsetID{{Version: opset}},
		Graph:       g,
	}, nil
}

// Forward evaluates the model in memory on an NCHW input.
func (m *Model) Forward(ctx context.Context, input *tensor.Tensor, threads int) (*tensor.Tensor, error) {
	if input.Rank() != 4 || input.Shape[2] != input.Shape[3] {
		return nil, fmt.Errorf("%w: expected a square NCHW input, got %v", ErrInputSize, input.Shape)
	}

	g, err := m.Graph(input.Shape[2], graph.DefaultOpset, "input", "output")
	if err != nil {
		return nil, err
	}

	s, err := native.New(g, native.Options{Threads: threads})
	if err != nil {
		return nil, err
	}
	defer s.Close()

	out, err := s.Run(ctx, map[string]*tensor.Tensor{"input": input})
	if err != nil {
		return nil, err
	}

	return out[0], nil
}

// layers wraps the builder with parameter lookup by module path.
type layers struct {
	b *graph.Builder
	p *checkpoint.ParameterSet
}

func (l layers) param(name string) graph.Value {
	t, _ := l.p.Get(name)
	return l.b.Param(name, t)
}

func (l layers) has(name string) bool {
	_, ok := l.p.Get(name)
	return ok
}

func (l layers) scope(module string) func() {
	l.b.Push(strings.ReplaceAll(module, ".", "/"))
	return l.b.Pop
}

// conv applies the nn.Conv2d stored under module with the given padding.
func (l layers) conv(module string, x graph.Value, pad int64) graph.Value {
	defer l.scope(module)()

	bias := graph.Value{}
	if l.has(module + ".bias") {
		bias = l.param(module + ".bias")
	}

	return l.b.Conv(x, l.param(module+".weight"), bias, graph.ConvOptions{Pad: pad})
}

// linear applies the nn.Linear stored under module.
func (l layers) linear(module string, x graph.Value) graph.Value {
	defer l.scope(module)()
	return l.b.Linear(x, l.param(module+".weight"), l.param(module+".bias"))
}

// convSpec declares the weight and optional bias of an nn.Conv2d.
func convSpec(module string, out, in, kernel int, bias bool) []checkpoint.ParamSpec {
	specs := []checkpoint.ParamSpec{{Name: module + ".weight", Shape: []int{out, in, kernel, kernel}}}
	if bias {
		specs = append(specs, checkpoint.ParamSpec{Name: module + ".bias", Shape: []int{out}})
	}

	return specs
}
