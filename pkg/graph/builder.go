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
	"fmt"
	"slices"
	"strings"

	"github.com/MohanadWebsite/image-enhancer/pkg/onnx"
	"github.com/MohanadWebsite/image-enhancer/pkg/tensor"
)

// Value is a symbolic tensor produced while tracing: a graph edge name and
// the concrete shape it has for the example input.
type Value struct {
	Name  string
	Shape []int64
}

// Valid reports whether the value refers to a graph edge.
func (v Value) Valid() bool {
	return v.Name != ""
}

// Rank returns the number of dimensions.
func (v Value) Rank() int {
	return len(v.Shape)
}

// Builder records ONNX nodes while a model's forward pass is executed once on
// a symbolic example input. Errors are sticky: after the first failure every
// operation returns an invalid Value and Err reports the failure.
type Builder struct {
	opset int64

	nodes        []*onnx.Node
	initializers []*onnx.Tensor
	known        map[string][]int64
	inputs       []Value

	scopes []string
	counts map[string]int
	err    error
}

// NewBuilder returns a builder targeting the given opset.
func NewBuilder(opset int64) *Builder {
	b := &Builder{
		opset:  opset,
		known:  make(map[string][]int64),
		counts: make(map[string]int),
	}

	if err := CheckOpset(opset); err != nil {
		b.fail(err)
	}

	return b
}

// Opset returns the target opset.
func (b *Builder) Opset() int64 {
	return b.opset
}

// Err returns the first error recorded while tracing.
func (b *Builder) Err() error {
	return b.err
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Failf records a tracing error raised by a caller, e.g. an architecture
// rejecting its input.
func (b *Builder) Failf(format string, args ...any) {
	b.fail(fmt.Errorf(format, args...))
}

// Push opens a naming scope, typically the module path of the layer being traced.
func (b *Builder) Push(scope string) {
	b.scopes = append(b.scopes, scope)
}

// Pop closes the innermost naming scope.
func (b *Builder) Pop() {
	if len(b.scopes) > 0 {
		b.scopes = b.scopes[:len(b.scopes)-1]
	}
}

func (b *Builder) nodeName(op string) string {
	prefix := "/" + strings.Join(b.scopes, "/")
	if len(b.scopes) == 0 {
		prefix = ""
	}

	key := prefix + "/" + op
	n := b.counts[key]
	b.counts[key] = n + 1
	if n == 0 {
		return key
	}

	return fmt.Sprintf("%s_%d", key, n)
}

// Input declares a graph input with its example shape.
func (b *Builder) Input(name string, shape ...int64) Value {
	v := Value{Name: name, Shape: slices.Clone(shape)}
	if _, dup := b.known[name]; dup {
		b.fail(fmt.Errorf("duplicate tensor name %q", name))
		return Value{}
	}

	b.known[name] = v.Shape
	b.inputs = append(b.inputs, v)
	return v
}

// Param registers a float initializer named after the model parameter.
// Registering the same name twice returns the existing edge.
func (b *Builder) Param(name string, t *tensor.Tensor) Value {
	if b.err != nil {
		return Value{}
	}

	if t == nil {
		b.fail(fmt.Errorf("parameter %q is missing", name))
		return Value{}
	}

	dims := make([]int64, len(t.Shape))
	for i, d := range t.Shape {
		dims[i] = int64(d)
	}

	return b.initializer(onnx.NewFloatTensor(name, dims, t.Data))
}

// ConstFloat registers an anonymous float constant.
func (b *Builder) ConstFloat(dims []int64, data ...float32) Value {
	return b.initializer(onnx.NewFloatTensor(b.constName(), dims, data))
}

// ConstInt64 registers an anonymous int64 constant.
func (b *Builder) ConstInt64(dims []int64, data ...int64) Value {
	return b.initializer(onnx.NewInt64Tensor(b.constName(), dims, data))
}

func (b *Builder) constName() string {
	return b.nodeName("Constant") + "_output_0"
}

func (b *Builder) initializer(t *onnx.Tensor) Value {
	if b.err != nil {
		return Value{}
	}

	if shape, ok := b.known[t.Name]; ok {
		if b.initializerByName(t.Name) == nil {
			b.fail(fmt.Errorf("initializer %q collides with a graph edge", t.Name))
			return Value{}
		}
		return Value{Name: t.Name, Shape: shape}
	}

	b.initializers = append(b.initializers, t)
	b.known[t.Name] = slices.Clone(t.Dims)
	return Value{Name: t.Name, Shape: slices.Clone(t.Dims)}
}

func (b *Builder) initializerByName(name string) *onnx.Tensor {
	for _, t := range b.initializers {
		if t.Name == name {
			return t
		}
	}

	return nil
}

// emit appends a node and returns its outputs with the given shapes.
func (b *Builder) emit(op string, inputs []Value, attrs []*onnx.Attribute, shapes ...[]int64) []Value {
	if b.err != nil || !b.requireOp(op) {
		return make([]Value, len(shapes))
	}

	names := make([]string, len(inputs))
	for i, in := range inputs {
		if !in.Valid() {
			// Optional inputs are written as empty names.
			continue
		}
		if _, ok := b.known[in.Name]; !ok {
			b.fail(fmt.Errorf("%s consumes unknown tensor %q", op, in.Name))
			return make([]Value, len(shapes))
		}
		names[i] = in.Name
	}

	name := b.nodeName(op)
	outs := make([]Value, len(shapes))
	outNames := make([]string, len(shapes))
	for i, s := range shapes {
		outNames[i] = fmt.Sprintf("%s_output_%d", name, i)
		outs[i] = Value{Name: outNames[i], Shape: s}
		b.known[outNames[i]] = s
	}

	b.nodes = append(b.nodes, &onnx.Node{
		Name:       name,
		OpType:     op,
		Inputs:     names,
		Outputs:    outNames,
		Attributes: attrs,
	})

	return outs
}

// Finish names the graph outputs and returns the traced graph. Every declared
// schema must match the traced rank and fixed sizes.
func (b *Builder) Finish(name string, inputs []TensorSchema, outputs []Value, outputSchemas []TensorSchema) (*onnx.Graph, error) {
	if b.err != nil {
		return nil, b.err
	}

	if len(inputs) != len(b.inputs) {
		return nil, fmt.Errorf("%d input schemas for %d traced inputs", len(inputs), len(b.inputs))
	}
	if len(outputs) != len(outputSchemas) {
		return nil, fmt.Errorf("%d output schemas for %d outputs", len(outputSchemas), len(outputs))
	}

	g := &onnx.Graph{Name: name}
	for i, in := range b.inputs {
		if inputs[i].Name != in.Name {
			return nil, fmt.Errorf("input schema %q does not match traced input %q", inputs[i].Name, in.Name)
		}
		if err := inputs[i].check(in.Shape); err != nil {
			return nil, err
		}
		g.Inputs = append(g.Inputs, inputs[i].valueInfo(onnx.Float))
	}

	for i, out := range outputs {
		if !out.Valid() {
			return nil, fmt.Errorf("output %q was not produced", outputSchemas[i].Name)
		}
		if err := outputSchemas[i].check(out.Shape); err != nil {
			return nil, err
		}
		if err := b.rename(out.Name, outputSchemas[i].Name); err != nil {
			return nil, err
		}
		g.Outputs = append(g.Outputs, outputSchemas[i].valueInfo(onnx.Float))
	}

	g.Nodes = b.nodes
	g.Initializers = b.initializers
	return g, nil
}

// rename gives a node output its public name. Graph inputs and initializers
// cannot be renamed and get an Identity node instead.
func (b *Builder) rename(from, to string) error {
	if from == to {
		return nil
	}

	if _, taken := b.known[to]; taken {
		return fmt.Errorf("output name %q is already used", to)
	}

	var producer *onnx.Node
	for _, n := range b.nodes {
		for _, o := range n.Outputs {
			if o == from {
				producer = n
			}
		}
	}

	if producer == nil {
		b.nodes = append(b.nodes, &onnx.Node{
			Name:    b.nodeName("Identity"),
			OpType:  "Identity",
			Inputs:  []string{from},
			Outputs: []string{to},
		})
		b.known[to] = b.known[from]
		return nil
	}

	for _, n := range b.nodes {
		for i := range n.Inputs {
			if n.Inputs[i] == from {
				n.Inputs[i] = to
			}
		}
		for i := range n.Outputs {
			if n.Outputs[i] == from {
				n.Outputs[i] = to
			}
		}
	}

	b.known[to] = b.known[from]
	delete(b.known, from)
	return nil
}
