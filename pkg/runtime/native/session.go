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
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MohanadWebsite/image-enhancer/pkg/onnx"
	"github.com/MohanadWebsite/image-enhancer/pkg/tensor"
)

var (
	// ErrUnsupportedOperator is returned when a model uses an operator or
	// attribute combination the interpreter does not implement.
	ErrUnsupportedOperator = errors.New("unsupported operator")

	// ErrInputShape is returned when an input does not fit the declared shape.
	ErrInputShape = errors.New("input shape mismatch")
)

// Options configures a session.
type Options struct {
	// Threads bounds intra-operator parallelism, 0 means GOMAXPROCS.
	Threads int
}

// Session evaluates an ONNX graph on the CPU. Run calls are serialized.
type Session struct {
	name    string
	order   []*onnx.Node
	consts  map[string]*value
	inputs  []*onnx.ValueInfo
	outputs []*onnx.ValueInfo
	last    map[string]int
	threads int

	mu sync.Mutex
}

// Open loads a model file into a new session.
func Open(path string, opts Options) (*Session, error) {
	m, err := onnx.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return New(m, opts)
}

// New prepares a session for an in-memory model.
func New(m *onnx.Model, opts Options) (*Session, error) {
	if m == nil || m.Graph == nil {
		return nil, fmt.Errorf("%w: model has no graph", onnx.ErrMalformed)
	}

	g := m.Graph
	s := &Session{
		name:    g.Name,
		consts:  make(map[string]*value, len(g.Initializers)),
		outputs: g.Outputs,
		threads: opts.Threads,
	}
	if s.threads <= 0 {
		s.threads = runtime.GOMAXPROCS(0)
	}

	for _, t := range g.Initializers {
		v, err := fromProto(t)
		if err != nil {
			return nil, fmt.Errorf("failed to load initializer %s: %w", t.Name, err)
		}
		s.consts[t.Name] = v
	}

	for _, in := range g.Inputs {
		if _, ok := s.consts[in.Name]; !ok {
			s.inputs = append(s.inputs, in)
		}
	}

	for _, n := range g.Nodes {
		if _, ok := handlers[n.OpType]; !ok || (n.Domain != "" && n.Domain != "ai.onnx") {
			return nil, fmt.Errorf("%w: %s (node %s)", ErrUnsupportedOperator, n.OpType, n.Name)
		}
	}

	order, err := sortNodes(g.Nodes, s.consts, s.inputs)
	if err != nil {
		return nil, err
	}
	s.order = order

	s.last = make(map[string]int)
	for idx, n := range s.order {
		for _, name := range n.Inputs {
			s.last[name] = idx
		}
	}
	for _, out := range s.outputs {
		s.last[out.Name] = len(s.order)
	}

	logrus.Debugf("native: session ready [graph: %s, nodes: %d, initializers: %d, threads: %d]",
		s.name, len(s.order), len(s.consts), s.threads)
	return s, nil
}

// sortNodes orders nodes so that every input is produced before use, keeping
// the file order among independent nodes.
func sortNodes(nodes []*onnx.Node, consts map[string]*value, inputs []*onnx.ValueInfo) ([]*onnx.Node, error) {
	ready := map[string]bool{"": true}
	for name := range consts {
		ready[name] = true
	}
	for _, in := range inputs {
		ready[in.Name] = true
	}

	order := make([]*onnx.Node, 0, len(nodes))
	pending := nodes
	for len(pending) > 0 {
		var rest []*onnx.Node
		for _, n := range pending {
			ok := true
			for _, name := range n.Inputs {
				if !ready[name] {
					ok = false
					break
				}
			}
			if !ok {
				rest = append(rest, n)
				continue
			}
			order = append(order, n)
			for _, out := range n.Outputs {
				ready[out] = true
			}
		}

		if len(rest) == len(pending) {
			return nil, fmt.Errorf("%w: node %s consumes a tensor nothing produces", onnx.ErrMalformed, rest[0].Name)
		}
		pending = rest
	}

	return order, nil
}

// Inputs returns the graph inputs that must be fed.
func (s *Session) Inputs() []*onnx.ValueInfo {
	return s.inputs
}

// Outputs returns the graph outputs in the order Run returns them.
func (s *Session) Outputs() []*onnx.ValueInfo {
	return s.outputs
}

// Run evaluates the graph once.
func (s *Session) Run(ctx context.Context, feeds map[string]*tensor.Tensor) ([]*tensor.Tensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	env := make(map[string]*value, len(s.consts)+len(feeds))
	for name, v := range s.consts {
		env[name] = v
	}

	for _, in := range s.inputs {
		t, ok := feeds[in.Name]
		if !ok || t == nil {
			return nil, fmt.Errorf("%w: missing input %s", ErrInputShape, in.Name)
		}
		if err := CheckShape(in, t.Shape); err != nil {
			return nil, err
		}
		env[in.Name] = fromTensor(t)
	}

	ec := &execContext{ctx: ctx, threads: s.threads}
	for idx, n := range s.order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		in := make([]*value, len(n.Inputs))
		for k, name := range n.Inputs {
			if name != "" {
				in[k] = env[name]
			}
		}

		outs, err := handlers[n.OpType](ec, n, in)
		if err != nil {
			return nil, fmt.Errorf("failed to run node %s: %w", n.Name, err)
		}

		for k, name := range n.Outputs {
			if k < len(outs) && name != "" {
				env[name] = outs[k]
			}
		}

		for _, name := range n.Inputs {
			if _, isConst := s.consts[name]; !isConst && s.last[name] == idx {
				delete(env, name)
			}
		}
	}

	results := make([]*tensor.Tensor, len(s.outputs))
	for k, out := range s.outputs {
		v, ok := env[out.Name]
		if !ok {
			return nil, fmt.Errorf("%w: output %s was not produced", onnx.ErrMalformed, out.Name)
		}
		results[k] = v.tensor()
	}

	logrus.Debugf("native: run finished [graph: %s, elapsed: %s]", s.name, time.Since(start))
	return results, nil
}

// Close releases the session. It exists to satisfy the runtime contract.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.consts = nil
	return nil
}

// CheckShape verifies that shape fits the declared value: same rank and the
// same size on every fixed axis. Symbolic axes accept any size.
func CheckShape(vi *onnx.ValueInfo, shape []int) error {
	if vi.Dims == nil {
		return nil
	}

	if len(vi.Dims) != len(shape) {
		return fmt.Errorf("%w: %s expects rank %d, got shape %v", ErrInputShape, vi.Name, len(vi.Dims), shape)
	}

	for k, d := range vi.Dims {
		if d.IsParam() {
			continue
		}
		if d.Value > 0 && int64(shape[k]) != d.Value {
			return fmt.Errorf("%w: %s axis %d is fixed to %d, got %d", ErrInputShape, vi.Name, k, d.Value, shape[k])
		}
	}

	return nil
}
