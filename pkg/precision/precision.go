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

// Package precision narrows the floating point payloads of an ONNX model
// to half precision.
package precision

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/x448/float16"

	"github.com/MohanadWebsite/image-enhancer/pkg/onnx"
)

// ErrMalformedModel is returned for input that is not a well-formed model.
var ErrMalformedModel = errors.New("malformed model")

const (
	// MinPositive is the smallest magnitude a non-zero value is clamped to.
	MinPositive = 1e-7

	// MaxFinite is the largest magnitude a value is clamped to.
	MaxFinite = 1e4
)

// floatInputs lists operator inputs whose type the operator definition fixes
// to float32, by input index.
var floatInputs = map[string][]int{
	"Resize":   {1, 2},
	"Upsample": {1},
}

// Options configures a conversion.
type Options struct {
	// KeepIOTypes keeps graph inputs and outputs float32 and inserts Cast
	// nodes at the boundary. It is the only option that adds nodes.
	KeepIOTypes bool
}

// Stats counts what a conversion changed.
type Stats struct {
	Initializers int
	Constants    int
	Casts        int
	ValueInfos   int
	KeptFloat    int
	Clamped      int
	IOCasts      int
}

// ConvertFloat16 returns a copy of m whose float32 initializers, constants,
// casts and declared value types are float16. Integer tensors are untouched.
// The conversion is deterministic and converting its own output is a no-op.
func ConvertFloat16(m *onnx.Model, opts Options) (*onnx.Model, *Stats, error) {
	if m == nil || m.Graph == nil {
		return nil, nil, fmt.Errorf("%w: model has no graph", ErrMalformedModel)
	}

	out, err := onnx.Unmarshal(onnx.Marshal(m))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformedModel, err)
	}
	if out.Graph == nil {
		out.Graph = &onnx.Graph{}
	}

	stats := &Stats{}
	if err := convertGraph(out.Graph, opts, stats, true); err != nil {
		return nil, nil, err
	}

	return out, stats, nil
}

func convertGraph(g *onnx.Graph, opts Options, stats *Stats, top bool) error {
	keep := keptFloat(g)
	if top && opts.KeepIOTypes {
		for _, out := range g.Outputs {
			keep[out.Name] = true
		}
	}

	for i, t := range g.Initializers {
		if t.DataType != onnx.Float {
			continue
		}
		if keep[t.Name] {
			stats.KeptFloat++
			continue
		}

		half, clamped, err := toFloat16(t)
		if err != nil {
			return err
		}
		g.Initializers[i] = half
		stats.Initializers++
		stats.Clamped += clamped
	}

	for _, n := range g.Nodes {
		if err := convertNode(n, keep, opts, stats); err != nil {
			return err
		}
	}

	for _, vi := range g.ValueInfo {
		if vi.ElemType == onnx.Float && !keep[vi.Name] {
			vi.ElemType = onnx.Float16
			stats.ValueInfos++
		}
	}

	if top && opts.KeepIOTypes {
		keepIOTypes(g, stats)
		return nil
	}

	for _, vi := range append(append([]*onnx.ValueInfo(nil), g.Inputs...), g.Outputs...) {
		if vi.ElemType == onnx.Float && !keep[vi.Name] {
			vi.ElemType = onnx.Float16
			stats.ValueInfos++
		}
	}

	return nil
}

func convertNode(n *onnx.Node, keep map[string]bool, opts Options, stats *Stats) error {
	switch n.OpType {
	case "Constant":
		if len(n.Outputs) > 0 && keep[n.Outputs[0]] {
			return nil
		}
		for i, a := range n.Attributes {
			if a.Type != onnx.AttrTensor || a.T == nil || a.T.DataType != onnx.Float {
				continue
			}
			half, clamped, err := toFloat16(a.T)
			if err != nil {
				return err
			}
			n.Attributes[i].T = half
			stats.Constants++
			stats.Clamped += clamped
		}
	case "Cast":
		if len(n.Outputs) > 0 && keep[n.Outputs[0]] {
			return nil
		}
		if a := n.Attr("to"); a != nil && a.I == int64(onnx.Float) {
			a.I = int64(onnx.Float16)
			stats.Casts++
		}
	}

	// Control flow bodies follow the same rules.
	for _, a := range n.Attributes {
		if a.G != nil {
			if err := convertGraph(a.G, opts, stats, false); err != nil {
				return err
			}
		}
		for _, g := range a.Graphs {
			if err := convertGraph(g, opts, stats, false); err != nil {
				return err
			}
		}
	}

	return nil
}

// keptFloat collects tensors consumed where the operator requires float32.
func keptFloat(g *onnx.Graph) map[string]bool {
	keep := make(map[string]bool)
	for _, n := range g.Nodes {
		for _, idx := range floatInputs[n.OpType] {
			if idx < len(n.Inputs) && n.Inputs[idx] != "" {
				keep[n.Inputs[idx]] = true
			}
		}
	}

	return keep
}

// toFloat16 narrows a float32 tensor, clamping magnitudes into the range
// float16 represents without flushing to zero or overflowing.
func toFloat16(t *onnx.Tensor) (*onnx.Tensor, int, error) {
	values, err := t.Float32s()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrMalformedModel, err)
	}

	clamped := 0
	raw := make([]byte, 2*len(values))
	for i, v := range values {
		c := clamp(v)
		if c != v && !math.IsNaN(float64(v)) {
			clamped++
		}
		binary.LittleEndian.PutUint16(raw[2*i:], float16.Fromfloat32(c).Bits())
	}

	return &onnx.Tensor{
		Name:      t.Name,
		Dims:      t.Dims,
		DataType:  onnx.Float16,
		RawData:   raw,
		DocString: t.DocString,
	}, clamped, nil
}

func clamp(v float32) float32 {
	switch {
	case v > 0 && v < MinPositive:
		return MinPositive
	case v < 0 && v > -MinPositive:
		return -MinPositive
	case v > MaxFinite && !math.IsInf(float64(v), 1):
		return MaxFinite
	case v < -MaxFinite && !math.IsInf(float64(v), -1):
		return -MaxFinite
	}

	return v
}

// keepIOTypes leaves float32 graph inputs and outputs in place and converts
// at the boundary with Cast nodes.
func keepIOTypes(g *onnx.Graph, stats *Stats) {
	var head, tail []*onnx.Node

	for i, in := range g.Inputs {
		if in.ElemType != onnx.Float {
			continue
		}

		cast := fmt.Sprintf("graph_input_cast_%d", i)
		if hasNode(g, cast) {
			continue
		}
		for _, n := range g.Nodes {
			for j := range n.Inputs {
				if n.Inputs[j] == in.Name {
					n.Inputs[j] = cast
				}
			}
		}
		head = append(head, &onnx.Node{
			Name:       cast,
			OpType:     "Cast",
			Inputs:     []string{in.Name},
			Outputs:    []string{cast},
			Attributes: []*onnx.Attribute{onnx.IntAttr("to", int64(onnx.Float16))},
		})
	}

	for i, out := range g.Outputs {
		if out.ElemType != onnx.Float {
			continue
		}

		cast := fmt.Sprintf("graph_output_cast_%d", i)
		if hasNode(g, cast) {
			continue
		}
		for _, n := range append(head, g.Nodes...) {
			for j := range n.Outputs {
				if n.Outputs[j] == out.Name {
					n.Outputs[j] = cast
				}
			}
			for j := range n.Inputs {
				if n.Inputs[j] == out.Name {
					n.Inputs[j] = cast
				}
			}
		}
		tail = append(tail, &onnx.Node{
			Name:       cast,
			OpType:     "Cast",
			Inputs:     []string{cast},
			Outputs:    []string{out.Name},
			Attributes: []*onnx.Attribute{onnx.IntAttr("to", int64(onnx.Float))},
		})
	}

	g.Nodes = append(append(head, g.Nodes...), tail...)
	stats.IOCasts += len(head) + len(tail)
}

// hasNode reports whether a boundary cast was already inserted by an
// earlier conversion.
func hasNode(g *onnx.Graph, name string) bool {
	for _, n := range g.Nodes {
		if n.Name == name && n.OpType == "Cast" {
			return true
		}
	}

	return false
}

// Result describes a converted file.
type Result struct {
	Input  string
	Output string
	Bytes  int64
	Stats  Stats
}

// ConvertFile converts the model at input and writes the result atomically
// to output. Malformed input fails with ErrMalformedModel and writes nothing.
func ConvertFile(input, output string, opts Options) (*Result, error) {
	m, err := onnx.ReadFile(input)
	if err != nil {
		if errors.Is(err, onnx.ErrMalformed) {
			return nil, fmt.Errorf("%w: %w", ErrMalformedModel, err)
		}
		return nil, err
	}

	if m.Graph == nil {
		return nil, fmt.Errorf("%w: %s has no graph", ErrMalformedModel, input)
	}

	if _, err := os.Stat(output); err == nil {
		logrus.Infof("precision: overwriting %s", output)
	}

	half, stats, err := ConvertFloat16(m, opts)
	if err != nil {
		return nil, err
	}

	n, err := onnx.WriteFile(output, half)
	if err != nil {
		return nil, err
	}

	logrus.Infof("precision: wrote %s [initializers: %d, constants: %d, kept float: %d, clamped: %d]",
		output, stats.Initializers, stats.Constants, stats.KeptFloat, stats.Clamped)
	return &Result{Input: input, Output: output, Bytes: n, Stats: *stats}, nil
}
