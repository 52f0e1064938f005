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

// Package inspect summarizes exported ONNX models and training checkpoints.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	humanize "github.com/dustin/go-humanize"
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"

	"github.com/MohanadWebsite/image-enhancer/internal/cache"
	"github.com/MohanadWebsite/image-enhancer/pkg/arch"
	"github.com/MohanadWebsite/image-enhancer/pkg/checkpoint"
	"github.com/MohanadWebsite/image-enhancer/pkg/onnx"
	"github.com/MohanadWebsite/image-enhancer/pkg/tensor"
)

// Kind is the kind of file inspected.
type Kind string

const (
	KindONNX       Kind = "onnx"
	KindCheckpoint Kind = "checkpoint"
)

// ErrUnknownFile is returned when a file is neither an ONNX model nor a
// checkpoint.
var ErrUnknownFile = errors.New("not an ONNX model or checkpoint")

// Report is the result of inspecting one file.
type Report struct {
	Path       string          `json:"path"`
	Kind       Kind            `json:"kind"`
	Size       int64           `json:"size"`
	Digest     string          `json:"digest,omitempty"`
	Model      *ModelInfo      `json:"model,omitempty"`
	Checkpoint *CheckpointInfo `json:"checkpoint,omitempty"`
}

// ModelInfo describes an ONNX model.
type ModelInfo struct {
	Producer        string            `json:"producer"`
	ProducerVersion string            `json:"producer_version,omitempty"`
	IRVersion       int64             `json:"ir_version"`
	Opset           int64             `json:"opset"`
	Inputs          []TensorInfo      `json:"inputs"`
	Outputs         []TensorInfo      `json:"outputs"`
	Nodes           int               `json:"nodes"`
	Ops             []OpCount         `json:"ops"`
	Initializers    int               `json:"initializers"`
	Parameters      map[string]int64  `json:"parameters"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// TensorInfo is a graph input or output. Symbolic dimensions keep their name.
type TensorInfo struct {
	Name  string   `json:"name"`
	Type  string   `json:"type"`
	Shape []string `json:"shape"`
}

// OpCount is one row of the operator histogram.
type OpCount struct {
	Op    string `json:"op"`
	Count int    `json:"count"`
}

// CheckpointInfo describes a checkpoint.
type CheckpointInfo struct {
	Keys          []string   `json:"keys"`
	Tensors       int        `json:"tensors"`
	Parameters    int64      `json:"parameters"`
	Architectures []Coverage `json:"architectures"`
}

// Coverage is how well a checkpoint fits one architecture configuration.
type Coverage struct {
	Architecture string            `json:"architecture"`
	Variant      string            `json:"variant"`
	Layout       checkpoint.Layout `json:"layout"`
	Loaded       int               `json:"loaded"`
	Missing      int               `json:"missing"`
	Mismatched   int               `json:"mismatched"`
	Unexpected   int               `json:"unexpected"`
	Complete     bool              `json:"complete"`
}

// variant is an architecture configuration a checkpoint is matched against.
type variant struct {
	arch  string
	label string
	opts  arch.Options
}

// variants are the configurations of the published weights.
var variants = []variant{
	{arch: arch.RRDBNetName, label: "x4", opts: arch.Options{Scale: 4}},
	{arch: arch.RRDBNetName, label: "x2", opts: arch.Options{Scale: 2}},
	{arch: arch.RRDBNetName, label: "x4 anime 6B", opts: arch.Options{Scale: 4, NumBlock: 6}},
	{arch: arch.SRVGGName, label: "general x4v3", opts: arch.Options{}},
	{arch: arch.SRVGGName, label: "animevideo v3", opts: arch.Options{NumConv: 16}},
	{arch: arch.GFPGANName, label: "v1.3/v1.4", opts: arch.Options{}},
}

// Inspect reports on the file at path. c caches the file digest and may be
// nil.
func Inspect(ctx context.Context, path string, c cache.Cache) (*Report, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	report := &Report{Path: path, Size: info.Size()}
	if strings.EqualFold(filepath.Ext(path), ".onnx") {
		m, err := onnx.ReadFile(path)
		if err != nil {
			return nil, err
		}
		report.Kind, report.Model = KindONNX, describeModel(m)
	} else {
		ckpt, err := checkpoint.Open(path)
		if err != nil {
			// Files without a telling extension may still be ONNX.
			m, merr := onnx.ReadFile(path)
			if merr != nil {
				return nil, fmt.Errorf("%w: %s", ErrUnknownFile, path)
			}
			report.Kind, report.Model = KindONNX, describeModel(m)
		} else {
			report.Kind, report.Checkpoint = KindCheckpoint, describeCheckpoint(ckpt)
		}
	}

	d, err := cache.Digest(ctx, c, path)
	if err != nil {
		return nil, err
	}
	report.Digest = d.String()

	logrus.Debugf("inspect: inspected %s [kind: %s, digest: %s]", path, report.Kind, report.Digest)
	return report, nil
}

func describeModel(m *onnx.Model) *ModelInfo {
	info := &ModelInfo{
		Producer:        m.ProducerName,
		ProducerVersion: m.ProducerVersion,
		IRVersion:       m.IRVersion,
		Opset:           m.Opset(),
		Parameters:      map[string]int64{},
	}
	for _, e := range m.MetadataProps {
		if info.Metadata == nil {
			info.Metadata = map[string]string{}
		}
		info.Metadata[e.Key] = e.Value
	}

	g := m.Graph
	if g == nil {
		return info
	}

	info.Inputs = describeValues(g.Inputs)
	info.Outputs = describeValues(g.Outputs)
	info.Nodes = len(g.Nodes)
	info.Initializers = len(g.Initializers)
	for _, t := range g.Initializers {
		info.Parameters[t.DataType.String()] += t.NumElements()
	}

	ops := treemap.NewWithStringComparator()
	for _, n := range g.Nodes {
		op := n.OpType
		if n.Domain != "" {
			op = n.Domain + "." + op
		}
		count, _ := ops.Get(op)
		if count == nil {
			count = 0
		}
		ops.Put(op, count.(int)+1)
	}

	it := ops.Iterator()
	for it.Next() {
		info.Ops = append(info.Ops, OpCount{Op: it.Key().(string), Count: it.Value().(int)})
	}

	return info
}

func describeValues(values []*onnx.ValueInfo) []TensorInfo {
	out := make([]TensorInfo, 0, len(values))
	for _, v := range values {
		ti := TensorInfo{Name: v.Name, Type: v.ElemType.String(), Shape: make([]string, len(v.Dims))}
		for i, d := range v.Dims {
			switch {
			case d.IsParam():
				ti.Shape[i] = d.Param
			case d.Value > 0:
				ti.Shape[i] = strconv.FormatInt(d.Value, 10)
			default:
				ti.Shape[i] = "?"
			}
		}
		out = append(out, ti)
	}

	return out
}

func describeCheckpoint(c *checkpoint.Container) *CheckpointInfo {
	info := &CheckpointInfo{Keys: c.Keys()}
	walk(c, func(t *tensor.Tensor) {
		info.Tensors++
		info.Parameters += int64(t.Len())
	})

	for _, v := range variants {
		a, err := arch.Lookup(v.arch, v.opts)
		if err != nil {
			logrus.Warnf("inspect: skipping %s %s: %v", v.arch, v.label, err)
			continue
		}

		r := checkpoint.Match(c, a)
		if r == nil {
			continue
		}
		info.Architectures = append(info.Architectures, Coverage{
			Architecture: v.arch,
			Variant:      v.label,
			Layout:       r.Layout,
			Loaded:       len(r.Loaded),
			Missing:      len(r.Missing),
			Mismatched:   len(r.Mismatched),
			Unexpected:   len(r.Unexpected),
			Complete:     r.Complete,
		})
	}

	return info
}

// walk visits every tensor of c and its nested containers.
func walk(c *checkpoint.Container, fn func(*tensor.Tensor)) {
	for _, key := range c.Keys() {
		if t, ok := c.Tensor(key); ok {
			fn(t)
		} else if child, ok := c.Child(key); ok {
			walk(child, fn)
		}
	}
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	data, err := json.MarshalIndent(r, "", "\t")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(w, string(data))
	return err
}

// WriteTable writes the report as aligned text tables.
func (r *Report) WriteTable(w io.Writer) error {
	fmt.Fprintf(w, "%-12s%s\n", "Path:", r.Path)
	fmt.Fprintf(w, "%-12s%s\n", "Kind:", r.Kind)
	fmt.Fprintf(w, "%-12s%s\n", "Size:", humanize.IBytes(uint64(r.Size)))
	fmt.Fprintf(w, "%-12s%s\n", "Digest:", r.Digest)

	switch {
	case r.Model != nil:
		writeModel(w, r.Model)
	case r.Checkpoint != nil:
		writeCheckpoint(w, r.Checkpoint)
	}

	return nil
}

func writeModel(w io.Writer, m *ModelInfo) {
	producer := m.Producer
	if m.ProducerVersion != "" {
		producer += " " + m.ProducerVersion
	}
	fmt.Fprintf(w, "%-12s%s\n", "Producer:", producer)
	fmt.Fprintf(w, "%-12s%d\n", "IR version:", m.IRVersion)
	fmt.Fprintf(w, "%-12s%d\n", "Opset:", m.Opset)
	fmt.Fprintf(w, "%-12s%d\n", "Nodes:", m.Nodes)
	fmt.Fprintf(w, "%-12s%d\n", "Weights:", m.Initializers)

	fmt.Fprintln(w)
	var rows [][]string
	for _, t := range m.Inputs {
		rows = append(rows, []string{"input", t.Name, t.Type, "[" + strings.Join(t.Shape, ", ") + "]"})
	}
	for _, t := range m.Outputs {
		rows = append(rows, []string{"output", t.Name, t.Type, "[" + strings.Join(t.Shape, ", ") + "]"})
	}
	table(w, []string{"IO", "NAME", "TYPE", "SHAPE"}, rows)

	fmt.Fprintln(w)
	rows = rows[:0]
	types := treemap.NewWithStringComparator()
	for k, v := range m.Parameters {
		types.Put(k, v)
	}
	it := types.Iterator()
	for it.Next() {
		rows = append(rows, []string{it.Key().(string), humanize.Comma(it.Value().(int64))})
	}
	table(w, []string{"DTYPE", "PARAMETERS"}, rows)

	fmt.Fprintln(w)
	rows = rows[:0]
	for _, op := range m.Ops {
		rows = append(rows, []string{op.Op, strconv.Itoa(op.Count)})
	}
	table(w, []string{"OP", "COUNT"}, rows)

	if len(m.Metadata) > 0 {
		fmt.Fprintln(w)
		rows = rows[:0]
		meta := treemap.NewWithStringComparator()
		for k, v := range m.Metadata {
			meta.Put(k, v)
		}
		it := meta.Iterator()
		for it.Next() {
			rows = append(rows, []string{it.Key().(string), it.Value().(string)})
		}
		table(w, []string{"KEY", "VALUE"}, rows)
	}
}

func writeCheckpoint(w io.Writer, c *CheckpointInfo) {
	fmt.Fprintf(w, "%-12s%s\n", "Keys:", strings.Join(c.Keys, ", "))
	fmt.Fprintf(w, "%-12s%d\n", "Tensors:", c.Tensors)
	fmt.Fprintf(w, "%-12s%s\n", "Parameters:", humanize.Comma(c.Parameters))

	fmt.Fprintln(w)
	var rows [][]string
	for _, a := range c.Architectures {
		complete := "no"
		if a.Complete {
			complete = "yes"
		}
		rows = append(rows, []string{
			a.Architecture, a.Variant, string(a.Layout),
			strconv.Itoa(a.Loaded), strconv.Itoa(a.Missing), strconv.Itoa(a.Mismatched), strconv.Itoa(a.Unexpected),
			complete,
		})
	}
	table(w, []string{"ARCH", "VARIANT", "LAYOUT", "LOADED", "MISSING", "MISMATCHED", "UNEXPECTED", "MATCH"}, rows)
}

func table(w io.Writer, header []string, rows [][]string) {
	t := tablewriter.NewWriter(w)
	t.SetHeader(header)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetHeaderLine(false)
	t.SetBorder(false)
	t.SetNoWhiteSpace(true)
	t.SetTablePadding("    ")
	t.SetAutoFormatHeaders(false)
	t.AppendBulk(rows)
	t.Render()
}
