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

// Package export writes a loaded model to an ONNX artifact.
package export

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/MohanadWebsite/image-enhancer/pkg/arch"
	"github.com/MohanadWebsite/image-enhancer/pkg/graph"
	"github.com/MohanadWebsite/image-enhancer/pkg/onnx"
	"github.com/MohanadWebsite/image-enhancer/pkg/runtime"
	"github.com/MohanadWebsite/image-enhancer/pkg/tensor"
	"github.com/MohanadWebsite/image-enhancer/pkg/version"
)

// ErrExport is returned when a model cannot be exported. The underlying
// cause, such as graph.ErrUnsupportedOp, is wrapped as well.
var ErrExport = errors.New("export failed")

const (
	// DefaultInputName is the name of the exported input tensor.
	DefaultInputName = "input"

	// DefaultOutputName is the name of the exported output tensor.
	DefaultOutputName = "output"

	// DefaultTolerance bounds the verification difference.
	DefaultTolerance = 1e-4
)

// Options configures an export.
type Options struct {
	Opset      int64
	Size       int
	InputName  string
	OutputName string

	// Verify reloads the artifact and compares it with in-memory evaluation.
	Verify    bool
	Tolerance float64
	Threads   int
}

// Result describes a written artifact.
type Result struct {
	Path         string
	Bytes        int64
	Opset        int64
	Nodes        int
	Initializers int
	Parameters   int64
	Input        graph.TensorSchema
	Output       graph.TensorSchema

	// Verified lists the spatial sizes checked by verification, with the
	// largest difference observed.
	Verified []int
	MaxDiff  float64
	Elapsed  time.Duration
}

func (o *Options) defaults() {
	if o.Opset == 0 {
		o.Opset = graph.DefaultOpset
	}
	if o.InputName == "" {
		o.InputName = DefaultInputName
	}
	if o.OutputName == "" {
		o.OutputName = DefaultOutputName
	}
	if o.Tolerance == 0 {
		o.Tolerance = DefaultTolerance
	}
}

func (o *Options) validate() error {
	if err := graph.CheckOpset(o.Opset); err != nil {
		return err
	}

	if o.Size <= 0 {
		return fmt.Errorf("example size must be positive, got %d", o.Size)
	}

	if o.InputName == o.OutputName {
		return fmt.Errorf("input and output share the name %q", o.InputName)
	}

	return nil
}

// Export traces the model once on a [1, 3, size, size] example input and
// writes the artifact to path. The artifact declares the architecture's
// dynamic axes on input and output. Nothing is left at path on failure.
func Export(ctx context.Context, m *arch.Model, path string, opts Options) (*Result, error) {
	start := time.Now()
	opts.defaults()
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExport, err)
	}

	model, err := m.Graph(opts.Size, opts.Opset, opts.InputName, opts.OutputName)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrExport, m.Arch.Name(), err)
	}

	model.ProducerName = version.Producer
	model.ProducerVersion = version.GitVersion
	model.DocString = fmt.Sprintf("%s exported at %dx%d", m.Arch.Name(), opts.Size, opts.Size)
	model.MetadataProps = append(model.MetadataProps,
		onnx.StringEntry{Key: "architecture", Value: m.Arch.Name()},
		onnx.StringEntry{Key: "example_size", Value: strconv.Itoa(opts.Size)},
	)
	if m.Report != nil {
		model.MetadataProps = append(model.MetadataProps,
			onnx.StringEntry{Key: "weights_layout", Value: string(m.Report.Layout)},
			onnx.StringEntry{Key: "weights_complete", Value: strconv.FormatBool(m.Report.Complete)},
		)
	}

	logrus.Infof("export: traced %s [opset: %d, nodes: %d, initializers: %d]",
		m.Arch.Name(), opts.Opset, len(model.Graph.Nodes), len(model.Graph.Initializers))

	n, err := onnx.WriteFile(path, model)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExport, err)
	}

	res := &Result{
		Path:         path,
		Bytes:        n,
		Opset:        opts.Opset,
		Nodes:        len(model.Graph.Nodes),
		Initializers: len(model.Graph.Initializers),
		Input:        graph.DimsOf(model.Graph.Inputs[0]),
		Output:       graph.DimsOf(model.Graph.Outputs[0]),
	}
	for _, t := range model.Graph.Initializers {
		res.Parameters += t.NumElements()
	}

	if opts.Verify {
		if err := verify(ctx, m, path, opts, res); err != nil {
			if rmErr := os.Remove(path); rmErr != nil {
				logrus.Warnf("export: failed to remove unverified artifact [path: %s, err: %v]", path, rmErr)
			}
			return nil, fmt.Errorf("%w: verification: %w", ErrExport, err)
		}
	}

	res.Elapsed = time.Since(start)
	logrus.Infof("export: wrote %s [bytes: %d, elapsed: %s]", path, res.Bytes, res.Elapsed)
	return res, nil
}

// verify runs the artifact and the in-memory model on the same inputs. Models
// with dynamic spatial axes are checked at two sizes without re-exporting.
func verify(ctx context.Context, m *arch.Model, path string, opts Options, res *Result) error {
	sess, err := runtime.Open(path, runtime.Options{Backend: runtime.Native, Threads: opts.Threads})
	if err != nil {
		return err
	}
	defer sess.Close()

	for _, size := range verifySizes(m.Arch, opts.Size) {
		input := probe(size)

		got, err := sess.Run(ctx, map[string]*tensor.Tensor{opts.InputName: input})
		if err != nil {
			return fmt.Errorf("artifact at %dx%d: %w", size, size, err)
		}

		want, err := m.Forward(ctx, input, opts.Threads)
		if err != nil {
			return fmt.Errorf("model at %dx%d: %w", size, size, err)
		}

		diff, err := maxAbsDiff(got[0], want)
		if err != nil {
			return err
		}

		logrus.Debugf("export: verified %dx%d [max diff: %g]", size, size, diff)
		res.Verified = append(res.Verified, size)
		res.MaxDiff = math.Max(res.MaxDiff, diff)
		if diff > opts.Tolerance {
			return fmt.Errorf("output differs by %g at %dx%d, tolerance %g", diff, size, size, opts.Tolerance)
		}
	}

	return nil
}

// maxVerifySize caps the spatial size evaluated by verification.
const maxVerifySize = 64

// verifySizes starts with the traced size, capped at maxVerifySize. Models
// with dynamic spatial axes are checked at a second, different size too.
func verifySizes(a arch.Architecture, traced int) []int {
	axes := a.DynamicAxes()
	_, h := axes[2]
	_, w := axes[3]
	if !h || !w {
		return []int{traced}
	}

	first := traced
	if first > maxVerifySize {
		first = 0
		for s := maxVerifySize; s > 0; s-- {
			if a.CheckSize(s) == nil {
				first = s
				break
			}
		}
		if first == 0 {
			return []int{traced}
		}
	}

	sizes := []int{first}
	for _, s := range []int{16, 24, 32, 48, 64} {
		if s != first && a.CheckSize(s) == nil {
			return append(sizes, s)
		}
	}

	return sizes
}

// probe is a deterministic input in [0, 1].
func probe(size int) *tensor.Tensor {
	t := tensor.New(1, 3, size, size)
	for i := range t.Data {
		t.Data[i] = float32(0.5 + 0.5*math.Sin(float64(i)*0.37))
	}

	return t
}

func maxAbsDiff(a, b *tensor.Tensor) (float64, error) {
	if !tensor.SameShape(a.Shape, b.Shape) {
		return 0, fmt.Errorf("output shape %v, expected %v", a.Shape, b.Shape)
	}

	var diff float64
	for i := range a.Data {
		diff = math.Max(diff, math.Abs(float64(a.Data[i]-b.Data[i])))
	}

	return diff, nil
}
