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

// Package validate runs an exported model once on a real image.
package validate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"

	"github.com/MohanadWebsite/image-enhancer/pkg/imaging"
	"github.com/MohanadWebsite/image-enhancer/pkg/runtime"
	"github.com/MohanadWebsite/image-enhancer/pkg/tensor"
)

// ErrUnexpectedOutputShape is returned when the model output is not a
// batched image. No output file is written in that case.
var ErrUnexpectedOutputShape = errors.New("unexpected output shape")

// Options configures one validation run.
type Options struct {
	Model  string
	Image  string
	Output string

	Backend     runtime.Backend
	LibraryPath string
	Threads     int

	Normalize imaging.Normalize

	// Resize squares the input to Resize x Resize before inference. Zero
	// keeps the decoded size.
	Resize int
}

// Result reports a successful run.
type Result struct {
	Output      string
	InputShape  []int
	OutputShape []int
	Elapsed     time.Duration

	// RSS is the resident set size of the process after the run, zero if it
	// could not be read.
	RSS uint64
}

// Run decodes the image, feeds it to the model's single input, and writes
// the first output as an image. The run is synchronous and timed on its own,
// excluding decoding and encoding.
func Run(ctx context.Context, opts Options) (*Result, error) {
	norm, err := imaging.ParseNormalize(string(opts.Normalize))
	if err != nil {
		return nil, err
	}

	if _, err := imaging.FormatFromPath(opts.Output); err != nil {
		return nil, err
	}

	sess, err := runtime.Open(opts.Model, runtime.Options{
		Backend:     opts.Backend,
		Threads:     opts.Threads,
		LibraryPath: opts.LibraryPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open model %s: %w", opts.Model, err)
	}
	defer sess.Close()

	// The first declared input is fed, as the harness always did.
	inputs := sess.Inputs()
	if len(inputs) == 0 || len(sess.Outputs()) == 0 {
		return nil, fmt.Errorf("model %s declares no inputs or outputs", opts.Model)
	}

	img, err := imaging.Load(opts.Image)
	if err != nil {
		return nil, err
	}

	if opts.Resize > 0 {
		img, err = imaging.Resize(img, opts.Resize, opts.Resize)
		if err != nil {
			return nil, err
		}
	}

	x := imaging.ToTensor(img, norm)
	logrus.Infof("validate: running %s [input: %s %v, backend: %s]", opts.Model, inputs[0].Name, x.Shape, opts.Backend)

	start := time.Now()
	outs, err := sess.Run(ctx, map[string]*tensor.Tensor{inputs[0].Name: x})
	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	elapsed := time.Since(start)

	y := outs[0]
	if y.Rank() != 4 {
		return nil, fmt.Errorf("%w %v", ErrUnexpectedOutputShape, y.Shape)
	}

	out, err := imaging.FromTensor(firstImage(y), norm, imaging.Truncate)
	if err != nil {
		return nil, fmt.Errorf("%w %v: %w", ErrUnexpectedOutputShape, y.Shape, err)
	}

	if err := imaging.Save(opts.Output, out, 0); err != nil {
		return nil, fmt.Errorf("failed to save %s: %w", opts.Output, err)
	}

	res := &Result{
		Output:      opts.Output,
		InputShape:  x.Shape,
		OutputShape: y.Shape,
		Elapsed:     elapsed,
		RSS:         residentMemory(),
	}

	logrus.Infof("validate: saved %s [output: %v, elapsed: %s]", opts.Output, y.Shape, elapsed)
	return res, nil
}

// firstImage drops every batch entry after the first.
func firstImage(t *tensor.Tensor) *tensor.Tensor {
	if t.Shape[0] <= 1 {
		return t
	}

	n := tensor.NumElements(t.Shape[1:])
	return &tensor.Tensor{Shape: append([]int{1}, t.Shape[1:]...), Data: t.Data[:n]}
}

func residentMemory() uint64 {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logrus.Debugf("validate: cannot inspect process: %v", err)
		return 0
	}

	mem, err := p.MemoryInfo()
	if err != nil {
		logrus.Debugf("validate: cannot read memory info: %v", err)
		return 0
	}

	return mem.RSS
}
