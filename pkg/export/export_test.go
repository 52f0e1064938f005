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

package export

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MohanadWebsite/image-enhancer/pkg/arch"
	"github.com/MohanadWebsite/image-enhancer/pkg/checkpoint"
	"github.com/MohanadWebsite/image-enhancer/pkg/graph"
	"github.com/MohanadWebsite/image-enhancer/pkg/onnx"
	"github.com/MohanadWebsite/image-enhancer/pkg/runtime"
	"github.com/MohanadWebsite/image-enhancer/pkg/tensor"
)

func tinyModel(t *testing.T, name string, opts arch.Options) *arch.Model {
	t.Helper()

	a, err := arch.Lookup(name, opts)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	c := checkpoint.NewContainer()
	for _, spec := range a.Parameters() {
		v := tensor.New(spec.Shape...)
		for i := range v.Data {
			v.Data[i] = (rng.Float32() - 0.5) * 0.4
		}
		c.Set(spec.Name, v)
	}

	wrapped := checkpoint.NewContainer()
	wrapped.Set("params_ema", c)

	ps, report, err := checkpoint.Load(wrapped, a, checkpoint.LoadOptions{Strict: true})
	require.NoError(t, err)
	return &arch.Model{Arch: a, Params: ps, Report: report}
}

func schemaParams(s graph.TensorSchema) []string {
	out := make([]string, len(s.Dims))
	for i, d := range s.Dims {
		out[i] = d.Param
	}

	return out
}

func TestExport_RoundTrip(t *testing.T) {
	m := tinyModel(t, arch.SRVGGName, arch.Options{NumFeat: 4, NumConv: 2, Scale: 2})
	path := filepath.Join(t.TempDir(), "srvgg.onnx")

	res, err := Export(context.Background(), m, path, Options{Size: 8, Verify: true, Threads: 2})
	require.NoError(t, err)
	assert.Equal(t, []int{8, 16}, res.Verified)
	assert.LessOrEqual(t, res.MaxDiff, DefaultTolerance)
	assert.Equal(t, int64(graph.DefaultOpset), res.Opset)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), res.Bytes)

	model, err := onnx.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(graph.DefaultOpset), model.Opset())
	assert.Equal(t, "input", model.Graph.Inputs[0].Name)
	assert.Equal(t, "output", model.Graph.Outputs[0].Name)
	assert.Contains(t, model.MetadataProps, onnx.StringEntry{Key: "weights_layout", Value: "params_ema"})
}

func TestExport_DynamicAxes(t *testing.T) {
	tests := []struct {
		name       string
		arch       string
		opts       arch.Options
		size       int
		wantParams []string
	}{
		{
			name:       "rrdbnet",
			arch:       arch.RRDBNetName,
			opts:       arch.Options{NumFeat: 4, NumBlock: 1, NumGrowCh: 2},
			size:       8,
			wantParams: []string{"batch", "", "h", "w"},
		},
		{
			name:       "gfpgan",
			arch:       arch.GFPGANName,
			opts:       arch.Options{OutSize: 16, NumStyleFeat: 8, Narrow: 1.0 / 64},
			size:       16,
			wantParams: []string{"batch", "", "", ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := tinyModel(t, tt.arch, tt.opts)
			path := filepath.Join(t.TempDir(), "model.onnx")

			res, err := Export(context.Background(), m, path, Options{Size: tt.size, Opset: 13})
			require.NoError(t, err)
			assert.Equal(t, tt.wantParams, schemaParams(res.Input))
			assert.Equal(t, tt.wantParams, schemaParams(res.Output))
			assert.Equal(t, int64(3), res.Input.Dims[1].Size)
		})
	}
}

func TestExport_ServesSeveralSizes(t *testing.T) {
	m := tinyModel(t, arch.RRDBNetName, arch.Options{Scale: 2, NumFeat: 4, NumBlock: 1, NumGrowCh: 2})
	path := filepath.Join(t.TempDir(), "rrdbnet.onnx")

	_, err := Export(context.Background(), m, path, Options{Size: 8})
	require.NoError(t, err)

	sess, err := runtime.Open(path, runtime.Options{})
	require.NoError(t, err)
	defer sess.Close()

	for _, size := range []int{6, 10} {
		input := probe(size)
		out, err := sess.Run(context.Background(), map[string]*tensor.Tensor{"input": input})
		require.NoError(t, err)
		assert.Equal(t, []int{1, 3, 2 * size, 2 * size}, out[0].Shape)

		want, err := m.Forward(context.Background(), input, 1)
		require.NoError(t, err)
		assert.InDeltaSlice(t, want.Data, out[0].Data, 1e-5)
	}
}

func TestExport_FailureLeavesNoArtifact(t *testing.T) {
	tests := []struct {
		name    string
		arch    string
		opts    arch.Options
		export  Options
		wantErr error
	}{
		{
			name:    "opset without Resize",
			arch:    arch.SRVGGName,
			opts:    arch.Options{NumFeat: 2, NumConv: 1},
			export:  Options{Size: 8, Opset: 9},
			wantErr: graph.ErrUnsupportedOp,
		},
		{
			name:    "opset beyond range",
			arch:    arch.SRVGGName,
			opts:    arch.Options{NumFeat: 2, NumConv: 1},
			export:  Options{Size: 8, Opset: graph.MaxOpset + 1},
			wantErr: graph.ErrUnsupportedOp,
		},
		{
			name:    "size the architecture cannot trace",
			arch:    arch.GFPGANName,
			opts:    arch.Options{OutSize: 16, NumStyleFeat: 8, Narrow: 1.0 / 64},
			export:  Options{Size: 32},
			wantErr: arch.ErrInputSize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := tinyModel(t, tt.arch, tt.opts)
			dir := t.TempDir()
			path := filepath.Join(dir, "model.onnx")

			_, err := Export(context.Background(), m, path, tt.export)
			assert.ErrorIs(t, err, ErrExport)
			assert.ErrorIs(t, err, tt.wantErr)

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestExport_InvalidOptions(t *testing.T) {
	m := tinyModel(t, arch.SRVGGName, arch.Options{NumFeat: 2, NumConv: 1})
	dir := t.TempDir()

	_, err := Export(context.Background(), m, filepath.Join(dir, "a.onnx"), Options{})
	assert.ErrorIs(t, err, ErrExport)

	_, err = Export(context.Background(), m, filepath.Join(dir, "b.onnx"), Options{Size: 8, InputName: "x", OutputName: "x"})
	assert.ErrorIs(t, err, ErrExport)
}

func TestVerifySizes(t *testing.T) {
	tests := []struct {
		name   string
		arch   string
		opts   arch.Options
		traced int
		want   []int
	}{
		{name: "srvgg traced size first", arch: arch.SRVGGName, opts: arch.Options{NumFeat: 4, NumConv: 1, Scale: 2}, traced: 8, want: []int{8, 16}},
		{name: "srvgg second size differs", arch: arch.SRVGGName, opts: arch.Options{NumFeat: 4, NumConv: 1, Scale: 2}, traced: 16, want: []int{16, 24}},
		{name: "srvgg large size capped", arch: arch.SRVGGName, opts: arch.Options{NumFeat: 4, NumConv: 1, Scale: 2}, traced: 128, want: []int{64, 16}},
		{name: "rrdbnet x2 keeps divisible sizes", arch: arch.RRDBNetName, opts: arch.Options{Scale: 2}, traced: 10, want: []int{10, 16}},
		{name: "rrdbnet x1 capped to a multiple of 4", arch: arch.RRDBNetName, opts: arch.Options{Scale: 1}, traced: 100, want: []int{64, 16}},
		{name: "gfpgan fixed size", arch: arch.GFPGANName, traced: 512, want: []int{512}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := arch.Lookup(tt.arch, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, verifySizes(a, tt.traced))
		})
	}
}
