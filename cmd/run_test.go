/*
 *     Copyright 2024 The CNAI Authors
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

package cmd

import (
	"context"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MohanadWebsite/image-enhancer/pkg/config"
	"github.com/MohanadWebsite/image-enhancer/pkg/graph"
	"github.com/MohanadWebsite/image-enhancer/pkg/imaging"
	"github.com/MohanadWebsite/image-enhancer/pkg/onnx"
)

// writeRunModel saves a model over an 8x8 image input whose body is built by fn.
func writeRunModel(t *testing.T, dir string, outAxes graph.DynamicAxes, fn func(b *graph.Builder, x graph.Value) graph.Value) string {
	t.Helper()

	b := graph.NewBuilder(graph.DefaultOpset)
	x := b.Input("input", 1, 3, 8, 8)
	y := fn(b, x)
	require.NoError(t, b.Err())

	in, err := graph.Schema("input", x.Shape, graph.ImageAxes())
	require.NoError(t, err)
	out, err := graph.Schema("output", y.Shape, outAxes)
	require.NoError(t, err)
	g, err := b.Finish("test", []graph.TensorSchema{in}, []graph.Value{y}, []graph.TensorSchema{out})
	require.NoError(t, err)

	path := filepath.Join(dir, "model.onnx")
	_, err = onnx.WriteFile(path, &onnx.Model{
		IRVersion:   graph.IRVersion(graph.DefaultOpset),
		OpsetImport: []onnx.OpsetID{{Version: graph.DefaultOpset}},
		Graph:       g,
	})
	require.NoError(t, err)
	return path
}

// useRunConfig swaps the run and root configurations for the test.
func useRunConfig(t *testing.T, cfg *config.Run) {
	t.Helper()

	oldRun, oldCacheDir := runConfig, rootConfig.CacheDir
	t.Cleanup(func() {
		runConfig, rootConfig.CacheDir = oldRun, oldCacheDir
	})
	runConfig, rootConfig.CacheDir = cfg, ""
}

func writeRunImage(t *testing.T, dir string) string {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 90, G: 60, B: 30, A: 255})
		}
	}

	path := filepath.Join(dir, "in.png")
	require.NoError(t, imaging.Save(path, img, 0))
	return path
}

func TestRunRun(t *testing.T) {
	tests := []struct {
		name     string
		outAxes  graph.DynamicAxes
		body     func(b *graph.Builder, x graph.Value) graph.Value
		expectFn func(t *testing.T, output string)
	}{
		{
			name:    "image output is saved",
			outAxes: graph.ImageAxes(),
			body: func(b *graph.Builder, x graph.Value) graph.Value {
				return b.Resize(x, 2, "nearest")
			},
			expectFn: func(t *testing.T, output string) {
				img, err := imaging.Load(output)
				require.NoError(t, err)
				assert.Equal(t, image.Rect(0, 0, 16, 16), img.Bounds())
			},
		},
		{
			name:    "non-image output completes without writing",
			outAxes: graph.BatchAxes(),
			body: func(b *graph.Builder, x graph.Value) graph.Value {
				return b.Reshape(x, 0, 3, -1)
			},
			expectFn: func(t *testing.T, output string) {
				assert.NoFileExists(t, output)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			cfg := config.NewRun()
			cfg.Model = writeRunModel(t, dir, tt.outAxes, tt.body)
			cfg.Image = writeRunImage(t, dir)
			cfg.Output = filepath.Join(dir, "out.png")
			cfg.Threads = 1
			require.NoError(t, cfg.Validate())
			useRunConfig(t, cfg)

			require.NoError(t, runRun(context.Background()))
			tt.expectFn(t, cfg.Output)
		})
	}
}
