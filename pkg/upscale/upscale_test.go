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

package upscale

import (
	"context"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MohanadWebsite/image-enhancer/pkg/graph"
	"github.com/MohanadWebsite/image-enhancer/pkg/imaging"
	"github.com/MohanadWebsite/image-enhancer/pkg/onnx"
	"github.com/MohanadWebsite/image-enhancer/pkg/runtime"
)

func session(t *testing.T, size int64, inAxes, outAxes graph.DynamicAxes, fn func(b *graph.Builder, x graph.Value) graph.Value) runtime.Session {
	t.Helper()

	b := graph.NewBuilder(graph.DefaultOpset)
	x := b.Input("input", 1, 3, size, size)
	y := fn(b, x)
	require.NoError(t, b.Err())

	in, err := graph.Schema("input", x.Shape, inAxes)
	require.NoError(t, err)
	out, err := graph.Schema("output", y.Shape, outAxes)
	require.NoError(t, err)

	g, err := b.Finish("test", []graph.TensorSchema{in}, []graph.Value{y}, []graph.TensorSchema{out})
	require.NoError(t, err)

	s, err := runtime.New(&onnx.Model{
		IRVersion:   graph.IRVersion(graph.DefaultOpset),
		OpsetImport: []onnx.OpsetID{{Version: graph.DefaultOpset}},
		Graph:       g,
	}, runtime.Options{Threads: 1})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func nearest2(t *testing.T) runtime.Session {
	return session(t, 4, graph.ImageAxes(), graph.ImageAxes(), func(b *graph.Builder, x graph.Value) graph.Value {
		return b.Resize(x, 2, "nearest")
	})
}

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(20 * x), G: uint8(30 * y), B: uint8(7*x + 11*y), A: 255})
		}
	}

	return img
}

func nearestUpscale(img *image.RGBA, s int) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx()*s, b.Dy()*s))
	for y := 0; y < b.Dy()*s; y++ {
		for x := 0; x < b.Dx()*s; x++ {
			out.SetRGBA(x, y, img.RGBAAt(x/s, y/s))
		}
	}

	return out
}

func options(tile, overlap int) Options {
	opts := DefaultOptions()
	opts.TileSize = tile
	opts.Overlap = overlap
	opts.Sharpen = 0
	return opts
}

type recorder struct {
	added      map[string]int64
	increments map[string]int
	completed  map[string]string
	aborted    map[string]string
}

func newRecorder() *recorder {
	return &recorder{
		added:      map[string]int64{},
		increments: map[string]int{},
		completed:  map[string]string{},
		aborted:    map[string]string{},
	}
}

func (r *recorder) Add(_, name string, total int64) { r.added[name] = total }
func (r *recorder) Increment(name string)           { r.increments[name]++ }
func (r *recorder) Complete(name, msg string)       { r.completed[name] = msg }
func (r *recorder) Abort(name, msg string)          { r.aborted[name] = msg }

func TestTiles(t *testing.T) {
	tiles, err := Tiles(10, 7, 4, 1)
	require.NoError(t, err)
	require.Len(t, tiles, 12)
	assert.Equal(t, image.Rect(0, 0, 4, 4), tiles[0])
	assert.Equal(t, image.Rect(3, 0, 7, 4), tiles[1])
	assert.Equal(t, image.Rect(9, 0, 10, 4), tiles[3])
	assert.Equal(t, image.Rect(9, 6, 10, 7), tiles[11])

	covered := image.NewAlpha(image.Rect(0, 0, 10, 7))
	for _, r := range tiles {
		assert.True(t, r.In(covered.Bounds()), "%v", r)
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				covered.SetAlpha(x, y, color.Alpha{A: 255})
			}
		}
	}
	for _, a := range covered.Pix {
		assert.Equal(t, uint8(255), a)
	}

	tiles, err = Tiles(3, 3, 512, 16)
	require.NoError(t, err)
	assert.Equal(t, []image.Rectangle{image.Rect(0, 0, 3, 3)}, tiles)

	_, err = Tiles(10, 10, 4, 4)
	assert.Error(t, err)
	_, err = Tiles(0, 10, 4, 1)
	assert.Error(t, err)
}

func TestEdgeWeight(t *testing.T) {
	assert.Equal(t, 1.0, edgeWeight(0, 10, 0))
	assert.Equal(t, 0.5, edgeWeight(0, 10, 4))
	assert.Equal(t, 0.5, edgeWeight(9, 10, 4))
	assert.Equal(t, 0.75, edgeWeight(2, 10, 4))
	assert.Equal(t, 1.0, edgeWeight(4, 10, 4))
	assert.Equal(t, 1.0, edgeWeight(5, 10, 4))
}

func TestMerger_IdenticalTilesReproduceSource(t *testing.T) {
	src := gradient(10, 7)
	tiles, err := Tiles(10, 7, 4, 2)
	require.NoError(t, err)

	m := NewMerger(10, 7, 1, 2)
	for _, r := range tiles {
		require.NoError(t, m.Add(r, imaging.Crop(src, r)))
	}
	assert.Equal(t, src.Pix, m.Image().Pix)

	err = m.Add(image.Rect(0, 0, 4, 4), image.NewRGBA(image.Rect(0, 0, 3, 3)))
	assert.Error(t, err)
}

func TestPipeline_MatchesWholeImageUpscale(t *testing.T) {
	src := gradient(10, 6)
	rec := newRecorder()

	p, err := New(nearest2(t), nil, options(4, 1), rec)
	require.NoError(t, err)

	out, err := p.Enhance(context.Background(), "gradient", src)
	require.NoError(t, err)
	assert.Equal(t, nearestUpscale(src, 2).Pix, out.Pix)
	assert.Equal(t, int64(8), rec.added["gradient"])
	assert.Equal(t, 8, rec.increments["gradient"])
}

func TestPipeline_ScaleMismatch(t *testing.T) {
	opts := options(4, 1)
	opts.Scale = 4

	rec := newRecorder()
	p, err := New(nearest2(t), nil, opts, rec)
	require.NoError(t, err)

	_, err = p.Enhance(context.Background(), "gradient", gradient(5, 5))
	assert.ErrorIs(t, err, ErrScale)
	assert.Contains(t, rec.aborted, "gradient")
}

func TestPipeline_FaceRestoration(t *testing.T) {
	invert := session(t, 8, graph.BatchAxes(), graph.BatchAxes(), func(b *graph.Builder, x graph.Value) graph.Value {
		return b.Scale(x, -1)
	})

	src := gradient(4, 4)
	p, err := New(nearest2(t), invert, options(4, 1), nil)
	require.NoError(t, err)

	out, err := p.Enhance(context.Background(), "face", src)
	require.NoError(t, err)

	want := nearestUpscale(src, 2)
	for i := 0; i < len(want.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			assert.Equal(t, 255-want.Pix[i+c], out.Pix[i+c], "byte %d", i+c)
		}
	}
}

func TestPipeline_FailedFaceRestorationKeepsUpscale(t *testing.T) {
	broken := session(t, 8, graph.BatchAxes(), graph.BatchAxes(), func(b *graph.Builder, x graph.Value) graph.Value {
		return b.Reshape(x, 0, 3, -1)
	})

	src := gradient(4, 4)
	p, err := New(nearest2(t), broken, options(4, 1), nil)
	require.NoError(t, err)

	out, err := p.Enhance(context.Background(), "face", src)
	require.NoError(t, err)
	assert.Equal(t, nearestUpscale(src, 2).Pix, out.Pix)
}

func TestPipeline_Process(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "photo.png")
	require.NoError(t, imaging.Save(input, gradient(6, 5), 0))

	rec := newRecorder()
	opts := options(4, 1)
	opts.Format = imaging.JPEG
	p, err := New(nearest2(t), nil, opts, rec)
	require.NoError(t, err)

	path, err := p.Process(context.Background(), input, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "photo_enhanced.jpg"), path)

	out, err := imaging.Load(path)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 12, 10), out.Bounds())
	assert.Contains(t, rec.completed["photo.png"], "saved")

	_, err = p.Process(context.Background(), filepath.Join(dir, "missing.png"), dir)
	assert.Error(t, err)
	assert.Contains(t, rec.aborted, "missing.png")
}

func TestNew_Validation(t *testing.T) {
	s := nearest2(t)

	_, err := New(nil, nil, DefaultOptions(), nil)
	assert.Error(t, err)

	_, err = New(s, nil, options(4, 4), nil)
	assert.Error(t, err)

	opts := DefaultOptions()
	opts.Normalize = "0-255"
	_, err = New(s, nil, opts, nil)
	assert.Error(t, err)

	opts = DefaultOptions()
	opts.Scale = -2
	_, err = New(s, nil, opts, nil)
	assert.Error(t, err)
}
