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

// Package upscale enhances whole images of any size with a super-resolution
// model by processing them in overlapping tiles, with optional face
// restoration and sharpening.
package upscale

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	humanize "github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	internalpb "github.com/MohanadWebsite/image-enhancer/internal/pb"
	"github.com/MohanadWebsite/image-enhancer/pkg/imaging"
	"github.com/MohanadWebsite/image-enhancer/pkg/onnx"
	"github.com/MohanadWebsite/image-enhancer/pkg/runtime"
	"github.com/MohanadWebsite/image-enhancer/pkg/tensor"
)

const (
	DefaultTileSize = 512
	DefaultOverlap  = 16
	DefaultSharpen  = 0.5
	DefaultQuality  = 92
)

// ErrScale is returned when a tile does not come back an integer multiple of
// its size, or comes back at a scale other than the configured one.
var ErrScale = errors.New("inconsistent upscaling factor")

// Options configures a Pipeline.
type Options struct {
	TileSize int
	Overlap  int

	// Scale is the expected upscaling factor. Zero infers it from the
	// first tile.
	Scale int

	Normalize imaging.Normalize

	Sharpen       float64
	SharpenRadius int

	Format  imaging.Format
	Quality int
}

// DefaultOptions mirrors the browser worker's defaults.
func DefaultOptions() Options {
	return Options{
		TileSize:      DefaultTileSize,
		Overlap:       DefaultOverlap,
		Normalize:     imaging.UnitRange,
		Sharpen:       DefaultSharpen,
		SharpenRadius: 1,
		Format:        imaging.PNG,
		Quality:       DefaultQuality,
	}
}

// Progress receives per-image tile progress. *pb.ProgressBar implements it.
type Progress interface {
	Add(prompt, name string, total int64)
	Increment(name string)
	Complete(name, msg string)
	Abort(name, msg string)
}

type noProgress struct{}

func (noProgress) Add(string, string, int64) {}
func (noProgress) Increment(string)          {}
func (noProgress) Complete(string, string)   {}
func (noProgress) Abort(string, string)      {}

// Pipeline runs images through an upscaler session and, when set, a face
// restoration session. It does not own the sessions.
type Pipeline struct {
	upscaler runtime.Session
	face     runtime.Session
	opts     Options
	progress Progress
}

// New validates the options and the sessions' single input/output layout.
// face and progress may be nil.
func New(upscaler, face runtime.Session, opts Options, progress Progress) (*Pipeline, error) {
	if upscaler == nil {
		return nil, errors.New("an upscaling session is required")
	}
	if _, _, err := runtime.Single(upscaler); err != nil {
		return nil, fmt.Errorf("upscaler: %w", err)
	}
	if face != nil {
		if _, _, err := runtime.Single(face); err != nil {
			return nil, fmt.Errorf("face model: %w", err)
		}
	}

	if opts.TileSize <= opts.Overlap || opts.Overlap < 0 {
		return nil, fmt.Errorf("tile size %d must exceed overlap %d", opts.TileSize, opts.Overlap)
	}
	if opts.Scale < 0 {
		return nil, fmt.Errorf("invalid scale %d", opts.Scale)
	}
	if _, err := imaging.ParseNormalize(string(opts.Normalize)); err != nil {
		return nil, err
	}
	if progress == nil {
		progress = noProgress{}
	}

	return &Pipeline{upscaler: upscaler, face: face, opts: opts, progress: progress}, nil
}

// Enhance upscales img tile by tile and post-processes the merged result.
// name labels the progress bar.
func (p *Pipeline) Enhance(ctx context.Context, name string, img *image.RGBA) (*image.RGBA, error) {
	b := img.Bounds()
	tiles, err := Tiles(b.Dx(), b.Dy(), p.opts.TileSize, p.opts.Overlap)
	if err != nil {
		return nil, err
	}

	p.progress.Add(internalpb.NormalizePrompt("Upscaling"), name, int64(len(tiles)))
	logrus.Infof("upscale: processing %s [size: %dx%d, tiles: %d]", name, b.Dx(), b.Dy(), len(tiles))

	in, _, _ := runtime.Single(p.upscaler)
	scale := p.opts.Scale
	var merger *Merger
	for i, rect := range tiles {
		out, err := p.run(ctx, p.upscaler, in.Name, imaging.Crop(img, rect), p.opts.Normalize)
		if err != nil {
			p.progress.Abort(name, fmt.Sprintf("failed %s", name))
			return nil, fmt.Errorf("tile %d/%d %v: %w", i+1, len(tiles), rect, err)
		}

		s, err := tileScale(rect, out)
		if err != nil || (scale != 0 && s != scale) {
			p.progress.Abort(name, fmt.Sprintf("failed %s", name))
			if err == nil {
				err = fmt.Errorf("%w: tile %v came back x%d, expected x%d", ErrScale, rect, s, scale)
			}
			return nil, err
		}

		if merger == nil {
			scale = s
			merger = NewMerger(b.Dx(), b.Dy(), scale, p.opts.Overlap)
			logrus.Debugf("upscale: scale x%d", scale)
		}
		if err := merger.Add(rect, out); err != nil {
			return nil, err
		}
		p.progress.Increment(name)
	}

	result := merger.Image()
	if p.face != nil {
		restored, err := p.restoreFaces(ctx, result)
		if err != nil {
			// A failed restoration keeps the upscaled image.
			logrus.Warnf("upscale: face restoration failed for %s: %v", name, err)
		} else {
			result = restored
		}
	}

	return imaging.Sharpen(result, p.opts.Sharpen, p.opts.SharpenRadius), nil
}

// run feeds one image through a session.
func (p *Pipeline) run(ctx context.Context, sess runtime.Session, input string, img *image.RGBA, norm imaging.Normalize) (*image.RGBA, error) {
	outs, err := sess.Run(ctx, map[string]*tensor.Tensor{input: imaging.ToTensor(img, norm)})
	if err != nil {
		return nil, err
	}

	return imaging.FromTensor(outs[0], norm, imaging.Nearest)
}

func tileScale(rect image.Rectangle, out *image.RGBA) (int, error) {
	ow, oh := out.Bounds().Dx(), out.Bounds().Dy()
	s := oh / rect.Dy()
	if s < 1 || oh != s*rect.Dy() || ow != s*rect.Dx() {
		return 0, fmt.Errorf("%w: tile %dx%d came back %dx%d", ErrScale, rect.Dx(), rect.Dy(), ow, oh)
	}

	return s, nil
}

// restoreFaces runs the face model at its fixed input size with [-1, 1]
// normalization and resizes the result back.
func (p *Pipeline) restoreFaces(ctx context.Context, img *image.RGBA) (*image.RGBA, error) {
	in, _, _ := runtime.Single(p.face)
	w, h := img.Bounds().Dx(), img.Bounds().Dy()

	src := img
	if fw, fh, ok := fixedSize(in); ok && (fw != w || fh != h) {
		var err error
		src, err = imaging.Resize(img, fw, fh)
		if err != nil {
			return nil, err
		}
	}

	out, err := p.run(ctx, p.face, in.Name, src, imaging.SignedRange)
	if err != nil {
		return nil, err
	}

	if out.Bounds().Dx() == w && out.Bounds().Dy() == h {
		return out, nil
	}

	return imaging.Resize(out, w, h)
}

// fixedSize reports the spatial size of an NCHW input whose height and width
// are not dynamic.
func fixedSize(in *onnx.ValueInfo) (int, int, bool) {
	if len(in.Dims) != 4 {
		return 0, 0, false
	}

	h, w := in.Dims[2], in.Dims[3]
	if h.IsParam() || w.IsParam() || h.Value <= 0 || w.Value <= 0 {
		return 0, 0, false
	}

	return int(w.Value), int(h.Value), true
}

// Process enhances the image at input and writes it into outputDir as
// <name>_enhanced.<format>. It returns the written path.
func (p *Pipeline) Process(ctx context.Context, input, outputDir string) (string, error) {
	name := filepath.Base(input)
	img, err := imaging.Load(input)
	if err != nil {
		p.progress.Add(internalpb.NormalizePrompt("Upscaling"), name, 1)
		p.progress.Abort(name, fmt.Sprintf("failed %s", name))
		return "", err
	}

	out, err := p.Enhance(ctx, name, img)
	if err != nil {
		return "", err
	}

	format := p.opts.Format
	if format == "" {
		format = imaging.PNG
	}
	path := filepath.Join(outputDir, strings.TrimSuffix(name, filepath.Ext(name))+"_enhanced"+format.Ext())
	if err := imaging.Save(path, out, p.opts.Quality); err != nil {
		p.progress.Abort(name, fmt.Sprintf("failed %s", name))
		return "", err
	}

	msg := fmt.Sprintf("saved %s", path)
	if info, err := os.Stat(path); err == nil {
		msg = fmt.Sprintf("saved %s (%s)", path, humanize.IBytes(uint64(info.Size())))
	}
	p.progress.Complete(name, msg)

	logrus.Infof("upscale: wrote %s [size: %dx%d]", path, out.Bounds().Dx(), out.Bounds().Dy())
	return path, nil
}
