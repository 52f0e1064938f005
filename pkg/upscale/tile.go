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
	"fmt"
	"image"
	"math"
)

// Tiles covers a width x height image with tiles of at most size pixels a
// side, stepping size-overlap so that neighbours share overlap pixels. Tiles
// on the right and bottom edges are clipped to the image.
func Tiles(width, height, size, overlap int) ([]image.Rectangle, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid image size %dx%d", width, height)
	}
	if size <= 0 || overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("tile size %d must exceed overlap %d", size, overlap)
	}

	step := size - overlap
	var tiles []image.Rectangle
	for y := 0; y < height; y += step {
		for x := 0; x < width; x += step {
			tiles = append(tiles, image.Rect(x, y, min(x+size, width), min(y+size, height)))
		}
	}

	return tiles, nil
}

// edgeWeight falls linearly from 1 in the tile interior to 0.5 on the tile
// border over overlap pixels.
func edgeWeight(i, n, overlap int) float64 {
	if overlap <= 0 {
		return 1
	}

	e := 1 - float64(min(i, n-1-i))/float64(overlap)
	return 1 - 0.5*min(max(e, 0), 1)
}

// Merger blends upscaled tiles into one image, weighting each tile pixel by
// its distance to the tile border so seams fade out.
type Merger struct {
	width, height int
	scale         int
	overlap       int

	acc    []float64
	weight []float64
}

// NewMerger prepares an output of (width*scale) x (height*scale) for tiles
// cut from a width x height source with the given overlap.
func NewMerger(width, height, scale, overlap int) *Merger {
	w, h := width*scale, height*scale
	return &Merger{
		width:   w,
		height:  h,
		scale:   scale,
		overlap: overlap * scale,
		acc:     make([]float64, 3*w*h),
		weight:  make([]float64, w*h),
	}
}

// Add accumulates the upscaled image of the source tile at rect.
func (m *Merger) Add(rect image.Rectangle, img *image.RGBA) error {
	tw, th := img.Bounds().Dx(), img.Bounds().Dy()
	if tw != rect.Dx()*m.scale || th != rect.Dy()*m.scale {
		return fmt.Errorf("tile %v upscaled to %dx%d, expected x%d", rect, tw, th, m.scale)
	}

	ox, oy := rect.Min.X*m.scale, rect.Min.Y*m.scale
	for yy := 0; yy < th; yy++ {
		wy := edgeWeight(yy, th, m.overlap)
		for xx := 0; xx < tw; xx++ {
			w := edgeWeight(xx, tw, m.overlap) * wy
			src := img.PixOffset(img.Rect.Min.X+xx, img.Rect.Min.Y+yy)
			dst := (oy+yy)*m.width + ox + xx
			for c := 0; c < 3; c++ {
				m.acc[3*dst+c] += float64(img.Pix[src+c]) * w
			}
			m.weight[dst] += w
		}
	}

	return nil
}

// Image resolves the weighted average. Pixels no tile covered stay black.
func (m *Merger) Image() *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, m.width, m.height))
	for i, w := range m.weight {
		if w == 0 {
			w = 1
		}
		for c := 0; c < 3; c++ {
			out.Pix[4*i+c] = uint8(math.Round(m.acc[3*i+c] / w))
		}
		out.Pix[4*i+3] = 255
	}

	return out
}
