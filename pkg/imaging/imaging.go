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

// Package imaging moves pictures in and out of NCHW tensors.
package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/MohanadWebsite/image-enhancer/internal/atomicfile"
	"github.com/MohanadWebsite/image-enhancer/pkg/tensor"
)

var (
	// ErrUnsupportedFormat is returned when an image cannot be encoded in
	// the format named by its extension.
	ErrUnsupportedFormat = errors.New("unsupported image format")

	// ErrTensorLayout is returned for tensors that are not [1, 3, H, W].
	ErrTensorLayout = errors.New("tensor is not a single NCHW image")
)

// Normalize is the value range pixel intensities are mapped to.
type Normalize string

const (
	// UnitRange maps 0..255 to [0, 1].
	UnitRange Normalize = "0-1"

	// SignedRange maps 0..255 to [-1, 1].
	SignedRange Normalize = "-1-1"
)

// ParseNormalize validates a normalization name.
func ParseNormalize(s string) (Normalize, error) {
	switch n := Normalize(s); n {
	case UnitRange, SignedRange:
		return n, nil
	case "":
		return UnitRange, nil
	default:
		return "", fmt.Errorf("unknown normalization %q, want %q or %q", s, UnitRange, SignedRange)
	}
}

func (n Normalize) forward(v uint8) float32 {
	f := float32(v) / 255
	if n == SignedRange {
		return f*2 - 1
	}

	return f
}

func (n Normalize) inverse(v float32) float64 {
	f := float64(v)
	if n == SignedRange {
		f = (f + 1) / 2
	}
	if math.IsNaN(f) {
		return 0
	}

	return min(max(f, 0), 1)
}

// Load decodes the image at path. PNG, JPEG, GIF, BMP, TIFF and WebP are
// recognised by content, not by extension.
func Load(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	return img, nil
}

// Decode reads any registered format and returns an RGBA copy anchored at
// the origin.
func Decode(r io.Reader) (*image.RGBA, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, err
	}

	return ToRGBA(img), nil
}

// ToRGBA converts img to *image.RGBA with bounds starting at (0, 0).
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}

	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

// Resize scales img to width x height with Catmull-Rom interpolation.
func Resize(img image.Image, width, height int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid size %dx%d", width, height)
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst, nil
}

// Crop copies rect out of img into a new image anchored at the origin.
func Crop(img *image.RGBA, rect image.Rectangle) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst
}

// ToTensor lays img out as a [1, 3, H, W] tensor in RGB order. Alpha is
// dropped.
func ToTensor(img *image.RGBA, norm Normalize) *tensor.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h

	t := tensor.New(1, 3, h, w)
	for y := 0; y < h; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
		for x := 0; x < w; x++ {
			px := row[4*x:]
			i := y*w + x
			t.Data[i] = norm.forward(px[0])
			t.Data[plane+i] = norm.forward(px[1])
			t.Data[2*plane+i] = norm.forward(px[2])
		}
	}

	return t
}

// Rounding selects how scaled intensities become bytes.
type Rounding int

const (
	// Truncate drops the fraction, like a float to uint8 cast.
	Truncate Rounding = iota

	// Nearest rounds half away from zero.
	Nearest
)

func (r Rounding) quantize(v float64) uint8 {
	v *= 255
	if r == Nearest {
		v = math.Round(v)
	}

	return uint8(v)
}

// FromTensor turns a [1, C, H, W] tensor back into an opaque image. One
// channel is read as grey. Values are clamped to the normalization range and
// scaled by 255.
func FromTensor(t *tensor.Tensor, norm Normalize, rounding Rounding) (*image.RGBA, error) {
	if t.Rank() != 4 || t.Shape[0] != 1 || (t.Shape[1] != 3 && t.Shape[1] != 1) {
		return nil, fmt.Errorf("%w: shape %v", ErrTensorLayout, t.Shape)
	}

	c, h, w := t.Shape[1], t.Shape[2], t.Shape[3]
	plane := w * h
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			var px color.RGBA
			px.R = rounding.quantize(norm.inverse(t.Data[i]))
			if c == 3 {
				px.G = rounding.quantize(norm.inverse(t.Data[plane+i]))
				px.B = rounding.quantize(norm.inverse(t.Data[2*plane+i]))
			} else {
				px.G, px.B = px.R, px.R
			}
			px.A = 255
			img.SetRGBA(x, y, px)
		}
	}

	return img, nil
}

// Sharpen applies an unsharp mask: each pixel moves away from its box
// blurred neighbourhood of the given radius by amount.
func Sharpen(img *image.RGBA, amount float64, radius int) *image.RGBA {
	if amount == 0 || radius <= 0 {
		return img
	}

	b := img.Bounds()
	blurred := boxBlur(img, radius)
	out := image.NewRGBA(b)
	for i := 0; i < len(img.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			v := float64(img.Pix[i+c])
			v += amount * (v - float64(blurred[i+c]))
			out.Pix[i+c] = uint8(math.Round(min(max(v, 0), 255)))
		}
		out.Pix[i+3] = img.Pix[i+3]
	}

	return out
}

// boxBlur is a separable mean filter with clamped edges.
func boxBlur(img *image.RGBA, radius int) []float32 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	tmp := make([]float32, len(img.Pix))
	out := make([]float32, len(img.Pix))
	n := float32(2*radius + 1)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < 3; c++ {
				var sum float32
				for k := -radius; k <= radius; k++ {
					xx := min(max(x+k, 0), w-1)
					sum += float32(img.Pix[y*img.Stride+4*xx+c])
				}
				tmp[y*img.Stride+4*x+c] = sum / n
			}
		}
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			for c := 0; c < 3; c++ {
				var sum float32
				for k := -radius; k <= radius; k++ {
					yy := min(max(y+k, 0), h-1)
					sum += tmp[yy*img.Stride+4*x+c]
				}
				out[y*img.Stride+4*x+c] = sum / n
			}
		}
	}

	return out
}

// Format names an output encoding.
type Format string

const (
	PNG  Format = "png"
	JPEG Format = "jpeg"
	GIF  Format = "gif"
	BMP  Format = "bmp"
	TIFF Format = "tiff"
)

// FormatFromPath picks the encoding from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return PNG, nil
	case ".jpg", ".jpeg":
		return JPEG, nil
	case ".gif":
		return GIF, nil
	case ".bmp":
		return BMP, nil
	case ".tif", ".tiff":
		return TIFF, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// Ext returns the canonical file extension of the format.
func (f Format) Ext() string {
	if f == JPEG {
		return ".jpg"
	}

	return "." + string(f)
}

// Encode writes img in the given format. quality only applies to JPEG.
func Encode(w io.Writer, img image.Image, format Format, quality int) error {
	switch format {
	case PNG:
		return png.Encode(w, img)
	case JPEG:
		if quality <= 0 {
			quality = jpeg.DefaultQuality
		}
		return jpeg.Encode(w, img, &jpeg.Options{Quality: min(quality, 100)})
	case GIF:
		return gif.Encode(w, img, nil)
	case BMP:
		return bmp.Encode(w, img)
	case TIFF:
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// Save encodes img by the extension of path and writes it atomically.
func Save(path string, img image.Image, quality int) error {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}

	return atomicfile.WriteFile(path, func(w io.Writer) error {
		return Encode(w, img, format, quality)
	})
}
