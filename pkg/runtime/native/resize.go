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

package native

import (
	"fmt"
	"math"

	"github.com/MohanadWebsite/image-enhancer/pkg/onnx"
)

func registerResize() {
	register("Resize", handleResize)
	register("Upsample", handleUpsample)
}

type resizeMode struct {
	linear    bool
	transform string
	nearest   string
}

func handleResize(_ *execContext, n *onnx.Node, in []*value) ([]*value, error) {
	if err := wantInputs(n, in, 1); err != nil {
		return nil, err
	}

	x := in[0]
	mode := resizeMode{
		transform: n.AttrString("coordinate_transformation_mode", "half_pixel"),
		nearest:   n.AttrString("nearest_mode", "round_prefer_floor"),
	}
	switch m := n.AttrString("mode", "nearest"); m {
	case "nearest":
	case "linear":
		mode.linear = true
	default:
		return nil, fmt.Errorf("%w: Resize mode %s", ErrUnsupportedOperator, m)
	}

	// Opset 10 has (X, scales); later opsets have (X, roi, scales, sizes).
	var scales, sizes *value
	if len(in) == 2 {
		scales = in[1]
	} else {
		scales, sizes = input(in, 2), input(in, 3)
	}
	if len(in) == 2 {
		mode.transform = "asymmetric"
		mode.nearest = "floor"
	}

	return resize(x, scales, sizes, mode)
}

// handleUpsample covers the pre-opset-10 operator exported by older tools.
func handleUpsample(_ *execContext, n *onnx.Node, in []*value) ([]*value, error) {
	if err := wantInputs(n, in, 1); err != nil {
		return nil, err
	}

	mode := resizeMode{transform: "asymmetric", nearest: "floor"}
	switch m := n.AttrString("mode", "nearest"); m {
	case "nearest":
	case "linear", "bilinear":
		mode.linear = true
	default:
		return nil, fmt.Errorf("%w: Upsample mode %s", ErrUnsupportedOperator, m)
	}

	scales := input(in, 1)
	if scales == nil {
		s := n.AttrFloats("scales")
		scales = floatValue([]int{len(s)}, s)
	}

	return resize(in[0], scales, nil, mode)
}

func resize(x, scales, sizes *value, mode resizeMode) ([]*value, error) {
	if x.rank() != 4 {
		return nil, fmt.Errorf("%w: only NCHW resize is implemented, got %v", ErrUnsupportedOperator, x.shape)
	}

	b, c, h, w := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	var oh, ow int
	var sh, sw float64
	switch {
	case sizes != nil && sizes.size() == 4:
		s := sizes.int64s()
		if int(s[0]) != b || int(s[1]) != c {
			return nil, fmt.Errorf("%w: resizing batch or channel axes", ErrUnsupportedOperator)
		}
		oh, ow = int(s[2]), int(s[3])
		sh, sw = float64(oh)/float64(h), float64(ow)/float64(w)
	case scales != nil && scales.size() == 4:
		s := scales.float32s()
		if s[0] != 1 || s[1] != 1 {
			return nil, fmt.Errorf("%w: resizing batch or channel axes", ErrUnsupportedOperator)
		}
		sh, sw = float64(s[2]), float64(s[3])
		oh, ow = int(math.Floor(float64(h)*sh)), int(math.Floor(float64(w)*sw))
	default:
		return nil, fmt.Errorf("Resize needs four scales or sizes")
	}

	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("Resize output would be empty for %v", x.shape)
	}

	ys, err := axisTaps(h, oh, sh, mode)
	if err != nil {
		return nil, err
	}
	xs, err := axisTaps(w, ow, sw, mode)
	if err != nil {
		return nil, err
	}

	src := x.float32s()
	out := newFloat(b, c, oh, ow)
	for p := 0; p < b*c; p++ {
		plane := src[p*h*w : (p+1)*h*w]
		dst := out.f[p*oh*ow : (p+1)*oh*ow]
		for i, ty := range ys {
			for j, tx := range xs {
				top := plane[ty.lo*w+tx.lo]*(1-tx.frac) + plane[ty.lo*w+tx.hi]*tx.frac
				if ty.frac == 0 {
					dst[i*ow+j] = top
					continue
				}
				bottom := plane[ty.hi*w+tx.lo]*(1-tx.frac) + plane[ty.hi*w+tx.hi]*tx.frac
				dst[i*ow+j] = top*(1-ty.frac) + bottom*ty.frac
			}
		}
	}

	return []*value{out}, nil
}

// tap is the pair of source indices and the weight of hi for one output index.
type tap struct {
	lo, hi int
	frac   float32
}

func axisTaps(in, out int, scale float64, mode resizeMode) ([]tap, error) {
	taps := make([]tap, out)
	for k := range taps {
		var orig float64
		switch mode.transform {
		case "asymmetric":
			orig = float64(k) / scale
		case "half_pixel":
			orig = (float64(k)+0.5)/scale - 0.5
		case "pytorch_half_pixel":
			if out > 1 {
				orig = (float64(k)+0.5)/scale - 0.5
			}
		case "align_corners":
			if out > 1 {
				orig = float64(k) * float64(in-1) / float64(out-1)
			}
		case "tf_half_pixel_for_nn":
			orig = (float64(k) + 0.5) / scale
		default:
			return nil, fmt.Errorf("%w: coordinate transformation %s", ErrUnsupportedOperator, mode.transform)
		}

		if !mode.linear {
			var i int
			switch mode.nearest {
			case "floor":
				i = int(math.Floor(orig))
			case "ceil":
				i = int(math.Ceil(orig))
			case "round_prefer_ceil":
				i = int(math.Floor(orig + 0.5))
			case "round_prefer_floor":
				i = int(math.Ceil(orig - 0.5))
			default:
				return nil, fmt.Errorf("%w: nearest mode %s", ErrUnsupportedOperator, mode.nearest)
			}
			i = min(max(i, 0), in-1)
			taps[k] = tap{lo: i, hi: i}
			continue
		}

		orig = min(max(orig, 0), float64(in-1))
		lo := int(math.Floor(orig))
		taps[k] = tap{lo: lo, hi: min(lo+1, in-1), frac: float32(orig - float64(lo))}
	}

	return taps, nil
}
