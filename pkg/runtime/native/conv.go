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

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/MohanadWebsite/image-enhancer/pkg/onnx"
)

// convChunk is the number of output pixels lowered by one im2col task.
const convChunk = 4096

func registerConv() {
	register("Conv", handleConv)
}

type convParams struct {
	kh, kw              int
	strideH, strideW    int
	dilH, dilW          int
	padTop, padLeft     int
	padBottom, padRight int
	group               int
}

func convAttrs(n *onnx.Node, w *value) (convParams, error) {
	p := convParams{
		kh: w.shape[2], kw: w.shape[3],
		strideH: 1, strideW: 1,
		dilH: 1, dilW: 1,
		group: int(n.AttrInt("group", 1)),
	}

	if pad := n.AttrString("auto_pad", "NOTSET"); pad != "NOTSET" && pad != "VALID" {
		return p, fmt.Errorf("%w: Conv auto_pad %s", ErrUnsupportedOperator, pad)
	}

	if ks := n.AttrInts("kernel_shape"); len(ks) == 2 && (int(ks[0]) != p.kh || int(ks[1]) != p.kw) {
		return p, fmt.Errorf("Conv kernel_shape %v does not match weight %v", ks, w.shape)
	}
	if s := n.AttrInts("strides"); len(s) == 2 {
		p.strideH, p.strideW = int(s[0]), int(s[1])
	}
	if d := n.AttrInts("dilations"); len(d) == 2 {
		p.dilH, p.dilW = int(d[0]), int(d[1])
	}
	if pads := n.AttrInts("pads"); len(pads) == 4 {
		p.padTop, p.padLeft, p.padBottom, p.padRight = int(pads[0]), int(pads[1]), int(pads[2]), int(pads[3])
	}

	if p.group < 1 || p.strideH < 1 || p.strideW < 1 || p.dilH < 1 || p.dilW < 1 {
		return p, fmt.Errorf("Conv has invalid attributes")
	}
	return p, nil
}

// handleConv lowers each group of each image to a GEMM over im2col columns.
// Column chunks are independent and run on up to ec.threads goroutines.
func handleConv(ec *execContext, n *onnx.Node, in []*value) ([]*value, error) {
	if err := wantInputs(n, in, 2); err != nil {
		return nil, err
	}

	x, w, bias := in[0], in[1], input(in, 2)
	if x.rank() != 4 || w.rank() != 4 {
		return nil, fmt.Errorf("%w: only 2-D Conv is implemented, got %v and %v", ErrUnsupportedOperator, x.shape, w.shape)
	}

	p, err := convAttrs(n, w)
	if err != nil {
		return nil, err
	}

	batch, channels, height, width := x.shape[0], x.shape[1], x.shape[2], x.shape[3]
	filters := w.shape[0]
	if channels != w.shape[1]*p.group || filters%p.group != 0 {
		return nil, fmt.Errorf("Conv input %v does not match weight %v with group %d", x.shape, w.shape, p.group)
	}
	if bias != nil && bias.size() != filters {
		return nil, fmt.Errorf("Conv bias %v does not match %d filters", bias.shape, filters)
	}

	oh := (height+p.padTop+p.padBottom-p.dilH*(p.kh-1)-1)/p.strideH + 1
	ow := (width+p.padLeft+p.padRight-p.dilW*(p.kw-1)-1)/p.strideW + 1
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("Conv output would be empty for input %v", x.shape)
	}

	out := newFloat(batch, filters, oh, ow)
	cg, fg := channels/p.group, filters/p.group
	k := cg * p.kh * p.kw
	pixels := oh * ow
	xf, wf := x.float32s(), w.float32s()

	if bias != nil {
		bf := bias.float32s()
		for b := 0; b < batch; b++ {
			for f := 0; f < filters; f++ {
				plane := out.f[(b*filters+f)*pixels : (b*filters+f+1)*pixels]
				for j := range plane {
					plane[j] = bf[f]
				}
			}
		}
	}

	g, ctx := errgroup.WithContext(ec.ctx)
	g.SetLimit(ec.threads)
	for b := 0; b < batch; b++ {
		for grp := 0; grp < p.group; grp++ {
			for start := 0; start < pixels; start += convChunk {
				end := min(start+convChunk, pixels)
				g.Go(func() error {
					if err := ctx.Err(); err != nil {
						return err
					}

					cols := im2col(xf[(b*channels+grp*cg)*height*width:], cg, height, width, ow, start, end, p)
					base := (b*filters + grp*fg) * pixels
					c := blas32.General{Rows: fg, Cols: end - start, Stride: pixels, Data: out.f[base+start : base+fg*pixels]}
					a := blas32.General{Rows: fg, Cols: k, Stride: k, Data: wf[grp*fg*k : (grp+1)*fg*k]}
					gemm(false, false, 1, a, blas32.General{Rows: k, Cols: end - start, Stride: end - start, Data: cols}, c)
					return nil
				})
			}
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return []*value{out}, nil
}

// im2col lowers output pixels [start, end) of one channel group into a
// (cg*kh*kw) x (end-start) matrix.
func im2col(x []float32, cg, height, width, ow, start, end int, p convParams) []float32 {
	n := end - start
	cols := make([]float32, cg*p.kh*p.kw*n)
	row := 0
	for c := 0; c < cg; c++ {
		plane := x[c*height*width : (c+1)*height*width]
		for i := 0; i < p.kh; i++ {
			for j := 0; j < p.kw; j++ {
				dst := cols[row*n : (row+1)*n]
				for q := start; q < end; q++ {
					y := (q/ow)*p.strideH - p.padTop + i*p.dilH
					xx := (q%ow)*p.strideW - p.padLeft + j*p.dilW
					if y >= 0 && y < height && xx >= 0 && xx < width {
						dst[q-start] = plane[y*width+xx]
					}
				}
				row++
			}
		}
	}
	return cols
}
