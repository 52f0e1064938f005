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

package arch

import (
	"fmt"

	"github.com/MohanadWebsite/image-enhancer/pkg/checkpoint"
	"github.com/MohanadWebsite/image-enhancer/pkg/graph"
)

// SRVGGName is the registry name of SRVGGNetCompact.
const SRVGGName = "srvgg"

// SRVGGNetCompact is the compact VGG-style network of the realesr-general
// and realesr-animevideo models. The body works at input resolution, a
// pixel shuffle upsamples the result, and a nearest-upsampled copy of the
// input is added as the base.
//
// Checkpoints store the layers as one sequential list named body.N.
type SRVGGNetCompact struct {
	inCh, outCh int
	numFeat     int
	numConv     int
	scale       int
	act         string
}

// NewSRVGG returns an SRVGGNetCompact. Defaults are the realesr-general-x4v3
// configuration.
func NewSRVGG(opts Options) (*SRVGGNetCompact, error) {
	n := &SRVGGNetCompact{
		inCh:    orDefault(opts.InChannels, 3),
		outCh:   orDefault(opts.OutChannels, 3),
		numFeat: orDefault(opts.NumFeat, 64),
		numConv: orDefault(opts.NumConv, 32),
		scale:   orDefault(opts.Scale, 4),
		act:     opts.Act,
	}

	if n.act == "" {
		n.act = "prelu"
	}

	switch n.act {
	case "prelu", "relu", "leakyrelu":
	default:
		return nil, fmt.Errorf("srvgg: unsupported activation %q", n.act)
	}

	if n.scale < 1 || n.numConv < 0 {
		return nil, fmt.Errorf("srvgg: invalid configuration %+v", opts)
	}

	return n, nil
}

func (n *SRVGGNetCompact) Name() string {
	return SRVGGName
}

func (n *SRVGGNetCompact) Parameters() []checkpoint.ParamSpec {
	f := n.numFeat
	specs := convSpec("body.0", f, n.inCh, 3, true)
	specs = append(specs, n.actSpec(1)...)

	idx := 2
	for i := 0; i < n.numConv; i++ {
		specs = append(specs, convSpec(fmt.Sprintf("body.%d", idx), f, f, 3, true)...)
		specs = append(specs, n.actSpec(idx+1)...)
		idx += 2
	}

	return append(specs, convSpec(fmt.Sprintf("body.%d", idx), n.outCh*n.scale*n.scale, f, 3, true)...)
}

func (n *SRVGGNetCompact) actSpec(idx int) []checkpoint.ParamSpec {
	if n.act != "prelu" {
		return nil
	}

	return []checkpoint.ParamSpec{{Name: fmt.Sprintf("body.%d.weight", idx), Shape: []int{n.numFeat}}}
}

func (n *SRVGGNetCompact) DynamicAxes() graph.DynamicAxes {
	return graph.ImageAxes()
}

func (n *SRVGGNetCompact) CheckSize(size int) error {
	if size <= 0 {
		return fmt.Errorf("%w: srvgg needs a positive size, got %d", ErrInputSize, size)
	}

	return nil
}

func (n *SRVGGNetCompact) Forward(b *graph.Builder, x graph.Value, p *checkpoint.ParameterSet) graph.Value {
	l := layers{b: b, p: p}

	out := n.activate(l, 1, l.conv("body.0", x, 1))
	idx := 2
	for i := 0; i < n.numConv; i++ {
		out = n.activate(l, idx+1, l.conv(fmt.Sprintf("body.%d", idx), out, 1))
		idx += 2
	}

	out = l.conv(fmt.Sprintf("body.%d", idx), out, 1)
	out = b.DepthToSpace(out, int64(n.scale))

	return b.Add(out, b.Resize(x, float32(n.scale), "nearest"))
}

func (n *SRVGGNetCompact) activate(l layers, idx int, x graph.Value) graph.Value {
	switch n.act {
	case "relu":
		return l.b.Relu(x)
	case "leakyrelu":
		return l.b.LeakyRelu(x, 0.1)
	}

	// nn.PReLU stores one slope per channel; ONNX broadcasts it as [C, 1, 1].
	module := fmt.Sprintf("body.%d", idx)
	defer l.scope(module)()

	slope, _ := l.p.Get(module + ".weight")
	if slope != nil {
		view, err := slope.Reshape(slope.Len(), 1, 1)
		if err != nil {
			l.b.Failf("%s: %v", module, err)
			return graph.Value{}
		}
		slope = view
	}

	return l.b.PRelu(x, l.b.Param(module+".weight", slope))
}
