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
	"regexp"

	"github.com/MohanadWebsite/image-enhancer/pkg/checkpoint"
	"github.com/MohanadWebsite/image-enhancer/pkg/graph"
)

// RRDBNetName is the registry name of RRDBNet.
const RRDBNetName = "rrdbnet"

// RRDBNet is the ESRGAN generator used by RealESRGAN x4plus and x2plus:
// residual-in-residual dense blocks followed by two nearest-neighbour x2
// upsampling stages. Scales 2 and 1 pixel-unshuffle the input first.
type RRDBNet struct {
	inCh, outCh int
	scale       int
	numFeat     int
	numBlock    int
	numGrowCh   int
}

// NewRRDBNet returns an RRDBNet. Defaults are the RealESRGAN x4plus
// configuration.
func NewRRDBNet(opts Options) (*RRDBNet, error) {
	n := &RRDBNet{
		inCh:      orDefault(opts.InChannels, 3),
		outCh:     orDefault(opts.OutChannels, 3),
		scale:     orDefault(opts.Scale, 4),
		numFeat:   orDefault(opts.NumFeat, 64),
		numBlock:  orDefault(opts.NumBlock, 23),
		numGrowCh: orDefault(opts.NumGrowCh, 32),
	}

	switch n.scale {
	case 1, 2, 4:
	default:
		return nil, fmt.Errorf("rrdbnet: unsupported scale %d, want 1, 2 or 4", n.scale)
	}

	if n.numFeat < 0 || n.numBlock < 0 || n.numGrowCh < 0 {
		return nil, fmt.Errorf("rrdbnet: negative size in %+v", opts)
	}

	return n, nil
}

func (n *RRDBNet) Name() string {
	return RRDBNetName
}

// unshuffle is the pixel-unshuffle factor applied to the input.
func (n *RRDBNet) unshuffle() int {
	return 4 / n.scale
}

func (n *RRDBNet) Parameters() []checkpoint.ParamSpec {
	f, g := n.numFeat, n.numGrowCh
	u := n.unshuffle()

	specs := convSpec("conv_first", f, n.inCh*u*u, 3, true)
	for i := 0; i < n.numBlock; i++ {
		for r := 1; r <= 3; r++ {
			prefix := fmt.Sprintf("body.%d.rdb%d", i, r)
			for c := 1; c <= 4; c++ {
				specs = append(specs, convSpec(fmt.Sprintf("%s.conv%d", prefix, c), g, f+(c-1)*g, 3, true)...)
			}
			specs = append(specs, convSpec(prefix+".conv5", f, f+4*g, 3, true)...)
		}
	}

	for _, m := range []string{"conv_body", "conv_up1", "conv_up2", "conv_hr"} {
		specs = append(specs, convSpec(m, f, f, 3, true)...)
	}

	return append(specs, convSpec("conv_last", n.outCh, f, 3, true)...)
}

var (
	legacyBlock = regexp.MustCompile(`^RRDB_trunk\.(\d+)\.RDB(\d)\.(conv\d)\.(weight|bias)$`)
	legacyTop   = map[string]string{
		"trunk_conv": "conv_body",
		"upconv1":    "conv_up1",
		"upconv2":    "conv_up2",
		"HRconv":     "conv_hr",
	}
	legacyParam = regexp.MustCompile(`^(\w+)\.(weight|bias)$`)
)

// LegacyName maps the original ESRGAN key names onto the current ones.
func (n *RRDBNet) LegacyName(key string) (string, bool) {
	if m := legacyBlock.FindStringSubmatch(key); m != nil {
		return fmt.Sprintf("body.%s.rdb%s.%s.%s", m[1], m[2], m[3], m[4]), true
	}

	if m := legacyParam.FindStringSubmatch(key); m != nil {
		if to, ok := legacyTop[m[1]]; ok {
			return to + "." + m[2], true
		}
	}

	return "", false
}

func (n *RRDBNet) DynamicAxes() graph.DynamicAxes {
	return graph.ImageAxes()
}

func (n *RRDBNet) CheckSize(size int) error {
	if u := n.unshuffle(); size <= 0 || size%u != 0 {
		return fmt.Errorf("%w: rrdbnet at scale %d needs a positive size divisible by %d, got %d", ErrInputSize, n.scale, u, size)
	}

	return nil
}

func (n *RRDBNet) Forward(b *graph.Builder, x graph.Value, p *checkpoint.ParameterSet) graph.Value {
	l := layers{b: b, p: p}

	feat := x
	if u := n.unshuffle(); u > 1 {
		feat = b.PixelUnshuffle(x, int64(u))
	}

	feat = l.conv("conv_first", feat, 1)
	body := feat
	for i := 0; i < n.numBlock; i++ {
		body = n.rrdb(l, fmt.Sprintf("body.%d", i), body)
	}
	feat = b.Add(feat, l.conv("conv_body", body, 1))

	feat = b.LeakyRelu(l.conv("conv_up1", b.Resize(feat, 2, "nearest"), 1), 0.2)
	feat = b.LeakyRelu(l.conv("conv_up2", b.Resize(feat, 2, "nearest"), 1), 0.2)

	return l.conv("conv_last", b.LeakyRelu(l.conv("conv_hr", feat, 1), 0.2), 1)
}

func (n *RRDBNet) rrdb(l layers, module string, x graph.Value) graph.Value {
	out := x
	for r := 1; r <= 3; r++ {
		out = n.denseBlock(l, fmt.Sprintf("%s.rdb%d", module, r), out)
	}

	return l.b.Add(l.b.Scale(out, 0.2), x)
}

func (n *RRDBNet) denseBlock(l layers, module string, x graph.Value) graph.Value {
	feats := []graph.Value{x}
	for c := 1; c <= 4; c++ {
		in := x
		if len(feats) > 1 {
			in = l.b.Concat(1, feats...)
		}
		feats = append(feats, l.b.LeakyRelu(l.conv(fmt.Sprintf("%s.conv%d", module, c), in, 1), 0.2))
	}

	x5 := l.conv(module+".conv5", l.b.Concat(1, feats...), 1)
	return l.b.Add(l.b.Scale(x5, 0.2), x)
}
