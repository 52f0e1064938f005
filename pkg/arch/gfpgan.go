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
	"math"
	"math/bits"

	"github.com/MohanadWebsite/image-enhancer/pkg/checkpoint"
	"github.com/MohanadWebsite/image-enhancer/pkg/graph"
)

// GFPGANName is the registry name of GFPGANv1Clean.
const GFPGANName = "gfpgan"

const (
	lreluSlope = 0.2
	demodEps   = 1e-8
)

// GFPGANv1Clean is the face restoration network of GFPGAN v1.3 and v1.4:
// a U-Net whose bottleneck predicts W+ latents for a StyleGAN2 decoder, and
// whose decoder features modulate the StyleGAN2 features through spatial
// feature transforms.
//
// The export uses the released inference configuration: latents come
// straight from final_linear (one per decoder layer), stored noise buffers
// replace random noise, and the intermediate RGB heads are not evaluated.
// Modulated convolutions are traced in their unfused form, so the batch axis
// stays dynamic while the spatial size is fixed to OutSize.
type GFPGANv1Clean struct {
	outSize      int
	logSize      int
	numStyleFeat int
	sftHalf      bool

	unet    map[int]int
	decoder map[int]int
}

// NewGFPGAN returns a GFPGANv1Clean. Defaults match GFPGANv1.4.pth.
func NewGFPGAN(opts Options) (*GFPGANv1Clean, error) {
	outSize := orDefault(opts.OutSize, 512)
	if outSize < 8 || outSize > 1024 || bits.OnesCount(uint(outSize)) != 1 {
		return nil, fmt.Errorf("gfpgan: out size %d is not a power of two between 8 and 1024", outSize)
	}

	narrow := opts.Narrow
	if narrow == 0 {
		narrow = 1
	}
	if narrow < 0 {
		return nil, fmt.Errorf("gfpgan: negative narrow %v", narrow)
	}

	cm := orDefault(opts.ChannelMultiplier, 2)
	sftHalf := true
	if opts.SFTHalf != nil {
		sftHalf = *opts.SFTHalf
	}

	n := &GFPGANv1Clean{
		outSize:      outSize,
		logSize:      bits.Len(uint(outSize)) - 1,
		numStyleFeat: orDefault(opts.NumStyleFeat, 512),
		sftHalf:      sftHalf,
		unet:         channelTable(narrow*0.5, cm),
		decoder:      channelTable(narrow, cm),
	}

	for res := 4; res <= outSize; res *= 2 {
		c := n.unet[res]
		if c <= 0 || n.decoder[res] <= 0 {
			return nil, fmt.Errorf("gfpgan: narrow %v leaves no channels at resolution %d", narrow, res)
		}
		if sftHalf && n.decoder[res] != 2*c {
			return nil, fmt.Errorf("gfpgan: half SFT needs %d decoder channels at resolution %d, got %d", 2*c, res, n.decoder[res])
		}
	}

	return n, nil
}

// channelTable lists the feature channels per resolution.
func channelTable(narrow float64, cm int) map[int]int {
	c := func(base int) int {
		return int(float64(base) * narrow)
	}

	return map[int]int{
		4:    c(512),
		8:    c(512),
		16:   c(512),
		32:   c(512),
		64:   c(256 * cm),
		128:  c(128 * cm),
		256:  c(64 * cm),
		512:  c(32 * cm),
		1024: c(16 * cm),
	}
}

func (n *GFPGANv1Clean) Name() string {
	return GFPGANName
}

func (n *GFPGANv1Clean) numLatent() int {
	return 2*n.logSize - 2
}

func (n *GFPGANv1Clean) numLayers() int {
	return 2*(n.logSize-2) + 1
}

func (n *GFPGANv1Clean) sftChannels(res int) int {
	if n.sftHalf {
		return n.unet[res]
	}

	return n.unet[res] * 2
}

func (n *GFPGANv1Clean) Parameters() []checkpoint.ParamSpec {
	specs := convSpec("conv_body_first", n.unet[n.outSize], 3, 1, true)

	in := n.unet[n.outSize]
	for i, k := n.logSize, 0; i > 2; i, k = i-1, k+1 {
		out := n.unet[1<<(i-1)]
		specs = append(specs, resBlockSpec(fmt.Sprintf("conv_body_down.%d", k), in, out)...)
		in = out
	}
	specs = append(specs, convSpec("final_conv", n.unet[4], in, 3, true)...)

	in = n.unet[4]
	for i, k := 3, 0; i <= n.logSize; i, k = i+1, k+1 {
		out := n.unet[1<<i]
		specs = append(specs, resBlockSpec(fmt.Sprintf("conv_body_up.%d", k), in, out)...)
		in = out
	}

	specs = append(specs,
		checkpoint.ParamSpec{Name: "final_linear.weight", Shape: []int{n.numLatent() * n.numStyleFeat, n.unet[4] * 16}},
		checkpoint.ParamSpec{Name: "final_linear.bias", Shape: []int{n.numLatent() * n.numStyleFeat}},
	)

	for i, k := 3, 0; i <= n.logSize; i, k = i+1, k+1 {
		c := n.unet[1<<i]
		for _, head := range []string{"condition_scale", "condition_shift"} {
			specs = append(specs, convSpec(fmt.Sprintf("%s.%d.0", head, k), c, c, 3, true)...)
			specs = append(specs, convSpec(fmt.Sprintf("%s.%d.2", head, k), n.sftChannels(1<<i), c, 3, true)...)
		}
	}

	return append(specs, n.decoderSpec()...)
}

func (n *GFPGANv1Clean) decoderSpec() []checkpoint.ParamSpec {
	const prefix = "stylegan_decoder."
	c4 := n.decoder[4]

	specs := []checkpoint.ParamSpec{{Name: prefix + "constant_input.weight", Shape: []int{1, c4, 4, 4}}}
	specs = append(specs, n.styleConvSpec(prefix+"style_conv1", c4, c4)...)
	specs = append(specs, n.toRGBSpec(prefix+"to_rgb1", c4)...)

	in := c4
	for i, k := 3, 0; i <= n.logSize; i, k = i+1, k+1 {
		out := n.decoder[1<<i]
		specs = append(specs, n.styleConvSpec(fmt.Sprintf("%sstyle_convs.%d", prefix, 2*k), out, in)...)
		specs = append(specs, n.styleConvSpec(fmt.Sprintf("%sstyle_convs.%d", prefix, 2*k+1), out, out)...)
		specs = append(specs, n.toRGBSpec(fmt.Sprintf("%sto_rgbs.%d", prefix, k), out)...)
		in = out
	}

	for k := 0; k < n.numLayers(); k++ {
		res := 1 << ((k + 5) / 2)
		specs = append(specs, checkpoint.ParamSpec{Name: fmt.Sprintf("%snoises.noise%d", prefix, k), Shape: []int{1, 1, res, res}})
	}

	return specs
}

func resBlockSpec(module string, in, out int) []checkpoint.ParamSpec {
	specs := convSpec(module+".conv1", in, in, 3, true)
	specs = append(specs, convSpec(module+".conv2", out, in, 3, true)...)
	return append(specs, convSpec(module+".skip", out, in, 1, false)...)
}

func (n *GFPGANv1Clean) modConvSpec(module string, out, in, kernel int) []checkpoint.ParamSpec {
	return []checkpoint.ParamSpec{
		{Name: module + ".weight", Shape: []int{1, out, in, kernel, kernel}},
		{Name: module + ".modulation.weight", Shape: []int{in, n.numStyleFeat}},
		{Name: module + ".modulation.bias", Shape: []int{in}},
	}
}

func (n *GFPGANv1Clean) styleConvSpec(module string, out, in int) []checkpoint.ParamSpec {
	return append(n.modConvSpec(module+".modulated_conv", out, in, 3),
		checkpoint.ParamSpec{Name: module + ".weight", Shape: []int{1}},
		checkpoint.ParamSpec{Name: module + ".bias", Shape: []int{1, out, 1, 1}},
	)
}

func (n *GFPGANv1Clean) toRGBSpec(module string, in int) []checkpoint.ParamSpec {
	return append(n.modConvSpec(module+".modulated_conv", 3, in, 1),
		checkpoint.ParamSpec{Name: module + ".bias", Shape: []int{1, 3, 1, 1}},
	)
}

func (n *GFPGANv1Clean) DynamicAxes() graph.DynamicAxes {
	return graph.BatchAxes()
}

func (n *GFPGANv1Clean) CheckSize(size int) error {
	if size != n.outSize {
		return fmt.Errorf("%w: gfpgan is built for %dx%d faces, got %d", ErrInputSize, n.outSize, n.outSize, size)
	}

	return nil
}

func (n *GFPGANv1Clean) Forward(b *graph.Builder, x graph.Value, p *checkpoint.ParameterSet) graph.Value {
	l := layers{b: b, p: p}

	feat := b.LeakyRelu(l.conv("conv_body_first", x, 0), lreluSlope)
	var skips []graph.Value
	for k := 0; k < n.logSize-2; k++ {
		feat = resBlock(l, fmt.Sprintf("conv_body_down.%d", k), feat, 0.5)
		skips = append([]graph.Value{feat}, skips...)
	}
	feat = b.LeakyRelu(l.conv("final_conv", feat, 1), lreluSlope)

	latent := b.Reshape(l.linear("final_linear", b.Flatten(feat, 1)), 0, -1, int64(n.numStyleFeat))

	var conditions []graph.Value
	for k := 0; k < n.logSize-2; k++ {
		feat = resBlock(l, fmt.Sprintf("conv_body_up.%d", k), b.Add(feat, skips[k]), 2)
		for _, head := range []string{"condition_scale", "condition_shift"} {
			module := fmt.Sprintf("%s.%d", head, k)
			c := b.LeakyRelu(l.conv(module+".0", feat, 1), lreluSlope)
			conditions = append(conditions, l.conv(module+".2", c, 1))
		}
	}

	return n.decode(l, latent, conditions)
}

// resBlock is the U-Net residual block: two convolutions around a bilinear
// resampling, plus a resampled 1x1 skip.
func resBlock(l layers, module string, x graph.Value, factor float32) graph.Value {
	b := l.b
	out := b.LeakyRelu(l.conv(module+".conv1", x, 1), lreluSlope)
	out = b.Resize(out, factor, "linear")
	out = b.LeakyRelu(l.conv(module+".conv2", out, 1), lreluSlope)

	skip := l.conv(module+".skip", b.Resize(x, factor, "linear"), 0)
	return b.Add(out, skip)
}

func (n *GFPGANv1Clean) decode(l layers, latent graph.Value, conditions []graph.Value) graph.Value {
	const prefix = "stylegan_decoder."
	b := l.b
	style := func(i int) graph.Value {
		return b.Select(latent, 1, int64(i))
	}

	out := l.param(prefix + "constant_input.weight")
	out = n.styleConv(l, prefix+"style_conv1", out, style(0), prefix+"noises.noise0", false)
	skip := n.toRGB(l, prefix+"to_rgb1", out, style(1), graph.Value{})

	i := 1
	for k := 0; k < n.logSize-2; k++ {
		out = n.styleConv(l, fmt.Sprintf("%sstyle_convs.%d", prefix, 2*k), out, style(i), fmt.Sprintf("%snoises.noise%d", prefix, 2*k+1), true)
		if i < len(conditions) {
			out = n.sft(b, out, conditions[i-1], conditions[i])
		}
		out = n.styleConv(l, fmt.Sprintf("%sstyle_convs.%d", prefix, 2*k+1), out, style(i+1), fmt.Sprintf("%snoises.noise%d", prefix, 2*k+2), false)
		skip = n.toRGB(l, fmt.Sprintf("%sto_rgbs.%d", prefix, k), out, style(i+2), skip)
		i += 2
	}

	return skip
}

// sft applies the spatial feature transform out*scale + shift, to the
// second half of the channels when sftHalf is set.
func (n *GFPGANv1Clean) sft(b *graph.Builder, out, scale, shift graph.Value) graph.Value {
	if !n.sftHalf {
		return b.Add(b.Mul(out, scale), shift)
	}

	if b.Err() != nil {
		return graph.Value{}
	}

	c := out.Shape[1]
	parts := b.Split(out, 1, c/2, c-c/2)
	return b.Concat(1, parts[0], b.Add(b.Mul(parts[1], scale), shift))
}

// styleConv is a demodulated convolution scaled by sqrt(2), followed by
// noise injection, bias and LeakyReLU.
func (n *GFPGANv1Clean) styleConv(l layers, module string, x, style graph.Value, noise string, upsample bool) graph.Value {
	b := l.b
	out := n.modulatedConv(l, module+".modulated_conv", x, style, true, upsample)

	defer l.scope(module)()
	out = b.Scale(out, math.Sqrt2)
	out = b.Add(out, b.Mul(l.param(module+".weight"), l.param(noise)))
	out = b.Add(out, l.param(module+".bias"))
	return b.LeakyRelu(out, lreluSlope)
}

// toRGB projects features to RGB without demodulation and adds the
// upsampled previous RGB output.
func (n *GFPGANv1Clean) toRGB(l layers, module string, x, style, skip graph.Value) graph.Value {
	b := l.b
	out := n.modulatedConv(l, module+".modulated_conv", x, style, false, false)

	defer l.scope(module)()
	out = b.Add(out, l.param(module+".bias"))
	if skip.Valid() {
		out = b.Add(out, b.Resize(skip, 2, "linear"))
	}

	return out
}

// modulatedConv computes conv(x * s, W) * d with s the per-sample style
// modulation and d = rsqrt(sum(W² s²) + eps) the demodulation factor. This
// equals the grouped convolution with per-sample weights used in training,
// without baking the batch size into the graph.
func (n *GFPGANv1Clean) modulatedConv(l layers, module string, x, style graph.Value, demodulate, upsample bool) graph.Value {
	b := l.b
	s := l.linear(module+".modulation", style)

	defer l.scope(module)()
	if b.Err() != nil {
		return graph.Value{}
	}

	w, _ := l.p.Get(module + ".weight")
	if w == nil || w.Rank() != 5 {
		b.Failf("%s: expected a 5-D modulated weight", module)
		return graph.Value{}
	}
	out, in, kh, kw := w.Shape[1], w.Shape[2], w.Shape[3], w.Shape[4]

	w4, err := w.Reshape(out, in, kh, kw)
	if err != nil {
		b.Failf("%s: %v", module, err)
		return graph.Value{}
	}

	if upsample {
		x = b.Resize(x, 2, "linear")
	}

	x = b.Mul(x, b.Reshape(s, 0, int64(in), 1, 1))
	y := b.Conv(x, b.Param(module+".weight", w4), graph.Value{}, graph.ConvOptions{Pad: int64(kh / 2)})
	if !demodulate {
		return y
	}

	// Squared weights summed over the kernel, transposed to [in, out].
	sq := make([]float32, in*out)
	taps := kh * kw
	for o := 0; o < out; o++ {
		for c := 0; c < in; c++ {
			var sum float32
			for _, v := range w4.Data[(o*in+c)*taps : (o*in+c+1)*taps] {
				sum += v * v
			}
			sq[c*out+o] = sum
		}
	}

	energy := b.MatMul(b.Mul(s, s), b.ConstFloat([]int64{int64(in), int64(out)}, sq...))
	d := b.Reciprocal(b.Sqrt(b.Shift(energy, demodEps)))
	return b.Mul(y, b.Reshape(d, 0, int64(out), 1, 1))
}
