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

package graph

import (
	"fmt"
	"math"
	"slices"

	"github.com/MohanadWebsite/image-enhancer/pkg/onnx"
)

// ConvOptions configures a 2-D convolution. Zero values mean stride 1,
// dilation 1, one group and no padding.
type ConvOptions struct {
	Stride   int64
	Pad      int64
	Dilation int64
	Group    int64
}

// Conv emits a 2-D convolution. bias may be an invalid Value.
func (b *Builder) Conv(x, w, bias Value, opts ConvOptions) Value {
	if b.err != nil {
		return Value{}
	}

	stride, dilation, group := max(opts.Stride, 1), max(opts.Dilation, 1), max(opts.Group, 1)
	if x.Rank() != 4 || w.Rank() != 4 {
		b.fail(fmt.Errorf("%w: Conv expects 4-D input and weight, got %v and %v", ErrRankMismatch, x.Shape, w.Shape))
		return Value{}
	}

	if x.Shape[1] != w.Shape[1]*group {
		b.fail(fmt.Errorf("Conv %s: input has %d channels, weight %v with group %d expects %d",
			w.Name, x.Shape[1], w.Shape, group, w.Shape[1]*group))
		return Value{}
	}

	if bias.Valid() && (bias.Rank() != 1 || bias.Shape[0] != w.Shape[0]) {
		b.fail(fmt.Errorf("Conv %s: bias shape %v does not match %d output channels", bias.Name, bias.Shape, w.Shape[0]))
		return Value{}
	}

	kh, kw := w.Shape[2], w.Shape[3]
	oh := (x.Shape[2]+2*opts.Pad-dilation*(kh-1)-1)/stride + 1
	ow := (x.Shape[3]+2*opts.Pad-dilation*(kw-1)-1)/stride + 1
	if oh <= 0 || ow <= 0 {
		b.fail(fmt.Errorf("Conv %s: empty output for input %v", w.Name, x.Shape))
		return Value{}
	}

	attrs := []*onnx.Attribute{
		onnx.IntsAttr("dilations", dilation, dilation),
		onnx.IntAttr("group", group),
		onnx.IntsAttr("kernel_shape", kh, kw),
		onnx.IntsAttr("pads", opts.Pad, opts.Pad, opts.Pad, opts.Pad),
		onnx.IntsAttr("strides", stride, stride),
	}

	inputs := []Value{x, w}
	if bias.Valid() {
		inputs = append(inputs, bias)
	}

	return b.emit("Conv", inputs, attrs, []int64{x.Shape[0], w.Shape[0], oh, ow})[0]
}

// LeakyRelu emits LeakyRelu with the given negative slope.
func (b *Builder) LeakyRelu(x Value, alpha float32) Value {
	return b.emit("LeakyRelu", []Value{x}, []*onnx.Attribute{onnx.FloatAttr("alpha", alpha)}, x.Shape)[0]
}

// Relu emits Relu.
func (b *Builder) Relu(x Value) Value {
	return b.emit("Relu", []Value{x}, nil, x.Shape)[0]
}

// PRelu emits PRelu; slope must broadcast against x.
func (b *Builder) PRelu(x, slope Value) Value {
	if _, ok := b.broadcast("PRelu", x, slope); !ok {
		return Value{}
	}

	return b.emit("PRelu", []Value{x, slope}, nil, x.Shape)[0]
}

// Add emits a broadcasting addition.
func (b *Builder) Add(x, y Value) Value {
	return b.binary("Add", x, y)
}

// Sub emits a broadcasting subtraction.
func (b *Builder) Sub(x, y Value) Value {
	return b.binary("Sub", x, y)
}

// Mul emits a broadcasting multiplication.
func (b *Builder) Mul(x, y Value) Value {
	return b.binary("Mul", x, y)
}

// Div emits a broadcasting division.
func (b *Builder) Div(x, y Value) Value {
	return b.binary("Div", x, y)
}

// Scale multiplies x by a scalar constant.
func (b *Builder) Scale(x Value, f float32) Value {
	return b.Mul(x, b.ConstFloat(nil, f))
}

// Shift adds a scalar constant to x.
func (b *Builder) Shift(x Value, f float32) Value {
	return b.Add(x, b.ConstFloat(nil, f))
}

// Sqrt emits an element-wise square root.
func (b *Builder) Sqrt(x Value) Value {
	return b.emit("Sqrt", []Value{x}, nil, x.Shape)[0]
}

// Reciprocal emits an element-wise reciprocal.
func (b *Builder) Reciprocal(x Value) Value {
	return b.emit("Reciprocal", []Value{x}, nil, x.Shape)[0]
}

func (b *Builder) binary(op string, x, y Value) Value {
	shape, ok := b.broadcast(op, x, y)
	if !ok {
		return Value{}
	}

	return b.emit(op, []Value{x, y}, nil, shape)[0]
}

func (b *Builder) broadcast(op string, x, y Value) ([]int64, bool) {
	if b.err != nil {
		return nil, false
	}

	shape, err := BroadcastShape(x.Shape, y.Shape)
	if err != nil {
		b.fail(fmt.Errorf("%s: %w", op, err))
		return nil, false
	}

	return shape, true
}

// BroadcastShape applies numpy broadcasting rules.
func BroadcastShape(a, c []int64) ([]int64, error) {
	n := max(len(a), len(c))
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		da, dc := int64(1), int64(1)
		if j := len(a) - n + i; j >= 0 {
			da = a[j]
		}
		if j := len(c) - n + i; j >= 0 {
			dc = c[j]
		}

		switch {
		case da == dc:
			out[i] = da
		case da == 1:
			out[i] = dc
		case dc == 1:
			out[i] = da
		default:
			return nil, fmt.Errorf("shapes %v and %v do not broadcast", a, c)
		}
	}

	return out, nil
}

// Concat joins values along axis.
func (b *Builder) Concat(axis int64, xs ...Value) Value {
	if b.err != nil {
		return Value{}
	}

	if len(xs) == 0 {
		b.fail(fmt.Errorf("Concat needs at least one input"))
		return Value{}
	}

	out := slices.Clone(xs[0].Shape)
	ax := normAxis(axis, len(out))
	for _, x := range xs[1:] {
		if x.Rank() != len(out) {
			b.fail(fmt.Errorf("%w: Concat of %v and %v", ErrRankMismatch, xs[0].Shape, x.Shape))
			return Value{}
		}
		for i := range out {
			if i == ax {
				continue
			}
			if x.Shape[i] != out[i] {
				b.fail(fmt.Errorf("Concat: %v and %v differ on axis %d", xs[0].Shape, x.Shape, i))
				return Value{}
			}
		}
		out[ax] += x.Shape[ax]
	}

	return b.emit("Concat", xs, []*onnx.Attribute{onnx.IntAttr("axis", axis)}, out)[0]
}

// Split cuts x along axis into parts of the given sizes. Opset 13 moved the
// sizes from an attribute to an input.
func (b *Builder) Split(x Value, axis int64, sizes ...int64) []Value {
	if b.err != nil {
		return make([]Value, len(sizes))
	}

	ax := normAxis(axis, x.Rank())
	var total int64
	shapes := make([][]int64, len(sizes))
	for i, s := range sizes {
		total += s
		shapes[i] = slices.Clone(x.Shape)
		shapes[i][ax] = s
	}

	if total != x.Shape[ax] {
		b.fail(fmt.Errorf("Split: sizes %v do not cover axis %d of %v", sizes, ax, x.Shape))
		return make([]Value, len(sizes))
	}

	attrs := []*onnx.Attribute{onnx.IntAttr("axis", axis)}
	inputs := []Value{x}
	if b.opset >= 13 {
		inputs = append(inputs, b.ConstInt64([]int64{int64(len(sizes))}, sizes...))
	} else {
		attrs = append(attrs, onnx.IntsAttr("split", sizes...))
	}

	return b.emit("Split", inputs, attrs, shapes...)
}

// Resize scales the spatial axes of an NCHW tensor. Mode "nearest" follows
// PyTorch's nearest interpolation; "linear" follows bilinear with
// align_corners=False.
func (b *Builder) Resize(x Value, scale float32, mode string) Value {
	if b.err != nil {
		return Value{}
	}

	if x.Rank() != 4 {
		b.fail(fmt.Errorf("%w: Resize expects NCHW input, got %v", ErrRankMismatch, x.Shape))
		return Value{}
	}

	var attrs []*onnx.Attribute
	switch mode {
	case "nearest":
		attrs = []*onnx.Attribute{
			onnx.StringAttr("coordinate_transformation_mode", "asymmetric"),
			onnx.StringAttr("mode", "nearest"),
			onnx.StringAttr("nearest_mode", "floor"),
		}
	case "linear":
		attrs = []*onnx.Attribute{
			onnx.StringAttr("coordinate_transformation_mode", "pytorch_half_pixel"),
			onnx.StringAttr("mode", "linear"),
		}
	default:
		b.fail(fmt.Errorf("%w: Resize mode %q", ErrUnsupportedOp, mode))
		return Value{}
	}

	out := []int64{
		x.Shape[0], x.Shape[1],
		int64(math.Floor(float64(x.Shape[2]) * float64(scale))),
		int64(math.Floor(float64(x.Shape[3]) * float64(scale))),
	}

	// Opset 11 and 12 require the roi input to be present.
	roi := Value{}
	if b.opset < 13 {
		roi = b.ConstFloat([]int64{0})
	}
	scales := b.ConstFloat([]int64{4}, 1, 1, scale, scale)

	return b.emit("Resize", []Value{x, roi, scales}, attrs, out)[0]
}

// DepthToSpace emits a CRD depth-to-space, the layout of PyTorch's pixel_shuffle.
func (b *Builder) DepthToSpace(x Value, block int64) Value {
	if b.err != nil {
		return Value{}
	}

	if x.Rank() != 4 || x.Shape[1]%(block*block) != 0 {
		b.fail(fmt.Errorf("DepthToSpace: cannot rearrange %v with block %d", x.Shape, block))
		return Value{}
	}

	attrs := []*onnx.Attribute{onnx.IntAttr("blocksize", block), onnx.StringAttr("mode", "CRD")}
	out := []int64{x.Shape[0], x.Shape[1] / (block * block), x.Shape[2] * block, x.Shape[3] * block}
	return b.emit("DepthToSpace", []Value{x}, attrs, out)[0]
}

// SpaceToDepth emits SpaceToDepth, whose channel order is (row, col, channel).
func (b *Builder) SpaceToDepth(x Value, block int64) Value {
	if b.err != nil {
		return Value{}
	}

	if x.Rank() != 4 || x.Shape[2]%block != 0 || x.Shape[3]%block != 0 {
		b.fail(fmt.Errorf("SpaceToDepth: cannot rearrange %v with block %d", x.Shape, block))
		return Value{}
	}

	out := []int64{x.Shape[0], x.Shape[1] * block * block, x.Shape[2] / block, x.Shape[3] / block}
	return b.emit("SpaceToDepth", []Value{x}, []*onnx.Attribute{onnx.IntAttr("blocksize", block)}, out)[0]
}

// PixelUnshuffle reproduces PyTorch's pixel_unshuffle channel order
// (channel, row, col) as SpaceToDepth followed by a channel permutation,
// which keeps the spatial axes dynamic.
func (b *Builder) PixelUnshuffle(x Value, block int64) Value {
	s2d := b.SpaceToDepth(x, block)
	if b.err != nil {
		return Value{}
	}

	c := x.Shape[1]
	perm := make([]int64, 0, c*block*block)
	for ch := int64(0); ch < c; ch++ {
		for r := int64(0); r < block; r++ {
			for col := int64(0); col < block; col++ {
				perm = append(perm, (r*block+col)*c+ch)
			}
		}
	}

	return b.Gather(s2d, 1, perm)
}

// Gather selects entries of axis with a 1-D index list.
func (b *Builder) Gather(x Value, axis int64, indices []int64) Value {
	if b.err != nil {
		return Value{}
	}

	ax := normAxis(axis, x.Rank())
	for _, i := range indices {
		if i < 0 || i >= x.Shape[ax] {
			b.fail(fmt.Errorf("Gather: index %d out of range for axis %d of %v", i, ax, x.Shape))
			return Value{}
		}
	}

	out := slices.Clone(x.Shape)
	out[ax] = int64(len(indices))
	idx := b.ConstInt64([]int64{int64(len(indices))}, indices...)
	return b.emit("Gather", []Value{x, idx}, []*onnx.Attribute{onnx.IntAttr("axis", axis)}, out)[0]
}

// Select picks one entry of axis with a scalar index, dropping the axis.
func (b *Builder) Select(x Value, axis, index int64) Value {
	if b.err != nil {
		return Value{}
	}

	ax := normAxis(axis, x.Rank())
	if index < 0 || index >= x.Shape[ax] {
		b.fail(fmt.Errorf("Select: index %d out of range for axis %d of %v", index, ax, x.Shape))
		return Value{}
	}

	out := slices.Delete(slices.Clone(x.Shape), ax, ax+1)
	idx := b.ConstInt64(nil, index)
	return b.emit("Gather", []Value{x, idx}, []*onnx.Attribute{onnx.IntAttr("axis", axis)}, out)[0]
}

// Reshape emits Reshape. A 0 copies the input dimension and one -1 is inferred,
// so dynamic axes should be expressed with 0 or -1 rather than traced sizes.
func (b *Builder) Reshape(x Value, shape ...int64) Value {
	if b.err != nil {
		return Value{}
	}

	out, err := ReshapeShape(x.Shape, shape)
	if err != nil {
		b.fail(err)
		return Value{}
	}

	target := b.ConstInt64([]int64{int64(len(shape))}, shape...)
	return b.emit("Reshape", []Value{x, target}, nil, out)[0]
}

// ReshapeShape resolves 0 and -1 entries of a Reshape target.
func ReshapeShape(in, target []int64) ([]int64, error) {
	total := int64(1)
	for _, d := range in {
		total *= d
	}

	out := slices.Clone(target)
	infer := -1
	known := int64(1)
	for i, d := range out {
		switch {
		case d == 0:
			if i >= len(in) {
				return nil, fmt.Errorf("Reshape: 0 at axis %d beyond input rank %d", i, len(in))
			}
			out[i] = in[i]
		case d == -1:
			if infer >= 0 {
				return nil, fmt.Errorf("Reshape: more than one -1 in %v", target)
			}
			infer = i
			continue
		case d < 0:
			return nil, fmt.Errorf("Reshape: invalid dimension %d", d)
		}
		known *= out[i]
	}

	if infer >= 0 {
		if known == 0 || total%known != 0 {
			return nil, fmt.Errorf("Reshape: cannot infer -1 reshaping %v into %v", in, target)
		}
		out[infer] = total / known
		known *= out[infer]
	}

	if known != total {
		return nil, fmt.Errorf("Reshape: %v has %d elements, target %v has %d", in, total, target, known)
	}

	return out, nil
}

// Flatten collapses axes before and after axis into a matrix.
func (b *Builder) Flatten(x Value, axis int64) Value {
	if b.err != nil {
		return Value{}
	}

	ax := normAxis(axis, x.Rank())
	outer, inner := int64(1), int64(1)
	for i, d := range x.Shape {
		if i < ax {
			outer *= d
		} else {
			inner *= d
		}
	}

	return b.emit("Flatten", []Value{x}, []*onnx.Attribute{onnx.IntAttr("axis", axis)}, []int64{outer, inner})[0]
}

// Linear emits y = x·Wᵀ + bias as Gemm with transB, matching torch.nn.Linear.
func (b *Builder) Linear(x, w, bias Value) Value {
	if b.err != nil {
		return Value{}
	}

	if x.Rank() != 2 || w.Rank() != 2 || x.Shape[1] != w.Shape[1] {
		b.fail(fmt.Errorf("Linear %s: cannot multiply %v by %v transposed", w.Name, x.Shape, w.Shape))
		return Value{}
	}

	inputs := []Value{x, w}
	if bias.Valid() {
		inputs = append(inputs, bias)
	}

	attrs := []*onnx.Attribute{
		onnx.FloatAttr("alpha", 1),
		onnx.FloatAttr("beta", 1),
		onnx.IntAttr("transB", 1),
	}

	return b.emit("Gemm", inputs, attrs, []int64{x.Shape[0], w.Shape[0]})[0]
}

// MatMul emits a 2-D matrix product.
func (b *Builder) MatMul(x, y Value) Value {
	if b.err != nil {
		return Value{}
	}

	if x.Rank() != 2 || y.Rank() != 2 || x.Shape[1] != y.Shape[0] {
		b.fail(fmt.Errorf("MatMul: cannot multiply %v by %v", x.Shape, y.Shape))
		return Value{}
	}

	return b.emit("MatMul", []Value{x, y}, nil, []int64{x.Shape[0], y.Shape[1]})[0]
}

// Squeeze removes the given size-1 axes. Opset 13 moved axes to an input.
func (b *Builder) Squeeze(x Value, axes ...int64) Value {
	if b.err != nil {
		return Value{}
	}

	drop := make(map[int]bool, len(axes))
	for _, a := range axes {
		ax := normAxis(a, x.Rank())
		if ax < 0 || ax >= x.Rank() || x.Shape[ax] != 1 {
			b.fail(fmt.Errorf("Squeeze: axis %d of %v is not 1", a, x.Shape))
			return Value{}
		}
		drop[ax] = true
	}

	var out []int64
	for i, d := range x.Shape {
		if !drop[i] {
			out = append(out, d)
		}
	}

	if b.opset >= 13 {
		return b.emit("Squeeze", []Value{x, b.ConstInt64([]int64{int64(len(axes))}, axes...)}, nil, out)[0]
	}

	return b.emit("Squeeze", []Value{x}, []*onnx.Attribute{onnx.IntsAttr("axes", axes...)}, out)[0]
}

// Transpose permutes axes.
func (b *Builder) Transpose(x Value, perm ...int64) Value {
	if b.err != nil {
		return Value{}
	}

	if len(perm) != x.Rank() {
		b.fail(fmt.Errorf("%w: Transpose perm %v for %v", ErrRankMismatch, perm, x.Shape))
		return Value{}
	}

	out := make([]int64, len(perm))
	for i, p := range perm {
		out[i] = x.Shape[p]
	}

	return b.emit("Transpose", []Value{x}, []*onnx.Attribute{onnx.IntsAttr("perm", perm...)}, out)[0]
}

func normAxis(axis int64, rank int) int {
	if axis < 0 {
		return int(axis) + rank
	}

	return int(axis)
}
