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
	"slices"

	"github.com/x448/float16"

	"github.com/MohanadWebsite/image-enhancer/pkg/onnx"
)

func registerShape() {
	register("Identity", handleIdentity)
	register("Constant", handleConstant)
	register("Cast", handleCast)
	register("Shape", handleShape)
	register("Reshape", handleReshape)
	register("Flatten", handleFlatten)
	register("Squeeze", handleSqueeze)
	register("Unsqueeze", handleUnsqueeze)
	register("Transpose", handleTranspose)
	register("Concat", handleConcat)
	register("Split", handleSplit)
	register("Gather", handleGather)
	register("DepthToSpace", handleDepthToSpace)
	register("SpaceToDepth", handleSpaceToDepth)
}

func handleIdentity(_ *execContext, n *onnx.Node, in []*value) ([]*value, error) {
	if err := wantInputs(n, in, 1); err != nil {
		return nil, err
	}
	return []*value{in[0]}, nil
}

func handleConstant(_ *execContext, n *onnx.Node, _ []*value) ([]*value, error) {
	if a := n.Attr("value"); a != nil && a.T != nil {
		v, err := fromProto(a.T)
		if err != nil {
			return nil, err
		}
		return []*value{v}, nil
	}

	if a := n.Attr("value_float"); a != nil {
		return []*value{floatValue(nil, []float32{a.F})}, nil
	}
	if a := n.Attr("value_floats"); a != nil {
		return []*value{floatValue([]int{len(a.Floats)}, slices.Clone(a.Floats))}, nil
	}
	if a := n.Attr("value_int"); a != nil {
		return []*value{intValue(nil, []int64{a.I})}, nil
	}
	if a := n.Attr("value_ints"); a != nil {
		return []*value{intValue([]int{len(a.Ints)}, slices.Clone(a.Ints))}, nil
	}

	return nil, fmt.Errorf("%w: Constant %s has no supported value attribute", ErrUnsupportedOperator, n.Name)
}

func handleCast(_ *execContext, n *onnx.Node, in []*value) ([]*value, error) {
	if err := wantInputs(n, in, 1); err != nil {
		return nil, err
	}

	to := onnx.DataType(n.AttrInt("to", int64(onnx.Float)))
	x := in[0]
	switch to {
	case onnx.Float, onnx.Double:
		return []*value{floatValue(x.shape, slices.Clone(x.float32s()))}, nil
	case onnx.Float16:
		src := x.float32s()
		out := make([]float32, len(src))
		for k, v := range src {
			out[k] = float16.Fromfloat32(v).Float32()
		}
		return []*value{floatValue(x.shape, out)}, nil
	case onnx.Int64, onnx.Int32:
		return []*value{intValue(x.shape, slices.Clone(x.int64s()))}, nil
	default:
		return nil, fmt.Errorf("%w: Cast to %s", ErrUnsupportedOperator, to)
	}
}

func handleShape(_ *execContext, n *onnx.Node, in []*value) ([]*value, error) {
	if err := wantInputs(n, in, 1); err != nil {
		return nil, err
	}

	dims := make([]int64, len(in[0].shape))
	for k, d := range in[0].shape {
		dims[k] = int64(d)
	}
	return []*value{intValue([]int{len(dims)}, dims)}, nil
}

func handleReshape(_ *execContext, n *onnx.Node, in []*value) ([]*value, error) {
	if err := wantInputs(n, in, 2); err != nil {
		return nil, err
	}

	x := in[0]
	target := in[1].int64s()
	allowZero := n.AttrInt("allowzero", 0) != 0

	shape := make([]int, len(target))
	infer := -1
	known := 1
	for k, d := range target {
		switch {
		case d == 0 && !allowZero:
			if k >= x.rank() {
				return nil, fmt.Errorf("Reshape: 0 at axis %d beyond input rank %d", k, x.rank())
			}
			shape[k] = x.shape[k]
		case d == -1:
			if infer >= 0 {
				return nil, fmt.Errorf("Reshape: more than one -1 in %v", target)
			}
			infer = k
			continue
		case d < 0:
			return nil, fmt.Errorf("Reshape: invalid dimension %d", d)
		default:
			shape[k] = int(d)
		}
		known *= shape[k]
	}

	if infer >= 0 {
		if known == 0 || x.size()%known != 0 {
			return nil, fmt.Errorf("Reshape: cannot infer -1 reshaping %v into %v", x.shape, target)
		}
		shape[infer] = x.size() / known
		known *= shape[infer]
	}
	if known != x.size() {
		return nil, fmt.Errorf("Reshape: %v does not fit into %v", x.shape, target)
	}

	return []*value{x.withShape(shape)}, nil
}

func handleFlatten(_ *execContext, n *onnx.Node, in []*value) ([]*value, error) {
	if err := wantInputs(n, in, 1); err != nil {
		return nil, err
	}

	x := in[0]
	axis := int(n.AttrInt("axis", 1))
	if axis < 0 {
		axis += x.rank()
	}
	if axis < 0 || axis > x.rank() {
		return nil, fmt.Errorf("Flatten axis %d out of range for %v", axis, x.shape)
	}

	outer := 1
	for _, d := range x.shape[:axis] {
		outer *= d
	}
	inner := 1
	if outer > 0 {
		inner = x.size() / outer
	}
	return []*value{x.withShape([]int{outer, inner})}, nil
}

// axesOf reads axes from the attribute (before opset 13) or the second input.
func axesOf(n *onnx.Node, in []*value) []int64 {
	if axes := n.AttrInts("axes"); axes != nil {
		return axes
	}
	if v := input(in, 1); v != nil {
		return v.int64s()
	}
	return nil
}

func handleSqueeze(_ *execContext, n *onnx.Node, in []*value) ([]*value, error) {
	if err := wantInputs(n, in, 1); err != nil {
		return nil, err
	}

	x := in[0]
	drop := make(map[int]bool)
	axes := axesOf(n, in)
	for _, a := range axes {
		ax, err := normAxis(a, x.rank())
		if err != nil {
			return nil, fmt.Errorf("Squeeze: %w", err)
		}
		if x.shape[ax] != 1 {
			return nil, fmt.Errorf("Squeeze: axis %d of %v is not 1", ax, x.shape)
		}
		drop[ax] = true
	}

	shape := []int{}
	for k, d := range x.shape {
		if drop[k] || (len(axes) == 0 && d == 1) {
			continue
		}
		shape = append(shape, d)
	}
	return []*value{x.withShape(shape)}, nil
}

func handleUnsqueeze(_ *execContext, n *onnx.Node, in []*value) ([]*value, error) {
	if err := wantInputs(n, in, 1); err != nil {
		return nil, err
	}

	x := in[0]
	axes := axesOf(n, in)
	rank := x.rank() + len(axes)
	insert := make(map[int]bool, len(axes))
	for _, a := range axes {
		ax, err := normAxis(a, rank)
		if err != nil {
			return nil, fmt.Errorf("Unsqueeze: %w", err)
		}
		insert[ax] = true
	}

	shape := make([]int, 0, rank)
	src := 0
	for k := 0; k < rank; k++ {
		if insert[k] {
			shape = append(shape, 1)
			continue
		}
		shape = append(shape, x.shape[src])
		src++
	}
	return []*value{x.withShape(shape)}, nil
}

func handleTranspose(_ *execContext, n *onnx.Node, in []*value) ([]*value, error) {
	if err := wantInputs(n, in, 1); err != nil {
		return nil, err
	}

	x := in[0]
	perm := make([]int, x.rank())
	if p := n.AttrInts("perm"); p != nil {
		if len(p) != x.rank() {
			return nil, fmt.Errorf("Transpose perm %v for %v", p, x.shape)
		}
		for k, v := range p {
			perm[k] = int(v)
		}
	} else {
		for k := range perm {
			perm[k] = x.rank() - 1 - k
		}
	}

	return []*value{permute(x, perm)}, nil
}

// permute moves axis perm[k] of x to axis k.
func permute(x *value, perm []int) *value {
	shape := make([]int, len(perm))
	src := strides(x.shape)
	step := make([]int, len(perm))
	for k, p := range perm {
		shape[k] = x.shape[p]
		step[k] = src[p]
	}

	if x.ints {
		return intValue(shape, gatherStrided(x.i, shape, step))
	}
	return floatValue(shape, gatherStrided(x.f, shape, step))
}

func gatherStrided[T any](data []T, shape, step []int) []T {
	total := 1
	for _, d := range shape {
		total *= d
	}

	out := make([]T, total)
	idx := make([]int, len(shape))
	off := 0
	for k := range out {
		out[k] = data[off]
		for a := len(shape) - 1; a >= 0; a-- {
			idx[a]++
			off += step[a]
			if idx[a] < shape[a] {
				break
			}
			off -= step[a] * idx[a]
			idx[a] = 0
		}
	}
	return out
}

func handleConcat(_ *execContext, n *onnx.Node, in []*value) ([]*value, error) {
	if len(in) == 0 || in[0] == nil {
		return nil, fmt.Errorf("Concat %s has no inputs", n.Name)
	}

	first := in[0]
	axis, err := normAxis(n.AttrInt("axis", 0), first.rank())
	if err != nil {
		return nil, fmt.Errorf("Concat: %w", err)
	}

	shape := slices.Clone(first.shape)
	shape[axis] = 0
	ints := true
	for _, v := range in {
		if v == nil || v.rank() != first.rank() {
			return nil, fmt.Errorf("Concat %s: inputs differ in rank", n.Name)
		}
		for k := range shape {
			if k != axis && v.shape[k] != first.shape[k] {
				return nil, fmt.Errorf("Concat %s: %v and %v differ on axis %d", n.Name, first.shape, v.shape, k)
			}
		}
		shape[axis] += v.shape[axis]
		ints = ints && v.ints
	}

	outer := 1
	for _, d := range shape[:axis] {
		outer *= d
	}

	if ints {
		parts := make([][]int64, len(in))
		for k, v := range in {
			parts[k] = v.i
		}
		return []*value{intValue(shape, concat(parts, outer))}, nil
	}

	parts := make([][]float32, len(in))
	for k, v := range in {
		parts[k] = v.float32s()
	}
	return []*value{floatValue(shape, concat(parts, outer))}, nil
}

// concat interleaves outer blocks of every part.
func concat[T any](parts [][]T, outer int) []T {
	total := 0
	for _, p := range parts {
		total += len(p)
	}

	out := make([]T, 0, total)
	for o := 0; o < outer; o++ {
		for _, p := range parts {
			block := len(p) / outer
			out = append(out, p[o*block:(o+1)*block]...)
		}
	}
	return out
}

func handleSplit(_ *execContext, n *onnx.Node, in []*value) ([]*value, error) {
	if err := wantInputs(n, in, 1); err != nil {
		return nil, err
	}

	x := in[0]
	axis, err := normAxis(n.AttrInt("axis", 0), x.rank())
	if err != nil {
		return nil, fmt.Errorf("Split: %w", err)
	}

	sizes := n.AttrInts("split")
	if v := input(in, 1); v != nil {
		sizes = v.int64s()
	}
	if sizes == nil {
		parts := int64(len(n.Outputs))
		if parts == 0 || int64(x.shape[axis])%parts != 0 {
			return nil, fmt.Errorf("Split: axis %d of %v does not divide into %d parts", axis, x.shape, parts)
		}
		for range n.Outputs {
			sizes = append(sizes, int64(x.shape[axis])/parts)
		}
	}

	var total int64
	for _, s := range sizes {
		total += s
	}
	if total != int64(x.shape[axis]) {
		return nil, fmt.Errorf("Split: sizes %v do not cover axis %d of %v", sizes, axis, x.shape)
	}

	outer := 1
	for _, d := range x.shape[:axis] {
		outer *= d
	}
	inner := x.size() / max(outer, 1) / max(x.shape[axis], 1)

	xf := x.float32s()
	outs := make([]*value, len(sizes))
	offset := 0
	for k, s := range sizes {
		shape := slices.Clone(x.shape)
		shape[axis] = int(s)
		out := newFloat(shape...)
		block := int(s) * inner
		for o := 0; o < outer; o++ {
			src := o*x.shape[axis]*inner + offset*inner
			copy(out.f[o*block:(o+1)*block], xf[src:src+block])
		}
		outs[k] = out
		offset += int(s)
	}

	return outs, nil
}

func handleGather(_ *execContext, n *onnx.Node, in []*value) ([]*value, error) {
	if err := wantInputs(n, in, 2); err != nil {
		return nil, err
	}

	x, idx := in[0], in[1]
	axis, err := normAxis(n.AttrInt("axis", 0), x.rank())
	if err != nil {
		return nil, fmt.Errorf("Gather: %w", err)
	}

	indices := slices.Clone(idx.int64s())
	for k, i := range indices {
		if i < 0 {
			i += int64(x.shape[axis])
		}
		if i < 0 || i >= int64(x.shape[axis]) {
			return nil, fmt.Errorf("Gather: index %d out of range for axis %d of %v", indices[k], axis, x.shape)
		}
		indices[k] = i
	}

	shape := append(append(slices.Clone(x.shape[:axis]), idx.shape...), x.shape[axis+1:]...)
	outer := 1
	for _, d := range x.shape[:axis] {
		outer *= d
	}
	inner := 1
	for _, d := range x.shape[axis+1:] {
		inner *= d
	}

	if x.ints {
		return []*value{intValue(shape, gather(x.i, indices, outer, x.shape[axis], inner))}, nil
	}
	return []*value{floatValue(shape, gather(x.f, indices, outer, x.shape[axis], inner))}, nil
}

func gather[T any](data []T, indices []int64, outer, axisLen, inner int) []T {
	out := make([]T, 0, outer*len(indices)*inner)
	for o := 0; o < outer; o++ {
		for _, i := range indices {
			src := (o*axisLen + int(i)) * inner
			out = append(out, data[src:src+inner]...)
		}
	}
	return out
}

func handleDepthToSpace(_ *execContext, n *onnx.Node, in []*value) ([]*value, error) {
	if err := wantInputs(n, in, 1); err != nil {
		return nil, err
	}

	x := in[0]
	bs := int(n.AttrInt("blocksize", 0))
	if x.rank() != 4 || bs < 1 || x.shape[1]%(bs*bs) != 0 {
		return nil, fmt.Errorf("DepthToSpace cannot rearrange %v with block %d", x.shape, bs)
	}

	b, c, h, w := x.shape[0], x.shape[1]/(bs*bs), x.shape[2], x.shape[3]
	var tmp *value
	switch mode := n.AttrString("mode", "DCR"); mode {
	case "DCR":
		tmp = permute(x.withShape([]int{b, bs, bs, c, h, w}), []int{0, 3, 4, 1, 5, 2})
	case "CRD":
		tmp = permute(x.withShape([]int{b, c, bs, bs, h, w}), []int{0, 1, 4, 2, 5, 3})
	default:
		return nil, fmt.Errorf("%w: DepthToSpace mode %s", ErrUnsupportedOperator, mode)
	}

	return []*value{tmp.withShape([]int{b, c, h * bs, w * bs})}, nil
}

func handleSpaceToDepth(_ *execContext, n *onnx.Node, in []*value) ([]*value, error) {
	if err := wantInputs(n, in, 1); err != nil {
		return nil, err
	}

	x := in[0]
	bs := int(n.AttrInt("blocksize", 0))
	if x.rank() != 4 || bs < 1 || x.shape[2]%bs != 0 || x.shape[3]%bs != 0 {
		return nil, fmt.Errorf("SpaceToDepth cannot rearrange %v with block %d", x.shape, bs)
	}

	b, c, h, w := x.shape[0], x.shape[1], x.shape[2]/bs, x.shape[3]/bs
	tmp := permute(x.withShape([]int{b, c, h, bs, w, bs}), []int{0, 3, 5, 1, 2, 4})
	return []*value{tmp.withShape([]int{b, c * bs * bs, h, w})}, nil
}
