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

package checkpoint

import (
	"container/list"
	"fmt"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/sirupsen/logrus"

	"github.com/MohanadWebsite/image-enhancer/pkg/tensor"
)

// loadTorch decodes a PyTorch checkpoint written by torch.save, in either
// the zip or the legacy pickle layout.
func loadTorch(path string) (*Container, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFormat, path, err)
	}

	c, ok, err := convertValue(obj)
	if err != nil {
		return nil, err
	}

	root, isContainer := c.(*Container)
	if !ok || !isContainer {
		return nil, fmt.Errorf("%w: %s does not hold a state dict, got %T", ErrFormat, path, obj)
	}

	return root, nil
}

// convertValue maps pickled values onto container values. The boolean is
// false for values that carry no weights.
func convertValue(v any) (any, bool, error) {
	switch x := v.(type) {
	case *pytorch.Tensor:
		t, err := convertTensor(x)
		if err != nil {
			return nil, false, err
		}
		return t, true, nil
	case *types.OrderedDict:
		c := NewContainer()
		for e := x.List.Front(); e != nil; e = e.Next() {
			if err := setEntry(c, e); err != nil {
				return nil, false, err
			}
		}
		return c, true, nil
	case *types.Dict:
		c := NewContainer()
		for _, k := range x.Keys() {
			val, _ := x.Get(k)
			if err := setConverted(c, k, val); err != nil {
				return nil, false, err
			}
		}
		return c, true, nil
	case string, int, int64, float64, bool:
		return x, true, nil
	default:
		return nil, false, nil
	}
}

func setEntry(c *Container, e *list.Element) error {
	entry, ok := e.Value.(*types.OrderedDictEntry)
	if !ok {
		return nil
	}

	return setConverted(c, entry.Key, entry.Value)
}

func setConverted(c *Container, key, val any) error {
	name, ok := key.(string)
	if !ok {
		logrus.Debugf("checkpoint: skipping non-string key [key: %v]", key)
		return nil
	}

	conv, ok, err := convertValue(val)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if ok {
		c.Set(name, conv)
	}

	return nil
}

// convertTensor copies a tensor view out of its storage, honoring the
// storage offset and strides. Half and double storages are widened or
// narrowed to float32.
func convertTensor(t *pytorch.Tensor) (*tensor.Tensor, error) {
	var src []float32
	switch s := t.Source.(type) {
	case *pytorch.FloatStorage:
		src = s.Data
	case *pytorch.HalfStorage:
		src = s.Data
	case *pytorch.DoubleStorage:
		src = make([]float32, len(s.Data))
		for i, v := range s.Data {
			src[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported storage %T", ErrFormat, t.Source)
	}

	out := tensor.New(t.Size...)
	if out.Len() == 0 {
		return out, nil
	}

	if contiguous(t.Size, t.Stride) {
		end := t.StorageOffset + out.Len()
		if t.StorageOffset < 0 || end > len(src) {
			return nil, fmt.Errorf("%w: tensor view %v at offset %d exceeds storage of %d", ErrFormat, t.Size, t.StorageOffset, len(src))
		}
		copy(out.Data, src[t.StorageOffset:end])
		return out, nil
	}

	idx := make([]int, len(t.Size))
	for i := range out.Data {
		off := t.StorageOffset
		for d, k := range idx {
			off += k * t.Stride[d]
		}
		if off < 0 || off >= len(src) {
			return nil, fmt.Errorf("%w: tensor view %v exceeds storage of %d", ErrFormat, t.Size, len(src))
		}
		out.Data[i] = src[off]

		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < t.Size[d] {
				break
			}
			idx[d] = 0
		}
	}

	return out, nil
}

func contiguous(size, stride []int) bool {
	if len(stride) != len(size) {
		return len(stride) == 0
	}

	want := 1
	for d := len(size) - 1; d >= 0; d-- {
		if size[d] != 1 && stride[d] != want {
			return false
		}
		want *= size[d]
	}

	return true
}
