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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/x448/float16"

	"github.com/MohanadWebsite/image-enhancer/pkg/tensor"
)

// maxHeaderSize bounds the JSON header of a safetensors file.
const maxHeaderSize = 100 << 20

type safetensorsEntry struct {
	name        string
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// isSafetensors reports whether data starts like a safetensors file:
// a little-endian header length followed by a JSON object.
func isSafetensors(data []byte) bool {
	if len(data) < 9 {
		return false
	}

	n := binary.LittleEndian.Uint64(data)
	return n > 0 && n <= maxHeaderSize && data[8] == '{'
}

// parseSafetensors decodes every floating point tensor of a safetensors
// file, in data order.
func parseSafetensors(data []byte) (*Container, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: safetensors file is truncated", ErrFormat)
	}

	size := binary.LittleEndian.Uint64(data)
	if size > maxHeaderSize || uint64(len(data)-8) < size {
		return nil, fmt.Errorf("%w: invalid safetensors header size %d", ErrFormat, size)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+size], &raw); err != nil {
		return nil, fmt.Errorf("%w: failed to parse safetensors header: %v", ErrFormat, err)
	}

	entries := make([]safetensorsEntry, 0, len(raw))
	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}

		e := safetensorsEntry{name: name}
		if err := json.Unmarshal(msg, &e); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %v", ErrFormat, name, err)
		}
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].DataOffsets[0] != entries[j].DataOffsets[0] {
			return entries[i].DataOffsets[0] < entries[j].DataOffsets[0]
		}
		return entries[i].name < entries[j].name
	})

	body := data[8+size:]
	c := NewContainer()
	for _, e := range entries {
		start, end := e.DataOffsets[0], e.DataOffsets[1]
		if start < 0 || end < start || end > int64(len(body)) {
			return nil, fmt.Errorf("%w: tensor %s has data offsets [%d, %d] outside the file", ErrFormat, e.name, start, end)
		}

		t, ok, err := decodeSafetensor(e, body[start:end])
		if err != nil {
			return nil, err
		}
		if ok {
			c.Set(e.name, t)
		}
	}

	return c, nil
}

func decodeSafetensor(e safetensorsEntry, raw []byte) (*tensor.Tensor, bool, error) {
	var width int
	switch e.DType {
	case "F32":
		width = 4
	case "F16", "BF16":
		width = 2
	case "F64":
		width = 8
	default:
		// Integer buffers such as counters carry no weights.
		return nil, false, nil
	}

	t := tensor.New(e.Shape...)
	if len(raw) != t.Len()*width {
		return nil, false, fmt.Errorf("%w: tensor %s holds %d bytes, shape %v needs %d", ErrFormat, e.name, len(raw), e.Shape, t.Len()*width)
	}

	for i := range t.Data {
		switch e.DType {
		case "F32":
			t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		case "F16":
			t.Data[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
		case "BF16":
			t.Data[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[2*i:])) << 16)
		case "F64":
			t.Data[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:])))
		}
	}

	return t, true, nil
}
