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

package onnx

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned when bytes are not a well-formed ONNX model.
var ErrMalformed = errors.New("malformed onnx model")

// Unmarshal decodes an ONNX model. Unknown fields are skipped.
func Unmarshal(data []byte) (*Model, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformed)
	}

	m := &Model{}
	if err := decodeModel(data, m); err != nil {
		return nil, err
	}

	if m.Graph == nil {
		return nil, fmt.Errorf("%w: model has no graph", ErrMalformed)
	}

	return m, nil
}

// fieldFunc decodes one field starting at b and returns the number of bytes
// consumed. Returning skip leaves the field to the generic skipper.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

const skip = -1

func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return malformed(protowire.ParseError(n))
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}

		if m == skip {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return malformed(protowire.ParseError(m))
			}
		}
		b = b[m:]
	}

	return nil
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("%w: expected length-delimited field, got wire type %d", ErrMalformed, typ)
	}

	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, malformed(protowire.ParseError(n))
	}

	return v, n, nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("%w: expected varint field, got wire type %d", ErrMalformed, typ)
	}

	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, malformed(protowire.ParseError(n))
	}

	return v, n, nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	v, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}

	*dst = string(v)
	return n, nil
}

// consumeVarints reads a repeated varint field in packed or unpacked form.
func consumeVarints(typ protowire.Type, b []byte, fn func(uint64)) (int, error) {
	if typ == protowire.VarintType {
		v, n, err := consumeVarint(typ, b)
		if err != nil {
			return 0, err
		}
		fn(v)
		return n, nil
	}

	packed, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return 0, malformed(protowire.ParseError(m))
		}
		fn(v)
		packed = packed[m:]
	}

	return n, nil
}

// consumeFloats reads a repeated float field in packed or unpacked form.
func consumeFloats(typ protowire.Type, b []byte, fn func(float32)) (int, error) {
	if typ == protowire.Fixed32Type {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return 0, malformed(protowire.ParseError(n))
		}
		fn(math.Float32frombits(v))
		return n, nil
	}

	packed, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	if len(packed)%4 != 0 {
		return 0, fmt.Errorf("%w: packed float field of %d bytes", ErrMalformed, len(packed))
	}
	for len(packed) > 0 {
		v, _ := protowire.ConsumeFixed32(packed)
		fn(math.Float32frombits(v))
		packed = packed[4:]
	}

	return n, nil
}

func consumeDoubles(typ protowire.Type, b []byte, fn func(float64)) (int, error) {
	if typ == protowire.Fixed64Type {
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return 0, malformed(protowire.ParseError(n))
		}
		fn(math.Float64frombits(v))
		return n, nil
	}

	packed, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	if len(packed)%8 != 0 {
		return 0, fmt.Errorf("%w: packed double field of %d bytes", ErrMalformed, len(packed))
	}
	for len(packed) > 0 {
		v, _ := protowire.ConsumeFixed64(packed)
		fn(math.Float64frombits(v))
		packed = packed[8:]
	}

	return n, nil
}

func consumeMessage(typ protowire.Type, b []byte, decode func([]byte) error) (int, error) {
	sub, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}

	if err := decode(sub); err != nil {
		return 0, err
	}

	return n, nil
}

func decodeModel(data []byte, m *Model) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			m.IRVersion = int64(v)
			return n, err
		case 2:
			return consumeString(typ, b, &m.ProducerName)
		case 3:
			return consumeString(typ, b, &m.ProducerVersion)
		case 4:
			return consumeString(typ, b, &m.Domain)
		case 5:
			v, n, err := consumeVarint(typ, b)
			m.ModelVersion = int64(v)
			return n, err
		case 6:
			return consumeString(typ, b, &m.DocString)
		case 7:
			return consumeMessage(typ, b, func(sub []byte) error {
				m.Graph = &Graph{}
				return decodeGraph(sub, m.Graph)
			})
		case 8:
			return consumeMessage(typ, b, func(sub []byte) error {
				var o OpsetID
				err := walk(sub, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case 1:
						return consumeString(typ, b, &o.Domain)
					case 2:
						v, n, err := consumeVarint(typ, b)
						o.Version = int64(v)
						return n, err
					}
					return skip, nil
				})
				m.OpsetImport = append(m.OpsetImport, o)
				return err
			})
		case 14:
			return consumeMessage(typ, b, func(sub []byte) error {
				var e StringEntry
				err := walk(sub, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					switch num {
					case 1:
						return consumeString(typ, b, &e.Key)
					case 2:
						return consumeString(typ, b, &e.Value)
					}
					return skip, nil
				})
				m.MetadataProps = append(m.MetadataProps, e)
				return err
			})
		}

		return skip, nil
	})
}

func decodeGraph(data []byte, g *Graph) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeMessage(typ, b, func(sub []byte) error {
				n := &Node{}
				g.Nodes = append(g.Nodes, n)
				return decodeNode(sub, n)
			})
		case 2:
			return consumeString(typ, b, &g.Name)
		case 5:
			return consumeMessage(typ, b, func(sub []byte) error {
				t := &Tensor{}
				g.Initializers = append(g.Initializers, t)
				return decodeTensor(sub, t)
			})
		case 10:
			return consumeString(typ, b, &g.DocString)
		case 11, 12, 13:
			return consumeMessage(typ, b, func(sub []byte) error {
				v := &ValueInfo{}
				switch num {
				case 11:
					g.Inputs = append(g.Inputs, v)
				case 12:
					g.Outputs = append(g.Outputs, v)
				default:
					g.ValueInfo = append(g.ValueInfo, v)
				}
				return decodeValueInfo(sub, v)
			})
		}

		return skip, nil
	})
}

func decodeNode(data []byte, n *Node) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2:
			var s string
			m, err := consumeString(typ, b, &s)
			if num == 1 {
				n.Inputs = append(n.Inputs, s)
			} else {
				n.Outputs = append(n.Outputs, s)
			}
			return m, err
		case 3:
			return consumeString(typ, b, &n.Name)
		case 4:
			return consumeString(typ, b, &n.OpType)
		case 5:
			return consumeMessage(typ, b, func(sub []byte) error {
				a := &Attribute{}
				n.Attributes = append(n.Attributes, a)
				return decodeAttribute(sub, a)
			})
		case 6:
			return consumeString(typ, b, &n.DocString)
		case 7:
			return consumeString(typ, b, &n.Domain)
		}

		return skip, nil
	})
}

func decodeAttribute(data []byte, a *Attribute) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &a.Name)
		case 2:
			if typ != protowire.Fixed32Type {
				return 0, fmt.Errorf("%w: attribute %q float has wire type %d", ErrMalformed, a.Name, typ)
			}
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return 0, malformed(protowire.ParseError(n))
			}
			a.F = math.Float32frombits(v)
			return n, nil
		case 3:
			v, n, err := consumeVarint(typ, b)
			a.I = int64(v)
			return n, err
		case 4:
			v, n, err := consumeBytes(typ, b)
			a.S = append([]byte(nil), v...)
			return n, err
		case 5:
			return consumeMessage(typ, b, func(sub []byte) error {
				a.T = &Tensor{}
				return decodeTensor(sub, a.T)
			})
		case 6:
			return consumeMessage(typ, b, func(sub []byte) error {
				a.G = &Graph{}
				return decodeGraph(sub, a.G)
			})
		case 7:
			return consumeFloats(typ, b, func(f float32) { a.Floats = append(a.Floats, f) })
		case 8:
			return consumeVarints(typ, b, func(v uint64) { a.Ints = append(a.Ints, int64(v)) })
		case 9:
			v, n, err := consumeBytes(typ, b)
			a.Strings = append(a.Strings, append([]byte(nil), v...))
			return n, err
		case 10:
			return consumeMessage(typ, b, func(sub []byte) error {
				t := &Tensor{}
				a.Tensors = append(a.Tensors, t)
				return decodeTensor(sub, t)
			})
		case 11:
			return consumeMessage(typ, b, func(sub []byte) error {
				g := &Graph{}
				a.Graphs = append(a.Graphs, g)
				return decodeGraph(sub, g)
			})
		case 13:
			return consumeString(typ, b, &a.DocString)
		case 20:
			v, n, err := consumeVarint(typ, b)
			a.Type = AttributeType(v)
			return n, err
		}

		return skip, nil
	})
}

func decodeTensor(data []byte, t *Tensor) error {
	err := walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeVarints(typ, b, func(v uint64) { t.Dims = append(t.Dims, int64(v)) })
		case 2:
			v, n, err := consumeVarint(typ, b)
			t.DataType = DataType(v)
			return n, err
		case 4:
			return consumeFloats(typ, b, func(f float32) { t.FloatData = append(t.FloatData, f) })
		case 5:
			return consumeVarints(typ, b, func(v uint64) { t.Int32Data = append(t.Int32Data, int32(v)) })
		case 7:
			return consumeVarints(typ, b, func(v uint64) { t.Int64Data = append(t.Int64Data, int64(v)) })
		case 8:
			return consumeString(typ, b, &t.Name)
		case 9:
			v, n, err := consumeBytes(typ, b)
			t.RawData = append([]byte(nil), v...)
			return n, err
		case 10:
			return consumeDoubles(typ, b, func(f float64) { t.DoubleData = append(t.DoubleData, f) })
		case 12:
			return consumeString(typ, b, &t.DocString)
		case 13, 14:
			return 0, fmt.Errorf("%w: tensor %q uses external data, which is not supported", ErrMalformed, t.Name)
		}

		return skip, nil
	})
	if err != nil {
		return err
	}

	for _, d := range t.Dims {
		if d < 0 {
			return fmt.Errorf("%w: tensor %q has negative dimension %d", ErrMalformed, t.Name, d)
		}
	}

	return nil
}

func decodeValueInfo(data []byte, v *ValueInfo) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &v.Name)
		case 2:
			return consumeMessage(typ, b, func(sub []byte) error {
				return walk(sub, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					if num != 1 {
						return skip, nil
					}
					return consumeMessage(typ, b, func(sub []byte) error {
						return decodeTensorType(sub, v)
					})
				})
			})
		case 3:
			return consumeString(typ, b, &v.DocString)
		}

		return skip, nil
	})
}

func decodeTensorType(data []byte, v *ValueInfo) error {
	return walk(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			e, n, err := consumeVarint(typ, b)
			v.ElemType = DataType(e)
			return n, err
		case 2:
			return consumeMessage(typ, b, func(sub []byte) error {
				v.Dims = []Dim{}
				return walk(sub, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					if num != 1 {
						return skip, nil
					}
					return consumeMessage(typ, b, func(sub []byte) error {
						var d Dim
						err := walk(sub, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
							switch num {
							case 1:
								x, n, err := consumeVarint(typ, b)
								d.Value = int64(x)
								return n, err
							case 2:
								return consumeString(typ, b, &d.Param)
							}
							return skip, nil
						})
						v.Dims = append(v.Dims, d)
						return err
					})
				})
			})
		}

		return skip, nil
	})
}
