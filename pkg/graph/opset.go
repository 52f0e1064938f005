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

import "fmt"

const (
	// MinOpset is the oldest opset the builder can emit. Resize with explicit
	// coordinate transformation modes and DepthToSpace CRD need 11.
	MinOpset = 11

	// MaxOpset is the newest opset the builder knows how to emit.
	MaxOpset = 17

	// DefaultOpset matches the conversion scripts' default.
	DefaultOpset = 11
)

// minOpset is the first opset in which each emitted operator has the
// signature the builder uses.
var minOpset = map[string]int64{
	"Add":          7,
	"Concat":       4,
	"Conv":         1,
	"DepthToSpace": 11,
	"Div":          7,
	"Flatten":      11,
	"Gather":       11,
	"Gemm":         11,
	"Identity":     1,
	"LeakyRelu":    6,
	"MatMul":       9,
	"Mul":          7,
	"PRelu":        9,
	"Reciprocal":   6,
	"Relu":         6,
	"Reshape":      5,
	"Resize":       11,
	"SpaceToDepth": 1,
	"Split":        11,
	"Sqrt":         6,
	"Squeeze":      11,
	"Sub":          7,
	"Transpose":    1,
}

// IRVersion returns the IR version matching the opset, as onnx.helper does.
func IRVersion(opset int64) int64 {
	switch {
	case opset <= 11:
		return 6
	case opset <= 14:
		return 7
	case opset <= 18:
		return 8
	default:
		return 9
	}
}

// CheckOpset rejects opsets the builder has no emission rules for. Opsets
// below MinOpset pass here and fail on the first operator that needs more.
func CheckOpset(opset int64) error {
	if opset < 1 || opset > MaxOpset {
		return fmt.Errorf("%w: opset %d outside supported range [1, %d]", ErrUnsupportedOp, opset, MaxOpset)
	}

	return nil
}

func (b *Builder) requireOp(op string) bool {
	since, ok := minOpset[op]
	if !ok {
		b.fail(fmt.Errorf("%w: %s has no exporter", ErrUnsupportedOp, op))
		return false
	}

	if b.opset < since {
		b.fail(fmt.Errorf("%w: %s requires opset >= %d, target is %d", ErrUnsupportedOp, op, since, b.opset))
		return false
	}

	return true
}
