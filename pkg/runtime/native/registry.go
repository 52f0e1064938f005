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
	"context"
	"fmt"
	"sort"

	"github.com/MohanadWebsite/image-enhancer/pkg/onnx"
)

// handler evaluates one node.
type handler func(ec *execContext, n *onnx.Node, in []*value) ([]*value, error)

// execContext carries per-run settings into kernels.
type execContext struct {
	ctx     context.Context
	threads int
}

var handlers = map[string]handler{}

func register(op string, h handler) {
	if _, dup := handlers[op]; dup {
		panic(fmt.Sprintf("native: operator %s registered twice", op))
	}
	handlers[op] = h
}

func init() {
	registerMath()
	registerShape()
	registerConv()
	registerResize()
}

// SupportedOps returns the sorted operator types the interpreter implements.
func SupportedOps() []string {
	ops := make([]string, 0, len(handlers))
	for op := range handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// input returns the i-th input or nil when it is absent or empty.
func input(in []*value, i int) *value {
	if i < len(in) {
		return in[i]
	}
	return nil
}

func wantInputs(n *onnx.Node, in []*value, count int) error {
	if len(in) < count {
		return fmt.Errorf("%s %s: needs %d inputs, got %d", n.OpType, n.Name, count, len(in))
	}
	for k := 0; k < count; k++ {
		if in[k] == nil {
			return fmt.Errorf("%s %s: input %d is missing", n.OpType, n.Name, k)
		}
	}
	return nil
}
