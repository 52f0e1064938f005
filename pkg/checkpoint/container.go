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
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/MohanadWebsite/image-enhancer/pkg/tensor"
)

// Container is a decoded checkpoint: an ordered map whose values are tensors,
// nested containers or plain scalars such as an epoch counter.
type Container struct {
	entries *orderedmap.OrderedMap[string, any]
}

// NewContainer returns an empty container.
func NewContainer() *Container {
	return &Container{entries: orderedmap.New[string, any]()}
}

// Set stores a value, keeping the first insertion position of key.
func (c *Container) Set(key string, v any) {
	c.entries.Set(key, v)
}

// Get returns the raw value stored under key.
func (c *Container) Get(key string) (any, bool) {
	return c.entries.Get(key)
}

// Tensor returns the tensor stored under key.
func (c *Container) Tensor(key string) (*tensor.Tensor, bool) {
	v, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}

	t, ok := v.(*tensor.Tensor)
	return t, ok
}

// Child returns the nested container stored under key.
func (c *Container) Child(key string) (*Container, bool) {
	v, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}

	child, ok := v.(*Container)
	return child, ok
}

// Keys returns the keys in insertion order.
func (c *Container) Keys() []string {
	keys := make([]string, 0, c.entries.Len())
	for p := c.entries.Oldest(); p != nil; p = p.Next() {
		keys = append(keys, p.Key)
	}
	return keys
}

// Len returns the number of entries.
func (c *Container) Len() int {
	return c.entries.Len()
}

// Parameters collects the tensors stored directly in the container.
func (c *Container) Parameters() *ParameterSet {
	ps := NewParameterSet()
	for p := c.entries.Oldest(); p != nil; p = p.Next() {
		if t, ok := p.Value.(*tensor.Tensor); ok {
			ps.Set(p.Key, t)
		}
	}
	return ps
}

// ParameterSet is an ordered mapping from parameter name to tensor.
type ParameterSet struct {
	params *orderedmap.OrderedMap[string, *tensor.Tensor]
}

// NewParameterSet returns an empty set.
func NewParameterSet() *ParameterSet {
	return &ParameterSet{params: orderedmap.New[string, *tensor.Tensor]()}
}

// Set stores a parameter.
func (ps *ParameterSet) Set(name string, t *tensor.Tensor) {
	ps.params.Set(name, t)
}

// Get returns a parameter by name.
func (ps *ParameterSet) Get(name string) (*tensor.Tensor, bool) {
	return ps.params.Get(name)
}

// Len returns the number of parameters.
func (ps *ParameterSet) Len() int {
	return ps.params.Len()
}

// Names returns parameter names in insertion order.
func (ps *ParameterSet) Names() []string {
	names := make([]string, 0, ps.params.Len())
	for p := ps.params.Oldest(); p != nil; p = p.Next() {
		names = append(names, p.Key)
	}
	return names
}

// NumElements returns the total number of scalar values.
func (ps *ParameterSet) NumElements() int {
	n := 0
	for p := ps.params.Oldest(); p != nil; p = p.Next() {
		n += p.Value.Len()
	}
	return n
}
