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
)

// Options configures an architecture. Fields an architecture does not use
// are ignored; zero values select the architecture's defaults.
type Options struct {
	InChannels  int
	OutChannels int
	Scale       int
	NumFeat     int

	// RRDBNet.
	NumBlock  int
	NumGrowCh int

	// SRVGGNetCompact.
	NumConv int
	Act     string

	// GFPGANv1Clean.
	OutSize           int
	NumStyleFeat      int
	ChannelMultiplier int
	Narrow            float64
	SFTHalf           *bool
}

type entry struct {
	name  string
	build func(Options) (Architecture, error)
}

// Registry holds the available architectures.
type Registry struct {
	entries []entry
}

// NewRegistry creates a registry with all available architectures.
func NewRegistry() *Registry {
	return &Registry{
		entries: []entry{
			{name: RRDBNetName, build: wrap(NewRRDBNet)},
			{name: SRVGGName, build: wrap(NewSRVGG)},
			{name: GFPGANName, build: wrap(NewGFPGAN)},
		},
	}
}

// Get returns the named architecture configured with opts.
func (r *Registry) Get(name string, opts Options) (Architecture, error) {
	for _, e := range r.entries {
		if e.name == name {
			return e.build(opts)
		}
	}

	return nil, fmt.Errorf("architecture not found: %s", name)
}

// Names returns the names of all registered architectures.
func (r *Registry) Names() []string {
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.name
	}

	return names
}

// wrap adapts a typed constructor, keeping a failed construction a nil
// interface.
func wrap[T Architecture](fn func(Options) (T, error)) func(Options) (Architecture, error) {
	return func(o Options) (Architecture, error) {
		a, err := fn(o)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
}

var defaultRegistry = NewRegistry()

// Lookup returns the named architecture from the default registry.
func Lookup(name string, opts Options) (Architecture, error) {
	return defaultRegistry.Get(name, opts)
}

// Names lists the default registry.
func Names() []string {
	return defaultRegistry.Names()
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}

	return v
}
