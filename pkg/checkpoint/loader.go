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
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/MohanadWebsite/image-enhancer/pkg/tensor"
)

// Layout names where a checkpoint keeps its weights.
type Layout string

const (
	// Direct is a bare state dict.
	Direct Layout = "direct"

	// Params is a state dict nested under "params".
	Params Layout = "params"

	// ParamsEMA is a state dict nested under "params_ema", as in the
	// RealESRGAN and GFPGAN releases.
	ParamsEMA Layout = "params_ema"

	// Legacy is a bare state dict with pre-rename key names.
	Legacy Layout = "legacy"
)

// ParamSpec declares one parameter an architecture expects.
type ParamSpec struct {
	Name  string
	Shape []int
}

// Target is what weights are loaded into.
type Target interface {
	Parameters() []ParamSpec
}

// LegacyNamer is implemented by targets whose older checkpoints use
// different key names. LegacyName maps an old key to the current one and
// returns false when the key has no mapping.
type LegacyNamer interface {
	LegacyName(key string) (string, bool)
}

// LoadOptions controls how mismatches are handled.
type LoadOptions struct {
	// Strict fails with ErrLoadMismatch instead of loading a partial match.
	Strict bool
}

// LoadReport describes the outcome of assigning a checkpoint to a target.
type LoadReport struct {
	Layout     Layout   `json:"layout"`
	Loaded     []string `json:"loaded"`
	Missing    []string `json:"missing"`
	Mismatched []string `json:"mismatched"`
	Unexpected []string `json:"unexpected"`
	Complete   bool     `json:"complete"`
}

// Summary is a one-line description of the report.
func (r *LoadReport) Summary() string {
	return fmt.Sprintf("layout %s: %d loaded, %d missing, %d mismatched, %d unexpected",
		r.Layout, len(r.Loaded), len(r.Missing), len(r.Mismatched), len(r.Unexpected))
}

type candidate struct {
	layout Layout
	params *ParameterSet
}

// candidates lists the layouts the container offers, in priority order.
func candidates(c *Container, target Target) []candidate {
	var out []candidate
	out = append(out, candidate{Direct, c.Parameters()})

	for _, layout := range []Layout{Params, ParamsEMA} {
		if child, ok := c.Child(string(layout)); ok {
			out = append(out, candidate{layout, child.Parameters()})
		}
	}

	if namer, ok := target.(LegacyNamer); ok {
		renamed := NewParameterSet()
		direct := c.Parameters()
		for _, name := range direct.Names() {
			t, _ := direct.Get(name)
			if to, ok := namer.LegacyName(name); ok {
				renamed.Set(to, t)
			} else {
				renamed.Set(name, t)
			}
		}
		out = append(out, candidate{Legacy, renamed})
	}

	return out
}

// match compares a candidate with the declared parameters.
func match(specs []ParamSpec, ps *ParameterSet, layout Layout) *LoadReport {
	r := &LoadReport{Layout: layout}
	declared := make(map[string]bool, len(specs))
	for _, spec := range specs {
		declared[spec.Name] = true

		t, ok := ps.Get(spec.Name)
		switch {
		case !ok:
			r.Missing = append(r.Missing, spec.Name)
		case !slices.Equal(t.Shape, spec.Shape):
			r.Mismatched = append(r.Mismatched, spec.Name)
		default:
			r.Loaded = append(r.Loaded, spec.Name)
		}
	}

	for _, name := range ps.Names() {
		if !declared[name] {
			r.Unexpected = append(r.Unexpected, name)
		}
	}

	r.Complete = len(r.Missing) == 0 && len(r.Mismatched) == 0
	return r
}

// Load assigns the checkpoint to target. Layouts are tried in priority order
// and the first structural match wins. Without a match the layout covering
// the most parameters is used and the rest stay zero, unless opts.Strict is set.
//
// The returned set holds every declared parameter. Loaded tensors are copies
// of the checkpoint values.
func Load(c *Container, target Target, opts LoadOptions) (*ParameterSet, *LoadReport, error) {
	specs := target.Parameters()
	best, bestParams := choose(c, target, specs)

	if !best.Complete {
		if opts.Strict {
			return nil, best, fmt.Errorf("%w: %s", ErrLoadMismatch, best.Summary())
		}
		logrus.Warnf("checkpoint: loading partial weights [%s]", best.Summary())
	}

	loaded := make(map[string]bool, len(best.Loaded))
	for _, name := range best.Loaded {
		loaded[name] = true
	}

	out := NewParameterSet()
	for _, spec := range specs {
		if loaded[spec.Name] {
			t, _ := bestParams.Get(spec.Name)
			out.Set(spec.Name, t.Clone())
			continue
		}
		out.Set(spec.Name, tensor.New(spec.Shape...))
	}

	logrus.Debugf("checkpoint: weights assigned [%s]", best.Summary())
	return out, best, nil
}

// Match reports the layout Load would pick for target without copying any
// weights.
func Match(c *Container, target Target) *LoadReport {
	r, _ := choose(c, target, target.Parameters())
	return r
}

func choose(c *Container, target Target, specs []ParamSpec) (*LoadReport, *ParameterSet) {
	var best *LoadReport
	var bestParams *ParameterSet
	for _, cand := range candidates(c, target) {
		r := match(specs, cand.params, cand.layout)
		if r.Complete {
			return r, cand.params
		}
		if best == nil || len(r.Loaded) > len(best.Loaded) {
			best, bestParams = r, cand.params
		}
	}

	return best, bestParams
}
