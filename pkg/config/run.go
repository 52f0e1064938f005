/*
 *     Copyright 2024 The CNAI Authors
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

package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Run configures a single inference pass through a model.
type Run struct {
	Model       string
	Image       string
	Output      string
	Backend     string
	LibraryPath string
	Threads     int
	Normalize   string

	// Resize squares the input before inference. Zero keeps its size.
	Resize int
}

func NewRun() *Run {
	return &Run{
		Output:    "out.png",
		Backend:   "native",
		Normalize: "0-1",
	}
}

func (r *Run) Validate() error {
	if len(r.Model) == 0 {
		return fmt.Errorf("model path is required")
	}

	if len(r.Image) == 0 {
		return fmt.Errorf("image path is required")
	}

	if len(r.Output) == 0 {
		return fmt.Errorf("output path is required")
	}

	if !hasExt(r.Output) {
		return fmt.Errorf("unsupported output image format: %s", r.Output)
	}

	if err := validateBackend(r.Backend); err != nil {
		return err
	}

	if err := validateNormalize(r.Normalize); err != nil {
		return err
	}

	if r.Threads < 0 {
		return fmt.Errorf("invalid threads: %d", r.Threads)
	}

	if r.Resize < 0 {
		return fmt.Errorf("invalid resize: %d", r.Resize)
	}

	return nil
}

func validateBackend(backend string) error {
	switch backend {
	case "native", "onnxruntime":
		return nil
	default:
		return fmt.Errorf("invalid backend: %q, must be native or onnxruntime", backend)
	}
}

func validateNormalize(norm string) error {
	switch norm {
	case "0-1", "-1-1":
		return nil
	default:
		return fmt.Errorf("invalid normalization: %q, must be 0-1 or -1-1", norm)
	}
}

func validateFormat(format string) error {
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "png", "jpg", "jpeg", "gif", "bmp", "tif", "tiff":
		return nil
	default:
		return fmt.Errorf("invalid output format: %q", format)
	}
}

// hasExt reports whether path ends in a known image extension.
func hasExt(path string) bool {
	return validateFormat(filepath.Ext(path)) == nil
}
