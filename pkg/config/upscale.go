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

import "fmt"

const (
	defaultTileSize = 512
	defaultOverlap  = 16
	defaultSharpen  = 0.5
	defaultQuality  = 92
)

// Upscale configures tiled enhancement of a batch of images.
type Upscale struct {
	Model       string
	FaceModel   string
	OutputDir   string
	Backend     string
	LibraryPath string
	Threads     int
	TileSize    int
	Overlap     int
	Scale       int
	Sharpen     float64
	Quality     int
	Format      string
	Normalize   string

	// Inputs are image paths or doublestar patterns.
	Inputs []string
}

func NewUpscale() *Upscale {
	return &Upscale{
		OutputDir: ".",
		Backend:   "native",
		TileSize:  defaultTileSize,
		Overlap:   defaultOverlap,
		Sharpen:   defaultSharpen,
		Quality:   defaultQuality,
		Format:    "png",
		Normalize: "0-1",
		Inputs:    []string{},
	}
}

func (u *Upscale) Validate() error {
	if len(u.Model) == 0 {
		return fmt.Errorf("model path is required")
	}

	if len(u.Inputs) == 0 {
		return fmt.Errorf("at least one input image or pattern is required")
	}

	if len(u.OutputDir) == 0 {
		return fmt.Errorf("output directory is required")
	}

	if err := validateBackend(u.Backend); err != nil {
		return err
	}

	if err := validateNormalize(u.Normalize); err != nil {
		return err
	}

	if err := validateFormat(u.Format); err != nil {
		return err
	}

	if u.Overlap < 0 || u.TileSize <= u.Overlap {
		return fmt.Errorf("invalid tiling: tile size %d must exceed overlap %d", u.TileSize, u.Overlap)
	}

	if u.Scale < 0 {
		return fmt.Errorf("invalid scale: %d", u.Scale)
	}

	if u.Sharpen < 0 {
		return fmt.Errorf("invalid sharpen amount: %v", u.Sharpen)
	}

	if u.Quality < 1 || u.Quality > 100 {
		return fmt.Errorf("invalid quality: %d, must be in [1, 100]", u.Quality)
	}

	if u.Threads < 0 {
		return fmt.Errorf("invalid threads: %d", u.Threads)
	}

	return nil
}
