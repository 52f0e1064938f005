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

package upscale

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/emirpasic/gods/sets/hashset"
)

// imageExts are the extensions imaging.Load decodes.
var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// Expand resolves image paths and doublestar patterns such as
// "photos/**/*.jpg" into a sorted list of distinct files. Plain paths must
// exist; pattern matches are limited to decodable image files.
func Expand(patterns []string) ([]string, error) {
	seen := hashset.New()
	var paths []string
	add := func(path string) {
		path = filepath.Clean(path)
		if !seen.Contains(path) {
			seen.Add(path)
			paths = append(paths, path)
		}
	}

	for _, pattern := range patterns {
		if !strings.ContainsAny(pattern, "*?[]{}") {
			info, err := os.Stat(pattern)
			if err != nil {
				if os.IsNotExist(err) {
					return nil, fmt.Errorf("input does not exist: %s", pattern)
				}
				return nil, fmt.Errorf("failed to check input: %s, error: %w", pattern, err)
			}
			if info.IsDir() {
				return nil, fmt.Errorf("input is a directory, use a pattern such as %s", filepath.Join(pattern, "*.png"))
			}

			add(pattern)
			continue
		}

		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			if imageExts[strings.ToLower(filepath.Ext(m))] {
				add(m)
			}
		}
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("no images match %s", strings.Join(patterns, ", "))
	}

	sort.Strings(paths)
	return paths, nil
}
