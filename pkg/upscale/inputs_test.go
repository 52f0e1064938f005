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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpand(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.png", "b.JPG", "notes.txt", "nested/c.webp", "nested/deeper/d.tiff"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, nil, 0o600))
	}

	paths, err := Expand([]string{filepath.Join(dir, "**", "*"), filepath.Join(dir, "a.png")})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.png"),
		filepath.Join(dir, "b.JPG"),
		filepath.Join(dir, "nested", "c.webp"),
		filepath.Join(dir, "nested", "deeper", "d.tiff"),
	}, paths)

	// A plain path is taken as given, whatever its extension.
	paths, err = Expand([]string{filepath.Join(dir, "notes.txt")})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "notes.txt")}, paths)

	_, err = Expand([]string{filepath.Join(dir, "missing.png")})
	assert.Error(t, err)
	_, err = Expand([]string{dir})
	assert.Error(t, err)
	_, err = Expand([]string{filepath.Join(dir, "*.gif")})
	assert.Error(t, err)
}
