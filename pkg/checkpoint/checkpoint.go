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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrFormat is returned when a file is not a readable checkpoint.
	ErrFormat = errors.New("unrecognized checkpoint format")

	// ErrLoadMismatch is returned in strict mode when no layout matches the
	// architecture exactly.
	ErrLoadMismatch = errors.New("checkpoint does not match architecture")
)

// Open decodes a checkpoint file. Files with the .safetensors extension, or
// whose first bytes look like a safetensors header, are parsed as such;
// everything else is handed to the PyTorch pickle reader.
//
//nolint:gosec // G304: the checkpoint path is supplied by the user.
func Open(path string) (*Container, error) {
	if strings.EqualFold(filepath.Ext(path), ".safetensors") {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint: %w", err)
		}
		return parseSafetensors(data)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}

	head := make([]byte, 9)
	n, _ := f.Read(head)
	f.Close()

	if isSafetensors(head[:n]) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint: %w", err)
		}
		return parseSafetensors(data)
	}

	return loadTorch(path)
}
