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

package onnx

import (
	"fmt"
	"io"
	"os"

	"github.com/MohanadWebsite/image-enhancer/internal/atomicfile"
)

// ReadFile loads and decodes an ONNX model from disk.
//
//nolint:gosec // G304: the model path is supplied by the user.
func ReadFile(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model %s: %w", path, err)
	}

	m, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode model %s: %w", path, err)
	}

	return m, nil
}

// WriteFile encodes the model and writes it atomically, returning the
// number of bytes written. Nothing is left at path if writing fails.
func WriteFile(path string, m *Model) (int64, error) {
	data := Marshal(m)
	err := atomicfile.WriteFile(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to write model %s: %w", path, err)
	}

	return int64(len(data)), nil
}
