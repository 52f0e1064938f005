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
	"os"
	"path/filepath"
)

// Root holds the persistent flags shared by every command.
type Root struct {
	LogDir          string
	LogLevel        string
	CacheDir        string
	DisableProgress bool
}

// NewRoot places logs and the digest cache under ~/.enhancer.
func NewRoot() (*Root, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user home directory: %w", err)
	}

	base := filepath.Join(home, ".enhancer")
	return &Root{
		LogDir:          filepath.Join(base, "logs"),
		LogLevel:        "info",
		CacheDir:        filepath.Join(base, "cache"),
		DisableProgress: false,
	}, nil
}
