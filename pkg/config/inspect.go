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

type Inspect struct {
	Format string
}

func NewInspect() *Inspect {
	return &Inspect{
		Format: "table",
	}
}

func (i *Inspect) Validate() error {
	switch i.Format {
	case "table", "json":
		return nil
	default:
		return fmt.Errorf("invalid format: %q, must be table or json", i.Format)
	}
}
