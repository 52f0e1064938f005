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

type FP16 struct {
	Input       string
	Output      string
	KeepIOTypes bool
}

func NewFP16() *FP16 {
	return &FP16{
		Input:       "",
		Output:      "",
		KeepIOTypes: false,
	}
}

func (f *FP16) Validate() error {
	if len(f.Input) == 0 {
		return fmt.Errorf("input model is required")
	}

	if len(f.Output) == 0 {
		return fmt.Errorf("output model is required")
	}

	if f.Input == f.Output {
		return fmt.Errorf("output must differ from input %s", f.Input)
	}

	return nil
}
