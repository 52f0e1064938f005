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
	// MinOpset and MaxOpset bound the opsets the exporter can emit.
	MinOpset = 11
	MaxOpset = 17

	defaultOpset = 11

	// The conversion scripts trace RealESRGAN on a 128x128 input and GFPGAN
	// on its fixed 512x512 input.
	defaultRealESRGANSize = 128
	defaultGFPGANSize     = 512
)

// Convert holds the flags common to every conversion.
type Convert struct {
	Weights string
	Output  string
	Opset   int64
	Size    int
	Strict  bool
	Verify  bool
	Threads int

	// FP16 additionally writes a float16 copy of the exported model.
	FP16 string
}

func (c *Convert) Validate() error {
	if len(c.Weights) == 0 {
		return fmt.Errorf("weights path is required")
	}

	if len(c.Output) == 0 {
		return fmt.Errorf("output path is required")
	}

	if c.Opset < MinOpset || c.Opset > MaxOpset {
		return fmt.Errorf("invalid opset: %d, must be in [%d, %d]", c.Opset, MinOpset, MaxOpset)
	}

	if c.Size < 1 {
		return fmt.Errorf("invalid size: %d", c.Size)
	}

	if c.Threads < 0 {
		return fmt.Errorf("invalid threads: %d", c.Threads)
	}

	if c.FP16 != "" && c.FP16 == c.Output {
		return fmt.Errorf("fp16 output must differ from output %s", c.Output)
	}

	return nil
}

type ConvertRealESRGAN struct {
	Convert

	Arch      string
	Scale     int
	NumFeat   int
	NumBlock  int
	NumGrowCh int
	NumConv   int
	Act       string
}

func NewConvertRealESRGAN() *ConvertRealESRGAN {
	return &ConvertRealESRGAN{
		Convert: Convert{
			Output: "realesrgan_x4.onnx",
			Opset:  defaultOpset,
			Size:   defaultRealESRGANSize,
		},
		Arch:      "rrdbnet",
		Scale:     4,
		NumFeat:   64,
		NumBlock:  23,
		NumGrowCh: 32,
		NumConv:   32,
		Act:       "prelu",
	}
}

func (c *ConvertRealESRGAN) Validate() error {
	if err := c.Convert.Validate(); err != nil {
		return err
	}

	switch c.Arch {
	case "rrdbnet", "srvgg":
	default:
		return fmt.Errorf("invalid arch: %q, must be rrdbnet or srvgg", c.Arch)
	}

	switch c.Act {
	case "prelu", "relu", "leakyrelu":
	default:
		return fmt.Errorf("invalid activation: %q", c.Act)
	}

	if c.Scale < 1 {
		return fmt.Errorf("invalid scale: %d", c.Scale)
	}

	// RRDBNet folds x1 and x2 inputs into x4 with pixel unshuffle.
	if c.Arch == "rrdbnet" && c.Scale != 1 && c.Scale != 2 && c.Scale != 4 {
		return fmt.Errorf("invalid scale: %d, rrdbnet supports 1, 2 and 4", c.Scale)
	}

	if c.NumFeat < 1 || c.NumBlock < 0 || c.NumGrowCh < 1 || c.NumConv < 0 {
		return fmt.Errorf("invalid network size: num-feat %d, num-block %d, num-grow-ch %d, num-conv %d",
			c.NumFeat, c.NumBlock, c.NumGrowCh, c.NumConv)
	}

	return nil
}

type ConvertGFPGAN struct {
	Convert

	ChannelMultiplier int
}

func NewConvertGFPGAN() *ConvertGFPGAN {
	return &ConvertGFPGAN{
		Convert: Convert{
			Output: "gfpgan.onnx",
			Opset:  defaultOpset,
			Size:   defaultGFPGANSize,
		},
		ChannelMultiplier: 2,
	}
}

func (c *ConvertGFPGAN) Validate() error {
	if err := c.Convert.Validate(); err != nil {
		return err
	}

	if c.ChannelMultiplier < 1 {
		return fmt.Errorf("invalid channel multiplier: %d", c.ChannelMultiplier)
	}

	// The generator's style layers only exist for power of two sizes.
	if c.Size < 8 || c.Size > 1024 || c.Size&(c.Size-1) != 0 {
		return fmt.Errorf("invalid size: %d, must be a power of two in [8, 1024]", c.Size)
	}

	return nil
}
