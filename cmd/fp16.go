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

package cmd

import (
	"context"
	"fmt"
	"os"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MohanadWebsite/image-enhancer/internal/artifact"
	"github.com/MohanadWebsite/image-enhancer/pkg/config"
	"github.com/MohanadWebsite/image-enhancer/pkg/precision"
)

var fp16Config = config.NewFP16()

// fp16Cmd represents the enhancer command for float16 conversion.
var fp16Cmd = &cobra.Command{
	Use:                "fp16 [flags]",
	Short:              "Convert the weights of an ONNX model to float16",
	Args:               cobra.NoArgs,
	DisableAutoGenTag:  true,
	SilenceUsage:       true,
	FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := fp16Config.Validate(); err != nil {
			return err
		}

		return runFP16(context.Background())
	},
}

// init initializes fp16 command.
func init() {
	flags := fp16Cmd.Flags()
	flags.StringVarP(&fp16Config.Input, "input", "i", "", "path of the float32 ONNX model")
	flags.StringVarP(&fp16Config.Output, "output", "o", "", "path of the float16 ONNX model")
	flags.BoolVar(&fp16Config.KeepIOTypes, "keep-io-types", false, "keep float32 inputs and outputs and cast at the graph boundary")

	if err := viper.BindPFlags(flags); err != nil {
		panic(fmt.Errorf("bind fp16 flags to viper: %w", err))
	}
}

// runFP16 runs the fp16 conversion.
func runFP16(ctx context.Context) error {
	res, err := precision.ConvertFile(fp16Config.Input, fp16Config.Output, precision.Options{KeepIOTypes: fp16Config.KeepIOTypes})
	if err != nil {
		return err
	}

	fmt.Printf("Successfully converted %s to float16: %s (%s)\n", res.Input, res.Output, humanize.IBytes(uint64(res.Bytes)))
	fmt.Printf("%-12s%d initializers, %d constants, %d kept float32, %d clamped\n", "Converted:",
		res.Stats.Initializers, res.Stats.Constants, res.Stats.KeptFloat, res.Stats.Clamped)
	artifact.PrintDigest(ctx, os.Stdout, rootConfig.CacheDir, res.Output)
	return nil
}
