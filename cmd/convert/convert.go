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

package convert

import (
	"context"
	"fmt"
	"os"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MohanadWebsite/image-enhancer/internal/artifact"
	"github.com/MohanadWebsite/image-enhancer/pkg/arch"
	"github.com/MohanadWebsite/image-enhancer/pkg/checkpoint"
	"github.com/MohanadWebsite/image-enhancer/pkg/config"
	"github.com/MohanadWebsite/image-enhancer/pkg/export"
	"github.com/MohanadWebsite/image-enhancer/pkg/precision"
)

// RootCmd represents the convert command grouping the per-model exporters.
var RootCmd = &cobra.Command{
	Use:                "convert",
	Short:              "Convert PyTorch weights of an enhancement model to ONNX",
	Args:               cobra.NoArgs,
	DisableAutoGenTag:  true,
	SilenceUsage:       true,
	FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// init initializes convert command.
func init() {
	flags := RootCmd.Flags()

	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}

	// Add sub command.
	RootCmd.AddCommand(realesrganCmd)
	RootCmd.AddCommand(gfpganCmd)
}

// addConvertFlags binds the flags shared by every exporter.
func addConvertFlags(cmd *cobra.Command, cfg *config.Convert) {
	flags := cmd.Flags()
	flags.StringVarP(&cfg.Weights, "weights", "w", cfg.Weights, "path of the .pth or .safetensors weights")
	flags.StringVarP(&cfg.Output, "output", "o", cfg.Output, "path of the exported ONNX model")
	flags.Int64Var(&cfg.Opset, "opset", cfg.Opset, "ONNX opset version to export")
	flags.IntVar(&cfg.Size, "size", cfg.Size, "side of the square example input used for tracing")
	flags.BoolVar(&cfg.Strict, "strict", cfg.Strict, "fail unless the weights match the architecture exactly")
	flags.BoolVar(&cfg.Verify, "verify", cfg.Verify, "run the exported model and compare it with the traced network")
	flags.IntVar(&cfg.Threads, "threads", cfg.Threads, "threads used by verification, 0 uses all CPUs")
	flags.StringVar(&cfg.FP16, "fp16", cfg.FP16, "also write a float16 copy of the model to this path")
}

// runConvert loads the weights into a, exports them and optionally writes
// the float16 copy.
func runConvert(ctx context.Context, a arch.Architecture, cfg *config.Convert) error {
	weights, err := artifact.Resolve(ctx, viper.GetString("cache-dir"), cfg.Weights)
	if err != nil {
		return err
	}

	fmt.Printf("Loading %s weights from %s\n", a.Name(), weights)
	m, err := arch.Load(weights, a, checkpoint.LoadOptions{Strict: cfg.Strict})
	if err != nil {
		return fmt.Errorf("failed to load weights: %w", err)
	}

	if !m.Report.Complete {
		fmt.Fprintf(os.Stderr, "Warning: weights do not fully match %s, exporting anyway (%s)\n", a.Name(), m.Report.Summary())
	}

	res, err := export.Export(ctx, m, cfg.Output, export.Options{
		Opset:   cfg.Opset,
		Size:    cfg.Size,
		Verify:  cfg.Verify,
		Threads: cfg.Threads,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Successfully exported %s: %s (%s, opset %d, %d nodes, %s parameters)\n",
		a.Name(), res.Path, humanize.IBytes(uint64(res.Bytes)), res.Opset, res.Nodes, humanize.Comma(res.Parameters))
	if len(res.Verified) > 0 {
		fmt.Printf("Verified at sizes %v, max difference %.3g\n", res.Verified, res.MaxDiff)
	}
	artifact.PrintDigest(ctx, os.Stdout, viper.GetString("cache-dir"), res.Path)

	if cfg.FP16 == "" {
		return nil
	}

	half, err := precision.ConvertFile(cfg.Output, cfg.FP16, precision.Options{})
	if err != nil {
		return fmt.Errorf("failed to convert to float16: %w", err)
	}

	fmt.Printf("Successfully converted to float16: %s (%s)\n", half.Output, humanize.IBytes(uint64(half.Bytes)))
	artifact.PrintDigest(ctx, os.Stdout, viper.GetString("cache-dir"), half.Output)
	return nil
}
