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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MohanadWebsite/image-enhancer/internal/artifact"
	"github.com/MohanadWebsite/image-enhancer/pkg/config"
	"github.com/MohanadWebsite/image-enhancer/pkg/inspect"
)

var inspectConfig = config.NewInspect()

// inspectCmd represents the enhancer command for inspect.
var inspectCmd = &cobra.Command{
	Use:                "inspect [flags] <file>",
	Short:              "Describe an ONNX model or a PyTorch/safetensors checkpoint",
	Args:               cobra.ExactArgs(1),
	DisableAutoGenTag:  true,
	SilenceUsage:       true,
	FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := inspectConfig.Validate(); err != nil {
			return err
		}

		return runInspect(context.Background(), args[0])
	},
}

// init initializes inspect command.
func init() {
	flags := inspectCmd.Flags()
	flags.StringVar(&inspectConfig.Format, "format", inspectConfig.Format, "output format, table or json")

	if err := viper.BindPFlags(flags); err != nil {
		panic(fmt.Errorf("bind inspect flags to viper: %w", err))
	}
}

// runInspect runs the inspect command.
func runInspect(ctx context.Context, path string) error {
	if path == "" {
		return fmt.Errorf("file is required")
	}

	local, err := artifact.Resolve(ctx, rootConfig.CacheDir, path)
	if err != nil {
		return err
	}

	report, err := inspect.Inspect(ctx, local, artifact.OpenCache(rootConfig.CacheDir))
	if err != nil {
		return err
	}

	if inspectConfig.Format == "json" {
		return report.WriteJSON(os.Stdout)
	}

	return report.WriteTable(os.Stdout)
}
