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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MohanadWebsite/image-enhancer/pkg/arch"
	"github.com/MohanadWebsite/image-enhancer/pkg/config"
)

var realesrganConfig = config.NewConvertRealESRGAN()

// realesrganCmd represents the convert command for RealESRGAN weights.
var realesrganCmd = &cobra.Command{
	Use:                "realesrgan [flags]",
	Short:              "Export RealESRGAN (RRDBNet or SRVGGNetCompact) weights to ONNX",
	Args:               cobra.NoArgs,
	DisableAutoGenTag:  true,
	SilenceUsage:       true,
	FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := realesrganConfig.Validate(); err != nil {
			return err
		}

		return runRealESRGAN(context.Background())
	},
}

// init initializes realesrgan command.
func init() {
	addConvertFlags(realesrganCmd, &realesrganConfig.Convert)

	flags := realesrganCmd.Flags()
	flags.StringVar(&realesrganConfig.Arch, "arch", realesrganConfig.Arch, "network architecture, rrdbnet or srvgg")
	flags.IntVar(&realesrganConfig.Scale, "scale", realesrganConfig.Scale, "upscaling factor")
	flags.IntVar(&realesrganConfig.NumFeat, "num-feat", realesrganConfig.NumFeat, "number of intermediate features")
	flags.IntVar(&realesrganConfig.NumBlock, "num-block", realesrganConfig.NumBlock, "number of RRDB blocks (rrdbnet)")
	flags.IntVar(&realesrganConfig.NumGrowCh, "num-grow-ch", realesrganConfig.NumGrowCh, "channels for each growth (rrdbnet)")
	flags.IntVar(&realesrganConfig.NumConv, "num-conv", realesrganConfig.NumConv, "number of body convolutions (srvgg)")
	flags.StringVar(&realesrganConfig.Act, "act", realesrganConfig.Act, "activation, prelu, relu or leakyrelu (srvgg)")

	if err := viper.BindPFlags(flags); err != nil {
		panic(fmt.Errorf("bind convert realesrgan flags to viper: %w", err))
	}
}

// runRealESRGAN runs the realesrgan export.
func runRealESRGAN(ctx context.Context) error {
	name := arch.RRDBNetName
	if realesrganConfig.Arch == "srvgg" {
		name = arch.SRVGGName
	}

	a, err := arch.Lookup(name, arch.Options{
		Scale:     realesrganConfig.Scale,
		NumFeat:   realesrganConfig.NumFeat,
		NumBlock:  realesrganConfig.NumBlock,
		NumGrowCh: realesrganConfig.NumGrowCh,
		NumConv:   realesrganConfig.NumConv,
		Act:       realesrganConfig.Act,
	})
	if err != nil {
		return err
	}

	return runConvert(ctx, a, &realesrganConfig.Convert)
}
