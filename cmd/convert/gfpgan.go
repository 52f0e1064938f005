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

var gfpganConfig = config.NewConvertGFPGAN()

// gfpganCmd represents the convert command for GFPGAN weights.
var gfpganCmd = &cobra.Command{
	Use:                "gfpgan [flags]",
	Short:              "Export GFPGANv1Clean face restoration weights to ONNX",
	Args:               cobra.NoArgs,
	DisableAutoGenTag:  true,
	SilenceUsage:       true,
	FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := gfpganConfig.Validate(); err != nil {
			return err
		}

		return runGFPGAN(context.Background())
	},
}

// init initializes gfpgan command.
func init() {
	addConvertFlags(gfpganCmd, &gfpganConfig.Convert)

	flags := gfpganCmd.Flags()
	flags.IntVar(&gfpganConfig.ChannelMultiplier, "channel-multiplier", gfpganConfig.ChannelMultiplier, "channel multiplier of the StyleGAN2 decoder")

	if err := viper.BindPFlags(flags); err != nil {
		panic(fmt.Errorf("bind convert gfpgan flags to viper: %w", err))
	}
}

// runGFPGAN runs the gfpgan export. The generator's spatial size is fixed,
// so the example size is also its output size.
func runGFPGAN(ctx context.Context) error {
	a, err := arch.Lookup(arch.GFPGANName, arch.Options{
		OutSize:           gfpganConfig.Size,
		ChannelMultiplier: gfpganConfig.ChannelMultiplier,
	})
	if err != nil {
		return err
	}

	return runConvert(ctx, a, &gfpganConfig.Convert)
}
