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
	"errors"
	"fmt"
	"os"

	humanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MohanadWebsite/image-enhancer/internal/artifact"
	"github.com/MohanadWebsite/image-enhancer/pkg/config"
	"github.com/MohanadWebsite/image-enhancer/pkg/imaging"
	"github.com/MohanadWebsite/image-enhancer/pkg/runtime"
	"github.com/MohanadWebsite/image-enhancer/pkg/validate"
)

var runConfig = config.NewRun()

// runCmd represents the enhancer command for a single inference run.
var runCmd = &cobra.Command{
	Use:                "run [flags]",
	Short:              "Run an ONNX model on one image and save its output",
	Args:               cobra.NoArgs,
	DisableAutoGenTag:  true,
	SilenceUsage:       true,
	FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runConfig.Validate(); err != nil {
			return err
		}

		return runRun(context.Background())
	},
}

// init initializes run command.
func init() {
	flags := runCmd.Flags()
	flags.StringVarP(&runConfig.Model, "model", "m", "", "path of the ONNX model")
	flags.StringVarP(&runConfig.Image, "image", "i", "", "path of the input image")
	flags.StringVarP(&runConfig.Output, "out", "o", runConfig.Output, "path of the output image, its extension selects the format")
	flags.StringVar(&runConfig.Backend, "backend", runConfig.Backend, "inference backend, native or onnxruntime")
	flags.StringVar(&runConfig.LibraryPath, "ort-lib", "", "path of the onnxruntime shared library")
	flags.IntVar(&runConfig.Threads, "threads", 0, "number of inference threads, 0 uses all CPUs")
	flags.StringVar(&runConfig.Normalize, "normalize", runConfig.Normalize, "pixel range of the model, 0-1 or -1-1")
	flags.IntVar(&runConfig.Resize, "resize", 0, "square the input to this size before inference, 0 keeps its size")

	if err := viper.BindPFlags(flags); err != nil {
		panic(fmt.Errorf("bind run flags to viper: %w", err))
	}
}

// runRun runs the model once.
func runRun(ctx context.Context) error {
	model, err := artifact.Resolve(ctx, rootConfig.CacheDir, runConfig.Model)
	if err != nil {
		return err
	}

	res, err := validate.Run(ctx, validate.Options{
		Model:       model,
		Image:       runConfig.Image,
		Output:      runConfig.Output,
		Backend:     runtime.Backend(runConfig.Backend),
		LibraryPath: runConfig.LibraryPath,
		Threads:     runConfig.Threads,
		Normalize:   imaging.Normalize(runConfig.Normalize),
		Resize:      runConfig.Resize,
	})
	if errors.Is(err, validate.ErrUnexpectedOutputShape) {
		// The run itself completed, only the output cannot be saved as an image.
		fmt.Fprintf(os.Stderr, "Model output is not an image, nothing written: %v\n", err)
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("%-12s%v\n", "Input:", res.InputShape)
	fmt.Printf("%-12s%v\n", "Output:", res.OutputShape)
	fmt.Printf("%-12s%s\n", "Inference:", res.Elapsed)
	if res.RSS > 0 {
		fmt.Printf("%-12s%s\n", "Memory:", humanize.IBytes(res.RSS))
	}
	fmt.Printf("Successfully saved output image: %s\n", res.Output)
	return nil
}
