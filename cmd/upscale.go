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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MohanadWebsite/image-enhancer/internal/artifact"
	internalpb "github.com/MohanadWebsite/image-enhancer/internal/pb"
	"github.com/MohanadWebsite/image-enhancer/pkg/config"
	"github.com/MohanadWebsite/image-enhancer/pkg/imaging"
	"github.com/MohanadWebsite/image-enhancer/pkg/runtime"
	"github.com/MohanadWebsite/image-enhancer/pkg/upscale"
)

var upscaleConfig = config.NewUpscale()

// upscaleCmd represents the enhancer command for tiled upscaling.
var upscaleCmd = &cobra.Command{
	Use:                "upscale [flags] <image|pattern>...",
	Short:              "Upscale images of any size tile by tile, with optional face restoration",
	Args:               cobra.MinimumNArgs(1),
	DisableAutoGenTag:  true,
	SilenceUsage:       true,
	FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
	RunE: func(cmd *cobra.Command, args []string) error {
		upscaleConfig.Inputs = args
		if err := upscaleConfig.Validate(); err != nil {
			return err
		}

		return runUpscale(context.Background())
	},
}

// init initializes upscale command.
func init() {
	flags := upscaleCmd.Flags()
	flags.StringVarP(&upscaleConfig.Model, "model", "m", "", "path of the super-resolution ONNX model")
	flags.StringVar(&upscaleConfig.FaceModel, "face-model", "", "path of an optional GFPGAN ONNX model applied after upscaling")
	flags.StringVarP(&upscaleConfig.OutputDir, "output-dir", "O", upscaleConfig.OutputDir, "directory the enhanced images are written to")
	flags.StringVar(&upscaleConfig.Backend, "backend", upscaleConfig.Backend, "inference backend, native or onnxruntime")
	flags.StringVar(&upscaleConfig.LibraryPath, "ort-lib", "", "path of the onnxruntime shared library")
	flags.IntVar(&upscaleConfig.Threads, "threads", 0, "number of inference threads, 0 uses all CPUs")
	flags.IntVar(&upscaleConfig.TileSize, "tile-size", upscaleConfig.TileSize, "side of the square tiles fed to the model")
	flags.IntVar(&upscaleConfig.Overlap, "overlap", upscaleConfig.Overlap, "pixels shared by neighbouring tiles")
	flags.IntVar(&upscaleConfig.Scale, "scale", upscaleConfig.Scale, "expected upscaling factor, 0 infers it from the model")
	flags.Float64Var(&upscaleConfig.Sharpen, "sharpen", upscaleConfig.Sharpen, "unsharp mask amount applied to the result, 0 disables it")
	flags.IntVar(&upscaleConfig.Quality, "quality", upscaleConfig.Quality, "JPEG quality of the output")
	flags.StringVar(&upscaleConfig.Format, "format", upscaleConfig.Format, "output image format, png, jpeg, gif, bmp or tiff")
	flags.StringVar(&upscaleConfig.Normalize, "normalize", upscaleConfig.Normalize, "pixel range of the upscaling model, 0-1 or -1-1")

	if err := viper.BindPFlags(flags); err != nil {
		panic(fmt.Errorf("bind upscale flags to viper: %w", err))
	}
}

// runUpscale runs the tiled pipeline over every matched image.
func runUpscale(ctx context.Context) error {
	inputs, err := upscale.Expand(upscaleConfig.Inputs)
	if err != nil {
		return err
	}

	format, err := imaging.FormatFromPath("out." + upscaleConfig.Format)
	if err != nil {
		return err
	}

	opts := runtime.Options{
		Backend:     runtime.Backend(upscaleConfig.Backend),
		Threads:     upscaleConfig.Threads,
		LibraryPath: upscaleConfig.LibraryPath,
	}
	model, err := artifact.Resolve(ctx, rootConfig.CacheDir, upscaleConfig.Model)
	if err != nil {
		return err
	}

	upscaler, err := runtime.Open(model, opts)
	if err != nil {
		return fmt.Errorf("failed to open model %s: %w", upscaleConfig.Model, err)
	}
	defer upscaler.Close()

	var face runtime.Session
	if upscaleConfig.FaceModel != "" {
		faceModel, err := artifact.Resolve(ctx, rootConfig.CacheDir, upscaleConfig.FaceModel)
		if err != nil {
			return err
		}

		face, err = runtime.Open(faceModel, opts)
		if err != nil {
			return fmt.Errorf("failed to open face model %s: %w", upscaleConfig.FaceModel, err)
		}
		defer face.Close()
	}

	pb := internalpb.NewProgressBar(nil)
	defer pb.Stop()

	pipeline, err := upscale.New(upscaler, face, upscale.Options{
		TileSize:      upscaleConfig.TileSize,
		Overlap:       upscaleConfig.Overlap,
		Scale:         upscaleConfig.Scale,
		Normalize:     imaging.Normalize(upscaleConfig.Normalize),
		Sharpen:       upscaleConfig.Sharpen,
		SharpenRadius: 1,
		Format:        format,
		Quality:       upscaleConfig.Quality,
	}, pb)
	if err != nil {
		return err
	}

	var written []string
	for _, input := range inputs {
		path, err := pipeline.Process(ctx, input, upscaleConfig.OutputDir)
		if err != nil {
			return fmt.Errorf("failed to upscale %s: %w", input, err)
		}
		written = append(written, path)
	}

	pb.Stop()
	fmt.Printf("Successfully upscaled %d image(s) into %s\n", len(written), upscaleConfig.OutputDir)
	return nil
}
