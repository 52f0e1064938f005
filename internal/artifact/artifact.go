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

// Package artifact holds the helpers commands share for the files they read
// and write: remote resolution and digest reporting.
package artifact

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/MohanadWebsite/image-enhancer/internal/cache"
	"github.com/MohanadWebsite/image-enhancer/pkg/hfhub"
)

// OpenCache opens the digest cache in dir, or returns nil when dir is empty
// or the cache is unusable.
func OpenCache(dir string) cache.Cache {
	if dir == "" {
		return nil
	}

	c, err := cache.New(dir)
	if err != nil {
		logrus.Warnf("artifact: digest cache unavailable: %v", err)
		return nil
	}

	return c
}

// PrintDigest writes the digest line of path to w, recording the digest in
// the cache under cacheDir. Failures are only logged.
func PrintDigest(ctx context.Context, w io.Writer, cacheDir, path string) {
	d, err := cache.Digest(ctx, OpenCache(cacheDir), path)
	if err != nil {
		logrus.Warnf("artifact: failed to digest %s: %v", path, err)
		return
	}

	fmt.Fprintf(w, "%-12s%s\n", "Digest:", d)
}

// Resolve downloads hf:// and http(s):// references below cacheDir and
// returns local paths unchanged.
func Resolve(ctx context.Context, cacheDir, ref string) (string, error) {
	return hfhub.NewClient(hfhub.DownloadDir(cacheDir)).Resolve(ctx, ref)
}
