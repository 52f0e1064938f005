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

// Package hfhub resolves model and weight references that live on the
// Hugging Face Hub or behind plain HTTP(S) URLs to local files.
package hfhub

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	humanize "github.com/dustin/go-humanize"
	sha256 "github.com/minio/sha256-simd"
	"github.com/sirupsen/logrus"

	"github.com/MohanadWebsite/image-enhancer/internal/atomicfile"
)

const (
	HuggingFaceBaseURL = "https://huggingface.co"

	// Scheme prefixes a Hub file reference: hf://owner/repo/path/in/repo,
	// optionally hf://owner/repo@revision/path/in/repo.
	Scheme = "hf://"

	defaultRevision = "main"
)

// ErrNotFound is returned when the remote file does not exist.
var ErrNotFound = errors.New("remote file not found")

var retryOpts = []retry.Option{
	retry.Attempts(3),
	retry.DelayType(retry.BackOffDelay),
	retry.Delay(1 * time.Second),
	retry.MaxDelay(5 * time.Second),
	retry.LastErrorOnly(true),
}

// IsRemote reports whether ref names a remote file rather than a local path.
func IsRemote(ref string) bool {
	return strings.HasPrefix(ref, Scheme) || strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// ParseFileRef parses hf://owner/repo[@revision]/path into its parts.
func ParseFileRef(ref string) (owner, repo, revision, file string, err error) {
	ref = strings.TrimSpace(ref)
	if !strings.HasPrefix(ref, Scheme) {
		return "", "", "", "", fmt.Errorf("invalid Hugging Face reference %q, expected %sowner/repo/file", ref, Scheme)
	}

	parts := strings.SplitN(strings.TrimPrefix(ref, Scheme), "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || strings.Trim(parts[2], "/") == "" {
		return "", "", "", "", fmt.Errorf("invalid Hugging Face reference %q, expected %sowner/repo/file", ref, Scheme)
	}

	owner, repo, file = parts[0], parts[1], strings.Trim(parts[2], "/")
	revision = defaultRevision
	if i := strings.Index(repo, "@"); i >= 0 {
		repo, revision = repo[:i], repo[i+1:]
		if repo == "" || revision == "" {
			return "", "", "", "", fmt.Errorf("invalid revision in Hugging Face reference %q", ref)
		}
	}

	return owner, repo, revision, file, nil
}

// FileURL returns the download URL of a file in a Hub repository.
func FileURL(owner, repo, revision, file string) string {
	return fmt.Sprintf("%s/%s/%s/resolve/%s/%s", HuggingFaceBaseURL, owner, repo, url.PathEscape(revision), file)
}

// GetToken retrieves the Hugging Face token from environment or token file.
func GetToken() (string, error) {
	// First check environment variable
	token := os.Getenv("HF_TOKEN")
	if token != "" {
		return token, nil
	}

	// Then check the token file
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	tokenPath := filepath.Join(homeDir, ".huggingface", "token")
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}

	return strings.TrimSpace(string(data)), nil
}

// Client downloads remote files into a local directory.
type Client struct {
	// Dir holds downloaded files.
	Dir string

	// HTTP defaults to http.DefaultClient.
	HTTP *http.Client

	// Token is sent as a bearer token to the Hub. Empty sends none.
	Token string
}

// DownloadDir is where downloads are kept for a digest cache directory.
// Without one, downloads go to the system temporary directory.
func DownloadDir(cacheDir string) string {
	if cacheDir == "" {
		return filepath.Join(os.TempDir(), "enhancer-downloads")
	}

	return filepath.Join(cacheDir, "downloads")
}

// NewClient returns a client downloading into dir, authenticated with the
// Hub token when one is configured.
func NewClient(dir string) *Client {
	token, err := GetToken()
	if err != nil {
		logrus.Debugf("hfhub: no token configured: %v", err)
	}

	return &Client{Dir: dir, Token: token}
}

// Resolve returns a local path for ref. Local paths are returned unchanged.
// Remote files are downloaded once and reused while the server reports the
// same size.
func (c *Client) Resolve(ctx context.Context, ref string) (string, error) {
	if !IsRemote(ref) {
		return ref, nil
	}

	fileURL := ref
	if strings.HasPrefix(ref, Scheme) {
		owner, repo, revision, file, err := ParseFileRef(ref)
		if err != nil {
			return "", err
		}
		fileURL = FileURL(owner, repo, revision, file)
	}

	u, err := url.Parse(fileURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", fileURL, err)
	}

	dest := filepath.Join(c.Dir, cacheName(u))
	if info, err := os.Stat(dest); err == nil {
		size, err := c.remoteSize(ctx, fileURL)
		if err == nil && (size < 0 || size == info.Size()) {
			logrus.Infof("hfhub: using downloaded %s [path: %s]", fileURL, dest)
			return dest, nil
		}
		logrus.Infof("hfhub: refreshing %s [local size: %d, remote size: %d, err: %v]", fileURL, info.Size(), size, err)
	}

	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}

	fmt.Printf("Downloading %s\n", fileURL)
	var n int64
	if err := retry.Do(func() error {
		var err error
		n, err = c.download(ctx, fileURL, dest)
		return err
	}, append(retryOpts, retry.Context(ctx), retry.RetryIf(retryable))...); err != nil {
		return "", err
	}

	fmt.Printf("Successfully downloaded %s (%s)\n", dest, humanize.IBytes(uint64(n)))
	return dest, nil
}

// cacheName keeps the file name readable and keys it by the full URL.
func cacheName(u *url.URL) string {
	sum := sha256.Sum256([]byte(u.String()))
	return hex.EncodeToString(sum[:6]) + "-" + path.Base(u.Path)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}

	return http.DefaultClient
}

func (c *Client) newRequest(ctx context.Context, method, fileURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if c.Token != "" && strings.HasPrefix(fileURL, HuggingFaceBaseURL+"/") {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	}

	return req, nil
}

// remoteSize returns the Content-Length reported by a HEAD request, or -1
// when the server does not report one.
func (c *Client) remoteSize(ctx context.Context, fileURL string) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodHead, fileURL)
	if err != nil {
		return 0, err
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, statusError(fileURL, resp.StatusCode)
	}

	if v := resp.Header.Get("Content-Length"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			return size, nil
		}
	}

	return -1, nil
}

// download writes the file atomically so an interrupted transfer leaves
// nothing at dest.
func (c *Client) download(ctx context.Context, fileURL, dest string) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fileURL)
	if err != nil {
		return 0, err
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, statusError(fileURL, resp.StatusCode)
	}

	var n int64
	err = atomicfile.WriteFile(dest, func(w io.Writer) error {
		var err error
		n, err = io.Copy(w, resp.Body)
		if err == nil && resp.ContentLength >= 0 && n != resp.ContentLength {
			err = fmt.Errorf("short download: got %d of %d bytes", n, resp.ContentLength)
		}
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", dest, err)
	}

	return n, nil
}

type httpStatusError struct {
	url  string
	code int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("failed to download %s, status code: %d", e.url, e.code)
}

func (e *httpStatusError) Is(target error) bool {
	return target == ErrNotFound && e.code == http.StatusNotFound
}

func statusError(fileURL string, code int) error {
	return &httpStatusError{url: fileURL, code: code}
}

// retryable retries transport failures and server errors.
func retryable(err error) bool {
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}

	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
