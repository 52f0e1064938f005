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

package hfhub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFileRef(t *testing.T) {
	tests := []struct {
		name         string
		ref          string
		wantOwner    string
		wantRepo     string
		wantRevision string
		wantFile     string
		wantErr      bool
	}{
		{
			name:         "file at main",
			ref:          "hf://ai-forever/Real-ESRGAN/RealESRGAN_x4.pth",
			wantOwner:    "ai-forever",
			wantRepo:     "Real-ESRGAN",
			wantRevision: "main",
			wantFile:     "RealESRGAN_x4.pth",
		},
		{
			name:         "nested file at revision",
			ref:          "hf://owner/repo@v1.4/weights/GFPGANv1.4.pth",
			wantOwner:    "owner",
			wantRepo:     "repo",
			wantRevision: "v1.4",
			wantFile:     "weights/GFPGANv1.4.pth",
		},
		{name: "missing file", ref: "hf://owner/repo", wantErr: true},
		{name: "empty file", ref: "hf://owner/repo/", wantErr: true},
		{name: "empty revision", ref: "hf://owner/repo@/a.pth", wantErr: true},
		{name: "not a hub reference", ref: "owner/repo/a.pth", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner, repo, revision, file, err := ParseFileRef(tt.ref)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantOwner, owner)
			assert.Equal(t, tt.wantRepo, repo)
			assert.Equal(t, tt.wantRevision, revision)
			assert.Equal(t, tt.wantFile, file)
		})
	}

	assert.Equal(t, "https://huggingface.co/owner/repo/resolve/main/a/b.pth", FileURL("owner", "repo", "main", "a/b.pth"))
}

func TestIsRemote(t *testing.T) {
	assert.True(t, IsRemote("hf://o/r/f"))
	assert.True(t, IsRemote("https://example.com/model.onnx"))
	assert.False(t, IsRemote("models/realesrgan_x4.onnx"))
	assert.False(t, IsRemote("/abs/hf/model.onnx"))
}

func fastRetries(t *testing.T) {
	old := retryOpts
	retryOpts = []retry.Option{retry.Attempts(3), retry.Delay(time.Millisecond), retry.LastErrorOnly(true)}
	t.Cleanup(func() { retryOpts = old })
}

func TestResolve(t *testing.T) {
	fastRetries(t)

	body := []byte("onnx bytes")
	var gets, failures atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/model.onnx":
			if r.Method == http.MethodGet {
				gets.Add(1)
			}
			w.Write(body)
		case "/flaky.onnx":
			if failures.Add(1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write(body)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := &Client{Dir: t.TempDir(), HTTP: srv.Client()}

	local, err := c.Resolve(ctx, "local/model.onnx")
	require.NoError(t, err)
	assert.Equal(t, "local/model.onnx", local)

	path, err := c.Resolve(ctx, srv.URL+"/model.onnx")
	require.NoError(t, err)
	assert.Equal(t, c.Dir, filepath.Dir(path))
	assert.Contains(t, filepath.Base(path), "model.onnx")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, data)

	// A second resolve only checks the size.
	again, err := c.Resolve(ctx, srv.URL+"/model.onnx")
	require.NoError(t, err)
	assert.Equal(t, path, again)
	assert.Equal(t, int32(1), gets.Load())

	// A local copy whose size differs from the server is downloaded again.
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o600))
	_, err = c.Resolve(ctx, srv.URL+"/model.onnx")
	require.NoError(t, err)
	assert.Equal(t, int32(2), gets.Load())
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, data)

	// Server errors are retried.
	_, err = c.Resolve(ctx, srv.URL+"/flaky.onnx")
	require.NoError(t, err)
	assert.Equal(t, int32(2), failures.Load())

	// Missing files fail without retrying and leave nothing behind.
	_, err = c.Resolve(ctx, srv.URL+"/missing.onnx")
	assert.ErrorIs(t, err, ErrNotFound)
	matches, err := filepath.Glob(filepath.Join(c.Dir, "*missing*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestNewRequest_Token(t *testing.T) {
	c := &Client{Token: "secret"}

	req, err := c.newRequest(context.Background(), http.MethodGet, FileURL("o", "r", "main", "f.pth"))
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", req.Header.Get("Authorization"))

	// The token is never sent to other hosts.
	req, err = c.newRequest(context.Background(), http.MethodGet, "https://example.com/f.pth")
	require.NoError(t, err)
	assert.Empty(t, req.Header.Get("Authorization"))
}
