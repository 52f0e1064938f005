/*
 *     Copyright 2025 The CNAI Authors
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

package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	godigest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_PutGet(t *testing.T) {
	ctx := context.Background()
	c, err := New(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)

	_, err = c.Get(ctx, "/models/a.onnx")
	assert.ErrorIs(t, err, ErrNotFound)

	item := &Item{Path: "/models/a.onnx", Size: 3, Digest: "sha256:00", CreatedAt: time.Now()}
	require.NoError(t, c.Put(ctx, item))

	got, err := c.Get(ctx, "/models/a.onnx")
	require.NoError(t, err)
	assert.Equal(t, item.Digest, got.Digest)
	assert.Equal(t, item.Size, got.Size)
}

func TestCache_Expired(t *testing.T) {
	ctx := context.Background()
	c, err := New(t.TempDir())
	require.NoError(t, err)

	stale := &Item{Path: "/old", Digest: "sha256:00", CreatedAt: time.Now().Add(-2 * TTL)}
	require.NoError(t, c.Put(ctx, stale))

	_, err = c.Get(ctx, "/old")
	assert.ErrorIs(t, err, ErrNotFound)

	// Putting another item prunes the expired one from disk.
	require.NoError(t, c.Put(ctx, &Item{Path: "/new", CreatedAt: time.Now()}))
	items, err := c.(*cache).readItems()
	require.NoError(t, err)
	assert.NotContains(t, items, "/old")
	assert.Contains(t, items, "/new")
}

func TestCache_CanceledContext(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = c.Get(ctx, "/a")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, c.Put(ctx, &Item{Path: "/a"}), context.Canceled)
}

func TestDigest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c, err := New(filepath.Join(dir, "cache"))
	require.NoError(t, err)

	path := filepath.Join(dir, "model.onnx")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))

	want := godigest.FromString("hello")
	got, err := Digest(ctx, c, path)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	abs, err := filepath.Abs(path)
	require.NoError(t, err)
	item, err := c.Get(ctx, abs)
	require.NoError(t, err)
	assert.Equal(t, want.String(), item.Digest)

	// A changed file is hashed again.
	require.NoError(t, os.WriteFile(path, []byte("hello, world"), 0644))
	got, err = Digest(ctx, c, path)
	require.NoError(t, err)
	assert.Equal(t, godigest.FromString("hello, world"), got)

	got, err = Digest(ctx, nil, path)
	require.NoError(t, err)
	assert.Equal(t, godigest.FromString("hello, world"), got)

	_, err = Digest(ctx, c, filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
