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

package xattr

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const (
	// Prefix for all xattr keys to ensure compatibility across platforms.
	// Linux requires "user." prefix for user-space xattrs, while macOS allows any key.
	Prefix = "user."

	// Common xattr keys.
	KeySize   = "enhancer.size"
	KeyMtime  = "enhancer.mtime"
	KeySha256 = "enhancer.sha256"
)

// ErrStale is returned by Lookup when the stamped size or modification time
// no longer matches the file.
var ErrStale = errors.New("stale extended attributes")

// Get retrieves an xattr value for a given key.
func Get(path, key string) ([]byte, error) {
	var value []byte
	sz, err := unix.Getxattr(path, key, value)
	if err != nil {
		return nil, err
	}

	value = make([]byte, sz)
	_, err = unix.Getxattr(path, key, value)
	if err != nil {
		return nil, err
	}

	return value, nil
}

// Set sets an xattr value for a given key.
func Set(path, key string, value []byte) error {
	return unix.Setxattr(path, key, value, 0)
}

// MakeKey creates a fully-qualified xattr key with the user prefix.
func MakeKey(parts ...string) string {
	return Prefix + strings.Join(parts, ".")
}

// Stamp records the digest of path together with the size and modification
// time it was computed for.
func Stamp(path string, info os.FileInfo, digest string) error {
	if err := Set(path, MakeKey(KeyMtime), []byte(strconv.FormatInt(info.ModTime().UnixNano(), 10))); err != nil {
		return err
	}
	if err := Set(path, MakeKey(KeySize), []byte(strconv.FormatInt(info.Size(), 10))); err != nil {
		return err
	}

	return Set(path, MakeKey(KeySha256), []byte(digest))
}

// Lookup returns the digest stamped on path if the file has not changed
// since.
func Lookup(path string, info os.FileInfo) (string, error) {
	mtime, err := Get(path, MakeKey(KeyMtime))
	if err != nil {
		return "", err
	}
	size, err := Get(path, MakeKey(KeySize))
	if err != nil {
		return "", err
	}

	if string(mtime) != strconv.FormatInt(info.ModTime().UnixNano(), 10) || string(size) != strconv.FormatInt(info.Size(), 10) {
		return "", ErrStale
	}

	digest, err := Get(path, MakeKey(KeySha256))
	if err != nil {
		return "", err
	}

	return string(digest), nil
}
