/*
Copyright 2023 The LocalGCP Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package blob implements the filesystem payload store. Object payloads
// live under {root}/{bucketID}/{uuid}; resumable upload temp files under
// {root}/tmp/{sessionID}. Callers always pass internal identifiers, never
// client-supplied names, so no path escaping is needed.
package blob

import (
	"context"
	"crypto/md5" //nolint:gosec // GCS object hashes are MD5 by contract.
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const (
	errMkdir  = "cannot create blob directory"
	errCreate = "cannot create blob file"
	errCopy   = "cannot write blob payload"
	errOpen   = "cannot open blob file"
	errRemove = "cannot remove blob file"
	errRename = "cannot rename blob file"
)

const tmpDir = "tmp"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Store is a payload store rooted at a directory of the given filesystem.
type Store struct {
	fs   afero.Fs
	root string
}

// New returns a Store rooted at root, creating the root and its tmp
// directory if needed.
func New(fs afero.Fs, root string) (*Store, error) {
	if err := fs.MkdirAll(filepath.Join(root, tmpDir), 0o755); err != nil {
		return nil, errors.Wrap(err, errMkdir)
	}
	return &Store{fs: fs, root: root}, nil
}

// ObjectPath returns the relative path of an object payload.
func (s *Store) ObjectPath(bucketID, payloadID string) string {
	return filepath.Join(bucketID, payloadID)
}

// TempPath returns the relative path of a resumable session temp file.
func (s *Store) TempPath(sessionID string) string {
	return filepath.Join(tmpDir, sessionID)
}

// WriteResult describes a completed payload write.
type WriteResult struct {
	Size   int64
	MD5    string // lowercase hex
	CRC32C string // base64 of the big-endian checksum, GCS style
}

// Write streams r into the file at path, computing size, MD5 and CRC32C on
// the way through. The write is aborted and the file removed if ctx is
// cancelled or the copy fails.
func (s *Store) Write(ctx context.Context, path string, r io.Reader) (WriteResult, error) {
	full := filepath.Join(s.root, path)
	if err := s.fs.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return WriteResult{}, errors.Wrap(err, errMkdir)
	}
	f, err := s.fs.Create(full)
	if err != nil {
		return WriteResult{}, errors.Wrap(err, errCreate)
	}

	md5h := md5.New() //nolint:gosec
	crch := crc32.New(castagnoli)
	n, err := io.Copy(io.MultiWriter(f, md5h, crch), &contextReader{ctx: ctx, r: r})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = s.fs.Remove(full)
		return WriteResult{}, errors.Wrap(err, errCopy)
	}
	return WriteResult{Size: n, MD5: hexOf(md5h), CRC32C: crcString(crch.Sum32())}, nil
}

// Append appends r to the file at path, creating it if absent, and returns
// the number of bytes appended.
func (s *Store) Append(ctx context.Context, path string, r io.Reader) (int64, error) {
	full := filepath.Join(s.root, path)
	f, err := s.fs.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, errors.Wrap(err, errOpen)
	}
	n, err := io.Copy(f, &contextReader{ctx: ctx, r: r})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, errors.Wrap(err, errCopy)
	}
	return n, nil
}

// Hash re-reads the file at path and returns its size and hashes. Used
// when finalizing resumable uploads, whose chunks were appended without
// running hashes.
func (s *Store) Hash(ctx context.Context, path string) (WriteResult, error) {
	f, err := s.Open(path)
	if err != nil {
		return WriteResult{}, err
	}
	defer f.Close() //nolint:errcheck

	md5h := md5.New() //nolint:gosec
	crch := crc32.New(castagnoli)
	n, err := io.Copy(io.MultiWriter(md5h, crch), &contextReader{ctx: ctx, r: f})
	if err != nil {
		return WriteResult{}, errors.Wrap(err, errCopy)
	}
	return WriteResult{Size: n, MD5: hexOf(md5h), CRC32C: crcString(crch.Sum32())}, nil
}

// Open opens the file at path for reading and seeking.
func (s *Store) Open(path string) (afero.File, error) {
	f, err := s.fs.Open(filepath.Join(s.root, path))
	if err != nil {
		return nil, errors.Wrap(err, errOpen)
	}
	return f, nil
}

// Size returns the current size of the file at path, or zero if it does
// not exist.
func (s *Store) Size(path string) (int64, error) {
	fi, err := s.fs.Stat(filepath.Join(s.root, path))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, errOpen)
	}
	return fi.Size(), nil
}

// Remove deletes the file at path. Removing a missing file is not an
// error; superseded payloads may already have been swept.
func (s *Store) Remove(path string) error {
	err := s.fs.Remove(filepath.Join(s.root, path))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, errRemove)
	}
	return nil
}

// Rename atomically moves the file at old to new, creating new's parent
// directory if needed. Both paths are on the same filesystem by
// construction.
func (s *Store) Rename(oldPath, newPath string) error {
	full := filepath.Join(s.root, newPath)
	if err := s.fs.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errors.Wrap(err, errMkdir)
	}
	return errors.Wrap(s.fs.Rename(filepath.Join(s.root, oldPath), full), errRename)
}

// List returns the relative paths of every payload file under the bucket
// directories, excluding tmp. Used by the orphan sweep.
func (s *Store) List() ([]string, error) {
	var out []string
	err := afero.Walk(s.fs, s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		if filepath.Dir(rel) == tmpDir {
			return nil
		}
		out = append(out, rel)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, errOpen)
	}
	return out, nil
}

func hexOf(h hash.Hash) string { return hex.EncodeToString(h.Sum(nil)) }

func crcString(sum uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], sum)
	return base64.StdEncoding.EncodeToString(b[:])
}

// contextReader aborts a copy as soon as the request context is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
