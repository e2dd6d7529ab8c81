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

package blob

import (
	"context"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(afero.NewMemMapFs(), "data")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestWrite(t *testing.T) {
	cases := map[string]struct {
		content string
		want    WriteResult
	}{
		"Simple": {
			content: "hi\n",
			want: WriteResult{
				Size:   3,
				MD5:    "b1946ac92492d2347c6235b4d2611184",
				CRC32C: "G9ywgw==",
			},
		},
		"Empty": {
			content: "",
			want: WriteResult{
				Size:   0,
				MD5:    "d41d8cd98f00b204e9800998ecf8427e",
				CRC32C: "AAAAAA==",
			},
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			got, err := s.Write(context.Background(), s.ObjectPath("bkt", "payload"), strings.NewReader(tc.content))
			if err != nil {
				t.Fatalf("Write: %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Write: -want, +got:\n%s", diff)
			}

			f, err := s.Open(s.ObjectPath("bkt", "payload"))
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer f.Close() //nolint:errcheck
			read, err := io.ReadAll(f)
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if diff := cmp.Diff(tc.content, string(read)); diff != "" {
				t.Errorf("round-trip: -want, +got:\n%s", diff)
			}
		})
	}
}

func TestWriteCancelled(t *testing.T) {
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Write(ctx, s.ObjectPath("bkt", "payload"), strings.NewReader("data")); err == nil {
		t.Fatal("Write with cancelled context: expected error")
	}
	paths, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(paths) != 0 {
		t.Errorf("aborted write left files behind: %v", paths)
	}
}

func TestAppendHashRename(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	tmp := s.TempPath("session-1")

	for _, chunk := range []string{"h", "i", "\n"} {
		n, err := s.Append(ctx, tmp, strings.NewReader(chunk))
		if err != nil {
			t.Fatalf("Append(%q): %v", chunk, err)
		}
		if n != 1 {
			t.Fatalf("Append(%q): want 1 byte, got %d", chunk, n)
		}
	}

	size, err := s.Size(tmp)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 3 {
		t.Fatalf("Size: want 3, got %d", size)
	}

	got, err := s.Hash(ctx, tmp)
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	want := WriteResult{Size: 3, MD5: "b1946ac92492d2347c6235b4d2611184", CRC32C: "G9ywgw=="}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Hash: -want, +got:\n%s", diff)
	}

	final := s.ObjectPath("bkt", "payload")
	if err := s.Rename(tmp, final); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if size, _ := s.Size(tmp); size != 0 {
		t.Errorf("temp file survived rename")
	}
	if size, _ := s.Size(final); size != 3 {
		t.Errorf("final payload has size %d, want 3", size)
	}
}

func TestSizeMissing(t *testing.T) {
	s := newStore(t)
	size, err := s.Size(s.ObjectPath("bkt", "nope"))
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 0 {
		t.Errorf("Size of missing file: want 0, got %d", size)
	}
}

func TestRemoveMissing(t *testing.T) {
	s := newStore(t)
	if err := s.Remove(s.ObjectPath("bkt", "nope")); err != nil {
		t.Errorf("Remove of missing file: %v", err)
	}
}

func TestList(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for _, p := range []string{s.ObjectPath("b1", "p1"), s.ObjectPath("b1", "p2"), s.ObjectPath("b2", "p3")} {
		if _, err := s.Write(ctx, p, strings.NewReader("x")); err != nil {
			t.Fatalf("Write(%q): %v", p, err)
		}
	}
	// Session temp files are not payloads and must not be listed.
	if _, err := s.Append(ctx, s.TempPath("sess"), strings.NewReader("x")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	sort.Strings(got)
	want := []string{
		s.ObjectPath("b1", "p1"),
		s.ObjectPath("b1", "p2"),
		s.ObjectPath("b2", "p3"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("List: -want, +got:\n%s", diff)
	}
}
