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

package storage

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/localgcp/localgcp/pkg/apierror"
)

func names(t *testing.T, svc *Service, req ListRequest) ([]string, []string, string) {
	t.Helper()
	out, err := svc.ListObjects(context.Background(), req)
	if err != nil {
		t.Fatalf("ListObjects(%+v): %v", req, err)
	}
	var items []string
	for _, o := range out.Items {
		items = append(items, o.Name)
	}
	return items, out.Prefixes, out.NextPageToken
}

func TestListObjects(t *testing.T) {
	svc := newService(t)
	mustBucket(t, svc, "my-bucket", false)
	for _, n := range []string{"a.txt", "logs/2023/app.log", "logs/2023/db.log", "logs/current.log", "z.txt"} {
		mustUpload(t, svc, "my-bucket", n, "x")
	}

	items, prefixes, token := names(t, svc, ListRequest{Bucket: "my-bucket"})
	want := []string{"a.txt", "logs/2023/app.log", "logs/2023/db.log", "logs/current.log", "z.txt"}
	if diff := cmp.Diff(want, items); diff != "" {
		t.Errorf("flat listing: -want, +got:\n%s", diff)
	}
	if len(prefixes) != 0 || token != "" {
		t.Errorf("flat listing: prefixes %v, token %q", prefixes, token)
	}

	items, prefixes, _ = names(t, svc, ListRequest{Bucket: "my-bucket", Delimiter: "/"})
	if diff := cmp.Diff([]string{"a.txt", "z.txt"}, items); diff != "" {
		t.Errorf("delimited items: -want, +got:\n%s", diff)
	}
	if diff := cmp.Diff([]string{"logs/"}, prefixes); diff != "" {
		t.Errorf("delimited prefixes: -want, +got:\n%s", diff)
	}

	items, prefixes, _ = names(t, svc, ListRequest{Bucket: "my-bucket", Prefix: "logs/", Delimiter: "/"})
	if diff := cmp.Diff([]string{"logs/current.log"}, items); diff != "" {
		t.Errorf("prefixed items: -want, +got:\n%s", diff)
	}
	if diff := cmp.Diff([]string{"logs/2023/"}, prefixes); diff != "" {
		t.Errorf("prefixed prefixes: -want, +got:\n%s", diff)
	}

	if _, err := svc.ListObjects(context.Background(), ListRequest{Bucket: "nope"}); !apierror.IsNotFound(err) {
		t.Errorf("missing bucket: want NotFound, got %v", err)
	}
}

func TestListObjectsPagination(t *testing.T) {
	svc := newService(t)
	mustBucket(t, svc, "my-bucket", false)
	for _, n := range []string{"a", "b", "c", "d", "e"} {
		mustUpload(t, svc, "my-bucket", n, "x")
	}

	var got []string
	token := ""
	pages := 0
	for {
		items, _, next := names(t, svc, ListRequest{Bucket: "my-bucket", MaxResults: 2, PageToken: token})
		got = append(got, items...)
		pages++
		if next == "" {
			break
		}
		token = next
	}
	if diff := cmp.Diff([]string{"a", "b", "c", "d", "e"}, got); diff != "" {
		t.Errorf("paged listing: -want, +got:\n%s", diff)
	}
	if pages != 3 {
		t.Errorf("want 3 pages, got %d", pages)
	}

	_, err := svc.ListObjects(context.Background(), ListRequest{Bucket: "my-bucket", PageToken: "!!not-base64!!"})
	if apierror.KindOf(err) != apierror.InvalidArgument {
		t.Errorf("malformed token: want InvalidArgument, got %v", err)
	}
}

func TestListObjectsVersions(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	mustBucket(t, svc, "versioned", true)
	mustUpload(t, svc, "versioned", "a", "one")
	mustUpload(t, svc, "versioned", "a", "two")
	mustUpload(t, svc, "versioned", "b", "only")
	if err := svc.DeleteObject(ctx, "versioned", "b", 0, Preconditions{}); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}

	// The live view hides soft-deleted names.
	items, _, _ := names(t, svc, ListRequest{Bucket: "versioned"})
	if diff := cmp.Diff([]string{"a"}, items); diff != "" {
		t.Errorf("live listing: -want, +got:\n%s", diff)
	}

	out, err := svc.ListObjects(ctx, ListRequest{Bucket: "versioned", Versions: true})
	if err != nil {
		t.Fatalf("ListObjects (versions): %v", err)
	}
	type nameGen struct {
		Name       string
		Generation int64
	}
	var got []nameGen
	for _, o := range out.Items {
		got = append(got, nameGen{o.Name, o.Generation})
	}
	// Generations of one name list newest first.
	want := []nameGen{{"a", 2}, {"a", 1}, {"b", 1}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("version listing: -want, +got:\n%s", diff)
	}
	if out.Items[2].TimeDeleted == "" {
		t.Error("soft-deleted version: TimeDeleted not set")
	}
}

func TestListObjectsVersionsPagination(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	mustBucket(t, svc, "versioned", true)
	mustUpload(t, svc, "versioned", "a", "one")
	mustUpload(t, svc, "versioned", "a", "two")
	mustUpload(t, svc, "versioned", "a", "three")
	mustUpload(t, svc, "versioned", "b", "only")

	type nameGen struct {
		Name       string
		Generation int64
	}
	var got []nameGen
	token := ""
	for pages := 0; ; pages++ {
		if pages > 3 {
			t.Fatal("pagination did not terminate")
		}
		out, err := svc.ListObjects(ctx, ListRequest{
			Bucket: "versioned", Versions: true, MaxResults: 2, PageToken: token,
		})
		if err != nil {
			t.Fatalf("ListObjects: %v", err)
		}
		for _, o := range out.Items {
			got = append(got, nameGen{o.Name, o.Generation})
		}
		if out.NextPageToken == "" {
			break
		}
		token = out.NextPageToken
	}
	want := []nameGen{{"a", 3}, {"a", 2}, {"a", 1}, {"b", 1}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("paged version listing: -want, +got:\n%s", diff)
	}
}
