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
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"
	storagev1 "google.golang.org/api/storage/v1"

	"github.com/localgcp/localgcp/pkg/apierror"
	"github.com/localgcp/localgcp/pkg/blob"
	"github.com/localgcp/localgcp/pkg/store"
)

func newService(t *testing.T) *Service {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	blobs, err := blob.New(afero.NewMemMapFs(), "data")
	if err != nil {
		t.Fatalf("blob.New: %v", err)
	}
	return New(s, blobs, zap.NewNop())
}

func int64p(v int64) *int64 { return &v }

func mustBucket(t *testing.T, svc *Service, name string, versioning bool) {
	t.Helper()
	body := &storagev1.Bucket{Name: name}
	if versioning {
		body.Versioning = &storagev1.BucketVersioning{Enabled: true}
	}
	if _, err := svc.CreateBucket(context.Background(), "proj-1", body); err != nil {
		t.Fatalf("CreateBucket(%q): %v", name, err)
	}
}

func mustUpload(t *testing.T, svc *Service, bucket, name, content string) *storagev1.Object {
	t.Helper()
	obj, err := svc.Upload(context.Background(), bucket, name, "", strings.NewReader(content), Preconditions{})
	if err != nil {
		t.Fatalf("Upload(%q/%q): %v", bucket, name, err)
	}
	return obj
}

func TestCreateBucketDefaults(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	got, err := svc.CreateBucket(ctx, "proj-1", &storagev1.Bucket{Name: "my-bucket"})
	if err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	if got.Location != "US" || got.StorageClass != "STANDARD" {
		t.Errorf("defaults: got location %q, class %q", got.Location, got.StorageClass)
	}
	if got.Metageneration != 1 {
		t.Errorf("Metageneration: want 1, got %d", got.Metageneration)
	}

	_, err = svc.CreateBucket(ctx, "proj-2", &storagev1.Bucket{Name: "my-bucket"})
	if !apierror.IsAlreadyExists(err) {
		t.Errorf("duplicate name across projects: want AlreadyExists, got %v", err)
	}

	_, err = svc.CreateBucket(ctx, "proj-1", &storagev1.Bucket{Name: "UPPER"})
	if apierror.KindOf(err) != apierror.InvalidArgument {
		t.Errorf("invalid name: want InvalidArgument, got %v", err)
	}
}

func TestPatchBucket(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	mustBucket(t, svc, "my-bucket", false)

	_, err := svc.PatchBucket(ctx, "my-bucket", &storagev1.Bucket{}, Preconditions{IfMetagenerationMatch: int64p(7)})
	if apierror.KindOf(err) != apierror.PreconditionFailed {
		t.Fatalf("stale metageneration: want PreconditionFailed, got %v", err)
	}

	got, err := svc.PatchBucket(ctx, "my-bucket", &storagev1.Bucket{
		Versioning: &storagev1.BucketVersioning{Enabled: true},
	}, Preconditions{IfMetagenerationMatch: int64p(1)})
	if err != nil {
		t.Fatalf("PatchBucket: %v", err)
	}
	if got.Metageneration != 2 {
		t.Errorf("Metageneration: want 2, got %d", got.Metageneration)
	}
	if got.Versioning == nil || !got.Versioning.Enabled {
		t.Errorf("Versioning: want enabled, got %+v", got.Versioning)
	}

	got, err = svc.PatchBucket(ctx, "my-bucket", &storagev1.Bucket{
		Lifecycle: &storagev1.BucketLifecycle{Rule: []*storagev1.BucketLifecycleRule{{
			Action:    &storagev1.BucketLifecycleRuleAction{Type: "Delete"},
			Condition: &storagev1.BucketLifecycleRuleCondition{Age: int64p(30)},
		}}},
	}, Preconditions{})
	if err != nil {
		t.Fatalf("PatchBucket (lifecycle): %v", err)
	}
	if got.Lifecycle == nil || len(got.Lifecycle.Rule) != 1 {
		t.Fatalf("Lifecycle: got %+v", got.Lifecycle)
	}
	if got.Metageneration != 3 {
		t.Errorf("Metageneration after second patch: want 3, got %d", got.Metageneration)
	}
}

func TestListBuckets(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	mustBucket(t, svc, "zeta", false)
	mustBucket(t, svc, "alpha", false)
	if _, err := svc.CreateBucket(ctx, "other-proj", &storagev1.Bucket{Name: "theirs"}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}

	got, err := svc.ListBuckets(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ListBuckets: %v", err)
	}
	if got.Kind != "storage#buckets" {
		t.Errorf("Kind: got %q", got.Kind)
	}
	if len(got.Items) != 2 || got.Items[0].Name != "alpha" || got.Items[1].Name != "zeta" {
		names := make([]string, 0, len(got.Items))
		for _, b := range got.Items {
			names = append(names, b.Name)
		}
		t.Errorf("Items: want [alpha zeta], got %v", names)
	}
}

func TestDeleteBucket(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	mustBucket(t, svc, "my-bucket", true)
	mustUpload(t, svc, "my-bucket", "a.txt", "one")
	mustUpload(t, svc, "my-bucket", "a.txt", "two")

	err := svc.DeleteBucket(ctx, "my-bucket", false)
	if apierror.KindOf(err) != apierror.FailedPrecondition {
		t.Fatalf("non-empty delete: want FailedPrecondition, got %v", err)
	}

	if err := svc.DeleteBucket(ctx, "my-bucket", true); err != nil {
		t.Fatalf("force delete: %v", err)
	}
	if _, err := svc.GetBucket(ctx, "my-bucket"); !apierror.IsNotFound(err) {
		t.Errorf("GetBucket after delete: want NotFound, got %v", err)
	}
	paths, err := svc.blobs.List()
	if err != nil {
		t.Fatalf("List payloads: %v", err)
	}
	if len(paths) != 0 {
		t.Errorf("payloads left after force delete: %v", paths)
	}

	if err := svc.DeleteBucket(ctx, "my-bucket", false); !apierror.IsNotFound(err) {
		t.Errorf("delete missing bucket: want NotFound, got %v", err)
	}
}

func TestServiceClock(t *testing.T) {
	svc := newService(t)
	fixed := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return fixed }

	got, err := svc.CreateBucket(context.Background(), "proj-1", &storagev1.Bucket{Name: "my-bucket"})
	if err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	if got.TimeCreated != "2023-05-01T12:00:00.000Z" {
		t.Errorf("TimeCreated: got %q", got.TimeCreated)
	}
}
