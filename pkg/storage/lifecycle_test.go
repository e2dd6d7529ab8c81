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
	"net/http"
	"strings"
	"testing"
	"time"

	storagev1 "google.golang.org/api/storage/v1"

	"github.com/localgcp/localgcp/pkg/apierror"
	"github.com/localgcp/localgcp/pkg/store"
)

func lifecycleBucket(t *testing.T, svc *Service, name string, rule *storagev1.BucketLifecycleRule, versioning bool) {
	t.Helper()
	body := &storagev1.Bucket{
		Name:      name,
		Lifecycle: &storagev1.BucketLifecycle{Rule: []*storagev1.BucketLifecycleRule{rule}},
	}
	if versioning {
		body.Versioning = &storagev1.BucketVersioning{Enabled: true}
	}
	if _, err := svc.CreateBucket(context.Background(), "proj-1", body); err != nil {
		t.Fatalf("CreateBucket(%q): %v", name, err)
	}
}

func TestLifecycleAgeDelete(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	base := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	lifecycleBucket(t, svc, "my-bucket", &storagev1.BucketLifecycleRule{
		Action:    &storagev1.BucketLifecycleRuleAction{Type: "Delete"},
		Condition: &storagev1.BucketLifecycleRuleCondition{Age: int64p(30)},
	}, false)
	mustUpload(t, svc, "my-bucket", "old", "x")

	svc.now = func() time.Time { return base.Add(10 * 24 * time.Hour) }
	mustUpload(t, svc, "my-bucket", "young", "x")

	if err := svc.RunLifecycle(ctx); err != nil {
		t.Fatalf("RunLifecycle: %v", err)
	}
	// Neither object is 30 days old yet.
	if _, err := svc.GetObjectMeta(ctx, "my-bucket", "old", 0); err != nil {
		t.Fatalf("old before cutoff: %v", err)
	}

	svc.now = func() time.Time { return base.Add(35 * 24 * time.Hour) }
	if err := svc.RunLifecycle(ctx); err != nil {
		t.Fatalf("RunLifecycle: %v", err)
	}
	if _, err := svc.GetObjectMeta(ctx, "my-bucket", "old", 0); !apierror.IsNotFound(err) {
		t.Errorf("old after cutoff: want NotFound, got %v", err)
	}
	if _, err := svc.GetObjectMeta(ctx, "my-bucket", "young", 0); err != nil {
		t.Errorf("young after cutoff: %v", err)
	}
}

func TestLifecyclePrefixMatch(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	base := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	lifecycleBucket(t, svc, "my-bucket", &storagev1.BucketLifecycleRule{
		Action: &storagev1.BucketLifecycleRuleAction{Type: "Delete"},
		Condition: &storagev1.BucketLifecycleRuleCondition{
			Age:           int64p(1),
			MatchesPrefix: []string{"tmp/"},
		},
	}, false)
	mustUpload(t, svc, "my-bucket", "tmp/scratch", "x")
	mustUpload(t, svc, "my-bucket", "keep/data", "x")

	svc.now = func() time.Time { return base.Add(48 * time.Hour) }
	if err := svc.RunLifecycle(ctx); err != nil {
		t.Fatalf("RunLifecycle: %v", err)
	}
	if _, err := svc.GetObjectMeta(ctx, "my-bucket", "tmp/scratch", 0); !apierror.IsNotFound(err) {
		t.Errorf("matched prefix: want NotFound, got %v", err)
	}
	if _, err := svc.GetObjectMeta(ctx, "my-bucket", "keep/data", 0); err != nil {
		t.Errorf("unmatched prefix: %v", err)
	}
}

func TestLifecycleVersioningSemantics(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	base := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	lifecycleBucket(t, svc, "versioned", &storagev1.BucketLifecycleRule{
		Action:    &storagev1.BucketLifecycleRuleAction{Type: "Delete"},
		Condition: &storagev1.BucketLifecycleRuleCondition{NumNewerVersions: 1},
	}, true)
	mustUpload(t, svc, "versioned", "a", "one")
	mustUpload(t, svc, "versioned", "a", "two")
	mustUpload(t, svc, "versioned", "a", "three")

	if err := svc.RunLifecycle(ctx); err != nil {
		t.Fatalf("RunLifecycle: %v", err)
	}
	// Only versions with at least one newer version are evicted; the
	// live one survives.
	if got := readAll(t, svc, "versioned", "a", 0); got != "three" {
		t.Errorf("live version: got %q", got)
	}
	for _, gen := range []int64{1, 2} {
		if _, err := svc.GetObjectMeta(ctx, "versioned", "a", gen); !apierror.IsNotFound(err) {
			t.Errorf("generation %d: want NotFound, got %v", gen, err)
		}
	}
}

func TestLifecycleSetStorageClass(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	base := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	lifecycleBucket(t, svc, "my-bucket", &storagev1.BucketLifecycleRule{
		Action:    &storagev1.BucketLifecycleRuleAction{Type: "SetStorageClass", StorageClass: "NEARLINE"},
		Condition: &storagev1.BucketLifecycleRuleCondition{Age: int64p(10)},
	}, false)
	mustUpload(t, svc, "my-bucket", "a", "x")

	svc.now = func() time.Time { return base.Add(11 * 24 * time.Hour) }
	if err := svc.RunLifecycle(ctx); err != nil {
		t.Fatalf("RunLifecycle: %v", err)
	}
	got, err := svc.GetObjectMeta(ctx, "my-bucket", "a", 0)
	if err != nil {
		t.Fatalf("GetObjectMeta: %v", err)
	}
	if got.StorageClass != "NEARLINE" {
		t.Errorf("StorageClass: want NEARLINE, got %q", got.StorageClass)
	}

	// A second pass is a no-op.
	if err := svc.RunLifecycle(ctx); err != nil {
		t.Fatalf("RunLifecycle (second): %v", err)
	}
}

func TestSweepSessions(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	base := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	mustBucket(t, svc, "my-bucket", false)

	stale, err := svc.InitiateResumable(ctx, "my-bucket", "stale", "", nil, Preconditions{})
	if err != nil {
		t.Fatalf("InitiateResumable: %v", err)
	}
	svc.now = func() time.Time { return base.Add(SessionTTL - time.Hour) }
	fresh, err := svc.InitiateResumable(ctx, "my-bucket", "fresh", "", nil, Preconditions{})
	if err != nil {
		t.Fatalf("InitiateResumable: %v", err)
	}

	svc.now = func() time.Time { return base.Add(SessionTTL + time.Hour) }
	if err := svc.SweepSessions(ctx); err != nil {
		t.Fatalf("SweepSessions: %v", err)
	}
	if _, err := svc.SessionStatus(ctx, stale.ID); !apierror.IsNotFound(err) {
		t.Errorf("stale session: want NotFound, got %v", err)
	}
	if _, err := svc.SessionStatus(ctx, fresh.ID); err != nil {
		t.Errorf("fresh session: %v", err)
	}
}

func TestSweepTokens(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	base := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	mustBucket(t, svc, "my-bucket", false)
	mustUpload(t, svc, "my-bucket", "a", "x")

	if _, err := svc.SignURL(ctx, "my-bucket", "a", http.MethodGet, time.Minute); err != nil {
		t.Fatalf("SignURL: %v", err)
	}
	svc.now = func() time.Time { return base.Add(time.Hour) }
	if err := svc.SweepTokens(ctx); err != nil {
		t.Fatalf("SweepTokens: %v", err)
	}
	var count int64
	if err := svc.store.DB().Model(&store.SignedURLToken{}).Count(&count).Error; err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("want 0 tokens after sweep, got %d", count)
	}
}

func TestSweepOrphans(t *testing.T) {
	svc := newService(t)
	w := NewWorker(svc, time.Minute, svc.log)
	mustBucket(t, svc, "my-bucket", false)
	mustUpload(t, svc, "my-bucket", "live", "x")

	orphan := svc.blobs.ObjectPath("bucket-id", "orphan")
	if _, err := svc.blobs.Write(context.Background(), orphan, strings.NewReader("y")); err != nil {
		t.Fatalf("Write orphan: %v", err)
	}

	// First sighting only marks; the file could belong to an in-flight
	// commit.
	if err := w.sweepOrphans(); err != nil {
		t.Fatalf("sweepOrphans: %v", err)
	}
	paths, err := svc.blobs.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("after first sweep: want 2 payloads, got %v", paths)
	}

	if err := w.sweepOrphans(); err != nil {
		t.Fatalf("sweepOrphans (second): %v", err)
	}
	paths, err = svc.blobs.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(paths) != 1 {
		t.Errorf("after second sweep: want only the live payload, got %v", paths)
	}
}
