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

// Package storage implements the object storage core: bucket and object
// CRUD, the atomic upload pipeline with resumable sessions, versioning
// and generation semantics, signed URLs, lifecycle eviction and orphan
// collection.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	storage "google.golang.org/api/storage/v1"
	"gorm.io/gorm"

	"github.com/localgcp/localgcp/pkg/apierror"
	"github.com/localgcp/localgcp/pkg/blob"
	"github.com/localgcp/localgcp/pkg/clients/bucket"
	"github.com/localgcp/localgcp/pkg/store"
)

// SessionTTL is how long an idle resumable session survives before the
// sweeper removes it.
const SessionTTL = 24 * time.Hour

// Preconditions are the optional generation/metageneration guards of a
// mutation.
type Preconditions struct {
	IfGenerationMatch     *int64
	IfMetagenerationMatch *int64
}

// Service is the object storage core.
type Service struct {
	store *store.Store
	blobs *blob.Store
	log   *zap.Logger
	now   func() time.Time
}

// New returns a storage Service.
func New(s *store.Store, b *blob.Store, log *zap.Logger) *Service {
	return &Service{store: s, blobs: b, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// CreateBucket validates and creates a bucket. Bucket names are unique
// across the whole emulator; a losing concurrent create gets
// AlreadyExists from the unique index.
func (s *Service) CreateBucket(ctx context.Context, project string, body *storage.Bucket) (*storage.Bucket, error) {
	if err := bucket.ValidateName(body.Name); err != nil {
		return nil, err
	}
	if _, err := s.store.EnsureProject(ctx, project); err != nil {
		return nil, err
	}

	now := s.now()
	row := store.Bucket{
		ID:             uuid.NewString(),
		Name:           body.Name,
		ProjectID:      project,
		Location:       body.Location,
		StorageClass:   body.StorageClass,
		Metageneration: 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if row.Location == "" {
		row.Location = "US"
	}
	if row.StorageClass == "" {
		row.StorageClass = "STANDARD"
	}
	if body.Versioning != nil {
		row.VersioningEnabled = body.Versioning.Enabled
	}
	rules, err := bucket.RulesFromAPI(row.ID, body.Lifecycle)
	if err != nil {
		return nil, err
	}

	err = s.store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return store.AsAPIError(err, fmt.Sprintf("bucket %q", row.Name))
		}
		for i := range rules {
			if err := tx.Create(&rules[i]).Error; err != nil {
				return store.AsAPIError(err, "lifecycle rule")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return bucket.GenerateBucket(row, rules), nil
}

// GetBucket returns a bucket by name.
func (s *Service) GetBucket(ctx context.Context, name string) (*storage.Bucket, error) {
	row, rules, err := s.bucketByName(s.store.DB().WithContext(ctx), name)
	if err != nil {
		return nil, err
	}
	return bucket.GenerateBucket(*row, rules), nil
}

// ListBuckets lists the buckets of a project ordered by name.
func (s *Service) ListBuckets(ctx context.Context, project string) (*storage.Buckets, error) {
	var rows []store.Bucket
	err := s.store.DB().WithContext(ctx).
		Where("project_id = ?", project).Order("name").Find(&rows).Error
	if err != nil {
		return nil, store.AsAPIError(err, "buckets")
	}
	out := &storage.Buckets{Kind: "storage#buckets"}
	for _, row := range rows {
		rules, err := s.bucketRules(s.store.DB().WithContext(ctx), row.ID)
		if err != nil {
			return nil, err
		}
		out.Items = append(out.Items, bucket.GenerateBucket(row, rules))
	}
	return out, nil
}

// PatchBucket updates versioning and lifecycle configuration, bumping
// the metageneration. A stale ifMetagenerationMatch fails with
// PreconditionFailed.
func (s *Service) PatchBucket(ctx context.Context, name string, body *storage.Bucket, pre Preconditions) (*storage.Bucket, error) {
	var row *store.Bucket
	var rules []store.LifecycleRule
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		row, rules, err = s.bucketByName(tx, name)
		if err != nil {
			return err
		}
		if pre.IfMetagenerationMatch != nil && *pre.IfMetagenerationMatch != row.Metageneration {
			return apierror.PreconditionFailedf("bucket metageneration %d does not match %d",
				row.Metageneration, *pre.IfMetagenerationMatch)
		}
		if body.Versioning != nil {
			row.VersioningEnabled = body.Versioning.Enabled
		}
		if body.Lifecycle != nil {
			if err := tx.Where("bucket_id = ?", row.ID).Delete(&store.LifecycleRule{}).Error; err != nil {
				return store.AsAPIError(err, "lifecycle rules")
			}
			rules, err = bucket.RulesFromAPI(row.ID, body.Lifecycle)
			if err != nil {
				return err
			}
			for i := range rules {
				if err := tx.Create(&rules[i]).Error; err != nil {
					return store.AsAPIError(err, "lifecycle rule")
				}
			}
		}
		row.Metageneration++
		row.UpdatedAt = s.now()
		return store.AsAPIError(tx.Save(row).Error, fmt.Sprintf("bucket %q", name))
	})
	if err != nil {
		return nil, err
	}
	return bucket.GenerateBucket(*row, rules), nil
}

// DeleteBucket removes a bucket. Without force it refuses while any
// object or retained version exists; with force it cascades through the
// version-aware object delete path and removes payloads after commit.
func (s *Service) DeleteBucket(ctx context.Context, name string, force bool) error {
	var orphaned []string
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		row, _, err := s.bucketByName(tx, name)
		if err != nil {
			return err
		}
		var objects []store.Object
		if err := tx.Where("bucket_id = ?", row.ID).Find(&objects).Error; err != nil {
			return store.AsAPIError(err, "objects")
		}
		if len(objects) > 0 && !force {
			return apierror.FailedPreconditionf("bucket %q is not empty", name)
		}
		for i := range objects {
			paths, err := s.hardDeleteObject(tx, &objects[i])
			if err != nil {
				return err
			}
			orphaned = append(orphaned, paths...)
		}
		if err := tx.Where("bucket_id = ?", row.ID).Delete(&store.LifecycleRule{}).Error; err != nil {
			return store.AsAPIError(err, "lifecycle rules")
		}
		if err := tx.Where("bucket_id = ?", row.ID).Delete(&store.ResumableSession{}).Error; err != nil {
			return store.AsAPIError(err, "resumable sessions")
		}
		return store.AsAPIError(tx.Delete(row).Error, fmt.Sprintf("bucket %q", name))
	})
	if err != nil {
		return err
	}
	s.removePayloads(orphaned)
	return nil
}

// bucketByName reads a bucket and its lifecycle rules through tx so that
// callers inside a transaction see a consistent pair.
func (s *Service) bucketByName(tx *gorm.DB, name string) (*store.Bucket, []store.LifecycleRule, error) {
	row := &store.Bucket{}
	if err := tx.Where("name = ?", name).First(row).Error; err != nil {
		return nil, nil, store.AsAPIError(err, fmt.Sprintf("bucket %q", name))
	}
	rules, err := s.bucketRules(tx, row.ID)
	if err != nil {
		return nil, nil, err
	}
	return row, rules, nil
}

func (s *Service) bucketRules(tx *gorm.DB, bucketID string) ([]store.LifecycleRule, error) {
	var rules []store.LifecycleRule
	if err := tx.Where("bucket_id = ?", bucketID).Find(&rules).Error; err != nil {
		return nil, store.AsAPIError(err, "lifecycle rules")
	}
	return rules, nil
}

// removePayloads deletes superseded payload files after a commit. The
// orphan sweep catches anything a crash leaves behind here.
func (s *Service) removePayloads(paths []string) {
	for _, p := range paths {
		if err := s.blobs.Remove(p); err != nil {
			s.log.Warn("cannot remove superseded payload", zap.String("path", p), zap.Error(err))
		}
	}
}
