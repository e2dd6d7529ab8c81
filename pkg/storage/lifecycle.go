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
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/localgcp/localgcp/pkg/apierror"
	"github.com/localgcp/localgcp/pkg/clients/bucket"
	"github.com/localgcp/localgcp/pkg/store"
)

// Worker periodically applies lifecycle rules, expires stale resumable
// sessions and signed URL tokens, and collects orphaned payload files.
type Worker struct {
	svc      *Service
	interval time.Duration
	log      *zap.Logger

	// seenOrphans holds the unreferenced payloads of the previous
	// sweep. A payload is only removed on its second sighting, so an
	// in-flight upload whose metadata has not committed yet is never
	// collected.
	seenOrphans map[string]bool
}

// NewWorker returns a lifecycle Worker ticking at the given interval.
func NewWorker(svc *Service, interval time.Duration, log *zap.Logger) *Worker {
	return &Worker{svc: svc, interval: interval, log: log, seenOrphans: map[string]bool{}}
}

// Run ticks until ctx is cancelled. Pass failures are logged, never
// fatal.
func (w *Worker) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	if err := w.svc.RunLifecycle(ctx); err != nil {
		w.log.Warn("lifecycle pass failed", zap.Error(err))
	}
	if err := w.svc.SweepSessions(ctx); err != nil {
		w.log.Warn("session sweep failed", zap.Error(err))
	}
	if err := w.svc.SweepTokens(ctx); err != nil {
		w.log.Warn("token sweep failed", zap.Error(err))
	}
	if err := w.sweepOrphans(); err != nil {
		w.log.Warn("orphan sweep failed", zap.Error(err))
	}
}

// RunLifecycle applies every bucket's lifecycle rules once. Deletions go
// through the regular object delete path, so versioning semantics hold:
// evicting a live version under versioning soft-deletes it, and a later
// pass removes the noncurrent version when a rule still matches it.
func (s *Service) RunLifecycle(ctx context.Context) error {
	db := s.store.DB().WithContext(ctx)
	var buckets []store.Bucket
	if err := db.Find(&buckets).Error; err != nil {
		return store.AsAPIError(err, "buckets")
	}
	for i := range buckets {
		if err := s.lifecycleBucket(ctx, &buckets[i]); err != nil {
			s.log.Warn("lifecycle pass failed for bucket",
				zap.String("bucket", buckets[i].Name), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) lifecycleBucket(ctx context.Context, b *store.Bucket) error {
	rules, err := s.bucketRules(s.store.DB().WithContext(ctx), b.ID)
	if err != nil || len(rules) == 0 {
		return err
	}
	db := s.store.DB().WithContext(ctx)
	var objs []store.Object
	if err := db.Where("bucket_id = ?", b.ID).Find(&objs).Error; err != nil {
		return store.AsAPIError(err, "objects")
	}
	for i := range objs {
		if err := s.lifecycleObject(ctx, db, b, &objs[i], rules); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) lifecycleObject(ctx context.Context, db *gorm.DB, b *store.Bucket, obj *store.Object, rules []store.LifecycleRule) error {
	var versions []store.ObjectVersion
	if err := db.Where("object_id = ?", obj.ID).Order("generation").Find(&versions).Error; err != nil {
		return store.AsAPIError(err, "object versions")
	}
	for vi, v := range versions {
		newer := int64(len(versions) - vi - 1)
		for _, r := range rules {
			if !s.ruleMatches(r, obj.Name, v, newer) {
				continue
			}
			if r.Action == "SetStorageClass" {
				if v.StorageClass == r.StorageClass {
					continue
				}
				err := db.Model(&store.ObjectVersion{}).Where("id = ?", v.ID).
					Update("storage_class", r.StorageClass).Error
				if err != nil {
					return store.AsAPIError(err, "object version")
				}
				continue
			}
			gen := v.Generation
			if obj.CurrentGeneration == v.Generation {
				// Evicting the live version follows the
				// versioning-aware delete path.
				gen = 0
			}
			err := s.DeleteObject(ctx, b.Name, obj.Name, gen, Preconditions{})
			if err != nil && !apierror.IsNotFound(err) {
				return err
			}
			break
		}
	}
	return nil
}

func (s *Service) ruleMatches(r store.LifecycleRule, name string, v store.ObjectVersion, newer int64) bool {
	now := s.now()
	if r.AgeDays != nil && now.Sub(v.CreatedAt) < time.Duration(*r.AgeDays)*24*time.Hour {
		return false
	}
	if r.CreatedBefore != nil && !v.CreatedAt.Before(*r.CreatedBefore) {
		return false
	}
	if r.NumNewerVersions != nil && newer < *r.NumNewerVersions {
		return false
	}
	if prefixes := bucket.DecodePrefixes(r.MatchesPrefix); len(prefixes) > 0 {
		matched := false
		for _, p := range prefixes {
			if len(name) >= len(p) && name[:len(p)] == p {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// SweepSessions drops resumable sessions idle past SessionTTL along with
// their temp files.
func (s *Service) SweepSessions(ctx context.Context) error {
	db := s.store.DB().WithContext(ctx)
	var stale []store.ResumableSession
	cutoff := s.now().Add(-SessionTTL)
	if err := db.Where("created_at < ?", cutoff).Find(&stale).Error; err != nil {
		return store.AsAPIError(err, "resumable sessions")
	}
	for _, sess := range stale {
		if err := db.Delete(&sess).Error; err != nil {
			return store.AsAPIError(err, "resumable session")
		}
		if err := s.blobs.Remove(sess.TempPath); err != nil {
			s.log.Warn("cannot remove stale session file",
				zap.String("session", sess.ID), zap.Error(err))
		}
	}
	return nil
}

// SweepTokens drops expired signed URL tokens.
func (s *Service) SweepTokens(ctx context.Context) error {
	err := s.store.DB().WithContext(ctx).
		Where("expires_at < ?", s.now()).Delete(&store.SignedURLToken{}).Error
	return store.AsAPIError(err, "signed URL tokens")
}

// sweepOrphans removes payload files no version row references. Files
// are removed on the second consecutive unreferenced sighting only.
func (w *Worker) sweepOrphans() error {
	paths, err := w.svc.blobs.List()
	if err != nil {
		return err
	}
	referenced := map[string]bool{}
	var versions []store.ObjectVersion
	if err := w.svc.store.DB().Find(&versions).Error; err != nil {
		return store.AsAPIError(err, "object versions")
	}
	for _, v := range versions {
		referenced[v.StoragePath] = true
	}

	next := map[string]bool{}
	for _, p := range paths {
		if referenced[p] {
			continue
		}
		if !w.seenOrphans[p] {
			next[p] = true
			continue
		}
		if err := w.svc.blobs.Remove(p); err != nil {
			w.log.Warn("cannot remove orphaned payload", zap.String("path", p), zap.Error(err))
			next[p] = true
		}
	}
	w.seenOrphans = next
	return nil
}
