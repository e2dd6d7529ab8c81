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
	"fmt"

	"github.com/spf13/afero"
	storage "google.golang.org/api/storage/v1"
	"gorm.io/gorm"

	"github.com/localgcp/localgcp/pkg/apierror"
	"github.com/localgcp/localgcp/pkg/clients/object"
	"github.com/localgcp/localgcp/pkg/store"
)

// GetObjectMeta returns the metadata of an object. Generation zero means
// the live version; a soft-deleted live version is NotFound while older
// generations stay addressable.
func (s *Service) GetObjectMeta(ctx context.Context, bucketName, objectName string, generation int64) (*storage.Object, error) {
	db := s.store.DB().WithContext(ctx)
	_, obj, ver, err := s.resolveVersion(db, bucketName, objectName, generation)
	if err != nil {
		return nil, err
	}
	return object.GenerateObject(bucketName, *obj, *ver), nil
}

// DownloadResult carries the metadata and an open payload reader of a
// download. The caller owns closing Content.
type DownloadResult struct {
	Object  *storage.Object
	Content afero.File
}

// Download opens an object's payload for reading. The returned file
// seeks, so the HTTP layer can serve range requests from it.
func (s *Service) Download(ctx context.Context, bucketName, objectName string, generation int64) (*DownloadResult, error) {
	db := s.store.DB().WithContext(ctx)
	_, obj, ver, err := s.resolveVersion(db, bucketName, objectName, generation)
	if err != nil {
		return nil, err
	}
	f, err := s.blobs.Open(ver.StoragePath)
	if err != nil {
		return nil, err
	}
	return &DownloadResult{Object: object.GenerateObject(bucketName, *obj, *ver), Content: f}, nil
}

// DeleteObject deletes an object or one of its generations. Without a
// generation the live version is soft-deleted under versioning and hard
// deleted otherwise. With a generation that exact version is removed for
// good; deleting the last version removes the object head too.
func (s *Service) DeleteObject(ctx context.Context, bucketName, objectName string, generation int64, pre Preconditions) error {
	var orphaned []string
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		b := &store.Bucket{}
		if err := tx.Where("name = ?", bucketName).First(b).Error; err != nil {
			return store.AsAPIError(err, fmt.Sprintf("bucket %q", bucketName))
		}
		if pre.IfMetagenerationMatch != nil && *pre.IfMetagenerationMatch != b.Metageneration {
			return apierror.PreconditionFailedf("bucket metageneration %d does not match %d",
				b.Metageneration, *pre.IfMetagenerationMatch)
		}
		obj := &store.Object{}
		if err := tx.Where("bucket_id = ? AND name = ?", b.ID, objectName).First(obj).Error; err != nil {
			return store.AsAPIError(err, fmt.Sprintf("object %q", objectName))
		}
		if pre.IfGenerationMatch != nil && *pre.IfGenerationMatch != obj.CurrentGeneration {
			return apierror.PreconditionFailedf("object generation %d does not match %d",
				obj.CurrentGeneration, *pre.IfGenerationMatch)
		}

		if generation != 0 {
			paths, err := s.deleteGeneration(tx, obj, generation)
			if err != nil {
				return err
			}
			orphaned = append(orphaned, paths...)
			return nil
		}

		if obj.CurrentGeneration == 0 {
			return apierror.NotFoundf("object %q not found", objectName)
		}
		if b.VersioningEnabled {
			now := s.now()
			err := tx.Model(&store.ObjectVersion{}).
				Where("object_id = ? AND generation = ?", obj.ID, obj.CurrentGeneration).
				Update("deleted_at", &now).Error
			if err != nil {
				return store.AsAPIError(err, "object version")
			}
			obj.CurrentGeneration = 0
			obj.UpdatedAt = now
			return store.AsAPIError(tx.Save(obj).Error, fmt.Sprintf("object %q", objectName))
		}
		paths, err := s.hardDeleteObject(tx, obj)
		if err != nil {
			return err
		}
		orphaned = append(orphaned, paths...)
		return nil
	})
	if err != nil {
		return err
	}
	s.removePayloads(orphaned)
	return nil
}

// deleteGeneration removes one exact version. The object head follows
// the remaining versions: it is deleted with the last one, or detached
// from the removed live generation.
func (s *Service) deleteGeneration(tx *gorm.DB, obj *store.Object, generation int64) ([]string, error) {
	ver := &store.ObjectVersion{}
	err := tx.Where("object_id = ? AND generation = ?", obj.ID, generation).First(ver).Error
	if err != nil {
		return nil, store.AsAPIError(err, fmt.Sprintf("generation %d of object %q", generation, obj.Name))
	}
	if err := tx.Delete(ver).Error; err != nil {
		return nil, store.AsAPIError(err, "object version")
	}
	var remaining int64
	if err := tx.Model(&store.ObjectVersion{}).Where("object_id = ?", obj.ID).Count(&remaining).Error; err != nil {
		return nil, store.AsAPIError(err, "object versions")
	}
	if remaining == 0 {
		if err := tx.Delete(obj).Error; err != nil {
			return nil, store.AsAPIError(err, fmt.Sprintf("object %q", obj.Name))
		}
		return []string{ver.StoragePath}, nil
	}
	if obj.CurrentGeneration == generation {
		obj.CurrentGeneration = 0
		obj.UpdatedAt = s.now()
		if err := tx.Save(obj).Error; err != nil {
			return nil, store.AsAPIError(err, fmt.Sprintf("object %q", obj.Name))
		}
	}
	return []string{ver.StoragePath}, nil
}

// hardDeleteObject removes an object head and every version, returning
// the payload paths to unlink after commit.
func (s *Service) hardDeleteObject(tx *gorm.DB, obj *store.Object) ([]string, error) {
	var versions []store.ObjectVersion
	if err := tx.Where("object_id = ?", obj.ID).Find(&versions).Error; err != nil {
		return nil, store.AsAPIError(err, "object versions")
	}
	paths := make([]string, 0, len(versions))
	for _, v := range versions {
		paths = append(paths, v.StoragePath)
	}
	if err := tx.Where("object_id = ?", obj.ID).Delete(&store.ObjectVersion{}).Error; err != nil {
		return nil, store.AsAPIError(err, "object versions")
	}
	if err := tx.Delete(obj).Error; err != nil {
		return nil, store.AsAPIError(err, fmt.Sprintf("object %q", obj.Name))
	}
	return paths, nil
}

// resolveVersion loads the bucket, object head and the requested version
// row. Generation zero resolves to the live version.
func (s *Service) resolveVersion(tx *gorm.DB, bucketName, objectName string, generation int64) (*store.Bucket, *store.Object, *store.ObjectVersion, error) {
	b := &store.Bucket{}
	if err := tx.Where("name = ?", bucketName).First(b).Error; err != nil {
		return nil, nil, nil, store.AsAPIError(err, fmt.Sprintf("bucket %q", bucketName))
	}
	obj := &store.Object{}
	if err := tx.Where("bucket_id = ? AND name = ?", b.ID, objectName).First(obj).Error; err != nil {
		return nil, nil, nil, store.AsAPIError(err, fmt.Sprintf("object %q", objectName))
	}
	if generation == 0 {
		if obj.CurrentGeneration == 0 {
			return nil, nil, nil, apierror.NotFoundf("object %q not found", objectName)
		}
		generation = obj.CurrentGeneration
	}
	ver := &store.ObjectVersion{}
	if err := tx.Where("object_id = ? AND generation = ?", obj.ID, generation).First(ver).Error; err != nil {
		return nil, nil, nil, store.AsAPIError(err, fmt.Sprintf("generation %d of object %q", generation, objectName))
	}
	return b, obj, ver, nil
}
