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
	"io"

	"github.com/cenkalti/backoff/v3"
	"github.com/google/uuid"
	storage "google.golang.org/api/storage/v1"
	"gorm.io/gorm"

	"github.com/localgcp/localgcp/pkg/apierror"
	"github.com/localgcp/localgcp/pkg/blob"
	"github.com/localgcp/localgcp/pkg/clients/object"
	"github.com/localgcp/localgcp/pkg/store"
)

// commitRetries bounds how often a writer retries after losing a
// generation race.
const commitRetries = 5

// DefaultContentType is assumed when an upload names no content type.
const DefaultContentType = "application/octet-stream"

// Upload streams a complete payload and commits it as the next
// generation of the object. Payload bytes hit the blob store before the
// metadata transaction; a failed commit removes the payload again.
func (s *Service) Upload(ctx context.Context, bucketName, objectName, contentType string, body io.Reader, pre Preconditions) (*storage.Object, error) {
	if err := object.ValidateName(objectName); err != nil {
		return nil, err
	}
	b, _, err := s.bucketByName(s.store.DB().WithContext(ctx), bucketName)
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = DefaultContentType
	}

	path := s.blobs.ObjectPath(b.ID, uuid.NewString())
	res, err := s.blobs.Write(ctx, path, body)
	if err != nil {
		return nil, err
	}
	out, err := s.commit(ctx, commitInput{
		bucketName:  bucketName,
		objectName:  objectName,
		contentType: contentType,
		payloadPath: path,
		res:         res,
		pre:         pre,
	})
	if err != nil {
		s.removePayloads([]string{path})
		return nil, err
	}
	return out, nil
}

type commitInput struct {
	bucketName  string
	objectName  string
	contentType string
	payloadPath string
	res         blob.WriteResult
	pre         Preconditions
}

// commit records a fully written payload as the next generation of an
// object. The unique (object, generation) index serializes concurrent
// writers; the loser recomputes its generation and retries. With
// versioning off the superseded payloads are removed after the
// transaction commits.
func (s *Service) commit(ctx context.Context, in commitInput) (*storage.Object, error) {
	var out *storage.Object
	var superseded []string

	op := func() error {
		superseded = superseded[:0]
		err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
			return s.commitTx(tx, in, &out, &superseded)
		})
		if err == nil {
			return nil
		}
		if apierror.IsAborted(err) || store.IsSerializationFailure(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), commitRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	s.removePayloads(superseded)
	return out, nil
}

func (s *Service) commitTx(tx *gorm.DB, in commitInput, out **storage.Object, superseded *[]string) error {
	b := &store.Bucket{}
	if err := tx.Where("name = ?", in.bucketName).First(b).Error; err != nil {
		return store.AsAPIError(err, fmt.Sprintf("bucket %q", in.bucketName))
	}
	if in.pre.IfMetagenerationMatch != nil && *in.pre.IfMetagenerationMatch != b.Metageneration {
		return apierror.PreconditionFailedf("bucket metageneration %d does not match %d",
			b.Metageneration, *in.pre.IfMetagenerationMatch)
	}

	obj := &store.Object{}
	err := tx.Where("bucket_id = ? AND name = ?", b.ID, in.objectName).First(obj).Error
	exists := err == nil
	if err != nil && !store.IsNotFound(err) {
		return store.AsAPIError(err, fmt.Sprintf("object %q", in.objectName))
	}
	if in.pre.IfGenerationMatch != nil {
		var current int64
		if exists {
			current = obj.CurrentGeneration
		}
		if *in.pre.IfGenerationMatch != current {
			return apierror.PreconditionFailedf("object generation %d does not match %d",
				current, *in.pre.IfGenerationMatch)
		}
	}

	now := s.now()
	if !exists {
		obj = &store.Object{ID: uuid.NewString(), BucketID: b.ID, Name: in.objectName, CreatedAt: now}
		if err := tx.Create(obj).Error; err != nil {
			if store.IsUniqueViolation(err) {
				return apierror.Abortedf("concurrent create of object %q", in.objectName)
			}
			return store.AsAPIError(err, fmt.Sprintf("object %q", in.objectName))
		}
	}

	var maxGen int64
	err = tx.Model(&store.ObjectVersion{}).Where("object_id = ?", obj.ID).
		Select("COALESCE(MAX(generation), 0)").Scan(&maxGen).Error
	if err != nil {
		return store.AsAPIError(err, "object versions")
	}
	ver := store.ObjectVersion{
		ID:           uuid.NewString(),
		ObjectID:     obj.ID,
		Generation:   maxGen + 1,
		StoragePath:  in.payloadPath,
		Size:         in.res.Size,
		MD5:          in.res.MD5,
		CRC32C:       in.res.CRC32C,
		ContentType:  in.contentType,
		StorageClass: "STANDARD",
		CreatedAt:    now,
	}
	if err := tx.Create(&ver).Error; err != nil {
		if store.IsUniqueViolation(err) {
			return apierror.Abortedf("concurrent write to object %q", in.objectName)
		}
		return store.AsAPIError(err, fmt.Sprintf("object %q", in.objectName))
	}

	if !b.VersioningEnabled {
		var prior []store.ObjectVersion
		if err := tx.Where("object_id = ? AND generation < ?", obj.ID, ver.Generation).Find(&prior).Error; err != nil {
			return store.AsAPIError(err, "object versions")
		}
		for _, p := range prior {
			*superseded = append(*superseded, p.StoragePath)
		}
		if len(prior) > 0 {
			err := tx.Where("object_id = ? AND generation < ?", obj.ID, ver.Generation).
				Delete(&store.ObjectVersion{}).Error
			if err != nil {
				return store.AsAPIError(err, "object versions")
			}
		}
	}

	obj.CurrentGeneration = ver.Generation
	obj.ContentType = in.contentType
	obj.Size = in.res.Size
	obj.MD5 = in.res.MD5
	obj.CRC32C = in.res.CRC32C
	obj.StoragePath = in.payloadPath
	obj.UpdatedAt = now
	if err := tx.Save(obj).Error; err != nil {
		return store.AsAPIError(err, fmt.Sprintf("object %q", in.objectName))
	}
	*out = object.GenerateObject(in.bucketName, *obj, ver)
	return nil
}

// InitiateResumable opens a resumable upload session. Preconditions are
// recorded on the session and enforced at finalize time against the
// then-current state.
func (s *Service) InitiateResumable(ctx context.Context, bucketName, objectName, contentType string, totalSize *int64, pre Preconditions) (*store.ResumableSession, error) {
	if err := object.ValidateName(objectName); err != nil {
		return nil, err
	}
	b, _, err := s.bucketByName(s.store.DB().WithContext(ctx), bucketName)
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = DefaultContentType
	}
	sess := &store.ResumableSession{
		ID:                    uuid.NewString(),
		BucketID:              b.ID,
		ObjectName:            objectName,
		ContentType:           contentType,
		TotalSize:             totalSize,
		IfGenerationMatch:     pre.IfGenerationMatch,
		IfMetagenerationMatch: pre.IfMetagenerationMatch,
		CreatedAt:             s.now(),
	}
	sess.TempPath = s.blobs.TempPath(sess.ID)
	if err := s.store.DB().WithContext(ctx).Create(sess).Error; err != nil {
		return nil, store.AsAPIError(err, "resumable session")
	}
	return sess, nil
}

// ChunkResult reports the outcome of one resumable chunk.
type ChunkResult struct {
	// BytesReceived is the committed size of the session after the
	// chunk, the value the client resumes from.
	BytesReceived int64
	// Mismatch is set when the chunk's offset did not line up with
	// BytesReceived and nothing was written.
	Mismatch bool
	// Object is set once the final chunk completes the upload.
	Object *storage.Object
}

// AppendChunk appends one chunk at the given offset. A chunk whose
// offset does not equal the bytes received so far writes nothing and
// reports the committed offset for the client to resume from. When the
// total size is known and reached, the session is finalized through the
// regular commit path.
func (s *Service) AppendChunk(ctx context.Context, sessionID string, offset int64, total *int64, body io.Reader) (*ChunkResult, error) {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if offset != sess.BytesReceived {
		return &ChunkResult{BytesReceived: sess.BytesReceived, Mismatch: true}, nil
	}
	if total != nil && sess.TotalSize == nil {
		sess.TotalSize = total
	}

	n, appendErr := s.blobs.Append(ctx, sess.TempPath, body)
	sess.BytesReceived += n
	if err := s.store.DB().WithContext(ctx).Save(sess).Error; err != nil {
		return nil, store.AsAPIError(err, "resumable session")
	}
	if appendErr != nil {
		return nil, appendErr
	}
	if sess.TotalSize == nil || sess.BytesReceived < *sess.TotalSize {
		return &ChunkResult{BytesReceived: sess.BytesReceived}, nil
	}
	if sess.BytesReceived > *sess.TotalSize {
		return nil, apierror.Invalid("session %s received %d bytes for a declared size of %d",
			sess.ID, sess.BytesReceived, *sess.TotalSize)
	}
	obj, err := s.finalizeSession(ctx, sess)
	if err != nil {
		return nil, err
	}
	return &ChunkResult{BytesReceived: sess.BytesReceived, Object: obj}, nil
}

// SessionStatus reports a session for offset queries.
func (s *Service) SessionStatus(ctx context.Context, sessionID string) (*store.ResumableSession, error) {
	return s.session(ctx, sessionID)
}

// AbortResumable drops a session and its temp file.
func (s *Service) AbortResumable(ctx context.Context, sessionID string) error {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.store.DB().WithContext(ctx).Delete(sess).Error; err != nil {
		return store.AsAPIError(err, "resumable session")
	}
	return s.blobs.Remove(sess.TempPath)
}

// finalizeSession hashes the assembled temp file, moves it into the
// bucket directory and commits it like any other upload. Chunks are
// appended without running hashes, so the file is re-read here. The
// session is consumed either way; a failed commit is final.
func (s *Service) finalizeSession(ctx context.Context, sess *store.ResumableSession) (*storage.Object, error) {
	b := &store.Bucket{}
	if err := s.store.DB().WithContext(ctx).Where("id = ?", sess.BucketID).First(b).Error; err != nil {
		return nil, store.AsAPIError(err, "bucket")
	}
	res, err := s.blobs.Hash(ctx, sess.TempPath)
	if err != nil {
		return nil, err
	}
	path := s.blobs.ObjectPath(sess.BucketID, uuid.NewString())
	if err := s.blobs.Rename(sess.TempPath, path); err != nil {
		return nil, err
	}
	if err := s.store.DB().WithContext(ctx).Delete(sess).Error; err != nil {
		s.removePayloads([]string{path})
		return nil, store.AsAPIError(err, "resumable session")
	}
	out, err := s.commit(ctx, commitInput{
		bucketName:  b.Name,
		objectName:  sess.ObjectName,
		contentType: sess.ContentType,
		payloadPath: path,
		res:         res,
		pre: Preconditions{
			IfGenerationMatch:     sess.IfGenerationMatch,
			IfMetagenerationMatch: sess.IfMetagenerationMatch,
		},
	})
	if err != nil {
		s.removePayloads([]string{path})
		return nil, err
	}
	return out, nil
}

func (s *Service) session(ctx context.Context, sessionID string) (*store.ResumableSession, error) {
	sess := &store.ResumableSession{}
	if err := s.store.DB().WithContext(ctx).Where("id = ?", sessionID).First(sess).Error; err != nil {
		return nil, store.AsAPIError(err, fmt.Sprintf("upload session %q", sessionID))
	}
	return sess, nil
}
