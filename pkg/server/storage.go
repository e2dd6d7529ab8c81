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

package server

import (
	"encoding/json"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	storagev1 "google.golang.org/api/storage/v1"

	"github.com/localgcp/localgcp/pkg/apierror"
	"github.com/localgcp/localgcp/pkg/storage"
)

func (s *Server) storageRoutes(r *mux.Router) {
	r.HandleFunc("/storage/v1/b", s.handleBucketInsert).Methods(http.MethodPost)
	r.HandleFunc("/storage/v1/b", s.handleBucketList).Methods(http.MethodGet)
	r.HandleFunc("/storage/v1/b/{bucket}", s.handleBucketGet).Methods(http.MethodGet)
	r.HandleFunc("/storage/v1/b/{bucket}", s.handleBucketPatch).Methods(http.MethodPatch)
	r.HandleFunc("/storage/v1/b/{bucket}", s.handleBucketDelete).Methods(http.MethodDelete)
	r.HandleFunc("/storage/v1/b/{bucket}/o", s.handleObjectList).Methods(http.MethodGet)
	r.HandleFunc("/storage/v1/b/{bucket}/signUrl", s.handleSignURL).Methods(http.MethodPost)
	r.HandleFunc("/storage/v1/b/{bucket}/o/{object:.+}", s.handleObjectGet).Methods(http.MethodGet)
	r.HandleFunc("/storage/v1/b/{bucket}/o/{object:.+}", s.handleObjectSignedPut).Methods(http.MethodPut)
	r.HandleFunc("/storage/v1/b/{bucket}/o/{object:.+}", s.handleObjectDelete).Methods(http.MethodDelete)
	r.HandleFunc("/upload/storage/v1/b/{bucket}/o", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/upload/storage/v1/b/{bucket}/o", s.handleUploadChunk).Methods(http.MethodPut)
	r.HandleFunc("/upload/storage/v1/b/{bucket}/o", s.handleUploadAbort).Methods(http.MethodDelete)
}

func (s *Server) handleBucketInsert(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if project == "" {
		s.badRequest(w, "the project query parameter is required")
		return
	}
	body := &storagev1.Bucket{}
	if err := decodeBody(r, body); err != nil {
		s.writeError(w, err)
		return
	}
	out, err := s.storage.CreateBucket(r.Context(), project, body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBucketList(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	if project == "" {
		s.badRequest(w, "the project query parameter is required")
		return
	}
	out, err := s.storage.ListBuckets(r.Context(), project)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBucketGet(w http.ResponseWriter, r *http.Request) {
	out, err := s.storage.GetBucket(r.Context(), mux.Vars(r)["bucket"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBucketPatch(w http.ResponseWriter, r *http.Request) {
	pre, err := s.preconditions(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	body := &storagev1.Bucket{}
	if err := decodeBody(r, body); err != nil {
		s.writeError(w, err)
		return
	}
	out, err := s.storage.PatchBucket(r.Context(), mux.Vars(r)["bucket"], body, pre)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBucketDelete(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	if err := s.storage.DeleteBucket(r.Context(), mux.Vars(r)["bucket"], force); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleObjectList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	maxResults, err := queryInt64(r, "maxResults")
	if err != nil {
		s.writeError(w, err)
		return
	}
	out, err := s.storage.ListObjects(r.Context(), storage.ListRequest{
		Bucket:     mux.Vars(r)["bucket"],
		Prefix:     q.Get("prefix"),
		Delimiter:  q.Get("delimiter"),
		PageToken:  q.Get("pageToken"),
		MaxResults: maxResults,
		Versions:   q.Get("versions") == "true",
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleObjectGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, object := vars["bucket"], vars["object"]
	if token := r.URL.Query().Get("token"); token != "" {
		if err := s.storage.VerifySignedURL(r.Context(), token, bucket, object, http.MethodGet); err != nil {
			s.writeError(w, err)
			return
		}
	}
	generation, err := queryInt64(r, "generation")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if r.URL.Query().Get("alt") != "media" {
		out, err := s.storage.GetObjectMeta(r.Context(), bucket, object, generation)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, out)
		return
	}

	dl, err := s.storage.Download(r.Context(), bucket, object, generation)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer dl.Content.Close() //nolint:errcheck
	w.Header().Set("Content-Type", dl.Object.ContentType)
	w.Header().Set("ETag", `"`+dl.Object.Etag+`"`)
	w.Header().Set("x-goog-generation", strconv.FormatInt(dl.Object.Generation, 10))
	w.Header().Set("x-goog-metageneration", strconv.FormatInt(dl.Object.Metageneration, 10))
	w.Header().Set("x-goog-hash", "md5="+dl.Object.Md5Hash+",crc32c="+dl.Object.Crc32c)
	// ServeContent handles Range, Content-Length and partial status.
	http.ServeContent(w, r, "", time.Time{}, dl.Content)
}

// handleObjectSignedPut uploads through a signed URL; it is the only
// unauthenticated write path outside /upload.
func (s *Server) handleObjectSignedPut(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, object := vars["bucket"], vars["object"]
	token := r.URL.Query().Get("token")
	if token == "" {
		s.badRequest(w, "a signed URL token is required to PUT an object here")
		return
	}
	if err := s.storage.VerifySignedURL(r.Context(), token, bucket, object, http.MethodPut); err != nil {
		s.writeError(w, err)
		return
	}
	out, err := s.storage.Upload(r.Context(), bucket, object, r.Header.Get("Content-Type"), r.Body, storage.Preconditions{})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleObjectDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bucket, object := vars["bucket"], vars["object"]
	if token := r.URL.Query().Get("token"); token != "" {
		if err := s.storage.VerifySignedURL(r.Context(), token, bucket, object, http.MethodDelete); err != nil {
			s.writeError(w, err)
			return
		}
	}
	generation, err := queryInt64(r, "generation")
	if err != nil {
		s.writeError(w, err)
		return
	}
	pre, err := s.preconditions(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.storage.DeleteObject(r.Context(), bucket, object, generation, pre); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSignURL(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Object     string `json:"object"`
		Method     string `json:"method"`
		TTLSeconds int64  `json:"ttlSeconds"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Method == "" {
		body.Method = http.MethodGet
	}
	out, err := s.storage.SignURL(r.Context(), mux.Vars(r)["bucket"], body.Object, body.Method,
		time.Duration(body.TTLSeconds)*time.Second)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"url":       out.URL,
		"token":     out.Token,
		"expiresAt": out.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	pre, err := s.preconditions(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	switch r.URL.Query().Get("uploadType") {
	case "media", "":
		name := r.URL.Query().Get("name")
		out, err := s.storage.Upload(r.Context(), bucket, name, r.Header.Get("Content-Type"), r.Body, pre)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, out)
	case "multipart":
		s.handleMultipartUpload(w, r, bucket, pre)
	case "resumable":
		s.handleResumableInitiate(w, r, bucket, pre)
	default:
		s.badRequest(w, "unsupported uploadType %q", r.URL.Query().Get("uploadType"))
	}
}

// handleMultipartUpload parses a multipart/related body: part one is the
// object metadata JSON, part two the media.
func (s *Server) handleMultipartUpload(w http.ResponseWriter, r *http.Request, bucket string, pre storage.Preconditions) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || params["boundary"] == "" {
		s.badRequest(w, "a multipart upload needs a multipart/related body with a boundary")
		return
	}
	mr := multipart.NewReader(r.Body, params["boundary"])

	metaPart, err := mr.NextPart()
	if err != nil {
		s.badRequest(w, "cannot read the metadata part: %v", err)
		return
	}
	meta := &storagev1.Object{}
	if err := json.NewDecoder(metaPart).Decode(meta); err != nil {
		s.badRequest(w, "cannot parse the metadata part: %v", err)
		return
	}
	mediaPart, err := mr.NextPart()
	if err != nil {
		s.badRequest(w, "cannot read the media part: %v", err)
		return
	}
	contentType := meta.ContentType
	if contentType == "" {
		contentType = mediaPart.Header.Get("Content-Type")
	}
	out, err := s.storage.Upload(r.Context(), bucket, meta.Name, contentType, mediaPart, pre)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleResumableInitiate(w http.ResponseWriter, r *http.Request, bucket string, pre storage.Preconditions) {
	meta := &storagev1.Object{}
	if err := decodeBody(r, meta); err != nil {
		s.writeError(w, err)
		return
	}
	name := meta.Name
	if name == "" {
		name = r.URL.Query().Get("name")
	}
	contentType := meta.ContentType
	if contentType == "" {
		contentType = r.Header.Get("X-Upload-Content-Type")
	}
	var total *int64
	if raw := r.Header.Get("X-Upload-Content-Length"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.badRequest(w, "invalid X-Upload-Content-Length %q", raw)
			return
		}
		total = &v
	}
	sess, err := s.storage.InitiateResumable(r.Context(), bucket, name, contentType, total, pre)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Location",
		fmt.Sprintf("/upload/storage/v1/b/%s/o?uploadType=resumable&upload_id=%s", bucket, sess.ID))
	w.WriteHeader(http.StatusOK)
}

// contentRangeRe matches "bytes start-end/total" with "*" allowed for
// the range (status query) and the total (unknown size).
var contentRangeRe = regexp.MustCompile(`^bytes (\*|(\d+)-(\d+))/(\*|\d+)$`)

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("upload_id")
	if sessionID == "" {
		s.badRequest(w, "the upload_id query parameter is required")
		return
	}
	m := contentRangeRe.FindStringSubmatch(r.Header.Get("Content-Range"))
	if m == nil {
		s.badRequest(w, "invalid Content-Range %q", r.Header.Get("Content-Range"))
		return
	}
	var total *int64
	if m[4] != "*" {
		v, _ := strconv.ParseInt(m[4], 10, 64) //nolint:errcheck // matched \d+
		total = &v
	}

	if m[1] == "*" {
		sess, err := s.storage.SessionStatus(r.Context(), sessionID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeResumeIncomplete(w, sess.BytesReceived)
		return
	}

	offset, _ := strconv.ParseInt(m[2], 10, 64) //nolint:errcheck // matched \d+
	res, err := s.storage.AppendChunk(r.Context(), sessionID, offset, total, r.Body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if res.Object != nil {
		s.writeJSON(w, http.StatusOK, res.Object)
		return
	}
	s.writeResumeIncomplete(w, res.BytesReceived)
}

func (s *Server) handleUploadAbort(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("upload_id")
	if sessionID == "" {
		s.badRequest(w, "the upload_id query parameter is required")
		return
	}
	if err := s.storage.AbortResumable(r.Context(), sessionID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeResumeIncomplete answers a chunk or status query with 308 and the
// committed range, the resumable protocol's "keep going" signal.
func (s *Server) writeResumeIncomplete(w http.ResponseWriter, received int64) {
	if received > 0 {
		w.Header().Set("Range", fmt.Sprintf("bytes=0-%d", received-1))
	}
	w.WriteHeader(http.StatusPermanentRedirect)
}

func (s *Server) preconditions(r *http.Request) (storage.Preconditions, error) {
	gen, err := queryInt64Ptr(r, "ifGenerationMatch")
	if err != nil {
		return storage.Preconditions{}, err
	}
	meta, err := queryInt64Ptr(r, "ifMetagenerationMatch")
	if err != nil {
		return storage.Preconditions{}, err
	}
	return storage.Preconditions{IfGenerationMatch: gen, IfMetagenerationMatch: meta}, nil
}

func (s *Server) badRequest(w http.ResponseWriter, format string, args ...interface{}) {
	s.writeError(w, apierror.Invalid(format, args...))
}
