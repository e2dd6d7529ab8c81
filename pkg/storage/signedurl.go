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
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/localgcp/localgcp/pkg/apierror"
	"github.com/localgcp/localgcp/pkg/store"
)

const errToken = "cannot generate signed URL token"

// DefaultSignedURLTTL applies when a signing request names no expiry.
const DefaultSignedURLTTL = time.Hour

// MaxSignedURLTTL is the longest accepted signed URL lifetime, matching
// the V4 signing limit of the real service.
const MaxSignedURLTTL = 7 * 24 * time.Hour

// SignedURL is a minted signed URL grant.
type SignedURL struct {
	URL       string
	Token     string
	ExpiresAt time.Time
}

// SignURL mints a token granting method-scoped access to one object
// until the expiry. Tokens are random, stored server-side and reusable
// any number of times before they expire.
func (s *Service) SignURL(ctx context.Context, bucketName, objectName, method string, ttl time.Duration) (*SignedURL, error) {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete:
	default:
		return nil, apierror.Invalid("cannot sign method %q", method)
	}
	if ttl <= 0 {
		ttl = DefaultSignedURLTTL
	}
	if ttl > MaxSignedURLTTL {
		return nil, apierror.Invalid("signed URL lifetime %s exceeds the %s maximum", ttl, MaxSignedURLTTL)
	}
	// The object does not have to exist yet for PUT, but GET and DELETE
	// grants on a missing object are refused up front.
	if method != http.MethodPut {
		if _, err := s.GetObjectMeta(ctx, bucketName, objectName, 0); err != nil {
			return nil, err
		}
	} else if _, err := s.GetBucket(ctx, bucketName); err != nil {
		return nil, err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, errors.Wrap(err, errToken)
	}
	now := s.now()
	row := &store.SignedURLToken{
		Token:     base64.RawURLEncoding.EncodeToString(raw),
		Bucket:    bucketName,
		Object:    objectName,
		Method:    method,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := s.store.DB().WithContext(ctx).Create(row).Error; err != nil {
		return nil, store.AsAPIError(err, "signed URL token")
	}
	return &SignedURL{
		URL:       fmt.Sprintf("/storage/v1/b/%s/o/%s?token=%s", bucketName, objectName, row.Token),
		Token:     row.Token,
		ExpiresAt: row.ExpiresAt,
	}, nil
}

// VerifySignedURL checks a presented token against its stored grant.
// Expired and unknown tokens are indistinguishable to the caller.
func (s *Service) VerifySignedURL(ctx context.Context, token, bucketName, objectName, method string) error {
	row := &store.SignedURLToken{}
	if err := s.store.DB().WithContext(ctx).Where("token = ?", token).First(row).Error; err != nil {
		return store.AsAPIError(err, "signed URL")
	}
	if s.now().After(row.ExpiresAt) {
		return apierror.NotFoundf("signed URL has expired")
	}
	if row.Bucket != bucketName || row.Object != objectName {
		return apierror.NotFoundf("signed URL does not match the requested object")
	}
	if row.Method != method {
		return apierror.Invalid("signed URL is not valid for %s", method)
	}
	return nil
}
