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

// Package iam implements the identity service: service accounts, mock
// downloadable keys, IAM policies with etag concurrency control and the
// role catalog.
package iam

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	iamv1 "google.golang.org/api/iam/v1"
	"gorm.io/gorm"

	"github.com/localgcp/localgcp/pkg/apierror"
	"github.com/localgcp/localgcp/pkg/clients/serviceaccount"
	"github.com/localgcp/localgcp/pkg/clients/serviceaccountkey"
	"github.com/localgcp/localgcp/pkg/store"
)

// KeyValidity is the validity window stamped on created keys. Nothing
// enforces it; the real service reports a far-future validBeforeTime for
// RSA keys too.
const KeyValidity = 10 * 365 * 24 * time.Hour

// Service is the identity core.
type Service struct {
	store *store.Store
	log   *zap.Logger
	now   func() time.Time
}

// New returns an identity Service.
func New(s *store.Store, log *zap.Logger) *Service {
	return &Service{store: s, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// CreateServiceAccount creates a service account from an accountId. The
// derived email is unique across the emulator; a duplicate create gets
// AlreadyExists.
func (s *Service) CreateServiceAccount(ctx context.Context, project, accountID string, body *iamv1.ServiceAccount) (*iamv1.ServiceAccount, error) {
	if err := serviceaccount.ValidateAccountID(accountID); err != nil {
		return nil, err
	}
	if _, err := s.store.EnsureProject(ctx, project); err != nil {
		return nil, err
	}
	row := store.ServiceAccount{
		ID:        uuid.NewString(),
		Email:     serviceaccount.Email(accountID, project),
		ProjectID: project,
		UniqueID:  serviceaccount.NewUniqueID(),
		CreatedAt: s.now(),
	}
	row.OAuth2ClientID = row.UniqueID
	if body != nil {
		row.DisplayName = body.DisplayName
		row.Description = body.Description
	}
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		return store.AsAPIError(tx.Create(&row).Error, fmt.Sprintf("service account %q", row.Email))
	})
	if err != nil {
		return nil, err
	}
	return serviceaccount.GenerateServiceAccount(row), nil
}

// GetServiceAccount returns a service account by email.
func (s *Service) GetServiceAccount(ctx context.Context, project, email string) (*iamv1.ServiceAccount, error) {
	row, err := s.account(ctx, s.store.DB().WithContext(ctx), project, email)
	if err != nil {
		return nil, err
	}
	return serviceaccount.GenerateServiceAccount(*row), nil
}

// ListServiceAccounts lists the service accounts of a project ordered by
// email.
func (s *Service) ListServiceAccounts(ctx context.Context, project string) ([]*iamv1.ServiceAccount, error) {
	var rows []store.ServiceAccount
	err := s.store.DB().WithContext(ctx).
		Where("project_id = ?", project).Order("email").Find(&rows).Error
	if err != nil {
		return nil, store.AsAPIError(err, "service accounts")
	}
	out := make([]*iamv1.ServiceAccount, 0, len(rows))
	for _, row := range rows {
		out = append(out, serviceaccount.GenerateServiceAccount(row))
	}
	return out, nil
}

// PatchServiceAccount updates the display name and description.
func (s *Service) PatchServiceAccount(ctx context.Context, project, email string, body *iamv1.ServiceAccount) (*iamv1.ServiceAccount, error) {
	var row *store.ServiceAccount
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		row, err = s.account(ctx, tx, project, email)
		if err != nil {
			return err
		}
		row.DisplayName = body.DisplayName
		row.Description = body.Description
		return store.AsAPIError(tx.Save(row).Error, fmt.Sprintf("service account %q", email))
	})
	if err != nil {
		return nil, err
	}
	return serviceaccount.GenerateServiceAccount(*row), nil
}

// DeleteServiceAccount removes a service account, its keys and its
// policy.
func (s *Service) DeleteServiceAccount(ctx context.Context, project, email string) error {
	return s.store.Transaction(ctx, func(tx *gorm.DB) error {
		row, err := s.account(ctx, tx, project, email)
		if err != nil {
			return err
		}
		if err := tx.Where("service_account_email = ?", email).Delete(&store.ServiceAccountKey{}).Error; err != nil {
			return store.AsAPIError(err, "service account keys")
		}
		rrn := serviceaccount.ResourceName(project, email)
		if err := tx.Where("resource_name = ?", rrn).Delete(&store.IAMPolicy{}).Error; err != nil {
			return store.AsAPIError(err, "iam policy")
		}
		return store.AsAPIError(tx.Delete(row).Error, fmt.Sprintf("service account %q", email))
	})
}

// SetServiceAccountDisabled flips the disabled flag. Disabling an
// already disabled account is a no-op, matching the real service.
func (s *Service) SetServiceAccountDisabled(ctx context.Context, project, email string, disabled bool) error {
	return s.store.Transaction(ctx, func(tx *gorm.DB) error {
		row, err := s.account(ctx, tx, project, email)
		if err != nil {
			return err
		}
		if row.Disabled == disabled {
			return nil
		}
		row.Disabled = disabled
		return store.AsAPIError(tx.Save(row).Error, fmt.Sprintf("service account %q", email))
	})
}

// CreateKey mints a mock downloadable key for a service account. The
// response is the only place the private key data ever appears.
func (s *Service) CreateKey(ctx context.Context, project, email string, body *iamv1.CreateServiceAccountKeyRequest) (*iamv1.ServiceAccountKey, error) {
	var row store.ServiceAccountKey
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		acc, err := s.account(ctx, tx, project, email)
		if err != nil {
			return err
		}
		if acc.Disabled {
			return apierror.FailedPreconditionf("service account %q is disabled", email)
		}
		now := s.now()
		row = store.ServiceAccountKey{
			ID:                  uuid.NewString(),
			ServiceAccountEmail: email,
			Algorithm:           serviceaccountkey.DefaultAlgorithm,
			ValidAfter:          now,
			ValidBefore:         now.Add(KeyValidity),
			CreatedAt:           now,
		}
		if body != nil && body.KeyAlgorithm != "" {
			row.Algorithm = body.KeyAlgorithm
		}
		row.PrivateKeyData = serviceaccountkey.BuildKeyData(project, email, acc.OAuth2ClientID, row.ID)
		return store.AsAPIError(tx.Create(&row).Error, "service account key")
	})
	if err != nil {
		return nil, err
	}
	return serviceaccountkey.GenerateKey(project, row, true), nil
}

// GetKey returns key metadata by id.
func (s *Service) GetKey(ctx context.Context, project, email, keyID string) (*iamv1.ServiceAccountKey, error) {
	row, err := s.key(ctx, project, email, keyID)
	if err != nil {
		return nil, err
	}
	return serviceaccountkey.GenerateKey(project, *row, false), nil
}

// ListKeys lists the keys of a service account, metadata only.
func (s *Service) ListKeys(ctx context.Context, project, email string) ([]*iamv1.ServiceAccountKey, error) {
	if _, err := s.account(ctx, s.store.DB().WithContext(ctx), project, email); err != nil {
		return nil, err
	}
	var rows []store.ServiceAccountKey
	err := s.store.DB().WithContext(ctx).
		Where("service_account_email = ?", email).Order("created_at").Find(&rows).Error
	if err != nil {
		return nil, store.AsAPIError(err, "service account keys")
	}
	out := make([]*iamv1.ServiceAccountKey, 0, len(rows))
	for _, row := range rows {
		out = append(out, serviceaccountkey.GenerateKey(project, row, false))
	}
	return out, nil
}

// DeleteKey removes a key by id.
func (s *Service) DeleteKey(ctx context.Context, project, email, keyID string) error {
	row, err := s.key(ctx, project, email, keyID)
	if err != nil {
		return err
	}
	err = s.store.DB().WithContext(ctx).Delete(row).Error
	return store.AsAPIError(err, fmt.Sprintf("key %q", keyID))
}

func (s *Service) account(ctx context.Context, tx *gorm.DB, project, email string) (*store.ServiceAccount, error) {
	row := &store.ServiceAccount{}
	err := tx.Where("project_id = ? AND email = ?", project, email).First(row).Error
	if err != nil {
		return nil, store.AsAPIError(err, fmt.Sprintf("service account %q", email))
	}
	return row, nil
}

func (s *Service) key(ctx context.Context, project, email, keyID string) (*store.ServiceAccountKey, error) {
	if _, err := s.account(ctx, s.store.DB().WithContext(ctx), project, email); err != nil {
		return nil, err
	}
	row := &store.ServiceAccountKey{}
	err := s.store.DB().WithContext(ctx).
		Where("id = ? AND service_account_email = ?", keyID, email).First(row).Error
	if err != nil {
		return nil, store.AsAPIError(err, fmt.Sprintf("key %q", keyID))
	}
	return row, nil
}
