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

package iam

import (
	"context"
	"fmt"

	iamv1 "google.golang.org/api/iam/v1"
	"gorm.io/gorm"

	"github.com/localgcp/localgcp/pkg/apierror"
	"github.com/localgcp/localgcp/pkg/clients/role"
	"github.com/localgcp/localgcp/pkg/store"
)

// SeedRoles inserts the predefined role catalog, skipping roles already
// present. Run once at startup.
func (s *Service) SeedRoles(ctx context.Context) error {
	return s.store.Transaction(ctx, func(tx *gorm.DB) error {
		for _, r := range role.Predefined() {
			existing := &store.Role{}
			err := tx.Where("name = ?", r.Name).First(existing).Error
			if err == nil {
				continue
			}
			if !store.IsNotFound(err) {
				return store.AsAPIError(err, "roles")
			}
			r.CreatedAt = s.now()
			if err := tx.Create(&r).Error; err != nil {
				return store.AsAPIError(err, fmt.Sprintf("role %q", r.Name))
			}
		}
		return nil
	})
}

// GetRole returns a predefined or custom role by full name. Deleted
// custom roles stay readable with their deleted flag set.
func (s *Service) GetRole(ctx context.Context, name string) (*iamv1.Role, error) {
	row := &store.Role{}
	err := s.store.DB().WithContext(ctx).Where("name = ?", name).First(row).Error
	if err != nil {
		return nil, store.AsAPIError(err, fmt.Sprintf("role %q", name))
	}
	return role.GenerateRole(*row), nil
}

// ListRoles lists the predefined catalog.
func (s *Service) ListRoles(ctx context.Context) ([]*iamv1.Role, error) {
	var rows []store.Role
	err := s.store.DB().WithContext(ctx).
		Where("is_custom = ?", false).Order("name").Find(&rows).Error
	if err != nil {
		return nil, store.AsAPIError(err, "roles")
	}
	out := make([]*iamv1.Role, 0, len(rows))
	for _, row := range rows {
		out = append(out, role.GenerateRole(row))
	}
	return out, nil
}

// ListCustomRoles lists the custom roles of a project, including deleted
// ones when asked.
func (s *Service) ListCustomRoles(ctx context.Context, project string, showDeleted bool) ([]*iamv1.Role, error) {
	q := s.store.DB().WithContext(ctx).Where("is_custom = ? AND project_id = ?", true, project)
	if !showDeleted {
		q = q.Where("deleted = ?", false)
	}
	var rows []store.Role
	if err := q.Order("name").Find(&rows).Error; err != nil {
		return nil, store.AsAPIError(err, "roles")
	}
	out := make([]*iamv1.Role, 0, len(rows))
	for _, row := range rows {
		out = append(out, role.GenerateRole(row))
	}
	return out, nil
}

// CreateCustomRole creates a project custom role.
func (s *Service) CreateCustomRole(ctx context.Context, project, roleID string, body *iamv1.Role) (*iamv1.Role, error) {
	if err := role.ValidateRoleID(roleID); err != nil {
		return nil, err
	}
	if body == nil {
		return nil, apierror.Invalid("role is required")
	}
	if _, err := s.store.EnsureProject(ctx, project); err != nil {
		return nil, err
	}
	row := store.Role{
		Name:                role.CustomRoleName(project, roleID),
		Title:               body.Title,
		Description:         body.Description,
		IncludedPermissions: role.EncodePermissions(body.IncludedPermissions),
		Stage:               body.Stage,
		IsCustom:            true,
		ProjectID:           project,
		CreatedAt:           s.now(),
	}
	if row.Stage == "" {
		row.Stage = "GA"
	}
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		return store.AsAPIError(tx.Create(&row).Error, fmt.Sprintf("role %q", row.Name))
	})
	if err != nil {
		return nil, err
	}
	return role.GenerateRole(row), nil
}

// PatchCustomRole updates a custom role's title, description, stage and
// permission list. Predefined and deleted roles cannot be patched.
func (s *Service) PatchCustomRole(ctx context.Context, project, roleID string, body *iamv1.Role) (*iamv1.Role, error) {
	var row *store.Role
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		row, err = s.customRole(tx, project, roleID)
		if err != nil {
			return err
		}
		if row.Deleted {
			return apierror.FailedPreconditionf("role %q is deleted", row.Name)
		}
		if body.Title != "" {
			row.Title = body.Title
		}
		if body.Description != "" {
			row.Description = body.Description
		}
		if body.Stage != "" {
			row.Stage = body.Stage
		}
		if body.IncludedPermissions != nil {
			row.IncludedPermissions = role.EncodePermissions(body.IncludedPermissions)
		}
		return store.AsAPIError(tx.Save(row).Error, fmt.Sprintf("role %q", row.Name))
	})
	if err != nil {
		return nil, err
	}
	return role.GenerateRole(*row), nil
}

// DeleteCustomRole soft-deletes a custom role; it stays readable and can
// be undeleted.
func (s *Service) DeleteCustomRole(ctx context.Context, project, roleID string) (*iamv1.Role, error) {
	return s.setRoleDeleted(ctx, project, roleID, true)
}

// UndeleteCustomRole restores a soft-deleted custom role.
func (s *Service) UndeleteCustomRole(ctx context.Context, project, roleID string) (*iamv1.Role, error) {
	return s.setRoleDeleted(ctx, project, roleID, false)
}

func (s *Service) setRoleDeleted(ctx context.Context, project, roleID string, deleted bool) (*iamv1.Role, error) {
	var row *store.Role
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		row, err = s.customRole(tx, project, roleID)
		if err != nil {
			return err
		}
		if row.Deleted == deleted {
			if deleted {
				return apierror.FailedPreconditionf("role %q is already deleted", row.Name)
			}
			return apierror.FailedPreconditionf("role %q is not deleted", row.Name)
		}
		row.Deleted = deleted
		return store.AsAPIError(tx.Save(row).Error, fmt.Sprintf("role %q", row.Name))
	})
	if err != nil {
		return nil, err
	}
	return role.GenerateRole(*row), nil
}

func (s *Service) customRole(tx *gorm.DB, project, roleID string) (*store.Role, error) {
	name := role.CustomRoleName(project, roleID)
	row := &store.Role{}
	err := tx.Where("name = ? AND is_custom = ?", name, true).First(row).Error
	if err != nil {
		return nil, store.AsAPIError(err, fmt.Sprintf("role %q", name))
	}
	return row, nil
}
