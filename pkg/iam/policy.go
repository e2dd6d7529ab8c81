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
	"strings"

	iamv1 "google.golang.org/api/iam/v1"
	"gorm.io/gorm"

	"github.com/localgcp/localgcp/pkg/apierror"
	"github.com/localgcp/localgcp/pkg/clients/serviceaccountpolicy"
	"github.com/localgcp/localgcp/pkg/store"
)

// GetPolicy returns the policy bound to a resource. Resources that never
// had a policy set report the implicit empty policy with its well-known
// etag, so a read-modify-write cycle works from the first set on.
func (s *Service) GetPolicy(ctx context.Context, resourceName string) (*iamv1.Policy, error) {
	row := &store.IAMPolicy{}
	err := s.store.DB().WithContext(ctx).Where("resource_name = ?", resourceName).First(row).Error
	if store.IsNotFound(err) {
		return serviceaccountpolicy.EmptyPolicy(), nil
	}
	if err != nil {
		return nil, store.AsAPIError(err, "iam policy")
	}
	return serviceaccountpolicy.GeneratePolicy(*row), nil
}

// SetPolicy replaces the policy of a resource. A request etag must match
// the stored one or the write aborts; a request without an etag writes
// unconditionally, matching the real service.
func (s *Service) SetPolicy(ctx context.Context, resourceName string, in *iamv1.Policy) (*iamv1.Policy, error) {
	if in == nil {
		return nil, apierror.Invalid("policy is required")
	}
	for _, b := range in.Bindings {
		if err := validateBinding(b); err != nil {
			return nil, err
		}
	}
	var row store.IAMPolicy
	err := s.store.Transaction(ctx, func(tx *gorm.DB) error {
		stored := &store.IAMPolicy{}
		err := tx.Where("resource_name = ?", resourceName).First(stored).Error
		exists := err == nil
		if err != nil && !store.IsNotFound(err) {
			return store.AsAPIError(err, "iam policy")
		}
		current := serviceaccountpolicy.DefaultEtag
		version := int64(serviceaccountpolicy.DefaultVersion)
		if exists {
			current = stored.Etag
			version = stored.Version
		}
		if in.Etag != "" && in.Etag != current {
			return apierror.Abortedf("policy etag %q does not match %q", in.Etag, current)
		}
		bindings, err := serviceaccountpolicy.EncodeBindings(in.Bindings)
		if err != nil {
			return err
		}
		row = store.IAMPolicy{
			ResourceName: resourceName,
			Version:      version + 1,
			Etag:         serviceaccountpolicy.Etag(in.Bindings),
			Bindings:     bindings,
			UpdatedAt:    s.now(),
		}
		if exists {
			return store.AsAPIError(tx.Save(&row).Error, "iam policy")
		}
		return store.AsAPIError(tx.Create(&row).Error, "iam policy")
	})
	if err != nil {
		return nil, err
	}
	return serviceaccountpolicy.GeneratePolicy(row), nil
}

// TestPermissions reports which of the asked permissions appear in any
// role bound on the resource's policy. No caller identity exists here,
// so membership is not evaluated, only role contents.
func (s *Service) TestPermissions(ctx context.Context, resourceName string, permissions []string) ([]string, error) {
	policy, err := s.GetPolicy(ctx, resourceName)
	if err != nil {
		return nil, err
	}
	granted := map[string]bool{}
	for _, b := range policy.Bindings {
		role, err := s.GetRole(ctx, b.Role)
		if apierror.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, p := range role.IncludedPermissions {
			granted[p] = true
		}
	}
	var out []string
	for _, p := range permissions {
		if granted[p] {
			out = append(out, p)
		}
	}
	return out, nil
}

func validateBinding(b *iamv1.Binding) error {
	if b == nil || b.Role == "" {
		return apierror.Invalid("binding role is required")
	}
	for _, m := range b.Members {
		switch {
		case strings.HasPrefix(m, "user:"),
			strings.HasPrefix(m, "serviceAccount:"),
			strings.HasPrefix(m, "group:"),
			strings.HasPrefix(m, "domain:"),
			m == "allUsers",
			m == "allAuthenticatedUsers":
		default:
			return apierror.Invalid("invalid member %q", m)
		}
	}
	return nil
}
