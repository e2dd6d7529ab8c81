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

// Package serviceaccount converts between service account rows and iam
// API ServiceAccount representations.
package serviceaccount

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"

	iam "google.golang.org/api/iam/v1"

	"github.com/localgcp/localgcp/pkg/apierror"
	"github.com/localgcp/localgcp/pkg/store"
)

var accountIDRegexp = regexp.MustCompile(`^[a-z]([-a-z0-9]{4,28}[a-z0-9])$`)

// ValidateAccountID checks an accountId: 6 to 30 lowercase alphanumerics
// and dashes, starting with a letter and ending alphanumeric.
func ValidateAccountID(accountID string) error {
	if !accountIDRegexp.MatchString(accountID) {
		return apierror.Invalid("invalid service account id %q", accountID)
	}
	return nil
}

// Email derives the service account email from accountId and project.
func Email(accountID, project string) string {
	return fmt.Sprintf("%s@%s.iam.gserviceaccount.com", accountID, project)
}

// ResourceName builds the relative resource name of a service account.
func ResourceName(project, email string) string {
	return fmt.Sprintf("projects/%s/serviceAccounts/%s", project, email)
}

// NewUniqueID returns a fresh 21-digit numeric id, matching the shape of
// real service account unique ids.
func NewUniqueID() string {
	// First digit 1..9 so the id keeps its full width.
	lead, _ := rand.Int(rand.Reader, big.NewInt(9)) //nolint:errcheck
	id := fmt.Sprintf("%d", lead.Int64()+1)
	for i := 0; i < 20; i++ {
		d, _ := rand.Int(rand.Reader, big.NewInt(10)) //nolint:errcheck
		id += fmt.Sprintf("%d", d.Int64())
	}
	return id
}

// GenerateServiceAccount creates an *iam.ServiceAccount from a row.
func GenerateServiceAccount(in store.ServiceAccount) *iam.ServiceAccount {
	return &iam.ServiceAccount{
		Name:           ResourceName(in.ProjectID, in.Email),
		ProjectId:      in.ProjectID,
		UniqueId:       in.UniqueID,
		Email:          in.Email,
		DisplayName:    in.DisplayName,
		Description:    in.Description,
		Oauth2ClientId: in.OAuth2ClientID,
		Disabled:       in.Disabled,
		Etag:           "MDEwMjE5",
	}
}
