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

// Package role holds the predefined role catalog and converts between
// role rows and iam API Role representations.
package role

import (
	"encoding/json"
	"fmt"
	"regexp"

	iam "google.golang.org/api/iam/v1"

	"github.com/localgcp/localgcp/pkg/apierror"
	"github.com/localgcp/localgcp/pkg/store"
)

var roleIDRegexp = regexp.MustCompile(`^[a-zA-Z0-9_.]{3,64}$`)

// ValidateRoleID checks a custom role id.
func ValidateRoleID(roleID string) error {
	if !roleIDRegexp.MatchString(roleID) {
		return apierror.Invalid("invalid role id %q", roleID)
	}
	return nil
}

// CustomRoleName builds the resource name of a project custom role.
func CustomRoleName(project, roleID string) string {
	return fmt.Sprintf("projects/%s/roles/%s", project, roleID)
}

// Predefined returns the role rows seeded at first startup.
func Predefined() []store.Role {
	mk := func(name, title string, perms []string) store.Role {
		return store.Role{
			Name:                name,
			Title:               title,
			Stage:               "GA",
			IncludedPermissions: EncodePermissions(perms),
		}
	}
	return []store.Role{
		mk("roles/owner", "Owner", []string{
			"resourcemanager.projects.get", "resourcemanager.projects.update",
			"storage.buckets.create", "storage.buckets.delete", "storage.buckets.get",
			"storage.buckets.list", "storage.buckets.update",
			"storage.objects.create", "storage.objects.delete", "storage.objects.get",
			"storage.objects.list", "storage.objects.update",
			"compute.instances.create", "compute.instances.delete", "compute.instances.get",
			"compute.instances.list", "compute.instances.start", "compute.instances.stop",
			"compute.networks.create", "compute.networks.delete", "compute.networks.get",
			"compute.networks.list",
			"iam.serviceAccounts.create", "iam.serviceAccounts.delete",
			"iam.serviceAccounts.get", "iam.serviceAccounts.list",
		}),
		mk("roles/editor", "Editor", []string{
			"resourcemanager.projects.get",
			"storage.buckets.create", "storage.buckets.get", "storage.buckets.list",
			"storage.buckets.update",
			"storage.objects.create", "storage.objects.delete", "storage.objects.get",
			"storage.objects.list", "storage.objects.update",
			"compute.instances.create", "compute.instances.delete", "compute.instances.get",
			"compute.instances.list", "compute.instances.start", "compute.instances.stop",
			"iam.serviceAccounts.get", "iam.serviceAccounts.list",
		}),
		mk("roles/viewer", "Viewer", []string{
			"resourcemanager.projects.get",
			"storage.buckets.get", "storage.buckets.list",
			"storage.objects.get", "storage.objects.list",
			"compute.instances.get", "compute.instances.list",
			"iam.serviceAccounts.get", "iam.serviceAccounts.list",
		}),
		mk("roles/storage.admin", "Storage Admin", []string{
			"storage.buckets.create", "storage.buckets.delete", "storage.buckets.get",
			"storage.buckets.list", "storage.buckets.update",
			"storage.objects.create", "storage.objects.delete", "storage.objects.get",
			"storage.objects.list", "storage.objects.update",
		}),
		mk("roles/storage.objectAdmin", "Storage Object Admin", []string{
			"storage.objects.create", "storage.objects.delete", "storage.objects.get",
			"storage.objects.list", "storage.objects.update",
		}),
		mk("roles/storage.objectCreator", "Storage Object Creator", []string{
			"storage.objects.create",
		}),
		mk("roles/storage.objectViewer", "Storage Object Viewer", []string{
			"storage.objects.get", "storage.objects.list",
		}),
	}
}

// GenerateRole creates an *iam.Role from a role row.
func GenerateRole(in store.Role) *iam.Role {
	return &iam.Role{
		Name:                in.Name,
		Title:               in.Title,
		Description:         in.Description,
		Stage:               in.Stage,
		IncludedPermissions: DecodePermissions(in.IncludedPermissions),
		Deleted:             in.Deleted,
		Etag:                "BwWKmjvelug=",
	}
}

// EncodePermissions encodes a permission list for storage on the role
// row.
func EncodePermissions(perms []string) string {
	if len(perms) == 0 {
		return ""
	}
	b, _ := json.Marshal(perms) //nolint:errcheck
	return string(b)
}

// DecodePermissions decodes a stored permission list.
func DecodePermissions(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck
	return out
}
