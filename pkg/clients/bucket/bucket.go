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

// Package bucket converts between bucket rows and storage API Bucket
// representations, including the lifecycle rule encoding.
package bucket

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	storage "google.golang.org/api/storage/v1"

	"github.com/localgcp/localgcp/pkg/apierror"
	"github.com/localgcp/localgcp/pkg/gcp"
	"github.com/localgcp/localgcp/pkg/store"
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{1,61}[a-z0-9]$`)

// ValidateName checks a bucket name: 3-63 characters of lowercase
// alphanumerics, dots, dashes and underscores, starting and ending
// alphanumeric, with no consecutive dots.
func ValidateName(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return apierror.Invalid("bucket name %q must be 3 to 63 characters", name)
	}
	if !nameRegexp.MatchString(name) {
		return apierror.Invalid("invalid bucket name %q", name)
	}
	if strings.Contains(name, "..") {
		return apierror.Invalid("bucket name %q must not contain consecutive dots", name)
	}
	return nil
}

// GenerateBucket creates a *storage.Bucket from a bucket row and its
// lifecycle rules.
func GenerateBucket(in store.Bucket, rules []store.LifecycleRule) *storage.Bucket {
	b := &storage.Bucket{
		Kind:           "storage#bucket",
		Id:             in.Name,
		Name:           in.Name,
		Location:       in.Location,
		StorageClass:   in.StorageClass,
		Metageneration: in.Metageneration,
		TimeCreated:    gcp.FormatTime(in.CreatedAt),
		Updated:        gcp.FormatTime(in.UpdatedAt),
		SelfLink:       gcp.StorageSelfLink("b", in.Name),
		Etag:           "CAE=",
	}
	if in.VersioningEnabled {
		b.Versioning = &storage.BucketVersioning{Enabled: true}
	}
	if len(rules) > 0 {
		b.Lifecycle = &storage.BucketLifecycle{}
		for _, r := range rules {
			b.Lifecycle.Rule = append(b.Lifecycle.Rule, generateRule(r))
		}
	}
	return b
}

func generateRule(r store.LifecycleRule) *storage.BucketLifecycleRule {
	out := &storage.BucketLifecycleRule{
		Action:    &storage.BucketLifecycleRuleAction{Type: r.Action, StorageClass: r.StorageClass},
		Condition: &storage.BucketLifecycleRuleCondition{},
	}
	if r.AgeDays != nil {
		out.Condition.Age = r.AgeDays
	}
	if r.CreatedBefore != nil {
		out.Condition.CreatedBefore = r.CreatedBefore.UTC().Format("2006-01-02")
	}
	if r.NumNewerVersions != nil {
		out.Condition.NumNewerVersions = *r.NumNewerVersions
	}
	if prefixes := DecodePrefixes(r.MatchesPrefix); len(prefixes) > 0 {
		out.Condition.MatchesPrefix = prefixes
	}
	return out
}

// RulesFromAPI builds lifecycle rule rows from an incoming bucket body.
func RulesFromAPI(bucketID string, lc *storage.BucketLifecycle) ([]store.LifecycleRule, error) {
	if lc == nil {
		return nil, nil
	}
	out := make([]store.LifecycleRule, 0, len(lc.Rule))
	for _, r := range lc.Rule {
		if r.Action == nil {
			return nil, apierror.Invalid("lifecycle rule without action")
		}
		switch r.Action.Type {
		case "Delete", "SetStorageClass":
		default:
			return nil, apierror.Invalid("unsupported lifecycle action %q", r.Action.Type)
		}
		row := store.LifecycleRule{
			ID:           uuid.NewString(),
			BucketID:     bucketID,
			Action:       r.Action.Type,
			StorageClass: r.Action.StorageClass,
		}
		if c := r.Condition; c != nil {
			if c.Age != nil {
				age := *c.Age
				row.AgeDays = &age
			}
			if c.CreatedBefore != "" {
				t, err := time.Parse("2006-01-02", c.CreatedBefore)
				if err != nil {
					return nil, apierror.Invalid("invalid createdBefore date %q", c.CreatedBefore)
				}
				row.CreatedBefore = &t
			}
			if c.NumNewerVersions != 0 {
				n := c.NumNewerVersions
				row.NumNewerVersions = &n
			}
			row.MatchesPrefix = EncodePrefixes(c.MatchesPrefix)
		}
		out = append(out, row)
	}
	return out, nil
}

// EncodePrefixes encodes a matchesPrefix list for storage on the rule row.
func EncodePrefixes(prefixes []string) string {
	if len(prefixes) == 0 {
		return ""
	}
	b, _ := json.Marshal(prefixes) //nolint:errcheck
	return string(b)
}

// DecodePrefixes decodes a stored matchesPrefix list.
func DecodePrefixes(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck
	return out
}
