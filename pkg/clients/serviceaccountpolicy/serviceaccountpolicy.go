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

// Package serviceaccountpolicy handles IAM policy encoding, the content
// etag and binding comparison.
package serviceaccountpolicy

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"sort"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
	iam "google.golang.org/api/iam/v1"

	"github.com/localgcp/localgcp/pkg/store"
)

const errEncode = "cannot encode policy bindings"

// DefaultEtag is the etag of the implicit empty policy returned for
// resources that never had a policy set.
const DefaultEtag = "ACAB"

// DefaultVersion is the version of the implicit empty policy; every
// successful set bumps the stored version past it.
const DefaultVersion = 3

// Etag computes the content etag of a binding set. Binding order does not
// affect the etag.
func Etag(bindings []*iam.Binding) string {
	sorted := make([]*iam.Binding, len(bindings))
	copy(sorted, bindings)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Role < sorted[j].Role })
	b, _ := json.Marshal(sorted) //nolint:errcheck
	sum := sha256.Sum256(b)
	return base64.StdEncoding.EncodeToString(sum[:8])
}

// EncodeBindings encodes a binding list for storage on the policy row.
func EncodeBindings(bindings []*iam.Binding) (string, error) {
	b, err := json.Marshal(bindings)
	if err != nil {
		return "", errors.Wrap(err, errEncode)
	}
	return string(b), nil
}

// DecodeBindings decodes a stored binding list.
func DecodeBindings(s string) []*iam.Binding {
	if s == "" {
		return nil
	}
	var out []*iam.Binding
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck
	return out
}

// GeneratePolicy creates an *iam.Policy from a policy row.
func GeneratePolicy(in store.IAMPolicy) *iam.Policy {
	return &iam.Policy{
		Version:  in.Version,
		Etag:     in.Etag,
		Bindings: DecodeBindings(in.Bindings),
	}
}

// EmptyPolicy returns the implicit policy of a resource with no stored
// row.
func EmptyPolicy() *iam.Policy {
	return &iam.Policy{Version: DefaultVersion, Etag: DefaultEtag}
}

// ArePoliciesSame compares two policies ignoring binding and member
// order.
func ArePoliciesSame(p1, p2 *iam.Policy) bool {
	return cmp.Equal(p1, p2, cmpopts.EquateEmpty(),
		cmpopts.IgnoreFields(iam.Policy{}, "Version", "Etag"),
		cmpopts.SortSlices(func(i, j *iam.Binding) bool { return i.Role > j.Role }),
		cmpopts.SortSlices(func(i, j string) bool { return i > j }))
}
