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

package serviceaccount

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	iam "google.golang.org/api/iam/v1"

	"github.com/localgcp/localgcp/pkg/store"
)

func TestValidateAccountID(t *testing.T) {
	cases := map[string]struct {
		id      string
		wantErr bool
	}{
		"Simple":        {id: "my-robot"},
		"MinLength":     {id: "abcdef"},
		"MaxLength":     {id: "a" + strings.Repeat("b", 29)},
		"WithDigits":    {id: "robot-01"},
		"TooShort":      {id: "abcde", wantErr: true},
		"TooLong":       {id: "a" + strings.Repeat("b", 30), wantErr: true},
		"LeadingDigit":  {id: "1robot-acct", wantErr: true},
		"TrailingDash":  {id: "my-robot-", wantErr: true},
		"Uppercase":     {id: "MyRobotAcct", wantErr: true},
		"WithUnderline": {id: "my_robot_acct", wantErr: true},
		"Empty":         {id: "", wantErr: true},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := ValidateAccountID(tc.id)
			if tc.wantErr && err == nil {
				t.Errorf("ValidateAccountID(%q): expected error", tc.id)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("ValidateAccountID(%q): %v", tc.id, err)
			}
		})
	}
}

func TestEmailAndResourceName(t *testing.T) {
	email := Email("my-robot", "proj-1")
	if email != "my-robot@proj-1.iam.gserviceaccount.com" {
		t.Errorf("Email: got %q", email)
	}
	name := ResourceName("proj-1", email)
	if name != "projects/proj-1/serviceAccounts/my-robot@proj-1.iam.gserviceaccount.com" {
		t.Errorf("ResourceName: got %q", name)
	}
}

func TestNewUniqueID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 16; i++ {
		id := NewUniqueID()
		if len(id) != 21 {
			t.Fatalf("NewUniqueID: want 21 digits, got %q", id)
		}
		if id[0] == '0' {
			t.Fatalf("NewUniqueID: leading zero in %q", id)
		}
		for _, r := range id {
			if r < '0' || r > '9' {
				t.Fatalf("NewUniqueID: non-digit in %q", id)
			}
		}
		seen[id] = true
	}
	if len(seen) < 2 {
		t.Error("NewUniqueID: ids do not vary")
	}
}

func TestGenerateServiceAccount(t *testing.T) {
	in := store.ServiceAccount{
		ProjectID:      "proj-1",
		Email:          "my-robot@proj-1.iam.gserviceaccount.com",
		UniqueID:       "123456789012345678901",
		DisplayName:    "My Robot",
		Description:    "does robot things",
		OAuth2ClientID: "123456789012345678901",
		Disabled:       true,
	}
	want := &iam.ServiceAccount{
		Name:           "projects/proj-1/serviceAccounts/my-robot@proj-1.iam.gserviceaccount.com",
		ProjectId:      "proj-1",
		UniqueId:       "123456789012345678901",
		Email:          "my-robot@proj-1.iam.gserviceaccount.com",
		DisplayName:    "My Robot",
		Description:    "does robot things",
		Oauth2ClientId: "123456789012345678901",
		Disabled:       true,
		Etag:           "MDEwMjE5",
	}
	if diff := cmp.Diff(want, GenerateServiceAccount(in)); diff != "" {
		t.Errorf("GenerateServiceAccount(...): -want, +got:\n%s", diff)
	}
}
