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
	"testing"

	"github.com/google/go-cmp/cmp"
	iamv1 "google.golang.org/api/iam/v1"

	"github.com/localgcp/localgcp/pkg/apierror"
	"github.com/localgcp/localgcp/pkg/clients/serviceaccountpolicy"
)

const testResource = "projects/proj-1/serviceAccounts/my-robot@proj-1.iam.gserviceaccount.com"

func TestGetPolicyImplicitEmpty(t *testing.T) {
	svc := newService(t)
	got, err := svc.GetPolicy(context.Background(), testResource)
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if got.Etag != serviceaccountpolicy.DefaultEtag {
		t.Errorf("Etag: want %q, got %q", serviceaccountpolicy.DefaultEtag, got.Etag)
	}
	if got.Version != 3 || len(got.Bindings) != 0 {
		t.Errorf("empty policy: got %+v", got)
	}
}

func TestSetPolicyEtagCycle(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	bindings := []*iamv1.Binding{{
		Role:    "roles/viewer",
		Members: []string{"user:alice@example.com"},
	}}

	// First write from the implicit empty policy's etag.
	set, err := svc.SetPolicy(ctx, testResource, &iamv1.Policy{
		Etag:     serviceaccountpolicy.DefaultEtag,
		Bindings: bindings,
	})
	if err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}
	if set.Etag == serviceaccountpolicy.DefaultEtag || set.Etag == "" {
		t.Errorf("Etag after set: got %q", set.Etag)
	}
	if set.Version != serviceaccountpolicy.DefaultVersion+1 {
		t.Errorf("Version after first set: got %d", set.Version)
	}

	got, err := svc.GetPolicy(ctx, testResource)
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if diff := cmp.Diff(bindings, got.Bindings); diff != "" {
		t.Errorf("Bindings: -want, +got:\n%s", diff)
	}

	// A stale etag loses the write.
	_, err = svc.SetPolicy(ctx, testResource, &iamv1.Policy{
		Etag:     serviceaccountpolicy.DefaultEtag,
		Bindings: nil,
	})
	if !apierror.IsAborted(err) {
		t.Fatalf("stale etag: want Aborted, got %v", err)
	}

	// No etag writes unconditionally.
	if _, err := svc.SetPolicy(ctx, testResource, &iamv1.Policy{Bindings: nil}); err != nil {
		t.Fatalf("unconditional set: %v", err)
	}
	got, err = svc.GetPolicy(ctx, testResource)
	if err != nil {
		t.Fatalf("GetPolicy: %v", err)
	}
	if len(got.Bindings) != 0 {
		t.Errorf("Bindings after clear: got %+v", got.Bindings)
	}
	// Each successful set bumps the version.
	if got.Version != serviceaccountpolicy.DefaultVersion+2 {
		t.Errorf("Version after second set: got %d", got.Version)
	}
}

func TestSetPolicyValidation(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	cases := map[string]struct {
		policy *iamv1.Policy
	}{
		"NilPolicy":    {policy: nil},
		"MissingRole":  {policy: &iamv1.Policy{Bindings: []*iamv1.Binding{{Members: []string{"user:a@b.c"}}}}},
		"BadMember":    {policy: &iamv1.Policy{Bindings: []*iamv1.Binding{{Role: "roles/viewer", Members: []string{"alice"}}}}},
		"BadPrefix":    {policy: &iamv1.Policy{Bindings: []*iamv1.Binding{{Role: "roles/viewer", Members: []string{"robot:x@y.z"}}}}},
		"NilBinding":   {policy: &iamv1.Policy{Bindings: []*iamv1.Binding{nil}}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.SetPolicy(ctx, testResource, tc.policy)
			if apierror.KindOf(err) != apierror.InvalidArgument {
				t.Errorf("want InvalidArgument, got %v", err)
			}
		})
	}

	ok := &iamv1.Policy{Bindings: []*iamv1.Binding{{
		Role:    "roles/editor",
		Members: []string{"allUsers", "allAuthenticatedUsers", "group:g@example.com", "domain:example.com", "serviceAccount:sa@p.iam.gserviceaccount.com"},
	}}}
	if _, err := svc.SetPolicy(ctx, testResource, ok); err != nil {
		t.Errorf("valid member forms: %v", err)
	}
}

func TestTestPermissions(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	_, err := svc.SetPolicy(ctx, testResource, &iamv1.Policy{Bindings: []*iamv1.Binding{
		{Role: "roles/storage.objectViewer", Members: []string{"user:alice@example.com"}},
	}})
	if err != nil {
		t.Fatalf("SetPolicy: %v", err)
	}

	got, err := svc.TestPermissions(ctx, testResource, []string{
		"storage.objects.get",
		"storage.objects.delete",
		"nonsense.things.do",
	})
	if err != nil {
		t.Fatalf("TestPermissions: %v", err)
	}
	if diff := cmp.Diff([]string{"storage.objects.get"}, got); diff != "" {
		t.Errorf("granted permissions: -want, +got:\n%s", diff)
	}

	// An empty policy grants nothing.
	got, err = svc.TestPermissions(ctx, "projects/proj-1/serviceAccounts/other@proj-1.iam.gserviceaccount.com", []string{"storage.objects.get"})
	if err != nil {
		t.Fatalf("TestPermissions (empty): %v", err)
	}
	if len(got) != 0 {
		t.Errorf("empty policy: got %v", got)
	}
}
