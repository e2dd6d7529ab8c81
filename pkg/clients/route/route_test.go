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

package route

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	compute "google.golang.org/api/compute/v1"

	"github.com/localgcp/localgcp/pkg/gcp"
	"github.com/localgcp/localgcp/pkg/store"
)

func body(m ...func(*compute.Route)) *compute.Route {
	r := &compute.Route{
		Name:      "to-vpn",
		DestRange: "10.99.0.0/24",
		NextHopIp: "10.128.0.5",
	}
	for _, fn := range m {
		fn(r)
	}
	return r
}

func TestValidate(t *testing.T) {
	cases := map[string]struct {
		r       *compute.Route
		wantErr bool
	}{
		"Valid": {
			r: body(),
		},
		"GatewayHop": {
			r: body(func(r *compute.Route) {
				r.NextHopIp = ""
				r.NextHopGateway = "default-internet-gateway"
			}),
		},
		"BadName": {
			r:       body(func(r *compute.Route) { r.Name = "To_VPN" }),
			wantErr: true,
		},
		"BadDestRange": {
			r:       body(func(r *compute.Route) { r.DestRange = "10.99.0.0" }),
			wantErr: true,
		},
		"NoNextHop": {
			r:       body(func(r *compute.Route) { r.NextHopIp = "" }),
			wantErr: true,
		},
		"TwoNextHops": {
			r: body(func(r *compute.Route) {
				r.NextHopGateway = "default-internet-gateway"
			}),
			wantErr: true,
		},
		"BadNextHopIP": {
			r:       body(func(r *compute.Route) { r.NextHopIp = "nope" }),
			wantErr: true,
		},
		"BadPriority": {
			r:       body(func(r *compute.Route) { r.Priority = 70000 }),
			wantErr: true,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := Validate(tc.r)
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate: wantErr %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestFromAPI(t *testing.T) {
	got := FromAPI("id-1", "net-1", body(func(r *compute.Route) {
		r.NextHopInstance = ""
		r.Network = "global/networks/default"
		r.Description = "tunnel"
	}))
	want := store.Route{
		ID:          "id-1",
		Name:        "to-vpn",
		NetworkID:   "net-1",
		DestRange:   "10.99.0.0/24",
		Priority:    1000,
		NextHopIP:   "10.128.0.5",
		Description: "tunnel",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FromAPI: -want, +got:\n%s", diff)
	}

	// An explicit zero priority survives via ForceSendFields.
	got = FromAPI("id-2", "net-1", body(func(r *compute.Route) {
		r.Priority = 0
		r.ForceSendFields = []string{"Priority"}
	}))
	if got.Priority != 0 {
		t.Errorf("explicit zero priority: got %d", got.Priority)
	}
}

func TestGenerateRoute(t *testing.T) {
	created := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	in := store.Route{
		ID:             "id-1",
		Name:           "default-route-default",
		DestRange:      "0.0.0.0/0",
		Priority:       1000,
		NextHopGateway: DefaultInternetGateway,
		CreatedAt:      created,
	}
	got := GenerateRoute("proj-1", "default", in)
	want := &compute.Route{
		Kind:              "compute#route",
		Id:                gcp.NumericID("id-1"),
		Name:              "default-route-default",
		Network:           "https://www.googleapis.com/compute/v1/projects/proj-1/global/networks/default",
		DestRange:         "0.0.0.0/0",
		Priority:          1000,
		NextHopGateway:    "https://www.googleapis.com/compute/v1/projects/proj-1/global/gateways/default-internet-gateway",
		CreationTimestamp: "2023-05-01T12:00:00.000Z",
		SelfLink:          "https://www.googleapis.com/compute/v1/projects/proj-1/global/routes/default-route-default",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GenerateRoute: -want, +got:\n%s", diff)
	}
}
