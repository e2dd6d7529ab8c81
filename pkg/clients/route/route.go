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

// Package route converts route rows into compute API Route
// representations.
package route

import (
	"net"
	"regexp"

	compute "google.golang.org/api/compute/v1"

	"github.com/localgcp/localgcp/pkg/apierror"
	"github.com/localgcp/localgcp/pkg/gcp"
	"github.com/localgcp/localgcp/pkg/store"
)

var nameRegexp = regexp.MustCompile(`^[a-z][-a-z0-9]{0,62}$`)

// DefaultInternetGateway is the next hop of the default route created for
// every VPC.
const DefaultInternetGateway = "default-internet-gateway"

// GenerateRoute creates a *compute.Route from a route row.
func GenerateRoute(project, networkName string, in store.Route) *compute.Route {
	r := &compute.Route{
		Kind:              "compute#route",
		Id:                gcp.NumericID(in.ID),
		Name:              in.Name,
		Network:           gcp.ComputeSelfLink("projects", project, "global", "networks", networkName),
		DestRange:         in.DestRange,
		Priority:          in.Priority,
		Description:       in.Description,
		NextHopIp:         in.NextHopIP,
		NextHopInstance:   in.NextHopInstance,
		NextHopNetwork:    in.NextHopNetwork,
		CreationTimestamp: gcp.FormatTime(in.CreatedAt),
		SelfLink:          gcp.ComputeSelfLink("projects", project, "global", "routes", in.Name),
	}
	if in.NextHopGateway != "" {
		r.NextHopGateway = gcp.ComputeSelfLink("projects", project, "global", "gateways", in.NextHopGateway)
	}
	return r
}

// Validate checks an incoming route body. Exactly one next hop must be
// set.
func Validate(r *compute.Route) error {
	if r.Name == "" || !nameRegexp.MatchString(r.Name) {
		return apierror.Invalid("invalid route name %q", r.Name)
	}
	if _, _, err := net.ParseCIDR(r.DestRange); err != nil {
		return apierror.Invalid("invalid route destRange %q", r.DestRange)
	}
	if r.Priority < 0 || r.Priority > 65535 {
		return apierror.Invalid("route priority %d out of range [0, 65535]", r.Priority)
	}
	hops := 0
	for _, h := range []string{r.NextHopGateway, r.NextHopIp, r.NextHopInstance} {
		if h != "" {
			hops++
		}
	}
	if hops != 1 {
		return apierror.Invalid("route %q must specify exactly one next hop", r.Name)
	}
	if r.NextHopIp != "" && net.ParseIP(r.NextHopIp) == nil {
		return apierror.Invalid("invalid route nextHopIp %q", r.NextHopIp)
	}
	return nil
}

// FromAPI builds a route row from an incoming body. The body must have
// been validated first.
func FromAPI(id, networkID string, r *compute.Route) store.Route {
	priority := r.Priority
	if priority == 0 && !hasField(r, "Priority") {
		priority = 1000
	}
	return store.Route{
		ID:              id,
		Name:            r.Name,
		NetworkID:       networkID,
		DestRange:       r.DestRange,
		Priority:        priority,
		NextHopGateway:  gcp.ResourceName(r.NextHopGateway),
		NextHopIP:       r.NextHopIp,
		NextHopInstance: gcp.ResourceName(r.NextHopInstance),
		Description:     r.Description,
	}
}

func hasField(r *compute.Route, name string) bool {
	for _, s := range r.ForceSendFields {
		if s == name {
			return true
		}
	}
	return false
}
