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

// Package network converts between VPC rows and compute API Network
// representations.
package network

import (
	"regexp"

	compute "google.golang.org/api/compute/v1"

	"github.com/localgcp/localgcp/pkg/apierror"
	"github.com/localgcp/localgcp/pkg/gcp"
	"github.com/localgcp/localgcp/pkg/store"
)

var nameRegexp = regexp.MustCompile(`^[a-z][-a-z0-9]{0,62}$`)

// ValidateName checks a VPC name against the API's naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return apierror.Invalid("invalid network name %q", name)
	}
	return nil
}

// GenerateNetwork takes a store.Network and returns the *compute.Network
// served to clients. It assigns only the fields the real API reports.
func GenerateNetwork(project string, in store.Network, subnetLinks []string) *compute.Network {
	n := &compute.Network{
		Kind:                  "compute#network",
		Id:                    gcp.NumericID(in.ID),
		Name:                  in.Name,
		AutoCreateSubnetworks: in.AutoCreateSubnetworks,
		CreationTimestamp:     gcp.FormatTime(in.CreatedAt),
		SelfLink:              gcp.ComputeSelfLink("projects", project, "global", "networks", in.Name),
		Subnetworks:           subnetLinks,
		RoutingConfig:         &compute.NetworkRoutingConfig{RoutingMode: in.RoutingMode},
	}
	if !in.AutoCreateSubnetworks {
		n.IPv4Range = in.CIDRRange
		n.ForceSendFields = []string{"AutoCreateSubnetworks"}
	}
	return n
}
