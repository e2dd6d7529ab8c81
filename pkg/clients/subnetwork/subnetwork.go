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

// Package subnetwork converts between subnet rows and compute API
// Subnetwork representations.
package subnetwork

import (
	compute "google.golang.org/api/compute/v1"

	"github.com/localgcp/localgcp/pkg/cidr"
	"github.com/localgcp/localgcp/pkg/gcp"
	"github.com/localgcp/localgcp/pkg/store"
)

// GenerateSubnetwork creates a *compute.Subnetwork from a subnet row.
func GenerateSubnetwork(project, networkName string, in store.Subnet) *compute.Subnetwork {
	return &compute.Subnetwork{
		Kind:              "compute#subnetwork",
		Id:                gcp.NumericID(in.ID),
		Name:              in.Name,
		Region:            gcp.ComputeSelfLink("projects", project, "regions", in.Region),
		Network:           gcp.ComputeSelfLink("projects", project, "global", "networks", networkName),
		IpCidrRange:       in.IPCIDRRange,
		GatewayAddress:    in.GatewayIP,
		CreationTimestamp: gcp.FormatTime(in.CreatedAt),
		SelfLink:          SelfLink(project, in.Region, in.Name),
	}
}

// SelfLink builds the fully qualified URL of a subnetwork.
func SelfLink(project, region, name string) string {
	return gcp.ComputeSelfLink("projects", project, "regions", region, "subnetworks", name)
}

// UsableAddresses reports how many addresses the range offers to
// instances, applying the same -4 accounting the provider reports
// (network, gateway, and two reserved at the top of the range).
func UsableAddresses(rangeStr string) (int64, error) {
	n, err := cidr.Parse(rangeStr)
	if err != nil {
		return 0, err
	}
	usable := cidr.UsableCount(n) - 2
	if usable < 0 {
		usable = 0
	}
	return usable, nil
}
