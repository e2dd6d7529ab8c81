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

package cidr

// AutoModeSupernet is the supernet every auto-mode VPC uses, matching the
// ranges GCE assigns.
const AutoModeSupernet = "10.128.0.0/9"

// DefaultCustomSupernet is the range assumed for custom-mode VPCs created
// without an explicit IPv4Range.
const DefaultCustomSupernet = "10.0.0.0/8"

// RegionRange is one entry of the auto-mode fan-out table.
type RegionRange struct {
	Region string
	CIDR   string
}

// AutoModeRanges is the fixed fan-out table for auto-mode VPCs: one /20
// per supported region, carved from AutoModeSupernet. The ranges mirror
// the ones GCE hands out so SDK round-trips look authentic.
var AutoModeRanges = []RegionRange{
	{Region: "us-central1", CIDR: "10.128.0.0/20"},
	{Region: "europe-west1", CIDR: "10.132.0.0/20"},
	{Region: "us-west1", CIDR: "10.138.0.0/20"},
	{Region: "asia-east1", CIDR: "10.140.0.0/20"},
	{Region: "us-east1", CIDR: "10.142.0.0/20"},
	{Region: "asia-northeast1", CIDR: "10.146.0.0/20"},
	{Region: "asia-southeast1", CIDR: "10.148.0.0/20"},
	{Region: "us-east4", CIDR: "10.150.0.0/20"},
	{Region: "australia-southeast1", CIDR: "10.152.0.0/20"},
	{Region: "europe-west2", CIDR: "10.154.0.0/20"},
	{Region: "europe-west3", CIDR: "10.156.0.0/20"},
	{Region: "southamerica-east1", CIDR: "10.158.0.0/20"},
	{Region: "asia-south1", CIDR: "10.160.0.0/20"},
	{Region: "europe-west4", CIDR: "10.164.0.0/20"},
	{Region: "europe-north1", CIDR: "10.166.0.0/20"},
	{Region: "asia-east2", CIDR: "10.170.0.0/20"},
}

// Regions returns the regions of the fan-out table in table order.
func Regions() []string {
	out := make([]string, 0, len(AutoModeRanges))
	for _, r := range AutoModeRanges {
		out = append(out, r.Region)
	}
	return out
}

// RegionRangeOf returns the auto-mode range of the given region, if any.
func RegionRangeOf(region string) (RegionRange, bool) {
	for _, r := range AutoModeRanges {
		if r.Region == region {
			return r, true
		}
	}
	return RegionRange{}, false
}
