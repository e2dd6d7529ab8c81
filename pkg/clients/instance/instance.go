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

// Package instance converts between instance rows and compute API
// Instance, MachineType, Zone and Operation representations, and holds
// the fixed machine-type and image catalogs.
package instance

import (
	"encoding/json"
	"regexp"
	"strings"

	compute "google.golang.org/api/compute/v1"

	"github.com/localgcp/localgcp/pkg/apierror"
	"github.com/localgcp/localgcp/pkg/cidr"
	"github.com/localgcp/localgcp/pkg/gcp"
	"github.com/localgcp/localgcp/pkg/store"
)

// rfc1035 is the naming rule shared by instances and most compute
// resources.
var rfc1035 = regexp.MustCompile(`^[a-z]([-a-z0-9]{0,61}[a-z0-9])?$`)

// ValidateName checks an instance name against RFC 1035.
func ValidateName(name string) error {
	if !rfc1035.MatchString(name) {
		return apierror.Invalid("invalid instance name %q", name)
	}
	return nil
}

// MachineShape is the resource shape of one machine type.
type MachineShape struct {
	CPU      int64
	MemoryMB int64
}

// machineTypes is the fixed catalog of supported machine types.
var machineTypes = map[string]MachineShape{
	"e2-micro":      {CPU: 1, MemoryMB: 1024},
	"e2-small":      {CPU: 2, MemoryMB: 2048},
	"e2-medium":     {CPU: 2, MemoryMB: 4096},
	"e2-standard-2": {CPU: 2, MemoryMB: 8192},
	"e2-standard-4": {CPU: 4, MemoryMB: 16384},
	"n1-standard-1": {CPU: 1, MemoryMB: 3840},
	"n1-standard-2": {CPU: 2, MemoryMB: 7680},
	"f1-micro":      {CPU: 1, MemoryMB: 614},
	"g1-small":      {CPU: 1, MemoryMB: 1740},
}

// machineTypeOrder keeps catalog listings deterministic.
var machineTypeOrder = []string{
	"e2-micro", "e2-small", "e2-medium", "e2-standard-2", "e2-standard-4",
	"n1-standard-1", "n1-standard-2", "f1-micro", "g1-small",
}

// ResolveMachineType maps a machineType reference (bare name or partial
// URL) onto a resource shape.
func ResolveMachineType(ref string) (string, MachineShape, error) {
	name := gcp.ResourceName(ref)
	shape, ok := machineTypes[name]
	if !ok {
		return "", MachineShape{}, apierror.Invalid("unknown machine type %q", name)
	}
	return name, shape, nil
}

// ResolveImage maps a source image reference onto the container image the
// instance runs as.
func ResolveImage(sourceImage string) string {
	s := strings.ToLower(sourceImage)
	switch {
	case strings.Contains(s, "debian"):
		return "debian:bookworm-slim"
	case strings.Contains(s, "ubuntu"):
		return "ubuntu:22.04"
	default:
		return "alpine:3.19"
	}
}

// SourceImageOf digs the boot disk source image out of an insert body.
func SourceImageOf(in *compute.Instance) string {
	for _, d := range in.Disks {
		if d.InitializeParams != nil && d.InitializeParams.SourceImage != "" {
			return d.InitializeParams.SourceImage
		}
	}
	return ""
}

// GenerateInstance creates a *compute.Instance from an instance row.
func GenerateInstance(project string, in store.Instance, networkName, subnetName, region string) *compute.Instance {
	out := &compute.Instance{
		Kind:              "compute#instance",
		Id:                gcp.NumericID(in.ID),
		Name:              in.Name,
		Zone:              gcp.ComputeSelfLink("projects", project, "zones", in.Zone),
		MachineType:       gcp.ComputeSelfLink("projects", project, "zones", in.Zone, "machineTypes", in.MachineType),
		Status:            in.Status,
		CreationTimestamp: gcp.FormatTime(in.CreatedAt),
		SelfLink:          SelfLink(project, in.Zone, in.Name),
		Labels:            decodeMap(in.Labels),
		NetworkInterfaces: []*compute.NetworkInterface{{
			Kind:       "compute#networkInterface",
			Name:       "nic0",
			Network:    gcp.ComputeSelfLink("projects", project, "global", "networks", networkName),
			Subnetwork: gcp.ComputeSelfLink("projects", project, "regions", region, "subnetworks", subnetName),
			NetworkIP:  in.InternalIP,
		}},
	}
	if md := decodeMap(in.Metadata); len(md) > 0 {
		out.Metadata = &compute.Metadata{Kind: "compute#metadata"}
		for k, v := range md {
			v := v
			out.Metadata.Items = append(out.Metadata.Items, &compute.MetadataItems{Key: k, Value: &v})
		}
	}
	if tags := decodeStrings(in.Tags); len(tags) > 0 {
		out.Tags = &compute.Tags{Items: tags}
	}
	return out
}

// SelfLink builds the fully qualified URL of an instance.
func SelfLink(project, zone, name string) string {
	return gcp.ComputeSelfLink("projects", project, "zones", zone, "instances", name)
}

// GenerateOperation creates a *compute.Operation from an operation row.
func GenerateOperation(project string, in store.Operation) *compute.Operation {
	op := &compute.Operation{
		Kind:          "compute#operation",
		Id:            gcp.NumericID(in.ID),
		Name:          in.Name,
		OperationType: in.OperationType,
		TargetLink:    in.TargetLink,
		Status:        in.Status,
		Progress:      in.Progress,
		InsertTime:    gcp.FormatTime(in.InsertTime),
		StartTime:     gcp.FormatTime(in.StartTime),
		User:          "emulator@localgcp.dev",
	}
	if in.Zone != "" {
		op.Zone = gcp.ComputeSelfLink("projects", project, "zones", in.Zone)
		op.SelfLink = gcp.ComputeSelfLink("projects", project, "zones", in.Zone, "operations", in.Name)
	} else {
		op.SelfLink = gcp.ComputeSelfLink("projects", project, "global", "operations", in.Name)
	}
	if !in.EndTime.IsZero() {
		op.EndTime = gcp.FormatTime(in.EndTime)
	}
	if in.ErrorMessage != "" {
		op.Error = &compute.OperationError{
			Errors: []*compute.OperationErrorErrors{{Message: in.ErrorMessage}},
		}
		op.HttpErrorStatusCode = 500
	}
	return op
}

// GenerateMachineTypes lists the machine-type catalog for one zone.
func GenerateMachineTypes(project, zone string) []*compute.MachineType {
	out := make([]*compute.MachineType, 0, len(machineTypeOrder))
	for i, name := range machineTypeOrder {
		shape := machineTypes[name]
		out = append(out, &compute.MachineType{
			Kind:        "compute#machineType",
			Id:          uint64(i + 1),
			Name:        name,
			GuestCpus:   shape.CPU,
			MemoryMb:    shape.MemoryMB,
			Zone:        zone,
			Description: "Emulated machine type",
			SelfLink:    gcp.ComputeSelfLink("projects", project, "zones", zone, "machineTypes", name),
		})
	}
	return out
}

// GenerateZones lists the zone catalog: suffixes a, b and c for every
// region of the auto-mode fan-out table.
func GenerateZones(project string) []*compute.Zone {
	var out []*compute.Zone
	var id uint64
	for _, region := range cidr.Regions() {
		for _, suffix := range []string{"a", "b", "c"} {
			id++
			zone := region + "-" + suffix
			out = append(out, &compute.Zone{
				Kind:     "compute#zone",
				Id:       id,
				Name:     zone,
				Status:   "UP",
				Region:   gcp.ComputeSelfLink("projects", project, "regions", region),
				SelfLink: gcp.ComputeSelfLink("projects", project, "zones", zone),
			})
		}
	}
	return out
}

// ValidZone reports whether zone belongs to a region of the fan-out table.
func ValidZone(zone string) bool {
	_, ok := cidr.RegionRangeOf(gcp.ZoneRegion(zone))
	return ok
}

// EncodeMetadata flattens an API metadata block into the JSON map stored
// on the row.
func EncodeMetadata(md *compute.Metadata) string {
	if md == nil || len(md.Items) == 0 {
		return ""
	}
	m := make(map[string]string, len(md.Items))
	for _, it := range md.Items {
		m[it.Key] = gcp.StringValue(it.Value)
	}
	return encodeMap(m)
}

// EncodeLabels encodes a label map for storage.
func EncodeLabels(labels map[string]string) string { return encodeMap(labels) }

// EncodeTags encodes an API tag block for storage.
func EncodeTags(tags *compute.Tags) string {
	if tags == nil || len(tags.Items) == 0 {
		return ""
	}
	b, _ := json.Marshal(tags.Items) //nolint:errcheck
	return string(b)
}

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	b, _ := json.Marshal(m) //nolint:errcheck
	return string(b)
}

func decodeMap(s string) map[string]string {
	if s == "" {
		return nil
	}
	var m map[string]string
	_ = json.Unmarshal([]byte(s), &m) //nolint:errcheck
	return m
}

func decodeStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck
	return out
}
