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

// Package firewall converts between firewall rows and compute API
// Firewall representations, and validates incoming rules.
package firewall

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	compute "google.golang.org/api/compute/v1"

	"github.com/localgcp/localgcp/pkg/apierror"
	"github.com/localgcp/localgcp/pkg/gcp"
	"github.com/localgcp/localgcp/pkg/store"
)

var nameRegexp = regexp.MustCompile(`^[a-z][-a-z0-9]{0,62}$`)

var validProtocols = map[string]bool{
	"tcp": true, "udp": true, "icmp": true, "esp": true, "ah": true, "sctp": true, "all": true,
}

// Validate checks an incoming firewall body.
func Validate(f *compute.Firewall) error {
	if f.Name == "" || !nameRegexp.MatchString(f.Name) {
		return apierror.Invalid("invalid firewall name %q", f.Name)
	}
	if f.Priority < 0 || f.Priority > 65535 {
		return apierror.Invalid("firewall priority %d out of range [0, 65535]", f.Priority)
	}
	switch f.Direction {
	case "", "INGRESS", "EGRESS":
	default:
		return apierror.Invalid("invalid firewall direction %q", f.Direction)
	}
	if len(f.Allowed) == 0 && len(f.Denied) == 0 {
		return apierror.Invalid("firewall %q must specify allowed or denied rules", f.Name)
	}
	for _, a := range f.Allowed {
		if err := validateProtocol(a.IPProtocol, a.Ports); err != nil {
			return err
		}
	}
	for _, d := range f.Denied {
		if err := validateProtocol(d.IPProtocol, d.Ports); err != nil {
			return err
		}
	}
	return nil
}

func validateProtocol(proto string, ports []string) error {
	if !validProtocols[strings.ToLower(proto)] {
		return apierror.Invalid("invalid IP protocol %q", proto)
	}
	for _, p := range ports {
		lo, hi, ok := splitPortRange(p)
		if !ok || lo < 0 || hi > 65535 || lo > hi {
			return apierror.Invalid("invalid port range %q", p)
		}
	}
	return nil
}

func splitPortRange(p string) (int, int, bool) {
	parts := strings.SplitN(p, "-", 2)
	lo, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, false
	}
	hi := lo
	if len(parts) == 2 {
		if hi, err = strconv.Atoi(parts[1]); err != nil {
			return 0, 0, false
		}
	}
	return lo, hi, true
}

// FromAPI builds a firewall row from an incoming body. The body must have
// been validated first.
func FromAPI(id, networkID string, f *compute.Firewall) store.FirewallRule {
	direction := f.Direction
	if direction == "" {
		direction = "INGRESS"
	}
	priority := f.Priority
	if priority == 0 && !hasField(f, "Priority") {
		priority = 1000
	}
	return store.FirewallRule{
		ID:                id,
		Name:              f.Name,
		NetworkID:         networkID,
		Direction:         direction,
		Priority:          priority,
		SourceRanges:      encodeStrings(f.SourceRanges),
		DestinationRanges: encodeStrings(f.DestinationRanges),
		SourceTags:        encodeStrings(f.SourceTags),
		TargetTags:        encodeStrings(f.TargetTags),
		Allowed:           encodeAllowed(f.Allowed),
		Denied:            encodeDenied(f.Denied),
		Disabled:          f.Disabled,
	}
}

func hasField(f *compute.Firewall, name string) bool {
	for _, s := range f.ForceSendFields {
		if s == name {
			return true
		}
	}
	return false
}

// GenerateFirewall creates a *compute.Firewall from a firewall row.
func GenerateFirewall(project, networkName string, in store.FirewallRule) *compute.Firewall {
	return &compute.Firewall{
		Kind:              "compute#firewall",
		Id:                gcp.NumericID(in.ID),
		Name:              in.Name,
		Network:           gcp.ComputeSelfLink("projects", project, "global", "networks", networkName),
		Direction:         in.Direction,
		Priority:          in.Priority,
		SourceRanges:      decodeStrings(in.SourceRanges),
		DestinationRanges: decodeStrings(in.DestinationRanges),
		SourceTags:        decodeStrings(in.SourceTags),
		TargetTags:        decodeStrings(in.TargetTags),
		Allowed:           decodeAllowed(in.Allowed),
		Denied:            decodeDenied(in.Denied),
		Disabled:          in.Disabled,
		CreationTimestamp: gcp.FormatTime(in.CreatedAt),
		SelfLink:          gcp.ComputeSelfLink("projects", project, "global", "firewalls", in.Name),
	}
}

func encodeStrings(in []string) string {
	if len(in) == 0 {
		return ""
	}
	b, _ := json.Marshal(in) //nolint:errcheck // string slices always marshal
	return string(b)
}

func decodeStrings(in string) []string {
	if in == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(in), &out) //nolint:errcheck
	return out
}

func encodeAllowed(in []*compute.FirewallAllowed) string {
	if len(in) == 0 {
		return ""
	}
	b, _ := json.Marshal(in) //nolint:errcheck
	return string(b)
}

func decodeAllowed(in string) []*compute.FirewallAllowed {
	if in == "" {
		return nil
	}
	var out []*compute.FirewallAllowed
	_ = json.Unmarshal([]byte(in), &out) //nolint:errcheck
	return out
}

func encodeDenied(in []*compute.FirewallDenied) string {
	if len(in) == 0 {
		return ""
	}
	b, _ := json.Marshal(in) //nolint:errcheck
	return string(b)
}

func decodeDenied(in string) []*compute.FirewallDenied {
	if in == "" {
		return nil
	}
	var out []*compute.FirewallDenied
	_ = json.Unmarshal([]byte(in), &out) //nolint:errcheck
	return out
}
