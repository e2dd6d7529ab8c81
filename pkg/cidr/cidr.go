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

// Package cidr provides the pure address arithmetic the VPC control plane
// is built on: canonical CIDR parsing, containment and overlap checks,
// gateway and host-offset computation, and the auto-mode region fan-out
// table.
package cidr

import (
	"fmt"
	"hash/fnv"
	"net"

	gocidr "github.com/apparentlymart/go-cidr/cidr"

	"github.com/localgcp/localgcp/pkg/apierror"
)

// Parse parses s as a canonical IPv4 CIDR. Inputs with host bits set, such
// as 10.0.0.5/24, are rejected; the control plane never normalizes on the
// caller's behalf.
func Parse(s string) (*net.IPNet, error) {
	ip, n, err := net.ParseCIDR(s)
	if err != nil {
		return nil, apierror.Invalid("invalid CIDR %q", s)
	}
	if ip.To4() == nil {
		return nil, apierror.Invalid("CIDR %q is not an IPv4 range", s)
	}
	if !ip.Equal(n.IP) {
		return nil, apierror.Invalid("CIDR %q has host bits set", s)
	}
	return n, nil
}

// Contains reports whether inner is wholly contained in outer. A range
// contains itself.
func Contains(outer, inner *net.IPNet) bool {
	outerOnes, _ := outer.Mask.Size()
	innerOnes, _ := inner.Mask.Size()
	return innerOnes >= outerOnes && outer.Contains(inner.IP)
}

// Overlaps reports whether the address ranges of a and b intersect.
func Overlaps(a, b *net.IPNet) bool {
	return a.Contains(b.IP) || b.Contains(a.IP)
}

// GatewayOf returns the first usable host of the range (network + 1),
// which the control plane reserves as the subnet gateway.
func GatewayOf(n *net.IPNet) (net.IP, error) {
	ip, err := gocidr.Host(n, 1)
	if err != nil {
		return nil, apierror.Invalid("range %s has no usable addresses", n)
	}
	return ip, nil
}

// HostAt returns the address at the given offset from the network address.
// Offsets pointing at the network address, the gateway or the broadcast
// address, or past the end of the range, fail with OutOfRange.
func HostAt(n *net.IPNet, offset int64) (net.IP, error) {
	if offset < 2 || offset > UsableCount(n) {
		return nil, apierror.New(apierror.OutOfRange, apierror.ReasonSubnetExhausted,
			"no address at offset %d in %s", offset, n)
	}
	ip, err := gocidr.Host(n, int(offset))
	if err != nil {
		return nil, apierror.New(apierror.OutOfRange, apierror.ReasonSubnetExhausted,
			"no address at offset %d in %s", offset, n)
	}
	return ip, nil
}

// UsableCount returns the number of assignable host addresses in the
// range: the total minus the network and broadcast addresses.
func UsableCount(n *net.IPNet) int64 {
	total := gocidr.AddressCount(n)
	if total <= 2 {
		return 0
	}
	return int64(total - 2)
}

// HostNetworkFor deterministically derives a /24 for the host container
// network of the VPC named name in project from the reserved supernet, so
// that VPCs of different projects land on distinct host ranges.
func HostNetworkFor(supernet *net.IPNet, project, name string) (*net.IPNet, error) {
	ones, bits := supernet.Mask.Size()
	if bits != 32 || ones > 24 {
		return nil, apierror.Invalid("host supernet %s cannot be carved into /24 networks", supernet)
	}
	newBits := 24 - ones
	slots := uint64(1) << uint(newBits)

	h := fnv.New64a()
	fmt.Fprintf(h, "%s/%s", project, name)
	idx := int(h.Sum64() % slots)

	sub, err := gocidr.Subnet(supernet, newBits, idx)
	if err != nil {
		return nil, apierror.Internalf("cannot carve host network %d from %s", idx, supernet)
	}
	return sub, nil
}
