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

package vpc

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	compute "google.golang.org/api/compute/v1"
	"gorm.io/gorm"

	"github.com/localgcp/localgcp/pkg/apierror"
	"github.com/localgcp/localgcp/pkg/cidr"
	"github.com/localgcp/localgcp/pkg/store"
)

// fakeDriver records host network operations without touching a runtime.
type fakeDriver struct {
	created []string
	removed []string
	fail    bool
}

func (d *fakeDriver) NetworkCreate(_ context.Context, name, _, _ string) (string, error) {
	if d.fail {
		return "", errors.New("runtime refused")
	}
	d.created = append(d.created, name)
	return "hostnet-" + name, nil
}

func (d *fakeDriver) NetworkRemove(_ context.Context, name string) error {
	d.removed = append(d.removed, name)
	return nil
}

func newManager(t *testing.T) (*Manager, *fakeDriver, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	if err := s.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	d := &fakeDriver{}
	m, err := New(s, d, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, d, s
}

func TestCreateNetworkAutoMode(t *testing.T) {
	m, d, _ := newManager(t)
	ctx := context.Background()

	n, err := m.CreateNetwork(ctx, "proj-1", &compute.Network{Name: "default", AutoCreateSubnetworks: true})
	if err != nil {
		t.Fatalf("CreateNetwork: %v", err)
	}
	if n.CIDRRange != cidr.AutoModeSupernet {
		t.Errorf("CIDRRange: want %q, got %q", cidr.AutoModeSupernet, n.CIDRRange)
	}
	if n.HostNetworkID == "" {
		t.Error("HostNetworkID not recorded")
	}
	if len(d.created) != 1 || d.created[0] != HostNetworkName("proj-1", "default") {
		t.Errorf("host network not created: %v", d.created)
	}

	subs, err := m.ListSubnets(ctx, "proj-1", "")
	if err != nil {
		t.Fatalf("ListSubnets: %v", err)
	}
	if len(subs) != len(cidr.AutoModeRanges) {
		t.Fatalf("fan-out: want %d subnets, got %d", len(cidr.AutoModeRanges), len(subs))
	}
	byRegion := map[string]store.Subnet{}
	for _, sub := range subs {
		byRegion[sub.Region] = sub
	}
	us := byRegion["us-central1"]
	if us.Name != "default-us-central1" {
		t.Errorf("fan-out subnet name: got %q", us.Name)
	}
	if us.IPCIDRRange != "10.128.0.0/20" {
		t.Errorf("fan-out subnet range: got %q", us.IPCIDRRange)
	}
	if us.GatewayIP != "10.128.0.1" {
		t.Errorf("fan-out subnet gateway: got %q", us.GatewayIP)
	}

	// One default internet route plus one local route per subnet.
	routes, _, err := m.ListRoutes(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ListRoutes: %v", err)
	}
	if len(routes) != len(cidr.AutoModeRanges)+1 {
		t.Errorf("routes: want %d, got %d", len(cidr.AutoModeRanges)+1, len(routes))
	}

	// The runtime refusing the host network must leave no rows behind.
	d.fail = true
	if _, err := m.CreateNetwork(ctx, "proj-1", &compute.Network{Name: "doomed"}); err == nil {
		t.Fatal("CreateNetwork with failing driver: expected error")
	}
	if _, err := m.GetNetwork(ctx, "proj-1", "doomed"); !apierror.IsNotFound(err) {
		t.Errorf("failed create left a network row: %v", err)
	}
}

func TestCreateNetworkDuplicate(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	if _, err := m.CreateNetwork(ctx, "proj-1", &compute.Network{Name: "vpc"}); err != nil {
		t.Fatalf("CreateNetwork: %v", err)
	}
	_, err := m.CreateNetwork(ctx, "proj-1", &compute.Network{Name: "vpc"})
	if !apierror.IsAlreadyExists(err) {
		t.Errorf("duplicate create: want AlreadyExists, got %v", err)
	}

	// The same name in another project is fine.
	if _, err := m.CreateNetwork(ctx, "proj-2", &compute.Network{Name: "vpc"}); err != nil {
		t.Errorf("same name, other project: %v", err)
	}
}

func TestCreateSubnetCustomMode(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	if _, err := m.CreateNetwork(ctx, "proj-1", &compute.Network{Name: "custom", IPv4Range: "10.10.0.0/16"}); err != nil {
		t.Fatalf("CreateNetwork: %v", err)
	}

	sub, err := m.CreateSubnet(ctx, "proj-1", "us-central1", &compute.Subnetwork{
		Name: "web", Network: "global/networks/custom", IpCidrRange: "10.10.1.0/24",
	})
	if err != nil {
		t.Fatalf("CreateSubnet: %v", err)
	}
	if sub.GatewayIP != "10.10.1.1" {
		t.Errorf("GatewayIP: got %q", sub.GatewayIP)
	}
	if sub.NextAvailableIP != 2 {
		t.Errorf("NextAvailableIP: got %d", sub.NextAvailableIP)
	}

	cases := map[string]struct {
		body       *compute.Subnetwork
		wantReason string
	}{
		"Overlap": {
			body: &compute.Subnetwork{
				Name: "web2", Network: "global/networks/custom", IpCidrRange: "10.10.1.128/25",
			},
			wantReason: apierror.ReasonSubnetOverlap,
		},
		"OutsideNetwork": {
			body: &compute.Subnetwork{
				Name: "far", Network: "global/networks/custom", IpCidrRange: "192.168.0.0/24",
			},
			wantReason: apierror.ReasonInvalid,
		},
		"HostBits": {
			body: &compute.Subnetwork{
				Name: "bits", Network: "global/networks/custom", IpCidrRange: "10.10.2.5/24",
			},
			wantReason: apierror.ReasonInvalid,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := m.CreateSubnet(ctx, "proj-1", "us-central1", tc.body)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := apierror.ReasonOf(err); got != tc.wantReason {
				t.Errorf("reason: want %q, got %q (%v)", tc.wantReason, got, err)
			}
		})
	}
}

func TestCreateSubnetAutoModeRejected(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	if _, err := m.CreateNetwork(ctx, "proj-1", &compute.Network{Name: "default", AutoCreateSubnetworks: true}); err != nil {
		t.Fatalf("CreateNetwork: %v", err)
	}
	_, err := m.CreateSubnet(ctx, "proj-1", "us-central1", &compute.Subnetwork{
		Name: "manual", Network: "global/networks/default", IpCidrRange: "10.200.0.0/24",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if apierror.ReasonOf(err) != apierror.ReasonAutoModeSubnet {
		t.Errorf("reason: got %q (%v)", apierror.ReasonOf(err), err)
	}
}

func TestAllocateIP(t *testing.T) {
	m, _, s := newManager(t)
	ctx := context.Background()

	if _, err := m.CreateNetwork(ctx, "proj-1", &compute.Network{Name: "custom", IPv4Range: "10.10.0.0/16"}); err != nil {
		t.Fatalf("CreateNetwork: %v", err)
	}
	sub, err := m.CreateSubnet(ctx, "proj-1", "us-central1", &compute.Subnetwork{
		Name: "tiny", Network: "global/networks/custom", IpCidrRange: "10.10.1.0/29",
	})
	if err != nil {
		t.Fatalf("CreateSubnet: %v", err)
	}

	// A /29 has 6 usable hosts; .1 is the gateway, so .2 through .6 are
	// assignable.
	want := []string{"10.10.1.2", "10.10.1.3", "10.10.1.4", "10.10.1.5", "10.10.1.6"}
	for i, w := range want {
		var got string
		err := s.Transaction(ctx, func(tx *gorm.DB) error {
			var err error
			got, err = m.AllocateIP(tx, sub.ID)
			return err
		})
		if err != nil {
			t.Fatalf("AllocateIP #%d: %v", i, err)
		}
		if got != w {
			t.Errorf("AllocateIP #%d: want %s, got %s", i, w, got)
		}
	}

	err = s.Transaction(ctx, func(tx *gorm.DB) error {
		_, err := m.AllocateIP(tx, sub.ID)
		return err
	})
	if err == nil {
		t.Fatal("exhausted subnet: expected error")
	}
	if apierror.ReasonOf(err) != apierror.ReasonSubnetExhausted {
		t.Errorf("reason: got %q (%v)", apierror.ReasonOf(err), err)
	}
}

func TestDeleteNetwork(t *testing.T) {
	m, d, s := newManager(t)
	ctx := context.Background()

	n, err := m.CreateNetwork(ctx, "proj-1", &compute.Network{Name: "default", AutoCreateSubnetworks: true})
	if err != nil {
		t.Fatalf("CreateNetwork: %v", err)
	}

	// An instance pins the network.
	inst := &store.Instance{ID: "i-1", Name: "vm", ProjectID: "proj-1", Zone: "us-central1-a", NetworkID: n.ID, Status: store.StatusRunning}
	if err := s.DB().Create(inst).Error; err != nil {
		t.Fatalf("create instance row: %v", err)
	}
	err = m.DeleteNetwork(ctx, "proj-1", "default")
	if apierror.KindOf(err) != apierror.FailedPrecondition {
		t.Errorf("delete with instances: want FailedPrecondition, got %v", err)
	}

	if err := s.DB().Delete(inst).Error; err != nil {
		t.Fatalf("remove instance row: %v", err)
	}
	if err := m.DeleteNetwork(ctx, "proj-1", "default"); err != nil {
		t.Fatalf("DeleteNetwork: %v", err)
	}
	if len(d.removed) != 1 {
		t.Errorf("host network not removed: %v", d.removed)
	}
	if subs, _ := m.ListSubnets(ctx, "proj-1", ""); len(subs) != 0 {
		t.Errorf("subnets survived network delete: %d", len(subs))
	}
	if routes, _, _ := m.ListRoutes(ctx, "proj-1"); len(routes) != 0 {
		t.Errorf("routes survived network delete: %d", len(routes))
	}
}

func TestFirewallLifecycle(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	if _, err := m.CreateNetwork(ctx, "proj-1", &compute.Network{Name: "default", AutoCreateSubnetworks: true}); err != nil {
		t.Fatalf("CreateNetwork: %v", err)
	}

	body := &compute.Firewall{
		Name:         "allow-ssh",
		SourceRanges: []string{"0.0.0.0/0"},
		Allowed:      []*compute.FirewallAllowed{{IPProtocol: "tcp", Ports: []string{"22"}}},
	}
	row, netName, err := m.CreateFirewall(ctx, "proj-1", body)
	if err != nil {
		t.Fatalf("CreateFirewall: %v", err)
	}
	if netName != "default" {
		t.Errorf("network name: got %q", netName)
	}
	if row.Direction != "INGRESS" || row.Priority != 1000 {
		t.Errorf("defaults not applied: %+v", row)
	}

	got, _, err := m.GetFirewall(ctx, "proj-1", "allow-ssh")
	if err != nil {
		t.Fatalf("GetFirewall: %v", err)
	}
	if got.Name != "allow-ssh" {
		t.Errorf("GetFirewall: got %q", got.Name)
	}

	rules, names, err := m.ListFirewalls(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ListFirewalls: %v", err)
	}
	if len(rules) != 1 || names[rules[0].NetworkID] != "default" {
		t.Errorf("ListFirewalls: %v / %v", rules, names)
	}

	if err := m.DeleteFirewall(ctx, "proj-1", "allow-ssh"); err != nil {
		t.Fatalf("DeleteFirewall: %v", err)
	}
	if _, _, err := m.GetFirewall(ctx, "proj-1", "allow-ssh"); !apierror.IsNotFound(err) {
		t.Errorf("firewall survived delete: %v", err)
	}
}

func TestRouteLifecycle(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	if _, err := m.CreateNetwork(ctx, "proj-1", &compute.Network{Name: "default"}); err != nil {
		t.Fatalf("CreateNetwork: %v", err)
	}

	row, netName, err := m.CreateRoute(ctx, "proj-1", &compute.Route{
		Name: "to-vpn", DestRange: "10.99.0.0/24", NextHopIp: "10.128.0.5",
	})
	if err != nil {
		t.Fatalf("CreateRoute: %v", err)
	}
	if netName != "default" {
		t.Errorf("network name: got %q", netName)
	}
	if row.Priority != 1000 {
		t.Errorf("default priority not applied: %d", row.Priority)
	}

	got, _, err := m.GetRoute(ctx, "proj-1", "to-vpn")
	if err != nil {
		t.Fatalf("GetRoute: %v", err)
	}
	if got.NextHopIP != "10.128.0.5" {
		t.Errorf("NextHopIP: got %q", got.NextHopIP)
	}

	// The network's default internet route plus the user route.
	routes, names, err := m.ListRoutes(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ListRoutes: %v", err)
	}
	if len(routes) != 2 || names[routes[0].NetworkID] != "default" {
		t.Fatalf("ListRoutes: %d routes", len(routes))
	}
	if routes[0].Name != "default-route-default" || routes[1].Name != "to-vpn" {
		t.Errorf("route order: %q, %q", routes[0].Name, routes[1].Name)
	}

	if err := m.DeleteRoute(ctx, "proj-1", "to-vpn"); err != nil {
		t.Fatalf("DeleteRoute: %v", err)
	}
	if _, _, err := m.GetRoute(ctx, "proj-1", "to-vpn"); !apierror.IsNotFound(err) {
		t.Errorf("route survived delete: %v", err)
	}
}

func TestRouteLocalUndeletable(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	if _, err := m.CreateNetwork(ctx, "proj-1", &compute.Network{Name: "custom", IPv4Range: "10.10.0.0/16"}); err != nil {
		t.Fatalf("CreateNetwork: %v", err)
	}
	if _, err := m.CreateSubnet(ctx, "proj-1", "us-central1", &compute.Subnetwork{
		Name: "web", Network: "global/networks/custom", IpCidrRange: "10.10.1.0/24",
	}); err != nil {
		t.Fatalf("CreateSubnet: %v", err)
	}

	err := m.DeleteRoute(ctx, "proj-1", "route-web")
	if apierror.KindOf(err) != apierror.FailedPrecondition {
		t.Errorf("deleting a local subnet route: want FailedPrecondition, got %v", err)
	}
}

func TestRouteValidation(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	if _, err := m.CreateNetwork(ctx, "proj-1", &compute.Network{Name: "default"}); err != nil {
		t.Fatalf("CreateNetwork: %v", err)
	}

	cases := map[string]*compute.Route{
		"BadName":      {Name: "Bad_Name", DestRange: "10.0.0.0/24", NextHopIp: "10.128.0.5"},
		"BadDestRange": {Name: "r1", DestRange: "10.0.0.0", NextHopIp: "10.128.0.5"},
		"NoNextHop":    {Name: "r1", DestRange: "10.0.0.0/24"},
		"TwoNextHops":  {Name: "r1", DestRange: "10.0.0.0/24", NextHopIp: "10.128.0.5", NextHopGateway: "default-internet-gateway"},
		"BadNextHopIP": {Name: "r1", DestRange: "10.0.0.0/24", NextHopIp: "not-an-ip"},
		"BadPriority":  {Name: "r1", DestRange: "10.0.0.0/24", NextHopIp: "10.128.0.5", Priority: 70000},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := m.CreateRoute(ctx, "proj-1", body)
			if apierror.KindOf(err) != apierror.InvalidArgument {
				t.Errorf("want InvalidArgument, got %v", err)
			}
		})
	}

	_, _, err := m.CreateRoute(ctx, "proj-1", &compute.Route{
		Name: "r1", DestRange: "10.0.0.0/24", NextHopIp: "10.128.0.5", Network: "global/networks/ghost",
	})
	if !apierror.IsNotFound(err) {
		t.Errorf("unknown network: want NotFound, got %v", err)
	}
}

func TestRouteAndFirewallNamesScopedPerNetwork(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	// Same-named auto-mode networks in two projects produce identically
	// named default and local routes; they must not collide.
	if _, err := m.CreateNetwork(ctx, "proj-1", &compute.Network{Name: "default", AutoCreateSubnetworks: true}); err != nil {
		t.Fatalf("CreateNetwork proj-1: %v", err)
	}
	if _, err := m.CreateNetwork(ctx, "proj-2", &compute.Network{Name: "default", AutoCreateSubnetworks: true}); err != nil {
		t.Fatalf("CreateNetwork proj-2: %v", err)
	}

	// Same-named firewalls on different networks coexist too.
	body := &compute.Firewall{
		Name:    "allow-ssh",
		Allowed: []*compute.FirewallAllowed{{IPProtocol: "tcp", Ports: []string{"22"}}},
	}
	if _, _, err := m.CreateFirewall(ctx, "proj-1", body); err != nil {
		t.Fatalf("CreateFirewall proj-1: %v", err)
	}
	if _, _, err := m.CreateFirewall(ctx, "proj-2", body); err != nil {
		t.Fatalf("CreateFirewall proj-2: %v", err)
	}
	dup := &compute.Firewall{
		Name:    "allow-ssh",
		Allowed: []*compute.FirewallAllowed{{IPProtocol: "udp"}},
	}
	if _, _, err := m.CreateFirewall(ctx, "proj-1", dup); !apierror.IsAlreadyExists(err) {
		t.Errorf("duplicate firewall in one network: want AlreadyExists, got %v", err)
	}
}
