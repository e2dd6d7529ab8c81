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

// Package vpc implements the VPC/subnet control plane: network and subnet
// lifecycle, the auto-mode region fan-out, non-overlap enforcement,
// sequential IP allocation, and the mapping of VPCs onto host container
// networks.
package vpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	compute "google.golang.org/api/compute/v1"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/localgcp/localgcp/pkg/apierror"
	"github.com/localgcp/localgcp/pkg/cidr"
	"github.com/localgcp/localgcp/pkg/clients/network"
	"github.com/localgcp/localgcp/pkg/clients/route"
	"github.com/localgcp/localgcp/pkg/gcp"
	"github.com/localgcp/localgcp/pkg/store"
)

const (
	errParseSupernet = "cannot parse supernet configuration"
	errHostNetwork   = "cannot derive host network range"
	errListSubnets   = "cannot list subnets"
)

// Driver is the slice of the container runtime the manager needs.
type Driver interface {
	NetworkCreate(ctx context.Context, name, cidr, gateway string) (string, error)
	NetworkRemove(ctx context.Context, name string) error
}

// Config carries the supernet ranges of the manager.
type Config struct {
	AutoModeSupernet    string
	CustomModeSupernet  string
	HostNetworkSupernet string
}

// Manager is the VPC/subnet control plane.
type Manager struct {
	store  *store.Store
	driver Driver

	autoSupernet   *net.IPNet
	customSupernet *net.IPNet
	hostSupernet   *net.IPNet
}

// New returns a Manager. Empty config fields fall back to the provider
// defaults.
func New(s *store.Store, d Driver, cfg Config) (*Manager, error) {
	if cfg.AutoModeSupernet == "" {
		cfg.AutoModeSupernet = cidr.AutoModeSupernet
	}
	if cfg.CustomModeSupernet == "" {
		cfg.CustomModeSupernet = cidr.DefaultCustomSupernet
	}
	if cfg.HostNetworkSupernet == "" {
		cfg.HostNetworkSupernet = "172.20.0.0/14"
	}
	auto, err := cidr.Parse(cfg.AutoModeSupernet)
	if err != nil {
		return nil, errors.Wrap(err, errParseSupernet)
	}
	custom, err := cidr.Parse(cfg.CustomModeSupernet)
	if err != nil {
		return nil, errors.Wrap(err, errParseSupernet)
	}
	host, err := cidr.Parse(cfg.HostNetworkSupernet)
	if err != nil {
		return nil, errors.Wrap(err, errParseSupernet)
	}
	return &Manager{store: s, driver: d, autoSupernet: auto, customSupernet: custom, hostSupernet: host}, nil
}

// HostNetworkName returns the host network name of a VPC.
func HostNetworkName(project, name string) string {
	return fmt.Sprintf("gcp-vpc-%s-%s", project, name)
}

// CreateNetwork creates a VPC and its host container network. Auto-mode
// networks get the fixed supernet and one subnet per fan-out region; the
// caller cannot override the auto-mode range. The host network is created
// inside the transaction so a runtime refusal leaves no row behind.
func (m *Manager) CreateNetwork(ctx context.Context, project string, body *compute.Network) (*store.Network, error) {
	if err := network.ValidateName(body.Name); err != nil {
		return nil, err
	}
	if _, err := m.store.EnsureProject(ctx, project); err != nil {
		return nil, err
	}

	cidrRange := m.autoSupernet.String()
	if !body.AutoCreateSubnetworks {
		cidrRange = m.customSupernet.String()
		if body.IPv4Range != "" {
			parsed, err := cidr.Parse(body.IPv4Range)
			if err != nil {
				return nil, err
			}
			cidrRange = parsed.String()
		}
	}

	hostNet, err := cidr.HostNetworkFor(m.hostSupernet, project, body.Name)
	if err != nil {
		return nil, errors.Wrap(err, errHostNetwork)
	}
	hostGW, err := cidr.GatewayOf(hostNet)
	if err != nil {
		return nil, errors.Wrap(err, errHostNetwork)
	}

	routingMode := "REGIONAL"
	if body.RoutingConfig != nil && body.RoutingConfig.RoutingMode != "" {
		routingMode = body.RoutingConfig.RoutingMode
	}

	n := &store.Network{
		ID:                    uuid.NewString(),
		Name:                  body.Name,
		ProjectID:             project,
		AutoCreateSubnetworks: body.AutoCreateSubnetworks,
		CIDRRange:             cidrRange,
		HostNetworkName:       HostNetworkName(project, body.Name),
		RoutingMode:           routingMode,
		CreatedAt:             time.Now().UTC(),
	}

	err = m.store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(n).Error; err != nil {
			return store.AsAPIError(err, fmt.Sprintf("network %q", body.Name))
		}
		if err := tx.Create(&store.Route{
			ID:             uuid.NewString(),
			Name:           "default-route-" + n.Name,
			NetworkID:      n.ID,
			DestRange:      "0.0.0.0/0",
			Priority:       1000,
			NextHopGateway: route.DefaultInternetGateway,
			Description:    "Default route to the Internet.",
			CreatedAt:      n.CreatedAt,
		}).Error; err != nil {
			return store.AsAPIError(err, "default route")
		}
		if n.AutoCreateSubnetworks {
			if err := m.fanOutSubnets(tx, n); err != nil {
				return err
			}
		}
		hostID, err := m.driver.NetworkCreate(ctx, n.HostNetworkName, hostNet.String(), hostGW.String())
		if err != nil {
			return err
		}
		n.HostNetworkID = hostID
		return tx.Model(n).Update("host_network_id", hostID).Error
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// fanOutSubnets inserts one subnet per region of the fan-out table plus
// its local route. All fan-out subnets share the VPC's host network; the
// per-region range is enforced in the control plane only.
func (m *Manager) fanOutSubnets(tx *gorm.DB, n *store.Network) error {
	for _, rr := range cidr.AutoModeRanges {
		parsed, err := cidr.Parse(rr.CIDR)
		if err != nil {
			return err
		}
		gw, err := cidr.GatewayOf(parsed)
		if err != nil {
			return err
		}
		sub := &store.Subnet{
			ID:              uuid.NewString(),
			Name:            n.Name + "-" + rr.Region,
			NetworkID:       n.ID,
			Region:          rr.Region,
			IPCIDRRange:     rr.CIDR,
			GatewayIP:       gw.String(),
			NextAvailableIP: 2,
			CreatedAt:       n.CreatedAt,
		}
		if err := tx.Create(sub).Error; err != nil {
			return store.AsAPIError(err, fmt.Sprintf("subnetwork %q", sub.Name))
		}
		if err := tx.Create(localRoute(n.ID, sub)).Error; err != nil {
			return store.AsAPIError(err, "local route")
		}
	}
	return nil
}

func localRoute(networkID string, sub *store.Subnet) *store.Route {
	return &store.Route{
		ID:             uuid.NewString(),
		Name:           "route-" + sub.Name,
		NetworkID:      networkID,
		DestRange:      sub.IPCIDRRange,
		Priority:       0,
		NextHopNetwork: "local",
		Description:    "Local route to the subnetwork.",
		CreatedAt:      sub.CreatedAt,
	}
}

// GetNetwork resolves a VPC by project and name.
func (m *Manager) GetNetwork(ctx context.Context, project, name string) (*store.Network, error) {
	n := &store.Network{}
	err := m.store.DB().WithContext(ctx).
		Where("project_id = ? AND name = ?", project, name).First(n).Error
	if err != nil {
		return nil, store.AsAPIError(err, fmt.Sprintf("network %q", name))
	}
	return n, nil
}

// ListNetworks lists the VPCs of a project ordered by name.
func (m *Manager) ListNetworks(ctx context.Context, project string) ([]store.Network, error) {
	var out []store.Network
	err := m.store.DB().WithContext(ctx).
		Where("project_id = ?", project).Order("name").Find(&out).Error
	if err != nil {
		return nil, store.AsAPIError(err, "networks")
	}
	return out, nil
}

// DeleteNetwork removes a VPC, its subnets, firewall rules, routes and
// host network. It refuses while any instance still references the VPC.
func (m *Manager) DeleteNetwork(ctx context.Context, project, name string) error {
	return m.store.Transaction(ctx, func(tx *gorm.DB) error {
		n := &store.Network{}
		if err := tx.Where("project_id = ? AND name = ?", project, name).First(n).Error; err != nil {
			return store.AsAPIError(err, fmt.Sprintf("network %q", name))
		}
		var instances int64
		if err := tx.Model(&store.Instance{}).Where("network_id = ?", n.ID).Count(&instances).Error; err != nil {
			return store.AsAPIError(err, "instances")
		}
		if instances > 0 {
			return apierror.FailedPreconditionf("network %q is in use by %d instance(s)", name, instances)
		}
		for _, model := range []interface{}{&store.Route{}, &store.FirewallRule{}, &store.Subnet{}} {
			if err := tx.Where("network_id = ?", n.ID).Delete(model).Error; err != nil {
				return store.AsAPIError(err, "network dependents")
			}
		}
		if err := tx.Delete(n).Error; err != nil {
			return store.AsAPIError(err, fmt.Sprintf("network %q", name))
		}
		return m.driver.NetworkRemove(ctx, n.HostNetworkName)
	})
}

// CreateSubnet creates a custom-mode subnet. The range must be canonical,
// contained in the VPC range, and disjoint from every sibling; the
// overlap check runs against all sibling rows inside the serializable
// transaction so two concurrent creates cannot both commit.
func (m *Manager) CreateSubnet(ctx context.Context, project, region string, body *compute.Subnetwork) (*store.Subnet, error) {
	if err := network.ValidateName(body.Name); err != nil {
		return nil, apierror.Invalid("invalid subnetwork name %q", body.Name)
	}
	parsed, err := cidr.Parse(body.IpCidrRange)
	if err != nil {
		return nil, err
	}
	gw, err := cidr.GatewayOf(parsed)
	if err != nil {
		return nil, err
	}

	sub := &store.Subnet{
		ID:              uuid.NewString(),
		Name:            body.Name,
		Region:          region,
		IPCIDRRange:     parsed.String(),
		GatewayIP:       gw.String(),
		NextAvailableIP: 2,
		CreatedAt:       time.Now().UTC(),
	}

	err = m.store.Transaction(ctx, func(tx *gorm.DB) error {
		n := &store.Network{}
		netName := gcp.ResourceName(body.Network)
		if err := tx.Where("project_id = ? AND name = ?", project, netName).First(n).Error; err != nil {
			return store.AsAPIError(err, fmt.Sprintf("network %q", netName))
		}
		if n.AutoCreateSubnetworks {
			return apierror.New(apierror.FailedPrecondition, apierror.ReasonAutoModeSubnet,
				"network %q manages its subnetworks automatically", n.Name)
		}
		vpcRange, err := cidr.Parse(n.CIDRRange)
		if err != nil {
			return err
		}
		if !cidr.Contains(vpcRange, parsed) {
			return apierror.Invalid("range %s is outside the network range %s", parsed, vpcRange)
		}
		var siblings []store.Subnet
		if err := tx.Where("network_id = ?", n.ID).Find(&siblings).Error; err != nil {
			return errors.Wrap(err, errListSubnets)
		}
		for _, s := range siblings {
			existing, err := cidr.Parse(s.IPCIDRRange)
			if err != nil {
				return err
			}
			if cidr.Overlaps(parsed, existing) {
				return apierror.New(apierror.InvalidArgument, apierror.ReasonSubnetOverlap,
					"range %s overlaps subnetwork %q (%s)", parsed, s.Name, s.IPCIDRRange)
			}
		}
		sub.NetworkID = n.ID
		if err := tx.Create(sub).Error; err != nil {
			return store.AsAPIError(err, fmt.Sprintf("subnetwork %q", sub.Name))
		}
		return store.AsAPIError(tx.Create(localRoute(n.ID, sub)).Error, "local route")
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// GetSubnet resolves a subnet by project, region and name.
func (m *Manager) GetSubnet(ctx context.Context, project, region, name string) (*store.Subnet, *store.Network, error) {
	sub := &store.Subnet{}
	err := m.store.DB().WithContext(ctx).
		Joins("JOIN networks ON networks.id = subnets.network_id").
		Where("networks.project_id = ? AND subnets.region = ? AND subnets.name = ?", project, region, name).
		First(sub).Error
	if err != nil {
		return nil, nil, store.AsAPIError(err, fmt.Sprintf("subnetwork %q", name))
	}
	n := &store.Network{}
	if err := m.store.DB().WithContext(ctx).Where("id = ?", sub.NetworkID).First(n).Error; err != nil {
		return nil, nil, store.AsAPIError(err, "network")
	}
	return sub, n, nil
}

// ListSubnets lists the subnets of a project, optionally restricted to a
// region, ordered by (region, name).
func (m *Manager) ListSubnets(ctx context.Context, project, region string) ([]store.Subnet, error) {
	q := m.store.DB().WithContext(ctx).
		Joins("JOIN networks ON networks.id = subnets.network_id").
		Where("networks.project_id = ?", project)
	if region != "" {
		q = q.Where("subnets.region = ?", region)
	}
	var out []store.Subnet
	if err := q.Order("subnets.region, subnets.name").Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, errListSubnets)
	}
	return out, nil
}

// DeleteSubnet removes a subnet and its local route, refusing while any
// instance still uses it.
func (m *Manager) DeleteSubnet(ctx context.Context, project, region, name string) error {
	return m.store.Transaction(ctx, func(tx *gorm.DB) error {
		sub := &store.Subnet{}
		err := tx.Joins("JOIN networks ON networks.id = subnets.network_id").
			Where("networks.project_id = ? AND subnets.region = ? AND subnets.name = ?", project, region, name).
			First(sub).Error
		if err != nil {
			return store.AsAPIError(err, fmt.Sprintf("subnetwork %q", name))
		}
		var instances int64
		if err := tx.Model(&store.Instance{}).Where("subnet_id = ?", sub.ID).Count(&instances).Error; err != nil {
			return store.AsAPIError(err, "instances")
		}
		if instances > 0 {
			return apierror.FailedPreconditionf("subnetwork %q is in use by %d instance(s)", name, instances)
		}
		if err := tx.Where("network_id = ? AND name = ?", sub.NetworkID, "route-"+sub.Name).
			Delete(&store.Route{}).Error; err != nil {
			return store.AsAPIError(err, "local route")
		}
		return store.AsAPIError(tx.Delete(sub).Error, fmt.Sprintf("subnetwork %q", name))
	})
}

// AllocateIP hands out the next sequential address of the subnet. It must
// run inside the caller's transaction; the row lock is held until that
// transaction commits, serializing concurrent allocations.
func (m *Manager) AllocateIP(tx *gorm.DB, subnetID string) (string, error) {
	sub := &store.Subnet{}
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", subnetID).First(sub).Error; err != nil {
		return "", store.AsAPIError(err, "subnetwork")
	}
	parsed, err := cidr.Parse(sub.IPCIDRRange)
	if err != nil {
		return "", err
	}
	ip, err := cidr.HostAt(parsed, sub.NextAvailableIP)
	if err != nil {
		return "", apierror.New(apierror.OutOfRange, apierror.ReasonSubnetExhausted,
			"subnetwork %q has no free addresses", sub.Name)
	}
	if err := tx.Model(sub).Update("next_available_ip", sub.NextAvailableIP+1).Error; err != nil {
		return "", store.AsAPIError(err, "subnetwork")
	}
	return ip.String(), nil
}
