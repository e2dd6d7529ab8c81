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
	"fmt"

	"github.com/google/uuid"
	compute "google.golang.org/api/compute/v1"
	"gorm.io/gorm"

	"github.com/localgcp/localgcp/pkg/apierror"
	"github.com/localgcp/localgcp/pkg/clients/firewall"
	"github.com/localgcp/localgcp/pkg/clients/route"
	"github.com/localgcp/localgcp/pkg/gcp"
	"github.com/localgcp/localgcp/pkg/store"
)

// CreateFirewall validates and stores a firewall rule. Rules are stored
// and returned verbatim; the emulator does not program packet filters.
func (m *Manager) CreateFirewall(ctx context.Context, project string, body *compute.Firewall) (*store.FirewallRule, string, error) {
	if err := firewall.Validate(body); err != nil {
		return nil, "", err
	}
	netName := gcp.ResourceName(body.Network)
	if netName == "" {
		netName = "default"
	}
	var row store.FirewallRule
	err := m.store.Transaction(ctx, func(tx *gorm.DB) error {
		n := &store.Network{}
		if err := tx.Where("project_id = ? AND name = ?", project, netName).First(n).Error; err != nil {
			return store.AsAPIError(err, fmt.Sprintf("network %q", netName))
		}
		row = firewall.FromAPI(uuid.NewString(), n.ID, body)
		return store.AsAPIError(tx.Create(&row).Error, fmt.Sprintf("firewall %q", body.Name))
	})
	if err != nil {
		return nil, "", err
	}
	return &row, netName, nil
}

// GetFirewall resolves a firewall rule by name along with its network
// name.
func (m *Manager) GetFirewall(ctx context.Context, project, name string) (*store.FirewallRule, string, error) {
	f := &store.FirewallRule{}
	err := m.store.DB().WithContext(ctx).
		Joins("JOIN networks ON networks.id = firewall_rules.network_id").
		Where("networks.project_id = ? AND firewall_rules.name = ?", project, name).
		First(f).Error
	if err != nil {
		return nil, "", store.AsAPIError(err, fmt.Sprintf("firewall %q", name))
	}
	n := &store.Network{}
	if err := m.store.DB().WithContext(ctx).Where("id = ?", f.NetworkID).First(n).Error; err != nil {
		return nil, "", store.AsAPIError(err, "network")
	}
	return f, n.Name, nil
}

// ListFirewalls lists the firewall rules of a project with their network
// names, ordered by rule name.
func (m *Manager) ListFirewalls(ctx context.Context, project string) ([]store.FirewallRule, map[string]string, error) {
	var rules []store.FirewallRule
	err := m.store.DB().WithContext(ctx).
		Joins("JOIN networks ON networks.id = firewall_rules.network_id").
		Where("networks.project_id = ?", project).
		Order("firewall_rules.name").Find(&rules).Error
	if err != nil {
		return nil, nil, store.AsAPIError(err, "firewalls")
	}
	names, err := m.networkNames(ctx, project)
	if err != nil {
		return nil, nil, err
	}
	return rules, names, nil
}

// DeleteFirewall removes a firewall rule by name.
func (m *Manager) DeleteFirewall(ctx context.Context, project, name string) error {
	return m.store.Transaction(ctx, func(tx *gorm.DB) error {
		f := &store.FirewallRule{}
		err := tx.Joins("JOIN networks ON networks.id = firewall_rules.network_id").
			Where("networks.project_id = ? AND firewall_rules.name = ?", project, name).
			First(f).Error
		if err != nil {
			return store.AsAPIError(err, fmt.Sprintf("firewall %q", name))
		}
		return store.AsAPIError(tx.Delete(f).Error, fmt.Sprintf("firewall %q", name))
	})
}

// CreateRoute validates and stores a user route. Like firewalls, routes
// are stored and returned verbatim.
func (m *Manager) CreateRoute(ctx context.Context, project string, body *compute.Route) (*store.Route, string, error) {
	if err := route.Validate(body); err != nil {
		return nil, "", err
	}
	netName := gcp.ResourceName(body.Network)
	if netName == "" {
		netName = "default"
	}
	var row store.Route
	err := m.store.Transaction(ctx, func(tx *gorm.DB) error {
		n := &store.Network{}
		if err := tx.Where("project_id = ? AND name = ?", project, netName).First(n).Error; err != nil {
			return store.AsAPIError(err, fmt.Sprintf("network %q", netName))
		}
		row = route.FromAPI(uuid.NewString(), n.ID, body)
		return store.AsAPIError(tx.Create(&row).Error, fmt.Sprintf("route %q", body.Name))
	})
	if err != nil {
		return nil, "", err
	}
	return &row, netName, nil
}

// GetRoute resolves a route by name along with its network name.
func (m *Manager) GetRoute(ctx context.Context, project, name string) (*store.Route, string, error) {
	r := &store.Route{}
	err := m.store.DB().WithContext(ctx).
		Joins("JOIN networks ON networks.id = routes.network_id").
		Where("networks.project_id = ? AND routes.name = ?", project, name).
		First(r).Error
	if err != nil {
		return nil, "", store.AsAPIError(err, fmt.Sprintf("route %q", name))
	}
	n := &store.Network{}
	if err := m.store.DB().WithContext(ctx).Where("id = ?", r.NetworkID).First(n).Error; err != nil {
		return nil, "", store.AsAPIError(err, "network")
	}
	return r, n.Name, nil
}

// DeleteRoute removes a route by name. The local subnet routes belong to
// the VPC and only go away with it.
func (m *Manager) DeleteRoute(ctx context.Context, project, name string) error {
	return m.store.Transaction(ctx, func(tx *gorm.DB) error {
		r := &store.Route{}
		err := tx.Joins("JOIN networks ON networks.id = routes.network_id").
			Where("networks.project_id = ? AND routes.name = ?", project, name).
			First(r).Error
		if err != nil {
			return store.AsAPIError(err, fmt.Sprintf("route %q", name))
		}
		if r.NextHopNetwork == "local" {
			return apierror.FailedPreconditionf("route %q is a local subnetwork route and cannot be deleted", name)
		}
		return store.AsAPIError(tx.Delete(r).Error, fmt.Sprintf("route %q", name))
	})
}

// ListRoutes lists the routes of a project with their network names,
// ordered by route name.
func (m *Manager) ListRoutes(ctx context.Context, project string) ([]store.Route, map[string]string, error) {
	var routes []store.Route
	err := m.store.DB().WithContext(ctx).
		Joins("JOIN networks ON networks.id = routes.network_id").
		Where("networks.project_id = ?", project).
		Order("routes.name").Find(&routes).Error
	if err != nil {
		return nil, nil, store.AsAPIError(err, "routes")
	}
	names, err := m.networkNames(ctx, project)
	if err != nil {
		return nil, nil, err
	}
	return routes, names, nil
}

// networkNames maps network row ids to names for one project.
func (m *Manager) networkNames(ctx context.Context, project string) (map[string]string, error) {
	var nets []store.Network
	if err := m.store.DB().WithContext(ctx).Where("project_id = ?", project).Find(&nets).Error; err != nil {
		return nil, store.AsAPIError(err, "networks")
	}
	out := make(map[string]string, len(nets))
	for _, n := range nets {
		out[n.ID] = n.Name
	}
	return out, nil
}
