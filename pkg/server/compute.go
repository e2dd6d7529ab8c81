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

package server

import (
	"net/http"

	"github.com/gorilla/mux"
	computev1 "google.golang.org/api/compute/v1"

	"github.com/localgcp/localgcp/pkg/clients/firewall"
	"github.com/localgcp/localgcp/pkg/clients/network"
	"github.com/localgcp/localgcp/pkg/clients/route"
	"github.com/localgcp/localgcp/pkg/clients/subnetwork"
	"github.com/localgcp/localgcp/pkg/gcp"
	"github.com/localgcp/localgcp/pkg/store"
)

// instanceName constrains the {name} variable so the :start and :stop
// verb routes stay distinguishable from the plain resource routes.
const instanceName = "{name:[a-z][-a-z0-9]*}"

func (s *Server) computeRoutes(r *mux.Router) {
	c := r.PathPrefix("/compute/v1/projects/{project}").Subrouter()

	c.HandleFunc("/global/networks", s.handleNetworkInsert).Methods(http.MethodPost)
	c.HandleFunc("/global/networks", s.handleNetworkList).Methods(http.MethodGet)
	c.HandleFunc("/global/networks/{name}", s.handleNetworkGet).Methods(http.MethodGet)
	c.HandleFunc("/global/networks/{name}", s.handleNetworkDelete).Methods(http.MethodDelete)

	c.HandleFunc("/regions/{region}/subnetworks", s.handleSubnetInsert).Methods(http.MethodPost)
	c.HandleFunc("/regions/{region}/subnetworks", s.handleSubnetList).Methods(http.MethodGet)
	c.HandleFunc("/regions/{region}/subnetworks/{name}", s.handleSubnetGet).Methods(http.MethodGet)
	c.HandleFunc("/regions/{region}/subnetworks/{name}", s.handleSubnetDelete).Methods(http.MethodDelete)
	c.HandleFunc("/aggregated/subnetworks", s.handleSubnetAggregated).Methods(http.MethodGet)

	c.HandleFunc("/global/firewalls", s.handleFirewallInsert).Methods(http.MethodPost)
	c.HandleFunc("/global/firewalls", s.handleFirewallList).Methods(http.MethodGet)
	c.HandleFunc("/global/firewalls/{name}", s.handleFirewallGet).Methods(http.MethodGet)
	c.HandleFunc("/global/firewalls/{name}", s.handleFirewallDelete).Methods(http.MethodDelete)
	c.HandleFunc("/global/routes", s.handleRouteInsert).Methods(http.MethodPost)
	c.HandleFunc("/global/routes", s.handleRouteList).Methods(http.MethodGet)
	c.HandleFunc("/global/routes/{name}", s.handleRouteGet).Methods(http.MethodGet)
	c.HandleFunc("/global/routes/{name}", s.handleRouteDelete).Methods(http.MethodDelete)

	c.HandleFunc("/zones/{zone}/instances/"+instanceName+":start", s.handleInstanceStart).Methods(http.MethodPost)
	c.HandleFunc("/zones/{zone}/instances/"+instanceName+":stop", s.handleInstanceStop).Methods(http.MethodPost)
	c.HandleFunc("/zones/{zone}/instances", s.handleInstanceInsert).Methods(http.MethodPost)
	c.HandleFunc("/zones/{zone}/instances", s.handleInstanceList).Methods(http.MethodGet)
	c.HandleFunc("/zones/{zone}/instances/{name}", s.handleInstanceGet).Methods(http.MethodGet)
	c.HandleFunc("/zones/{zone}/instances/{name}", s.handleInstanceDelete).Methods(http.MethodDelete)
	c.HandleFunc("/aggregated/instances", s.handleInstanceAggregated).Methods(http.MethodGet)
	c.HandleFunc("/global/operations/{name}", s.handleGlobalOperationGet).Methods(http.MethodGet)
	c.HandleFunc("/zones/{zone}/operations", s.handleOperationList).Methods(http.MethodGet)
	c.HandleFunc("/zones/{zone}/operations/{name}", s.handleOperationGet).Methods(http.MethodGet)
	c.HandleFunc("/zones/{zone}/machineTypes", s.handleMachineTypeList).Methods(http.MethodGet)
	c.HandleFunc("/zones", s.handleZoneList).Methods(http.MethodGet)
}

func (s *Server) handleNetworkInsert(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	body := &computev1.Network{}
	if err := decodeBody(r, body); err != nil {
		s.writeError(w, err)
		return
	}
	n, err := s.vpc.CreateNetwork(r.Context(), project, body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOperation(w, r, project, "insert", gcp.ComputeSelfLink("projects", project, "global", "networks", n.Name))
}

// writeOperation records and returns the synchronous DONE operation of a
// VPC mutation. Compute mutations always answer with an operation record.
func (s *Server) writeOperation(w http.ResponseWriter, r *http.Request, project, opType, targetLink string) {
	op, err := s.compute.RecordOperation(r.Context(), project, "", opType, targetLink)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleNetworkList(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	nets, err := s.vpc.ListNetworks(r.Context(), project)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := &computev1.NetworkList{Kind: "compute#networkList"}
	for _, n := range nets {
		links, err := s.subnetLinks(r, project, n.ID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		out.Items = append(out.Items, network.GenerateNetwork(project, n, links))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleNetworkGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	project := vars["project"]
	n, err := s.vpc.GetNetwork(r.Context(), project, vars["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	links, err := s.subnetLinks(r, project, n.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, network.GenerateNetwork(project, *n, links))
}

func (s *Server) handleNetworkDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.vpc.DeleteNetwork(r.Context(), vars["project"], vars["name"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOperation(w, r, vars["project"], "delete",
		gcp.ComputeSelfLink("projects", vars["project"], "global", "networks", vars["name"]))
}

// subnetLinks lists the selfLinks of a network's subnets for the
// Subnetworks field of the network representation.
func (s *Server) subnetLinks(r *http.Request, project, networkID string) ([]string, error) {
	subs, err := s.vpc.ListSubnets(r.Context(), project, "")
	if err != nil {
		return nil, err
	}
	var links []string
	for _, sub := range subs {
		if sub.NetworkID == networkID {
			links = append(links, subnetwork.SelfLink(project, sub.Region, sub.Name))
		}
	}
	return links, nil
}

func (s *Server) handleSubnetInsert(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	body := &computev1.Subnetwork{}
	if err := decodeBody(r, body); err != nil {
		s.writeError(w, err)
		return
	}
	sub, err := s.vpc.CreateSubnet(r.Context(), vars["project"], vars["region"], body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOperation(w, r, vars["project"], "insert",
		subnetwork.SelfLink(vars["project"], vars["region"], sub.Name))
}

func (s *Server) handleSubnetList(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	project := vars["project"]
	subs, err := s.vpc.ListSubnets(r.Context(), project, vars["region"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	items, err := s.generateSubnets(r, project, subs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, &computev1.SubnetworkList{Kind: "compute#subnetworkList", Items: items})
}

func (s *Server) handleSubnetGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sub, n, err := s.vpc.GetSubnet(r.Context(), vars["project"], vars["region"], vars["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, subnetwork.GenerateSubnetwork(vars["project"], n.Name, *sub))
}

func (s *Server) handleSubnetDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.vpc.DeleteSubnet(r.Context(), vars["project"], vars["region"], vars["name"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOperation(w, r, vars["project"], "delete",
		subnetwork.SelfLink(vars["project"], vars["region"], vars["name"]))
}

func (s *Server) handleSubnetAggregated(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	subs, err := s.vpc.ListSubnets(r.Context(), project, "")
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := &computev1.SubnetworkAggregatedList{
		Kind:  "compute#subnetworkAggregatedList",
		Items: map[string]computev1.SubnetworksScopedList{},
	}
	for _, sub := range subs {
		gen, err := s.generateSubnets(r, project, []store.Subnet{sub})
		if err != nil {
			s.writeError(w, err)
			return
		}
		key := "regions/" + sub.Region
		scoped := out.Items[key]
		scoped.Subnetworks = append(scoped.Subnetworks, gen...)
		out.Items[key] = scoped
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) generateSubnets(r *http.Request, project string, subs []store.Subnet) ([]*computev1.Subnetwork, error) {
	nets, err := s.vpc.ListNetworks(r.Context(), project)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(nets))
	for _, n := range nets {
		names[n.ID] = n.Name
	}
	out := make([]*computev1.Subnetwork, 0, len(subs))
	for _, sub := range subs {
		out = append(out, subnetwork.GenerateSubnetwork(project, names[sub.NetworkID], sub))
	}
	return out, nil
}

func (s *Server) handleFirewallInsert(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	body := &computev1.Firewall{}
	if err := decodeBody(r, body); err != nil {
		s.writeError(w, err)
		return
	}
	row, _, err := s.vpc.CreateFirewall(r.Context(), project, body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOperation(w, r, project, "insert",
		gcp.ComputeSelfLink("projects", project, "global", "firewalls", row.Name))
}

func (s *Server) handleFirewallList(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	rules, names, err := s.vpc.ListFirewalls(r.Context(), project)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := &computev1.FirewallList{Kind: "compute#firewallList"}
	for _, rule := range rules {
		out.Items = append(out.Items, firewall.GenerateFirewall(project, names[rule.NetworkID], rule))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFirewallGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rule, netName, err := s.vpc.GetFirewall(r.Context(), vars["project"], vars["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, firewall.GenerateFirewall(vars["project"], netName, *rule))
}

func (s *Server) handleFirewallDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.vpc.DeleteFirewall(r.Context(), vars["project"], vars["name"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOperation(w, r, vars["project"], "delete",
		gcp.ComputeSelfLink("projects", vars["project"], "global", "firewalls", vars["name"]))
}

func (s *Server) handleRouteInsert(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	body := &computev1.Route{}
	if err := decodeBody(r, body); err != nil {
		s.writeError(w, err)
		return
	}
	row, _, err := s.vpc.CreateRoute(r.Context(), project, body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOperation(w, r, project, "insert",
		gcp.ComputeSelfLink("projects", project, "global", "routes", row.Name))
}

func (s *Server) handleRouteGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	rt, netName, err := s.vpc.GetRoute(r.Context(), vars["project"], vars["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, route.GenerateRoute(vars["project"], netName, *rt))
}

func (s *Server) handleRouteDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.vpc.DeleteRoute(r.Context(), vars["project"], vars["name"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeOperation(w, r, vars["project"], "delete",
		gcp.ComputeSelfLink("projects", vars["project"], "global", "routes", vars["name"]))
}

func (s *Server) handleRouteList(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	routes, names, err := s.vpc.ListRoutes(r.Context(), project)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := &computev1.RouteList{Kind: "compute#routeList"}
	for _, rt := range routes {
		out.Items = append(out.Items, route.GenerateRoute(project, names[rt.NetworkID], rt))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleInstanceInsert(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	body := &computev1.Instance{}
	if err := decodeBody(r, body); err != nil {
		s.writeError(w, err)
		return
	}
	op, err := s.compute.Insert(r.Context(), vars["project"], vars["zone"], body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleInstanceList(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	items, err := s.compute.List(r.Context(), vars["project"], vars["zone"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, &computev1.InstanceList{Kind: "compute#instanceList", Items: items})
}

func (s *Server) handleInstanceGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	out, err := s.compute.Get(r.Context(), vars["project"], vars["zone"], vars["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleInstanceDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	op, err := s.compute.Delete(r.Context(), vars["project"], vars["zone"], vars["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleInstanceStart(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	op, err := s.compute.Start(r.Context(), vars["project"], vars["zone"], vars["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleInstanceStop(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	op, err := s.compute.Stop(r.Context(), vars["project"], vars["zone"], vars["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleInstanceAggregated(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	scoped, err := s.compute.AggregatedList(r.Context(), project)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := &computev1.InstanceAggregatedList{
		Kind:  "compute#instanceAggregatedList",
		Items: map[string]computev1.InstancesScopedList{},
	}
	for scope, items := range scoped {
		out.Items[scope] = computev1.InstancesScopedList{Instances: items}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOperationList(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	items, err := s.compute.ListOperations(r.Context(), vars["project"], vars["zone"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, &computev1.OperationList{Kind: "compute#operationList", Items: items})
}

func (s *Server) handleGlobalOperationGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	out, err := s.compute.GetOperation(r.Context(), vars["project"], "", vars["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleOperationGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	out, err := s.compute.GetOperation(r.Context(), vars["project"], vars["zone"], vars["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMachineTypeList(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.writeJSON(w, http.StatusOK, &computev1.MachineTypeList{
		Kind:  "compute#machineTypeList",
		Items: s.compute.MachineTypes(vars["project"], vars["zone"]),
	})
}

func (s *Server) handleZoneList(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	s.writeJSON(w, http.StatusOK, &computev1.ZoneList{
		Kind:  "compute#zoneList",
		Items: s.compute.Zones(project),
	})
}
