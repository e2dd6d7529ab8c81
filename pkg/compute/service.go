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

// Package compute implements the instance control plane: the insert
// pipeline that materializes instances as containers, the lifecycle
// state machine, operation records and the background reconciler.
package compute

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	computev1 "google.golang.org/api/compute/v1"
	"gorm.io/gorm"

	"github.com/localgcp/localgcp/pkg/apierror"
	"github.com/localgcp/localgcp/pkg/clients/instance"
	"github.com/localgcp/localgcp/pkg/docker"
	"github.com/localgcp/localgcp/pkg/gcp"
	"github.com/localgcp/localgcp/pkg/store"
	"github.com/localgcp/localgcp/pkg/vpc"
)

// Labels stamped on every instance container, read back by the
// reconciler.
const (
	LabelProject  = "localgcp.project"
	LabelZone     = "localgcp.zone"
	LabelInstance = "localgcp.instance"
)

// Driver is the slice of the container runtime the compute service
// needs.
type Driver interface {
	ContainerCreate(ctx context.Context, spec docker.ContainerSpec) (string, error)
	ContainerStart(ctx context.Context, id string) error
	ContainerStop(ctx context.Context, id string) error
	ContainerRemove(ctx context.Context, id string) error
	ContainerInspect(ctx context.Context, id string) (docker.Status, error)
	ListContainers(ctx context.Context, labels map[string]string) ([]docker.Info, error)
}

// Service is the instance control plane.
type Service struct {
	store  *store.Store
	vpc    *vpc.Manager
	driver Driver
	log    *zap.Logger
	now    func() time.Time
}

// New returns a compute Service.
func New(s *store.Store, m *vpc.Manager, d Driver, log *zap.Logger) *Service {
	return &Service{store: s, vpc: m, driver: d, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// ContainerName is the host container name of an instance.
func ContainerName(instanceName string) string {
	return "gcp-vm-" + instanceName
}

// Insert creates an instance: validate, resolve the network path,
// allocate an address under the subnet row lock, commit PROVISIONING,
// then materialize the container. A driver failure after commit rolls
// forward to TERMINATED with the error on the operation record; the
// allocated address stays consumed either way.
func (s *Service) Insert(ctx context.Context, project, zone string, body *computev1.Instance) (*computev1.Operation, error) {
	if err := instance.ValidateName(body.Name); err != nil {
		return nil, err
	}
	if !instance.ValidZone(zone) {
		return nil, apierror.Invalid("unknown zone %q", zone)
	}
	machineType, shape, err := instance.ResolveMachineType(body.MachineType)
	if err != nil {
		return nil, err
	}
	sourceImage := instance.SourceImageOf(body)
	if _, err := s.store.EnsureProject(ctx, project); err != nil {
		return nil, err
	}

	region := gcp.ZoneRegion(zone)
	n, sub, err := s.resolveAttachment(ctx, project, region, body)
	if err != nil {
		return nil, err
	}

	row := &store.Instance{
		ID:          uuid.NewString(),
		Name:        body.Name,
		ProjectID:   project,
		Zone:        zone,
		MachineType: machineType,
		Image:       instance.ResolveImage(sourceImage),
		CPU:         shape.CPU,
		MemoryMB:    shape.MemoryMB,
		Status:      store.StatusProvisioning,
		NetworkID:   n.ID,
		SubnetID:    sub.ID,
		Metadata:    instance.EncodeMetadata(body.Metadata),
		Labels:      instance.EncodeLabels(body.Labels),
		Tags:        instance.EncodeTags(body.Tags),
		CreatedAt:   s.now(),
		UpdatedAt:   s.now(),
	}
	err = s.store.Transaction(ctx, func(tx *gorm.DB) error {
		ip, err := s.vpc.AllocateIP(tx, sub.ID)
		if err != nil {
			return err
		}
		row.InternalIP = ip
		return store.AsAPIError(tx.Create(row).Error, fmt.Sprintf("instance %q", body.Name))
	})
	if err != nil {
		return nil, err
	}

	driverErr := s.materialize(ctx, row, n)
	status := store.StatusRunning
	errMsg := ""
	if driverErr != nil {
		status = store.StatusTerminated
		errMsg = driverErr.Error()
		s.log.Warn("instance materialization failed",
			zap.String("instance", row.Name), zap.Error(driverErr))
	}
	err = s.store.DB().WithContext(ctx).Model(row).
		Updates(map[string]interface{}{
			"status":       status,
			"container_id": row.ContainerID,
			"updated_at":   s.now(),
		}).Error
	if err != nil {
		return nil, store.AsAPIError(err, fmt.Sprintf("instance %q", body.Name))
	}
	return s.recordOperation(ctx, project, zone, "insert", instance.SelfLink(project, zone, row.Name), errMsg)
}

// materialize creates and starts the backing container, recording its id
// on the row as soon as it exists so the reconciler can track it.
func (s *Service) materialize(ctx context.Context, row *store.Instance, n *store.Network) error {
	id, err := s.driver.ContainerCreate(ctx, docker.ContainerSpec{
		Name:     ContainerName(row.Name),
		Image:    row.Image,
		CPU:      row.CPU,
		MemoryMB: row.MemoryMB,
		Network:  n.HostNetworkName,
		IP:       row.InternalIP,
		Labels: map[string]string{
			LabelProject:  row.ProjectID,
			LabelZone:     row.Zone,
			LabelInstance: row.Name,
		},
	})
	if err != nil {
		return err
	}
	row.ContainerID = id
	return s.driver.ContainerStart(ctx, id)
}

// resolveAttachment maps the insert body's network interface onto the
// stored network and subnet. The default network is created lazily on
// first use, in auto mode; auto-mode attachments resolve to the fan-out
// subnet of the instance's region.
func (s *Service) resolveAttachment(ctx context.Context, project, region string, body *computev1.Instance) (*store.Network, *store.Subnet, error) {
	netName := "default"
	subName := ""
	if len(body.NetworkInterfaces) > 0 {
		nic := body.NetworkInterfaces[0]
		if nic.Network != "" {
			netName = gcp.ResourceName(nic.Network)
		}
		if nic.Subnetwork != "" {
			subName = gcp.ResourceName(nic.Subnetwork)
		}
	}
	n, err := s.vpc.GetNetwork(ctx, project, netName)
	if apierror.IsNotFound(err) && netName == "default" {
		n, err = s.vpc.CreateNetwork(ctx, project, &computev1.Network{
			Name:                  "default",
			AutoCreateSubnetworks: true,
		})
	}
	if err != nil {
		return nil, nil, err
	}
	if subName == "" {
		if !n.AutoCreateSubnetworks {
			return nil, nil, apierror.Invalid("a subnetwork is required on custom-mode network %q", netName)
		}
		subName = n.Name + "-" + region
	}
	sub, subNet, err := s.vpc.GetSubnet(ctx, project, region, subName)
	if err != nil {
		return nil, nil, err
	}
	if subNet.ID != n.ID {
		return nil, nil, apierror.Invalid("subnetwork %q does not belong to network %q", subName, netName)
	}
	return n, sub, nil
}

// Get returns an instance by name.
func (s *Service) Get(ctx context.Context, project, zone, name string) (*computev1.Instance, error) {
	row, err := s.row(ctx, project, zone, name)
	if err != nil {
		return nil, err
	}
	return s.generate(ctx, project, row)
}

// List lists the instances of a zone ordered by name.
func (s *Service) List(ctx context.Context, project, zone string) ([]*computev1.Instance, error) {
	var rows []store.Instance
	err := s.store.DB().WithContext(ctx).
		Where("project_id = ? AND zone = ?", project, zone).Order("name").Find(&rows).Error
	if err != nil {
		return nil, store.AsAPIError(err, "instances")
	}
	out := make([]*computev1.Instance, 0, len(rows))
	for i := range rows {
		gen, err := s.generate(ctx, project, &rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, gen)
	}
	return out, nil
}

// Start boots a stopped instance. Only TERMINATED instances can start.
// The container already exists, so the row moves straight to RUNNING;
// PROVISIONING is only ever written by Insert while materializing.
func (s *Service) Start(ctx context.Context, project, zone, name string) (*computev1.Operation, error) {
	row, err := s.row(ctx, project, zone, name)
	if err != nil {
		return nil, err
	}
	if row.Status != store.StatusTerminated {
		return nil, apierror.FailedPreconditionf("instance %q is %s, not TERMINATED", name, row.Status)
	}
	errMsg := ""
	if err := s.driver.ContainerStart(ctx, row.ContainerID); err != nil {
		errMsg = err.Error()
	} else if err := s.setStatus(ctx, row, store.StatusRunning); err != nil {
		return nil, err
	}
	return s.recordOperation(ctx, project, zone, "start", instance.SelfLink(project, zone, name), errMsg)
}

// Stop halts a running instance: RUNNING commits to STOPPING first, the
// driver stop follows, and TERMINATED lands only after the driver
// acknowledges.
func (s *Service) Stop(ctx context.Context, project, zone, name string) (*computev1.Operation, error) {
	row, err := s.row(ctx, project, zone, name)
	if err != nil {
		return nil, err
	}
	if row.Status != store.StatusRunning {
		return nil, apierror.FailedPreconditionf("instance %q is %s, not RUNNING", name, row.Status)
	}
	if err := s.setStatus(ctx, row, store.StatusStopping); err != nil {
		return nil, err
	}
	errMsg := ""
	if err := s.driver.ContainerStop(ctx, row.ContainerID); err != nil {
		errMsg = err.Error()
	} else if err := s.setStatus(ctx, row, store.StatusTerminated); err != nil {
		return nil, err
	}
	return s.recordOperation(ctx, project, zone, "stop", instance.SelfLink(project, zone, name), errMsg)
}

// Delete removes an instance from any state: best-effort container
// teardown, then the row goes away. The allocated address is never
// returned to the subnet pool.
func (s *Service) Delete(ctx context.Context, project, zone, name string) (*computev1.Operation, error) {
	row, err := s.row(ctx, project, zone, name)
	if err != nil {
		return nil, err
	}
	errMsg := ""
	if row.ContainerID != "" {
		if err := s.driver.ContainerStop(ctx, row.ContainerID); err != nil {
			errMsg = err.Error()
		}
		if err := s.driver.ContainerRemove(ctx, row.ContainerID); err != nil {
			errMsg = err.Error()
		}
	}
	if err := s.store.DB().WithContext(ctx).Delete(row).Error; err != nil {
		return nil, store.AsAPIError(err, fmt.Sprintf("instance %q", name))
	}
	return s.recordOperation(ctx, project, zone, "delete", instance.SelfLink(project, zone, name), errMsg)
}

// GetOperation returns an operation record by name.
func (s *Service) GetOperation(ctx context.Context, project, zone, name string) (*computev1.Operation, error) {
	row := &store.Operation{}
	err := s.store.DB().WithContext(ctx).
		Where("project_id = ? AND zone = ? AND name = ?", project, zone, name).First(row).Error
	if err != nil {
		return nil, store.AsAPIError(err, fmt.Sprintf("operation %q", name))
	}
	return instance.GenerateOperation(project, *row), nil
}

// ListOperations lists the operation records of a zone, newest first.
func (s *Service) ListOperations(ctx context.Context, project, zone string) ([]*computev1.Operation, error) {
	var rows []store.Operation
	err := s.store.DB().WithContext(ctx).
		Where("project_id = ? AND zone = ?", project, zone).
		Order("insert_time DESC").Find(&rows).Error
	if err != nil {
		return nil, store.AsAPIError(err, "operations")
	}
	out := make([]*computev1.Operation, 0, len(rows))
	for _, row := range rows {
		out = append(out, instance.GenerateOperation(project, row))
	}
	return out, nil
}

// AggregatedList lists a project's instances grouped by zone scope.
func (s *Service) AggregatedList(ctx context.Context, project string) (map[string][]*computev1.Instance, error) {
	var rows []store.Instance
	err := s.store.DB().WithContext(ctx).
		Where("project_id = ?", project).Order("zone, name").Find(&rows).Error
	if err != nil {
		return nil, store.AsAPIError(err, "instances")
	}
	out := map[string][]*computev1.Instance{}
	for i := range rows {
		gen, err := s.generate(ctx, project, &rows[i])
		if err != nil {
			return nil, err
		}
		scope := "zones/" + rows[i].Zone
		out[scope] = append(out[scope], gen)
	}
	return out, nil
}

// MachineTypes lists the machine-type catalog of a zone.
func (s *Service) MachineTypes(project, zone string) []*computev1.MachineType {
	return instance.GenerateMachineTypes(project, zone)
}

// Zones lists the zone catalog.
func (s *Service) Zones(project string) []*computev1.Zone {
	return instance.GenerateZones(project)
}

// RecordOperation writes a synchronous DONE operation for a mutation
// performed outside the instance service (networks, subnetworks,
// firewalls, routes). Global resources use an empty zone.
func (s *Service) RecordOperation(ctx context.Context, project, zone, opType, targetLink string) (*computev1.Operation, error) {
	return s.recordOperation(ctx, project, zone, opType, targetLink, "")
}

// recordOperation writes a synchronous DONE operation row and returns
// its external representation.
func (s *Service) recordOperation(ctx context.Context, project, zone, opType, targetLink, errMsg string) (*computev1.Operation, error) {
	now := s.now()
	id := uuid.NewString()
	row := store.Operation{
		ID:            id,
		Name:          gcp.OperationName(opType, id[:8]),
		ProjectID:     project,
		Zone:          zone,
		OperationType: opType,
		TargetLink:    targetLink,
		Status:        store.OperationDone,
		Progress:      100,
		InsertTime:    now,
		StartTime:     now,
		EndTime:       now,
		ErrorMessage:  errMsg,
	}
	if err := s.store.DB().WithContext(ctx).Create(&row).Error; err != nil {
		return nil, store.AsAPIError(err, "operation")
	}
	return instance.GenerateOperation(project, row), nil
}

func (s *Service) setStatus(ctx context.Context, row *store.Instance, status string) error {
	row.Status = status
	row.UpdatedAt = s.now()
	err := s.store.DB().WithContext(ctx).Model(row).
		Updates(map[string]interface{}{"status": status, "updated_at": row.UpdatedAt}).Error
	return store.AsAPIError(err, fmt.Sprintf("instance %q", row.Name))
}

func (s *Service) row(ctx context.Context, project, zone, name string) (*store.Instance, error) {
	row := &store.Instance{}
	err := s.store.DB().WithContext(ctx).
		Where("project_id = ? AND zone = ? AND name = ?", project, zone, name).First(row).Error
	if err != nil {
		return nil, store.AsAPIError(err, fmt.Sprintf("instance %q", name))
	}
	return row, nil
}

// generate resolves the network and subnet names an instance row
// references and renders the external representation.
func (s *Service) generate(ctx context.Context, project string, row *store.Instance) (*computev1.Instance, error) {
	db := s.store.DB().WithContext(ctx)
	n := &store.Network{}
	if err := db.Where("id = ?", row.NetworkID).First(n).Error; err != nil {
		return nil, store.AsAPIError(err, "network")
	}
	sub := &store.Subnet{}
	if err := db.Where("id = ?", row.SubnetID).First(sub).Error; err != nil {
		return nil, store.AsAPIError(err, "subnetwork")
	}
	return instance.GenerateInstance(project, *row, n.Name, sub.Name, sub.Region), nil
}
