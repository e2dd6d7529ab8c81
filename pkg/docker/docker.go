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

// Package docker adapts the host container runtime for the compute
// service: VPCs become bridge networks, instances become containers with
// static addresses. Calls on the same container are serialized by a
// per-id mutex so lifecycle operations cannot race each other.
package docker

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/localgcp/localgcp/pkg/apierror"
)

const (
	errNewClient       = "cannot create container runtime client"
	errNetworkCreate   = "cannot create host network"
	errNetworkRemove   = "cannot remove host network"
	errImagePull       = "cannot pull container image"
	errContainerCreate = "cannot create container"
	errContainerStart  = "cannot start container"
	errContainerStop   = "cannot stop container"
	errContainerRemove = "cannot remove container"
	errContainerList   = "cannot list containers"
)

// LabelEmulator marks every network and container owned by the emulator.
const LabelEmulator = "localgcp.emulator"

// callTimeout bounds every runtime call so a wedged daemon surfaces as
// DeadlineExceeded instead of hanging a request handler.
const callTimeout = 30 * time.Second

// API is the subset of the Docker client the driver uses.
type API interface {
	NetworkCreate(ctx context.Context, name string, options types.NetworkCreate) (types.NetworkCreateResponse, error)
	NetworkInspect(ctx context.Context, networkID string, options types.NetworkInspectOptions) (types.NetworkResource, error)
	NetworkRemove(ctx context.Context, networkID string) error
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options types.ImagePullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerList(ctx context.Context, options types.ContainerListOptions) ([]types.Container, error)
}

// Driver is a concurrency-safe adapter over the host container runtime.
type Driver struct {
	api API
	log *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New connects to the runtime at endpoint, or the environment default when
// endpoint is empty.
func New(endpoint string, log *zap.Logger) (*Driver, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if endpoint != "" {
		opts = append(opts, client.WithHost(endpoint))
	}
	c, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.Wrap(err, errNewClient)
	}
	return NewWithAPI(c, log), nil
}

// NewWithAPI wraps an existing runtime client; used by tests.
func NewWithAPI(api API, log *zap.Logger) *Driver {
	return &Driver{api: api, log: log, locks: map[string]*sync.Mutex{}}
}

func (d *Driver) lock(id string) func() {
	d.mu.Lock()
	m, ok := d.locks[id]
	if !ok {
		m = &sync.Mutex{}
		d.locks[id] = m
	}
	d.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// ContainerSpec describes the container backing one instance.
type ContainerSpec struct {
	Name     string
	Image    string
	CPU      int64
	MemoryMB int64
	Network  string
	IP       string
	Labels   map[string]string
}

// Status is the observed runtime state of a container.
type Status struct {
	State     string
	StartedAt time.Time
	ExitCode  int
}

// Info is one entry of a container listing.
type Info struct {
	ID     string
	Name   string
	State  string
	Labels map[string]string
}

// NetworkCreate creates a bridge network with the given CIDR and gateway.
// Creating a name that already exists returns the existing network's id,
// so VPC creation retries are idempotent on the host side.
func (d *Driver) NetworkCreate(ctx context.Context, name, cidr, gateway string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	if existing, err := d.api.NetworkInspect(ctx, name, types.NetworkInspectOptions{}); err == nil {
		return existing.ID, nil
	}
	resp, err := d.api.NetworkCreate(ctx, name, types.NetworkCreate{
		Driver: "bridge",
		Labels: map[string]string{LabelEmulator: "true"},
		IPAM: &network.IPAM{
			Driver: "default",
			Config: []network.IPAMConfig{{Subnet: cidr, Gateway: gateway}},
		},
	})
	if err != nil {
		return "", classify(err, errNetworkCreate)
	}
	return resp.ID, nil
}

// NetworkRemove removes the named network. Removing a network that still
// has endpoints fails with Conflict.
func (d *Driver) NetworkRemove(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if err := d.api.NetworkRemove(ctx, name); err != nil && !errdefs.IsNotFound(err) {
		return classify(err, errNetworkRemove)
	}
	return nil
}

// ContainerCreate pulls the image if missing and creates the container
// attached to the given network with a static address and resource limits.
func (d *Driver) ContainerCreate(ctx context.Context, spec ContainerSpec) (string, error) {
	defer d.lock(spec.Name)()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute) // image pulls are slow
	defer cancel()

	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	labels := map[string]string{LabelEmulator: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	resp, err := d.api.ContainerCreate(ctx,
		&container.Config{
			Image:  spec.Image,
			Cmd:    []string{"sleep", "infinity"},
			Labels: labels,
		},
		&container.HostConfig{
			Resources: container.Resources{
				NanoCPUs: spec.CPU * 1e9,
				Memory:   spec.MemoryMB * 1024 * 1024,
			},
		},
		&network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {
					IPAMConfig: &network.EndpointIPAMConfig{IPv4Address: spec.IP},
				},
			},
		},
		nil, spec.Name)
	if err != nil {
		return "", classify(err, errContainerCreate)
	}
	return resp.ID, nil
}

func (d *Driver) ensureImage(ctx context.Context, image string) error {
	if _, _, err := d.api.ImageInspectWithRaw(ctx, image); err == nil {
		return nil
	}
	d.log.Info("pulling image", zap.String("image", image))
	rc, err := d.api.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return classify(err, errImagePull)
	}
	defer rc.Close() //nolint:errcheck
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return classify(err, errImagePull)
	}
	return nil
}

// ContainerStart starts the container.
func (d *Driver) ContainerStart(ctx context.Context, id string) error {
	defer d.lock(id)()
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if err := d.api.ContainerStart(ctx, id, types.ContainerStartOptions{}); err != nil {
		return classify(err, errContainerStart)
	}
	return nil
}

// ContainerStop stops the container.
func (d *Driver) ContainerStop(ctx context.Context, id string) error {
	defer d.lock(id)()
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if err := d.api.ContainerStop(ctx, id, container.StopOptions{}); err != nil && !errdefs.IsNotFound(err) {
		return classify(err, errContainerStop)
	}
	return nil
}

// ContainerRemove force-removes the container. Removing a missing
// container succeeds.
func (d *Driver) ContainerRemove(ctx context.Context, id string) error {
	defer d.lock(id)()
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if err := d.api.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return classify(err, errContainerRemove)
	}
	return nil
}

// ContainerInspect reports the observed state of the container.
func (d *Driver) ContainerInspect(ctx context.Context, id string) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	j, err := d.api.ContainerInspect(ctx, id)
	if err != nil {
		return Status{}, classify(err, errContainerList)
	}
	st := Status{}
	if j.State != nil {
		st.State = j.State.Status
		st.ExitCode = j.State.ExitCode
		if t, err := time.Parse(time.RFC3339Nano, j.State.StartedAt); err == nil {
			st.StartedAt = t
		}
	}
	return st, nil
}

// ListContainers lists containers carrying all the given labels,
// including stopped ones.
func (d *Driver) ListContainers(ctx context.Context, labels map[string]string) ([]Info, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	list, err := d.api.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: args})
	if err != nil {
		return nil, classify(err, errContainerList)
	}
	out := make([]Info, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, Info{ID: c.ID, Name: name, State: c.State, Labels: c.Labels})
	}
	return out, nil
}

// classify maps runtime errors onto the emulator's error kinds.
func classify(err error, msg string) error {
	wrapped := errors.Wrap(err, msg)
	switch {
	case errdefs.IsNotFound(err):
		return apierror.New(apierror.NotFound, apierror.ReasonNotFound, "%v", wrapped)
	case errdefs.IsConflict(err):
		return apierror.New(apierror.AlreadyExists, apierror.ReasonConflict, "%v", wrapped)
	case errdefs.IsInvalidParameter(err):
		return apierror.New(apierror.InvalidArgument, apierror.ReasonInvalid, "%v", wrapped)
	case errors.Is(err, context.DeadlineExceeded):
		return apierror.New(apierror.DeadlineExceeded, apierror.ReasonDeadline, "%v", wrapped)
	case errors.Is(err, context.Canceled):
		return apierror.New(apierror.Cancelled, apierror.ReasonCancelled, "%v", wrapped)
	case client.IsErrConnectionFailed(err):
		return apierror.New(apierror.Unavailable, apierror.ReasonBackend, "%v", wrapped)
	default:
		return apierror.New(apierror.Unavailable, apierror.ReasonBackend, "%v", wrapped)
	}
}
