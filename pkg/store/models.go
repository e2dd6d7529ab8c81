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

package store

import "time"

// Project is the parent of every other resource. Projects are created
// lazily the first time a request names them.
type Project struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	Number    int64
	CreatedAt time.Time
}

// Bucket is an object storage bucket. Bucket names are unique across the
// whole store, not per project.
type Bucket struct {
	ID                string `gorm:"primaryKey"`
	Name              string `gorm:"uniqueIndex"`
	ProjectID         string `gorm:"index"`
	Location          string
	StorageClass      string
	VersioningEnabled bool
	Metageneration    int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Object is the head row of an object name within a bucket.
// CurrentGeneration points at the live version, or is zero when the
// current version has been soft-deleted under versioning.
type Object struct {
	ID                string `gorm:"primaryKey"`
	BucketID          string `gorm:"index;uniqueIndex:idx_objects_bucket_name,priority:1"`
	Name              string `gorm:"uniqueIndex:idx_objects_bucket_name,priority:2"`
	CurrentGeneration int64
	ContentType       string
	Size              int64
	MD5               string
	CRC32C            string
	StoragePath       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ObjectVersion is one historical content of an object name. The unique
// index on (object_id, generation) is what serializes concurrent writers:
// the losing insert conflicts and is retried with a fresh generation.
type ObjectVersion struct {
	ID           string `gorm:"primaryKey"`
	ObjectID     string `gorm:"index;uniqueIndex:idx_versions_object_gen,priority:1"`
	Generation   int64  `gorm:"uniqueIndex:idx_versions_object_gen,priority:2"`
	StoragePath  string
	Size         int64
	MD5          string
	CRC32C       string
	ContentType  string
	StorageClass string
	CreatedAt    time.Time
	DeletedAt    *time.Time
}

// ResumableSession tracks an in-flight chunked upload. Rows are removed on
// finalize or abort; stale rows are swept after SessionTTL.
type ResumableSession struct {
	ID                    string `gorm:"primaryKey"`
	BucketID              string `gorm:"index"`
	ObjectName            string
	ContentType           string
	TempPath              string
	TotalSize             *int64
	BytesReceived         int64
	IfGenerationMatch     *int64
	IfMetagenerationMatch *int64
	CreatedAt             time.Time
}

// LifecycleRule is one rule of a bucket's lifecycle configuration.
// MatchesPrefix holds a JSON-encoded string array.
type LifecycleRule struct {
	ID               string `gorm:"primaryKey"`
	BucketID         string `gorm:"index"`
	Action           string
	StorageClass     string
	AgeDays          *int64
	CreatedBefore    *time.Time
	NumNewerVersions *int64
	MatchesPrefix    string
}

// SignedURLToken grants time-limited, method-scoped access to one object.
type SignedURLToken struct {
	Token     string `gorm:"primaryKey"`
	Bucket    string
	Object    string
	Method    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// ServiceAccount is an IAM service account.
type ServiceAccount struct {
	ID             string `gorm:"primaryKey"`
	Email          string `gorm:"uniqueIndex"`
	ProjectID      string `gorm:"index"`
	DisplayName    string
	Description    string
	UniqueID       string
	OAuth2ClientID string
	Disabled       bool
	CreatedAt      time.Time
}

// ServiceAccountKey is a mock downloadable key of a service account.
// PrivateKeyData is an opaque base64 blob; nothing in it can sign.
type ServiceAccountKey struct {
	ID                  string `gorm:"primaryKey"`
	ServiceAccountEmail string `gorm:"index"`
	Algorithm           string
	PrivateKeyData      string
	ValidAfter          time.Time
	ValidBefore         time.Time
	CreatedAt           time.Time
}

// IAMPolicy stores the policy bound to a resource. Bindings holds the
// JSON-encoded binding list; Etag is a content hash checked on set.
type IAMPolicy struct {
	ResourceName string `gorm:"primaryKey"`
	Version      int64
	Etag         string
	Bindings     string
	UpdatedAt    time.Time
}

// Role is a predefined or custom IAM role. IncludedPermissions holds a
// JSON-encoded string array. Custom roles support soft delete + undelete.
type Role struct {
	Name                string `gorm:"primaryKey"`
	Title               string
	Description         string
	IncludedPermissions string
	Stage               string
	IsCustom            bool
	ProjectID           string `gorm:"index"`
	Deleted             bool
	CreatedAt           time.Time
}

// Network is a VPC. Each VPC is materialized as one host container
// network whose CIDR is derived from (project, name).
type Network struct {
	ID                    string `gorm:"primaryKey"`
	Name                  string `gorm:"uniqueIndex:idx_networks_project_name,priority:2"`
	ProjectID             string `gorm:"index;uniqueIndex:idx_networks_project_name,priority:1"`
	AutoCreateSubnetworks bool
	CIDRRange             string
	HostNetworkID         string
	HostNetworkName       string
	RoutingMode           string
	CreatedAt             time.Time
}

// Subnet is a regional range of a VPC. NextAvailableIP is the offset of
// the next address to hand out; allocation locks the row.
type Subnet struct {
	ID              string `gorm:"primaryKey"`
	Name            string `gorm:"uniqueIndex:idx_subnets_network_name,priority:2"`
	NetworkID       string `gorm:"index;uniqueIndex:idx_subnets_network_name,priority:1"`
	Region          string `gorm:"index"`
	IPCIDRRange     string
	GatewayIP       string
	NextAvailableIP int64
	CreatedAt       time.Time
}

// FirewallRule is a firewall rule of a VPC. Names are unique within a
// network. The slice-valued fields hold JSON-encoded arrays.
type FirewallRule struct {
	ID                string `gorm:"primaryKey"`
	Name              string `gorm:"uniqueIndex:idx_firewalls_network_name,priority:2"`
	NetworkID         string `gorm:"index;uniqueIndex:idx_firewalls_network_name,priority:1"`
	Direction         string
	Priority          int64
	SourceRanges      string
	DestinationRanges string
	SourceTags        string
	TargetTags        string
	Allowed           string
	Denied            string
	Disabled          bool
	CreatedAt         time.Time
}

// Route is a route of a VPC. The default internet route and per-subnet
// local routes are created by the VPC manager.
type Route struct {
	ID              string `gorm:"primaryKey"`
	Name            string `gorm:"uniqueIndex:idx_routes_network_name,priority:2"`
	NetworkID       string `gorm:"index;uniqueIndex:idx_routes_network_name,priority:1"`
	DestRange       string
	Priority        int64
	NextHopGateway  string
	NextHopIP       string
	NextHopInstance string
	NextHopNetwork  string
	Description     string
	CreatedAt       time.Time
}

// Instance states.
const (
	StatusProvisioning = "PROVISIONING"
	StatusRunning      = "RUNNING"
	StatusStopping     = "STOPPING"
	StatusTerminated   = "TERMINATED"
	StatusDeleted      = "DELETED"
)

// Instance is a VM instance backed by a container on the host runtime.
// Metadata, Labels and Tags hold JSON-encoded values stored verbatim.
type Instance struct {
	ID          string `gorm:"primaryKey"`
	Name        string `gorm:"uniqueIndex:idx_instances_project_zone_name,priority:3"`
	ProjectID   string `gorm:"index;uniqueIndex:idx_instances_project_zone_name,priority:1"`
	Zone        string `gorm:"uniqueIndex:idx_instances_project_zone_name,priority:2"`
	MachineType string
	Image       string
	CPU         int64
	MemoryMB    int64
	Status      string
	ContainerID string
	NetworkID   string
	SubnetID    string
	InternalIP  string
	Metadata    string
	Labels      string
	Tags        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Operation states.
const (
	OperationPending = "PENDING"
	OperationRunning = "RUNNING"
	OperationDone    = "DONE"
)

// Operation is a long-running-operation record. The emulator completes
// operations synchronously; the rows exist for API shape compatibility.
type Operation struct {
	ID            string `gorm:"primaryKey"`
	Name          string `gorm:"uniqueIndex"`
	ProjectID     string `gorm:"index"`
	Zone          string
	OperationType string
	TargetLink    string
	Status        string
	Progress      int64
	InsertTime    time.Time
	StartTime     time.Time
	EndTime       time.Time
	ErrorMessage  string
}
