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

// Package gcp holds small helpers shared by the resource client packages:
// pointer conversions, timestamp formatting and selfLink construction
// matching the public API conventions.
package gcp

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"path"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
)

// ComputeURIPrefix is the prefix of fully qualified compute API URLs.
const ComputeURIPrefix = "https://www.googleapis.com/compute/v1/"

// StorageURIPrefix is the prefix of fully qualified storage API URLs.
const StorageURIPrefix = "https://www.googleapis.com/storage/v1/"

// StringValue converts the supplied string pointer to a string, returning
// the empty string if the pointer is nil.
func StringValue(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// Int64Value converts the supplied int64 pointer to an int64, returning
// zero if the pointer is nil.
func Int64Value(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

// BoolValue converts the supplied bool pointer to a bool, returning false
// if the pointer is nil.
func BoolValue(v *bool) bool {
	if v == nil {
		return false
	}
	return *v
}

// StringPtr converts the supplied string to a pointer to that string.
func StringPtr(p string) *string { return &p }

// Int64Ptr converts the supplied int64 to a pointer to that int64.
func Int64Ptr(p int64) *int64 { return &p }

// BoolPtr converts the supplied bool to a pointer to that bool.
func BoolPtr(p bool) *bool { return &p }

// FormatTime renders t the way the public APIs do: RFC 3339 UTC with
// millisecond precision and a trailing Z.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// ComputeSelfLink builds a fully qualified compute API URL from the given
// path elements, e.g. ComputeSelfLink("projects", p, "global", "networks", n).
func ComputeSelfLink(elem ...string) string {
	return ComputeURIPrefix + path.Join(elem...)
}

// StorageSelfLink builds a fully qualified storage API URL.
func StorageSelfLink(elem ...string) string {
	return StorageURIPrefix + path.Join(elem...)
}

// ZoneRegion derives the region of a zone, e.g. "us-central1-a" gives
// "us-central1".
func ZoneRegion(zone string) string {
	i := strings.LastIndex(zone, "-")
	if i < 0 {
		return zone
	}
	return zone[:i]
}

// ResourceName extracts the final path element of a possibly qualified
// resource URL; "global/networks/default" and a fully qualified equivalent
// both give "default".
func ResourceName(url string) string {
	if url == "" {
		return ""
	}
	return path.Base(url)
}

// NumericID derives a stable numeric id from an internal string id, for
// the uint64 Id fields of the compute API.
func NumericID(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	// Keep ids positive when round-tripped through signed JSON numbers.
	return h.Sum64() >> 1
}

// OperationName builds the name of an operation record.
func OperationName(opType, target string) string {
	return fmt.Sprintf("operation-%s-%s", opType, target)
}

// IsErrorNotFound gets a value indicating whether the given error
// represents a "not found" response from the emulated API.
func IsErrorNotFound(err error) bool {
	if err == nil {
		return false
	}
	googleapiErr, ok := err.(*googleapi.Error)
	return ok && googleapiErr.Code == http.StatusNotFound
}

// IsErrorAlreadyExists gets a value indicating whether the given error
// represents a "conflict" response from the emulated API.
func IsErrorAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	googleapiErr, ok := err.(*googleapi.Error)
	return ok && googleapiErr.Code == http.StatusConflict
}

// IsErrorBadRequest gets a value indicating whether the given error
// represents a "bad request" response from the emulated API.
func IsErrorBadRequest(err error) bool {
	if err == nil {
		return false
	}
	googleapiErr, ok := err.(*googleapi.Error)
	return ok && googleapiErr.Code == http.StatusBadRequest
}
