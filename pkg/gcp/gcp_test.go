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

package gcp

import (
	"net/http"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
)

func TestPointerHelpers(t *testing.T) {
	assert.Equal(t, "", StringValue(nil))
	assert.Equal(t, "x", StringValue(StringPtr("x")))
	assert.Equal(t, int64(0), Int64Value(nil))
	assert.Equal(t, int64(7), Int64Value(Int64Ptr(7)))
	assert.False(t, BoolValue(nil))
	assert.True(t, BoolValue(BoolPtr(true)))
}

func TestFormatTime(t *testing.T) {
	in := time.Date(2023, 5, 1, 12, 0, 0, 123456789, time.UTC)
	assert.Equal(t, "2023-05-01T12:00:00.123Z", FormatTime(in))

	est := time.FixedZone("EST", -5*3600)
	assert.Equal(t, "2023-05-01T17:00:00.000Z", FormatTime(time.Date(2023, 5, 1, 12, 0, 0, 0, est)))
}

func TestSelfLinks(t *testing.T) {
	assert.Equal(t,
		"https://www.googleapis.com/compute/v1/projects/p/global/networks/default",
		ComputeSelfLink("projects", "p", "global", "networks", "default"))
	assert.Equal(t,
		"https://www.googleapis.com/storage/v1/b/my-bucket/o/a.txt",
		StorageSelfLink("b", "my-bucket", "o", "a.txt"))
}

func TestZoneRegion(t *testing.T) {
	assert.Equal(t, "us-central1", ZoneRegion("us-central1-a"))
	assert.Equal(t, "europe-west1", ZoneRegion("europe-west1-d"))
	assert.Equal(t, "weird", ZoneRegion("weird"))
}

func TestResourceName(t *testing.T) {
	assert.Equal(t, "default", ResourceName("global/networks/default"))
	assert.Equal(t, "default",
		ResourceName("https://www.googleapis.com/compute/v1/projects/p/global/networks/default"))
	assert.Equal(t, "default", ResourceName("default"))
	assert.Equal(t, "", ResourceName(""))
}

func TestNumericID(t *testing.T) {
	a := NumericID("id-1")
	assert.Equal(t, a, NumericID("id-1"))
	assert.NotEqual(t, a, NumericID("id-2"))
	// Fits a signed 64-bit JSON number.
	assert.LessOrEqual(t, a, uint64(1)<<63-1)
}

func TestErrorPredicates(t *testing.T) {
	notFound := &googleapi.Error{Code: http.StatusNotFound}
	conflict := &googleapi.Error{Code: http.StatusConflict}
	badReq := &googleapi.Error{Code: http.StatusBadRequest}

	assert.True(t, IsErrorNotFound(notFound))
	assert.False(t, IsErrorNotFound(conflict))
	assert.False(t, IsErrorNotFound(nil))
	assert.False(t, IsErrorNotFound(errors.New("boom")))

	assert.True(t, IsErrorAlreadyExists(conflict))
	assert.False(t, IsErrorAlreadyExists(badReq))

	assert.True(t, IsErrorBadRequest(badReq))
	assert.False(t, IsErrorBadRequest(notFound))
}
