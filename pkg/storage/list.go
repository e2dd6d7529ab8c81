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

package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	storage "google.golang.org/api/storage/v1"
	"gorm.io/gorm"

	"github.com/localgcp/localgcp/pkg/apierror"
	"github.com/localgcp/localgcp/pkg/clients/object"
	"github.com/localgcp/localgcp/pkg/store"
)

// maxListResults caps one listing page.
const maxListResults = 1000

// ListRequest are the parameters of an object listing.
type ListRequest struct {
	Bucket     string
	Prefix     string
	Delimiter  string
	PageToken  string
	MaxResults int64
	Versions   bool
}

// listEntry is one element of the merged listing stream: an object
// version or a collapsed prefix. Prefix entries carry generation zero,
// which no version row can.
type listEntry struct {
	name       string
	generation int64
	prefix     string
	item       *storage.Object
}

func (e listEntry) sortName() string {
	if e.prefix != "" {
		return e.prefix
	}
	return e.name
}

// ListObjects lists objects ordered by name, optionally collapsing names
// behind a delimiter into prefixes and including noncurrent versions.
// Prefix entries count toward maxResults like items do.
func (s *Service) ListObjects(ctx context.Context, req ListRequest) (*storage.Objects, error) {
	if req.MaxResults <= 0 || req.MaxResults > maxListResults {
		req.MaxResults = maxListResults
	}
	db := s.store.DB().WithContext(ctx)
	b := &store.Bucket{}
	if err := db.Where("name = ?", req.Bucket).First(b).Error; err != nil {
		return nil, store.AsAPIError(err, "bucket "+req.Bucket)
	}

	var objs []store.Object
	if err := db.Where("bucket_id = ?", b.ID).Order("name").Find(&objs).Error; err != nil {
		return nil, store.AsAPIError(err, "objects")
	}
	entries, err := s.listEntries(db, req, objs)
	if err != nil {
		return nil, err
	}

	start := 0
	if req.PageToken != "" {
		after, err := decodePageToken(req.PageToken)
		if err != nil {
			return nil, err
		}
		for start < len(entries) && !entryAfter(entries[start], after) {
			start++
		}
	}

	out := &storage.Objects{Kind: "storage#objects"}
	n := int64(0)
	i := start
	for ; i < len(entries) && n < req.MaxResults; i++ {
		if entries[i].prefix != "" {
			out.Prefixes = append(out.Prefixes, entries[i].prefix)
		} else {
			out.Items = append(out.Items, entries[i].item)
		}
		n++
	}
	if i < len(entries) {
		out.NextPageToken = encodePageToken(entries[i-1])
	}
	return out, nil
}

// listEntries builds the ordered merged stream of items and prefixes.
// The object rows arrive sorted by name, so duplicate prefixes are
// always adjacent.
func (s *Service) listEntries(db *gorm.DB, req ListRequest, objs []store.Object) ([]listEntry, error) {
	var entries []listEntry
	lastPrefix := ""
	for i := range objs {
		o := &objs[i]
		if req.Prefix != "" && !strings.HasPrefix(o.Name, req.Prefix) {
			continue
		}
		if req.Delimiter != "" {
			if p := collapseName(o.Name, req.Prefix, req.Delimiter); p != "" {
				if p != lastPrefix {
					entries = append(entries, listEntry{prefix: p})
					lastPrefix = p
				}
				continue
			}
		}
		if !req.Versions {
			if o.CurrentGeneration == 0 {
				continue
			}
			ver := &store.ObjectVersion{}
			err := db.Where("object_id = ? AND generation = ?", o.ID, o.CurrentGeneration).First(ver).Error
			if err != nil {
				return nil, store.AsAPIError(err, "object version")
			}
			entries = append(entries, listEntry{
				name:       o.Name,
				generation: ver.Generation,
				item:       object.GenerateObject(req.Bucket, *o, *ver),
			})
			continue
		}
		var versions []store.ObjectVersion
		err := db.Where("object_id = ?", o.ID).Order("generation DESC").Find(&versions).Error
		if err != nil {
			return nil, store.AsAPIError(err, "object versions")
		}
		for _, v := range versions {
			entries = append(entries, listEntry{
				name:       o.Name,
				generation: v.Generation,
				item:       object.GenerateObject(req.Bucket, *o, v),
			})
		}
	}
	return entries, nil
}

func decodePageToken(token string) (listEntry, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return listEntry{}, apierror.Invalid("malformed page token")
	}
	var t struct {
		Name       string `json:"name"`
		Generation int64  `json:"generation"`
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return listEntry{}, apierror.Invalid("malformed page token")
	}
	return listEntry{name: t.Name, generation: t.Generation}, nil
}

func encodePageToken(last listEntry) string {
	raw, _ := json.Marshal(struct { //nolint:errcheck
		Name       string `json:"name"`
		Generation int64  `json:"generation"`
	}{Name: last.sortName(), Generation: last.generation})
	return base64.URLEncoding.EncodeToString(raw)
}

// entryAfter reports whether e sorts strictly after the (name,
// generation) position of a page token. Names ascend; generations of
// one name descend, newest first.
func entryAfter(e listEntry, after listEntry) bool {
	if e.sortName() != after.name {
		return e.sortName() > after.name
	}
	return e.generation < after.generation
}

// collapseName maps an object name to its prefix entry under a
// delimiter, or returns "" when the name is listed as an item.
func collapseName(name, prefix, delimiter string) string {
	rest := strings.TrimPrefix(name, prefix)
	idx := strings.Index(rest, delimiter)
	if idx < 0 {
		return ""
	}
	return prefix + rest[:idx+len(delimiter)]
}
