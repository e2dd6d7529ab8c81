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

// Package object converts between object/version rows and storage API
// Object representations, and validates object names.
package object

import (
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"unicode/utf8"

	storage "google.golang.org/api/storage/v1"

	"github.com/localgcp/localgcp/pkg/apierror"
	"github.com/localgcp/localgcp/pkg/gcp"
	"github.com/localgcp/localgcp/pkg/store"
)

// MaxNameBytes is the longest accepted object name in UTF-8 bytes.
const MaxNameBytes = 1024

// ValidateName checks an object name against the storage naming rules:
// 1 to 1024 UTF-8 bytes, no NUL or control characters (TAB excepted), no
// CR or LF, no leading or trailing whitespace, no double slashes.
func ValidateName(name string) error {
	if name == "" {
		return apierror.Invalid("object name must not be empty")
	}
	if len(name) > MaxNameBytes {
		return apierror.Invalid("object name exceeds %d bytes", MaxNameBytes)
	}
	if !utf8.ValidString(name) {
		return apierror.Invalid("object name is not valid UTF-8")
	}
	for _, r := range name {
		if r == '\r' || r == '\n' || (r < 0x20 && r != '\t') {
			return apierror.Invalid("object name contains a control character")
		}
	}
	if strings.TrimSpace(name) != name {
		return apierror.Invalid("object name has leading or trailing whitespace")
	}
	if strings.Contains(name, "//") {
		return apierror.Invalid("object name contains consecutive slashes")
	}
	return nil
}

// GenerateObject creates a *storage.Object from the head row and one of
// its versions.
func GenerateObject(bucketName string, o store.Object, v store.ObjectVersion) *storage.Object {
	out := &storage.Object{
		Kind:           "storage#object",
		Id:             bucketName + "/" + o.Name + "/" + strconv.FormatInt(v.Generation, 10),
		Name:           o.Name,
		Bucket:         bucketName,
		Generation:     v.Generation,
		Metageneration: 1,
		ContentType:    v.ContentType,
		Size:           uint64(v.Size),
		Md5Hash:        MD5Base64(v.MD5),
		Crc32c:         v.CRC32C,
		Etag:           v.MD5,
		StorageClass:   storageClass(v),
		TimeCreated:    gcp.FormatTime(v.CreatedAt),
		Updated:        gcp.FormatTime(v.CreatedAt),
		SelfLink:       gcp.StorageSelfLink("b", bucketName, "o", o.Name),
		MediaLink:      gcp.StorageSelfLink("b", bucketName, "o", o.Name) + "?alt=media",
	}
	if v.DeletedAt != nil {
		out.TimeDeleted = gcp.FormatTime(*v.DeletedAt)
	}
	return out
}

func storageClass(v store.ObjectVersion) string {
	if v.StorageClass == "" {
		return "STANDARD"
	}
	return v.StorageClass
}

// MD5Base64 converts the hex digest stored on version rows into the
// base64 form the JSON API reports.
func MD5Base64(hexDigest string) string {
	raw, err := hex.DecodeString(hexDigest)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}
