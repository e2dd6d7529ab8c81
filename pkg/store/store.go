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

// Package store implements the relational metadata store. Every service
// operation runs inside a transaction obtained here; cross-row invariants
// (name uniqueness, subnet overlap, IP allocation, policy etag CAS) rely
// on the unique indexes declared on the models and on serializable
// transactions.
package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/localgcp/localgcp/pkg/apierror"
)

const (
	errOpen    = "cannot open metadata store"
	errMigrate = "cannot migrate metadata store schema"
)

// Store wraps the database handle.
type Store struct {
	db *gorm.DB
}

// Open connects to the metadata store named by databaseURL. URLs with a
// postgres scheme use the Postgres driver; anything else is treated as a
// SQLite path, with the special value ":memory:" giving an in-memory
// store.
func Open(databaseURL string) (*Store, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		dialector = postgres.Open(databaseURL)
	default:
		dialector = sqlite.Open(strings.TrimPrefix(databaseURL, "sqlite://"))
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, errors.Wrap(err, errOpen)
	}
	return &Store{db: db}, nil
}

// Migrate creates or updates the schema for every entity.
func (s *Store) Migrate() error {
	return errors.Wrap(s.db.AutoMigrate(
		&Project{},
		&Bucket{},
		&Object{},
		&ObjectVersion{},
		&ResumableSession{},
		&LifecycleRule{},
		&SignedURLToken{},
		&ServiceAccount{},
		&ServiceAccountKey{},
		&IAMPolicy{},
		&Role{},
		&Network{},
		&Subnet{},
		&FirewallRule{},
		&Route{},
		&Instance{},
		&Operation{},
	), errMigrate)
}

// DB returns the raw handle for reads that need no transaction.
func (s *Store) DB() *gorm.DB { return s.db }

// Transaction runs fn inside a serializable transaction bound to ctx.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

// EnsureProject inserts the project row if it does not exist yet.
// Projects come into being the first time anything references them.
func (s *Store) EnsureProject(ctx context.Context, id string) (*Project, error) {
	p := &Project{}
	err := s.db.WithContext(ctx).Where("id = ?", id).First(p).Error
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(err, "cannot look up project")
	}
	p = &Project{ID: id, Name: id, Number: projectNumber(id), CreatedAt: time.Now().UTC()}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil && !IsUniqueViolation(err) {
		return nil, errors.Wrap(err, "cannot create project")
	}
	return p, nil
}

// projectNumber derives a stable fake project number from the id.
func projectNumber(id string) int64 {
	var n int64 = 100000000000
	for _, c := range id {
		n += int64(c)
	}
	return n
}

// IsNotFound reports whether err is the store's record-not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// IsUniqueViolation reports whether err is a unique-constraint violation.
// GORM translates driver errors when TranslateError is on; the string
// checks cover drivers that slip through untranslated.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// IsSerializationFailure reports whether err is a serialization conflict
// that is safe to retry.
func IsSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "could not serialize access") ||
		strings.Contains(msg, "database is locked")
}

// AsAPIError converts store-level lookup errors into API error kinds,
// attaching the given resource description.
func AsAPIError(err error, resource string) error {
	switch {
	case err == nil:
		return nil
	case IsNotFound(err):
		return apierror.NotFoundf("%s not found", resource)
	case IsUniqueViolation(err):
		return apierror.AlreadyExistsf("%s already exists", resource)
	case IsSerializationFailure(err):
		return apierror.Abortedf("concurrent modification of %s", resource)
	default:
		return apierror.Internalf("%s: %v", resource, err)
	}
}
