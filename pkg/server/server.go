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

// Package server is the HTTP adapter: it mounts the storage, compute and
// identity services on the URL shapes of the public APIs and renders
// errors in the googleapi envelope. All domain logic lives below it.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/localgcp/localgcp/pkg/apierror"
	"github.com/localgcp/localgcp/pkg/compute"
	"github.com/localgcp/localgcp/pkg/iam"
	"github.com/localgcp/localgcp/pkg/storage"
	"github.com/localgcp/localgcp/pkg/vpc"
)

// Server mounts the emulator services on one HTTP handler.
type Server struct {
	storage *storage.Service
	iam     *iam.Service
	compute *compute.Service
	vpc     *vpc.Manager
	log     *zap.Logger
}

// New returns a Server over the given services.
func New(st *storage.Service, id *iam.Service, cp *compute.Service, m *vpc.Manager, log *zap.Logger) *Server {
	return &Server{storage: st, iam: id, compute: cp, vpc: m, log: log}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.storageRoutes(r)
	s.computeRoutes(r)
	s.iamRoutes(r)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		s.writeError(w, apierror.NotFoundf("%s %s is not a known endpoint", req.Method, req.URL.Path))
	})
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(code)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("cannot encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	gerr := apierror.GoogleAPI(err)
	s.writeJSON(w, gerr.Code, map[string]interface{}{"error": gerr})
}

// queryInt64Ptr parses an optional numeric query parameter, nil when
// absent.
func queryInt64Ptr(r *http.Request, name string) (*int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, apierror.Invalid("invalid %s %q", name, raw)
	}
	return &v, nil
}

func queryInt64(r *http.Request, name string) (int64, error) {
	p, err := queryInt64Ptr(r, name)
	if err != nil || p == nil {
		return 0, err
	}
	return *p, nil
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// zero-valued rather than failing, matching the tolerant real APIs.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && err.Error() != "EOF" {
		return apierror.Invalid("cannot parse request body: %v", err)
	}
	return nil
}
