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
	"strings"

	"github.com/gorilla/mux"
	iamv1 "google.golang.org/api/iam/v1"

	"github.com/localgcp/localgcp/pkg/apierror"
)

func (s *Server) iamRoutes(r *mux.Router) {
	v := r.PathPrefix("/v1").Subrouter()

	v.HandleFunc("/projects/{project}/serviceAccounts", s.handleAccountCreate).Methods(http.MethodPost)
	v.HandleFunc("/projects/{project}/serviceAccounts", s.handleAccountList).Methods(http.MethodGet)
	v.HandleFunc("/projects/{project}/serviceAccounts/{email}", s.handleAccountGet).Methods(http.MethodGet)
	v.HandleFunc("/projects/{project}/serviceAccounts/{email}", s.handleAccountPatch).Methods(http.MethodPatch)
	v.HandleFunc("/projects/{project}/serviceAccounts/{email}", s.handleAccountDelete).Methods(http.MethodDelete)

	v.HandleFunc("/projects/{project}/serviceAccounts/{email}/keys", s.handleKeyCreate).Methods(http.MethodPost)
	v.HandleFunc("/projects/{project}/serviceAccounts/{email}/keys", s.handleKeyList).Methods(http.MethodGet)
	v.HandleFunc("/projects/{project}/serviceAccounts/{email}/keys/{key}", s.handleKeyGet).Methods(http.MethodGet)
	v.HandleFunc("/projects/{project}/serviceAccounts/{email}/keys/{key}", s.handleKeyDelete).Methods(http.MethodDelete)

	v.HandleFunc("/roles", s.handleRoleList).Methods(http.MethodGet)
	v.HandleFunc("/roles/{role}", s.handleRoleGet).Methods(http.MethodGet)
	v.HandleFunc("/projects/{project}/roles", s.handleCustomRoleCreate).Methods(http.MethodPost)
	v.HandleFunc("/projects/{project}/roles", s.handleCustomRoleList).Methods(http.MethodGet)
	v.HandleFunc("/projects/{project}/roles/{role}", s.handleCustomRoleGet).Methods(http.MethodGet)
	v.HandleFunc("/projects/{project}/roles/{role}", s.handleCustomRolePatch).Methods(http.MethodPatch)
	v.HandleFunc("/projects/{project}/roles/{role}", s.handleCustomRoleDelete).Methods(http.MethodDelete)

	// Verb-style endpoints carry the verb after a colon in the final path
	// segment, which the template routes above never match. Registered
	// last so the literal POST routes take precedence.
	v.PathPrefix("/").Methods(http.MethodPost).HandlerFunc(s.handleIAMVerb)
}

func (s *Server) handleAccountCreate(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	body := &iamv1.CreateServiceAccountRequest{}
	if err := decodeBody(r, body); err != nil {
		s.writeError(w, err)
		return
	}
	out, err := s.iam.CreateServiceAccount(r.Context(), project, body.AccountId, body.ServiceAccount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAccountList(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	accounts, err := s.iam.ListServiceAccounts(r.Context(), project)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, &iamv1.ListServiceAccountsResponse{Accounts: accounts})
}

func (s *Server) handleAccountGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	out, err := s.iam.GetServiceAccount(r.Context(), vars["project"], vars["email"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAccountPatch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	body := &iamv1.ServiceAccount{}
	if err := decodeBody(r, body); err != nil {
		s.writeError(w, err)
		return
	}
	out, err := s.iam.PatchServiceAccount(r.Context(), vars["project"], vars["email"], body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAccountDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.iam.DeleteServiceAccount(r.Context(), vars["project"], vars["email"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleKeyCreate(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	body := &iamv1.CreateServiceAccountKeyRequest{}
	if err := decodeBody(r, body); err != nil {
		s.writeError(w, err)
		return
	}
	out, err := s.iam.CreateKey(r.Context(), vars["project"], vars["email"], body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleKeyList(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	keys, err := s.iam.ListKeys(r.Context(), vars["project"], vars["email"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, &iamv1.ListServiceAccountKeysResponse{Keys: keys})
}

func (s *Server) handleKeyGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	out, err := s.iam.GetKey(r.Context(), vars["project"], vars["email"], vars["key"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleKeyDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := s.iam.DeleteKey(r.Context(), vars["project"], vars["email"], vars["key"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleRoleList(w http.ResponseWriter, r *http.Request) {
	roles, err := s.iam.ListRoles(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, &iamv1.ListRolesResponse{Roles: roles})
}

func (s *Server) handleRoleGet(w http.ResponseWriter, r *http.Request) {
	out, err := s.iam.GetRole(r.Context(), "roles/"+mux.Vars(r)["role"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCustomRoleCreate(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	body := &iamv1.CreateRoleRequest{}
	if err := decodeBody(r, body); err != nil {
		s.writeError(w, err)
		return
	}
	out, err := s.iam.CreateCustomRole(r.Context(), project, body.RoleId, body.Role)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCustomRoleList(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	showDeleted := r.URL.Query().Get("showDeleted") == "true"
	roles, err := s.iam.ListCustomRoles(r.Context(), project, showDeleted)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, &iamv1.ListRolesResponse{Roles: roles})
}

func (s *Server) handleCustomRoleGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	out, err := s.iam.GetRole(r.Context(), "projects/"+vars["project"]+"/roles/"+vars["role"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCustomRolePatch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	body := &iamv1.Role{}
	if err := decodeBody(r, body); err != nil {
		s.writeError(w, err)
		return
	}
	out, err := s.iam.PatchCustomRole(r.Context(), vars["project"], vars["role"], body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCustomRoleDelete(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	out, err := s.iam.DeleteCustomRole(r.Context(), vars["project"], vars["role"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleIAMVerb dispatches the colon-verb endpoints. The resource is
// everything between /v1/ and the final colon.
func (s *Server) handleIAMVerb(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimPrefix(r.URL.Path, "/v1/")
	idx := strings.LastIndex(p, ":")
	if idx < 0 {
		s.writeError(w, apierror.NotFoundf("%s %s is not a known endpoint", r.Method, r.URL.Path))
		return
	}
	resource, verb := p[:idx], p[idx+1:]

	switch verb {
	case "getIamPolicy":
		out, err := s.iam.GetPolicy(r.Context(), resource)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, out)
	case "setIamPolicy":
		body := &iamv1.SetIamPolicyRequest{}
		if err := decodeBody(r, body); err != nil {
			s.writeError(w, err)
			return
		}
		out, err := s.iam.SetPolicy(r.Context(), resource, body.Policy)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, out)
	case "testIamPermissions":
		body := &iamv1.TestIamPermissionsRequest{}
		if err := decodeBody(r, body); err != nil {
			s.writeError(w, err)
			return
		}
		granted, err := s.iam.TestPermissions(r.Context(), resource, body.Permissions)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, &iamv1.TestIamPermissionsResponse{Permissions: granted})
	case "enable", "disable":
		project, email, ok := splitAccountResource(resource)
		if !ok {
			s.writeError(w, apierror.Invalid("%q is not a service account resource", resource))
			return
		}
		if err := s.iam.SetServiceAccountDisabled(r.Context(), project, email, verb == "disable"); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, struct{}{})
	case "undelete":
		project, roleID, ok := splitRoleResource(resource)
		if !ok {
			s.writeError(w, apierror.Invalid("%q is not a custom role resource", resource))
			return
		}
		out, err := s.iam.UndeleteCustomRole(r.Context(), project, roleID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, out)
	default:
		s.writeError(w, apierror.NotFoundf("unknown verb %q", verb))
	}
}

// splitAccountResource parses projects/{project}/serviceAccounts/{email}.
func splitAccountResource(resource string) (project, email string, ok bool) {
	parts := strings.Split(resource, "/")
	if len(parts) != 4 || parts[0] != "projects" || parts[2] != "serviceAccounts" {
		return "", "", false
	}
	return parts[1], parts[3], true
}

// splitRoleResource parses projects/{project}/roles/{roleID}.
func splitRoleResource(resource string) (project, roleID string, ok bool) {
	parts := strings.Split(resource, "/")
	if len(parts) != 4 || parts[0] != "projects" || parts[2] != "roles" {
		return "", "", false
	}
	return parts[1], parts[3], true
}
