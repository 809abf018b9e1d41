package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-engine/internal/auth"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/httputil"
)

type templateRequest struct {
	Name     string `json:"name"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	IsActive *bool  `json:"is_active"`
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.store.ListTemplates(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if templates == nil {
		templates = []domain.Template{}
	}
	httputil.OK(w, templates)
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req templateRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	t := &domain.Template{
		UserID:  auth.UserID(r.Context()),
		Name:    req.Name,
		Subject: req.Subject,
		Body:    req.Body,
	}
	if err := s.store.CreateTemplate(r.Context(), t); err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.Created(w, t)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTemplate(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.OK(w, t)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	t, err := s.store.GetTemplate(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var req templateRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Name != "" {
		t.Name = req.Name
	}
	if req.Subject != "" {
		t.Subject = req.Subject
	}
	if req.Body != "" {
		t.Body = req.Body
	}
	if req.IsActive != nil {
		t.IsActive = *req.IsActive
	}
	if err := s.store.UpdateTemplate(r.Context(), t); err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.OK(w, t)
}
