package api

import (
	"errors"
	"net/http"

	"github.com/ignite/campaign-engine/internal/auth"
	"github.com/ignite/campaign-engine/internal/pkg/httputil"
	"github.com/ignite/campaign-engine/internal/store"
)

type registerRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string `json:"token"`
	User  any    `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	u, token, err := s.auth.Register(r.Context(), req.Email, req.Password, req.FirstName, req.LastName)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.Created(w, authResponse{Token: token, User: u})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	u, token, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		httputil.Unauthorized(w, "invalid credentials")
		return
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.OK(w, authResponse{Token: token, User: u})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.GetUser(r.Context(), auth.UserID(r.Context()))
	if errors.Is(err, store.ErrNotFound) {
		httputil.Unauthorized(w, "user no longer exists")
		return
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.OK(w, u)
}
