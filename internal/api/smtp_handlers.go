package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-engine/internal/auth"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/httputil"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

type createSmtpAccountRequest struct {
	Name        string `json:"name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Secure      bool   `json:"secure"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	FromName    string `json:"from_name"`
	FromEmail   string `json:"from_email"`
	DailyLimit  int    `json:"daily_limit"`
	MinDelaySec int    `json:"min_delay_sec"`
	MaxDelaySec int    `json:"max_delay_sec"`
}

func (s *Server) handleListSmtpAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListSmtpAccounts(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if accounts == nil {
		accounts = []domain.SmtpAccount{}
	}
	httputil.OK(w, accounts)
}

// handleCreateSmtpAccount verifies the credentials against the live SMTP
// server before anything is persisted. The password is stored encrypted.
func (s *Server) handleCreateSmtpAccount(w http.ResponseWriter, r *http.Request) {
	var req createSmtpAccountRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	a := &domain.SmtpAccount{
		UserID:      auth.UserID(r.Context()),
		Name:        req.Name,
		Host:        req.Host,
		Port:        req.Port,
		Secure:      req.Secure,
		Username:    req.Username,
		FromName:    req.FromName,
		FromEmail:   req.FromEmail,
		DailyLimit:  req.DailyLimit,
		MinDelaySec: req.MinDelaySec,
		MaxDelaySec: req.MaxDelaySec,
	}
	if a.DailyLimit == 0 {
		a.DailyLimit = s.cfg.Sending.DefaultDailyLimit
	}
	if err := a.Validate(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	if err := s.verifyConnection(r, *a, req.Password); err != nil {
		httputil.Error(w, http.StatusUnprocessableEntity, "smtp connection failed: "+err.Error())
		return
	}

	encrypted, err := s.box.Encrypt(req.Password)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	a.EncryptedPassword = encrypted

	if err := s.store.CreateSmtpAccount(r.Context(), a); err != nil {
		writeStoreError(w, err)
		return
	}
	logger.Info("smtp account created", "smtp_account_id", a.ID, "host", a.Host)
	httputil.Created(w, a)
}

// handleTestSmtpAccount re-verifies a stored account's connection and
// stamps last_used_at on success.
func (s *Server) handleTestSmtpAccount(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	a, err := s.store.GetSmtpAccount(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	password, err := s.box.Decrypt(a.EncryptedPassword)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if err := s.verifyConnection(r, *a, password); err != nil {
		httputil.OK(w, map[string]any{"success": false, "error": err.Error()})
		return
	}
	if err := s.store.TouchSmtpAccount(r.Context(), a.ID); err != nil {
		logger.Warn("touch smtp account failed", "smtp_account_id", a.ID, "error", err)
	}
	httputil.OK(w, map[string]any{"success": true})
}

func (s *Server) handleToggleSmtpAccount(w http.ResponseWriter, r *http.Request) {
	active, err := s.store.ToggleSmtpAccount(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.OK(w, map[string]bool{"is_active": active})
}

func (s *Server) handleDeleteSmtpAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSmtpAccount(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.NoContent(w)
}

func (s *Server) verifyConnection(r *http.Request, a domain.SmtpAccount, password string) error {
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()
	conn, err := s.dialer.Dial(ctx, a, password)
	if err != nil {
		return err
	}
	return conn.Close()
}
