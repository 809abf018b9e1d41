package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-engine/internal/auth"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/ingest"
	"github.com/ignite/campaign-engine/internal/pkg/httputil"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/store"
)

const maxRecipientUpload = 32 << 20 // 32 MB

type createCampaignRequest struct {
	Name           string                    `json:"name"`
	TemplateID     string                    `json:"template_id"`
	SmtpAccountIDs []string                  `json:"smtp_account_ids"`
	Recipients     []recipientInput          `json:"recipients"`
	ScheduledAt    *time.Time                `json:"scheduled_at"`
	Settings       domain.CampaignSettings   `json:"settings"`
}

type recipientInput struct {
	Email     string            `json:"email"`
	FirstName string            `json:"first_name"`
	LastName  string            `json:"last_name"`
	Variables map[string]string `json:"variables"`
}

type createCampaignResponse struct {
	Campaign *domain.Campaign `json:"campaign"`
	Import   *ingest.Summary  `json:"import,omitempty"`
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	campaigns, err := s.store.ListCampaigns(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if campaigns == nil {
		campaigns = []domain.Campaign{}
	}
	httputil.OK(w, campaigns)
}

// handleCreateCampaign accepts either a JSON body with an inline
// recipient list or a multipart form carrying a CSV recipient file.
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req createCampaignRequest
	var summary *ingest.Summary

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		parsed, sum, ok := s.parseMultipartCampaign(w, r)
		if !ok {
			return
		}
		req, summary = parsed, sum
	} else if !httputil.Decode(w, r, &req) {
		return
	}

	recipients := make([]domain.CampaignRecipient, 0, len(req.Recipients))
	for _, in := range req.Recipients {
		recipients = append(recipients, domain.CampaignRecipient{
			Email:     in.Email,
			FirstName: in.FirstName,
			LastName:  in.LastName,
			Variables: in.Variables,
			Status:    domain.RecipientPending,
		})
	}

	cmd := store.CreateCampaignCommand{
		UserID:         userID,
		Name:           req.Name,
		TemplateID:     req.TemplateID,
		SmtpAccountIDs: req.SmtpAccountIDs,
		Recipients:     recipients,
		Settings:       req.Settings,
	}
	if req.ScheduledAt != nil {
		cmd.ScheduledAt = &sql.NullTime{Time: *req.ScheduledAt, Valid: true}
	}

	c, err := s.store.CreateCampaign(r.Context(), cmd)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if err := s.applyInitialSchedule(r.Context(), userID, c); err != nil {
		writeStoreError(w, err)
		return
	}

	// Re-read so the response carries the post-schedule status.
	c, err = s.store.GetCampaign(r.Context(), userID, c.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	logger.Info("campaign created",
		"campaign_id", c.ID, "status", string(c.Status), "recipients", c.TotalRecipients)
	httputil.Created(w, createCampaignResponse{Campaign: c, Import: summary})
}

// applyInitialSchedule moves a freshly created DRAFT according to its
// scheduled_at: a future time parks it as SCHEDULED for the calendar
// sweep, a past or present time starts it immediately.
func (s *Server) applyInitialSchedule(ctx context.Context, userID string, c *domain.Campaign) error {
	if c.ScheduledAt == nil {
		return nil
	}
	if c.ScheduledAt.After(time.Now()) {
		return s.store.TransitionCampaign(ctx, c.ID,
			[]domain.CampaignStatus{domain.CampaignDraft}, domain.CampaignScheduled, nil)
	}
	return s.lifecycle.Start(ctx, userID, c.ID)
}

func (s *Server) parseMultipartCampaign(w http.ResponseWriter, r *http.Request) (createCampaignRequest, *ingest.Summary, bool) {
	var req createCampaignRequest
	if err := r.ParseMultipartForm(maxRecipientUpload); err != nil {
		httputil.BadRequest(w, "invalid multipart form: "+err.Error())
		return req, nil, false
	}

	req.Name = r.FormValue("name")
	req.TemplateID = r.FormValue("template_id")
	if v := r.FormValue("smtp_account_ids"); v != "" {
		if err := json.Unmarshal([]byte(v), &req.SmtpAccountIDs); err != nil {
			// Fall back to a comma-separated list.
			for _, id := range strings.Split(v, ",") {
				if id = strings.TrimSpace(id); id != "" {
					req.SmtpAccountIDs = append(req.SmtpAccountIDs, id)
				}
			}
		}
	}
	if v := r.FormValue("settings"); v != "" {
		if err := json.Unmarshal([]byte(v), &req.Settings); err != nil {
			httputil.BadRequest(w, "invalid settings: "+err.Error())
			return req, nil, false
		}
	}
	if v := r.FormValue("scheduled_at"); v != "" {
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.BadRequest(w, "invalid scheduled_at: "+err.Error())
			return req, nil, false
		}
		req.ScheduledAt = &at
	}

	file, _, err := r.FormFile("recipients")
	if err != nil {
		httputil.BadRequest(w, "recipients file is required")
		return req, nil, false
	}
	defer file.Close()

	recipients, summary, err := ingest.ParseRecipients(file)
	if err != nil {
		httputil.BadRequest(w, "parse recipients: "+err.Error())
		return req, nil, false
	}
	for _, rcpt := range recipients {
		req.Recipients = append(req.Recipients, recipientInput{
			Email:     rcpt.Email,
			FirstName: rcpt.FirstName,
			LastName:  rcpt.LastName,
			Variables: rcpt.Variables,
		})
	}
	return req, summary, true
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.GetCampaign(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.OK(w, c)
}

func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	err := s.lifecycle.Delete(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.NoContent(w)
}

// lifecycleHandler adapts one lifecycle command into an HTTP handler
// that responds with the campaign's new state.
func (s *Server) lifecycleHandler(cmd func(ctx context.Context, userID, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := auth.UserID(r.Context())
		id := chi.URLParam(r, "id")
		if err := cmd(r.Context(), userID, id); err != nil {
			writeStoreError(w, err)
			return
		}
		c, err := s.store.GetCampaign(r.Context(), userID, id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		httputil.OK(w, c)
	}
}

func (s *Server) handleDuplicateCampaign(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	id := chi.URLParam(r, "id")

	var req struct {
		Name string `json:"name"`
	}
	if r.Body != nil && r.ContentLength > 0 && !httputil.Decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		src, err := s.store.GetCampaign(r.Context(), userID, id)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		req.Name = src.Name + " (copy)"
	}

	c, err := s.store.DuplicateCampaign(r.Context(), userID, id, req.Name)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.Created(w, c)
}

func (s *Server) handleCampaignStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetCampaignStats(r.Context(), auth.UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	httputil.OK(w, stats)
}

func (s *Server) handleCampaignLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	logs, total, err := s.store.ListEmailLogs(r.Context(), auth.UserID(r.Context()),
		chi.URLParam(r, "id"), q.Get("status"), limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if logs == nil {
		logs = []domain.EmailLog{}
	}
	httputil.OK(w, map[string]any{
		"logs":   logs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}
