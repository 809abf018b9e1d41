package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"

	"github.com/ignite/campaign-engine/internal/auth"
	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/crypto"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/queue"
	"github.com/ignite/campaign-engine/internal/scheduler"
	"github.com/ignite/campaign-engine/internal/smtppool"
	"github.com/ignite/campaign-engine/internal/store"
)

type fakeConn struct{}

func (fakeConn) Send(ctx context.Context, msg *mail.Msg) error { return nil }
func (fakeConn) Close() error                                  { return nil }

type fakeDialer struct {
	err   error
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, a domain.SmtpAccount, password string) (smtppool.Transport, error) {
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return fakeConn{}, nil
}

type testServer struct {
	srv     *Server
	mock    sqlmock.Sqlmock
	handler http.Handler
	token   string
	dialer  *fakeDialer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	st := store.New(db)
	authSvc := auth.NewService(st, "test-secret", 60)
	tickQ := queue.New("campaign-tick", rdb)
	sendQ := queue.New("email-send", rdb)
	lc := scheduler.NewLifecycle(st, tickQ, sendQ)
	box, err := crypto.NewBox("test-passphrase")
	require.NoError(t, err)

	dialer := &fakeDialer{}
	cfg := &config.Config{}
	cfg.Sending.DefaultDailyLimit = 500

	srv := NewServer(st, authSvc, lc, nil, box, dialer, rdb, cfg)

	token, err := authSvc.IssueToken(&domain.User{ID: "u1"})
	require.NoError(t, err)

	return &testServer{
		srv:     srv,
		mock:    mock,
		handler: srv.Router(),
		token:   token,
		dialer:  dialer,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+ts.token)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	ts.mock.ExpectPing()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/campaigns", nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateSmtpAccountRejectsInvalidConfig(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/smtp-accounts", map[string]any{
		"name": "Main", "host": "", "port": 587,
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, ts.dialer.dials, "no dial before validation passes")
}

func TestCreateSmtpAccountVerifiesConnectionFirst(t *testing.T) {
	ts := newTestServer(t)
	ts.dialer.err = assert.AnError

	rec := ts.do(t, http.MethodPost, "/api/smtp-accounts", map[string]any{
		"name": "Main", "host": "smtp.example.com", "port": 587, "secure": true,
		"username": "user", "password": "pw", "from_name": "Acme",
		"from_email": "news@acme.com", "daily_limit": 500,
		"min_delay_sec": 15, "max_delay_sec": 30,
	})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, 1, ts.dialer.dials)
	require.NoError(t, ts.mock.ExpectationsWereMet(), "nothing persisted on a failed dial")
}

func TestCreateSmtpAccountPersistsEncrypted(t *testing.T) {
	ts := newTestServer(t)
	ts.mock.ExpectExec(`INSERT INTO smtp_accounts`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := ts.do(t, http.MethodPost, "/api/smtp-accounts", map[string]any{
		"name": "Main", "host": "smtp.example.com", "port": 587, "secure": true,
		"username": "user", "password": "pw", "from_name": "Acme",
		"from_email": "news@acme.com", "daily_limit": 500,
		"min_delay_sec": 15, "max_delay_sec": 30,
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 1, ts.dialer.dials)
	assert.NotContains(t, rec.Body.String(), `"pw"`, "plaintext password never leaves the server")
	require.NoError(t, ts.mock.ExpectationsWereMet())
}

func TestCreateTemplate(t *testing.T) {
	ts := newTestServer(t)
	ts.mock.ExpectExec(`INSERT INTO templates`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := ts.do(t, http.MethodPost, "/api/templates", map[string]any{
		"name": "Welcome", "subject": "Hi {{firstName}}", "body": "<p>Hello {{company}}</p>",
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var got domain.Template
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.ElementsMatch(t, []string{"firstName", "company"}, got.Variables)
}

func TestListCampaignsEmptyIsAnArray(t *testing.T) {
	ts := newTestServer(t)
	ts.mock.ExpectQuery(`FROM campaigns c`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec := ts.do(t, http.MethodGet, "/api/campaigns", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestGetCampaignNotFound(t *testing.T) {
	ts := newTestServer(t)
	ts.mock.ExpectQuery(`FROM campaigns c`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec := ts.do(t, http.MethodGet, "/api/campaigns/nope", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func campaignRow(status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "user_id", "template_id", "name", "status", "scheduled_at", "settings",
		"total_recipients", "sent_count", "failed_count", "bounce_count", "bounce_rate",
		"started_at", "paused_at", "completed_at", "created_at", "updated_at", "coalesce",
	}).AddRow("c1", "u1", "t1", "Launch", status, nil, []byte(`{}`),
		2, 0, 0, 0, 0.0, nil, nil, nil, now, now, "{a1}")
}

func TestCreateCampaignDraft(t *testing.T) {
	ts := newTestServer(t)

	ts.mock.ExpectBegin()
	ts.mock.ExpectQuery(`SELECT is_active FROM templates`).
		WillReturnRows(sqlmock.NewRows([]string{"is_active"}).AddRow(true))
	ts.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM smtp_accounts`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	ts.mock.ExpectExec(`INSERT INTO campaigns`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ts.mock.ExpectExec(`INSERT INTO campaign_smtp_accounts`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ts.mock.ExpectExec(`INSERT INTO campaign_recipients`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ts.mock.ExpectExec(`UPDATE campaigns SET total_recipients`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ts.mock.ExpectCommit()
	// No scheduled_at: the campaign stays a draft and is re-read as-is.
	ts.mock.ExpectQuery(`FROM campaigns c`).WillReturnRows(campaignRow("draft"))

	rec := ts.do(t, http.MethodPost, "/api/campaigns", map[string]any{
		"name":             "Launch",
		"template_id":      "t1",
		"smtp_account_ids": []string{"a1"},
		"recipients": []map[string]any{
			{"email": "ada@example.com", "first_name": "Ada"},
		},
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var got createCampaignResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, domain.CampaignDraft, got.Campaign.Status)
	require.NoError(t, ts.mock.ExpectationsWereMet())
}

func TestCreateCampaignRejectsMissingAccounts(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/campaigns", map[string]any{
		"name": "Launch", "template_id": "t1",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLifecycleConflictMaps409(t *testing.T) {
	ts := newTestServer(t)

	// Ownership check loads the campaign; the CAS then refuses the
	// transition because it is already completed.
	ts.mock.ExpectQuery(`FROM campaigns c`).WillReturnRows(campaignRow("completed"))
	ts.mock.ExpectBegin()
	ts.mock.ExpectQuery(`SELECT status FROM campaigns`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))
	ts.mock.ExpectRollback()

	rec := ts.do(t, http.MethodPost, "/api/campaigns/c1/pause", nil)

	assert.Equal(t, http.StatusConflict, rec.Code)
	require.NoError(t, ts.mock.ExpectationsWereMet())
}

func TestCampaignLogsPassesFilter(t *testing.T) {
	ts := newTestServer(t)
	now := time.Now()

	ts.mock.ExpectQuery(`FROM campaigns c`).WillReturnRows(campaignRow("running"))
	ts.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM email_logs`).
		WithArgs("c1", "failed").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	ts.mock.ExpectQuery(`FROM email_logs`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "campaign_id", "recipient_id", "smtp_account_id", "status", "subject",
			"message_id", "error_message", "bounce_reason", "sent_at", "failed_at",
			"created_at", "updated_at",
		}).AddRow("log-1", "c1", "r1", "a1", "failed", "Hi", "", "550 no such user",
			"hard", nil, now, now, now))

	rec := ts.do(t, http.MethodGet, "/api/campaigns/c1/logs?status=failed", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"total":1`)
	require.NoError(t, ts.mock.ExpectationsWereMet())
}

func TestPoolMetricsWithoutPools(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/smtp-pool/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pools":[]}`, rec.Body.String())
}
