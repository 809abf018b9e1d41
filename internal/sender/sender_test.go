package sender

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/crypto"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/queue"
	"github.com/ignite/campaign-engine/internal/render"
	"github.com/ignite/campaign-engine/internal/store"
)

func TestInOfficeHours(t *testing.T) {
	at := func(hour int) time.Time {
		return time.Date(2026, 3, 16, hour, 30, 0, 0, time.UTC)
	}

	assert.True(t, inOfficeHours(at(9), 9, 17), "start hour is inclusive")
	assert.True(t, inOfficeHours(at(16), 9, 17))
	assert.False(t, inOfficeHours(at(17), 9, 17), "end hour is exclusive")
	assert.False(t, inOfficeHours(at(8), 9, 17))
	assert.False(t, inOfficeHours(at(23), 9, 17))
	assert.True(t, inOfficeHours(at(3), 0, 0), "degenerate window never gates")
	assert.True(t, inOfficeHours(at(3), 17, 9), "inverted window never gates")
}

func TestUntilWindowOpen(t *testing.T) {
	// 06:00, window opens 09:00: wait three hours.
	now := time.Date(2026, 3, 16, 6, 0, 0, 0, time.UTC)
	assert.Equal(t, 3*time.Hour, untilWindowOpen(now, 9))

	// 20:00: wait until 09:00 tomorrow.
	evening := time.Date(2026, 3, 16, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, 13*time.Hour, untilWindowOpen(evening, 9))

	// Friday evening rolls to Saturday morning; weekends are not skipped.
	friday := time.Date(2026, 3, 20, 22, 0, 0, 0, time.UTC)
	open := friday.Add(untilWindowOpen(friday, 9))
	assert.Equal(t, time.Saturday, open.Weekday())
	assert.Equal(t, 9, open.Hour())
}

func testSendAccount() domain.SmtpAccount {
	return domain.SmtpAccount{
		ID:        "a1",
		Host:      "smtp.example.com",
		Port:      587,
		FromName:  "Acme",
		FromEmail: "news@acme.com",
	}
}

func TestBuildMessage(t *testing.T) {
	acct := testSendAccount()
	msg, err := buildMessage(acct, "rcpt@example.com", "Hello", "<p>Hi</p>")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.GetMessageID())

	_, err = buildMessage(acct, "not an address", "Hello", "<p>Hi</p>")
	assert.Error(t, err)
}

// ----- HandleSend paths -----

func newTestSender(t *testing.T) (*Sender, sqlmock.Sqlmock, *queue.Queue, *redis.Client) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	sendQ := queue.New("email-send", rdb)
	box, err := crypto.NewBox("test-passphrase")
	require.NoError(t, err)

	s := New(store.New(db), sendQ, nil, box, render.New("https://mail.example.com"),
		config.SendingConfig{
			OfficeHoursStart: 9,
			OfficeHoursEnd:   17,
			MaxBounceRate:    5,
		})
	return s, mock, sendQ, rdb
}

func expectSendContext(mock sqlmock.Sqlmock, logStatus, campaignStatus string) {
	now := time.Now()
	mock.ExpectQuery(`FROM email_logs`).
		WithArgs("log-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "campaign_id", "recipient_id", "smtp_account_id", "status", "subject",
			"message_id", "error_message", "bounce_reason", "sent_at", "failed_at",
			"created_at", "updated_at",
		}).AddRow("log-1", "c1", "r1", "a1", logStatus, "", "", "", "", nil, nil, now, now))
	mock.ExpectQuery(`FROM campaign_recipients`).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "campaign_id", "email", "first_name", "last_name", "variables", "status",
			"smtp_account_id", "sent_at", "failed_reason", "created_at",
		}).AddRow("r1", "c1", "rcpt@example.com", "Ada", "", []byte(`{}`), "queued", nil, nil, "", now))
	mock.ExpectQuery(`FROM campaigns c`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "template_id", "name", "status", "scheduled_at", "settings",
			"total_recipients", "sent_count", "failed_count", "bounce_count", "bounce_rate",
			"started_at", "paused_at", "completed_at", "created_at", "updated_at", "coalesce",
		}).AddRow("c1", "u1", "t1", "Launch", campaignStatus, nil, []byte(`{}`),
			2, 0, 0, 0, 0.0, nil, nil, nil, now, now, "{a1}"))
	mock.ExpectQuery(`FROM templates`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "name", "subject", "body", "variables", "is_active", "created_at", "updated_at",
		}).AddRow("t1", "u1", "Welcome", "Hi {{firstName}}", "<p>Hello</p>", "{firstName}", true, now, now))
	mock.ExpectQuery(`FROM smtp_accounts`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "name", "host", "port", "secure", "username", "encrypted_password",
			"from_name", "from_email", "daily_limit", "min_delay_sec", "max_delay_sec", "is_active",
			"last_used_at", "created_at", "updated_at",
		}).AddRow("a1", "u1", "Main", "smtp.example.com", 587, true, "user", "",
			"Acme", "news@acme.com", 100, 15, 15, true, nil, now, now))
}

func TestHandleSendSettledLogIsNoOp(t *testing.T) {
	s, mock, _, _ := newTestSender(t)
	expectSendContext(mock, "sent", "running")

	err := s.HandleSend(context.Background(), queue.Job{ID: "send:log-1", EmailLogID: "log-1"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleSendPausedCampaignIsNoOp(t *testing.T) {
	s, mock, sendQ, _ := newTestSender(t)
	expectSendContext(mock, "queued", "paused")

	err := s.HandleSend(context.Background(), queue.Job{ID: "send:log-1", EmailLogID: "log-1"})
	require.NoError(t, err)

	n, err := sendQ.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "stale job must not be re-queued")
}

func TestHandleSendMissingLogTerminatesSilently(t *testing.T) {
	s, mock, _, _ := newTestSender(t)
	mock.ExpectQuery(`FROM email_logs`).
		WithArgs("gone").
		WillReturnError(sql.ErrNoRows)

	err := s.HandleSend(context.Background(), queue.Job{ID: "send:gone", EmailLogID: "gone"})
	require.NoError(t, err)
}

func campaignSnapshotRows(status string, sent, failed, bounced int, rate float64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "user_id", "template_id", "name", "status", "scheduled_at", "settings",
		"total_recipients", "sent_count", "failed_count", "bounce_count", "bounce_rate",
		"started_at", "paused_at", "completed_at", "created_at", "updated_at", "coalesce",
	}).AddRow("c1", "u1", "t1", "Launch", status, nil, []byte(`{}`),
		20, sent, failed, bounced, rate, nil, nil, nil, now, now, "{a1}")
}

// expectOutcomeRecorded mocks the settlement transaction for a failed
// attempt, then the campaign snapshot re-read.
func expectOutcomeRecorded(mock sqlmock.Sqlmock, errMsg, bounceReason, recipientStatus string,
	bounceBump int, snapshot *sqlmock.Rows) {

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM email_logs l`).
		WithArgs("log-1").
		WillReturnRows(sqlmock.NewRows([]string{"campaign_id", "recipient_id", "smtp_account_id", "status"}).
			AddRow("c1", "r1", "a1", "queued"))
	mock.ExpectExec(`UPDATE email_logs`).
		WithArgs("log-1", errMsg, bounceReason).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE campaign_recipients`).
		WithArgs("r1", recipientStatus, errMsg, "a1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`failed_count = failed_count \+ 1`).
		WithArgs("c1", bounceBump).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`bounce_rate = ROUND`).
		WithArgs("c1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`status = 'completed'`).
		WithArgs("c1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectQuery(`FROM campaigns c`).WillReturnRows(snapshot)
}

func TestHandleSendQuotaDeniedSettlesFailed(t *testing.T) {
	s, mock, _, _ := newTestSender(t)
	expectSendContext(mock, "queued", "running")
	s.now = func() time.Time { return time.Date(2026, 3, 16, 10, 0, 0, 0, time.UTC) }

	// Guarded upsert returns no row: the account's daily limit is spent.
	mock.ExpectQuery(`INSERT INTO daily_quotas`).
		WillReturnRows(sqlmock.NewRows([]string{"sent_count", "daily_limit"}))
	expectOutcomeRecorded(mock, quotaDeniedMessage, "", "failed", 0,
		campaignSnapshotRows("running", 0, 1, 0, 0.0))

	err := s.HandleSend(context.Background(), queue.Job{ID: "send:log-1", EmailLogID: "log-1"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailSettlesHardBounceImmediately(t *testing.T) {
	s, mock, sendQ, _ := newTestSender(t)
	sc := &store.SendContext{
		Log:      domain.EmailLog{ID: "log-1"},
		Campaign: domain.Campaign{ID: "c1"},
	}

	cause := errors.New("550 5.1.1 user unknown")
	expectOutcomeRecorded(mock, cause.Error(), cause.Error(), "bounced", 1,
		campaignSnapshotRows("running", 0, 1, 1, 100.0))

	job := queue.Job{ID: "send:log-1", Kind: queue.KindEmailSend, CampaignID: "c1", EmailLogID: "log-1"}
	require.NoError(t, s.fail(context.Background(), job, sc, cause))
	require.NoError(t, mock.ExpectationsWereMet())

	n, err := sendQ.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "hard bounces are never retried")
}

func TestFailRetriesSoftBounceUntilExhausted(t *testing.T) {
	s, mock, sendQ, _ := newTestSender(t)
	sc := &store.SendContext{
		Log:      domain.EmailLog{ID: "log-1"},
		Campaign: domain.Campaign{ID: "c1"},
	}
	cause := errors.New("452 mailbox full")
	job := queue.Job{ID: "send:log-1", Kind: queue.KindEmailSend, CampaignID: "c1", EmailLogID: "log-1"}

	// First attempt backs off.
	require.ErrorIs(t, s.fail(context.Background(), job, sc, cause), queue.ErrRescheduled)
	n, err := sendQ.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Retry budget spent: settles as a failure, not a bounce.
	job.Attempt = domain.DefaultMaxRetries - 1
	expectOutcomeRecorded(mock, cause.Error(), "", "failed", 0,
		campaignSnapshotRows("running", 0, 1, 0, 0.0))
	require.NoError(t, s.fail(context.Background(), job, sc, cause))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSettleAutoPausesOnBounceRate(t *testing.T) {
	s, mock, sendQ, _ := newTestSender(t)
	ctx := context.Background()

	_, err := sendQ.Enqueue(ctx, queue.Job{
		ID: "send:other", Kind: queue.KindEmailSend, CampaignID: "c1", EmailLogID: "other",
	}, time.Hour)
	require.NoError(t, err)

	// Snapshot is over the 5% threshold with enough attempts behind it.
	expectOutcomeRecorded(mock, "550 user unknown", "550 user unknown", "bounced", 1,
		campaignSnapshotRows("running", 8, 4, 3, 25.0))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM campaigns`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("running"))
	mock.ExpectExec(`UPDATE campaigns SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`paused_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = s.settle(ctx, "log-1", domain.AttemptOutcome{
		ErrorMessage: "550 user unknown", Bounce: domain.BounceHard,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	n, err := sendQ.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "pending sends dropped when the campaign auto-pauses")
}

func TestHandleSendOutsideOfficeHoursReschedules(t *testing.T) {
	s, mock, sendQ, rdb := newTestSender(t)
	expectSendContext(mock, "queued", "running")

	// 22:00: eleven hours until the 09:00 window.
	s.now = func() time.Time { return time.Date(2026, 3, 16, 22, 0, 0, 0, time.UTC) }

	job := queue.Job{ID: "send:log-1", Kind: queue.KindEmailSend, CampaignID: "c1", EmailLogID: "log-1"}
	require.ErrorIs(t, s.HandleSend(context.Background(), job), queue.ErrRescheduled)

	// The job sits in the scheduled set with its original id; no quota
	// was consumed and no outcome was recorded (all mocks satisfied).
	require.NoError(t, mock.ExpectationsWereMet())
	score, err := rdb.ZScore(context.Background(), "cq:email-send:scheduled", "send:log-1").Result()
	require.NoError(t, err)
	readyAt := time.UnixMilli(int64(score))
	assert.WithinDuration(t, time.Now().Add(11*time.Hour), readyAt, 2*time.Minute)

	n, err := sendQ.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
