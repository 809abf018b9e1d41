package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/queue"
	"github.com/ignite/campaign-engine/internal/store"
)

func newTestLifecycle(t *testing.T) (*Lifecycle, sqlmock.Sqlmock, *queue.Queue, *queue.Queue) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	tickQ := queue.New("campaign-tick", rdb)
	sendQ := queue.New("email-send", rdb)
	return NewLifecycle(store.New(db), tickQ, sendQ), mock, tickQ, sendQ
}

func ownedCampaignRows(status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "user_id", "template_id", "name", "status", "scheduled_at", "settings",
		"total_recipients", "sent_count", "failed_count", "bounce_count", "bounce_rate",
		"started_at", "paused_at", "completed_at", "created_at", "updated_at", "coalesce",
	}).AddRow("c1", "u1", "t1", "Launch", status, nil, []byte(`{}`),
		5, 0, 0, 0, 0.0, nil, nil, nil, now, now, "{a1}")
}

func emptyCampaignRows(status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "user_id", "template_id", "name", "status", "scheduled_at", "settings",
		"total_recipients", "sent_count", "failed_count", "bounce_count", "bounce_rate",
		"started_at", "paused_at", "completed_at", "created_at", "updated_at", "coalesce",
	}).AddRow("c1", "u1", "t1", "Launch", status, nil, []byte(`{}`),
		0, 0, 0, 0, 0.0, nil, nil, nil, now, now, "{a1}")
}

func TestStartOnRunningCampaignIsNoOp(t *testing.T) {
	lc, mock, tickQ, _ := newTestLifecycle(t)
	mock.ExpectQuery(`FROM campaigns c`).WillReturnRows(ownedCampaignRows("running"))

	require.NoError(t, lc.Start(context.Background(), "u1", "c1"))

	n, err := tickQ.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "no tick for a campaign that is already running")
	require.NoError(t, mock.ExpectationsWereMet(), "no transition attempted")
}

func TestPauseOnPausedCampaignIsNoOp(t *testing.T) {
	lc, mock, _, _ := newTestLifecycle(t)
	mock.ExpectQuery(`FROM campaigns c`).WillReturnRows(ownedCampaignRows("paused"))

	require.NoError(t, lc.Pause(context.Background(), "u1", "c1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStartDraftEnqueuesTick(t *testing.T) {
	lc, mock, tickQ, _ := newTestLifecycle(t)
	mock.ExpectQuery(`FROM campaigns c`).WillReturnRows(ownedCampaignRows("draft"))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM campaigns`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("draft"))
	mock.ExpectExec(`UPDATE campaigns SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`started_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, lc.Start(context.Background(), "u1", "c1"))

	n, err := tickQ.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPauseDropsPendingSendJobs(t *testing.T) {
	lc, mock, _, sendQ := newTestLifecycle(t)

	ctx := context.Background()
	for _, id := range []string{"send:l1", "send:l2"} {
		_, err := sendQ.Enqueue(ctx, queue.Job{ID: id, Kind: queue.KindEmailSend, CampaignID: "c1"}, time.Hour)
		require.NoError(t, err)
	}

	mock.ExpectQuery(`FROM campaigns c`).WillReturnRows(ownedCampaignRows("running"))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM campaigns`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("running"))
	mock.ExpectExec(`UPDATE campaigns SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`paused_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, lc.Pause(ctx, "u1", "c1"))

	n, err := sendQ.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "pending send jobs dropped on pause")
}

func TestStartCampaignWithoutRecipientsFails(t *testing.T) {
	lc, mock, tickQ, _ := newTestLifecycle(t)
	mock.ExpectQuery(`FROM campaigns c`).WillReturnRows(emptyCampaignRows("draft"))

	err := lc.Start(context.Background(), "u1", "c1")
	assert.ErrorIs(t, err, store.ErrPrecondition)

	n, err := tickQ.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "no tick for a campaign that cannot run")
	require.NoError(t, mock.ExpectationsWereMet(), "no transition attempted")
}

func TestTickFailsRunningCampaignWithoutRecipients(t *testing.T) {
	lc, mock, tickQ, sendQ := newTestLifecycle(t)
	sched := New(lc.store, tickQ, sendQ, sendingDefaults())

	mock.ExpectQuery(`FROM campaigns c`).WillReturnRows(emptyCampaignRows("running"))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM campaigns`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("running"))
	mock.ExpectExec(`UPDATE campaigns SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`completed_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := sched.HandleTick(context.Background(), queue.Job{ID: "tick:c1", CampaignID: "c1"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	n, err := sendQ.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "nothing dispatched for an empty campaign")
}

func TestStopRejectsTerminalCampaign(t *testing.T) {
	lc, mock, _, _ := newTestLifecycle(t)
	mock.ExpectQuery(`FROM campaigns c`).WillReturnRows(ownedCampaignRows("completed"))
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT status FROM campaigns`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("completed"))
	mock.ExpectRollback()

	err := lc.Stop(context.Background(), "u1", "c1")
	assert.ErrorIs(t, err, store.ErrPrecondition)
}
