// Package scheduler advances running campaigns: it claims recipients,
// computes pacing delays, fans out pre-delayed send jobs, and promotes
// scheduled campaigns when their start time elapses.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"time"

	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/queue"
	"github.com/ignite/campaign-engine/internal/store"
)

// Scheduler consumes campaign-tick jobs and runs the calendar sweep.
type Scheduler struct {
	store   *store.Store
	tickQ   *queue.Queue
	sendQ   *queue.Queue
	sending config.SendingConfig
	rng     *rand.Rand
}

// New builds a scheduler. The rand source is only used for pacing draws.
func New(st *store.Store, tickQ, sendQ *queue.Queue, sending config.SendingConfig) *Scheduler {
	return &Scheduler{
		store:   st,
		tickQ:   tickQ,
		sendQ:   sendQ,
		sending: sending,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// EnqueueTick schedules one tick for a campaign. The job id is keyed by
// campaign so at most one tick is pending at a time.
func EnqueueTick(ctx context.Context, q *queue.Queue, campaignID string, delay time.Duration) error {
	_, err := q.Enqueue(ctx, queue.Job{
		ID:         "tick:" + campaignID,
		Kind:       queue.KindCampaignTick,
		CampaignID: campaignID,
	}, delay)
	return err
}

// HandleTick processes one campaign-tick job: claim everything unclaimed,
// lay out the pacing timeline, and enqueue one send job per recipient.
func (s *Scheduler) HandleTick(ctx context.Context, job queue.Job) error {
	c, err := s.store.GetCampaignAny(ctx, job.CampaignID)
	if errors.Is(err, store.ErrNotFound) {
		return nil // campaign deleted; stale tick
	}
	if err != nil {
		return err
	}
	if c.Status != domain.CampaignRunning {
		return nil
	}

	if c.TotalRecipients == 0 {
		logger.Warn("campaign has no recipients", "campaign_id", c.ID)
		err := s.store.TransitionCampaign(ctx, c.ID,
			[]domain.CampaignStatus{domain.CampaignRunning}, domain.CampaignFailed,
			func(ctx context.Context, tx *sql.Tx) error { return store.MarkCampaignFinished(ctx, tx, c.ID) })
		if errors.Is(err, store.ErrPrecondition) {
			return nil
		}
		return err
	}

	accounts, err := s.store.ActiveCampaignAccounts(ctx, c.ID)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		logger.Warn("campaign has no active smtp accounts", "campaign_id", c.ID)
		err := s.store.TransitionCampaign(ctx, c.ID,
			[]domain.CampaignStatus{domain.CampaignRunning}, domain.CampaignFailed,
			func(ctx context.Context, tx *sql.Tx) error { return store.MarkCampaignFinished(ctx, tx, c.ID) })
		if errors.Is(err, store.ErrPrecondition) {
			return nil
		}
		return err
	}

	remaining := c.TotalRecipients - c.SentCount - c.FailedCount
	if remaining < 0 {
		remaining = 0
	}
	claimed, err := s.store.ClaimNextBatch(ctx, c.ID, remaining)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		if c.TotalRecipients > 0 && c.SentCount+c.FailedCount >= c.TotalRecipients {
			err := s.store.TransitionCampaign(ctx, c.ID,
				[]domain.CampaignStatus{domain.CampaignRunning}, domain.CampaignCompleted,
				func(ctx context.Context, tx *sql.Tx) error { return store.MarkCampaignFinished(ctx, tx, c.ID) })
			if errors.Is(err, store.ErrPrecondition) {
				return nil
			}
			return err
		}
		return nil
	}

	plan := buildPlan(claimed, accounts, c.Settings, s.sending, s.rng)
	for _, p := range plan {
		logID, err := s.store.CreateEmailLog(ctx, c.ID, p.Recipient.ID, p.Account.ID)
		if err != nil {
			return err
		}
		_, err = s.sendQ.Enqueue(ctx, queue.Job{
			ID:         "send:" + logID,
			Kind:       queue.KindEmailSend,
			CampaignID: c.ID,
			EmailLogID: logID,
		}, p.Delay)
		if err != nil {
			return err
		}
	}
	logger.Info("campaign tick dispatched",
		"campaign_id", c.ID, "claimed", len(claimed),
		"span", plan[len(plan)-1].Delay.String())
	return nil
}

// PlannedSend is one recipient with its send offset and assigned account.
type PlannedSend struct {
	Recipient store.ClaimedRecipient
	Account   domain.SmtpAccount
	Delay     time.Duration
}

// buildPlan walks the claimed list in order, drawing a fresh uniform
// per-message delay and inserting a batch break every B messages. The
// SMTP account is chosen round-robin keyed by claim sequence, so the
// assignment is stable if the tick is retried.
func buildPlan(claimed []store.ClaimedRecipient, accounts []domain.SmtpAccount,
	settings domain.CampaignSettings, cfg config.SendingConfig, rng *rand.Rand) []PlannedSend {

	batchBreak := time.Duration(cfg.BatchBreakDuration) * time.Second
	if settings.BatchDelay > 0 {
		batchBreak = time.Duration(settings.BatchDelay) * time.Second
	}

	drawBatch := func() int {
		if settings.BatchSize > 0 {
			return settings.BatchSize
		}
		return randBetween(rng, cfg.BatchSizeMin, cfg.BatchSizeMax)
	}

	plan := make([]PlannedSend, 0, len(claimed))
	cumDelay := time.Duration(0)
	inBatch := 0
	batchSize := drawBatch()

	for i, r := range claimed {
		account := accounts[int((r.Seq-1)%int64(len(accounts)))]

		if inBatch == batchSize && i != len(claimed)-1 {
			// The boundary message takes the break instead of a message
			// delay and opens the next batch.
			cumDelay += batchBreak
			inBatch = 1
			batchSize = drawBatch()
		} else {
			cumDelay += time.Duration(messageDelay(rng, account, settings, cfg)) * time.Second
			inBatch++
		}

		plan = append(plan, PlannedSend{Recipient: r, Account: account, Delay: cumDelay})
	}
	return plan
}

// messageDelay draws the inter-message gap in seconds. A campaign-level
// fixed delay wins; otherwise the account's range, falling back to the
// global range when the account has none.
func messageDelay(rng *rand.Rand, account domain.SmtpAccount,
	settings domain.CampaignSettings, cfg config.SendingConfig) int {

	if settings.DelayBetweenEmails > 0 {
		return settings.DelayBetweenEmails
	}
	min, max := account.MinDelaySec, account.MaxDelaySec
	if min <= 0 || max <= 0 {
		min, max = cfg.MinDelayBetweenEmails, cfg.MaxDelayBetweenEmails
	}
	return randBetween(rng, min, max)
}

func randBetween(rng *rand.Rand, min, max int) int {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	return min + rng.Intn(max-min+1)
}
