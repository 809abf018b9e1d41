package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/store"
)

const sweepInterval = 60 * time.Second

// RunCalendarSweep promotes SCHEDULED campaigns whose start time has
// elapsed. A distributed lock keeps the sweep single-flight across
// worker processes. Blocks until ctx is cancelled.
func (s *Scheduler) RunCalendarSweep(ctx context.Context, lock distlock.DistLock) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx, lock)
		}
	}
}

func (s *Scheduler) sweepOnce(ctx context.Context, lock distlock.DistLock) {
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		logger.Error("calendar sweep lock failed", "error", err)
		return
	}
	if !acquired {
		return
	}
	defer lock.Release(ctx)

	due, err := s.store.ListScheduledDue(ctx)
	if err != nil {
		logger.Error("calendar sweep query failed", "error", err)
		return
	}

	for _, id := range due {
		if err := s.promoteScheduled(ctx, id); err != nil {
			logger.Error("calendar sweep promote failed", "campaign_id", id, "error", err)
		}
	}
}

// promoteScheduled validates one due campaign and flips it to RUNNING,
// or to FAILED when it cannot possibly send.
func (s *Scheduler) promoteScheduled(ctx context.Context, id string) error {
	accounts, err := s.store.ActiveCampaignAccounts(ctx, id)
	if err != nil {
		return err
	}
	c, err := s.store.GetCampaignAny(ctx, id)
	if err != nil {
		return err
	}

	if len(accounts) == 0 || c.TotalRecipients == 0 {
		logger.Warn("scheduled campaign cannot run",
			"campaign_id", id, "active_accounts", len(accounts), "recipients", c.TotalRecipients)
		err := s.store.TransitionCampaign(ctx, id,
			[]domain.CampaignStatus{domain.CampaignScheduled}, domain.CampaignFailed,
			func(ctx context.Context, tx *sql.Tx) error {
				return store.MarkCampaignFinished(ctx, tx, id)
			})
		if errors.Is(err, store.ErrPrecondition) {
			return nil
		}
		return err
	}

	err = s.store.TransitionCampaign(ctx, id,
		[]domain.CampaignStatus{domain.CampaignScheduled}, domain.CampaignRunning,
		func(ctx context.Context, tx *sql.Tx) error {
			return store.MarkCampaignStarted(ctx, tx, id)
		})
	if errors.Is(err, store.ErrPrecondition) {
		// Someone else promoted or stopped it between query and CAS.
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("scheduled campaign promoted", "campaign_id", id)
	return EnqueueTick(ctx, s.tickQ, id, 0)
}
