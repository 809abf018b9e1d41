package scheduler

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/queue"
	"github.com/ignite/campaign-engine/internal/store"
)

// Lifecycle implements the campaign lifecycle commands. Every command
// verifies ownership, runs its guarded status transition, and reconciles
// the job queues.
type Lifecycle struct {
	store *store.Store
	tickQ *queue.Queue
	sendQ *queue.Queue
}

// NewLifecycle wires the lifecycle command handler.
func NewLifecycle(st *store.Store, tickQ, sendQ *queue.Queue) *Lifecycle {
	return &Lifecycle{store: st, tickQ: tickQ, sendQ: sendQ}
}

func (l *Lifecycle) owned(ctx context.Context, userID, id string) (*domain.Campaign, error) {
	return l.store.GetCampaign(ctx, userID, id)
}

// Start moves a DRAFT, SCHEDULED or PAUSED campaign to RUNNING and
// enqueues an immediate tick. Starting an already running campaign is
// a no-op. A campaign with no recipients cannot start.
func (l *Lifecycle) Start(ctx context.Context, userID, id string) error {
	c, err := l.owned(ctx, userID, id)
	if err != nil {
		return err
	}
	if c.Status == domain.CampaignRunning {
		return nil
	}
	if c.TotalRecipients == 0 {
		return fmt.Errorf("%w: campaign has no recipients", store.ErrPrecondition)
	}
	err = l.store.TransitionCampaign(ctx, id,
		[]domain.CampaignStatus{domain.CampaignDraft, domain.CampaignScheduled, domain.CampaignPaused},
		domain.CampaignRunning,
		func(ctx context.Context, tx *sql.Tx) error {
			return store.MarkCampaignStarted(ctx, tx, id)
		})
	if err != nil {
		return err
	}
	logger.Info("campaign started", "campaign_id", id)
	return EnqueueTick(ctx, l.tickQ, id, 0)
}

// Pause halts a RUNNING campaign and drops its pending send jobs.
// In-flight sends finish to their terminal outcome. Pausing an already
// paused campaign is a no-op.
func (l *Lifecycle) Pause(ctx context.Context, userID, id string) error {
	c, err := l.owned(ctx, userID, id)
	if err != nil {
		return err
	}
	if c.Status == domain.CampaignPaused {
		return nil
	}
	err = l.store.TransitionCampaign(ctx, id,
		[]domain.CampaignStatus{domain.CampaignRunning}, domain.CampaignPaused,
		func(ctx context.Context, tx *sql.Tx) error {
			return store.MarkCampaignPaused(ctx, tx, id)
		})
	if err != nil {
		return err
	}
	return l.cancelPending(ctx, id)
}

// Resume returns a PAUSED campaign to RUNNING. Recipients that were
// claimed but never attempted fall back to PENDING so the next tick
// re-paces them.
func (l *Lifecycle) Resume(ctx context.Context, userID, id string) error {
	if _, err := l.owned(ctx, userID, id); err != nil {
		return err
	}
	err := l.store.TransitionCampaign(ctx, id,
		[]domain.CampaignStatus{domain.CampaignPaused}, domain.CampaignRunning,
		func(ctx context.Context, tx *sql.Tx) error {
			if err := store.MarkCampaignStarted(ctx, tx, id); err != nil {
				return err
			}
			return store.ReleaseUnclaimedRecipients(ctx, tx, id)
		})
	if err != nil {
		return err
	}
	logger.Info("campaign resumed", "campaign_id", id)
	return EnqueueTick(ctx, l.tickQ, id, 0)
}

// Stop cancels a campaign from any non-terminal state and drops every
// pending job.
func (l *Lifecycle) Stop(ctx context.Context, userID, id string) error {
	if _, err := l.owned(ctx, userID, id); err != nil {
		return err
	}
	err := l.store.TransitionCampaign(ctx, id,
		[]domain.CampaignStatus{domain.CampaignRunning, domain.CampaignPaused, domain.CampaignScheduled},
		domain.CampaignCancelled,
		func(ctx context.Context, tx *sql.Tx) error {
			return store.MarkCampaignFinished(ctx, tx, id)
		})
	if err != nil {
		return err
	}
	logger.Info("campaign stopped", "campaign_id", id)
	return l.cancelPending(ctx, id)
}

// Restart wipes delivery state for a COMPLETED, FAILED or PAUSED
// campaign and runs it again from scratch. Not allowed from CANCELLED.
func (l *Lifecycle) Restart(ctx context.Context, userID, id string) error {
	if _, err := l.owned(ctx, userID, id); err != nil {
		return err
	}
	err := l.store.TransitionCampaign(ctx, id,
		[]domain.CampaignStatus{domain.CampaignCompleted, domain.CampaignFailed, domain.CampaignPaused},
		domain.CampaignRunning,
		func(ctx context.Context, tx *sql.Tx) error {
			return store.ResetCampaignForRestart(ctx, tx, id)
		})
	if err != nil {
		return err
	}
	// Stale jobs referencing the purged logs must not fire.
	if err := l.cancelPending(ctx, id); err != nil {
		return err
	}
	logger.Info("campaign restarted", "campaign_id", id)
	return EnqueueTick(ctx, l.tickQ, id, 0)
}

// Delete removes a non-running campaign along with its pending jobs.
func (l *Lifecycle) Delete(ctx context.Context, userID, id string) error {
	if err := l.store.DeleteCampaign(ctx, userID, id); err != nil {
		return err
	}
	return l.cancelPending(ctx, id)
}

func (l *Lifecycle) cancelPending(ctx context.Context, campaignID string) error {
	dropped, err := l.sendQ.CancelCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	if _, err := l.tickQ.CancelCampaign(ctx, campaignID); err != nil {
		return err
	}
	if dropped > 0 {
		logger.Info("cancelled pending send jobs", "campaign_id", campaignID, "count", dropped)
	}
	return nil
}
