package scheduler

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/store"
)

func claimedList(n int) []store.ClaimedRecipient {
	out := make([]store.ClaimedRecipient, n)
	for i := range out {
		out[i] = store.ClaimedRecipient{
			CampaignRecipient: domain.CampaignRecipient{ID: string(rune('a' + i))},
			Seq:               int64(i + 1),
		}
	}
	return out
}

func fixedAccount(id string, minDelay, maxDelay int) domain.SmtpAccount {
	return domain.SmtpAccount{ID: id, MinDelaySec: minDelay, MaxDelaySec: maxDelay}
}

func sendingDefaults() config.SendingConfig {
	return config.SendingConfig{
		MinDelayBetweenEmails: 30,
		MaxDelayBetweenEmails: 120,
		BatchSizeMin:          10,
		BatchSizeMax:          20,
		BatchBreakDuration:    300,
	}
}

func TestBuildPlanFixedDelaysAreDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	accounts := []domain.SmtpAccount{fixedAccount("a1", 15, 15)}
	settings := domain.CampaignSettings{BatchSize: 10, BatchDelay: 120}

	plan := buildPlan(claimedList(2), accounts, settings, sendingDefaults(), rng)

	assert.Len(t, plan, 2)
	assert.Equal(t, 15*time.Second, plan[0].Delay)
	assert.Equal(t, 30*time.Second, plan[1].Delay)
}

func TestBuildPlanInsertsBatchBreak(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	accounts := []domain.SmtpAccount{fixedAccount("a1", 10, 10)}
	settings := domain.CampaignSettings{BatchSize: 2, BatchDelay: 100}

	plan := buildPlan(claimedList(4), accounts, settings, sendingDefaults(), rng)

	// 10s, 20s, then a 100s break, then 10s more.
	assert.Equal(t, 10*time.Second, plan[0].Delay)
	assert.Equal(t, 20*time.Second, plan[1].Delay)
	assert.Equal(t, 120*time.Second, plan[2].Delay)
	assert.Equal(t, 130*time.Second, plan[3].Delay)
}

func TestBuildPlanNoBreakAfterLastRecipient(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	accounts := []domain.SmtpAccount{fixedAccount("a1", 10, 10)}
	settings := domain.CampaignSettings{BatchSize: 2, BatchDelay: 100}

	plan := buildPlan(claimedList(3), accounts, settings, sendingDefaults(), rng)

	// The last recipient gets a plain inter-message delay, not a break.
	assert.Equal(t, 30*time.Second, plan[2].Delay)
}

func TestBuildPlanRoundRobinIsKeyedBySequence(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	accounts := []domain.SmtpAccount{
		fixedAccount("a1", 10, 10),
		fixedAccount("a2", 10, 10),
		fixedAccount("a3", 10, 10),
	}
	settings := domain.CampaignSettings{DelayBetweenEmails: 10}

	claimed := claimedList(6)
	plan := buildPlan(claimed, accounts, settings, sendingDefaults(), rng)
	for i, p := range plan {
		assert.Equal(t, accounts[i%3].ID, p.Account.ID)
	}

	// A retried tick re-claims with the same sequences and must assign
	// identical accounts, whatever order the claim returned.
	replayed := buildPlan(claimed, accounts, settings, sendingDefaults(), rand.New(rand.NewSource(99)))
	for i := range plan {
		assert.Equal(t, plan[i].Account.ID, replayed[i].Account.ID)
	}
}

func TestBuildPlanDrawsDelaysWithinAccountRange(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	accounts := []domain.SmtpAccount{fixedAccount("a1", 20, 40)}
	settings := domain.CampaignSettings{BatchSize: 1000}

	plan := buildPlan(claimedList(50), accounts, settings, sendingDefaults(), rng)

	prev := time.Duration(0)
	for _, p := range plan {
		gap := p.Delay - prev
		assert.GreaterOrEqual(t, gap, 20*time.Second)
		assert.LessOrEqual(t, gap, 40*time.Second)
		prev = p.Delay
	}
}

func TestBuildPlanFallsBackToGlobalDelayRange(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	accounts := []domain.SmtpAccount{fixedAccount("a1", 0, 0)}
	cfg := sendingDefaults()
	cfg.MinDelayBetweenEmails = 5
	cfg.MaxDelayBetweenEmails = 5

	plan := buildPlan(claimedList(3), accounts, domain.CampaignSettings{BatchSize: 100}, cfg, rng)
	assert.Equal(t, 5*time.Second, plan[0].Delay)
	assert.Equal(t, 10*time.Second, plan[1].Delay)
	assert.Equal(t, 15*time.Second, plan[2].Delay)
}

func TestRandBetween(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 100; i++ {
		v := randBetween(rng, 5, 9)
		assert.GreaterOrEqual(t, v, 5)
		assert.LessOrEqual(t, v, 9)
	}
	assert.Equal(t, 7, randBetween(rng, 7, 7))
	assert.Equal(t, 4, randBetween(rng, 4, 2), "inverted bounds collapse to min")
}
