package smtppool

import (
	"context"
	"sync"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// goMailDialer opens real SMTP connections with go-mail.
type goMailDialer struct {
	connectTimeout time.Duration
	socketTimeout  time.Duration
}

// NewDialer returns the production dialer. connectTimeout bounds the
// dial plus greeting; socketTimeout applies to every exchange after.
func NewDialer(connectTimeout, socketTimeout time.Duration) Dialer {
	if connectTimeout <= 0 {
		connectTimeout = 60 * time.Second
	}
	if socketTimeout <= 0 {
		socketTimeout = 75 * time.Second
	}
	return &goMailDialer{connectTimeout: connectTimeout, socketTimeout: socketTimeout}
}

func (d *goMailDialer) Dial(ctx context.Context, account domain.SmtpAccount, password string) (Transport, error) {
	opts := []mail.Option{
		mail.WithPort(account.Port),
		mail.WithTimeout(d.socketTimeout),
	}
	if account.Username != "" {
		opts = append(opts,
			mail.WithUsername(account.Username),
			mail.WithPassword(password),
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
		)
	}
	if account.Secure {
		if account.Port == 465 {
			opts = append(opts, mail.WithSSLPort(false))
		} else {
			opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
		}
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}

	client, err := mail.NewClient(account.Host, opts...)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.connectTimeout)
	defer cancel()
	if err := client.DialWithContext(dialCtx); err != nil {
		return nil, err
	}
	return &goMailTransport{client: client}, nil
}

type goMailTransport struct {
	client *mail.Client
}

func (t *goMailTransport) Send(ctx context.Context, msg *mail.Msg) error {
	return t.client.Send(msg)
}

func (t *goMailTransport) Close() error {
	return t.client.Close()
}

// Manager holds one pool per SMTP account, capped at MaxPools. When the
// cap is hit the least recently used pool is evicted and closed.
type Manager struct {
	dialer   Dialer
	opts     Options
	maxPools int

	mu    sync.Mutex
	pools map[string]*Pool

	stopReaper chan struct{}
	reaperOnce sync.Once
	closeOnce  sync.Once
}

// NewManager builds a pool manager. maxPools bounds the number of
// distinct account pools kept warm.
func NewManager(dialer Dialer, opts Options, maxPools int) *Manager {
	if maxPools < 1 {
		maxPools = 3
	}
	m := &Manager{
		dialer:     dialer,
		opts:       opts,
		maxPools:   maxPools,
		pools:      make(map[string]*Pool),
		stopReaper: make(chan struct{}),
	}
	return m
}

// StartReaper launches the idle-connection sweep. Stops when the manager
// shuts down.
func (m *Manager) StartReaper(interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m.reaperOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-m.stopReaper:
					return
				case <-ticker.C:
					now := time.Now()
					m.mu.Lock()
					pools := make([]*Pool, 0, len(m.pools))
					for _, p := range m.pools {
						pools = append(pools, p)
					}
					m.mu.Unlock()
					for _, p := range pools {
						if n := p.reapIdle(now); n > 0 {
							logger.Debug("reaped idle smtp connections",
								"account_id", p.accountID, "count", n)
						}
					}
				}
			}
		}()
	})
}

// PoolFor returns the pool for an account, creating it on first use.
// The decrypted password is only needed on the creating call.
func (m *Manager) PoolFor(account domain.SmtpAccount, password string) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pools[account.ID]; ok {
		return p
	}
	if len(m.pools) >= m.maxPools {
		m.evictColdest()
	}
	p := newPool(account, password, m.dialer, m.opts)
	m.pools[account.ID] = p
	return p
}

// evictColdest closes the least recently used pool. Caller holds m.mu.
func (m *Manager) evictColdest() {
	var coldest *Pool
	var coldestID string
	for id, p := range m.pools {
		if coldest == nil || p.lastUsed.Load() < coldest.lastUsed.Load() {
			coldest, coldestID = p, id
		}
	}
	if coldest != nil {
		delete(m.pools, coldestID)
		coldest.Close()
		logger.Info("evicted smtp pool", "account_id", coldestID)
	}
}

// DropPool closes and removes one account's pool, if present. Called
// when an account is deactivated or deleted.
func (m *Manager) DropPool(accountID string) {
	m.mu.Lock()
	p, ok := m.pools[accountID]
	delete(m.pools, accountID)
	m.mu.Unlock()
	if ok {
		p.Close()
	}
}

// Snapshot reports metrics for every live pool.
func (m *Manager) Snapshot() []Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Metrics, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p.Snapshot())
	}
	return out
}

// ShutdownAll closes every pool exactly once and stops the reaper.
func (m *Manager) ShutdownAll() {
	m.closeOnce.Do(func() {
		close(m.stopReaper)
		m.mu.Lock()
		pools := m.pools
		m.pools = make(map[string]*Pool)
		m.mu.Unlock()
		for _, p := range pools {
			p.Close()
		}
	})
}
