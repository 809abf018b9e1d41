// Package smtppool maintains reusable SMTP connections per sending
// account. Connections are dialed lazily, reused across messages, rotated
// after a message cap, and reaped after sitting idle.
package smtppool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wneessen/go-mail"
	"golang.org/x/time/rate"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("smtppool: pool closed")

// Transport is one live SMTP connection.
type Transport interface {
	Send(ctx context.Context, msg *mail.Msg) error
	Close() error
}

// Dialer opens transports. Swapped for a fake in tests.
type Dialer interface {
	Dial(ctx context.Context, account domain.SmtpAccount, password string) (Transport, error)
}

// Options tune one account pool.
type Options struct {
	MaxConnections int           // concurrent connections per account
	MaxMessages    int           // messages per connection before reconnect
	IdleTimeout    time.Duration // idle connection lifetime
	RateLimit      rate.Limit    // messages per second across the pool
}

// Conn is a leased transport. Release it exactly once.
type Conn struct {
	transport Transport
	pool      *Pool
	messages  int
	broken    bool
}

// Send delivers one message, counting it against the connection's
// message budget and the pool's rate limiter.
func (c *Conn) Send(ctx context.Context, msg *mail.Msg) error {
	if err := c.pool.limiter.Wait(ctx); err != nil {
		return err
	}
	c.messages++
	if err := c.transport.Send(ctx, msg); err != nil {
		c.broken = true
		return err
	}
	return nil
}

// Pool is the connection pool for a single SMTP account.
type Pool struct {
	accountID string
	opts      Options
	dialer    Dialer
	account   domain.SmtpAccount
	password  string
	limiter   *rate.Limiter

	mu     sync.Mutex
	idle   []*idleConn
	live   int
	closed bool
	// capacity gate; a token is held per live connection
	slots chan struct{}

	opened atomic.Int64
	reaped atomic.Int64
	hits   atomic.Int64
	misses atomic.Int64
	active atomic.Int64

	lastUsed atomic.Int64 // unix nano, for manager eviction
}

type idleConn struct {
	transport Transport
	messages  int
	idleSince time.Time
}

func newPool(account domain.SmtpAccount, password string, dialer Dialer, opts Options) *Pool {
	if opts.MaxConnections < 1 {
		opts.MaxConnections = 1
	}
	if opts.MaxMessages < 1 {
		opts.MaxMessages = 100
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = rate.Limit(5)
	}
	p := &Pool{
		accountID: account.ID,
		account:   account,
		password:  password,
		dialer:    dialer,
		opts:      opts,
		limiter:   rate.NewLimiter(opts.RateLimit, 1),
		slots:     make(chan struct{}, opts.MaxConnections),
	}
	p.lastUsed.Store(time.Now().UnixNano())
	return p
}

// Acquire leases a connection, dialing one if the pool has room, or
// blocking until a slot frees up or ctx expires.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.lastUsed.Store(time.Now().UnixNano())

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		ic := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		p.hits.Add(1)
		p.active.Add(1)
		return &Conn{transport: ic.transport, pool: p, messages: ic.messages}, nil
	}
	p.live++
	p.mu.Unlock()

	transport, err := p.dialer.Dial(ctx, p.account, p.password)
	if err != nil {
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
		<-p.slots
		return nil, fmt.Errorf("smtppool: dial %s: %w", p.account.Host, err)
	}
	p.opened.Add(1)
	p.misses.Add(1)
	p.active.Add(1)
	return &Conn{transport: transport, pool: p}, nil
}

// Release returns a connection to the pool. Broken connections and those
// at their message cap are closed instead of parked.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}
	p.active.Add(-1)
	defer func() { <-p.slots }()

	if c.broken || c.messages >= p.opts.MaxMessages {
		p.discard(c.transport)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.discard(c.transport)
		return
	}
	p.idle = append(p.idle, &idleConn{
		transport: c.transport,
		messages:  c.messages,
		idleSince: time.Now(),
	})
	p.mu.Unlock()
}

func (p *Pool) discard(t Transport) {
	p.mu.Lock()
	p.live--
	p.mu.Unlock()
	if err := t.Close(); err != nil {
		logger.Debug("smtp connection close failed", "account_id", p.accountID, "error", err)
	}
}

// reapIdle closes connections idle longer than the timeout. Returns the
// number closed.
func (p *Pool) reapIdle(now time.Time) int {
	p.mu.Lock()
	var keep []*idleConn
	var stale []*idleConn
	for _, ic := range p.idle {
		if now.Sub(ic.idleSince) >= p.opts.IdleTimeout {
			stale = append(stale, ic)
		} else {
			keep = append(keep, ic)
		}
	}
	p.idle = keep
	p.live -= len(stale)
	p.mu.Unlock()

	for _, ic := range stale {
		ic.transport.Close()
		p.reaped.Add(1)
	}
	return len(stale)
}

// Close shuts the pool; idle connections close immediately, leased ones
// when released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.live -= len(idle)
	p.mu.Unlock()

	for _, ic := range idle {
		ic.transport.Close()
	}
}

// Metrics is a point-in-time snapshot of pool counters.
type Metrics struct {
	AccountID string  `json:"account_id"`
	Live      int     `json:"live_connections"`
	Idle      int     `json:"idle_connections"`
	Active    int64   `json:"active_leases"`
	Opened    int64   `json:"opened_total"`
	Reaped    int64   `json:"reaped_total"`
	Hits      int64   `json:"reuse_hits"`
	Misses    int64   `json:"reuse_misses"`
	HitRate   float64 `json:"hit_rate"`
}

// Snapshot reports current pool counters.
func (p *Pool) Snapshot() Metrics {
	p.mu.Lock()
	live, idle := p.live, len(p.idle)
	p.mu.Unlock()

	hits, misses := p.hits.Load(), p.misses.Load()
	m := Metrics{
		AccountID: p.accountID,
		Live:      live,
		Idle:      idle,
		Active:    p.active.Load(),
		Opened:    p.opened.Load(),
		Reaped:    p.reaped.Load(),
		Hits:      hits,
		Misses:    misses,
	}
	if total := hits + misses; total > 0 {
		m.HitRate = float64(hits) / float64(total)
	}
	return m
}
