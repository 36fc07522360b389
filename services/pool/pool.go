package pool

import (
	"context"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/mailbridge/mailbridge/config"
	"github.com/mailbridge/mailbridge/internal/enum"
	er "github.com/mailbridge/mailbridge/internal/errors"
	"github.com/mailbridge/mailbridge/internal/logger"
	"github.com/mailbridge/mailbridge/internal/models"
	"github.com/mailbridge/mailbridge/internal/tracing"
	"github.com/mailbridge/mailbridge/internal/utils"
)

// Session is a live, authenticated SMTP session.
type Session interface {
	Noop() error
	SendMail(ctx context.Context, from string, recipients []string, msg []byte) error
	Close() error
}

// Dialer opens a new authenticated session for an account.
type Dialer interface {
	Dial(ctx context.Context, account *models.Account) (Session, error)
}

// PooledConnection wraps a session together with the pool bookkeeping
// needed to decide whether it can be reused.
type PooledConnection struct {
	session           Session
	accountID         string
	host              string
	credentialVersion int64
	createdAt         time.Time
	lastUsedAt        time.Time
	state             enum.ConnectionState
}

func (c *PooledConnection) Session() Session {
	return c.session
}

func (c *PooledConnection) AccountID() string {
	return c.accountID
}

func (c *PooledConnection) Age() time.Duration {
	return utils.Now().Sub(c.createdAt)
}

func (c *PooledConnection) IdleFor() time.Duration {
	return utils.Now().Sub(c.lastUsedAt)
}

type accountSlot struct {
	// semaphore bounds open connections per account, idle + leased
	semaphore chan struct{}
	// idle connections, most recently released first
	idle              []*PooledConnection
	credentialVersion int64
	leased            int
}

// AccountStats reports pool occupancy for a single account.
type AccountStats struct {
	AccountID string `json:"accountId"`
	Idle      int    `json:"idle"`
	Leased    int    `json:"leased"`
	Capacity  int    `json:"capacity"`
}

// Stats reports pool occupancy across all accounts.
type Stats struct {
	Accounts    []AccountStats `json:"accounts"`
	TotalIdle   int            `json:"totalIdle"`
	TotalLeased int            `json:"totalLeased"`
}

// ConnectionPool keeps authenticated SMTP sessions alive between sends
// so that consecutive deliveries for the same account skip the
// connect/TLS/auth handshake.
type ConnectionPool struct {
	cfg    *config.PoolConfig
	dialer Dialer
	log    logger.Logger

	mu     sync.Mutex
	slots  map[string]*accountSlot
	closed bool
}

func NewConnectionPool(cfg *config.PoolConfig, dialer Dialer, log logger.Logger) *ConnectionPool {
	return &ConnectionPool{
		cfg:    cfg,
		dialer: dialer,
		log:    log,
		slots:  make(map[string]*accountSlot),
	}
}

// Acquire returns a healthy session for the account, reusing an idle one
// when possible. It blocks until a per-account slot frees up, the context
// is done, or the acquire timeout elapses.
func (p *ConnectionPool) Acquire(ctx context.Context, account *models.Account) (*PooledConnection, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "ConnectionPool.Acquire")
	defer span.Finish()
	tracing.TagAccount(span, account.ID)

	slot, err := p.slotFor(account)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	timeout := p.cfg.AcquireTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case slot.semaphore <- struct{}{}:
	case <-ctx.Done():
		tracing.TraceErr(span, ctx.Err())
		return nil, ctx.Err()
	case <-timer.C:
		tracing.TraceErr(span, er.ErrPoolExhausted)
		return nil, er.ErrPoolExhausted
	}

	conn, err := p.checkout(ctx, slot, account)
	if err != nil {
		<-slot.semaphore
		tracing.TraceErr(span, err)
		return nil, err
	}
	span.LogKV("reused", conn.lastUsedAt != conn.createdAt)
	return conn, nil
}

// Release returns a connection to the pool. Broken connections are closed
// instead of being parked for reuse.
func (p *ConnectionPool) Release(conn *PooledConnection, broken bool) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	slot, ok := p.slots[conn.accountID]
	if !ok || p.closed {
		p.mu.Unlock()
		p.closeConn(conn)
		return
	}

	slot.leased--
	stale := conn.credentialVersion != slot.credentialVersion ||
		conn.Age() >= p.cfg.MaxLifetime
	if broken || stale {
		p.mu.Unlock()
		<-slot.semaphore
		p.closeConn(conn)
		return
	}

	conn.state = enum.ConnectionStateIdle
	conn.lastUsedAt = utils.Now()
	slot.idle = append(slot.idle, conn)
	p.mu.Unlock()
	<-slot.semaphore
}

// Invalidate closes every idle connection for the account and records the
// new credential version so leased connections are discarded on release.
func (p *ConnectionPool) Invalidate(ctx context.Context, accountID string, credentialVersion int64) {
	span, _ := opentracing.StartSpanFromContext(ctx, "ConnectionPool.Invalidate")
	defer span.Finish()
	tracing.TagAccount(span, accountID)
	span.LogKV("credentialVersion", credentialVersion)

	p.mu.Lock()
	slot, ok := p.slots[accountID]
	if !ok {
		p.mu.Unlock()
		return
	}
	slot.credentialVersion = credentialVersion
	idle := slot.idle
	slot.idle = nil
	p.mu.Unlock()

	for _, conn := range idle {
		p.closeConn(conn)
	}
	span.LogKV("closed", len(idle))
}

// EvictStale closes idle connections that exceeded the idle or lifetime
// limits. It is run periodically by the cron manager.
func (p *ConnectionPool) EvictStale(ctx context.Context) int {
	span, _ := opentracing.StartSpanFromContext(ctx, "ConnectionPool.EvictStale")
	defer span.Finish()
	tracing.TagComponentCronJob(span)

	var evicted []*PooledConnection

	p.mu.Lock()
	for _, slot := range p.slots {
		kept := slot.idle[:0]
		for _, conn := range slot.idle {
			if conn.IdleFor() >= p.cfg.MaxIdle || conn.Age() >= p.cfg.MaxLifetime {
				evicted = append(evicted, conn)
			} else {
				kept = append(kept, conn)
			}
		}
		slot.idle = kept
	}
	p.mu.Unlock()

	for _, conn := range evicted {
		p.closeConn(conn)
	}
	span.LogKV("evicted", len(evicted))
	return len(evicted)
}

// Stats returns a snapshot of pool occupancy.
func (p *ConnectionPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{Accounts: []AccountStats{}}
	for accountID, slot := range p.slots {
		stats.Accounts = append(stats.Accounts, AccountStats{
			AccountID: accountID,
			Idle:      len(slot.idle),
			Leased:    slot.leased,
			Capacity:  p.cfg.MaxConnectionsPerAccount,
		})
		stats.TotalIdle += len(slot.idle)
		stats.TotalLeased += slot.leased
	}
	return stats
}

// Close shuts the pool down. Further acquires fail with ErrPoolClosed.
func (p *ConnectionPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var idle []*PooledConnection
	for _, slot := range p.slots {
		idle = append(idle, slot.idle...)
		slot.idle = nil
	}
	p.mu.Unlock()

	for _, conn := range idle {
		p.closeConn(conn)
	}
}

func (p *ConnectionPool) slotFor(account *models.Account) (*accountSlot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, er.ErrPoolClosed
	}

	slot, ok := p.slots[account.ID]
	if !ok {
		slot = &accountSlot{
			semaphore:         make(chan struct{}, p.cfg.MaxConnectionsPerAccount),
			credentialVersion: account.CredentialVersion,
		}
		p.slots[account.ID] = slot
	}
	return slot, nil
}

// checkout is called with a semaphore slot held. It pops idle connections
// until one passes the health checks, then falls back to dialing.
func (p *ConnectionPool) checkout(ctx context.Context, slot *accountSlot, account *models.Account) (*PooledConnection, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, er.ErrPoolClosed
		}
		if account.CredentialVersion > slot.credentialVersion {
			slot.credentialVersion = account.CredentialVersion
		}
		var conn *PooledConnection
		if n := len(slot.idle); n > 0 {
			conn = slot.idle[n-1]
			slot.idle = slot.idle[:n-1]
		}
		if conn == nil {
			slot.leased++
			p.mu.Unlock()
			return p.dial(ctx, slot, account)
		}
		version := slot.credentialVersion
		p.mu.Unlock()

		if conn.credentialVersion != version ||
			conn.Age() >= p.cfg.MaxLifetime ||
			conn.IdleFor() >= p.cfg.MaxIdle {
			p.closeConn(conn)
			continue
		}
		if p.cfg.NoopCheckBeforeUse {
			if err := conn.session.Noop(); err != nil {
				p.log.Warnf("pool: dropping dead connection for account %s: %v", account.ID, err)
				p.closeConn(conn)
				continue
			}
		}

		p.mu.Lock()
		slot.leased++
		p.mu.Unlock()
		conn.state = enum.ConnectionStateLeased
		conn.lastUsedAt = utils.Now()
		return conn, nil
	}
}

func (p *ConnectionPool) dial(ctx context.Context, slot *accountSlot, account *models.Account) (*PooledConnection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()

	session, err := p.dialer.Dial(dialCtx, account)
	if err != nil {
		p.mu.Lock()
		slot.leased--
		p.mu.Unlock()
		return nil, errors.Wrap(er.ErrConnectionOpenFailed, err.Error())
	}

	now := utils.Now()
	return &PooledConnection{
		session:           session,
		accountID:         account.ID,
		host:              account.SmtpHost,
		credentialVersion: account.CredentialVersion,
		createdAt:         now,
		lastUsedAt:        now,
		state:             enum.ConnectionStateLeased,
	}, nil
}

func (p *ConnectionPool) closeConn(conn *PooledConnection) {
	conn.state = enum.ConnectionStateClosed
	if err := conn.session.Close(); err != nil {
		p.log.Debugf("pool: closing connection for account %s: %v", conn.accountID, err)
	}
}
