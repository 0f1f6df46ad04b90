// Package smtppool manages pooled SMTP connections to MX hosts, bounded
// per host and reaped in the background, per spec §3/§4.4.
package smtppool

import (
	"context"
	"fmt"
	"net"
	"net/textproto"
	"sync"
	"time"

	"github.com/13Dev-07/emailv/errs"
)

// Config controls pooling, dialing, and retry behavior.
type Config struct {
	MaxPerHost      int
	MaxLifetime     time.Duration
	MaxRetries      int
	DialTimeout     time.Duration
	WaitTimeout     time.Duration
	CleanupInterval time.Duration
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	HeloHost        string
}

func (c Config) withDefaults() Config {
	if c.MaxPerHost <= 0 {
		c.MaxPerHost = 4
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = 5 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 5 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.HeloHost == "" {
		c.HeloHost = "localhost"
	}
	return c
}

// Connection is a pooled SMTP session, its lifecycle new → idle → borrowed
// → idle → closed, matching spec §3's SmtpConnection.
type Connection struct {
	Host       string
	Port       int
	openedAt   time.Time
	lastUsedAt time.Time
	failedCnt  int
	text       *textproto.Conn
	conn       net.Conn
}

// eligible reports the cheap, in-memory part of connection liveness: not
// already closed, not past its lifetime, and under the retry-failure
// ceiling. It never touches the network, so it is safe to call while
// holding the host lock.
func (c *Connection) eligible(now time.Time, maxLifetime time.Duration, maxRetries int) bool {
	if c.text == nil {
		return false
	}
	if now.Sub(c.openedAt) > maxLifetime {
		return false
	}
	if c.failedCnt >= maxRetries {
		return false
	}
	return true
}

// valid reports whether c may still be borrowed: eligible plus a live NOOP
// round trip. It performs real network I/O and must never be called while
// holding a host lock.
func (c *Connection) valid(now time.Time, maxLifetime time.Duration, maxRetries int) bool {
	return c.eligible(now, maxLifetime, maxRetries) && c.noop() == nil
}

func (c *Connection) noop() error {
	id, err := c.text.Cmd("NOOP")
	if err != nil {
		return err
	}
	c.text.StartResponse(id)
	defer c.text.EndResponse(id)
	_, _, err = c.text.ReadResponse(250)
	return err
}

func (c *Connection) close() error {
	if c.text == nil {
		return nil
	}
	err := c.text.Close()
	c.text = nil
	return err
}

// hostEntry holds every connection (idle and borrowed) for one hostKey and
// the condition variable borrowers wait on.
type hostEntry struct {
	mu        sync.Mutex
	cond      *sync.Cond
	idle      []*Connection
	borrowed  int
	totalOpen int
}

// Pool borrows, releases, and reaps SMTP connections keyed by host:port.
type Pool struct {
	cfg Config

	mu    sync.Mutex
	hosts map[string]*hostEntry

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Pool and starts its background reaper. Stop must be
// called to release the reaper goroutine.
func New(cfg Config) *Pool {
	p := &Pool{cfg: cfg.withDefaults(), hosts: make(map[string]*hostEntry), stopCh: make(chan struct{})}
	p.wg.Add(1)
	go p.reapLoop()
	return p
}

// Stop halts the background reaper. It does not close borrowed or idle
// connections; call CloseAll first if a full shutdown is wanted.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func hostKey(host string, port int) string { return fmt.Sprintf("%s:%d", host, port) }

func (p *Pool) entryFor(key string) *hostEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.hosts[key]
	if !ok {
		e = &hostEntry{}
		e.cond = sync.NewCond(&e.mu)
		p.hosts[key] = e
	}
	return e
}

// Lease is a borrowed connection plus bookkeeping needed to return it.
type Lease struct {
	conn *Connection
	key  string
	pool *Pool
}

// Conn exposes the underlying textproto connection for issuing SMTP
// commands.
func (l *Lease) Conn() *textproto.Conn { return l.conn.text }

// Borrow implements spec §4.4's three-step borrow rule: reuse an idle valid
// connection, else open a new one if under maxPerHost, else wait on the
// host condition until release or timeout. The host lock is only ever held
// around in-memory list manipulation; the NOOP liveness check and the dial
// itself both run with the lock released, per spec §5.
func (p *Pool) Borrow(ctx context.Context, host string, port int) (*Lease, error) {
	key := hostKey(host, port)
	e := p.entryFor(key)

	deadline := time.Now().Add(p.cfg.WaitTimeout)
	for {
		e.mu.Lock()
		now := time.Now()

		var candidate *Connection
		for i, c := range e.idle {
			if c.eligible(now, p.cfg.MaxLifetime, p.cfg.MaxRetries) {
				candidate = c
				e.idle = append(e.idle[:i], e.idle[i+1:]...)
			} else {
				_ = c.close()
				e.idle = append(e.idle[:i], e.idle[i+1:]...)
				e.totalOpen--
			}
			break
		}

		if candidate != nil {
			e.borrowed++
			e.mu.Unlock()

			if candidate.noop() == nil {
				return &Lease{conn: candidate, key: key, pool: p}, nil
			}
			_ = candidate.close()
			e.mu.Lock()
			e.borrowed--
			e.totalOpen--
			e.mu.Unlock()
			continue
		}

		if e.totalOpen < p.cfg.MaxPerHost {
			e.totalOpen++
			e.borrowed++
			e.mu.Unlock()

			conn, err := p.dialWithRetry(ctx, host, port)
			if err != nil {
				e.mu.Lock()
				e.totalOpen--
				e.borrowed--
				e.mu.Unlock()
				return nil, err
			}
			return &Lease{conn: conn, key: key, pool: p}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			e.mu.Unlock()
			return nil, errs.New(errs.PoolExhausted, "smtppool.Borrow", nil)
		}
		waitDone := make(chan struct{})
		timer := time.AfterFunc(remaining, func() {
			e.mu.Lock()
			close(waitDone)
			e.cond.Broadcast()
			e.mu.Unlock()
		})
		e.cond.Wait()
		timer.Stop()
		select {
		case <-waitDone:
			e.mu.Unlock()
			return nil, errs.New(errs.PoolExhausted, "smtppool.Borrow", nil)
		default:
		}
		e.mu.Unlock()
	}
}

// dialWithRetry implements spec §4.4's connect sequence and retry policy:
// TCP connect, wait for 220, EHLO falling back to HELO, exponential backoff
// retrying only transient failures.
func (p *Pool) dialWithRetry(ctx context.Context, host string, port int) (*Connection, error) {
	var lastErr error
	delay := p.cfg.RetryBaseDelay
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		conn, err := p.dialOnce(ctx, host, port)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, errs.New(errs.SmtpConnect, "smtppool.dialWithRetry", ctx.Err())
		}
		delay *= 2
		if delay > p.cfg.RetryMaxDelay {
			delay = p.cfg.RetryMaxDelay
		}
	}
	return nil, errs.New(errs.SmtpConnect, "smtppool.dialWithRetry", lastErr)
}

func (p *Pool) dialOnce(ctx context.Context, host string, port int) (*Connection, error) {
	d := net.Dialer{Timeout: p.cfg.DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, err
	}

	text := textproto.NewConn(raw)
	if _, _, err := text.ReadResponse(220); err != nil {
		_ = text.Close()
		return nil, err
	}

	if err := ehloOrHelo(text, p.cfg.HeloHost); err != nil {
		_ = text.Close()
		return nil, err
	}

	now := time.Now()
	return &Connection{Host: host, Port: port, openedAt: now, lastUsedAt: now, text: text, conn: raw}, nil
}

func ehloOrHelo(text *textproto.Conn, heloHost string) error {
	id, err := text.Cmd("EHLO %s", heloHost)
	if err != nil {
		return err
	}
	text.StartResponse(id)
	_, _, err = text.ReadResponse(250)
	text.EndResponse(id)
	if err == nil {
		return nil
	}

	id, err = text.Cmd("HELO %s", heloHost)
	if err != nil {
		return err
	}
	text.StartResponse(id)
	_, _, err = text.ReadResponse(250)
	text.EndResponse(id)
	return err
}

// isRetryable reports whether a dial/handshake failure is worth retrying:
// a network timeout or an SMTP 4xx transient reply. Other network errors,
// such as a refused connection, are not retried.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if ne, ok := err.(net.Error); ok {
		return ne.Timeout()
	}
	if tpErr, ok := err.(*textproto.Error); ok {
		return tpErr.Code >= 400 && tpErr.Code < 500
	}
	return false
}

// Release runs NOOP on the connection; success returns it to idle,
// failure discards it. Always call exactly one of Release/Discard per
// Lease, including on panic recovery paths.
func (l *Lease) Release() {
	if err := l.conn.noop(); err != nil {
		l.conn.failedCnt++
		l.Discard()
		return
	}
	l.conn.lastUsedAt = time.Now()

	e := l.pool.entryFor(l.key)
	e.mu.Lock()
	e.idle = append(e.idle, l.conn)
	e.borrowed--
	e.cond.Signal()
	e.mu.Unlock()
}

// Discard closes the connection and removes it from the host's accounting,
// waking one waiter.
func (l *Lease) Discard() {
	_ = l.conn.close()

	e := l.pool.entryFor(l.key)
	e.mu.Lock()
	e.borrowed--
	e.totalOpen--
	e.cond.Signal()
	e.mu.Unlock()
}

// CloseAll closes every idle connection across all hosts. Borrowed
// connections still in flight are not closed: a later Release whose NOOP
// succeeds puts them back on the idle list.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.hosts {
		e.mu.Lock()
		for _, c := range e.idle {
			_ = c.close()
		}
		e.idle = nil
		e.totalOpen = e.borrowed
		e.mu.Unlock()
	}
}

func (p *Pool) reapLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapOnce()
		}
	}
}

// reapOnce drops idle connections that are expired, over their lifetime,
// or fail NOOP, deleting the host key entirely once its connection list is
// empty. The NOOP round trips run with the host lock released, so a slow
// or stalled peer never blocks concurrent Borrow/Release calls for the
// same host, per spec §5.
func (p *Pool) reapOnce() {
	p.mu.Lock()
	keys := make([]string, 0, len(p.hosts))
	for k := range p.hosts {
		keys = append(keys, k)
	}
	p.mu.Unlock()

	now := time.Now()
	for _, key := range keys {
		e := p.entryFor(key)

		e.mu.Lock()
		sweep := make([]*Connection, len(e.idle))
		copy(sweep, e.idle)
		e.idle = e.idle[:0]
		e.mu.Unlock()

		var live []*Connection
		dropped := 0
		for _, c := range sweep {
			if c.valid(now, p.cfg.MaxLifetime, p.cfg.MaxRetries) {
				live = append(live, c)
				continue
			}
			_ = c.close()
			dropped++
		}

		e.mu.Lock()
		e.idle = append(e.idle, live...)
		e.totalOpen -= dropped
		empty := e.totalOpen <= 0 && len(e.idle) == 0
		e.mu.Unlock()

		if empty {
			p.mu.Lock()
			if cur, ok := p.hosts[key]; ok && cur == e {
				delete(p.hosts, key)
			}
			p.mu.Unlock()
		}
	}
}
