// Package smtpprobe issues RCPT-TO probes against MX hosts over pooled
// SMTP connections, wrapped in a per-host circuit breaker, per spec §4.4.
package smtpprobe

import (
	"context"
	"fmt"
	"math/rand"
	"net/textproto"
	"time"

	"github.com/13Dev-07/emailv/breaker"
	"github.com/13Dev-07/emailv/dnsresolve"
	"github.com/13Dev-07/emailv/errs"
	"github.com/13Dev-07/emailv/smtppool"
)

// Verdict is the definitive or provisional result of probing one address.
type Verdict int

const (
	Deliverable Verdict = iota
	Undeliverable
	Tempfail
	PolicyBlock
	Inconclusive
)

func (v Verdict) String() string {
	switch v {
	case Deliverable:
		return "deliverable"
	case Undeliverable:
		return "undeliverable"
	case Tempfail:
		return "tempfail"
	case PolicyBlock:
		return "policy_block"
	case Inconclusive:
		return "inconclusive"
	default:
		return "unknown"
	}
}

// Result carries the verdict plus which MX answered and how long it took.
type Result struct {
	Verdict  Verdict
	MxHost   string
	Duration time.Duration
	Err      error
}

// Config controls the probe's own identity on the wire.
type Config struct {
	FromAddress string
	SMTPPort    int
}

func (c Config) withDefaults() Config {
	if c.FromAddress == "" {
		c.FromAddress = "probe@localhost"
	}
	if c.SMTPPort <= 0 {
		c.SMTPPort = 25
	}
	return c
}

// Prober probes recipient addresses over a shared pool, one breaker per MX
// host.
type Prober struct {
	cfg      Config
	pool     *smtppool.Pool
	breakers *breaker.Registry
}

// New constructs a Prober. Pool and breaker registry are shared across all
// callers so concurrent probes to the same host are naturally throttled by
// maxPerHost.
func New(cfg Config, pool *smtppool.Pool, breakers *breaker.Registry) *Prober {
	return &Prober{cfg: cfg.withDefaults(), pool: pool, breakers: breakers}
}

// Probe walks mxHosts in priority order, wrapping each attempt in that
// host's breaker, stopping at the first definitive answer. It never issues
// DATA: after RCPT it releases the connection, which issues NOOP.
func (p *Prober) Probe(ctx context.Context, address string, mxHosts []dnsresolve.MXRecord) Result {
	var lastErr error
	for _, mx := range mxHosts {
		start := time.Now()
		br := p.breakers.For(mx.Host)

		var verdict Verdict
		var probeErr error
		err := br.Call(ctx, "smtp.rcpt", func(ctx context.Context) error {
			verdict, probeErr = p.probeOne(ctx, mx.Host, address)
			if isBreakerFailure(verdict, probeErr) {
				return errorForBreaker(verdict, probeErr)
			}
			return nil
		})
		duration := time.Since(start)

		if err != nil && errs.Is(err, errs.BreakerOpen) {
			lastErr = err
			continue
		}
		if probeErr != nil {
			lastErr = probeErr
		}

		switch verdict {
		case Deliverable, Undeliverable:
			return Result{Verdict: verdict, MxHost: mx.Host, Duration: duration, Err: probeErr}
		default:
			// Tempfail, PolicyBlock, or a connection-fatal Inconclusive:
			// none are definitive, try the next MX.
			continue
		}
	}

	return Result{Verdict: Inconclusive, Err: lastErr}
}

// isBreakerFailure decides whether an attempt counts against the breaker:
// a 421 reply and errors of kind errs.SmtpConnect (failed dials and failed
// command writes) do. Other SMTP replies (including undeliverable/tempfail)
// do not, since those are correct protocol responses from a healthy server;
// neither do other errors, such as a failed reply read.
func isBreakerFailure(v Verdict, err error) bool {
	if err == nil {
		return false
	}
	return isConnectionFatal(err)
}

func errorForBreaker(v Verdict, err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("smtp probe failed: %s", v)
}

func isConnectionFatal(err error) bool {
	if err == nil {
		return false
	}
	if tpErr, ok := err.(*textproto.Error); ok {
		return tpErr.Code == 421
	}
	return errs.Is(err, errs.SmtpConnect)
}

// probeOne borrows a connection to mxHost, issues MAIL FROM / RCPT TO, and
// classifies the reply per spec §4.4's code table. The lease is always
// released (NOOP) or discarded (fatal) before returning.
func (p *Prober) probeOne(ctx context.Context, mxHost, address string) (Verdict, error) {
	lease, err := p.pool.Borrow(ctx, mxHost, p.cfg.SMTPPort)
	if err != nil {
		return Inconclusive, err
	}

	text := lease.Conn()
	id, err := text.Cmd("MAIL FROM:<%s>", p.cfg.FromAddress)
	if err != nil {
		lease.Discard()
		return Inconclusive, errs.New(errs.SmtpConnect, "smtpprobe.probeOne", err)
	}
	text.StartResponse(id)
	_, mailMsg, err := text.ReadResponse(250)
	text.EndResponse(id)
	if err != nil {
		verdict, fatal := classifyMailError(err, mailMsg)
		if fatal {
			lease.Discard()
		} else {
			lease.Release()
		}
		return verdict, err
	}

	id, err = text.Cmd("RCPT TO:<%s>", address)
	if err != nil {
		lease.Discard()
		return Inconclusive, errs.New(errs.SmtpConnect, "smtpprobe.probeOne", err)
	}
	text.StartResponse(id)
	_, _, rcptErr := text.ReadResponse(250)
	text.EndResponse(id)

	verdict, fatal := classifyRcptReply(rcptErr)
	if fatal {
		lease.Discard()
	} else {
		lease.Release()
	}
	return verdict, rcptErr
}

// classifyRcptReply maps the RCPT TO reply code to a verdict per spec
// §4.4: 250/251 deliverable, 550/551/553 undeliverable, 450/451/452
// tempfail, 421 connection-fatal.
func classifyRcptReply(err error) (verdict Verdict, connectionFatal bool) {
	if err == nil {
		return Deliverable, false
	}
	tpErr, ok := err.(*textproto.Error)
	if !ok {
		return Inconclusive, true
	}
	switch tpErr.Code {
	case 250, 251:
		return Deliverable, false
	case 550, 551, 553:
		return Undeliverable, false
	case 450, 451, 452:
		return Tempfail, false
	case 421:
		return Inconclusive, true
	default:
		return PolicyBlock, false
	}
}

// classifyMailError maps a failed MAIL FROM reply: any non-2xx is a policy
// block per spec §4.4 ("other 4xx/5xx on MAIL"), except 421 which is
// connection-fatal.
func classifyMailError(err error, _ string) (verdict Verdict, connectionFatal bool) {
	tpErr, ok := err.(*textproto.Error)
	if !ok {
		return Inconclusive, true
	}
	if tpErr.Code == 421 {
		return Inconclusive, true
	}
	return PolicyBlock, false
}

// ProbeCatchAll probes two random, almost-certainly-nonexistent mailboxes
// at domain's MX hosts; both coming back Deliverable means the domain
// accepts any recipient, so an individual RCPT verdict there carries no
// signal. Called by the orchestrator only after a first Deliverable
// result, to avoid spending probes on an already-undeliverable domain.
func (p *Prober) ProbeCatchAll(ctx context.Context, domain string, mxHosts []dnsresolve.MXRecord) bool {
	for i := 0; i < 2; i++ {
		probeAddr := fmt.Sprintf("no-such-mailbox-%d@%s", rand.Int63(), domain)
		if p.Probe(ctx, probeAddr, mxHosts).Verdict != Deliverable {
			return false
		}
	}
	return true
}
