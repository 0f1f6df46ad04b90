// Package validate implements the validation orchestrator of spec §4.6:
// syntax, verdict-cache lookup, domain risk, DNS resolution, and SMTP
// probing, composed into one scored verdict.
package validate

import (
	"context"
	"time"

	"github.com/13Dev-07/emailv/address"
	"github.com/13Dev-07/emailv/dnsresolve"
	"github.com/13Dev-07/emailv/risk"
	"github.com/13Dev-07/emailv/smtpprobe"
	"github.com/13Dev-07/emailv/telemetry"
	"github.com/13Dev-07/emailv/verdictcache"
)

// Options controls which checks run for one address, per spec §6's
// `POST /validate` body.
type Options struct {
	CheckMX   bool
	CheckSMTP bool
	SMTPFrom  string
	// Reputation, if set, supplies an external reputation score (0-100)
	// for the domain; absent by default.
	Reputation func(domain string) (score int, ok bool)
}

func (o Options) digest() map[string]any {
	return map[string]any{"check_mx": o.CheckMX, "check_smtp": o.CheckSMTP}
}

// Engine wires every component needed to produce a verdict.
type Engine struct {
	resolver *dnsresolve.Resolver
	prober   *smtpprobe.Prober
	risk     *risk.Checker
	cache    *verdictcache.Cache
	metrics  *telemetry.Metrics
	audit    *telemetry.AuditLog
}

// New constructs an Engine from its component dependencies. metrics and
// audit may be nil to disable emission (e.g. in tests).
func New(resolver *dnsresolve.Resolver, prober *smtpprobe.Prober, riskChecker *risk.Checker, cache *verdictcache.Cache, metrics *telemetry.Metrics, audit *telemetry.AuditLog) *Engine {
	return &Engine{resolver: resolver, prober: prober, risk: riskChecker, cache: cache, metrics: metrics, audit: audit}
}

// Validate runs the full pipeline of spec §4.6 for one raw address.
func (e *Engine) Validate(ctx context.Context, raw string, opts Options) (verdictcache.Verdict, error) {
	overallStart := time.Now()

	// Step 1: syntax + IDNA, fail fast.
	addr, err := e.stage("syntax", func() (address.Address, error) { return address.Parse(raw) })
	if err != nil {
		v := verdictcache.Verdict{Email: raw, Status: verdictcache.StatusInvalid, Score: 100, ErrorMessage: err.Error(), ComputedAt: time.Now()}
		e.finish(overallStart, v)
		return v, nil
	}

	// Step 2: verdict-cache lookup.
	key := verdictcache.Key(addr.Normalized, opts.digest())
	if cached, ok := e.cache.Get(ctx, key); ok {
		e.observeStage("cache", "hit", 0)
		return cached, nil
	}
	e.observeStage("cache", "miss", 0)

	v, err := e.cache.GetOrCompute(ctx, key, func(ctx context.Context) (verdictcache.Verdict, error) {
		return e.compute(ctx, addr, opts)
	})
	if err != nil {
		return verdictcache.Verdict{}, err
	}

	e.finish(overallStart, v)
	return v, nil
}

// compute runs steps 3-6 of spec §4.6 once the cache has missed.
func (e *Engine) compute(ctx context.Context, addr address.Address, opts Options) (verdictcache.Verdict, error) {
	score := 0
	v := verdictcache.Verdict{Email: addr.Normalized, ComputedAt: time.Now(), CheckedMX: opts.CheckMX, CheckedSMTP: opts.CheckSMTP}

	// Step 3: pure domain risk checks.
	disposable := e.risk.IsDisposable(addr.DomainASCII)
	roleAccount := e.risk.IsRoleAccount(addr.LocalPart)
	_, hasTypo := e.risk.TypoSuggestion(addr.DomainASCII)
	spamTrap := e.risk.IsSpamTrap(addr.DomainASCII)

	if disposable {
		score += 15
	}
	if roleAccount {
		score += 5
	}
	if hasTypo {
		score += 10
	}
	if spamTrap {
		score += 40
	}

	catchAll := false

	// Step 4: MX resolution.
	var mxRecords []dnsresolve.MXRecord
	if opts.CheckMX {
		start := time.Now()
		records, err := e.resolver.ResolveMX(ctx, addr.DomainASCII)
		e.observeStage("dns", outcomeLabel(err), time.Since(start))
		if err != nil {
			score += 30
			v.Status = verdictcache.StatusInvalid
			v.ErrorMessage = "No MX records found for domain"
			v.Score = clampScore(score)
			return v, nil
		}
		mxRecords = records
	}

	// Step 5: SMTP probe.
	if opts.CheckSMTP && len(mxRecords) > 0 {
		start := time.Now()
		result := e.prober.Probe(ctx, addr.Normalized, mxRecords)
		e.observeStage("smtp", result.Verdict.String(), time.Since(start))

		v.MXUsed = result.MxHost

		switch result.Verdict {
		case smtpprobe.Deliverable:
			catchAll = e.prober.ProbeCatchAll(ctx, addr.DomainASCII, mxRecords)
			if catchAll {
				score += 10
			}
		case smtpprobe.Undeliverable:
			score += 20
			v.Status = verdictcache.StatusInvalid
			v.ErrorMessage = "Email address does not exist"
			v.Score = clampScore(score)
			return v, nil
		case smtpprobe.Tempfail, smtpprobe.PolicyBlock, smtpprobe.Inconclusive:
			score += 20
			if result.Err != nil {
				v.ErrorMessage = result.Err.Error()
			}
		}
	}

	// Step 6: score + reputation.
	if opts.Reputation != nil {
		if reputation, ok := opts.Reputation(addr.DomainASCII); ok {
			score += int(float64(100-reputation) * 0.2)
		}
	}

	v.Score = clampScore(score)
	if v.Score < 50 {
		v.Status = verdictcache.StatusValid
	} else {
		v.Status = verdictcache.StatusRisky
	}
	return v, nil
}

func clampScore(score int) int {
	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return score
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}

func (e *Engine) observeStage(stage, outcome string, d time.Duration) {
	if e.metrics != nil {
		e.metrics.ObserveStage(stage, outcome, d)
	}
}

// stage runs fn, recording its duration/outcome if metrics are attached.
func (e *Engine) stage(name string, fn func() (address.Address, error)) (address.Address, error) {
	start := time.Now()
	addr, err := fn()
	e.observeStage(name, outcomeLabel(err), time.Since(start))
	return addr, err
}

// finish records the overall metric and appends an audit entry, per spec
// §4.6 step 8. It does not cache the verdict; computed verdicts are cached
// by GetOrCompute.
func (e *Engine) finish(start time.Time, v verdictcache.Verdict) {
	e.observeStage("total", string(v.Status), time.Since(start))
	if e.metrics != nil {
		e.metrics.ValidationsTot.WithLabelValues(string(v.Status)).Inc()
	}
	if e.audit != nil {
		e.audit.Emit(telemetry.AuditEntry{
			EventType: telemetry.EventValidation,
			Details: map[string]any{
				"email":  v.Email,
				"status": v.Status,
				"score":  v.Score,
			},
		})
	}
}

// ValidateBatch partitions addresses into chunks of batchSize, runs each
// chunk concurrently bounded by min(batchSize, maxFanout), and pauses
// interChunkDelay between chunks, per spec §4.6's Batch note.
func (e *Engine) ValidateBatch(ctx context.Context, addresses []string, opts Options, batchSize, maxFanout int, interChunkDelay time.Duration) []verdictcache.Verdict {
	if batchSize <= 0 {
		batchSize = 50
	}
	fanout := batchSize
	if maxFanout > 0 && maxFanout < fanout {
		fanout = maxFanout
	}

	results := make([]verdictcache.Verdict, len(addresses))

	for chunkStart := 0; chunkStart < len(addresses); chunkStart += batchSize {
		chunkEnd := chunkStart + batchSize
		if chunkEnd > len(addresses) {
			chunkEnd = len(addresses)
		}
		e.runChunk(ctx, addresses[chunkStart:chunkEnd], opts, fanout, results[chunkStart:chunkEnd])

		if chunkEnd < len(addresses) && interChunkDelay > 0 {
			select {
			case <-time.After(interChunkDelay):
			case <-ctx.Done():
				return results
			}
		}
	}
	return results
}

func (e *Engine) runChunk(ctx context.Context, chunk []string, opts Options, fanout int, out []verdictcache.Verdict) {
	sem := make(chan struct{}, fanout)
	done := make(chan struct{}, len(chunk))

	for i, raw := range chunk {
		sem <- struct{}{}
		go func(i int, raw string) {
			defer func() { <-sem; done <- struct{}{} }()
			v, err := e.Validate(ctx, raw, opts)
			if err != nil {
				v = verdictcache.Verdict{Email: raw, Status: verdictcache.StatusInvalid, Score: 100, ErrorMessage: err.Error()}
			}
			out[i] = v
		}(i, raw)
	}
	for range chunk {
		<-done
	}
}
