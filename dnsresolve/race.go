package dnsresolve

import (
	"context"
	"fmt"
	"time"
)

// raceQuery fires the query at up to three distinct nameservers
// concurrently, each bounded by perQueryTimeout, and returns the first
// successful non-empty answer. Losing queries are not cancelled: each one
// runs until it answers or reaches the shared deadline, then writes into a
// buffered channel that has room for every participant, so no goroutine
// blocks forever.
func raceQuery(ctx context.Context, resolvers []*nsResolver, domain string, qtype uint16, perQueryTimeout time.Duration) (queryResult, error) {
	if len(resolvers) == 0 {
		return queryResult{outcome: Transport}, fmt.Errorf("no nameservers configured")
	}

	n := len(resolvers)
	if n > 3 {
		n = 3
	}
	participants := resolvers[:n]

	type raced struct {
		res queryResult
		err error
	}
	results := make(chan raced, len(participants))

	deadline := time.Now().Add(perQueryTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	for _, r := range participants {
		go func(r *nsResolver) {
			res, err := r.query(deadline, domain, qtype)
			results <- raced{res: res, err: err}
		}(r)
	}

	var best raced
	haveBest := false
	for i := 0; i < len(participants); i++ {
		select {
		case r := <-results:
			if r.err == nil && r.res.outcome == Ok {
				// First successful non-empty answer wins outright; the
				// remaining goroutines still drain into the buffered
				// channel so none block forever, but we don't wait for
				// them.
				return r.res, nil
			}
			if !haveBest || betterOutcome(r.res.outcome, best.res.outcome) {
				best = r
				haveBest = true
			}
		case <-ctx.Done():
			return queryResult{outcome: Timeout}, ctx.Err()
		}
	}

	if haveBest {
		return best.res, best.err
	}
	return queryResult{outcome: Transport}, fmt.Errorf("all nameservers failed")
}

// betterOutcome ranks outcomes when no resolver returned Ok: a definitive
// Nx/Empty is more useful than a Timeout/Transport failure, since it lets
// the caller proceed straight to fallback instead of retrying.
func betterOutcome(candidate, current Outcome) bool {
	rank := func(o Outcome) int {
		switch o {
		case Nx, Empty:
			return 2
		case Timeout:
			return 1
		default:
			return 0
		}
	}
	return rank(candidate) > rank(current)
}
