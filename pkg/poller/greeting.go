package poller

import "context"

// deferredGreetingRetry replays every parked greeting against the current
// topology (spec.md §4.9): a greeting deferred because its node id was still
// unknown may now apply if a topology refresh has since discovered it.
func (p *Poller) deferredGreetingRetry(ctx context.Context) {
	p.greeting.RetryDeferredGreetings()
}
