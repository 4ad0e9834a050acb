// Package poller runs the controller's three periodic background loops
// (spec.md §4.9): topology refresh, link-utilization refresh, and
// deferred-greeting retry.
package poller

import (
	"context"
	"time"

	"github.com/siotlab/fdk/pkg/config"
	"github.com/siotlab/fdk/pkg/dataplane"
	"github.com/siotlab/fdk/pkg/log"
	"github.com/siotlab/fdk/pkg/metrics"
	"github.com/siotlab/fdk/pkg/topology"
)

// GreetingRetrier is the slice of pkg/server's Server this package depends
// on — just enough to replay parked greetings, not the whole listener set.
type GreetingRetrier interface {
	RetryDeferredGreetings()
}

// Poller owns the three loops and the state they share: the flow topology,
// the RESTCONF client, and the flow<->ovsdb id mapping topology discovery
// maintains.
type Poller struct {
	cfg      config.Config
	dp       *dataplane.Client
	flowTop  *topology.Topology
	mapping  *topology.Mapping
	greeting GreetingRetrier
}

// New builds a Poller. mapping is populated in place by the topology-
// refresh loop as ovsdb bridges are discovered.
func New(cfg config.Config, dp *dataplane.Client, flowTop *topology.Topology, mapping *topology.Mapping, greeting GreetingRetrier) *Poller {
	return &Poller{cfg: cfg, dp: dp, flowTop: flowTop, mapping: mapping, greeting: greeting}
}

// DiscoverOnce runs a single topology-refresh pass synchronously. The
// controller calls this once at startup, before init_link_qos and before
// any listener accepts a connection, so the topology is populated before
// a greeting or allocation request can reference it.
func (p *Poller) DiscoverOnce(ctx context.Context) {
	p.topologyRefresh(ctx)
}

// Run starts all three loops and blocks until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	done := make(chan struct{}, 3)

	go func() {
		runLoop(ctx, "topology_refresh", p.cfg.TopologyRefreshInterval(), p.topologyRefresh)
		done <- struct{}{}
	}()
	go func() {
		runLoop(ctx, "link_util_refresh", p.cfg.LinkUtilRefreshInterval(), p.linkUtilRefresh)
		done <- struct{}{}
	}()
	go func() {
		runLoop(ctx, "deferred_greeting_retry", p.cfg.DeferredGreetingInterval(), p.deferredGreetingRetry)
		done <- struct{}{}
	}()

	<-ctx.Done()
	<-done
	<-done
	<-done
}

// runLoop is the measure-work/sleep-remainder discipline spec.md §4.9
// requires: each iteration times its own work, then sleeps max(0,
// interval-elapsed); an overrun is logged but never shortens the next
// interval (work simply starts again immediately). A plain time.Ticker
// can't express this — it fires on a fixed wall-clock schedule regardless
// of how long the previous tick's work took — so this uses a fresh
// time.Timer each iteration instead.
func runLoop(ctx context.Context, name string, interval time.Duration, work func(ctx context.Context)) {
	logger := log.WithComponent("poller")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		timer := metrics.NewTimer()
		work(ctx)
		timer.ObserveDurationVec(metrics.PollerDuration, name)
		elapsed := time.Since(start)

		if elapsed >= interval {
			logger.Warn().Str("poller", name).Dur("elapsed", elapsed).Dur("interval", interval).Msg("poller overran its interval")
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval - elapsed):
		}
	}
}
