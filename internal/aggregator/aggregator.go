// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package aggregator buckets per-subscriber resource counters over a
// window and flushes completed windows to a pluggable Reporter. One
// worker task is spawned per distinct subscriber IP on first sighting,
// each looping on its own flush ticker and ingress channel.
package aggregator

import (
	"context"
	"sync"
	"time"

	"grimm.is/cellmeter/internal/logging"
	"grimm.is/cellmeter/internal/netres"
)

const (
	dispatcherChannelCap = 64
	workerChannelCap     = 32
)

// Report is one (user_ip, bundle) message delivered to the dispatcher.
type Report struct {
	UserIP string
	Bundle netres.Bundle
}

// Reporter is the Aggregator's extension point: it resolves subscriber
// identity and persists completed windows.
type Reporter interface {
	// Initialize resolves the subscriber owning ip. Called once, when a
	// worker is first spawned for that IP.
	Initialize(ctx context.Context, ip string) error
	// Report persists one completed window. Failures are logged by the
	// caller, never retried; the worker keeps running.
	Report(ctx context.Context, ip string, record netres.UseRecord) error
}

// Aggregator is the long-lived dispatcher task owning the per-subscriber
// worker directory.
type Aggregator struct {
	reporter     Reporter
	windowPeriod time.Duration
	log          *logging.Logger

	ingress chan Report

	mu      sync.Mutex
	workers map[string]chan Report
}

// New constructs an Aggregator. Call Run in its own goroutine to start
// the dispatcher loop.
func New(reporter Reporter, windowPeriod time.Duration, log *logging.Logger) *Aggregator {
	return &Aggregator{
		reporter:     reporter,
		windowPeriod: windowPeriod,
		log:          log.WithComponent("aggregator"),
		ingress:      make(chan Report, dispatcherChannelCap),
		workers:      make(map[string]chan Report),
	}
}

// Submit enqueues a report on the dispatcher's ingress channel, blocking
// if the channel is full (no drop policy — see concurrency model).
func (a *Aggregator) Submit(ctx context.Context, r Report) {
	select {
	case a.ingress <- r:
	case <-ctx.Done():
	}
}

// Run is the dispatcher loop: it never returns until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	for {
		select {
		case r := <-a.ingress:
			a.route(ctx, r)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Aggregator) route(ctx context.Context, r Report) {
	a.mu.Lock()
	ch, ok := a.workers[r.UserIP]
	if !ok {
		ch = make(chan Report, workerChannelCap)
		a.workers[r.UserIP] = ch
		go a.runWorker(ctx, r.UserIP, ch)
	}
	a.mu.Unlock()

	select {
	case ch <- r:
	case <-ctx.Done():
	}
}

// evict removes the directory entry for a worker that has exited, so
// the next report for that IP spawns a fresh worker instead of landing
// on a dead channel. The channel comparison guards against removing a
// successor worker's entry.
func (a *Aggregator) evict(ip string, ch chan Report) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.workers[ip]; ok && cur == ch {
		delete(a.workers, ip)
	}
}

func (a *Aggregator) runWorker(ctx context.Context, ip string, ch chan Report) {
	defer a.evict(ip, ch)

	log := a.log.With("subscriber_ip", ip)

	if err := a.reporter.Initialize(ctx, ip); err != nil {
		log.Warn("failed to resolve subscriber identity, worker exiting", "err", err)
		return
	}

	ticker := time.NewTicker(a.windowPeriod)
	defer ticker.Stop()

	var acc netres.Bundle
	windowStart := time.Now().Unix()

	for {
		select {
		case r, open := <-ch:
			if !open {
				return
			}
			acc = acc.Add(r.Bundle)

		case t := <-ticker.C:
			windowEnd := t.Unix()
			record := netres.UseRecord{
				SubscriberIP: ip,
				WindowStart:  windowStart,
				WindowEnd:    windowEnd,
				Usage:        acc,
			}
			if err := a.reporter.Report(ctx, ip, record); err != nil {
				log.Warn("failed to persist usage window", "err", err)
			}
			acc = netres.Bundle{}
			windowStart = windowEnd

		case <-ctx.Done():
			return
		}
	}
}
