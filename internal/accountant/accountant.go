// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package accountant debits each subscriber's prepaid data balance and
// detects the zero-balance transition, notifying the Enforcer when it
// happens. One worker per distinct subscriber IP, each looping on its
// own poll ticker and ingress channel.
package accountant

import (
	"context"
	"sync"
	"time"

	"grimm.is/cellmeter/internal/logging"
	"grimm.is/cellmeter/internal/obs"
	"grimm.is/cellmeter/internal/store"
)

const (
	dispatcherChannelCap = 64
	workerChannelCap     = 32
)

// Report is a (user_ip, amount_bytes) message delivered to the dispatcher.
type Report struct {
	UserIP      string
	AmountBytes int64
}

// PolicyNotifier is the feedback edge to the Enforcer: the accountant
// calls SetNoBalance exactly once per zero-crossing.
type PolicyNotifier interface {
	SetNoBalance(ctx context.Context, subscriberUID int64) error
}

// BalanceStore is the subset of store.Store the accountant needs,
// narrowed to an interface so workers can be tested without a database.
type BalanceStore interface {
	ResolveSubscriberByIP(ctx context.Context, ip string) (store.Subscriber, error)
	DebitBalance(ctx context.Context, subscriberUID int64, amount int64, previouslyPositive bool) (store.DebitResult, error)
}

// Accountant is the long-lived dispatcher task owning the per-subscriber
// balance-cache worker directory.
type Accountant struct {
	store      BalanceStore
	notifier   PolicyNotifier
	pollPeriod time.Duration
	metrics    *obs.Metrics
	log        *logging.Logger

	ingress chan Report

	mu      sync.Mutex
	workers map[string]chan Report
}

// New constructs an Accountant. Call Run in its own goroutine. metrics may
// be nil, in which case debit and zero-crossing counters are not recorded.
func New(st BalanceStore, notifier PolicyNotifier, pollPeriod time.Duration, metrics *obs.Metrics, log *logging.Logger) *Accountant {
	return &Accountant{
		store:      st,
		notifier:   notifier,
		pollPeriod: pollPeriod,
		metrics:    metrics,
		log:        log.WithComponent("accountant"),
		ingress:    make(chan Report, dispatcherChannelCap),
		workers:    make(map[string]chan Report),
	}
}

// Submit enqueues a report, blocking if the channel is full.
func (a *Accountant) Submit(ctx context.Context, r Report) {
	select {
	case a.ingress <- r:
	case <-ctx.Done():
	}
}

// Run is the dispatcher loop.
func (a *Accountant) Run(ctx context.Context) {
	for {
		select {
		case r := <-a.ingress:
			a.route(ctx, r)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Accountant) route(ctx context.Context, r Report) {
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
// on a dead channel.
func (a *Accountant) evict(ip string, ch chan Report) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.workers[ip]; ok && cur == ch {
		delete(a.workers, ip)
	}
}

func (a *Accountant) runWorker(ctx context.Context, ip string, ch chan Report) {
	defer a.evict(ip, ch)

	log := a.log.With("subscriber_ip", ip)

	sub, err := a.store.ResolveSubscriberByIP(ctx, ip)
	if err != nil {
		log.Warn("failed to resolve subscriber identity, worker exiting", "err", err)
		return
	}

	cachedBalance := sub.DataBalance
	var bytesAggregated int64

	ticker := time.NewTicker(a.pollPeriod)
	defer ticker.Stop()

	sync := func() {
		wasPositive := cachedBalance > 0
		debited := bytesAggregated
		result, err := a.store.DebitBalance(ctx, sub.InternalUID, bytesAggregated, wasPositive)
		if err != nil {
			log.Warn("debit failed, will retry next tick", "err", err)
			return
		}
		cachedBalance = result.NewBalance
		bytesAggregated = 0

		if a.metrics != nil {
			a.metrics.BytesDebited.Add(float64(debited))
		}

		if result.WentToZero {
			if a.metrics != nil {
				a.metrics.ZeroCrossings.Inc()
			}
			if err := a.notifier.SetNoBalance(ctx, sub.InternalUID); err != nil {
				log.Warn("failed to notify enforcer of zero balance", "err", err)
			}
		}
	}

	for {
		select {
		case r, open := <-ch:
			if !open {
				return
			}
			bytesAggregated += r.AmountBytes
			if cachedBalance > 0 && bytesAggregated >= cachedBalance {
				sync()
			}

		case <-ticker.C:
			sync()

		case <-ctx.Done():
			return
		}
	}
}
