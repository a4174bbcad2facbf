// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package enforcer owns all kernel-side filter/qdisc state: a single
// long-lived dispatcher task reconciles database-declared access
// policies with traffic-control classes and the forwarding-reject
// nftables set, and exposes an in-process request/response API for
// forced policy changes.
package enforcer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"grimm.is/cellmeter/internal/errors"
	"grimm.is/cellmeter/internal/logging"
	"grimm.is/cellmeter/internal/obs"
	"grimm.is/cellmeter/internal/store"
)

const requestChannelCap = 64

// Condition is the balance state driving a forced policy change.
type Condition int

const (
	PositiveBalance Condition = iota
	NoBalance
)

type policyRequest struct {
	correlationID string
	subscriberUID int64
	condition     Condition
	reply         chan error
}

// Enforcer is the dispatcher task that owns all kernel-side state.
type Enforcer struct {
	store             *store.Store
	shaper            *Shaper
	reject            *RejectFilter
	reenablePoll      time.Duration
	metrics           *obs.Metrics
	log               *logging.Logger
	ipBySubscriberUID map[int64]string
	handles           *handleDirectory
	requests          chan policyRequest
}

// New constructs an Enforcer bound to the subscriber-facing interface
// named ifaceName and, when non-empty, the upstream interface
// backhaulIface. Call Run in its own goroutine after a successful
// StartupReconcile. metrics may be nil, in which case reconciliation and
// kernel-effect counters are not recorded.
func New(st *store.Store, ifaceName, backhaulIface string, reenablePoll time.Duration, metrics *obs.Metrics, log *logging.Logger) *Enforcer {
	return &Enforcer{
		store:             st,
		shaper:            NewShaper(ifaceName, backhaulIface),
		reject:            NewRejectFilter(),
		reenablePoll:      reenablePoll,
		metrics:           metrics,
		log:               log.WithComponent("enforcer"),
		ipBySubscriberUID: make(map[int64]string),
		handles:           newHandleDirectory(),
		requests:          make(chan policyRequest, requestChannelCap),
	}
}

// UpdatePolicy is the request/response API exposed to the Accountant and
// any operator tooling. It blocks until the dispatcher has applied the
// effect or the context is cancelled.
func (e *Enforcer) UpdatePolicy(ctx context.Context, subscriberUID int64, condition Condition) error {
	req := policyRequest{
		correlationID: uuid.NewString(),
		subscriberUID: subscriberUID,
		condition:     condition,
		reply:         make(chan error, 1),
	}

	select {
	case e.requests <- req:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.KindCommunication, "enforcer request channel full")
	}

	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.KindCommunication, "enforcer reply dropped")
	}
}

// SetNoBalance implements accountant.PolicyNotifier.
func (e *Enforcer) SetNoBalance(ctx context.Context, subscriberUID int64) error {
	return e.UpdatePolicy(ctx, subscriberUID, NoBalance)
}

// StartupReconcile queries every subscriber, assigns a qdisc handle,
// installs the root/fallback/per-subscriber class tree, and applies each
// subscriber's declared policy. Errors here are fatal (see §7).
func (e *Enforcer) StartupReconcile(ctx context.Context, rootRateMbps int) error {
	if err := e.shaper.EnsureRoot(rootRateMbps); err != nil {
		return err
	}

	if err := e.reject.EnsureChain(); err != nil {
		return err
	}

	subs, err := e.store.AllSubscribers(ctx)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		e.ipBySubscriberUID[sub.InternalUID] = sub.IP
		handle := e.handles.assign(sub.InternalUID)

		if err := e.shaper.EnsureSubscriberClass(handle, 0); err != nil {
			return err
		}

		if err := e.applyPolicy(ctx, sub); err != nil {
			return err
		}
	}
	return nil
}

// Run is the dispatcher loop: it serializes every kernel-state mutation
// through this single goroutine, processing forced policy-change
// requests and the periodic reconciliation sweep.
func (e *Enforcer) Run(ctx context.Context) {
	ticker := time.NewTicker(e.reenablePoll)
	defer ticker.Stop()

	for {
		select {
		case req := <-e.requests:
			req.reply <- e.handleRequest(ctx, req)

		case <-ticker.C:
			if e.metrics != nil {
				e.metrics.ReconcileRuns.Inc()
			}
			if err := e.reconcile(ctx); err != nil {
				if e.metrics != nil {
					e.metrics.ReconcileFailures.Inc()
				}
				e.log.Warn("periodic reconciliation failed", "err", err)
			}

		case <-ctx.Done():
			return
		}
	}
}

func (e *Enforcer) handleRequest(ctx context.Context, req policyRequest) error {
	log := e.log.With("correlation_id", req.correlationID, "subscriber_uid", req.subscriberUID)

	var policyID int64
	sub, err := e.lookupSubscriber(ctx, req.subscriberUID)
	if err != nil {
		log.Error("failed to look up subscriber for policy update", "err", err)
		return err
	}

	if req.condition == NoBalance {
		policyID = sub.ZeroBalancePolicy
	} else {
		policyID = sub.PositiveBalancePolicy
	}

	if err := e.applyPolicyID(ctx, sub, policyID); err != nil {
		log.Error("failed to apply policy", "err", err)
		return err
	}

	log.Info("applied policy", "condition", req.condition, "policy_id", policyID)
	return nil
}

// lookupSubscriber re-resolves a subscriber by its cached IP; a real
// deployment would keep a fuller local cache, but this is a sufficient
// approximation of the dispatcher's private bookkeeping.
func (e *Enforcer) lookupSubscriber(ctx context.Context, subscriberUID int64) (store.Subscriber, error) {
	ip, ok := e.ipBySubscriberUID[subscriberUID]
	if !ok {
		return store.Subscriber{}, errors.Errorf(errors.KindUserLookup, "no cached ip for subscriber %d", subscriberUID)
	}
	return e.store.ResolveSubscriberByIP(ctx, ip)
}

func (e *Enforcer) applyPolicy(ctx context.Context, sub store.Subscriber) error {
	return e.applyPolicyID(ctx, sub, sub.CurrentPolicy)
}

// applyPolicyID applies the four directional sub-policies of policyID to
// sub's traffic-control class and reject filter, then writes the applied
// policy id back to subscribers.current_policy.
func (e *Enforcer) applyPolicyID(ctx context.Context, sub store.Subscriber, policyID int64) error {
	policy, err := e.store.AccessPolicyByID(ctx, policyID)
	if err != nil {
		return err
	}

	handle := e.handles.assign(sub.InternalUID)

	if err := e.shaper.EnsureSubscriberFilter(handle, sub.IP); err != nil {
		if e.metrics != nil {
			e.metrics.KernelEffectErrs.WithLabelValues("filter").Inc()
		}
		return err
	}

	// All four directional sub-policies get their kernel effect applied:
	// Local* shapes the subscriber-facing interface's class, Backhaul*
	// shapes the upstream interface's (or, absent one, the same
	// subscriber-facing tree).
	if err := e.applyDirectional(e.shaper.Local(), handle, policy.LocalUL); err != nil {
		return err
	}
	if err := e.applyDirectional(e.shaper.Local(), handle, policy.LocalDL); err != nil {
		return err
	}
	if err := e.applyDirectional(e.shaper.Backhaul(), handle, policy.BackhaulUL); err != nil {
		return err
	}
	if err := e.applyDirectional(e.shaper.Backhaul(), handle, policy.BackhaulDL); err != nil {
		return err
	}

	// Downlink Block installs the forwarding-reject filter; every other
	// policy kind (including uplink Block, a documented no-op — see
	// design notes) must leave it absent.
	if policy.BackhaulDL.Kind == store.PolicyBlock {
		if err := e.reject.Install(sub.IP); err != nil {
			if e.metrics != nil {
				e.metrics.KernelEffectErrs.WithLabelValues("reject").Inc()
			}
			return err
		}
	} else {
		if err := e.reject.Remove(sub.IP); err != nil {
			if e.metrics != nil {
				e.metrics.KernelEffectErrs.WithLabelValues("reject").Inc()
			}
			return err
		}
	}

	// A blocked downlink means the subscriber may no longer egress
	// upstream, so the bridged flag follows the reject filter's state.
	bridged := policy.BackhaulDL.Kind != store.PolicyBlock
	if err := e.store.SetAppliedPolicy(ctx, sub.InternalUID, policyID, bridged); err != nil {
		return err
	}

	return nil
}

func (e *Enforcer) applyDirectional(tree *linkShaper, handle uint16, p store.DirectionalPolicy) error {
	var err error
	switch p.Kind {
	case store.PolicyUnlimited:
		err = tree.ApplyUnlimited(handle)
	case store.PolicyTokenBkt:
		err = tree.ApplyTokenBucket(handle, p.RateKibps)
	case store.PolicyBlock:
		// Downlink-Block's kernel effect is the reject filter, applied by
		// the caller; uplink-Block has no shaping counterpart (no-op).
		return nil
	default:
		err = errors.Errorf(errors.KindKernelEffect, "unknown policy kind %d", p.Kind)
	}
	if err != nil && e.metrics != nil {
		e.metrics.KernelEffectErrs.WithLabelValues("shaper").Inc()
	}
	return err
}

// reconcile applies periodic re-enable: subscribers whose current_policy
// no longer matches their balance-implied desired policy. This is the
// sole re-enable path; the Accountant never calls in on balance-restored
// events directly.
func (e *Enforcer) reconcile(ctx context.Context) error {
	subs, err := e.store.SubscribersNeedingReconciliation(ctx)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		e.ipBySubscriberUID[sub.InternalUID] = sub.IP

		var desired int64
		if sub.DataBalance > 0 {
			desired = sub.PositiveBalancePolicy
		} else {
			desired = sub.ZeroBalancePolicy
		}

		if err := e.applyPolicyID(ctx, sub, desired); err != nil {
			e.log.Warn("failed to reconcile subscriber", "subscriber_uid", sub.InternalUID, "err", err)
		}
	}
	return nil
}
