// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package reporter implements aggregator.Reporter against the Postgres
// subscriber_usage table.
package reporter

import (
	"context"
	"sync"

	"grimm.is/cellmeter/internal/errors"
	"grimm.is/cellmeter/internal/netres"
	"grimm.is/cellmeter/internal/store"
)

// DBReporter persists aggregator windows to subscriber_usage, caching
// the IP->subscriber_uid mapping resolved at Initialize time.
type DBReporter struct {
	store *store.Store

	mu  sync.RWMutex
	ids map[string]int64
}

// New constructs a DBReporter backed by st.
func New(st *store.Store) *DBReporter {
	return &DBReporter{store: st, ids: make(map[string]int64)}
}

// Initialize resolves ip to a subscriber and caches the mapping.
func (r *DBReporter) Initialize(ctx context.Context, ip string) error {
	sub, err := r.store.ResolveSubscriberByIP(ctx, ip)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.ids[ip] = sub.InternalUID
	r.mu.Unlock()
	return nil
}

// Report persists one completed window for ip.
func (r *DBReporter) Report(ctx context.Context, ip string, record netres.UseRecord) error {
	r.mu.RLock()
	uid, ok := r.ids[ip]
	r.mu.RUnlock()
	if !ok {
		return errors.Errorf(errors.KindUserLookup, "report: subscriber for %s not initialized", ip)
	}

	return r.store.RecordUsage(ctx, uid,
		record.WindowStart, record.WindowEnd,
		record.Usage.RANBytesUp, record.Usage.RANBytesDown,
		record.Usage.WANBytesUp, record.Usage.WANBytesDown)
}
