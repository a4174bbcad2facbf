// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package aggregator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"grimm.is/cellmeter/internal/errors"
	"grimm.is/cellmeter/internal/logging"
	"grimm.is/cellmeter/internal/netres"
)

type fakeReporter struct {
	mu      sync.Mutex
	inits   map[string]int
	reports []netres.UseRecord
	failIP  string
}

func newFakeReporter() *fakeReporter {
	return &fakeReporter{inits: make(map[string]int)}
}

func (f *fakeReporter) Initialize(_ context.Context, ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits[ip]++
	if ip == f.failIP {
		return errors.Errorf(errors.KindUserLookup, "ip %s resolved to 0 subscribers", ip)
	}
	return nil
}

func (f *fakeReporter) Report(_ context.Context, ip string, record netres.UseRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, record)
	return nil
}

func (f *fakeReporter) reportCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reports)
}

func TestAggregatorFlushesOnWindowTick(t *testing.T) {
	reporter := newFakeReporter()
	log := logging.New(logging.DefaultConfig())
	agg := New(reporter, 20*time.Millisecond, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	agg.Submit(ctx, Report{UserIP: "10.0.0.5", Bundle: netres.Bundle{WANBytesUp: 100}})
	agg.Submit(ctx, Report{UserIP: "10.0.0.5", Bundle: netres.Bundle{WANBytesUp: 50}})

	require.Eventually(t, func() bool {
		return reporter.reportCount() >= 1
	}, time.Second, 5*time.Millisecond)

	reporter.mu.Lock()
	require.EqualValues(t, 150, reporter.reports[0].Usage.WANBytesUp)
	reporter.mu.Unlock()
}

func TestAggregatorOneWorkerPerIP(t *testing.T) {
	reporter := newFakeReporter()
	log := logging.New(logging.DefaultConfig())
	agg := New(reporter, 50*time.Millisecond, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	for i := 0; i < 5; i++ {
		agg.Submit(ctx, Report{UserIP: "10.0.0.9", Bundle: netres.Bundle{WANBytesUp: 1}})
	}

	require.Eventually(t, func() bool {
		reporter.mu.Lock()
		defer reporter.mu.Unlock()
		return reporter.inits["10.0.0.9"] == 1
	}, time.Second, 5*time.Millisecond)
}

// TestAggregatorEvictsDeadWorker checks that a worker killed by an
// identity-resolution failure is removed from the directory, so a later
// report spawns a fresh worker rather than landing on a dead channel.
func TestAggregatorEvictsDeadWorker(t *testing.T) {
	reporter := newFakeReporter()
	reporter.failIP = "10.0.0.66"
	log := logging.New(logging.DefaultConfig())
	agg := New(reporter, time.Hour, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Run(ctx)

	agg.Submit(ctx, Report{UserIP: "10.0.0.66", Bundle: netres.Bundle{WANBytesUp: 1}})

	// Wait until the first worker has attempted Initialize and been
	// evicted; an empty directory alone is also true before it is spawned.
	require.Eventually(t, func() bool {
		reporter.mu.Lock()
		inits := reporter.inits["10.0.0.66"]
		reporter.mu.Unlock()
		agg.mu.Lock()
		defer agg.mu.Unlock()
		return inits == 1 && len(agg.workers) == 0
	}, time.Second, 5*time.Millisecond)

	agg.Submit(ctx, Report{UserIP: "10.0.0.66", Bundle: netres.Bundle{WANBytesUp: 1}})

	require.Eventually(t, func() bool {
		reporter.mu.Lock()
		defer reporter.mu.Unlock()
		return reporter.inits["10.0.0.66"] == 2
	}, time.Second, 5*time.Millisecond)
}
