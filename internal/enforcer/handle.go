// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package enforcer

import (
	"fmt"
	"sync"
)

// handleDirectory assigns a stable, never-reclaimed 3-hex-digit qdisc
// handle fragment to each subscriber on first sighting. A counter
// starting at 1 is the entire allocation strategy.
type handleDirectory struct {
	mu      sync.Mutex
	next    uint16
	handles map[int64]uint16
}

func newHandleDirectory() *handleDirectory {
	return &handleDirectory{next: 1, handles: make(map[int64]uint16)}
}

// assign returns the existing handle for subscriberUID, or allocates the
// next free one.
func (d *handleDirectory) assign(subscriberUID int64) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()

	if h, ok := d.handles[subscriberUID]; ok {
		return h
	}

	h := d.next
	d.next++
	d.handles[subscriberUID] = h
	return h
}

// hex3 renders a minor handle as a 3-hex-digit fragment, e.g. "001".
func hex3(minor uint16) string {
	return fmt.Sprintf("%03x", minor)
}
