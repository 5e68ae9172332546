package session

import (
	"net/netip"
	"time"
)

// Slave table limits. A sender lists at most four secondary receivers;
// entries go stale if not refreshed within the expiry window.
const (
	maxSlaves = 4
	slaveTTL  = 10 * time.Second
)

type slaveEntry struct {
	ep       netip.AddrPort
	deadline time.Time
}

// slaveTable holds the ordered list of secondary receiver endpoints the
// session relays frames to. Mutated only by the reader thread.
type slaveTable struct {
	entries []slaveEntry
}

// Replace installs a new endpoint list, truncated to the slave limit,
// with fresh deadlines.
func (t *slaveTable) Replace(eps []netip.AddrPort, now time.Time) {
	if len(eps) > maxSlaves {
		eps = eps[:maxSlaves]
	}
	t.entries = t.entries[:0]
	deadline := now.Add(slaveTTL)
	for _, ep := range eps {
		t.entries = append(t.entries, slaveEntry{ep: ep, deadline: deadline})
	}
}

// Active returns the live endpoints in list order, evicting any whose
// deadline has passed.
func (t *slaveTable) Active(now time.Time) []netip.AddrPort {
	live := t.entries[:0]
	var eps []netip.AddrPort
	for _, e := range t.entries {
		if now.After(e.deadline) {
			continue
		}
		live = append(live, e)
		eps = append(eps, e.ep)
	}
	t.entries = live
	return eps
}

// Clear empties the table.
func (t *slaveTable) Clear() {
	t.entries = t.entries[:0]
}

// Len returns the number of entries, stale or not.
func (t *slaveTable) Len() int {
	return len(t.entries)
}
