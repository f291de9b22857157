// pkg/tool/launch/replay.go
package launch

import (
	"errors"
	"strings"
	"sync"
	"time"
)

/*
Single-use guard for launch nonces.

LTI 1.3 requires the tool to reject an id_token whose nonce it has already
accepted. The guard remembers each consumed value for its lifetime; the
validator asks before trusting a launch. Deployments with multiple tool
instances swap in a shared implementation (the interface is one method).
*/

// ReplayGuard answers whether a single-use value is being seen for the
// first time within its lifetime.
type ReplayGuard interface {
	// FirstUse records value under kind and reports true when no live
	// entry existed for the pair. A repeat before the lifetime passes
	// reports false.
	FirstUse(kind, value string, lifetime time.Duration) (bool, error)
}

type replayKey struct {
	kind  string
	value string
}

// MemoryReplay keeps consumed values in process memory. Expired entries are
// swept at most once per SweepInterval, piggybacked on FirstUse calls.
type MemoryReplay struct {
	mu        sync.Mutex
	seen      map[replayKey]time.Time // pair -> expiry
	lastSweep time.Time

	// SweepInterval bounds how often the expired entries are dropped.
	// Zero means once a minute.
	SweepInterval time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time
}

func NewMemoryReplay() *MemoryReplay {
	return &MemoryReplay{seen: make(map[replayKey]time.Time)}
}

func (m *MemoryReplay) FirstUse(kind, value string, lifetime time.Duration) (bool, error) {
	k := replayKey{
		kind:  strings.ToLower(strings.TrimSpace(kind)),
		value: strings.TrimSpace(value),
	}
	if k.kind == "" || k.value == "" {
		return false, errors.New("launch: replay guard needs kind and value")
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweep(now)

	if exp, live := m.seen[k]; live && now.Before(exp) {
		return false, nil
	}
	m.seen[k] = now.Add(lifetime)
	return true, nil
}

func (m *MemoryReplay) sweep(now time.Time) {
	interval := m.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	if now.Sub(m.lastSweep) < interval {
		return
	}
	m.lastSweep = now
	for k, exp := range m.seen {
		if !now.Before(exp) {
			delete(m.seen, k)
		}
	}
}

func (m *MemoryReplay) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}
