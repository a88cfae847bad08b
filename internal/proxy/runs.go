// ABOUTME: In-memory run registry for the proxy process
// ABOUTME: Expiry timestamps are set only on close and cleared on any reuse

package proxy

import (
	"sync"
	"time"

	"github.com/2389/acp-relay/internal/acp"
)

const (
	minKeepaliveTTLSeconds     = 60
	maxKeepaliveTTLSeconds     = 86400
	defaultKeepaliveTTLSeconds = 1800
)

// clampTTL normalizes a keepalive TTL to [60, 86400] seconds, defaulting to
// 1800 when unset.
func clampTTL(seconds int) int {
	if seconds <= 0 {
		return defaultKeepaliveTTLSeconds
	}
	if seconds < minKeepaliveTTLSeconds {
		return minKeepaliveTTLSeconds
	}
	if seconds > maxKeepaliveTTLSeconds {
		return maxKeepaliveTTLSeconds
	}
	return seconds
}

// run is one live run on this proxy. A run with a nil bridge has no agent
// stream; its instance may still exist until the sweeper collects it.
type run struct {
	id             string
	instanceName   string
	ttlSeconds     int
	bridge         *acp.Bridge
	sessionID      string
	activePromptID string
	expiresAt      time.Time // zero while the run is open
	lastUsedAt     time.Time
}

// registry owns the proxy's run map. All mutation goes through its methods;
// per-run operation ordering is the run queue's job, not the registry's.
type registry struct {
	mu   sync.Mutex
	runs map[string]*run
}

func newRegistry() *registry {
	return &registry{runs: make(map[string]*run)}
}

// snapshot returns a copy of the run's current state. The bridge pointer is
// shared; everything else is value state.
func (r *registry) snapshot(runID string) (run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ru, ok := r.runs[runID]
	if !ok {
		return run{}, false
	}
	return *ru, true
}

// update mutates a run's fields under the registry lock. A no-op for unknown
// runs.
func (r *registry) update(runID string, fn func(*run)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ru, ok := r.runs[runID]; ok {
		fn(ru)
	}
}

func (r *registry) getOrCreate(runID, instanceName string, ttlSeconds int, now time.Time) *run {
	r.mu.Lock()
	defer r.mu.Unlock()

	ru, ok := r.runs[runID]
	if !ok {
		ru = &run{id: runID}
		r.runs[runID] = ru
	}
	if instanceName != "" {
		ru.instanceName = instanceName
	}
	if ttlSeconds > 0 {
		ru.ttlSeconds = ttlSeconds
	}
	// Any reuse cancels a pending expiry.
	ru.expiresAt = time.Time{}
	ru.lastUsedAt = now
	return ru
}

func (r *registry) delete(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

// markClosed sets the run's expiry to now + TTL. Unknown runs are ignored.
func (r *registry) markClosed(runID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ru, ok := r.runs[runID]
	if !ok {
		return
	}
	ru.expiresAt = now.Add(time.Duration(clampTTL(ru.ttlSeconds)) * time.Second)
}

// expired returns the ids of runs whose expiry timestamp has passed.
func (r *registry) expired(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, ru := range r.runs {
		if !ru.expiresAt.IsZero() && ru.expiresAt.Before(now) {
			out = append(out, id)
		}
	}
	return out
}

// instanceNames lists every instance name the registry currently references.
func (r *registry) instanceNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.runs))
	for _, ru := range r.runs {
		if ru.instanceName != "" {
			names = append(names, ru.instanceName)
		}
	}
	return names
}
