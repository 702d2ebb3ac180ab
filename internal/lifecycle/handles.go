package lifecycle

import (
	"sync"

	"github.com/fleetforge/fleetd/internal/vmmdriver"
)

// handleRegistry tracks the in-process *vmmdriver.Handle for every VMM
// this agent launched, keyed by "tenant/pool/instance". A freshly
// started agent process has an empty registry even for instances the
// store says are Running — Stop falls back to PID-based signaling
// (vmmdriver.KillPID) in that case, per spec §4.11's liveness-only
// stale-PID detection.
type handleRegistry struct {
	mu sync.Mutex
	m  map[string]*vmmdriver.Handle
}

func newHandleRegistry() handleRegistry {
	return handleRegistry{m: map[string]*vmmdriver.Handle{}}
}

func handleKey(tenantID, poolID, instanceID string) string {
	return tenantID + "/" + poolID + "/" + instanceID
}

func (r *handleRegistry) put(tenantID, poolID, instanceID string, h *vmmdriver.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[handleKey(tenantID, poolID, instanceID)] = h
}

func (r *handleRegistry) get(tenantID, poolID, instanceID string) (*vmmdriver.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.m[handleKey(tenantID, poolID, instanceID)]
	return h, ok
}

func (r *handleRegistry) delete(tenantID, poolID, instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, handleKey(tenantID, poolID, instanceID))
}
