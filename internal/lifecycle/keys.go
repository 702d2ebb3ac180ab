package lifecycle

import "github.com/fleetforge/fleetd/internal/diskdriver"

// resolveKey looks up a tenant's volume encryption key, returning nil
// when no KeyProvider is configured (spec §4.6: snapshots are then
// written unencrypted).
func (lc *Lifecycle) resolveKey(tenantID string) (*diskdriver.Key, error) {
	if lc.deps.Keys == nil {
		return nil, nil
	}
	return lc.deps.Keys(tenantID)
}
