package lifecycle

import (
	"time"

	"github.com/fleetforge/fleetd/internal/domain"
)

// audit appends one entry per spec §4.9 step 6. note augments Reason
// with a structured note (e.g. "MinRuntimeOverridden") when non-empty.
func (lc *Lifecycle) audit(op opContext, action string, note string) error {
	return lc.deps.Store.AppendAudit(domain.AuditEntry{
		Timestamp:  time.Now().UTC(),
		ActorID:    op.actorID,
		Actor:      string(op.reason),
		Action:     action,
		TenantID:   op.tenantID,
		PoolID:     op.poolID,
		InstanceID: op.instanceID,
		Reason:     note,
	})
}
