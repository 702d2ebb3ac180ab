package controlplane

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/ferr"
	"github.com/fleetforge/fleetd/internal/lifecycle"
	"github.com/fleetforge/fleetd/internal/metrics"
)

// dispatch decodes and routes one request frame, never panicking:
// every branch returns an ErrorBody on failure instead of propagating a
// raw error, since the wire contract (spec §7) is "structured JSON
// error objects over the control plane."
func (s *Server) dispatch(frame []byte) Response {
	var env Envelope
	if err := decodeStrict(frame, &env); err != nil {
		s.recordRequest("unknown", false)
		return errFrom(err)
	}

	var resp Response
	switch env.Type {
	case ReqReconcile:
		resp = s.handleReconcile(env.Body)
	case ReqReconcileSigned:
		resp = s.handleReconcileSigned(env.Body)
	case ReqNodeInfo:
		resp = okResponse(s.probeNodeInfo())
	case ReqNodeStats:
		resp = s.handleNodeStats()
	case ReqTenantList:
		resp = s.handleTenantList()
	case ReqInstanceList:
		resp = s.handleInstanceList(env.Body)
	case ReqWakeInstance:
		resp = s.handleWakeInstance(env.Body)
	default:
		resp = errResponse("ConfigInvalid", "unknown request type", map[string]any{"type": string(env.Type)})
	}

	s.recordRequest(string(env.Type), resp.OK)
	return resp
}

func (s *Server) recordRequest(reqType string, ok bool) {
	m := metrics.Get()
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.ControlPlaneRequest(reqType, result)
}

// handleReconcile implements plain Reconcile(DesiredState): in
// production mode it's refused outright, since only ReconcileSigned
// carries the authenticity guarantee production requires (spec §4.12:
// "In production, only ReconcileSigned is honored").
func (s *Server) handleReconcile(body []byte) Response {
	if s.cfg.Production {
		if m := metrics.Get(); m != nil {
			m.ControlPlaneRejected("unsigned_in_production")
		}
		return errResponse("Auth", "production mode requires ReconcileSigned", nil)
	}
	var ds domain.DesiredState
	if err := decodeStrict(body, &ds); err != nil {
		return errFrom(err)
	}
	return s.runReconcile(ds)
}

func (s *Server) handleReconcileSigned(body []byte) Response {
	var req ReconcileSignedBody
	if err := decodeStrict(body, &req); err != nil {
		return errFrom(err)
	}
	message, err := canonicalStateBytes(req.State)
	if err != nil {
		return errFrom(err)
	}
	if s.trusted == nil || !s.trusted.Verify(message, req.Signature) {
		if m := metrics.Get(); m != nil {
			m.ControlPlaneRejected("bad_signature")
		}
		return errResponse("Auth", "signature verification failed", nil)
	}
	return s.runReconcile(req.State)
}

func (s *Server) runReconcile(ds domain.DesiredState) Response {
	report, err := s.reconciler.Run(ds, "control-plane")
	if err != nil {
		return errFrom(err)
	}
	if s.ticker != nil {
		s.ticker.SetDesired(ds)
	}
	return okResponse(reportBody(report))
}

func (s *Server) handleNodeStats() Response {
	byStatus := map[domain.Status]int{}
	var memUsedMiB uint64
	var snapshotBytes int64

	tenantIDs, err := s.store.ListTenants()
	if err != nil {
		return errFrom(err)
	}
	for _, tenantID := range tenantIDs {
		poolIDs, err := s.store.ListPools(tenantID)
		if err != nil {
			continue
		}
		for _, poolID := range poolIDs {
			snapshotBytes += dirSize(s.store.PoolBaseSnapshotDir(tenantID, poolID))

			instanceIDs, err := s.store.ListInstances(tenantID, poolID)
			if err != nil {
				continue
			}
			for _, instanceID := range instanceIDs {
				inst, err := s.store.LoadInstance(tenantID, poolID, instanceID)
				if err != nil {
					continue
				}
				byStatus[inst.Status]++
				if inst.Status == domain.StatusRunning || inst.Status == domain.StatusWarm {
					pool, err := s.store.LoadPool(tenantID, poolID)
					if err == nil {
						memUsedMiB += uint64(pool.InstanceResources.MemMiB)
					}
				}
				snapshotBytes += dirSize(s.store.InstanceDeltaSnapshotDir(tenantID, poolID, instanceID))
			}
		}
	}

	return okResponse(NodeStatsResponse{
		ByStatus:      byStatus,
		MemUsedMiB:    memUsedMiB,
		SnapshotBytes: snapshotBytes,
	})
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // missing dir contributes 0, not an error worth surfacing
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

func (s *Server) handleTenantList() Response {
	ids, err := s.store.ListTenants()
	if err != nil {
		return errFrom(err)
	}
	tenants := make([]*domain.Tenant, 0, len(ids))
	for _, id := range ids {
		t, err := s.store.LoadTenant(id)
		if err != nil {
			continue
		}
		tenants = append(tenants, t)
	}
	return okResponse(tenants)
}

func (s *Server) handleInstanceList(body []byte) Response {
	var req InstanceListBody
	if err := decodeStrict(body, &req); err != nil {
		return errFrom(err)
	}
	if req.TenantID == "" {
		return errResponse("ConfigInvalid", "tenant is required", nil)
	}

	poolIDs := []string{req.PoolID}
	if req.PoolID == "" {
		var err error
		poolIDs, err = s.store.ListPools(req.TenantID)
		if err != nil {
			return errFrom(err)
		}
	}

	instances := make([]*domain.Instance, 0)
	for _, poolID := range poolIDs {
		ids, err := s.store.ListInstances(req.TenantID, poolID)
		if err != nil {
			continue
		}
		for _, id := range ids {
			inst, err := s.store.LoadInstance(req.TenantID, poolID, id)
			if err != nil {
				continue
			}
			instances = append(instances, inst)
		}
	}
	return okResponse(instances)
}

func (s *Server) handleWakeInstance(body []byte) Response {
	var req WakeInstanceBody
	if err := decodeStrict(body, &req); err != nil {
		return errFrom(err)
	}
	inst, err := s.reconciler.LC.Wake(req.TenantID, req.PoolID, req.InstanceID, "control-plane", lifecycle.ReasonWakeOnDemand)
	if err != nil {
		return errFrom(err)
	}
	return okResponse(WakeInstanceResponse{Status: inst.Status})
}

func errFrom(err error) Response {
	var fe *ferr.Error
	if errors.As(err, &fe) {
		return errResponse(string(fe.Kind), fe.Message, fe.Detail)
	}
	return errResponse("Io", err.Error(), nil)
}
