// Package controlplane implements the node control plane (spec
// component L, §4.12): a single mTLS endpoint exposing a closed set of
// request variants over length-prefixed JSON frames, backed by
// internal/reconcile and internal/lifecycle. It is the only network
// surface the agent exposes; the proxy (component M) is its sole
// regular client besides an operator's CLI.
//
// Grounded on the teacher's internal/grpc/server.go request-dispatch-
// by-type idiom, re-expressed over the spec-mandated framed JSON
// protocol instead of actual gRPC — the wire format is explicitly
// specified and is not gRPC.
package controlplane

import (
	"encoding/json"

	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/reconcile"
)

// RequestType is the closed set of request variants spec §4.12 names.
// Deserializers reject anything outside this set.
type RequestType string

const (
	ReqReconcile       RequestType = "Reconcile"
	ReqReconcileSigned RequestType = "ReconcileSigned"
	ReqNodeInfo        RequestType = "NodeInfo"
	ReqNodeStats       RequestType = "NodeStats"
	ReqTenantList      RequestType = "TenantList"
	ReqInstanceList    RequestType = "InstanceList"
	ReqWakeInstance    RequestType = "WakeInstance"
)

// Envelope is the outer frame of every request: a type tag plus the
// type-specific body, still encoded so each handler can apply its own
// strict (unknown-field-rejecting) decode.
type Envelope struct {
	Type RequestType     `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// ReconcileSignedBody carries a DesiredState and an Ed25519 signature
// over its canonical JSON encoding (spec §4.12's ReconcileSigned).
type ReconcileSignedBody struct {
	State     domain.DesiredState `json:"state"`
	Signature string              `json:"signature"` // base64-encoded Ed25519 signature
}

// InstanceListBody is InstanceList{tenant, pool?}'s request body.
type InstanceListBody struct {
	TenantID string `json:"tenant"`
	PoolID   string `json:"pool,omitempty"`
}

// WakeInstanceBody is WakeInstance{tenant, pool, instance}'s request
// body.
type WakeInstanceBody struct {
	TenantID   string `json:"tenant"`
	PoolID     string `json:"pool"`
	InstanceID string `json:"instance"`
}

// NodeInfoResponse answers NodeInfo.
type NodeInfoResponse struct {
	NodeID              string `json:"node_id"`
	Architecture        string `json:"architecture"`
	VCPUs               int    `json:"vcpus"`
	MemMiB              uint64 `json:"mem_mib"`
	JailerAvailable     bool   `json:"jailer_available"`
	CgroupV2Available   bool   `json:"cgroup_v2_available"`
	AttestationProvider string `json:"attestation_provider"`
}

// NodeStatsResponse answers NodeStats.
type NodeStatsResponse struct {
	ByStatus      map[domain.Status]int `json:"by_status"`
	MemUsedMiB    uint64                `json:"mem_used_mib"`
	SnapshotBytes int64                 `json:"snapshot_bytes"`
}

// WakeInstanceResponse answers WakeInstance: it returns as soon as
// lifecycle.Wake has been dispatched, before the guest service itself
// is ready (spec §4.12).
type WakeInstanceResponse struct {
	Status domain.Status `json:"status"`
}

// ErrorBody is the structured JSON error object spec §7 requires on
// every control-plane failure response.
type ErrorBody struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// Response is the outer frame of every reply.
type Response struct {
	OK    bool            `json:"ok"`
	Error *ErrorBody      `json:"error,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

func okResponse(v any) Response {
	b, err := json.Marshal(v)
	if err != nil {
		return errResponse("Io", "marshaling response: "+err.Error(), nil)
	}
	return Response{OK: true, Body: b}
}

func errResponse(kind, message string, detail map[string]any) Response {
	return Response{OK: false, Error: &ErrorBody{Kind: kind, Message: message, Detail: detail}}
}

// reportBody adapts a reconcile.ReconcileReport 1:1 into the wire
// response; no translation needed, the field names already match
// spec §4.11's output shape.
func reportBody(r *reconcile.ReconcileReport) any { return r }
