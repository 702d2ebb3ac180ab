// Package guestchannel implements the host-guest agent channel (spec
// component G, §4.7): length-prefixed JSON frames exchanged over a
// vsock connection to the guest agent running inside an instance.
//
// The channel is best-effort. A guest that never boots an agent, or one
// that is wedged, must never make a sleep or wake operation hang past
// its configured ceiling — callers pass a context with the relevant
// deadline (drain_timeout_secs for sleep, a short fixed ceiling for
// everything else) and treat a context error the same as any other
// connect/IO failure: proceed anyway, and audit the override.
package guestchannel

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/fleetforge/fleetd/internal/ferr"
)

// MsgType names the frame's type field (spec §4.7).
type MsgType string

const (
	MsgSleepPrep             MsgType = "SleepPrep"
	MsgSleepPrepAck          MsgType = "SleepPrepAck"
	MsgWake                  MsgType = "Wake"
	MsgIntegrationStatus     MsgType = "IntegrationStatus"
	MsgIntegrationStatusRpt  MsgType = "IntegrationStatusReport"
	MsgCheckpointIntegrations MsgType = "CheckpointIntegrations"
	MsgCheckpointResult      MsgType = "CheckpointResult"
)

type sleepPrepMsg struct {
	Type            MsgType `json:"type"`
	DrainTimeoutSec int     `json:"drain_timeout_secs"`
}

type sleepPrepAckMsg struct {
	Type    MsgType `json:"type"`
	Success bool    `json:"success"`
}

type wakeMsg struct {
	Type MsgType `json:"type"`
}

type integrationStatusMsg struct {
	Type MsgType `json:"type"`
}

// IntegrationStatusReport is the guest's free-form report of declared
// integration health; the agent owns the schema of Integrations.
type IntegrationStatusReport struct {
	Type         MsgType                   `json:"type"`
	Integrations map[string]map[string]any `json:"integrations,omitempty"`
}

type checkpointIntegrationsMsg struct {
	Type         MsgType  `json:"type"`
	Integrations []string `json:"integrations"`
}

// CheckpointResult reports which declared integrations failed to
// checkpoint cleanly.
type CheckpointResult struct {
	Type    MsgType  `json:"type"`
	Success bool     `json:"success"`
	Failed  []string `json:"failed,omitempty"`
}

const maxFrameBytes = 4 << 20 // 4 MiB; guest agent reports are small.

// Client holds a vsock address (CID + port) for one instance's agent
// connection. It dials fresh for every call; vsock connections through
// the hypervisor's proxy are cheap and short-lived, and holding one open
// across a sleep/wake cycle would outlive the VM itself.
type Client struct {
	contextID uint32
	port      uint32
	dial      func(ctx context.Context, cid, port uint32) (net.Conn, error)
}

// New returns a Client addressing the guest agent's vsock listener at
// (contextID, port). contextID is the instance's assigned vsock CID;
// port is the well-known guest-agent port baked into the rootfs image.
func New(contextID, port uint32) *Client {
	return &Client{contextID: contextID, port: port, dial: dialVsock}
}

func dialVsock(ctx context.Context, cid, port uint32) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := vsock.Dial(cid, port, nil)
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func writeFrame(conn net.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return ferr.Wrap(ferr.KindGuestChannel, "marshaling frame", err)
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)
	if _, err := conn.Write(buf); err != nil {
		return ferr.Wrap(ferr.KindGuestChannel, "writing frame", err)
	}
	return nil
}

func readFrame(conn net.Conn, out any) error {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return ferr.Wrap(ferr.KindGuestChannel, "reading frame length", err)
	}
	n := binary.BigEndian.Uint32(lenBuf)
	if n > maxFrameBytes {
		return ferr.New(ferr.KindGuestChannel, fmt.Sprintf("frame too large: %d bytes", n))
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(conn, data); err != nil {
		return ferr.Wrap(ferr.KindGuestChannel, "reading frame body", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return ferr.Wrap(ferr.KindGuestChannel, "decoding frame", err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, req any, resp any) error {
	conn, err := c.dial(ctx, c.contextID, c.port)
	if err != nil {
		return ferr.Wrap(ferr.KindGuestChannel, "dialing guest agent", err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	if err := writeFrame(conn, req); err != nil {
		return err
	}
	return readFrame(conn, resp)
}

// SleepPrep asks the guest to flush and prepare for a snapshot, with
// drainTimeout as the duration the guest itself should treat as its own
// budget. The caller's ctx should carry the same (or slightly longer)
// deadline; on any error — dial failure, timeout, or a guest that never
// replies — SleepPrep returns an error and the caller proceeds with the
// sleep anyway, auditing MinRuntimeOverridden (spec §4.7, §4.9).
func (c *Client) SleepPrep(ctx context.Context, drainTimeout time.Duration) (ack bool, err error) {
	req := sleepPrepMsg{Type: MsgSleepPrep, DrainTimeoutSec: int(drainTimeout.Seconds())}
	var resp sleepPrepAckMsg
	if err := c.call(ctx, req, &resp); err != nil {
		return false, err
	}
	if resp.Type != MsgSleepPrepAck {
		return false, ferr.New(ferr.KindGuestChannel, "unexpected response type: "+string(resp.Type))
	}
	return resp.Success, nil
}

// Wake notifies the guest it has resumed from a paused/restored state.
// Best-effort: wake proceeds regardless of the outcome.
func (c *Client) Wake(ctx context.Context) error {
	req := wakeMsg{Type: MsgWake}
	var resp struct {
		Type MsgType `json:"type"`
	}
	return c.call(ctx, req, &resp)
}

// QueryIntegrationStatus asks the guest to report the health of its
// declared integrations.
func (c *Client) QueryIntegrationStatus(ctx context.Context) (*IntegrationStatusReport, error) {
	req := integrationStatusMsg{Type: MsgIntegrationStatus}
	var resp IntegrationStatusReport
	if err := c.call(ctx, req, &resp); err != nil {
		return nil, err
	}
	if resp.Type != MsgIntegrationStatusRpt {
		return nil, ferr.New(ferr.KindGuestChannel, "unexpected response type: "+string(resp.Type))
	}
	return &resp, nil
}

// CheckpointIntegrations asks the guest to checkpoint the named
// integrations before a snapshot is taken (e.g. flush database
// connections, pause background jobs).
func (c *Client) CheckpointIntegrations(ctx context.Context, integrations []string) (*CheckpointResult, error) {
	req := checkpointIntegrationsMsg{Type: MsgCheckpointIntegrations, Integrations: integrations}
	var resp CheckpointResult
	if err := c.call(ctx, req, &resp); err != nil {
		return nil, err
	}
	if resp.Type != MsgCheckpointResult {
		return nil, ferr.New(ferr.KindGuestChannel, "unexpected response type: "+string(resp.Type))
	}
	return &resp, nil
}
