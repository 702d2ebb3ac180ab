package vmmdriver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/fleetforge/fleetd/internal/ferr"
)

// Client is the control channel for one running VMM: HTTP-over-Unix-
// socket with the verb set spec §4.5 names.
type Client struct {
	socketPath string
	http       *http.Client
}

func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
					return net.Dial("unix", socketPath)
				},
			},
		},
	}
}

// backoff is the bounded exponential schedule api_call retries on while
// the socket is not yet accepting connections (spec §4.5).
var backoff = []time.Duration{10 * time.Millisecond, 25 * time.Millisecond, 50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}

// Call issues verb path with an optional JSON body, retrying on
// connection-refused while the socket warms up.
func (c *Client) Call(ctx context.Context, verb, path string, body any) error {
	data, err := marshalBody(body)
	if err != nil {
		return ferr.Wrap(ferr.KindVmmApi, "marshaling request body", err)
	}

	var lastErr error
	for attempt := 0; attempt <= len(backoff); attempt++ {
		var reader io.Reader
		if data != nil {
			reader = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, verb, "http://vmm"+path, reader)
		if err != nil {
			return ferr.Wrap(ferr.KindVmmApi, "building request", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if attempt < len(backoff) {
				select {
				case <-time.After(backoff[attempt]):
					continue
				case <-ctx.Done():
					return ferr.Wrap(ferr.KindVmmApi, "context done while retrying "+verb+" "+path, ctx.Err())
				}
			}
			return ferr.Wrap(ferr.KindVmmApi, "calling "+verb+" "+path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			b, _ := io.ReadAll(resp.Body)
			return ferr.New(ferr.KindVmmApi, fmt.Sprintf("%s %s: status %d: %s", verb, path, resp.StatusCode, b))
		}
		return nil
	}
	return ferr.Wrap(ferr.KindVmmApi, "exhausted retries for "+verb+" "+path, lastErr)
}

// ApplyConfig issues the sequence of PUTs fc_config describes, in the
// fixed order spec §4.5 requires: logger, boot-source, drives,
// network-interfaces, vsock, machine-config, then the InstanceStart
// action.
func (c *Client) ApplyConfig(ctx context.Context, spec LaunchSpec) error {
	cfg := FcConfig(spec)

	if err := c.Call(ctx, "PUT", "/logger", cfg["logger"]); err != nil {
		return err
	}
	if err := c.Call(ctx, "PUT", "/boot-source", cfg["boot-source"]); err != nil {
		return err
	}
	for _, d := range cfg["drives"].([]map[string]any) {
		id, _ := d["drive_id"].(string)
		if err := c.Call(ctx, "PUT", "/drives/"+id, d); err != nil {
			return err
		}
	}
	for _, iface := range cfg["network-interfaces"].([]map[string]any) {
		id, _ := iface["iface_id"].(string)
		if err := c.Call(ctx, "PUT", "/network-interfaces/"+id, iface); err != nil {
			return err
		}
	}
	if vs, ok := cfg["vsock"]; ok {
		if err := c.Call(ctx, "PUT", "/vsock", vs); err != nil {
			return err
		}
	}
	if err := c.Call(ctx, "PUT", "/machine-config", cfg["machine-config"]); err != nil {
		return err
	}
	return c.Call(ctx, "PUT", "/actions", map[string]string{"action_type": "InstanceStart"})
}

// Pause issues PATCH /vm {state: Paused}.
func (c *Client) Pause(ctx context.Context) error {
	return c.Call(ctx, "PATCH", "/vm", map[string]string{"state": "Paused"})
}

// Resume issues PATCH /vm {state: Resumed}.
func (c *Client) Resume(ctx context.Context) error {
	return c.Call(ctx, "PATCH", "/vm", map[string]string{"state": "Resumed"})
}

// CreateSnapshot issues PUT /snapshot/create for either a Full base
// snapshot or a Diff delta snapshot.
func (c *Client) CreateSnapshot(ctx context.Context, snapshotType, snapshotPath, memPath string) error {
	return c.Call(ctx, "PUT", "/snapshot/create", map[string]any{
		"snapshot_type": snapshotType,
		"snapshot_path": snapshotPath,
		"mem_file_path": memPath,
	})
}

// LoadSnapshot issues PUT /snapshot/load composing base + optional
// delta paths prepared by the snapshot engine (spec §4.6).
func (c *Client) LoadSnapshot(ctx context.Context, snapshotPath, memPath string, resumeVM bool) error {
	return c.Call(ctx, "PUT", "/snapshot/load", map[string]any{
		"snapshot_path":         snapshotPath,
		"mem_file_path":         memPath,
		"enable_diff_snapshots": false,
		"resume_vm":             resumeVM,
	})
}

// SendCtrlAltDel issues PUT /actions {action_type: SendCtrlAltDel},
// used as a gentler guest shutdown nudge before kill_and_cleanup.
func (c *Client) SendCtrlAltDel(ctx context.Context) error {
	return c.Call(ctx, "PUT", "/actions", map[string]string{"action_type": "SendCtrlAltDel"})
}
