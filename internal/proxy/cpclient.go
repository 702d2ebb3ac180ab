package proxy

import (
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/fleetforge/fleetd/internal/controlplane"
	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/ferr"
)

// maxFrameBytes mirrors internal/controlplane's framing limit; the two
// packages share a wire format but not an unexported codec.
const maxFrameBytes = 4 << 20

// cpClient is a small client for the node control plane's framed JSON
// protocol (spec §4.12/§6.4), one persistent connection per node
// address, serialized by a mutex since each node typically serves only
// the proxy and a rare operator CLI invocation.
type cpClient struct {
	addr      string
	tlsConfig *tls.Config

	mu   sync.Mutex
	conn net.Conn
}

func newCPClient(addr string, tlsConfig *tls.Config) *cpClient {
	return &cpClient{addr: addr, tlsConfig: tlsConfig}
}

func (c *cpClient) dialLocked() error {
	if c.conn != nil {
		return nil
	}
	var conn net.Conn
	var err error
	if c.tlsConfig != nil {
		conn, err = tls.Dial("tcp", c.addr, c.tlsConfig)
	} else {
		conn, err = net.Dial("tcp", c.addr)
	}
	if err != nil {
		return ferr.Wrap(ferr.KindNetwork, "dialing node "+c.addr, err)
	}
	c.conn = conn
	return nil
}

// call sends one request envelope and returns the decoded response
// body. A transport failure drops the connection so the next call
// redials.
func (c *cpClient) call(reqType controlplane.RequestType, body any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.dialLocked(); err != nil {
		return nil, err
	}
	_ = c.conn.SetDeadline(time.Now().Add(timeout))

	var raw json.RawMessage
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, ferr.Wrap(ferr.KindConfigInvalid, "marshaling request body", err)
		}
		raw = b
	}
	env := controlplane.Envelope{Type: reqType, Body: raw}
	if err := writeClientFrame(c.conn, env); err != nil {
		c.closeLocked()
		return nil, err
	}

	frame, err := readClientFrame(c.conn)
	if err != nil {
		c.closeLocked()
		return nil, err
	}

	var resp controlplane.Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		c.closeLocked()
		return nil, ferr.Wrap(ferr.KindIo, "decoding control plane response", err)
	}
	if !resp.OK {
		kind := ferr.KindIo
		msg := "control plane request failed"
		if resp.Error != nil {
			kind = ferr.Kind(resp.Error.Kind)
			msg = resp.Error.Message
		}
		return nil, ferr.WithDetail(kind, msg, nil)
	}
	return resp.Body, nil
}

func (c *cpClient) closeLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *cpClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

// wakeInstance sends WakeInstance for the given tenant/pool, leaving it
// to the caller to poll InstanceList for the resulting guest_ip.
func (c *cpClient) wakeInstance(tenantID, poolID, instanceID string, timeout time.Duration) error {
	_, err := c.call(controlplane.ReqWakeInstance, controlplane.WakeInstanceBody{
		TenantID: tenantID, PoolID: poolID, InstanceID: instanceID,
	}, timeout)
	return err
}

// instanceList returns every instance in tenantID/poolID.
func (c *cpClient) instanceList(tenantID, poolID string, timeout time.Duration) ([]*domain.Instance, error) {
	body, err := c.call(controlplane.ReqInstanceList, controlplane.InstanceListBody{
		TenantID: tenantID, PoolID: poolID,
	}, timeout)
	if err != nil {
		return nil, err
	}
	var instances []*domain.Instance
	if err := json.Unmarshal(body, &instances); err != nil {
		return nil, ferr.Wrap(ferr.KindIo, "decoding instance list", err)
	}
	return instances, nil
}

func writeClientFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return ferr.Wrap(ferr.KindIo, "marshaling frame", err)
	}
	if len(body) > maxFrameBytes {
		return ferr.New(ferr.KindIo, "request exceeds the maximum frame size")
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func readClientFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, ferr.New(ferr.KindIo, "frame exceeds the maximum declared size")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
