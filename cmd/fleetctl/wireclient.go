package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/fleetforge/fleetd/internal/controlplane"
)

// nodeClient is fleetctl's counterpart to internal/proxy's cpClient: a
// short-lived connection to one node's control plane, reusing the same
// length-prefixed JSON framing (spec §4.12/§6.4) since an operator CLI
// is the protocol's other documented client besides the proxy.
type nodeClient struct {
	conn net.Conn
}

func dialNode(addr, caFile, certFile, keyFile string, insecure bool) (*nodeClient, error) {
	var tlsConfig *tls.Config
	if !insecure {
		tlsConfig = &tls.Config{}
		if certFile != "" && keyFile != "" {
			cert, err := tls.LoadX509KeyPair(certFile, keyFile)
			if err != nil {
				return nil, fmt.Errorf("load client cert: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
		if caFile != "" {
			caPEM, err := os.ReadFile(caFile)
			if err != nil {
				return nil, fmt.Errorf("read CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caPEM) {
				return nil, fmt.Errorf("no certificates found in %s", caFile)
			}
			tlsConfig.RootCAs = pool
		}
	}

	var conn net.Conn
	var err error
	if tlsConfig != nil {
		conn, err = tls.Dial("tcp", addr, tlsConfig)
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &nodeClient{conn: conn}, nil
}

func (c *nodeClient) close() {
	_ = c.conn.Close()
}

func (c *nodeClient) call(reqType controlplane.RequestType, body any, out any) error {
	_ = c.conn.SetDeadline(time.Now().Add(10 * time.Second))

	var raw json.RawMessage
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		raw = b
	}
	if err := writeFrame(c.conn, controlplane.Envelope{Type: reqType, Body: raw}); err != nil {
		return err
	}
	frame, err := readFrame(c.conn)
	if err != nil {
		return err
	}
	var resp controlplane.Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		return err
	}
	if !resp.OK {
		if resp.Error != nil {
			return fmt.Errorf("%s: %s", resp.Error.Kind, resp.Error.Message)
		}
		return fmt.Errorf("control plane request failed")
	}
	if out != nil && resp.Body != nil {
		return json.Unmarshal(resp.Body, out)
	}
	return nil
}

const maxFrameBytes = 4 << 20

func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(body) > maxFrameBytes {
		return fmt.Errorf("request exceeds the maximum frame size")
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("frame exceeds the maximum declared size")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
