package controlplane

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/fleetforge/fleetd/internal/ferr"
)

// maxFrameBytes bounds a single frame's declared length so a peer can't
// exhaust memory with a bogus size prefix before the JSON decode even
// starts.
const maxFrameBytes = 4 << 20

// readFrame reads one 4-byte big-endian length prefix followed by that
// many bytes of JSON (spec §4.12's frame protocol).
func readFrame(r io.Reader) ([]byte, error) {
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

// writeFrame writes v's JSON encoding prefixed by its 4-byte big-endian
// length.
func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return ferr.Wrap(ferr.KindIo, "marshaling frame", err)
	}
	if len(body) > maxFrameBytes {
		return ferr.New(ferr.KindIo, "response exceeds the maximum frame size")
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// decodeStrict JSON-decodes body into v, rejecting unknown fields (spec
// §4.12: "Deserializers must reject unknown fields").
func decodeStrict(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return ferr.Wrap(ferr.KindConfigInvalid, "decoding request body", err)
	}
	return nil
}
