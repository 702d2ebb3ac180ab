package controlplane

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/fleetforge/fleetd/internal/ferr"
)

// TrustedKeys is the directory of operator-managed Ed25519 public keys
// spec §4.12 names (`/etc/<app>/trusted_keys/`, one key per file,
// base64-encoded). Operators add trust by writing a file; there is no
// registration API.
type TrustedKeys struct {
	dir  string
	keys []ed25519.PublicKey
}

// LoadTrustedKeys reads every regular file in dir as a base64-encoded
// 32-byte Ed25519 public key. A missing directory yields an empty,
// valid TrustedKeys (every signature then fails closed).
func LoadTrustedKeys(dir string) (*TrustedKeys, error) {
	tk := &TrustedKeys{dir: dir}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return tk, nil
		}
		return nil, ferr.Wrap(ferr.KindIo, "reading trusted keys dir "+dir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, ferr.Wrap(ferr.KindIo, "reading trusted key "+e.Name(), err)
		}
		key, err := decodeKey(raw)
		if err != nil {
			return nil, ferr.Wrap(ferr.KindCrypto, "parsing trusted key "+e.Name(), err)
		}
		tk.keys = append(tk.keys, key)
	}
	return tk, nil
}

func decodeKey(raw []byte) (ed25519.PublicKey, error) {
	s := trimNewline(raw)
	dec, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(dec) != ed25519.PublicKeySize {
		return nil, ferr.New(ferr.KindCrypto, "trusted key is not 32 bytes")
	}
	return ed25519.PublicKey(dec), nil
}

func trimNewline(b []byte) string {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return string(b)
}

// canonicalStateBytes is the exact byte sequence a signer must sign
// over: the state's JSON encoding with map/struct field order fixed by
// Go's encoding/json (stable for a given Go version, which is
// sufficient since signer and verifier are the same toolchain
// lineage — no canonical-JSON library is in the dependency pack).
func canonicalStateBytes(state any) ([]byte, error) {
	return json.Marshal(state)
}

// Verify reports whether sig (base64-encoded) is a valid Ed25519
// signature over message by any key in the trusted set. Every key is
// checked regardless of earlier results, so verification time doesn't
// leak which key (if any) matched.
func (tk *TrustedKeys) Verify(message []byte, sigB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	valid := false
	for _, key := range tk.keys {
		if ed25519.Verify(key, message, sig) {
			valid = true
		}
	}
	return valid
}
