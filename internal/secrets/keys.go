package secrets

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fleetforge/fleetd/internal/diskdriver"
)

// LoadTenantKey reads a tenant's volume encryption key from
// <keysDir>/<tenantID>.key (hex-decoded or used as raw bytes, see
// decodeKeyBytes), and
// matches internal/lifecycle's KeyProvider signature exactly. A missing
// file returns a nil key and no error — lifecycle.resolveKey treats that
// as "write this tenant's snapshots unencrypted" (spec §4.6).
func LoadTenantKey(keysDir, tenantID string) (*diskdriver.Key, error) {
	path := filepath.Join(keysDir, tenantID+".key")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tenant key %s: %w", path, err)
	}
	return diskdriver.NewKey(decodeKeyBytes(strings.TrimSpace(string(raw))))
}

// decodeKeyBytes accepts either raw 32-byte key material or a hex-encoded
// string, since operators may drop in a key generated by GenerateKey (hex)
// or one provisioned by an external secret manager (raw bytes on disk).
func decodeKeyBytes(s string) []byte {
	if len(s) == 64 {
		if decoded, err := hex.DecodeString(s); err == nil {
			return decoded
		}
	}
	return []byte(s)
}
