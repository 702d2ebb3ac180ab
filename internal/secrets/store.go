package secrets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fleetforge/fleetd/internal/ferr"
)

// Store persists encrypted secret values under a per-tenant,
// per-integration directory tree (spec §6.2's secrets/<integration>/<KEY>
// layout), one file per key. The filesystem listing is the index; there
// is no separate manifest.
type Store struct {
	dataRoot string
	cipher   *Cipher
}

// NewStore opens a filesystem-backed secret store rooted at dataRoot
// (typically <data-root>/secrets).
func NewStore(dataRoot string, cipher *Cipher) *Store {
	return &Store{dataRoot: dataRoot, cipher: cipher}
}

func (s *Store) path(tenantID, integration, name string) string {
	return filepath.Join(s.dataRoot, tenantID, integration, name+".enc")
}

// Set encrypts and writes one tenant/integration/key secret value.
func (s *Store) Set(ctx context.Context, tenantID, integration, name string, value []byte) error {
	encrypted, err := s.cipher.Encrypt(value)
	if err != nil {
		return fmt.Errorf("encrypt secret: %w", err)
	}
	p := s.path(tenantID, integration, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return ferr.Wrap(ferr.KindIo, "mkdir secrets dir", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, encrypted, 0o600); err != nil {
		return ferr.Wrap(ferr.KindIo, "write secret", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return ferr.Wrap(ferr.KindIo, "rename secret", err)
	}
	return nil
}

// Get decrypts and returns one tenant/integration/key secret value.
func (s *Store) Get(ctx context.Context, tenantID, integration, name string) ([]byte, error) {
	encrypted, err := os.ReadFile(s.path(tenantID, integration, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("secret not found: %s/%s/%s", tenantID, integration, name)
		}
		return nil, err
	}
	plaintext, err := s.cipher.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret: %w", err)
	}
	return plaintext, nil
}

// Delete removes one secret. Deleting an absent secret is not an error.
func (s *Store) Delete(ctx context.Context, tenantID, integration, name string) error {
	err := os.Remove(s.path(tenantID, integration, name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns the key names stored for one tenant/integration, sorted.
func (s *Store) List(ctx context.Context, tenantID, integration string) ([]string, error) {
	dir := filepath.Join(s.dataRoot, tenantID, integration)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".enc") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".enc"))
	}
	sort.Strings(names)
	return names, nil
}

// Exists reports whether a secret is present.
func (s *Store) Exists(ctx context.Context, tenantID, integration, name string) (bool, error) {
	_, err := os.Stat(s.path(tenantID, integration, name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
