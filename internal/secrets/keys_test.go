package secrets

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadTenantKeyMissingFileReturnsNil(t *testing.T) {
	key, err := LoadTenantKey(t.TempDir(), "tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	if key != nil {
		t.Fatal("expected a nil key when no key file exists")
	}
}

func TestLoadTenantKeyHexEncoded(t *testing.T) {
	dir := t.TempDir()
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}
	path := filepath.Join(dir, "tenant-a.key")
	if err := os.WriteFile(path, []byte(hex.EncodeToString(raw)+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	key, err := LoadTenantKey(dir, "tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	if key == nil {
		t.Fatal("expected a non-nil key")
	}
}

func TestLoadTenantKeyRawBytes(t *testing.T) {
	dir := t.TempDir()
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte('a' + i%26)
	}
	path := filepath.Join(dir, "tenant-b.key")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}

	key, err := LoadTenantKey(dir, "tenant-b")
	if err != nil {
		t.Fatal(err)
	}
	if key == nil {
		t.Fatal("expected a non-nil key")
	}
}
