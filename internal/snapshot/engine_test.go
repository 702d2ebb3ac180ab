package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fleetforge/fleetd/internal/diskdriver"
	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/storefs"
)

func writeTempFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCreateBaseThenRestoreColdPath(t *testing.T) {
	store := storefs.New(t.TempDir())
	eng := New(store)
	scratch := t.TempDir()

	vmstate := writeTempFile(t, scratch, "vmstate.bin", []byte("vmstate-bytes"))
	mem := writeTempFile(t, scratch, "mem.bin", []byte("mem-bytes"))

	meta := domain.SnapshotMeta{RevisionHash: "rev1", KernelHash: "k1", RootfsHash: "r1"}
	if err := eng.CreateBase("acme", "workers", vmstate, mem, meta); err != nil {
		t.Fatal(err)
	}

	restoreScratch := t.TempDir()
	paths, err := eng.Restore("acme", "workers", "i-deadbeef", restoreScratch, nil)
	if err != nil {
		t.Fatal(err)
	}
	if paths.DeltaVmstate != "" {
		t.Fatal("expected cold path with no delta")
	}
	data, err := os.ReadFile(paths.BaseVmstate)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "vmstate-bytes" {
		t.Fatalf("base vmstate content mismatch: %q", data)
	}
}

func TestCreateDeltaCompressEncryptRoundTrip(t *testing.T) {
	store := storefs.New(t.TempDir())
	eng := New(store)
	scratch := t.TempDir()

	vmstate := writeTempFile(t, scratch, "vmstate.bin", []byte("delta-vmstate-payload-xxxxxxxxxxxxxxxxxxxxxxxx"))
	mem := writeTempFile(t, scratch, "mem.bin", []byte("delta-mem-payload-xxxxxxxxxxxxxxxxxxxxxxxxxxxxx"))

	rawKey := make([]byte, 32)
	for i := range rawKey {
		rawKey[i] = byte(i)
	}
	key, err := diskdriver.NewKey(rawKey)
	if err != nil {
		t.Fatal(err)
	}
	defer key.Wipe()

	meta := domain.SnapshotMeta{RevisionHash: "rev1"}
	if err := eng.CreateDelta("acme", "workers", "i-deadbeef", vmstate, mem, domain.CompressionZstd, key, meta); err != nil {
		t.Fatal(err)
	}

	restoreScratch := t.TempDir()
	paths, err := eng.Restore("acme", "workers", "i-deadbeef", restoreScratch, key)
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(paths.DeltaVmstate)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "delta-vmstate-payload-xxxxxxxxxxxxxxxxxxxxxxxx" {
		t.Fatalf("decrypted+decompressed delta mismatch: %q", data)
	}
}

func TestRestoreRejectsEscapingTenant(t *testing.T) {
	store := storefs.New(t.TempDir())
	eng := New(store)

	// No base for "other" exists, but the important check (path
	// canonicalization) happens before that lookup; simulate a crafted
	// poolID containing traversal segments.
	_, err := eng.Restore("acme", "../../etc", "i-deadbeef", t.TempDir(), nil)
	if err == nil {
		t.Fatal("expected an error for a path that escapes the tenant directory")
	}
}
