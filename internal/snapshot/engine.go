package snapshot

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fleetforge/fleetd/internal/diskdriver"
	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/ferr"
	"github.com/fleetforge/fleetd/internal/storefs"
)

// Engine creates, restores, and invalidates base/delta snapshots under
// a Store's directory tree.
type Engine struct {
	store *storefs.Store
}

func New(store *storefs.Store) *Engine {
	return &Engine{store: store}
}

// CreateBase copies a freshly-taken Full snapshot's vmstate/mem files
// into the pool's base directory and records hashes (spec §4.6). The
// caller has already paused the VMM and issued PUT /snapshot/create.
func (e *Engine) CreateBase(tenantID, poolID string, vmstatePath, memPath string, meta domain.SnapshotMeta) error {
	dir := e.store.PoolBaseSnapshotDir(tenantID, poolID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ferr.Wrap(ferr.KindIo, "creating base snapshot dir", err)
	}
	if err := copyFileSync(vmstatePath, filepath.Join(dir, "vmstate.bin")); err != nil {
		return err
	}
	if err := copyFileSync(memPath, filepath.Join(dir, "mem.bin")); err != nil {
		return err
	}
	meta.CreatedAt = time.Now().UTC()
	return storefs.SaveJSON(filepath.Join(dir, "meta.json"), &meta, 0o600)
}

// CreateDelta compresses (per pool policy) and optionally encrypts a
// freshly-taken Diff snapshot's vmstate/mem files, storing them under
// the instance's delta directory (spec §4.6). key is nil when no
// per-tenant key is configured.
func (e *Engine) CreateDelta(tenantID, poolID, instanceID string, vmstatePath, memPath string, compression domain.Compression, key *diskdriver.Key, meta domain.SnapshotMeta) error {
	dir := e.store.InstanceDeltaSnapshotDir(tenantID, poolID, instanceID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ferr.Wrap(ferr.KindIo, "creating delta snapshot dir", err)
	}

	comp := NewCompressor(compression)
	if err := e.writeDeltaFile(vmstatePath, filepath.Join(dir, "vmstate.delta.bin"), comp, key); err != nil {
		return err
	}
	if err := e.writeDeltaFile(memPath, filepath.Join(dir, "mem.delta.bin"), comp, key); err != nil {
		return err
	}

	meta.Compression = compression
	meta.Encrypted = key != nil
	meta.CreatedAt = time.Now().UTC()
	return storefs.SaveJSON(filepath.Join(dir, "meta.json"), &meta, 0o600)
}

func (e *Engine) writeDeltaFile(srcPath, dstPath string, comp Compressor, key *diskdriver.Key) error {
	raw, err := os.ReadFile(srcPath)
	if err != nil {
		return ferr.Wrap(ferr.KindIo, "reading snapshot file "+srcPath, err)
	}
	compressed, err := comp.Compress(raw)
	if err != nil {
		return err
	}
	out := compressed
	if key != nil {
		vol, err := diskdriver.Open(key)
		if err != nil {
			return err
		}
		defer vol.Close()
		out, err = vol.Seal(compressed)
		if err != nil {
			return err
		}
	}
	return storefs.WriteAtomic(dstPath, out, 0o600)
}

// RestorePaths names the files PUT /snapshot/load needs. DeltaVmstate
// and DeltaMem are empty when the instance has no delta (cold path).
type RestorePaths struct {
	BaseVmstate  string
	BaseMem      string
	DeltaVmstate string
	DeltaMem     string
}

// Restore composes base + delta (delta optional) for an instance,
// decrypting and decompressing delta files into a scratch directory.
// It rejects any path that does not canonicalize under the caller's
// own tenant (spec §4.6 "Security", testable property 8).
func (e *Engine) Restore(tenantID, poolID, instanceID, scratchDir string, key *diskdriver.Key) (*RestorePaths, error) {
	tenantRoot, err := filepath.Abs(e.store.TenantDir(tenantID))
	if err != nil {
		return nil, ferr.Wrap(ferr.KindIo, "resolving tenant root", err)
	}

	baseDir := e.store.PoolBaseSnapshotDir(tenantID, poolID)
	if err := mustBeUnderTenant(baseDir, tenantRoot); err != nil {
		return nil, err
	}
	paths := &RestorePaths{
		BaseVmstate: filepath.Join(baseDir, "vmstate.bin"),
		BaseMem:     filepath.Join(baseDir, "mem.bin"),
	}
	if !storefs.Exists(paths.BaseVmstate) {
		return nil, ferr.New(ferr.KindSnapshotIncompat, "no base snapshot for pool "+poolID)
	}

	deltaDir := e.store.InstanceDeltaSnapshotDir(tenantID, poolID, instanceID)
	if err := mustBeUnderTenant(deltaDir, tenantRoot); err != nil {
		return nil, err
	}
	metaPath := filepath.Join(deltaDir, "meta.json")
	if !storefs.Exists(metaPath) {
		// No delta: cold start from base alone.
		return paths, nil
	}

	var meta domain.SnapshotMeta
	if err := storefs.LoadJSON(metaPath, &meta); err != nil {
		return nil, err
	}
	comp := NewCompressor(meta.Compression)

	if err := os.MkdirAll(scratchDir, 0o700); err != nil {
		return nil, ferr.Wrap(ferr.KindIo, "creating restore scratch dir", err)
	}
	vmstateOut := filepath.Join(scratchDir, "vmstate.delta.bin")
	memOut := filepath.Join(scratchDir, "mem.delta.bin")
	if err := e.decodeDeltaFile(filepath.Join(deltaDir, "vmstate.delta.bin"), vmstateOut, comp, meta.Encrypted, key); err != nil {
		return nil, err
	}
	if err := e.decodeDeltaFile(filepath.Join(deltaDir, "mem.delta.bin"), memOut, comp, meta.Encrypted, key); err != nil {
		return nil, err
	}
	paths.DeltaVmstate = vmstateOut
	paths.DeltaMem = memOut
	return paths, nil
}

func (e *Engine) decodeDeltaFile(srcPath, dstPath string, comp Compressor, encrypted bool, key *diskdriver.Key) error {
	raw, err := os.ReadFile(srcPath)
	if err != nil {
		return ferr.Wrap(ferr.KindIo, "reading delta file "+srcPath, err)
	}
	data := raw
	if encrypted {
		if key == nil {
			return ferr.New(ferr.KindCrypto, "delta is encrypted but no key was provided")
		}
		vol, err := diskdriver.Open(key)
		if err != nil {
			return err
		}
		defer vol.Close()
		data, err = vol.Open(data)
		if err != nil {
			return err
		}
	}
	plain, err := comp.Decompress(data)
	if err != nil {
		return err
	}
	return storefs.WriteAtomic(dstPath, plain, 0o600)
}

func mustBeUnderTenant(path, tenantRoot string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return ferr.Wrap(ferr.KindIo, "resolving path", err)
	}
	clean := filepath.Clean(abs)
	if clean != tenantRoot && !strings.HasPrefix(clean, tenantRoot+string(filepath.Separator)) {
		return ferr.New(ferr.KindCrypto, "snapshot path escapes caller's tenant")
	}
	return nil
}

// InvalidateBase deletes the pool's base snapshot and every instance's
// delta that referenced its revision hash — sleeping instances holding
// a stale base must cold-boot on next wake (spec §4.6).
func (e *Engine) InvalidateBase(tenantID, poolID string, instanceIDs []string) error {
	baseDir := e.store.PoolBaseSnapshotDir(tenantID, poolID)
	metaPath := filepath.Join(baseDir, "meta.json")
	var baseMeta domain.SnapshotMeta
	hadBase := storefs.Exists(metaPath)
	if hadBase {
		if err := storefs.LoadJSON(metaPath, &baseMeta); err != nil {
			return err
		}
	}
	if err := zeroFillThenRemove(baseDir); err != nil {
		return err
	}

	for _, iid := range instanceIDs {
		deltaDir := e.store.InstanceDeltaSnapshotDir(tenantID, poolID, iid)
		dMetaPath := filepath.Join(deltaDir, "meta.json")
		if !storefs.Exists(dMetaPath) {
			continue
		}
		var dMeta domain.SnapshotMeta
		if err := storefs.LoadJSON(dMetaPath, &dMeta); err != nil {
			continue
		}
		if !hadBase || dMeta.BaseHash == baseMeta.BaseHash {
			if err := zeroFillThenRemove(deltaDir); err != nil {
				return err
			}
		}
	}
	return nil
}

// zeroFillThenRemove overwrites every file's contents with zeros before
// unlinking, per spec §4.6's "deletion zero-fills first".
func zeroFillThenRemove(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ferr.Wrap(ferr.KindIo, "reading snapshot dir for wipe", err)
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		path := filepath.Join(dir, ent.Name())
		if err := zeroFillFile(path); err != nil {
			return err
		}
	}
	return os.RemoveAll(dir)
}

func zeroFillFile(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return ferr.Wrap(ferr.KindIo, "stat "+path, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return ferr.Wrap(ferr.KindIo, "opening "+path+" for zero-fill", err)
	}
	defer f.Close()
	zeros := make([]byte, 64*1024)
	remaining := fi.Size()
	for remaining > 0 {
		n := int64(len(zeros))
		if remaining < n {
			n = remaining
		}
		if _, err := f.Write(zeros[:n]); err != nil {
			return ferr.Wrap(ferr.KindIo, "zero-filling "+path, err)
		}
		remaining -= n
	}
	return f.Sync()
}

func copyFileSync(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return ferr.Wrap(ferr.KindIo, "reading "+src, err)
	}
	return storefs.WriteAtomic(dst, data, 0o600)
}
