package storefs

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/fleetforge/fleetd/internal/ferr"
)

// Marshaler is satisfied by every domain entity (Tenant, Pool, Revision,
// Instance, SnapshotMeta).
type Marshaler interface {
	MarshalBinary() ([]byte, error)
}

// Unmarshaler is the read-side counterpart of Marshaler.
type Unmarshaler interface {
	UnmarshalBinary([]byte) error
}

// WriteAtomic writes data to a temp file in the same directory as path,
// fsyncs it, then renames over path — so readers never observe a
// partial write (spec §4.2).
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ferr.Wrap(ferr.KindIo, "creating parent directory for "+path, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return ferr.Wrap(ferr.KindIo, "creating temp file for "+path, err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return ferr.Wrap(ferr.KindIo, "writing temp file for "+path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return ferr.Wrap(ferr.KindIo, "chmod temp file for "+path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return ferr.Wrap(ferr.KindIo, "fsync temp file for "+path, err)
	}
	if err := tmp.Close(); err != nil {
		return ferr.Wrap(ferr.KindIo, "closing temp file for "+path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return ferr.Wrap(ferr.KindIo, "renaming temp file onto "+path, err)
	}
	cleanup = false
	return nil
}

// SaveJSON atomically writes v's JSON encoding to path.
func SaveJSON(path string, v Marshaler, perm os.FileMode) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return ferr.Wrap(ferr.KindIo, "marshaling "+path, err)
	}
	return WriteAtomic(path, data, perm)
}

// LoadJSON reads path's JSON encoding into v. A missing file or a
// decode failure is reported as ConfigInvalid naming the file, per
// spec §4.2 ("the loader never guesses defaults for required fields").
func LoadJSON(path string, v Unmarshaler) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ferr.Wrap(ferr.KindConfigInvalid, "missing required file "+path, err)
		}
		return ferr.Wrap(ferr.KindIo, "reading "+path, err)
	}
	if err := v.UnmarshalBinary(data); err != nil {
		return ferr.Wrap(ferr.KindConfigInvalid, "corrupt file "+path, err)
	}
	return nil
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// DecodeStrict rejects unknown JSON fields, per spec §6.1.
func DecodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
