package storefs

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/ferr"
)

const auditRotateSize = 10 * 1024 * 1024 // 10 MiB
const auditKeepRotations = 3

// auditLocks guards rotation races with one mutex per tenant, shared
// by every *Store in the process (globalAuditLocks); cross-process
// writers serialize via flock on the log file itself.
type auditLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

var globalAuditLocks = &auditLocks{m: map[string]*sync.Mutex{}}

func (a *auditLocks) forTenant(tenantID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.m[tenantID]
	if !ok {
		m = &sync.Mutex{}
		a.m[tenantID] = m
	}
	return m
}

// AppendAudit appends one JSON line to the tenant's audit.log under a
// per-tenant lock, fsyncs, and rotates (gzip, keep 3) when the log
// exceeds 10 MiB (spec §4.2).
func (s *Store) AppendAudit(entry domain.AuditEntry) error {
	tenantID := entry.TenantID
	lock := globalAuditLocks.forTenant(tenantID)
	lock.Lock()
	defer lock.Unlock()

	path := s.AuditLogFile(tenantID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return ferr.Wrap(ferr.KindIo, "creating tenant directory for audit log", err)
	}

	if fi, err := os.Stat(path); err == nil && fi.Size() >= auditRotateSize {
		if err := rotateAuditLog(path); err != nil {
			return err
		}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return ferr.Wrap(ferr.KindIo, "marshaling audit entry", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return ferr.Wrap(ferr.KindIo, "opening audit log "+path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return ferr.Wrap(ferr.KindIo, "locking audit log "+path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	if _, err := f.Write(line); err != nil {
		return ferr.Wrap(ferr.KindIo, "appending to audit log "+path, err)
	}
	return ferr.Wrap(ferr.KindIo, "fsync audit log "+path, f.Sync())
}

func rotateAuditLog(path string) error {
	// Shift audit.log.1.gz -> audit.log.2.gz -> audit.log.3.gz (dropped),
	// then compress the current log into audit.log.1.gz.
	for n := auditKeepRotations; n >= 1; n-- {
		src := fmt.Sprintf("%s.%d.gz", path, n)
		dst := fmt.Sprintf("%s.%d.gz", path, n+1)
		if n == auditKeepRotations {
			os.Remove(src)
			continue
		}
		if Exists(src) {
			os.Rename(src, dst)
		}
	}

	src, err := os.Open(path)
	if err != nil {
		return ferr.Wrap(ferr.KindIo, "opening audit log for rotation", err)
	}
	defer src.Close()

	dstPath := fmt.Sprintf("%s.1.gz", path)
	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return ferr.Wrap(ferr.KindIo, "creating rotated audit log", err)
	}
	defer dst.Close()

	gw := gzip.NewWriter(dst)
	if _, err := io.Copy(gw, src); err != nil {
		return ferr.Wrap(ferr.KindIo, "compressing rotated audit log", err)
	}
	if err := gw.Close(); err != nil {
		return ferr.Wrap(ferr.KindIo, "closing gzip writer", err)
	}
	if err := dst.Sync(); err != nil {
		return ferr.Wrap(ferr.KindIo, "fsync rotated audit log", err)
	}
	return ferr.Wrap(ferr.KindIo, "truncating live audit log after rotation",
		os.Truncate(path, 0))
}

// ReadAudit returns every entry in the tenant's live audit.log,
// oldest-first. Rotated (.gz) entries are not included; operators
// inspect those directly.
func (s *Store) ReadAudit(tenantID string) ([]domain.AuditEntry, error) {
	path := s.AuditLogFile(tenantID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ferr.Wrap(ferr.KindIo, "reading audit log "+path, err)
	}
	var entries []domain.AuditEntry
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e domain.AuditEntry
		if err := dec.Decode(&e); err != nil {
			return entries, ferr.Wrap(ferr.KindIo, "decoding audit log "+path, err)
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
	return entries, nil
}
