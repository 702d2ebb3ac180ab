package storefs

import (
	"os"
	"path/filepath"

	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/ferr"
)

func (s *Store) SaveTenant(t *domain.Tenant) error {
	return SaveJSON(s.TenantFile(t.TenantID), t, 0o600)
}

func (s *Store) LoadTenant(tenantID string) (*domain.Tenant, error) {
	var t domain.Tenant
	if err := LoadJSON(s.TenantFile(tenantID), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) DeleteTenant(tenantID string) error {
	if err := os.RemoveAll(s.TenantDir(tenantID)); err != nil {
		return ferr.Wrap(ferr.KindIo, "removing tenant directory", err)
	}
	return nil
}

func (s *Store) ListTenants() ([]string, error) {
	return listDirNames(filepath.Join(s.Root, "tenants"))
}

func (s *Store) SavePool(p *domain.Pool) error {
	return SaveJSON(s.PoolFile(p.TenantID, p.PoolID), p, 0o600)
}

func (s *Store) LoadPool(tenantID, poolID string) (*domain.Pool, error) {
	var p domain.Pool
	if err := LoadJSON(s.PoolFile(tenantID, poolID), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) DeletePool(tenantID, poolID string) error {
	if err := os.RemoveAll(s.PoolDir(tenantID, poolID)); err != nil {
		return ferr.Wrap(ferr.KindIo, "removing pool directory", err)
	}
	return nil
}

func (s *Store) ListPools(tenantID string) ([]string, error) {
	return listDirNames(s.PoolsDir(tenantID))
}

func (s *Store) SaveRevision(r *domain.Revision) error {
	path := filepath.Join(s.RevisionDir(r.TenantID, r.PoolID, r.RevisionHash), "revision.json")
	return SaveJSON(path, r, 0o600)
}

func (s *Store) LoadRevision(tenantID, poolID, hash string) (*domain.Revision, error) {
	var r domain.Revision
	path := filepath.Join(s.RevisionDir(tenantID, poolID, hash), "revision.json")
	if err := LoadJSON(path, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) SetCurrentRevision(tenantID, poolID, hash string) error {
	link := s.CurrentRevisionLink(tenantID, poolID)
	os.Remove(link)
	target := filepath.Join("revisions", hash)
	if err := os.MkdirAll(filepath.Dir(link), 0o700); err != nil {
		return ferr.Wrap(ferr.KindIo, "creating artifacts directory", err)
	}
	if err := os.Symlink(target, link); err != nil {
		return ferr.Wrap(ferr.KindIo, "linking current revision", err)
	}
	return nil
}

func (s *Store) SaveInstance(i *domain.Instance) error {
	return SaveJSON(s.InstanceFile(i.TenantID, i.PoolID, i.InstanceID), i, 0o600)
}

func (s *Store) LoadInstance(tenantID, poolID, instanceID string) (*domain.Instance, error) {
	var i domain.Instance
	if err := LoadJSON(s.InstanceFile(tenantID, poolID, instanceID), &i); err != nil {
		return nil, err
	}
	return &i, nil
}

func (s *Store) DeleteInstance(tenantID, poolID, instanceID string) error {
	if err := os.RemoveAll(s.InstanceDir(tenantID, poolID, instanceID)); err != nil {
		return ferr.Wrap(ferr.KindIo, "removing instance directory", err)
	}
	return nil
}

func (s *Store) ListInstances(tenantID, poolID string) ([]string, error) {
	return listDirNames(s.InstancesDir(tenantID, poolID))
}

// InstanceExists reports whether an instance record is present; used by
// ids.GenerateInstanceID's collision check.
func (s *Store) InstanceExists(tenantID, poolID, instanceID string) bool {
	return Exists(s.InstanceFile(tenantID, poolID, instanceID))
}

func listDirNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ferr.Wrap(ferr.KindIo, "listing "+dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
