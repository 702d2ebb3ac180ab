package secrets

import (
	"context"
	"encoding/json"

	"github.com/fleetforge/fleetd/internal/storefs"
)

// Provider wires a filesystem-backed Store to the shape
// internal/lifecycle's SecretsProvider function type expects, resolving a
// pool's secret_scopes (spec §6.2) into the flat-or-scoped tree
// diskdriver.BuildSecretsImage consumes.
type Provider struct {
	secrets  *Store
	entities *storefs.Store
}

// NewProvider builds a Provider over a secret Store and the entity store
// holding each pool's secret_scopes declaration.
func NewProvider(secrets *Store, entities *storefs.Store) *Provider {
	return &Provider{secrets: secrets, entities: entities}
}

// ForInstance matches lifecycle.SecretsProvider's signature exactly, so
// p.ForInstance can be assigned directly to lifecycle.Deps.Secrets. Pools
// with no secret_scopes get an empty flat secrets.json; pools that
// declare scopes get the per-integration tree instead, never both.
func (p *Provider) ForInstance(tenantID, poolID, instanceID string) (flat []byte, scoped map[string]map[string]string, err error) {
	pool, err := p.entities.LoadPool(tenantID, poolID)
	if err != nil {
		return nil, nil, err
	}
	if len(pool.SecretScopes) == 0 {
		flat, err = json.Marshal(map[string]string{})
		return flat, nil, err
	}

	ctx := context.Background()
	scoped = make(map[string]map[string]string, len(pool.SecretScopes))
	for _, scope := range pool.SecretScopes {
		kv := make(map[string]string, len(scope.Keys))
		for _, key := range scope.Keys {
			value, gerr := p.secrets.Get(ctx, tenantID, scope.Integration, key)
			if gerr != nil {
				return nil, nil, gerr
			}
			kv[key] = string(value)
		}
		scoped[scope.Integration] = kv
	}
	return nil, scoped, nil
}
