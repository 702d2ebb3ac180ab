package secrets

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/storefs"
)

func TestProviderForInstanceNoScopesReturnsEmptyFlat(t *testing.T) {
	entities := storefs.New(t.TempDir())
	pool := &domain.Pool{TenantID: "tenant-a", PoolID: "web"}
	if err := entities.SavePool(pool); err != nil {
		t.Fatal(err)
	}

	provider := NewProvider(NewStore(t.TempDir(), testCipher(t)), entities)
	flat, scoped, err := provider.ForInstance("tenant-a", "web", "inst-1")
	if err != nil {
		t.Fatal(err)
	}
	if scoped != nil {
		t.Fatalf("expected no scoped secrets, got %v", scoped)
	}
	var m map[string]string
	if err := json.Unmarshal(flat, &m); err != nil {
		t.Fatalf("flat secrets should be valid JSON: %v", err)
	}
	if len(m) != 0 {
		t.Fatalf("expected empty flat secrets, got %v", m)
	}
}

func TestProviderForInstanceResolvesScopedSecrets(t *testing.T) {
	entities := storefs.New(t.TempDir())
	pool := &domain.Pool{
		TenantID: "tenant-a",
		PoolID:   "web",
		SecretScopes: []domain.SecretScope{
			{Integration: "stripe", Keys: []string{"api_key"}},
		},
	}
	if err := entities.SavePool(pool); err != nil {
		t.Fatal(err)
	}

	secretStore := NewStore(t.TempDir(), testCipher(t))
	if err := secretStore.Set(context.Background(), "tenant-a", "stripe", "api_key", []byte("sk_live_abc")); err != nil {
		t.Fatal(err)
	}

	provider := NewProvider(secretStore, entities)
	flat, scoped, err := provider.ForInstance("tenant-a", "web", "inst-1")
	if err != nil {
		t.Fatal(err)
	}
	if flat != nil {
		t.Fatalf("expected no flat secrets when scopes are declared, got %s", flat)
	}
	if scoped["stripe"]["api_key"] != "sk_live_abc" {
		t.Fatalf("unexpected scoped secrets: %v", scoped)
	}
}

func TestProviderForInstanceUnknownPool(t *testing.T) {
	entities := storefs.New(t.TempDir())
	provider := NewProvider(NewStore(t.TempDir(), testCipher(t)), entities)
	if _, _, err := provider.ForInstance("tenant-a", "missing", "inst-1"); err == nil {
		t.Fatal("expected an error for an unknown pool")
	}
}
