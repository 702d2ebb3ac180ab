package main

import (
	"path/filepath"

	"github.com/fleetforge/fleetd/internal/diskdriver"
	"github.com/fleetforge/fleetd/internal/lifecycle"
	"github.com/fleetforge/fleetd/internal/netdriver"
	"github.com/fleetforge/fleetd/internal/secrets"
	"github.com/fleetforge/fleetd/internal/snapshot"
	"github.com/fleetforge/fleetd/internal/storefs"
	"github.com/fleetforge/fleetd/internal/vmmdriver"
)

// localStore opens the on-disk store this node's agent also reads and
// writes. tenant/pool/instance subcommands run co-located with the
// agent (spec §6.7's CLI surface), the same way the teacher's getStore
// opens the Redis store nova's own daemon uses.
func localStore() *storefs.Store {
	return storefs.New(dataRoot)
}

// localLifecycle builds a Lifecycle over the same collaborators the
// agent daemon uses, so a direct CLI invocation (e.g. "instance wake")
// goes through the identical state machine and audit trail as a
// control-plane-driven one.
func localLifecycle(store *storefs.Store) *lifecycle.Lifecycle {
	net := netdriver.New()
	vmmCfg := vmmdriver.DefaultConfig()
	return lifecycle.New(lifecycle.Deps{
		Store:     store,
		Net:       net,
		Disk:      lifecycle.RealDiskBuilder(),
		VMM:       lifecycle.RealVMMLauncher(vmmCfg),
		VMMConfig: vmmCfg,
		Snapshots: snapshot.New(store),
		Keys:      localKeyProvider(),
		Secrets:   localSecretsProvider(store),
	})
}

// localKeyProvider mirrors fleetd-agent's own buildSecretsDeps, reading
// tenant volume keys from <data-root>/keys so a CLI-driven wake/start
// unwraps the same encrypted snapshots the daemon would.
func localKeyProvider() lifecycle.KeyProvider {
	dir := filepath.Join(dataRoot, "keys")
	return func(tenantID string) (*diskdriver.Key, error) {
		return secrets.LoadTenantKey(dir, tenantID)
	}
}

// localSecretsProvider resolves pool secret_scopes the same way the
// daemon does; a missing secrets key file leaves it nil, which lifecycle
// treats as "no secrets configured" rather than an error.
func localSecretsProvider(store *storefs.Store) lifecycle.SecretsProvider {
	keyFile := filepath.Join(dataRoot, "secrets.key")
	cipher, err := secrets.NewCipherFromFile(keyFile)
	if err != nil {
		return nil
	}
	provider := secrets.NewProvider(secrets.NewStore(filepath.Join(dataRoot, "secrets"), cipher), store)
	return provider.ForInstance
}
