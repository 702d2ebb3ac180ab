package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/ferr"
	"github.com/fleetforge/fleetd/internal/quota"
	"github.com/fleetforge/fleetd/internal/statemachine"
	"github.com/fleetforge/fleetd/internal/storefs"
	"github.com/fleetforge/fleetd/internal/vmmdriver"
)

// Start boots a Ready or Stopped instance (spec §4.9's start): ensure
// tenant bridge and TAP, a resource group with memory/cpu/pids caps,
// the data disk, fresh secrets/config images, the VMM process itself
// (jailed or direct), and drives it to a running boot over the control
// API.
func (lc *Lifecycle) Start(tenantID, poolID, instanceID, actorID string, reason Reason) (*domain.Instance, error) {
	store := lc.deps.Store
	lock, err := storefs.Acquire(store.InstanceLockFile(tenantID, poolID, instanceID))
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	inst, err := store.LoadInstance(tenantID, poolID, instanceID)
	if err != nil {
		return nil, err
	}

	trigger := statemachine.TriggerStart
	if inst.Status == domain.StatusStopped {
		trigger = statemachine.TriggerFreshBoot
	}
	target, err := statemachine.ValidateTransition(statemachine.State(inst.Status), trigger)
	if err != nil {
		return nil, err
	}

	tenant, err := store.LoadTenant(tenantID)
	if err != nil {
		return nil, err
	}
	pool, err := store.LoadPool(tenantID, poolID)
	if err != nil {
		return nil, err
	}
	if pool.CurrentRevisionHash == "" {
		return nil, ferr.New(ferr.KindSnapshotIncompat, "pool "+poolID+" has no built revision yet")
	}
	rev, err := store.LoadRevision(tenantID, poolID, pool.CurrentRevisionHash)
	if err != nil {
		return nil, err
	}

	resources, instances, err := lc.tenantSnapshot(tenantID)
	if err != nil {
		return nil, err
	}
	usage := quota.ComputeTenantUsage(resources, instances)
	delta := quota.Delta{
		VCPUs:      uint32(pool.InstanceResources.VCPUs),
		MemMiB:     uint64(pool.InstanceResources.MemMiB),
		AddRunning: true,
	}
	if err := quota.CheckQuota(tenant.Quotas, usage, delta); err != nil {
		return nil, err
	}

	if err := lc.deps.Net.EnsureTenantBridge(tenant.Network); err != nil {
		return nil, err
	}
	if err := lc.deps.Net.SetupTAP(inst.Net.TapDev, inst.Net.Mac, tenant.Network.BridgeName); err != nil {
		return nil, err
	}

	handle, err := lc.launchVMM(tenant, pool, rev, inst)
	if err != nil {
		lc.deps.Net.TeardownTAP(inst.Net.TapDev)
		return nil, err
	}
	lc.handles.put(tenantID, poolID, instanceID, handle)

	now := time.Now().UTC()
	inst.Status = target
	inst.FirecrackerPID = handle.PID()
	inst.RevisionHash = pool.CurrentRevisionHash
	inst.EnteredRunningAt = &now
	inst.EnteredWarmAt = nil
	inst.UpdatedAt = now
	if err := store.SaveInstance(inst); err != nil {
		return nil, err
	}

	op := opContext{tenantID: tenantID, poolID: poolID, instanceID: instanceID, actorID: actorID, reason: reason}
	if err := lc.audit(op, "start", ""); err != nil {
		return nil, err
	}
	return inst, nil
}

// launchVMM builds fresh secrets/config images, assembles the launch
// spec, establishes the resource group, launches Firecracker (jailed
// only when cfg.ProductionMode is set, direct otherwise), and
// drives it through ApplyConfig to InstanceStart. Used by Start's cold
// fresh-boot path; Wake's restore-from-sleep path uses
// prepareLaunch directly and issues LoadSnapshot instead of
// ApplyConfig.
func (lc *Lifecycle) launchVMM(tenant *domain.Tenant, pool *domain.Pool, rev *domain.Revision, inst *domain.Instance) (*vmmdriver.Handle, error) {
	handle, launchSpec, err := lc.prepareLaunch(tenant, pool, rev, inst)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), lc.deps.VMMConfig.BootTimeout)
	defer cancel()
	client := vmmdriver.NewClient(handle.SocketPath)
	if err := client.ApplyConfig(ctx, launchSpec); err != nil {
		_ = handle.Stop(0)
		return nil, err
	}
	return handle, nil
}

// prepareLaunch performs every step common to a fresh boot and a
// snapshot restore: fresh secrets/config images, the data disk, the
// resource group, and the Firecracker process itself (jailed or
// direct). It returns the launched handle and the LaunchSpec as the
// VMM itself sees it (jail-rewritten when jailed), leaving the final
// ApplyConfig-vs-LoadSnapshot choice to the caller.
func (lc *Lifecycle) prepareLaunch(tenant *domain.Tenant, pool *domain.Pool, rev *domain.Revision, inst *domain.Instance) (*vmmdriver.Handle, vmmdriver.LaunchSpec, error) {
	store := lc.deps.Store

	var flat []byte
	var scoped map[string]map[string]string
	if lc.deps.Secrets != nil {
		var err error
		flat, scoped, err = lc.deps.Secrets(inst.TenantID, inst.PoolID, inst.InstanceID)
		if err != nil {
			return nil, vmmdriver.LaunchSpec{}, err
		}
	}
	secretsPath, err := lc.deps.Disk.BuildSecretsImage(lc.deps.runtimeTmpDir(), inst.InstanceID, flat, scoped)
	if err != nil {
		return nil, vmmdriver.LaunchSpec{}, err
	}

	configPayload := map[string]any{
		"pool_id":     pool.PoolID,
		"instance_id": inst.InstanceID,
		"role":        pool.Role,
		"profile":     pool.Profile,
	}
	configJSON, err := json.Marshal(configPayload)
	if err != nil {
		return nil, vmmdriver.LaunchSpec{}, ferr.Wrap(ferr.KindIo, "marshaling config.json", err)
	}
	var routesJSON []byte
	if pool.Role == domain.RoleGateway && pool.RoutingTable != nil {
		routesJSON, err = json.Marshal(pool.RoutingTable)
		if err != nil {
			return nil, vmmdriver.LaunchSpec{}, ferr.Wrap(ferr.KindIo, "marshaling routes.json", err)
		}
	}
	configPath, err := lc.deps.Disk.BuildConfigImage(lc.deps.runtimeTmpDir(), inst.InstanceID, configJSON, routesJSON)
	if err != nil {
		return nil, vmmdriver.LaunchSpec{}, err
	}

	if err := lc.deps.Disk.EnsureDataDisk(
		store.InstanceVolumesDir(inst.TenantID, inst.PoolID, inst.InstanceID)+"/data.ext4",
		int(pool.InstanceResources.DataDiskMiB),
	); err != nil {
		return nil, vmmdriver.LaunchSpec{}, err
	}

	jailDir := store.InstanceJailDir(inst.TenantID, inst.PoolID, inst.InstanceID)
	runtimeRoot := jailDir
	if !lc.deps.VMMConfig.ProductionMode {
		runtimeRoot = store.InstanceRuntimeDir(inst.TenantID, inst.PoolID, inst.InstanceID)
	}

	spec, err := lc.buildLaunchSpec(tenant.Network.TenantNetID, pool, rev, inst, configPath, secretsPath, runtimeRoot)
	if err != nil {
		return nil, vmmdriver.LaunchSpec{}, err
	}

	if lc.deps.CgroupRoot != "" {
		if _, err := vmmdriver.EnsureResourceGroup(lc.deps.CgroupRoot, inst.InstanceID); err != nil {
			return nil, vmmdriver.LaunchSpec{}, err
		}
		if err := vmmdriver.SetResourceLimits(lc.deps.CgroupRoot, inst.InstanceID, pool.InstanceResources.MemMiB, pool.InstanceResources.VCPUs); err != nil {
			return nil, vmmdriver.LaunchSpec{}, err
		}
	}

	var launchJailDir string
	launchSpec := spec
	if lc.deps.VMMConfig.ProductionMode {
		launchJailDir = jailDir
		launchSpec, err = prepareJail(jailDir, spec)
		if err != nil {
			return nil, vmmdriver.LaunchSpec{}, err
		}
	}

	logFile, err := openLogFile(store.InstanceRuntimeDir(inst.TenantID, inst.PoolID, inst.InstanceID))
	if err != nil {
		return nil, vmmdriver.LaunchSpec{}, err
	}
	defer logFile.Close()

	handle, err := lc.deps.VMM.Launch(spec, launchJailDir, logFile)
	if err != nil {
		return nil, vmmdriver.LaunchSpec{}, err
	}

	if lc.deps.CgroupRoot != "" {
		if err := vmmdriver.AddProcess(lc.deps.CgroupRoot, inst.InstanceID, handle.PID()); err != nil {
			_ = handle.Stop(0)
			return nil, vmmdriver.LaunchSpec{}, err
		}
	}

	return handle, launchSpec, nil
}
