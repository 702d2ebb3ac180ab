package lifecycle

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/ferr"
)

// SSH process-replaces the calling agent process into a key-
// authenticated ssh(1) client connected to a Running instance's guest
// IP (spec §4.9's ssh, dev only). It never touches lifecycle state and
// must be refused whenever the driver is configured for production.
func (lc *Lifecycle) SSH(tenantID, poolID, instanceID, sshBinary, identityFile string) error {
	if lc.deps.VMMConfig.ProductionMode {
		return ferr.New(ferr.KindAuth, "ssh is a dev-only escape hatch; refused in production mode")
	}

	store := lc.deps.Store
	inst, err := store.LoadInstance(tenantID, poolID, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != domain.StatusRunning {
		return ferr.New(ferr.KindInvalidTransition, "ssh requires a Running instance, got "+string(inst.Status))
	}
	if inst.Net.GuestIP == "" {
		return ferr.New(ferr.KindAddressInvalid, "instance has no guest ip recorded")
	}

	bin, err := exec.LookPath(sshBinary)
	if err != nil {
		return ferr.Wrap(ferr.KindIo, "locating ssh binary", err)
	}
	args := []string{bin, "-i", identityFile, "-o", "StrictHostKeyChecking=no", "root@" + inst.Net.GuestIP}
	return syscall.Exec(bin, args, os.Environ())
}
