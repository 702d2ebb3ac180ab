package lifecycle

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fleetforge/fleetd/internal/vmmdriver"
)

// Stats is a point-in-time read of one instance's live state (spec
// §4.9's stats): no lock, no transition, no audit entry, since it
// mutates nothing.
type Stats struct {
	Status          string
	PIDAlive        bool
	GuestIP         string
	TapDevice       string
	MemCurrentBytes uint64
	CPUUsageUsec    uint64
	DeltaSnapshotMiB float64
}

func (lc *Lifecycle) Stats(tenantID, poolID, instanceID string) (*Stats, error) {
	store := lc.deps.Store
	inst, err := store.LoadInstance(tenantID, poolID, instanceID)
	if err != nil {
		return nil, err
	}

	s := &Stats{
		Status:    string(inst.Status),
		PIDAlive:  vmmdriver.PIDAlive(inst.FirecrackerPID),
		GuestIP:   inst.Net.GuestIP,
		TapDevice: inst.Net.TapDev,
	}

	if lc.deps.CgroupRoot != "" {
		dir := vmmdriver.CgroupPath(lc.deps.CgroupRoot, instanceID)
		if b, err := os.ReadFile(filepath.Join(dir, "memory.current")); err == nil {
			s.MemCurrentBytes, _ = strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
		}
		if b, err := os.ReadFile(filepath.Join(dir, "cpu.stat")); err == nil {
			s.CPUUsageUsec = parseCPUStatUsage(string(b))
		}
	}

	deltaDir := store.InstanceDeltaSnapshotDir(tenantID, poolID, instanceID)
	s.DeltaSnapshotMiB = dirSizeMiB(deltaDir)

	return s, nil
}

// parseCPUStatUsage extracts the usage_usec field from cgroup v2's
// cpu.stat, a flat "key value\n" listing.
func parseCPUStatUsage(content string) uint64 {
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "usage_usec" {
			v, _ := strconv.ParseUint(fields[1], 10, 64)
			return v
		}
	}
	return 0
}

func dirSizeMiB(dir string) float64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if fi, err := e.Info(); err == nil {
			total += fi.Size()
		}
	}
	return float64(total) / (1024 * 1024)
}
