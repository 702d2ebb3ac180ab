package lifecycle

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/ids"
	"github.com/fleetforge/fleetd/internal/vmmdriver"
)

// bootArgsIP renders the kernel's ip= parameter from an instance's
// derived network identity: client-ip::gw-ip:netmask::device:autoconf,
// with server-ip and hostname left empty (spec §4.5).
func bootArgsIP(inst *domain.Instance) (string, error) {
	_, ipnet, err := net.ParseCIDR(inst.Net.GuestIP + "/" + cidrSuffix(inst.Net.CIDR))
	if err != nil {
		return "", err
	}
	mask := net.IP(ipnet.Mask).String()
	return fmt.Sprintf("ip=%s::%s:%s::eth0:off", inst.Net.GuestIP, inst.Net.GatewayIP, mask), nil
}

// cidrSuffix extracts the prefix length from a stored CIDR field that
// may be either "10.0.1.0/24" or a bare "24".
func cidrSuffix(cidr string) string {
	for i := len(cidr) - 1; i >= 0; i-- {
		if cidr[i] == '/' {
			return cidr[i+1:]
		}
	}
	return cidr
}

// buildLaunchSpec assembles a vmmdriver.LaunchSpec for inst from its
// tenant's network id, its pool's resources and current revision, and
// the already-built config/secrets image paths. runtimeRoot is where
// the socket/vsock/log/metrics files are created: the jail directory
// for a jailed launch (so they land at the chroot root), or the
// instance's ordinary runtime directory for a direct launch. Drive and
// kernel paths are left host-absolute here; prepareJail rewrites them
// to jail-relative paths for a jailed launch.
func (lc *Lifecycle) buildLaunchSpec(netID int, pool *domain.Pool, rev *domain.Revision, inst *domain.Instance, configImagePath, secretsImagePath, runtimeRoot string) (vmmdriver.LaunchSpec, error) {
	ipArgs, err := bootArgsIP(inst)
	if err != nil {
		return vmmdriver.LaunchSpec{}, err
	}

	store := lc.deps.Store
	if err := os.MkdirAll(runtimeRoot, 0o700); err != nil {
		return vmmdriver.LaunchSpec{}, err
	}

	vsockCID := ids.VsockCID(netID, inst.Net.IPOffset)
	return vmmdriver.LaunchSpec{
		InstanceID: inst.InstanceID,
		VCPUs:      pool.InstanceResources.VCPUs,
		MemMiB:     pool.InstanceResources.MemMiB,

		KernelPath: rev.VmlinuxPath,
		BootArgsIP: ipArgs,

		RootDrive:    vmmdriver.Drive{ID: "root", PathOnHost: rev.RootfsPath, ReadOnly: true},
		ConfigDrive:  vmmdriver.Drive{ID: "config", PathOnHost: configImagePath, ReadOnly: true, Optional: true},
		DataDrive:    vmmdriver.Drive{ID: "data", PathOnHost: store.InstanceVolumesDir(inst.TenantID, inst.PoolID, inst.InstanceID) + "/data.ext4"},
		SecretsDrive: vmmdriver.Drive{ID: "secrets", PathOnHost: secretsImagePath, ReadOnly: true, Optional: true},

		TapDevice: inst.Net.TapDev,
		GuestMAC:  inst.Net.Mac,

		VsockCID:  vsockCID,
		VsockPath: filepath.Join(runtimeRoot, "agent.vsock"),

		SocketPath:  filepath.Join(runtimeRoot, "api.sock"),
		LogFIFO:     filepath.Join(runtimeRoot, "firecracker.log"),
		MetricsFIFO: filepath.Join(runtimeRoot, "firecracker-metrics.log"),

		NetID:    netID,
		IPOffset: inst.Net.IPOffset,
	}, nil
}
