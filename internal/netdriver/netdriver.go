// Package netdriver implements the per-tenant bridge/TAP network driver
// (spec component C, §4.3): idempotent bridge creation, MASQUERADE and
// FORWARD rules, TAP lifecycle, and an isolation verification report.
// Like the teacher's internal/firecracker/network.go, this shells out to
// ip(8)/iptables(8) rather than a netlink library, and treats "rule
// already present" as success.
package netdriver

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/ferr"
)

// Driver mutates bridges/TAPs on the local host. One Driver instance is
// shared by the whole agent process; its single mutex keeps
// concurrent callers (reconcile, lifecycle, wake) from racing
// idempotent-but-not-atomic shell sequences against the same bridge.
type Driver struct {
	mu       sync.Mutex
	ensured  map[string]bool // bridge name -> confirmed present/configured
}

func New() *Driver {
	return &Driver{ensured: map[string]bool{}}
}

// EnsureTenantBridge idempotently creates br-tenant-<net_id>, assigns
// gateway_ip/cidr, brings it up, enables global ip_forward, and appends
// (if absent) the MASQUERADE and FORWARD rules (spec §4.3).
func (d *Driver) EnsureTenantBridge(net domain.Network) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	bridge := net.BridgeName
	if d.ensured[bridge] {
		return nil
	}

	if err := runIdempotent("create bridge", exec.Command("ip", "link", "add", bridge, "type", "bridge"), "File exists"); err != nil {
		return err
	}

	cidr := "24"
	if parts := strings.SplitN(net.IPv4Subnet, "/", 2); len(parts) == 2 {
		cidr = parts[1]
	}
	addrCmd := exec.Command("ip", "addr", "add", net.GatewayIP+"/"+cidr, "dev", bridge)
	if err := runIdempotent("assign bridge address", addrCmd, "File exists"); err != nil {
		return err
	}

	if err := run("bring up bridge", exec.Command("ip", "link", "set", bridge, "up")); err != nil {
		return err
	}

	if err := os.WriteFile("/proc/sys/net/ipv4/ip_forward", []byte("1"), 0o644); err != nil {
		return ferr.Wrap(ferr.KindNetwork, "enabling ip_forward", err)
	}

	if err := ensureIptablesRule(
		[]string{"-t", "nat", "-C", "POSTROUTING", "-s", net.IPv4Subnet, "!", "-o", bridge, "-j", "MASQUERADE"},
		[]string{"-t", "nat", "-A", "POSTROUTING", "-s", net.IPv4Subnet, "!", "-o", bridge, "-j", "MASQUERADE"},
	); err != nil {
		return err
	}

	if err := ensureIptablesRule(
		[]string{"-C", "FORWARD", "-i", bridge, "!", "-o", bridge, "-j", "ACCEPT"},
		[]string{"-A", "FORWARD", "-i", bridge, "!", "-o", bridge, "-j", "ACCEPT"},
	); err != nil {
		return err
	}

	if err := ensureIptablesRule(
		[]string{"-C", "FORWARD", "-o", bridge, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"},
		[]string{"-A", "FORWARD", "-o", bridge, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT"},
	); err != nil {
		return err
	}

	d.ensured[bridge] = true
	return nil
}

// ensureIptablesRule runs check first (iptables -C); only appends (-A)
// when the rule is absent, matching the teacher's "-C then -A on
// failure" idempotency idiom.
func ensureIptablesRule(check, add []string) error {
	if err := exec.Command("iptables", check...).Run(); err == nil {
		return nil // rule already present
	}
	if out, err := exec.Command("iptables", add...).CombinedOutput(); err != nil {
		return ferr.Wrap(ferr.KindNetwork, fmt.Sprintf("appending iptables rule %v: %s", add, out), err)
	}
	return nil
}

// SetupTAP creates a TAP device with the given name, MAC, and attaches
// it to the tenant's bridge (spec §4.3).
func (d *Driver) SetupTAP(tapName string, mac string, bridge string) error {
	if err := run("create tap", exec.Command("ip", "tuntap", "add", tapName, "mode", "tap")); err != nil {
		return err
	}
	if err := run("set tap mac", exec.Command("ip", "link", "set", tapName, "address", mac)); err != nil {
		deleteTAP(tapName)
		return err
	}
	if err := run("attach tap to bridge", exec.Command("ip", "link", "set", tapName, "master", bridge)); err != nil {
		deleteTAP(tapName)
		return err
	}
	if err := run("bring up tap", exec.Command("ip", "link", "set", tapName, "up")); err != nil {
		deleteTAP(tapName)
		return err
	}
	return nil
}

// TeardownTAP removes a TAP device, leaving the bridge untouched.
func (d *Driver) TeardownTAP(tapName string) {
	deleteTAP(tapName)
}

func deleteTAP(tap string) {
	if tap != "" {
		exec.Command("ip", "link", "del", tap).Run()
	}
}

// DestroyTenantBridge drops the tenant's NAT/FORWARD rules and bridge.
// Called only when the tenant itself is destroyed (spec §4.3).
func (d *Driver) DestroyTenantBridge(net domain.Network) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	exec.Command("iptables", "-t", "nat", "-D", "POSTROUTING", "-s", net.IPv4Subnet, "!", "-o", net.BridgeName, "-j", "MASQUERADE").Run()
	exec.Command("iptables", "-D", "FORWARD", "-i", net.BridgeName, "!", "-o", net.BridgeName, "-j", "ACCEPT").Run()
	exec.Command("iptables", "-D", "FORWARD", "-o", net.BridgeName, "-m", "state", "--state", "RELATED,ESTABLISHED", "-j", "ACCEPT").Run()

	if err := run("delete bridge", exec.Command("ip", "link", "del", net.BridgeName)); err != nil {
		return err
	}
	delete(d.ensured, net.BridgeName)
	return nil
}

func run(desc string, cmd *exec.Cmd) error {
	if out, err := cmd.CombinedOutput(); err != nil {
		return ferr.Wrap(ferr.KindNetwork, fmt.Sprintf("%s: %s", desc, out), err)
	}
	return nil
}

// runIdempotent runs cmd, tolerating a failure whose combined output
// contains any of the "already exists"-style substrings.
func runIdempotent(desc string, cmd *exec.Cmd, tolerate ...string) error {
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	text := string(out)
	for _, t := range tolerate {
		if strings.Contains(text, t) {
			return nil
		}
	}
	return ferr.Wrap(ferr.KindNetwork, fmt.Sprintf("%s: %s", desc, out), err)
}
