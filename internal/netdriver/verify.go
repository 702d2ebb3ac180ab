package netdriver

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/fleetforge/fleetd/internal/domain"
)

// VerifyReport is the structured isolation check result (spec §4.3,
// testable property 7).
type VerifyReport struct {
	Tenants []TenantCheck
}

type TenantCheck struct {
	TenantID        string
	BridgeExists    bool
	BridgeUp        bool
	AddressMatches  bool
	NATRulePresent  bool
	ForwardRulePresent bool
	ForeignTAPs     []string // TAPs with this tenant's prefix attached elsewhere, or vice versa
	Problems        []string
}

// Verify checks, for each tenant, that its bridge exists and is up,
// its address matches, its NAT/FORWARD rules are present, and no
// instance's TAP (named tn<net_id>i<offset>) is attached to a
// different tenant's bridge.
func Verify(tenants []domain.Tenant, instanceTAPs map[string][]string) VerifyReport {
	report := VerifyReport{}
	for _, t := range tenants {
		check := TenantCheck{TenantID: t.TenantID}
		bridge := t.Network.BridgeName

		linkOut, err := exec.Command("ip", "-d", "link", "show", bridge).CombinedOutput()
		check.BridgeExists = err == nil
		if check.BridgeExists {
			check.BridgeUp = strings.Contains(string(linkOut), "UP") || strings.Contains(string(linkOut), "state UP")
		} else {
			check.Problems = append(check.Problems, fmt.Sprintf("bridge %s missing", bridge))
		}

		addrOut, _ := exec.Command("ip", "addr", "show", bridge).CombinedOutput()
		check.AddressMatches = strings.Contains(string(addrOut), t.Network.GatewayIP)
		if !check.AddressMatches {
			check.Problems = append(check.Problems, fmt.Sprintf("bridge %s missing expected address %s", bridge, t.Network.GatewayIP))
		}

		natErr := exec.Command("iptables", "-t", "nat", "-C", "POSTROUTING", "-s", t.Network.IPv4Subnet, "!", "-o", bridge, "-j", "MASQUERADE").Run()
		check.NATRulePresent = natErr == nil
		if !check.NATRulePresent {
			check.Problems = append(check.Problems, "MASQUERADE rule missing")
		}

		fwdErr := exec.Command("iptables", "-C", "FORWARD", "-i", bridge, "!", "-o", bridge, "-j", "ACCEPT").Run()
		check.ForwardRulePresent = fwdErr == nil
		if !check.ForwardRulePresent {
			check.Problems = append(check.Problems, "FORWARD rule missing")
		}

		expectedPrefix := fmt.Sprintf("tn%di", t.Network.TenantNetID)
		for otherTenant, taps := range instanceTAPs {
			if otherTenant == t.TenantID {
				continue
			}
			for _, tap := range taps {
				if strings.HasPrefix(tap, expectedPrefix) {
					check.ForeignTAPs = append(check.ForeignTAPs, tap)
					check.Problems = append(check.Problems, fmt.Sprintf("tap %s (belongs to %s) found under tenant %s", tap, t.TenantID, otherTenant))
				}
			}
		}

		report.Tenants = append(report.Tenants, check)
	}
	return report
}

// OK reports whether every tenant check passed with no problems.
func (r VerifyReport) OK() bool {
	for _, c := range r.Tenants {
		if len(c.Problems) > 0 {
			return false
		}
	}
	return true
}
