// Package ids implements naming and allocation (spec component A):
// tenant/pool/instance ID validation, deterministic TAP/MAC/guest-IP
// derivation, and the per-tenant IP-offset allocator.
package ids

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"regexp"

	"github.com/fleetforge/fleetd/internal/ferr"
)

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

const maxIDLen = 40

// ValidateID rejects empty, over-length, or disallowed-character tenant
// and pool IDs.
func ValidateID(id string) error {
	if id == "" {
		return ferr.New(ferr.KindIdInvalid, "id must not be empty")
	}
	if len(id) > maxIDLen {
		return ferr.New(ferr.KindIdInvalid, fmt.Sprintf("id %q exceeds %d chars", id, maxIDLen))
	}
	if !idPattern.MatchString(id) {
		return ferr.New(ferr.KindIdInvalid, fmt.Sprintf("id %q contains disallowed characters", id))
	}
	return nil
}

var instanceIDPattern = regexp.MustCompile(`^i-[0-9a-f]{8}$`)

// ValidateInstanceID checks the i-%08x shape of instance IDs.
func ValidateInstanceID(id string) error {
	if !instanceIDPattern.MatchString(id) {
		return ferr.New(ferr.KindIdInvalid, fmt.Sprintf("instance id %q malformed", id))
	}
	return nil
}

// Exists reports whether an instance ID is already present on disk; the
// caller supplies it so this package stays storage-agnostic.
type Exists func(id string) bool

// GenerateInstanceID draws 32 random bits and formats them i-%08x,
// retrying on collision against exists.
func GenerateInstanceID(exists Exists) (string, error) {
	for attempt := 0; attempt < 64; attempt++ {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			return "", ferr.Wrap(ferr.KindIo, "reading random bits for instance id", err)
		}
		id := fmt.Sprintf("i-%08x", binary.BigEndian.Uint32(b[:]))
		if exists == nil || !exists(id) {
			return id, nil
		}
	}
	return "", ferr.New(ferr.KindIo, "could not generate a unique instance id after 64 attempts")
}

const (
	minOffset = 3
	maxOffset = 254
)

// AllocateOffset returns the smallest unused ip_offset in [3,254] given
// the set of offsets currently in use under a tenant. .1 is the bridge
// gateway and .2 is reserved for the ephemeral builder (spec §3
// invariant 3), so the scan never returns them.
func AllocateOffset(used map[int]bool) (int, error) {
	for o := minOffset; o <= maxOffset; o++ {
		if !used[o] {
			return o, nil
		}
	}
	return 0, ferr.New(ferr.KindNoAddressSpace, "no free ip_offset in [3,254]")
}

// TAPName derives "tn<net_id>i<offset>", guaranteed <= 12 chars for
// net_id in [0,4095] and offset in [3,254].
func TAPName(netID, offset int) string {
	return fmt.Sprintf("tn%di%d", netID, offset)
}

// MAC derives a locally-administered, deterministic MAC from
// (net_id, offset): 02:BE(net_id,2):BE(offset,1):<2 derived bytes>.
func MAC(netID, offset int) net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	mac[0] = 0x02 // locally administered, unicast
	mac[1] = byte(netID >> 8)
	mac[2] = byte(netID)
	mac[3] = byte(offset)
	// Derive the remaining two bytes from (net_id, offset) so two
	// different offsets under the same net never collide and the
	// function stays pure (no randomness, no persisted state).
	h := uint32(netID)*2654435761 + uint32(offset)*40503
	mac[4] = byte(h >> 8)
	mac[5] = byte(h)
	return mac
}

// GuestIP computes subnet_network + offset within the given CIDR.
func GuestIP(subnet *net.IPNet, offset int) (net.IP, error) {
	if offset < 0 || offset > 255 {
		return nil, ferr.New(ferr.KindAddressInvalid, fmt.Sprintf("offset %d out of range", offset))
	}
	ip4 := subnet.IP.To4()
	if ip4 == nil {
		return nil, ferr.New(ferr.KindAddressInvalid, "only IPv4 subnets are supported")
	}
	ones, bits := subnet.Mask.Size()
	if bits != 32 {
		return nil, ferr.New(ferr.KindAddressInvalid, "subnet mask must be IPv4")
	}
	if ones < 24 {
		return nil, ferr.New(ferr.KindAddressInvalid, "subnet must be at least /24 to host offsets up to 254")
	}
	out := make(net.IP, 4)
	copy(out, ip4)
	out[3] = byte(offset)
	if !subnet.Contains(out) {
		return nil, ferr.New(ferr.KindAddressInvalid, fmt.Sprintf("derived ip %s escapes subnet %s", out, subnet))
	}
	return out, nil
}

// GatewayIP returns the first usable address in subnet, i.e. offset 1.
func GatewayIP(subnet *net.IPNet) (net.IP, error) {
	return GuestIP(subnet, 1)
}

// vsockCIDBase keeps derived CIDs away from the host's own low,
// well-known context IDs (0=hypervisor, 1=local, 2=host).
const vsockCIDBase = 1 << 16

// VsockCID derives a guest vsock context ID from (net_id, offset), the
// same pair that determines TAP name and MAC, so no separate allocator
// or persisted counter is needed.
func VsockCID(netID, offset int) uint32 {
	return vsockCIDBase + uint32(netID)*256 + uint32(offset)
}
