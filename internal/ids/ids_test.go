package ids

import (
	"net"
	"testing"
)

func TestValidateID(t *testing.T) {
	cases := map[string]bool{
		"acme":        true,
		"acme-1":      true,
		"":            false,
		"Acme":        false,
		"-acme":       false,
		"has space":   false,
		"has_under":   false,
	}
	for id, wantOK := range cases {
		err := ValidateID(id)
		if (err == nil) != wantOK {
			t.Errorf("ValidateID(%q) = %v, want ok=%v", id, err, wantOK)
		}
	}
}

func TestValidateIDLength(t *testing.T) {
	long := make([]byte, 41)
	for i := range long {
		long[i] = 'a'
	}
	if err := ValidateID(string(long)); err == nil {
		t.Fatal("expected error for over-length id")
	}
}

func TestTAPNameLength(t *testing.T) {
	for netID := 0; netID <= 4095; netID += 137 {
		for offset := 3; offset <= 254; offset += 17 {
			name := TAPName(netID, offset)
			if len(name) > 12 {
				t.Errorf("TAPName(%d,%d) = %q exceeds 12 chars", netID, offset, name)
			}
		}
	}
}

func TestTAPNameDistinct(t *testing.T) {
	seen := map[string]struct{ net, off int }{}
	for netID := 0; netID < 50; netID++ {
		for offset := 3; offset <= 254; offset++ {
			name := TAPName(netID, offset)
			if prev, ok := seen[name]; ok {
				t.Fatalf("collision: TAPName(%d,%d) == TAPName(%d,%d) == %q", netID, offset, prev.net, prev.off, name)
			}
			seen[name] = struct{ net, off int }{netID, offset}
		}
	}
}

func TestMACLocallyAdministered(t *testing.T) {
	for netID := 0; netID < 4096; netID += 503 {
		for offset := 3; offset <= 254; offset += 31 {
			mac := MAC(netID, offset)
			if mac[0]&0x02 == 0 {
				t.Errorf("MAC(%d,%d) = %v missing locally-administered bit", netID, offset, mac)
			}
			if mac[0]&0x01 != 0 {
				t.Errorf("MAC(%d,%d) = %v is multicast", netID, offset, mac)
			}
		}
	}
}

func TestGuestIPWithinSubnet(t *testing.T) {
	_, subnet, err := net.ParseCIDR("10.240.3.0/24")
	if err != nil {
		t.Fatal(err)
	}
	for offset := 3; offset <= 254; offset++ {
		ip, err := GuestIP(subnet, offset)
		if err != nil {
			t.Fatalf("offset %d: %v", offset, err)
		}
		if !subnet.Contains(ip) {
			t.Errorf("offset %d produced ip %s outside subnet", offset, ip)
		}
		if offset == 0 || offset == 1 || offset == 2 || offset == 255 {
			t.Errorf("offset %d should be excluded from the valid allocation range by callers", offset)
		}
	}
}

func TestAllocateOffsetSmallestFree(t *testing.T) {
	used := map[int]bool{3: true, 4: true, 6: true}
	got, err := AllocateOffset(used)
	if err != nil {
		t.Fatal(err)
	}
	if got != 5 {
		t.Fatalf("got offset %d, want 5", got)
	}
}

func TestAllocateOffsetExhausted(t *testing.T) {
	used := map[int]bool{}
	for o := 3; o <= 254; o++ {
		used[o] = true
	}
	if _, err := AllocateOffset(used); err == nil {
		t.Fatal("expected NoAddressSpace error when all offsets are used")
	}
}

func TestAllocateOffsetMonotonicity(t *testing.T) {
	used := map[int]bool{}
	for n := 0; n < 20; n++ {
		got, err := AllocateOffset(used)
		if err != nil {
			t.Fatal(err)
		}
		if got != 3+n {
			t.Fatalf("allocation %d: got %d, want %d", n, got, 3+n)
		}
		used[got] = true
	}
}

func TestGenerateInstanceIDFormat(t *testing.T) {
	id, err := GenerateInstanceID(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := ValidateInstanceID(id); err != nil {
		t.Fatalf("generated id %q failed validation: %v", id, err)
	}
}

func TestVsockCIDDistinctAndAboveReserved(t *testing.T) {
	seen := map[uint32]struct{ net, off int }{}
	for netID := 0; netID < 50; netID++ {
		for offset := 3; offset <= 254; offset++ {
			cid := VsockCID(netID, offset)
			if cid <= 2 {
				t.Fatalf("VsockCID(%d,%d) = %d collides with a reserved context id", netID, offset, cid)
			}
			if prev, ok := seen[cid]; ok {
				t.Fatalf("collision: VsockCID(%d,%d) == VsockCID(%d,%d) == %d", netID, offset, prev.net, prev.off, cid)
			}
			seen[cid] = struct{ net, off int }{netID, offset}
		}
	}
}

func TestGenerateInstanceIDAvoidsCollisions(t *testing.T) {
	seen := map[string]bool{"i-00000001": true}
	calls := 0
	id, err := GenerateInstanceID(func(id string) bool {
		calls++
		return seen[id]
	})
	if err != nil {
		t.Fatal(err)
	}
	if id == "i-00000001" {
		t.Fatal("should not return a colliding id")
	}
	if calls == 0 {
		t.Fatal("exists callback was never consulted")
	}
}
