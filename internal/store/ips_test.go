package store

import (
	"net/netip"
	"testing"
)

func TestRandomAddrIn_StaysInsidePrefix(t *testing.T) {
	for _, prefix := range []netip.Prefix{tunnelV4, tunnelV6} {
		for i := 0; i < 256; i++ {
			raw := randomAddrIn(prefix)
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				t.Fatalf("expected a valid address, got %q: %v", raw, err)
			}
			if !prefix.Contains(addr) {
				t.Fatalf("expected %s inside %s", addr, prefix)
			}
			if addr == prefix.Addr() {
				t.Fatalf("expected the network address skipped")
			}
		}
	}
}
