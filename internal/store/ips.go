package store

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Tunnel address space shared by clients and gateways, carved from the
// carrier-grade NAT range and a ULA prefix.
var (
	tunnelV4 = netip.MustParsePrefix("100.64.0.0/11")
	tunnelV6 = netip.MustParsePrefix("fd00:2021:1111::/107")
)

const allocAttempts = 16

// allocateAddresses picks an unused ipv4/ipv6 pair inside the account's
// tunnel range. Candidates are drawn at random and checked against both
// device tables; the range is large enough that a handful of attempts
// always suffices in practice.
func (s *Store) allocateAddresses(ctx context.Context, accountID string) (ipv4, ipv6 string, err error) {
	for attempt := 0; attempt < allocAttempts; attempt++ {
		v4 := randomAddrIn(tunnelV4)
		v6 := randomAddrIn(tunnelV6)

		var taken bool
		err := s.pool.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM clients
				WHERE account_id = $1 AND (ipv4 = $2 OR ipv6 = $3) AND deleted_at IS NULL
				UNION ALL
				SELECT 1 FROM gateways
				WHERE account_id = $1 AND (ipv4 = $2 OR ipv6 = $3) AND deleted_at IS NULL
			)`, accountID, v4, v6).Scan(&taken)
		if err != nil {
			return "", "", fmt.Errorf("store: check address availability: %w", err)
		}
		if !taken {
			return v4, v6, nil
		}
	}
	return "", "", fmt.Errorf("store: no free tunnel address after %d attempts", allocAttempts)
}

// randomAddrIn returns a uniformly random address inside the prefix,
// skipping the network address itself.
func randomAddrIn(prefix netip.Prefix) string {
	base := prefix.Addr()
	raw := base.AsSlice()
	hostBits := len(raw)*8 - prefix.Bits()

	var buf [8]byte
	_, _ = rand.Read(buf[:])
	offset := binary.BigEndian.Uint64(buf[:])
	if hostBits < 64 {
		offset %= (uint64(1) << hostBits)
	}
	if offset == 0 {
		offset = 1
	}

	// Add the offset to the low bytes of the base address.
	carry := offset
	for i := len(raw) - 1; i >= 0 && carry > 0; i-- {
		sum := uint64(raw[i]) + (carry & 0xff)
		raw[i] = byte(sum)
		carry = (carry >> 8) + (sum >> 8)
	}
	addr, _ := netip.AddrFromSlice(raw)
	return addr.String()
}
