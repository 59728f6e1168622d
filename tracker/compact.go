package tracker

import (
	"encoding/binary"
	"net/netip"
)

// ParseCompact parses a compact peer list: 4 bytes of IPv4 address
// followed by 2 bytes of port, both in network byte order.
func ParseCompact(data []byte) ([]netip.AddrPort, error) {
	if len(data)%6 != 0 {
		return nil, ErrParse
	}
	peers := make([]netip.AddrPort, 0, len(data)/6)
	for i := 0; i < len(data); i += 6 {
		ip := netip.AddrFrom4([4]byte(data[i : i+4]))
		port := binary.BigEndian.Uint16(data[i+4:])
		peers = append(peers, netip.AddrPortFrom(ip, port))
	}
	return peers, nil
}

// FormatCompact is the inverse of ParseCompact.  Non-IPv4 addresses are
// skipped.
func FormatCompact(peers []netip.AddrPort) []byte {
	data := make([]byte, 0, 6*len(peers))
	for _, p := range peers {
		if !p.Addr().Is4() {
			continue
		}
		a := p.Addr().As4()
		data = append(data, a[:]...)
		data = binary.BigEndian.AppendUint16(data, p.Port())
	}
	return data
}
