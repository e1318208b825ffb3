package filter

import (
	"fmt"
	"net"
)

func family(addr string) string {
	if ip := net.ParseIP(addr); ip != nil && ip.To4() == nil {
		return "ip6"
	}
	return "ip"
}

// UDPTo selects UDP frames toward dst on port (either direction).
func UDPTo(dst string, port uint16) string {
	return fmt.Sprintf("%s dst %s and udp port %d", family(dst), dst, port)
}

// UDPToDstPort selects UDP frames toward dst with the given destination port.
func UDPToDstPort(dst string, port uint16) string {
	return fmt.Sprintf("%s dst %s and udp dst port %d", family(dst), dst, port)
}

// UDPFlow selects a single UDP 4-tuple.
func UDPFlow(src, dst string, srcPort, dstPort uint16) string {
	f := family(dst)
	return fmt.Sprintf("%s src %s and %s dst %s and udp and src port %d and dst port %d", f, src, f, dst, srcPort, dstPort)
}

// UDPPort selects any UDP frame with port on either side, the sniffing
// filter used for NAT discovery.
func UDPPort(port uint16) string {
	return fmt.Sprintf("ip and udp port %d", port)
}

// VLAN restricts expr to frames tagged with id. An empty expr selects
// every frame on the VLAN.
func VLAN(id uint16, expr string) string {
	if expr == "" {
		return fmt.Sprintf("vlan %d", id)
	}
	return fmt.Sprintf("vlan %d and %s", id, expr)
}
