package filter

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Packet is the flattened header view a filter is evaluated against.
type Packet struct {
	SrcMAC, DstMAC net.HardwareAddr
	VLANs          []uint16

	IPv4, IPv6   bool
	SrcIP, DstIP net.IP

	UDP, TCP     bool
	ICMP, ICMPv6 bool
	ARP          bool

	SrcPort, DstPort uint16
	Length           int
}

// Decode dissects an Ethernet frame. Undecodable tails leave the remaining
// fields zero, a filter on them simply does not match.
func Decode(data []byte) *Packet {
	p := &Packet{Length: len(data)}
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	if eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet); ok {
		p.SrcMAC = eth.SrcMAC
		p.DstMAC = eth.DstMAC
	}
	for _, l := range pkt.Layers() {
		if q, ok := l.(*layers.Dot1Q); ok {
			p.VLANs = append(p.VLANs, q.VLANIdentifier)
		}
	}
	if ip4, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
		p.IPv4 = true
		p.SrcIP = ip4.SrcIP
		p.DstIP = ip4.DstIP
	} else if ip6, ok := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6); ok {
		p.IPv6 = true
		p.SrcIP = ip6.SrcIP
		p.DstIP = ip6.DstIP
	}
	if udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
		p.UDP = true
		p.SrcPort = uint16(udp.SrcPort)
		p.DstPort = uint16(udp.DstPort)
	} else if tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
		p.TCP = true
		p.SrcPort = uint16(tcp.SrcPort)
		p.DstPort = uint16(tcp.DstPort)
	}
	p.ICMP = pkt.Layer(layers.LayerTypeICMPv4) != nil
	p.ICMPv6 = pkt.Layer(layers.LayerTypeICMPv6) != nil
	if pkt.Layer(layers.LayerTypeARP) != nil {
		p.ARP = true
	}
	return p
}
