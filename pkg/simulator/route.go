package simulator

import (
	"bytes"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/takehaya/tgctl/pkg/filter"
	"github.com/takehaya/tgctl/pkg/frame"
	"go.uber.org/zap"
)

// apMAC is the access point wireless endpoints are associated with.
var apMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0xaa, 0xbb, 0x01}

type natEntry struct {
	node string
	ip   net.IP
	port uint16
}

// delivery is one copy of a transmitted frame reaching a node.
type delivery struct {
	to    node
	data  []byte
	delay time.Duration

	// from and until bound the send time of frames that reach the node,
	// zero values are unbounded.
	from, until time.Time
}

func (d delivery) admits(sent time.Time) bool {
	if !d.from.IsZero() && sent.Before(d.from) {
		return false
	}
	if !d.until.IsZero() && !sent.Before(d.until) {
		return false
	}
	return true
}

func (e *Engine) nodeByID(id string) node {
	if p, ok := e.ports[id]; ok {
		return p
	}
	if d, ok := e.devices[id]; ok {
		return d
	}
	return nil
}

// route computes where a frame sent by src ends up.
func (e *Engine) route(src node, data []byte, at time.Time) []delivery {
	pk := filter.Decode(data)
	if len(pk.DstMAC) != 6 {
		return nil
	}
	if bytes.Equal(pk.DstMAC, layers.EthernetBroadcast) {
		var out []delivery
		for _, n := range e.nodes() {
			if _, ok := n.(*port); ok && n.nodeID() != src.nodeID() {
				out = append(out, delivery{to: n, data: data})
			}
		}
		return out
	}
	if pk.DstMAC[0]&0x01 == 1 {
		return e.routeMulticast(src, pk, data)
	}
	if _, isDevice := src.(*device); !isDevice {
		for _, n := range e.nodes() {
			if n.nodeID() == src.nodeID() || !bytes.Equal(n.hwAddr(), pk.DstMAC) {
				continue
			}
			if !vlanMatches(n, pk) {
				return nil
			}
			return []delivery{{to: n, data: data, delay: src.extraLatency() + n.extraLatency()}}
		}
		if !e.isGatewayMAC(pk.DstMAC) {
			return nil
		}
	}
	return e.routeL3(src, pk, data, at)
}

func vlanMatches(n node, pk *filter.Packet) bool {
	vlan, tagged := n.outerVLAN()
	if !tagged {
		return len(pk.VLANs) == 0
	}
	return len(pk.VLANs) > 0 && pk.VLANs[0] == vlan
}

func (e *Engine) isGatewayMAC(mac net.HardwareAddr) bool {
	for _, i := range e.ifaces {
		if bytes.Equal(i.gatewayMAC, mac) {
			return true
		}
	}
	return bytes.Equal(mac, apMAC)
}

func (e *Engine) routeMulticast(src node, pk *filter.Packet, data []byte) []delivery {
	if pk.DstIP == nil {
		return nil
	}
	var out []delivery
	for _, id := range sortedKeys(e.multicast) {
		m := e.multicast[id]
		if m.port.id == src.nodeID() || m.joinedAt.IsZero() || !m.group.Equal(pk.DstIP) {
			continue
		}
		if !m.accepts(pk.SrcIP) {
			continue
		}
		out = append(out, delivery{to: m.port, data: data, from: m.joinedAt, until: m.leftAt})
	}
	return out
}

func (e *Engine) routeL3(src node, pk *filter.Packet, data []byte, at time.Time) []delivery {
	if pk.DstIP == nil {
		return nil
	}
	if e.cfg.DNS.Address != "" && pk.UDP && pk.DstPort == frame.DNSPort && pk.DstIP.Equal(net.ParseIP(e.cfg.DNS.Address)) {
		return e.answerDNS(src, data)
	}

	v4 := pk.DstIP.To4() != nil
	natIP := net.ParseIP(e.cfg.NAT.PublicIP)
	srcIP, dstIP := pk.SrcIP, pk.DstIP
	srcPort, dstPort := pk.SrcPort, pk.DstPort

	var target node
	if v4 && pk.DstIP.Equal(natIP) {
		if src.behindNAT() {
			return nil
		}
		entry, ok := e.nat[pk.DstPort]
		if !ok {
			return nil
		}
		if target = e.nodeByID(entry.node); target == nil {
			return nil
		}
		dstIP, dstPort = entry.ip, entry.port
	} else {
		for _, n := range e.nodes() {
			if n.nodeID() != src.nodeID() && n.ownsIP(pk.DstIP, at) {
				target = n
				break
			}
		}
		if target == nil {
			return nil
		}
		switch {
		case v4 && src.behindNAT() && !target.behindNAT():
			if !pk.UDP && !pk.TCP {
				return nil
			}
			public := int(e.cfg.NAT.PortBase) + int(pk.SrcPort)
			if public > math.MaxUint16 {
				e.log.Debug("drop frame without a public NAT port",
					zap.Uint16("src_port", pk.SrcPort),
					zap.Int("public_port", public))
				return nil
			}
			srcIP = natIP
			srcPort = uint16(public)
			e.nat[srcPort] = natEntry{node: src.nodeID(), ip: pk.SrcIP, port: pk.SrcPort}
		case v4 && !src.behindNAT() && target.behindNAT():
			// private addresses are not routed from the public side
			return nil
		}
	}

	l2src := apMAC
	if p, ok := target.(*port); ok {
		l2src = p.iface.gatewayMAC
	}
	var vlan *uint16
	if v, ok := target.outerVLAN(); ok {
		vlan = &v
	}
	out, err := rewrite(data, l2src, target.hwAddr(), vlan, srcIP, dstIP, srcPort, dstPort)
	if err != nil {
		e.log.Debug("drop unroutable frame", zap.Error(err))
		return nil
	}
	return []delivery{{to: target, data: out, delay: src.extraLatency() + target.extraLatency()}}
}

func (e *Engine) answerDNS(src node, query []byte) []delivery {
	pkt := gopacket.NewPacket(query, layers.LayerTypeEthernet, gopacket.Default)
	dns, ok := pkt.Layer(layers.LayerTypeDNS).(*layers.DNS)
	if !ok || len(dns.Questions) == 0 {
		return nil
	}
	var records []net.IP
	for _, r := range e.cfg.DNS.Records[string(dns.Questions[0].Name)] {
		if ip := net.ParseIP(r); ip != nil {
			records = append(records, ip)
		}
	}
	resp, err := frame.DNSResponse(query, records, e.cfg.DNS.TTL)
	if err != nil {
		e.log.Debug("drop dns query", zap.Error(err))
		return nil
	}
	return []delivery{{to: src, data: resp, delay: e.cfg.Latency.Base + src.extraLatency()}}
}

// rewrite re-frames an IP packet for its next hop.
func rewrite(data []byte, srcMAC, dstMAC net.HardwareAddr, vlan *uint16, srcIP, dstIP net.IP, srcPort, dstPort uint16) ([]byte, error) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)

	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC}
	var ls []gopacket.SerializableLayer
	ls = append(ls, eth)

	var netLayer gopacket.NetworkLayer
	var ipType layers.EthernetType
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		c := *ip
		c.SrcIP, c.DstIP = srcIP.To4(), dstIP.To4()
		c.Options = nil
		c.IHL = 5
		netLayer, ipType = &c, layers.EthernetTypeIPv4
		ls = append(ls, &c)
	case *layers.IPv6:
		c := *ip
		c.SrcIP, c.DstIP = srcIP.To16(), dstIP.To16()
		c.HopByHop = nil
		netLayer, ipType = &c, layers.EthernetTypeIPv6
		ls = append(ls, &c)
	default:
		return nil, fmt.Errorf("not an IP frame")
	}

	if vlan != nil {
		eth.EthernetType = layers.EthernetTypeDot1Q
		ls = append([]gopacket.SerializableLayer{eth, &layers.Dot1Q{VLANIdentifier: *vlan, Type: ipType}}, ls[1:]...)
	} else {
		eth.EthernetType = ipType
	}

	switch l := pkt.TransportLayer().(type) {
	case *layers.UDP:
		c := *l
		c.SrcPort, c.DstPort = layers.UDPPort(srcPort), layers.UDPPort(dstPort)
		if err := c.SetNetworkLayerForChecksum(netLayer); err != nil {
			return nil, err
		}
		ls = append(ls, &c, gopacket.Payload(l.Payload))
	case *layers.TCP:
		c := *l
		c.SrcPort, c.DstPort = layers.TCPPort(srcPort), layers.TCPPort(dstPort)
		if err := c.SetNetworkLayerForChecksum(netLayer); err != nil {
			return nil, err
		}
		ls = append(ls, &c, gopacket.Payload(l.Payload))
	default:
		ls = append(ls, gopacket.Payload(netLayer.LayerPayload()))
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil, fmt.Errorf("rewrite frame: %w", err)
	}
	return buf.Bytes(), nil
}
