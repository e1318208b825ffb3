package frame

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const DNSPort = 53

// DNSQuery describes an A record query sent over IPv4.
type DNSQuery struct {
	SrcMAC, DstMAC net.HardwareAddr
	SrcIP, DstIP   net.IP
	SrcPort        uint16
	ID             uint16
	Name           string
}

func (q DNSQuery) Bytes() ([]byte, error) {
	dns := &layers.DNS{
		ID:      q.ID,
		RD:      true,
		OpCode:  layers.DNSOpCodeQuery,
		QDCount: 1,
		Questions: []layers.DNSQuestion{{
			Name:  []byte(q.Name),
			Type:  layers.DNSTypeA,
			Class: layers.DNSClassIN,
		}},
	}
	return serializeUDP(q.SrcMAC, q.DstMAC, q.SrcIP, q.DstIP, q.SrcPort, DNSPort, dns)
}

// DNSAnswer is the part of a DNS response the scenarios report.
type DNSAnswer struct {
	ID        uint16
	Name      string
	Addresses []net.IP
	Src, Dst  Endpoint
}

// ParseDNS dissects a DNS message carried in an Ethernet frame.
func ParseDNS(data []byte) (*DNSAnswer, *layers.DNS, error) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
	dns, ok := pkt.Layer(layers.LayerTypeDNS).(*layers.DNS)
	if !ok {
		return nil, nil, fmt.Errorf("frame carries no DNS message")
	}
	src, dst, err := UDPEndpoints(data)
	if err != nil {
		return nil, nil, err
	}
	ans := &DNSAnswer{ID: dns.ID, Src: src, Dst: dst}
	if len(dns.Questions) > 0 {
		ans.Name = string(dns.Questions[0].Name)
	}
	for _, rr := range dns.Answers {
		if rr.IP != nil {
			ans.Addresses = append(ans.Addresses, rr.IP)
		}
	}
	return ans, dns, nil
}

// DNSResponse answers the query carried in query with the given A records.
// The answer is addressed back to the sender. An empty record list yields
// NXDOMAIN.
func DNSResponse(query []byte, records []net.IP, ttl uint32) ([]byte, error) {
	pkt := gopacket.NewPacket(query, layers.LayerTypeEthernet, gopacket.Default)
	q, ok := pkt.Layer(layers.LayerTypeDNS).(*layers.DNS)
	if !ok || len(q.Questions) == 0 {
		return nil, fmt.Errorf("frame carries no DNS query")
	}
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return nil, fmt.Errorf("frame carries no Ethernet header")
	}
	src, dst, err := UDPEndpoints(query)
	if err != nil {
		return nil, err
	}

	resp := &layers.DNS{
		ID:        q.ID,
		QR:        true,
		OpCode:    layers.DNSOpCodeQuery,
		RD:        q.RD,
		RA:        true,
		Questions: q.Questions,
		QDCount:   uint16(len(q.Questions)),
	}
	if len(records) == 0 {
		resp.ResponseCode = layers.DNSResponseCodeNXDomain
	}
	for _, ip := range records {
		resp.Answers = append(resp.Answers, layers.DNSResourceRecord{
			Name:  q.Questions[0].Name,
			Type:  layers.DNSTypeA,
			Class: layers.DNSClassIN,
			TTL:   ttl,
			IP:    ip.To4(),
		})
	}
	resp.ANCount = uint16(len(resp.Answers))
	return serializeUDP(eth.DstMAC, eth.SrcMAC, dst.IP, src.IP, dst.Port, src.Port, resp)
}

func serializeUDP(srcMAC, dstMAC net.HardwareAddr, srcIP, dstIP net.IP, sport, dport uint16, payload gopacket.SerializableLayer) ([]byte, error) {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP.To4(),
		DstIP:    dstIP.To4(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, payload); err != nil {
		return nil, fmt.Errorf("serialize dns frame: %w", err)
	}
	return buf.Bytes(), nil
}
