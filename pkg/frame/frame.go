// Package frame crafts and dissects the layer 2 frames the scenarios put in
// their streams.
package frame

import (
	"encoding/hex"
	"fmt"
	"math"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	ethHeaderLen  = 14
	vlanHeaderLen = 4
	ipv4HeaderLen = 20
	ipv6HeaderLen = 40
	udpHeaderLen  = 8

	// per frame overhead on the wire: interframe gap 12, preamble and SFD 8, CRC 4
	wireOverhead = 12 + 8 + 4

	// MinSize is the smallest layer 2 frame without CRC.
	MinSize = 60
)

// UDP describes a UDP frame. The IP version follows the address family of
// DstIP.
type UDP struct {
	SrcMAC, DstMAC   net.HardwareAddr
	VLAN             *uint16
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
	// Payload leads the UDP payload, Size pads it with PayloadByte. Size is
	// the layer 2 size without CRC.
	Payload         []byte
	Size            int
	PayloadByte     byte
	ZeroUDPChecksum bool
}

// HeaderLen is the length of all headers in front of the UDP payload.
func (u UDP) HeaderLen() int {
	n := ethHeaderLen + udpHeaderLen
	if u.VLAN != nil {
		n += vlanHeaderLen
	}
	if u.DstIP.To4() != nil {
		n += ipv4HeaderLen
	} else {
		n += ipv6HeaderLen
	}
	return n
}

// Bytes serializes the frame.
func (u UDP) Bytes() ([]byte, error) {
	if u.DstIP == nil || u.SrcIP == nil {
		return nil, fmt.Errorf("udp frame: source and destination address are required")
	}
	v4 := u.DstIP.To4() != nil
	if v4 != (u.SrcIP.To4() != nil) {
		return nil, fmt.Errorf("udp frame: address family mismatch %s -> %s", u.SrcIP, u.DstIP)
	}

	size := u.Size
	if least := u.HeaderLen() + len(u.Payload); size < least {
		size = least
	}
	payload := make([]byte, size-u.HeaderLen())
	n := copy(payload, u.Payload)
	for i := n; i < len(payload); i++ {
		payload[i] = u.PayloadByte
	}

	eth := &layers.Ethernet{SrcMAC: u.SrcMAC, DstMAC: u.DstMAC}
	udp := &layers.UDP{SrcPort: layers.UDPPort(u.SrcPort), DstPort: layers.UDPPort(u.DstPort)}

	var netLayer gopacket.SerializableLayer
	ipType := layers.EthernetTypeIPv4
	if v4 {
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    u.SrcIP.To4(),
			DstIP:    u.DstIP.To4(),
		}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		netLayer = ip
	} else {
		ipType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      u.SrcIP.To16(),
			DstIP:      u.DstIP.To16(),
		}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		netLayer = ip
	}

	ls := []gopacket.SerializableLayer{eth}
	if u.VLAN != nil {
		eth.EthernetType = layers.EthernetTypeDot1Q
		ls = append(ls, &layers.Dot1Q{VLANIdentifier: *u.VLAN, Type: ipType})
	} else {
		eth.EthernetType = ipType
	}
	ls = append(ls, netLayer, udp, gopacket.Payload(payload))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		return nil, fmt.Errorf("serialize udp frame: %w", err)
	}
	out := buf.Bytes()
	if u.ZeroUDPChecksum {
		off := u.HeaderLen() - 2
		out[off], out[off+1] = 0, 0
	}
	return out, nil
}

// Ethernet describes a frame without IP header, the payload fills Size.
type Ethernet struct {
	SrcMAC, DstMAC net.HardwareAddr
	VLAN           *uint16
	EtherType      uint16
	Size           int
	PayloadByte    byte
}

func (e Ethernet) Bytes() ([]byte, error) {
	hdr := ethHeaderLen
	if e.VLAN != nil {
		hdr += vlanHeaderLen
	}
	size := e.Size
	if size < MinSize {
		size = MinSize
	}
	payload := make([]byte, size-hdr)
	for i := range payload {
		payload[i] = e.PayloadByte
	}
	eth := &layers.Ethernet{SrcMAC: e.SrcMAC, DstMAC: e.DstMAC, EthernetType: layers.EthernetType(e.EtherType)}
	ls := []gopacket.SerializableLayer{eth}
	if e.VLAN != nil {
		eth.EthernetType = layers.EthernetTypeDot1Q
		ls = append(ls, &layers.Dot1Q{VLANIdentifier: *e.VLAN, Type: layers.EthernetType(e.EtherType)})
	}
	ls = append(ls, gopacket.Payload(payload))

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, ls...); err != nil {
		return nil, fmt.Errorf("serialize ethernet frame: %w", err)
	}
	return buf.Bytes(), nil
}

// InterFrameGap converts a throughput in Mbps into the gap between frames
// of frameSize bytes, rounded up to whole nanoseconds.
func InterFrameGap(frameSize int, mbps float64) (int64, error) {
	if mbps <= 0 {
		return 0, fmt.Errorf("throughput must be positive, got %v", mbps)
	}
	framesPerSec := mbps * 1e6 / float64((wireOverhead+frameSize)*8)
	return int64(math.Ceil(1e9 / framesPerSec)), nil
}

// ThroughputMbps is the inverse of InterFrameGap.
func ThroughputMbps(frameSize int, gapNs int64) float64 {
	if gapNs <= 0 {
		return 0
	}
	return float64((wireOverhead+frameSize)*8) * 1e9 / float64(gapNs) / 1e6
}

// MulticastMAC maps a multicast group address onto its Ethernet address.
func MulticastMAC(group net.IP) (net.HardwareAddr, error) {
	if v4 := group.To4(); v4 != nil {
		if !v4.IsMulticast() {
			return nil, fmt.Errorf("%s is not a multicast address", group)
		}
		return net.HardwareAddr{0x01, 0x00, 0x5e, v4[1] & 0x7f, v4[2], v4[3]}, nil
	}
	v6 := group.To16()
	if v6 == nil || !v6.IsMulticast() {
		return nil, fmt.Errorf("%s is not a multicast address", group)
	}
	return net.HardwareAddr{0x33, 0x33, v6[12], v6[13], v6[14], v6[15]}, nil
}

func Hex(b []byte) string {
	return hex.EncodeToString(b)
}

func FromHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return b, nil
}

// Endpoint is one side of a UDP flow.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), fmt.Sprint(e.Port))
}

// UDPEndpoints extracts source and destination of a UDP frame.
func UDPEndpoints(data []byte) (src, dst Endpoint, err error) {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		return src, dst, fmt.Errorf("frame carries no UDP header")
	}
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		src.IP, dst.IP = ip.SrcIP, ip.DstIP
	case *layers.IPv6:
		src.IP, dst.IP = ip.SrcIP, ip.DstIP
	default:
		return src, dst, fmt.Errorf("frame carries no IP header")
	}
	src.Port = uint16(udp.SrcPort)
	dst.Port = uint16(udp.DstPort)
	return src, dst, nil
}
