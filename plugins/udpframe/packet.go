package main

import (
	"encoding/binary"
	"errors"
	"net"
)

const (
	ethHeaderLen  = 14
	vlanTagLen    = 4
	ipv4HeaderLen = 20
	udpHeaderLen  = 8
)

type PacketBuilder struct {
	data []byte
}

func NewPacketBuilder(size int) *PacketBuilder {
	return &PacketBuilder{data: make([]byte, size)}
}

func (pb *PacketBuilder) Bytes() []byte {
	return pb.data
}

// WriteEthernet writes the MAC header and an optional 802.1Q tag, and
// returns the offset of the network header.
func (pb *PacketBuilder) WriteEthernet(dst, src net.HardwareAddr, vlan *uint16, etherType uint16) int {
	copy(pb.data[0:6], dst)
	copy(pb.data[6:12], src)
	off := 12
	if vlan != nil {
		binary.BigEndian.PutUint16(pb.data[off:], 0x8100)
		binary.BigEndian.PutUint16(pb.data[off+2:], *vlan&0x0fff)
		off += vlanTagLen
	}
	binary.BigEndian.PutUint16(pb.data[off:], etherType)
	return off + 2
}

func (pb *PacketBuilder) WriteIPv4(off int, totalLen uint16, src, dst net.IP) {
	h := pb.data[off : off+ipv4HeaderLen]
	h[0] = 4<<4 | 5
	binary.BigEndian.PutUint16(h[2:], totalLen)
	h[8] = 64
	h[9] = 17
	copy(h[12:16], src.To4())
	copy(h[16:20], dst.To4())
	binary.BigEndian.PutUint16(h[10:], checksum(h, 0))
}

func (pb *PacketBuilder) WriteUDP(ipOff, off int, srcPort, dstPort uint16, payload []byte) {
	udpLen := udpHeaderLen + len(payload)
	u := pb.data[off : off+udpLen]
	binary.BigEndian.PutUint16(u[0:], srcPort)
	binary.BigEndian.PutUint16(u[2:], dstPort)
	binary.BigEndian.PutUint16(u[4:], uint16(udpLen))
	copy(u[udpHeaderLen:], payload)

	// pseudo header: addresses, protocol and length
	sum := sum16(pb.data[ipOff+12:ipOff+20], 0)
	sum += 17 + uint32(udpLen)
	c := checksum(u, sum)
	if c == 0 {
		c = 0xffff
	}
	binary.BigEndian.PutUint16(u[6:], c)
}

func sum16(b []byte, sum uint32) uint32 {
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i:]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	return sum
}

func checksum(b []byte, initial uint32) uint16 {
	sum := sum16(b, initial)
	for sum > 0xffff {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

// BuildUDPFrame returns an Ethernet/IPv4/UDP frame of req.Size bytes.
func BuildUDPFrame(req FrameRequest) ([]byte, error) {
	src, err := net.ParseMAC(req.SrcMAC)
	if err != nil {
		return nil, err
	}
	dst, err := net.ParseMAC(req.DstMAC)
	if err != nil {
		return nil, err
	}
	srcIP, dstIP := net.ParseIP(req.SrcIP).To4(), net.ParseIP(req.DstIP).To4()
	if srcIP == nil || dstIP == nil {
		return nil, errors.New("only IPv4 addresses are supported")
	}

	hdr := ethHeaderLen + ipv4HeaderLen + udpHeaderLen
	if req.VLAN != nil {
		hdr += vlanTagLen
	}
	if req.Size < hdr {
		return nil, errors.New("frame size is smaller than the headers")
	}
	payload := make([]byte, req.Size-hdr)
	for i := range payload {
		if req.Args.PayloadByte >= 0 {
			payload[i] = byte(req.Args.PayloadByte)
		} else {
			payload[i] = byte(i % 256)
		}
	}
	if req.Args.StampSequence && len(payload) >= 8 {
		binary.BigEndian.PutUint64(payload, req.Sequence)
	}

	pb := NewPacketBuilder(req.Size)
	ipOff := pb.WriteEthernet(dst, src, req.VLAN, 0x0800)
	pb.WriteIPv4(ipOff, uint16(ipv4HeaderLen+udpHeaderLen+len(payload)), srcIP, dstIP)
	pb.WriteUDP(ipOff, ipOff+ipv4HeaderLen, req.SrcPort, req.DstPort, payload)
	return pb.Bytes(), nil
}
