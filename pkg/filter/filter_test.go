package filter

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func udp4(src, dst string, sport, dport uint16, vlans ...uint16) *Packet {
	return &Packet{
		SrcMAC:  net.HardwareAddr{0, 0xff, 0x12, 0, 0, 1},
		DstMAC:  net.HardwareAddr{0, 0xff, 0x12, 0, 0, 2},
		VLANs:   vlans,
		IPv4:    true,
		SrcIP:   net.ParseIP(src),
		DstIP:   net.ParseIP(dst),
		UDP:     true,
		SrcPort: sport,
		DstPort: dport,
		Length:  60,
	}
}

func TestCompile(t *testing.T) {
	pkt := udp4("10.0.0.2", "10.0.0.3", 5000, 5001, 2)

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"empty", "", true},
		{"ip", "ip", true},
		{"ip6", "ip6", false},
		{"dst host", "ip dst 10.0.0.3 and udp port 5001", true},
		{"wrong dst", "ip dst 10.0.0.4 and udp port 5001", false},
		{"dst port", "ip dst 10.0.0.3 and udp dst port 5001", true},
		{"src port as dst", "udp dst port 5000", false},
		{"flow", "ip src 10.0.0.2 and ip dst 10.0.0.3 and udp and src port 5000 and dst port 5001", true},
		{"vlan id", "vlan 2 and ip dst 10.0.0.3", true},
		{"vlan other", "vlan 3", false},
		{"any vlan", "vlan and udp", true},
		{"or", "tcp or udp", true},
		{"not", "not udp", false},
		{"parens", "(tcp or icmp) and ip", false},
		{"symbols", "udp && !tcp", true},
		{"host either", "host 10.0.0.2", true},
		{"net", "dst net 10.0.0.0/24", true},
		{"ether src", "ether src 00:ff:12:00:00:01", true},
		{"ether dst", "ether dst 00:ff:12:00:00:01", false},
		{"upper case", "IP DST 10.0.0.3 AND UDP", true},
		{"greater", "greater 60", true},
		{"less", "less 59", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Compile(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m(pkt))
		})
	}
}

func TestICMPFamilies(t *testing.T) {
	v4 := &Packet{IPv4: true, ICMP: true}
	v6 := &Packet{IPv6: true, ICMPv6: true}

	icmp, err := Compile("icmp")
	require.NoError(t, err)
	assert.True(t, icmp(v4))
	assert.False(t, icmp(v6), "icmp is ICMPv4 only")

	icmp6, err := Compile("icmp6")
	require.NoError(t, err)
	assert.True(t, icmp6(v6))
	assert.False(t, icmp6(v4))

	either, err := Compile("icmp or icmp6")
	require.NoError(t, err)
	assert.True(t, either(v4))
	assert.True(t, either(v6))
}

func TestDecodeICMPv6(t *testing.T) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv6,
	}
	ip := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   64,
		SrcIP:      net.ParseIP("2001:db8::1"),
		DstIP:      net.ParseIP("2001:db8::2"),
	}
	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoRequest, 0)}
	require.NoError(t, icmp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, icmp, gopacket.Payload([]byte{0, 1, 0, 1})))

	pk := Decode(buf.Bytes())
	assert.True(t, pk.IPv6)
	assert.True(t, pk.ICMPv6)
	assert.False(t, pk.ICMP)
}

func TestCompileErrors(t *testing.T) {
	for _, expr := range []string{
		"foo",
		"ip dst",
		"ip dst not-an-ip",
		"udp port 70000",
		"(udp",
		"udp and",
		"ether zz:zz",
		"udp udp",
	} {
		_, err := Compile(expr)
		assert.Error(t, err, expr)
	}
}

func TestBuilders(t *testing.T) {
	assert.Equal(t, "ip dst 10.0.0.3 and udp port 4096", UDPTo("10.0.0.3", 4096))
	assert.Equal(t, "ip6 dst 2001:db8::1 and udp dst port 4096", UDPToDstPort("2001:db8::1", 4096))
	assert.Equal(t, "vlan 2 and ip dst 10.0.0.3 and udp port 4096", VLAN(2, UDPTo("10.0.0.3", 4096)))
	assert.Equal(t, "vlan 7", VLAN(7, ""))
	assert.Equal(t, "ip src 1.1.1.1 and ip dst 2.2.2.2 and udp and src port 1 and dst port 2", UDPFlow("1.1.1.1", "2.2.2.2", 1, 2))

	for _, expr := range []string{
		UDPTo("10.0.0.3", 1),
		UDPToDstPort("2001:db8::1", 1),
		UDPFlow("::1", "::2", 1, 2),
		UDPPort(9),
		VLAN(3, UDPTo("10.0.0.3", 1)),
	} {
		_, err := Compile(expr)
		assert.NoError(t, err, expr)
	}
}
