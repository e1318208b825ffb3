package simulator

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/takehaya/tgctl/pkg/api"
	"github.com/takehaya/tgctl/pkg/filter"
	"github.com/takehaya/tgctl/pkg/frame"
	"go.uber.org/zap"
)

var t0 = time.Unix(1_700_000_000, 0)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T, mutate ...func(*Config)) (*Engine, *fakeClock) {
	t.Helper()
	cfg := NewConfig()
	cfg.DNS.Records = map[string][]string{"www.example.com": {"93.184.216.34"}}
	for _, m := range mutate {
		m(&cfg)
	}
	clock := &fakeClock{now: t0}
	e, err := NewEngine(cfg, zap.NewNop(), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, clock
}

// staticPort creates a port with a static IPv4 address on iface.
func staticPort(t *testing.T, e *Engine, session, iface, ip, gw string) api.PortInfo {
	t.Helper()
	info, err := e.CreatePort(session, iface)
	require.NoError(t, err)
	info, err = e.SetIPv4(info.ID, api.IPv4Config{Address: ip, Netmask: "255.255.255.0", Gateway: gw})
	require.NoError(t, err)
	return info
}

func udpStream(t *testing.T, e *Engine, from api.PortInfo, dstIP string, port uint16, size int, count uint64, gap time.Duration, timeTag bool) string {
	t.Helper()
	dstMAC, err := e.Resolve(from.ID, dstIP)
	require.NoError(t, err)
	data, err := frame.UDP{
		SrcMAC: mustMAC(t, from.MAC), DstMAC: mustMAC(t, dstMAC),
		SrcIP: net.ParseIP(from.IPv4.Address), DstIP: net.ParseIP(dstIP),
		SrcPort: port, DstPort: port, Size: size,
	}.Bytes()
	require.NoError(t, err)
	id, err := e.AddStream(from.ID, api.StreamSpec{
		NumberOfFrames:  count,
		InterFrameGapNs: int64(gap),
		Frames:          []api.FrameSpec{{Bytes: frame.Hex(data), TimeTag: timeTag}},
	})
	require.NoError(t, err)
	return id
}

func mustMAC(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	mac, err := net.ParseMAC(s)
	require.NoError(t, err)
	return mac
}

func TestStreamAndTriggerCounting(t *testing.T) {
	e, clock := newTestEngine(t)
	sid, err := e.Connect("alice")
	require.NoError(t, err)

	tx := staticPort(t, e, sid, "nontrunk-1", "10.10.0.2", "10.10.0.1")
	rx := staticPort(t, e, sid, "nontrunk-1", "10.10.0.3", "10.10.0.1")

	stream := udpStream(t, e, tx, "10.10.0.3", 4096, 100, 10, time.Millisecond, false)
	trig, err := e.AddTrigger(rx.ID, api.TriggerSpec{Filter: filter.UDPTo("10.10.0.3", 4096)})
	require.NoError(t, err)

	require.NoError(t, e.StartStream(stream))

	clock.Add(4500 * time.Microsecond)
	res, err := e.StreamResult(stream)
	require.NoError(t, err)
	assert.Equal(t, api.StreamRunning, res.Status)
	assert.Equal(t, uint64(5), res.Cumulative.PacketCount)
	assert.Equal(t, uint64(500), res.Cumulative.ByteCount)

	tr, err := e.TriggerResult(trig)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), tr.Cumulative.PacketCount)
	assert.Nil(t, tr.Latency)

	clock.Add(1500 * time.Millisecond)
	res, err = e.StreamResult(stream)
	require.NoError(t, err)
	assert.Equal(t, api.StreamFinished, res.Status)
	assert.Equal(t, uint64(10), res.Cumulative.PacketCount)
	assert.Equal(t, t0.UnixNano(), res.Cumulative.TimestampFirst)
	assert.Equal(t, t0.Add(9*time.Millisecond).UnixNano(), res.Cumulative.TimestampLast)
	// all frames fall in the window [t0, t0+1s)
	assert.Equal(t, uint64(10), res.IntervalLatest.PacketCount)

	tr, err = e.TriggerResult(trig)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), tr.Cumulative.PacketCount)
	assert.Equal(t, uint64(1000), tr.Cumulative.ByteCount)

	require.NoError(t, e.ClearTrigger(trig))
	tr, err = e.TriggerResult(trig)
	require.NoError(t, err)
	assert.Zero(t, tr.Cumulative.PacketCount)
}

func TestTriggerFilterMismatch(t *testing.T) {
	e, clock := newTestEngine(t)
	sid, _ := e.Connect("alice")
	tx := staticPort(t, e, sid, "nontrunk-1", "10.10.0.2", "10.10.0.1")
	rx := staticPort(t, e, sid, "nontrunk-1", "10.10.0.3", "10.10.0.1")

	stream := udpStream(t, e, tx, "10.10.0.3", 4096, 100, 10, time.Millisecond, false)
	trig, err := e.AddTrigger(rx.ID, api.TriggerSpec{Filter: filter.UDPTo("10.10.0.3", 5000)})
	require.NoError(t, err)
	require.NoError(t, e.StartStream(stream))
	clock.Add(time.Second)

	tr, err := e.TriggerResult(trig)
	require.NoError(t, err)
	assert.Zero(t, tr.Cumulative.PacketCount)

	_, err = e.AddTrigger(rx.ID, api.TriggerSpec{Filter: "udp port banana"})
	assert.True(t, api.HasCode(err, api.CodeInvalidFilter))
}

func TestStreamStop(t *testing.T) {
	e, clock := newTestEngine(t)
	sid, _ := e.Connect("alice")
	tx := staticPort(t, e, sid, "nontrunk-1", "10.10.0.2", "10.10.0.1")
	staticPort(t, e, sid, "nontrunk-1", "10.10.0.3", "10.10.0.1")

	stream := udpStream(t, e, tx, "10.10.0.3", 4096, 100, 10, time.Millisecond, false)
	require.NoError(t, e.StartStream(stream))
	clock.Add(3500 * time.Microsecond)
	require.NoError(t, e.StopStream(stream))
	clock.Add(time.Second)

	res, err := e.StreamResult(stream)
	require.NoError(t, err)
	assert.Equal(t, api.StreamStopped, res.Status)
	assert.Equal(t, uint64(4), res.Cumulative.PacketCount)

	err = e.StartStream("missing")
	assert.True(t, api.HasCode(err, api.CodeNotFound))
}

func TestUpdateRunningStream(t *testing.T) {
	e, _ := newTestEngine(t)
	sid, _ := e.Connect("alice")
	tx := staticPort(t, e, sid, "nontrunk-1", "10.10.0.2", "10.10.0.1")
	staticPort(t, e, sid, "nontrunk-1", "10.10.0.3", "10.10.0.1")

	stream := udpStream(t, e, tx, "10.10.0.3", 4096, 100, 10, time.Millisecond, false)
	require.NoError(t, e.StartStream(stream))
	err := e.UpdateStream(stream, api.StreamSpec{NumberOfFrames: 1, InterFrameGapNs: 1})
	assert.True(t, api.HasCode(err, api.CodeInvalidState))

	_, err = e.AddStream(tx.ID, api.StreamSpec{NumberOfFrames: 1})
	assert.True(t, api.HasCode(err, api.CodeBadRequest))
}

func TestLatencyTrigger(t *testing.T) {
	e, clock := newTestEngine(t)
	sid, _ := e.Connect("alice")
	tx := staticPort(t, e, sid, "nontrunk-1", "10.10.0.2", "10.10.0.1")
	rx := staticPort(t, e, sid, "nontrunk-1", "10.10.0.3", "10.10.0.1")

	stream := udpStream(t, e, tx, "10.10.0.3", 4096, 128, 50, time.Millisecond, true)
	trig, err := e.AddTrigger(rx.ID, api.TriggerSpec{Kind: api.TriggerLatency, Filter: filter.UDPTo("10.10.0.3", 4096)})
	require.NoError(t, err)
	require.NoError(t, e.StartStream(stream))
	clock.Add(2 * time.Second)

	tr, err := e.TriggerResult(trig)
	require.NoError(t, err)
	require.NotNil(t, tr.Latency)
	assert.Equal(t, uint64(50), tr.Cumulative.PacketCount)

	base := int64(25 * time.Microsecond)
	assert.GreaterOrEqual(t, tr.Latency.MinNs, base)
	assert.LessOrEqual(t, tr.Latency.MaxNs, base+int64(10*time.Microsecond))
	assert.True(t, tr.Latency.MinNs <= tr.Latency.AvgNs && tr.Latency.AvgNs <= tr.Latency.MaxNs)
	assert.Positive(t, tr.Latency.JitterNs)
}

func TestResolve(t *testing.T) {
	e, _ := newTestEngine(t)
	sid, _ := e.Connect("alice")
	a := staticPort(t, e, sid, "nontrunk-1", "10.10.0.2", "10.10.0.1")
	b := staticPort(t, e, sid, "nontrunk-1", "10.10.0.3", "10.10.0.1")

	mac, err := e.Resolve(a.ID, "10.10.0.3")
	require.NoError(t, err)
	assert.Equal(t, b.MAC, mac)

	mac, err = e.Resolve(a.ID, "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, "00:ff:0a:0a:00:01", mac)

	_, err = e.Resolve(a.ID, "10.10.0.77")
	assert.True(t, api.HasCode(err, api.CodeAddressResolutionFailed))
	assert.True(t, api.IsDomain(err))

	bare, err := e.CreatePort(sid, "nontrunk-2")
	require.NoError(t, err)
	_, err = e.Resolve(bare.ID, "10.10.1.1")
	assert.True(t, api.HasCode(err, api.CodeInvalidState))
}

func TestDHCPAndIPv6(t *testing.T) {
	e, clock := newTestEngine(t, func(c *Config) {
		c.DHCPDelay = 500 * time.Millisecond
		c.Interfaces[1].NoDHCP = true
	})
	sid, _ := e.Connect("alice")

	p1, _ := e.CreatePort(sid, "nontrunk-1")
	p2, _ := e.CreatePort(sid, "nontrunk-1")
	info, err := e.DHCPv4(p1.ID, false)
	require.NoError(t, err)
	require.NotNil(t, info.IPv4)
	assert.Equal(t, "10.10.0.100", info.IPv4.Address)
	assert.Equal(t, "10.10.0.1", info.IPv4.Gateway)

	info, err = e.DHCPv4(p2.ID, true)
	require.NoError(t, err)
	assert.Nil(t, info.IPv4, "async lease is not visible before the DHCP delay")
	clock.Add(time.Second)
	info, err = e.PortInfo(p2.ID)
	require.NoError(t, err)
	require.NotNil(t, info.IPv4)
	assert.Equal(t, "10.10.0.101", info.IPv4.Address)

	// a renewed lease keeps the address
	info, err = e.DHCPv4(p1.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.100", info.IPv4.Address)

	p3, _ := e.CreatePort(sid, "nontrunk-2")
	_, err = e.DHCPv4(p3.ID, false)
	assert.True(t, api.HasCode(err, api.CodeDHCPFailed))

	_, err = e.SetMAC(p1.ID, "00:bb:01:00:00:01")
	require.NoError(t, err)
	info, err = e.SLAAC(p1.ID)
	require.NoError(t, err)
	assert.Contains(t, info.IPv6, "2001:db8:10:0:2bb:1ff:fe00:1/64")

	info, err = e.DHCPv6(p2.ID)
	require.NoError(t, err)
	assert.Contains(t, info.IPv6, "2001:db8:10::1000/128")

	mac, err := e.Resolve(p1.ID, "2001:db8:10::1000")
	require.NoError(t, err)
	assert.Equal(t, p2.MAC, mac)

	_, err = e.SetMAC(p2.ID, "00:bb:01:00:00:01")
	assert.True(t, api.HasCode(err, api.CodeInvalidState))
}

func TestVLANDelivery(t *testing.T) {
	e, clock := newTestEngine(t)
	sid, _ := e.Connect("alice")
	tx := staticPort(t, e, sid, "trunk-1-1", "192.168.0.2", "192.168.0.1")
	rxInfo, err := e.CreatePort(sid, "trunk-1-2")
	require.NoError(t, err)
	_, err = e.AddVLAN(rxInfo.ID, 2)
	require.NoError(t, err)
	rx, err := e.SetIPv4(rxInfo.ID, api.IPv4Config{Address: "192.168.0.3", Netmask: "255.255.255.0"})
	require.NoError(t, err)

	vlan := uint16(2)
	data, err := frame.UDP{
		SrcMAC: mustMAC(t, tx.MAC), DstMAC: mustMAC(t, rx.MAC), VLAN: &vlan,
		SrcIP: net.ParseIP("192.168.0.2"), DstIP: net.ParseIP("192.168.0.3"),
		SrcPort: 4096, DstPort: 4096, Size: 128,
	}.Bytes()
	require.NoError(t, err)
	tagged, err := e.AddStream(tx.ID, api.StreamSpec{NumberOfFrames: 10, InterFrameGapNs: int64(time.Millisecond), Frames: []api.FrameSpec{{Bytes: frame.Hex(data)}}})
	require.NoError(t, err)
	untagged := udpStream(t, e, tx, "192.168.0.3", 4096, 128, 10, time.Millisecond, false)

	trig, err := e.AddTrigger(rx.ID, api.TriggerSpec{Filter: filter.VLAN(2, filter.UDPTo("192.168.0.3", 4096))})
	require.NoError(t, err)
	require.NoError(t, e.StartPort(tx.ID))
	clock.Add(time.Second)

	tr, err := e.TriggerResult(trig)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), tr.Cumulative.PacketCount)

	for _, id := range []string{tagged, untagged} {
		res, err := e.StreamResult(id)
		require.NoError(t, err)
		assert.Equal(t, uint64(10), res.Cumulative.PacketCount)
	}
}

func TestNATDiscovery(t *testing.T) {
	e, clock := newTestEngine(t)
	sid, _ := e.Connect("alice")
	lan := staticPort(t, e, sid, "trunk-1-1", "192.168.0.10", "192.168.0.1")
	wan := staticPort(t, e, sid, "nontrunk-1", "10.10.0.2", "10.10.0.1")

	capID, err := e.AddCapture(wan.ID, api.CaptureSpec{Filter: filter.UDPPort(4096)})
	require.NoError(t, err)
	require.NoError(t, e.StartCapture(capID))

	first := udpStream(t, e, lan, "10.10.0.2", 4096, 60, 1, time.Millisecond, false)
	require.NoError(t, e.StartStream(first))
	clock.Add(10 * time.Millisecond)
	require.NoError(t, e.StopCapture(capID))

	res, err := e.CaptureResult(capID)
	require.NoError(t, err)
	assert.False(t, res.Running)
	require.Len(t, res.Frames, 1)
	src, dst, err := frame.UDPEndpoints(res.Frames[0].Bytes)
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.254:34096", src.String())
	assert.Equal(t, "10.10.0.2:4096", dst.String())

	// the mapping carries replies back to the LAN port
	back, err := e.AddTrigger(lan.ID, api.TriggerSpec{Filter: filter.UDPToDstPort("192.168.0.10", 4096)})
	require.NoError(t, err)
	dstMAC, err := e.Resolve(wan.ID, "10.10.0.254")
	require.NoError(t, err)
	data, err := frame.UDP{
		SrcMAC: mustMAC(t, wan.MAC), DstMAC: mustMAC(t, dstMAC),
		SrcIP: net.ParseIP("10.10.0.2"), DstIP: net.ParseIP("10.10.0.254"),
		SrcPort: 4096, DstPort: src.Port, Size: 100,
	}.Bytes()
	require.NoError(t, err)
	reply, err := e.AddStream(wan.ID, api.StreamSpec{NumberOfFrames: 5, InterFrameGapNs: int64(time.Millisecond), Frames: []api.FrameSpec{{Bytes: frame.Hex(data)}}})
	require.NoError(t, err)
	require.NoError(t, e.StartStream(reply))

	// unsolicited traffic toward the private address is dropped
	direct := udpStream(t, e, wan, "192.168.0.10", 4096, 100, 5, time.Millisecond, false)
	require.NoError(t, e.StartStream(direct))
	clock.Add(time.Second)

	tr, err := e.TriggerResult(back)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), tr.Cumulative.PacketCount)
}

func TestNATPortOutOfRange(t *testing.T) {
	e, clock := newTestEngine(t)
	sid, _ := e.Connect("alice")
	lan := staticPort(t, e, sid, "trunk-1-1", "192.168.0.10", "192.168.0.1")
	wan := staticPort(t, e, sid, "nontrunk-1", "10.10.0.2", "10.10.0.1")

	capID, err := e.AddCapture(wan.ID, api.CaptureSpec{Filter: "udp"})
	require.NoError(t, err)
	require.NoError(t, e.StartCapture(capID))

	// 30000 + 40000 does not fit a port number
	high := udpStream(t, e, lan, "10.10.0.2", 40000, 60, 1, time.Millisecond, false)
	require.NoError(t, e.StartStream(high))
	edge := udpStream(t, e, lan, "10.10.0.2", 35535, 60, 1, time.Millisecond, false)
	require.NoError(t, e.StartStream(edge))
	clock.Add(10 * time.Millisecond)

	res, err := e.CaptureResult(capID)
	require.NoError(t, err)
	require.Len(t, res.Frames, 1)
	src, _, err := frame.UDPEndpoints(res.Frames[0].Bytes)
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.254:65535", src.String())
}

func TestCaptureLimitKeepsOldest(t *testing.T) {
	e, clock := newTestEngine(t, func(c *Config) { c.CaptureLimit = 5 })
	sid, _ := e.Connect("alice")
	a := staticPort(t, e, sid, "nontrunk-1", "10.10.0.2", "10.10.0.1")
	b := staticPort(t, e, sid, "nontrunk-1", "10.10.0.4", "10.10.0.1")
	rx := staticPort(t, e, sid, "nontrunk-1", "10.10.0.3", "10.10.0.1")

	capID, err := e.AddCapture(rx.ID, api.CaptureSpec{Filter: "udp"})
	require.NoError(t, err)
	require.NoError(t, e.StartCapture(capID))

	first := udpStream(t, e, a, "10.10.0.3", 5000, 100, 50, time.Millisecond, false)
	second := udpStream(t, e, b, "10.10.0.3", 5001, 100, 50, time.Millisecond, false)
	require.NoError(t, e.StartStream(first))
	clock.Add(500 * time.Microsecond)
	require.NoError(t, e.StartStream(second))
	clock.Add(time.Second)

	res, err := e.CaptureResult(capID)
	require.NoError(t, err)
	require.Len(t, res.Frames, 5)
	ports := map[uint16]int{}
	for i, f := range res.Frames {
		if i > 0 {
			assert.LessOrEqual(t, res.Frames[i-1].TimestampNs, f.TimestampNs)
		}
		_, dst, err := frame.UDPEndpoints(f.Bytes)
		require.NoError(t, err)
		ports[dst.Port]++
	}
	// both streams interleave, the oldest five span the first 2.5ms
	assert.Equal(t, 3, ports[5000])
	assert.Equal(t, 2, ports[5001])
	assert.Less(t, res.Frames[4].TimestampNs, t0.Add(3*time.Millisecond).UnixNano())
}

func TestDNS(t *testing.T) {
	e, clock := newTestEngine(t)
	sid, _ := e.Connect("alice")
	lan := staticPort(t, e, sid, "trunk-1-1", "192.168.0.10", "192.168.0.1")

	capID, err := e.AddCapture(lan.ID, api.CaptureSpec{Filter: "udp src port 53"})
	require.NoError(t, err)
	require.NoError(t, e.StartCapture(capID))

	gw, err := e.Resolve(lan.ID, "10.10.0.53")
	require.NoError(t, err)
	query, err := frame.DNSQuery{
		SrcMAC: mustMAC(t, lan.MAC), DstMAC: mustMAC(t, gw),
		SrcIP: net.ParseIP("192.168.0.10"), DstIP: net.ParseIP("10.10.0.53"),
		SrcPort: 5353, ID: 0x1234, Name: "www.example.com",
	}.Bytes()
	require.NoError(t, err)
	stream, err := e.AddStream(lan.ID, api.StreamSpec{NumberOfFrames: 1, InterFrameGapNs: int64(time.Millisecond), Frames: []api.FrameSpec{{Bytes: frame.Hex(query)}}})
	require.NoError(t, err)
	require.NoError(t, e.StartStream(stream))
	clock.Add(100 * time.Millisecond)

	res, err := e.CaptureResult(capID)
	require.NoError(t, err)
	require.Len(t, res.Frames, 1)
	ans, _, err := frame.ParseDNS(res.Frames[0].Bytes)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), ans.ID)
	require.Len(t, ans.Addresses, 1)
	assert.Equal(t, "93.184.216.34", ans.Addresses[0].String())
}

func TestHTTPSessions(t *testing.T) {
	e, clock := newTestEngine(t)
	sid, _ := e.Connect("alice")
	srvPort := staticPort(t, e, sid, "nontrunk-1", "10.10.0.2", "10.10.0.1")
	cliPort := staticPort(t, e, sid, "nontrunk-1", "10.10.0.3", "10.10.0.1")

	srv, err := e.AddHTTPServer(srvPort.ID, api.HTTPServerSpec{})
	require.NoError(t, err)
	require.NoError(t, e.StartHTTPServer(srv))

	get, err := e.AddHTTPClient(cliPort.ID, api.HTTPClientSpec{RemoteAddress: "10.10.0.2", RemotePort: 80, RequestSize: 1_000_000})
	require.NoError(t, err)
	require.NoError(t, e.StartHTTPClient(get))

	info, err := e.HTTPClientSession(get)
	require.NoError(t, err)
	assert.Equal(t, api.RequestConnecting, info.Status)

	clock.Add(2 * time.Millisecond)
	info, err = e.HTTPClientSession(get)
	require.NoError(t, err)
	assert.Equal(t, api.RequestRunning, info.Status)
	assert.Less(t, info.RxBytes, uint64(1_000_000))

	clock.Add(time.Second)
	info, err = e.HTTPClientSession(get)
	require.NoError(t, err)
	assert.Equal(t, api.RequestFinished, info.Status)
	assert.Equal(t, uint64(1_000_000), info.RxBytes)
	assert.Equal(t, uint64(128), info.TxBytes)
	assert.Positive(t, info.AverageThroughputBps)
	assert.Equal(t, int64(50*time.Microsecond), info.ResponseTimeNs)

	side, err := e.HTTPServerSession(srv, get)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), side.TxBytes)
	assert.Equal(t, uint16(80), side.LocalPort)

	srvInfo, err := e.HTTPServerInfo(srv)
	require.NoError(t, err)
	assert.True(t, srvInfo.Running)
	assert.Equal(t, []string{get}, srvInfo.Clients)

	put, err := e.AddHTTPClient(cliPort.ID, api.HTTPClientSpec{
		RemoteAddress: "10.10.0.2", RemotePort: 80, Method: api.MethodPut,
		DurationNs: int64(2 * time.Second), RateLimit: 1_000_000,
	})
	require.NoError(t, err)
	require.NoError(t, e.StartHTTPClient(put))
	clock.Add(3 * time.Second)
	info, err = e.HTTPClientSession(put)
	require.NoError(t, err)
	assert.Equal(t, api.RequestFinished, info.Status)
	assert.Equal(t, uint64(2_000_000), info.TxBytes)

	refused, err := e.AddHTTPClient(cliPort.ID, api.HTTPClientSpec{RemoteAddress: "10.10.0.2", RemotePort: 8080, RequestSize: 10})
	require.NoError(t, err)
	require.NoError(t, e.StartHTTPClient(refused))
	clock.Add(time.Millisecond)
	info, err = e.HTTPClientSession(refused)
	require.NoError(t, err)
	assert.Equal(t, api.RequestError, info.Status)
	assert.Contains(t, info.ErrorMessage, "10.10.0.2:8080")
}

func TestScheduledHTTPClient(t *testing.T) {
	e, clock := newTestEngine(t)
	sid, _ := e.Connect("alice")
	srvPort := staticPort(t, e, sid, "nontrunk-1", "10.10.0.2", "10.10.0.1")
	cliPort := staticPort(t, e, sid, "nontrunk-1", "10.10.0.3", "10.10.0.1")
	srv, _ := e.AddHTTPServer(srvPort.ID, api.HTTPServerSpec{})
	require.NoError(t, e.StartHTTPServer(srv))

	c, err := e.AddHTTPClient(cliPort.ID, api.HTTPClientSpec{
		RemoteAddress: "10.10.0.2", RemotePort: 80, RequestSize: 1000,
		StartType: api.StartScheduled, InitialWaitNs: int64(100 * time.Millisecond),
	})
	require.NoError(t, err)
	require.NoError(t, e.StartPort(cliPort.ID))

	clock.Add(50 * time.Millisecond)
	info, err := e.HTTPClientSession(c)
	require.NoError(t, err)
	assert.Equal(t, api.RequestScheduled, info.Status)

	clock.Add(time.Second)
	info, err = e.HTTPClientSession(c)
	require.NoError(t, err)
	assert.Equal(t, api.RequestFinished, info.Status)
	assert.Equal(t, t0.Add(100*time.Millisecond).UnixNano(), info.StartedNs)
}

func TestMulticastMembership(t *testing.T) {
	e, clock := newTestEngine(t)
	sid, _ := e.Connect("alice")
	src := staticPort(t, e, sid, "nontrunk-1", "10.10.0.2", "10.10.0.1")
	rcv := staticPort(t, e, sid, "nontrunk-1", "10.10.0.3", "10.10.0.1")

	group := net.ParseIP("239.1.1.1")
	gmac, err := frame.MulticastMAC(group)
	require.NoError(t, err)
	data, err := frame.UDP{
		SrcMAC: mustMAC(t, src.MAC), DstMAC: gmac,
		SrcIP: net.ParseIP("10.10.0.2"), DstIP: group,
		SrcPort: 4096, DstPort: 4096, Size: 128,
	}.Bytes()
	require.NoError(t, err)
	stream, err := e.AddStream(src.ID, api.StreamSpec{NumberOfFrames: 10, InterFrameGapNs: int64(10 * time.Millisecond), Frames: []api.FrameSpec{{Bytes: frame.Hex(data)}}})
	require.NoError(t, err)
	trig, err := e.AddTrigger(rcv.ID, api.TriggerSpec{Filter: filter.UDPTo("239.1.1.1", 4096)})
	require.NoError(t, err)

	m, err := e.AddMulticastSession(rcv.ID, api.MulticastSessionSpec{Group: "239.1.1.1"})
	require.NoError(t, err)
	require.NoError(t, e.StartStream(stream))

	clock.Add(45 * time.Millisecond)
	require.NoError(t, e.Listen(m, api.ListenRequest{Mode: api.FilterExclude}))
	clock.Add(time.Second)

	tr, err := e.TriggerResult(trig)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), tr.Cumulative.PacketCount, "frames sent before the join are not delivered")

	info, err := e.MulticastSessionInfo(m)
	require.NoError(t, err)
	assert.Equal(t, "IGMPv3", info.Protocol)
	assert.True(t, info.Joined)
	assert.Equal(t, uint64(1), info.ReportsSent)

	require.NoError(t, e.Leave(m))
	info, err = e.MulticastSessionInfo(m)
	require.NoError(t, err)
	assert.False(t, info.Joined)
	assert.Equal(t, uint64(1), info.LeavesSent)
	assert.True(t, api.HasCode(e.Leave(m), api.CodeInvalidState))

	_, err = e.AddMulticastSession(rcv.ID, api.MulticastSessionSpec{Group: "10.0.0.1"})
	assert.True(t, api.HasCode(err, api.CodeBadRequest))
}

func TestMulticastSourceFilter(t *testing.T) {
	m := &mcastSession{mode: api.FilterInclude, sources: []net.IP{net.ParseIP("10.0.0.1")}}
	assert.True(t, m.accepts(net.ParseIP("10.0.0.1")))
	assert.False(t, m.accepts(net.ParseIP("10.0.0.2")))

	m.mode = api.FilterExclude
	assert.False(t, m.accepts(net.ParseIP("10.0.0.1")))
	assert.True(t, m.accepts(net.ParseIP("10.0.0.2")))
}

func TestSessionsAndUsers(t *testing.T) {
	e, _ := newTestEngine(t)
	alice, err := e.Connect("alice")
	require.NoError(t, err)
	bob, err := e.Connect("bob")
	require.NoError(t, err)
	_, err = e.Connect("")
	assert.True(t, api.HasCode(err, api.CodeBadRequest))

	p, err := e.CreatePort(alice, "trunk-1-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Owner)
	_, err = e.CreatePort(alice, "trunk-9-9")
	assert.True(t, api.HasCode(err, api.CodeNotFound))

	users := e.Users()
	assert.Contains(t, users, api.User{Name: "alice", Interface: "trunk-1-1"})
	assert.Contains(t, users, api.User{Name: "bob"})

	require.NoError(t, e.Disconnect(alice))
	_, err = e.PortInfo(p.ID)
	assert.True(t, api.HasCode(err, api.CodeNotFound), "ports die with their session")
	require.NoError(t, e.Disconnect(bob))
	assert.Empty(t, e.Users())
	assert.True(t, api.HasCode(e.Disconnect(bob), api.CodeNotFound))
}

func TestServiceInfo(t *testing.T) {
	e, clock := newTestEngine(t, func(c *Config) { c.Hostname = "bb-sim" })
	info := e.ServiceInfo()
	assert.Equal(t, "bb-sim", info.Hostname)
	assert.Equal(t, "2.22.0", info.Version)
	assert.Equal(t, api.Version, info.APIVersion)
	assert.Len(t, info.Interfaces, 6)
	assert.Equal(t, clock.Now().UnixNano(), e.Timestamp().TimestampNs)
}

type stubPinger struct {
	calls int
}

func (s *stubPinger) Ping(string, time.Duration, int) (PingHandle, error) {
	s.calls++
	return stubHandle{}, nil
}

type stubHandle struct{}

func (stubHandle) Stop() {}

func (stubHandle) Stats() PingStats {
	return PingStats{Sent: 3, Received: 2, MinRtt: time.Millisecond, AvgRtt: 2 * time.Millisecond, MaxRtt: 3 * time.Millisecond}
}

func TestICMPSession(t *testing.T) {
	pinger := &stubPinger{}
	clock := &fakeClock{now: t0}
	e, err := NewEngine(NewConfig(), zap.NewNop(), WithClock(clock.Now), WithPinger(pinger))
	require.NoError(t, err)
	sid, _ := e.Connect("alice")
	a := staticPort(t, e, sid, "nontrunk-1", "10.10.0.2", "10.10.0.1")
	staticPort(t, e, sid, "nontrunk-1", "10.10.0.3", "10.10.0.1")

	local, err := e.AddICMPSession(a.ID, api.ICMPSessionSpec{RemoteAddress: "10.10.0.3", IntervalNs: int64(100 * time.Millisecond)})
	require.NoError(t, err)
	require.NoError(t, e.StartICMPSession(local))
	clock.Add(450 * time.Millisecond)
	info, err := e.ICMPSessionInfo(local)
	require.NoError(t, err)
	assert.True(t, info.Running)
	assert.Equal(t, uint64(5), info.EchoRequests)
	assert.Positive(t, info.EchoReplies)
	assert.True(t, api.HasCode(e.UpdateICMPSession(local, api.ICMPSessionSpec{RemoteAddress: "10.10.0.3"}), api.CodeInvalidState))
	require.NoError(t, e.StopICMPSession(local))
	require.NoError(t, e.UpdateICMPSession(local, api.ICMPSessionSpec{RemoteAddress: "10.10.0.1"}))

	remote, err := e.AddICMPSession(a.ID, api.ICMPSessionSpec{RemoteAddress: "192.0.2.1"})
	require.NoError(t, err)
	require.NoError(t, e.StartICMPSession(remote))
	assert.Equal(t, 1, pinger.calls)
	info, err = e.ICMPSessionInfo(remote)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), info.EchoRequests)
	assert.Equal(t, uint64(2), info.EchoReplies)
}

func TestConfigValidate(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, cfg.Validate())

	bad := NewConfig()
	bad.Interfaces = append(bad.Interfaces, bad.Interfaces[0])
	assert.ErrorContains(t, bad.Validate(), "duplicate interface")

	bad = NewConfig()
	bad.NAT.PublicIP = "2001:db8::1"
	assert.Error(t, bad.Validate())

	bad = NewConfig()
	bad.Interfaces[0].Role = "dmz"
	assert.ErrorContains(t, bad.Validate(), "role")
}
