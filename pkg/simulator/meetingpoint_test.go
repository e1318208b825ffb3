package simulator

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/takehaya/tgctl/pkg/api"
	"github.com/takehaya/tgctl/pkg/filter"
	"github.com/takehaya/tgctl/pkg/frame"
)

func firstDevice(t *testing.T, e *Engine) api.Device {
	t.Helper()
	devs := e.Devices()
	require.NotEmpty(t, devs)
	return devs[0]
}

func TestDeviceLocking(t *testing.T) {
	e, _ := newTestEngine(t)
	alice, _ := e.Connect("alice")
	bob, _ := e.Connect("bob")
	dev := firstDevice(t, e)
	assert.Equal(t, api.DeviceAvailable, dev.Status)
	assert.True(t, dev.Capabilities[api.CapabilityLatencyDistribution])
	assert.Equal(t, "192.168.0.50", dev.Network.IPv4)
	require.Len(t, dev.Network.Interfaces, 1)
	assert.Equal(t, "wlan0", dev.Network.Interfaces[0].Name)

	require.NoError(t, e.LockDevice(alice, dev.UUID, true))
	got, err := e.Device(dev.UUID)
	require.NoError(t, err)
	assert.Equal(t, api.DeviceReserved, got.Status)
	assert.Equal(t, "alice", got.LockedBy)

	err = e.LockDevice(bob, dev.UUID, true)
	assert.True(t, api.HasCode(err, api.CodeLocked))
	err = e.SetScenarioDuration(bob, dev.UUID, time.Second)
	assert.True(t, api.HasCode(err, api.CodeLocked))

	require.NoError(t, e.LockDevice(alice, dev.UUID, false))
	got, _ = e.Device(dev.UUID)
	assert.Equal(t, api.DeviceAvailable, got.Status)

	_, err = e.Device("no-such-device")
	assert.True(t, api.HasCode(err, api.CodeNotFound))
}

func TestDeviceUnavailable(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) {
		c.Devices[0].Unavailable = true
		c.Devices[0].Capabilities = []string{api.CapabilityTxUDP}
	})
	alice, _ := e.Connect("alice")
	dev := firstDevice(t, e)
	assert.Equal(t, api.DeviceUnavailable, dev.Status)
	assert.False(t, dev.Capabilities[api.CapabilityLatencyDistribution])
	assert.True(t, api.HasCode(e.LockDevice(alice, dev.UUID, true), api.CodeUnavailable))
}

func TestDeviceScenarioLifecycle(t *testing.T) {
	e, clock := newTestEngine(t)
	alice, _ := e.Connect("alice")
	dev := firstDevice(t, e)
	require.NoError(t, e.LockDevice(alice, dev.UUID, true))

	_, err := e.StartDevice(alice, dev.UUID)
	assert.True(t, api.HasCode(err, api.CodeInvalidState), "start needs prepare")

	_, err = e.AddDeviceStream(alice, dev.UUID, api.DeviceStreamSpec{
		Payload: "aa", NumberOfFrames: 100, InterFrameGapNs: int64(10 * time.Millisecond),
		SourcePort: 4096, DestinationPort: 4096, DestinationAddress: "10.10.0.2",
	})
	require.NoError(t, err)
	require.NoError(t, e.PrepareDevice(alice, dev.UUID))
	got, _ := e.Device(dev.UUID)
	assert.Equal(t, api.DeviceArmed, got.Status)
	assert.Equal(t, int64(time.Second), got.ScenarioDurationNs, "duration defaults to the longest stream")

	start, err := e.StartDevice(alice, dev.UUID)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Second).UnixNano(), start)
	got, _ = e.Device(dev.UUID)
	assert.Equal(t, api.DeviceArmed, got.Status)

	clock.Add(1500 * time.Millisecond)
	got, _ = e.Device(dev.UUID)
	assert.Equal(t, api.DeviceRunning, got.Status)
	assert.True(t, api.HasCode(e.PrepareDevice(alice, dev.UUID), api.CodeInvalidState))

	clock.Add(time.Second)
	got, _ = e.Device(dev.UUID)
	assert.Equal(t, api.DeviceReserved, got.Status)

	require.NoError(t, e.Disconnect(alice))
	got, _ = e.Device(dev.UUID)
	assert.Equal(t, api.DeviceAvailable, got.Status)
	assert.Empty(t, got.LockedBy)
}

func TestDeviceSecondScenarioAfterShortRun(t *testing.T) {
	e, clock := newTestEngine(t)
	alice, _ := e.Connect("alice")
	dev := firstDevice(t, e)
	require.NoError(t, e.LockDevice(alice, dev.UUID, true))

	require.NoError(t, e.SetScenarioDuration(alice, dev.UUID, time.Millisecond))
	require.NoError(t, e.PrepareDevice(alice, dev.UUID))
	_, err := e.StartDevice(alice, dev.UUID)
	require.NoError(t, err)
	clock.Add(1100 * time.Millisecond)
	got, _ := e.Device(dev.UUID)
	require.Equal(t, api.DeviceReserved, got.Status)

	// a longer duration must not stretch the scenario that already ended
	require.NoError(t, e.SetScenarioDuration(alice, dev.UUID, 5*time.Second))
	got, _ = e.Device(dev.UUID)
	assert.Equal(t, api.DeviceReserved, got.Status)
	require.NoError(t, e.PrepareDevice(alice, dev.UUID))

	start, err := e.StartDevice(alice, dev.UUID)
	require.NoError(t, err)
	clock.Set(time.Unix(0, start).Add(4 * time.Second))
	got, _ = e.Device(dev.UUID)
	assert.Equal(t, api.DeviceRunning, got.Status)
	assert.Equal(t, int64(5*time.Second), got.ScenarioDurationNs)

	clock.Add(time.Second)
	got, _ = e.Device(dev.UUID)
	assert.Equal(t, api.DeviceReserved, got.Status)
}

func TestDeviceUpstreamThroughNAT(t *testing.T) {
	e, clock := newTestEngine(t)
	alice, _ := e.Connect("alice")
	wan := staticPort(t, e, alice, "nontrunk-1", "10.10.0.2", "10.10.0.1")
	dev := firstDevice(t, e)

	trig, err := e.AddTrigger(wan.ID, api.TriggerSpec{Filter: filter.UDPToDstPort("10.10.0.2", 5000)})
	require.NoError(t, err)
	capID, err := e.AddCapture(wan.ID, api.CaptureSpec{Filter: filter.UDPPort(5000)})
	require.NoError(t, err)
	require.NoError(t, e.StartCapture(capID))

	require.NoError(t, e.LockDevice(alice, dev.UUID, true))
	_, err = e.AddDeviceStream(alice, dev.UUID, api.DeviceStreamSpec{
		Payload: "aabbcc", NumberOfFrames: 20, InterFrameGapNs: int64(time.Millisecond),
		SourcePort: 4000, DestinationPort: 5000, DestinationAddress: "10.10.0.2",
	})
	require.NoError(t, err)
	require.NoError(t, e.PrepareDevice(alice, dev.UUID))
	_, err = e.StartDevice(alice, dev.UUID)
	require.NoError(t, err)

	clock.Add(500 * time.Millisecond)
	tr, err := e.TriggerResult(trig)
	require.NoError(t, err)
	assert.Zero(t, tr.Cumulative.PacketCount, "the scenario has not started yet")

	clock.Add(time.Second)
	tr, err = e.TriggerResult(trig)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), tr.Cumulative.PacketCount)

	res, err := e.CaptureResult(capID)
	require.NoError(t, err)
	require.NotEmpty(t, res.Frames)
	src, _, err := frame.UDPEndpoints(res.Frames[0].Bytes)
	require.NoError(t, err)
	assert.Equal(t, "10.10.0.254:34000", src.String())
}

func TestLatencyDistribution(t *testing.T) {
	e, clock := newTestEngine(t)
	alice, _ := e.Connect("alice")
	lan := staticPort(t, e, alice, "trunk-1-1", "192.168.0.10", "192.168.0.1")
	dev := firstDevice(t, e)

	stream := udpStream(t, e, lan, "192.168.0.50", 4096, 252, 100, time.Millisecond, true)

	require.NoError(t, e.LockDevice(alice, dev.UUID, true))
	require.NoError(t, e.SetScenarioDuration(alice, dev.UUID, 200*time.Millisecond))
	_, err := e.AddLatencyDistribution(alice, dev.UUID, api.LatencyDistributionSpec{Buckets: 10})
	assert.True(t, api.HasCode(err, api.CodeBadRequest))

	hist, err := e.AddLatencyDistribution(alice, dev.UUID, api.LatencyDistributionSpec{
		SourcePort: 4096, DestinationPort: 4096, SourceAddress: "192.168.0.10",
		RangeMinNs: int64(time.Millisecond), RangeMaxNs: int64(3 * time.Millisecond), Buckets: 10,
	})
	require.NoError(t, err)
	require.NoError(t, e.PrepareDevice(alice, dev.UUID))
	startNs, err := e.StartDevice(alice, dev.UUID)
	require.NoError(t, err)

	clock.Set(time.Unix(0, startNs).Add(10 * time.Millisecond))
	require.NoError(t, e.StartStream(stream))
	clock.Add(time.Second)

	res, err := e.LatencyDistributionResult(hist)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), res.Cumulative.PacketCount)
	assert.Equal(t, int64(200*time.Microsecond), res.BucketWidthNs)
	require.Len(t, res.Buckets, 10)
	// 2ms radio latency plus 25us base plus up to 10us jitter
	assert.Equal(t, uint64(100), res.Buckets[5])
	assert.Zero(t, res.BelowMin)
	assert.Zero(t, res.AboveMax)
	assert.GreaterOrEqual(t, res.Latency.MinNs, int64(2025*time.Microsecond))

	require.NoError(t, e.RemoveLatencyDistribution(hist))
	_, err = e.LatencyDistributionResult(hist)
	assert.True(t, api.HasCode(err, api.CodeNotFound))
}

func TestDeviceStreamRequiresCapability(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) {
		c.Devices[0].Capabilities = []string{api.CapabilityLatencyBasic}
	})
	alice, _ := e.Connect("alice")
	dev := firstDevice(t, e)
	require.NoError(t, e.LockDevice(alice, dev.UUID, true))

	_, err := e.AddDeviceStream(alice, dev.UUID, api.DeviceStreamSpec{
		NumberOfFrames: 1, InterFrameGapNs: 1, DestinationAddress: "10.10.0.2",
	})
	assert.True(t, api.HasCode(err, api.CodeUnsupported))

	_, err = e.AddLatencyDistribution(alice, dev.UUID, api.LatencyDistributionSpec{RangeMaxNs: 10, Buckets: 1})
	assert.True(t, api.HasCode(err, api.CodeUnsupported))
}

func TestDeviceOwnsAddresses(t *testing.T) {
	d := newDevice(DeviceConfig{UUID: "d1", IPv4: "192.168.0.50", IPv6: []string{"2001:db8::50", "bogus"}, MAC: "02:00:00:00:00:01"})
	assert.True(t, d.ownsIP(net.ParseIP("192.168.0.50"), t0))
	assert.True(t, d.ownsIP(net.ParseIP("2001:db8::50"), t0))
	assert.False(t, d.ownsIP(net.ParseIP("192.168.0.51"), t0))
	assert.Len(t, d.ip6, 1)
	assert.True(t, d.behindNAT())
}

func TestDeviceHTTPClient(t *testing.T) {
	e, clock := newTestEngine(t)
	alice, _ := e.Connect("alice")
	wan := staticPort(t, e, alice, "nontrunk-1", "10.10.0.2", "10.10.0.1")
	srv, err := e.AddHTTPServer(wan.ID, api.HTTPServerSpec{Port: 4096})
	require.NoError(t, err)
	require.NoError(t, e.StartHTTPServer(srv))
	dev := firstDevice(t, e)

	_, err = e.AddDeviceHTTPClient(alice, dev.UUID, api.HTTPClientSpec{RemoteAddress: "10.10.0.2", RemotePort: 4096})
	assert.True(t, api.HasCode(err, api.CodeLocked))

	require.NoError(t, e.LockDevice(alice, dev.UUID, true))
	_, err = e.AddDeviceHTTPClient(alice, dev.UUID, api.HTTPClientSpec{Method: api.MethodPut})
	assert.True(t, api.HasCode(err, api.CodeBadRequest), "the remote is required")

	cid, err := e.AddDeviceHTTPClient(alice, dev.UUID, api.HTTPClientSpec{
		RemoteAddress: "10.10.0.2", RemotePort: 4096, Method: api.MethodPut,
		DurationNs: int64(time.Second), LatencyEnabled: true,
	})
	require.NoError(t, err)
	assert.True(t, api.HasCode(e.StartHTTPClient(cid), api.CodeInvalidState))

	require.NoError(t, e.PrepareDevice(alice, dev.UUID))
	got, _ := e.Device(dev.UUID)
	// one second of transfer after the handshake over the radio
	assert.Equal(t, int64(time.Second+4050*time.Microsecond), got.ScenarioDurationNs)

	start, err := e.StartDevice(alice, dev.UUID)
	require.NoError(t, err)
	info, err := e.HTTPClientSession(cid)
	require.NoError(t, err)
	assert.Equal(t, api.RequestScheduled, info.Status)

	clock.Set(time.Unix(0, start).Add(2 * time.Second))
	sess, err := e.HTTPServerSession(srv, cid)
	require.NoError(t, err)
	assert.Equal(t, api.RequestFinished, sess.Status)
	assert.Greater(t, sess.RxBytes, uint64(0))
	require.NotNil(t, sess.Latency)
	assert.GreaterOrEqual(t, sess.Latency.MinNs, int64(2025*time.Microsecond))
	assert.LessOrEqual(t, sess.Latency.MaxNs, int64(2035*time.Microsecond))

	hist, err := e.HTTPServerSessionHistory(srv, cid, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, hist, 11)
	var rx uint64
	for _, s := range hist {
		rx += s.RxBytes
		require.NotNil(t, s.Latency)
	}
	assert.Equal(t, sess.RxBytes, rx)
	assert.Equal(t, int64(100*time.Millisecond), hist[0].IntervalNs)
	assert.Equal(t, int64(4050*time.Microsecond), hist[10].IntervalNs)

	_, err = e.HTTPServerSessionHistory(srv, cid, -time.Second)
	assert.True(t, api.HasCode(err, api.CodeBadRequest))

	require.NoError(t, e.LockDevice(alice, dev.UUID, false))
	_, err = e.HTTPClientSession(cid)
	assert.True(t, api.HasCode(err, api.CodeNotFound), "releasing the device drops its clients")
}

func TestLatencyBasic(t *testing.T) {
	e, clock := newTestEngine(t)
	alice, _ := e.Connect("alice")
	lan := staticPort(t, e, alice, "trunk-1-1", "192.168.0.10", "192.168.0.1")
	dev := firstDevice(t, e)
	stream := udpStream(t, e, lan, "192.168.0.50", 4096, 252, 100, time.Millisecond, true)

	require.NoError(t, e.LockDevice(alice, dev.UUID, true))
	require.NoError(t, e.SetScenarioDuration(alice, dev.UUID, 200*time.Millisecond))
	trig, err := e.AddLatencyBasic(alice, dev.UUID, api.LatencyBasicSpec{
		SourcePort: 4096, DestinationPort: 4096, SourceAddress: "192.168.0.10",
	})
	require.NoError(t, err)
	other, err := e.AddLatencyBasic(alice, dev.UUID, api.LatencyBasicSpec{DestinationPort: 5000})
	require.NoError(t, err)

	res, err := e.LatencyBasicResult(trig)
	require.NoError(t, err)
	assert.Zero(t, res.Cumulative.PacketCount, "nothing before the scenario")

	require.NoError(t, e.PrepareDevice(alice, dev.UUID))
	startNs, err := e.StartDevice(alice, dev.UUID)
	require.NoError(t, err)
	clock.Set(time.Unix(0, startNs).Add(10 * time.Millisecond))
	require.NoError(t, e.StartStream(stream))
	clock.Add(time.Second)

	res, err = e.LatencyBasicResult(trig)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), res.Cumulative.PacketCount)
	require.NotNil(t, res.Latency)
	assert.GreaterOrEqual(t, res.Latency.MinNs, int64(2025*time.Microsecond))
	assert.LessOrEqual(t, res.Latency.MaxNs, int64(2035*time.Microsecond))
	assert.GreaterOrEqual(t, res.Latency.AvgNs, res.Latency.MinNs)

	res, err = e.LatencyBasicResult(other)
	require.NoError(t, err)
	assert.Zero(t, res.Cumulative.PacketCount)

	_, err = e.LatencyDistributionResult(trig)
	assert.True(t, api.HasCode(err, api.CodeInvalidState))
	require.NoError(t, e.RemoveLatencyDistribution(trig))
	_, err = e.LatencyBasicResult(trig)
	assert.True(t, api.HasCode(err, api.CodeNotFound))
}

func TestNetworkMonitor(t *testing.T) {
	e, clock := newTestEngine(t)
	alice, _ := e.Connect("alice")
	dev := firstDevice(t, e)
	require.Len(t, dev.Network.Interfaces, 1)
	assert.Equal(t, 36, dev.Network.Interfaces[0].Channel)
	require.NoError(t, e.LockDevice(alice, dev.UUID, true))

	_, err := e.AddNetworkMonitor(alice, dev.UUID, api.NetworkMonitorSpec{Interface: "eth9"})
	assert.True(t, api.HasCode(err, api.CodeBadRequest))
	mon, err := e.AddNetworkMonitor(alice, dev.UUID, api.NetworkMonitorSpec{IntervalNs: int64(100 * time.Millisecond)})
	require.NoError(t, err)

	hist, err := e.NetworkMonitorHistory(mon)
	require.NoError(t, err)
	assert.Empty(t, hist)

	require.NoError(t, e.SetScenarioDuration(alice, dev.UUID, time.Second))
	require.NoError(t, e.PrepareDevice(alice, dev.UUID))
	startNs, err := e.StartDevice(alice, dev.UUID)
	require.NoError(t, err)
	start := time.Unix(0, startNs)

	clock.Set(start.Add(450 * time.Millisecond))
	hist, err = e.NetworkMonitorHistory(mon)
	require.NoError(t, err)
	assert.Len(t, hist, 5)

	clock.Set(start.Add(3 * time.Second))
	hist, err = e.NetworkMonitorHistory(mon)
	require.NoError(t, err)
	require.Len(t, hist, 10)
	assert.Equal(t, startNs, hist[0].TimestampNs)
	w := hist[0].Interfaces[0]
	assert.Equal(t, "wlan0", w.Name)
	assert.Equal(t, "tgctl-lab", w.SSID)
	assert.Equal(t, "02:00:00:aa:bb:cc", w.BSSID)
	assert.Equal(t, 36, w.Channel)
	assert.Equal(t, uint64(866700000), w.TxRateBps)
	assert.Equal(t, -55, w.RSSI)
	assert.Equal(t, -58, hist[2].Interfaces[0].RSSI)

	require.NoError(t, e.RemoveNetworkMonitor(mon))
	_, err = e.NetworkMonitorHistory(mon)
	assert.True(t, api.HasCode(err, api.CodeNotFound))
}

func TestNetworkMonitorRequiresCapability(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) {
		c.Devices[0].Capabilities = []string{api.CapabilityTxUDP}
	})
	alice, _ := e.Connect("alice")
	dev := firstDevice(t, e)
	require.NoError(t, e.LockDevice(alice, dev.UUID, true))

	_, err := e.AddNetworkMonitor(alice, dev.UUID, api.NetworkMonitorSpec{})
	assert.True(t, api.HasCode(err, api.CodeUnsupported))
	_, err = e.AddLatencyBasic(alice, dev.UUID, api.LatencyBasicSpec{})
	assert.True(t, api.HasCode(err, api.CodeUnsupported))
}
