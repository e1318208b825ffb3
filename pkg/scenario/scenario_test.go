package scenario

import (
	"bytes"
	"context"
	"math"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/takehaya/tgctl/pkg/api"
	"github.com/takehaya/tgctl/pkg/client"
	"github.com/takehaya/tgctl/pkg/config"
	"github.com/takehaya/tgctl/pkg/frame"
	"github.com/takehaya/tgctl/pkg/report"
	"github.com/takehaya/tgctl/pkg/simulator"
	"go.uber.org/zap"
)

// newEnv starts a simulator with a short interval and start delay and
// connects a server and a meeting point to it.
func newEnv(t *testing.T, mutate ...func(*simulator.Config)) (*Env, *bytes.Buffer) {
	t.Helper()
	ctx := context.Background()
	cfg := simulator.NewConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.StartDelay = 10 * time.Millisecond
	cfg.DNS.Records = map[string][]string{"www.example.com": {"93.184.216.34"}}
	for _, m := range mutate {
		m(&cfg)
	}
	e, err := simulator.NewEngine(cfg, zap.NewNop())
	require.NoError(t, err)
	ts := httptest.NewServer(simulator.NewServer(e, zap.NewNop()).Handler())

	srv, err := client.Connect(ctx, ts.URL, client.WithUser("scenario-test"))
	require.NoError(t, err)
	mp, err := client.ConnectMeetingPoint(ctx, ts.URL, client.WithUser("scenario-test"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = mp.Close(ctx)
		_ = srv.Close(ctx)
		ts.Close()
		_ = e.Close()
	})

	var out bytes.Buffer
	return &Env{
		Server:       srv,
		MeetingPoint: mp,
		Log:          zap.NewNop(),
		Out:          &out,
		Interval:     20 * time.Millisecond,
	}, &out
}

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func runScenario(t *testing.T, env *Env, name, yamlConfig string) *report.Result {
	t.Helper()
	path := ""
	if yamlConfig != "" {
		path = writeConfig(t, yamlConfig)
	}
	s, err := Load(name, path, env)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := Run(ctx, s, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, name, res.Scenario)
	assert.False(t, res.Finished.IsZero())
	return res
}

func field(t *testing.T, res *report.Result, name string) interface{} {
	t.Helper()
	v, ok := res.Get(name)
	require.True(t, ok, "field %s missing", name)
	return v
}

const shortTraffic = `
number_of_frames: 100
inter_frame_gap: 1ms
settle: 50ms
`

func TestRegistry(t *testing.T) {
	all := All()
	require.Len(t, all, len(registry))
	names := make([]string, len(all))
	for i, d := range all {
		names[i] = d.Name
	}
	assert.True(t, sort.StringsAreSorted(names))

	for _, d := range all {
		t.Run(d.Name, func(t *testing.T) {
			assert.NotEmpty(t, d.Description)
			assert.True(t, d.NeedsServer || d.NeedsMeetingPoint)
			cfg := d.Config()
			require.NoError(t, config.Load("", cfg), "defaults must be valid")
			s := d.New(&Env{}, cfg)
			assert.Equal(t, d.Name, s.Name())
		})
	}

	_, err := Lookup("no-such-scenario")
	assert.Error(t, err)
	_, err = Load("no-such-scenario", "", &Env{})
	assert.Error(t, err)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name     string
		scenario string
		yaml     string
	}{
		{"mixed ip versions", "ipv4", "port_2:\n  interface: trunk-1-2\n  ip: slaac\n"},
		{"no frames", "ipv4", "number_of_frames: 0\n"},
		{"bad static ip", "ipv4", "port_1:\n  interface: trunk-1-1\n  ip: [192.168.0.300, 255.255.255.0, 192.168.0.1]\n"},
		{"tcp without size or duration", "tcp", "request_size: 0\n"},
		{"tcp bad method", "tcp", "http_method: PATCH\n"},
		{"unknown flow port", "ipv4-multiflow", "flows:\n  - source: p1\n    destination: p9\n"},
		{"flow to itself", "ipv4-multiflow", "flows:\n  - source: p1\n    destination: p1\n"},
		{"one sided vlan", "eth-vlan", "port_1:\n  vlan: null\n"},
		{"frame plugin on ethernet", "eth-vlan", "frame_plugin: udpframe\n"},
		{"only load clients", "http-multiclient", "http_clients:\n  - is_load: true\n"},
		{"not a multicast group", "ipv4-multicast", "group: 10.0.0.1\n"},
		{"group family", "ipv4-multicast", "group: ff05::1:3\n"},
		{"tcp negative sample interval", "tcp", "sample_interval: -1s\n"},
		{"no wireless endpoints", "wireless-tcp", "device_count: 0\n"},
		{"wireless tcp over ipv6", "wireless-tcp", "port:\n  ip: slaac\n"},
		{"no monitored interface", "wireless-networkinfo", "interface: \"\"\n"},
		{"ipv6 nat", "nat-discovery", "lan:\n  interface: trunk-1-1\n  ip: slaac\n"},
		{"empty query", "dns-request", "query: ' '\n"},
		{"ping target", "ping", "target: nowhere\n"},
		{"ping count", "ping", "count: 0\n"},
		{"histogram range", "wireless-latency-histogram", "range_min: 10ms\nrange_max: 5ms\n"},
		{"device payload", "wireless-udp-up", "payload_size: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.scenario, writeConfig(t, tt.yaml), &Env{})
			assert.Error(t, err)
		})
	}
}

func TestMultiFlowDefaultsPerListElement(t *testing.T) {
	cfg := multiFlowConfig().(*MultiFlowConfig)
	require.NoError(t, config.Load(writeConfig(t, `
flows:
  - source: p1
    destination: p3
  - name: back
    source: p3
    destination: p1
    udp_dst_port: 5000
`), cfg))
	require.Len(t, cfg.Flows, 2)
	assert.Equal(t, "p1->p3", cfg.Flows[0].Name)
	assert.EqualValues(t, 4096, cfg.Flows[0].UDPDstPort)
	assert.EqualValues(t, 10000, cfg.Flows[0].NumberOfFrames)
	assert.Equal(t, time.Millisecond, cfg.Flows[0].InterFrameGap)
	assert.Equal(t, "back", cfg.Flows[1].Name)
	assert.EqualValues(t, 5000, cfg.Flows[1].UDPDstPort)
	assert.Len(t, cfg.Ports, 3)
}

func TestTrafficDuration(t *testing.T) {
	d, err := Traffic{NumberOfFrames: 100, FrameSize: 512, InterFrameGap: 2 * time.Millisecond}.Duration()
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, d)

	byRate := Traffic{NumberOfFrames: 10, FrameSize: 512, Throughput: 100}
	gap, err := byRate.Gap()
	require.NoError(t, err)
	want, err := frame.InterFrameGap(512, 100)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(want), gap)
	d, err = byRate.Duration()
	require.NoError(t, err)
	assert.Equal(t, 10*gap, d)

	_, err = Traffic{NumberOfFrames: 10, FrameSize: 512, Throughput: math.Inf(1)}.Duration()
	assert.ErrorContains(t, err, "no inter frame gap")

	flows := multiFlowConfig().(*MultiFlowConfig)
	require.NoError(t, config.Load(writeConfig(t, `
flows:
  - source: p1
    destination: p2
    throughput: .inf
`), flows))
	_, err = flows.Flows[0].Duration()
	assert.Error(t, err)
}

func TestUDPBlast(t *testing.T) {
	for _, name := range []string{"ipv4", "ipv4-vlan", "ipv6"} {
		t.Run(name, func(t *testing.T) {
			env, out := newEnv(t)
			res := runScenario(t, env, name, shortTraffic)
			assert.EqualValues(t, 100, field(t, res, "tx_frames"))
			assert.EqualValues(t, 100, field(t, res, "rx_frames"))
			assert.EqualValues(t, 0, field(t, res, "loss_percent"))
			assert.EqualValues(t, 512, field(t, res, "frame_size"))
			require.NotNil(t, res.Series)
			assert.NotEmpty(t, res.Series.Rows)
			assert.Contains(t, out.String(), "Sent 100 frames, received 100 frames")
		})
	}
}

func TestUDPBlastThroughput(t *testing.T) {
	env, out := newEnv(t)
	res := runScenario(t, env, "ipv4", "number_of_frames: 50\nthroughput: 10\nsettle: 50ms\n")
	assert.EqualValues(t, 50, field(t, res, "rx_frames"))
	gap := field(t, res, "inter_frame_gap").(time.Duration)
	assert.Greater(t, gap, time.Duration(0))
	assert.Contains(t, out.String(), "translates to an inter-frame-gap")
}

func TestUDPLatency(t *testing.T) {
	env, _ := newEnv(t)
	res := runScenario(t, env, "ipv4-latency", shortTraffic)
	assert.EqualValues(t, 100, field(t, res, "rx_frames"))
	lmin := field(t, res, "latency_min").(time.Duration)
	lmax := field(t, res, "latency_max").(time.Duration)
	assert.Greater(t, lmin, time.Duration(0))
	assert.GreaterOrEqual(t, lmax, lmin)
	field(t, res, "jitter")
}

func TestMultiFlow(t *testing.T) {
	env, _ := newEnv(t)
	res := runScenario(t, env, "ipv4-multiflow", `
flows:
  - source: p1
    destination: p2
    number_of_frames: 50
    settle: 50ms
  - source: p2
    destination: p3
    udp_src_port: 4097
    number_of_frames: 80
    settle: 50ms
`)
	assert.EqualValues(t, 50, field(t, res, "p1->p2.rx_frames"))
	assert.EqualValues(t, 80, field(t, res, "p2->p3.rx_frames"))
	assert.EqualValues(t, 130, field(t, res, "total.tx_frames"))
	assert.EqualValues(t, 130, field(t, res, "total.rx_frames"))
	_, ok := res.Get("p3->p1.rx_frames")
	assert.False(t, ok)
}

func TestMulticast(t *testing.T) {
	for name, protocol := range map[string]string{"ipv4-multicast": "IGMPv3", "ipv6-multicast": "MLDv2"} {
		t.Run(name, func(t *testing.T) {
			env, _ := newEnv(t)
			res := runScenario(t, env, name, shortTraffic)
			assert.EqualValues(t, 100, field(t, res, "tx_frames"))
			for _, l := range []string{"listener-1", "listener-2"} {
				assert.EqualValues(t, 100, field(t, res, l+".rx_frames"))
				assert.EqualValues(t, protocol, field(t, res, l+".protocol"))
				assert.EqualValues(t, 1, field(t, res, l+".leaves_sent"))
			}
		})
	}
}

func TestEthernetVLAN(t *testing.T) {
	env, _ := newEnv(t)
	res := runScenario(t, env, "eth-vlan", shortTraffic)
	assert.EqualValues(t, 100, field(t, res, "tx_frames"))
	assert.EqualValues(t, 100, field(t, res, "rx_frames"))
}

func TestTCP(t *testing.T) {
	for _, method := range []string{"GET", "PUT"} {
		t.Run(method, func(t *testing.T) {
			env, out := newEnv(t)
			res := runScenario(t, env, "tcp", "http_method: "+method+"\nrequest_size: 100000\nfinish_timeout: 10s\n")
			assert.Equal(t, string(api.RequestFinished), field(t, res, "status"))
			assert.EqualValues(t, method, field(t, res, "method"))
			rx := field(t, res, "rx_bytes").(uint64)
			assert.EqualValues(t, 100000, rx)
			assert.Contains(t, out.String(), "Mbps")
		})
	}
}

func TestTCPLatencyHistory(t *testing.T) {
	env, out := newEnv(t)
	res := runScenario(t, env, "tcp", "http_method: PUT\nduration: 200ms\nlatency: true\nsample_interval: 50ms\nfinish_timeout: 10s\n")
	assert.Equal(t, string(api.RequestFinished), field(t, res, "status"))
	assert.Greater(t, field(t, res, "rx_bytes").(uint64), uint64(0))
	lmin := field(t, res, "latency_min").(time.Duration)
	assert.GreaterOrEqual(t, lmin, 25*time.Microsecond)
	assert.LessOrEqual(t, lmin, field(t, res, "latency_max").(time.Duration))
	assert.Contains(t, out.String(), "One-way Latency")

	// 200ms of transfer after the handshake, the last interval is partial
	require.NotNil(t, res.Series)
	require.Len(t, res.Series.Rows, 5)
	var rx uint64
	for _, row := range res.Series.Rows {
		rx += row[2].(uint64)
	}
	assert.Equal(t, field(t, res, "rx_bytes"), rx)
}

func TestHTTPMultiClient(t *testing.T) {
	env, out := newEnv(t)
	res := runScenario(t, env, "http-multiclient", `
extra_time: 2s
http_clients:
  - duration: 100ms
  - duration: 100ms
    initial_wait: 50ms
  - duration: 150ms
    is_load: true
`)
	assert.EqualValues(t, 2, field(t, res, "finished_clients"))
	assert.Equal(t, "download_no_load", field(t, res, "test_name"))
	rtMin := field(t, res, "response_time_min").(time.Duration)
	rtAvg := field(t, res, "response_time_avg").(time.Duration)
	assert.Greater(t, rtMin, time.Duration(0))
	assert.GreaterOrEqual(t, rtAvg, rtMin)
	require.NotNil(t, res.Series)
	assert.Len(t, res.Series.Rows, 2)
	assert.Contains(t, out.String(), "Average HTTP Response Time")
}

func TestResponseTimes(t *testing.T) {
	minRT, avgRT := responseTimes([]time.Duration{3 * time.Millisecond, time.Millisecond, 2 * time.Millisecond})
	assert.Equal(t, time.Millisecond, minRT)
	assert.Equal(t, 2*time.Millisecond, avgRT)
}

func TestNATDiscovery(t *testing.T) {
	env, out := newEnv(t)
	res := runScenario(t, env, "nat-discovery", "")
	assert.Equal(t, "10.10.0.254", field(t, res, "public_ip"))
	assert.EqualValues(t, 39000, field(t, res, "public_port"))
	assert.Equal(t, true, field(t, res, "translated"))
	assert.Contains(t, out.String(), "Discovered IP: 10.10.0.254")
}

func TestNATDiscoveryWithoutPublicPort(t *testing.T) {
	env, _ := newEnv(t)
	s, err := Load("nat-discovery", writeConfig(t, "udp_src_port: 40000\ntimeout: 200ms\n"), env)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err = Run(ctx, s, zap.NewNop())
	assert.ErrorContains(t, err, "no discovery frame received")
}

func TestDNSRequest(t *testing.T) {
	env, out := newEnv(t)
	res := runScenario(t, env, "dns-request", "query: www.example.com\n")
	assert.Equal(t, true, field(t, res, "found"))
	assert.Equal(t, "93.184.216.34", field(t, res, "rdata"))
	assert.Greater(t, field(t, res, "response_time").(time.Duration), time.Duration(0))

	env, out = newEnv(t)
	res = runScenario(t, env, "dns-request", "query: unknown.example.com\n")
	assert.Equal(t, false, field(t, res, "found"))
	assert.Contains(t, out.String(), "Record not found")
}

func TestPing(t *testing.T) {
	env, out := newEnv(t)
	res := runScenario(t, env, "ping", "count: 3\ninterval: 20ms\n")
	req := field(t, res, "echo_requests").(uint64)
	rep := field(t, res, "echo_replies").(uint64)
	assert.GreaterOrEqual(t, req, uint64(3))
	assert.Greater(t, rep, uint64(0))
	assert.Greater(t, field(t, res, "rtt_min").(time.Duration), time.Duration(0))
	require.NotNil(t, res.Series)
	assert.Len(t, res.Series.Rows, 3)
	assert.Contains(t, out.String(), "Ping from 10.10.0.")
}

func TestWirelessMinimum(t *testing.T) {
	env, _ := newEnv(t)
	res := runScenario(t, env, "wireless-minimum", "duration: 50ms\n")
	assert.Equal(t, "Simulated Endpoint", field(t, res, "device"))
	assert.Equal(t, string(api.DeviceReserved), field(t, res, "status"))

	devs, err := env.MeetingPoint.Devices(context.Background())
	require.NoError(t, err)
	st, err := devs[0].Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, api.DeviceAvailable, st, "the lock is released at cleanup")
}

func TestWirelessUp(t *testing.T) {
	env, _ := newEnv(t)
	res := runScenario(t, env, "wireless-udp-up", "number_of_frames: 50\ninter_frame_gap: 1ms\nsettle: 50ms\n")
	assert.EqualValues(t, 50, field(t, res, "tx_frames"))
	assert.EqualValues(t, 50, field(t, res, "rx_frames"))
	assert.EqualValues(t, 0, field(t, res, "loss_percent"))
}

func TestWirelessHistogram(t *testing.T) {
	env, _ := newEnv(t)
	res := runScenario(t, env, "wireless-latency-histogram", shortTraffic+"range_max: 10ms\nbuckets: 10\n")
	assert.Equal(t, "10.10.0.254", field(t, res, "public_ip"))
	assert.EqualValues(t, 100, field(t, res, "tx_frames"))
	assert.EqualValues(t, 100, field(t, res, "rx_frames"))
	assert.Greater(t, field(t, res, "latency_min").(time.Duration), time.Duration(0))
	require.NotNil(t, res.Series)
	assert.Len(t, res.Series.Rows, 10)
}

func secondDevice(c *simulator.Config) {
	d := c.Devices[0]
	d.UUID = ""
	d.GivenName = "Second Endpoint"
	d.MAC = "02:00:c0:a8:00:33"
	d.IPv4 = "192.168.0.51"
	d.IPv6 = nil
	c.Devices = append(c.Devices, d)
}

func TestWirelessTCP(t *testing.T) {
	env, _ := newEnv(t)
	res := runScenario(t, env, "wireless-tcp", "duration: 200ms\nsample_interval: 50ms\nlatency: true\n")
	assert.Equal(t, []string{"Simulated Endpoint"}, field(t, res, "devices"))
	assert.Equal(t, string(api.RequestFinished), field(t, res, "status"))
	assert.Greater(t, field(t, res, "rx_bytes").(uint64), uint64(0))
	// the radio adds 2ms each way
	assert.GreaterOrEqual(t, field(t, res, "latency_min").(time.Duration), 2*time.Millisecond)
	require.NotNil(t, res.Series)
	assert.Len(t, res.Series.Rows, 5)

	devs, err := env.MeetingPoint.Devices(context.Background())
	require.NoError(t, err)
	st, err := devs[0].Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, api.DeviceAvailable, st)
}

func TestWirelessTCPMultipleDevices(t *testing.T) {
	env, out := newEnv(t, secondDevice)
	res := runScenario(t, env, "wireless-tcp", "device_count: 2\nduration: 100ms\nsample_interval: 50ms\n")
	assert.ElementsMatch(t, []string{"Simulated Endpoint", "Second Endpoint"}, field(t, res, "devices"))
	assert.Equal(t, string(api.RequestFinished), field(t, res, "status"))
	_, ok := res.Get("latency_min")
	assert.False(t, ok)

	require.NotNil(t, res.Series)
	perDevice := map[interface{}]int{}
	for _, row := range res.Series.Rows {
		perDevice[row[0]]++
	}
	assert.Equal(t, map[interface{}]int{"Simulated Endpoint": 3, "Second Endpoint": 3}, perDevice)
	assert.Contains(t, out.String(), "Second Endpoint: finished")

	_, err := Run(context.Background(), mustLoad(t, env, "wireless-tcp", "device_count: 3\n"), zap.NewNop())
	assert.ErrorContains(t, err, "no available wireless endpoint")
}

func mustLoad(t *testing.T, env *Env, name, yamlConfig string) Scenario {
	t.Helper()
	s, err := Load(name, writeConfig(t, yamlConfig), env)
	require.NoError(t, err)
	return s
}

func TestWirelessLatency(t *testing.T) {
	env, _ := newEnv(t)
	res := runScenario(t, env, "wireless-latency", shortTraffic)
	assert.Equal(t, "192.168.0.50", field(t, res, "device_ip"))
	assert.EqualValues(t, 100, field(t, res, "tx_frames"))
	assert.EqualValues(t, 100, field(t, res, "rx_frames"))
	assert.EqualValues(t, 0, field(t, res, "loss_percent"))
	assert.GreaterOrEqual(t, field(t, res, "latency_min").(time.Duration), 2*time.Millisecond)
	assert.GreaterOrEqual(t, field(t, res, "latency_avg").(time.Duration), field(t, res, "latency_min").(time.Duration))
}

func TestWirelessNetworkInfo(t *testing.T) {
	env, _ := newEnv(t)
	res := runScenario(t, env, "wireless-networkinfo", "duration: 200ms\ninterval: 20ms\n")
	assert.EqualValues(t, 10, field(t, res, "samples"))
	assert.EqualValues(t, -58, field(t, res, "rssi_min"))
	assert.EqualValues(t, -52, field(t, res, "rssi_max"))
	require.NotNil(t, res.Series)
	require.Len(t, res.Series.Rows, 10)
	first := res.Series.Rows[0]
	assert.Equal(t, time.Duration(0), first[0])
	assert.Equal(t, "tgctl-lab", first[1])
	assert.Equal(t, 36, first[3])
	assert.Equal(t, -55, first[4])
}

func TestRunCleansUpAfterFailure(t *testing.T) {
	env, _ := newEnv(t)
	s, err := Load("ipv4", writeConfig(t, "port_2:\n  interface: no-such-interface\n  ip: dhcpv4\n"), env)
	require.NoError(t, err)
	_, err = Run(context.Background(), s, zap.NewNop())
	require.Error(t, err)
	assert.NoError(t, s.Cleanup(context.Background()), "a second cleanup is a no-op")

	// port 1 was destroyed, its address is free for the next run
	res := runScenario(t, env, "ipv4", shortTraffic)
	assert.EqualValues(t, 100, field(t, res, "rx_frames"))
}

func TestNeedsConnection(t *testing.T) {
	s, err := Load("ipv4", "", &Env{})
	require.NoError(t, err)
	_, err = Run(context.Background(), s, zap.NewNop())
	assert.ErrorContains(t, err, "no traffic generator server")

	s, err = Load("wireless-minimum", "", &Env{})
	require.NoError(t, err)
	_, err = Run(context.Background(), s, zap.NewNop())
	assert.ErrorContains(t, err, "no meeting point")
}
