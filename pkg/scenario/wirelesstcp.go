package scenario

import (
	"context"
	"fmt"
	"time"

	"github.com/takehaya/tgctl/pkg/api"
	"github.com/takehaya/tgctl/pkg/client"
	"github.com/takehaya/tgctl/pkg/config"
	"github.com/takehaya/tgctl/pkg/report"
	"go.uber.org/zap"
)

// WirelessTCPConfig runs one HTTP session from each wireless endpoint to
// a server on the port. Devices names the endpoints, DeviceCount picks
// that many available ones otherwise.
type WirelessTCPConfig struct {
	Devices     []string          `yaml:"devices"`
	DeviceCount int               `yaml:"device_count" default:"1"`
	Port        config.PortConfig `yaml:"port"`
	TCPPort     uint16            `yaml:"tcp_port" default:"4096"`
	HTTPMethod  string            `yaml:"http_method" default:"PUT"`
	Duration    time.Duration     `yaml:"duration" default:"1s"`
	// RateLimit caps each session in bytes per second.
	RateLimit      uint64        `yaml:"rate_limit"`
	SampleInterval time.Duration `yaml:"sample_interval" default:"100ms"`
	Latency        bool          `yaml:"latency"`
}

func (c *WirelessTCPConfig) Validate() error {
	if err := c.Port.Validate(); err != nil {
		return err
	}
	if c.Port.IP.IPv6() {
		return fmt.Errorf("wireless endpoints reach the server over IPv4")
	}
	if _, err := api.ParseHTTPMethod(c.HTTPMethod); err != nil {
		return err
	}
	if c.TCPPort == 0 {
		return fmt.Errorf("tcp_port is required")
	}
	if len(c.Devices) == 0 && c.DeviceCount < 1 {
		return fmt.Errorf("device_count must be at least 1")
	}
	if c.Duration <= 0 || c.SampleInterval <= 0 {
		return fmt.Errorf("duration and sample_interval must be positive")
	}
	return nil
}

func (c *WirelessTCPConfig) deviceIDs() []string {
	if len(c.Devices) > 0 {
		return c.Devices
	}
	return make([]string, c.DeviceCount)
}

func wirelessTCPConfig() config.Validator {
	p := config.DHCP("nontrunk-1", config.IPDHCPv4)
	p.MAC = "00:bb:01:00:00:01"
	return &WirelessTCPConfig{Port: p}
}

// WirelessTCP starts the same scenario on several wireless endpoints at
// once. Each runs an HTTP session toward one server, the report has the
// server side history of every session.
type WirelessTCP struct {
	base
	cfg *WirelessTCPConfig
}

func newWirelessTCP(env *Env, cfg config.Validator) Scenario {
	return &WirelessTCP{base: newBase("wireless-tcp", env), cfg: cfg.(*WirelessTCPConfig)}
}

type deviceSession struct {
	dev     *client.WirelessEndpoint
	cl      *client.DeviceHTTPClient
	startAt time.Time
	end     time.Time
}

func (s *WirelessTCP) Run(ctx context.Context) (*report.Result, error) {
	res := report.New(s.name, time.Now())
	method, _ := api.ParseHTTPMethod(s.cfg.HTTPMethod)

	p, err := s.provisionPort(ctx, s.cfg.Port)
	if err != nil {
		return nil, err
	}
	portIP, err := address(p, s.cfg.Port.IP)
	if err != nil {
		return nil, err
	}
	srv, err := s.startHTTPServer(ctx, p, s.cfg.TCPPort)
	if err != nil {
		return nil, err
	}
	s.out.Printf("Server port: %s\n", p.Description())

	var sessions []*deviceSession
	for _, id := range s.cfg.deviceIDs() {
		dev, err := s.lockDevice(ctx, id)
		if err != nil {
			return nil, err
		}
		cl, err := dev.HTTPClientAdd(ctx, api.HTTPClientSpec{
			RemoteAddress:  portIP,
			RemotePort:     srv.Port(),
			Method:         method,
			DurationNs:     s.cfg.Duration.Nanoseconds(),
			RateLimit:      s.cfg.RateLimit,
			LatencyEnabled: s.cfg.Latency,
		})
		if err != nil {
			return nil, err
		}
		s.onCleanup("device http client "+cl.ID(), cl.Remove)
		sessions = append(sessions, &deviceSession{dev: dev, cl: cl})
	}

	// the endpoints size their scenario after the session
	for _, ds := range sessions {
		if ds.startAt, err = s.runDevice(ctx, ds.dev, 0); err != nil {
			return nil, err
		}
		info, err := ds.dev.Info(ctx)
		if err != nil {
			return nil, err
		}
		ds.end = ds.startAt.Add(time.Duration(info.ScenarioDurationNs))
	}
	for _, ds := range sessions {
		if err := s.waitDevice(ctx, ds.dev, ds.end); err != nil {
			return nil, err
		}
	}
	if err := srv.Stop(ctx); err != nil {
		return nil, err
	}

	status := api.RequestFinished
	var (
		names          []string
		tx, rx         uint64
		throughput     float64
		latency        *api.LatencyStats
		latencySamples int64
	)
	res.Columns("device", "time", "tx_bytes", "rx_bytes", "throughput_mbps")
	for _, ds := range sessions {
		d, err := ds.dev.Result(ctx)
		if err != nil {
			return nil, err
		}
		info, err := srv.SessionInfo(ctx, ds.cl.ID())
		if err != nil {
			return nil, err
		}
		hist, err := srv.SessionHistory(ctx, ds.cl.ID(), s.cfg.SampleInterval)
		if err != nil {
			return nil, err
		}
		s.log.Info("wireless http session finished",
			zap.String("device", d.GivenName),
			zap.String("status", string(info.Status)),
			zap.Int("samples", len(hist)))
		s.out.Printf("%s: %s, tx %d bytes, rx %d bytes, %.2f Mbps\n",
			d.GivenName, info.Status, info.TxBytes, info.RxBytes, info.AverageThroughputBps/1e6)

		names = append(names, d.GivenName)
		tx += info.TxBytes
		rx += info.RxBytes
		throughput += info.AverageThroughputBps
		if info.Status != api.RequestFinished {
			status = info.Status
		}
		if l := info.Latency; l != nil {
			if latency == nil {
				latency = &api.LatencyStats{MinNs: l.MinNs, MaxNs: l.MaxNs}
			}
			if l.MinNs < latency.MinNs {
				latency.MinNs = l.MinNs
			}
			if l.MaxNs > latency.MaxNs {
				latency.MaxNs = l.MaxNs
			}
			latency.AvgNs += l.AvgNs
			if l.JitterNs > latency.JitterNs {
				latency.JitterNs = l.JitterNs
			}
			latencySamples++
		}
		for _, h := range hist {
			secs := time.Duration(h.IntervalNs).Seconds()
			var mbps float64
			if secs > 0 {
				mbps = float64(h.TxBytes+h.RxBytes) * 8 / secs / 1e6
			}
			if err := res.Row(d.GivenName, time.Unix(0, h.TimestampNs).Sub(ds.startAt), h.TxBytes, h.RxBytes, mbps); err != nil {
				return nil, err
			}
		}
	}

	res.Add("devices", names)
	res.Add("method", string(method))
	res.Add("duration", s.cfg.Duration)
	res.Add("tx_bytes", tx)
	res.Add("rx_bytes", rx)
	res.Add("avg_throughput_bps", throughput)
	res.Add("status", string(status))
	if latency != nil {
		latency.AvgNs /= latencySamples
		addLatencyFields(res, *latency)
	}
	return res.Finish(time.Now()), nil
}

// addLatencyFields reports the one-way latency of a flow or session.
func addLatencyFields(res *report.Result, l api.LatencyStats) {
	res.Add("latency_min", time.Duration(l.MinNs))
	res.Add("latency_avg", time.Duration(l.AvgNs))
	res.Add("latency_max", time.Duration(l.MaxNs))
	res.Add("jitter", time.Duration(l.JitterNs))
}

var _ Scenario = (*WirelessTCP)(nil)
