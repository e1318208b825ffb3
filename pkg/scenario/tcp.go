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

// TCPConfig is one HTTP session from the client port to the server port.
// A positive Duration selects duration mode, RequestSize is used otherwise.
type TCPConfig struct {
	Server     config.PortConfig `yaml:"server"`
	Client     config.PortConfig `yaml:"client"`
	TCPPort    uint16            `yaml:"tcp_port" default:"4096"`
	HTTPMethod string            `yaml:"http_method" default:"GET"`
	Duration   time.Duration     `yaml:"duration"`
	// RequestSize is in bytes.
	RequestSize uint64 `yaml:"request_size"`
	// RateLimit caps the session in bytes per second.
	RateLimit      uint64        `yaml:"rate_limit"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"2s"`
	FinishTimeout  time.Duration `yaml:"finish_timeout" default:"60s"`
	// Latency measures the one-way latency of the data segments.
	Latency bool `yaml:"latency"`
	// SampleInterval adds the server side history of the session when set.
	SampleInterval time.Duration `yaml:"sample_interval"`
}

func (c *TCPConfig) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Client.Validate(); err != nil {
		return err
	}
	if c.Server.IP.IPv6() != c.Client.IP.IPv6() {
		return fmt.Errorf("server and client must use the same IP version")
	}
	if _, err := api.ParseHTTPMethod(c.HTTPMethod); err != nil {
		return err
	}
	if c.TCPPort == 0 {
		return fmt.Errorf("tcp_port is required")
	}
	if c.Duration <= 0 && c.RequestSize == 0 {
		return fmt.Errorf("either duration or request_size must be configured")
	}
	if c.SampleInterval < 0 {
		return fmt.Errorf("sample_interval must not be negative")
	}
	return nil
}

func tcpConfig() config.Validator {
	srv := config.StaticIPv4("trunk-1-1", "192.168.0.2", "192.168.0.1")
	srv.MAC = "00:bb:01:00:00:01"
	cl := config.DHCP("trunk-1-2", config.IPDHCPv4)
	cl.MAC = "00:bb:01:00:00:02"
	return &TCPConfig{Server: srv, Client: cl, RequestSize: 1000000}
}

// TCP runs an HTTP request/response session and reports the payload
// counters, the throughput and the congestion window of the session.
type TCP struct {
	base
	cfg *TCPConfig
}

func newTCP(env *Env, cfg config.Validator) Scenario {
	return &TCP{base: newBase("tcp", env), cfg: cfg.(*TCPConfig)}
}

// startHTTPServer adds a server listening on tcpPort to p and starts it.
func (b *base) startHTTPServer(ctx context.Context, p *client.Port, tcpPort uint16) (*client.HTTPServer, error) {
	h, err := p.HTTPServerAdd(ctx)
	if err != nil {
		return nil, err
	}
	b.onCleanup("http server on "+p.ID(), h.Remove)
	if tcpPort != 0 {
		if err := h.SetPort(ctx, tcpPort); err != nil {
			return nil, err
		}
	}
	if err := h.Start(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

// addHTTPClient adds a client on p toward the server at addr:tcpPort.
func (b *base) addHTTPClient(ctx context.Context, p *client.Port, addr string, tcpPort uint16, method api.HTTPMethod) (*client.HTTPClient, error) {
	c, err := p.HTTPClientAdd(ctx)
	if err != nil {
		return nil, err
	}
	b.onCleanup("http client "+c.ID(), c.Remove)
	if err := c.SetRemote(ctx, addr, tcpPort); err != nil {
		return nil, err
	}
	if err := c.SetMethod(ctx, method); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *TCP) Run(ctx context.Context) (*report.Result, error) {
	res := report.New(s.name, time.Now())
	method, _ := api.ParseHTTPMethod(s.cfg.HTTPMethod)

	srvPort, err := s.provisionPort(ctx, s.cfg.Server)
	if err != nil {
		return nil, err
	}
	clPort, err := s.provisionPort(ctx, s.cfg.Client)
	if err != nil {
		return nil, err
	}
	srvIP, err := address(srvPort, s.cfg.Server.IP)
	if err != nil {
		return nil, err
	}

	srv, err := s.startHTTPServer(ctx, srvPort, s.cfg.TCPPort)
	if err != nil {
		return nil, err
	}
	cl, err := s.addHTTPClient(ctx, clPort, srvIP, srv.Port(), method)
	if err != nil {
		return nil, err
	}
	if s.cfg.Duration > 0 {
		err = cl.SetDuration(ctx, s.cfg.Duration)
	} else {
		err = cl.SetRequestSize(ctx, s.cfg.RequestSize)
	}
	if err != nil {
		return nil, err
	}
	if s.cfg.RateLimit > 0 {
		if err := cl.SetRateLimit(ctx, s.cfg.RateLimit); err != nil {
			return nil, err
		}
	}
	if s.cfg.Latency {
		if err := cl.SetLatency(ctx, true); err != nil {
			return nil, err
		}
	}

	s.out.Printf("Server port: %s\n", srvPort.Description())
	s.out.Printf("Client port: %s\n", clPort.Description())
	s.out.Printf("Starting the HTTP request\n")
	if err := cl.Start(ctx); err != nil {
		return nil, err
	}
	if err := cl.WaitUntilConnected(ctx, s.cfg.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("http client did not connect: %w", err)
	}
	if err := cl.WaitUntilFinished(ctx, s.cfg.FinishTimeout); err != nil {
		return nil, fmt.Errorf("http client did not finish: %w", err)
	}
	if err := cl.Stop(ctx); err != nil {
		return nil, err
	}
	if err := srv.Stop(ctx); err != nil {
		return nil, err
	}

	// the sending side holds the payload counters
	var info api.HTTPSessionInfo
	if method == api.MethodPut {
		info, err = srv.SessionInfo(ctx, cl.ID())
	} else {
		info, err = cl.SessionInfo(ctx)
	}
	if err != nil {
		return nil, err
	}
	s.log.Info("http session finished", zap.String("status", string(info.Status)), zap.String("method", string(method)))

	s.out.Printf("Requested Payload Size: %d bytes\n", s.cfg.RequestSize)
	s.out.Printf("Requested Duration    : %s\n", s.cfg.Duration)
	s.out.Printf("TX Payload            : %d bytes\n", info.TxBytes)
	s.out.Printf("RX Payload            : %d bytes\n", info.RxBytes)
	s.out.Printf("Average Throughput    : %.2f Mbps\n", info.AverageThroughputBps/1e6)
	s.out.Printf("Min Congestion Window : %d bytes\n", info.CongestionWindowMin)
	s.out.Printf("Max Congestion Window : %d bytes\n", info.CongestionWindowMax)
	s.out.Printf("Status                : %s\n", info.Status)
	if info.ErrorMessage != "" {
		s.out.Printf("Error                 : %s\n", info.ErrorMessage)
	}

	res.Add("method", string(method))
	res.Add("request_size", s.cfg.RequestSize)
	res.Add("duration", s.cfg.Duration)
	res.Add("tx_bytes", info.TxBytes)
	res.Add("rx_bytes", info.RxBytes)
	res.Add("avg_throughput_bps", info.AverageThroughputBps)
	res.Add("cwnd_min", info.CongestionWindowMin)
	res.Add("cwnd_max", info.CongestionWindowMax)
	res.Add("status", string(info.Status))
	if l := info.Latency; l != nil {
		s.out.Printf("One-way Latency       : min %s avg %s max %s jitter %s\n",
			time.Duration(l.MinNs), time.Duration(l.AvgNs), time.Duration(l.MaxNs), time.Duration(l.JitterNs))
		addLatencyFields(res, *l)
	}
	if s.cfg.SampleInterval > 0 {
		hist, err := srv.SessionHistory(ctx, cl.ID(), s.cfg.SampleInterval)
		if err != nil {
			return nil, err
		}
		res.Columns("time", "tx_bytes", "rx_bytes", "throughput_mbps")
		for _, h := range hist {
			var mbps float64
			if secs := time.Duration(h.IntervalNs).Seconds(); secs > 0 {
				mbps = float64(h.TxBytes+h.RxBytes) * 8 / secs / 1e6
			}
			if err := res.Row(time.Duration(h.TimestampNs-info.StartedNs), h.TxBytes, h.RxBytes, mbps); err != nil {
				return nil, err
			}
		}
	}
	return res.Finish(time.Now()), nil
}

var _ Scenario = (*TCP)(nil)
