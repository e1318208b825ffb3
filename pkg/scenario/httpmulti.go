package scenario

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/takehaya/tgctl/pkg/api"
	"github.com/takehaya/tgctl/pkg/client"
	"github.com/takehaya/tgctl/pkg/config"
	"github.com/takehaya/tgctl/pkg/poll"
	"github.com/takehaya/tgctl/pkg/report"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// HTTPClientConfig is one scheduled client. Load clients only generate
// traffic, their response time is not measured.
type HTTPClientConfig struct {
	Method      string        `yaml:"http_method" default:"GET"`
	Duration    time.Duration `yaml:"duration" default:"2s"`
	InitialWait time.Duration `yaml:"initial_wait"`
	// RateLimit is in bytes per second, 0 is unlimited.
	RateLimit uint64 `yaml:"rate_limit"`
	Load      bool   `yaml:"is_load"`
}

func (c *HTTPClientConfig) UnmarshalYAML(n *yaml.Node) error {
	defaults.SetDefaults(c)
	type plain HTTPClientConfig
	return n.Decode((*plain)(c))
}

type HTTPMultiClientConfig struct {
	TestName string             `yaml:"test_name" default:"download_no_load"`
	Server   config.PortConfig  `yaml:"server"`
	Client   config.PortConfig  `yaml:"client"`
	TCPPort  uint16             `yaml:"tcp_port" default:"4096"`
	Clients  []HTTPClientConfig `yaml:"http_clients"`
	// ExtraTime is how long to wait for the clients beyond the longest
	// scheduled one.
	ExtraTime time.Duration `yaml:"extra_time" default:"2s"`
}

func (c *HTTPMultiClientConfig) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Client.Validate(); err != nil {
		return err
	}
	if c.Server.IP.IPv6() != c.Client.IP.IPv6() {
		return fmt.Errorf("server and client must use the same IP version")
	}
	measured := 0
	for i, hc := range c.Clients {
		if _, err := api.ParseHTTPMethod(hc.Method); err != nil {
			return fmt.Errorf("client %d: %w", i+1, err)
		}
		if hc.Duration <= 0 {
			return fmt.Errorf("client %d: duration must be positive", i+1)
		}
		if hc.InitialWait < 0 {
			return fmt.Errorf("client %d: initial_wait must not be negative", i+1)
		}
		if !hc.Load {
			measured++
		}
	}
	if measured == 0 {
		return fmt.Errorf("at least one http client without is_load is required")
	}
	return nil
}

func httpMultiClientConfig() config.Validator {
	srv := config.DHCP("nontrunk-1", config.IPDHCPv4)
	srv.MAC = "00:bb:01:00:00:01"
	cl := config.DHCP("trunk-1-1", config.IPDHCPv4)
	cl.MAC = "00:bb:01:00:00:02"
	c := &HTTPMultiClientConfig{Server: srv, Client: cl}
	for i := 0; i < 4; i++ {
		hc := HTTPClientConfig{InitialWait: time.Second, RateLimit: 10000}
		defaults.SetDefaults(&hc)
		c.Clients = append(c.Clients, hc)
	}
	return c
}

// HTTPMultiClient schedules several HTTP clients on one port toward one
// server and reports the response times of the measured clients.
type HTTPMultiClient struct {
	base
	cfg *HTTPMultiClientConfig
}

func newHTTPMultiClient(env *Env, cfg config.Validator) Scenario {
	return &HTTPMultiClient{base: newBase("http-multiclient", env), cfg: cfg.(*HTTPMultiClientConfig)}
}

func (s *HTTPMultiClient) Run(ctx context.Context) (*report.Result, error) {
	res := report.New(s.name, time.Now())

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

	var (
		measured    []*client.HTTPClient
		maxDuration time.Duration
	)
	for i, hc := range s.cfg.Clients {
		method, _ := api.ParseHTTPMethod(hc.Method)
		c, err := s.addHTTPClient(ctx, clPort, srvIP, srv.Port(), method)
		if err != nil {
			return nil, fmt.Errorf("client %d: %w", i+1, err)
		}
		if err := c.SetDuration(ctx, hc.Duration); err != nil {
			return nil, err
		}
		if err := c.SetRateLimit(ctx, hc.RateLimit); err != nil {
			return nil, err
		}
		if err := c.SetStartType(ctx, api.StartScheduled); err != nil {
			return nil, err
		}
		if err := c.SetInitialWait(ctx, hc.InitialWait); err != nil {
			return nil, err
		}
		if d := hc.InitialWait + hc.Duration; d > maxDuration {
			maxDuration = d
		}
		if !hc.Load {
			measured = append(measured, c)
		}
	}

	s.out.Printf("Server port: %s\n", srvPort.Description())
	s.out.Printf("Client port: %s\n", clPort.Description())
	if err := clPort.Start(ctx); err != nil {
		return nil, err
	}
	s.log.Info("http clients scheduled", zap.Int("clients", len(s.cfg.Clients)), zap.Duration("longest", maxDuration))

	started := time.Now()
	err = poll.Until(ctx, s.env.interval(), maxDuration+s.cfg.ExtraTime, func(ctx context.Context) (bool, error) {
		for _, c := range measured {
			st, err := c.Status(ctx)
			if err != nil {
				return false, err
			}
			if !st.Done() {
				s.out.Printf("%.1fs :: Waiting for clients to finish.\n", time.Since(started).Seconds())
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil && !errors.Is(err, poll.ErrTimeout) {
		return nil, err
	}
	if err != nil {
		s.log.Warn("not all http clients finished in time", zap.Error(err))
	}
	if err := srv.Stop(ctx); err != nil {
		return nil, err
	}

	res.Add("test_name", s.cfg.TestName)
	res.Columns("local_port", "method", "status", "tx_bytes", "rx_bytes", "avg_throughput_bps", "response_time")
	var times []time.Duration
	for _, c := range measured {
		info, err := c.SessionInfo(ctx)
		if err != nil {
			return nil, err
		}
		rt := time.Duration(info.ResponseTimeNs)
		s.out.Printf("Local TCP Port        : %d\n", info.LocalPort)
		s.out.Printf("Direction             : %s\n", info.Method)
		s.out.Printf("Requested Duration    : %s\n", time.Duration(info.DurationNs))
		s.out.Printf("Initial Wait Time     : %s\n", time.Duration(info.InitialWaitNs))
		s.out.Printf("TX Payload            : %d bytes\n", info.TxBytes)
		s.out.Printf("RX Payload            : %d bytes\n", info.RxBytes)
		s.out.Printf("Status                : %s\n\n", info.Status)
		if err := res.Row(info.LocalPort, string(info.Method), string(info.Status), info.TxBytes, info.RxBytes, info.AverageThroughputBps, rt); err != nil {
			return nil, err
		}
		if info.Status == api.RequestFinished {
			times = append(times, rt)
		}
	}
	if len(times) == 0 {
		return nil, fmt.Errorf("no http client finished its session")
	}
	minRT, avgRT := responseTimes(times)
	s.out.Printf("Minimum HTTP Response Time : %.3f milliseconds\n", float64(minRT)/1e6)
	s.out.Printf("Average HTTP Response Time : %.3f milliseconds\n", float64(avgRT)/1e6)
	res.Add("finished_clients", len(times))
	res.Add("response_time_min", minRT)
	res.Add("response_time_avg", avgRT)
	return res.Finish(time.Now()), nil
}

func responseTimes(ts []time.Duration) (minRT, avgRT time.Duration) {
	var sum time.Duration
	minRT = ts[0]
	for _, t := range ts {
		if t < minRT {
			minRT = t
		}
		sum += t
	}
	return minRT, sum / time.Duration(len(ts))
}

var _ Scenario = (*HTTPMultiClient)(nil)
