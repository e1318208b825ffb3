package scenario

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/takehaya/tgctl/pkg/config"
	"github.com/takehaya/tgctl/pkg/poll"
	"github.com/takehaya/tgctl/pkg/report"
	"go.uber.org/zap"
)

type PingConfig struct {
	Port     config.PortConfig `yaml:"port"`
	Target   string            `yaml:"target" default:"10.10.0.1"`
	Count    int               `yaml:"count" default:"5"`
	Interval time.Duration     `yaml:"interval" default:"1s"`
	DataSize int               `yaml:"data_size" default:"56"`
}

func (c *PingConfig) Validate() error {
	if err := c.Port.Validate(); err != nil {
		return err
	}
	ip := net.ParseIP(c.Target)
	if ip == nil {
		return fmt.Errorf("invalid target %q", c.Target)
	}
	if (ip.To4() == nil) != c.Port.IP.IPv6() {
		return fmt.Errorf("target %s and the port use different IP versions", c.Target)
	}
	if c.Count <= 0 || c.Interval <= 0 {
		return fmt.Errorf("count and interval must be positive")
	}
	if c.DataSize < 0 || c.DataSize > 1472 {
		return fmt.Errorf("data_size must be between 0 and 1472")
	}
	return nil
}

func pingConfig() config.Validator {
	p := config.DHCP("nontrunk-1", config.IPDHCPv4)
	p.MAC = "00:bb:ff:01:02:13"
	return &PingConfig{Port: p}
}

// Ping runs an ICMP echo loop from a port and prints the session counters
// once per echo interval.
type Ping struct {
	base
	cfg *PingConfig
}

func newPing(env *Env, cfg config.Validator) Scenario {
	return &Ping{base: newBase("ping", env), cfg: cfg.(*PingConfig)}
}

func (s *Ping) Run(ctx context.Context) (*report.Result, error) {
	res := report.New(s.name, time.Now())
	p, err := s.provisionPort(ctx, s.cfg.Port)
	if err != nil {
		return nil, err
	}
	myIP, err := address(p, s.cfg.Port.IP)
	if err != nil {
		return nil, err
	}
	icmp, err := p.ICMPSessionAdd(ctx)
	if err != nil {
		return nil, err
	}
	s.onCleanup("icmp session on "+p.ID(), icmp.Remove)
	if err := icmp.SetRemote(ctx, s.cfg.Target); err != nil {
		return nil, err
	}
	if err := icmp.SetInterval(ctx, s.cfg.Interval); err != nil {
		return nil, err
	}
	if err := icmp.SetDataSize(ctx, s.cfg.DataSize); err != nil {
		return nil, err
	}
	if err := icmp.Start(ctx); err != nil {
		return nil, err
	}
	s.log.Info("echo loop started", zap.String("from", myIP), zap.String("to", s.cfg.Target))

	res.Columns("iteration", "echo_requests", "echo_replies")
	// sample a bit after each echo so the reply is in
	sample := s.cfg.Interval + s.cfg.Interval/10
	err = poll.Every(ctx, sample, s.cfg.Count, func(ctx context.Context, i int) error {
		info, err := icmp.Info(ctx)
		if err != nil {
			return err
		}
		s.out.Printf("Ping from %s to %s\n", myIP, s.cfg.Target)
		s.out.Printf("requests %d, replies %d, rtt min/avg/max %s/%s/%s\n\n", info.EchoRequests, info.EchoReplies,
			time.Duration(info.RTTMinNs), time.Duration(info.RTTAvgNs), time.Duration(info.RTTMaxNs))
		return res.Row(i+1, info.EchoRequests, info.EchoReplies)
	})
	if err != nil {
		return nil, err
	}
	if err := icmp.Stop(ctx); err != nil {
		return nil, err
	}
	info, err := icmp.Info(ctx)
	if err != nil {
		return nil, err
	}

	var loss float64
	if info.EchoRequests > 0 && info.EchoReplies < info.EchoRequests {
		loss = float64(info.EchoRequests-info.EchoReplies) * 100 / float64(info.EchoRequests)
	}
	res.Add("source", myIP)
	res.Add("target", s.cfg.Target)
	res.Add("echo_requests", info.EchoRequests)
	res.Add("echo_replies", info.EchoReplies)
	res.Add("loss_percent", loss)
	res.Add("rtt_min", time.Duration(info.RTTMinNs))
	res.Add("rtt_avg", time.Duration(info.RTTAvgNs))
	res.Add("rtt_max", time.Duration(info.RTTMaxNs))
	return res.Finish(time.Now()), nil
}

var _ Scenario = (*Ping)(nil)
