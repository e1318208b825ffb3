package scenario

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/takehaya/tgctl/pkg/config"
	"github.com/takehaya/tgctl/pkg/filter"
	"github.com/takehaya/tgctl/pkg/frame"
	"github.com/takehaya/tgctl/pkg/report"
	"go.uber.org/zap"
)

// UDPConfig is a single UDP flow from port 1 to port 2.
type UDPConfig struct {
	Port1      config.PortConfig `yaml:"port_1"`
	Port2      config.PortConfig `yaml:"port_2"`
	UDPSrcPort uint16            `yaml:"udp_src_port" default:"4096"`
	UDPDstPort uint16            `yaml:"udp_dst_port" default:"4096"`
	Traffic    `yaml:",inline"`
}

func (c *UDPConfig) Validate() error {
	if err := c.Port1.Validate(); err != nil {
		return err
	}
	if err := c.Port2.Validate(); err != nil {
		return err
	}
	if c.Port1.IP.IPv6() != c.Port2.IP.IPv6() {
		return fmt.Errorf("port_1 and port_2 must use the same IP version")
	}
	return c.Traffic.Validate()
}

func ipv4Config() config.Validator {
	p1 := config.StaticIPv4("trunk-1-1", "192.168.0.2", "192.168.0.1")
	p1.MAC = "00:bb:01:00:00:01"
	p2 := config.StaticIPv4("trunk-1-2", "192.168.0.3", "192.168.0.1")
	p2.MAC = "00:bb:01:00:00:02"
	return &UDPConfig{Port1: p1, Port2: p2}
}

func ipv4VLANConfig() config.Validator {
	vlan := uint16(2)
	p1 := config.DHCP("trunk-1-1", config.IPDHCPv4)
	p1.MAC, p1.VLAN = "00:bb:01:00:00:01", &vlan
	p2 := config.StaticIPv4("trunk-1-2", "192.168.0.3", "192.168.0.1")
	p2.MAC, p2.VLAN = "00:bb:01:00:00:02", &vlan
	return &UDPConfig{Port1: p1, Port2: p2}
}

func ipv6Config() config.Validator {
	p1 := config.DHCP("nontrunk-1", config.IPSLAAC)
	p1.MAC = "00:bb:01:00:00:01"
	p2 := config.DHCP("nontrunk-2", config.IPDHCPv6)
	p2.MAC = "00:bb:01:00:00:02"
	return &UDPConfig{Port1: p1, Port2: p2}
}

// UDPBlast sends a UDP stream from port 1 and counts it on port 2. With
// latency set, the frames are time tagged and port 2 measures latency.
type UDPBlast struct {
	base
	cfg     *UDPConfig
	latency bool
}

func newUDPBlast(name string, latency bool) func(*Env, config.Validator) Scenario {
	return func(env *Env, cfg config.Validator) Scenario {
		return &UDPBlast{base: newBase(name, env), cfg: cfg.(*UDPConfig), latency: latency}
	}
}

func (s *UDPBlast) Run(ctx context.Context) (*report.Result, error) {
	res := report.New(s.name, time.Now())
	gap, err := s.cfg.Gap()
	if err != nil {
		return nil, err
	}
	if s.cfg.Throughput > 0 {
		s.out.Printf("%.0f Mbit/s translates to an inter-frame-gap of %d ns\n", s.cfg.Throughput, gap.Nanoseconds())
	}

	tx, err := s.provisionPort(ctx, s.cfg.Port1)
	if err != nil {
		return nil, err
	}
	rx, err := s.provisionPort(ctx, s.cfg.Port2)
	if err != nil {
		return nil, err
	}
	srcIP, err := address(tx, s.cfg.Port1.IP)
	if err != nil {
		return nil, err
	}
	dstIP, err := address(rx, s.cfg.Port2.IP)
	if err != nil {
		return nil, err
	}
	dstMAC, err := resolveMAC(ctx, tx, dstIP)
	if err != nil {
		return nil, err
	}
	srcMAC, err := net.ParseMAC(tx.MAC())
	if err != nil {
		return nil, err
	}

	data, err := s.udpFrame(ctx, s.cfg.Traffic, frame.UDP{
		SrcMAC:      srcMAC,
		DstMAC:      dstMAC,
		VLAN:        s.cfg.Port1.VLAN,
		SrcIP:       net.ParseIP(srcIP),
		DstIP:       net.ParseIP(dstIP),
		SrcPort:     s.cfg.UDPSrcPort,
		DstPort:     s.cfg.UDPDstPort,
		Size:        s.cfg.FrameSize,
		PayloadByte: 'a',
	}, 0)
	if err != nil {
		return nil, err
	}
	stream, err := s.addStream(ctx, tx, s.cfg.Traffic, data, s.latency)
	if err != nil {
		return nil, err
	}

	expr := filter.UDPTo(dstIP, s.cfg.UDPDstPort)
	if s.cfg.Port2.VLAN != nil {
		expr = filter.VLAN(*s.cfg.Port2.VLAN, expr)
	}
	trig, err := s.addTrigger(ctx, rx, expr, s.latency)
	if err != nil {
		return nil, err
	}

	s.out.Printf("port1: %s\n", tx.Description())
	s.out.Printf("port2: %s\n", rx.Description())
	s.out.Printf("%s\n", stream.Description())

	if err := tx.Start(ctx); err != nil {
		return nil, err
	}
	s.log.Info("traffic started", zap.Duration("duration", stream.Duration()))

	results, err := s.watch(ctx, res, []flow{{name: "udp", stream: stream, trigger: trig}}, stream.Duration(), s.cfg.Settle)
	if err != nil {
		return nil, err
	}
	r := results[0]
	s.out.Printf("Sent %d frames, received %d frames\n", r.tx.PacketCount, r.rx.PacketCount)

	res.Add("frame_size", len(data))
	res.Add("inter_frame_gap", gap)
	addFlowFields(res, "", r)
	if s.latency && r.latency != nil {
		res.Add("latency_min", time.Duration(r.latency.MinNs))
		res.Add("latency_avg", time.Duration(r.latency.AvgNs))
		res.Add("latency_max", time.Duration(r.latency.MaxNs))
		res.Add("jitter", time.Duration(r.latency.JitterNs))
	}
	return res.Finish(time.Now()), nil
}

var _ Scenario = (*UDPBlast)(nil)
