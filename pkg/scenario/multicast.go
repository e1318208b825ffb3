package scenario

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/takehaya/tgctl/pkg/api"
	"github.com/takehaya/tgctl/pkg/client"
	"github.com/takehaya/tgctl/pkg/config"
	"github.com/takehaya/tgctl/pkg/filter"
	"github.com/takehaya/tgctl/pkg/frame"
	"github.com/takehaya/tgctl/pkg/report"
	"go.uber.org/zap"
)

// MulticastConfig sends one multicast stream from the source port to a
// group the listener ports join.
type MulticastConfig struct {
	Source    config.PortConfig   `yaml:"source"`
	Listeners []config.PortConfig `yaml:"listeners"`
	Group     string              `yaml:"group"`
	// SourceFilter and Sources are the source list of the join. The
	// default, exclude with no sources, accepts every sender.
	SourceFilter api.SourceFilter `yaml:"source_filter" default:"exclude"`
	Sources      []string         `yaml:"sources"`
	UDPSrcPort   uint16           `yaml:"udp_src_port" default:"4096"`
	UDPDstPort   uint16           `yaml:"udp_dst_port" default:"4096"`
	Traffic      `yaml:",inline"`
}

func (c *MulticastConfig) Validate() error {
	if err := c.Source.Validate(); err != nil {
		return err
	}
	if len(c.Listeners) == 0 {
		return fmt.Errorf("at least one listener is required")
	}
	for i := range c.Listeners {
		if err := c.Listeners[i].Validate(); err != nil {
			return err
		}
	}
	group := net.ParseIP(c.Group)
	if group == nil || !group.IsMulticast() {
		return fmt.Errorf("group %q is not a multicast address", c.Group)
	}
	if (group.To4() == nil) != c.Source.IP.IPv6() {
		return fmt.Errorf("group %s and the source port use different IP versions", c.Group)
	}
	if c.SourceFilter != api.FilterInclude && c.SourceFilter != api.FilterExclude {
		return fmt.Errorf("source_filter must be include or exclude, got %q", c.SourceFilter)
	}
	for _, s := range c.Sources {
		if net.ParseIP(s) == nil {
			return fmt.Errorf("invalid source address %q", s)
		}
	}
	return c.Traffic.Validate()
}

func ipv4MulticastConfig() config.Validator {
	src := config.StaticIPv4("nontrunk-1", "10.10.0.2", "10.10.0.1")
	src.MAC = "00:bb:01:00:00:01"
	l1 := config.DHCP("trunk-1-1", config.IPDHCPv4)
	l1.MAC = "00:bb:01:00:00:02"
	l2 := config.DHCP("trunk-1-2", config.IPDHCPv4)
	l2.MAC = "00:bb:01:00:00:03"
	return &MulticastConfig{Source: src, Listeners: []config.PortConfig{l1, l2}, Group: "239.194.0.1"}
}

func ipv6MulticastConfig() config.Validator {
	src := config.DHCP("nontrunk-1", config.IPSLAAC)
	src.MAC = "00:bb:01:00:00:01"
	l1 := config.DHCP("trunk-1-1", config.IPSLAAC)
	l1.MAC = "00:bb:01:00:00:02"
	l2 := config.DHCP("trunk-1-2", config.IPSLAAC)
	l2.MAC = "00:bb:01:00:00:03"
	return &MulticastConfig{Source: src, Listeners: []config.PortConfig{l1, l2}, Group: "ff05::1:3"}
}

// Multicast joins the listeners with IGMPv3 or MLDv2, depending on the
// group, and counts the stream on every listener.
type Multicast struct {
	base
	cfg *MulticastConfig
}

func newMulticast(name string) func(*Env, config.Validator) Scenario {
	return func(env *Env, cfg config.Validator) Scenario {
		return &Multicast{base: newBase(name, env), cfg: cfg.(*MulticastConfig)}
	}
}

type listener struct {
	port    *client.Port
	session *client.MulticastSession
	flow    flow
}

func (s *Multicast) join(ctx context.Context, p *client.Port, group net.IP) (*client.MulticastSession, error) {
	var (
		m   *client.MulticastSession
		err error
	)
	if group.To4() != nil {
		m, err = p.IGMPv3SessionAdd(ctx, group.String())
	} else {
		m, err = p.MLDv2SessionAdd(ctx, group.String())
	}
	if err != nil {
		return nil, err
	}
	s.onCleanup("multicast session on "+p.ID(), m.Remove)
	if err := m.Listen(ctx, s.cfg.SourceFilter, s.cfg.Sources); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Multicast) Run(ctx context.Context) (*report.Result, error) {
	res := report.New(s.name, time.Now())
	group := net.ParseIP(s.cfg.Group)
	groupMAC, err := frame.MulticastMAC(group)
	if err != nil {
		return nil, err
	}

	src, err := s.provisionPort(ctx, s.cfg.Source)
	if err != nil {
		return nil, err
	}
	srcIP, err := address(src, s.cfg.Source.IP)
	if err != nil {
		return nil, err
	}
	srcMAC, err := net.ParseMAC(src.MAC())
	if err != nil {
		return nil, err
	}
	s.out.Printf("source: %s\n", src.Description())

	data, err := s.udpFrame(ctx, s.cfg.Traffic, frame.UDP{
		SrcMAC:      srcMAC,
		DstMAC:      groupMAC,
		VLAN:        s.cfg.Source.VLAN,
		SrcIP:       net.ParseIP(srcIP),
		DstIP:       group,
		SrcPort:     s.cfg.UDPSrcPort,
		DstPort:     s.cfg.UDPDstPort,
		Size:        s.cfg.FrameSize,
		PayloadByte: 'a',
	}, 0)
	if err != nil {
		return nil, err
	}
	stream, err := s.addStream(ctx, src, s.cfg.Traffic, data, false)
	if err != nil {
		return nil, err
	}

	listeners := make([]listener, 0, len(s.cfg.Listeners))
	for i, lc := range s.cfg.Listeners {
		p, err := s.provisionPort(ctx, lc)
		if err != nil {
			return nil, err
		}
		m, err := s.join(ctx, p, group)
		if err != nil {
			return nil, fmt.Errorf("join %s on %s: %w", group, p.ID(), err)
		}
		trig, err := s.addTrigger(ctx, p, filter.UDPTo(group.String(), s.cfg.UDPDstPort), false)
		if err != nil {
			return nil, err
		}
		name := fmt.Sprintf("listener-%d", i+1)
		s.out.Printf("%s: %s\n", name, p.Description())
		listeners = append(listeners, listener{port: p, session: m, flow: flow{name: name, stream: stream, trigger: trig}})
	}

	if err := stream.Start(ctx); err != nil {
		return nil, err
	}
	s.log.Info("multicast traffic started", zap.String("group", group.String()), zap.Int("listeners", len(listeners)))

	flows := make([]flow, len(listeners))
	for i, l := range listeners {
		flows[i] = l.flow
	}
	results, err := s.watch(ctx, res, flows, stream.Duration(), s.cfg.Settle)
	if err != nil {
		return nil, err
	}

	res.Add("group", group.String())
	res.Add("tx_frames", results[0].tx.PacketCount)
	for i, l := range listeners {
		if err := l.session.Leave(ctx); err != nil {
			return nil, err
		}
		info, err := l.session.Info(ctx)
		if err != nil {
			return nil, err
		}
		r := results[i]
		s.out.Printf("%s: received %d of %d frames, %s reports sent %d, leaves sent %d\n",
			r.name, r.rx.PacketCount, r.tx.PacketCount, info.Protocol, info.ReportsSent, info.LeavesSent)
		res.Add(r.name+".rx_frames", r.rx.PacketCount)
		res.Add(r.name+".loss_percent", r.lossPercent())
		res.Add(r.name+".protocol", info.Protocol)
		res.Add(r.name+".reports_sent", info.ReportsSent)
		res.Add(r.name+".leaves_sent", info.LeavesSent)
	}
	return res.Finish(time.Now()), nil
}

var _ Scenario = (*Multicast)(nil)
