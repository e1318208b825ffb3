package scenario

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/takehaya/tgctl/pkg/client"
	"github.com/takehaya/tgctl/pkg/config"
	"github.com/takehaya/tgctl/pkg/filter"
	"github.com/takehaya/tgctl/pkg/frame"
	"github.com/takehaya/tgctl/pkg/report"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// NamedPort is a port referenced by name from the flows.
type NamedPort struct {
	Name              string `yaml:"name"`
	config.PortConfig `yaml:",inline"`
}

// FlowConfig is one UDP flow between two named ports.
type FlowConfig struct {
	Name        string `yaml:"name"`
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
	UDPSrcPort  uint16 `yaml:"udp_src_port" default:"4096"`
	UDPDstPort  uint16 `yaml:"udp_dst_port" default:"4096"`
	Traffic     `yaml:",inline"`
}

// UnmarshalYAML applies the default tags first, list elements are not
// reached by the defaults of the enclosing config.
func (f *FlowConfig) UnmarshalYAML(n *yaml.Node) error {
	defaults.SetDefaults(f)
	type plain FlowConfig
	return n.Decode((*plain)(f))
}

type MultiFlowConfig struct {
	Ports []NamedPort  `yaml:"ports"`
	Flows []FlowConfig `yaml:"flows"`
}

func (c *MultiFlowConfig) Validate() error {
	if len(c.Flows) == 0 {
		return fmt.Errorf("at least one flow is required")
	}
	ports := map[string]*NamedPort{}
	for i := range c.Ports {
		p := &c.Ports[i]
		if p.Name == "" {
			return fmt.Errorf("port %d has no name", i+1)
		}
		if _, dup := ports[p.Name]; dup {
			return fmt.Errorf("duplicate port name %q", p.Name)
		}
		if err := p.PortConfig.Validate(); err != nil {
			return err
		}
		ports[p.Name] = p
	}
	for i := range c.Flows {
		f := &c.Flows[i]
		src, ok := ports[f.Source]
		if !ok {
			return fmt.Errorf("flow %d: unknown source port %q", i+1, f.Source)
		}
		dst, ok := ports[f.Destination]
		if !ok {
			return fmt.Errorf("flow %d: unknown destination port %q", i+1, f.Destination)
		}
		if f.Source == f.Destination {
			return fmt.Errorf("flow %d: source and destination are the same port", i+1)
		}
		if src.IP.IPv6() != dst.IP.IPv6() {
			return fmt.Errorf("flow %d: %s and %s use different IP versions", i+1, f.Source, f.Destination)
		}
		if f.Name == "" {
			f.Name = f.Source + "->" + f.Destination
		}
		if err := f.Traffic.Validate(); err != nil {
			return fmt.Errorf("flow %s: %w", f.Name, err)
		}
	}
	return nil
}

func multiFlowConfig() config.Validator {
	port := func(name, iface, addr, mac string) NamedPort {
		pc := config.StaticIPv4(iface, addr, "192.168.0.1")
		pc.MAC = mac
		return NamedPort{Name: name, PortConfig: pc}
	}
	flow := func(src, dst string, sport uint16) FlowConfig {
		f := FlowConfig{Source: src, Destination: dst}
		defaults.SetDefaults(&f)
		f.UDPSrcPort = sport
		f.NumberOfFrames = 1000
		return f
	}
	return &MultiFlowConfig{
		Ports: []NamedPort{
			port("p1", "trunk-1-1", "192.168.0.2", "00:bb:01:00:00:01"),
			port("p2", "trunk-1-2", "192.168.0.3", "00:bb:01:00:00:02"),
			port("p3", "trunk-1-3", "192.168.0.4", "00:bb:01:00:00:03"),
		},
		Flows: []FlowConfig{
			flow("p1", "p2", 4096),
			flow("p2", "p3", 4097),
			flow("p3", "p1", 4098),
		},
	}
}

// MultiFlow runs several UDP flows at once and reports each of them.
type MultiFlow struct {
	base
	cfg *MultiFlowConfig
}

func newMultiFlow(env *Env, cfg config.Validator) Scenario {
	return &MultiFlow{base: newBase("ipv4-multiflow", env), cfg: cfg.(*MultiFlowConfig)}
}

func (s *MultiFlow) Run(ctx context.Context) (*report.Result, error) {
	res := report.New(s.name, time.Now())

	ports := map[string]*client.Port{}
	conf := map[string]config.PortConfig{}
	for _, np := range s.cfg.Ports {
		p, err := s.provisionPort(ctx, np.PortConfig)
		if err != nil {
			return nil, err
		}
		ports[np.Name], conf[np.Name] = p, np.PortConfig
		s.out.Printf("%s: %s\n", np.Name, p.Description())
	}

	var (
		flows    []flow
		duration time.Duration
		settle   time.Duration
	)
	for _, fc := range s.cfg.Flows {
		f, err := s.setupFlow(ctx, fc, ports[fc.Source], conf[fc.Source], ports[fc.Destination], conf[fc.Destination])
		if err != nil {
			return nil, fmt.Errorf("flow %s: %w", fc.Name, err)
		}
		flows = append(flows, f)
		d, err := fc.Duration()
		if err != nil {
			return nil, fmt.Errorf("flow %s: %w", fc.Name, err)
		}
		if d > duration {
			duration = d
		}
		if fc.Settle > settle {
			settle = fc.Settle
		}
	}

	for _, f := range flows {
		if err := f.stream.Start(ctx); err != nil {
			return nil, err
		}
	}
	s.log.Info("traffic started", zap.Int("flows", len(flows)), zap.Duration("duration", duration))

	results, err := s.watch(ctx, res, flows, duration, settle)
	if err != nil {
		return nil, err
	}
	var total flowResult
	for _, r := range results {
		s.out.Printf("%s: sent %d frames, received %d frames\n", r.name, r.tx.PacketCount, r.rx.PacketCount)
		addFlowFields(res, r.name, r)
		total.tx.PacketCount += r.tx.PacketCount
		total.tx.ByteCount += r.tx.ByteCount
		total.rx.PacketCount += r.rx.PacketCount
		total.rx.ByteCount += r.rx.ByteCount
	}
	addFlowFields(res, "total", total)
	return res.Finish(time.Now()), nil
}

func (s *MultiFlow) setupFlow(ctx context.Context, fc FlowConfig, tx *client.Port, txc config.PortConfig, rx *client.Port, rxc config.PortConfig) (flow, error) {
	srcIP, err := address(tx, txc.IP)
	if err != nil {
		return flow{}, err
	}
	dstIP, err := address(rx, rxc.IP)
	if err != nil {
		return flow{}, err
	}
	dstMAC, err := resolveMAC(ctx, tx, dstIP)
	if err != nil {
		return flow{}, err
	}
	srcMAC, err := net.ParseMAC(tx.MAC())
	if err != nil {
		return flow{}, err
	}
	data, err := s.udpFrame(ctx, fc.Traffic, frame.UDP{
		SrcMAC:      srcMAC,
		DstMAC:      dstMAC,
		VLAN:        txc.VLAN,
		SrcIP:       net.ParseIP(srcIP),
		DstIP:       net.ParseIP(dstIP),
		SrcPort:     fc.UDPSrcPort,
		DstPort:     fc.UDPDstPort,
		Size:        fc.FrameSize,
		PayloadByte: 'a',
	}, 0)
	if err != nil {
		return flow{}, err
	}
	stream, err := s.addStream(ctx, tx, fc.Traffic, data, false)
	if err != nil {
		return flow{}, err
	}
	expr := filter.UDPFlow(srcIP, dstIP, fc.UDPSrcPort, fc.UDPDstPort)
	if rxc.VLAN != nil {
		expr = filter.VLAN(*rxc.VLAN, expr)
	}
	trig, err := s.addTrigger(ctx, rx, expr, false)
	if err != nil {
		return flow{}, err
	}
	s.out.Printf("%s: %s\n", fc.Name, stream.Description())
	return flow{name: fc.Name, stream: stream, trigger: trig}, nil
}

var _ Scenario = (*MultiFlow)(nil)
