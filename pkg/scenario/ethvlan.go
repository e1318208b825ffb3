package scenario

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/takehaya/tgctl/pkg/config"
	"github.com/takehaya/tgctl/pkg/frame"
	"github.com/takehaya/tgctl/pkg/report"
)

// L2Port is a port used without any IP configuration.
type L2Port struct {
	Interface string  `yaml:"interface"`
	MAC       string  `yaml:"mac,omitempty"`
	VLAN      *uint16 `yaml:"vlan,omitempty"`
}

func (p L2Port) Validate() error {
	if p.Interface == "" {
		return fmt.Errorf("port interface is required")
	}
	if _, err := net.ParseMAC(p.MAC); err != nil {
		return fmt.Errorf("port %s: layer 2 ports need a mac: %w", p.Interface, err)
	}
	if p.VLAN != nil && (*p.VLAN == 0 || *p.VLAN > 4094) {
		return fmt.Errorf("port %s: vlan %d out of range", p.Interface, *p.VLAN)
	}
	return nil
}

type EthernetConfig struct {
	Port1     L2Port `yaml:"port_1"`
	Port2     L2Port `yaml:"port_2"`
	EtherType uint16 `yaml:"ether_type" default:"34997"`
	Traffic   `yaml:",inline"`
}

func (c *EthernetConfig) Validate() error {
	if err := c.Port1.Validate(); err != nil {
		return err
	}
	if err := c.Port2.Validate(); err != nil {
		return err
	}
	if (c.Port1.VLAN == nil) != (c.Port2.VLAN == nil) {
		return fmt.Errorf("either both ports or none of them are on a VLAN")
	}
	if c.FramePlugin != "" {
		return fmt.Errorf("frame_plugin is not supported for raw Ethernet frames")
	}
	return c.Traffic.Validate()
}

func ethernetConfig() config.Validator {
	vlan := uint16(2)
	return &EthernetConfig{
		Port1: L2Port{Interface: "trunk-1-1", MAC: "00:bb:01:00:00:01", VLAN: &vlan},
		Port2: L2Port{Interface: "trunk-1-2", MAC: "00:bb:01:00:00:02", VLAN: &vlan},
	}
}

// EthernetBlast sends frames that carry no IP header from port 1 to port
// 2 and counts them on port 2 by MAC addresses and VLAN.
type EthernetBlast struct {
	base
	cfg *EthernetConfig
}

func newEthernetBlast(env *Env, cfg config.Validator) Scenario {
	return &EthernetBlast{base: newBase("eth-vlan", env), cfg: cfg.(*EthernetConfig)}
}

func (s *EthernetBlast) Run(ctx context.Context) (*report.Result, error) {
	res := report.New(s.name, time.Now())
	gap, err := s.cfg.Gap()
	if err != nil {
		return nil, err
	}
	tx, err := s.provisionPort(ctx, config.PortConfig{Interface: s.cfg.Port1.Interface, MAC: s.cfg.Port1.MAC, VLAN: s.cfg.Port1.VLAN})
	if err != nil {
		return nil, err
	}
	rx, err := s.provisionPort(ctx, config.PortConfig{Interface: s.cfg.Port2.Interface, MAC: s.cfg.Port2.MAC, VLAN: s.cfg.Port2.VLAN})
	if err != nil {
		return nil, err
	}
	srcMAC, err := net.ParseMAC(tx.MAC())
	if err != nil {
		return nil, err
	}
	dstMAC, err := net.ParseMAC(rx.MAC())
	if err != nil {
		return nil, err
	}

	data, err := frame.Ethernet{
		SrcMAC:      srcMAC,
		DstMAC:      dstMAC,
		VLAN:        s.cfg.Port1.VLAN,
		EtherType:   s.cfg.EtherType,
		Size:        s.cfg.FrameSize,
		PayloadByte: 'a',
	}.Bytes()
	if err != nil {
		return nil, err
	}
	stream, err := s.addStream(ctx, tx, s.cfg.Traffic, data, false)
	if err != nil {
		return nil, err
	}

	expr := fmt.Sprintf("ether src %s and ether dst %s", srcMAC, dstMAC)
	if s.cfg.Port2.VLAN != nil {
		expr = fmt.Sprintf("vlan %d and %s", *s.cfg.Port2.VLAN, expr)
	}
	trig, err := s.addTrigger(ctx, rx, expr, false)
	if err != nil {
		return nil, err
	}

	s.out.Printf("port1: %s\n", tx.Description())
	s.out.Printf("port2: %s\n", rx.Description())
	if err := stream.Start(ctx); err != nil {
		return nil, err
	}
	results, err := s.watch(ctx, res, []flow{{name: "ethernet", stream: stream, trigger: trig}}, stream.Duration(), s.cfg.Settle)
	if err != nil {
		return nil, err
	}
	r := results[0]
	s.out.Printf("Sent %d frames, received %d frames\n", r.tx.PacketCount, r.rx.PacketCount)

	res.Add("frame_size", len(data))
	res.Add("inter_frame_gap", gap)
	addFlowFields(res, "", r)
	return res.Finish(time.Now()), nil
}

var _ Scenario = (*EthernetBlast)(nil)
