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
	"github.com/takehaya/tgctl/pkg/poll"
	"github.com/takehaya/tgctl/pkg/report"
	"go.uber.org/zap"
)

const natDiscoveryPayload = "NAT discovery"

type NATDiscoveryConfig struct {
	WAN        config.PortConfig `yaml:"wan"`
	LAN        config.PortConfig `yaml:"lan"`
	UDPSrcPort uint16            `yaml:"udp_src_port" default:"9000"`
	UDPDstPort uint16            `yaml:"udp_dst_port" default:"1000"`
	Timeout    time.Duration     `yaml:"timeout" default:"5s"`
}

func (c *NATDiscoveryConfig) Validate() error {
	if err := c.WAN.Validate(); err != nil {
		return err
	}
	if err := c.LAN.Validate(); err != nil {
		return err
	}
	if c.WAN.IP.IPv6() || c.LAN.IP.IPv6() {
		return fmt.Errorf("NAT discovery needs IPv4 on both ports")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

func natDiscoveryConfig() config.Validator {
	wan := config.DHCP("nontrunk-1", config.IPDHCPv4)
	wan.MAC = "00:bb:23:22:55:12"
	lan := config.DHCP("trunk-1-1", config.IPDHCPv4)
	lan.MAC = "00:bb:23:21:55:13"
	return &NATDiscoveryConfig{WAN: wan, LAN: lan}
}

// NATDiscovery sends a single UDP frame from the LAN port to the WAN port
// and reads the translated source address off the captured frame.
type NATDiscovery struct {
	base
	cfg *NATDiscoveryConfig
}

func newNATDiscovery(env *Env, cfg config.Validator) Scenario {
	return &NATDiscovery{base: newBase("nat-discovery", env), cfg: cfg.(*NATDiscoveryConfig)}
}

// startCapture adds a running capture with expr to p.
func (b *base) startCapture(ctx context.Context, p *client.Port, expr string) (*client.Capture, error) {
	c, err := p.RxCaptureBasicAdd(ctx)
	if err != nil {
		return nil, err
	}
	b.onCleanup("capture on "+p.ID(), c.Remove)
	if err := c.SetFilter(ctx, expr); err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// firstFrame polls c until it holds a frame accepted by match, then stops
// the capture.
func (b *base) firstFrame(ctx context.Context, c *client.Capture, timeout time.Duration, match func(api.CapturedFrame) bool) (api.CapturedFrame, error) {
	var found *api.CapturedFrame
	err := poll.Until(ctx, 10*time.Millisecond, timeout, func(ctx context.Context) (bool, error) {
		res, err := c.Result(ctx)
		if err != nil {
			return false, err
		}
		for i := range res.Frames {
			if match(res.Frames[i]) {
				found = &res.Frames[i]
				return true, nil
			}
		}
		return false, nil
	})
	if stopErr := c.Stop(ctx); stopErr != nil && err == nil {
		err = stopErr
	}
	if err != nil {
		return api.CapturedFrame{}, err
	}
	return *found, nil
}

// discoverNAT sends one frame from lan to wanIP and returns the source the
// frame arrives with on wan.
func (b *base) discoverNAT(ctx context.Context, lan *client.Port, lanIP string, wan *client.Port, wanIP string, sport, dport uint16, timeout time.Duration) (frame.Endpoint, error) {
	capture, err := b.startCapture(ctx, wan, filter.UDPPort(dport))
	if err != nil {
		return frame.Endpoint{}, err
	}
	dstMAC, err := resolveMAC(ctx, lan, wanIP)
	if err != nil {
		return frame.Endpoint{}, err
	}
	srcMAC, err := net.ParseMAC(lan.MAC())
	if err != nil {
		return frame.Endpoint{}, err
	}
	data, err := frame.UDP{
		SrcMAC:  srcMAC,
		DstMAC:  dstMAC,
		SrcIP:   net.ParseIP(lanIP),
		DstIP:   net.ParseIP(wanIP),
		SrcPort: sport,
		DstPort: dport,
		Payload: []byte(natDiscoveryPayload),
	}.Bytes()
	if err != nil {
		return frame.Endpoint{}, err
	}
	single := Traffic{NumberOfFrames: 1, InterFrameGap: time.Millisecond}
	stream, err := b.addStream(ctx, lan, single, data, false)
	if err != nil {
		return frame.Endpoint{}, err
	}
	if err := stream.Start(ctx); err != nil {
		return frame.Endpoint{}, err
	}

	var src frame.Endpoint
	_, err = b.firstFrame(ctx, capture, timeout, func(f api.CapturedFrame) bool {
		s, d, err := frame.UDPEndpoints(f.Bytes)
		if err != nil || d.Port != dport {
			return false
		}
		src = s
		return true
	})
	if err != nil {
		return frame.Endpoint{}, fmt.Errorf("no discovery frame received on %s: %w", wan.ID(), err)
	}
	return src, nil
}

func (s *NATDiscovery) Run(ctx context.Context) (*report.Result, error) {
	res := report.New(s.name, time.Now())
	wan, err := s.provisionPort(ctx, s.cfg.WAN)
	if err != nil {
		return nil, err
	}
	lan, err := s.provisionPort(ctx, s.cfg.LAN)
	if err != nil {
		return nil, err
	}
	wanIP, err := address(wan, s.cfg.WAN.IP)
	if err != nil {
		return nil, err
	}
	lanIP, err := address(lan, s.cfg.LAN.IP)
	if err != nil {
		return nil, err
	}

	public, err := s.discoverNAT(ctx, lan, lanIP, wan, wanIP, s.cfg.UDPSrcPort, s.cfg.UDPDstPort, s.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	s.log.Info("public address discovered", zap.Stringer("public", public), zap.String("private", lanIP))
	s.out.Printf("Discovered IP: %s\n", public.IP)
	s.out.Printf("Discovered UDP port: %d\n", public.Port)

	res.Add("private_ip", lanIP)
	res.Add("private_port", s.cfg.UDPSrcPort)
	res.Add("public_ip", public.IP.String())
	res.Add("public_port", public.Port)
	res.Add("translated", !public.IP.Equal(net.ParseIP(lanIP)) || public.Port != s.cfg.UDPSrcPort)
	return res.Finish(time.Now()), nil
}

var _ Scenario = (*NATDiscovery)(nil)
