package scenario

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/takehaya/tgctl/pkg/api"
	"github.com/takehaya/tgctl/pkg/config"
	"github.com/takehaya/tgctl/pkg/frame"
	"github.com/takehaya/tgctl/pkg/poll"
	"github.com/takehaya/tgctl/pkg/report"
	"go.uber.org/zap"
)

type WirelessLatencyConfig struct {
	Device     string            `yaml:"device"`
	Port       config.PortConfig `yaml:"port"`
	UDPSrcPort uint16            `yaml:"udp_src_port" default:"4096"`
	UDPDstPort uint16            `yaml:"udp_dst_port" default:"4096"`
	Traffic    `yaml:",inline"`
}

func (c *WirelessLatencyConfig) Validate() error {
	if err := c.Port.Validate(); err != nil {
		return err
	}
	if c.Port.IP.IPv6() {
		return fmt.Errorf("the wireless latency scenario runs over IPv4")
	}
	return c.Traffic.Validate()
}

func wirelessLatencyConfig() config.Validator {
	p := config.DHCP("trunk-1-1", config.IPDHCPv4)
	p.MAC = "00:bb:01:00:00:01"
	return &WirelessLatencyConfig{Port: p}
}

// WirelessLatency streams time tagged frames from a port on the LAN of a
// wireless endpoint to the endpoint and reads the latency it measured.
type WirelessLatency struct {
	base
	cfg *WirelessLatencyConfig
}

func newWirelessLatency(env *Env, cfg config.Validator) Scenario {
	return &WirelessLatency{base: newBase("wireless-latency", env), cfg: cfg.(*WirelessLatencyConfig)}
}

func (s *WirelessLatency) Run(ctx context.Context) (*report.Result, error) {
	res := report.New(s.name, time.Now())
	p, err := s.provisionPort(ctx, s.cfg.Port)
	if err != nil {
		return nil, err
	}
	portIP, err := address(p, s.cfg.Port.IP)
	if err != nil {
		return nil, err
	}
	dev, err := s.lockDevice(ctx, s.cfg.Device, api.CapabilityLatencyBasic)
	if err != nil {
		return nil, err
	}
	info, err := dev.Info(ctx)
	if err != nil {
		return nil, err
	}
	devIP := info.Network.IPv4
	if devIP == "" {
		return nil, fmt.Errorf("wireless endpoint %s has no IPv4 address", dev.UUID())
	}

	trig, err := dev.RxLatencyBasicAdd(ctx, api.LatencyBasicSpec{
		SourcePort:      s.cfg.UDPSrcPort,
		DestinationPort: s.cfg.UDPDstPort,
		SourceAddress:   portIP,
	})
	if err != nil {
		return nil, err
	}
	s.onCleanup("latency trigger", trig.Remove)

	dstMAC, err := resolveMAC(ctx, p, devIP)
	if err != nil {
		return nil, err
	}
	srcMAC, err := net.ParseMAC(p.MAC())
	if err != nil {
		return nil, err
	}
	data, err := s.udpFrame(ctx, s.cfg.Traffic, frame.UDP{
		SrcMAC:      srcMAC,
		DstMAC:      dstMAC,
		VLAN:        s.cfg.Port.VLAN,
		SrcIP:       net.ParseIP(portIP),
		DstIP:       net.ParseIP(devIP),
		SrcPort:     s.cfg.UDPSrcPort,
		DstPort:     s.cfg.UDPDstPort,
		Size:        s.cfg.FrameSize,
		PayloadByte: 'a',
	}, 0)
	if err != nil {
		return nil, err
	}
	stream, err := s.addStream(ctx, p, s.cfg.Traffic, data, true)
	if err != nil {
		return nil, err
	}
	s.out.Printf("port: %s\n", p.Description())

	window := stream.Duration() + s.cfg.Settle
	startAt, err := s.runDevice(ctx, dev, window)
	if err != nil {
		return nil, err
	}
	if err := poll.SleepUntil(ctx, startAt); err != nil {
		return nil, err
	}
	if err := stream.Start(ctx); err != nil {
		return nil, err
	}
	s.log.Info("traffic started", zap.Duration("duration", stream.Duration()))
	if err := s.waitDevice(ctx, dev, startAt.Add(window)); err != nil {
		return nil, err
	}

	sr, err := stream.Result(ctx)
	if err != nil {
		return nil, err
	}
	tr, err := trig.Result(ctx)
	if err != nil {
		return nil, err
	}
	d, err := dev.Result(ctx)
	if err != nil {
		return nil, err
	}

	r := flowResult{name: "downstream", tx: sr.Cumulative, rx: tr.Cumulative}
	s.out.Printf("Sent %d frames, received %d frames\n", r.tx.PacketCount, r.rx.PacketCount)
	addDeviceFields(res, d)
	res.Add("device_ip", devIP)
	addFlowFields(res, "", r)
	if tr.Latency != nil {
		l := *tr.Latency
		s.out.Printf("latency min %s avg %s max %s jitter %s\n",
			time.Duration(l.MinNs), time.Duration(l.AvgNs), time.Duration(l.MaxNs), time.Duration(l.JitterNs))
		addLatencyFields(res, l)
	}
	return res.Finish(time.Now()), nil
}

type WirelessNetworkInfoConfig struct {
	Device    string        `yaml:"device"`
	Duration  time.Duration `yaml:"duration" default:"10s"`
	Interface string        `yaml:"interface" default:"wlan0"`
	Interval  time.Duration `yaml:"interval" default:"1s"`
}

func (c *WirelessNetworkInfoConfig) Validate() error {
	if c.Duration <= 0 || c.Interval <= 0 {
		return fmt.Errorf("duration and interval must be positive")
	}
	if c.Interface == "" {
		return fmt.Errorf("interface is required")
	}
	return nil
}

func wirelessNetworkInfoConfig() config.Validator { return &WirelessNetworkInfoConfig{} }

// WirelessNetworkInfo samples the wireless interface of an endpoint
// during a scenario without traffic.
type WirelessNetworkInfo struct {
	base
	cfg *WirelessNetworkInfoConfig
}

func newWirelessNetworkInfo(env *Env, cfg config.Validator) Scenario {
	return &WirelessNetworkInfo{base: newBase("wireless-networkinfo", env), cfg: cfg.(*WirelessNetworkInfoConfig)}
}

func (s *WirelessNetworkInfo) Run(ctx context.Context) (*report.Result, error) {
	res := report.New(s.name, time.Now())
	dev, err := s.lockDevice(ctx, s.cfg.Device, api.CapabilityNetworkInfoMonitor)
	if err != nil {
		return nil, err
	}
	mon, err := dev.NetworkInfoMonitorAdd(ctx, api.NetworkMonitorSpec{
		Interface:  s.cfg.Interface,
		IntervalNs: s.cfg.Interval.Nanoseconds(),
	})
	if err != nil {
		return nil, err
	}
	s.onCleanup("network info monitor", mon.Remove)

	startAt, err := s.runDevice(ctx, dev, s.cfg.Duration)
	if err != nil {
		return nil, err
	}
	if err := s.waitDevice(ctx, dev, startAt.Add(s.cfg.Duration)); err != nil {
		return nil, err
	}
	hist, err := mon.History(ctx)
	if err != nil {
		return nil, err
	}
	d, err := dev.Result(ctx)
	if err != nil {
		return nil, err
	}

	res.Columns("time", "ssid", "bssid", "channel", "rssi", "tx_rate_bps")
	var (
		n      int
		sum    int
		lo, hi int
	)
	for _, sample := range hist {
		for _, w := range sample.Interfaces {
			if w.Name != s.cfg.Interface {
				continue
			}
			if n == 0 || w.RSSI < lo {
				lo = w.RSSI
			}
			if n == 0 || w.RSSI > hi {
				hi = w.RSSI
			}
			sum += w.RSSI
			n++
			if err := res.Row(time.Unix(0, sample.TimestampNs).Sub(startAt), w.SSID, w.BSSID, w.Channel, w.RSSI, w.TxRateBps); err != nil {
				return nil, err
			}
		}
	}
	s.out.Printf("%d samples of %s\n", n, s.cfg.Interface)

	addDeviceFields(res, d)
	res.Add("interface", s.cfg.Interface)
	res.Add("samples", n)
	if n > 0 {
		res.Add("rssi_min", lo)
		res.Add("rssi_max", hi)
		res.Add("rssi_avg", float64(sum)/float64(n))
	}
	return res.Finish(time.Now()), nil
}

var (
	_ Scenario = (*WirelessLatency)(nil)
	_ Scenario = (*WirelessNetworkInfo)(nil)
)
