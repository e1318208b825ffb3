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

// lockDevice reserves the wireless endpoint with the given UUID, or the
// first available one when uuid is empty, and checks its capabilities.
func (b *base) lockDevice(ctx context.Context, uuid string, capabilities ...string) (*client.WirelessEndpoint, error) {
	mp, err := b.env.meetingPoint()
	if err != nil {
		return nil, err
	}
	var dev *client.WirelessEndpoint
	if uuid != "" {
		if dev, err = mp.Device(ctx, uuid); err != nil {
			return nil, err
		}
	} else {
		devs, err := mp.Devices(ctx)
		if err != nil {
			return nil, err
		}
		for _, d := range devs {
			if st, err := d.Status(ctx); err == nil && st == api.DeviceAvailable {
				dev = d
				break
			}
		}
		if dev == nil {
			return nil, fmt.Errorf("no available wireless endpoint on the meeting point")
		}
	}
	for _, c := range capabilities {
		if !dev.Capability(c) {
			return nil, fmt.Errorf("wireless endpoint %s lacks capability %s", dev.UUID(), c)
		}
	}
	if err := dev.Lock(ctx, true); err != nil {
		return nil, err
	}
	b.onCleanup("lock of "+dev.UUID(), func(ctx context.Context) error { return dev.Lock(ctx, false) })
	info, err := dev.Info(ctx)
	if err != nil {
		return nil, err
	}
	b.log.Info("wireless endpoint locked", zap.String("device", info.GivenName), zap.String("uuid", info.UUID))
	return dev, nil
}

func (b *base) addDeviceStream(ctx context.Context, dev *client.WirelessEndpoint, spec api.DeviceStreamSpec) (*client.DeviceStream, error) {
	s, err := dev.TxStreamAdd(ctx, spec)
	if err != nil {
		return nil, err
	}
	b.onCleanup("device stream "+s.ID(), func(ctx context.Context) error { return dev.TxStreamRemove(ctx, s) })
	return s, nil
}

// runDevice prepares and starts the scenario of dev and returns its start
// time.
func (b *base) runDevice(ctx context.Context, dev *client.WirelessEndpoint, duration time.Duration) (time.Time, error) {
	if err := dev.SetScenarioDuration(ctx, duration); err != nil {
		return time.Time{}, err
	}
	if err := dev.Prepare(ctx); err != nil {
		return time.Time{}, err
	}
	startAt, err := dev.Start(ctx)
	if err != nil {
		return time.Time{}, err
	}
	b.log.Debug("wireless scenario scheduled", zap.String("uuid", dev.UUID()), zap.Time("start", startAt))
	return startAt, nil
}

// waitDevice polls the status of dev until its scenario is over.
func (b *base) waitDevice(ctx context.Context, dev *client.WirelessEndpoint, end time.Time) error {
	timeout := time.Until(end) + 10*b.env.interval()
	return poll.Until(ctx, b.env.interval(), timeout, func(ctx context.Context) (bool, error) {
		st, err := dev.Status(ctx)
		if err != nil {
			return false, err
		}
		b.out.Printf("%s: %s\n", dev.UUID(), st)
		return st != api.DeviceArmed && st != api.DeviceRunning && !time.Now().Before(end), nil
	})
}

func addDeviceFields(res *report.Result, d api.Device) {
	res.Add("device", d.GivenName)
	res.Add("uuid", d.UUID)
	res.Add("ssid", d.Network.SSID)
	res.Add("rssi", d.Network.RSSI)
}

type WirelessMinimumConfig struct {
	Device   string        `yaml:"device"`
	Duration time.Duration `yaml:"duration" default:"1s"`
}

func (c *WirelessMinimumConfig) Validate() error {
	if c.Duration <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	return nil
}

func wirelessMinimumConfig() config.Validator { return &WirelessMinimumConfig{} }

// WirelessMinimum runs an empty scenario: the endpoint is reserved,
// armed and started without any traffic.
type WirelessMinimum struct {
	base
	cfg *WirelessMinimumConfig
}

func newWirelessMinimum(env *Env, cfg config.Validator) Scenario {
	return &WirelessMinimum{base: newBase("wireless-minimum", env), cfg: cfg.(*WirelessMinimumConfig)}
}

func (s *WirelessMinimum) Run(ctx context.Context) (*report.Result, error) {
	res := report.New(s.name, time.Now())
	dev, err := s.lockDevice(ctx, s.cfg.Device)
	if err != nil {
		return nil, err
	}
	startAt, err := s.runDevice(ctx, dev, s.cfg.Duration)
	if err != nil {
		return nil, err
	}
	if err := s.waitDevice(ctx, dev, startAt.Add(s.cfg.Duration)); err != nil {
		return nil, err
	}
	d, err := dev.Result(ctx)
	if err != nil {
		return nil, err
	}
	addDeviceFields(res, d)
	res.Add("start_time", startAt)
	res.Add("duration", s.cfg.Duration)
	res.Add("status", string(d.Status))
	return res.Finish(time.Now()), nil
}

type WirelessUpConfig struct {
	Device     string            `yaml:"device"`
	Port       config.PortConfig `yaml:"port"`
	UDPSrcPort uint16            `yaml:"udp_src_port" default:"4096"`
	UDPDstPort uint16            `yaml:"udp_dst_port" default:"4096"`
	// PayloadSize is the UDP payload length of the device frames.
	PayloadSize    int           `yaml:"payload_size" default:"512"`
	NumberOfFrames uint64        `yaml:"number_of_frames" default:"1000"`
	InterFrameGap  time.Duration `yaml:"inter_frame_gap" default:"1ms"`
	Settle         time.Duration `yaml:"settle" default:"1s"`
}

func (c *WirelessUpConfig) Validate() error {
	if err := c.Port.Validate(); err != nil {
		return err
	}
	if c.NumberOfFrames == 0 || c.InterFrameGap <= 0 {
		return fmt.Errorf("number_of_frames and inter_frame_gap must be positive")
	}
	if c.PayloadSize <= 0 || c.PayloadSize > 1472 {
		return fmt.Errorf("payload_size must be between 1 and 1472")
	}
	return nil
}

func wirelessUpConfig() config.Validator {
	p := config.DHCP("nontrunk-1", config.IPDHCPv4)
	p.MAC = "00:bb:01:00:00:01"
	return &WirelessUpConfig{Port: p}
}

// WirelessUp sends a UDP stream from a wireless endpoint to a port and
// counts it there.
type WirelessUp struct {
	base
	cfg *WirelessUpConfig
}

func newWirelessUp(env *Env, cfg config.Validator) Scenario {
	return &WirelessUp{base: newBase("wireless-udp-up", env), cfg: cfg.(*WirelessUpConfig)}
}

func payload(size int) string {
	b := make([]byte, size)
	for i := range b {
		b[i] = 'a'
	}
	return frame.Hex(b)
}

func (s *WirelessUp) Run(ctx context.Context) (*report.Result, error) {
	res := report.New(s.name, time.Now())
	p, err := s.provisionPort(ctx, s.cfg.Port)
	if err != nil {
		return nil, err
	}
	portIP, err := address(p, s.cfg.Port.IP)
	if err != nil {
		return nil, err
	}
	dev, err := s.lockDevice(ctx, s.cfg.Device, api.CapabilityTxUDP)
	if err != nil {
		return nil, err
	}
	trig, err := s.addTrigger(ctx, p, filter.UDPToDstPort(portIP, s.cfg.UDPDstPort), false)
	if err != nil {
		return nil, err
	}
	stream, err := s.addDeviceStream(ctx, dev, api.DeviceStreamSpec{
		Payload:            payload(s.cfg.PayloadSize),
		NumberOfFrames:     s.cfg.NumberOfFrames,
		InterFrameGapNs:    s.cfg.InterFrameGap.Nanoseconds(),
		SourcePort:         s.cfg.UDPSrcPort,
		DestinationPort:    s.cfg.UDPDstPort,
		DestinationAddress: portIP,
	})
	if err != nil {
		return nil, err
	}
	s.out.Printf("port: %s\n", p.Description())

	startAt, err := s.runDevice(ctx, dev, stream.Duration())
	if err != nil {
		return nil, err
	}
	end := startAt.Add(stream.Duration())
	interval := s.env.interval()
	iterations := int((time.Until(end) + interval - 1) / interval)
	if iterations < 1 {
		iterations = 1
	}
	res.Columns("interval", "rx_frames")
	var prev uint64
	err = poll.Every(ctx, interval, iterations, func(ctx context.Context, i int) error {
		r, err := trig.Result(ctx)
		if err != nil {
			return err
		}
		n := r.Cumulative.PacketCount
		s.out.Printf("rx %d frames\n", n-prev)
		if err := res.Row(i+1, n-prev); err != nil {
			return err
		}
		prev = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := poll.SleepUntil(ctx, end.Add(s.cfg.Settle)); err != nil {
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

	r := flowResult{name: "udp-up", tx: api.Counters{PacketCount: s.cfg.NumberOfFrames}, rx: tr.Cumulative}
	s.out.Printf("Sent %d frames, received %d frames\n", r.tx.PacketCount, r.rx.PacketCount)
	addDeviceFields(res, d)
	res.Add("tx_frames", r.tx.PacketCount)
	res.Add("rx_frames", r.rx.PacketCount)
	res.Add("rx_bytes", r.rx.ByteCount)
	res.Add("loss_percent", r.lossPercent())
	return res.Finish(time.Now()), nil
}

type WirelessHistogramConfig struct {
	Device     string            `yaml:"device"`
	Port       config.PortConfig `yaml:"port"`
	UDPSrcPort uint16            `yaml:"udp_src_port" default:"4096"`
	// DeviceUDPPort is the port the device listens on, the frame that
	// opens the NAT leaves from it.
	DeviceUDPPort    uint16        `yaml:"device_udp_port" default:"4096"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout" default:"5s"`
	RangeMin         time.Duration `yaml:"range_min"`
	RangeMax         time.Duration `yaml:"range_max" default:"50ms"`
	Buckets          int           `yaml:"buckets" default:"100"`
	Traffic          `yaml:",inline"`
}

func (c *WirelessHistogramConfig) Validate() error {
	if err := c.Port.Validate(); err != nil {
		return err
	}
	if c.Port.IP.IPv6() {
		return fmt.Errorf("the latency histogram scenario runs over IPv4")
	}
	if c.Buckets <= 0 || c.RangeMax <= c.RangeMin {
		return fmt.Errorf("histogram needs buckets and range_max above range_min")
	}
	return c.Traffic.Validate()
}

func wirelessHistogramConfig() config.Validator {
	p := config.DHCP("nontrunk-1", config.IPDHCPv4)
	p.MAC = "00:bb:01:00:00:01"
	return &WirelessHistogramConfig{Port: p}
}

// WirelessHistogram streams from a port to a wireless endpoint behind NAT
// and collects the latency distribution on the endpoint. A frame from the
// endpoint first opens the NAT and tells the public address to send to.
type WirelessHistogram struct {
	base
	cfg *WirelessHistogramConfig
}

func newWirelessHistogram(env *Env, cfg config.Validator) Scenario {
	return &WirelessHistogram{base: newBase("wireless-latency-histogram", env), cfg: cfg.(*WirelessHistogramConfig)}
}

// openNAT sends one frame from dev to the port and captures it there.
func (s *WirelessHistogram) openNAT(ctx context.Context, dev *client.WirelessEndpoint, p *client.Port, portIP string) (frame.Endpoint, error) {
	capture, err := s.startCapture(ctx, p, filter.UDPPort(s.cfg.UDPSrcPort))
	if err != nil {
		return frame.Endpoint{}, err
	}
	opener, err := dev.TxStreamAdd(ctx, api.DeviceStreamSpec{
		Payload:            frame.Hex([]byte(natDiscoveryPayload)),
		NumberOfFrames:     1,
		InterFrameGapNs:    time.Millisecond.Nanoseconds(),
		SourcePort:         s.cfg.DeviceUDPPort,
		DestinationPort:    s.cfg.UDPSrcPort,
		DestinationAddress: portIP,
	})
	if err != nil {
		return frame.Endpoint{}, err
	}
	defer func() {
		if err := dev.TxStreamRemove(ctx, opener); err != nil {
			s.log.Warn("failed to remove NAT opening stream", zap.Error(err))
		}
	}()
	startAt, err := s.runDevice(ctx, dev, opener.Duration())
	if err != nil {
		return frame.Endpoint{}, err
	}

	var public frame.Endpoint
	_, err = s.firstFrame(ctx, capture, time.Until(startAt)+s.cfg.DiscoveryTimeout, func(f api.CapturedFrame) bool {
		src, dst, err := frame.UDPEndpoints(f.Bytes)
		if err != nil || dst.Port != s.cfg.UDPSrcPort {
			return false
		}
		public = src
		return true
	})
	if err != nil {
		return frame.Endpoint{}, fmt.Errorf("NAT opening frame from %s not received: %w", dev.UUID(), err)
	}
	// the device stays armed until its first scenario is over
	if err := s.waitDevice(ctx, dev, startAt.Add(opener.Duration())); err != nil {
		return frame.Endpoint{}, err
	}
	return public, nil
}

func (s *WirelessHistogram) Run(ctx context.Context) (*report.Result, error) {
	res := report.New(s.name, time.Now())
	p, err := s.provisionPort(ctx, s.cfg.Port)
	if err != nil {
		return nil, err
	}
	portIP, err := address(p, s.cfg.Port.IP)
	if err != nil {
		return nil, err
	}
	dev, err := s.lockDevice(ctx, s.cfg.Device, api.CapabilityTxUDP, api.CapabilityLatencyDistribution)
	if err != nil {
		return nil, err
	}
	public, err := s.openNAT(ctx, dev, p, portIP)
	if err != nil {
		return nil, err
	}
	s.out.Printf("wireless endpoint is reachable at %s\n", public)

	hist, err := dev.RxLatencyDistributionAdd(ctx, api.LatencyDistributionSpec{
		SourcePort:      s.cfg.UDPSrcPort,
		DestinationPort: s.cfg.DeviceUDPPort,
		RangeMinNs:      s.cfg.RangeMin.Nanoseconds(),
		RangeMaxNs:      s.cfg.RangeMax.Nanoseconds(),
		Buckets:         s.cfg.Buckets,
	})
	if err != nil {
		return nil, err
	}
	s.onCleanup("latency distribution", hist.Remove)

	dstMAC, err := resolveMAC(ctx, p, public.IP.String())
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
		DstIP:       public.IP,
		SrcPort:     s.cfg.UDPSrcPort,
		DstPort:     public.Port,
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
	h, err := hist.Result(ctx)
	if err != nil {
		return nil, err
	}
	d, err := dev.Result(ctx)
	if err != nil {
		return nil, err
	}

	r := flowResult{name: "downstream", tx: sr.Cumulative, rx: h.Cumulative}
	s.out.Printf("Sent %d frames, received %d frames\n", r.tx.PacketCount, r.rx.PacketCount)
	s.out.Printf("latency min %s avg %s max %s jitter %s\n",
		time.Duration(h.Latency.MinNs), time.Duration(h.Latency.AvgNs), time.Duration(h.Latency.MaxNs), time.Duration(h.Latency.JitterNs))

	addDeviceFields(res, d)
	res.Add("public_ip", public.IP.String())
	res.Add("public_port", public.Port)
	addFlowFields(res, "", r)
	res.Add("latency_min", time.Duration(h.Latency.MinNs))
	res.Add("latency_avg", time.Duration(h.Latency.AvgNs))
	res.Add("latency_max", time.Duration(h.Latency.MaxNs))
	res.Add("jitter", time.Duration(h.Latency.JitterNs))
	res.Add("below_min", h.BelowMin)
	res.Add("above_max", h.AboveMax)
	res.Columns("bucket_start", "bucket_end", "frames")
	for i, n := range h.Buckets {
		lo := time.Duration(h.RangeMinNs + int64(i)*h.BucketWidthNs)
		if err := res.Row(lo, lo+time.Duration(h.BucketWidthNs), n); err != nil {
			return nil, err
		}
	}
	return res.Finish(time.Now()), nil
}

var (
	_ Scenario = (*WirelessMinimum)(nil)
	_ Scenario = (*WirelessUp)(nil)
	_ Scenario = (*WirelessHistogram)(nil)
)
