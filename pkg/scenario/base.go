package scenario

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/takehaya/tgctl/pkg/api"
	"github.com/takehaya/tgctl/pkg/client"
	"github.com/takehaya/tgctl/pkg/config"
	"github.com/takehaya/tgctl/pkg/frame"
	"github.com/takehaya/tgctl/pkg/plugin"
	"github.com/takehaya/tgctl/pkg/poll"
	"github.com/takehaya/tgctl/pkg/report"
	"go.uber.org/zap"
)

type CancelFunc func(ctx context.Context) error

type cleanupEntry struct {
	what string
	fn   CancelFunc
}

// base carries what every scenario shares: the environment, a live
// printer and the list of undo functions for the remote objects created.
type base struct {
	name string
	env  *Env
	log  *zap.Logger
	out  *poll.Printer

	cleanupFnList []cleanupEntry
	generators    map[string]plugin.Generator
}

func newBase(name string, env *Env) base {
	lg := env.Log
	if lg == nil {
		lg = zap.NewNop()
	}
	out := env.Out
	if out == nil {
		out = io.Discard
	}
	return base{
		name: name,
		env:  env,
		log:  lg.With(zap.String("scenario", name)),
		out:  poll.NewPrinter(out),
	}
}

func (b *base) Name() string { return b.name }

// onCleanup registers fn to run at cleanup, in reverse registration order.
func (b *base) onCleanup(what string, fn CancelFunc) {
	b.cleanupFnList = append(b.cleanupFnList, cleanupEntry{what: what, fn: fn})
}

func (b *base) Cleanup(ctx context.Context) error {
	var errs []error
	for i := len(b.cleanupFnList) - 1; i >= 0; i-- {
		c := b.cleanupFnList[i]
		if err := c.fn(ctx); err != nil {
			b.log.Error("failed to cleanup", zap.String("object", c.what), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.what, err))
		}
	}
	b.cleanupFnList = nil
	return errors.Join(errs...)
}

// provisionPort creates a port configured by pc and destroys it at
// cleanup.
func (b *base) provisionPort(ctx context.Context, pc config.PortConfig) (*client.Port, error) {
	srv, err := b.env.server()
	if err != nil {
		return nil, err
	}
	p, err := Provision(ctx, srv, pc)
	if err != nil {
		return nil, err
	}
	b.onCleanup("port "+p.ID(), func(ctx context.Context) error { return srv.PortDestroy(ctx, p) })
	b.log.Info("port provisioned", zap.String("port", p.Description()))
	return p, nil
}

// Provision creates a port on srv and applies pc to it: MAC, VLAN, then the
// address configuration. The port is destroyed again when any step fails.
func Provision(ctx context.Context, srv *client.Server, pc config.PortConfig) (*client.Port, error) {
	p, err := srv.PortCreate(ctx, pc.Interface)
	if err != nil {
		return nil, fmt.Errorf("create port on %s: %w", pc.Interface, err)
	}
	if err := configurePort(ctx, p, pc); err != nil {
		if derr := srv.PortDestroy(ctx, p); derr != nil {
			err = errors.Join(err, derr)
		}
		return nil, err
	}
	return p, nil
}

func configurePort(ctx context.Context, p *client.Port, pc config.PortConfig) error {
	if pc.MAC != "" {
		if err := p.SetMAC(ctx, pc.MAC); err != nil {
			return err
		}
	}
	if pc.VLAN != nil {
		if err := p.AddVLAN(ctx, *pc.VLAN); err != nil {
			return err
		}
	}
	var err error
	switch pc.IP.Mode {
	case config.IPStaticV4:
		err = p.SetIPv4(ctx, pc.IP.Address, pc.IP.Netmask, pc.IP.Gateway)
	case config.IPDHCPv4:
		_, err = p.DHCPv4(ctx)
	case config.IPDHCPv6:
		_, err = p.DHCPv6(ctx)
	case config.IPSLAAC:
		_, err = p.SLAAC(ctx)
	case config.IPStaticV6:
		err = p.AddIPv6(ctx, pc.IP.CIDR())
	}
	if err != nil {
		return fmt.Errorf("configure %s on %s: %w", pc.IP.Mode, pc.Interface, err)
	}
	_, err = p.Info(ctx)
	return err
}

// address is the address of p in the family the port was configured with.
func address(p *client.Port, ip config.IPConfig) (string, error) {
	a := p.IPv4()
	if ip.IPv6() {
		a = p.IPv6()
	}
	if a == "" {
		return "", fmt.Errorf("port %s has no address", p.ID())
	}
	return a, nil
}

// Traffic is the stream configuration shared by the frame blasting
// scenarios.
type Traffic struct {
	NumberOfFrames uint64 `yaml:"number_of_frames" default:"10000"`
	// FrameSize is the layer 2 size without CRC.
	FrameSize     int           `yaml:"frame_size" default:"512"`
	InterFrameGap time.Duration `yaml:"inter_frame_gap" default:"1ms"`
	// Throughput in Mbps replaces InterFrameGap when set.
	Throughput float64 `yaml:"throughput"`
	// Settle is the wait after the last frame before the final counters
	// are read.
	Settle time.Duration `yaml:"settle" default:"1s"`

	FramePlugin     string                 `yaml:"frame_plugin"`
	FramePluginArgs map[string]interface{} `yaml:"frame_plugin_args"`
}

func (t Traffic) Validate() error {
	if t.NumberOfFrames == 0 {
		return fmt.Errorf("number_of_frames must be positive")
	}
	if t.FrameSize < frame.MinSize {
		return fmt.Errorf("frame_size must be at least %d", frame.MinSize)
	}
	if t.Throughput < 0 {
		return fmt.Errorf("throughput must not be negative")
	}
	if t.Throughput == 0 && t.InterFrameGap <= 0 {
		return fmt.Errorf("inter_frame_gap must be positive")
	}
	return nil
}

// Gap is the inter frame gap, derived from the throughput when one is set.
func (t Traffic) Gap() (time.Duration, error) {
	if t.Throughput > 0 {
		ns, err := frame.InterFrameGap(t.FrameSize, t.Throughput)
		if err != nil {
			return 0, err
		}
		if ns <= 0 {
			return 0, fmt.Errorf("throughput %v Mbps leaves no inter frame gap", t.Throughput)
		}
		return time.Duration(ns), nil
	}
	return t.InterFrameGap, nil
}

// Duration is the time the stream needs to send all frames.
func (t Traffic) Duration() (time.Duration, error) {
	gap, err := t.Gap()
	if err != nil {
		return 0, err
	}
	return time.Duration(t.NumberOfFrames) * gap, nil
}

func (b *base) generator(ctx context.Context, t Traffic) (plugin.Generator, error) {
	if g, ok := b.generators[t.FramePlugin]; ok {
		return g, nil
	}
	if b.env.Plugins == nil {
		return nil, fmt.Errorf("frame_plugin %q set but no plugin directory configured", t.FramePlugin)
	}
	args, err := json.Marshal(t.FramePluginArgs)
	if err != nil {
		return nil, fmt.Errorf("frame_plugin_args: %w", err)
	}
	g, err := b.env.Plugins.Generator(ctx, t.FramePlugin, args)
	if err != nil {
		return nil, err
	}
	if b.generators == nil {
		b.generators = map[string]plugin.Generator{}
	}
	b.generators[t.FramePlugin] = g
	b.onCleanup("frame plugin "+t.FramePlugin, g.Cleanup)
	return g, nil
}

// udpFrame builds the frame described by u, through the frame plugin when
// the traffic configuration names one.
func (b *base) udpFrame(ctx context.Context, t Traffic, u frame.UDP, seq uint64) ([]byte, error) {
	if t.FramePlugin == "" {
		return u.Bytes()
	}
	g, err := b.generator(ctx, t)
	if err != nil {
		return nil, err
	}
	args, err := json.Marshal(t.FramePluginArgs)
	if err != nil {
		return nil, err
	}
	return g.Generate(ctx, plugin.FrameRequest{
		SrcMAC:   u.SrcMAC.String(),
		DstMAC:   u.DstMAC.String(),
		VLAN:     u.VLAN,
		SrcIP:    u.SrcIP.String(),
		DstIP:    u.DstIP.String(),
		SrcPort:  u.SrcPort,
		DstPort:  u.DstPort,
		Size:     u.Size,
		Sequence: seq,
		Args:     args,
	})
}

// addStream creates a stream on p sending data as configured by t.
func (b *base) addStream(ctx context.Context, p *client.Port, t Traffic, data []byte, timeTag bool) (*client.Stream, error) {
	gap, err := t.Gap()
	if err != nil {
		return nil, err
	}
	s, err := p.TxStreamAdd(ctx)
	if err != nil {
		return nil, err
	}
	b.onCleanup("stream "+s.ID(), s.Remove)
	if err := s.SetNumberOfFrames(ctx, t.NumberOfFrames); err != nil {
		return nil, err
	}
	if err := s.SetInterFrameGap(ctx, gap); err != nil {
		return nil, err
	}
	if err := s.AddFrame(ctx, data, timeTag); err != nil {
		return nil, err
	}
	b.log.Debug("stream configured", zap.String("stream", s.Description()))
	return s, nil
}

// addTrigger creates a trigger on p for expr, cleared so that it only
// counts from now on.
func (b *base) addTrigger(ctx context.Context, p *client.Port, expr string, latency bool) (*client.Trigger, error) {
	var (
		t   *client.Trigger
		err error
	)
	if latency {
		t, err = p.RxLatencyBasicAdd(ctx)
	} else {
		t, err = p.RxTriggerBasicAdd(ctx)
	}
	if err != nil {
		return nil, err
	}
	b.onCleanup("trigger "+t.ID(), t.Remove)
	if err := t.SetFilter(ctx, expr); err != nil {
		return nil, err
	}
	if err := t.Clear(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// resolveMAC returns the next hop MAC of dst as seen from p.
func resolveMAC(ctx context.Context, p *client.Port, dst string) (net.HardwareAddr, error) {
	s, err := p.Resolve(ctx, dst)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dst, err)
	}
	return net.ParseMAC(s)
}

// flow is one stream and the trigger counting it on the other side.
type flow struct {
	name    string
	stream  *client.Stream
	trigger *client.Trigger
}

type flowResult struct {
	name    string
	tx      api.Counters
	rx      api.Counters
	latency *api.LatencyStats
}

func (r flowResult) lossPercent() float64 {
	if r.tx.PacketCount == 0 || r.rx.PacketCount >= r.tx.PacketCount {
		return 0
	}
	return float64(r.tx.PacketCount-r.rx.PacketCount) * 100 / float64(r.tx.PacketCount)
}

// watch prints the counters of the running flows every interval for
// duration, waits settle and returns the final counters. The interval
// samples go into res as a series.
func (b *base) watch(ctx context.Context, res *report.Result, flows []flow, duration, settle time.Duration) ([]flowResult, error) {
	interval := b.env.interval()
	iterations := int((duration + interval - 1) / interval)
	if iterations < 1 {
		iterations = 1
	}
	res.Columns("interval", "flow", "tx_frames", "rx_frames")

	prev := make([]flowResult, len(flows))
	err := poll.Every(ctx, interval, iterations, func(ctx context.Context, i int) error {
		for j, f := range flows {
			cur, err := f.read(ctx)
			if err != nil {
				return err
			}
			tx := cur.tx.PacketCount - prev[j].tx.PacketCount
			rx := cur.rx.PacketCount - prev[j].rx.PacketCount
			b.out.Printf("%s: tx %d, rx %d frames\n", f.name, tx, rx)
			if err := res.Row(i+1, f.name, tx, rx); err != nil {
				return err
			}
			prev[j] = cur
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := poll.Sleep(ctx, settle); err != nil {
		return nil, err
	}

	out := make([]flowResult, 0, len(flows))
	for _, f := range flows {
		r, err := f.read(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (f flow) read(ctx context.Context) (flowResult, error) {
	r := flowResult{name: f.name}
	sr, err := f.stream.Result(ctx)
	if err != nil {
		return r, err
	}
	tr, err := f.trigger.Result(ctx)
	if err != nil {
		return r, err
	}
	r.tx, r.rx, r.latency = sr.Cumulative, tr.Cumulative, tr.Latency
	return r, nil
}

// addFlowFields reports r under prefix, an empty prefix for a single flow.
func addFlowFields(res *report.Result, prefix string, r flowResult) {
	if prefix != "" {
		prefix += "."
	}
	res.Add(prefix+"tx_frames", r.tx.PacketCount)
	res.Add(prefix+"rx_frames", r.rx.PacketCount)
	res.Add(prefix+"tx_bytes", r.tx.ByteCount)
	res.Add(prefix+"rx_bytes", r.rx.ByteCount)
	res.Add(prefix+"loss_percent", r.lossPercent())
}
