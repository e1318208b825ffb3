package scenario

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/takehaya/tgctl/pkg/api"
	"github.com/takehaya/tgctl/pkg/config"
	"github.com/takehaya/tgctl/pkg/frame"
	"github.com/takehaya/tgctl/pkg/report"
	"go.uber.org/zap"
)

type DNSConfig struct {
	Port      config.PortConfig `yaml:"port"`
	DNSServer string            `yaml:"dns_server" default:"10.10.0.53"`
	Query     string            `yaml:"query" default:"www.excentis.com"`
	SrcPort   uint16            `yaml:"udp_src_port" default:"5353"`
	Timeout   time.Duration     `yaml:"timeout" default:"5s"`
}

func (c *DNSConfig) Validate() error {
	if err := c.Port.Validate(); err != nil {
		return err
	}
	if c.Port.IP.IPv6() {
		return fmt.Errorf("the DNS query is sent over IPv4")
	}
	if ip := net.ParseIP(c.DNSServer); ip == nil || ip.To4() == nil {
		return fmt.Errorf("invalid dns_server %q", c.DNSServer)
	}
	if strings.TrimSpace(c.Query) == "" {
		return fmt.Errorf("query is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

func dnsConfig() config.Validator {
	p := config.DHCP("nontrunk-1", config.IPDHCPv4)
	p.MAC = "00:bb:23:21:55:12"
	return &DNSConfig{Port: p}
}

// DNSRequest sends one crafted A query, captures the answer and times it
// against the moment the query left.
type DNSRequest struct {
	base
	cfg *DNSConfig
}

func newDNSRequest(env *Env, cfg config.Validator) Scenario {
	return &DNSRequest{base: newBase("dns-request", env), cfg: cfg.(*DNSConfig)}
}

func (s *DNSRequest) Run(ctx context.Context) (*report.Result, error) {
	res := report.New(s.name, time.Now())
	p, err := s.provisionPort(ctx, s.cfg.Port)
	if err != nil {
		return nil, err
	}
	myIP, err := address(p, s.cfg.Port.IP)
	if err != nil {
		return nil, err
	}
	dstMAC, err := resolveMAC(ctx, p, s.cfg.DNSServer)
	if err != nil {
		return nil, err
	}
	srcMAC, err := net.ParseMAC(p.MAC())
	if err != nil {
		return nil, err
	}
	id := uint16(rand.Intn(1 << 16))
	data, err := frame.DNSQuery{
		SrcMAC:  srcMAC,
		DstMAC:  dstMAC,
		SrcIP:   net.ParseIP(myIP),
		DstIP:   net.ParseIP(s.cfg.DNSServer),
		SrcPort: s.cfg.SrcPort,
		ID:      id,
		Name:    s.cfg.Query,
	}.Bytes()
	if err != nil {
		return nil, err
	}

	capture, err := s.startCapture(ctx, p, fmt.Sprintf("ip and udp src port %d", frame.DNSPort))
	if err != nil {
		return nil, err
	}
	stream, err := s.addStream(ctx, p, Traffic{NumberOfFrames: 1, InterFrameGap: time.Millisecond}, data, false)
	if err != nil {
		return nil, err
	}
	if err := stream.Start(ctx); err != nil {
		return nil, err
	}

	var (
		answer *frame.DNSAnswer
		msg    *layers.DNS
	)
	f, err := s.firstFrame(ctx, capture, s.cfg.Timeout, func(f api.CapturedFrame) bool {
		a, m, err := frame.ParseDNS(f.Bytes)
		if err != nil || a.ID != id || !m.QR {
			return false
		}
		answer, msg = a, m
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("no answer from %s: %w", s.cfg.DNSServer, err)
	}
	sr, err := stream.Result(ctx)
	if err != nil {
		return nil, err
	}
	rt := time.Duration(f.TimestampNs - sr.Cumulative.TimestampLast)

	s.out.Printf("Queried %s for '%s'\n", s.cfg.DNSServer, s.cfg.Query)
	res.Add("dns_server", s.cfg.DNSServer)
	res.Add("query", s.cfg.Query)
	res.Add("rcode", msg.ResponseCode.String())
	if msg.ResponseCode != layers.DNSResponseCodeNoErr || len(answer.Addresses) == 0 {
		s.out.Printf("Record not found\n")
		res.Add("found", false)
		return res.Finish(time.Now()), nil
	}
	addrs := make([]string, len(answer.Addresses))
	for i, a := range answer.Addresses {
		addrs[i] = a.String()
	}
	s.out.Printf("Response: %s in %.3f ms\n", strings.Join(addrs, ", "), float64(rt)/1e6)
	s.log.Info("dns answer", zap.Strings("addresses", addrs), zap.Duration("response_time", rt))
	res.Add("found", true)
	res.Add("rdata", strings.Join(addrs, ","))
	res.Add("response_time", rt)
	return res.Finish(time.Now()), nil
}

var _ Scenario = (*DNSRequest)(nil)
