package client

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/takehaya/tgctl/pkg/api"
	"github.com/takehaya/tgctl/pkg/poll"
	"go.uber.org/zap"
)

// Port is a virtual endpoint on one interface of the server.
type Port struct {
	srv  *Server
	id   string
	info api.PortInfo
}

func (p *Port) ID() string { return p.id }

func (p *Port) Interface() string { return p.info.Interface }

func (p *Port) path(suffix string) string { return "/ports/" + p.id + suffix }

func (p *Port) update(ctx context.Context, method, suffix string, body interface{}) (api.PortInfo, error) {
	var info api.PortInfo
	if err := p.srv.do(ctx, method, p.path(suffix), body, &info); err != nil {
		return api.PortInfo{}, err
	}
	p.info = info
	return info, nil
}

// Info refreshes and returns the port configuration.
func (p *Port) Info(ctx context.Context) (api.PortInfo, error) {
	return p.update(ctx, http.MethodGet, "", nil)
}

// Description is the last known configuration in one line.
func (p *Port) Description() string { return p.info.Description() }

func (p *Port) SetMAC(ctx context.Context, mac string) error {
	_, err := p.update(ctx, http.MethodPut, "/mac", api.MACRequest{MAC: mac})
	return err
}

func (p *Port) AddVLAN(ctx context.Context, id uint16) error {
	_, err := p.update(ctx, http.MethodPost, "/vlans", api.VLANRequest{ID: id})
	return err
}

func (p *Port) SetIPv4(ctx context.Context, address, netmask, gateway string) error {
	_, err := p.update(ctx, http.MethodPut, "/ipv4", api.IPv4Config{Address: address, Netmask: netmask, Gateway: gateway})
	return err
}

// DHCPv4 runs DHCP and returns once the port holds a lease.
func (p *Port) DHCPv4(ctx context.Context) (string, error) {
	info, err := p.update(ctx, http.MethodPost, "/dhcpv4", api.DHCPRequest{})
	if err != nil {
		return "", err
	}
	if info.IPv4 == nil {
		return "", api.Domain(api.CodeDHCPFailed, "port %s got no IPv4 lease", p.id)
	}
	return info.IPv4.Address, nil
}

// DHCPv4Async starts DHCP without waiting for the lease, see DHCPv4Wait.
func (p *Port) DHCPv4Async(ctx context.Context) error {
	_, err := p.update(ctx, http.MethodPost, "/dhcpv4", api.DHCPRequest{Async: true})
	return err
}

// DHCPv4Wait polls until the port reports an IPv4 address.
func (p *Port) DHCPv4Wait(ctx context.Context, timeout time.Duration) (string, error) {
	var addr string
	err := poll.Until(ctx, 50*time.Millisecond, timeout, func(ctx context.Context) (bool, error) {
		info, err := p.Info(ctx)
		if err != nil {
			return false, err
		}
		if info.IPv4 == nil {
			return false, nil
		}
		addr = info.IPv4.Address
		return true, nil
	})
	if err != nil {
		return "", api.Wrap(err, api.CodeDHCPFailed, "no DHCP lease on port %s", p.id)
	}
	return addr, nil
}

func (p *Port) DHCPv6(ctx context.Context) ([]string, error) {
	info, err := p.update(ctx, http.MethodPost, "/dhcpv6", nil)
	return info.IPv6, err
}

func (p *Port) SLAAC(ctx context.Context) ([]string, error) {
	info, err := p.update(ctx, http.MethodPost, "/slaac", nil)
	return info.IPv6, err
}

// AddIPv6 adds a static address in address/prefix form.
func (p *Port) AddIPv6(ctx context.Context, cidr string) error {
	_, err := p.update(ctx, http.MethodPost, "/ipv6", api.IPv6Request{Address: cidr})
	return err
}

// IPv4 is the current IPv4 address, empty when there is none.
func (p *Port) IPv4() string {
	if p.info.IPv4 == nil {
		return ""
	}
	return p.info.IPv4.Address
}

// IPv6 returns the first global IPv6 address without prefix length.
func (p *Port) IPv6() string {
	for _, a := range p.info.IPv6 {
		ip, _, err := net.ParseCIDR(a)
		if err == nil && !ip.IsLinkLocalUnicast() {
			return ip.String()
		}
	}
	return ""
}

func (p *Port) MAC() string { return p.info.MAC }

// Resolve returns the MAC address to send to for addr: the owner when it
// is on link, the gateway otherwise.
func (p *Port) Resolve(ctx context.Context, addr string) (string, error) {
	var res api.ResolveResponse
	if err := p.srv.do(ctx, http.MethodPost, p.path("/resolve"), api.ResolveRequest{Address: addr}, &res); err != nil {
		return "", err
	}
	return res.MAC, nil
}

// Future holds the outcome of an asynchronous call.
type Future struct {
	done chan struct{}
	val  string
	err  error
}

func (f *Future) Wait(ctx context.Context) (string, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ResolveAsync starts a resolution in the background.
func (p *Port) ResolveAsync(ctx context.Context, addr string) *Future {
	f := &Future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.val, f.err = p.Resolve(ctx, addr)
	}()
	return f
}

// Start starts all streams of the port and its scheduled HTTP clients.
func (p *Port) Start(ctx context.Context) error {
	return p.srv.do(ctx, http.MethodPost, p.path("/start"), nil, nil)
}

func (p *Port) Stop(ctx context.Context) error {
	return p.srv.do(ctx, http.MethodPost, p.path("/stop"), nil, nil)
}

func (p *Port) add(ctx context.Context, suffix string, body interface{}) (string, error) {
	var id api.IDResponse
	if err := p.srv.do(ctx, http.MethodPost, p.path(suffix), body, &id); err != nil {
		return "", err
	}
	p.srv.log.Debug("object added", zap.String("port", p.id), zap.String("kind", suffix[1:]), zap.String("id", id.ID))
	return id.ID, nil
}

// TxStreamAdd creates an empty stream, configure it before starting.
func (p *Port) TxStreamAdd(ctx context.Context) (*Stream, error) {
	s := &Stream{srv: p.srv, port: p, spec: api.StreamSpec{NumberOfFrames: 1, InterFrameGapNs: int64(time.Millisecond)}}
	id, err := p.add(ctx, "/streams", s.spec)
	if err != nil {
		return nil, err
	}
	s.id = id
	return s, nil
}

func (p *Port) RxTriggerBasicAdd(ctx context.Context) (*Trigger, error) {
	return p.triggerAdd(ctx, api.TriggerBasic)
}

func (p *Port) RxLatencyBasicAdd(ctx context.Context) (*Trigger, error) {
	return p.triggerAdd(ctx, api.TriggerLatency)
}

func (p *Port) triggerAdd(ctx context.Context, kind api.TriggerKind) (*Trigger, error) {
	id, err := p.add(ctx, "/triggers", api.TriggerSpec{Kind: kind})
	if err != nil {
		return nil, err
	}
	return &Trigger{srv: p.srv, id: id, kind: kind}, nil
}

func (p *Port) RxCaptureBasicAdd(ctx context.Context) (*Capture, error) {
	id, err := p.add(ctx, "/captures", api.CaptureSpec{})
	if err != nil {
		return nil, err
	}
	return &Capture{srv: p.srv, id: id}, nil
}

func (p *Port) RxCaptureRemove(ctx context.Context, c *Capture) error {
	return c.Remove(ctx)
}

// HTTPServerAdd creates an HTTP server listening on TCP port 80.
func (p *Port) HTTPServerAdd(ctx context.Context) (*HTTPServer, error) {
	id, err := p.add(ctx, "/httpservers", api.HTTPServerSpec{})
	if err != nil {
		return nil, err
	}
	return &HTTPServer{srv: p.srv, id: id, port: 80}, nil
}

func (p *Port) HTTPClientAdd(ctx context.Context) (*HTTPClient, error) {
	spec := api.HTTPClientSpec{Method: api.MethodGet, StartType: api.StartDirect, RemotePort: 80}
	id, err := p.add(ctx, "/httpclients", spec)
	if err != nil {
		return nil, err
	}
	return &HTTPClient{srv: p.srv, id: id, spec: spec}, nil
}

func (p *Port) ICMPSessionAdd(ctx context.Context) (*ICMPSession, error) {
	spec := api.ICMPSessionSpec{IntervalNs: int64(time.Second)}
	id, err := p.add(ctx, "/icmp", spec)
	if err != nil {
		return nil, err
	}
	return &ICMPSession{srv: p.srv, id: id, spec: spec}, nil
}

func (p *Port) IGMPv3SessionAdd(ctx context.Context, group string) (*MulticastSession, error) {
	return p.multicastAdd(ctx, group)
}

func (p *Port) MLDv2SessionAdd(ctx context.Context, group string) (*MulticastSession, error) {
	return p.multicastAdd(ctx, group)
}

func (p *Port) multicastAdd(ctx context.Context, group string) (*MulticastSession, error) {
	id, err := p.add(ctx, "/multicast", api.MulticastSessionSpec{Group: group})
	if err != nil {
		return nil, err
	}
	return &MulticastSession{srv: p.srv, id: id}, nil
}

func (p *Port) TunnelTCPAdd(ctx context.Context, spec api.TunnelSpec) (*Tunnel, error) {
	id, err := p.add(ctx, "/tunnels", spec)
	if err != nil {
		return nil, err
	}
	return &Tunnel{srv: p.srv, id: id, spec: spec}, nil
}
