package simulator

import (
	"net"
	"time"

	"github.com/google/uuid"
	probing "github.com/prometheus-community/pro-bing"
	"github.com/takehaya/tgctl/pkg/api"
	"go.uber.org/zap"
)

// PingStats is the running tally of a host side echo session.
type PingStats struct {
	Sent, Received         int
	MinRtt, AvgRtt, MaxRtt time.Duration
}

type PingHandle interface {
	Stop()
	Stats() PingStats
}

// Pinger sends real ICMP echo requests for targets no simulated node owns.
type Pinger interface {
	Ping(addr string, interval time.Duration, size int) (PingHandle, error)
}

func newPinger(cfg PingConfig, lg *zap.Logger) Pinger {
	if !cfg.Enabled {
		return nil
	}
	return &hostPinger{privileged: cfg.Privileged, log: lg}
}

type hostPinger struct {
	privileged bool
	log        *zap.Logger
}

func (h *hostPinger) Ping(addr string, interval time.Duration, size int) (PingHandle, error) {
	p, err := probing.NewPinger(addr)
	if err != nil {
		return nil, err
	}
	p.Interval = interval
	if size > 0 {
		p.Size = size
	}
	p.SetPrivileged(h.privileged)
	go func() {
		if err := p.Run(); err != nil {
			h.log.Warn("host ping failed", zap.String("target", addr), zap.Error(err))
		}
	}()
	return &probingHandle{p: p}, nil
}

type probingHandle struct {
	p *probing.Pinger
}

func (h *probingHandle) Stop() { h.p.Stop() }

func (h *probingHandle) Stats() PingStats {
	st := h.p.Statistics()
	return PingStats{
		Sent:     st.PacketsSent,
		Received: st.PacketsRecv,
		MinRtt:   st.MinRtt,
		AvgRtt:   st.AvgRtt,
		MaxRtt:   st.MaxRtt,
	}
}

type icmpSession struct {
	id        string
	port      *port
	spec      api.ICMPSessionSpec
	local     bool
	startedAt time.Time
	stoppedAt time.Time
	handle    PingHandle
}

func (s *icmpSession) stop(now time.Time) {
	if s.startedAt.IsZero() || !s.stoppedAt.IsZero() {
		return
	}
	s.stoppedAt = now
	if s.handle != nil {
		s.handle.Stop()
	}
}

// sentBy counts echo requests sent at or before t.
func (s *icmpSession) sentBy(t time.Time) uint64 {
	if s.startedAt.IsZero() || t.Before(s.startedAt) {
		return 0
	}
	if !s.stoppedAt.IsZero() && s.stoppedAt.Before(t) {
		t = s.stoppedAt
	}
	return uint64(t.Sub(s.startedAt)/time.Duration(s.spec.IntervalNs)) + 1
}

func (e *Engine) icmpSession(id string) (*icmpSession, error) {
	s, ok := e.icmp[id]
	if !ok {
		return nil, e.notFound("icmp session", id)
	}
	return s, nil
}

func (e *Engine) AddICMPSession(portID string, spec api.ICMPSessionSpec) (string, error) {
	if spec.IntervalNs <= 0 {
		spec.IntervalNs = int64(time.Second)
	}
	if spec.RemoteAddress != "" && net.ParseIP(spec.RemoteAddress) == nil {
		return "", api.Domain(api.CodeBadRequest, "invalid remote address %q", spec.RemoteAddress)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.port(portID)
	if err != nil {
		return "", err
	}
	s := &icmpSession{id: uuid.NewString(), port: p, spec: spec}
	e.icmp[s.id] = s
	return s.id, nil
}

func (e *Engine) UpdateICMPSession(id string, spec api.ICMPSessionSpec) error {
	if spec.IntervalNs <= 0 {
		spec.IntervalNs = int64(time.Second)
	}
	if spec.RemoteAddress != "" && net.ParseIP(spec.RemoteAddress) == nil {
		return api.Domain(api.CodeBadRequest, "invalid remote address %q", spec.RemoteAddress)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.icmpSession(id)
	if err != nil {
		return err
	}
	if !s.startedAt.IsZero() && s.stoppedAt.IsZero() {
		return api.Domain(api.CodeInvalidState, "icmp session %s is running", id)
	}
	s.spec = spec
	return nil
}

func (e *Engine) StartICMPSession(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.icmpSession(id)
	if err != nil {
		return err
	}
	remote := net.ParseIP(s.spec.RemoteAddress)
	if remote == nil {
		return api.Domain(api.CodeInvalidState, "icmp session %s has no remote address", id)
	}
	now := e.now()
	if remote.To4() != nil && s.port.ipv4At(now) == nil || remote.To4() == nil && len(s.port.ip6) == 0 {
		return api.Domain(api.CodeInvalidState, "port %s has no address of the remote family", s.port.id)
	}
	if s.handle != nil {
		s.handle.Stop()
		s.handle = nil
	}
	s.local = e.reachable(s.port, remote, now)
	s.startedAt, s.stoppedAt = now, time.Time{}
	if !s.local && e.pinger != nil {
		h, err := e.pinger.Ping(remote.String(), time.Duration(s.spec.IntervalNs), s.spec.DataSize)
		if err != nil {
			return api.Wrap(err, api.CodeInternal, "start host ping toward %s", remote)
		}
		s.handle = h
	}
	return nil
}

// reachable reports whether a simulated node or router answers ip for p.
func (e *Engine) reachable(p *port, ip net.IP, at time.Time) bool {
	if e.routerOwns(p.iface, ip) {
		return true
	}
	for _, n := range e.nodes() {
		if n.nodeID() == p.id || !n.ownsIP(ip, at) {
			continue
		}
		if ip.To4() != nil && !p.behindNAT() && n.behindNAT() {
			return false
		}
		return true
	}
	return false
}

func (e *Engine) StopICMPSession(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.icmpSession(id)
	if err != nil {
		return err
	}
	s.stop(e.now())
	return nil
}

func (e *Engine) RemoveICMPSession(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.icmpSession(id)
	if err != nil {
		return err
	}
	s.stop(e.now())
	delete(e.icmp, id)
	return nil
}

func (e *Engine) ICMPSessionInfo(id string) (api.ICMPSessionInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.icmpSession(id)
	if err != nil {
		return api.ICMPSessionInfo{}, err
	}
	now := e.now()
	info := api.ICMPSessionInfo{
		RemoteAddress: s.spec.RemoteAddress,
		Running:       !s.startedAt.IsZero() && s.stoppedAt.IsZero(),
	}
	switch {
	case s.startedAt.IsZero():
	case s.local:
		rtt := e.rtt()
		info.EchoRequests = s.sentBy(now)
		info.EchoReplies = s.sentBy(now.Add(-rtt))
		if info.EchoReplies > 0 {
			info.RTTMinNs = int64(rtt)
			info.RTTAvgNs = int64(rtt + e.cfg.Latency.Jitter/2)
			info.RTTMaxNs = int64(rtt + e.cfg.Latency.Jitter)
		}
	case s.handle != nil:
		st := s.handle.Stats()
		info.EchoRequests = uint64(st.Sent)
		info.EchoReplies = uint64(st.Received)
		info.RTTMinNs, info.RTTAvgNs, info.RTTMaxNs = int64(st.MinRtt), int64(st.AvgRtt), int64(st.MaxRtt)
	default:
		info.EchoRequests = s.sentBy(now)
	}
	return info, nil
}
