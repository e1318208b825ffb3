// Package simulator emulates a traffic generator appliance behind the
// management API. It keeps the object model in memory and derives every
// counter from stream timing, no frame is put on a wire.
package simulator

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/takehaya/tgctl/pkg/api"
	"go.uber.org/zap"
)

type Option func(*Engine)

// WithClock replaces the wall clock, tests drive time through it.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithPinger(p Pinger) Option {
	return func(e *Engine) { e.pinger = p }
}

type session struct {
	id      string
	user    string
	created time.Time
}

type iface struct {
	cfg        InterfaceConfig
	subnet     *net.IPNet
	gateway    net.IP
	gatewayMAC net.HardwareAddr
	prefix6    *net.IPNet
}

func (i *iface) private() bool { return i.cfg.Role == RolePrivate }

type pool struct {
	next   int
	leases map[string]net.IP
}

type Engine struct {
	mu     sync.Mutex
	cfg    Config
	log    *zap.Logger
	now    func() time.Time
	pinger Pinger

	sessions   map[string]*session
	ifaces     map[string]*iface
	ifaceOrder []string
	pools      map[string]*pool

	ports       map[string]*port
	streams     map[string]*stream
	triggers    map[string]*trigger
	captures    map[string]*capture
	httpServers map[string]*httpServer
	httpClients map[string]*httpClient
	icmp        map[string]*icmpSession
	multicast   map[string]*mcastSession
	tunnels     map[string]*tunnel

	devices     map[string]*device
	deviceOrder []string
	histograms  map[string]*histogram
	monitors    map[string]*netMonitor

	nat        map[uint16]natEntry
	macCounter uint32
	localPort  uint16
}

func NewEngine(cfg Config, lg *zap.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid simulator config: %w", err)
	}
	e := &Engine{
		cfg:         cfg,
		log:         lg,
		now:         time.Now,
		sessions:    map[string]*session{},
		ifaces:      map[string]*iface{},
		pools:       map[string]*pool{},
		ports:       map[string]*port{},
		streams:     map[string]*stream{},
		triggers:    map[string]*trigger{},
		captures:    map[string]*capture{},
		httpServers: map[string]*httpServer{},
		httpClients: map[string]*httpClient{},
		icmp:        map[string]*icmpSession{},
		multicast:   map[string]*mcastSession{},
		tunnels:     map[string]*tunnel{},
		devices:     map[string]*device{},
		histograms:  map[string]*histogram{},
		monitors:    map[string]*netMonitor{},
		nat:         map[uint16]natEntry{},
		localPort:   49152,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.pinger == nil {
		e.pinger = newPinger(cfg.Ping, lg)
	}

	for _, ic := range cfg.Interfaces {
		_, subnet, _ := net.ParseCIDR(ic.Subnet)
		mac, _ := net.ParseMAC(ic.GatewayMAC)
		i := &iface{cfg: ic, subnet: subnet, gateway: net.ParseIP(ic.Gateway), gatewayMAC: mac}
		if ic.IPv6Prefix != "" {
			_, i.prefix6, _ = net.ParseCIDR(ic.IPv6Prefix)
		}
		e.ifaces[ic.Name] = i
		e.ifaceOrder = append(e.ifaceOrder, ic.Name)
	}
	for _, dc := range cfg.Devices {
		d := newDevice(dc)
		e.devices[d.uuid] = d
		e.deviceOrder = append(e.deviceOrder, d.uuid)
	}
	return e, nil
}

// Close stops everything that owns host resources.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.tunnels {
		t.stop()
	}
	for _, s := range e.icmp {
		s.stop(e.now())
	}
	return nil
}

func (e *Engine) notFound(kind, id string) error {
	return api.Domain(api.CodeNotFound, "%s %s not found", kind, id)
}

func (e *Engine) ServiceInfo() api.ServiceInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	info := hostInfo(e.log)
	if e.cfg.Hostname != "" {
		info.Hostname = e.cfg.Hostname
	}
	info.Version = e.cfg.Version
	info.Series = e.cfg.Series
	info.APIVersion = api.Version
	info.Interfaces = append([]string(nil), e.ifaceOrder...)
	return info
}

func (e *Engine) Timestamp() api.TimestampResponse {
	return api.TimestampResponse{TimestampNs: e.now().UnixNano()}
}

// Connect opens an API session for user.
func (e *Engine) Connect(user string) (string, error) {
	if user == "" {
		return "", api.Domain(api.CodeBadRequest, "user name is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &session{id: uuid.NewString(), user: user, created: e.now()}
	e.sessions[s.id] = s
	e.log.Info("session opened", zap.String("user", user), zap.String("session", s.id))
	return s.id, nil
}

// Disconnect closes a session, destroying the ports it created and
// releasing the devices it locked.
func (e *Engine) Disconnect(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return e.notFound("session", id)
	}
	for pid, p := range e.ports {
		if p.session == id {
			e.destroyPort(pid)
		}
	}
	for _, d := range e.devices {
		if d.lockedBy == id {
			e.releaseDevice(d)
		}
	}
	delete(e.sessions, id)
	e.log.Info("session closed", zap.String("user", s.user), zap.String("session", id))
	return nil
}

// Users lists one entry per session and interface it holds ports on.
func (e *Engine) Users() []api.User {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := map[string]bool{}
	var users []api.User
	for _, p := range e.ports {
		s, ok := e.sessions[p.session]
		if !ok {
			continue
		}
		key := s.user + "\x00" + p.iface.cfg.Name
		if seen[key] {
			continue
		}
		seen[key] = true
		users = append(users, api.User{Name: s.user, Interface: p.iface.cfg.Name})
	}
	for _, s := range e.sessions {
		if !seen[s.user] && !e.sessionHasPorts(s.id) {
			seen[s.user] = true
			users = append(users, api.User{Name: s.user})
		}
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].Interface != users[j].Interface {
			return users[i].Interface < users[j].Interface
		}
		return users[i].Name < users[j].Name
	})
	return users
}

func (e *Engine) sessionHasPorts(id string) bool {
	for _, p := range e.ports {
		if p.session == id {
			return true
		}
	}
	return false
}

func (e *Engine) sessionUser(id string) string {
	if s, ok := e.sessions[id]; ok {
		return s.user
	}
	return ""
}

func (e *Engine) Interfaces() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ifaceOrder...)
}

// nodes lists every addressable endpoint: ports first, then devices.
func (e *Engine) nodes() []node {
	ids := make([]string, 0, len(e.ports))
	for id := range e.ports {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]node, 0, len(ids)+len(e.devices))
	for _, id := range ids {
		out = append(out, e.ports[id])
	}
	for _, id := range e.deviceOrder {
		out = append(out, e.devices[id])
	}
	return out
}

func (e *Engine) nextLocalPort() uint16 {
	p := e.localPort
	e.localPort++
	if e.localPort == 0 {
		e.localPort = 49152
	}
	return p
}
