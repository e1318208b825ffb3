package simulator

import (
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/takehaya/tgctl/pkg/api"
)

// mcastSession is an IGMPv3 or MLDv2 membership of a port.
type mcastSession struct {
	id       string
	port     *port
	group    net.IP
	mode     api.SourceFilter
	sources  []net.IP
	joinedAt time.Time
	leftAt   time.Time
	reports  uint64
	leaves   uint64
}

func (m *mcastSession) protocol() string {
	if m.group.To4() != nil {
		return "IGMPv3"
	}
	return "MLDv2"
}

func (m *mcastSession) joined() bool { return !m.joinedAt.IsZero() && m.leftAt.IsZero() }

// accepts applies the source filter to a sender address.
func (m *mcastSession) accepts(src net.IP) bool {
	listed := false
	for _, s := range m.sources {
		if s.Equal(src) {
			listed = true
			break
		}
	}
	if m.mode == api.FilterInclude {
		return listed
	}
	return !listed
}

func (e *Engine) mcastSession(id string) (*mcastSession, error) {
	m, ok := e.multicast[id]
	if !ok {
		return nil, e.notFound("multicast session", id)
	}
	return m, nil
}

func (e *Engine) AddMulticastSession(portID string, spec api.MulticastSessionSpec) (string, error) {
	group := net.ParseIP(spec.Group)
	if group == nil || !group.IsMulticast() {
		return "", api.Domain(api.CodeBadRequest, "%q is not a multicast group", spec.Group)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.port(portID)
	if err != nil {
		return "", err
	}
	m := &mcastSession{id: uuid.NewString(), port: p, group: group, mode: api.FilterExclude}
	e.multicast[m.id] = m
	return m.id, nil
}

// Listen sends a membership report with the given source filter. An
// exclude filter without sources joins the group for any source.
func (e *Engine) Listen(id string, req api.ListenRequest) error {
	if req.Mode == "" {
		req.Mode = api.FilterExclude
	}
	if req.Mode != api.FilterInclude && req.Mode != api.FilterExclude {
		return api.Domain(api.CodeBadRequest, "unknown source filter mode %q", req.Mode)
	}
	var sources []net.IP
	for _, s := range req.Sources {
		ip := net.ParseIP(s)
		if ip == nil {
			return api.Domain(api.CodeBadRequest, "invalid source address %q", s)
		}
		sources = append(sources, ip)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.mcastSession(id)
	if err != nil {
		return err
	}
	now := e.now()
	if m.group.To4() != nil && m.port.ipv4At(now) == nil {
		return api.Domain(api.CodeInvalidState, "port %s has no IPv4 address", m.port.id)
	}
	m.mode, m.sources = req.Mode, sources
	m.reports++
	if req.Mode == api.FilterInclude && len(sources) == 0 {
		// include nothing is a leave
		if m.joined() {
			m.leftAt = now
			m.leaves++
		}
		return nil
	}
	if !m.joined() {
		m.joinedAt, m.leftAt = now, time.Time{}
	}
	return nil
}

func (e *Engine) Leave(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.mcastSession(id)
	if err != nil {
		return err
	}
	if !m.joined() {
		return api.Domain(api.CodeInvalidState, "multicast session %s has not joined %s", id, m.group)
	}
	m.leftAt = e.now()
	m.leaves++
	return nil
}

func (e *Engine) RemoveMulticastSession(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.mcastSession(id); err != nil {
		return err
	}
	delete(e.multicast, id)
	return nil
}

func (e *Engine) MulticastSessionInfo(id string) (api.MulticastSessionInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.mcastSession(id)
	if err != nil {
		return api.MulticastSessionInfo{}, err
	}
	info := api.MulticastSessionInfo{
		Group:       m.group.String(),
		Protocol:    m.protocol(),
		Mode:        m.mode,
		Joined:      m.joined(),
		ReportsSent: m.reports,
		LeavesSent:  m.leaves,
	}
	for _, s := range m.sources {
		info.Sources = append(info.Sources, s.String())
	}
	return info, nil
}
