package simulator

import (
	"math"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/takehaya/tgctl/pkg/api"
)

const (
	requestHeaderBytes = 128
	mss                = 1460
	maxCongestionWnd   = 4 << 20

	maxLatencySegments = 10000
	maxHistorySamples  = 100000
)

type httpServer struct {
	id        string
	port      *port
	tcpPort   uint16
	startedAt time.Time
	stoppedAt time.Time
}

func (h *httpServer) listening(at time.Time) bool {
	if h.startedAt.IsZero() || at.Before(h.startedAt) {
		return false
	}
	return h.stoppedAt.IsZero() || at.Before(h.stoppedAt)
}

// httpClient runs on a port, or on a wireless endpoint where the device
// scenario starts and ends it.
type httpClient struct {
	id        string
	owner     node
	spec      api.HTTPClientSpec
	localPort uint16
	startedAt time.Time
	stoppedAt time.Time
}

func (c *httpClient) start(now time.Time) {
	c.startedAt, c.stoppedAt = now, time.Time{}
}

func (c *httpClient) stop(now time.Time) {
	if !c.startedAt.IsZero() && c.stoppedAt.IsZero() {
		c.stoppedAt = now
	}
}

func (c *httpClient) begin() time.Time {
	return c.startedAt.Add(time.Duration(c.spec.InitialWaitNs))
}

func validateHTTPClient(spec *api.HTTPClientSpec) error {
	if spec.Method == "" {
		spec.Method = api.MethodGet
	}
	if _, err := api.ParseHTTPMethod(string(spec.Method)); err != nil {
		return err
	}
	if spec.StartType == "" {
		spec.StartType = api.StartDirect
	}
	if spec.StartType != api.StartDirect && spec.StartType != api.StartScheduled {
		return api.Domain(api.CodeBadRequest, "unknown start type %q", spec.StartType)
	}
	if spec.RemoteAddress != "" && net.ParseIP(spec.RemoteAddress) == nil {
		return api.Domain(api.CodeBadRequest, "invalid remote address %q", spec.RemoteAddress)
	}
	if spec.DurationNs < 0 || spec.InitialWaitNs < 0 {
		return api.Domain(api.CodeBadRequest, "durations must not be negative")
	}
	return nil
}

func (e *Engine) httpServer(id string) (*httpServer, error) {
	h, ok := e.httpServers[id]
	if !ok {
		return nil, e.notFound("http server", id)
	}
	return h, nil
}

func (e *Engine) httpClient(id string) (*httpClient, error) {
	c, ok := e.httpClients[id]
	if !ok {
		return nil, e.notFound("http client", id)
	}
	return c, nil
}

func (e *Engine) AddHTTPServer(portID string, spec api.HTTPServerSpec) (string, error) {
	if spec.Port == 0 {
		spec.Port = 80
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.port(portID)
	if err != nil {
		return "", err
	}
	h := &httpServer{id: uuid.NewString(), port: p, tcpPort: spec.Port}
	e.httpServers[h.id] = h
	return h.id, nil
}

func (e *Engine) SetHTTPServerPort(id string, tcpPort uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, err := e.httpServer(id)
	if err != nil {
		return err
	}
	if h.listening(e.now()) {
		return api.Domain(api.CodeInvalidState, "http server %s is running", id)
	}
	h.tcpPort = tcpPort
	return nil
}

func (e *Engine) StartHTTPServer(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, err := e.httpServer(id)
	if err != nil {
		return err
	}
	if h.port.ipv4At(e.now()) == nil && len(h.port.ip6) == 0 {
		return api.Domain(api.CodeInvalidState, "port %s has no address to listen on", h.port.id)
	}
	h.startedAt, h.stoppedAt = e.now(), time.Time{}
	return nil
}

func (e *Engine) StopHTTPServer(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, err := e.httpServer(id)
	if err != nil {
		return err
	}
	if h.listening(e.now()) {
		h.stoppedAt = e.now()
	}
	return nil
}

func (e *Engine) RemoveHTTPServer(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.httpServer(id); err != nil {
		return err
	}
	delete(e.httpServers, id)
	return nil
}

func (e *Engine) HTTPServerInfo(id string) (api.HTTPServerInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, err := e.httpServer(id)
	if err != nil {
		return api.HTTPServerInfo{}, err
	}
	now := e.now()
	info := api.HTTPServerInfo{ID: h.id, Port: h.tcpPort, Running: h.listening(now), Clients: []string{}}
	for _, cid := range sortedKeys(e.httpClients) {
		c := e.httpClients[cid]
		if c.startedAt.IsZero() || now.Before(c.begin()) {
			continue
		}
		if srv := e.serverFor(c, c.begin()); srv == h {
			info.Clients = append(info.Clients, c.id)
		}
	}
	return info, nil
}

// HTTPServerSession reports the session of clientID as seen by the server.
func (e *Engine) HTTPServerSession(id, clientID string) (api.HTTPSessionInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, err := e.httpServer(id)
	if err != nil {
		return api.HTTPSessionInfo{}, err
	}
	c, err := e.httpClient(clientID)
	if err != nil {
		return api.HTTPSessionInfo{}, err
	}
	if c.startedAt.IsZero() || e.serverFor(c, c.begin()) != h {
		return api.HTTPSessionInfo{}, api.Domain(api.CodeNotFound, "client %s has no session on http server %s", clientID, id)
	}
	info := e.httpSession(c, e.now())
	info.Latency = e.segmentLatency(c, 0, segments(sessionPayload(c, info)))
	info.TxBytes, info.RxBytes = info.RxBytes, info.TxBytes
	info.LocalPort = h.tcpPort
	return info, nil
}

func (e *Engine) AddHTTPClient(portID string, spec api.HTTPClientSpec) (string, error) {
	if err := validateHTTPClient(&spec); err != nil {
		return "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.port(portID)
	if err != nil {
		return "", err
	}
	c := &httpClient{id: uuid.NewString(), owner: p, spec: spec, localPort: e.nextLocalPort()}
	e.httpClients[c.id] = c
	return c.id, nil
}

func (e *Engine) UpdateHTTPClient(id string, spec api.HTTPClientSpec) error {
	if err := validateHTTPClient(&spec); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.httpClient(id)
	if err != nil {
		return err
	}
	if !c.startedAt.IsZero() && !e.httpSession(c, e.now()).Status.Done() {
		return api.Domain(api.CodeInvalidState, "http client %s is active", id)
	}
	c.spec = spec
	c.startedAt, c.stoppedAt = time.Time{}, time.Time{}
	return nil
}

func (e *Engine) StartHTTPClient(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.httpClient(id)
	if err != nil {
		return err
	}
	if _, ok := c.owner.(*device); ok {
		return api.Domain(api.CodeInvalidState, "http client %s starts with its wireless endpoint scenario", id)
	}
	if c.spec.RemoteAddress == "" || c.spec.RemotePort == 0 {
		return api.Domain(api.CodeInvalidState, "http client %s has no remote configured", id)
	}
	c.start(e.now())
	return nil
}

func (e *Engine) StopHTTPClient(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.httpClient(id)
	if err != nil {
		return err
	}
	c.stop(e.now())
	return nil
}

func (e *Engine) RemoveHTTPClient(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.httpClient(id); err != nil {
		return err
	}
	delete(e.httpClients, id)
	return nil
}

func (e *Engine) HTTPClientSession(id string) (api.HTTPSessionInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.httpClient(id)
	if err != nil {
		return api.HTTPSessionInfo{}, err
	}
	info := e.httpSession(c, e.now())
	info.Latency = e.segmentLatency(c, 0, segments(sessionPayload(c, info)))
	return info, nil
}

// serverFor finds the listening server a client reaches at time at.
func (e *Engine) serverFor(c *httpClient, at time.Time) *httpServer {
	remote := net.ParseIP(c.spec.RemoteAddress)
	if remote == nil {
		return nil
	}
	tcpPort := c.spec.RemotePort
	var target *port
	if remote.Equal(net.ParseIP(e.cfg.NAT.PublicIP)) {
		entry, ok := e.nat[tcpPort]
		if !ok {
			return nil
		}
		target, _ = e.nodeByID(entry.node).(*port)
		tcpPort = entry.port
	} else {
		for _, pid := range sortedKeys(e.ports) {
			p := e.ports[pid]
			if p.nodeID() != c.owner.nodeID() && p.ownsIP(remote, at) {
				target = p
				break
			}
		}
		// private addresses are not routed from the public side
		if target != nil && remote.To4() != nil && !c.owner.behindNAT() && target.behindNAT() {
			return nil
		}
	}
	if target == nil {
		return nil
	}
	for _, hid := range sortedKeys(e.httpServers) {
		h := e.httpServers[hid]
		if h.port == target && h.tcpPort == tcpPort && h.listening(at) {
			return h
		}
	}
	return nil
}

func (e *Engine) linkRate() float64 {
	return e.cfg.LinkSpeedMbps * 1e6 / 8
}

func (e *Engine) rtt() time.Duration {
	return 2 * e.cfg.Latency.Base
}

// clientRTT adds the radio latency of a wireless endpoint both ways.
func (e *Engine) clientRTT(c *httpClient) time.Duration {
	return e.rtt() + 2*c.owner.extraLatency()
}

// nominalRate is the byte rate a client gets on its own.
func (e *Engine) nominalRate(c *httpClient) float64 {
	rate := e.linkRate()
	if c.spec.RateLimit > 0 && float64(c.spec.RateLimit) < rate {
		rate = float64(c.spec.RateLimit)
	}
	return rate
}

func (e *Engine) nominalEnd(c *httpClient) time.Time {
	connected := c.begin().Add(e.clientRTT(c))
	var end time.Time
	if c.spec.DurationNs > 0 {
		end = connected.Add(time.Duration(c.spec.DurationNs))
	} else {
		end = connected.Add(time.Duration(float64(c.spec.RequestSize) / e.nominalRate(c) * 1e9))
	}
	if !c.stoppedAt.IsZero() && c.stoppedAt.Before(end) {
		end = c.stoppedAt
	}
	return end
}

// concurrency counts the clients sharing srv with c when c connects.
func (e *Engine) concurrency(c *httpClient, srv *httpServer) int {
	at := c.begin().Add(e.clientRTT(c))
	n := 1
	for _, other := range e.httpClients {
		if other == c || other.startedAt.IsZero() {
			continue
		}
		ob := other.begin()
		if ob.After(at) || !e.nominalEnd(other).After(at) {
			continue
		}
		if e.serverFor(other, ob) == srv {
			n++
		}
	}
	return n
}

// httpSession derives the state of an HTTP request/response session. The
// transfer runs at the rate limit or the fair share of the link, the
// response time grows with the number of sessions on the same server.
func (e *Engine) httpSession(c *httpClient, now time.Time) api.HTTPSessionInfo {
	info := api.HTTPSessionInfo{
		ClientID:      c.id,
		LocalPort:     c.localPort,
		Method:        c.spec.Method,
		Status:        api.RequestScheduled,
		RequestSize:   c.spec.RequestSize,
		DurationNs:    c.spec.DurationNs,
		InitialWaitNs: c.spec.InitialWaitNs,
	}
	if c.startedAt.IsZero() {
		return info
	}
	begin := c.begin()
	if !c.stoppedAt.IsZero() && !c.stoppedAt.After(begin) {
		info.Status = api.RequestFinished
		return info
	}
	if now.Before(begin) {
		return info
	}
	info.StartedNs = begin.UnixNano()
	rtt := e.clientRTT(c)
	connected := begin.Add(rtt)

	srv := e.serverFor(c, begin)
	if srv == nil {
		if now.Before(connected) {
			info.Status = api.RequestConnecting
			return info
		}
		info.Status = api.RequestError
		info.ErrorMessage = "connection refused by " + net.JoinHostPort(c.spec.RemoteAddress, strconv.Itoa(int(c.spec.RemotePort)))
		info.FinishedNs = connected.UnixNano()
		return info
	}
	if now.Before(connected) {
		info.Status = api.RequestConnecting
		return info
	}

	conc := e.concurrency(c, srv)
	rate := e.linkRate() / float64(conc)
	if c.spec.RateLimit > 0 && float64(c.spec.RateLimit) < rate {
		rate = float64(c.spec.RateLimit)
	}

	var end time.Time
	if c.spec.DurationNs > 0 {
		end = connected.Add(time.Duration(c.spec.DurationNs))
	} else {
		end = connected.Add(time.Duration(math.Ceil(float64(c.spec.RequestSize) / rate * 1e9)))
	}
	complete := true
	if !c.stoppedAt.IsZero() && c.stoppedAt.Before(end) {
		end, complete = c.stoppedAt, false
	}
	if !srv.stoppedAt.IsZero() && srv.stoppedAt.Before(end) {
		end, complete = srv.stoppedAt, false
	}

	until := now
	if !until.Before(end) {
		until = end
		info.Status = api.RequestFinished
		info.FinishedNs = end.UnixNano()
	} else {
		info.Status = api.RequestRunning
	}
	elapsed := until.Sub(connected).Seconds()
	transferred := uint64(rate * elapsed)
	if c.spec.DurationNs == 0 && (transferred > c.spec.RequestSize || info.Status == api.RequestFinished && complete) {
		transferred = c.spec.RequestSize
	}

	if c.spec.Method == api.MethodPut {
		info.TxBytes, info.RxBytes = transferred, requestHeaderBytes
	} else {
		info.TxBytes, info.RxBytes = requestHeaderBytes, transferred
	}
	if elapsed > 0 {
		info.AverageThroughputBps = float64(transferred) * 8 / elapsed
	}
	info.CongestionWindowMin = 10 * mss
	info.CongestionWindowMax = info.CongestionWindowMin
	if bdp := rate * 2 * rtt.Seconds() * 8; transferred > 0 && bdp > float64(info.CongestionWindowMin) {
		info.CongestionWindowMax = uint32(math.Min(bdp, maxCongestionWnd))
	}
	info.ResponseTimeNs = int64(rtt) * int64(conc)
	return info
}

func segments(payload uint64) uint64 {
	return (payload + mss - 1) / mss
}

// sessionPayload is the data the session moved, in the direction of the method.
func sessionPayload(c *httpClient, info api.HTTPSessionInfo) uint64 {
	if c.spec.Method == api.MethodPut {
		return info.TxBytes
	}
	return info.RxBytes
}

// segmentLatency reports the one-way latency of the data segments
// [from, to) of a latency enabled session. Long sessions are sampled over
// their last segments.
func (e *Engine) segmentLatency(c *httpClient, from, to uint64) *api.LatencyStats {
	if !c.spec.LatencyEnabled || to <= from {
		return nil
	}
	if to-from > maxLatencySegments {
		from = to - maxLatencySegments
	}
	oneWay := e.cfg.Latency.Base + c.owner.extraLatency()
	t := &tally{withLatency: true, allLatency: true}
	for i := from; i < to; i++ {
		t.add(arrival{latency: oneWay + e.jitter(i)})
	}
	return t.latency()
}

// HTTPServerSessionHistory splits the session of clientID on server id
// into intervals, with the counters as seen by the server.
func (e *Engine) HTTPServerSessionHistory(id, clientID string, interval time.Duration) ([]api.HTTPSessionSample, error) {
	if interval < 0 {
		return nil, api.Domain(api.CodeBadRequest, "interval must not be negative")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if interval == 0 {
		interval = e.cfg.Interval
	}
	h, err := e.httpServer(id)
	if err != nil {
		return nil, err
	}
	c, err := e.httpClient(clientID)
	if err != nil {
		return nil, err
	}
	if c.startedAt.IsZero() || e.serverFor(c, c.begin()) != h {
		return nil, api.Domain(api.CodeNotFound, "client %s has no session on http server %s", clientID, id)
	}
	now := e.now()
	cur := e.httpSession(c, now)
	out := []api.HTTPSessionSample{}
	if cur.StartedNs == 0 {
		return out, nil
	}
	begin, end := time.Unix(0, cur.StartedNs), now
	if cur.FinishedNs != 0 {
		end = time.Unix(0, cur.FinishedNs)
	}
	if end.Sub(begin)/interval > maxHistorySamples {
		return nil, api.Domain(api.CodeBadRequest, "interval %s is too short for a session of %s", interval, end.Sub(begin))
	}
	var prev api.HTTPSessionInfo
	for from := begin; from.Before(end); from = from.Add(interval) {
		until := from.Add(interval)
		if until.After(end) {
			until = end
		}
		s := e.httpSession(c, until)
		out = append(out, api.HTTPSessionSample{
			TimestampNs: until.UnixNano(),
			IntervalNs:  int64(until.Sub(from)),
			TxBytes:     s.RxBytes - prev.RxBytes,
			RxBytes:     s.TxBytes - prev.TxBytes,
			Latency:     e.segmentLatency(c, segments(sessionPayload(c, prev)), segments(sessionPayload(c, s))),
		})
		prev = s
	}
	return out, nil
}
