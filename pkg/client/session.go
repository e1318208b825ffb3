package client

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/takehaya/tgctl/pkg/api"
	"github.com/takehaya/tgctl/pkg/poll"
)

// HTTPServer answers the HTTP clients of other ports.
type HTTPServer struct {
	srv  *Server
	id   string
	port uint16
}

func (h *HTTPServer) Port() uint16 { return h.port }

func (h *HTTPServer) SetPort(ctx context.Context, port uint16) error {
	if err := h.srv.do(ctx, http.MethodPut, "/httpservers/"+h.id+"/port", api.HTTPServerSpec{Port: port}, nil); err != nil {
		return err
	}
	h.port = port
	return nil
}

func (h *HTTPServer) Start(ctx context.Context) error {
	return h.srv.do(ctx, http.MethodPost, "/httpservers/"+h.id+"/start", nil, nil)
}

func (h *HTTPServer) Stop(ctx context.Context) error {
	return h.srv.do(ctx, http.MethodPost, "/httpservers/"+h.id+"/stop", nil, nil)
}

func (h *HTTPServer) Remove(ctx context.Context) error {
	return h.srv.do(ctx, http.MethodDelete, "/httpservers/"+h.id, nil, nil)
}

func (h *HTTPServer) Info(ctx context.Context) (api.HTTPServerInfo, error) {
	var info api.HTTPServerInfo
	err := h.srv.do(ctx, http.MethodGet, "/httpservers/"+h.id, nil, &info)
	return info, err
}

// SessionInfo is the server side view of the session of a client.
func (h *HTTPServer) SessionInfo(ctx context.Context, clientID string) (api.HTTPSessionInfo, error) {
	var info api.HTTPSessionInfo
	err := h.srv.do(ctx, http.MethodGet, "/httpservers/"+h.id+"/sessions/"+clientID, nil, &info)
	return info, err
}

// SessionHistory splits the session of a client into intervals of the
// given length, as seen by the server. A zero interval uses the server's.
func (h *HTTPServer) SessionHistory(ctx context.Context, clientID string, interval time.Duration) ([]api.HTTPSessionSample, error) {
	path := "/httpservers/" + h.id + "/sessions/" + clientID + "/history"
	if interval > 0 {
		path += "?" + url.Values{"interval": {interval.String()}}.Encode()
	}
	var samples []api.HTTPSessionSample
	err := h.srv.do(ctx, http.MethodGet, path, nil, &samples)
	return samples, err
}

// HTTPClient runs one request/response session toward an HTTP server.
type HTTPClient struct {
	srv  *Server
	id   string
	spec api.HTTPClientSpec
}

func (c *HTTPClient) ID() string { return c.id }

func (c *HTTPClient) push(ctx context.Context) error {
	return c.srv.do(ctx, http.MethodPut, "/httpclients/"+c.id, c.spec, nil)
}

func (c *HTTPClient) SetRemote(ctx context.Context, address string, port uint16) error {
	c.spec.RemoteAddress, c.spec.RemotePort = address, port
	return c.push(ctx)
}

func (c *HTTPClient) SetMethod(ctx context.Context, method api.HTTPMethod) error {
	c.spec.Method = method
	return c.push(ctx)
}

// SetDuration switches the session to duration mode.
func (c *HTTPClient) SetDuration(ctx context.Context, d time.Duration) error {
	c.spec.DurationNs = int64(d)
	return c.push(ctx)
}

// SetRequestSize switches the session to size mode.
func (c *HTTPClient) SetRequestSize(ctx context.Context, size uint64) error {
	c.spec.RequestSize, c.spec.DurationNs = size, 0
	return c.push(ctx)
}

// SetRateLimit caps the transfer in bytes per second, 0 removes the cap.
func (c *HTTPClient) SetRateLimit(ctx context.Context, bytesPerSecond uint64) error {
	c.spec.RateLimit = bytesPerSecond
	return c.push(ctx)
}

func (c *HTTPClient) SetStartType(ctx context.Context, t api.StartType) error {
	c.spec.StartType = t
	return c.push(ctx)
}

func (c *HTTPClient) SetInitialWait(ctx context.Context, d time.Duration) error {
	c.spec.InitialWaitNs = int64(d)
	return c.push(ctx)
}

// SetLatency time tags the data so the receiver reports one-way latency.
func (c *HTTPClient) SetLatency(ctx context.Context, enabled bool) error {
	c.spec.LatencyEnabled = enabled
	return c.push(ctx)
}

func (c *HTTPClient) Start(ctx context.Context) error {
	return c.srv.do(ctx, http.MethodPost, "/httpclients/"+c.id+"/start", nil, nil)
}

func (c *HTTPClient) Stop(ctx context.Context) error {
	return c.srv.do(ctx, http.MethodPost, "/httpclients/"+c.id+"/stop", nil, nil)
}

func (c *HTTPClient) Remove(ctx context.Context) error {
	return c.srv.do(ctx, http.MethodDelete, "/httpclients/"+c.id, nil, nil)
}

func (c *HTTPClient) SessionInfo(ctx context.Context) (api.HTTPSessionInfo, error) {
	var info api.HTTPSessionInfo
	err := c.srv.do(ctx, http.MethodGet, "/httpclients/"+c.id+"/session", nil, &info)
	return info, err
}

func (c *HTTPClient) Status(ctx context.Context) (api.RequestStatus, error) {
	info, err := c.SessionInfo(ctx)
	return info.Status, err
}

// WaitUntilConnected waits until the session leaves the scheduled and
// connecting states.
func (c *HTTPClient) WaitUntilConnected(ctx context.Context, timeout time.Duration) error {
	return c.waitFor(ctx, timeout, func(s api.RequestStatus) bool {
		return s != api.RequestScheduled && s != api.RequestConnecting
	})
}

// WaitUntilFinished waits until the session finished or failed.
func (c *HTTPClient) WaitUntilFinished(ctx context.Context, timeout time.Duration) error {
	return c.waitFor(ctx, timeout, api.RequestStatus.Done)
}

func (c *HTTPClient) waitFor(ctx context.Context, timeout time.Duration, ok func(api.RequestStatus) bool) error {
	interval := timeout / 100
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return poll.Until(ctx, interval, timeout, func(ctx context.Context) (bool, error) {
		s, err := c.Status(ctx)
		if err != nil {
			return false, err
		}
		return ok(s), nil
	})
}

// ICMPSession sends echo requests toward a remote address.
type ICMPSession struct {
	srv  *Server
	id   string
	spec api.ICMPSessionSpec
}

func (s *ICMPSession) SetRemote(ctx context.Context, address string) error {
	s.spec.RemoteAddress = address
	return s.push(ctx)
}

func (s *ICMPSession) SetInterval(ctx context.Context, d time.Duration) error {
	s.spec.IntervalNs = int64(d)
	return s.push(ctx)
}

func (s *ICMPSession) SetDataSize(ctx context.Context, size int) error {
	s.spec.DataSize = size
	return s.push(ctx)
}

func (s *ICMPSession) push(ctx context.Context) error {
	return s.srv.do(ctx, http.MethodPut, "/icmp/"+s.id, s.spec, nil)
}

func (s *ICMPSession) Start(ctx context.Context) error {
	return s.srv.do(ctx, http.MethodPost, "/icmp/"+s.id+"/start", nil, nil)
}

func (s *ICMPSession) Stop(ctx context.Context) error {
	return s.srv.do(ctx, http.MethodPost, "/icmp/"+s.id+"/stop", nil, nil)
}

func (s *ICMPSession) Remove(ctx context.Context) error {
	return s.srv.do(ctx, http.MethodDelete, "/icmp/"+s.id, nil, nil)
}

func (s *ICMPSession) Info(ctx context.Context) (api.ICMPSessionInfo, error) {
	var info api.ICMPSessionInfo
	err := s.srv.do(ctx, http.MethodGet, "/icmp/"+s.id, nil, &info)
	return info, err
}

// MulticastSession is an IGMPv3 or MLDv2 membership.
type MulticastSession struct {
	srv *Server
	id  string
}

// Listen reports membership with a source filter. Exclude with no sources
// joins the group for any source.
func (m *MulticastSession) Listen(ctx context.Context, mode api.SourceFilter, sources []string) error {
	return m.srv.do(ctx, http.MethodPost, "/multicast/"+m.id+"/listen", api.ListenRequest{Mode: mode, Sources: sources}, nil)
}

func (m *MulticastSession) Leave(ctx context.Context) error {
	return m.srv.do(ctx, http.MethodPost, "/multicast/"+m.id+"/leave", nil, nil)
}

func (m *MulticastSession) Remove(ctx context.Context) error {
	return m.srv.do(ctx, http.MethodDelete, "/multicast/"+m.id, nil, nil)
}

func (m *MulticastSession) Info(ctx context.Context) (api.MulticastSessionInfo, error) {
	var info api.MulticastSessionInfo
	err := m.srv.do(ctx, http.MethodGet, "/multicast/"+m.id, nil, &info)
	return info, err
}

// Tunnel forwards TCP connections from a local port of the server to a
// remote address.
type Tunnel struct {
	srv  *Server
	id   string
	spec api.TunnelSpec
}

func (t *Tunnel) push(ctx context.Context) error {
	return t.srv.do(ctx, http.MethodPut, "/tunnels/"+t.id, t.spec, nil)
}

// SetLocalPort selects the listening port, 0 picks a free one.
func (t *Tunnel) SetLocalPort(ctx context.Context, port uint16) error {
	t.spec.LocalPort = port
	return t.push(ctx)
}

func (t *Tunnel) SetRemote(ctx context.Context, address string, port uint16) error {
	t.spec.RemoteAddress, t.spec.RemotePort = address, port
	return t.push(ctx)
}

func (t *Tunnel) Start(ctx context.Context) (api.TunnelInfo, error) {
	var info api.TunnelInfo
	err := t.srv.do(ctx, http.MethodPost, "/tunnels/"+t.id+"/start", nil, &info)
	return info, err
}

func (t *Tunnel) Stop(ctx context.Context) error {
	return t.srv.do(ctx, http.MethodPost, "/tunnels/"+t.id+"/stop", nil, nil)
}

func (t *Tunnel) Remove(ctx context.Context) error {
	return t.srv.do(ctx, http.MethodDelete, "/tunnels/"+t.id, nil, nil)
}

func (t *Tunnel) Info(ctx context.Context) (api.TunnelInfo, error) {
	var info api.TunnelInfo
	err := t.srv.do(ctx, http.MethodGet, "/tunnels/"+t.id, nil, &info)
	return info, err
}
