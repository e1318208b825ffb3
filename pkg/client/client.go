// Package client talks to a traffic generator server and its meeting point
// over the management API.
package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/takehaya/tgctl/pkg/api"
	"go.uber.org/zap"
	"gopkg.in/resty.v1"
)

// DefaultPort is used when an address carries no port.
const DefaultPort = 8080

// APIVersion is the management API version this client speaks.
const APIVersion = api.Version

type options struct {
	user    string
	timeout time.Duration
	log     *zap.Logger
}

type Option func(*options)

func WithUser(name string) Option {
	return func(o *options) { o.user = name }
}

func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

func WithLogger(lg *zap.Logger) Option {
	return func(o *options) { o.log = lg }
}

func buildOptions(opts []Option) options {
	o := options{user: "tgctl", timeout: 30 * time.Second, log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// BaseURL turns "host", "host:port" or a full URL into the API root.
func BaseURL(address string) string {
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return strings.TrimRight(address, "/") + api.Prefix
	}
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(strings.Trim(address, "[]"), strconv.Itoa(DefaultPort))
	}
	return "http://" + address + api.Prefix
}

// conn is one API session.
type conn struct {
	rc      *resty.Client
	address string
	user    string
	session string
	log     *zap.Logger
}

func dial(ctx context.Context, address string, opts []Option) (*conn, error) {
	o := buildOptions(opts)
	rc := resty.New().
		SetHostURL(BaseURL(address)).
		SetTimeout(o.timeout).
		SetHeader("Accept", "application/json").
		SetHeader(api.UserHeader, o.user)
	c := &conn{rc: rc, address: address, user: o.user, log: o.log.With(zap.String("server", address))}

	var id api.IDResponse
	if err := c.do(ctx, http.MethodPost, "/sessions", api.ConnectRequest{User: o.user}, &id); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", address, err)
	}
	c.session = id.ID
	rc.SetHeader(api.SessionHeader, id.ID)
	c.log.Debug("connected", zap.String("session", id.ID))
	return c, nil
}

func (c *conn) close(ctx context.Context) error {
	if c.session == "" {
		return nil
	}
	err := c.do(ctx, http.MethodDelete, "/sessions/"+c.session, nil, nil)
	c.session = ""
	return err
}

// do runs one API call. Failures reported by the server come back as
// *api.Error, transport failures as technical errors wrapping the cause.
func (c *conn) do(ctx context.Context, method, path string, body, out interface{}) error {
	req := c.rc.R().SetContext(ctx).SetError(&api.Error{})
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return api.Wrap(err, api.CodeUnavailable, "%s %s", method, path)
	}
	if resp.IsError() {
		if e, ok := resp.Error().(*api.Error); ok && e.Code != "" {
			return e
		}
		return api.Technical(api.CodeUnexpectedResponseStatus, "%s %s: %s", method, path, resp.Status())
	}
	return nil
}

func (c *conn) users(ctx context.Context) ([]api.User, error) {
	var users []api.User
	if err := c.do(ctx, http.MethodGet, "/users", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (c *conn) timestamp(ctx context.Context) (time.Time, error) {
	var ts api.TimestampResponse
	if err := c.do(ctx, http.MethodGet, "/timestamp", nil, &ts); err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, ts.TimestampNs), nil
}

// Server is a connection to a traffic generator server.
type Server struct {
	*conn
}

// Connect opens an API session on the server at address.
func Connect(ctx context.Context, address string, opts ...Option) (*Server, error) {
	c, err := dial(ctx, address, opts)
	if err != nil {
		return nil, err
	}
	return &Server{conn: c}, nil
}

// Close ends the session. The server destroys the ports it still holds.
func (s *Server) Close(ctx context.Context) error {
	return s.close(ctx)
}

func (s *Server) Address() string { return s.address }

func (s *Server) ServiceInfo(ctx context.Context) (api.ServiceInfo, error) {
	var info api.ServiceInfo
	err := s.do(ctx, http.MethodGet, "/info", nil, &info)
	return info, err
}

func (s *Server) Users(ctx context.Context) ([]api.User, error) {
	return s.users(ctx)
}

func (s *Server) Interfaces(ctx context.Context) ([]string, error) {
	var names []string
	err := s.do(ctx, http.MethodGet, "/interfaces", nil, &names)
	return names, err
}

func (s *Server) Timestamp(ctx context.Context) (time.Time, error) {
	return s.timestamp(ctx)
}

func (s *Server) PortCreate(ctx context.Context, iface string) (*Port, error) {
	var info api.PortInfo
	if err := s.do(ctx, http.MethodPost, "/ports", api.PortSpec{Interface: iface}, &info); err != nil {
		return nil, err
	}
	s.log.Debug("port created", zap.String("port", info.ID), zap.String("interface", iface))
	return &Port{srv: s, id: info.ID, info: info}, nil
}

func (s *Server) PortDestroy(ctx context.Context, p *Port) error {
	return s.do(ctx, http.MethodDelete, "/ports/"+p.id, nil, nil)
}

// PacketDump records the frames an interface receives for d and writes
// them to w as pcap. It returns the number of frames written.
func (s *Server) PacketDump(ctx context.Context, iface string, d time.Duration, w io.Writer) (int, error) {
	resp, err := s.rc.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetQueryParam("duration", d.String()).
		Get("/interfaces/" + iface + "/dump")
	if err != nil {
		return 0, api.Wrap(err, api.CodeUnavailable, "dump %s", iface)
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.IsError() {
		return 0, api.Technical(api.CodeUnexpectedResponseStatus, "dump %s: %s", iface, resp.Status())
	}
	if _, err := io.Copy(w, body); err != nil {
		return 0, api.Wrap(err, api.CodeInternal, "write dump of %s", iface)
	}
	n, _ := strconv.Atoi(resp.Header().Get(api.FramesHeader))
	return n, nil
}
