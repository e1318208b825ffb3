package simulator

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/takehaya/tgctl/pkg/api"
	"go.uber.org/zap"
)

const tunnelDialTimeout = 5 * time.Second

// tunnel forwards TCP connections accepted on a local port toward a remote
// address. Unlike the rest of the engine it moves real bytes.
type tunnel struct {
	id   string
	port *port
	spec api.TunnelSpec
	log  *zap.Logger

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup

	accepted   atomic.Uint64
	toRemote   atomic.Uint64
	fromRemote atomic.Uint64
}

func (t *tunnel) start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln != nil {
		return api.Domain(api.CodeInvalidState, "tunnel %s is running", t.id)
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(int(t.spec.LocalPort))))
	if err != nil {
		return api.Wrap(err, api.CodeUnavailable, "listen on local port %d", t.spec.LocalPort)
	}
	t.ln = ln
	t.conns = map[net.Conn]struct{}{}
	t.wg.Add(1)
	go t.serve(ln)
	t.log.Info("tunnel listening", zap.String("listen", ln.Addr().String()), zap.String("remote", t.remote()))
	return nil
}

func (t *tunnel) remote() string {
	return net.JoinHostPort(t.spec.RemoteAddress, strconv.Itoa(int(t.spec.RemotePort)))
}

func (t *tunnel) serve(ln net.Listener) {
	defer t.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				t.log.Warn("tunnel accept failed", zap.Error(err))
			}
			return
		}
		t.accepted.Add(1)
		t.track(c, true)
		t.wg.Add(1)
		go t.forward(c)
	}
}

func (t *tunnel) track(c net.Conn, add bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if add {
		t.conns[c] = struct{}{}
	} else {
		delete(t.conns, c)
	}
}

func (t *tunnel) forward(local net.Conn) {
	defer t.wg.Done()
	defer t.track(local, false)
	defer local.Close()

	remote, err := net.DialTimeout("tcp", t.remote(), tunnelDialTimeout)
	if err != nil {
		t.log.Warn("tunnel dial failed", zap.String("remote", t.remote()), zap.Error(err))
		return
	}
	t.track(remote, true)
	defer t.track(remote, false)
	defer remote.Close()

	done := make(chan struct{})
	go func() {
		n, _ := io.Copy(remote, local)
		t.toRemote.Add(uint64(n))
		if tc, ok := remote.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		close(done)
	}()
	n, _ := io.Copy(local, remote)
	t.fromRemote.Add(uint64(n))
	if tc, ok := local.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	<-done
}

func (t *tunnel) stop() {
	t.mu.Lock()
	if t.ln == nil {
		t.mu.Unlock()
		return
	}
	_ = t.ln.Close()
	t.ln = nil
	for c := range t.conns {
		_ = c.Close()
	}
	t.mu.Unlock()
	t.wg.Wait()
}

func (t *tunnel) info() api.TunnelInfo {
	t.mu.Lock()
	info := api.TunnelInfo{
		TunnelSpec:      t.spec,
		Connections:     t.accepted.Load(),
		BytesToRemote:   t.toRemote.Load(),
		BytesFromRemote: t.fromRemote.Load(),
	}
	if t.ln != nil {
		info.Running = true
		info.ListenAddr = t.ln.Addr().String()
	}
	t.mu.Unlock()
	return info
}

func (e *Engine) tunnel(id string) (*tunnel, error) {
	t, ok := e.tunnels[id]
	if !ok {
		return nil, e.notFound("tunnel", id)
	}
	return t, nil
}

func (e *Engine) AddTunnel(portID string, spec api.TunnelSpec) (string, error) {
	if spec.RemoteAddress == "" || spec.RemotePort == 0 {
		return "", api.Domain(api.CodeBadRequest, "tunnel needs a remote address and port")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.port(portID)
	if err != nil {
		return "", err
	}
	t := &tunnel{id: uuid.NewString(), port: p, spec: spec, log: e.log.With(zap.String("tunnel", fmt.Sprintf("%d->%s:%d", spec.LocalPort, spec.RemoteAddress, spec.RemotePort)))}
	e.tunnels[t.id] = t
	return t.id, nil
}

// UpdateTunnel replaces the addresses of a tunnel that is not listening.
func (e *Engine) UpdateTunnel(id string, spec api.TunnelSpec) error {
	if spec.RemoteAddress == "" || spec.RemotePort == 0 {
		return api.Domain(api.CodeBadRequest, "tunnel needs a remote address and port")
	}
	e.mu.Lock()
	t, err := e.tunnel(id)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln != nil {
		return api.Domain(api.CodeInvalidState, "tunnel %s is running", id)
	}
	t.spec = spec
	return nil
}

func (e *Engine) StartTunnel(id string) (api.TunnelInfo, error) {
	e.mu.Lock()
	t, err := e.tunnel(id)
	e.mu.Unlock()
	if err != nil {
		return api.TunnelInfo{}, err
	}
	if err := t.start(); err != nil {
		return api.TunnelInfo{}, err
	}
	return t.info(), nil
}

func (e *Engine) StopTunnel(id string) error {
	e.mu.Lock()
	t, err := e.tunnel(id)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	t.stop()
	return nil
}

func (e *Engine) RemoveTunnel(id string) error {
	e.mu.Lock()
	t, err := e.tunnel(id)
	if err == nil {
		delete(e.tunnels, id)
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}
	t.stop()
	return nil
}

func (e *Engine) TunnelInfo(id string) (api.TunnelInfo, error) {
	e.mu.Lock()
	t, err := e.tunnel(id)
	e.mu.Unlock()
	if err != nil {
		return api.TunnelInfo{}, err
	}
	return t.info(), nil
}
