package ops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/takehaya/tgctl/pkg/api"
	"github.com/takehaya/tgctl/pkg/client"
	"github.com/takehaya/tgctl/pkg/config"
	"github.com/takehaya/tgctl/pkg/poll"
	"github.com/takehaya/tgctl/pkg/scenario"
	"go.uber.org/zap"
)

// TunnelConfig forwards TCP connections made to LocalPort on the appliance
// to RemoteAddress:RemotePort, reached from a port on Port.Interface.
// LocalPort 0 lets the appliance pick one.
type TunnelConfig struct {
	Port          config.PortConfig `yaml:"port"`
	LocalPort     uint16            `yaml:"local_port"`
	RemoteAddress string            `yaml:"remote_address"`
	RemotePort    uint16            `yaml:"remote_port" default:"80"`
}

func (c *TunnelConfig) Validate() error {
	if err := c.Port.Validate(); err != nil {
		return err
	}
	if c.RemoteAddress == "" {
		return fmt.Errorf("remote_address is required")
	}
	if c.RemotePort == 0 {
		return fmt.Errorf("remote_port must be set")
	}
	return nil
}

// Tunnel is a running port forward and the port carrying it.
type Tunnel struct {
	srv    *client.Server
	port   *client.Port
	tunnel *client.Tunnel
	info   api.TunnelInfo
	log    *zap.Logger
}

// OpenTunnel provisions the port and starts the forward.
func OpenTunnel(ctx context.Context, srv *client.Server, cfg TunnelConfig, lg *zap.Logger) (*Tunnel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p, err := scenario.Provision(ctx, srv, cfg.Port)
	if err != nil {
		return nil, err
	}
	t := &Tunnel{srv: srv, port: p, log: lg}
	t.tunnel, err = p.TunnelTCPAdd(ctx, api.TunnelSpec{
		LocalPort:     cfg.LocalPort,
		RemoteAddress: cfg.RemoteAddress,
		RemotePort:    cfg.RemotePort,
	})
	if err != nil {
		return nil, t.abort(ctx, err)
	}
	t.info, err = t.tunnel.Start(ctx)
	if err != nil {
		return nil, t.abort(ctx, err)
	}
	lg.Info("tunnel open",
		zap.String("port", p.Description()),
		zap.String("listen", t.info.ListenAddr),
		zap.String("remote", t.Remote()))
	return t, nil
}

func (t *Tunnel) abort(ctx context.Context, err error) error {
	if cerr := t.Close(ctx); cerr != nil {
		t.log.Error("failed to cleanup tunnel", zap.Error(cerr))
	}
	return err
}

func (t *Tunnel) ListenAddr() string { return t.info.ListenAddr }

func (t *Tunnel) Remote() string {
	return net.JoinHostPort(t.info.RemoteAddress, fmt.Sprint(t.info.RemotePort))
}

func (t *Tunnel) Info(ctx context.Context) (api.TunnelInfo, error) {
	info, err := t.tunnel.Info(ctx)
	if err != nil {
		return info, err
	}
	t.info = info
	return info, nil
}

// Serve prints the tunnel counters every period until ctx is done.
func (t *Tunnel) Serve(ctx context.Context, period time.Duration, w io.Writer) error {
	out := poll.NewPrinter(w)
	out.Printf("Forwarding %s to %s\n", t.ListenAddr(), t.Remote())
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if ctx.Err() != nil {
				return nil
			}
			info, err := t.Info(ctx)
			if err != nil {
				// the refresh was cut short by the end of ctx
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			out.Printf("connections %d, to remote %d bytes, from remote %d bytes\n",
				info.Connections, info.BytesToRemote, info.BytesFromRemote)
		case <-ctx.Done():
			return nil
		}
	}
}

// Close stops the forward and gives the port back.
func (t *Tunnel) Close(ctx context.Context) error {
	var errs []error
	if t.tunnel != nil {
		if err := t.tunnel.Stop(ctx); err != nil && !api.HasCode(err, api.CodeInvalidState) {
			errs = append(errs, err)
		}
		if err := t.tunnel.Remove(ctx); err != nil {
			errs = append(errs, err)
		}
		t.tunnel = nil
	}
	if t.port != nil {
		if err := t.srv.PortDestroy(ctx, t.port); err != nil {
			errs = append(errs, err)
		}
		t.port = nil
	}
	return errors.Join(errs...)
}
