package tgctl

import (
	"context"
	"fmt"
	"time"

	"github.com/takehaya/tgctl/pkg/client"
	"github.com/takehaya/tgctl/pkg/config"
	"github.com/takehaya/tgctl/pkg/ops"
	"github.com/takehaya/tgctl/pkg/oui"
	"github.com/takehaya/tgctl/pkg/scenario"
	"go.uber.org/zap"
)

// ListScenarios prints the registered scenarios and what they connect to.
func (t *Tgctl) ListScenarios() {
	for _, d := range scenario.All() {
		var needs string
		switch {
		case d.NeedsServer && d.NeedsMeetingPoint:
			needs = "server, meeting point"
		case d.NeedsMeetingPoint:
			needs = "meeting point"
		default:
			needs = "server"
		}
		fmt.Fprintf(t.Out, "%-28s %-24s %s\n", d.Name, "["+needs+"]", d.Description)
	}
}

// Users prints the API users of the server and, when configured, the
// meeting point.
func (t *Tgctl) Users(ctx context.Context) error {
	var sources []ops.UserSource
	if t.cfg.Env.Server != "" {
		srv, err := t.Server(ctx)
		if err != nil {
			return err
		}
		sources = append(sources, srv)
	}
	if t.cfg.Env.MeetingPoint != "" {
		mp, err := t.MeetingPoint(ctx)
		if err != nil {
			return err
		}
		sources = append(sources, mp)
	}
	if len(sources) == 0 {
		return fmt.Errorf("neither server nor meeting point configured")
	}
	users, err := ops.Users(ctx, sources...)
	if err != nil {
		return err
	}
	ops.PrintUsers(t.Out, users)
	return nil
}

func (t *Tgctl) Version(ctx context.Context) error {
	srv, err := t.Server(ctx)
	if err != nil {
		return err
	}
	line, err := ops.VersionLine(ctx, srv)
	if err != nil {
		return err
	}
	fmt.Fprintln(t.Out, line)
	return nil
}

// APIVersion prints the client API version, and the server's when a
// server is configured.
func (t *Tgctl) APIVersion(ctx context.Context) error {
	var srv *client.Server
	if t.cfg.Env.Server != "" {
		var err error
		if srv, err = t.Server(ctx); err != nil {
			return err
		}
	}
	v, err := ops.APIVersion(ctx, srv)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.Out, "Client API version: %s\n", v.Client)
	if v.Server != "" {
		fmt.Fprintf(t.Out, "Server API version: %s\n", v.Server)
		if !v.Compatible() {
			fmt.Fprintln(t.Out, "warning: client and server API versions differ")
		}
	}
	return nil
}

func (t *Tgctl) UpdateCheck(ctx context.Context) (ops.UpdateStatus, error) {
	srv, err := t.Server(ctx)
	if err != nil {
		return ops.UpdateStatus{}, err
	}
	info, err := srv.ServiceInfo(ctx)
	if err != nil {
		return ops.UpdateStatus{}, err
	}
	st, err := ops.NewUpdateChecker(t.cfg.Env.UpdateURL, t.Logger).Check(ctx, info.Series, info.Version)
	if err != nil {
		return st, err
	}
	fmt.Fprintln(t.Out, st.String())
	return st, nil
}

// Tunnel forwards until ctx ends, printing counters every period.
func (t *Tgctl) Tunnel(ctx context.Context, cfg ops.TunnelConfig, period time.Duration) error {
	srv, err := t.Server(ctx)
	if err != nil {
		return err
	}
	tun, err := ops.OpenTunnel(ctx, srv, cfg, t.Logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := tun.Close(context.WithoutCancel(ctx)); err != nil {
			t.Logger.Error("failed to cleanup", zap.Error(err))
		}
	}()
	return tun.Serve(ctx, period, t.Out)
}

// TunnelPort builds the port of a tunnel from the command line values:
// DHCP unless address is set.
func TunnelPort(iface, mac, address, netmask, gateway string) config.PortConfig {
	var pc config.PortConfig
	if address != "" {
		pc = config.StaticIPv4(iface, address, gateway)
		if netmask != "" {
			pc.IP.Netmask = netmask
		}
	} else {
		pc = config.DHCP(iface, config.IPDHCPv4)
	}
	pc.MAC = mac
	return pc
}

func (t *Tgctl) Modems(ctx context.Context, prefix string, timeout time.Duration) ([]ops.Modem, error) {
	srv, err := t.Server(ctx)
	if err != nil {
		return nil, err
	}
	vendors := oui.New(t.cfg.Env.OUIBaseURL, t.Logger)
	modems, err := ops.ScanModems(ctx, srv, ops.ScanConfig{Prefix: prefix, DHCPTimeout: timeout}, vendors, t.Logger)
	if err != nil {
		return nil, err
	}
	ops.PrintModems(t.Out, modems)
	return modems, nil
}

func (t *Tgctl) Dump(ctx context.Context, iface string, d time.Duration, path string) error {
	srv, err := t.Server(ctx)
	if err != nil {
		return err
	}
	n, err := ops.Dump(ctx, srv, iface, d, path, t.Logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.Out, "%d frames written to %s\n", n, path)
	return nil
}

func (t *Tgctl) Devices(ctx context.Context) error {
	mp, err := t.MeetingPoint(ctx)
	if err != nil {
		return err
	}
	devs, err := ops.Devices(ctx, mp)
	if err != nil {
		return err
	}
	ops.PrintDevices(t.Out, devs)
	return nil
}
