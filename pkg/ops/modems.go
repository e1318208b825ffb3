package ops

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/takehaya/tgctl/pkg/api"
	"github.com/takehaya/tgctl/pkg/client"
	"go.uber.org/zap"
)

// DefaultDHCPTimeout bounds the wait for a lease on each scanned interface.
const DefaultDHCPTimeout = 10 * time.Second

// VendorLookup maps a MAC address to the company owning its prefix.
type VendorLookup interface {
	Vendor(ctx context.Context, mac string) string
}

// Modem is the gateway found behind one interface.
type Modem struct {
	Interface  string
	IP         string
	Gateway    string
	GatewayMAC string
	Vendor     string
}

func (m Modem) String() string {
	return fmt.Sprintf("%s, %s, %s, %s", m.Interface, m.IP, m.GatewayMAC, m.Vendor)
}

// ScanConfig selects the interfaces to scan by name prefix. An empty
// prefix scans them all.
type ScanConfig struct {
	Prefix      string
	DHCPTimeout time.Duration
}

// ScanModems finds what is connected to the interfaces of srv: every
// matching interface gets a port with a random MAC that runs DHCP, then
// the gateway it learned is resolved and its vendor looked up.
// Interfaces without DHCP answer or without resolvable gateway are left out.
// All ports are destroyed before returning.
func ScanModems(ctx context.Context, srv *client.Server, cfg ScanConfig, vendors VendorLookup, lg *zap.Logger) ([]Modem, error) {
	if cfg.DHCPTimeout <= 0 {
		cfg.DHCPTimeout = DefaultDHCPTimeout
	}
	ifaces, err := srv.Interfaces(ctx)
	if err != nil {
		return nil, err
	}

	var ports, pending []*client.Port
	defer func() {
		for _, p := range ports {
			if err := srv.PortDestroy(context.WithoutCancel(ctx), p); err != nil {
				lg.Error("failed to cleanup", zap.String("port", p.ID()), zap.Error(err))
			}
		}
	}()
	for _, iface := range ifaces {
		if !strings.HasPrefix(iface, cfg.Prefix) {
			continue
		}
		p, err := srv.PortCreate(ctx, iface)
		if err != nil {
			return nil, err
		}
		ports = append(ports, p)
		if err := p.SetMAC(ctx, randomMAC()); err != nil {
			return nil, err
		}
		if err := p.DHCPv4Async(ctx); err != nil {
			if api.HasCode(err, api.CodeDHCPFailed) {
				lg.Debug("no DHCP on interface", zap.String("interface", iface), zap.Error(err))
				continue
			}
			return nil, err
		}
		pending = append(pending, p)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		modems []Modem
	)
	for _, p := range pending {
		wg.Add(1)
		go func(p *client.Port) {
			defer wg.Done()
			m, ok := inspect(ctx, p, cfg.DHCPTimeout, vendors, lg)
			if !ok {
				return
			}
			mu.Lock()
			modems = append(modems, m)
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(modems, func(i, j int) bool { return modems[i].Interface < modems[j].Interface })
	return modems, nil
}

func inspect(ctx context.Context, p *client.Port, timeout time.Duration, vendors VendorLookup, lg *zap.Logger) (Modem, bool) {
	log := lg.With(zap.String("interface", p.Interface()))
	ip, err := p.DHCPv4Wait(ctx, timeout)
	if err != nil {
		log.Debug("no lease", zap.Error(err))
		return Modem{}, false
	}
	info, err := p.Info(ctx)
	if err != nil || info.IPv4 == nil || info.IPv4.Gateway == "" {
		log.Debug("no gateway", zap.Error(err))
		return Modem{}, false
	}
	mac, err := p.Resolve(ctx, info.IPv4.Gateway)
	if err != nil {
		log.Debug("gateway did not resolve", zap.String("gateway", info.IPv4.Gateway), zap.Error(err))
		return Modem{}, false
	}
	m := Modem{
		Interface:  p.Interface(),
		IP:         ip,
		Gateway:    info.IPv4.Gateway,
		GatewayMAC: mac,
	}
	if vendors != nil {
		m.Vendor = vendors.Vendor(ctx, mac)
	}
	log.Info("modem found", zap.String("ip", ip), zap.String("gateway_mac", mac), zap.String("vendor", m.Vendor))
	return m, true
}

// PrintModems writes one "interface, ip, gateway mac, vendor" line each.
func PrintModems(w io.Writer, modems []Modem) {
	for _, m := range modems {
		fmt.Fprintln(w, m.String())
	}
}

func randomMAC() string {
	return fmt.Sprintf("00:bb:%02x:%02x:%02x:%02x", rand.Intn(256), rand.Intn(256), rand.Intn(256), rand.Intn(256))
}
