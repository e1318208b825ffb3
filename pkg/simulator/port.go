package simulator

import (
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/takehaya/tgctl/pkg/api"
	"go.uber.org/zap"
)

// node is anything frames can be delivered to: a port or a wireless
// endpoint.
type node interface {
	nodeID() string
	hwAddr() net.HardwareAddr
	ownsIP(ip net.IP, at time.Time) bool
	behindNAT() bool
	ifaceName() string
	outerVLAN() (uint16, bool)
	extraLatency() time.Duration
}

type port struct {
	id      string
	session string
	iface   *iface
	mac     net.HardwareAddr
	vlans   []uint16

	ip4         net.IP
	mask        net.IPMask
	gw4         net.IP
	dhcpReadyAt time.Time

	ip6 []*net.IPNet

	startedAt time.Time
}

func (p *port) nodeID() string              { return p.id }
func (p *port) hwAddr() net.HardwareAddr    { return p.mac }
func (p *port) behindNAT() bool             { return p.iface.private() }
func (p *port) ifaceName() string           { return p.iface.cfg.Name }
func (p *port) extraLatency() time.Duration { return 0 }

func (p *port) outerVLAN() (uint16, bool) {
	if len(p.vlans) == 0 {
		return 0, false
	}
	return p.vlans[0], true
}

func (p *port) ipv4At(at time.Time) net.IP {
	if p.ip4 == nil || at.Before(p.dhcpReadyAt) {
		return nil
	}
	return p.ip4
}

func (p *port) ownsIP(ip net.IP, at time.Time) bool {
	if ip.To4() != nil {
		return p.ipv4At(at).Equal(ip)
	}
	if linkLocal(p.mac).Equal(ip) {
		return true
	}
	for _, a := range p.ip6 {
		if a.IP.Equal(ip) {
			return true
		}
	}
	return false
}

func (p *port) info(user string, at time.Time) api.PortInfo {
	info := api.PortInfo{
		ID:        p.id,
		Interface: p.iface.cfg.Name,
		MAC:       p.mac.String(),
		VLANs:     append([]uint16(nil), p.vlans...),
		Owner:     user,
	}
	if ip := p.ipv4At(at); ip != nil {
		info.IPv4 = &api.IPv4Config{Address: ip.String(), Netmask: net.IP(p.mask).String()}
		if p.gw4 != nil {
			info.IPv4.Gateway = p.gw4.String()
		}
	}
	for _, a := range p.ip6 {
		info.IPv6 = append(info.IPv6, a.String())
	}
	return info
}

// linkLocal derives the fe80::/64 EUI-64 address of mac.
func linkLocal(mac net.HardwareAddr) net.IP {
	_, ll, _ := net.ParseCIDR("fe80::/64")
	return eui64(ll, mac)
}

func eui64(prefix *net.IPNet, mac net.HardwareAddr) net.IP {
	ip := make(net.IP, net.IPv6len)
	copy(ip, prefix.IP.To16())
	if len(mac) != 6 {
		return ip
	}
	ip[8] = mac[0] ^ 0x02
	ip[9] = mac[1]
	ip[10] = mac[2]
	ip[11] = 0xff
	ip[12] = 0xfe
	ip[13] = mac[3]
	ip[14] = mac[4]
	ip[15] = mac[5]
	return ip
}

func (e *Engine) port(id string) (*port, error) {
	p, ok := e.ports[id]
	if !ok {
		return nil, e.notFound("port", id)
	}
	return p, nil
}

func (e *Engine) CreatePort(sessionID, ifaceName string) (api.PortInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i, ok := e.ifaces[ifaceName]
	if !ok {
		return api.PortInfo{}, api.Domain(api.CodeNotFound, "interface %s does not exist", ifaceName)
	}
	e.macCounter++
	c := e.macCounter
	p := &port{
		id:      uuid.NewString(),
		session: sessionID,
		iface:   i,
		mac:     net.HardwareAddr{0x00, 0xff, 0x12, byte(c >> 16), byte(c >> 8), byte(c)},
	}
	e.ports[p.id] = p
	e.log.Debug("port created", zap.String("port", p.id), zap.String("interface", ifaceName))
	return p.info(e.sessionUser(sessionID), e.now()), nil
}

func (e *Engine) PortInfo(id string) (api.PortInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.port(id)
	if err != nil {
		return api.PortInfo{}, err
	}
	return p.info(e.sessionUser(p.session), e.now()), nil
}

func (e *Engine) DestroyPort(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.port(id); err != nil {
		return err
	}
	e.destroyPort(id)
	return nil
}

// destroyPort removes a port and every object hanging off it.
func (e *Engine) destroyPort(id string) {
	for sid, s := range e.streams {
		if s.owner.nodeID() == id {
			delete(e.streams, sid)
		}
	}
	for tid, t := range e.triggers {
		if t.port.id == id {
			delete(e.triggers, tid)
		}
	}
	for cid, c := range e.captures {
		if c.port.id == id {
			delete(e.captures, cid)
		}
	}
	for hid, h := range e.httpServers {
		if h.port.id == id {
			delete(e.httpServers, hid)
		}
	}
	for hid, h := range e.httpClients {
		if h.owner.nodeID() == id {
			delete(e.httpClients, hid)
		}
	}
	for iid, s := range e.icmp {
		if s.port.id == id {
			s.stop(e.now())
			delete(e.icmp, iid)
		}
	}
	for mid, m := range e.multicast {
		if m.port.id == id {
			delete(e.multicast, mid)
		}
	}
	for tid, t := range e.tunnels {
		if t.port.id == id {
			t.stop()
			delete(e.tunnels, tid)
		}
	}
	delete(e.ports, id)
	e.log.Debug("port destroyed", zap.String("port", id))
}

func (e *Engine) SetMAC(id, mac string) (api.PortInfo, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil || len(hw) != 6 {
		return api.PortInfo{}, api.Domain(api.CodeBadRequest, "invalid MAC address %q", mac)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.port(id)
	if err != nil {
		return api.PortInfo{}, err
	}
	for _, other := range e.ports {
		if other != p && other.mac.String() == hw.String() {
			return api.PortInfo{}, api.Domain(api.CodeInvalidState, "MAC address %s is already used by port %s", hw, other.id)
		}
	}
	p.mac = hw
	return p.info(e.sessionUser(p.session), e.now()), nil
}

func (e *Engine) AddVLAN(id string, vlan uint16) (api.PortInfo, error) {
	if vlan == 0 || vlan > 4094 {
		return api.PortInfo{}, api.Domain(api.CodeBadRequest, "VLAN id %d out of range", vlan)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.port(id)
	if err != nil {
		return api.PortInfo{}, err
	}
	p.vlans = append(p.vlans, vlan)
	return p.info(e.sessionUser(p.session), e.now()), nil
}

func (e *Engine) SetIPv4(id string, cfg api.IPv4Config) (api.PortInfo, error) {
	ip := net.ParseIP(cfg.Address).To4()
	mask := net.ParseIP(cfg.Netmask).To4()
	if ip == nil || mask == nil {
		return api.PortInfo{}, api.Domain(api.CodeBadRequest, "invalid IPv4 configuration %s/%s", cfg.Address, cfg.Netmask)
	}
	var gw net.IP
	if cfg.Gateway != "" {
		if gw = net.ParseIP(cfg.Gateway).To4(); gw == nil {
			return api.PortInfo{}, api.Domain(api.CodeBadRequest, "invalid gateway %q", cfg.Gateway)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.port(id)
	if err != nil {
		return api.PortInfo{}, err
	}
	p.ip4, p.mask, p.gw4 = ip, net.IPMask(mask), gw
	p.dhcpReadyAt = time.Time{}
	return p.info(e.sessionUser(p.session), e.now()), nil
}

// DHCPv4 leases an address from the interface pool. Async leases become
// visible after the configured DHCP delay.
func (e *Engine) DHCPv4(id string, async bool) (api.PortInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.port(id)
	if err != nil {
		return api.PortInfo{}, err
	}
	if p.iface.cfg.NoDHCP {
		return api.PortInfo{}, api.Domain(api.CodeDHCPFailed, "DHCP failed on %s: no server answered", p.iface.cfg.Name)
	}
	ip, err := e.lease(p.iface, p.mac)
	if err != nil {
		return api.PortInfo{}, err
	}
	p.ip4 = ip
	p.mask = p.iface.subnet.Mask
	p.gw4 = p.iface.gateway.To4()
	p.dhcpReadyAt = e.now()
	if async {
		p.dhcpReadyAt = p.dhcpReadyAt.Add(e.cfg.DHCPDelay)
	}
	e.log.Debug("dhcp lease", zap.String("port", id), zap.Stringer("ip", ip))
	return p.info(e.sessionUser(p.session), e.now()), nil
}

func (e *Engine) lease(i *iface, mac net.HardwareAddr) (net.IP, error) {
	key := i.subnet.String()
	pl, ok := e.pools[key]
	if !ok {
		pl = &pool{next: 100, leases: map[string]net.IP{}}
		e.pools[key] = pl
	}
	if ip, ok := pl.leases[mac.String()]; ok {
		return ip, nil
	}
	ones, bits := i.subnet.Mask.Size()
	if pl.next >= 1<<(bits-ones)-1 {
		return nil, api.Domain(api.CodeDHCPFailed, "DHCP pool of %s exhausted", key)
	}
	base := i.subnet.IP.To4()
	n := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])
	n += uint32(pl.next)
	pl.next++
	ip := net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n)).To4()
	pl.leases[mac.String()] = ip
	return ip, nil
}

func (e *Engine) DHCPv6(id string) (api.PortInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.port(id)
	if err != nil {
		return api.PortInfo{}, err
	}
	if p.iface.prefix6 == nil || p.iface.cfg.NoDHCPv6 {
		return api.PortInfo{}, api.Domain(api.CodeDHCPFailed, "DHCPv6 failed on %s: no server answered", p.iface.cfg.Name)
	}
	key := "v6-" + p.iface.prefix6.String()
	pl, ok := e.pools[key]
	if !ok {
		pl = &pool{next: 0x1000, leases: map[string]net.IP{}}
		e.pools[key] = pl
	}
	ip, ok := pl.leases[p.mac.String()]
	if !ok {
		ip = make(net.IP, net.IPv6len)
		copy(ip, p.iface.prefix6.IP.To16())
		ip[14], ip[15] = byte(pl.next>>8), byte(pl.next)
		pl.next++
		pl.leases[p.mac.String()] = ip
	}
	e.addIPv6(p, &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)})
	return p.info(e.sessionUser(p.session), e.now()), nil
}

func (e *Engine) SLAAC(id string) (api.PortInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.port(id)
	if err != nil {
		return api.PortInfo{}, err
	}
	if p.iface.prefix6 == nil {
		return api.PortInfo{}, api.Domain(api.CodeAddressResolutionFailed, "no router advertisement on %s", p.iface.cfg.Name)
	}
	e.addIPv6(p, &net.IPNet{IP: eui64(p.iface.prefix6, p.mac), Mask: p.iface.prefix6.Mask})
	return p.info(e.sessionUser(p.session), e.now()), nil
}

func (e *Engine) AddIPv6(id, cidr string) (api.PortInfo, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil || ip.To4() != nil {
		return api.PortInfo{}, api.Domain(api.CodeBadRequest, "invalid IPv6 address %q", cidr)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.port(id)
	if err != nil {
		return api.PortInfo{}, err
	}
	e.addIPv6(p, &net.IPNet{IP: ip, Mask: ipnet.Mask})
	return p.info(e.sessionUser(p.session), e.now()), nil
}

func (e *Engine) addIPv6(p *port, a *net.IPNet) {
	for _, have := range p.ip6 {
		if have.IP.Equal(a.IP) {
			return
		}
	}
	p.ip6 = append(p.ip6, a)
}

// Resolve answers ARP or neighbor discovery for addr from port id. Off-link
// destinations resolve to the gateway.
func (e *Engine) Resolve(id, addr string) (string, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		return "", api.Domain(api.CodeBadRequest, "invalid address %q", addr)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.port(id)
	if err != nil {
		return "", err
	}
	mac, err := e.resolve(p, ip)
	if err != nil {
		return "", err
	}
	return mac.String(), nil
}

func (e *Engine) resolve(p *port, ip net.IP) (net.HardwareAddr, error) {
	now := e.now()
	fail := api.Domain(api.CodeAddressResolutionFailed, "address resolution of %s failed on port %s", ip, p.id)

	if v4 := ip.To4(); v4 != nil {
		own := p.ipv4At(now)
		if own == nil {
			return nil, api.Domain(api.CodeInvalidState, "port %s has no IPv4 address", p.id)
		}
		onLink := (&net.IPNet{IP: own.Mask(p.mask), Mask: p.mask}).Contains(v4)
		if !onLink {
			if p.gw4 == nil {
				return nil, fail
			}
			return p.iface.gatewayMAC, nil
		}
		if e.routerOwns(p.iface, v4) {
			return p.iface.gatewayMAC, nil
		}
		for _, n := range e.nodes() {
			if n.nodeID() != p.id && n.ownsIP(v4, now) {
				return n.hwAddr(), nil
			}
		}
		return nil, fail
	}

	if ip.IsLinkLocalUnicast() {
		for _, n := range e.nodes() {
			if n.nodeID() != p.id && n.ownsIP(ip, now) {
				return n.hwAddr(), nil
			}
		}
		return nil, fail
	}
	if len(p.ip6) == 0 {
		return nil, api.Domain(api.CodeInvalidState, "port %s has no IPv6 address", p.id)
	}
	onLink := p.iface.prefix6 != nil && p.iface.prefix6.Contains(ip)
	for _, a := range p.ip6 {
		if a.Contains(ip) {
			onLink = true
		}
	}
	if !onLink {
		if p.iface.prefix6 == nil {
			return nil, fail
		}
		return p.iface.gatewayMAC, nil
	}
	for _, n := range e.nodes() {
		if n.nodeID() != p.id && n.ownsIP(ip, now) {
			return n.hwAddr(), nil
		}
	}
	return nil, fail
}

// routerOwns reports addresses answered by the gateway itself: the
// gateway, the NAT public address and the DNS service.
func (e *Engine) routerOwns(i *iface, ip net.IP) bool {
	if ip.Equal(i.gateway) {
		return true
	}
	if !i.private() && ip.Equal(net.ParseIP(e.cfg.NAT.PublicIP)) {
		return true
	}
	return e.cfg.DNS.Address != "" && ip.Equal(net.ParseIP(e.cfg.DNS.Address))
}

// StartPort starts every stream on the port and the HTTP clients that wait
// for a scheduled start.
func (e *Engine) StartPort(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.port(id)
	if err != nil {
		return err
	}
	now := e.now()
	p.startedAt = now
	ids := make([]string, 0)
	for sid, s := range e.streams {
		if s.owner.nodeID() == id {
			ids = append(ids, sid)
		}
	}
	sort.Strings(ids)
	for _, sid := range ids {
		e.startStream(e.streams[sid], now)
	}
	for _, c := range e.httpClients {
		if c.owner.nodeID() == id && c.spec.StartType == api.StartScheduled {
			c.start(now)
		}
	}
	return nil
}

func (e *Engine) StopPort(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.port(id); err != nil {
		return err
	}
	now := e.now()
	for _, s := range e.streams {
		if s.owner.nodeID() == id {
			s.stop(now)
		}
	}
	for _, c := range e.httpClients {
		if c.owner.nodeID() == id {
			c.stop(now)
		}
	}
	return nil
}

func (e *Engine) portByIface(name string) []*port {
	var out []*port
	for _, p := range e.ports {
		if p.iface.cfg.Name == name {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (p *port) String() string {
	return fmt.Sprintf("%s@%s", p.id, p.iface.cfg.Name)
}
