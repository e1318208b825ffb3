package config

import (
	"fmt"
	"net"
	"strconv"

	"gopkg.in/yaml.v3"
)

type IPMode string

const (
	IPDHCPv4   IPMode = "dhcpv4"
	IPDHCPv6   IPMode = "dhcpv6"
	IPSLAAC    IPMode = "slaac"
	IPStaticV4 IPMode = "static4"
	IPStaticV6 IPMode = "static6"
	IPUnset    IPMode = ""
)

const defaultMask = "255.255.255.0"

// IPConfig is the address setup of a port. In YAML it is either one of
// dhcpv4, dhcpv6 or slaac, a list [address, netmask, gateway] for static
// IPv4, or a list [address, prefix_length] for static IPv6.
type IPConfig struct {
	Mode         IPMode
	Address      string
	Netmask      string
	Gateway      string
	PrefixLength int
}

func (c *IPConfig) UnmarshalYAML(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		switch m := IPMode(n.Value); m {
		case IPDHCPv4, IPDHCPv6, IPSLAAC:
			*c = IPConfig{Mode: m}
			return nil
		}
		return fmt.Errorf("line %d: unknown ip mode %q", n.Line, n.Value)
	case yaml.SequenceNode:
		var parts []string
		if err := n.Decode(&parts); err != nil {
			return err
		}
		switch len(parts) {
		case 3:
			*c = IPConfig{Mode: IPStaticV4, Address: parts[0], Netmask: parts[1], Gateway: parts[2]}
			return nil
		case 2:
			plen, err := strconv.Atoi(parts[1])
			if err != nil {
				return fmt.Errorf("line %d: prefix length %q: %w", n.Line, parts[1], err)
			}
			*c = IPConfig{Mode: IPStaticV6, Address: parts[0], PrefixLength: plen}
			return nil
		}
		return fmt.Errorf("line %d: static ip needs 3 (IPv4) or 2 (IPv6) elements, got %d", n.Line, len(parts))
	}
	return fmt.Errorf("line %d: ip must be a string or a list", n.Line)
}

func (c IPConfig) MarshalYAML() (interface{}, error) {
	switch c.Mode {
	case IPStaticV4:
		return []string{c.Address, c.Netmask, c.Gateway}, nil
	case IPStaticV6:
		return []string{c.Address, strconv.Itoa(c.PrefixLength)}, nil
	}
	return string(c.Mode), nil
}

// IPv6 reports whether the port ends up with IPv6 addresses.
func (c IPConfig) IPv6() bool {
	return c.Mode == IPDHCPv6 || c.Mode == IPSLAAC || c.Mode == IPStaticV6
}

// CIDR is the static IPv6 address in address/prefix form.
func (c IPConfig) CIDR() string {
	return c.Address + "/" + strconv.Itoa(c.PrefixLength)
}

func (c IPConfig) Validate() error {
	switch c.Mode {
	case IPDHCPv4, IPDHCPv6, IPSLAAC:
		return nil
	case IPStaticV4:
		if ip := net.ParseIP(c.Address); ip == nil || ip.To4() == nil {
			return fmt.Errorf("invalid IPv4 address %q", c.Address)
		}
		if m := net.ParseIP(c.Netmask); m == nil || m.To4() == nil {
			return fmt.Errorf("invalid netmask %q", c.Netmask)
		}
		if c.Gateway != "" && net.ParseIP(c.Gateway) == nil {
			return fmt.Errorf("invalid gateway %q", c.Gateway)
		}
		return nil
	case IPStaticV6:
		if ip := net.ParseIP(c.Address); ip == nil || ip.To4() != nil {
			return fmt.Errorf("invalid IPv6 address %q", c.Address)
		}
		if c.PrefixLength <= 0 || c.PrefixLength > 128 {
			return fmt.Errorf("invalid prefix length %d", c.PrefixLength)
		}
		return nil
	case IPUnset:
		return fmt.Errorf("ip is required")
	}
	return fmt.Errorf("unknown ip mode %q", c.Mode)
}

// PortConfig describes one traffic port.
type PortConfig struct {
	Interface string   `yaml:"interface"`
	MAC       string   `yaml:"mac,omitempty"`
	VLAN      *uint16  `yaml:"vlan,omitempty"`
	IP        IPConfig `yaml:"ip"`
}

func (p *PortConfig) Validate() error {
	if p.Interface == "" {
		return fmt.Errorf("port interface is required")
	}
	if p.MAC != "" {
		if _, err := net.ParseMAC(p.MAC); err != nil {
			return fmt.Errorf("port %s: %w", p.Interface, err)
		}
	}
	if p.VLAN != nil && (*p.VLAN == 0 || *p.VLAN > 4094) {
		return fmt.Errorf("port %s: vlan %d out of range", p.Interface, *p.VLAN)
	}
	if err := p.IP.Validate(); err != nil {
		return fmt.Errorf("port %s: %w", p.Interface, err)
	}
	return nil
}

// StaticIPv4 is a shortcut for a port with a fixed IPv4 address on a /24.
func StaticIPv4(iface, address, gateway string) PortConfig {
	return PortConfig{Interface: iface, IP: IPConfig{Mode: IPStaticV4, Address: address, Netmask: defaultMask, Gateway: gateway}}
}

// DHCP is a shortcut for a port configured with mode.
func DHCP(iface string, mode IPMode) PortConfig {
	return PortConfig{Interface: iface, IP: IPConfig{Mode: mode}}
}
