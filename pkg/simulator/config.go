package simulator

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"
)

const (
	RolePublic  = "public"
	RolePrivate = "private"
)

// Config describes the emulated appliance.
type Config struct {
	Version  string `yaml:"version" default:"2.22.0"`
	Series   string `yaml:"series" default:"2.22"`
	Hostname string `yaml:"hostname"`

	LinkSpeedMbps float64       `yaml:"link_speed_mbps" default:"1000"`
	Interval      time.Duration `yaml:"interval" default:"1s"`
	DHCPDelay     time.Duration `yaml:"dhcp_delay" default:"0s"`
	StartDelay    time.Duration `yaml:"start_delay" default:"1s"`
	CaptureLimit  int           `yaml:"capture_limit" default:"10000"`

	Latency LatencyConfig `yaml:"latency"`
	NAT     NATConfig     `yaml:"nat"`
	DNS     DNSConfig     `yaml:"dns"`
	Ping    PingConfig    `yaml:"ping"`

	Interfaces []InterfaceConfig `yaml:"interfaces"`
	Devices    []DeviceConfig    `yaml:"devices"`
}

type LatencyConfig struct {
	Base   time.Duration `yaml:"base" default:"25us"`
	Jitter time.Duration `yaml:"jitter" default:"10us"`
}

type NATConfig struct {
	PublicIP string `yaml:"public_ip" default:"10.10.0.254"`
	PortBase uint16 `yaml:"port_base" default:"30000"`
}

type DNSConfig struct {
	Address string              `yaml:"address" default:"10.10.0.53"`
	TTL     uint32              `yaml:"ttl" default:"300"`
	Records map[string][]string `yaml:"records"`
}

// PingConfig enables real ICMP echo toward addresses no port owns.
type PingConfig struct {
	Enabled    bool `yaml:"enabled" default:"false"`
	Privileged bool `yaml:"privileged" default:"false"`
}

type InterfaceConfig struct {
	Name       string `yaml:"name"`
	Role       string `yaml:"role" default:"public"`
	Subnet     string `yaml:"subnet"`
	Gateway    string `yaml:"gateway"`
	GatewayMAC string `yaml:"gateway_mac"`
	IPv6Prefix string `yaml:"ipv6_prefix"`

	// interfaces serve DHCPv4 and DHCPv6 unless disabled
	NoDHCP   bool `yaml:"no_dhcp"`
	NoDHCPv6 bool `yaml:"no_dhcpv6"`
}

type DeviceConfig struct {
	UUID      string   `yaml:"uuid"`
	GivenName string   `yaml:"given_name"`
	Model     string   `yaml:"model" default:"Pixel 7"`
	OS        string   `yaml:"os" default:"Android 14"`
	MAC       string   `yaml:"mac"`
	IPv4      string   `yaml:"ipv4"`
	IPv6      []string `yaml:"ipv6"`

	// Public devices are reachable without crossing the NAT gateway.
	Public       bool          `yaml:"public"`
	SSID         string        `yaml:"ssid" default:"tgctl-lab"`
	BSSID        string        `yaml:"bssid" default:"02:00:00:aa:bb:cc"`
	RSSI         int           `yaml:"rssi" default:"-55"`
	Channel      int           `yaml:"channel" default:"36"`
	TxRateBps    uint64        `yaml:"tx_rate_bps" default:"866700000"`
	Latency      time.Duration `yaml:"latency" default:"2ms"`
	Unavailable  bool          `yaml:"unavailable"`
	Capabilities []string      `yaml:"capabilities"`
}

// DefaultInterfaces is a lab with two routed public interfaces and four
// trunk interfaces on a private LAN behind the NAT gateway.
func DefaultInterfaces() []InterfaceConfig {
	ifaces := []InterfaceConfig{
		{Name: "nontrunk-1", Role: RolePublic, Subnet: "10.10.0.0/24", Gateway: "10.10.0.1", GatewayMAC: "00:ff:0a:0a:00:01", IPv6Prefix: "2001:db8:10::/64"},
		{Name: "nontrunk-2", Role: RolePublic, Subnet: "10.10.1.0/24", Gateway: "10.10.1.1", GatewayMAC: "00:ff:0a:0a:01:01", IPv6Prefix: "2001:db8:11::/64"},
	}
	for i := 1; i <= 4; i++ {
		ifaces = append(ifaces, InterfaceConfig{
			Name:       fmt.Sprintf("trunk-1-%d", i),
			Role:       RolePrivate,
			Subnet:     "192.168.0.0/24",
			Gateway:    "192.168.0.1",
			GatewayMAC: "00:ff:c0:a8:00:01",
			IPv6Prefix: "2001:db8:100::/64",
		})
	}
	return ifaces
}

func DefaultDevices() []DeviceConfig {
	d := DeviceConfig{
		GivenName: "Simulated Endpoint",
		MAC:       "02:00:c0:a8:00:32",
		IPv4:      "192.168.0.50",
		IPv6:      []string{"2001:db8:100::50"},
	}
	defaults.SetDefaults(&d)
	return []DeviceConfig{d}
}

func NewConfig() Config {
	var cfg Config
	defaults.SetDefaults(&cfg)
	cfg.applyDefaults()
	return cfg
}

// LoadConfig reads a YAML file on top of the defaults. An empty path yields
// the default lab.
func LoadConfig(path string) (Config, error) {
	cfg := NewConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read simulator config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse simulator config: %w", err)
		}
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *Config) applyDefaults() {
	if len(c.Interfaces) == 0 {
		c.Interfaces = DefaultInterfaces()
	}
	if c.Devices == nil {
		c.Devices = DefaultDevices()
	}
	for i := range c.Interfaces {
		if c.Interfaces[i].Role == "" {
			c.Interfaces[i].Role = RolePublic
		}
	}
	for i := range c.Devices {
		defaults.SetDefaults(&c.Devices[i])
	}
}

func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if c.LinkSpeedMbps <= 0 {
		return fmt.Errorf("link_speed_mbps must be positive")
	}
	if net.ParseIP(c.NAT.PublicIP).To4() == nil {
		return fmt.Errorf("nat.public_ip %q is not an IPv4 address", c.NAT.PublicIP)
	}
	if c.DNS.Address != "" && net.ParseIP(c.DNS.Address) == nil {
		return fmt.Errorf("dns.address %q is invalid", c.DNS.Address)
	}
	seen := map[string]bool{}
	for _, ic := range c.Interfaces {
		if ic.Name == "" {
			return fmt.Errorf("interface without name")
		}
		if seen[ic.Name] {
			return fmt.Errorf("duplicate interface %q", ic.Name)
		}
		seen[ic.Name] = true
		if ic.Role != RolePublic && ic.Role != RolePrivate {
			return fmt.Errorf("interface %s: role must be %s or %s", ic.Name, RolePublic, RolePrivate)
		}
		if _, _, err := net.ParseCIDR(ic.Subnet); err != nil {
			return fmt.Errorf("interface %s: subnet: %w", ic.Name, err)
		}
		if net.ParseIP(ic.Gateway) == nil {
			return fmt.Errorf("interface %s: gateway %q is invalid", ic.Name, ic.Gateway)
		}
		if _, err := net.ParseMAC(ic.GatewayMAC); err != nil {
			return fmt.Errorf("interface %s: gateway_mac: %w", ic.Name, err)
		}
		if ic.IPv6Prefix != "" {
			if _, _, err := net.ParseCIDR(ic.IPv6Prefix); err != nil {
				return fmt.Errorf("interface %s: ipv6_prefix: %w", ic.Name, err)
			}
		}
	}
	for _, d := range c.Devices {
		if d.GivenName == "" {
			return fmt.Errorf("device without given_name")
		}
		if net.ParseIP(d.IPv4).To4() == nil {
			return fmt.Errorf("device %s: ipv4 %q is invalid", d.GivenName, d.IPv4)
		}
		if _, err := net.ParseMAC(d.MAC); err != nil {
			return fmt.Errorf("device %s: mac: %w", d.GivenName, err)
		}
	}
	return nil
}
