package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type sample struct {
	Name     string        `yaml:"name" default:"demo"`
	Size     int           `yaml:"size" default:"60"`
	Duration time.Duration `yaml:"duration" default:"10s"`
	Ports    []PortConfig  `yaml:"ports"`
}

func (s *sample) Validate() error {
	for i := range s.Ports {
		if err := s.Ports[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

func TestLoadDefaultsThenYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
size: 1000
ports:
  - interface: trunk-1-1
    vlan: 2
    ip: [192.168.0.10, 255.255.255.0, 192.168.0.1]
  - interface: nontrunk-1
    ip: [2001:db8:10::2, "64"]
  - interface: nontrunk-2
    mac: "00:ff:12:00:00:01"
    ip: dhcpv4
`), 0o600))

	var s sample
	require.NoError(t, Load(path, &s))
	assert.Equal(t, "demo", s.Name)
	assert.Equal(t, 1000, s.Size)
	assert.Equal(t, 10*time.Second, s.Duration)
	require.Len(t, s.Ports, 3)

	p := s.Ports[0]
	require.NotNil(t, p.VLAN)
	assert.Equal(t, uint16(2), *p.VLAN)
	assert.Equal(t, IPConfig{Mode: IPStaticV4, Address: "192.168.0.10", Netmask: "255.255.255.0", Gateway: "192.168.0.1"}, p.IP)
	assert.False(t, p.IP.IPv6())

	assert.Equal(t, IPStaticV6, s.Ports[1].IP.Mode)
	assert.Equal(t, "2001:db8:10::2/64", s.Ports[1].IP.CIDR())
	assert.True(t, s.Ports[1].IP.IPv6())

	assert.Equal(t, IPDHCPv4, s.Ports[2].IP.Mode)
}

func TestLoadWithoutFileKeepsDefaults(t *testing.T) {
	var s sample
	require.NoError(t, Load("", &s))
	assert.Equal(t, 60, s.Size)
	assert.Empty(t, s.Ports)
}

func TestLoadRejects(t *testing.T) {
	cases := map[string]string{
		"mode":       "ports: [{interface: a, ip: dhcp}]",
		"elements":   "ports: [{interface: a, ip: [1.2.3.4]}]",
		"address":    "ports: [{interface: a, ip: [1.2.3.400, 255.255.255.0, 1.2.3.1]}]",
		"prefix":     "ports: [{interface: a, ip: [2001:db8::1, 129]}]",
		"vlan":       "ports: [{interface: a, vlan: 4095, ip: slaac}]",
		"interface":  "ports: [{ip: slaac}]",
		"missing ip": "ports: [{interface: a}]",
		"mac":        "ports: [{interface: a, mac: nope, ip: slaac}]",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.yaml")
			require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
			var s sample
			assert.Error(t, Load(path, &s))
		})
	}
}

func TestIPConfigMarshalRoundTrip(t *testing.T) {
	in := []PortConfig{
		StaticIPv4("nontrunk-1", "10.10.0.2", "10.10.0.1"),
		DHCP("nontrunk-2", IPSLAAC),
	}
	out, err := yamlRoundTrip(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("TGCTL_SERVER=10.0.0.1\nTGCTL_USER=from-file\n"), 0o600))
	t.Setenv("TGCTL_USER", "from-env")
	t.Setenv("TGCTL_S3_ENDPOINT", "")
	os.Unsetenv("TGCTL_SERVER")
	t.Cleanup(func() { os.Unsetenv("TGCTL_SERVER") })

	env, err := LoadEnv(dotenv)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", env.Server)
	assert.Equal(t, "from-env", env.User)
	assert.Equal(t, "tgctl-results", env.S3.Bucket)
	assert.True(t, env.S3.UseSSL)
	assert.False(t, env.S3.Enabled())

	_, err = LoadEnv(filepath.Join(dir, "missing.env"))
	require.NoError(t, err)

	t.Setenv("TGCTL_S3_ENDPOINT", "s3.lab:9000")
	_, err = LoadEnv(filepath.Join(dir, "missing.env"))
	assert.Error(t, err, "an endpoint without credentials")
}

func yamlRoundTrip(in []PortConfig) ([]PortConfig, error) {
	data, err := yaml.Marshal(in)
	if err != nil {
		return nil, err
	}
	var out []PortConfig
	err = Decode(data, &out)
	return out, err
}
