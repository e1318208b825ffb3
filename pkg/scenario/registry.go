package scenario

var registry = []Definition{
	{
		Name:        "ipv4",
		Description: "UDP frame blasting between two IPv4 ports",
		NeedsServer: true,
		Config:      ipv4Config,
		New:         newUDPBlast("ipv4", false),
	},
	{
		Name:        "ipv4-vlan",
		Description: "UDP frame blasting between two IPv4 ports on a VLAN",
		NeedsServer: true,
		Config:      ipv4VLANConfig,
		New:         newUDPBlast("ipv4-vlan", false),
	},
	{
		Name:        "ipv4-latency",
		Description: "time tagged UDP frames with a latency trigger",
		NeedsServer: true,
		Config:      ipv4Config,
		New:         newUDPBlast("ipv4-latency", true),
	},
	{
		Name:        "ipv4-multiflow",
		Description: "several UDP flows between port pairs with per flow results",
		NeedsServer: true,
		Config:      multiFlowConfig,
		New:         newMultiFlow,
	},
	{
		Name:        "ipv4-multicast",
		Description: "IGMPv3 listeners receiving a multicast stream",
		NeedsServer: true,
		Config:      ipv4MulticastConfig,
		New:         newMulticast("ipv4-multicast"),
	},
	{
		Name:        "ipv6",
		Description: "UDP frame blasting between two IPv6 ports",
		NeedsServer: true,
		Config:      ipv6Config,
		New:         newUDPBlast("ipv6", false),
	},
	{
		Name:        "ipv6-multicast",
		Description: "MLDv2 listeners receiving a multicast stream",
		NeedsServer: true,
		Config:      ipv6MulticastConfig,
		New:         newMulticast("ipv6-multicast"),
	},
	{
		Name:        "eth-vlan",
		Description: "raw Ethernet frames without IP, optionally VLAN tagged",
		NeedsServer: true,
		Config:      ethernetConfig,
		New:         newEthernetBlast,
	},
	{
		Name:        "tcp",
		Description: "one HTTP request/response session between two ports",
		NeedsServer: true,
		Config:      tcpConfig,
		New:         newTCP,
	},
	{
		Name:        "http-multiclient",
		Description: "scheduled HTTP clients and load clients sharing one server",
		NeedsServer: true,
		Config:      httpMultiClientConfig,
		New:         newHTTPMultiClient,
	},
	{
		Name:        "nat-discovery",
		Description: "learn the public address of a port behind NAT",
		NeedsServer: true,
		Config:      natDiscoveryConfig,
		New:         newNATDiscovery,
	},
	{
		Name:        "dns-request",
		Description: "send a DNS query and capture the answer",
		NeedsServer: true,
		Config:      dnsConfig,
		New:         newDNSRequest,
	},
	{
		Name:              "wireless-minimum",
		Description:       "an empty scenario on a wireless endpoint",
		NeedsMeetingPoint: true,
		Config:            wirelessMinimumConfig,
		New:               newWirelessMinimum,
	},
	{
		Name:              "wireless-latency-histogram",
		Description:       "latency distribution of a stream toward a wireless endpoint",
		NeedsServer:       true,
		NeedsMeetingPoint: true,
		Config:            wirelessHistogramConfig,
		New:               newWirelessHistogram,
	},
	{
		Name:              "wireless-udp-up",
		Description:       "UDP stream from a wireless endpoint to a port",
		NeedsServer:       true,
		NeedsMeetingPoint: true,
		Config:            wirelessUpConfig,
		New:               newWirelessUp,
	},
	{
		Name:              "wireless-tcp",
		Description:       "HTTP sessions from one or more wireless endpoints to a port",
		NeedsServer:       true,
		NeedsMeetingPoint: true,
		Config:            wirelessTCPConfig,
		New:               newWirelessTCP,
	},
	{
		Name:              "wireless-latency",
		Description:       "one-way latency of a stream toward a wireless endpoint on the LAN",
		NeedsServer:       true,
		NeedsMeetingPoint: true,
		Config:            wirelessLatencyConfig,
		New:               newWirelessLatency,
	},
	{
		Name:              "wireless-networkinfo",
		Description:       "wireless interface samples taken during an endpoint scenario",
		NeedsMeetingPoint: true,
		Config:            wirelessNetworkInfoConfig,
		New:               newWirelessNetworkInfo,
	},
	{
		Name:        "ping",
		Description: "ICMP echo loop from a port",
		NeedsServer: true,
		Config:      pingConfig,
		New:         newPing,
	},
}
