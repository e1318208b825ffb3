// Package api holds the wire model of the traffic generator management API.
// Both the Go client and the simulator speak it.
package api

import (
	"fmt"
	"strings"
)

const (
	// Version is the management API version spoken by this module.
	Version = "1.6.0"

	Prefix        = "/api/v1"
	UserHeader    = "X-Tgctl-User"
	SessionHeader = "X-Tgctl-Session"
	// FramesHeader carries the number of records of a packet dump.
	FramesHeader = "X-Tgctl-Frames"
)

type ServiceInfo struct {
	Version    string   `json:"version"`
	Series     string   `json:"series"`
	APIVersion string   `json:"api_version"`
	Hostname   string   `json:"hostname"`
	CPUs       int      `json:"cpus"`
	Interfaces []string `json:"interfaces"`
}

type User struct {
	Name      string `json:"name"`
	Interface string `json:"interface,omitempty"`
}

type ConnectRequest struct {
	User string `json:"user"`
}

type IDResponse struct {
	ID string `json:"id"`
}

type IPv4Config struct {
	Address string `json:"address"`
	Netmask string `json:"netmask"`
	Gateway string `json:"gateway"`
}

type PortSpec struct {
	Interface string `json:"interface"`
}

type PortInfo struct {
	ID        string      `json:"id"`
	Interface string      `json:"interface"`
	MAC       string      `json:"mac"`
	VLANs     []uint16    `json:"vlans,omitempty"`
	IPv4      *IPv4Config `json:"ipv4,omitempty"`
	IPv6      []string    `json:"ipv6,omitempty"`
	Owner     string      `json:"owner"`
}

// Description renders a port the way the live output prints it.
func (p PortInfo) Description() string {
	var b strings.Builder
	fmt.Fprintf(&b, "port %s on %s mac %s", p.ID, p.Interface, p.MAC)
	for _, v := range p.VLANs {
		fmt.Fprintf(&b, " vlan %d", v)
	}
	if p.IPv4 != nil {
		fmt.Fprintf(&b, " ipv4 %s/%s gw %s", p.IPv4.Address, p.IPv4.Netmask, p.IPv4.Gateway)
	}
	for _, a := range p.IPv6 {
		fmt.Fprintf(&b, " ipv6 %s", a)
	}
	return b.String()
}

type MACRequest struct {
	MAC string `json:"mac"`
}

type VLANRequest struct {
	ID uint16 `json:"id"`
}

type IPv6Request struct {
	Address string `json:"address"`
}

type DHCPRequest struct {
	Async bool `json:"async"`
}

type ResolveRequest struct {
	Address string `json:"address"`
}

type ResolveResponse struct {
	MAC string `json:"mac"`
}

type FrameSpec struct {
	// Bytes is the hex encoded layer 2 frame without CRC.
	Bytes   string `json:"bytes"`
	TimeTag bool   `json:"time_tag"`
}

type StreamSpec struct {
	NumberOfFrames  uint64      `json:"number_of_frames"`
	InterFrameGapNs int64       `json:"inter_frame_gap_ns"`
	Frames          []FrameSpec `json:"frames"`
}

type StreamStatus string

const (
	StreamConfigured StreamStatus = "configured"
	StreamRunning    StreamStatus = "running"
	StreamFinished   StreamStatus = "finished"
	StreamStopped    StreamStatus = "stopped"
)

type Counters struct {
	PacketCount    uint64 `json:"packet_count"`
	ByteCount      uint64 `json:"byte_count"`
	TimestampFirst int64  `json:"timestamp_first_ns,omitempty"`
	TimestampLast  int64  `json:"timestamp_last_ns,omitempty"`
}

type StreamResult struct {
	Status         StreamStatus `json:"status"`
	Cumulative     Counters     `json:"cumulative"`
	IntervalLatest Counters     `json:"interval_latest"`
}

type TriggerKind string

const (
	TriggerBasic   TriggerKind = "basic"
	TriggerLatency TriggerKind = "latency"
)

type TriggerSpec struct {
	Kind   TriggerKind `json:"kind"`
	Filter string      `json:"filter"`
}

type LatencyStats struct {
	MinNs    int64 `json:"min_ns"`
	AvgNs    int64 `json:"avg_ns"`
	MaxNs    int64 `json:"max_ns"`
	JitterNs int64 `json:"jitter_ns"`
}

type TriggerResult struct {
	Cumulative      Counters      `json:"cumulative"`
	IntervalLatest  Counters      `json:"interval_latest"`
	Latency         *LatencyStats `json:"latency,omitempty"`
	IntervalLatency *LatencyStats `json:"interval_latency,omitempty"`
}

type CaptureSpec struct {
	Filter string `json:"filter"`
}

type CapturedFrame struct {
	TimestampNs int64  `json:"timestamp_ns"`
	Bytes       []byte `json:"bytes"`
}

type CaptureResult struct {
	Running     bool            `json:"running"`
	PacketCount uint64          `json:"packet_count"`
	Frames      []CapturedFrame `json:"frames"`
}

type HTTPMethod string

const (
	MethodGet HTTPMethod = "GET"
	MethodPut HTTPMethod = "PUT"
)

func ParseHTTPMethod(s string) (HTTPMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GET":
		return MethodGet, nil
	case "PUT":
		return MethodPut, nil
	}
	return "", Domain(CodeBadRequest, "unknown HTTP method %q", s)
}

type RequestStatus string

const (
	RequestScheduled  RequestStatus = "scheduled"
	RequestConnecting RequestStatus = "connecting"
	RequestRunning    RequestStatus = "running"
	RequestFinished   RequestStatus = "finished"
	RequestError      RequestStatus = "error"
)

func (s RequestStatus) Done() bool {
	return s == RequestFinished || s == RequestError
}

type StartType string

const (
	StartDirect    StartType = "direct"
	StartScheduled StartType = "scheduled"
)

type HTTPServerSpec struct {
	Port uint16 `json:"port"`
}

type HTTPServerInfo struct {
	ID      string   `json:"id"`
	Port    uint16   `json:"port"`
	Running bool     `json:"running"`
	Clients []string `json:"clients"`
}

type HTTPClientSpec struct {
	RemoteAddress string     `json:"remote_address"`
	RemotePort    uint16     `json:"remote_port"`
	Method        HTTPMethod `json:"method"`
	DurationNs    int64      `json:"duration_ns,omitempty"`
	RequestSize   uint64     `json:"request_size,omitempty"`
	// RateLimit is in bytes per second, 0 is unlimited.
	RateLimit     uint64    `json:"rate_limit,omitempty"`
	StartType     StartType `json:"start_type,omitempty"`
	InitialWaitNs int64     `json:"initial_wait_ns,omitempty"`
	// LatencyEnabled time tags the data segments, the receiving side then
	// reports their one-way latency.
	LatencyEnabled bool `json:"latency_enabled,omitempty"`
}

type HTTPSessionInfo struct {
	ClientID             string        `json:"client_id"`
	LocalPort            uint16        `json:"local_port"`
	Method               HTTPMethod    `json:"method"`
	Status               RequestStatus `json:"status"`
	RequestSize          uint64        `json:"request_size"`
	DurationNs           int64         `json:"duration_ns"`
	InitialWaitNs        int64         `json:"initial_wait_ns"`
	TxBytes              uint64        `json:"tx_bytes"`
	RxBytes              uint64        `json:"rx_bytes"`
	AverageThroughputBps float64       `json:"average_throughput_bps"`
	CongestionWindowMin  uint32        `json:"congestion_window_min"`
	CongestionWindowMax  uint32        `json:"congestion_window_max"`
	ResponseTimeNs       int64         `json:"response_time_ns"`
	StartedNs            int64         `json:"started_ns,omitempty"`
	FinishedNs           int64         `json:"finished_ns,omitempty"`
	ErrorMessage         string        `json:"error,omitempty"`
	Latency              *LatencyStats `json:"latency,omitempty"`
}

// HTTPSessionSample holds the payload moved during one interval of a
// session.
type HTTPSessionSample struct {
	TimestampNs int64         `json:"timestamp_ns"`
	IntervalNs  int64         `json:"interval_ns"`
	TxBytes     uint64        `json:"tx_bytes"`
	RxBytes     uint64        `json:"rx_bytes"`
	Latency     *LatencyStats `json:"latency,omitempty"`
}

type ICMPSessionSpec struct {
	RemoteAddress string `json:"remote_address"`
	IntervalNs    int64  `json:"interval_ns"`
	DataSize      int    `json:"data_size"`
}

type ICMPSessionInfo struct {
	RemoteAddress string `json:"remote_address"`
	Running       bool   `json:"running"`
	EchoRequests  uint64 `json:"echo_requests"`
	EchoReplies   uint64 `json:"echo_replies"`
	RTTMinNs      int64  `json:"rtt_min_ns"`
	RTTAvgNs      int64  `json:"rtt_avg_ns"`
	RTTMaxNs      int64  `json:"rtt_max_ns"`
}

type SourceFilter string

const (
	FilterInclude SourceFilter = "include"
	FilterExclude SourceFilter = "exclude"
)

type MulticastSessionSpec struct {
	Group string `json:"group"`
}

type ListenRequest struct {
	Mode    SourceFilter `json:"mode"`
	Sources []string     `json:"sources"`
}

type MulticastSessionInfo struct {
	Group       string       `json:"group"`
	Protocol    string       `json:"protocol"`
	Mode        SourceFilter `json:"mode,omitempty"`
	Sources     []string     `json:"sources,omitempty"`
	Joined      bool         `json:"joined"`
	ReportsSent uint64       `json:"reports_sent"`
	LeavesSent  uint64       `json:"leaves_sent"`
}

type TunnelSpec struct {
	LocalPort     uint16 `json:"local_port"`
	RemoteAddress string `json:"remote_address"`
	RemotePort    uint16 `json:"remote_port"`
}

type TunnelInfo struct {
	TunnelSpec
	Running         bool   `json:"running"`
	ListenAddr      string `json:"listen_addr,omitempty"`
	Connections     uint64 `json:"connections"`
	BytesToRemote   uint64 `json:"bytes_to_remote"`
	BytesFromRemote uint64 `json:"bytes_from_remote"`
}

type TimestampResponse struct {
	TimestampNs int64 `json:"timestamp_ns"`
}

type DeviceStatus string

const (
	DeviceAvailable   DeviceStatus = "available"
	DeviceReserved    DeviceStatus = "reserved"
	DeviceArmed       DeviceStatus = "armed"
	DeviceRunning     DeviceStatus = "running"
	DeviceUnavailable DeviceStatus = "unavailable"
)

type NetworkInterface struct {
	Name  string   `json:"name"`
	MAC   string   `json:"mac,omitempty"`
	SSID  string   `json:"ssid,omitempty"`
	BSSID string   `json:"bssid,omitempty"`
	RSSI  int      `json:"rssi,omitempty"`
	IPv4  []string `json:"ipv4,omitempty"`
	IPv6  []string `json:"ipv6,omitempty"`

	Channel   int    `json:"channel,omitempty"`
	TxRateBps uint64 `json:"tx_rate_bps,omitempty"`
}

type NetworkInfo struct {
	IPv4       string             `json:"ipv4"`
	IPv6       []string           `json:"ipv6,omitempty"`
	SSID       string             `json:"ssid,omitempty"`
	BSSID      string             `json:"bssid,omitempty"`
	RSSI       int                `json:"rssi,omitempty"`
	Interfaces []NetworkInterface `json:"interfaces,omitempty"`
}

type Device struct {
	UUID               string          `json:"uuid"`
	GivenName          string          `json:"given_name"`
	Model              string          `json:"model,omitempty"`
	OS                 string          `json:"os,omitempty"`
	Status             DeviceStatus    `json:"status"`
	Network            NetworkInfo     `json:"network"`
	Capabilities       map[string]bool `json:"capabilities"`
	LockedBy           string          `json:"locked_by,omitempty"`
	ScenarioDurationNs int64           `json:"scenario_duration_ns"`
}

const (
	CapabilityLatencyBasic        = "Rx.Latency.Basic"
	CapabilityLatencyDistribution = "Rx.Latency.Distribution"
	CapabilityTxUDP               = "Tx.Udp"
	CapabilityNetworkInfoMonitor  = "NetworkInfoMonitor"
)

type LockRequest struct {
	Locked bool `json:"locked"`
}

type ScenarioRequest struct {
	DurationNs int64 `json:"duration_ns"`
}

type StartResponse struct {
	StartTimeNs int64 `json:"start_time_ns"`
}

type DeviceStreamSpec struct {
	// Payload is the hex encoded UDP payload.
	Payload            string `json:"payload"`
	NumberOfFrames     uint64 `json:"number_of_frames"`
	InterFrameGapNs    int64  `json:"inter_frame_gap_ns"`
	SourcePort         uint16 `json:"source_port"`
	DestinationPort    uint16 `json:"destination_port"`
	DestinationAddress string `json:"destination_address"`
}

type LatencyDistributionSpec struct {
	DurationNs      int64  `json:"duration_ns"`
	SourcePort      uint16 `json:"source_port,omitempty"`
	DestinationPort uint16 `json:"destination_port,omitempty"`
	SourceAddress   string `json:"source_address,omitempty"`
	RangeMinNs      int64  `json:"range_min_ns"`
	RangeMaxNs      int64  `json:"range_max_ns"`
	Buckets         int    `json:"buckets"`
}

// LatencyBasicSpec selects the UDP frames a latency trigger on a wireless
// endpoint counts.
type LatencyBasicSpec struct {
	DurationNs      int64  `json:"duration_ns"`
	SourcePort      uint16 `json:"source_port,omitempty"`
	DestinationPort uint16 `json:"destination_port,omitempty"`
	SourceAddress   string `json:"source_address,omitempty"`
}

type NetworkMonitorSpec struct {
	Interface  string `json:"interface,omitempty"`
	IntervalNs int64  `json:"interval_ns,omitempty"`
}

// NetworkInfoSample is the state of the monitored interfaces at one
// point of a scenario.
type NetworkInfoSample struct {
	TimestampNs int64              `json:"timestamp_ns"`
	Interfaces  []NetworkInterface `json:"interfaces"`
}

type LatencyDistributionResult struct {
	Cumulative    Counters     `json:"cumulative"`
	Latency       LatencyStats `json:"latency"`
	RangeMinNs    int64        `json:"range_min_ns"`
	RangeMaxNs    int64        `json:"range_max_ns"`
	BucketWidthNs int64        `json:"bucket_width_ns"`
	Buckets       []uint64     `json:"buckets"`
	BelowMin      uint64       `json:"below_min"`
	AboveMax      uint64       `json:"above_max"`
}
