package main

// FrameRequest mirrors the request the host sends to plugin_process.
type FrameRequest struct {
	SrcMAC   string  `json:"src_mac"`
	DstMAC   string  `json:"dst_mac" default:"ff:ff:ff:ff:ff:ff"`
	VLAN     *uint16 `json:"vlan,omitempty"`
	SrcIP    string  `json:"src_ip" default:"192.168.1.1"`
	DstIP    string  `json:"dst_ip" default:"192.168.1.2"`
	SrcPort  uint16  `json:"src_port" default:"4096"`
	DstPort  uint16  `json:"dst_port" default:"4096"`
	Size     int     `json:"size" default:"60"`
	Sequence uint64  `json:"sequence"`
	Args     Args    `json:"args"`
}

// Args are the plugin specific knobs of frame_plugin_args.
type Args struct {
	// PayloadByte fills the payload; a negative value writes a counting
	// pattern instead.
	PayloadByte int `json:"payload_byte" default:"-1"`
	// StampSequence writes the request sequence into the first 8 payload
	// bytes.
	StampSequence bool `json:"stamp_sequence"`
}

type FrameResponse struct {
	Frame string `json:"frame"`
	Error string `json:"error,omitempty"`
}
