// Package plugin hosts WebAssembly frame generators. A plugin exports
// plugin_init, plugin_process, malloc and free; the host passes a JSON
// FrameRequest to plugin_process and reads a JSON FrameResponse back.
package plugin

import (
	"context"
	"encoding/json"
)

// Generator produces stream frames.
type Generator interface {
	Name() string
	Version() string
	Initialize(ctx context.Context, config []byte) error
	Generate(ctx context.Context, req FrameRequest) ([]byte, error)
	Cleanup(ctx context.Context) error
}

// FrameRequest describes the frame a scenario wants. Addresses are in
// their text form, Size is the layer 2 size without CRC.
type FrameRequest struct {
	SrcMAC   string          `json:"src_mac"`
	DstMAC   string          `json:"dst_mac"`
	VLAN     *uint16         `json:"vlan,omitempty"`
	SrcIP    string          `json:"src_ip"`
	DstIP    string          `json:"dst_ip"`
	SrcPort  uint16          `json:"src_port"`
	DstPort  uint16          `json:"dst_port"`
	Size     int             `json:"size"`
	Sequence uint64          `json:"sequence"`
	Args     json.RawMessage `json:"args,omitempty"`
}

// FrameResponse carries the hex encoded frame or an error message.
type FrameResponse struct {
	Frame string `json:"frame"`
	Error string `json:"error,omitempty"`
}

// Metadata is read from <name>.json next to the module.
type Metadata struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Author      string `json:"author"`
	Description string `json:"description"`
	License     string `json:"license"`
}
