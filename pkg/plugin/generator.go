package plugin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/takehaya/tgctl/pkg/frame"
)

// FrameGenerator adapts a loaded module to Generator.
type FrameGenerator struct {
	name   string
	plugin *wasmPlugin
}

func NewFrameGenerator(name string, plugin *wasmPlugin) *FrameGenerator {
	return &FrameGenerator{
		name:   name,
		plugin: plugin,
	}
}

func (g *FrameGenerator) Name() string {
	return g.name
}

func (g *FrameGenerator) Version() string {
	return g.plugin.metadata.Version
}

func (g *FrameGenerator) Initialize(ctx context.Context, config []byte) error {
	return g.plugin.CallInit(ctx, config)
}

func (g *FrameGenerator) Cleanup(ctx context.Context) error {
	if g.plugin.functions.cleanup == nil {
		return nil
	}
	_, err := g.plugin.functions.cleanup.Call(ctx)
	return err
}

// Generate asks the plugin for one frame.
func (g *FrameGenerator) Generate(ctx context.Context, req FrameRequest) ([]byte, error) {
	out, err := g.CallWithJSON(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", g.name, err)
	}
	data, err := decodeFrame(out)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", g.name, err)
	}
	return data, nil
}

func (g *FrameGenerator) CallWithJSON(ctx context.Context, input interface{}) ([]byte, error) {
	inputBytes, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input: %w", err)
	}
	return g.plugin.CallProcess(ctx, inputBytes)
}

func decodeFrame(out []byte) ([]byte, error) {
	var res FrameResponse
	if err := json.Unmarshal(out, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal output: %w", err)
	}
	if res.Error != "" {
		return nil, fmt.Errorf("generate frame: %s", res.Error)
	}
	if res.Frame == "" {
		return nil, fmt.Errorf("generate frame: empty frame")
	}
	return frame.FromHex(res.Frame)
}
