package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
)

// outputCap is the size of the buffer plugin_process writes its answer to.
const outputCap = 1024 * 1024

// Manager loads frame generator modules from a directory.
type Manager struct {
	runtime   wazero.Runtime
	plugins   map[string]*wasmPlugin
	pluginDir string
	mu        sync.RWMutex
	log       *zap.Logger
}

type wasmPlugin struct {
	metadata  Metadata
	module    api.Module
	memory    api.Memory
	mu        sync.Mutex
	functions struct {
		init    api.Function
		process api.Function
		cleanup api.Function
		malloc  api.Function
		free    api.Function
	}
}

func NewManager(ctx context.Context, pluginDir string, lg *zap.Logger) (*Manager, error) {
	runtime := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	m := &Manager{
		runtime:   runtime,
		plugins:   make(map[string]*wasmPlugin),
		pluginDir: pluginDir,
		log:       lg.With(zap.String("component", "plugin")),
	}
	if err := m.registerHostFunctions(ctx); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to register host functions: %w", err)
	}
	return m, nil
}

func parseTimestamp(ts uint64) time.Time {
	nowNs := time.Now().UnixNano()
	switch {
	case ts == 0:
		return time.Now()
	case ts > uint64(nowNs/100): // ns
		return time.Unix(0, int64(ts))
	case ts > uint64(nowNs/100_000): // us
		return time.Unix(0, int64(ts*1000))
	case ts > uint64(nowNs/100_000_000): // ms
		return time.Unix(0, int64(ts*1_000_000))
	default:
		return time.Unix(int64(ts), 0)
	}
}

func (m *Manager) hostLog(level uint32, msg string) {
	switch level {
	case 0:
		m.log.Debug(msg)
	case 1:
		m.log.Info(msg)
	case 2:
		m.log.Warn(msg)
	default:
		m.log.Error(msg)
	}
}

// registerHostFunctions exports host_log and host_report_metric as module
// "env".
func (m *Manager) registerHostFunctions(ctx context.Context) error {
	hostModule := m.runtime.NewHostModuleBuilder("env")

	hostModule.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, level uint32, msgPtr, msgLen uint32) {
			data, ok := mod.Memory().Read(msgPtr, msgLen)
			if !ok {
				return
			}
			m.hostLog(level, string(data))
		}).
		Export("host_log")

	hostModule.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen uint32, value float64, timestamp int64) {
			data, ok := mod.Memory().Read(namePtr, nameLen)
			if !ok {
				return
			}
			m.log.Debug("plugin metric",
				zap.String("name", string(data)),
				zap.Float64("value", value),
				zap.Time("time", parseTimestamp(uint64(timestamp))))
		}).
		Export("host_report_metric")

	_, err := hostModule.Instantiate(ctx)
	return err
}

func readMetadata(path, name string) (Metadata, error) {
	md := Metadata{Name: name, Version: "unknown"}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return md, nil
	}
	if err != nil {
		return md, err
	}
	if err := json.Unmarshal(data, &md); err != nil {
		return md, fmt.Errorf("parse %s: %w", path, err)
	}
	if md.Name == "" {
		md.Name = name
	}
	return md, nil
}

// LoadPlugin instantiates <dir>/<name>.wasm.
func (m *Manager) LoadPlugin(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.plugins[name]; exists {
		return fmt.Errorf("plugin %s already loaded", name)
	}

	wasmBytes, err := os.ReadFile(filepath.Join(m.pluginDir, name+".wasm"))
	if err != nil {
		return fmt.Errorf("failed to read plugin file: %w", err)
	}
	metadata, err := readMetadata(filepath.Join(m.pluginDir, name+".json"), name)
	if err != nil {
		return err
	}

	// reactor modules run _initialize instead of _start
	module, err := m.runtime.InstantiateWithConfig(ctx, wasmBytes,
		wazero.NewModuleConfig().WithName(name).WithStartFunctions("_initialize"))
	if err != nil {
		return fmt.Errorf("failed to instantiate module: %w", err)
	}

	plugin := &wasmPlugin{
		metadata: metadata,
		module:   module,
		memory:   module.Memory(),
	}
	plugin.functions.init = module.ExportedFunction("plugin_init")
	plugin.functions.process = module.ExportedFunction("plugin_process")
	plugin.functions.cleanup = module.ExportedFunction("plugin_cleanup")
	plugin.functions.malloc = module.ExportedFunction("malloc")
	plugin.functions.free = module.ExportedFunction("free")

	if plugin.functions.malloc == nil || plugin.functions.free == nil || plugin.memory == nil {
		_ = module.Close(ctx)
		return fmt.Errorf("plugin missing memory management functions (malloc, free)")
	}
	if plugin.functions.init == nil || plugin.functions.process == nil {
		_ = module.Close(ctx)
		return fmt.Errorf("plugin missing required functions (plugin_init, plugin_process)")
	}

	m.plugins[name] = plugin
	m.log.Info("plugin loaded", zap.String("name", name), zap.String("version", metadata.Version))
	return nil
}

func (m *Manager) UnloadPlugin(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	plugin, exists := m.plugins[name]
	if !exists {
		return fmt.Errorf("plugin %s not loaded", name)
	}
	delete(m.plugins, name)

	if plugin.functions.cleanup != nil {
		if _, err := plugin.functions.cleanup.Call(ctx); err != nil {
			_ = plugin.module.Close(ctx)
			return fmt.Errorf("plugin cleanup failed: %w", err)
		}
	}
	if err := plugin.module.Close(ctx); err != nil {
		return fmt.Errorf("failed to close module: %w", err)
	}
	return nil
}

func (m *Manager) GetPlugin(name string) (*wasmPlugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	plugin, exists := m.plugins[name]
	if !exists {
		return nil, fmt.Errorf("plugin %s not loaded", name)
	}
	return plugin, nil
}

// Generator loads name on first use and initializes it with config.
func (m *Manager) Generator(ctx context.Context, name string, config []byte) (Generator, error) {
	if _, err := m.GetPlugin(name); err != nil {
		if err := m.LoadPlugin(ctx, name); err != nil {
			return nil, err
		}
	}
	p, err := m.GetPlugin(name)
	if err != nil {
		return nil, err
	}
	g := NewFrameGenerator(name, p)
	if err := g.Initialize(ctx, config); err != nil {
		return nil, err
	}
	return g, nil
}

func (m *Manager) ListPlugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close unloads every plugin and the runtime.
func (m *Manager) Close(ctx context.Context) error {
	var firstErr error
	for _, name := range m.ListPlugins() {
		if err := m.UnloadPlugin(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := m.runtime.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// CallInit runs plugin_init(config_ptr, config_len); non zero is a failure.
func (p *wasmPlugin) CallInit(ctx context.Context, config []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	configPtr, err := p.writeToMemory(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to write config to memory: %w", err)
	}
	defer p.free(ctx, configPtr)

	results, err := p.functions.init.Call(ctx, uint64(configPtr), uint64(len(config)))
	if err != nil {
		return fmt.Errorf("plugin_init failed: %w", err)
	}
	if len(results) > 0 && results[0] != 0 {
		return fmt.Errorf("plugin_init returned error code: %d", int32(results[0]))
	}
	return nil
}

// CallProcess runs plugin_process(in_ptr, in_len, out_ptr, out_cap), which
// returns the output length or a negative error code.
func (p *wasmPlugin) CallProcess(ctx context.Context, input []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	inPtr, err := p.writeToMemory(ctx, input)
	if err != nil {
		return nil, err
	}
	defer p.free(ctx, inPtr)

	res, err := p.functions.malloc.Call(ctx, uint64(outputCap))
	if err != nil || len(res) == 0 {
		return nil, fmt.Errorf("alloc out failed")
	}
	outPtr := uint32(res[0])
	defer p.free(ctx, outPtr)

	r, err := p.functions.process.Call(ctx, uint64(inPtr), uint64(len(input)), uint64(outPtr), uint64(outputCap))
	if err != nil {
		return nil, fmt.Errorf("plugin_process failed: %w", err)
	}
	if len(r) == 0 {
		return nil, fmt.Errorf("no return value")
	}
	outLen := int32(r[0])
	if outLen < 0 {
		return nil, fmt.Errorf("plugin_process returned error code: %d", outLen)
	}
	buf, ok := p.memory.Read(outPtr, uint32(outLen))
	if !ok {
		return nil, fmt.Errorf("read output failed")
	}
	return append([]byte(nil), buf...), nil
}

func (p *wasmPlugin) writeToMemory(ctx context.Context, data []byte) (uint32, error) {
	res, err := p.functions.malloc.Call(ctx, uint64(len(data)))
	if err != nil || len(res) == 0 {
		return 0, fmt.Errorf("alloc failed")
	}
	ptr := uint32(res[0])
	if !p.memory.Write(ptr, data) {
		return 0, fmt.Errorf("write failed")
	}
	return ptr, nil
}

func (p *wasmPlugin) free(ctx context.Context, ptr uint32) {
	_, _ = p.functions.free.Call(ctx, uint64(ptr))
}
