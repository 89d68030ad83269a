package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
)

// outputCap is the buffer handed to plugin_process. Generator frames never
// exceed a jumbo frame.
const outputCap = 16 * 1024

// Manager loads WASM payload plugins and calls into them.
type Manager struct {
	logger    *zap.Logger
	runtime   wazero.Runtime
	plugins   map[string]*wasmPlugin
	pluginDir string
	mu        sync.RWMutex
}

type wasmPlugin struct {
	metadata Metadata
	module   api.Module
	memory   api.Memory

	// plugin_process uses guest memory for in and out, calls are serialized
	callMu    sync.Mutex
	functions struct {
		init    api.Function
		process api.Function
		cleanup api.Function
		malloc  api.Function
		free    api.Function
	}
}

func NewManager(ctx context.Context, logger *zap.Logger, pluginDir string) (*Manager, error) {
	runtime := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	m := &Manager{
		logger:    logger,
		runtime:   runtime,
		plugins:   make(map[string]*wasmPlugin),
		pluginDir: pluginDir,
	}
	if err := m.registerHostFunctions(ctx); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("failed to register host functions: %w", err)
	}
	return m, nil
}

// registerHostFunctions はプラグインから呼べるホスト関数を登録する
func (m *Manager) registerHostFunctions(ctx context.Context) error {
	hostModule := m.runtime.NewHostModuleBuilder("env")

	hostModule.NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, level uint32, msgPtr, msgLen uint32) {
			data, ok := mod.Memory().Read(msgPtr, msgLen)
			if !ok {
				return
			}
			m.logger.Check(hostLogLevel(level), string(data)).Write(zap.String("module", mod.Name()))
		}).
		Export("host_log")

	hostModule.NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, namePtr, nameLen uint32, value float64, timestamp int64) {
			data, ok := mod.Memory().Read(namePtr, nameLen)
			if !ok {
				return
			}
			m.logger.Debug("plugin metric",
				zap.String("module", mod.Name()),
				zap.String("name", string(data)),
				zap.Float64("value", value),
				zap.Int64("timestamp", timestamp))
		}).
		Export("host_report_metric")

	_, err := hostModule.Instantiate(ctx)
	return err
}

// LoadPlugin は <dir>/<name>.wasm を読み込み、<name>.json があればメタデータとして使う
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
	metadata, err := loadMetadata(m.pluginDir, name)
	if err != nil {
		return err
	}

	// TinyGo reactor: _initialize のみ実行する
	module, err := m.runtime.InstantiateWithConfig(ctx, wasmBytes,
		wazero.NewModuleConfig().WithName(name).WithStartFunctions("_initialize"))
	if err != nil {
		return fmt.Errorf("failed to instantiate module: %w", err)
	}

	p := &wasmPlugin{
		metadata: metadata,
		module:   module,
		memory:   module.Memory(),
	}
	p.functions.init = module.ExportedFunction("plugin_init")
	p.functions.process = module.ExportedFunction("plugin_process")
	p.functions.cleanup = module.ExportedFunction("plugin_cleanup")
	p.functions.malloc = module.ExportedFunction("malloc")
	p.functions.free = module.ExportedFunction("free")

	if p.functions.malloc == nil || p.functions.free == nil {
		_ = module.Close(ctx)
		return fmt.Errorf("plugin %s missing memory management functions (malloc, free)", name)
	}
	if p.functions.init == nil || p.functions.process == nil {
		_ = module.Close(ctx)
		return fmt.Errorf("plugin %s missing required functions (plugin_init, plugin_process)", name)
	}

	m.plugins[name] = p
	m.logger.Info("plugin loaded", zap.String("name", name), zap.String("version", metadata.Version))
	return nil
}

func loadMetadata(dir, name string) (Metadata, error) {
	md := Metadata{Name: name, Version: "unknown"}
	b, err := os.ReadFile(filepath.Join(dir, name+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return md, nil
	}
	if err != nil {
		return md, fmt.Errorf("failed to read plugin metadata: %w", err)
	}
	if err := json.Unmarshal(b, &md); err != nil {
		return md, fmt.Errorf("failed to parse plugin metadata: %w", err)
	}
	if md.Name == "" {
		md.Name = name
	}
	return md, nil
}

func (m *Manager) UnloadPlugin(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, exists := m.plugins[name]
	if !exists {
		return fmt.Errorf("plugin %s not loaded", name)
	}
	delete(m.plugins, name)

	if p.functions.cleanup != nil {
		if _, err := p.functions.cleanup.Call(ctx); err != nil {
			_ = p.module.Close(ctx)
			return fmt.Errorf("plugin cleanup failed: %w", err)
		}
	}
	if err := p.module.Close(ctx); err != nil {
		return fmt.Errorf("failed to close module: %w", err)
	}
	return nil
}

func (m *Manager) plugin(name string) (*wasmPlugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, exists := m.plugins[name]
	if !exists {
		return nil, fmt.Errorf("plugin %s not loaded", name)
	}
	return p, nil
}

// InitPlugin passes config to plugin_init.
func (m *Manager) InitPlugin(ctx context.Context, name string, config []byte) error {
	p, err := m.plugin(name)
	if err != nil {
		return err
	}
	return p.callInit(ctx, config)
}

// CallPlugin runs plugin_process with input and returns its output.
func (m *Manager) CallPlugin(ctx context.Context, name string, input []byte) ([]byte, error) {
	p, err := m.plugin(name)
	if err != nil {
		return nil, err
	}
	return p.callProcess(ctx, input)
}

// Metadata returns the metadata of a loaded plugin.
func (m *Manager) Metadata(name string) (Metadata, error) {
	p, err := m.plugin(name)
	if err != nil {
		return Metadata{}, err
	}
	return p.metadata, nil
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

// Close unloads every plugin and closes the runtime.
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

func (p *wasmPlugin) callInit(ctx context.Context, config []byte) error {
	p.callMu.Lock()
	defer p.callMu.Unlock()

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
		return fmt.Errorf("plugin_init returned error code: %d", results[0])
	}
	return nil
}

func (p *wasmPlugin) callProcess(ctx context.Context, input []byte) ([]byte, error) {
	p.callMu.Lock()
	defer p.callMu.Unlock()

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
	// i32 の戻り値: 負ならエラーコード
	outLen := int32(uint32(r[0]))
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
