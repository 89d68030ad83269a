// Package tg schedules generator streams on the switch: it turns stream
// definitions into packet generator programs, multicast fan-out and header
// rewrite rules, and owns the start/stop/reset lifecycle.
package tg

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/takehaya/tgctl/pkg/rate"
	"github.com/takehaya/tgctl/pkg/switchif"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	monitorFloodGroup = "MonitoringFlood"
	// pktgenHeaderLen is prepended by the generator to every packet
	pktgenHeaderLen = 6
	bufferAlign     = 16
	randMax         = 1<<16 - 1
)

// MulticastService manages named replication groups.
type MulticastService interface {
	CreateOrReplaceGroup(ctx context.Context, name string, ports []uint32) (uint16, error)
	DeleteGroup(ctx context.Context, name string) error
}

// FrameBuilder produces the frames loaded into the generator buffer.
type FrameBuilder interface {
	StreamFrame(ctx context.Context, appID uint8, frameSize uint32) ([]byte, error)
	MonitorFrame(ctx context.Context) ([]byte, error)
}

type Config struct {
	// GeneratorPorts are the internal generator ports, one per pipe. The
	// first one also emits the monitoring packet.
	GeneratorPorts   []uint32      `yaml:"generator_ports"`
	TwoPipeThreshold float64       `yaml:"two_pipe_threshold" default:"75"`
	MaxRate          float64       `yaml:"max_rate" default:"100"`
	PoissonBurst     uint16        `yaml:"poisson_burst" default:"25"`
	BufferSize       uint32        `yaml:"buffer_size" default:"12000"`
	MonitorInterval  time.Duration `yaml:"monitor_interval" default:"500ms"`
}

func (c *Config) Validate() error {
	if len(c.GeneratorPorts) == 0 {
		return fmt.Errorf("at least one generator port is required")
	}
	if c.TwoPipeThreshold <= 0 || c.MaxRate <= 0 {
		return fmt.Errorf("two_pipe_threshold and max_rate must be positive")
	}
	if c.PoissonBurst == 0 {
		return fmt.Errorf("poisson_burst must be positive")
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("monitor_interval must be positive")
	}
	return nil
}

// TrafficGen is the stream scheduler. Configure, Stop and Reset are
// serialized; State and Configuration may be called from anywhere.
type TrafficGen struct {
	logger  *zap.Logger
	dev     switchif.Device
	mc      MulticastService
	frames  FrameBuilder
	ports   switchif.PortMapping
	indices *IndexTable
	cfg     Config

	mu        sync.Mutex
	state     atomic.Int32
	config    atomic.Pointer[Configuration]
	active    *Configuration // what Stop tears down, survives Reset
	minOffset uint32

	hookMu     sync.Mutex
	startHooks []Hook
	stopHooks  []Hook
	resetHooks []Hook
}

func New(logger *zap.Logger, dev switchif.Device, mc MulticastService, frames FrameBuilder, ports switchif.PortMapping, cfg Config) (*TrafficGen, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid traffic generator config: %w", err)
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("port mapping is empty")
	}
	return &TrafficGen{
		logger:  logger,
		dev:     dev,
		mc:      mc,
		frames:  frames,
		ports:   ports,
		indices: NewIndexTable(ports),
		cfg:     cfg,
	}, nil
}

func (g *TrafficGen) OnStart(h Hook) { g.addHook(&g.startHooks, h) }
func (g *TrafficGen) OnStop(h Hook)  { g.addHook(&g.stopHooks, h) }
func (g *TrafficGen) OnReset(h Hook) { g.addHook(&g.resetHooks, h) }

func (g *TrafficGen) addHook(list *[]Hook, h Hook) {
	g.hookMu.Lock()
	defer g.hookMu.Unlock()
	*list = append(*list, h)
}

func (g *TrafficGen) hooks(list []Hook) []Hook {
	g.hookMu.Lock()
	defer g.hookMu.Unlock()
	return append([]Hook(nil), list...)
}

// runHooks calls hooks in registration order and combines their errors.
func runHooks(ctx context.Context, hooks []Hook) error {
	var err error
	for _, h := range hooks {
		err = multierr.Append(err, h(ctx))
	}
	return err
}

func (g *TrafficGen) State() State { return State(g.state.Load()) }

func (g *TrafficGen) Running() bool { return g.State() == StateRunning }

func (g *TrafficGen) Indices() *IndexTable { return g.indices }

func (g *TrafficGen) Ports() switchif.PortMapping { return g.ports }

// Configuration returns a copy of the running generation, nil when idle.
func (g *TrafficGen) Configuration() *Configuration {
	if !g.Running() {
		return nil
	}
	return g.config.Load().clone()
}

// MinBufferOffset is the first buffer offset available to streams, known
// after Init.
func (g *TrafficGen) MinBufferOffset() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.minOffset
}

// Init programs everything that does not depend on a generation request:
// generator ports, static egress rules, the monitoring packet and the
// monitoring path. It must run once before Configure.
func (g *TrafficGen) Init(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, p := range g.cfg.GeneratorPorts {
		if err := g.dev.EnablePort(ctx, p); err != nil {
			return fmt.Errorf("failed to enable packet generation on port %d: %w", p, err)
		}
		g.logger.Debug("packet generation enabled", zap.Uint32("port", p))
	}
	if err := g.installStaticRules(ctx); err != nil {
		return err
	}
	if err := g.installMonitorPacket(ctx); err != nil {
		return err
	}
	if err := g.installMonitorPath(ctx); err != nil {
		return err
	}
	g.logger.Info("traffic generator initialized",
		zap.Int("ports", len(g.ports)),
		zap.Int("indices", g.indices.Len()),
		zap.Uint32("min_buffer_offset", g.minOffset))
	return nil
}

func (g *TrafficGen) installStaticRules(ctx context.Context) error {
	for _, p := range g.ports.Ports() {
		// tx timestamp on the physical egress port
		if err := g.dev.AddEntry(ctx, switchif.Entry{
			Table:  switchif.TableIsEgress,
			Match:  switchif.Match{switchif.FieldEgressPort: switchif.Exact(uint64(p))},
			Action: switchif.ActionSetTx,
		}); err != nil {
			return fmt.Errorf("failed to add is_egress rule for port %d: %w", p, err)
		}
		// tx recirc sees the generator header, frame sizes are corrected there
		if err := g.dev.AddEntry(ctx, switchif.Entry{
			Table:  switchif.TableIsTxRecirc,
			Match:  switchif.Match{switchif.FieldEgressPort: switchif.Exact(uint64(g.ports[p].TxRecirc))},
			Action: switchif.ActionEgressNoAction,
		}); err != nil {
			return fmt.Errorf("failed to add is_tx_recirc rule for port %d: %w", p, err)
		}
	}
	return nil
}

func (g *TrafficGen) installMonitorPacket(ctx context.Context) error {
	mcID, err := g.mc.CreateOrReplaceGroup(ctx, monitorFloodGroup, g.ports.TxRecircPorts())
	if err != nil {
		return err
	}

	pkt, err := g.frames.MonitorFrame(ctx)
	if err != nil {
		return fmt.Errorf("failed to build monitoring packet: %w", err)
	}
	if err := g.dev.WritePacketBuffer(ctx, 0, pkt); err != nil {
		return fmt.Errorf("failed to write monitoring packet: %w", err)
	}
	if err := g.dev.ConfigureApp(ctx, 0, switchif.AppConfig{
		Trigger:      switchif.TriggerTimerPeriodic,
		TimerNanos:   uint32(g.cfg.MonitorInterval.Nanoseconds()),
		SourcePort:   uint16(g.cfg.GeneratorPorts[0]),
		BufferOffset: 0,
		Length:       uint32(len(pkt) - pktgenHeaderLen),
	}); err != nil {
		return fmt.Errorf("failed to configure monitoring app: %w", err)
	}
	if err := g.dev.EnableApp(ctx, 0); err != nil {
		return fmt.Errorf("failed to enable monitoring app: %w", err)
	}
	g.minOffset = align(uint32(len(pkt)))

	if err := g.dev.AddEntry(ctx, switchif.Entry{
		Table: switchif.TableMonitorForward,
		Match: switchif.Match{
			switchif.FieldIngressPort:  switchif.Exact(uint64(g.cfg.GeneratorPorts[0])),
			switchif.FieldMonitorIndex: switchif.Exact(0),
		},
		Action: switchif.ActionMcForward,
		Params: map[string]uint64{"mcid": uint64(mcID)},
	}); err != nil {
		return fmt.Errorf("failed to add monitoring flood rule: %w", err)
	}
	return nil
}

// installMonitorPath chains the monitoring packet through every tx and rx
// recirculation port: all data, stream 1, stream 2 and so on.
func (g *TrafficGen) installMonitorPath(ctx context.Context) error {
	idx := func(port uint32, app uint8) uint64 {
		i, _ := g.indices.Index(port, app)
		return uint64(i)
	}

	for _, p := range g.ports.Ports() {
		tx, rx := g.ports[p].TxRecirc, g.ports[p].RxRecirc

		entries := []switchif.Entry{{
			Table: switchif.TableMonitorInit,
			Match: switchif.Match{
				switchif.FieldEgressPort:   switchif.Exact(uint64(tx)),
				switchif.FieldMonitorIndex: switchif.Exact(0),
			},
			Action: switchif.ActionInitMonitor,
			Params: map[string]uint64{"index": idx(tx, 1)},
		}}

		for app := uint8(1); app < MaxAppID; app++ {
			entries = append(entries,
				switchif.Entry{
					Table: switchif.TableMonitorForward,
					Match: switchif.Match{
						switchif.FieldIngressPort:  switchif.Exact(uint64(tx)),
						switchif.FieldMonitorIndex: switchif.Exact(idx(tx, app)),
					},
					Action: switchif.ActionDigestForward,
					Params: map[string]uint64{"e_port": uint64(rx), "index": idx(rx, app)},
				},
				switchif.Entry{
					Table: switchif.TableMonitorForward,
					Match: switchif.Match{
						switchif.FieldIngressPort:  switchif.Exact(uint64(rx)),
						switchif.FieldMonitorIndex: switchif.Exact(idx(rx, app)),
					},
					Action: switchif.ActionDigestForward,
					Params: map[string]uint64{"e_port": uint64(tx), "index": idx(tx, app+1)},
				},
			)
			for _, port := range []uint32{tx, rx} {
				entries = append(entries, switchif.Entry{
					Table: switchif.TableMonitorStream,
					Match: switchif.Match{
						switchif.FieldEgressPort:  switchif.Exact(uint64(port)),
						switchif.FieldPathAppID:   switchif.Exact(uint64(app)),
						switchif.FieldPathDstPort: switchif.Exact(50083),
					},
					Action: switchif.ActionMonitorStream,
					Params: map[string]uint64{"idx": idx(port, app)},
				})
			}
		}

		for _, e := range entries {
			if err := g.dev.AddEntry(ctx, e); err != nil {
				return fmt.Errorf("failed to add monitoring path rule for port %d: %w", p, err)
			}
		}
	}
	return nil
}

// Configure installs req and starts generation. Validation and state
// conflicts leave everything untouched. A failure while programming the
// device is returned as is, rules installed so far stay in place and the
// scheduler is idle.
func (g *TrafficGen) Configure(ctx context.Context, req Request) (*Configuration, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.State() != StateIdle {
		return nil, ErrAlreadyRunning
	}
	if err := g.validate(req); err != nil {
		return nil, err
	}

	g.state.Store(int32(StateConfiguring))
	cfg, err := g.configure(ctx, req)
	if err != nil {
		g.state.Store(int32(StateIdle))
		return nil, err
	}
	g.config.Store(cfg)
	g.active = cfg
	g.state.Store(int32(StateRunning))

	g.logger.Info("traffic generation started",
		zap.String("mode", string(cfg.Mode)),
		zap.Int("streams", len(cfg.Programs)),
		zap.Float64("overall_rate", cfg.OverallRate))

	if err := runHooks(ctx, g.hooks(g.startHooks)); err != nil {
		g.logger.Warn("start handler failed", zap.Error(err))
	}
	return cfg.clone(), nil
}

func (g *TrafficGen) validate(req Request) error {
	if !req.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidStream, req.Mode)
	}
	if req.Mode != ModeCBR && len(req.Streams) > 1 {
		return fmt.Errorf("%w: mode %s, %d streams", ErrUnsupportedMode, req.Mode, len(req.Streams))
	}

	apps := make(map[uint8]bool, len(req.Streams))
	for _, s := range req.Streams {
		switch {
		case s.AppID < 1 || s.AppID > MaxAppID:
			return fmt.Errorf("%w: stream %d app id %d out of range 1..%d", ErrInvalidStream, s.StreamID, s.AppID, MaxAppID)
		case apps[s.AppID]:
			return fmt.Errorf("%w: app id %d used twice", ErrInvalidStream, s.AppID)
		case s.FrameSize < 64 || s.FrameSize > 9000:
			return fmt.Errorf("%w: stream %d frame size %d out of range 64..9000", ErrInvalidStream, s.StreamID, s.FrameSize)
		case s.Burst < 1:
			return fmt.Errorf("%w: stream %d burst must be at least 1", ErrInvalidStream, s.StreamID)
		case req.Mode != ModeMonitor && s.TrafficRate <= 0:
			return fmt.Errorf("%w: stream %d traffic rate must be positive", ErrInvalidStream, s.StreamID)
		case req.Mode == ModePoisson && s.TrafficRate > g.cfg.MaxRate:
			return fmt.Errorf("%w: stream %d rate %.2f exceeds max rate %.2f", ErrInvalidStream, s.StreamID, s.TrafficRate, g.cfg.MaxRate)
		case s.Pipes < 0 || s.Pipes > 2:
			return fmt.Errorf("%w: stream %d pipes must be 0, 1 or 2", ErrInvalidStream, s.StreamID)
		}
		apps[s.AppID] = true
	}

	for _, st := range req.Settings {
		if !st.Active {
			continue
		}
		if _, ok := g.ports[st.Port]; !ok {
			return fmt.Errorf("%w: unknown port %d in stream settings", ErrInvalidStream, st.Port)
		}
		if _, err := st.rewriteParams(); err != nil {
			return fmt.Errorf("stream %d on port %d: %w", st.StreamID, st.Port, err)
		}
	}
	for tx, rx := range req.TxRxMapping {
		if _, ok := g.ports[tx]; !ok {
			return fmt.Errorf("%w: unknown tx port %d in mapping", ErrInvalidStream, tx)
		}
		if _, ok := g.ports[rx]; !ok {
			return fmt.Errorf("%w: unknown rx port %d in mapping", ErrInvalidStream, rx)
		}
	}
	return nil
}

func (g *TrafficGen) configure(ctx context.Context, req Request) (*Configuration, error) {
	if err := g.reset(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to reset previous state")
	}
	if err := g.installForwarding(ctx); err != nil {
		return nil, err
	}

	cfg := &Configuration{
		Mode:          req.Mode,
		Streams:       append([]Stream(nil), req.Streams...),
		Settings:      append([]StreamSetting(nil), req.Settings...),
		TxRxMapping:   make(map[uint32]uint32, len(req.TxRxMapping)),
		StreamToMc:    make(map[uint8]uint16),
		StreamToPorts: make(map[uint8][]uint32),
		StartedAt:     time.Now(),
	}
	for k, v := range req.TxRxMapping {
		cfg.TxRxMapping[k] = v
	}

	if req.Mode == ModeMonitor {
		if err := g.installMonitorForwarding(ctx, req.TxRxMapping); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	if err := g.installStreamPorts(ctx, cfg); err != nil {
		return nil, err
	}
	if err := g.installGenerators(ctx, cfg); err != nil {
		return nil, err
	}

	for _, s := range cfg.Streams {
		if !s.Active {
			continue
		}
		if err := g.dev.EnableApp(ctx, s.AppID); err != nil {
			return nil, fmt.Errorf("failed to enable generator app %d: %w", s.AppID, err)
		}
	}
	return cfg, nil
}

// installForwarding adds the loop-back path: front port -> rx recirc and
// tx recirc -> front port.
func (g *TrafficGen) installForwarding(ctx context.Context) error {
	for _, p := range g.ports.Ports() {
		r := g.ports[p]
		for _, hop := range [][2]uint32{{p, r.RxRecirc}, {r.TxRecirc, p}} {
			in, out := hop[0], hop[1]
			if err := g.dev.AddEntry(ctx, switchif.Entry{
				Table:  switchif.TableForward,
				Match:  switchif.Match{switchif.FieldIngressPort: switchif.Exact(uint64(in))},
				Action: switchif.ActionPortForward,
				Params: map[string]uint64{"e_port": uint64(out)},
			}); err != nil {
				return fmt.Errorf("failed to add forwarding rule %d -> %d: %w", in, out, err)
			}
		}
	}
	return nil
}

// installMonitorForwarding sends traffic received on rx back out of tx.
func (g *TrafficGen) installMonitorForwarding(ctx context.Context, mapping map[uint32]uint32) error {
	txPorts := make([]uint32, 0, len(mapping))
	for tx := range mapping {
		txPorts = append(txPorts, tx)
	}
	sort.Slice(txPorts, func(i, j int) bool { return txPorts[i] < txPorts[j] })

	for _, tx := range txPorts {
		rx := mapping[tx]
		if err := g.dev.AddEntry(ctx, switchif.Entry{
			Table:  switchif.TableForward,
			Match:  switchif.Match{switchif.FieldIngressPort: switchif.Exact(uint64(g.ports[rx].RxRecirc))},
			Action: switchif.ActionPortForward,
			Params: map[string]uint64{"e_port": uint64(g.ports[tx].TxRecirc)},
		}); err != nil {
			return fmt.Errorf("failed to add monitor forwarding %d -> %d: %w", rx, tx, err)
		}
	}
	return nil
}

// installStreamPorts resolves the egress ports of every stream, adds the
// header rewrite rules and one multicast group per app.
func (g *TrafficGen) installStreamPorts(ctx context.Context, cfg *Configuration) error {
	for _, s := range cfg.Streams {
		for _, st := range cfg.Settings {
			if st.StreamID != s.StreamID || !st.Active {
				continue
			}
			tx := g.ports[st.Port].TxRecirc
			cfg.StreamToPorts[s.AppID] = append(cfg.StreamToPorts[s.AppID], tx)

			params, err := st.rewriteParams()
			if err != nil {
				return err
			}
			if err := g.dev.AddEntry(ctx, switchif.Entry{
				Table: switchif.TableHeaderReplace,
				Match: switchif.Match{
					switchif.FieldEgressPort: switchif.Exact(uint64(tx)),
					switchif.FieldPathAppID:  switchif.Exact(uint64(s.AppID)),
				},
				Action: switchif.ActionRewrite,
				Params: params,
			}); err != nil {
				return fmt.Errorf("failed to add header rewrite for app %d on port %d: %w", s.AppID, st.Port, err)
			}
		}
	}

	apps := make([]uint8, 0, len(cfg.StreamToPorts))
	for app := range cfg.StreamToPorts {
		apps = append(apps, app)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i] < apps[j] })
	for _, app := range apps {
		id, err := g.mc.CreateOrReplaceGroup(ctx, streamGroupName(app), cfg.StreamToPorts[app])
		if err != nil {
			return err
		}
		cfg.StreamToMc[app] = id
	}
	return nil
}

func streamGroupName(app uint8) string { return fmt.Sprintf("Stream %d", app) }

// installGenerators writes one generator program per active stream.
func (g *TrafficGen) installGenerators(ctx context.Context, cfg *Configuration) error {
	for i := range cfg.Streams {
		s := &cfg.Streams[i]
		_, s.Active = cfg.StreamToMc[s.AppID]
		if s.Active {
			cfg.OverallRate += streamRateGbps(cfg.Mode, *s)
		}
	}
	pipes, factor := g.pipes(cfg.OverallRate)

	offset := g.minOffset
	for _, s := range cfg.Streams {
		if !s.Active {
			continue
		}
		prog, err := g.program(ctx, cfg.Mode, s, pipes, factor, offset)
		if err != nil {
			return err
		}
		if uint64(prog.BufferOffset)+uint64(prog.Length) > uint64(g.cfg.BufferSize) {
			return fmt.Errorf("%w: app %d needs %d bytes at offset %d, buffer is %d",
				ErrBufferExhausted, s.AppID, prog.Length, prog.BufferOffset, g.cfg.BufferSize)
		}
		offset = prog.BufferOffset + prog.Length

		if err := g.dev.WritePacketBuffer(ctx, prog.BufferOffset, prog.Packet); err != nil {
			return fmt.Errorf("failed to write packet buffer for app %d: %w", s.AppID, err)
		}
		if err := g.dev.ConfigureApp(ctx, s.AppID, switchif.AppConfig{
			Trigger:      switchif.TriggerTimerPeriodic,
			TimerNanos:   prog.TimerNanos,
			SourcePort:   uint16(g.cfg.GeneratorPorts[0]),
			PacketCount:  prog.RepeatCount,
			BufferOffset: prog.BufferOffset,
			Length:       prog.Length,
		}); err != nil {
			return fmt.Errorf("failed to configure generator app %d: %w", s.AppID, err)
		}
		for _, pipe := range prog.Pipes {
			if err := g.dev.AddEntry(ctx, switchif.Entry{
				Table: switchif.TableStreamForward,
				Match: switchif.Match{
					switchif.FieldIngressPort: switchif.Exact(uint64(pipe)),
					switchif.FieldPktGenAppID: switchif.Exact(uint64(s.AppID)),
					switchif.FieldRandValue:   switchif.Range(uint64(prog.RandLow), uint64(prog.RandHigh)),
				},
				Action: switchif.ActionMcForward,
				Params: map[string]uint64{"mcid": uint64(cfg.StreamToMc[s.AppID])},
			}); err != nil {
				return fmt.Errorf("failed to add stream forwarding for app %d on pipe %d: %w", s.AppID, pipe, err)
			}
		}

		g.logger.Debug("generator app configured",
			zap.Uint8("app_id", s.AppID),
			zap.Uint32("length", prog.Length),
			zap.Uint16("packets", prog.Packets),
			zap.Uint32("timeout", prog.Timeout),
			zap.Uint32("timer", prog.TimerNanos),
			zap.Float64("rate", prog.RateGbps),
			zap.Uint32s("pipes", prog.Pipes))
		cfg.Programs = append(cfg.Programs, prog)
	}
	return nil
}

// streamRateGbps is the rate of s in Gbit/s.
func streamRateGbps(mode Mode, s Stream) float64 {
	if mode == ModeMpps {
		return rate.MppsToGbps(s.TrafficRate, s.FrameSize)
	}
	return s.TrafficRate
}

// pipes selects the generator pipes for the aggregate rate. The timer of
// every app is multiplied by the returned factor since each pipe generates.
func (g *TrafficGen) pipes(overall float64) ([]uint32, uint32) {
	if overall < g.cfg.TwoPipeThreshold || len(g.cfg.GeneratorPorts) < 2 {
		return g.cfg.GeneratorPorts[:1], 1
	}
	return g.cfg.GeneratorPorts[:2], 2
}

func (g *TrafficGen) program(ctx context.Context, mode Mode, s Stream, pipes []uint32, factor uint32, offset uint32) (GeneratorProgram, error) {
	pkt, err := g.frames.StreamFrame(ctx, s.AppID, s.FrameSize)
	if err != nil {
		return GeneratorProgram{}, fmt.Errorf("failed to build frame for app %d: %w", s.AppID, err)
	}

	switch s.Pipes {
	case 1:
		pipes, factor = g.cfg.GeneratorPorts[:1], 1
	case 2:
		if len(g.cfg.GeneratorPorts) > 1 {
			pipes, factor = g.cfg.GeneratorPorts[:2], 2
		}
	}

	prog := GeneratorProgram{
		AppID:        s.AppID,
		Packet:       pkt,
		Length:       uint32(len(pkt)),
		BufferOffset: align(offset),
		RandLow:      0,
		RandHigh:     randMax,
	}

	size := s.FrameSize + rate.Overhead
	target := streamRateGbps(mode, s)
	var sol rate.Solution
	if mode == ModePoisson {
		if len(g.cfg.GeneratorPorts) > 1 {
			pipes, factor = g.cfg.GeneratorPorts[:2], 2
		}
		// generate at full speed and drop by a random threshold
		sol = rate.Solve(g.cfg.MaxRate, size, g.cfg.PoissonBurst)
		constIAT := float64(size) / g.cfg.MaxRate
		targetIAT := float64(size) / target
		prog.Probability = constIAT / targetIAT
		prog.RandHigh = uint16(prog.Probability * randMax)
	} else {
		sol = rate.Solve(target, size, s.Burst)
	}

	timer := uint64(sol.Timeout) * uint64(factor)
	if timer > rate.MaxTimer {
		timer = rate.MaxTimer
	}
	prog.Packets = sol.Packets
	prog.Timeout = sol.Timeout
	prog.RepeatCount = sol.Packets - 1
	prog.TimerNanos = uint32(timer)
	prog.Pipes = append([]uint32(nil), pipes...)
	prog.Factor = factor
	prog.RateGbps = sol.Rate(size)
	return prog, nil
}

func align(offset uint32) uint32 {
	if r := offset % bufferAlign; r != 0 {
		offset += bufferAlign - r
	}
	return offset
}

// Stop disables the generator apps and removes the stream fan-out.
func (g *TrafficGen) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.State() != StateRunning {
		return ErrNotRunning
	}
	g.state.Store(int32(StateStopping))
	if err := g.stop(ctx); err != nil {
		// 途中で失敗した場合は再試行できるよう Running に戻す
		g.state.Store(int32(StateRunning))
		return err
	}
	g.active = nil
	g.config.Store(nil)
	g.state.Store(int32(StateIdle))

	g.logger.Info("traffic generation stopped")
	if err := runHooks(ctx, g.hooks(g.stopHooks)); err != nil {
		g.logger.Warn("stop handler failed", zap.Error(err))
	}
	return nil
}

// stop disables the generator apps and deletes the stream groups. g.active
// stays set so that a failed stop can be retried.
func (g *TrafficGen) stop(ctx context.Context) error {
	cfg := g.active
	if cfg != nil && cfg.Mode == ModeMonitor {
		if err := g.reset(ctx); err != nil {
			return errors.Wrap(err, "failed to reset monitor mode")
		}
		cfg = nil
	}

	apps := map[uint8]bool{}
	for app := uint8(1); app < MaxAppID; app++ {
		apps[app] = true
	}
	if cfg != nil {
		for _, s := range cfg.Streams {
			apps[s.AppID] = true
		}
	}
	for app := uint8(1); app <= MaxAppID; app++ {
		if !apps[app] {
			continue
		}
		if err := g.dev.DisableApp(ctx, app); err != nil {
			return fmt.Errorf("failed to disable generator app %d: %w", app, err)
		}
	}

	if err := g.dev.ClearTable(ctx, switchif.TableStreamForward); err != nil {
		return fmt.Errorf("failed to clear stream forwarding: %w", err)
	}
	if cfg != nil {
		for _, s := range cfg.Streams {
			if !s.Active {
				continue
			}
			if err := g.mc.DeleteGroup(ctx, streamGroupName(s.AppID)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Reset clears forwarding and rewrite rules, runs the reset handlers, clears
// the counter registers and drops the retained configuration. It does not
// change the running state.
func (g *TrafficGen) Reset(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reset(ctx)
}

func (g *TrafficGen) reset(ctx context.Context) error {
	for _, table := range []string{switchif.TableHeaderReplace, switchif.TableForward} {
		if err := g.dev.ClearTable(ctx, table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	hookErr := runHooks(ctx, g.hooks(g.resetHooks))
	if hookErr != nil {
		g.logger.Warn("reset handler failed", zap.Error(hookErr))
	}
	for _, reg := range switchif.CounterRegisters {
		if err := g.dev.ResetRegister(ctx, reg); err != nil {
			return multierr.Append(hookErr, fmt.Errorf("failed to reset register %s: %w", reg, err))
		}
	}
	g.config.Store(nil)
	g.logger.Debug("previous state removed")
	return hookErr
}
