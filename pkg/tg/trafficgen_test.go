package tg

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/takehaya/tgctl/pkg/frame"
	"github.com/takehaya/tgctl/pkg/multicast"
	"github.com/takehaya/tgctl/pkg/rate"
	"github.com/takehaya/tgctl/pkg/switchif"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var testPorts = switchif.PortMapping{
	136: {TxRecirc: 144, RxRecirc: 152},
	128: {TxRecirc: 160, RxRecirc: 168},
}

func testConfig() Config {
	return Config{
		GeneratorPorts:   []uint32{68, 196},
		TwoPipeThreshold: 75,
		MaxRate:          100,
		PoissonBurst:     25,
		BufferSize:       12000,
		MonitorInterval:  500 * time.Millisecond,
	}
}

func newTestGen(t *testing.T) (*TrafficGen, *switchif.MemorySwitch) {
	t.Helper()
	sw := switchif.NewMemorySwitch()
	g, err := New(zap.NewNop(), sw, multicast.NewManager(zap.NewNop(), sw), frame.NewBuilder(), testPorts, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := g.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return g, sw
}

func setting(port, streamID uint32) StreamSetting {
	return StreamSetting{
		Port:      port,
		StreamID:  streamID,
		EthSrc:    "32:d5:42:2a:f6:92",
		EthDst:    "81:e7:9d:e3:ad:47",
		IPSrc:     "192.168.178.10",
		IPDst:     "192.168.178.11",
		IPSrcMask: "0.0.0.0",
		IPDstMask: "0.0.0.0",
		IPTos:     4,
		Active:    true,
	}
}

func cbrRequest(rateGbps float64) Request {
	return Request{
		Mode:     ModeCBR,
		Streams:  []Stream{{StreamID: 1, AppID: 1, FrameSize: 64, TrafficRate: rateGbps, Burst: 3}},
		Settings: []StreamSetting{setting(136, 1)},
	}
}

func entries(t *testing.T, sw *switchif.MemorySwitch, table string) []switchif.Entry {
	t.Helper()
	es, err := sw.Entries(context.Background(), table)
	if err != nil {
		t.Fatalf("Entries(%s) failed: %v", table, err)
	}
	return es
}

func TestIndexTableUnique(t *testing.T) {
	idx := NewIndexTable(testPorts)
	if idx.Len() != len(testPorts)*2*MaxAppID {
		t.Fatalf("Len = %d", idx.Len())
	}

	seen := map[uint16]IndexEntry{}
	for e, i := range idx.Entries() {
		if i == 0 {
			t.Fatalf("index 0 is reserved, assigned to %+v", e)
		}
		if prev, dup := seen[i]; dup {
			t.Fatalf("index %d assigned to %+v and %+v", i, prev, e)
		}
		seen[i] = e
		port, app, ok := idx.Lookup(i)
		if !ok || port != e.Port || app != e.AppID {
			t.Fatalf("Lookup(%d) = %d, %d, %v, want %+v", i, port, app, ok, e)
		}
	}

	for _, p := range testPorts.Ports() {
		r := testPorts[p]
		for app := uint8(1); app <= MaxAppID; app++ {
			tx, _ := idx.Index(r.TxRecirc, app)
			rx, _ := idx.Index(r.RxRecirc, app)
			if tx == rx {
				t.Fatalf("port %d app %d: tx and rx share index %d", p, app, tx)
			}
			if rx != tx+1 {
				t.Fatalf("port %d app %d: rx index %d does not follow tx %d", p, app, rx, tx)
			}
		}
	}

	// lowest front port is numbered first
	if i, _ := idx.Index(160, 1); i != 1 {
		t.Fatalf("first index = %d, want 1", i)
	}
}

func TestInitProgramsMonitoring(t *testing.T) {
	g, sw := newTestGen(t)

	for _, p := range []uint32{68, 196} {
		if !sw.PortEnabled(p) {
			t.Fatalf("generator port %d not enabled", p)
		}
	}
	app := sw.App(0)
	if !app.Enabled || app.Config.Trigger != switchif.TriggerTimerPeriodic || app.Config.TimerNanos != 500_000_000 {
		t.Fatalf("monitoring app = %+v", app)
	}
	if app.Config.Length != frame.MonitorFrameSize-pktgenHeaderLen {
		t.Fatalf("monitoring length = %d", app.Config.Length)
	}
	if pkt, ok := sw.PacketBuffer(0); !ok || len(pkt) != frame.MonitorFrameSize {
		t.Fatalf("monitoring packet not written")
	}
	if g.MinBufferOffset() != 64 {
		t.Fatalf("MinBufferOffset = %d", g.MinBufferOffset())
	}

	n := len(testPorts)
	if got := len(entries(t, sw, switchif.TableIsEgress)); got != n {
		t.Fatalf("is_egress entries = %d", got)
	}
	if got := len(entries(t, sw, switchif.TableMonitorInit)); got != n {
		t.Fatalf("monitor_init entries = %d", got)
	}
	if got := len(entries(t, sw, switchif.TableMonitorForward)); got != 1+n*7*2 {
		t.Fatalf("monitor_forward entries = %d", got)
	}
	if got := len(entries(t, sw, switchif.TableMonitorStream)); got != n*7*2 {
		t.Fatalf("monitor_stream entries = %d", got)
	}

	// rx(app) hands the packet over to tx(app+1)
	rx, _ := g.Indices().Index(152, 3)
	next, _ := g.Indices().Index(144, 4)
	found := false
	for _, e := range entries(t, sw, switchif.TableMonitorForward) {
		if e.Match[switchif.FieldIngressPort].Value == 152 && e.Match[switchif.FieldMonitorIndex].Value == uint64(rx) {
			found = true
			if e.Params["e_port"] != 144 || e.Params["index"] != uint64(next) {
				t.Fatalf("rx hop = %+v", e)
			}
		}
	}
	if !found {
		t.Fatalf("missing rx hop for index %d", rx)
	}
}

func TestConfigureCBREndToEnd(t *testing.T) {
	ctx := context.Background()
	g, sw := newTestGen(t)

	var runningInHook bool
	g.OnStart(func(context.Context) error {
		runningInHook = g.Running()
		return nil
	})

	cfg, err := g.Configure(ctx, cbrRequest(10))
	if err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if !g.Running() || !runningInHook {
		t.Fatalf("running = %v, in hook = %v", g.Running(), runningInHook)
	}
	if len(cfg.Programs) != 1 {
		t.Fatalf("programs = %+v", cfg.Programs)
	}
	prog := cfg.Programs[0]
	if prog.Packets < 1 || prog.Packets > 3 || prog.TimerNanos == 0 {
		t.Fatalf("program = %+v", prog)
	}
	if prog.Factor != 1 || len(prog.Pipes) != 1 || prog.TimerNanos != prog.Timeout {
		t.Fatalf("10 Gbit/s must run on one pipe: %+v", prog)
	}
	if prog.BufferOffset%16 != 0 || prog.BufferOffset < g.MinBufferOffset() {
		t.Fatalf("buffer offset = %d", prog.BufferOffset)
	}
	if prog.Length != 60 {
		t.Fatalf("length = %d, want 60", prog.Length)
	}
	want := rate.Solve(10, 84, 3)
	if prog.Packets != want.Packets || prog.Timeout != want.Timeout {
		t.Fatalf("program %d/%d, solver %d/%d", prog.Packets, prog.Timeout, want.Packets, want.Timeout)
	}

	app := sw.App(1)
	if !app.Enabled || app.Config.PacketCount != prog.Packets-1 || app.Config.BufferOffset != prog.BufferOffset {
		t.Fatalf("app 1 = %+v", app)
	}
	if pkt, ok := sw.PacketBuffer(prog.BufferOffset); !ok || len(pkt) != 60 {
		t.Fatalf("stream packet not written at %d", prog.BufferOffset)
	}

	if got := len(entries(t, sw, switchif.TableForward)); got != 2*len(testPorts) {
		t.Fatalf("forward entries = %d", got)
	}
	rewrites := entries(t, sw, switchif.TableHeaderReplace)
	if len(rewrites) != 1 || rewrites[0].Match[switchif.FieldEgressPort].Value != 144 {
		t.Fatalf("header rewrite = %+v", rewrites)
	}
	if rewrites[0].Params["s_ip"] != 0xc0a8b20a || rewrites[0].Params["tos"] != 4 {
		t.Fatalf("rewrite params = %+v", rewrites[0].Params)
	}

	mcid, ok := cfg.StreamToMc[1]
	if !ok {
		t.Fatalf("no multicast group for app 1")
	}
	if ports, ok := sw.Group(mcid); !ok || len(ports) != 1 || ports[0] != 144 {
		t.Fatalf("group %d = %v", mcid, ports)
	}
	fwd := entries(t, sw, switchif.TableStreamForward)
	if len(fwd) != 1 {
		t.Fatalf("tg_forward entries = %d", len(fwd))
	}
	rv := fwd[0].Match[switchif.FieldRandValue]
	if rv.Kind != switchif.MatchRange || rv.Value != 0 || rv.High != 65535 || fwd[0].Params["mcid"] != uint64(mcid) {
		t.Fatalf("tg_forward = %+v", fwd[0])
	}

	if got := g.Configuration(); got == nil || got.Mode != ModeCBR || !got.Streams[0].Active {
		t.Fatalf("Configuration() = %+v", got)
	}
}

func TestModeExclusivity(t *testing.T) {
	ctx := context.Background()
	g, sw := newTestGen(t)

	req := cbrRequest(10)
	req.Mode = ModePoisson
	req.Streams = append(req.Streams, Stream{StreamID: 2, AppID: 2, FrameSize: 64, TrafficRate: 1, Burst: 1})
	req.Settings = append(req.Settings, setting(128, 2))

	if _, err := g.Configure(ctx, req); !errors.Is(err, ErrUnsupportedMode) {
		t.Fatalf("Configure = %v, want ErrUnsupportedMode", err)
	}
	if g.State() != StateIdle {
		t.Fatalf("state = %v", g.State())
	}
	if got := len(entries(t, sw, switchif.TableForward)); got != 0 {
		t.Fatalf("nothing may be programmed, forward entries = %d", got)
	}
}

func TestStateMachine(t *testing.T) {
	ctx := context.Background()
	g, sw := newTestGen(t)

	var stops int
	g.OnStop(func(context.Context) error { stops++; return nil })

	if err := g.Stop(ctx); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop while idle = %v", err)
	}
	if _, err := g.Configure(ctx, cbrRequest(10)); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Configure(ctx, cbrRequest(10)); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Configure = %v", err)
	}
	if !g.Running() {
		t.Fatalf("conflict must not change state")
	}

	cfg := g.Configuration()
	if err := g.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if g.State() != StateIdle || g.Configuration() != nil || stops != 1 {
		t.Fatalf("after stop: state %v, config %v, stops %d", g.State(), g.Configuration(), stops)
	}
	if sw.App(1).Enabled {
		t.Fatalf("app 1 still enabled")
	}
	if got := len(entries(t, sw, switchif.TableStreamForward)); got != 0 {
		t.Fatalf("tg_forward entries left: %d", got)
	}
	if _, ok := sw.Group(cfg.StreamToMc[1]); ok {
		t.Fatalf("stream group left installed")
	}
	if err := g.Stop(ctx); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second Stop = %v", err)
	}

	if _, err := g.Configure(ctx, cbrRequest(20)); err != nil {
		t.Fatalf("Configure after stop failed: %v", err)
	}
	if !g.Running() {
		t.Fatalf("not running after reconfigure")
	}
}

func TestPipeSelection(t *testing.T) {
	ctx := context.Background()

	t.Run("two pipes above threshold", func(t *testing.T) {
		g, sw := newTestGen(t)
		cfg, err := g.Configure(ctx, cbrRequest(80))
		if err != nil {
			t.Fatal(err)
		}
		prog := cfg.Programs[0]
		if prog.Factor != 2 || len(prog.Pipes) != 2 || prog.TimerNanos != 2*prog.Timeout {
			t.Fatalf("program = %+v", prog)
		}
		if got := len(entries(t, sw, switchif.TableStreamForward)); got != 2 {
			t.Fatalf("tg_forward entries = %d", got)
		}
	})

	t.Run("stream override", func(t *testing.T) {
		g, _ := newTestGen(t)
		req := cbrRequest(80)
		req.Streams[0].Pipes = 1
		cfg, err := g.Configure(ctx, req)
		if err != nil {
			t.Fatal(err)
		}
		if prog := cfg.Programs[0]; prog.Factor != 1 || len(prog.Pipes) != 1 {
			t.Fatalf("program = %+v", prog)
		}
	})
}

func TestPoissonThreshold(t *testing.T) {
	g, _ := newTestGen(t)
	req := cbrRequest(50)
	req.Mode = ModePoisson
	cfg, err := g.Configure(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	prog := cfg.Programs[0]
	if math.Abs(prog.Probability-0.5) > 1e-9 {
		t.Fatalf("p = %v", prog.Probability)
	}
	if prog.RandLow != 0 || prog.RandHigh != 32767 {
		t.Fatalf("rand range = %d..%d", prog.RandLow, prog.RandHigh)
	}
	want := rate.Solve(100, 84, 25)
	if prog.Packets != want.Packets || prog.Timeout != want.Timeout || prog.Factor != 2 {
		t.Fatalf("program = %+v, solver %+v", prog, want)
	}

	req.Streams[0].TrafficRate = 150
	g2, _ := newTestGen(t)
	if _, err := g2.Configure(context.Background(), req); !errors.Is(err, ErrInvalidStream) {
		t.Fatalf("rate above max = %v", err)
	}
}

func TestMppsConversion(t *testing.T) {
	g, _ := newTestGen(t)
	req := cbrRequest(14.88)
	req.Mode = ModeMpps
	cfg, err := g.Configure(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(cfg.OverallRate-rate.MppsToGbps(14.88, 64)) > 1e-9 {
		t.Fatalf("overall rate = %v", cfg.OverallRate)
	}
	if cfg.Programs[0].Factor != 1 {
		t.Fatalf("~10 Gbit/s must run on one pipe")
	}
	if cfg.Streams[0].TrafficRate != 14.88 {
		t.Fatalf("requested rate must be kept: %v", cfg.Streams[0].TrafficRate)
	}
}

func TestBufferLayout(t *testing.T) {
	g, _ := newTestGen(t)
	req := Request{
		Mode: ModeCBR,
		Streams: []Stream{
			{StreamID: 1, AppID: 1, FrameSize: 100, TrafficRate: 1, Burst: 1},
			{StreamID: 2, AppID: 2, FrameSize: 201, TrafficRate: 1, Burst: 1},
			{StreamID: 3, AppID: 3, FrameSize: 1518, TrafficRate: 1, Burst: 1},
			{StreamID: 4, AppID: 4, FrameSize: 64, TrafficRate: 1, Burst: 1},
		},
		Settings: []StreamSetting{setting(136, 1), setting(136, 2), setting(128, 3)},
	}
	cfg, err := g.Configure(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Programs) != 3 {
		t.Fatalf("stream 4 has no port and must stay inactive: %+v", cfg.Programs)
	}
	if cfg.Streams[3].Active {
		t.Fatalf("stream 4 marked active")
	}
	end := g.MinBufferOffset()
	for _, p := range cfg.Programs {
		if p.BufferOffset%16 != 0 || p.BufferOffset < end {
			t.Fatalf("app %d offset %d overlaps or is unaligned (end %d)", p.AppID, p.BufferOffset, end)
		}
		end = p.BufferOffset + p.Length
	}
}

func TestBufferExhausted(t *testing.T) {
	g, _ := newTestGen(t)
	req := Request{
		Mode: ModeCBR,
		Streams: []Stream{
			{StreamID: 1, AppID: 1, FrameSize: 9000, TrafficRate: 1, Burst: 1},
			{StreamID: 2, AppID: 2, FrameSize: 9000, TrafficRate: 1, Burst: 1},
		},
		Settings: []StreamSetting{setting(136, 1), setting(136, 2)},
	}
	if _, err := g.Configure(context.Background(), req); !errors.Is(err, ErrBufferExhausted) {
		t.Fatalf("Configure = %v, want ErrBufferExhausted", err)
	}
	if g.State() != StateIdle {
		t.Fatalf("state = %v", g.State())
	}
}

func TestProgrammingFailureIsNotRolledBack(t *testing.T) {
	ctx := context.Background()
	g, sw := newTestGen(t)

	boom := errors.New("table write failed")
	sw.FailTable(switchif.TableStreamForward, boom)
	if _, err := g.Configure(ctx, cbrRequest(10)); !errors.Is(err, boom) {
		t.Fatalf("Configure = %v, want injected failure", err)
	}
	if g.State() != StateIdle || g.Configuration() != nil {
		t.Fatalf("state = %v", g.State())
	}
	if len(entries(t, sw, switchif.TableForward)) == 0 || len(entries(t, sw, switchif.TableHeaderReplace)) == 0 {
		t.Fatalf("rules installed before the failure must stay")
	}

	sw.FailTable(switchif.TableStreamForward, nil)
	if _, err := g.Configure(ctx, cbrRequest(10)); err != nil {
		t.Fatalf("Configure after clearing the failure: %v", err)
	}
}

func TestResetRunsHooksAndClearsRegisters(t *testing.T) {
	ctx := context.Background()
	g, sw := newTestGen(t)

	var order []string
	errA, errB := errors.New("a"), errors.New("b")
	g.OnReset(func(context.Context) error { order = append(order, "a"); return errA })
	g.OnReset(func(context.Context) error { order = append(order, "b"); return errB })

	err := g.Reset(ctx)
	if len(multierr.Errors(err)) != 2 || !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("Reset = %v", err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("hook order = %v", order)
	}
	for _, reg := range switchif.CounterRegisters {
		if sw.RegisterResets(reg) != 1 {
			t.Fatalf("register %s reset %d times", reg, sw.RegisterResets(reg))
		}
	}
}

func TestMonitorMode(t *testing.T) {
	ctx := context.Background()
	g, sw := newTestGen(t)

	var resets int
	g.OnReset(func(context.Context) error { resets++; return nil })

	req := Request{
		Mode:        ModeMonitor,
		Streams:     []Stream{{StreamID: 1, AppID: 1, FrameSize: 64, Burst: 1}},
		TxRxMapping: map[uint32]uint32{136: 128},
	}
	if _, err := g.Configure(ctx, req); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	fwd := entries(t, sw, switchif.TableForward)
	if len(fwd) != 2*len(testPorts)+1 {
		t.Fatalf("forward entries = %d", len(fwd))
	}
	cross := false
	for _, e := range fwd {
		if e.Match[switchif.FieldIngressPort].Value == 168 && e.Params["e_port"] == 144 {
			cross = true
		}
	}
	if !cross {
		t.Fatalf("missing rx recirc 168 -> tx recirc 144 rule: %+v", fwd)
	}
	if sw.App(1).Enabled {
		t.Fatalf("monitor mode must not generate")
	}

	if err := g.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if resets != 2 {
		t.Fatalf("reset hooks ran %d times, want configure and stop", resets)
	}
	if got := len(entries(t, sw, switchif.TableForward)); got != 0 {
		t.Fatalf("forward entries after monitor stop = %d", got)
	}
}

func TestValidation(t *testing.T) {
	g, _ := newTestGen(t)
	tests := []struct {
		name string
		mod  func(*Request)
	}{
		{"app id out of range", func(r *Request) { r.Streams[0].AppID = 9 }},
		{"duplicate app id", func(r *Request) {
			r.Streams = append(r.Streams, Stream{StreamID: 2, AppID: 1, FrameSize: 64, TrafficRate: 1, Burst: 1})
		}},
		{"frame too small", func(r *Request) { r.Streams[0].FrameSize = 63 }},
		{"zero burst", func(r *Request) { r.Streams[0].Burst = 0 }},
		{"zero rate", func(r *Request) { r.Streams[0].TrafficRate = 0 }},
		{"unknown mode", func(r *Request) { r.Mode = "Burst" }},
		{"unknown port", func(r *Request) { r.Settings[0].Port = 1 }},
		{"bad mac", func(r *Request) { r.Settings[0].EthSrc = "nope" }},
		{"bad ip", func(r *Request) { r.Settings[0].IPDst = "300.1.1.1" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := cbrRequest(10)
			tt.mod(&req)
			if _, err := g.Configure(context.Background(), req); !errors.Is(err, ErrInvalidStream) {
				t.Fatalf("Configure = %v, want ErrInvalidStream", err)
			}
			if g.State() != StateIdle {
				t.Fatalf("state = %v", g.State())
			}
		})
	}
}

type flakyMulticast struct {
	*multicast.Manager
	err error
}

func (f *flakyMulticast) DeleteGroup(ctx context.Context, name string) error {
	if f.err != nil {
		return f.err
	}
	return f.Manager.DeleteGroup(ctx, name)
}

func TestStopFailureCanBeRetried(t *testing.T) {
	ctx := context.Background()
	sw := switchif.NewMemorySwitch()
	mc := &flakyMulticast{Manager: multicast.NewManager(zap.NewNop(), sw)}
	g, err := New(zap.NewNop(), sw, mc, frame.NewBuilder(), testPorts, testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := g.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	var stops int
	g.OnStop(func(context.Context) error { stops++; return nil })

	cfg, err := g.Configure(ctx, cbrRequest(10))
	if err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	boom := errors.New("group delete failed")
	mc.err = boom
	if err := g.Stop(ctx); !errors.Is(err, boom) {
		t.Fatalf("Stop = %v, want injected failure", err)
	}
	if !g.Running() || g.Configuration() == nil || stops != 0 {
		t.Fatalf("after failed stop: state %v, config %v, stops %d", g.State(), g.Configuration(), stops)
	}
	if _, ok := sw.Group(cfg.StreamToMc[1]); !ok {
		t.Fatalf("stream group removed by the failed stop")
	}

	mc.err = nil
	if err := g.Stop(ctx); err != nil {
		t.Fatalf("retried Stop failed: %v", err)
	}
	if g.State() != StateIdle || stops != 1 {
		t.Fatalf("after retry: state %v, stops %d", g.State(), stops)
	}
	if _, ok := sw.Group(cfg.StreamToMc[1]); ok {
		t.Fatalf("stream group left installed after retry")
	}
}

func TestInactiveSettingOnUnknownPort(t *testing.T) {
	ctx := context.Background()
	g, sw := newTestGen(t)

	req := cbrRequest(10)
	unused := setting(999, 1)
	unused.Active = false
	req.Settings = append(req.Settings, unused)
	if _, err := g.Configure(ctx, req); err != nil {
		t.Fatalf("Configure with inactive setting failed: %v", err)
	}
	if got := len(entries(t, sw, switchif.TableHeaderReplace)); got != 1 {
		t.Fatalf("header rewrite entries = %d, want 1", got)
	}
	if err := g.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	active := setting(999, 1)
	req.Settings = []StreamSetting{active}
	if _, err := g.Configure(ctx, req); !errors.Is(err, ErrInvalidStream) {
		t.Fatalf("active setting on unknown port: err = %v", err)
	}
}

func TestTxRxMappingJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want map[uint32]uint32
	}{
		{"numbers", `{"136": 128, "128": 136}`, map[uint32]uint32{136: 128, 128: 136}},
		{"strings", `{"136": "128", "128": "136"}`, map[uint32]uint32{136: 128, 128: 136}},
		{"empty skipped", `{"136": "128", "128": ""}`, map[uint32]uint32{136: 128}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req Request
			if err := json.Unmarshal([]byte(`{"mode":"Monitor","port_tx_rx_mapping":`+tt.in+`}`), &req); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if len(req.TxRxMapping) != len(tt.want) {
				t.Fatalf("got %v, want %v", req.TxRxMapping, tt.want)
			}
			for k, v := range tt.want {
				if got, ok := req.TxRxMapping[k]; !ok || got != v {
					t.Fatalf("got %v, want %v", req.TxRxMapping, tt.want)
				}
			}
		})
	}

	for _, bad := range []string{`{"x": 1}`, `{"136": "abc"}`, `{"136": true}`, `[]`} {
		var m TxRxMapping
		if err := json.Unmarshal([]byte(bad), &m); err == nil {
			t.Errorf("%s: expected an error", bad)
		}
	}
}
