package controller

import (
	"bytes"
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/takehaya/tgctl/pkg/config"
	"github.com/takehaya/tgctl/pkg/switchif"
	"github.com/takehaya/tgctl/pkg/telemetry"
	"github.com/takehaya/tgctl/pkg/tg"
)

func testConfig(delay time.Duration) *config.Config {
	cfg := config.Default()
	cfg.Switch.Ports = []config.PortConfig{
		{Port: 136, TxRecirc: 144, RxRecirc: 152},
		{Port: 128, TxRecirc: 160, RxRecirc: 168},
	}
	cfg.TrafficGen.GeneratorPorts = []uint32{68, 196}
	cfg.TrafficGen.MeasurementDelay = delay
	cfg.Digest.ReceiveTimeout = 20 * time.Millisecond
	return cfg
}

func newTestController(t *testing.T, delay time.Duration) (*Controller, *switchif.MemorySwitch) {
	t.Helper()
	sw := switchif.NewMemorySwitch()
	c, err := New(context.Background(), testConfig(delay), WithLogger(zap.NewNop()), WithDevice(sw))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(c.Close)
	return c, sw
}

func cbrRequest() tg.Request {
	return tg.Request{
		Mode:    tg.ModeCBR,
		Streams: []tg.Stream{{StreamID: 1, AppID: 1, FrameSize: 64, TrafficRate: 10, Burst: 3}},
		Settings: []tg.StreamSetting{{
			Port:      136,
			StreamID:  1,
			EthSrc:    "32:d5:42:2a:f6:92",
			EthDst:    "81:e7:9d:e3:ad:47",
			IPSrc:     "192.168.178.10",
			IPDst:     "192.168.178.11",
			IPSrcMask: "0.0.0.0",
			IPDstMask: "0.0.0.0",
			Active:    true,
		}},
	}
}

func count(t *testing.T, sw *switchif.MemorySwitch, table string) int {
	t.Helper()
	es, err := sw.Entries(context.Background(), table)
	if err != nil {
		t.Fatalf("Entries(%s) failed: %v", table, err)
	}
	return len(es)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartInstallsClassifiersAndMeasures(t *testing.T) {
	c, sw := newTestController(t, 10*time.Millisecond)
	ctx := context.Background()

	if _, err := c.StartTraffic(ctx, cbrRequest()); err != nil {
		t.Fatalf("StartTraffic failed: %v", err)
	}
	// 2 ports, 8 buckets, front and rx recirculation port
	if n := count(t, sw, switchif.TableFrameSize); n != 32 {
		t.Errorf("frame size rules = %d, want 32", n)
	}
	// 2 ports, tx and rx recirculation port, multicast and unicast
	if n := count(t, sw, switchif.TableFrameType); n != 8 {
		t.Errorf("frame type rules = %d, want 8", n)
	}
	waitFor(t, "measurement", func() bool {
		return c.Aggregator.IATMeasuring() && c.Aggregator.RTTMeasuring()
	})
	if c.Configuration() == nil {
		t.Fatal("no configuration while running")
	}

	if err := c.StopTraffic(ctx); err != nil {
		t.Fatalf("StopTraffic failed: %v", err)
	}
	if c.Aggregator.IATMeasuring() || c.Aggregator.RTTMeasuring() {
		t.Error("measurement still enabled after stop")
	}
	// 停止だけでは分類ルールは残る
	if n := count(t, sw, switchif.TableFrameSize); n != 32 {
		t.Errorf("frame size rules after stop = %d", n)
	}
}

func TestStopCancelsPendingMeasurement(t *testing.T) {
	c, _ := newTestController(t, time.Hour)
	ctx := context.Background()

	if _, err := c.StartTraffic(ctx, cbrRequest()); err != nil {
		t.Fatalf("StartTraffic failed: %v", err)
	}
	c.timerMu.Lock()
	pending := c.timer != nil
	c.timerMu.Unlock()
	if !pending {
		t.Fatal("measurement not scheduled")
	}

	if err := c.StopTraffic(ctx); err != nil {
		t.Fatalf("StopTraffic failed: %v", err)
	}
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.timer != nil {
		t.Error("timer still pending after stop")
	}
}

func TestResetRemovesClassifiers(t *testing.T) {
	c, sw := newTestController(t, 10*time.Millisecond)
	ctx := context.Background()

	if _, err := c.StartTraffic(ctx, cbrRequest()); err != nil {
		t.Fatalf("StartTraffic failed: %v", err)
	}
	if err := c.StopTraffic(ctx); err != nil {
		t.Fatalf("StopTraffic failed: %v", err)
	}
	if err := c.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	for _, table := range []string{switchif.TableFrameSize, switchif.TableFrameType} {
		if n := count(t, sw, table); n != 0 {
			t.Errorf("%s has %d rules after reset", table, n)
		}
	}
	if c.FrameSize.Installed() || c.FrameType.Installed() {
		t.Error("classifiers still marked installed")
	}

	// 再開すると再インストールされる
	if _, err := c.StartTraffic(ctx, cbrRequest()); err != nil {
		t.Fatalf("StartTraffic after reset failed: %v", err)
	}
	if n := count(t, sw, switchif.TableFrameType); n != 8 {
		t.Errorf("frame type rules after restart = %d", n)
	}
}

func TestTables(t *testing.T) {
	c, _ := newTestController(t, time.Hour)
	ctx := context.Background()
	if _, err := c.StartTraffic(ctx, cbrRequest()); err != nil {
		t.Fatalf("StartTraffic failed: %v", err)
	}

	tables, err := c.Tables(ctx)
	if err != nil {
		t.Fatalf("Tables failed: %v", err)
	}
	if len(tables) != len(DumpTables) {
		t.Fatalf("got %d tables, want %d", len(tables), len(DumpTables))
	}
	if len(tables[switchif.TableFrameSize]) != 32 {
		t.Errorf("frame_size dump = %d entries", len(tables[switchif.TableFrameSize]))
	}
}

func TestWriteStats(t *testing.T) {
	var buf bytes.Buffer
	p := message.NewPrinter(language.English)
	writeStats(&buf, p, telemetry.Statistics{
		TxRateL1:   map[uint32]float64{136: 1e10},
		RxRateL1:   map[uint32]float64{128: 2.5e9},
		PacketLoss: map[uint32]uint64{128: 1234},
	})

	want := "port 128: tx 0.00 Mbps, rx 2,500.00 Mbps, lost 1,234, out of order 0\n" +
		"port 136: tx 10,000.00 Mbps, rx 0.00 Mbps, lost 0, out of order 0\n"
	if got := buf.String(); got != want {
		t.Errorf("got\n%s\nwant\n%s", got, want)
	}
}
