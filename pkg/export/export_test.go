package export

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/takehaya/tgctl/pkg/telemetry"
)

func testStatistics() telemetry.Statistics {
	return telemetry.Statistics{
		TxRateL1:   map[uint32]float64{136: 1e10},
		TxRateL2:   map[uint32]float64{136: 8e9},
		RxRateL1:   map[uint32]float64{128: 9e9},
		RxRateL2:   map[uint32]float64{128: 7e9},
		PacketLoss: map[uint32]uint64{128: 3},
		OutOfOrder: map[uint32]uint64{128: 1},
		RTTs:       map[uint32]telemetry.RTTStats{128: {Mean: 1200, Jitter: 30, N: 10}},
		IATs: map[uint32]telemetry.IATPair{
			136: {TX: &telemetry.IATStats{Mean: 67.2, N: 5}},
		},
	}
}

func TestRows(t *testing.T) {
	at := time.Unix(1700000000, 0)
	rows := Rows(at, testStatistics())
	if len(rows) != 2 {
		t.Fatalf("got %d rows", len(rows))
	}
	if rows[0].Port != 128 || rows[1].Port != 136 {
		t.Fatalf("rows not ordered by port: %d, %d", rows[0].Port, rows[1].Port)
	}
	want := PortRow{
		Timestamp: at, Port: 128, RxRateL1: 9e9, RxRateL2: 7e9,
		PacketLoss: 3, OutOfOrder: 1, RTTMean: 1200, RTTJitter: 30, RTTSamples: 10,
	}
	if rows[0] != want {
		t.Errorf("row = %+v, want %+v", rows[0], want)
	}
	if rows[1].IATTxMean != 67.2 || rows[1].TxRateL1 != 1e10 {
		t.Errorf("row = %+v", rows[1])
	}

	if got := Rows(at, telemetry.Statistics{}); len(got) != 0 {
		t.Fatalf("empty statistics gave %d rows", len(got))
	}
}

type recordConn struct {
	subject string
	data    []byte
	err     error
}

func (c *recordConn) Publish(subject string, data []byte) error {
	c.subject, c.data = subject, data
	return c.err
}

func TestNATSPublisher(t *testing.T) {
	conn := &recordConn{}
	p := &NATSPublisher{logger: zap.NewNop(), conn: conn, subject: "tgctl.statistics"}
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	if err := p.Export(context.Background(), at, testStatistics()); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if conn.subject != "tgctl.statistics" {
		t.Fatalf("subject = %q", conn.subject)
	}

	var s structpb.Struct
	if err := proto.Unmarshal(conn.data, &s); err != nil {
		t.Fatalf("payload is not a Struct: %v", err)
	}
	m := s.AsMap()
	if m["timestamp"] != "2024-05-01T12:00:00Z" {
		t.Errorf("timestamp = %v", m["timestamp"])
	}
	loss, ok := m["packet_loss"].(map[string]any)
	if !ok || loss["128"] != float64(3) {
		t.Errorf("packet_loss = %v", m["packet_loss"])
	}

	conn.err = errors.New("no responders")
	if err := p.Export(context.Background(), at, testStatistics()); err == nil {
		t.Fatal("publish error not returned")
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

type countingExporter struct {
	mu    sync.Mutex
	calls int
}

func (e *countingExporter) Name() string { return "counting" }

func (e *countingExporter) Export(context.Context, time.Time, telemetry.Statistics) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return errors.New("unavailable")
}

func (e *countingExporter) Close(context.Context) error { return nil }

func (e *countingExporter) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func TestLoopKeepsGoingOnErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := &countingExporter{}
	done := make(chan struct{})
	go func() {
		Loop(ctx, zap.NewNop(), 5*time.Millisecond, func(context.Context) telemetry.Statistics {
			return telemetry.Statistics{}
		}, e)
		close(done)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for e.Calls() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("exporter not called repeatedly")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Loop did not return")
	}
}
