// Package telemetry consumes the digests reported by the data plane and keeps
// per port rates, loss, reordering, inter-arrival and round-trip times.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/takehaya/tgctl/pkg/classify"
	"github.com/takehaya/tgctl/pkg/switchif"
)

const (
	IATRingSize = 50000
	RTTRingSize = 10000

	DefaultReceiveTimeout = 2 * time.Second

	// minimum monitor timestamp distance (ns) between two rate samples
	rateInterval = 2_000_000_000

	meterCells = 256
	// 500 digests/s of 64+20 byte
	meterCIRKbps = 500 * 84 / 1000
)

// IndexResolver maps a monitor index back to its recirculation port and app.
type IndexResolver interface {
	Lookup(index uint16) (uint32, uint8, bool)
}

type FrameSizeSource interface {
	Statistics(ctx context.Context) (map[uint32]classify.SizeStats, error)
}

type FrameTypeSource interface {
	Statistics(ctx context.Context) (map[uint32]classify.TypeStats, error)
}

type appKey struct {
	port uint32
	app  uint8
}

// state is written by the digest loop only. Reset swaps it as a whole.
type state struct {
	lastTx    map[uint32]Sample
	lastRx    map[uint32]Sample
	lastAppTx map[appKey]Sample
	lastAppRx map[appKey]Sample

	txL1  map[uint32]float64
	txL2  map[uint32]float64
	rxL1  map[uint32]float64
	rxL2  map[uint32]float64
	appTx map[uint32]map[uint8]float64
	appRx map[uint32]map[uint8]float64

	loss       map[uint32]uint64
	outOfOrder map[uint32]uint64

	iatTx map[uint32]*Ring
	iatRx map[uint32]*Ring
	rtt   map[uint32]*Ring
}

func newState() *state {
	return &state{
		lastTx:     make(map[uint32]Sample),
		lastRx:     make(map[uint32]Sample),
		lastAppTx:  make(map[appKey]Sample),
		lastAppRx:  make(map[appKey]Sample),
		txL1:       make(map[uint32]float64),
		txL2:       make(map[uint32]float64),
		rxL1:       make(map[uint32]float64),
		rxL2:       make(map[uint32]float64),
		appTx:      make(map[uint32]map[uint8]float64),
		appRx:      make(map[uint32]map[uint8]float64),
		loss:       make(map[uint32]uint64),
		outOfOrder: make(map[uint32]uint64),
		iatTx:      make(map[uint32]*Ring),
		iatRx:      make(map[uint32]*Ring),
		rtt:        make(map[uint32]*Ring),
	}
}

type Option func(*Aggregator)

func WithReceiveTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

func WithFrameSize(s FrameSizeSource) Option {
	return func(a *Aggregator) { a.frameSize = s }
}

func WithFrameType(s FrameTypeSource) Option {
	return func(a *Aggregator) { a.frameType = s }
}

// Aggregator is the digest consumer. Run is the only writer of its state.
type Aggregator struct {
	logger  *zap.Logger
	sw      switchif.Switch
	src     switchif.DigestSource
	ports   switchif.PortMapping
	indices IndexResolver
	timeout time.Duration

	frameSize FrameSizeSource
	frameType FrameTypeSource

	mu sync.RWMutex
	st *state

	running    atomic.Bool
	iatMeasure atomic.Bool
	rttMeasure atomic.Bool
	handled    atomic.Uint64
	dropped    atomic.Uint64
}

func New(logger *zap.Logger, sw switchif.Switch, src switchif.DigestSource, ports switchif.PortMapping, indices IndexResolver, opts ...Option) *Aggregator {
	a := &Aggregator{
		logger:  logger,
		sw:      sw,
		src:     src,
		ports:   ports,
		indices: indices,
		timeout: DefaultReceiveTimeout,
		st:      newState(),
	}
	for _, o := range opts {
		o(a)
	}
	a.running.Store(true)
	return a
}

// Init installs the rx recirculation rules and the digest rate meters.
func (a *Aggregator) Init(ctx context.Context) error {
	for _, p := range a.ports.Ports() {
		e := switchif.Entry{
			Table:  switchif.TableIsIngress,
			Match:  switchif.Match{switchif.FieldIngressPort: switchif.Exact(uint64(a.ports[p].RxRecirc))},
			Action: switchif.ActionIngressNop,
		}
		if err := a.sw.AddEntry(ctx, e); err != nil && !errors.Is(err, switchif.ErrEntryExists) {
			return fmt.Errorf("failed to add is_ingress rule for port %d: %w", p, err)
		}
	}

	spec := switchif.MeterSpec{
		CIRKbps:  meterCIRKbps,
		PIRKbps:  meterCIRKbps,
		CBSKbits: meterCIRKbps,
		PBSKbits: 2 * meterCIRKbps,
	}
	for _, table := range []string{switchif.MeterIATDigestRate, switchif.MeterRTTDigestRate} {
		for i := uint32(0); i < meterCells; i++ {
			if err := a.sw.ConfigureMeter(ctx, table, i, spec); err != nil {
				return fmt.Errorf("failed to configure meter %s[%d]: %w", table, i, err)
			}
		}
		a.logger.Info("configured digest meter", zap.String("meter", table), zap.Uint64("cir_kbps", spec.CIRKbps))
	}
	return nil
}

// Run consumes digests until Stop is called, ctx is done or the source is
// closed. A failing digest is logged and skipped.
func (a *Aggregator) Run(ctx context.Context) {
	a.logger.Info("telemetry loop started", zap.Duration("timeout", a.timeout))
	defer a.logger.Info("telemetry loop stopped",
		zap.Uint64("handled", a.handled.Load()),
		zap.Uint64("dropped", a.dropped.Load()))

	for a.running.Load() && ctx.Err() == nil {
		raw, err := a.src.ReceiveDigest(a.timeout)
		switch {
		case errors.Is(err, switchif.ErrDigestTimeout):
			continue
		case errors.Is(err, switchif.ErrClosed):
			return
		case err != nil:
			a.logger.Warn("failed to receive digest", zap.Error(err))
			continue
		}
		if err := a.handleSafe(raw); err != nil {
			a.dropped.Add(1)
			a.logger.Warn("dropped digest", zap.Uint32("digest_id", raw.ID), zap.Error(err))
			continue
		}
		a.handled.Add(1)
	}
}

// Stop makes Run return after the current receive.
func (a *Aggregator) Stop() { a.running.Store(false) }

func (a *Aggregator) handleSafe(raw switchif.RawDigest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while handling digest: %v", r)
		}
	}()
	return a.Handle(raw)
}

// Handle decodes raw and applies it to the state.
func (a *Aggregator) Handle(raw switchif.RawDigest) error {
	s, err := DecodeSample(raw)
	if err != nil {
		return err
	}
	a.apply(s)
	return nil
}

func (a *Aggregator) apply(s Sample) {
	port := uint32(s.Port)

	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.st

	switch s.Kind {
	case KindMonitor:
		var app uint8
		if _, id, ok := a.indices.Lookup(s.Index); ok {
			app = id
		}
		if p, ok := a.ports.ByTxRecirc(port); ok {
			st.updateTx(p, app, s)
			return
		}
		if p, ok := a.ports.ByRxRecirc(port); ok {
			// rx digests carry the index of the next hop
			if app > 0 {
				app--
			}
			st.updateRx(p, app, s)
		}

	case KindIAT:
		if !a.iatMeasure.Load() || s.IAT == 0 {
			return
		}
		if p, ok := a.ports.ByTxRecirc(port); ok {
			push(st.iatTx, p, IATRingSize, s.IAT)
		} else if p, ok := a.ports.ByRxRecirc(port); ok {
			push(st.iatRx, p, IATRingSize, s.IAT)
		}

	case KindRTT:
		if !a.rttMeasure.Load() || s.RTT == 0 {
			return
		}
		if p, ok := a.ports.ByRxRecirc(port); ok {
			push(st.rtt, p, RTTRingSize, s.RTT)
		}
	}
}

func push(m map[uint32]*Ring, port uint32, size int, v uint64) {
	r, ok := m[port]
	if !ok {
		r = NewRing(size)
		m[port] = r
	}
	r.Push(v)
}

func (st *state) updateTx(p uint32, app uint8, s Sample) {
	if next, l1, l2, changed := update(s, baseline(st.lastTx, p, s)); changed {
		st.lastTx[p] = next
		st.txL1[p], st.txL2[p] = l1, l2
	}
	k := appKey{port: p, app: app}
	if next, r, changed := updateApp(s, baseline(st.lastAppTx, k, s)); changed {
		st.lastAppTx[k] = next
		setApp(st.appTx, p, app, r)
	}
}

func (st *state) updateRx(p uint32, app uint8, s Sample) {
	if s.PacketLoss > s.OutOfOrder {
		st.loss[p] = s.PacketLoss - s.OutOfOrder
	} else {
		st.loss[p] = 0
	}
	st.outOfOrder[p] = s.OutOfOrder

	if next, l1, l2, changed := update(s, baseline(st.lastRx, p, s)); changed {
		st.lastRx[p] = next
		st.rxL1[p], st.rxL2[p] = l1, l2
	}
	k := appKey{port: p, app: app}
	if next, r, changed := updateApp(s, baseline(st.lastAppRx, k, s)); changed {
		st.lastAppRx[k] = next
		setApp(st.appRx, p, app, r)
	}
}

// baseline returns the stored sample for k, storing s first when there is none.
func baseline[K comparable](m map[K]Sample, k K, s Sample) Sample {
	last, ok := m[k]
	if !ok {
		m[k] = s
		return s
	}
	return last
}

func setApp(m map[uint32]map[uint8]float64, p uint32, app uint8, r float64) {
	apps, ok := m[p]
	if !ok {
		apps = make(map[uint8]float64)
		m[p] = apps
	}
	apps[app] = r
}

// update derives the L1 and L2 rates in bit/s. A sample older than last is
// a timestamp wrap and becomes the new baseline with rate 0. A sample less
// than rateInterval after last changes nothing.
func update(s, last Sample) (next Sample, l1, l2 float64, changed bool) {
	switch {
	case s.Timestamp > last.Timestamp+rateInterval:
		dt := float64(s.Timestamp - last.Timestamp)
		l1 = 8 * (float64(s.ByteCounterL1) - float64(last.ByteCounterL1)) / dt * 1e9
		l2 = 8 * (float64(s.ByteCounterL2) - float64(last.ByteCounterL2)) / dt * 1e9
		return s, l1, l2, true
	case s.Timestamp < last.Timestamp:
		return s, 0, 0, true
	default:
		return last, 0, 0, false
	}
}

func updateApp(s, last Sample) (next Sample, r float64, changed bool) {
	switch {
	case s.Timestamp > last.Timestamp+rateInterval:
		dt := float64(s.Timestamp - last.Timestamp)
		r = 8 * (float64(s.AppCounter) - float64(last.AppCounter)) / dt * 1e9
		return s, r, true
	case s.Timestamp < last.Timestamp:
		return s, 0, true
	default:
		return last, 0, false
	}
}

func (a *Aggregator) StartIATMeasure() { a.iatMeasure.Store(true) }
func (a *Aggregator) StopIATMeasure()  { a.iatMeasure.Store(false) }
func (a *Aggregator) StartRTTMeasure() { a.rttMeasure.Store(true) }
func (a *Aggregator) StopRTTMeasure()  { a.rttMeasure.Store(false) }

func (a *Aggregator) IATMeasuring() bool { return a.iatMeasure.Load() }
func (a *Aggregator) RTTMeasuring() bool { return a.rttMeasure.Load() }

// Reset drops all collected state and clears the hardware IAT registers.
func (a *Aggregator) Reset(ctx context.Context) error {
	a.mu.Lock()
	a.st = newState()
	a.mu.Unlock()

	var err error
	for _, reg := range switchif.IATRegisters {
		if rerr := a.sw.ResetRegister(ctx, reg); rerr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to reset register %s: %w", reg, rerr))
		}
	}
	a.logger.Debug("telemetry state reset")
	return err
}
