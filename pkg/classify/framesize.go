// Package classify counts frames per port by size bucket and by destination
// type using counter-backed match rules on the switch.
package classify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/takehaya/tgctl/pkg/switchif"
)

// SizeRange is a frame length bucket, Low..Low+Width inclusive.
type SizeRange struct {
	Low   uint32
	Width uint32
}

func (r SizeRange) High() uint32 { return r.Low + r.Width }

// SizeRanges are the installed buckets.
var SizeRanges = []SizeRange{
	{0, 63},
	{64, 0},
	{65, 62},
	{128, 127},
	{256, 255},
	{512, 511},
	{1024, 494},
	{1519, 20000},
}

// Bucket is the packet count of one size range.
type Bucket struct {
	Low     uint32 `json:"low"`
	High    uint32 `json:"high"`
	Packets uint64 `json:"packets"`
}

// SizeStats holds the buckets of a port for sent (front port egress) and
// received (rx recirculation egress) frames.
type SizeStats struct {
	TX []Bucket `json:"tx"`
	RX []Bucket `json:"rx"`
}

// FrameSize maintains egress.frame_size_monitor.
type FrameSize struct {
	logger *zap.Logger
	sw     switchif.Switch
	ports  switchif.PortMapping

	mu        sync.Mutex
	installed bool
}

func NewFrameSize(logger *zap.Logger, sw switchif.Switch, ports switchif.PortMapping) *FrameSize {
	return &FrameSize{logger: logger, sw: sw, ports: ports}
}

func (f *FrameSize) entries() []switchif.Entry {
	var out []switchif.Entry
	for _, p := range f.ports.Ports() {
		for _, r := range SizeRanges {
			for _, port := range []uint32{p, f.ports[p].RxRecirc} {
				out = append(out, switchif.Entry{
					Table: switchif.TableFrameSize,
					Match: switchif.Match{
						switchif.FieldEgressPort: switchif.Exact(uint64(port)),
						switchif.FieldPktLen:     switchif.Range(uint64(r.Low), uint64(r.High())),
					},
					Priority: 1,
					Action:   switchif.ActionEgressNop,
				})
			}
		}
	}
	return out
}

// Install adds a rule per port, direction and bucket. Calling it again while
// installed does nothing.
func (f *FrameSize) Install(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.installed {
		return nil
	}
	for _, e := range f.entries() {
		if err := f.sw.AddEntry(ctx, e); err != nil && !errors.Is(err, switchif.ErrEntryExists) {
			return fmt.Errorf("failed to add frame size rule: %w", err)
		}
	}
	f.installed = true
	f.logger.Debug("frame size rules installed", zap.Int("ports", len(f.ports)))
	return nil
}

// Remove deletes exactly the rules Install adds.
func (f *FrameSize) Remove(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.installed {
		return nil
	}
	for _, e := range f.entries() {
		if err := f.sw.RemoveEntry(ctx, e.Table, e.Match); err != nil && !errors.Is(err, switchif.ErrEntryNotFound) {
			return fmt.Errorf("failed to remove frame size rule: %w", err)
		}
	}
	f.installed = false
	f.logger.Debug("frame size rules removed")
	return nil
}

func (f *FrameSize) Installed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installed
}

// Statistics syncs the rule counters and groups them per front port.
func (f *FrameSize) Statistics(ctx context.Context) (map[uint32]SizeStats, error) {
	if err := f.sw.SyncCounters(ctx, switchif.TableFrameSize); err != nil {
		return nil, fmt.Errorf("failed to sync frame size counters: %w", err)
	}
	entries, err := f.sw.Entries(ctx, switchif.TableFrameSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame size rules: %w", err)
	}

	out := make(map[uint32]SizeStats)
	for _, e := range entries {
		port := uint32(e.Match[switchif.FieldEgressPort].Value)
		size := e.Match[switchif.FieldPktLen]
		b := Bucket{Low: uint32(size.Value), High: uint32(size.High), Packets: e.Packets}

		if _, ok := f.ports[port]; ok {
			s := out[port]
			s.TX = append(s.TX, b)
			out[port] = s
			continue
		}
		if p, ok := f.ports.ByRxRecirc(port); ok {
			s := out[p]
			s.RX = append(s.RX, b)
			out[p] = s
		}
	}
	for p, s := range out {
		sortBuckets(s.TX)
		sortBuckets(s.RX)
		out[p] = s
	}
	return out, nil
}

func sortBuckets(b []Bucket) {
	sort.Slice(b, func(i, j int) bool { return b[i].Low < b[j].Low })
}
