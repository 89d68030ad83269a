package classify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/takehaya/tgctl/pkg/switchif"
)

// 224.0.0.0/8
const (
	multicastPrefix    = 0xe0000000
	multicastPrefixLen = 8
)

// TypeCounters are the frame type counters of one direction.
type TypeCounters struct {
	Multicast  uint64 `json:"multicast"`
	Broadcast  uint64 `json:"broadcast"`
	Unicast    uint64 `json:"unicast"`
	Total      uint64 `json:"total"`
	NonUnicast uint64 `json:"non-unicast"`
}

func (c *TypeCounters) derive() {
	c.Total = c.Multicast + c.Broadcast + c.Unicast
	c.NonUnicast = c.Multicast + c.Broadcast
}

type TypeStats struct {
	TX TypeCounters `json:"tx"`
	RX TypeCounters `json:"rx"`
}

// FrameType maintains ingress.p4tg.frame_type.frame_type_monitor on the tx
// and rx recirculation ports.
type FrameType struct {
	logger *zap.Logger
	sw     switchif.Switch
	ports  switchif.PortMapping

	mu        sync.Mutex
	installed bool
}

func NewFrameType(logger *zap.Logger, sw switchif.Switch, ports switchif.PortMapping) *FrameType {
	return &FrameType{logger: logger, sw: sw, ports: ports}
}

func (f *FrameType) entries() []switchif.Entry {
	var out []switchif.Entry
	for _, p := range f.ports.Ports() {
		r := f.ports[p]
		for _, port := range []uint32{r.TxRecirc, r.RxRecirc} {
			out = append(out,
				switchif.Entry{
					Table: switchif.TableFrameType,
					Match: switchif.Match{
						switchif.FieldIngressPort: switchif.Exact(uint64(port)),
						switchif.FieldIPv4Dst:     switchif.LPM(multicastPrefix, multicastPrefixLen),
					},
					Action: switchif.ActionMulticast,
				},
				// everything else counts as unicast
				switchif.Entry{
					Table: switchif.TableFrameType,
					Match: switchif.Match{
						switchif.FieldIngressPort: switchif.Exact(uint64(port)),
						switchif.FieldIPv4Dst:     switchif.LPM(0, 0),
					},
					Action: switchif.ActionUnicast,
				},
			)
		}
	}
	return out
}

// Install is a no-op when the rules are already installed.
func (f *FrameType) Install(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.installed {
		return nil
	}
	for _, e := range f.entries() {
		if err := f.sw.AddEntry(ctx, e); err != nil && !errors.Is(err, switchif.ErrEntryExists) {
			return fmt.Errorf("failed to add frame type rule: %w", err)
		}
	}
	f.installed = true
	f.logger.Debug("frame type rules installed", zap.Int("ports", len(f.ports)))
	return nil
}

func (f *FrameType) Remove(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.installed {
		return nil
	}
	for _, e := range f.entries() {
		if err := f.sw.RemoveEntry(ctx, e.Table, e.Match); err != nil && !errors.Is(err, switchif.ErrEntryNotFound) {
			return fmt.Errorf("failed to remove frame type rule: %w", err)
		}
	}
	f.installed = false
	f.logger.Debug("frame type rules removed")
	return nil
}

func (f *FrameType) Installed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installed
}

// Statistics maps the rule counters to per port tx/rx counters.
func (f *FrameType) Statistics(ctx context.Context) (map[uint32]TypeStats, error) {
	if err := f.sw.SyncCounters(ctx, switchif.TableFrameType); err != nil {
		return nil, fmt.Errorf("failed to sync frame type counters: %w", err)
	}
	entries, err := f.sw.Entries(ctx, switchif.TableFrameType)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame type rules: %w", err)
	}

	out := make(map[uint32]TypeStats)
	for _, e := range entries {
		ingress := uint32(e.Match[switchif.FieldIngressPort].Value)

		var (
			p  uint32
			rx bool
			ok bool
		)
		if p, ok = f.ports.ByTxRecirc(ingress); !ok {
			if p, ok = f.ports.ByRxRecirc(ingress); !ok {
				continue
			}
			rx = true
		}

		s := out[p]
		c := &s.TX
		if rx {
			c = &s.RX
		}
		switch e.Action {
		case switchif.ActionMulticast:
			c.Multicast = e.Packets
		case switchif.ActionBroadcast:
			c.Broadcast = e.Packets
		case switchif.ActionUnicast:
			c.Unicast = e.Packets
		}
		out[p] = s
	}
	for p, s := range out {
		s.TX.derive()
		s.RX.derive()
		out[p] = s
	}
	return out, nil
}
