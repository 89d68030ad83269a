// Package export ships statistics snapshots to external stores.
package export

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/takehaya/tgctl/pkg/telemetry"
)

type Exporter interface {
	Name() string
	Export(ctx context.Context, at time.Time, st telemetry.Statistics) error
	Close(ctx context.Context) error
}

// Source returns the statistics to export.
type Source func(ctx context.Context) telemetry.Statistics

// PortRow is the flattened per port record written by the exporters.
type PortRow struct {
	Timestamp  time.Time
	Port       uint32
	TxRateL1   float64
	TxRateL2   float64
	RxRateL1   float64
	RxRateL2   float64
	PacketLoss uint64
	OutOfOrder uint64
	RTTMean    uint64
	RTTJitter  uint64
	RTTSamples uint64
	IATTxMean  float64
	IATRxMean  float64
}

// Rows flattens st into one row per port seen in any section, ordered by
// port.
func Rows(at time.Time, st telemetry.Statistics) []PortRow {
	ports := make(map[uint32]struct{})
	for _, m := range []map[uint32]float64{st.TxRateL1, st.TxRateL2, st.RxRateL1, st.RxRateL2} {
		for p := range m {
			ports[p] = struct{}{}
		}
	}
	for p := range st.PacketLoss {
		ports[p] = struct{}{}
	}
	for p := range st.RTTs {
		ports[p] = struct{}{}
	}
	for p := range st.IATs {
		ports[p] = struct{}{}
	}

	rows := make([]PortRow, 0, len(ports))
	for p := range ports {
		r := PortRow{
			Timestamp:  at,
			Port:       p,
			TxRateL1:   st.TxRateL1[p],
			TxRateL2:   st.TxRateL2[p],
			RxRateL1:   st.RxRateL1[p],
			RxRateL2:   st.RxRateL2[p],
			PacketLoss: st.PacketLoss[p],
			OutOfOrder: st.OutOfOrder[p],
		}
		if rtt, ok := st.RTTs[p]; ok {
			r.RTTMean, r.RTTJitter, r.RTTSamples = rtt.Mean, rtt.Jitter, uint64(rtt.N)
		}
		if iat, ok := st.IATs[p]; ok {
			if iat.TX != nil {
				r.IATTxMean = iat.TX.Mean
			}
			if iat.RX != nil {
				r.IATRxMean = iat.RX.Mean
			}
		}
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Port < rows[j].Port })
	return rows
}

// Loop hands a snapshot to every exporter each interval until ctx is done.
// Exporter errors are logged.
func Loop(ctx context.Context, logger *zap.Logger, interval time.Duration, src Source, exporters ...Exporter) {
	if len(exporters) == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			st := src(ctx)
			for _, e := range exporters {
				if err := e.Export(ctx, now, st); err != nil {
					logger.Warn("failed to export statistics", zap.String("exporter", e.Name()), zap.Error(err))
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
