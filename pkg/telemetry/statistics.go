package telemetry

import (
	"context"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/takehaya/tgctl/pkg/classify"
)

// RTTStats are in ns.
type RTTStats struct {
	Mean    uint64 `json:"mean"`
	Min     uint64 `json:"min"`
	Max     uint64 `json:"max"`
	Current uint64 `json:"current"`
	Jitter  uint64 `json:"jitter"`
	N       int    `json:"n"`
}

type IATStats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	N    int     `json:"n"`
}

type IATPair struct {
	TX *IATStats `json:"tx,omitempty"`
	RX *IATStats `json:"rx,omitempty"`
}

// Statistics is a point in time view of the aggregator and the classifiers.
// Rates are bit/s and keyed by front panel port.
type Statistics struct {
	TxRateL1   map[uint32]float64            `json:"tx_rate_l1"`
	TxRateL2   map[uint32]float64            `json:"tx_rate_l2"`
	RxRateL1   map[uint32]float64            `json:"rx_rate_l1"`
	RxRateL2   map[uint32]float64            `json:"rx_rate_l2"`
	AppTxL2    map[uint32]map[uint8]float64  `json:"app_tx_l2"`
	AppRxL2    map[uint32]map[uint8]float64  `json:"app_rx_l2"`
	FrameSize  map[uint32]classify.SizeStats `json:"frame_size"`
	FrameType  map[uint32]classify.TypeStats `json:"frame_type_data"`
	RTTs       map[uint32]RTTStats           `json:"rtts"`
	IATs       map[uint32]IATPair            `json:"iats"`
	PacketLoss map[uint32]uint64             `json:"packet_loss"`
	OutOfOrder map[uint32]uint64             `json:"out_of_order"`
}

// snapshot is a copy of the state taken under the read lock.
type snapshot struct {
	st    *state
	iatTx map[uint32][]uint64
	iatRx map[uint32][]uint64
	rtt   map[uint32][]uint64
}

func (a *Aggregator) snapshot() snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	src := a.st
	cp := &state{
		txL1:       copyMap(src.txL1),
		txL2:       copyMap(src.txL2),
		rxL1:       copyMap(src.rxL1),
		rxL2:       copyMap(src.rxL2),
		appTx:      copyNested(src.appTx),
		appRx:      copyNested(src.appRx),
		loss:       copyMap(src.loss),
		outOfOrder: copyMap(src.outOfOrder),
	}
	return snapshot{
		st:    cp,
		iatTx: ringValues(src.iatTx),
		iatRx: ringValues(src.iatRx),
		rtt:   ringValues(src.rtt),
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyNested(m map[uint32]map[uint8]float64) map[uint32]map[uint8]float64 {
	out := make(map[uint32]map[uint8]float64, len(m))
	for k, v := range m {
		out[k] = copyMap(v)
	}
	return out
}

func ringValues(m map[uint32]*Ring) map[uint32][]uint64 {
	out := make(map[uint32][]uint64, len(m))
	for k, r := range m {
		out[k] = r.Values()
	}
	return out
}

// Statistics returns the current statistics. Classifier failures are logged
// and leave their section empty.
func (a *Aggregator) Statistics(ctx context.Context) Statistics {
	snap := a.snapshot()

	out := Statistics{
		TxRateL1:   snap.st.txL1,
		TxRateL2:   snap.st.txL2,
		RxRateL1:   snap.st.rxL1,
		RxRateL2:   snap.st.rxL2,
		AppTxL2:    snap.st.appTx,
		AppRxL2:    snap.st.appRx,
		PacketLoss: snap.st.loss,
		OutOfOrder: snap.st.outOfOrder,
		FrameSize:  map[uint32]classify.SizeStats{},
		FrameType:  map[uint32]classify.TypeStats{},
		RTTs:       make(map[uint32]RTTStats, len(snap.rtt)),
		IATs:       make(map[uint32]IATPair),
	}

	for p, v := range snap.rtt {
		out.RTTs[p] = rttStats(v)
	}
	for p, v := range snap.iatTx {
		pair := out.IATs[p]
		s := iatStats(v)
		pair.TX = &s
		out.IATs[p] = pair
	}
	for p, v := range snap.iatRx {
		pair := out.IATs[p]
		s := iatStats(v)
		pair.RX = &s
		out.IATs[p] = pair
	}

	if a.frameSize != nil {
		if fs, err := a.frameSize.Statistics(ctx); err != nil {
			a.logger.Warn("failed to read frame size statistics", zap.Error(err))
		} else {
			out.FrameSize = fs
		}
	}
	if a.frameType != nil {
		if ft, err := a.frameType.Statistics(ctx); err != nil {
			a.logger.Warn("failed to read frame type statistics", zap.Error(err))
		} else {
			out.FrameType = ft
		}
	}
	return out
}

func toFloats(v []uint64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func rttStats(v []uint64) RTTStats {
	if len(v) == 0 {
		return RTTStats{}
	}
	x := toFloats(v)
	mean, variance := stat.PopMeanVariance(x, nil)
	return RTTStats{
		Mean:    uint64(mean),
		Min:     uint64(floats.Min(x)),
		Max:     uint64(floats.Max(x)),
		Current: v[len(v)-1],
		Jitter:  uint64(math.Sqrt(variance)),
		N:       len(v),
	}
}

func iatStats(v []uint64) IATStats {
	if len(v) == 0 {
		return IATStats{}
	}
	mean, variance := stat.PopMeanVariance(toFloats(v), nil)
	return IATStats{Mean: mean, Std: math.Sqrt(variance), N: len(v)}
}
