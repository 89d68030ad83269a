package controller

import (
	"context"
	"io"
	"sort"
	"time"

	"golang.org/x/text/message"

	"github.com/takehaya/tgctl/pkg/telemetry"
)

// ShowStats prints the per port rates every interval until ctx is done.
func (c *Controller) ShowStats(ctx context.Context, interval time.Duration) {
	p := message.NewPrinter(message.MatchLanguage("en"))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			writeStats(c.out, p, c.Statistics(ctx))
		case <-ctx.Done():
			return
		}
	}
}

func writeStats(w io.Writer, p *message.Printer, st telemetry.Statistics) {
	seen := make(map[uint32]bool)
	for _, m := range []map[uint32]float64{st.TxRateL1, st.RxRateL1} {
		for port := range m {
			seen[port] = true
		}
	}
	ports := make([]uint32, 0, len(seen))
	for port := range seen {
		ports = append(ports, port)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })

	for _, port := range ports {
		p.Fprintf(w, "port %d: tx %.2f Mbps, rx %.2f Mbps, lost %d, out of order %d\n",
			port,
			st.TxRateL1[port]/1e6,
			st.RxRateL1[port]/1e6,
			st.PacketLoss[port],
			st.OutOfOrder[port])
	}
}
