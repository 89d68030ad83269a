package export

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/takehaya/tgctl/pkg/telemetry"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS %s (
    Timestamp   DateTime64(3),
    Port        UInt32,
    TxRateL1    Float64,
    TxRateL2    Float64,
    RxRateL1    Float64,
    RxRateL2    Float64,
    PacketLoss  UInt64,
    OutOfOrder  UInt64,
    RTTMean     UInt64,
    RTTJitter   UInt64,
    RTTSamples  UInt64,
    IATTxMean   Float64,
    IATRxMean   Float64
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (Port, Timestamp);
`

type ClickHouseOptions struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// ClickHouseWriter appends one row per port and snapshot.
type ClickHouseWriter struct {
	logger *zap.Logger
	conn   driver.Conn
	table  string
}

func NewClickHouseWriter(ctx context.Context, logger *zap.Logger, opts ClickHouseOptions) (*ClickHouseWriter, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, fmt.Sprintf(createTableStatement, opts.Table)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create table %s: %w", opts.Table, err)
	}
	logger.Info("connected to clickhouse", zap.String("addr", opts.Addr), zap.String("table", opts.Table))
	return &ClickHouseWriter{logger: logger, conn: conn, table: opts.Table}, nil
}

func (w *ClickHouseWriter) Name() string { return "clickhouse" }

func (w *ClickHouseWriter) Export(ctx context.Context, at time.Time, st telemetry.Statistics) error {
	rows := Rows(at, st)
	if len(rows) == 0 {
		return nil
	}

	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO "+w.table)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, r := range rows {
		err := batch.Append(
			r.Timestamp,
			r.Port,
			r.TxRateL1,
			r.TxRateL2,
			r.RxRateL1,
			r.RxRateL2,
			r.PacketLoss,
			r.OutOfOrder,
			r.RTTMean,
			r.RTTJitter,
			r.RTTSamples,
			r.IATTxMean,
			r.IATRxMean,
		)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append port %d: %w", r.Port, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	w.logger.Debug("wrote statistics", zap.Int("rows", len(rows)))
	return nil
}

func (w *ClickHouseWriter) Close(_ context.Context) error {
	return w.conn.Close()
}
