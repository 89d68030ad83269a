package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/takehaya/tgctl/pkg/telemetry"
)

type natsConn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes each snapshot as a protobuf encoded
// google.protobuf.Struct.
type NATSPublisher struct {
	logger  *zap.Logger
	conn    natsConn
	nc      *nats.Conn
	subject string
}

func NewNATSPublisher(logger *zap.Logger, url, subject string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("tgctl-export"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	logger.Info("connected to nats", zap.String("url", url), zap.String("subject", subject))
	return &NATSPublisher{logger: logger, conn: nc, nc: nc, subject: subject}, nil
}

func (p *NATSPublisher) Name() string { return "nats" }

func (p *NATSPublisher) Export(_ context.Context, at time.Time, st telemetry.Statistics) error {
	data, err := EncodeStatistics(at, st)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish statistics: %w", err)
	}
	return nil
}

func (p *NATSPublisher) Close(_ context.Context) error {
	if p.nc == nil {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		return fmt.Errorf("failed to drain nats: %w", err)
	}
	return nil
}

// EncodeStatistics converts st into a Struct with an added "timestamp"
// (RFC 3339) field.
func EncodeStatistics(at time.Time, st telemetry.Statistics) ([]byte, error) {
	b, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal statistics: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal statistics: %w", err)
	}
	m["timestamp"] = at.UTC().Format(time.RFC3339Nano)

	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("failed to build struct: %w", err)
	}
	data, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode statistics: %w", err)
	}
	return data, nil
}
