package switchif

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// digest id prefix on the wire
const rawDigestHeaderLen = 4

// EncodeRawDigest frames a digest for transport: big endian digest id
// followed by the learn filter payload.
func EncodeRawDigest(d RawDigest) []byte {
	b := make([]byte, rawDigestHeaderLen+len(d.Data))
	binary.BigEndian.PutUint32(b, d.ID)
	copy(b[rawDigestHeaderLen:], d.Data)
	return b
}

// DecodeRawDigest is the inverse of EncodeRawDigest.
func DecodeRawDigest(b []byte) (RawDigest, error) {
	if len(b) < rawDigestHeaderLen {
		return RawDigest{}, fmt.Errorf("digest frame too short: %d bytes", len(b))
	}
	return RawDigest{
		ID:   binary.BigEndian.Uint32(b),
		Data: append([]byte(nil), b[rawDigestHeaderLen:]...),
	}, nil
}

// NATSDigestSource receives digests relayed by the switch agent over NATS.
type NATSDigestSource struct {
	logger  *zap.Logger
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
}

// NewNATSDigestSource connects to url and subscribes synchronously to subject.
func NewNATSDigestSource(logger *zap.Logger, url, subject string) (*NATSDigestSource, error) {
	nc, err := nats.Connect(url, nats.Name("tgctl-digest"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	sub, err := nc.SubscribeSync(subject)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	logger.Info("subscribed to digest subject", zap.String("url", url), zap.String("subject", subject))
	return &NATSDigestSource{logger: logger, nc: nc, sub: sub, subject: subject}, nil
}

func (s *NATSDigestSource) ReceiveDigest(timeout time.Duration) (RawDigest, error) {
	msg, err := s.sub.NextMsg(timeout)
	switch {
	case errors.Is(err, nats.ErrTimeout):
		return RawDigest{}, ErrDigestTimeout
	case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrBadSubscription):
		return RawDigest{}, ErrClosed
	case err != nil:
		return RawDigest{}, fmt.Errorf("failed to receive digest: %w", err)
	}
	return DecodeRawDigest(msg.Data)
}

// Close unsubscribes and closes the connection.
func (s *NATSDigestSource) Close(_ context.Context) error {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			s.logger.Warn("failed to unsubscribe", zap.String("subject", s.subject), zap.Error(err))
		}
	}
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}

// PublishDigest relays a digest on subject. It is the counterpart used by the
// switch side agent.
func PublishDigest(nc *nats.Conn, subject string, d RawDigest) error {
	return nc.Publish(subject, EncodeRawDigest(d))
}
