package telemetry

import (
	"encoding/binary"

	"github.com/google/gopacket"
	"github.com/pkg/errors"

	"github.com/takehaya/tgctl/pkg/frame"
	"github.com/takehaya/tgctl/pkg/switchif"
)

var ErrUnknownDigest = errors.New("unknown digest id")

// port (2) + value (8)
const measurementLen = 10

type Kind int

const (
	KindMonitor Kind = iota
	KindIAT
	KindRTT
)

func (k Kind) String() string {
	switch k {
	case KindMonitor:
		return "monitor"
	case KindIAT:
		return "iat"
	case KindRTT:
		return "rtt"
	}
	return "unknown"
}

// Sample is a decoded digest. Only the fields of its Kind are set.
type Sample struct {
	Kind  Kind
	Port  uint16
	Index uint16

	Timestamp     uint64
	ByteCounterL1 uint64
	ByteCounterL2 uint64
	PacketLoss    uint64
	AppCounter    uint64
	OutOfOrder    uint64

	IAT uint64
	RTT uint64
}

// DecodeSample decodes a raw digest by its learn filter id.
func DecodeSample(raw switchif.RawDigest) (Sample, error) {
	switch raw.ID {
	case switchif.DigestMonitor:
		var m frame.Monitor
		if err := m.DecodeFromBytes(raw.Data, gopacket.NilDecodeFeedback); err != nil {
			return Sample{}, errors.Wrap(err, "failed to decode monitor digest")
		}
		return Sample{
			Kind:          KindMonitor,
			Port:          m.Port,
			Index:         m.Index,
			Timestamp:     m.Timestamp,
			ByteCounterL1: m.ByteCounterL1,
			ByteCounterL2: m.ByteCounterL2,
			PacketLoss:    m.PacketLoss,
			AppCounter:    m.AppCounter,
			OutOfOrder:    m.OutOfOrder,
		}, nil
	case switchif.DigestIAT, switchif.DigestRTT:
		if len(raw.Data) < measurementLen {
			return Sample{}, errors.Errorf("measurement digest too short: %d bytes", len(raw.Data))
		}
		s := Sample{Port: binary.BigEndian.Uint16(raw.Data[0:2])}
		v := binary.BigEndian.Uint64(raw.Data[2:10])
		if raw.ID == switchif.DigestIAT {
			s.Kind, s.IAT = KindIAT, v
		} else {
			s.Kind, s.RTT = KindRTT, v
		}
		return s, nil
	}
	return Sample{}, errors.Wrapf(ErrUnknownDigest, "id %d", raw.ID)
}

// EncodeSample produces the digest a device reports for s.
func EncodeSample(s Sample) (switchif.RawDigest, error) {
	switch s.Kind {
	case KindMonitor:
		m := &frame.Monitor{
			Timestamp:     s.Timestamp,
			ByteCounterL1: s.ByteCounterL1,
			ByteCounterL2: s.ByteCounterL2,
			PacketLoss:    s.PacketLoss,
			AppCounter:    s.AppCounter,
			OutOfOrder:    s.OutOfOrder,
			Port:          s.Port,
			Index:         s.Index,
		}
		buf := gopacket.NewSerializeBuffer()
		if err := m.SerializeTo(buf, gopacket.SerializeOptions{}); err != nil {
			return switchif.RawDigest{}, errors.Wrap(err, "failed to encode monitor digest")
		}
		return switchif.RawDigest{ID: switchif.DigestMonitor, Data: buf.Bytes()}, nil
	case KindIAT, KindRTT:
		d := switchif.RawDigest{ID: switchif.DigestIAT, Data: make([]byte, measurementLen)}
		v := s.IAT
		if s.Kind == KindRTT {
			d.ID, v = switchif.DigestRTT, s.RTT
		}
		binary.BigEndian.PutUint16(d.Data[0:2], s.Port)
		binary.BigEndian.PutUint64(d.Data[2:10], v)
		return d, nil
	}
	return switchif.RawDigest{}, errors.Errorf("unknown sample kind %d", s.Kind)
}
