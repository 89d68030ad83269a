package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	// P4TGHeaderLen is sequence (4), tx timestamp (6) and app id (1).
	P4TGHeaderLen = 11
	// MonitorHeaderLen is the counter snapshot carried by monitoring packets
	// and reported back in monitor digests.
	MonitorHeaderLen = 44

	// EthernetTypeMonitor marks monitoring packets.
	EthernetTypeMonitor layers.EthernetType = 0xBB02

	monitorIndexBits = 15
	monitorIndexMask = 1<<monitorIndexBits - 1
	monitorPortMask  = 1<<9 - 1
)

var (
	LayerTypeP4TG = gopacket.RegisterLayerType(2301, gopacket.LayerTypeMetadata{
		Name:    "P4TG",
		Decoder: gopacket.DecodeFunc(decodeP4TG),
	})
	LayerTypeMonitor = gopacket.RegisterLayerType(2302, gopacket.LayerTypeMetadata{
		Name:    "Monitor",
		Decoder: gopacket.DecodeFunc(decodeMonitor),
	})
)

// P4TG is the generator header following the UDP header of generated traffic.
type P4TG struct {
	layers.BaseLayer
	Sequence    uint32
	TxTimestamp uint64 // 48 bit
	AppID       uint8
}

func (p *P4TG) LayerType() gopacket.LayerType     { return LayerTypeP4TG }
func (p *P4TG) CanDecode() gopacket.LayerClass    { return LayerTypeP4TG }
func (p *P4TG) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

func (p *P4TG) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < P4TGHeaderLen {
		df.SetTruncated()
		return fmt.Errorf("P4TG header too short: %d bytes", len(data))
	}
	p.Sequence = binary.BigEndian.Uint32(data[0:4])
	p.TxTimestamp = getUint48(data[4:10])
	p.AppID = data[10]
	p.BaseLayer = layers.BaseLayer{Contents: data[:P4TGHeaderLen], Payload: data[P4TGHeaderLen:]}
	return nil
}

func (p *P4TG) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(P4TGHeaderLen)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint32(bytes[0:4], p.Sequence)
	putUint48(bytes[4:10], p.TxTimestamp)
	bytes[10] = p.AppID
	return nil
}

func decodeP4TG(data []byte, pb gopacket.PacketBuilder) error {
	p := &P4TG{}
	if err := p.DecodeFromBytes(data, pb); err != nil {
		return err
	}
	pb.AddLayer(p)
	return pb.NextDecoder(p.NextLayerType())
}

// Monitor is the counter snapshot header. Port and Index share three bytes,
// port in the upper 9 bits.
type Monitor struct {
	layers.BaseLayer
	Timestamp     uint64 // 48 bit, ns
	ByteCounterL1 uint64
	ByteCounterL2 uint64
	PacketLoss    uint64
	AppCounter    uint64 // 48 bit
	OutOfOrder    uint64 // 40 bit
	Port          uint16
	Index         uint16
}

func (m *Monitor) LayerType() gopacket.LayerType     { return LayerTypeMonitor }
func (m *Monitor) CanDecode() gopacket.LayerClass    { return LayerTypeMonitor }
func (m *Monitor) NextLayerType() gopacket.LayerType { return gopacket.LayerTypePayload }

func (m *Monitor) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < MonitorHeaderLen {
		df.SetTruncated()
		return fmt.Errorf("monitor header too short: %d bytes", len(data))
	}
	m.Timestamp = getUint48(data[0:6])
	m.ByteCounterL1 = binary.BigEndian.Uint64(data[6:14])
	m.ByteCounterL2 = binary.BigEndian.Uint64(data[14:22])
	m.PacketLoss = binary.BigEndian.Uint64(data[22:30])
	m.AppCounter = getUint48(data[30:36])
	m.OutOfOrder = getUint40(data[36:41])
	portIndex := uint32(data[41])<<16 | uint32(data[42])<<8 | uint32(data[43])
	m.Port = uint16(portIndex >> monitorIndexBits & monitorPortMask)
	m.Index = uint16(portIndex & monitorIndexMask)
	m.BaseLayer = layers.BaseLayer{Contents: data[:MonitorHeaderLen], Payload: data[MonitorHeaderLen:]}
	return nil
}

func (m *Monitor) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	bytes, err := b.PrependBytes(MonitorHeaderLen)
	if err != nil {
		return err
	}
	putUint48(bytes[0:6], m.Timestamp)
	binary.BigEndian.PutUint64(bytes[6:14], m.ByteCounterL1)
	binary.BigEndian.PutUint64(bytes[14:22], m.ByteCounterL2)
	binary.BigEndian.PutUint64(bytes[22:30], m.PacketLoss)
	putUint48(bytes[30:36], m.AppCounter)
	putUint40(bytes[36:41], m.OutOfOrder)
	portIndex := uint32(m.Port&monitorPortMask)<<monitorIndexBits | uint32(m.Index&monitorIndexMask)
	bytes[41] = byte(portIndex >> 16)
	bytes[42] = byte(portIndex >> 8)
	bytes[43] = byte(portIndex)
	return nil
}

func decodeMonitor(data []byte, pb gopacket.PacketBuilder) error {
	m := &Monitor{}
	if err := m.DecodeFromBytes(data, pb); err != nil {
		return err
	}
	pb.AddLayer(m)
	return pb.NextDecoder(m.NextLayerType())
}

func putUint48(b []byte, v uint64) {
	for i := 0; i < 6; i++ {
		b[5-i] = byte(v >> (8 * i))
	}
}

func getUint48(b []byte) uint64 {
	var v uint64
	for i := 0; i < 6; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putUint40(b []byte, v uint64) {
	for i := 0; i < 5; i++ {
		b[4-i] = byte(v >> (8 * i))
	}
}

func getUint40(b []byte) uint64 {
	var v uint64
	for i := 0; i < 5; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
