// Package frame builds the template frames loaded into the packet generator
// buffer. Addresses are placeholders: the egress pipeline rewrites them per
// port from the stream settings.
package frame

import (
	"context"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	StreamSourcePort      = 50081
	StreamDestinationPort = 50083

	// FCSLen is appended by the MAC and not part of the buffer.
	FCSLen = 4
	// MonitorFrameSize is the length of the monitoring packet.
	MonitorFrameSize = 64

	streamHeaderLen = 14 + 20 + 8 + P4TGHeaderLen
)

var (
	streamSourceIP      = net.IPv4(10, 0, 5, 3)
	streamDestinationIP = net.IPv4(127, 0, 0, 1)

	monitorSourceMAC      = net.HardwareAddr{0x98, 0x03, 0x9b, 0x84, 0xaa, 0xce}
	monitorDestinationMAC = net.HardwareAddr{0x98, 0x03, 0x9b, 0x84, 0xaa, 0xcf}
)

// PayloadSource fills the bytes after the protocol headers.
type PayloadSource interface {
	Payload(ctx context.Context, appID uint8, length int) ([]byte, error)
}

// PatternPayload repeats a byte counter, the default payload.
type PatternPayload struct{}

func (PatternPayload) Payload(_ context.Context, _ uint8, length int) ([]byte, error) {
	b := make([]byte, length)
	for i := range b {
		b[i] = byte(i)
	}
	return b, nil
}

type Option func(*Builder)

func WithPayloadSource(p PayloadSource) Option {
	return func(b *Builder) { b.payload = p }
}

// Builder produces stream and monitoring frames.
type Builder struct {
	payload PayloadSource
}

func NewBuilder(opts ...Option) *Builder {
	b := &Builder{payload: PatternPayload{}}
	for _, o := range opts {
		o(b)
	}
	return b
}

// StreamFrame returns the generator template for appID. The result is
// frameSize minus the FCS long.
func (b *Builder) StreamFrame(ctx context.Context, appID uint8, frameSize uint32) ([]byte, error) {
	remaining := int(frameSize) - streamHeaderLen - FCSLen
	if remaining < 0 {
		return nil, fmt.Errorf("frame size %d below stream header length %d", frameSize, streamHeaderLen+FCSLen)
	}
	payload, err := b.payload.Payload(ctx, appID, remaining)
	if err != nil {
		return nil, fmt.Errorf("failed to build payload for app %d: %w", appID, err)
	}
	if len(payload) != remaining {
		return nil, fmt.Errorf("payload source returned %d bytes, want %d", len(payload), remaining)
	}

	ip4 := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       1,
		SrcIP:    streamSourceIP,
		DstIP:    streamDestinationIP,
		Protocol: layers.IPProtocolUDP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(StreamSourcePort),
		DstPort: layers.UDPPort(StreamDestinationPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip4); err != nil {
		return nil, fmt.Errorf("failed to set network layer for checksum: %w", err)
	}

	return Build(
		&layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 0},
			DstMAC:       net.HardwareAddr{0, 0, 0, 0, 0, 0},
			EthernetType: layers.EthernetTypeIPv4,
		},
		ip4,
		udp,
		&P4TG{AppID: appID},
		gopacket.Payload(payload),
	)
}

// MonitorFrame returns the periodic monitoring packet, an empty counter
// snapshot padded to MonitorFrameSize.
func (b *Builder) MonitorFrame(ctx context.Context) ([]byte, error) {
	remaining := MonitorFrameSize - 14 - MonitorHeaderLen
	payload, err := b.payload.Payload(ctx, 0, remaining)
	if err != nil {
		return nil, fmt.Errorf("failed to build monitor payload: %w", err)
	}
	return Build(
		&layers.Ethernet{
			SrcMAC:       monitorSourceMAC,
			DstMAC:       monitorDestinationMAC,
			EthernetType: EthernetTypeMonitor,
		},
		&Monitor{},
		gopacket.Payload(payload),
	)
}

// Build serializes ls with computed lengths and checksums. A computed UDP
// checksum of zero is sent as 0xFFFF.
func Build(ls ...gopacket.SerializableLayer) ([]byte, error) {
	wrapped := make([]gopacket.SerializableLayer, len(ls))
	for i, l := range ls {
		if udp, ok := l.(*layers.UDP); ok {
			wrapped[i] = nonZeroUDP{udp}
			continue
		}
		wrapped[i] = l
	}

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		wrapped...)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize packet: %w", err)
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

// nonZeroUDP patches the checksum right after the UDP header was prepended,
// while the header still sits at the front of the buffer.
type nonZeroUDP struct {
	*layers.UDP
}

func (u nonZeroUDP) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if err := u.UDP.SerializeTo(b, opts); err != nil {
		return err
	}
	if !opts.ComputeChecksums {
		return nil
	}
	hdr := b.Bytes()
	if hdr[6] == 0 && hdr[7] == 0 {
		hdr[6], hdr[7] = 0xff, 0xff
		u.Checksum = 0xffff
	}
	return nil
}

// Checksum is the 16 bit one's complement of the one's complement sum of
// data, starting from initial.
func Checksum(data []byte, initial uint32) uint16 {
	sum := initial
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

// PseudoHeaderSum is the partial sum of the IPv4 pseudo header for a
// transport segment of length bytes.
func PseudoHeaderSum(src, dst net.IP, proto layers.IPProtocol, length int) uint32 {
	s, d := src.To4(), dst.To4()
	var sum uint32
	sum += uint32(s[0])<<8 | uint32(s[1])
	sum += uint32(s[2])<<8 | uint32(s[3])
	sum += uint32(d[0])<<8 | uint32(d[1])
	sum += uint32(d[2])<<8 | uint32(d[3])
	sum += uint32(proto)
	sum += uint32(length)
	return sum
}
