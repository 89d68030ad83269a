// Package switchif describes the hardware facing API the control plane
// programs: match-action tables, registers, meters, the packet generator,
// the multicast engine and the digest channel.
package switchif

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrEntryExists   = errors.New("table entry already exists")
	ErrEntryNotFound = errors.New("table entry not found")
	ErrDigestTimeout = errors.New("digest receive timed out")
	ErrClosed        = errors.New("digest source closed")
)

type MatchKind int

const (
	MatchExact MatchKind = iota
	MatchRange
	MatchLPM
)

// MatchValue is a single key field of a table entry.
type MatchValue struct {
	Kind      MatchKind `json:"kind"`
	Value     uint64    `json:"value"`
	High      uint64    `json:"high,omitempty"`
	PrefixLen uint8     `json:"prefix_len,omitempty"`
}

func Exact(v uint64) MatchValue { return MatchValue{Kind: MatchExact, Value: v} }

func Range(low, high uint64) MatchValue { return MatchValue{Kind: MatchRange, Value: low, High: high} }

func LPM(v uint64, prefixLen uint8) MatchValue {
	return MatchValue{Kind: MatchLPM, Value: v, PrefixLen: prefixLen}
}

func (v MatchValue) String() string {
	switch v.Kind {
	case MatchRange:
		return fmt.Sprintf("%d..%d", v.Value, v.High)
	case MatchLPM:
		return fmt.Sprintf("%d/%d", v.Value, v.PrefixLen)
	default:
		return fmt.Sprintf("%d", v.Value)
	}
}

// Match is the key of a table entry, field name to value.
type Match map[string]MatchValue

// Key returns a canonical representation usable as a map key.
func (m Match) Key() string {
	fields := make([]string, 0, len(m))
	for f := range m {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(f)
		b.WriteByte('=')
		b.WriteString(m[f].String())
	}
	return b.String()
}

// Entry is a match-action table entry. Packets and Bytes carry the direct
// counter values when read back from the device.
type Entry struct {
	Table    string            `json:"table"`
	Match    Match             `json:"match"`
	Priority uint32            `json:"priority,omitempty"`
	Action   string            `json:"action"`
	Params   map[string]uint64 `json:"params,omitempty"`
	Packets  uint64            `json:"packets,omitempty"`
	Bytes    uint64            `json:"bytes,omitempty"`
}

// MeterSpec configures a two rate three color meter cell.
type MeterSpec struct {
	CIRKbps  uint64
	PIRKbps  uint64
	CBSKbits uint64
	PBSKbits uint64
}

// Switch programs tables, registers and meters of the data plane.
type Switch interface {
	AddEntry(ctx context.Context, e Entry) error
	ModifyEntry(ctx context.Context, e Entry) error
	RemoveEntry(ctx context.Context, table string, match Match) error
	ClearTable(ctx context.Context, table string) error
	Entries(ctx context.Context, table string) ([]Entry, error)
	SyncCounters(ctx context.Context, table string) error
	ResetRegister(ctx context.Context, name string) error
	ReadRegister(ctx context.Context, name string, index uint32) (uint64, error)
	ConfigureMeter(ctx context.Context, table string, index uint32, spec MeterSpec) error
}

type TriggerType int

const (
	TriggerTimerOneShot TriggerType = iota
	TriggerTimerPeriodic
)

// AppConfig is a packet generator application. PacketCount is the number of
// packets per trigger minus one.
type AppConfig struct {
	Trigger      TriggerType
	TimerNanos   uint32
	SourcePort   uint16
	PacketCount  uint16
	BufferOffset uint32
	Length       uint32
}

// PacketGenerator drives the on-chip packet generator.
type PacketGenerator interface {
	EnablePort(ctx context.Context, port uint32) error
	WritePacketBuffer(ctx context.Context, offset uint32, data []byte) error
	ConfigureApp(ctx context.Context, appID uint8, cfg AppConfig) error
	EnableApp(ctx context.Context, appID uint8) error
	DisableApp(ctx context.Context, appID uint8) error
}

// MulticastDriver creates and destroys replication groups on the device.
type MulticastDriver interface {
	CreateGroup(ctx context.Context, groupID uint16, ports []uint32) error
	DestroyGroup(ctx context.Context, groupID uint16) error
}

// RawDigest is an undecoded digest as delivered by the device.
type RawDigest struct {
	ID   uint32
	Data []byte
}

// DigestSource delivers digests. ReceiveDigest blocks for at most timeout and
// returns ErrDigestTimeout when nothing arrived, ErrClosed once the source is
// shut down.
type DigestSource interface {
	ReceiveDigest(timeout time.Duration) (RawDigest, error)
}

// Device bundles everything the control plane needs from a switch.
type Device interface {
	Switch
	PacketGenerator
	MulticastDriver
}
