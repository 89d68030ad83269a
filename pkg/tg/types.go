package tg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

var (
	ErrAlreadyRunning  = errors.New("traffic generation already running")
	ErrNotRunning      = errors.New("traffic generation not running")
	ErrUnsupportedMode = errors.New("mode supports only a single stream")
	ErrInvalidStream   = errors.New("invalid stream definition")
	ErrBufferExhausted = errors.New("packet buffer exhausted")
)

// Mode is the traffic shape of a generation request.
type Mode string

const (
	ModeCBR     Mode = "CBR"
	ModeMpps    Mode = "Mpps"
	ModePoisson Mode = "Poisson"
	// ModeMonitor forwards and measures external traffic, nothing is generated.
	ModeMonitor Mode = "Monitor"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeCBR, ModeMpps, ModePoisson, ModeMonitor:
		return true
	}
	return false
}

// Stream is a logical stream bound to a generator app.
type Stream struct {
	StreamID    uint32  `json:"stream_id"`
	AppID       uint8   `json:"app_id"`
	FrameSize   uint32  `json:"frame_size"`
	TrafficRate float64 `json:"traffic_rate"` // Gbit/s, Mpps in ModeMpps
	Burst       uint16  `json:"burst"`
	// Pipes forces 1 or 2 generator pipes, 0 selects by aggregate rate.
	Pipes int `json:"pipes,omitempty"`
	// Active is set by Configure: the stream resolved to at least one port.
	Active bool `json:"active"`
}

// StreamSetting enables a stream on a front panel port and carries the
// header fields rewritten on egress.
type StreamSetting struct {
	Port      uint32 `json:"port"`
	StreamID  uint32 `json:"stream_id"`
	EthSrc    string `json:"eth_src"`
	EthDst    string `json:"eth_dst"`
	IPSrc     string `json:"ip_src"`
	IPDst     string `json:"ip_dst"`
	IPSrcMask string `json:"ip_src_mask"`
	IPDstMask string `json:"ip_dst_mask"`
	IPTos     uint8  `json:"ip_tos"`
	Active    bool   `json:"active"`
}

// rewriteParams converts the setting to header_replace action parameters.
func (s StreamSetting) rewriteParams() (map[string]uint64, error) {
	srcMAC, err := macToUint(s.EthSrc)
	if err != nil {
		return nil, err
	}
	dstMAC, err := macToUint(s.EthDst)
	if err != nil {
		return nil, err
	}
	params := map[string]uint64{
		"src_mac": srcMAC,
		"dst_mac": dstMAC,
		"tos":     uint64(s.IPTos),
	}
	for name, addr := range map[string]string{
		"s_ip":   s.IPSrc,
		"d_ip":   s.IPDst,
		"s_mask": s.IPSrcMask,
		"d_mask": s.IPDstMask,
	} {
		v, err := ipToUint(addr)
		if err != nil {
			return nil, err
		}
		params[name] = uint64(v)
	}
	return params, nil
}

// Request is a start traffic generation request. TxRxMapping maps a sending
// front panel port to the port its traffic returns on, used in ModeMonitor.
type Request struct {
	Mode        Mode            `json:"mode"`
	Streams     []Stream        `json:"streams"`
	Settings    []StreamSetting `json:"stream_settings"`
	TxRxMapping TxRxMapping     `json:"port_tx_rx_mapping"`
}

// TxRxMapping accepts port numbers or numeric strings as values. An empty
// string means the port has no return port and is left out.
type TxRxMapping map[uint32]uint32

func (m *TxRxMapping) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(TxRxMapping, len(raw))
	for k, v := range raw {
		tx, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid tx port %q: %w", k, err)
		}
		var rx uint32
		if err := json.Unmarshal(v, &rx); err != nil {
			var str string
			if serr := json.Unmarshal(v, &str); serr != nil {
				return fmt.Errorf("invalid rx port for %d: %s", tx, v)
			}
			if str == "" {
				continue
			}
			n, perr := strconv.ParseUint(str, 10, 32)
			if perr != nil {
				return fmt.Errorf("invalid rx port %q for %d: %w", str, tx, perr)
			}
			rx = uint32(n)
		}
		out[uint32(tx)] = rx
	}
	*m = out
	return nil
}

// GeneratorProgram is what was installed for one generator app.
type GeneratorProgram struct {
	AppID        uint8    `json:"app_id"`
	Packet       []byte   `json:"-"`
	Length       uint32   `json:"length"`
	BufferOffset uint32   `json:"buffer_offset"`
	RepeatCount  uint16   `json:"repeat_count"`
	TimerNanos   uint32   `json:"timer_ns"`
	Pipes        []uint32 `json:"pipes"`
	Factor       uint32   `json:"factor"`
	Packets      uint16   `json:"n_packets"`
	Timeout      uint32   `json:"timeout"`
	RateGbps     float64  `json:"rate"`
	RandLow      uint16   `json:"rand_low"`
	RandHigh     uint16   `json:"rand_high"`
	Probability  float64  `json:"p,omitempty"`
}

// Configuration is the retained snapshot of a running generation.
type Configuration struct {
	Mode          Mode               `json:"mode"`
	Streams       []Stream           `json:"streams"`
	Settings      []StreamSetting    `json:"stream_settings"`
	TxRxMapping   map[uint32]uint32  `json:"port_tx_rx_mapping"`
	StreamToMc    map[uint8]uint16   `json:"stream_to_mc"`
	StreamToPorts map[uint8][]uint32 `json:"stream_to_ports"`
	Programs      []GeneratorProgram `json:"programs"`
	OverallRate   float64            `json:"overall_rate"`
	StartedAt     time.Time          `json:"started_at"`
}

func (c *Configuration) clone() *Configuration {
	if c == nil {
		return nil
	}
	out := *c
	out.Streams = append([]Stream(nil), c.Streams...)
	out.Settings = append([]StreamSetting(nil), c.Settings...)
	out.TxRxMapping = make(map[uint32]uint32, len(c.TxRxMapping))
	for k, v := range c.TxRxMapping {
		out.TxRxMapping[k] = v
	}
	out.StreamToMc = make(map[uint8]uint16, len(c.StreamToMc))
	for k, v := range c.StreamToMc {
		out.StreamToMc[k] = v
	}
	out.StreamToPorts = make(map[uint8][]uint32, len(c.StreamToPorts))
	for k, v := range c.StreamToPorts {
		out.StreamToPorts[k] = append([]uint32(nil), v...)
	}
	out.Programs = make([]GeneratorProgram, len(c.Programs))
	for i, p := range c.Programs {
		p.Packet = append([]byte(nil), p.Packet...)
		p.Pipes = append([]uint32(nil), p.Pipes...)
		out.Programs[i] = p
	}
	return &out
}

// State of the scheduler.
type State int32

const (
	StateIdle State = iota
	StateConfiguring
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Hook is a lifecycle handler registered with OnStart, OnStop or OnReset.
type Hook func(ctx context.Context) error

func macToUint(s string) (uint64, error) {
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return 0, fmt.Errorf("%w: bad mac address %q", ErrInvalidStream, s)
	}
	var v uint64
	for _, b := range hw {
		v = v<<8 | uint64(b)
	}
	return v, nil
}

func ipToUint(s string) (uint32, error) {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return 0, fmt.Errorf("%w: bad ipv4 address %q", ErrInvalidStream, s)
	}
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3]), nil
}
