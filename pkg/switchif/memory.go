package switchif

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// AppState is the packet generator application as programmed.
type AppState struct {
	Config  AppConfig
	Enabled bool
}

// MemorySwitch is a Device and DigestSource kept entirely in memory. It backs
// the simulation mode and every hardware facing test.
type MemorySwitch struct {
	mu        sync.Mutex
	tables    map[string]map[string]Entry
	registers map[string]map[uint32]uint64
	resets    map[string]int
	meters    map[string]map[uint32]MeterSpec
	buffer    map[uint32][]byte
	apps      map[uint8]AppState
	ports     map[uint32]bool
	groups    map[uint16][]uint32
	failures  map[string]error

	digests   chan RawDigest
	closeOnce sync.Once
	closed    chan struct{}
}

func NewMemorySwitch() *MemorySwitch {
	return &MemorySwitch{
		tables:    make(map[string]map[string]Entry),
		registers: make(map[string]map[uint32]uint64),
		resets:    make(map[string]int),
		meters:    make(map[string]map[uint32]MeterSpec),
		buffer:    make(map[uint32][]byte),
		apps:      make(map[uint8]AppState),
		ports:     make(map[uint32]bool),
		groups:    make(map[uint16][]uint32),
		failures:  make(map[string]error),
		digests:   make(chan RawDigest, 4096),
		closed:    make(chan struct{}),
	}
}

// FailTable makes every later write to table return err. A nil err clears it.
func (s *MemorySwitch) FailTable(table string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, table)
		return
	}
	s.failures[table] = err
}

func (s *MemorySwitch) AddEntry(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[e.Table]; err != nil {
		return err
	}
	t := s.table(e.Table)
	key := e.Match.Key()
	if _, ok := t[key]; ok {
		return fmt.Errorf("%s[%s]: %w", e.Table, key, ErrEntryExists)
	}
	t[key] = cloneEntry(e)
	return nil
}

func (s *MemorySwitch) ModifyEntry(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[e.Table]; err != nil {
		return err
	}
	t := s.table(e.Table)
	key := e.Match.Key()
	old, ok := t[key]
	if !ok {
		return fmt.Errorf("%s[%s]: %w", e.Table, key, ErrEntryNotFound)
	}
	e = cloneEntry(e)
	e.Packets, e.Bytes = old.Packets, old.Bytes
	t[key] = e
	return nil
}

func (s *MemorySwitch) RemoveEntry(_ context.Context, table string, match Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[table]; err != nil {
		return err
	}
	t := s.table(table)
	key := match.Key()
	if _, ok := t[key]; !ok {
		return fmt.Errorf("%s[%s]: %w", table, key, ErrEntryNotFound)
	}
	delete(t, key)
	return nil
}

func (s *MemorySwitch) ClearTable(_ context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[table]; err != nil {
		return err
	}
	delete(s.tables, table)
	return nil
}

// Entries returns the entries of table ordered by their match key.
func (s *MemorySwitch) Entries(_ context.Context, table string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tables[table]
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, cloneEntry(t[k]))
	}
	return out, nil
}

func (s *MemorySwitch) SyncCounters(_ context.Context, _ string) error { return nil }

// SetCounter sets the direct counter of an installed entry.
func (s *MemorySwitch) SetCounter(table string, match Match, packets uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	key := match.Key()
	e, ok := t[key]
	if !ok {
		return fmt.Errorf("%s[%s]: %w", table, key, ErrEntryNotFound)
	}
	e.Packets = packets
	t[key] = e
	return nil
}

func (s *MemorySwitch) ResetRegister(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.registers, name)
	s.resets[name]++
	return nil
}

func (s *MemorySwitch) ReadRegister(_ context.Context, name string, index uint32) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registers[name][index], nil
}

// SetRegister writes a register cell.
func (s *MemorySwitch) SetRegister(name string, index uint32, value uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.registers[name]
	if !ok {
		r = make(map[uint32]uint64)
		s.registers[name] = r
	}
	r[index] = value
}

// RegisterResets reports how often name was reset.
func (s *MemorySwitch) RegisterResets(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets[name]
}

func (s *MemorySwitch) ConfigureMeter(_ context.Context, table string, index uint32, spec MeterSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[table]; err != nil {
		return err
	}
	m, ok := s.meters[table]
	if !ok {
		m = make(map[uint32]MeterSpec)
		s.meters[table] = m
	}
	m[index] = spec
	return nil
}

// Meters returns the number of configured cells of a meter table.
func (s *MemorySwitch) Meters(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.meters[table])
}

func (s *MemorySwitch) EnablePort(_ context.Context, port uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports[port] = true
	return nil
}

// PortEnabled reports whether packet generation is enabled on port.
func (s *MemorySwitch) PortEnabled(port uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ports[port]
}

func (s *MemorySwitch) WritePacketBuffer(_ context.Context, offset uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer[offset] = append([]byte(nil), data...)
	return nil
}

// PacketBuffer returns the bytes written at offset.
func (s *MemorySwitch) PacketBuffer(offset uint32) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffer[offset]
	return append([]byte(nil), b...), ok
}

func (s *MemorySwitch) ConfigureApp(_ context.Context, appID uint8, cfg AppConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	app := s.apps[appID]
	app.Config = cfg
	s.apps[appID] = app
	return nil
}

func (s *MemorySwitch) EnableApp(_ context.Context, appID uint8) error {
	return s.setApp(appID, true)
}

func (s *MemorySwitch) DisableApp(_ context.Context, appID uint8) error {
	return s.setApp(appID, false)
}

func (s *MemorySwitch) setApp(appID uint8, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	app := s.apps[appID]
	app.Enabled = enabled
	s.apps[appID] = app
	return nil
}

// App returns the generator application state of appID.
func (s *MemorySwitch) App(appID uint8) AppState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apps[appID]
}

func (s *MemorySwitch) CreateGroup(_ context.Context, groupID uint16, ports []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[groupID]; ok {
		return fmt.Errorf("multicast group %d: %w", groupID, ErrEntryExists)
	}
	s.groups[groupID] = append([]uint32(nil), ports...)
	return nil
}

func (s *MemorySwitch) DestroyGroup(_ context.Context, groupID uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[groupID]; !ok {
		return fmt.Errorf("multicast group %d: %w", groupID, ErrEntryNotFound)
	}
	delete(s.groups, groupID)
	return nil
}

// Group returns the member ports of a multicast group.
func (s *MemorySwitch) Group(groupID uint16) ([]uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ports, ok := s.groups[groupID]
	return append([]uint32(nil), ports...), ok
}

// InjectDigest queues a digest for ReceiveDigest. It never blocks; when the
// queue is full the digest is dropped, as a device would.
func (s *MemorySwitch) InjectDigest(d RawDigest) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.digests <- d:
		return true
	default:
		return false
	}
}

func (s *MemorySwitch) ReceiveDigest(timeout time.Duration) (RawDigest, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case d := <-s.digests:
		return d, nil
	case <-s.closed:
		return RawDigest{}, ErrClosed
	case <-timer.C:
		return RawDigest{}, ErrDigestTimeout
	}
}

// Close stops digest delivery.
func (s *MemorySwitch) Close(_ context.Context) error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *MemorySwitch) table(name string) map[string]Entry {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[string]Entry)
		s.tables[name] = t
	}
	return t
}

func cloneEntry(e Entry) Entry {
	m := make(Match, len(e.Match))
	for k, v := range e.Match {
		m[k] = v
	}
	e.Match = m
	if e.Params != nil {
		p := make(map[string]uint64, len(e.Params))
		for k, v := range e.Params {
			p[k] = v
		}
		e.Params = p
	}
	return e
}
