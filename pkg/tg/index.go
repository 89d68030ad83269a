package tg

import "github.com/takehaya/tgctl/pkg/switchif"

// MaxAppID is the highest generator app usable by streams. App 0 sends the
// monitoring packet.
const MaxAppID = 8

// IndexEntry identifies the (recirculation port, app) a monitor index tags.
type IndexEntry struct {
	Port  uint32
	AppID uint8
}

// IndexTable holds the monitor indices. It is built once and read only
// afterwards.
type IndexTable struct {
	byKey   map[IndexEntry]uint16
	byIndex map[uint16]IndexEntry
}

// NewIndexTable assigns indices in ascending front port order. For every
// port and app the tx recirculation port gets max+1 and the rx side max+2,
// so a monitoring packet walks tx(app) -> rx(app) -> tx(app+1).
func NewIndexTable(ports switchif.PortMapping) *IndexTable {
	t := &IndexTable{
		byKey:   make(map[IndexEntry]uint16),
		byIndex: make(map[uint16]IndexEntry),
	}
	var last uint16
	for _, p := range ports.Ports() {
		r := ports[p]
		for app := uint8(1); app <= MaxAppID; app++ {
			t.set(IndexEntry{Port: r.TxRecirc, AppID: app}, last+1)
			t.set(IndexEntry{Port: r.RxRecirc, AppID: app}, last+2)
			last += 2
		}
	}
	return t
}

func (t *IndexTable) set(e IndexEntry, idx uint16) {
	t.byKey[e] = idx
	t.byIndex[idx] = e
}

// Index returns the index of (recirculation port, app).
func (t *IndexTable) Index(port uint32, appID uint8) (uint16, bool) {
	idx, ok := t.byKey[IndexEntry{Port: port, AppID: appID}]
	return idx, ok
}

// Lookup is the reverse of Index.
func (t *IndexTable) Lookup(index uint16) (uint32, uint8, bool) {
	e, ok := t.byIndex[index]
	return e.Port, e.AppID, ok
}

func (t *IndexTable) Len() int { return len(t.byKey) }

// Entries returns a copy of all assignments.
func (t *IndexTable) Entries() map[IndexEntry]uint16 {
	out := make(map[IndexEntry]uint16, len(t.byKey))
	for k, v := range t.byKey {
		out[k] = v
	}
	return out
}
