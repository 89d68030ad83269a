package multicast

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/takehaya/tgctl/pkg/switchif"
	"go.uber.org/zap"
)

// firstGroupID is the first id handed out; lower ids are reserved by the
// data plane program.
const firstGroupID uint16 = 2

// Manager keeps named multicast groups on the device. A name keeps its group
// id for the lifetime of the manager, recreating a group replaces its ports.
type Manager struct {
	logger *zap.Logger
	driver switchif.MulticastDriver

	mu      sync.Mutex
	ids     map[string]uint16
	created map[string]bool
	ports   map[string][]uint32
}

func NewManager(logger *zap.Logger, driver switchif.MulticastDriver) *Manager {
	return &Manager{
		logger:  logger,
		driver:  driver,
		ids:     make(map[string]uint16),
		created: make(map[string]bool),
		ports:   make(map[string][]uint32),
	}
}

// CreateOrReplaceGroup installs a group replicating to ports and returns its id.
func (m *Manager) CreateOrReplaceGroup(ctx context.Context, name string, ports []uint32) (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.ids[name]
	if !ok {
		id = m.nextID()
		m.ids[name] = id
	}

	if m.created[name] {
		if err := m.driver.DestroyGroup(ctx, id); err != nil {
			return 0, fmt.Errorf("failed to destroy multicast group %q (%d): %w", name, id, err)
		}
		m.created[name] = false
	}

	members := append([]uint32(nil), ports...)
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	if err := m.driver.CreateGroup(ctx, id, members); err != nil {
		return 0, fmt.Errorf("failed to create multicast group %q (%d): %w", name, id, err)
	}
	m.created[name] = true
	m.ports[name] = members

	m.logger.Debug("multicast group installed", zap.String("name", name), zap.Uint16("id", id), zap.Uint32s("ports", members))
	return id, nil
}

// DeleteGroup destroys the group and forgets its id. Unknown names are a no-op.
func (m *Manager) DeleteGroup(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.ids[name]
	if !ok {
		return nil
	}
	if m.created[name] {
		if err := m.driver.DestroyGroup(ctx, id); err != nil {
			return fmt.Errorf("failed to destroy multicast group %q (%d): %w", name, id, err)
		}
	}
	delete(m.ids, name)
	delete(m.created, name)
	delete(m.ports, name)
	m.logger.Debug("multicast group deleted", zap.String("name", name), zap.Uint16("id", id))
	return nil
}

// Groups returns name to member ports of all installed groups.
func (m *Manager) Groups() map[string][]uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]uint32, len(m.ports))
	for name, ports := range m.ports {
		out[name] = append([]uint32(nil), ports...)
	}
	return out
}

func (m *Manager) nextID() uint16 {
	next := firstGroupID
	for _, id := range m.ids {
		if id >= next {
			next = id + 1
		}
	}
	return next
}
