package plugin

import (
	"context"
	"encoding/json"
	"fmt"
)

// PayloadSource fills generator frame payloads from a loaded plugin. The
// plugin answers a JSON PayloadRequest with the raw payload bytes.
type PayloadSource struct {
	manager *Manager
	name    string
}

func NewPayloadSource(m *Manager, name string) *PayloadSource {
	return &PayloadSource{manager: m, name: name}
}

func (s *PayloadSource) Payload(ctx context.Context, appID uint8, length int) ([]byte, error) {
	in, err := json.Marshal(PayloadRequest{AppID: appID, Length: length})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input: %w", err)
	}
	out, err := s.manager.CallPlugin(ctx, s.name, in)
	if err != nil {
		return nil, fmt.Errorf("failed to call plugin %s: %w", s.name, err)
	}
	if len(out) != length {
		return nil, fmt.Errorf("plugin %s returned %d bytes, want %d", s.name, len(out), length)
	}
	return out, nil
}
