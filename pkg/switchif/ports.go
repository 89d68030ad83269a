package switchif

import "sort"

// RecircPorts are the two loop-back ports serving a front panel port.
// Generated traffic leaves through TxRecirc, received traffic is steered to
// RxRecirc for measurement.
type RecircPorts struct {
	TxRecirc uint32 `json:"tx_recirc" yaml:"tx_recirc"`
	RxRecirc uint32 `json:"rx_recirc" yaml:"rx_recirc"`
}

// PortMapping maps front panel device ports to their recirculation ports.
type PortMapping map[uint32]RecircPorts

// Ports returns the front panel ports in ascending order.
func (m PortMapping) Ports() []uint32 {
	ports := make([]uint32, 0, len(m))
	for p := range m {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

// ByTxRecirc returns the front panel port whose tx recirculation port is port.
func (m PortMapping) ByTxRecirc(port uint32) (uint32, bool) {
	for p, r := range m {
		if r.TxRecirc == port {
			return p, true
		}
	}
	return 0, false
}

// ByRxRecirc returns the front panel port whose rx recirculation port is port.
func (m PortMapping) ByRxRecirc(port uint32) (uint32, bool) {
	for p, r := range m {
		if r.RxRecirc == port {
			return p, true
		}
	}
	return 0, false
}

// TxRecircPorts returns the tx recirculation ports in front port order.
func (m PortMapping) TxRecircPorts() []uint32 {
	out := make([]uint32, 0, len(m))
	for _, p := range m.Ports() {
		out = append(out, m[p].TxRecirc)
	}
	return out
}
