package switchif

// Data plane object names of the traffic generator program.
const (
	TableIsEgress        = "egress.is_egress"
	TableIsTxRecirc      = "egress.is_tx_recirc"
	TableForward         = "ingress.p4tg.forward"
	TableStreamForward   = "ingress.p4tg.tg_forward"
	TableHeaderReplace   = "egress.header_replace.header_replace"
	TableMonitorInit     = "egress.monitor_init"
	TableMonitorForward  = "ingress.p4tg.monitor_forward"
	TableMonitorStream   = "egress.monitor_stream"
	TableIsIngress       = "ingress.p4tg.is_ingress"
	TableFrameSize       = "egress.frame_size_monitor"
	TableFrameType       = "ingress.p4tg.frame_type.frame_type_monitor"
	MeterIATDigestRate   = "ingress.p4tg.iat.digest_rate"
	MeterRTTDigestRate   = "ingress.p4tg.rtt.digest_rate"
	ActionPortForward    = "ingress.p4tg.port_forward"
	ActionMcForward      = "ingress.p4tg.mc_forward"
	ActionDigestForward  = "ingress.p4tg.make_digest_and_forward"
	ActionInitMonitor    = "egress.init_monitor_header"
	ActionMonitorStream  = "egress.monitor_stream_rate"
	ActionRewrite        = "egress.header_replace.rewrite"
	ActionSetTx          = "egress.set_tx"
	ActionEgressNoAction = "egress.no_action"
	ActionEgressNop      = "egress.nop"
	ActionIngressNop     = "ingress.p4tg.nop"
	ActionMulticast      = "ingress.p4tg.frame_type.multicast"
	ActionBroadcast      = "ingress.p4tg.frame_type.broadcast"
	ActionUnicast        = "ingress.p4tg.frame_type.unicast"
)

// Match field names.
const (
	FieldIngressPort  = "ig_intr_md.ingress_port"
	FieldEgressPort   = "eg_intr_md.egress_port"
	FieldMonitorIndex = "hdr.monitor.index"
	FieldPathAppID    = "hdr.path.app_id"
	FieldPathDstPort  = "hdr.path.dst_port"
	FieldPktGenAppID  = "hdr.pkt_gen.app_id"
	FieldRandValue    = "ig_md.rand_value"
	FieldPktLen       = "pkt_len"
	FieldIPv4Dst      = "hdr.ipv4.dst_addr"
)

// Registers cleared between runs.
var (
	CounterRegisters = []string{
		"egress.tx_seq",
		"ingress.p4tg.rx_seq",
		"ingress.p4tg.lost_packets.reg_lo",
		"ingress.p4tg.lost_packets.reg_lo_carry",
		"ingress.p4tg.lost_packets.reg_hi",
		"ingress.p4tg.out_of_order.reg_lo",
		"ingress.p4tg.out_of_order.reg_lo_carry",
		"ingress.p4tg.out_of_order.reg_hi",
		"egress.rate_l1.reg_lo",
		"egress.rate_l1.reg_lo_carry",
		"egress.rate_l1.reg_hi",
		"egress.rate_l2.reg_lo",
		"egress.rate_l2.reg_lo_carry",
		"egress.rate_l2.reg_hi",
		"egress.app.reg_lo",
		"egress.app.reg_lo_carry",
		"egress.app.reg_hi",
	}
	IATRegisters = []string{
		"ingress.p4tg.iat.lower_last_rx",
		"ingress.p4tg.iat.higher_last_rx",
	}
)

// Digest identifiers of the learn filters.
const (
	DigestMonitor uint32 = 2387752937
	DigestIAT     uint32 = 2388474472
	DigestRTT     uint32 = 2394318618
)
