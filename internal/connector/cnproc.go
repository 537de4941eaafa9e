package connector

// Kernel ABI constants and layouts for the process events connector, from
// <linux/connector.h> and <linux/cn_proc.h>.
//
// Linux 6.6 extracted the proc event enumeration out of struct proc_event
// into a standalone type. That changed the names generated from the headers
// but not the wire values, so everything below depends only on the two
// integer discriminants and fixed field offsets, never on the structure
// nesting of either header generation.

const (
	// cnIdxProc / cnValProc identify the process events connector
	// (CN_IDX_PROC, CN_VAL_PROC in struct cb_id).
	cnIdxProc uint32 = 0x1
	cnValProc uint32 = 0x1

	// procCNMcastListen / procCNMcastIgnore are the PROC_CN_MCAST_* ops
	// that start and stop multicast delivery.
	procCNMcastListen uint32 = 1
	procCNMcastIgnore uint32 = 2

	// procEventExec / procEventExit are the proc_event.what discriminants
	// this module recognizes (PROC_EVENT_EXEC, PROC_EVENT_EXIT).
	procEventExec uint32 = 0x00000002
	procEventExit uint32 = 0x80000000
)

// Struct sizes and field offsets, in bytes.
//
//	struct nlmsghdr   { len(4) type(2) flags(2) seq(4) pid(4) }      -> 16
//	struct cn_msg     { idx(4) val(4) seq(4) ack(4) len(2) flags(2)} -> 20
//	struct proc_event { what(4) cpu(4) timestamp_ns(8) event_data }
//
// For exec and exit events the first two event_data fields are
// process_pid(4) and process_tgid(4).
const (
	nlMsgHdrLen = 16
	cnMsgHdrLen = 20

	cnMsgLenOff = 16 // cn_msg.len, the declared payload length

	procEventHdrLen  = 16
	procEventTaskLen = 8

	eventPidOff  = procEventHdrLen
	eventTgidOff = procEventHdrLen + 4
)

// ReceiveBufferSize is the frame buffer size callers should hand to
// Receive. Connector datagrams are tiny (one proc_event each), this leaves
// generous headroom for batched netlink messages.
const ReceiveBufferSize = 8 * 1024
