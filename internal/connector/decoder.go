package connector

import (
	"encoding/binary"
	"errors"
	"fmt"
	"syscall"

	"github.com/procwatch-io/procwatch/internal/common"
)

// ErrMalformedFrame means a frame failed envelope validation. Malformed
// frames are logged and skipped by the caller; they never stop the loop.
var ErrMalformedFrame = errors.New("malformed process events frame")

// DecodeFrame splits one received frame into its netlink messages and
// decodes each connector payload into a lifecycle event. Messages that fail
// validation are reported through the joined error; well-formed messages in
// the same frame are still returned.
func DecodeFrame(frame []byte) ([]common.LifecycleEvent, error) {
	msgs, err := syscall.ParseNetlinkMessage(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var (
		events []common.LifecycleEvent
		errs   error
	)
	for _, msg := range msgs {
		// Connector events are delivered as NLMSG_DONE; control types
		// (NLMSG_NOOP, NLMSG_ERROR, ...) carry no proc event.
		if msg.Header.Type != syscall.NLMSG_DONE {
			continue
		}
		ev, err := decodeConnectorMessage(msg.Data)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		events = append(events, ev)
	}
	return events, errs
}

// decodeConnectorMessage interprets a netlink message body as a cn_msg
// envelope followed by a proc_event payload.
//
// The declared payload length is only ever bounds-checked against the bytes
// actually present; it is never trusted as an offset into the buffer.
func decodeConnectorMessage(body []byte) (common.LifecycleEvent, error) {
	var ev common.LifecycleEvent

	if len(body) < cnMsgHdrLen {
		return ev, fmt.Errorf("%w: connector header truncated (%d bytes)", ErrMalformedFrame, len(body))
	}

	idx := binary.NativeEndian.Uint32(body[0:4])
	val := binary.NativeEndian.Uint32(body[4:8])
	if idx != cnIdxProc || val != cnValProc {
		return ev, fmt.Errorf("%w: unexpected connector id %d:%d", ErrMalformedFrame, idx, val)
	}

	declared := int(binary.NativeEndian.Uint16(body[cnMsgLenOff : cnMsgLenOff+2]))
	if declared > len(body)-cnMsgHdrLen {
		return ev, fmt.Errorf("%w: declared payload length %d exceeds %d available bytes",
			ErrMalformedFrame, declared, len(body)-cnMsgHdrLen)
	}
	payload := body[cnMsgHdrLen : cnMsgHdrLen+declared]

	if len(payload) < 4 {
		return ev, fmt.Errorf("%w: proc event discriminant truncated", ErrMalformedFrame)
	}

	// The discriminant comparison uses only the two wire constants; both
	// pre and post 6.6 header generations put the same values on the wire.
	what := binary.NativeEndian.Uint32(payload[0:4])
	if what != procEventExec && what != procEventExit {
		return ev, nil // EventTypeOther
	}

	if len(payload) < procEventHdrLen+procEventTaskLen {
		return ev, fmt.Errorf("%w: proc event payload truncated (%d bytes)", ErrMalformedFrame, len(payload))
	}

	pid := binary.NativeEndian.Uint32(payload[eventPidOff : eventPidOff+4])
	tgid := binary.NativeEndian.Uint32(payload[eventTgidOff : eventTgidOff+4])
	if pid != tgid {
		// A thread, not a process. The socket filter already drops these;
		// keep the rule here so decoding is correct without it.
		return ev, nil
	}

	ev.PID = int(pid)
	if what == procEventExec {
		ev.Type = common.EventTypeExec
	} else {
		ev.Type = common.EventTypeExit
	}
	return ev, nil
}
