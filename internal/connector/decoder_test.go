package connector

import (
	"encoding/binary"
	"testing"

	"github.com/procwatch-io/procwatch/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// procEventPayload builds a proc_event payload: the 16-byte header (what,
// cpu, timestamp_ns) followed by process_pid and process_tgid.
func procEventPayload(what, pid, tgid uint32) []byte {
	p := make([]byte, procEventHdrLen+procEventTaskLen)
	binary.NativeEndian.PutUint32(p[0:4], what)
	binary.NativeEndian.PutUint32(p[4:8], 1)          // cpu
	binary.NativeEndian.PutUint64(p[8:16], 123456789) // timestamp_ns
	binary.NativeEndian.PutUint32(p[eventPidOff:], pid)
	binary.NativeEndian.PutUint32(p[eventTgidOff:], tgid)
	return p
}

// connectorBody wraps a payload in a cn_msg envelope with the given
// connector id and declared length.
func connectorBody(idx, val uint32, declared uint16, payload []byte) []byte {
	b := make([]byte, cnMsgHdrLen+len(payload))
	binary.NativeEndian.PutUint32(b[0:4], idx)
	binary.NativeEndian.PutUint32(b[4:8], val)
	binary.NativeEndian.PutUint16(b[cnMsgLenOff:], declared)
	copy(b[cnMsgHdrLen:], payload)
	return b
}

// netlinkFrame concatenates netlink messages of the given type around each
// body, the framing Receive hands to DecodeFrame.
func netlinkFrame(msgType uint16, bodies ...[]byte) []byte {
	var frame []byte
	for _, body := range bodies {
		hdr := make([]byte, nlMsgHdrLen)
		binary.NativeEndian.PutUint32(hdr[0:4], uint32(nlMsgHdrLen+len(body)))
		binary.NativeEndian.PutUint16(hdr[4:6], msgType)
		frame = append(frame, hdr...)
		frame = append(frame, body...)
	}
	return frame
}

func procEventFrame(what, pid, tgid uint32) []byte {
	payload := procEventPayload(what, pid, tgid)
	return netlinkFrame(unix.NLMSG_DONE, connectorBody(cnIdxProc, cnValProc, uint16(len(payload)), payload))
}

func TestDecodeFrameEvents(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		want  common.LifecycleEvent
	}{
		{
			name:  "exec event",
			frame: procEventFrame(procEventExec, 1234, 1234),
			want:  common.LifecycleEvent{Type: common.EventTypeExec, PID: 1234},
		},
		{
			name:  "exit event",
			frame: procEventFrame(procEventExit, 4321, 4321),
			want:  common.LifecycleEvent{Type: common.EventTypeExit, PID: 4321},
		},
		{
			name:  "fork event decodes as other",
			frame: procEventFrame(0x00000001, 99, 99),
			want:  common.LifecycleEvent{Type: common.EventTypeOther},
		},
		{
			name:  "uid change decodes as other",
			frame: procEventFrame(0x00000004, 99, 99),
			want:  common.LifecycleEvent{Type: common.EventTypeOther},
		},
		{
			name:  "coredump decodes as other",
			frame: procEventFrame(0x40000000, 99, 99),
			want:  common.LifecycleEvent{Type: common.EventTypeOther},
		},
		{
			name:  "thread exec decodes as other",
			frame: procEventFrame(procEventExec, 1235, 1234),
			want:  common.LifecycleEvent{Type: common.EventTypeOther},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := DecodeFrame(tt.frame)
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, tt.want, events[0])
		})
	}
}

func TestDecodeFrameMalformed(t *testing.T) {
	execPayload := procEventPayload(procEventExec, 1234, 1234)

	tests := []struct {
		name  string
		frame []byte
	}{
		{
			name:  "truncated connector header",
			frame: netlinkFrame(unix.NLMSG_DONE, make([]byte, cnMsgHdrLen-4)),
		},
		{
			name:  "unexpected connector id",
			frame: netlinkFrame(unix.NLMSG_DONE, connectorBody(7, 7, uint16(len(execPayload)), execPayload)),
		},
		{
			// The declared length must never be trusted beyond a bounds
			// check against the bytes actually present.
			name:  "declared payload length exceeds frame",
			frame: netlinkFrame(unix.NLMSG_DONE, connectorBody(cnIdxProc, cnValProc, 512, execPayload)),
		},
		{
			name:  "truncated discriminant",
			frame: netlinkFrame(unix.NLMSG_DONE, connectorBody(cnIdxProc, cnValProc, 2, execPayload[:2])),
		},
		{
			name:  "exec payload missing pid fields",
			frame: netlinkFrame(unix.NLMSG_DONE, connectorBody(cnIdxProc, cnValProc, 8, execPayload[:8])),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := DecodeFrame(tt.frame)
			assert.ErrorIs(t, err, ErrMalformedFrame)
			assert.Empty(t, events)
		})
	}
}

func TestDecodeFrameSkipsControlMessages(t *testing.T) {
	payload := procEventPayload(procEventExec, 55, 55)
	frame := netlinkFrame(unix.NLMSG_NOOP, connectorBody(cnIdxProc, cnValProc, uint16(len(payload)), payload))

	events, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDecodeFrameMultipleMessages(t *testing.T) {
	execPayload := procEventPayload(procEventExec, 100, 100)
	exitPayload := procEventPayload(procEventExit, 100, 100)
	frame := netlinkFrame(unix.NLMSG_DONE,
		connectorBody(cnIdxProc, cnValProc, uint16(len(execPayload)), execPayload),
		connectorBody(cnIdxProc, cnValProc, uint16(len(exitPayload)), exitPayload),
	)

	events, err := DecodeFrame(frame)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, common.LifecycleEvent{Type: common.EventTypeExec, PID: 100}, events[0])
	assert.Equal(t, common.LifecycleEvent{Type: common.EventTypeExit, PID: 100}, events[1])
}

func TestDecodeFrameKeepsValidMessagesNextToMalformedOnes(t *testing.T) {
	execPayload := procEventPayload(procEventExec, 100, 100)
	frame := netlinkFrame(unix.NLMSG_DONE,
		connectorBody(cnIdxProc, cnValProc, 512, execPayload), // overrun
		connectorBody(cnIdxProc, cnValProc, uint16(len(execPayload)), execPayload),
	)

	events, err := DecodeFrame(frame)
	assert.ErrorIs(t, err, ErrMalformedFrame)
	require.Len(t, events, 1)
	assert.Equal(t, common.LifecycleEvent{Type: common.EventTypeExec, PID: 100}, events[0])
}
