package connector

import (
	"encoding/binary"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// Exercises the real subscription against the running kernel: a parked
// Receive must return ErrClosed promptly once Close is called, and the
// released handle must not block a fresh subscription.
func TestConnectorCloseUnblocksReceive(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	c, err := Open(logger)
	if err != nil {
		t.Skipf("subscribing to process events requires CAP_NET_ADMIN: %v", err)
	}

	recvErr := make(chan error, 1)
	go func() {
		buf := make([]byte, ReceiveBufferSize)
		for {
			if _, err := c.Receive(buf); err != nil {
				recvErr <- err
				return
			}
		}
	}()

	// Let the receiver park before closing; on an idle host no frame will
	// ever arrive to wake it up.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-recvErr:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not unblock after Close")
	}

	c2, err := Open(logger)
	require.NoError(t, err, "a fresh subscription succeeds immediately after Close")
	assert.NoError(t, c2.Close())

	assert.NoError(t, c.Close(), "Close is idempotent")
}

func TestSubscriptionMessageLayout(t *testing.T) {
	tests := []struct {
		name string
		op   uint32
	}{
		{name: "listen", op: procCNMcastListen},
		{name: "ignore", op: procCNMcastIgnore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := subscriptionMessage(tt.op)

			// nlmsghdr + cn_msg + 4-byte op
			require.Len(t, msg, nlMsgHdrLen+cnMsgHdrLen+4)

			assert.Equal(t, uint32(len(msg)), binary.NativeEndian.Uint32(msg[0:4]), "nlmsg_len")
			assert.Equal(t, uint16(unix.NLMSG_DONE), binary.NativeEndian.Uint16(msg[4:6]), "nlmsg_type")
			assert.Equal(t, uint32(0), binary.NativeEndian.Uint32(msg[12:16]), "nlmsg_pid is left to the kernel")

			assert.Equal(t, cnIdxProc, binary.NativeEndian.Uint32(msg[16:20]))
			assert.Equal(t, cnValProc, binary.NativeEndian.Uint32(msg[20:24]))
			assert.Equal(t, uint16(4), binary.NativeEndian.Uint16(msg[32:34]), "cn_msg.len")

			assert.Equal(t, tt.op, binary.NativeEndian.Uint32(msg[36:40]))
		})
	}
}

func TestFilterProgramAssembles(t *testing.T) {
	prog, err := bpf.Assemble(filterProgram())
	require.NoError(t, err)
	assert.Len(t, prog, len(filterProgram()))
}

// Run the filter in the x/net/bpf virtual machine against real frames to
// make sure the kernel would deliver exactly what the decoder accepts.
func TestFilterProgramSelection(t *testing.T) {
	vm, err := bpf.NewVM(filterProgram())
	require.NoError(t, err)

	tests := []struct {
		name     string
		frame    []byte
		accepted bool
	}{
		{
			name:     "exec event of a thread group leader",
			frame:    procEventFrame(procEventExec, 1234, 1234),
			accepted: true,
		},
		{
			name:     "exit event of a thread group leader",
			frame:    procEventFrame(procEventExit, 1234, 1234),
			accepted: true,
		},
		{
			name:     "fork event",
			frame:    procEventFrame(0x00000001, 1234, 1234),
			accepted: false,
		},
		{
			name:     "thread exec",
			frame:    procEventFrame(procEventExec, 1235, 1234),
			accepted: false,
		},
		{
			name: "foreign connector id",
			frame: netlinkFrame(unix.NLMSG_DONE,
				connectorBody(7, 7, procEventHdrLen+procEventTaskLen, procEventPayload(procEventExec, 1, 1))),
			accepted: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := vm.Run(tt.frame)
			require.NoError(t, err)
			if tt.accepted {
				assert.NotZero(t, n)
			} else {
				assert.Zero(t, n)
			}
		})
	}
}
