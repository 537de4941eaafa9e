package connector

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

var (
	// ErrClosed is returned by Receive once Close has been called. It is
	// the normal termination signal, not a failure.
	ErrClosed = errors.New("process events connector is closed")

	// ErrPermissionDenied means the kernel refused the subscription.
	// Kernels before 6.6 restrict the process events connector to root
	// (CAP_NET_ADMIN).
	ErrPermissionDenied = errors.New("subscribing to process events was denied")

	// ErrUnsupportedKernel means the netlink connector family is not
	// available, i.e. the kernel was built without CONFIG_PROC_EVENTS /
	// CONFIG_CONNECTOR.
	ErrUnsupportedKernel = errors.New("kernel does not support the process events connector")
)

// Connector is a subscription to the kernel's process events multicast
// group. It is the only component in this module doing blocking I/O against
// the operating system: it yields raw netlink frames and knows nothing
// about event semantics.
//
// The socket is non-blocking and wrapped in an *os.File so the runtime
// poller owns the wait. close(2) alone does not wake a reader parked in
// recvfrom on a netlink socket, and netlink has no shutdown(2); parking in
// the poller instead lets Close interrupt every outstanding Receive
// immediately.
type Connector struct {
	logger *slog.Logger
	f      *os.File

	closeOnce sync.Once
	closeErr  error
}

// Open creates a netlink socket bound to the process events multicast
// group, attaches the socket filter, and sends the one-time LISTEN control
// message that starts delivery.
func Open(logger *slog.Logger) (*Connector, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.NETLINK_CONNECTOR)
	if err != nil {
		return nil, openError(fmt.Errorf("open netlink connector socket: %w", err))
	}

	if err := installFilter(fd); err != nil {
		unix.Close(fd)
		return nil, openError(err)
	}

	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: cnIdxProc,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, openError(fmt.Errorf("bind to process events multicast group: %w", err))
	}

	if err := unix.Sendto(fd, subscriptionMessage(procCNMcastListen), 0, kernelAddr()); err != nil {
		unix.Close(fd)
		return nil, openError(fmt.Errorf("send PROC_CN_MCAST_LISTEN: %w", err))
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("set process events socket non-blocking: %w", err)
	}

	return &Connector{
		logger: logger,
		f:      os.NewFile(uintptr(fd), "proc-events-connector"),
	}, nil
}

// openError maps errnos from the subscription sequence to the startup error
// taxonomy, so callers can tell "run as root" apart from "kernel feature
// missing".
func openError(err error) error {
	switch {
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case errors.Is(err, unix.EPROTONOSUPPORT),
		errors.Is(err, unix.EAFNOSUPPORT),
		errors.Is(err, unix.ESOCKTNOSUPPORT):
		return fmt.Errorf("%w: %v", ErrUnsupportedKernel, err)
	}
	return err
}

// Receive blocks until one frame arrives or the connector is closed, and
// copies it into buf. One kernel send is one frame; the netlink transport
// preserves message boundaries, so partial frames cannot occur.
func (c *Connector) Receive(buf []byte) (int, error) {
	for {
		n, err := c.f.Read(buf)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, os.ErrClosed):
			return 0, ErrClosed
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.ENOBUFS):
			// The kernel dropped events because we fell behind.
			c.logger.Warn("kernel dropped process events", "error", err)
			continue
		default:
			return 0, fmt.Errorf("receive process events frame: %w", err)
		}
	}
}

// Close releases the subscription. It is idempotent, and unblocks every
// outstanding Receive call with ErrClosed.
func (c *Connector) Close() error {
	c.closeOnce.Do(func() {
		if err := c.unsubscribe(); err != nil {
			c.logger.Warn("failed to unsubscribe from process events", "error", err)
		}
		c.closeErr = c.f.Close()
	})
	return c.closeErr
}

// unsubscribe sends PROC_CN_MCAST_IGNORE best-effort; closing the socket
// releases the multicast membership anyway.
func (c *Connector) unsubscribe() error {
	raw, err := c.f.SyscallConn()
	if err != nil {
		return err
	}
	var sendErr error
	if err := raw.Control(func(fd uintptr) {
		sendErr = unix.Sendto(int(fd), subscriptionMessage(procCNMcastIgnore), 0, kernelAddr())
	}); err != nil {
		return err
	}
	return sendErr
}

func kernelAddr() *unix.SockaddrNetlink {
	return &unix.SockaddrNetlink{Family: unix.AF_NETLINK}
}

// subscriptionMessage builds the control message the connector protocol
// expects: nlmsghdr + cn_msg + the 4-byte mcast op. Sequence numbers and
// the netlink port id are left zero, the kernel fills in its own values.
func subscriptionMessage(op uint32) []byte {
	buf := make([]byte, nlMsgHdrLen+cnMsgHdrLen+4)

	binary.NativeEndian.PutUint32(buf[0:4], uint32(len(buf))) // nlmsg_len
	binary.NativeEndian.PutUint16(buf[4:6], unix.NLMSG_DONE)  // nlmsg_type

	binary.NativeEndian.PutUint32(buf[16:20], cnIdxProc)
	binary.NativeEndian.PutUint32(buf[20:24], cnValProc)
	binary.NativeEndian.PutUint16(buf[32:34], 4) // cn_msg.len: sizeof(op)

	binary.NativeEndian.PutUint32(buf[36:40], op)

	return buf
}
