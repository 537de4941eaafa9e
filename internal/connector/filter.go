package connector

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// The socket filter drops everything that is not an exec or exit event of a
// thread group leader before it ever reaches userspace. The decoder applies
// the same rules again, so correctness does not depend on the filter being
// attached; the filter only keeps the wakeup rate down on busy hosts.

const (
	nlMsgTypeOff = 4
	nlMsgPidOff  = 12

	filterWhatOff = nlMsgHdrLen + cnMsgHdrLen
	filterPidOff  = nlMsgHdrLen + cnMsgHdrLen + eventPidOff
	filterTgidOff = nlMsgHdrLen + cnMsgHdrLen + eventTgidOff
)

func installFilter(fd int) error {
	prog, err := bpf.Assemble(filterProgram())
	if err != nil {
		return fmt.Errorf("assemble process events socket filter: %w", err)
	}

	filters := make([]unix.SockFilter, len(prog))
	for i, ins := range prog {
		filters[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}

	fprog := unix.SockFprog{
		Len:    uint16(len(filters)),
		Filter: &filters[0],
	}
	if err := unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &fprog); err != nil {
		return fmt.Errorf("attach process events socket filter: %w", err)
	}
	return nil
}

// filterProgram accepts NLMSG_DONE messages sent by the kernel that carry a
// CN_IDX_PROC/CN_VAL_PROC connector event whose discriminant is exec or
// exit and whose pid equals its tgid. The frame bytes hold native-endian
// kernel structs while BPF loads are big-endian, hence the hostToBE
// conversions on every comparison constant.
func filterProgram() []bpf.Instruction {
	return []bpf.Instruction{
		// Messages from the kernel have nlmsg_pid == 0.
		bpf.LoadAbsolute{Off: nlMsgPidOff, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0, SkipTrue: 1},
		bpf.RetConstant{Val: 0},

		bpf.LoadAbsolute{Off: nlMsgTypeOff, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(hostToBE16(unix.NLMSG_DONE)), SkipTrue: 1},
		bpf.RetConstant{Val: 0},

		bpf.LoadAbsolute{Off: nlMsgHdrLen, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: hostToBE32(cnIdxProc), SkipTrue: 1},
		bpf.RetConstant{Val: 0},

		bpf.LoadAbsolute{Off: nlMsgHdrLen + 4, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: hostToBE32(cnValProc), SkipTrue: 1},
		bpf.RetConstant{Val: 0},

		// Exec events of thread group leaders (pid == tgid).
		bpf.LoadAbsolute{Off: filterWhatOff, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: hostToBE32(procEventExec), SkipFalse: 6},
		bpf.LoadAbsolute{Off: filterPidOff, Size: 4},
		bpf.StoreScratch{Src: bpf.RegA, N: 0},
		bpf.LoadScratch{Dst: bpf.RegX, N: 0},
		bpf.LoadAbsolute{Off: filterTgidOff, Size: 4},
		bpf.JumpIfX{Cond: bpf.JumpEqual, SkipFalse: 9},
		bpf.RetConstant{Val: 0xffffffff},

		// Exit events of thread group leaders.
		bpf.LoadAbsolute{Off: filterWhatOff, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: hostToBE32(procEventExit), SkipFalse: 6},
		bpf.LoadAbsolute{Off: filterPidOff, Size: 4},
		bpf.StoreScratch{Src: bpf.RegA, N: 0},
		bpf.LoadScratch{Dst: bpf.RegX, N: 0},
		bpf.LoadAbsolute{Off: filterTgidOff, Size: 4},
		bpf.JumpIfX{Cond: bpf.JumpEqual, SkipFalse: 1},
		bpf.RetConstant{Val: 0xffffffff},

		bpf.RetConstant{Val: 0},
	}
}

func hostToBE16(v uint16) uint16 {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], v)
	return binary.BigEndian.Uint16(b[:])
}

func hostToBE32(v uint32) uint32 {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], v)
	return binary.BigEndian.Uint32(b[:])
}
