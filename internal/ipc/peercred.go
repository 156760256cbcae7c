package ipc

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerPID resolves the pid of the process on the other end of nc via
// SO_PEERCRED, grounded on the teacher's resolver package use of
// golang.org/x/sys/unix for low-level socket/process introspection.
// Returns 0 if nc is not backed by a real file descriptor or the
// getsockopt call fails.
func peerPID(nc *net.UnixConn) int32 {
	raw, err := nc.SyscallConn()
	if err != nil {
		return 0
	}

	var pid int32
	_ = raw.Control(func(fd uintptr) {
		ucred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err != nil {
			return
		}
		pid = ucred.Pid
	})
	return pid
}
