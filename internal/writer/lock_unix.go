//go:build !windows

package writer

import "syscall"

var lockErrnos = []syscall.Errno{syscall.EBUSY, syscall.ETXTBSY, syscall.EAGAIN}
