//go:build darwin

package splittunnel

import (
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	procInfoCallPIDInfo = 2
	procPIDPathInfo     = 0xb
	procPIDPathInfoSize = 1024
)

// DarwinResolver queries the executable path for a PID via the
// proc_pidpath equivalent, adapted from the teacher's darwin process
// matcher (same syscall.SYS_PROC_INFO approach sing-box/mihomo use, no
// CGO required).
type DarwinResolver struct {
	mu    sync.RWMutex
	cache map[uint32]string
}

func NewDarwinResolver() *DarwinResolver {
	return &DarwinResolver{cache: make(map[uint32]string)}
}

func (r *DarwinResolver) ExePath(pid uint32) (string, bool) {
	r.mu.RLock()
	path, ok := r.cache[pid]
	r.mu.RUnlock()
	if ok {
		return path, true
	}

	path, err := queryProcessPath(pid)
	if err != nil {
		return "", false
	}

	r.mu.Lock()
	r.cache[pid] = path
	r.mu.Unlock()
	return path, true
}

func queryProcessPath(pid uint32) (string, error) {
	buf := make([]byte, procPIDPathInfoSize)
	_, _, errno := syscall.Syscall6(
		syscall.SYS_PROC_INFO,
		procInfoCallPIDInfo,
		uintptr(pid),
		procPIDPathInfo,
		0,
		uintptr(unsafe.Pointer(&buf[0])),
		procPIDPathInfoSize,
	)
	if errno != 0 {
		return "", errno
	}
	path := unix.ByteSliceToString(buf)
	if path == "" {
		return "", unix.ESRCH
	}
	return path, nil
}
