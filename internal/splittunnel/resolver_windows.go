//go:build windows

package splittunnel

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

// WindowsResolver queries the executable path for a PID via
// QueryFullProcessImageName, adapted from the teacher's process.Matcher.
// Results are cached since the same PID is looked up on every packet-level
// classification in a busy process.
type WindowsResolver struct {
	mu    sync.RWMutex
	cache map[uint32]string
}

func NewWindowsResolver() *WindowsResolver {
	return &WindowsResolver{cache: make(map[uint32]string)}
}

func (r *WindowsResolver) ExePath(pid uint32) (string, bool) {
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

func (r *WindowsResolver) Invalidate(pid uint32) {
	r.mu.Lock()
	delete(r.cache, pid)
	r.mu.Unlock()
}

func queryProcessPath(pid uint32) (string, error) {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return "", err
	}
	defer windows.CloseHandle(handle)

	var buf [windows.MAX_PATH]uint16
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(handle, 0, &buf[0], &size); err != nil {
		return "", err
	}
	return windows.UTF16PtrToString((*uint16)(unsafe.Pointer(&buf[0]))), nil
}
