//go:build windows

package routemanager

import (
	"fmt"
	"net/netip"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"
)

var modIPHlpAPI = windows.NewLazySystemDLL("iphlpapi.dll")

var (
	procInitializeIpForwardEntry = modIPHlpAPI.NewProc("InitializeIpForwardEntry")
	procCreateIpForwardEntry2    = modIPHlpAPI.NewProc("CreateIpForwardEntry2")
	procDeleteIpForwardEntry2    = modIPHlpAPI.NewProc("DeleteIpForwardEntry2")
	procGetIpForwardTable2       = modIPHlpAPI.NewProc("GetIpForwardTable2")
	procFreeMibTable             = modIPHlpAPI.NewProc("FreeMibTable")
)

// mibIPForwardRow2 mirrors MIB_IPFORWARD_ROW2 (104 bytes on x64); see the
// field offsets below. Kept opaque rather than a typed struct because the
// win32 layout mixes packed SOCKADDR_INET unions iphlpapi.h doesn't expose
// through a Go-friendly shape.
type mibIPForwardRow2 struct {
	data [104]byte
}

const (
	fwdInterfaceLUID  = 0
	fwdInterfaceIndex = 8
	fwdDestFamily     = 12
	fwdDestAddr       = 16
	fwdDestPrefixLen  = 40
	fwdNextHopFamily  = 44
	fwdNextHopAddr    = 48
	fwdMetric         = 84
	fwdProtocol       = 88
)

// WindowsRouteManager manages the system routing table via iphlpapi's
// MIB_IPFORWARD_ROW2 API, adapted from the teacher's gateway.RouteManager
// (the same CreateIpForwardEntry2/DeleteIpForwardEntry2 pair, generalized
// from a TUN-LUID constructor argument to the tunnel interface alias
// SetDefaultRoute receives, since routemanager.Manager is discovered once
// per connection rather than built per-adapter).
type WindowsRouteManager struct {
	mu          sync.Mutex
	tunLUID     uint64
	realNIC     RealNIC
	realNICLUID uint64
	routes      []mibIPForwardRow2
}

func NewWindowsRouteManager() *WindowsRouteManager { return &WindowsRouteManager{} }

func (rm *WindowsRouteManager) DiscoverRealNIC() (RealNIC, error) {
	nic, luid, err := discoverRealNIC(rm.tunLUID)
	if err != nil {
		return RealNIC{}, err
	}
	rm.mu.Lock()
	rm.realNIC = nic
	rm.realNICLUID = luid
	rm.mu.Unlock()
	return nic, nil
}

// SetDefaultRoute resolves tunnelInterface's LUID and adds the split
// 0.0.0.0/1 + 128.0.0.0/1 routes through it, the same default-route capture
// trick routes_linux.go and routes_darwin.go use.
func (rm *WindowsRouteManager) SetDefaultRoute(tunnelInterface string) error {
	aliasPtr, err := windows.UTF16PtrFromString(tunnelInterface)
	if err != nil {
		return fmt.Errorf("[Route] interface alias %q: %w", tunnelInterface, err)
	}
	var luid uint64
	if err := windows.ConvertInterfaceAliasToLuid(aliasPtr, &luid); err != nil {
		return fmt.Errorf("[Route] resolve LUID for %q: %w", tunnelInterface, err)
	}

	rm.mu.Lock()
	rm.tunLUID = luid
	defer rm.mu.Unlock()

	if err := rm.addRoute(netip.MustParsePrefix("0.0.0.0/1"), luid, netip.Addr{}); err != nil {
		return fmt.Errorf("[Route] add 0.0.0.0/1: %w", err)
	}
	if err := rm.addRoute(netip.MustParsePrefix("128.0.0.0/1"), luid, netip.Addr{}); err != nil {
		return fmt.Errorf("[Route] add 128.0.0.0/1: %w", err)
	}
	return nil
}

func (rm *WindowsRouteManager) AddBypassRoute(dst netip.Addr) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	prefix := netip.PrefixFrom(dst, dst.BitLen())
	if err := rm.addRoute(prefix, rm.realNICLUID, rm.realNIC.Gateway); err != nil {
		return fmt.Errorf("[Route] bypass %s: %w", dst, err)
	}
	return nil
}

func (rm *WindowsRouteManager) ClearRoutes() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	var lastErr error
	for _, row := range rm.routes {
		r, _, _ := procDeleteIpForwardEntry2.Call(uintptr(unsafe.Pointer(&row)))
		if r != 0 {
			lastErr = fmt.Errorf("DeleteIpForwardEntry2: 0x%x", r)
		}
	}
	rm.routes = nil
	return lastErr
}

// ClearRoutingRules is a no-op on Windows: only routes_linux.go's fwmark
// policy rules need an explicit teardown step.
func (rm *WindowsRouteManager) ClearRoutingRules() error { return nil }

func (rm *WindowsRouteManager) addRoute(dst netip.Prefix, luid uint64, nextHop netip.Addr) error {
	var row mibIPForwardRow2
	procInitializeIpForwardEntry.Call(uintptr(unsafe.Pointer(&row)))

	*(*uint64)(unsafe.Pointer(&row.data[fwdInterfaceLUID])) = luid
	*(*uint16)(unsafe.Pointer(&row.data[fwdDestFamily])) = windows.AF_INET
	ip4 := dst.Addr().As4()
	copy(row.data[fwdDestAddr:fwdDestAddr+4], ip4[:])
	row.data[fwdDestPrefixLen] = uint8(dst.Bits())

	*(*uint16)(unsafe.Pointer(&row.data[fwdNextHopFamily])) = windows.AF_INET
	if nextHop.IsValid() {
		gw4 := nextHop.As4()
		copy(row.data[fwdNextHopAddr:fwdNextHopAddr+4], gw4[:])
	}

	*(*uint32)(unsafe.Pointer(&row.data[fwdMetric])) = 0
	*(*int32)(unsafe.Pointer(&row.data[fwdProtocol])) = 3 // MIB_IPPROTO_NETMGMT

	r, _, _ := procCreateIpForwardEntry2.Call(uintptr(unsafe.Pointer(&row)))
	if r != 0 && r != 0x80071392 { // ERROR_OBJECT_ALREADY_EXISTS
		return fmt.Errorf("CreateIpForwardEntry2 failed: 0x%x", r)
	}

	rm.routes = append(rm.routes, row)
	return nil
}

func discoverRealNIC(tunLUID uint64) (RealNIC, uint64, error) {
	var table unsafe.Pointer
	r, _, _ := procGetIpForwardTable2.Call(
		uintptr(windows.AF_INET),
		uintptr(unsafe.Pointer(&table)),
	)
	if r != 0 {
		return RealNIC{}, 0, fmt.Errorf("GetIpForwardTable2 failed: 0x%x", r)
	}
	defer procFreeMibTable.Call(uintptr(table))

	numEntries := *(*uint32)(table)
	const rowSize = uintptr(104)
	headerSize := unsafe.Sizeof(uint64(0))

	for i := uint32(0); i < numEntries; i++ {
		family := fwdRowUint16(table, headerSize, rowSize, i, fwdDestFamily)
		if family != windows.AF_INET {
			continue
		}
		dstIP := fwdRowBytes4(table, headerSize, rowSize, i, fwdDestAddr)
		prefixLen := fwdRowByte(table, headerSize, rowSize, i, fwdDestPrefixLen)
		if dstIP != [4]byte{0, 0, 0, 0} || prefixLen != 0 {
			continue
		}
		luid := fwdRowUint64(table, headerSize, rowSize, i, fwdInterfaceLUID)
		if luid == tunLUID {
			continue
		}
		ifIndex := fwdRowUint32(table, headerSize, rowSize, i, fwdInterfaceIndex)
		gwBytes := fwdRowBytes4(table, headerSize, rowSize, i, fwdNextHopAddr)
		return RealNIC{
			Index:   ifIndex,
			Gateway: netip.AddrFrom4(gwBytes),
		}, luid, nil
	}
	return RealNIC{}, 0, fmt.Errorf("no default gateway found")
}

func fwdRowUint16(table unsafe.Pointer, headerSize, rowSize uintptr, idx uint32, off int) uint16 {
	return *(*uint16)(unsafe.Pointer(uintptr(table) + headerSize + uintptr(idx)*rowSize + uintptr(off)))
}

func fwdRowUint32(table unsafe.Pointer, headerSize, rowSize uintptr, idx uint32, off int) uint32 {
	return *(*uint32)(unsafe.Pointer(uintptr(table) + headerSize + uintptr(idx)*rowSize + uintptr(off)))
}

func fwdRowUint64(table unsafe.Pointer, headerSize, rowSize uintptr, idx uint32, off int) uint64 {
	return *(*uint64)(unsafe.Pointer(uintptr(table) + headerSize + uintptr(idx)*rowSize + uintptr(off)))
}

func fwdRowBytes4(table unsafe.Pointer, headerSize, rowSize uintptr, idx uint32, off int) [4]byte {
	return *(*[4]byte)(unsafe.Pointer(uintptr(table) + headerSize + uintptr(idx)*rowSize + uintptr(off)))
}

func fwdRowByte(table unsafe.Pointer, headerSize, rowSize uintptr, idx uint32, off int) byte {
	return *(*byte)(unsafe.Pointer(uintptr(table) + headerSize + uintptr(idx)*rowSize + uintptr(off)))
}
