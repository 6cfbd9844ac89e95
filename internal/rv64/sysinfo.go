package rv64

import "sync/atomic"

// SysInfo register offsets.
const (
	SysInfoHeapUsed  = 0x00 // 8 bytes
	SysInfoHeapTotal = 0x08 // 8 bytes
	SysInfoDiskUsed  = 0x10 // 8 bytes
	SysInfoDiskTotal = 0x18 // 8 bytes
	SysInfoCPUCount  = 0x20 // 4 bytes, padded to 8
	SysInfoUptimeMs  = 0x28 // 8 bytes
)

// SysInfo is a read/write-able MMIO block exposing host resource counters
// to the guest. Every 64-bit register also accepts two 4-byte half
// accesses: the low half masks and preserves the high 32 bits and vice
// versa. Writes to an unknown offset are silently dropped; reads from an
// unknown offset return zero, matching the devices/sysinfo.rs original.
type SysInfo struct {
	heapUsed  atomic.Uint64
	heapTotal atomic.Uint64
	diskUsed  atomic.Uint64
	diskTotal atomic.Uint64
	cpuCount  atomic.Uint32
	uptimeMs  atomic.Uint64
}

// NewSysInfo creates a zeroed SysInfo block.
func NewSysInfo() *SysInfo {
	return &SysInfo{}
}

// Size implements Device.
func (s *SysInfo) Size() uint64 { return SysInfoSize }

// SetHeap sets the heap usage counters, host side.
func (s *SysInfo) SetHeap(used, total uint64) {
	s.heapUsed.Store(used)
	s.heapTotal.Store(total)
}

// SetDisk sets the disk usage counters, host side.
func (s *SysInfo) SetDisk(used, total uint64) {
	s.diskUsed.Store(used)
	s.diskTotal.Store(total)
}

// SetCPUCount sets the reported CPU count, host side.
func (s *SysInfo) SetCPUCount(n uint32) { s.cpuCount.Store(n) }

// SetUptimeMs sets the reported uptime, host side.
func (s *SysInfo) SetUptimeMs(ms uint64) { s.uptimeMs.Store(ms) }

func load64half(reg *atomic.Uint64, offset uint64, size int) (uint64, bool) {
	switch size {
	case 8:
		return reg.Load(), true
	case 4:
		v := reg.Load()
		if offset&4 == 0 {
			return v & 0xffff_ffff, true
		}
		return v >> 32, true
	}
	return 0, false
}

func store64half(reg *atomic.Uint64, offset uint64, size int, value uint64) bool {
	switch size {
	case 8:
		reg.Store(value)
		return true
	case 4:
		for {
			old := reg.Load()
			var next uint64
			if offset&4 == 0 {
				next = (old &^ 0xffff_ffff) | (value & 0xffff_ffff)
			} else {
				next = (old & 0xffff_ffff) | (value << 32)
			}
			if reg.CompareAndSwap(old, next) {
				return true
			}
		}
	}
	return false
}

// Read implements Device.
func (s *SysInfo) Read(offset uint64, size int) (uint64, error) {
	switch {
	case offset >= SysInfoHeapUsed && offset < SysInfoHeapUsed+8:
		if v, ok := load64half(&s.heapUsed, offset-SysInfoHeapUsed, size); ok {
			return v, nil
		}
	case offset >= SysInfoHeapTotal && offset < SysInfoHeapTotal+8:
		if v, ok := load64half(&s.heapTotal, offset-SysInfoHeapTotal, size); ok {
			return v, nil
		}
	case offset >= SysInfoDiskUsed && offset < SysInfoDiskUsed+8:
		if v, ok := load64half(&s.diskUsed, offset-SysInfoDiskUsed, size); ok {
			return v, nil
		}
	case offset >= SysInfoDiskTotal && offset < SysInfoDiskTotal+8:
		if v, ok := load64half(&s.diskTotal, offset-SysInfoDiskTotal, size); ok {
			return v, nil
		}
	case offset == SysInfoCPUCount && size == 4:
		return uint64(s.cpuCount.Load()), nil
	case offset == SysInfoCPUCount && size == 8:
		return uint64(s.cpuCount.Load()), nil
	case offset >= SysInfoUptimeMs && offset < SysInfoUptimeMs+8:
		if v, ok := load64half(&s.uptimeMs, offset-SysInfoUptimeMs, size); ok {
			return v, nil
		}
	}
	return 0, nil
}

// Write implements Device.
func (s *SysInfo) Write(offset uint64, size int, value uint64) error {
	switch {
	case offset >= SysInfoHeapUsed && offset < SysInfoHeapUsed+8:
		store64half(&s.heapUsed, offset-SysInfoHeapUsed, size, value)
	case offset >= SysInfoHeapTotal && offset < SysInfoHeapTotal+8:
		store64half(&s.heapTotal, offset-SysInfoHeapTotal, size, value)
	case offset >= SysInfoDiskUsed && offset < SysInfoDiskUsed+8:
		store64half(&s.diskUsed, offset-SysInfoDiskUsed, size, value)
	case offset >= SysInfoDiskTotal && offset < SysInfoDiskTotal+8:
		store64half(&s.diskTotal, offset-SysInfoDiskTotal, size, value)
	case offset == SysInfoCPUCount && (size == 4 || size == 8):
		s.cpuCount.Store(uint32(value))
	case offset >= SysInfoUptimeMs && offset < SysInfoUptimeMs+8:
		store64half(&s.uptimeMs, offset-SysInfoUptimeMs, size, value)
	}
	// Unknown offsets are silently dropped.
	return nil
}

var _ Device = (*SysInfo)(nil)
