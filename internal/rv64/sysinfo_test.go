package rv64

import "testing"

// Mirrors devices/sysinfo.rs's test_heap_usage: a full 8-byte write then
// read must round-trip exactly.
func TestSysInfoHeapUsage(t *testing.T) {
	s := NewSysInfo()
	s.SetHeap(12345, 67890)

	used, err := s.Read(SysInfoHeapUsed, 8)
	if err != nil || used != 12345 {
		t.Fatalf("heap used = %d, err=%v, want 12345", used, err)
	}
	total, err := s.Read(SysInfoHeapTotal, 8)
	if err != nil || total != 67890 {
		t.Fatalf("heap total = %d, err=%v, want 67890", total, err)
	}
}

// Mirrors test_32bit_writes: writing the low then high 32-bit half of a
// 64-bit register must preserve the other half.
func TestSysInfo32BitHalfAccess(t *testing.T) {
	s := NewSysInfo()
	s.SetUptimeMs(0xFFFFFFFF_FFFFFFFF)

	if err := s.Write(SysInfoUptimeMs, 4, 0x1234_5678); err != nil {
		t.Fatalf("Write low half: %v", err)
	}
	full, _ := s.Read(SysInfoUptimeMs, 8)
	if full != 0xFFFFFFFF_12345678 {
		t.Fatalf("after low-half write, full = %#x, want 0xFFFFFFFF12345678", full)
	}

	if err := s.Write(SysInfoUptimeMs+4, 4, 0xAAAA_BBBB); err != nil {
		t.Fatalf("Write high half: %v", err)
	}
	full, _ = s.Read(SysInfoUptimeMs, 8)
	if full != 0xAAAABBBB_12345678 {
		t.Fatalf("after high-half write, full = %#x, want 0xAAAABBBB12345678", full)
	}
}

// Mirrors test_cpu_count: the 32-bit register, padded to 8 bytes, is
// readable as either a 4- or 8-byte access.
func TestSysInfoCPUCount(t *testing.T) {
	s := NewSysInfo()
	s.SetCPUCount(16)

	v4, err := s.Read(SysInfoCPUCount, 4)
	if err != nil || v4 != 16 {
		t.Fatalf("4-byte read = %d, err=%v, want 16", v4, err)
	}
	v8, err := s.Read(SysInfoCPUCount, 8)
	if err != nil || v8 != 16 {
		t.Fatalf("8-byte read = %d, err=%v, want 16", v8, err)
	}
}

func TestSysInfoUnknownOffset(t *testing.T) {
	s := NewSysInfo()
	if err := s.Write(0xF00, 8, 0xDEAD); err != nil {
		t.Fatalf("write to unknown offset should be a silent no-op, got %v", err)
	}
	v, err := s.Read(0xF00, 8)
	if err != nil || v != 0 {
		t.Fatalf("read from unknown offset = %d, err=%v, want 0,nil", v, err)
	}
}
