package rv64

import "testing"

// Mirrors original_source/vm/src/lib.rs's test_bus_load_store: a 32-bit
// store followed by a byte-wise read back must observe little-endian
// order (0xAA,0xBB,0xCC,0xDD stored -> 32-bit read == 0xDDCCBBAA).
func TestBusByteOrder(t *testing.T) {
	bus := NewBus(4096)

	if err := bus.Write32(RAMBase, 0xDDCCBBAA); err != nil {
		t.Fatalf("Write32: %v", err)
	}

	b0, _ := bus.Read8(RAMBase)
	b1, _ := bus.Read8(RAMBase + 1)
	b2, _ := bus.Read8(RAMBase + 2)
	b3, _ := bus.Read8(RAMBase + 3)

	if b0 != 0xAA || b1 != 0xBB || b2 != 0xCC || b3 != 0xDD {
		t.Fatalf("byte order mismatch: got %#x %#x %#x %#x", b0, b1, b2, b3)
	}

	v, err := bus.Read32(RAMBase)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if v != 0xDDCCBBAA {
		t.Fatalf("Read32 = %#x, want 0xDDCCBBAA", v)
	}
}

func TestBusOutOfBoundsAccess(t *testing.T) {
	bus := NewBus(16)
	if _, err := bus.Read8(RAMBase + 100); err == nil {
		t.Fatal("expected an out-of-bounds error")
	}
}

func TestBusDeviceMapping(t *testing.T) {
	bus := NewBus(16)
	sysinfo := NewSysInfo()
	sysinfo.SetCPUCount(4)
	bus.AddDevice(SysInfoBase, sysinfo)

	v, err := bus.Read32(SysInfoBase + SysInfoCPUCount)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if v != 4 {
		t.Fatalf("cpu count = %d, want 4", v)
	}
}
