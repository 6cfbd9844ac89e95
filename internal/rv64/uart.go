package rv64

import (
	"io"
)

// UART is a minimal single-byte-access console device: one input queue fed
// by the host; output bytes go straight to Output as the guest writes
// them, with no output queue in between. There are no status
// or control registers — a guest that wants flow control polls by reading
// and treating an empty queue as "nothing yet".
type UART struct {
	Output io.Writer

	input  []byte
	inPos  int
}

// NewUART creates a UART that writes guest output to w as it arrives.
func NewUART(w io.Writer) *UART {
	return &UART{Output: w}
}

// Size implements Device.
func (u *UART) Size() uint64 { return UARTSize }

// Read implements Device. Only single-byte accesses are defined; anything
// else is an alignment error, matching the original's InvalidAlignment.
func (u *UART) Read(offset uint64, size int) (uint64, error) {
	if size != 1 {
		return 0, ErrInvalidAlignment
	}
	if offset != 0 {
		return 0, nil
	}
	if u.inPos >= len(u.input) {
		return 0, nil
	}
	b := u.input[u.inPos]
	u.inPos++
	if u.inPos >= len(u.input) {
		u.input = nil
		u.inPos = 0
	}
	return uint64(b), nil
}

// Write implements Device.
func (u *UART) Write(offset uint64, size int, value uint64) error {
	if size != 1 {
		return ErrInvalidAlignment
	}
	if offset != 0 {
		return nil
	}
	if u.Output != nil {
		_, _ = u.Output.Write([]byte{byte(value)})
	}
	return nil
}

// PushInput queues bytes for the guest to read, host side.
func (u *UART) PushInput(data []byte) {
	u.input = append(u.input, data...)
}

// HasInput reports whether a guest read would return queued data.
func (u *UART) HasInput() bool {
	return u.inPos < len(u.input)
}

var _ Device = (*UART)(nil)
