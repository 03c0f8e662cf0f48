// Package canlink abstracts the CAN attachment of a gimbal: an EthCAN-style
// TCP bridge, a local SocketCAN interface, or an SLCAN serial adapter. The
// protocol engine only sees Frame values going in and out.
package canlink

import "fmt"

// Frame is one CAN frame, classic format, up to 8 data bytes.
type Frame struct {
	ID     uint32
	Length uint8
	Data   [8]byte
}

// Payload returns the valid data bytes.
func (f *Frame) Payload() []byte { return f.Data[:f.Length] }

func (f Frame) String() string {
	return fmt.Sprintf("id=0x%03x len=%d data=% x", f.ID, f.Length, f.Data[:f.Length])
}

// BusConfig is the CAN-side configuration the engine expects the attachment
// to run with.
type BusConfig struct {
	Filter  uint32 // receive filter (exact match under Mask)
	Mask    uint32
	BitRate uint32 // bits per second
}

// Handler consumes inbound frames. It is called from the device's receive
// goroutine.
type Handler func(Frame)

// Device is a CAN attachment. Implementations must be safe for Send from one
// goroutine while the receiver runs.
type Device interface {
	// Name identifies the attachment for logs.
	Name() string

	// Connect opens the attachment.
	Connect() error

	// ReceiverStart begins delivering inbound frames to h. Must be called
	// after Connect; calling it twice is an error.
	ReceiverStart(h Handler) error

	// Send transmits one frame.
	Send(Frame) error

	// BusConfigGet reports the active CAN-side configuration.
	BusConfigGet() (BusConfig, error)

	// BusReset reinitializes the CAN controller after a bus-level fault.
	BusReset() error

	// Reset tears down and reopens the transport handle, keeping the
	// receiver running. Used to recover from transport-level failures.
	Reset() error

	Close() error
}
