package canlink

import (
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SLCAN attaches through a serial "LAWICEL" CAN adapter. Frames travel as
// ASCII records: tIIILDD..\r for 11-bit transmit, the same shape inbound.
type SLCAN struct {
	portPath string
	baudRate int
	bitRate  uint32

	mu      sync.Mutex
	port    serial.Port
	started bool
	closed  bool
	handler Handler
}

// slcanRateCodes maps bus bit rates to the adapter's Sn setup codes.
var slcanRateCodes = map[uint32]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

// NewSLCAN returns an unconnected SLCAN attachment.
func NewSLCAN(portPath string, baudRate int, bitRate uint32) *SLCAN {
	if baudRate == 0 {
		baudRate = 115200
	}
	if bitRate == 0 {
		bitRate = 1000000
	}
	return &SLCAN{portPath: portPath, baudRate: baudRate, bitRate: bitRate}
}

func (s *SLCAN) Name() string { return "slcan:" + s.portPath }

func (s *SLCAN) Connect() error {
	code, ok := slcanRateCodes[s.bitRate]
	if !ok {
		return fmt.Errorf("canlink: unsupported SLCAN bit rate %d", s.bitRate)
	}

	mode := &serial.Mode{
		BaudRate: s.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.portPath, mode)
	if err != nil {
		return fmt.Errorf("canlink: open %s: %w", s.portPath, err)
	}
	if err := port.SetReadTimeout(time.Second); err != nil {
		port.Close()
		return fmt.Errorf("canlink: %s: set timeout: %w", s.portPath, err)
	}

	// Close a possibly-open channel, program the rate, open.
	setup := []byte{'C', '\r', 'S', code, '\r', 'O', '\r'}
	if _, err := port.Write(setup); err != nil {
		port.Close()
		return fmt.Errorf("canlink: %s: setup: %w", s.portPath, err)
	}

	s.mu.Lock()
	s.port = port
	s.mu.Unlock()

	log.Printf("[canlink] opened %s at %d baud (bus %d bit/s)", s.portPath, s.baudRate, s.bitRate)
	return nil
}

func (s *SLCAN) ReceiverStart(h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return fmt.Errorf("canlink: %s: not connected", s.portPath)
	}
	if s.started {
		return fmt.Errorf("canlink: %s: receiver already started", s.portPath)
	}
	s.handler = h
	s.started = true
	go s.readLoop()
	return nil
}

func (s *SLCAN) readLoop() {
	line := make([]byte, 0, 32)
	buf := make([]byte, 64)

	for {
		s.mu.Lock()
		port, closed := s.port, s.closed
		h := s.handler
		s.mu.Unlock()

		if closed {
			return
		}
		if port == nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		n, err := port.Read(buf)
		if err != nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		for _, c := range buf[:n] {
			if c == '\r' || c == '\a' {
				if f, ok := parseSLCAN(line); ok && h != nil {
					h(f)
				}
				line = line[:0]
				continue
			}
			if len(line) < cap(line) {
				line = append(line, c)
			}
		}
	}
}

// parseSLCAN decodes one tIIILDD.. record.
func parseSLCAN(line []byte) (Frame, bool) {
	var f Frame
	if len(line) < 5 || line[0] != 't' {
		return f, false
	}

	id, ok := hexVal(line[1:4])
	if !ok {
		return f, false
	}
	dlc := int(line[4] - '0')
	if dlc < 0 || dlc > 8 || len(line) < 5+dlc*2 {
		return f, false
	}

	f.ID = id
	f.Length = uint8(dlc)
	for i := 0; i < dlc; i++ {
		b, ok := hexVal(line[5+i*2 : 7+i*2])
		if !ok {
			return f, false
		}
		f.Data[i] = byte(b)
	}
	return f, true
}

func hexVal(in []byte) (uint32, bool) {
	var v uint32
	for _, c := range in {
		v <<= 4
		switch {
		case c >= '0' && c <= '9':
			v |= uint32(c - '0')
		case c >= 'a' && c <= 'f':
			v |= uint32(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v |= uint32(c-'A') + 10
		default:
			return 0, false
		}
	}
	return v, true
}

const hexDigits = "0123456789ABCDEF"

func (s *SLCAN) Send(f Frame) error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return fmt.Errorf("canlink: %s: not connected", s.portPath)
	}

	rec := make([]byte, 0, 6+int(f.Length)*2)
	rec = append(rec, 't',
		hexDigits[(f.ID>>8)&0xf], hexDigits[(f.ID>>4)&0xf], hexDigits[f.ID&0xf],
		'0'+f.Length)
	for _, b := range f.Data[:f.Length] {
		rec = append(rec, hexDigits[b>>4], hexDigits[b&0xf])
	}
	rec = append(rec, '\r')

	if _, err := port.Write(rec); err != nil {
		return fmt.Errorf("canlink: %s: send: %w", s.portPath, err)
	}
	return nil
}

func (s *SLCAN) BusConfigGet() (BusConfig, error) {
	return BusConfig{Filter: 0x222, Mask: 0x7ff, BitRate: s.bitRate}, nil
}

// BusReset closes and reopens the CAN channel on the adapter.
func (s *SLCAN) BusReset() error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return fmt.Errorf("canlink: %s: not connected", s.portPath)
	}

	code := slcanRateCodes[s.bitRate]
	if _, err := port.Write([]byte{'C', '\r', 'S', code, '\r', 'O', '\r'}); err != nil {
		return fmt.Errorf("canlink: %s: bus reset: %w", s.portPath, err)
	}
	return nil
}

func (s *SLCAN) Reset() error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.mu.Unlock()
	if port != nil {
		port.Write([]byte{'C', '\r'})
		port.Close()
	}
	return s.Connect()
}

func (s *SLCAN) Close() error {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.closed = true
	s.mu.Unlock()
	if port != nil {
		port.Write([]byte{'C', '\r'})
		return port.Close()
	}
	return nil
}
