package canlink

import (
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/brutella/can"
)

// SocketCAN attaches to a local Linux SocketCAN interface (can0, vcan0, ...).
// The kernel owns the bit rate; BusConfigGet reports the rate configured in
// the daemon config so the engine can verify it matches expectations.
type SocketCAN struct {
	iface   string
	bitRate uint32

	mu      sync.Mutex
	bus     *can.Bus
	started bool
	handler Handler
}

// NewSocketCAN returns an unconnected SocketCAN attachment.
func NewSocketCAN(iface string, bitRate uint32) *SocketCAN {
	return &SocketCAN{iface: iface, bitRate: bitRate}
}

func (s *SocketCAN) Name() string { return "socketcan:" + s.iface }

func (s *SocketCAN) Connect() error {
	iface, err := net.InterfaceByName(s.iface)
	if err != nil {
		return fmt.Errorf("canlink: interface %s: %w", s.iface, err)
	}

	conn, err := can.NewReadWriteCloserForInterface(iface)
	if err != nil {
		return fmt.Errorf("canlink: open %s: %w", s.iface, err)
	}

	s.mu.Lock()
	s.bus = can.NewBus(conn)
	s.mu.Unlock()

	log.Printf("[canlink] opened %s", s.iface)
	return nil
}

func (s *SocketCAN) ReceiverStart(h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bus == nil {
		return fmt.Errorf("canlink: %s: not connected", s.iface)
	}
	if s.started {
		return fmt.Errorf("canlink: %s: receiver already started", s.iface)
	}
	s.handler = h
	s.started = true

	s.bus.SubscribeFunc(s.publish)
	go func() {
		if err := s.bus.ConnectAndPublish(); err != nil {
			log.Printf("[canlink] %s: publish loop ended: %v", s.iface, err)
		}
	}()
	return nil
}

func (s *SocketCAN) publish(cf can.Frame) {
	var f Frame
	f.ID = cf.ID
	f.Length = cf.Length
	if f.Length > 8 {
		f.Length = 8
	}
	copy(f.Data[:], cf.Data[:])

	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(f)
	}
}

func (s *SocketCAN) Send(f Frame) error {
	s.mu.Lock()
	bus := s.bus
	s.mu.Unlock()
	if bus == nil {
		return fmt.Errorf("canlink: %s: not connected", s.iface)
	}

	cf := can.Frame{ID: f.ID, Length: f.Length}
	copy(cf.Data[:], f.Data[:])

	if err := bus.Publish(cf); err != nil {
		return fmt.Errorf("canlink: %s: send: %w", s.iface, err)
	}
	return nil
}

func (s *SocketCAN) BusConfigGet() (BusConfig, error) {
	// SocketCAN delivers every ID; filtering happens in the engine, so the
	// reported filter/mask are the ones the engine expects.
	return BusConfig{Filter: 0x222, Mask: 0x7ff, BitRate: s.bitRate}, nil
}

// BusReset reopens the socket; bringing the interface itself down and up
// again is left to the operator.
func (s *SocketCAN) BusReset() error { return s.reopen() }

func (s *SocketCAN) Reset() error { return s.reopen() }

func (s *SocketCAN) reopen() error {
	s.mu.Lock()
	bus := s.bus
	s.bus = nil
	started := s.started
	s.started = false
	s.mu.Unlock()

	if bus != nil {
		bus.Disconnect()
	}
	if err := s.Connect(); err != nil {
		return err
	}
	if started {
		s.mu.Lock()
		h := s.handler
		s.started = false
		s.mu.Unlock()
		return s.ReceiverStart(h)
	}
	return nil
}

func (s *SocketCAN) Close() error {
	s.mu.Lock()
	bus := s.bus
	s.bus = nil
	s.mu.Unlock()
	if bus != nil {
		return bus.Disconnect()
	}
	return nil
}
