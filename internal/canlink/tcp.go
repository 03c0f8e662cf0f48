package canlink

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"
)

// EthCAN-style bridge stream. Every message is a type byte followed by a
// fixed-size payload for that type.
const (
	msgSend     = 0x01 // host -> bridge: id(4 LE) dlc(1) data(8)
	msgFrame    = 0x02 // bridge -> host: id(4 LE) dlc(1) data(8)
	msgBusReset = 0x03 // host -> bridge, no payload
	msgCfgGet   = 0x04 // host -> bridge, no payload
	msgCfg      = 0x05 // bridge -> host: filter(4) mask(4) rate(4)
	msgInfoGet  = 0x06 // host -> bridge, no payload
	msgInfo     = 0x07 // bridge -> host: name(16) addr(4) gw(4) netmask(4)
)

const (
	frameWireSize = 13
	dialTimeout   = 5 * time.Second
)

// BridgeInfo describes the Ethernet side of a CAN bridge.
type BridgeInfo struct {
	Name        string
	IPv4Address uint32
	IPv4Gateway uint32
	IPv4NetMask uint32
}

// InfoReporter is implemented by attachments that can describe their network
// identity.
type InfoReporter interface {
	InfoGet() (BridgeInfo, error)
}

// TCPBridge drives an Ethernet-to-CAN bridge over a TCP stream.
type TCPBridge struct {
	addr string

	mu      sync.Mutex
	conn    net.Conn
	gen     int
	started bool
	closed  bool

	handler Handler

	info BridgeInfo
	cfg  BusConfig
}

// NewTCPBridge returns an unconnected bridge client for addr ("host:port").
func NewTCPBridge(addr string) *TCPBridge {
	return &TCPBridge{addr: addr}
}

func (b *TCPBridge) Name() string { return "tcp:" + b.addr }

// Connect dials the bridge and retrieves its bus configuration and identity.
func (b *TCPBridge) Connect() error {
	conn, err := net.DialTimeout("tcp", b.addr, dialTimeout)
	if err != nil {
		return fmt.Errorf("canlink: dial %s: %w", b.addr, err)
	}

	cfg, info, err := handshake(conn)
	if err != nil {
		conn.Close()
		return err
	}

	b.mu.Lock()
	b.conn = conn
	b.gen++
	b.cfg = cfg
	b.info = info
	b.mu.Unlock()

	log.Printf("[canlink] connected to bridge %s (%s, filter=0x%03x rate=%d)",
		b.addr, info.Name, cfg.Filter, cfg.BitRate)
	return nil
}

func handshake(conn net.Conn) (BusConfig, BridgeInfo, error) {
	var cfg BusConfig
	var info BridgeInfo

	conn.SetDeadline(time.Now().Add(dialTimeout))
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write([]byte{msgCfgGet}); err != nil {
		return cfg, info, fmt.Errorf("canlink: config request: %w", err)
	}
	t, payload, err := readMessage(conn)
	if err != nil {
		return cfg, info, fmt.Errorf("canlink: config reply: %w", err)
	}
	if t != msgCfg {
		return cfg, info, fmt.Errorf("canlink: unexpected reply type 0x%02x to config request", t)
	}
	cfg.Filter = binary.LittleEndian.Uint32(payload[0:4])
	cfg.Mask = binary.LittleEndian.Uint32(payload[4:8])
	cfg.BitRate = binary.LittleEndian.Uint32(payload[8:12])

	if _, err := conn.Write([]byte{msgInfoGet}); err != nil {
		return cfg, info, fmt.Errorf("canlink: info request: %w", err)
	}
	t, payload, err = readMessage(conn)
	if err != nil {
		return cfg, info, fmt.Errorf("canlink: info reply: %w", err)
	}
	if t != msgInfo {
		return cfg, info, fmt.Errorf("canlink: unexpected reply type 0x%02x to info request", t)
	}
	name := payload[0:16]
	for i, c := range name {
		if c == 0 {
			name = name[:i]
			break
		}
	}
	info.Name = string(name)
	info.IPv4Address = binary.LittleEndian.Uint32(payload[16:20])
	info.IPv4Gateway = binary.LittleEndian.Uint32(payload[20:24])
	info.IPv4NetMask = binary.LittleEndian.Uint32(payload[24:28])

	return cfg, info, nil
}

// readMessage reads one type byte and its fixed payload.
func readMessage(r io.Reader) (byte, []byte, error) {
	var t [1]byte
	if _, err := io.ReadFull(r, t[:]); err != nil {
		return 0, nil, err
	}

	var size int
	switch t[0] {
	case msgFrame, msgSend:
		size = frameWireSize
	case msgCfg:
		size = 12
	case msgInfo:
		size = 28
	case msgBusReset, msgCfgGet, msgInfoGet:
		size = 0
	default:
		return 0, nil, fmt.Errorf("unknown message type 0x%02x", t[0])
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return t[0], payload, nil
}

// ReceiverStart launches the frame read loop. The loop survives Reset: when
// the connection is replaced it resumes on the new one.
func (b *TCPBridge) ReceiverStart(h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return fmt.Errorf("canlink: %s: not connected", b.addr)
	}
	if b.started {
		return fmt.Errorf("canlink: %s: receiver already started", b.addr)
	}
	b.handler = h
	b.started = true
	go b.readLoop()
	return nil
}

func (b *TCPBridge) readLoop() {
	for {
		b.mu.Lock()
		conn, gen, closed := b.conn, b.gen, b.closed
		h := b.handler
		b.mu.Unlock()

		if closed {
			return
		}
		if conn == nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		t, payload, err := readMessage(conn)
		if err != nil {
			b.mu.Lock()
			stale := b.gen != gen || b.closed
			b.mu.Unlock()
			if stale {
				continue // connection was replaced under us
			}
			log.Printf("[canlink] %s: receive: %v", b.addr, err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if t != msgFrame {
			continue
		}

		var f Frame
		f.ID = binary.LittleEndian.Uint32(payload[0:4])
		f.Length = payload[4]
		if f.Length > 8 {
			f.Length = 8
		}
		copy(f.Data[:], payload[5:13])
		h(f)
	}
}

// Send transmits one CAN frame through the bridge.
func (b *TCPBridge) Send(f Frame) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("canlink: %s: not connected", b.addr)
	}

	buf := make([]byte, 1+frameWireSize)
	buf[0] = msgSend
	binary.LittleEndian.PutUint32(buf[1:5], f.ID)
	buf[5] = f.Length
	copy(buf[6:14], f.Data[:])

	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("canlink: %s: send: %w", b.addr, err)
	}
	return nil
}

func (b *TCPBridge) BusConfigGet() (BusConfig, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return BusConfig{}, fmt.Errorf("canlink: %s: not connected", b.addr)
	}
	return b.cfg, nil
}

func (b *TCPBridge) InfoGet() (BridgeInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return BridgeInfo{}, fmt.Errorf("canlink: %s: not connected", b.addr)
	}
	return b.info, nil
}

// BusReset asks the bridge to reinitialize its CAN controller.
func (b *TCPBridge) BusReset() error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("canlink: %s: not connected", b.addr)
	}
	if _, err := conn.Write([]byte{msgBusReset}); err != nil {
		return fmt.Errorf("canlink: %s: bus reset: %w", b.addr, err)
	}
	return nil
}

// Reset replaces the TCP connection. The read loop picks up the new
// connection on its next iteration.
func (b *TCPBridge) Reset() error {
	b.mu.Lock()
	old := b.conn
	b.conn = nil
	b.gen++
	b.mu.Unlock()

	if old != nil {
		old.Close()
	}

	log.Printf("[canlink] %s: resetting transport", b.addr)
	return b.Connect()
}

func (b *TCPBridge) Close() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.closed = true
	b.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
