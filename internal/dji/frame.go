// Package dji implements the gimbal's CAN-framed command protocol: the frame
// codec, the request/reply transaction unit and the per-gimbal protocol
// engine with its worker ticker and inbound validator.
package dji

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/alxbouchard/PAZ-Gimbal-Control/internal/canlink"
)

// Frame layout: 12-byte header, up to 16 data bytes, 4-byte CRC-32 footer.
const (
	HeaderSize = 12
	FooterSize = 4
	DataMax    = 16
	FrameMax   = HeaderSize + DataMax + FooterSize

	SOF = 0xAA
)

// CAN attachment parameters.
const (
	CANIDRx    = 0x222
	CANIDTx    = 0x223
	CANMask    = 0x7FF
	CANBitRate = 1000000
)

// Default command set.
const (
	CmdSetDefault = 0x0E

	CmdPositionSet       = 0x00
	CmdSpeedSet          = 0x01
	CmdAngleGet          = 0x02
	CmdAngleLimitSet     = 0x03
	CmdAngleLimitGet     = 0x04
	CmdMotorStiffnessSet = 0x05
	CmdMotorStiffnessGet = 0x06
	CmdVersion           = 0x09
	CmdControl           = 0x0A
	CmdTLVSet            = 0x0C
	CmdCalibration       = 0x0F
	CmdTrackSwitch       = 0x11
	CmdFocus             = 0x12

	CmdFocusSet = 0x01
	CmdFocusCal = 0x02
)

// Third-party command set.
const (
	CmdSetThirdParty = 0x0D

	CmdMotion    = 0x00
	CmdStatusGet = 0x01
)

// Command types.
const (
	CmdTypeDoReply = 0x03
	CmdTypeNoReply = 0x00
	CmdTypeReply   = 0x20
)

// Reply result codes.
const (
	DeviceOK         = 0x00
	DeviceErrorParse = 0x01
	DeviceErrorFail  = 0x02
)

// Data offsets.
const (
	DataCmdSet = 0
	DataCmdID  = 1

	ReplyResult = 2
)

// Header offsets.
const (
	offSOF     = 0
	offSize    = 1
	offVersion = 2
	offCmdType = 3
	offEncoded = 4
	offSerial  = 8
	offCRC16   = 10
)

// TotalSize is the full frame length for a given data length.
func TotalSize(dataLen int) int { return HeaderSize + dataLen + FooterSize }

// Frame is one protocol frame. The zero value is empty; Init fills the
// header, Seal appends the footer checksum.
type Frame struct {
	buf [FrameMax]byte
}

// Init resets the frame and writes the header: command type, serial, total
// length, start byte, command set/id, then the CRC-16 over the first ten
// header bytes.
func (f *Frame) Init(dataLen int, cmdType, cmdSet, cmdID byte, serial uint16) {
	f.buf = [FrameMax]byte{}

	f.buf[offSOF] = SOF
	f.buf[offSize] = byte(TotalSize(dataLen))
	f.buf[offCmdType] = cmdType
	binary.LittleEndian.PutUint16(f.buf[offSerial:], serial)

	f.buf[HeaderSize+DataCmdSet] = cmdSet
	f.buf[HeaderSize+DataCmdID] = cmdID

	binary.LittleEndian.PutUint16(f.buf[offCRC16:], CRC16(f.buf[:offCRC16]))
}

// Seal computes the CRC-32 over everything before the footer and appends it.
// A frame must be sealed exactly once, immediately before transmission.
func (f *Frame) Seal() {
	n := f.Size() - FooterSize
	binary.LittleEndian.PutUint32(f.buf[n:], CRC32(f.buf[:n]))
}

// Size is the declared total frame length in bytes.
func (f *Frame) Size() int { return int(f.buf[offSize]) }

// Serial returns the header serial.
func (f *Frame) Serial() uint16 { return binary.LittleEndian.Uint16(f.buf[offSerial:]) }

// Bytes exposes the wire form: header, data and footer.
func (f *Frame) Bytes() []byte { return f.buf[:f.Size()] }

// Data returns the data byte at off.
func (f *Frame) Data(off int) byte { return f.buf[HeaderSize+off] }

// SetData writes one data byte.
func (f *Frame) SetData(off int, v byte) { f.buf[HeaderSize+off] = v }

// AngleSet encodes an angle as a little-endian int16 in tenths of a degree
// at the given data offset.
func (f *Frame) AngleSet(off int, angleDeg float64) {
	binary.LittleEndian.PutUint16(f.buf[HeaderSize+off:], uint16(int16(angleDeg*10.0)))
}

// AngleGet decodes an angle written by AngleSet.
func (f *Frame) AngleGet(off int) float64 {
	return float64(int16(binary.LittleEndian.Uint16(f.buf[HeaderSize+off:]))) / 10.0
}

// SpeedSet encodes a speed, same representation as angles.
func (f *Frame) SpeedSet(off int, speedDegS float64) {
	binary.LittleEndian.PutUint16(f.buf[HeaderSize+off:], uint16(int16(speedDegS*10.0)))
}

// FocusValue maps a focus percentage onto the device's 12-bit range.
func FocusValue(valuePc float64) int16 {
	return int16(valuePc / 100.0 * 4095)
}

// Chunks splits the sealed frame into CAN payloads of at most 8 bytes. The
// final chunk must never carry a partial footer: when a naive split would
// leave 1..3 trailing bytes, the previous chunk is shortened so the last one
// carries exactly the 4-byte footer.
func (f *Frame) Chunks() []canlink.Frame {
	total := f.Size()
	var out []canlink.Frame

	for off := 0; off < total; {
		sz := total - off
		if sz > 8 {
			if sz > 12 {
				sz = 8
			} else {
				sz = sz - FooterSize
			}
		}

		var cf canlink.Frame
		cf.ID = CANIDTx
		cf.Length = uint8(sz)
		copy(cf.Data[:], f.buf[off:off+sz])
		out = append(out, cf)

		off += sz
	}
	return out
}

// Display writes a human-readable dump of the frame.
func (f *Frame) Display(w io.Writer) {
	fmt.Fprintf(w, "SOF      : 0x%02x\n", f.buf[offSOF])
	fmt.Fprintf(w, "Size     : %d bytes\n", f.Size())
	fmt.Fprintf(w, "Version  : 0x%02x\n", f.buf[offVersion])
	fmt.Fprintf(w, "Cmd Type : 0x%02x\n", f.buf[offCmdType])
	fmt.Fprintf(w, "Encoded  : 0x%02x\n", f.buf[offEncoded])
	fmt.Fprintf(w, "Serial   : 0x%04x\n", f.Serial())
	fmt.Fprintf(w, "CRC 16   : 0x%04x\n", binary.LittleEndian.Uint16(f.buf[offCRC16:]))

	dataLen := f.Size() - HeaderSize - FooterSize
	fmt.Fprintf(w, "Data     :")
	for i := 0; i < dataLen; i++ {
		fmt.Fprintf(w, " 0x%02x", f.Data(i))
	}
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "CRC 32   : 0x%08x\n", binary.LittleEndian.Uint32(f.buf[f.Size()-FooterSize:]))
}

// Reply is a view over the receive buffer, giving the validator and the
// completion handlers typed access to header fields and data while the frame
// is still arriving.
type Reply []byte

func (r Reply) SOF() byte       { return r[offSOF] }
func (r Reply) Size() int       { return int(r[offSize]) }
func (r Reply) Version() byte   { return r[offVersion] }
func (r Reply) CmdType() byte   { return r[offCmdType] }
func (r Reply) Encoded() byte   { return r[offEncoded] }
func (r Reply) Serial() uint16  { return binary.LittleEndian.Uint16(r[offSerial:]) }
func (r Reply) HeaderCRC() uint16 {
	return binary.LittleEndian.Uint16(r[offCRC16:])
}

// HeaderCRCValid recomputes the CRC-16 over the first ten header bytes.
func (r Reply) HeaderCRCValid() bool { return CRC16(r[:offCRC16]) == r.HeaderCRC() }

func (r Reply) Data(off int) byte { return r[HeaderSize+off] }

func (r Reply) AngleGet(off int) float64 {
	return float64(int16(binary.LittleEndian.Uint16(r[HeaderSize+off:]))) / 10.0
}
