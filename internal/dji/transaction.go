package dji

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/alxbouchard/PAZ-Gimbal-Control/internal/gimbal"
)

// serial numbers the outbound frames; monotonically issued across every
// engine in the process.
var serial atomic.Uint32

func nextSerial() uint16 { return uint16(serial.Add(1)) }

// Transaction is one request/reply unit: the outbound frame, the expected
// reply size, a tick-granularity receive timeout and a single-assignment
// result slot. A transaction with no expected reply completes as soon as its
// bytes are on the wire.
type Transaction struct {
	frame Frame

	onComplete func(*Transaction)

	done   bool
	result error

	rxExpected int
	rxTimeout  int
}

// PrepareComplete registers the completion hook, called under the engine
// mutex when the result is set.
func (t *Transaction) PrepareComplete(fn func(*Transaction)) {
	t.onComplete = fn
}

// PrepareRx declares the expected reply payload size in bytes (header
// included on the wire, footer excluded).
func (t *Transaction) PrepareRx(payloadBytes int) {
	t.rxExpected = TotalSize(payloadBytes) - FooterSize
}

// Reset clears the result slot so the transaction can be started (again).
func (t *Transaction) Reset() {
	t.done = false
	t.result = nil
}

// Complete writes the result slot and fires the completion hook. The slot is
// written at most once; a second completion is ignored.
func (t *Transaction) Complete(result error) {
	if t.done {
		return
	}
	t.done = true
	t.result = result

	if t.onComplete != nil {
		t.onComplete(t)
	}
}

// Started reacts to the outcome of sending the outbound bytes: a send error
// completes the transaction immediately, as does a transaction that expects
// no reply.
func (t *Transaction) Started(sendErr error) {
	if t.rxExpected <= 0 || sendErr != nil {
		t.Complete(sendErr)
	}
}

// Tick ages the receive timeout; reaching one completes with TIMEOUT.
func (t *Transaction) Tick() {
	switch t.rxTimeout {
	case 0:
	case 1:
		t.Complete(gimbal.ErrTimeout)
	default:
		t.rxTimeout--
	}
}

// Wait blocks on cond until the result slot is written. The caller holds the
// mutex associated with cond.
func (t *Transaction) Wait(cond *sync.Cond) error {
	for !t.done {
		cond.Wait()
	}
	return t.result
}

func (t *Transaction) IsOK() bool { return t.done && t.result == nil }

func (t *Transaction) Result() error { return t.result }

// RxExpected is the byte count at which the reply is complete.
func (t *Transaction) RxExpected() int { return t.rxExpected }

func (t *Transaction) rxTimeoutSet(ticks int) { t.rxTimeout = ticks }

// Frame returns the outbound frame for sending and inspection.
func (t *Transaction) Frame() *Frame { return &t.frame }

func (t *Transaction) frameInit(dataLen int, cmdType, cmdSet, cmdID byte) {
	t.frame.Init(dataLen, cmdType, cmdSet, cmdID, nextSerial())
}

// InitAngleGet builds a position query.
func (t *Transaction) InitAngleGet() {
	t.frameInit(3, CmdTypeDoReply, CmdSetDefault, CmdAngleGet)
	t.frame.SetData(2, 0x01)
}

// InitAngleLimitGet builds an angle-limit query.
func (t *Transaction) InitAngleLimitGet() {
	t.frameInit(3, CmdTypeDoReply, CmdSetDefault, CmdAngleLimitGet)
	t.frame.SetData(2, 0x01)
}

// InitAngleLimitSet builds an angle-limit update from the configured limits.
func (t *Transaction) InitAngleLimitSet(cfg gimbal.Config) {
	t.frameInit(8, CmdTypeDoReply, CmdSetDefault, CmdAngleLimitSet)

	offsets := [gimbal.AxisQty]int{2, 7, 5}
	for a := gimbal.Axis(0); a < gimbal.AxisQty; a++ {
		ax := cfg.Axis[a]
		var max, min byte
		if ax.MaxDeg > 0.0 {
			max = byte(ax.MaxDeg)
		}
		if ax.MinDeg < 0.0 {
			min = byte(-ax.MinDeg)
		}
		t.frame.SetData(offsets[a], max)
		t.frame.SetData(offsets[a]+1, min)
	}

	t.frame.SetData(2, 0x01)
}

// Op codes of the focus calibration operations, in device numbering.
var calOpCodes = [gimbal.OperationQty]byte{0x01, 0x02, 0x05, 0x04, 0x06}

// InitFocusCal builds a focus calibration step.
func (t *Transaction) InitFocusCal(op gimbal.Operation) {
	t.frameInit(5, CmdTypeNoReply, CmdSetDefault, CmdFocus)
	t.frame.SetData(2, CmdFocusCal)
	t.frame.SetData(4, calOpCodes[op])
}

// InitFocusSet builds a focus position command; the percentage maps onto the
// device's 12-bit range.
func (t *Transaction) InitFocusSet(valuePc float64) {
	v := FocusValue(valuePc)

	t.frameInit(7, CmdTypeNoReply, CmdSetDefault, CmdFocus)
	t.frame.SetData(2, CmdFocusSet)
	t.frame.SetData(4, 0x02)
	t.frame.SetData(5, byte(v))
	t.frame.SetData(6, byte(v>>8))
}

// InitMotorStiffnessGet builds a stiffness query.
func (t *Transaction) InitMotorStiffnessGet() {
	t.frameInit(3, CmdTypeDoReply, CmdSetDefault, CmdMotorStiffnessGet)
	t.frame.SetData(2, 0x01)
}

// InitMotorStiffnessSet builds a stiffness update.
func (t *Transaction) InitMotorStiffnessSet(cfg gimbal.Config) {
	t.frameInit(6, CmdTypeDoReply, CmdSetDefault, CmdMotorStiffnessSet)
	for a := gimbal.Axis(0); a < gimbal.AxisQty; a++ {
		t.frame.SetData(3+int(a), byte(cfg.Axis[a].StiffnessPc))
	}
	t.frame.SetData(2, 0x01)
}

// Wire flag bits and angle offsets, indexed by axis (pitch, roll, yaw).
var (
	wireIgnoreFlags = [gimbal.AxisQty]byte{0x08, 0x04, 0x02}
	angleOffsets    = [gimbal.AxisQty]int{6, 4, 2}
)

// InitPositionSet builds an absolute move. Ignored axes carry their wire
// flag bit instead of an angle.
func (t *Transaction) InitPositionSet(p gimbal.Position, flags uint, duration time.Duration) {
	t.frameInit(10, CmdTypeNoReply, CmdSetDefault, CmdPositionSet)

	t.frame.SetData(8, 0x01)
	for a := gimbal.Axis(0); a < gimbal.AxisQty; a++ {
		if flags&gimbal.FlagIgnore(a) == 0 {
			t.frame.AngleSet(angleOffsets[a], p.AxisDeg[a])
		} else {
			t.frame.SetData(8, t.frame.Data(8)|wireIgnoreFlags[a])
		}
	}
	t.frame.SetData(9, byte(duration.Milliseconds()/100))
}

// InitSpeedSet builds a speed command for all three axes.
func (t *Transaction) InitSpeedSet(s gimbal.Speed) {
	t.frameInit(9, CmdTypeNoReply, CmdSetDefault, CmdSpeedSet)
	for a := gimbal.Axis(0); a < gimbal.AxisQty; a++ {
		t.frame.SpeedSet(angleOffsets[a], s.AxisDegS[a])
	}
	t.frame.SetData(8, 0x88)
}

// InitTLVSet builds a track-speed update; the percentage maps onto the
// device range 1..30.
func (t *Transaction) InitTLVSet(speedPc float64) {
	t.frameInit(5, CmdTypeDoReply, CmdSetDefault, CmdTLVSet)
	t.frame.SetData(2, 0x75)
	t.frame.SetData(3, 1)
	t.frame.SetData(4, byte(speedPc/100.0*29.0+1))
}

// InitTrackSwitch builds a track-switch command.
func (t *Transaction) InitTrackSwitch() {
	t.frameInit(3, CmdTypeNoReply, CmdSetDefault, CmdTrackSwitch)
	t.frame.SetData(2, 0x03)
}

// InitVersion builds a version/info query.
func (t *Transaction) InitVersion() {
	t.frameInit(6, CmdTypeDoReply, CmdSetDefault, CmdVersion)
	t.frame.SetData(2, 1)
}
