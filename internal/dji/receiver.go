package dji

import (
	"github.com/alxbouchard/PAZ-Gimbal-Control/internal/canlink"
	"github.com/alxbouchard/PAZ-Gimbal-Control/internal/gimbal"
)

// receive is the link's inbound callback. It runs on the link-receive
// goroutine and serializes with the worker under the engine mutex: append
// the payload, validate the bytes that just arrived, complete the pending
// transaction when the expected count is reached.
func (e *Engine) receive(cf canlink.Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cf.ID != CANIDRx || e.trCurrent == nil {
		return
	}

	newSize := e.rxSize + int(cf.Length)
	if newSize > len(e.rxBuf) {
		e.receiverReset()
		return
	}

	e.receiverCopyNewData(cf)

	if err := e.receiverValidate(newSize); err != nil {
		e.trCurrent.Complete(err)
		return
	}

	if e.trCurrent.RxExpected() <= e.rxSize {
		switch e.state {
		case StateErrorEth:
			e.stateSet(StateActivated)
			fallthrough
		case StateActivated, StateTransaction:
			e.stateCounter = livenessTicks
		}

		e.trCurrent.Complete(nil)
	}
}

// receiverCopyNewData merges a CAN payload into the receive buffer. Full
// 8-byte payloads stream tail-wise and advance the split point; a short
// payload is the frame's footer chunk and is inserted at the split point,
// shifting any footer bytes that arrived before it. This reconstructs the
// frame in order even when the final short chunk is observed early.
func (e *Engine) receiverCopyNewData(cf canlink.Frame) {
	size := int(cf.Length)

	if toMove := e.rxSize - e.rxOffset; toMove > 0 {
		copy(e.rxBuf[e.rxOffset+size:], e.rxBuf[e.rxOffset:e.rxOffset+toMove])
	}
	copy(e.rxBuf[e.rxOffset:], cf.Data[:size])

	if size >= 8 {
		e.rxOffset += size
	}
}

func (e *Engine) receiverReset() {
	e.rxOffset = 0
	e.rxSize = 0
}

// receiverValidate runs the byte-position checks over the span the buffer
// just grew through. Each threshold is checked exactly once, when the byte
// count first crosses it. Any failure drops the buffer.
func (e *Engine) receiverValidate(to int) error {
	reply := Reply(e.rxBuf[:])

	err := func() error {
		if e.rxSize < 1 && to >= 1 {
			if reply.SOF() != SOF {
				return gimbal.ErrProtocol
			}
		}

		if e.rxSize < 2 && to >= 2 {
			if reply.Size() > len(e.rxBuf) {
				return gimbal.ErrFrameTooLong
			}
			if reply.Size() < TotalSize(1) {
				return gimbal.ErrFrameTooShort
			}
		}

		if e.rxSize < 3 && to >= 3 {
			if reply.Version()&0xFC != 0 {
				return gimbal.ErrGimbalVersion
			}
		}

		if e.rxSize < 4 && to >= 4 {
			if reply.CmdType() != CmdTypeReply {
				return gimbal.ErrCmdType
			}
		}

		if e.rxSize < 5 && to >= 5 {
			if reply.Encoded() != 0 {
				return gimbal.ErrEncoded
			}
		}

		if e.rxSize < 10 && to >= 10 {
			if reply.Serial() != e.trCurrent.Frame().Serial() {
				return gimbal.ErrProtocol
			}
		}

		if e.rxSize < 12 && to >= 12 {
			if !reply.HeaderCRCValid() {
				return gimbal.ErrProtocol
			}
		}

		if e.rxSize < 13 && to >= 13 {
			if reply.Data(DataCmdSet) != CmdSetDefault {
				return gimbal.ErrCmdSet
			}
		}

		if e.rxSize < 14 && to >= 14 {
			if reply.Data(DataCmdID) != e.trCurrent.Frame().Data(DataCmdID) {
				return gimbal.ErrCmdID
			}
		}

		if e.rxSize < 15 && to >= 15 {
			if reply.Data(ReplyResult) != DeviceOK {
				return gimbal.ErrGimbal
			}
		}
		return nil
	}()

	if err != nil {
		e.receiverReset()
		return err
	}

	e.rxSize = to
	return nil
}
