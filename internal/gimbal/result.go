package gimbal

import "fmt"

// Result is the flat status code returned by every public operation in the
// control stack. OK and OKReplaced are success values; everything else is an
// error. Result implements error so codes flow through normal Go error
// returns — a nil error means OK.
type Result uint16

const (
	OK Result = iota
	// OKReplaced means a queued motion command was superseded before it was
	// sent. The engine writes it into the displaced transaction's result
	// slot; PositionSet and SpeedSet still return plain OK to their callers.
	OKReplaced
)

const (
	ErrAction Result = 0x100 + iota
	ErrAlreadyStarted
	ErrAlreadyStopped
	ErrAlreadyStopping
	ErrAngleMax
	ErrAngleMin
	ErrCmdID
	ErrCmdSet
	ErrCmdType
	ErrCode
	ErrConfig
	ErrControl
	ErrEncoded
	ErrException
	ErrFileOpen
	ErrFrameTooLong
	ErrFrameTooShort
	ErrFunction
	ErrGimbal
	ErrGimbalOff
	ErrGimbalVersion
	ErrMax
	ErrMin
	ErrNotAGamepad
	ErrNotReady
	ErrOperation
	ErrProtocol
	ErrReceive
	ErrReceiver
	ErrResult
	ErrSend
	ErrSpeed
	ErrSpeedMax
	ErrSpeedMin
	ErrState
	ErrThread
	ErrTimeout
)

var resultNames = map[Result]string{
	OK:                 "OK",
	OKReplaced:         "OK_REPLACED",
	ErrAction:          "ACTION",
	ErrAlreadyStarted:  "ALREADY_STARTED",
	ErrAlreadyStopped:  "ALREADY_STOPPED",
	ErrAlreadyStopping: "ALREADY_STOPPING",
	ErrAngleMax:        "ANGLE_MAX",
	ErrAngleMin:        "ANGLE_MIN",
	ErrCmdID:           "CMD_ID",
	ErrCmdSet:          "CMD_SET",
	ErrCmdType:         "CMD_TYPE",
	ErrCode:            "CODE",
	ErrConfig:          "CONFIG",
	ErrControl:         "CONTROL",
	ErrEncoded:         "ENCODED",
	ErrException:       "EXCEPTION",
	ErrFileOpen:        "FILE_OPEN",
	ErrFrameTooLong:    "FRAME_TOO_LONG",
	ErrFrameTooShort:   "FRAME_TOO_SHORT",
	ErrFunction:        "FUNCTION",
	ErrGimbal:          "GIMBAL",
	ErrGimbalOff:       "GIMBAL_OFF",
	ErrGimbalVersion:   "GIMBAL_VERSION",
	ErrMax:             "MAX",
	ErrMin:             "MIN",
	ErrNotAGamepad:     "NOT_A_GAMEPAD",
	ErrNotReady:        "NOT_READY",
	ErrOperation:       "OPERATION",
	ErrProtocol:        "PROTOCOL",
	ErrReceive:         "RECEIVE",
	ErrReceiver:        "RECEIVER",
	ErrResult:          "RESULT",
	ErrSend:            "SEND",
	ErrSpeed:           "SPEED",
	ErrSpeedMax:        "SPEED_MAX",
	ErrSpeedMin:        "SPEED_MIN",
	ErrState:           "STATE",
	ErrThread:          "THREAD",
	ErrTimeout:         "TIMEOUT",
}

// Name returns the symbolic name of the code, or a hex form for unknown values.
func (r Result) Name() string {
	if n, ok := resultNames[r]; ok {
		return n
	}
	return fmt.Sprintf("RESULT_0x%04x", uint16(r))
}

func (r Result) Error() string { return r.Name() }

// AsError returns r as an error, or nil when r is a success value.
func (r Result) AsError() error {
	if r == OK || r == OKReplaced {
		return nil
	}
	return r
}
