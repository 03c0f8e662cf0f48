package dji

import (
	"log"
	"time"

	"github.com/alxbouchard/PAZ-Gimbal-Control/internal/gimbal"
)

// worker is the per-gimbal ticker goroutine. Each 10 ms tick dispatches on
// the connection state and then ages the model counters.
func (e *Engine) worker() {
	defer close(e.workerDone)

	for {
		select {
		case <-e.workerStop:
			return
		default:
		}

		time.Sleep(period)
		e.tick()
	}
}

func (e *Engine) tick() {
	// The worker must survive anything a tick does wrong; a panic here
	// would silently strand every pending transaction.
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[engine] %s: tick: %v (%v)", e.name, gimbal.ErrException, r)
		}
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateActivated:
		e.tickActivated()

	case StateActivating, StateErrorEth:
		if e.trNext != nil {
			e.stateTransaction()
		}

	case StateTransaction:
		e.trCurrent.Tick()

	case StateInit, StateErrorCan:
	}

	e.model.Tick()
}

// tickActivated promotes a queued transaction, or runs the periodic work
// cycle and ages the liveness counter.
func (e *Engine) tickActivated() {
	if e.trNext != nil {
		e.stateTransaction()
		return
	}

	e.tickWork()

	switch e.stateCounter {
	case 0:
		log.Printf("[engine] %s: liveness counter underflow", e.name)

	case 1:
		e.stateSet(StateErrorCan)
		e.resetAndSleep(StateActivated)

	default:
		e.stateCounter--
	}
}

// stateTransaction moves the queued transaction in flight.
func (e *Engine) stateTransaction() {
	e.stateSet(StateTransaction)
	e.trStart(e.trNext)
	e.trNext = nil
}

// tickWork interleaves the periodic duties over a four-tick cycle: focus
// integration on 0 and 2, a position query on 1, a motion refresh on 3.
func (e *Engine) tickWork() {
	e.counter++

	switch e.counter % 4 {
	case 0, 2:
		e.tickFocusSpeed()
	case 1:
		e.tickPosition()
	case 3:
		e.tickSpeed()
	}
}

// tickFocusSpeed integrates focus position from focus speed and pushes the
// new setpoint.
func (e *Engine) tickFocusSpeed() {
	if !e.model.IsFocusMoving() {
		return
	}

	pos := e.model.FocusPositionPc + e.model.FocusSpeedPcS*2*periodMs/1000.0
	e.model.FocusPositionPc = gimbal.Limit(pos, gimbal.FocusPositionMinPc, gimbal.FocusPositionMaxPc)

	var tr Transaction
	tr.InitFocusSet(e.model.FocusPositionPc)
	if err := e.frameSend(tr.Frame()); err != nil {
		log.Printf("[engine] %s: focus refresh: %v", e.name, err)
	}
}

// tickPosition starts the recurring position query without leaving
// ACTIVATED.
func (e *Engine) tickPosition() {
	e.trPosition.InitAngleGet()
	e.trPosition.Reset()
	e.trStart(&e.trPosition)
}

// tickSpeed refreshes the active motion: reissue the position target while
// MOVING, the speed command while in SPEED. The speed refresh may fail
// during an expected device reset, so its result is ignored.
func (e *Engine) tickSpeed() {
	switch e.model.PositionState() {
	case gimbal.PositionKnown, gimbal.PositionUnknown:

	case gimbal.PositionMoving:
		var tr Transaction
		tr.InitPositionSet(e.model.PositionTarget, e.model.PositionFlags, e.moveDuration)
		e.frameSend(tr.Frame())

	case gimbal.PositionSpeed:
		var tr Transaction
		tr.InitSpeedSet(e.model.Spd)
		e.frameSend(tr.Frame())
	}
}

// resetAndSleep recovers from a dead bus: reset the controller, hold a one
// second cooldown, then resume in next with a short liveness grace. A failed
// reset degrades to ERROR_ETH. Caller holds the mutex; the cooldown
// deliberately keeps it held.
func (e *Engine) resetAndSleep(next State) {
	if err := e.dev.BusReset(); err != nil {
		log.Printf("[engine] %s: bus reset: %v", e.name, err)
		e.stateSet(StateErrorEth)
		return
	}

	time.Sleep(time.Second)

	e.stateCounter = livenessRecoveryTicks
	e.stateSet(next)
}
