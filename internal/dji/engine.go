package dji

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/alxbouchard/PAZ-Gimbal-Control/internal/canlink"
	"github.com/alxbouchard/PAZ-Gimbal-Control/internal/gimbal"
)

// Connection state machine.
//
//	--> INIT <--+     +---+==> ERROR_ETH <--+
//	     |      |     |   |        |        |
//	     +--> ACTIVATING  |  +-----|--> ERROR_CAN <--+
//	           |          |  |     |     |           |
//	           +--> TRANSACTION <==+     |           |
//	                 |             |     |           |
//	                 +----> ACTIVATED <--+           |
//	                               |                 |
//	                               +-----------------+
type State int

const (
	StateActivated State = iota
	StateActivating
	StateErrorCan
	StateErrorEth
	StateInit
	StateTransaction

	stateQty
)

var stateNames = [stateQty]string{
	"ACTIVATED", "ACTIVATING", "ERROR_CAN", "ERROR_ETH", "INIT", "TRANSACTION",
}

func (s State) String() string {
	if s < 0 || s >= stateQty {
		return "STATE?"
	}
	return stateNames[s]
}

const (
	periodMs = 10
	period   = periodMs * time.Millisecond

	// Receive timeout for queued transactions.
	queueTimeoutTicks = 1000 / periodMs

	// Liveness: ticks without a reply before the bus is declared dead, and
	// the shorter grace period granted right after a recovery.
	livenessTicks         = 30
	livenessRecoveryTicks = 10
)

// Expected reply payload sizes, footer excluded.
const (
	rxPayloadSignal    = 3
	rxPayloadStiffness = 6
	rxPayloadLimits    = 9
	rxPayloadPosition  = 10
	rxPayloadInfo      = 11
	rxPayloadTLV       = 1
)

// Engine drives one gimbal over a CAN attachment: a six-state connection
// machine, a 10 ms worker ticker, an at-most-one-deep transaction queue and
// the inbound stream validator. One mutex (zone 0) guards the state, the
// transaction slots, the receive buffer and the semantic model; the paired
// condition variable signals transaction completion to waiting user calls.
type Engine struct {
	name string
	dev  canlink.Device

	mu   sync.Mutex
	cond *sync.Cond

	model *gimbal.Model

	state        State
	stateCounter int

	counter uint

	rxBuf    [128]byte
	rxOffset int
	rxSize   int

	trCurrent  *Transaction
	trNext     *Transaction
	trPosition Transaction

	moveDuration time.Duration

	workerStop chan struct{}
	workerDone chan struct{}
}

// New returns an engine bound to dev. The engine owns the device from here
// on; Release closes it.
func New(name string, dev canlink.Device) *Engine {
	e := &Engine{
		name:  name,
		dev:   dev,
		model: gimbal.NewModel(),
		state: StateInit,
	}
	e.cond = sync.NewCond(&e.mu)
	e.trPosition.PrepareComplete(e.onPosition)
	e.trPosition.PrepareRx(rxPayloadPosition)
	return e
}

// Connect verifies the attachment is reachable and configured for the
// gimbal's bus: RX filter 0x222, mask 0x7FF, 1 Mb/s.
func (e *Engine) Connect() error {
	if err := e.dev.Connect(); err != nil {
		return err
	}

	cfg, err := e.dev.BusConfigGet()
	if err != nil {
		return fmt.Errorf("dji: %s: bus config: %w", e.name, err)
	}
	if cfg.Filter != CANIDRx || cfg.Mask != CANMask || cfg.BitRate != CANBitRate {
		return fmt.Errorf("dji: %s: unexpected bus config (filter=0x%03x mask=0x%03x rate=%d): %w",
			e.name, cfg.Filter, cfg.Mask, cfg.BitRate, gimbal.ErrGimbal)
	}

	if ir, ok := e.dev.(canlink.InfoReporter); ok {
		info, err := ir.InfoGet()
		if err != nil {
			return fmt.Errorf("dji: %s: bridge info: %w", e.name, err)
		}
		e.mu.Lock()
		e.model.Inf.Name = info.Name
		e.model.Inf.IPv4Address = info.IPv4Address
		e.model.Inf.IPv4Gateway = info.IPv4Gateway
		e.model.Inf.IPv4NetMask = info.IPv4NetMask
		e.mu.Unlock()
	}
	return nil
}

// Name identifies the engine in logs and status reports.
func (e *Engine) Name() string { return e.name }

// Activate starts the link receiver and the worker, then runs the startup
// sequence: version/info (two attempts with a bus reset between), then the
// configured limits and stiffness. On failure the engine reverts to INIT.
func (e *Engine) Activate() error {
	e.mu.Lock()
	if e.state != StateInit {
		e.mu.Unlock()
		return gimbal.ErrState
	}
	e.stateSet(StateActivating)
	e.mu.Unlock()

	if err := e.dev.ReceiverStart(e.receive); err != nil {
		log.Printf("[engine] %s: receiver start: %v", e.name, err)
		e.mu.Lock()
		e.stateSet(StateInit)
		e.mu.Unlock()
		return gimbal.ErrReceive
	}

	e.workerStop = make(chan struct{})
	e.workerDone = make(chan struct{})
	go e.worker()

	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			e.mu.Lock()
			e.stateSet(StateErrorCan)
			e.resetAndSleep(StateActivating)
			e.mu.Unlock()
		}
		if err = e.infoRetrieve(); err == nil {
			break
		}
	}

	if err == nil {
		err = e.configRetrieve()
	}

	if err != nil {
		e.mu.Lock()
		e.stateSet(StateInit)
		e.mu.Unlock()
		e.workerStopJoin()
		return err
	}
	return nil
}

// Release stops the worker, fails any waiting transaction and closes the
// device. The engine cannot be reused afterwards.
func (e *Engine) Release() {
	e.mu.Lock()
	if e.trCurrent != nil {
		e.trCurrent.Complete(gimbal.ErrThread)
	}
	if e.trNext != nil {
		e.trNext.Complete(gimbal.ErrThread)
		e.trNext = nil
	}
	e.cond.Broadcast()
	e.stateSet(StateInit)
	e.mu.Unlock()

	e.workerStopJoin()
	e.dev.Close()
}

func (e *Engine) workerStopJoin() {
	if e.workerStop == nil {
		return
	}
	close(e.workerStop)
	<-e.workerDone
	e.workerStop = nil
}

func (e *Engine) ConfigGet() gimbal.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model.ConfigGet()
}

func (e *Engine) ConfigSet(cfg gimbal.Config) error {
	e.mu.Lock()
	err := e.model.ConfigSet(cfg)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if err := e.stateCheck(); err != nil {
		return err
	}

	var trs [2]Transaction
	trs[0].InitAngleLimitSet(cfg)
	trs[1].InitMotorStiffnessSet(cfg)

	for i := range trs {
		trs[i].PrepareComplete(e.onSignal)
		trs[i].PrepareRx(rxPayloadSignal)
		if err := e.retry(&trs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) InfoGet() gimbal.Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model.InfoGet()
}

func (e *Engine) FocusCal(op gimbal.Operation) error {
	if op < 0 || op >= gimbal.OperationQty {
		return gimbal.ErrOperation
	}
	if err := e.stateCheck(); err != nil {
		return err
	}

	tr := &Transaction{}
	tr.InitFocusCal(op)
	return e.trQueue(tr)
}

func (e *Engine) FocusPositionSet(positionPc float64) error {
	if err := gimbal.Validate(positionPc, gimbal.FocusPositionMinPc, gimbal.FocusPositionMaxPc); err != nil {
		return err
	}
	if err := e.stateCheck(); err != nil {
		return err
	}

	tr := &Transaction{}
	tr.InitFocusSet(positionPc)
	return e.trQueue(tr)
}

// FocusSpeedSet arms focus integration; the worker emits the focus-set
// frames between ticks.
func (e *Engine) FocusSpeedSet(speedPcS float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model.FocusSpeedSet(speedPcS)
}

// PositionGet returns the freshly reported position, querying the device
// when the freshness window has lapsed.
func (e *Engine) PositionGet() (gimbal.Position, error) {
	e.mu.Lock()
	_, fresh := e.model.PositionCurrent()
	e.mu.Unlock()

	if !fresh {
		if err := e.stateCheck(); err != nil {
			return gimbal.Position{}, err
		}

		tr := &Transaction{}
		tr.PrepareComplete(e.onPositionAndSignal)
		tr.PrepareRx(rxPayloadPosition)
		tr.InitAngleGet()

		if err := e.trQueueAndWait(tr); err != nil {
			return gimbal.Position{}, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model.PositionGet()
}

// PositionSet commands an absolute move. A busy queue silently drops the
// older motion command — stale motion is safe to supersede.
func (e *Engine) PositionSet(p gimbal.Position, flags uint, duration time.Duration) error {
	e.mu.Lock()
	err := e.model.PositionSet(p, flags)
	if err == nil {
		move := e.calculateMoveDuration(p, flags)
		if duration > move {
			move = duration
		}
		e.moveDuration = move
		duration = move
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if err := e.stateCheck(); err != nil {
		return err
	}

	tr := &Transaction{}
	tr.InitPositionSet(p, flags, duration)
	e.trQueueSoft(tr)
	return nil
}

func (e *Engine) SpeedGet() (gimbal.Speed, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model.SpeedGet()
}

// SpeedSet commands axis speeds; like PositionSet, a busy queue supersedes
// silently.
func (e *Engine) SpeedSet(s gimbal.Speed, flags uint) error {
	e.mu.Lock()
	err := e.model.SpeedSet(s, flags)
	merged := e.model.Spd
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if err := e.stateCheck(); err != nil {
		return err
	}

	tr := &Transaction{}
	tr.InitSpeedSet(merged)
	e.trQueueSoft(tr)
	return nil
}

func (e *Engine) SpeedStop() error {
	e.mu.Lock()
	e.model.SpeedStop()
	stopped := e.model.Spd
	e.mu.Unlock()

	if err := e.stateCheck(); err != nil {
		return err
	}

	tr := &Transaction{}
	tr.InitSpeedSet(stopped)
	return e.trQueue(tr)
}

func (e *Engine) TrackSpeedSet(speedPc float64) error {
	if err := gimbal.Validate(speedPc, 0.0, 100.0); err != nil {
		return err
	}
	if err := e.stateCheck(); err != nil {
		return err
	}

	tr := &Transaction{}
	tr.PrepareComplete(e.onSignal)
	tr.PrepareRx(rxPayloadTLV)
	tr.InitTLVSet(speedPc)
	return e.retry(tr)
}

func (e *Engine) TrackSwitch() error {
	if err := e.stateCheck(); err != nil {
		return err
	}

	tr := &Transaction{}
	tr.InitTrackSwitch()
	return e.trQueue(tr)
}

// Debug dumps the receive buffer and worker counters.
func (e *Engine) Debug(w io.Writer) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fmt.Fprintf(w, "===== %s =====\n", e.name)
	fmt.Fprintf(w, "State         : %s\n", e.state)
	fmt.Fprintf(w, "State counter : %d\n", e.stateCounter)
	fmt.Fprintf(w, "Counter       : %d\n", e.counter)
	fmt.Fprintf(w, "Rx Offset     : %d bytes\n", e.rxOffset)
	fmt.Fprintf(w, "Rx Size       : %d bytes\n", e.rxSize)
	fmt.Fprintf(w, "Rx Buffer     :")
	for i := 0; i < e.rxSize; i++ {
		fmt.Fprintf(w, " %02x", e.rxBuf[i])
	}
	fmt.Fprintf(w, "\n")

	if ir, ok := e.dev.(canlink.InfoReporter); ok {
		if info, err := ir.InfoGet(); err == nil {
			fmt.Fprintf(w, "Bridge        : %s (addr=0x%08x)\n", info.Name, info.IPv4Address)
		} else {
			fmt.Fprintf(w, "Bridge        : %v\n", err)
		}
	}
}

// Snapshot is the state report published by the status server.
type Snapshot struct {
	Name          string          `json:"name"`
	State         string          `json:"state"`
	PositionState string          `json:"positionState"`
	Position      gimbal.Position `json:"position"`
	Speed         gimbal.Speed    `json:"speed"`
	FocusPc       float64         `json:"focusPc"`
}

var positionStateNames = map[gimbal.PositionState]string{
	gimbal.PositionKnown:   "KNOWN",
	gimbal.PositionMoving:  "MOVING",
	gimbal.PositionSpeed:   "SPEED",
	gimbal.PositionUnknown: "UNKNOWN",
}

// SnapshotGet captures the current engine and model state.
func (e *Engine) SnapshotGet() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, _ := e.model.PositionCurrent()
	return Snapshot{
		Name:          e.name,
		State:         e.state.String(),
		PositionState: positionStateNames[e.model.PositionState()],
		Position:      pos,
		Speed:         e.model.Spd,
		FocusPc:       e.model.FocusPositionPc,
	}
}

// calculateMoveDuration estimates the slowest axis travel time at the
// configured axis speed, 200 ms when the current position is unknown.
// Caller holds the mutex.
func (e *Engine) calculateMoveDuration(to gimbal.Position, flags uint) time.Duration {
	cur, ok := e.model.PositionCurrent()
	if !ok {
		return 200 * time.Millisecond
	}

	var worst time.Duration
	for a := gimbal.Axis(0); a < gimbal.AxisQty; a++ {
		if flags&gimbal.FlagIgnore(a) != 0 {
			continue
		}
		delta := cur.AxisDeg[a] - to.AxisDeg[a]
		if delta < 0 {
			delta = -delta
		}
		d := time.Duration(delta / e.model.Cfg.Axis[a].SpeedDegS * 1000.0 * float64(time.Millisecond))
		if d > worst {
			worst = d
		}
	}
	return worst
}

// stateCheck gates public operations: legal in ACTIVATED and TRANSACTION; in
// ERROR_ETH the transport is reset inline and the engine recovers; anything
// else fails with STATE.
func (e *Engine) stateCheck() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateActivated, StateTransaction:
		return nil

	case StateActivating, StateInit, StateErrorCan:
		return gimbal.ErrState

	case StateErrorEth:
		e.mu.Unlock()
		err := e.dev.Reset()
		e.mu.Lock()
		if err != nil {
			log.Printf("[engine] %s: transport reset: %v", e.name, err)
			return gimbal.ErrState
		}
		if err := e.stateChange(StateErrorEth, StateActivated); err != nil {
			return err
		}
		e.stateCounter = livenessRecoveryTicks
		return nil

	default:
		return gimbal.ErrState
	}
}

// stateChange transitions from a required state, warning when the engine
// moved elsewhere in the meantime.
func (e *Engine) stateChange(from, to State) error {
	if e.state != from {
		log.Printf("[engine] %s: state change %s -> %s skipped (state is %s)",
			e.name, from, to, e.state)
		return gimbal.ErrState
	}
	e.stateSet(to)
	return nil
}

// stateSet records the transition. The steady ACTIVATED<->TRANSACTION churn
// is kept out of the log.
func (e *Engine) stateSet(to State) {
	routine := (e.state == StateActivated && to == StateTransaction) ||
		(e.state == StateTransaction && to == StateActivated)
	if !routine && e.state != to {
		log.Printf("[engine] %s: %s -> %s", e.name, e.state, to)
	}
	e.state = to
}

// frameSend seals the frame and pushes its CAN chunks out. A transport error
// flips the engine to ERROR_ETH. Caller holds the mutex.
func (e *Engine) frameSend(f *Frame) error {
	f.Seal()

	for _, cf := range f.Chunks() {
		if err := e.dev.Send(cf); err != nil {
			log.Printf("[engine] %s: send: %v", e.name, err)
			e.stateSet(StateErrorEth)
			return gimbal.ErrSend
		}
	}
	return nil
}

// infoRetrieve runs the VERSION transaction with retries.
func (e *Engine) infoRetrieve() error {
	tr := &Transaction{}
	tr.PrepareComplete(e.onInfo)
	tr.PrepareRx(rxPayloadInfo)
	tr.InitVersion()
	return e.retry(tr)
}

// configRetrieve pulls the device's angle limits and motor stiffness.
func (e *Engine) configRetrieve() error {
	var trs [2]Transaction

	trs[0].PrepareComplete(e.onConfig)
	trs[0].PrepareRx(rxPayloadLimits)
	trs[0].InitAngleLimitGet()

	trs[1].PrepareComplete(e.onConfigStiffness)
	trs[1].PrepareRx(rxPayloadStiffness)
	trs[1].InitMotorStiffnessGet()

	for i := range trs {
		if err := e.retry(&trs[i]); err != nil {
			return err
		}
	}
	return nil
}

// retry queues and waits, repeating once when the gimbal errored or timed
// out.
func (e *Engine) retry(tr *Transaction) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = e.trQueueAndWait(tr)
		if err != gimbal.ErrTimeout && err != gimbal.ErrGimbal {
			break
		}
		log.Printf("[engine] %s: retrying after %v", e.name, err)
	}
	return err
}

// ===== Transaction queue ==================================================

// trQueue offers a fire-and-forget transaction. A second pending transaction
// is refused with NOT_READY.
func (e *Engine) trQueue(tr *Transaction) error {
	tr.PrepareComplete(e.onRelease)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.trNext != nil {
		return gimbal.ErrNotReady
	}
	e.trQueueLocked(tr)
	return nil
}

// trQueueSoft queues a motion command, displacing a still-queued older one:
// stale motion is semantically safe to drop. The displaced transaction
// completes with OK_REPLACED.
func (e *Engine) trQueueSoft(tr *Transaction) {
	tr.PrepareComplete(e.onRelease)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.trNext != nil {
		e.trNext.Complete(gimbal.OKReplaced)
		e.trNext = nil
	}
	e.trQueueLocked(tr)
}

func (e *Engine) trQueueLocked(tr *Transaction) {
	tr.Reset()
	tr.rxTimeoutSet(queueTimeoutTicks)
	e.trNext = tr
}

// trQueueAndWait queues and blocks the caller until the result slot is
// written.
func (e *Engine) trQueueAndWait(tr *Transaction) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.trNext != nil {
		return gimbal.ErrNotReady
	}
	e.trQueueLocked(tr)
	return tr.Wait(e.cond)
}

// trStart promotes a transaction to in-flight: clear the receive buffer,
// send the outbound bytes. Caller holds the mutex.
func (e *Engine) trStart(tr *Transaction) {
	e.trCurrent = tr
	e.receiverReset()
	err := e.frameSend(tr.Frame())
	tr.Started(err)
}

func (e *Engine) trComplete(tr *Transaction) {
	if e.trCurrent == tr {
		e.trCurrent = nil
	}
}

// ===== Completion hooks ===================================================
// All hooks run under the mutex, from the link-receive path or the worker.

func (e *Engine) onSignal(tr *Transaction) {
	e.cond.Broadcast()
	e.trComplete(tr)
	e.stateChange(StateTransaction, StateActivated)
}

func (e *Engine) onRelease(tr *Transaction) {
	// A displaced transaction never went on the wire; there is no
	// in-flight slot or state to restore.
	if tr.Result() == gimbal.OKReplaced {
		return
	}
	e.trComplete(tr)
	e.stateChange(StateTransaction, StateActivated)
}

func (e *Engine) onPosition(tr *Transaction) {
	if tr.IsOK() {
		tr.result = e.positionParse()
	}
	e.trComplete(tr)
}

func (e *Engine) onPositionAndSignal(tr *Transaction) {
	if tr.IsOK() {
		tr.result = e.positionParse()
	}
	e.onSignal(tr)
}

// Reply data offsets of the per-axis fields, indexed pitch, roll, yaw.
var (
	replyLimitOffsets     = [gimbal.AxisQty]int{3, 7, 5}
	replyStiffnessOffsets = [gimbal.AxisQty]int{3, 5, 4}
	replyAngleOffsets     = [gimbal.AxisQty]int{8, 6, 4}
)

func (e *Engine) onConfig(tr *Transaction) {
	if tr.IsOK() {
		reply := Reply(e.rxBuf[:])
		for a := gimbal.Axis(0); a < gimbal.AxisQty; a++ {
			off := replyLimitOffsets[a]
			e.model.Cfg.Axis[a].MaxDeg = float64(reply.Data(off))
			e.model.Cfg.Axis[a].MinDeg = -float64(reply.Data(off + 1))
		}
	}
	e.onSignal(tr)
}

func (e *Engine) onConfigStiffness(tr *Transaction) {
	if tr.IsOK() {
		reply := Reply(e.rxBuf[:])
		for a := gimbal.Axis(0); a < gimbal.AxisQty; a++ {
			e.model.Cfg.Axis[a].StiffnessPc = float64(reply.Data(replyStiffnessOffsets[a]))
		}
		tr.result = e.model.ConfigValidate(e.model.Cfg)
	}
	e.onSignal(tr)
}

func (e *Engine) onInfo(tr *Transaction) {
	if tr.IsOK() {
		reply := Reply(e.rxBuf[:])
		e.model.Inf.Version[0] = reply.Data(5)
		e.model.Inf.Version[1] = reply.Data(4)
		e.model.Inf.Version[2] = reply.Data(3)
		e.model.Inf.Version[3] = reply.Data(2)
	}
	e.onSignal(tr)
}

// positionParse decodes an ANGLE_GET reply into the model. A zero validity
// byte means the gimbal has no position yet.
func (e *Engine) positionParse() error {
	reply := Reply(e.rxBuf[:])

	if reply.Data(3) == 0x00 {
		return gimbal.ErrNotReady
	}

	var p gimbal.Position
	for a := gimbal.Axis(0); a < gimbal.AxisQty; a++ {
		p.AxisDeg[a] = reply.AngleGet(replyAngleOffsets[a])
	}

	if err := e.model.PositionValidate(p, 0); err != nil {
		return err
	}
	e.model.PositionUpdate(p)
	return nil
}
