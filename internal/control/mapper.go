// Package control translates gamepad events into gimbal and camera
// operations through a runtime-editable lookup table, and keeps the
// per-gimbal bindings, home positions and the speed-boost mixer.
package control

import (
	"fmt"
	"log"
	"time"

	"github.com/alxbouchard/PAZ-Gimbal-Control/internal/atem"
	"github.com/alxbouchard/PAZ-Gimbal-Control/internal/gamepad"
	"github.com/alxbouchard/PAZ-Gimbal-Control/internal/gimbal"
)

// Per-axis boost weighting: yaw boosts fully, pitch at half, roll not at
// all.
var boostAxis = [gimbal.AxisQty]float64{0.5, 0.0, 1.0}

// Ignore masks selecting a single controlled axis.
var axisFlags = [gimbal.AxisQty]uint{
	gimbal.FlagIgnoreRoll | gimbal.FlagIgnoreYaw,
	gimbal.FlagIgnorePitch | gimbal.FlagIgnoreYaw,
	gimbal.FlagIgnorePitch | gimbal.FlagIgnoreRoll,
}

// GimbalProvider resolves the gimbal references of a control config.
type GimbalProvider interface {
	GimbalByIndex(index uint) gimbal.Gimbal
	GimbalByIPv4(addr string) gimbal.Gimbal
}

// Receiver consumes events the mapper forwards: explicitly bound ones
// (FORWARD entries) under the configured code, unmatched ones under the
// unknown code.
type Receiver interface {
	ProcessEvent(code uint, ev gamepad.Event) bool
}

// gimbalInfo is one binding: a gimbal handle (nil for an ATEM-only
// binding), its switcher port and camera type, and its stored home position.
type gimbalInfo struct {
	atemCameraType atem.CameraType
	atemPort       uint
	gimbal         gimbal.Gimbal
	home           gimbal.Position
}

// Link is the control mapper. It is driven on the gamepad source's delivery
// goroutine and takes no locks of its own; single-source delivery is
// assumed.
type Link struct {
	atem *atem.Atem
	pad  gamepad.Source

	gimbals     []gimbalInfo
	gimbalIds   []string
	gimbalIndex int

	speedCommand gimbal.Speed

	receiver           Receiver
	receiverConfigured uint
	receiverUnknown    uint

	speedBoost float64

	table []*TableEntry
}

// NewLink returns a mapper with the built-in table.
func NewLink() *Link {
	l := &Link{}
	l.onGimbalChanged()
	l.tableInit()
	return l
}

// GamepadSet installs the event source used by Start/Stop.
func (l *Link) GamepadSet(pad gamepad.Source) error {
	if pad == nil {
		return gimbal.ErrNotAGamepad
	}
	l.pad = pad
	return nil
}

// GimbalsSet resolves the configured gimbal references against provider and
// builds the binding list. A config with no GIMBAL lines binds gimbal 0.
func (l *Link) GimbalsSet(provider GimbalProvider) error {
	if len(l.gimbalIds) == 0 {
		return l.gimbalSet(provider, "")
	}
	for _, id := range l.gimbalIds {
		if err := l.gimbalSet(provider, id); err != nil {
			return err
		}
	}
	return nil
}

// ReceiverSet registers the external receiver with its two codes. Codes and
// receiver must be set or cleared together.
func (l *Link) ReceiverSet(r Receiver, configured, unknown uint) error {
	if r == nil {
		if configured != 0 || unknown != 0 {
			return gimbal.ErrCode
		}
	} else if configured == 0 && unknown == 0 {
		return gimbal.ErrCode
	}

	l.receiver = r
	l.receiverConfigured = configured
	l.receiverUnknown = unknown
	return nil
}

// Start activates every bound gimbal, then begins event delivery.
func (l *Link) Start() error {
	if l.pad == nil {
		return gimbal.ErrNotAGamepad
	}

	for i := range l.gimbals {
		if g := l.gimbals[i].gimbal; g != nil {
			if err := g.Activate(); err != nil {
				return err
			}
		}
	}

	return l.pad.Start(l.onEvent)
}

// Stop ends event delivery. A stopped link cannot be restarted.
func (l *Link) Stop() error {
	if l.pad == nil {
		return gimbal.ErrNotAGamepad
	}
	return l.pad.Stop()
}

// Release drops the switcher handle.
func (l *Link) Release() {
	atem.Release(l.atem)
	l.atem = nil
}

func (l *Link) gimbalSet(provider GimbalProvider, id string) error {
	var info gimbalInfo
	var index uint
	var ip string
	testGimbal := true

	switch {
	case scans(id, "NONE ATEM = %d", &info.atemPort):
		if info.atemPort == 0 {
			log.Printf("[mapper] invalid gimbal id (%s)", id)
			return gimbal.ErrConfig
		}
		testGimbal = false

	// Combined forms must match before the bare "ATEM = n" form.
	case scans(id, "ATEM = %d INDEX = %d", &info.atemPort, &index) ||
		scans(id, "INDEX = %d ATEM = %d", &index, &info.atemPort) ||
		scans(id, "INDEX = %d", &index):
		info.gimbal = provider.GimbalByIndex(index)

	case scans(id, "ATEM = %d IPv4 = %s", &info.atemPort, &ip) ||
		scans(id, "IPv4 = %s ATEM = %d", &ip, &info.atemPort) ||
		scans(id, "IPv4 = %s", &ip):
		info.gimbal = provider.GimbalByIPv4(ip)

	case id == "" || scans(id, "ATEM = %d", &info.atemPort):
		info.gimbal = provider.GimbalByIndex(0)

	default:
		log.Printf("[mapper] invalid gimbal id (%s)", id)
		return gimbal.ErrConfig
	}

	// Ports 0..9 select an MFT camera, 10..19 an EF camera.
	switch info.atemPort / 10 {
	case 0:
		info.atemCameraType = atem.CameraMFT
	case 1:
		info.atemCameraType = atem.CameraEF
	default:
		log.Printf("[mapper] invalid ATEM camera type in id (%s)", id)
		return gimbal.ErrConfig
	}
	info.atemPort %= 10

	if testGimbal && info.gimbal == nil {
		log.Printf("[mapper] gimbal lookup failed for id (%s)", id)
		return gimbal.ErrGimbalOff
	}

	l.gimbals = append(l.gimbals, info)
	return nil
}

// scans reports whether every verb in format matched.
func scans(in, format string, args ...interface{}) bool {
	n, _ := fmt.Sscanf(in, format, args...)
	return n == len(args)
}

// onEvent is the dispatch point: look the event up, run the bound function,
// or forward an unmatched event to the external receiver.
func (l *Link) onEvent(ev gamepad.Event) {
	entry := l.tableFind(ev.Action, ev.Control)
	if entry == nil {
		if l.receiver != nil && l.receiverUnknown != 0 {
			l.receiver.ProcessEvent(l.receiverUnknown, ev)
		}
		return
	}

	switch entry.Function {
	case FuncGimbalSelect:
		l.funcGimbalSelect(entry.Factor)
	case FuncHome:
		l.funcHome(entry.Factor)
	case FuncHomePitch:
		l.funcHomeAxis(gimbal.AxisPitch, entry.Factor)
	case FuncHomeYaw:
		l.funcHomeAxis(gimbal.AxisYaw, entry.Factor)

	case FuncAtemZoom:
		l.funcAtemZoom(entry.Factor, ev.ValuePc)
	case FuncFocus, FuncZoom:
		l.funcFocus(entry.Factor, ev.ValuePc)
	case FuncPitch:
		l.funcAxis(gimbal.AxisPitch, entry.Factor, ev.ValuePc)
	case FuncRoll:
		l.funcAxis(gimbal.AxisRoll, entry.Factor, ev.ValuePc)
	case FuncSpeedBoost:
		l.funcSpeedBoost(entry.Factor, ev.ValuePc)
	case FuncYaw:
		l.funcAxis(gimbal.AxisYaw, entry.Factor, ev.ValuePc)

	case FuncAtemApertureAbsolute:
		l.funcAtemApertureAbsolute(entry.Factor, entry.Offset, ev.ValuePc)
	case FuncAtemFocusAbsolute:
		l.funcAtemFocusAbsolute(entry.Factor, entry.Offset, ev.ValuePc)
	case FuncAtemGainAbsolute:
		l.funcAtemGainAbsolute(entry.Factor, entry.Offset, ev.ValuePc)
	case FuncAtemZoomAbsolute:
		l.funcAtemZoomAbsolute(entry.Factor, entry.Offset, ev.ValuePc)
	case FuncFocusAbsolute, FuncZoomAbsolute:
		l.funcFocusAbsolute(entry.Factor, entry.Offset, ev.ValuePc)
	case FuncPitchAbsolute:
		l.funcAxisAbsolute(gimbal.AxisPitch, entry.Factor, entry.Offset, ev.ValuePc)
	case FuncRollAbsolute:
		l.funcAxisAbsolute(gimbal.AxisRoll, entry.Factor, entry.Offset, ev.ValuePc)
	case FuncYawAbsolute:
		l.funcAxisAbsolute(gimbal.AxisYaw, entry.Factor, entry.Offset, ev.ValuePc)

	case FuncForward:
		l.funcForward(ev)

	case FuncAtemApertureAuto:
		l.funcAtemApertureAuto()
	case FuncAtemFocusAuto:
		l.funcAtemFocusAuto()
	case FuncFocusCalibration, FuncZoomCalibration:
		l.funcCalibration()
	case FuncGimbalFirst:
		l.funcGimbalFirst()
	case FuncGimbalLast:
		l.funcGimbalLast()
	case FuncGimbalNext:
		l.funcGimbalNext()
	case FuncGimbalNextLoop:
		l.funcGimbalNextLoop()
	case FuncGimbalPrevious:
		l.funcGimbalPrevious()
	case FuncGimbalPreviousLoop:
		l.funcGimbalPreviousLoop()
	case FuncHomeSet:
		l.funcHomeSet()
	case FuncTrackSwitch:
		l.funcTrackSwitch()
	}
}

// onGimbalChanged forgets the speed-command memory when the active gimbal
// changes.
func (l *Link) onGimbalChanged() {
	l.speedCommand = gimbal.Speed{}
}

func (l *Link) currentGimbal() gimbal.Gimbal {
	if l.gimbalIndex >= len(l.gimbals) {
		return nil
	}
	return l.gimbals[l.gimbalIndex].gimbal
}

func (l *Link) currentInfo() *gimbalInfo {
	if l.gimbalIndex >= len(l.gimbals) {
		return nil
	}
	return &l.gimbals[l.gimbalIndex]
}

func (l *Link) currentAtem() (*atem.Atem, *gimbalInfo) {
	info := l.currentInfo()
	if info == nil || info.atemPort == 0 {
		return nil, nil
	}
	if l.atem == nil {
		log.Printf("[mapper] no ATEM configured")
		return nil, nil
	}
	return l.atem, info
}

// computeHomeDuration scales the configured home travel time down under
// boost.
func (l *Link) computeHomeDuration(factor float64) time.Duration {
	ms := factor * 1000.0
	if l.speedBoost > 1.0 {
		ms /= l.speedBoost
	}
	return time.Duration(ms) * time.Millisecond
}

// ===== Functions ==========================================================

func (l *Link) funcAxis(axis gimbal.Axis, factor, valuePc float64) {
	g := l.currentGimbal()
	if g == nil {
		return
	}

	f := factor + l.speedBoost*boostAxis[axis]

	var s gimbal.Speed
	s.AxisDegS[axis] = gimbal.Limit(f*valuePc, gimbal.SpeedMinDegS, gimbal.SpeedMaxDegS)

	if err := g.SpeedSet(s, axisFlags[axis]); err != nil {
		log.Printf("[mapper] SpeedSet(%s): %v", axis, err)
		return
	}

	if f != 0.0 {
		l.speedCommand.AxisDegS[axis] = s.AxisDegS[axis] / f
	} else {
		l.speedCommand.AxisDegS[axis] = 0.0
	}
}

func (l *Link) funcAxisAbsolute(axis gimbal.Axis, factor, offset, valuePc float64) {
	g := l.currentGimbal()
	if g == nil {
		return
	}

	var p gimbal.Position
	p.AxisDeg[axis] = gimbal.Limit(offset+factor*valuePc, gimbal.PositionMinDeg, gimbal.PositionMaxDeg)

	if err := g.PositionSet(p, axisFlags[axis], 0); err != nil {
		log.Printf("[mapper] PositionSet(%s): %v", axis, err)
	}
}

func (l *Link) funcHomeAxis(axis gimbal.Axis, factor float64) {
	info := l.currentInfo()
	if info == nil || info.gimbal == nil {
		return
	}

	d := l.computeHomeDuration(factor)
	if err := info.gimbal.PositionSet(info.home, axisFlags[axis], d); err != nil {
		log.Printf("[mapper] home %s: %v", axis, err)
	}
}

func (l *Link) funcGimbalSelect(factor float64) {
	l.gimbalIndex = int(factor)
	if l.gimbalIndex >= len(l.gimbals) || l.gimbalIndex < 0 {
		l.gimbalIndex = 0
	}
	l.onGimbalChanged()
}

func (l *Link) funcHome(factor float64) {
	info := l.currentInfo()
	if info == nil || info.gimbal == nil {
		return
	}

	d := l.computeHomeDuration(factor)
	if err := info.gimbal.PositionSet(info.home, 0, d); err != nil {
		log.Printf("[mapper] home: %v", err)
	}
}

func (l *Link) funcAtemZoom(factor, valuePc float64) {
	a, info := l.currentAtem()
	if a == nil {
		return
	}
	a.Zoom(info.atemPort, gimbal.Limit(factor*valuePc, -100.0, 100.0))
}

// funcFocus drives the gimbal's focus speed; both FOCUS and ZOOM table
// entries land here.
func (l *Link) funcFocus(factor, valuePc float64) {
	g := l.currentGimbal()
	if g == nil {
		return
	}

	speed := gimbal.Limit(factor*valuePc, gimbal.FocusSpeedMinPcS, gimbal.FocusSpeedMaxPcS)
	if err := g.FocusSpeedSet(speed); err != nil {
		log.Printf("[mapper] FocusSpeedSet: %v", err)
	}
}

// funcSpeedBoost updates the boost scalar, retroactively adjusts the
// in-flight speed command and forwards the raw value to the gimbal's
// track-speed channel.
func (l *Link) funcSpeedBoost(factor, valuePc float64) {
	g := l.currentGimbal()
	if g == nil {
		return
	}

	old := l.speedBoost
	l.speedBoost = factor * valuePc / 100.0

	if delta := l.speedBoost - old; delta != 0.0 {
		if s, err := g.SpeedGet(); err == nil {
			for a := gimbal.Axis(0); a < gimbal.AxisQty; a++ {
				if s.AxisDegS[a] != 0.0 && l.speedCommand.AxisDegS[a] != 0.0 {
					s.AxisDegS[a] += delta * boostAxis[a] * l.speedCommand.AxisDegS[a]
				}
			}
			if err := g.SpeedSet(s, 0); err != nil {
				log.Printf("[mapper] boost SpeedSet: %v", err)
			}
		}
	}

	if err := g.TrackSpeedSet(valuePc); err != nil {
		log.Printf("[mapper] TrackSpeedSet: %v", err)
	}
}

func (l *Link) funcAtemApertureAbsolute(factor, offset, valuePc float64) {
	a, info := l.currentAtem()
	if a == nil {
		return
	}
	a.ApertureAbsolute(info.atemPort, gimbal.Limit(factor*valuePc+offset, 0.0, 100.0))
}

func (l *Link) funcAtemFocusAbsolute(factor, offset, valuePc float64) {
	a, info := l.currentAtem()
	if a == nil {
		return
	}
	a.FocusAbsolute(info.atemPort, gimbal.Limit(factor*valuePc+offset, 0.0, 100.0), info.atemCameraType)
}

func (l *Link) funcAtemGainAbsolute(factor, offset, valuePc float64) {
	a, info := l.currentAtem()
	if a == nil {
		return
	}
	a.GainAbsolute(info.atemPort, gimbal.Limit(factor*valuePc+offset, 0.0, 100.0))
}

func (l *Link) funcAtemZoomAbsolute(factor, offset, valuePc float64) {
	a, info := l.currentAtem()
	if a == nil {
		return
	}
	a.ZoomAbsolute(info.atemPort, gimbal.Limit(offset+factor*valuePc, 0.0, 100.0))
}

// funcFocusAbsolute drives focus to an absolute position; ZOOM_ABSOLUTE
// entries share it.
func (l *Link) funcFocusAbsolute(factor, offset, valuePc float64) {
	g := l.currentGimbal()
	if g == nil {
		return
	}

	pos := gimbal.Limit(offset+factor*valuePc, gimbal.FocusPositionMinPc, gimbal.FocusPositionMaxPc)
	if err := g.FocusPositionSet(pos); err != nil {
		log.Printf("[mapper] FocusPositionSet: %v", err)
	}
}

func (l *Link) funcForward(ev gamepad.Event) {
	if l.receiver != nil && l.receiverConfigured != 0 {
		l.receiver.ProcessEvent(l.receiverConfigured, ev)
	}
}

func (l *Link) funcAtemApertureAuto() {
	a, info := l.currentAtem()
	if a == nil {
		return
	}
	a.ApertureAuto(info.atemPort)
}

func (l *Link) funcAtemFocusAuto() {
	a, info := l.currentAtem()
	if a == nil {
		return
	}
	a.FocusAuto(info.atemPort)
}

// funcCalibration runs the lens sweep: enable automatic calibration, give
// the motor a second, stop.
func (l *Link) funcCalibration() {
	g := l.currentGimbal()
	if g == nil {
		return
	}

	if err := g.FocusCal(gimbal.OpCalAutoEnable); err != nil {
		log.Printf("[mapper] FocusCal(auto): %v", err)
	} else {
		time.Sleep(time.Second)
	}

	if err := g.FocusCal(gimbal.OpCalStop); err != nil {
		log.Printf("[mapper] FocusCal(stop): %v", err)
	}
}

func (l *Link) funcGimbalFirst() {
	l.gimbalIndex = 0
	l.onGimbalChanged()
}

func (l *Link) funcGimbalLast() {
	if len(l.gimbals) == 0 {
		return
	}
	l.gimbalIndex = len(l.gimbals) - 1
	l.onGimbalChanged()
}

func (l *Link) funcGimbalNext() {
	l.gimbalIndex++
	if l.gimbalIndex >= len(l.gimbals) {
		l.gimbalIndex = len(l.gimbals) - 1
	}
	l.onGimbalChanged()
}

func (l *Link) funcGimbalNextLoop() {
	l.gimbalIndex++
	if l.gimbalIndex >= len(l.gimbals) {
		l.gimbalIndex = 0
	}
	l.onGimbalChanged()
}

func (l *Link) funcGimbalPrevious() {
	if l.gimbalIndex > 0 {
		l.gimbalIndex--
		l.onGimbalChanged()
	}
}

func (l *Link) funcGimbalPreviousLoop() {
	if l.gimbalIndex > 0 {
		l.gimbalIndex--
	} else {
		l.gimbalIndex = len(l.gimbals) - 1
	}
	l.onGimbalChanged()
}

func (l *Link) funcHomeSet() {
	info := l.currentInfo()
	if info == nil || info.gimbal == nil {
		return
	}

	pos, err := info.gimbal.PositionGet()
	if err != nil {
		log.Printf("[mapper] home set: %v", err)
		return
	}
	info.home = pos
}

func (l *Link) funcTrackSwitch() {
	g := l.currentGimbal()
	if g == nil {
		return
	}
	if err := g.TrackSwitch(); err != nil {
		log.Printf("[mapper] TrackSwitch: %v", err)
	}
}
