package control

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alxbouchard/PAZ-Gimbal-Control/internal/gamepad"
	"github.com/alxbouchard/PAZ-Gimbal-Control/internal/gimbal"
)

// fakeGimbal records the semantic calls the mapper makes.
type fakeGimbal struct {
	activated bool

	speedSets []speedCall
	posSets   []posCall

	focusSpeeds  []float64
	focusPosSets []float64
	focusCals    []gimbal.Operation

	trackSpeeds   []float64
	trackSwitches int

	position    gimbal.Position
	positionErr error

	speed    gimbal.Speed
	speedErr error
}

type speedCall struct {
	s     gimbal.Speed
	flags uint
}

type posCall struct {
	p        gimbal.Position
	flags    uint
	duration time.Duration
}

func (g *fakeGimbal) Activate() error { g.activated = true; return nil }
func (g *fakeGimbal) Release()        {}

func (g *fakeGimbal) ConfigGet() gimbal.Config      { return gimbal.Config{} }
func (g *fakeGimbal) ConfigSet(gimbal.Config) error { return nil }
func (g *fakeGimbal) InfoGet() gimbal.Info          { return gimbal.Info{} }

func (g *fakeGimbal) FocusCal(op gimbal.Operation) error {
	g.focusCals = append(g.focusCals, op)
	return nil
}

func (g *fakeGimbal) FocusPositionSet(pc float64) error {
	g.focusPosSets = append(g.focusPosSets, pc)
	return nil
}

func (g *fakeGimbal) FocusSpeedSet(pcS float64) error {
	g.focusSpeeds = append(g.focusSpeeds, pcS)
	return nil
}

func (g *fakeGimbal) PositionGet() (gimbal.Position, error) {
	return g.position, g.positionErr
}

func (g *fakeGimbal) PositionSet(p gimbal.Position, flags uint, d time.Duration) error {
	g.posSets = append(g.posSets, posCall{p, flags, d})
	return nil
}

func (g *fakeGimbal) SpeedGet() (gimbal.Speed, error) { return g.speed, g.speedErr }

func (g *fakeGimbal) SpeedSet(s gimbal.Speed, flags uint) error {
	g.speedSets = append(g.speedSets, speedCall{s, flags})
	g.speed = s
	return nil
}

func (g *fakeGimbal) SpeedStop() error {
	g.speed = gimbal.Speed{}
	return nil
}

func (g *fakeGimbal) TrackSpeedSet(pc float64) error {
	g.trackSpeeds = append(g.trackSpeeds, pc)
	return nil
}

func (g *fakeGimbal) TrackSwitch() error { g.trackSwitches++; return nil }

func (g *fakeGimbal) Debug(io.Writer) {}

type fakeProvider struct {
	gimbals []*fakeGimbal
}

func (p *fakeProvider) GimbalByIndex(index uint) gimbal.Gimbal {
	if int(index) >= len(p.gimbals) {
		return nil
	}
	return p.gimbals[index]
}

func (p *fakeProvider) GimbalByIPv4(addr string) gimbal.Gimbal { return nil }

func boundLink(t *testing.T, qty int) (*Link, []*fakeGimbal) {
	t.Helper()

	provider := &fakeProvider{}
	for i := 0; i < qty; i++ {
		provider.gimbals = append(provider.gimbals, &fakeGimbal{})
	}

	l := NewLink()
	for i := 0; i < qty; i++ {
		if err := l.parseConfigLine("GIMBAL INDEX = " + string(rune('0'+i))); err != nil {
			t.Fatalf("gimbal line: %v", err)
		}
	}
	if err := l.GimbalsSet(provider); err != nil {
		t.Fatalf("GimbalsSet: %v", err)
	}
	return l, provider.gimbals
}

func TestMapperScale(t *testing.T) {
	l, gs := boundLink(t, 1)

	// Built-in table row: CHANGED ANALOG_0_X YAW 2.0
	l.onEvent(gamepad.Event{Action: gamepad.ActionChanged, Control: gamepad.Analog0X, ValuePc: 50.0})

	if len(gs[0].speedSets) != 1 {
		t.Fatalf("%d SpeedSet calls, want 1", len(gs[0].speedSets))
	}
	call := gs[0].speedSets[0]
	if got := call.s.AxisDegS[gimbal.AxisYaw]; got != 100.0 {
		t.Errorf("yaw speed = %v, want 100", got)
	}
	if call.flags != gimbal.FlagIgnorePitch|gimbal.FlagIgnoreRoll {
		t.Errorf("flags = 0x%02x, want pitch and roll ignored", call.flags)
	}
}

func TestMapperScaleClamp(t *testing.T) {
	l, gs := boundLink(t, 1)

	if err := l.tableAdd(gamepad.ActionChanged, gamepad.Analog1X, FuncYaw, 8.0, 0.0); err != nil {
		t.Fatalf("tableAdd: %v", err)
	}
	l.onEvent(gamepad.Event{Action: gamepad.ActionChanged, Control: gamepad.Analog1X, ValuePc: 100.0})

	if got := gs[0].speedSets[0].s.AxisDegS[gimbal.AxisYaw]; got != 360.0 {
		t.Errorf("yaw speed = %v, want clamped 360", got)
	}
}

func TestMapperSpeedBoostMix(t *testing.T) {
	l, gs := boundLink(t, 1)

	// Establish speed_command[yaw] = 50: factor 1, value 50%.
	if err := l.tableAdd(gamepad.ActionChanged, gamepad.Analog0X, FuncYaw, 1.0, 0.0); err != nil {
		t.Fatalf("tableAdd: %v", err)
	}
	l.onEvent(gamepad.Event{Action: gamepad.ActionChanged, Control: gamepad.Analog0X, ValuePc: 50.0})
	if got := gs[0].speedSets[0].s.AxisDegS[gimbal.AxisYaw]; got != 50.0 {
		t.Fatalf("setup yaw speed = %v, want 50", got)
	}
	if got := l.speedCommand.AxisDegS[gimbal.AxisYaw]; got != 50.0 {
		t.Fatalf("speed command = %v, want 50", got)
	}

	if err := l.tableAdd(gamepad.ActionChanged, gamepad.TriggerRight, FuncSpeedBoost, 1.0, 0.0); err != nil {
		t.Fatalf("tableAdd: %v", err)
	}
	l.onEvent(gamepad.Event{Action: gamepad.ActionChanged, Control: gamepad.TriggerRight, ValuePc: 100.0})

	if len(gs[0].speedSets) != 2 {
		t.Fatalf("%d SpeedSet calls, want 2", len(gs[0].speedSets))
	}
	mixed := gs[0].speedSets[1].s
	if got := mixed.AxisDegS[gimbal.AxisYaw]; got != 100.0 {
		t.Errorf("boosted yaw = %v, want 50 + 1*1.0*50 = 100", got)
	}
	if mixed.AxisDegS[gimbal.AxisPitch] != 0 || mixed.AxisDegS[gimbal.AxisRoll] != 0 {
		t.Errorf("pitch/roll changed: %v", mixed.AxisDegS)
	}

	if len(gs[0].trackSpeeds) != 1 || gs[0].trackSpeeds[0] != 100.0 {
		t.Errorf("track speeds = %v, want [100]", gs[0].trackSpeeds)
	}
}

func TestMapperBoostScalesNewCommands(t *testing.T) {
	l, gs := boundLink(t, 1)

	l.tableAdd(gamepad.ActionChanged, gamepad.TriggerRight, FuncSpeedBoost, 1.0, 0.0)
	l.onEvent(gamepad.Event{Action: gamepad.ActionChanged, Control: gamepad.TriggerRight, ValuePc: 100.0})

	// With boost=1 the yaw factor becomes 2 + 1*1 = 3.
	l.onEvent(gamepad.Event{Action: gamepad.ActionChanged, Control: gamepad.Analog0X, ValuePc: 50.0})

	last := gs[0].speedSets[len(gs[0].speedSets)-1].s
	if got := last.AxisDegS[gimbal.AxisYaw]; got != 150.0 {
		t.Errorf("boosted yaw command = %v, want 150", got)
	}
}

func TestMapperAxisAbsolute(t *testing.T) {
	l, gs := boundLink(t, 1)

	if err := l.tableAdd(gamepad.ActionChanged, gamepad.Analog1X, FuncPitchAbsolute, 1.2, 15.0); err != nil {
		t.Fatalf("tableAdd: %v", err)
	}
	l.onEvent(gamepad.Event{Action: gamepad.ActionChanged, Control: gamepad.Analog1X, ValuePc: 100.0})

	if len(gs[0].posSets) != 1 {
		t.Fatalf("%d PositionSet calls, want 1", len(gs[0].posSets))
	}
	call := gs[0].posSets[0]
	if got := call.p.AxisDeg[gimbal.AxisPitch]; got != 135.0 {
		t.Errorf("pitch = %v, want 15 + 1.2*100 = 135", got)
	}
	if call.flags != gimbal.FlagIgnoreRoll|gimbal.FlagIgnoreYaw {
		t.Errorf("flags = 0x%02x", call.flags)
	}
}

func TestMapperHomeSetAndGo(t *testing.T) {
	l, gs := boundLink(t, 1)
	gs[0].position = gimbal.Position{AxisDeg: [gimbal.AxisQty]float64{5, 0, 45}}

	// Built-in: PRESSED BUTTON_A = HOME_SET, PRESSED BUTTON_B = HOME.
	l.onEvent(gamepad.Event{Action: gamepad.ActionPressed, Control: gamepad.ButtonA, ValuePc: 100})
	l.tableAdd(gamepad.ActionPressed, gamepad.ButtonB, FuncHome, 2.0, 0.0)
	l.onEvent(gamepad.Event{Action: gamepad.ActionPressed, Control: gamepad.ButtonB, ValuePc: 100})

	if len(gs[0].posSets) != 1 {
		t.Fatalf("%d PositionSet calls, want 1", len(gs[0].posSets))
	}
	call := gs[0].posSets[0]
	if call.p != gs[0].position {
		t.Errorf("home go position = %v, want stored home %v", call.p, gs[0].position)
	}
	if call.duration != 2*time.Second {
		t.Errorf("duration = %v, want 2s (factor 2, no boost)", call.duration)
	}
	if call.flags != 0 {
		t.Errorf("flags = 0x%02x, want all axes", call.flags)
	}
}

func TestMapperGimbalCycling(t *testing.T) {
	l, _ := boundLink(t, 3)

	next := gamepad.Event{Action: gamepad.ActionPressed, Control: gamepad.PadRight, ValuePc: 100}
	prev := gamepad.Event{Action: gamepad.ActionPressed, Control: gamepad.PadLeft, ValuePc: 100}
	last := gamepad.Event{Action: gamepad.ActionPressed, Control: gamepad.PadTop, ValuePc: 100}
	first := gamepad.Event{Action: gamepad.ActionPressed, Control: gamepad.PadBottom, ValuePc: 100}

	l.onEvent(next)
	if l.gimbalIndex != 1 {
		t.Errorf("after next: index %d, want 1", l.gimbalIndex)
	}
	l.onEvent(next)
	l.onEvent(next) // clamps at the end without looping
	if l.gimbalIndex != 2 {
		t.Errorf("after 3x next: index %d, want 2", l.gimbalIndex)
	}
	l.onEvent(prev)
	if l.gimbalIndex != 1 {
		t.Errorf("after prev: index %d, want 1", l.gimbalIndex)
	}
	l.onEvent(first)
	if l.gimbalIndex != 0 {
		t.Errorf("after first: index %d, want 0", l.gimbalIndex)
	}
	l.onEvent(prev) // stays at 0 without looping
	if l.gimbalIndex != 0 {
		t.Errorf("prev at 0: index %d, want 0", l.gimbalIndex)
	}
	l.onEvent(last)
	if l.gimbalIndex != 2 {
		t.Errorf("after last: index %d, want 2", l.gimbalIndex)
	}

	// Looping variants wrap around.
	l.tableAdd(gamepad.ActionPressed, gamepad.ButtonRight, FuncGimbalNextLoop, 0, 0)
	l.onEvent(gamepad.Event{Action: gamepad.ActionPressed, Control: gamepad.ButtonRight})
	if l.gimbalIndex != 0 {
		t.Errorf("next-loop from last: index %d, want 0", l.gimbalIndex)
	}
	l.tableAdd(gamepad.ActionPressed, gamepad.ButtonLeft, FuncGimbalPreviousLoop, 0, 0)
	l.onEvent(gamepad.Event{Action: gamepad.ActionPressed, Control: gamepad.ButtonLeft})
	if l.gimbalIndex != 2 {
		t.Errorf("previous-loop from first: index %d, want 2", l.gimbalIndex)
	}
}

func TestMapperGimbalChangeClearsSpeedCommand(t *testing.T) {
	l, _ := boundLink(t, 2)

	l.onEvent(gamepad.Event{Action: gamepad.ActionChanged, Control: gamepad.Analog0X, ValuePc: 50.0})
	if l.speedCommand.AxisDegS[gimbal.AxisYaw] == 0 {
		t.Fatal("speed command not recorded")
	}

	l.onEvent(gamepad.Event{Action: gamepad.ActionPressed, Control: gamepad.PadRight, ValuePc: 100})
	if l.speedCommand != (gimbal.Speed{}) {
		t.Errorf("speed command memory survived a gimbal change: %v", l.speedCommand)
	}
}

func TestMapperFocus(t *testing.T) {
	l, gs := boundLink(t, 1)

	// Built-in: CHANGED TRIGGER_RIGHT FOCUS 2.0
	l.onEvent(gamepad.Event{Action: gamepad.ActionChanged, Control: gamepad.TriggerRight, ValuePc: 30.0})

	if len(gs[0].focusSpeeds) != 1 || gs[0].focusSpeeds[0] != 60.0 {
		t.Errorf("focus speeds = %v, want [60]", gs[0].focusSpeeds)
	}
}

func TestMapperForwardAndUnknown(t *testing.T) {
	l, _ := boundLink(t, 1)

	var got []struct {
		code uint
		ev   gamepad.Event
	}
	rec := receiverFunc(func(code uint, ev gamepad.Event) bool {
		got = append(got, struct {
			code uint
			ev   gamepad.Event
		}{code, ev})
		return true
	})

	if err := l.ReceiverSet(rec, 7, 9); err != nil {
		t.Fatalf("ReceiverSet: %v", err)
	}

	// Built-in: PRESSED BUTTON_BACK FORWARD.
	l.onEvent(gamepad.Event{Action: gamepad.ActionPressed, Control: gamepad.ButtonBack})
	// Unmatched event.
	l.onEvent(gamepad.Event{Action: gamepad.ActionReleased, Control: gamepad.ButtonY})

	if len(got) != 2 {
		t.Fatalf("%d forwarded events, want 2", len(got))
	}
	if got[0].code != 7 {
		t.Errorf("configured code = %d, want 7", got[0].code)
	}
	if got[1].code != 9 {
		t.Errorf("unknown code = %d, want 9", got[1].code)
	}
}

type receiverFunc func(code uint, ev gamepad.Event) bool

func (f receiverFunc) ProcessEvent(code uint, ev gamepad.Event) bool { return f(code, ev) }

func TestReceiverSetCodes(t *testing.T) {
	l := NewLink()

	if err := l.ReceiverSet(nil, 1, 0); err != gimbal.ErrCode {
		t.Errorf("nil receiver with codes = %v, want CODE", err)
	}
	rec := receiverFunc(func(uint, gamepad.Event) bool { return true })
	if err := l.ReceiverSet(rec, 0, 0); err != gimbal.ErrCode {
		t.Errorf("receiver without codes = %v, want CODE", err)
	}
	if err := l.ReceiverSet(rec, 1, 2); err != nil {
		t.Errorf("valid ReceiverSet = %v", err)
	}
}

func TestTableUpsertAndRemove(t *testing.T) {
	l := NewLink()

	if err := l.tableAdd(gamepad.ActionChanged, gamepad.Analog0X, FuncRoll, 1.0, 0.0); err != nil {
		t.Fatalf("tableAdd: %v", err)
	}
	entry := l.tableFind(gamepad.ActionChanged, gamepad.Analog0X)
	if entry == nil || entry.Function != FuncRoll || entry.Factor != 1.0 {
		t.Fatalf("upsert did not replace the built-in yaw row: %+v", entry)
	}

	l.tableRemove(gamepad.ActionChanged, gamepad.Analog0X)
	if l.tableFind(gamepad.ActionChanged, gamepad.Analog0X) != nil {
		t.Error("entry survived removal")
	}
}

func TestTableLimits(t *testing.T) {
	l := NewLink()

	if err := l.tableAdd(gamepad.ActionChanged, gamepad.Analog0X, FuncYaw, 361.0, 0.0); err != gimbal.ErrMax {
		t.Errorf("factor 361 = %v, want MAX", err)
	}
	if err := l.tableAdd(gamepad.ActionChanged, gamepad.Analog0X, FuncYaw, -361.0, 0.0); err != gimbal.ErrMin {
		t.Errorf("factor -361 = %v, want MIN", err)
	}
	if err := l.tableAdd(gamepad.ActionChanged, gamepad.Analog0X, FuncYaw, 1.0, 181.0); err != gimbal.ErrMax {
		t.Errorf("offset 181 = %v, want MAX", err)
	}
	if err := l.tableAdd(gamepad.ActionChanged, gamepad.Analog0X, FuncYaw, 1.0, -181.0); err != gimbal.ErrMin {
		t.Errorf("offset -181 = %v, want MIN", err)
	}
}

func TestMapperCalibration(t *testing.T) {
	l, gs := boundLink(t, 1)

	// Built-in: PRESSED BUTTON_START FOCUS_CALIBRATION.
	l.onEvent(gamepad.Event{Action: gamepad.ActionPressed, Control: gamepad.ButtonStart})

	want := []gimbal.Operation{gimbal.OpCalAutoEnable, gimbal.OpCalStop}
	if len(gs[0].focusCals) != 2 || gs[0].focusCals[0] != want[0] || gs[0].focusCals[1] != want[1] {
		t.Errorf("calibration ops = %v, want %v", gs[0].focusCals, want)
	}
}

func TestMapperTrackSwitch(t *testing.T) {
	l, gs := boundLink(t, 1)

	// Built-in: PRESSED BUTTON_LEFT TRACK_SWITCH.
	l.onEvent(gamepad.Event{Action: gamepad.ActionPressed, Control: gamepad.ButtonLeft})
	if gs[0].trackSwitches != 1 {
		t.Errorf("track switches = %d, want 1", gs[0].trackSwitches)
	}
}

func TestReadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "control.conf")

	content := `# test config
CLEAR
GIMBAL INDEX = 0

CHANGED ANALOG_1_X YAW 1.5
PRESSED BUTTON_A HOME_SET
CHANGED ANALOG_1_Y PITCH_ABSOLUTE 0.5 10
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	l := NewLink()
	if err := l.ReadConfigFile(path); err != nil {
		t.Fatalf("ReadConfigFile: %v", err)
	}

	// CLEAR wiped the built-in table.
	if l.tableFind(gamepad.ActionChanged, gamepad.Analog0X) != nil {
		t.Error("CLEAR did not wipe the built-in table")
	}

	entry := l.tableFind(gamepad.ActionChanged, gamepad.Analog1X)
	if entry == nil || entry.Function != FuncYaw || entry.Factor != 1.5 {
		t.Errorf("yaw row = %+v", entry)
	}

	entry = l.tableFind(gamepad.ActionChanged, gamepad.Analog1Y)
	if entry == nil || entry.Function != FuncPitchAbsolute || entry.Factor != 0.5 || entry.Offset != 10.0 {
		t.Errorf("pitch-absolute row = %+v", entry)
	}

	if len(l.gimbalIds) != 1 || l.gimbalIds[0] != "INDEX = 0" {
		t.Errorf("gimbal ids = %v", l.gimbalIds)
	}
}

func TestReadConfigFileErrors(t *testing.T) {
	if err := NewLink().ReadConfigFile("/nonexistent/control.conf"); err != gimbal.ErrFileOpen {
		t.Errorf("missing file = %v, want FILE_OPEN", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "bad.conf")

	tests := []struct {
		line string
		want error
	}{
		{"CHANGED ANALOG_0_X NO_SUCH_FUNCTION", gimbal.ErrFunction},
		{"CHANGED NO_SUCH_CONTROL YAW", gimbal.ErrControl},
		{"NO_SUCH_ACTION ANALOG_0_X YAW", gimbal.ErrAction},
		{"CHANGED ANALOG_0_X YAW 999", gimbal.ErrMax},
		{"CHANGED ANALOG_0_X YAW 1 2 3 4", gimbal.ErrConfig},
	}

	for _, tt := range tests {
		if err := os.WriteFile(path, []byte(tt.line+"\n"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := NewLink().ReadConfigFile(path); err != tt.want {
			t.Errorf("%q = %v, want %v", tt.line, err, tt.want)
		}
	}
}

func TestGimbalSetBindings(t *testing.T) {
	provider := &fakeProvider{gimbals: []*fakeGimbal{{}, {}}}

	l := NewLink()
	if err := l.gimbalSet(provider, "ATEM = 12 INDEX = 1"); err != nil {
		t.Fatalf("gimbalSet: %v", err)
	}

	info := l.gimbals[0]
	if info.atemPort != 2 {
		t.Errorf("port = %d, want 2 (12 mod 10)", info.atemPort)
	}
	if info.atemCameraType.String() != "EF" {
		t.Errorf("camera type = %v, want EF (port 10..19)", info.atemCameraType)
	}
	if info.gimbal != provider.gimbals[1] {
		t.Error("bound to the wrong gimbal")
	}

	if err := l.gimbalSet(provider, "NONE ATEM = 3"); err != nil {
		t.Fatalf("gimbalSet(NONE): %v", err)
	}
	if l.gimbals[1].gimbal != nil {
		t.Error("ATEM-only binding has a gimbal")
	}

	if err := l.gimbalSet(provider, "INDEX = 9"); err != gimbal.ErrGimbalOff {
		t.Errorf("missing gimbal = %v, want GIMBAL_OFF", err)
	}
	if err := l.gimbalSet(provider, "ATEM = 25"); err != gimbal.ErrConfig {
		t.Errorf("port 25 = %v, want CONFIG", err)
	}
	if err := l.gimbalSet(provider, "garbage id"); err != gimbal.ErrConfig {
		t.Errorf("garbage = %v, want CONFIG", err)
	}
}

func TestStartActivatesGimbals(t *testing.T) {
	l, gs := boundLink(t, 2)

	pad := gamepad.NewDemo()
	if err := l.GamepadSet(pad); err != nil {
		t.Fatalf("GamepadSet: %v", err)
	}
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	for i, g := range gs {
		if !g.activated {
			t.Errorf("gimbal %d not activated", i)
		}
	}
}
