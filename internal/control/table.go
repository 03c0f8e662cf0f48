package control

import (
	"github.com/alxbouchard/PAZ-Gimbal-Control/internal/gamepad"
	"github.com/alxbouchard/PAZ-Gimbal-Control/internal/gimbal"
)

const (
	factorMax = 360.0
	factorMin = -360.0

	offsetMax = 180.0
	offsetMin = -180.0
)

// TableEntry binds one (action, control) pair to a function with its scale
// and offset.
type TableEntry struct {
	Action  gamepad.Action
	Control gamepad.Control

	Function Function

	Factor float64
	Offset float64
}

// tableAdd validates and upserts an entry; (action, control) keys are
// unique.
func (l *Link) tableAdd(action gamepad.Action, control gamepad.Control, fn Function, factor, offset float64) error {
	if err := gimbal.Validate(factor, factorMin, factorMax); err != nil {
		return err
	}
	if err := gimbal.Validate(offset, offsetMin, offsetMax); err != nil {
		return err
	}

	if entry := l.tableFind(action, control); entry != nil {
		entry.Function = fn
		entry.Factor = factor
		entry.Offset = offset
		return nil
	}

	l.table = append(l.table, &TableEntry{
		Action:   action,
		Control:  control,
		Function: fn,
		Factor:   factor,
		Offset:   offset,
	})
	return nil
}

func (l *Link) tableAddNames(action, control, fn string, factor, offset float64) error {
	a, err := actionFromName(action)
	if err != nil {
		return err
	}
	c, err := controlFromName(control)
	if err != nil {
		return err
	}
	f, err := functionFromName(fn)
	if err != nil {
		return err
	}
	return l.tableAdd(a, c, f, factor, offset)
}

func (l *Link) tableFind(action gamepad.Action, control gamepad.Control) *TableEntry {
	for _, entry := range l.table {
		if entry.Action == action && entry.Control == control {
			return entry
		}
	}
	return nil
}

func (l *Link) tableRemove(action gamepad.Action, control gamepad.Control) {
	for i, entry := range l.table {
		if entry.Action == action && entry.Control == control {
			l.table = append(l.table[:i], l.table[i+1:]...)
			return
		}
	}
}

func (l *Link) tableRemoveNames(action, control string) error {
	a, err := actionFromName(action)
	if err != nil {
		return err
	}
	c, err := controlFromName(control)
	if err != nil {
		return err
	}
	l.tableRemove(a, c)
	return nil
}

// tableInit installs the built-in bindings.
func (l *Link) tableInit() {
	l.tableAdd(gamepad.ActionChanged, gamepad.Analog0X, FuncYaw, 2.0, 0.0)
	l.tableAdd(gamepad.ActionChanged, gamepad.Analog1Y, FuncPitch, 2.0, 0.0)

	l.tableAdd(gamepad.ActionChanged, gamepad.TriggerLeft, FuncFocus, -2.0, 0.0)
	l.tableAdd(gamepad.ActionChanged, gamepad.TriggerRight, FuncFocus, 2.0, 0.0)

	l.tableAdd(gamepad.ActionDisconnected, gamepad.ControlNone, FuncForward, 0.0, 0.0)

	l.tableAdd(gamepad.ActionPressed, gamepad.ButtonA, FuncHomeSet, 0.0, 0.0)
	l.tableAdd(gamepad.ActionPressed, gamepad.ButtonB, FuncHome, 0.0, 0.0)
	l.tableAdd(gamepad.ActionPressed, gamepad.ButtonBack, FuncForward, 0.0, 0.0)
	l.tableAdd(gamepad.ActionPressed, gamepad.ButtonLeft, FuncTrackSwitch, 0.0, 0.0)
	l.tableAdd(gamepad.ActionPressed, gamepad.ButtonStart, FuncFocusCalibration, 0.0, 0.0)
	l.tableAdd(gamepad.ActionPressed, gamepad.ButtonX, FuncHomeYaw, 0.0, 0.0)
	l.tableAdd(gamepad.ActionPressed, gamepad.ButtonY, FuncHomePitch, 0.0, 0.0)

	l.tableAdd(gamepad.ActionPressed, gamepad.PadBottom, FuncGimbalFirst, 0.0, 0.0)
	l.tableAdd(gamepad.ActionPressed, gamepad.PadLeft, FuncGimbalPrevious, 0.0, 0.0)
	l.tableAdd(gamepad.ActionPressed, gamepad.PadRight, FuncGimbalNext, 0.0, 0.0)
	l.tableAdd(gamepad.ActionPressed, gamepad.PadTop, FuncGimbalLast, 0.0, 0.0)
}

func actionFromName(name string) (gamepad.Action, error) {
	for i, n := range gamepad.ActionNames {
		if n == name {
			return gamepad.Action(i), nil
		}
	}
	return 0, gimbal.ErrAction
}

func controlFromName(name string) (gamepad.Control, error) {
	for i, n := range gamepad.ControlNames {
		if n == name {
			return gamepad.Control(i), nil
		}
	}
	return 0, gimbal.ErrControl
}

func functionFromName(name string) (Function, error) {
	for i, n := range FunctionNames {
		if n == name {
			return Function(i), nil
		}
	}
	return 0, gimbal.ErrFunction
}
