package atem

import (
	"errors"
	"testing"
)

// recorderControl captures camera-control calls.
type recorderControl struct {
	sets    []ctrlCall
	offsets []ctrlCall
	flags   []ctrlCall
	closed  bool
	fail    bool
}

type ctrlCall struct {
	dest, category, param uint8
	values                []float64
}

func (r *recorderControl) SetFloats(dest, category, param uint8, values []float64) error {
	if r.fail {
		return errors.New("switcher unreachable")
	}
	r.sets = append(r.sets, ctrlCall{dest, category, param, values})
	return nil
}

func (r *recorderControl) OffsetFloats(dest, category, param uint8, offsets []float64) error {
	if r.fail {
		return errors.New("switcher unreachable")
	}
	r.offsets = append(r.offsets, ctrlCall{dest, category, param, offsets})
	return nil
}

func (r *recorderControl) SetFlags(dest, category, param uint8) error {
	r.flags = append(r.flags, ctrlCall{dest, category, param, nil})
	return nil
}

func (r *recorderControl) Close() error {
	r.closed = true
	return nil
}

func newTestAtem() (*Atem, *recorderControl) {
	ctrl := &recorderControl{}
	return &Atem{id: "test", ctrl: ctrl}, ctrl
}

func TestFocusAbsoluteEFAccumulates(t *testing.T) {
	a, ctrl := newTestAtem()

	if !a.FocusAbsolute(3, 40.0, CameraEF) {
		t.Fatal("FocusAbsolute failed")
	}
	if !a.FocusAbsolute(3, 70.0, CameraEF) {
		t.Fatal("FocusAbsolute failed")
	}

	if len(ctrl.offsets) != 2 {
		t.Fatalf("%d offset calls, want 2", len(ctrl.offsets))
	}
	if got := ctrl.offsets[0].values[0]; got != 40.0 {
		t.Errorf("first offset = %v, want 40 (from 0)", got)
	}
	if got := ctrl.offsets[1].values[0]; got != 30.0 {
		t.Errorf("second offset = %v, want 30 (70 - 40)", got)
	}
	if len(ctrl.sets) != 0 {
		t.Errorf("EF focus used SetFloats")
	}
}

func TestFocusAbsoluteEFFailureKeepsPosition(t *testing.T) {
	a, ctrl := newTestAtem()

	a.FocusAbsolute(1, 50.0, CameraEF)
	ctrl.fail = true
	if a.FocusAbsolute(1, 80.0, CameraEF) {
		t.Fatal("FocusAbsolute reported success on a failing control")
	}
	ctrl.fail = false

	// The tracked position must still be 50, so the next delta is 30.
	a.FocusAbsolute(1, 80.0, CameraEF)
	last := ctrl.offsets[len(ctrl.offsets)-1]
	if got := last.values[0]; got != 30.0 {
		t.Errorf("offset after failure = %v, want 30", got)
	}
}

func TestFocusAbsoluteMFT(t *testing.T) {
	a, ctrl := newTestAtem()

	a.FocusAbsolute(2, 50.0, CameraMFT)

	if len(ctrl.sets) != 1 {
		t.Fatalf("%d set calls, want 1", len(ctrl.sets))
	}
	call := ctrl.sets[0]
	if call.dest != 2 || call.category != 0 || call.param != 0 {
		t.Errorf("address = {%d, %d, %d}", call.dest, call.category, call.param)
	}
	if call.values[0] != 0.5 {
		t.Errorf("value = %v, want 0.5", call.values[0])
	}
}

func TestGainMapsToSixteen(t *testing.T) {
	a, ctrl := newTestAtem()

	a.GainAbsolute(1, 50.0)

	call := ctrl.sets[0]
	if call.category != 8 || call.param != 2 {
		t.Errorf("address = cat %d param %d, want video gain", call.category, call.param)
	}
	if len(call.values) != 4 {
		t.Fatalf("%d channels, want 4", len(call.values))
	}
	for i, v := range call.values {
		if v != 8.0 {
			t.Errorf("channel %d = %v, want 8 (50%% of 16)", i, v)
		}
	}
}

func TestZoomVerbs(t *testing.T) {
	a, ctrl := newTestAtem()

	a.Zoom(4, 100.0)
	a.ZoomAbsolute(4, 25.0)

	if ctrl.sets[0].param != 9 || ctrl.sets[0].values[0] != 1.0 {
		t.Errorf("zoom speed call = %+v", ctrl.sets[0])
	}
	if ctrl.sets[1].param != 8 || ctrl.sets[1].values[0] != 0.25 {
		t.Errorf("zoom absolute call = %+v", ctrl.sets[1])
	}
}

func TestAutoVerbs(t *testing.T) {
	a, ctrl := newTestAtem()

	a.ApertureAuto(1)
	a.FocusAuto(2)

	if len(ctrl.flags) != 2 {
		t.Fatalf("%d flag calls, want 2", len(ctrl.flags))
	}
	if ctrl.flags[0].param != 5 {
		t.Errorf("aperture auto param = %d, want 5", ctrl.flags[0].param)
	}
	if ctrl.flags[1].param != 1 {
		t.Errorf("focus auto param = %d, want 1", ctrl.flags[1].param)
	}
}

func TestRegistrySharingAndTeardown(t *testing.T) {
	var dials int
	ctrl := &recorderControl{}
	DialerSet(func(id string) (CameraControl, error) {
		dials++
		return ctrl, nil
	})
	defer DialerSet(nil)

	a1 := FindOrCreate("IPv4 = 10.0.0.1")
	a2 := FindOrCreate("IPv4 = 10.0.0.1")

	if a1 == nil || a1 != a2 {
		t.Fatal("registry did not share the connection")
	}
	if dials != 1 {
		t.Fatalf("%d dials, want 1", dials)
	}

	Release(a1)
	if ctrl.closed {
		t.Fatal("closed while a holder remains")
	}
	Release(a2)
	if !ctrl.closed {
		t.Fatal("not closed with the last holder")
	}

	// A fresh FindOrCreate reconnects.
	FindOrCreate("IPv4 = 10.0.0.1")
	if dials != 2 {
		t.Errorf("%d dials after teardown, want 2", dials)
	}
}

func TestFindOrCreateFailure(t *testing.T) {
	DialerSet(func(id string) (CameraControl, error) {
		return nil, errors.New("no route")
	})
	defer DialerSet(nil)

	if a := FindOrCreate("IPv4 = 10.0.0.2"); a != nil {
		t.Error("FindOrCreate returned a handle for a failed dial")
	}
}
