// Package atem exposes the auxiliary camera channel of a broadcast switcher
// as a small fixed verb set. The switcher SDK itself stays behind the
// CameraControl interface; this package owns the verb-to-parameter mapping
// and the per-port EF focus bookkeeping.
package atem

import (
	"fmt"
	"log"
)

// CameraType selects the focus semantics of the attached camera: EF lenses
// only take focus offsets, MFT lenses take absolute positions.
type CameraType int

const (
	CameraEF CameraType = iota
	CameraMFT

	CameraQty
)

func (c CameraType) String() string {
	switch c {
	case CameraEF:
		return "EF"
	case CameraMFT:
		return "MFT"
	}
	return "camera?"
}

// PortQty is the number of camera ports on a switcher.
const PortQty = 8

// Switcher camera-control parameter addresses (category, parameter).
const (
	catLens     = 0
	paramFocus  = 0
	paramAutoF  = 1
	paramIris   = 3
	paramAutoI  = 5
	paramZoomA  = 8
	paramZoomSp = 9

	catVideo  = 8
	paramGain = 2
)

// CameraControl is the switcher-side half of the channel. Implementations
// wrap the vendor SDK or, in tests, record the calls.
type CameraControl interface {
	SetFloats(dest, category, param uint8, values []float64) error
	OffsetFloats(dest, category, param uint8, offsets []float64) error
	SetFlags(dest, category, param uint8) error
	Close() error
}

// Atem is one switcher connection shared by every binding that references
// it. Lifetime is managed by the registry: created on first FindOrCreate,
// torn down when the last holder releases.
type Atem struct {
	id   string
	ctrl CameraControl

	focusPositions [PortQty]float64
}

// ApertureAbsolute drives the iris to a percentage of its range.
func (a *Atem) ApertureAbsolute(port uint, valuePc float64) bool {
	err := a.ctrl.SetFloats(uint8(port), catLens, paramIris, []float64{valuePc / 100.0})
	return a.report("Aperture_Absolute", port, err)
}

// FocusAbsolute drives focus. EF cameras only accept offsets, so the verb
// tracks the last commanded position per port and sends the delta; MFT
// cameras take the scaled absolute value directly.
func (a *Atem) FocusAbsolute(port uint, valuePc float64, camera CameraType) bool {
	var err error
	switch camera {
	case CameraEF:
		offset := valuePc - a.focusPositions[port-1]
		err = a.ctrl.OffsetFloats(uint8(port), catLens, paramFocus, []float64{offset})
		if err == nil {
			a.focusPositions[port-1] = valuePc
		}

	case CameraMFT:
		err = a.ctrl.SetFloats(uint8(port), catLens, paramFocus, []float64{valuePc / 100.0})

	default:
		err = fmt.Errorf("atem: unknown camera type %d", camera)
	}
	return a.report("Focus_Absolute", port, err)
}

// GainAbsolute maps a percentage onto the 0..16 gain range, applied to all
// four channels.
func (a *Atem) GainAbsolute(port uint, valuePc float64) bool {
	g := valuePc / 100.0 * 16.0
	err := a.ctrl.SetFloats(uint8(port), catVideo, paramGain, []float64{g, g, g, g})
	return a.report("Gain_Absolute", port, err)
}

// Zoom drives the zoom rocker at a speed percentage.
func (a *Atem) Zoom(port uint, valuePc float64) bool {
	err := a.ctrl.SetFloats(uint8(port), catLens, paramZoomSp, []float64{valuePc / 100.0})
	return a.report("Zoom", port, err)
}

// ZoomAbsolute drives zoom to a position percentage.
func (a *Atem) ZoomAbsolute(port uint, valuePc float64) bool {
	err := a.ctrl.SetFloats(uint8(port), catLens, paramZoomA, []float64{valuePc / 100.0})
	return a.report("Zoom_Absolute", port, err)
}

// ApertureAuto triggers the camera's automatic iris.
func (a *Atem) ApertureAuto(port uint) bool {
	err := a.ctrl.SetFlags(uint8(port), catLens, paramAutoI)
	return a.report("Aperture_Auto", port, err)
}

// FocusAuto triggers the camera's autofocus.
func (a *Atem) FocusAuto(port uint) bool {
	err := a.ctrl.SetFlags(uint8(port), catLens, paramAutoF)
	return a.report("Focus_Auto", port, err)
}

func (a *Atem) report(verb string, port uint, err error) bool {
	if err != nil {
		log.Printf("[atem] %s: %s(%d): %v", a.id, verb, port, err)
		return false
	}
	return true
}
