package gamepad

import (
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/veandco/go-sdl2/sdl"
)

// SDL is a Source backed by SDL2's joystick subsystem. The SDL event loop
// runs on a dedicated goroutine; events are translated and handed to the
// registered handler from there.
type SDL struct {
	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	done    chan struct{}
	name    string
}

// NewSDL returns an unstarted SDL source.
func NewSDL() *SDL {
	return &SDL{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// SDL axis numbering on XInput-style pads.
const (
	sdlAxisLeftX        = 0
	sdlAxisLeftY        = 1
	sdlAxisRightX       = 2
	sdlAxisRightY       = 3
	sdlAxisTriggerLeft  = 4
	sdlAxisTriggerRight = 5
)

var sdlAxisControls = map[uint8]Control{
	sdlAxisLeftX:        Analog0X,
	sdlAxisLeftY:        Analog0Y,
	sdlAxisRightX:       Analog1X,
	sdlAxisRightY:       Analog1Y,
	sdlAxisTriggerLeft:  TriggerLeft,
	sdlAxisTriggerRight: TriggerRight,
}

var sdlButtonControls = map[uint8]Control{
	0:  ButtonA,
	1:  ButtonB,
	2:  ButtonX,
	3:  ButtonY,
	4:  ButtonBack,
	6:  ButtonStart,
	7:  ButtonAnalog0,
	8:  ButtonAnalog1,
	9:  ButtonLeft,
	10: ButtonRight,
}

func (s *SDL) Start(h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("gamepad: SDL source already started")
	}
	s.started = true

	go s.run(h)
	return nil
}

func (s *SDL) run(h Handler) {
	defer close(s.done)

	joysticks := make(map[int]*sdl.Joystick)

	sdl.Init(sdl.INIT_JOYSTICK)
	defer sdl.Quit()
	sdl.JoystickEventState(sdl.ENABLE)

	for {
		select {
		case <-s.stop:
			h(Event{Action: ActionDisconnected, Control: ControlNone})
			return
		default:
		}

		for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
			switch t := event.(type) {
			case *sdl.JoyAxisEvent:
				control, ok := sdlAxisControls[t.Axis]
				if !ok {
					continue
				}
				h(Event{
					Action:  ActionChanged,
					Control: control,
					ValuePc: axisValuePc(control, t.Value),
				})

			case *sdl.JoyButtonEvent:
				control, ok := sdlButtonControls[t.Button]
				if !ok {
					continue
				}
				ev := Event{Action: ActionReleased, Control: control}
				if t.State == sdl.PRESSED {
					ev.Action = ActionPressed
					ev.ValuePc = 100.0
				}
				h(ev)

			case *sdl.JoyHatEvent:
				for _, hd := range hatControls(t.Value) {
					h(Event{Action: ActionPressed, Control: hd, ValuePc: 100.0})
				}

			case *sdl.JoyDeviceAddedEvent:
				joysticks[int(t.Which)] = sdl.JoystickOpen(int(t.Which))
				if j := joysticks[int(t.Which)]; j != nil {
					s.mu.Lock()
					s.name = j.Name()
					s.mu.Unlock()
					log.Printf("[gamepad] joystick %d connected (%s)", t.Which, j.Name())
				}

			case *sdl.JoyDeviceRemovedEvent:
				if j := joysticks[int(t.Which)]; j != nil {
					j.Close()
					delete(joysticks, int(t.Which))
				}
				log.Printf("[gamepad] joystick %d disconnected", t.Which)
				h(Event{Action: ActionDisconnected, Control: ControlNone})
			}
		}

		sdl.Delay(16)
	}
}

// axisValuePc maps SDL's int16 axis range onto percentages: sticks are
// symmetric -100..100, triggers 0..100.
func axisValuePc(c Control, raw int16) float64 {
	switch c {
	case TriggerLeft, TriggerRight:
		return (float64(raw) + 32768.0) / 65535.0 * 100.0
	default:
		return float64(raw) / 32767.0 * 100.0
	}
}

func hatControls(hat uint8) []Control {
	var out []Control
	if hat&sdl.HAT_UP != 0 {
		out = append(out, PadTop)
	}
	if hat&sdl.HAT_DOWN != 0 {
		out = append(out, PadBottom)
	}
	if hat&sdl.HAT_LEFT != 0 {
		out = append(out, PadLeft)
	}
	if hat&sdl.HAT_RIGHT != 0 {
		out = append(out, PadRight)
	}
	return out
}

func (s *SDL) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("gamepad: SDL source not started")
	}
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("gamepad: SDL source already stopped")
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stop)
	<-s.done
	return nil
}

func (s *SDL) Debug(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(w, "SDL gamepad source (started=%v, device=%q)\n", s.started, s.name)
}
