package gimbal

// Position state machine. Internally every position includes the configured
// per-axis offset; PositionGet removes it again.
//
//	            +----+================> POSITION
//	            |    |                   | | |
//	--+==> UNKNOWN --|----+==> MOVING <--+ | |
//	  |     |   |    |    |                | |
//	  |     |   +----|--> KNOWN <----------+ |
//	  |     |        |    |                  |
//	  |     +--> SPEED <==+------------------+
//	  |           |
//	  +-----------+
type PositionState int

const (
	PositionKnown PositionState = iota
	PositionMoving
	PositionSpeed
	PositionUnknown
)

const (
	angleOffsetDefaultDeg = 0.0
	speedDefaultDegS      = 360.0
	speedFloorDegS        = 0.1
	stiffnessDefaultPc    = 50.0

	// Ticks a reported position stays fresh.
	positionFreshTicks = 15
)

// Model is the protocol-independent semantic layer: configured limits, the
// position state machine, focus integration state. It holds no lock of its
// own — the owning engine serializes access under its zone-0 mutex.
type Model struct {
	Cfg             Config
	FocusPositionPc float64
	FocusSpeedPcS   float64
	Inf             Info
	PositionFlags   uint
	PositionTarget  Position
	Spd             Speed

	positionCount   int
	positionCurrent Position
	positionState   PositionState
}

// NewModel returns a model with default limits and an unknown position.
func NewModel() *Model {
	m := &Model{
		FocusPositionPc: FocusPositionMinPc,
		FocusSpeedPcS:   FocusSpeedStopPcS,
		PositionFlags:   FlagIgnoreAll,
		positionState:   PositionUnknown,
	}
	for a := Axis(0); a < AxisQty; a++ {
		m.Cfg.Axis[a] = ConfigAxis{
			MaxDeg:      PositionMaxDeg,
			MinDeg:      PositionMinDeg,
			OffsetDeg:   angleOffsetDefaultDeg,
			SpeedDegS:   speedDefaultDegS,
			StiffnessPc: stiffnessDefaultPc,
		}
		m.Inf.Axis[a].SpeedMaxDegS = SpeedMaxDegS
	}
	return m
}

func (m *Model) ConfigGet() Config { return m.Cfg }

func (m *Model) ConfigSet(c Config) error {
	if err := m.ConfigValidate(c); err != nil {
		return err
	}
	m.Cfg = c
	return nil
}

func (m *Model) InfoGet() Info { return m.Inf }

func (m *Model) FocusPositionSet(positionPc float64) error {
	if err := validateValue(positionPc, FocusPositionMinPc, FocusPositionMaxPc); err != nil {
		return err
	}
	m.FocusPositionPc = positionPc
	return nil
}

func (m *Model) FocusSpeedSet(speedPcS float64) error {
	if err := validateValue(speedPcS, FocusSpeedMinPcS, FocusSpeedMaxPcS); err != nil {
		return err
	}
	m.FocusSpeedPcS = speedPcS
	return nil
}

// IsFocusMoving reports whether the worker must keep integrating focus.
func (m *Model) IsFocusMoving() bool { return m.FocusSpeedPcS != FocusSpeedStopPcS }

// PositionGet returns the last reported position with axis offsets removed,
// or NOT_READY when no fresh position is available.
func (m *Model) PositionGet() (Position, error) {
	cur, ok := m.PositionCurrent()
	if !ok {
		return Position{}, ErrNotReady
	}
	var out Position
	for a := Axis(0); a < AxisQty; a++ {
		out.AxisDeg[a] = cur.AxisDeg[a] - m.Cfg.Axis[a].OffsetDeg
	}
	return out, nil
}

// PositionSet validates the target (with offsets applied), arms the MOVING
// state and records which axes are under control.
func (m *Model) PositionSet(p Position, flags uint) error {
	var target Position
	for a := Axis(0); a < AxisQty; a++ {
		if flags&FlagIgnore(a) == 0 {
			target.AxisDeg[a] = p.AxisDeg[a] + m.Cfg.Axis[a].OffsetDeg
		}
	}

	if err := m.PositionValidate(target, flags); err != nil {
		return err
	}

	m.PositionFlags &= flags
	m.positionState = PositionMoving

	for a := Axis(0); a < AxisQty; a++ {
		if flags&FlagIgnore(a) == 0 {
			m.PositionTarget.AxisDeg[a] = target.AxisDeg[a]
		}
	}
	return nil
}

// SpeedGet reports the current commanded speed. In MOVING state there is no
// meaningful speed to report.
func (m *Model) SpeedGet() (Speed, error) {
	switch m.positionState {
	case PositionKnown, PositionUnknown:
		return Speed{}, nil
	case PositionMoving:
		return Speed{}, ErrState
	default:
		return m.Spd, nil
	}
}

func (m *Model) SpeedSet(s Speed, flags uint) error {
	if err := m.speedValidate(s, flags); err != nil {
		return err
	}

	m.positionState = PositionKnown
	for a := Axis(0); a < AxisQty; a++ {
		if flags&FlagIgnore(a) == 0 {
			m.Spd.AxisDegS[a] = s.AxisDegS[a]
		}
	}
	for a := Axis(0); a < AxisQty; a++ {
		if m.Spd.AxisDegS[a] != 0.0 {
			m.positionState = PositionSpeed
		}
	}
	return nil
}

func (m *Model) SpeedStop() error {
	m.positionState = PositionKnown
	m.Spd = Speed{}
	return nil
}

// PositionCurrent returns the last reported position and whether it is still
// fresh.
func (m *Model) PositionCurrent() (Position, bool) {
	if m.positionState == PositionUnknown {
		return m.positionCurrent, false
	}
	return m.positionCurrent, m.positionCount > 0
}

func (m *Model) PositionState() PositionState { return m.positionState }

// PositionUpdate records a position reported by the device, clears the
// per-axis control bits of axes that have reached their target and leaves
// MOVING once every controlled axis has arrived.
func (m *Model) PositionUpdate(p Position) {
	m.positionCount = positionFreshTicks
	m.positionCurrent = p

	switch m.positionState {
	case PositionKnown, PositionSpeed:

	case PositionMoving:
		for a := Axis(0); a < AxisQty; a++ {
			if m.PositionFlags&FlagIgnore(a) == 0 &&
				angleReached(m.PositionTarget.AxisDeg[a], p.AxisDeg[a]) {
				m.PositionFlags |= FlagIgnore(a)
			}
		}
		if m.PositionFlags == FlagIgnoreAll {
			m.positionState = PositionKnown
		}

	case PositionUnknown:
		m.positionState = PositionKnown
	}
}

// PositionValidate checks every controlled axis against the configured limits.
func (m *Model) PositionValidate(p Position, flags uint) error {
	for a := Axis(0); a < AxisQty; a++ {
		if flags&FlagIgnore(a) != 0 {
			continue
		}
		cfg := m.Cfg.Axis[a]
		if p.AxisDeg[a] > cfg.MaxDeg {
			return ErrAngleMax
		}
		if p.AxisDeg[a] < cfg.MinDeg {
			return ErrAngleMin
		}
	}
	return nil
}

// Tick ages the freshness counter; a KNOWN position whose counter ran out
// becomes UNKNOWN.
func (m *Model) Tick() {
	if m.positionState == PositionKnown && m.positionCount == 0 {
		m.positionState = PositionUnknown
	}
	if m.positionCount > 0 {
		m.positionCount--
	}
}

func (m *Model) ConfigValidate(c Config) error {
	for a := Axis(0); a < AxisQty; a++ {
		ax, inf := c.Axis[a], m.Inf.Axis[a]
		if ax.MaxDeg > PositionMaxDeg {
			return ErrAngleMax
		}
		if ax.MinDeg < PositionMinDeg || ax.MaxDeg < ax.MinDeg {
			return ErrAngleMin
		}
		if ax.SpeedDegS < speedFloorDegS || ax.SpeedDegS > inf.SpeedMaxDegS {
			return ErrSpeed
		}
		if err := validateValue(ax.StiffnessPc, 0.0, 100.0); err != nil {
			return err
		}
	}
	return nil
}

func (m *Model) speedValidate(s Speed, flags uint) error {
	for a := Axis(0); a < AxisQty; a++ {
		if flags&FlagIgnore(a) != 0 {
			continue
		}
		max := m.Inf.Axis[a].SpeedMaxDegS
		if s.AxisDegS[a] > max {
			return ErrSpeedMax
		}
		if s.AxisDegS[a] < -max {
			return ErrSpeedMin
		}
	}
	return nil
}

// angleReached treats an axis as arrived when the squared delta is below
// 0.1 deg².
func angleReached(aDeg, bDeg float64) bool {
	d := aDeg - bDeg
	return d*d < 0.1
}
