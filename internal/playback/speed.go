package playback

import "fmt"

// Speed is one of the fixed playback rates.
type Speed int

const (
	SpeedQuarter Speed = iota
	SpeedHalf
	SpeedNormal
	SpeedDouble
	SpeedQuadruple
	SpeedInstant
)

var speedNames = [...]string{"0.25x", "0.5x", "1x", "2x", "4x", "instant"}

var speedMultipliers = [...]float64{0.25, 0.5, 1, 2, 4, 0}

// Speeds lists every rate from slowest to fastest.
func Speeds() []Speed {
	return []Speed{SpeedQuarter, SpeedHalf, SpeedNormal, SpeedDouble, SpeedQuadruple, SpeedInstant}
}

func (s Speed) valid() bool { return s >= SpeedQuarter && s <= SpeedInstant }

func (s Speed) String() string {
	if !s.valid() {
		return fmt.Sprintf("Speed(%d)", int(s))
	}
	return speedNames[s]
}

// Multiplier is the replay rate relative to real time. Instant has none and
// returns 0.
func (s Speed) Multiplier() float64 {
	if !s.valid() {
		return 1
	}
	return speedMultipliers[s]
}

// Faster returns the next rate up, saturating at instant.
func (s Speed) Faster() Speed {
	if s >= SpeedInstant {
		return SpeedInstant
	}
	return s + 1
}

// Slower returns the next rate down, saturating at 0.25x.
func (s Speed) Slower() Speed {
	if s <= SpeedQuarter {
		return SpeedQuarter
	}
	return s - 1
}

// ParseSpeed accepts the names printed by String, with or without the
// trailing "x".
func ParseSpeed(v string) (Speed, error) {
	for i, name := range speedNames {
		if v == name || (name != "instant" && v+"x" == name) {
			return Speed(i), nil
		}
	}
	return SpeedNormal, fmt.Errorf("unknown playback speed %q (want one of 0.25x, 0.5x, 1x, 2x, 4x, instant)", v)
}

func (s Speed) MarshalText() ([]byte, error) {
	if !s.valid() {
		return nil, fmt.Errorf("invalid speed %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Speed) UnmarshalText(b []byte) error {
	v, err := ParseSpeed(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
