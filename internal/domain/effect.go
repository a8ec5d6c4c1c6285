package domain

// Effect is a closed enumeration of supported voice effects. Using a tagged
// type instead of raw preset names removes the "unknown effect" runtime case:
// ParseEffect resolves anything unrecognized to EffectNormal up front.
type Effect int

const (
	EffectNormal Effect = iota
	EffectMale
	EffectFemale
	EffectChild
	EffectOldAge
	EffectRobot
)

func (e Effect) String() string {
	switch e {
	case EffectMale:
		return "male"
	case EffectFemale:
		return "female"
	case EffectChild:
		return "child"
	case EffectOldAge:
		return "oldAge"
	case EffectRobot:
		return "robot"
	default:
		return "normal"
	}
}

// ParseEffect maps a preset name to its Effect, falling back to normal.
func ParseEffect(name string) Effect {
	switch name {
	case "male":
		return EffectMale
	case "female":
		return EffectFemale
	case "child":
		return EffectChild
	case "oldAge":
		return EffectOldAge
	case "robot":
		return EffectRobot
	default:
		return EffectNormal
	}
}

// EQBands holds equalizer gains in dB per band.
type EQBands struct {
	Low  float64
	Mid  float64
	High float64
}

// EffectSettings is one immutable preset: pitch as a playback ratio, gain as
// a linear multiplier applied via the compressor threshold, and optional EQ.
type EffectSettings struct {
	PitchRatio float64
	Gain       float64
	EQ         EQBands
}

// effectPresets is the fixed preset table. Selected, never mutated.
var effectPresets = map[Effect]EffectSettings{
	EffectNormal: {PitchRatio: 1.0, Gain: 1.0},
	EffectMale:   {PitchRatio: 0.8, Gain: 1.2, EQ: EQBands{Low: 2, Mid: 0, High: -1}},
	EffectFemale: {PitchRatio: 1.2, Gain: 1.0, EQ: EQBands{Low: -1, Mid: 0, High: 2}},
	EffectChild:  {PitchRatio: 1.5, Gain: 0.9, EQ: EQBands{Low: -2, Mid: 1, High: 3}},
	EffectOldAge: {PitchRatio: 0.7, Gain: 1.1, EQ: EQBands{Low: 1, Mid: -1, High: -2}},
	EffectRobot:  {PitchRatio: 1.0, Gain: 1.0, EQ: EQBands{Low: 0, Mid: 3, High: 0}},
}

// Settings returns the preset for e. The table is total over the enum.
func (e Effect) Settings() EffectSettings {
	s, ok := effectPresets[e]
	if !ok {
		return effectPresets[EffectNormal]
	}
	return s
}
