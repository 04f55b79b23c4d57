package domain

// Channel is a Donchian-style band over the last Period candles.
type Channel struct {
	Upper  float64 `json:"upper"`
	Lower  float64 `json:"lower"`
	Middle float64 `json:"middle"`
	// Width is (Upper-Lower)/Price.
	Width       float64 `json:"width"`
	ATR         float64 `json:"atr"`
	Period      int     `json:"period"`
	Price       float64 `json:"price"`
	WidthValid  bool    `json:"width_valid"`
	PriceInside bool    `json:"price_inside"`
}

// Valid means wide enough to trade and the price still inside the band.
func (c Channel) Valid() bool {
	return c.WidthValid && c.PriceInside
}

type BreakoutDirection string

const (
	BreakoutUpper BreakoutDirection = "upper"
	BreakoutLower BreakoutDirection = "lower"
)

// Side is the position side that profits from the breakout.
func (d BreakoutDirection) Side() Side {
	if d == BreakoutLower {
		return SideShort
	}
	return SideLong
}

type BreakoutSeverity string

const (
	SeverityMinor    BreakoutSeverity = "minor"
	SeverityModerate BreakoutSeverity = "moderate"
	SeverityMajor    BreakoutSeverity = "major"
)

type BreakoutEvent struct {
	Direction BreakoutDirection `json:"direction"`
	// Percentage is the distance beyond the broken line as a fraction of it.
	Percentage  float64          `json:"percentage"`
	Severity    BreakoutSeverity `json:"severity"`
	Confidence  float64          `json:"confidence"`
	Confirmed   bool             `json:"confirmed"`
	VolumeSurge bool             `json:"volume_surge"`
	Channel     Channel          `json:"channel"`
}

type TimeframeSignal string

const (
	TimeframeNone        TimeframeSignal = "none"
	TimeframeSingle      TimeframeSignal = "single"
	TimeframeStrong      TimeframeSignal = "strong"
	TimeframeConflicting TimeframeSignal = "conflicting"
)

// MultiTimeframeBreakout aggregates breakouts detected on several intervals.
type MultiTimeframeBreakout struct {
	Signal     TimeframeSignal           `json:"signal"`
	Direction  BreakoutDirection         `json:"direction,omitempty"`
	Confidence float64                   `json:"confidence"`
	Timeframes []string                  `json:"timeframes"`
	Events     map[string]*BreakoutEvent `json:"events"`
}

// Actionable is false for none and conflicting results.
func (m MultiTimeframeBreakout) Actionable() bool {
	return m.Signal == TimeframeStrong || m.Signal == TimeframeSingle
}

type ReversalPattern string

const (
	PatternConsecutive ReversalPattern = "consecutive_reversal"
	PatternLongShadow  ReversalPattern = "long_shadow"
	PatternDoji        ReversalPattern = "doji_reversal"
	PatternVolume      ReversalPattern = "volume_reversal"
	PatternExhaustion  ReversalPattern = "exhaustion"
)

type ReversalSignal struct {
	Pattern     ReversalPattern `json:"pattern"`
	Strength    float64         `json:"strength"`
	Confidence  float64         `json:"confidence"`
	ShadowRatio float64         `json:"shadow_ratio,omitempty"`
	BodyRatio   float64         `json:"body_ratio,omitempty"`
	VolumeRatio float64         `json:"volume_ratio,omitempty"`
	VolumeSurge bool            `json:"volume_surge"`
}

// Score ranks competing matches.
func (r ReversalSignal) Score() float64 {
	return r.Strength * r.Confidence
}

type ReversalResult struct {
	Best    *ReversalSignal  `json:"best,omitempty"`
	Matches []ReversalSignal `json:"matches"`
}

// Strongest is the match with the highest strength. It can differ from Best,
// which also weighs confidence.
func (r ReversalResult) Strongest() *ReversalSignal {
	var out *ReversalSignal
	for i := range r.Matches {
		if out == nil || r.Matches[i].Strength > out.Strength {
			out = &r.Matches[i]
		}
	}
	if out == nil {
		return r.Best
	}
	return out
}

// Strength of the strongest match, 0 when nothing matched.
func (r ReversalResult) Strength() float64 {
	if s := r.Strongest(); s != nil {
		return s.Strength
	}
	return 0
}
