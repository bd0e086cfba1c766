package backoff

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy controls the delay between retries of the same number.
// Persisted as JSON on the task row; field names are part of the API contract.
type Policy struct {
	InitialSeconds float64 `json:"initialSeconds"`
	Multiplier     float64 `json:"multiplier"`
	MaxSeconds     float64 `json:"maxSeconds"`
	JitterRatio    float64 `json:"jitterRatio"`
}

// Overrides is the partial form accepted at the API boundary.
// Nil fields fall back to DefaultPolicy.
type Overrides struct {
	InitialSeconds *float64 `json:"initialSeconds,omitempty" validate:"omitempty,gte=1"`
	Multiplier     *float64 `json:"multiplier,omitempty" validate:"omitempty,gte=1"`
	MaxSeconds     *float64 `json:"maxSeconds,omitempty" validate:"omitempty,gte=1"`
	JitterRatio    *float64 `json:"jitterRatio,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// DefaultPolicy: 15s, doubling, capped at 2 minutes, +/-20% jitter.
var DefaultPolicy = Policy{
	InitialSeconds: 15,
	Multiplier:     2,
	MaxSeconds:     120,
	JitterRatio:    0.2,
}

var ErrInvalidPolicy = errors.New("backoff: invalid policy")

// Merge applies overrides on top of DefaultPolicy.
func Merge(o *Overrides) Policy {
	p := DefaultPolicy
	if o == nil {
		return p
	}
	if o.InitialSeconds != nil {
		p.InitialSeconds = *o.InitialSeconds
	}
	if o.Multiplier != nil {
		p.Multiplier = *o.Multiplier
	}
	if o.MaxSeconds != nil {
		p.MaxSeconds = *o.MaxSeconds
	}
	if o.JitterRatio != nil {
		p.JitterRatio = *o.JitterRatio
	}
	return p
}

// WithDefaults fills zero fields from DefaultPolicy. JitterRatio of zero is a
// legal value and is kept.
func (p Policy) WithDefaults() Policy {
	out := p
	if out.InitialSeconds <= 0 {
		out.InitialSeconds = DefaultPolicy.InitialSeconds
	}
	if out.Multiplier <= 0 {
		out.Multiplier = DefaultPolicy.Multiplier
	}
	if out.MaxSeconds <= 0 {
		out.MaxSeconds = DefaultPolicy.MaxSeconds
	}
	return out
}

func (p Policy) Validate() error {
	if p.InitialSeconds < 1 || p.Multiplier < 1 || p.MaxSeconds < 1 {
		return ErrInvalidPolicy
	}
	if p.JitterRatio < 0 || p.JitterRatio > 1 {
		return ErrInvalidPolicy
	}
	return nil
}

// BaseSeconds is the un-jittered delay for a 1-based attempt number,
// clamped to MaxSeconds.
func BaseSeconds(attemptNumber int, p Policy) float64 {
	if attemptNumber < 1 {
		attemptNumber = 1
	}
	base := p.InitialSeconds * math.Pow(p.Multiplier, float64(attemptNumber-1))
	if base > p.MaxSeconds || math.IsInf(base, 1) || math.IsNaN(base) {
		base = p.MaxSeconds
	}
	return base
}

// ComputeDelay returns the jittered retry delay, rounded to whole milliseconds.
// attemptNumber counts attempts against the same number, starting at 1.
// rng may be nil, in which case the shared math/rand source is used.
func ComputeDelay(attemptNumber int, p Policy, rng *rand.Rand) time.Duration {
	base := BaseSeconds(attemptNumber, p)

	var u float64
	if rng != nil {
		u = rng.Float64()
	} else {
		u = rand.Float64()
	}
	jitter := 1 + (u*2-1)*p.JitterRatio

	ms := math.Round(base * jitter * 1000)
	if ms < 0 || math.IsNaN(ms) {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}
