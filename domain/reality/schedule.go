package reality

import (
	"math"
	"time"
)

// Curve names a ratio transition shape.
type Curve string

const (
	CurveLinear      Curve = "linear"
	CurveExponential Curve = "exponential"
	CurveSigmoid     Curve = "sigmoid"
)

// Schedule transitions the ratio from StartRatio to EndRatio between Start
// and End along the curve.
type Schedule struct {
	Start      time.Time
	End        time.Time
	StartRatio float64
	EndRatio   float64
	Curve      Curve
}

// RatioAt computes the effective ratio at t. Before Start it is StartRatio,
// after End it is EndRatio.
func (s *Schedule) RatioAt(t time.Time) float64 {
	if s == nil {
		return 0
	}
	total := s.End.Sub(s.Start)
	if total <= 0 {
		return s.EndRatio
	}
	p := float64(t.Sub(s.Start)) / float64(total)
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}

	delta := s.EndRatio - s.StartRatio
	switch s.Curve {
	case CurveExponential:
		return s.StartRatio + delta*p*p
	case CurveSigmoid:
		return s.StartRatio + delta*(1/(1+math.Exp(-6*(p-0.5))))
	default:
		return s.StartRatio + delta*p
	}
}
