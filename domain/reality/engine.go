// Package reality blends mock responses with recorded snapshots and live
// upstream responses, governed by a scalar reality ratio and an optional
// time schedule.
package reality

import (
	"math/rand"
	"sync"

	"github.com/robfig/cron/v3"

	coreerrors "github.com/mockforge/mockforge/infrastructure/errors"
	"github.com/mockforge/mockforge/infrastructure/clock"
	"github.com/mockforge/mockforge/infrastructure/logging"
	"github.com/mockforge/mockforge/domain/protocol"
)

// TransitionMode selects how the default ratio evolves.
type TransitionMode string

const (
	ModeManual    TransitionMode = "manual"
	ModeTimeBased TransitionMode = "time_based"
	ModeScheduled TransitionMode = "scheduled"
)

// Options configures the engine.
type Options struct {
	DefaultRatio  float64
	Mode          TransitionMode
	Strategy      MergeStrategy
	Schedule      *Schedule
	// CronSpec drives recomputation in scheduled mode.
	CronSpec string
	// NumericAverageFields lists field names that weighted-average instead
	// of being picked whole in field_level merges.
	NumericAverageFields []string
	// Seed fixes the blend RNG for reproducible tests; 0 uses a random
	// source.
	Seed int64
}

// Engine resolves effective ratios and blends response candidates.
type Engine struct {
	mu sync.Mutex

	defaultRatio   float64
	scheduledRatio *float64 // published by the cron job in scheduled mode
	manualRatio    *float64
	groupRatios    map[string]float64
	mode           TransitionMode
	strategy       MergeStrategy
	schedule       *Schedule
	numericAvg     map[string]bool

	rng    *rand.Rand
	clock  *clock.Clock
	logger *logging.Logger
	cron   *cron.Cron
}

// NewEngine creates a reality engine.
func NewEngine(opts Options, clk *clock.Clock, logger *logging.Logger) *Engine {
	if clk == nil {
		clk = clock.Default()
	}
	if logger == nil {
		logger = logging.Default()
	}
	if opts.Strategy == "" {
		opts.Strategy = FieldLevel
	}
	if opts.Mode == "" {
		opts.Mode = ModeManual
	}
	seed := opts.Seed
	if seed == 0 {
		seed = clk.Now().UnixNano()
	}
	numericAvg := make(map[string]bool, len(opts.NumericAverageFields))
	for _, f := range opts.NumericAverageFields {
		numericAvg[f] = true
	}
	return &Engine{
		defaultRatio: opts.DefaultRatio,
		mode:         opts.Mode,
		strategy:     opts.Strategy,
		schedule:     opts.Schedule,
		numericAvg:   numericAvg,
		groupRatios:  make(map[string]float64),
		rng:          rand.New(rand.NewSource(seed)),
		clock:        clk,
		logger:       logger,
	}
}

// SetManualRatio pins the ratio above all other sources. Pass a nil to
// clear the pin.
func (e *Engine) SetManualRatio(ratio *float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.manualRatio = ratio
}

// SetGroupRatio overrides the ratio for a route group.
func (e *Engine) SetGroupRatio(group string, ratio float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.groupRatios[group] = ratio
}

// EffectiveRatio walks the override priority:
// manual > route > group > schedule > default.
func (e *Engine) EffectiveRatio(routeRatio *float64, group string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.manualRatio != nil {
		return clampRatio(*e.manualRatio)
	}
	if routeRatio != nil {
		return clampRatio(*routeRatio)
	}
	if group != "" {
		if r, ok := e.groupRatios[group]; ok {
			return clampRatio(r)
		}
	}
	switch e.mode {
	case ModeTimeBased:
		if e.schedule != nil {
			return clampRatio(e.schedule.RatioAt(e.clock.Now()))
		}
	case ModeScheduled:
		if e.scheduledRatio != nil {
			return clampRatio(*e.scheduledRatio)
		}
	}
	return clampRatio(e.defaultRatio)
}

// Blend combines the mock body with recorded and/or live candidates at the
// ratio. nil candidates are treated as unavailable (e.g. a failed proxy
// call). The returned source reflects what actually went out.
func (e *Engine) Blend(mock, recorded, live []byte, ratio float64) ([]byte, protocol.Source, error) {
	ratio = clampRatio(ratio)

	if mock == nil && recorded == nil && live == nil {
		return nil, "", coreerrors.Internal("reality", "no response candidate available", nil)
	}

	if ratio == 0 {
		if mock != nil {
			return mock, protocol.SourceMock, nil
		}
		// Mock unavailable at ratio 0: degrade to whatever exists.
		if recorded != nil {
			return recorded, protocol.SourceReplay, nil
		}
		return live, protocol.SourceProxy, nil
	}

	if ratio == 1 {
		if live != nil {
			return live, protocol.SourceProxy, nil
		}
		if recorded != nil {
			return recorded, protocol.SourceReplay, nil
		}
		return mock, protocol.SourceMock, nil
	}

	other := live
	otherSource := protocol.SourceProxy
	if other == nil {
		other = recorded
		otherSource = protocol.SourceReplay
	}
	if other == nil {
		return mock, protocol.SourceMock, nil
	}
	if mock == nil {
		return other, otherSource, nil
	}

	e.mu.Lock()
	merged := merge(e.strategy, mock, other, ratio, e.rng, e.numericAvg)
	e.mu.Unlock()
	return merged, protocol.SourceBlended, nil
}

// StartSchedule begins scheduled-mode ratio publication. No-op for other
// modes or when no cron spec is configured.
func (e *Engine) StartSchedule(spec string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode != ModeScheduled || spec == "" || e.schedule == nil {
		return nil
	}
	if e.cron != nil {
		e.cron.Stop()
	}
	e.cron = cron.New()
	_, err := e.cron.AddFunc(spec, func() {
		r := e.schedule.RatioAt(e.clock.Now())
		e.mu.Lock()
		e.scheduledRatio = &r
		e.mu.Unlock()
		e.logger.WithFields(map[string]interface{}{"ratio": r}).Debug("scheduled reality ratio published")
	})
	if err != nil {
		return coreerrors.Internal("reality", "invalid schedule cron spec", err)
	}
	e.cron.Start()
	return nil
}

// StopSchedule halts the scheduled publisher.
func (e *Engine) StopSchedule() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cron != nil {
		e.cron.Stop()
		e.cron = nil
	}
}

func clampRatio(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}
