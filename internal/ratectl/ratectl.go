// Package ratectl converts noisy stroke-rate samples into a smoothly
// interpolated playback rate.
package ratectl

import (
	"context"
	"math"
	"sync"
	"time"

	"codeberg.org/mutker/rowstate/internal/errors"
	"codeberg.org/mutker/rowstate/internal/logger"
	"codeberg.org/mutker/rowstate/internal/timeutil"
)

const (
	// IdleSPM is the stroke rate below which the rower counts as stopped.
	IdleSPM = 10.0
	// Deadband is the change in stroke rate needed to move the target.
	Deadband = 1.0
	// RatePerSPM is the playback rate change per stroke per minute away
	// from the baseline.
	RatePerSPM = 0.05
	// SnapThreshold is the distance at which current jumps to target.
	SnapThreshold = 0.01

	disconnectedRate = 1.0
)

// Config holds controller constants.
type Config struct {
	Baseline    float64
	Min         float64
	Max         float64
	AccelEasing float64
	DecelEasing float64
	FrameRate   int
}

// DefaultConfig returns the constants used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Baseline:    22,
		Min:         0,
		Max:         2.5,
		AccelEasing: 0.1,
		DecelEasing: 0.01,
		FrameRate:   60,
	}
}

// neutral is the rate played while no rower is connected, kept inside the
// configured bounds.
func (c Config) neutral() float64 {
	return clamp(disconnectedRate, c.Min, c.Max)
}

func (c Config) validate() error {
	errFactory := errors.New()

	switch {
	case c.Min < 0 || c.Min >= c.Max:
		return errFactory.WithData(errors.ErrInvalidRateBounds, map[string]float64{"min": c.Min, "max": c.Max})
	case c.AccelEasing <= 0 || c.AccelEasing > 1, c.DecelEasing <= 0 || c.DecelEasing > 1:
		return errFactory.WithData(errors.ErrInvalidEasing, map[string]float64{"accel": c.AccelEasing, "decel": c.DecelEasing})
	case c.FrameRate <= 0:
		return errFactory.WithData(errors.ErrInvalidFrameRate, c.FrameRate)
	}

	return nil
}

// State is a snapshot of the controller.
type State struct {
	Target  float64
	Current float64
	// LastAccepted is the last sample that moved the target, nil if none.
	LastAccepted *float64
}

// Controller owns the playback rate state. Update and SetBaseline may be
// called from any goroutine; Step must only be called by one loop at a time.
type Controller struct {
	cfg Config
	log logger.Logger

	mu           sync.Mutex
	baseline     float64
	target       float64
	current      float64
	lastAccepted float64
	hasAccepted  bool

	running sync.Mutex
}

// New creates a Controller at rate 1.0.
func New(cfg Config, log logger.Logger) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, errors.New().Wrap(ErrInvalidConfig, err)
	}

	return &Controller{
		cfg:      cfg,
		log:      log.With("ratectl"),
		baseline: cfg.Baseline,
		target:   cfg.neutral(),
		current:  cfg.neutral(),
	}, nil
}

// Update feeds a stroke-rate sample. spm is nil when the rower did not
// report one.
func (c *Controller) Update(spm *float64, connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case !connected:
		c.target = c.cfg.neutral()
		c.hasAccepted = false
	case spm == nil || *spm < IdleSPM:
		c.target = c.cfg.Min
		c.hasAccepted = false
	case !c.hasAccepted || c.lastAccepted < IdleSPM || math.Abs(*spm-c.lastAccepted) > Deadband:
		c.target = c.targetFor(*spm)
		c.lastAccepted = *spm
		c.hasAccepted = true
	}
}

// SetBaseline changes the cadence that maps to rate 1.0 and recomputes the
// target from the last accepted sample.
func (c *Controller) SetBaseline(baseline float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.baseline = baseline
	if c.hasAccepted {
		c.target = c.targetFor(c.lastAccepted)
	}
	c.log.Debug().Float64("baseline", baseline).Float64("target", c.target).Msg("Baseline changed")
}

// Baseline returns the current baseline cadence.
func (c *Controller) Baseline() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseline
}

func (c *Controller) targetFor(spm float64) float64 {
	return clamp(1+(spm-c.baseline)*RatePerSPM, c.cfg.Min, c.cfg.Max)
}

// Step advances the interpolation by one frame and returns the rounded rate.
func (c *Controller) Step() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	diff := c.target - c.current
	if math.Abs(diff) < SnapThreshold {
		c.current = c.target
	} else {
		easing := c.cfg.AccelEasing
		if c.target < c.current {
			easing = c.cfg.DecelEasing
		}
		c.current = clamp(c.current+diff*easing, c.cfg.Min, c.cfg.Max)
	}

	return round2(c.current)
}

// Rate returns the current rate rounded to two decimals.
func (c *Controller) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return round2(c.current)
}

// Snapshot returns a copy of the controller state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := State{Target: c.target, Current: c.current}
	if c.hasAccepted {
		v := c.lastAccepted
		s.LastAccepted = &v
	}
	return s
}

// Run steps the controller once per frame until ctx is done and passes each
// changed rate to output. Frames that output is too slow to consume are
// dropped. No output call happens after Run returns.
func (c *Controller) Run(ctx context.Context, clock timeutil.Clock, output func(rate float64)) {
	c.running.Lock()
	defer c.running.Unlock()

	ticker := clock.NewTicker(time.Second / time.Duration(c.cfg.FrameRate))
	defer ticker.Stop()

	last := math.NaN()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}

		// A tick and cancellation may be ready together.
		if ctx.Err() != nil {
			return
		}

		rate := c.Step()
		if rate != last {
			output(rate)
			last = rate
		}
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
