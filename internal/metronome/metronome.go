// Package metronome schedules catch and finish clicks ahead of time against
// an audio clock, so timer jitter never reaches the audible output.
package metronome

import (
	"math"
	"sync"
	"time"

	"codeberg.org/mutker/rowstate/internal/errors"
	"codeberg.org/mutker/rowstate/internal/logger"
	"codeberg.org/mutker/rowstate/internal/timeutil"
)

const (
	// Interval is how often the scheduler wakes up.
	Interval = 25 * time.Millisecond
	// Lookahead is how far past the audio clock clicks are queued, in seconds.
	Lookahead = 0.1
	// StartDelay is the gap before the first click after enabling, in seconds.
	StartDelay = 0.05
	// DriveFraction is the share of the stroke cycle spent on the drive.
	DriveFraction = 1.0 / 3.0
)

// Phase is the part of the stroke that starts at a click.
type Phase string

const (
	PhaseDrive    Phase = "drive"
	PhaseRecovery Phase = "recovery"
)

// Tone describes one click: a sine burst decaying exponentially from Gain
// to Floor over Duration seconds.
type Tone struct {
	Frequency float64
	Gain      float64
	Floor     float64
	Duration  float64
}

var (
	CatchTone  = Tone{Frequency: 880, Gain: 0.3, Floor: 0.001, Duration: 0.1}
	FinishTone = Tone{Frequency: 440, Gain: 0.15, Floor: 0.001, Duration: 0.1}
)

// AudioClock is a monotonic clock in seconds driven by the audio device.
type AudioClock interface {
	Now() float64
}

// Voice plays a tone at an audio clock time.
type Voice interface {
	Click(at float64, tone Tone) error
}

// Scheduler emits a catch and a finish click per stroke cycle at the
// configured cadence while enabled. Callbacks passed to OnPhase must not
// call back into the Scheduler.
type Scheduler struct {
	audio AudioClock
	voice Voice
	clock timeutil.Clock
	log   logger.Logger

	mu      sync.Mutex
	enabled bool
	gen     uint64
	cadence float64
	next    float64
	timer   timeutil.Timer
	phases  map[uint64]timeutil.Timer
	phaseID uint64
	onPhase func(Phase)

	// deliver serializes phase callbacks with Disable.
	deliver sync.Mutex
}

// New creates a disabled Scheduler at the given cadence in strokes per
// minute.
func New(audio AudioClock, voice Voice, clock timeutil.Clock, cadence float64, log logger.Logger) (*Scheduler, error) {
	if err := validCadence(cadence); err != nil {
		return nil, err
	}

	return &Scheduler{
		audio:   audio,
		voice:   voice,
		clock:   clock,
		log:     log.With("metronome"),
		cadence: cadence,
		phases:  make(map[uint64]timeutil.Timer),
	}, nil
}

func validCadence(cadence float64) error {
	if cadence <= 0 || math.IsNaN(cadence) || math.IsInf(cadence, 0) {
		return errors.New().WithData(ErrInvalidCadence, cadence)
	}
	return nil
}

// OnPhase sets the callback invoked when a click becomes audible.
func (s *Scheduler) OnPhase(f func(Phase)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPhase = f
}

// SetCadence changes the cadence from the next unscheduled cycle on.
func (s *Scheduler) SetCadence(cadence float64) error {
	if err := validCadence(cadence); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cadence = cadence
	return nil
}

// Cadence returns the current cadence.
func (s *Scheduler) Cadence() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cadence
}

// Enabled reports whether the scheduler is running.
func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Next returns the audio clock time of the next unscheduled catch.
func (s *Scheduler) Next() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Enable starts scheduling. A next click time that has already passed is
// moved to shortly after now, so missed clicks are skipped rather than
// played in a burst. Enabling a running scheduler does nothing.
func (s *Scheduler) Enable() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enabled {
		return
	}
	s.enabled = true
	s.gen++

	if now := s.audio.Now(); s.next < now {
		s.next = now + StartDelay
	}

	s.log.Debug().Float64("cadence", s.cadence).Float64("next", s.next).Msg("Metronome enabled")
	s.scheduleLocked(s.gen)
}

// Disable stops scheduling and cancels pending phase callbacks. Once it
// returns, no further clicks are queued and no callbacks run. Already queued
// audio is left to the voice.
func (s *Scheduler) Disable() {
	s.mu.Lock()
	if !s.enabled {
		s.mu.Unlock()
		return
	}
	s.enabled = false
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	for id, t := range s.phases {
		t.Stop()
		delete(s.phases, id)
	}
	s.mu.Unlock()

	// Wait out a callback that passed its generation check before we
	// took the lock.
	s.deliver.Lock()
	s.deliver.Unlock() //nolint:staticcheck // barrier

	s.log.Debug().Msg("Metronome disabled")
}

func (s *Scheduler) tick(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled || gen != s.gen {
		return
	}
	s.scheduleLocked(gen)
}

func (s *Scheduler) scheduleLocked(gen uint64) {
	now := s.audio.Now()
	for s.next < now+Lookahead {
		cycle := 60 / s.cadence
		s.emitLocked(gen, now, s.next, CatchTone, PhaseDrive)
		s.emitLocked(gen, now, s.next+cycle*DriveFraction, FinishTone, PhaseRecovery)
		s.next += cycle
	}

	s.timer = s.clock.AfterFunc(Interval, func() { s.tick(gen) })
}

func (s *Scheduler) emitLocked(gen uint64, now, at float64, tone Tone, phase Phase) {
	if err := s.voice.Click(at, tone); err != nil {
		s.log.Debug().Err(err).Float64("at", at).Msg("Failed to queue click")
	}

	if s.onPhase == nil {
		return
	}

	delay := time.Duration(math.Max(0, at-now) * float64(time.Second))
	s.phaseID++
	id := s.phaseID
	s.phases[id] = s.clock.AfterFunc(delay, func() { s.firePhase(gen, id, phase) })
}

func (s *Scheduler) firePhase(gen, id uint64, phase Phase) {
	s.deliver.Lock()
	defer s.deliver.Unlock()

	s.mu.Lock()
	delete(s.phases, id)
	live := s.enabled && gen == s.gen
	onPhase := s.onPhase
	s.mu.Unlock()

	if live && onPhase != nil {
		onPhase(phase)
	}
}
