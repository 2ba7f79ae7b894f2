package metronome_test

import (
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/rowstate/internal/errors"
	"codeberg.org/mutker/rowstate/internal/logger"
	"codeberg.org/mutker/rowstate/internal/metronome"
	"codeberg.org/mutker/rowstate/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eps = 1e-6

// audioClock reads seconds since origin from a manual clock.
type audioClock struct {
	clock  *timeutil.ManualClock
	origin time.Time
}

func (a audioClock) Now() float64 { return a.clock.Now().Sub(a.origin).Seconds() }

type click struct {
	at   float64
	tone metronome.Tone
}

type fakeVoice struct {
	mu     sync.Mutex
	clicks []click
	err    error
}

func (v *fakeVoice) Click(at float64, tone metronome.Tone) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.clicks = append(v.clicks, click{at, tone})
	return v.err
}

func (v *fakeVoice) snapshot() []click {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]click(nil), v.clicks...)
}

func (v *fakeVoice) times(tone metronome.Tone) []float64 {
	var out []float64
	for _, c := range v.snapshot() {
		if c.tone == tone {
			out = append(out, c.at)
		}
	}
	return out
}

type phaseEvent struct {
	phase metronome.Phase
	at    float64
}

type fixture struct {
	clock *timeutil.ManualClock
	audio audioClock
	voice *fakeVoice
	s     *metronome.Scheduler

	mu     sync.Mutex
	phases []phaseEvent
}

// newFixture starts the audio clock at 10 s so a fresh scheduler's next
// click time is stale.
func newFixture(t *testing.T, cadence float64) *fixture {
	t.Helper()

	start := time.Unix(1_700_000_000, 0)
	f := &fixture{
		clock: timeutil.NewManualClock(start),
		voice: &fakeVoice{},
	}
	f.audio = audioClock{clock: f.clock, origin: start.Add(-10 * time.Second)}

	s, err := metronome.New(f.audio, f.voice, f.clock, cadence, logger.Nop())
	require.NoError(t, err)
	s.OnPhase(func(p metronome.Phase) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.phases = append(f.phases, phaseEvent{p, f.audio.Now()})
	})
	f.s = s

	return f
}

func (f *fixture) phaseEvents() []phaseEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]phaseEvent(nil), f.phases...)
}

func TestRejectsInvalidCadence(t *testing.T) {
	clock := timeutil.NewManualClock(time.Unix(0, 0))
	for _, cadence := range []float64{0, -20} {
		_, err := metronome.New(audioClock{clock: clock}, &fakeVoice{}, clock, cadence, logger.Nop())
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, metronome.ErrInvalidCadence))
	}

	f := newFixture(t, 30)
	assert.Error(t, f.s.SetCadence(0))
	assert.Equal(t, 30.0, f.s.Cadence())
}

func TestCadenceSpacing(t *testing.T) {
	f := newFixture(t, 30)

	f.s.Enable()
	f.clock.Advance(6 * time.Second)

	catches := f.voice.times(metronome.CatchTone)
	finishes := f.voice.times(metronome.FinishTone)
	require.GreaterOrEqual(t, len(catches), 3)
	require.Len(t, finishes, len(catches))

	assert.InDelta(t, 10.05, catches[0], eps, "first click shortly after enabling")
	for i := 1; i < len(catches); i++ {
		assert.InDelta(t, 2.0, catches[i]-catches[i-1], eps)
	}
	for i := range catches {
		assert.InDelta(t, 2.0/3.0, finishes[i]-catches[i], eps)
	}
}

func TestClicksAreQueuedAhead(t *testing.T) {
	f := newFixture(t, 30)
	f.s.Enable()

	for i := 0; i < 400; i++ {
		f.clock.Advance(metronome.Interval)
		now := f.audio.Now()
		assert.GreaterOrEqual(t, f.s.Next(), now+metronome.Lookahead-eps,
			"next unscheduled click must lie beyond the lookahead window")
		for _, c := range f.voice.snapshot() {
			if c.tone == metronome.CatchTone {
				assert.Less(t, c.at, now+metronome.Lookahead, "catch queued too early")
			}
		}
	}
}

func TestTones(t *testing.T) {
	f := newFixture(t, 24)
	f.s.Enable()

	clicks := f.voice.snapshot()
	require.Len(t, clicks, 2)
	assert.Equal(t, metronome.Tone{Frequency: 880, Gain: 0.3, Floor: 0.001, Duration: 0.1}, clicks[0].tone)
	assert.Equal(t, metronome.Tone{Frequency: 440, Gain: 0.15, Floor: 0.001, Duration: 0.1}, clicks[1].tone)
}

func TestPhaseCallbacksFireAtClickTime(t *testing.T) {
	f := newFixture(t, 30)
	f.s.Enable()
	f.clock.Advance(5 * time.Second)

	events := f.phaseEvents()
	require.Len(t, events, 6)

	want := []phaseEvent{
		{metronome.PhaseDrive, 10.05},
		{metronome.PhaseRecovery, 10.05 + 2.0/3.0},
		{metronome.PhaseDrive, 12.05},
		{metronome.PhaseRecovery, 12.05 + 2.0/3.0},
		{metronome.PhaseDrive, 14.05},
		{metronome.PhaseRecovery, 14.05 + 2.0/3.0},
	}
	for i, w := range want {
		assert.Equal(t, w.phase, events[i].phase, "event %d", i)
		assert.InDelta(t, w.at, events[i].at, 1e-3, "event %d", i)
	}
}

func TestNextIsMonotonic(t *testing.T) {
	f := newFixture(t, 30)
	f.s.Enable()

	prev := f.s.Next()
	for i := 0; i < 200; i++ {
		if i == 80 {
			require.NoError(t, f.s.SetCadence(45))
		}
		f.clock.Advance(metronome.Interval)
		next := f.s.Next()
		require.GreaterOrEqual(t, next, prev)
		prev = next
	}
}

func TestSetCadenceAppliesToNextCycle(t *testing.T) {
	f := newFixture(t, 30)
	f.s.Enable()
	f.clock.Advance(time.Second)

	require.NoError(t, f.s.SetCadence(60))
	f.clock.Advance(5 * time.Second)

	catches := f.voice.times(metronome.CatchTone)
	require.GreaterOrEqual(t, len(catches), 4)
	assert.InDelta(t, 2.0, catches[1]-catches[0], eps, "cycle already queued keeps its cadence")
	for i := 2; i < len(catches); i++ {
		assert.InDelta(t, 1.0, catches[i]-catches[i-1], eps)
	}
}

func TestDisableStopsEverything(t *testing.T) {
	f := newFixture(t, 30)
	f.s.Enable()
	f.clock.Advance(100 * time.Millisecond)

	f.s.Disable()
	clicks := len(f.voice.snapshot())
	events := len(f.phaseEvents())

	f.clock.Advance(10 * time.Second)

	assert.Len(t, f.voice.snapshot(), clicks, "no clicks after disable")
	assert.Len(t, f.phaseEvents(), events, "no phase callbacks after disable")
	assert.Zero(t, f.clock.Pending(), "disable leaves no pending timers")
	assert.False(t, f.s.Enabled())

	f.s.Disable()
}

func TestReenableSkipsMissedClicks(t *testing.T) {
	f := newFixture(t, 30)
	f.s.Enable()
	f.clock.Advance(time.Second)
	f.s.Disable()

	f.clock.Advance(30 * time.Second)
	before := len(f.voice.snapshot())

	f.s.Enable()
	clicks := f.voice.snapshot()[before:]
	require.Len(t, clicks, 2, "one cycle, not a burst of missed clicks")
	assert.InDelta(t, f.audio.Now()+metronome.StartDelay, clicks[0].at, eps)
}

func TestReenableKeepsFutureSchedule(t *testing.T) {
	f := newFixture(t, 30)
	f.s.Enable()
	next := f.s.Next()

	f.s.Disable()
	f.s.Enable()
	assert.Equal(t, next, f.s.Next(), "a next click still in the future is kept")
}

func TestEnableIsIdempotent(t *testing.T) {
	f := newFixture(t, 30)
	f.s.Enable()
	f.s.Enable()
	f.clock.Advance(5 * time.Second)

	catches := f.voice.times(metronome.CatchTone)
	for i := 1; i < len(catches); i++ {
		assert.InDelta(t, 2.0, catches[i]-catches[i-1], eps, "a single loop is running")
	}
}

func TestVoiceFailureDoesNotStopScheduling(t *testing.T) {
	f := newFixture(t, 30)
	f.voice.err = stderrors.New("device gone")

	f.s.Enable()
	f.clock.Advance(5 * time.Second)

	assert.GreaterOrEqual(t, len(f.voice.times(metronome.CatchTone)), 3)
	assert.NotEmpty(t, f.phaseEvents())
}
