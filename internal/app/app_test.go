package app

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/rowstate/internal/config"
	"codeberg.org/mutker/rowstate/internal/display"
	"codeberg.org/mutker/rowstate/internal/errors"
	"codeberg.org/mutker/rowstate/internal/ftms"
	"codeberg.org/mutker/rowstate/internal/hrm"
	"codeberg.org/mutker/rowstate/internal/logger"
	"codeberg.org/mutker/rowstate/internal/metronome"
	"codeberg.org/mutker/rowstate/internal/session"
	"codeberg.org/mutker/rowstate/internal/sim"
	"codeberg.org/mutker/rowstate/internal/stream"
	"codeberg.org/mutker/rowstate/internal/timeutil"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const step = 100 * time.Millisecond

type fakeAudio struct {
	clock  *timeutil.ManualClock
	origin time.Time

	mu     sync.Mutex
	clicks []metronome.Tone
	volume float64
}

func (a *fakeAudio) Now() float64 { return a.clock.Now().Sub(a.origin).Seconds() }

func (a *fakeAudio) Click(_ float64, tone metronome.Tone) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clicks = append(a.clicks, tone)
	return nil
}

func (a *fakeAudio) SetVolume(v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.volume = v
}

func (a *fakeAudio) clickCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.clicks)
}

type fakeRecorder struct {
	mu      sync.Mutex
	samples []session.Sample
	closed  bool
}

func (r *fakeRecorder) ID() string { return "test" }

func (r *fakeRecorder) Record(_ context.Context, s *session.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, *s)
	return nil
}

func (r *fakeRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRecorder) snapshot() []session.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]session.Sample(nil), r.samples...)
}

type fakeConn struct {
	mu       sync.Mutex
	subjects map[string]int
	drained  bool
}

func (c *fakeConn) Publish(subject string, _ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subjects == nil {
		c.subjects = make(map[string]int)
	}
	c.subjects[subject]++
	return nil
}

func (c *fakeConn) Drain() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drained = true
	return nil
}

func (c *fakeConn) count(subject string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subjects[subject]
}

func testConfig() *config.Config {
	return &config.Config{
		LogLevel:    "info",
		BaselineSPM: 22,
		MinRate:     config.DefaultMinRate,
		MaxRate:     config.DefaultMaxRate,
		AccelEasing: config.DefaultAccelEasing,
		DecelEasing: config.DefaultDecelEasing,
		FrameRate:   config.DefaultFrameRate,
		Volume:      0.4,
		HeartRate:   true,
		ScanTimeout: config.DefaultScanTimeout,
	}
}

type harness struct {
	t        *testing.T
	clock    *timeutil.ManualClock
	sim      *sim.Transport
	audio    *fakeAudio
	recorder *fakeRecorder
	conn     *fakeConn
	app      *App

	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, spm float64, mutate func(*config.Config)) *harness {
	t.Helper()

	start := time.Unix(1_700_000_000, 0)
	clock := timeutil.NewManualClock(start)
	h := &harness{
		t:        t,
		clock:    clock,
		sim:      sim.New(clock, spm, time.Second, logger.Nop()),
		audio:    &fakeAudio{clock: clock, origin: start},
		recorder: &fakeRecorder{},
		conn:     &fakeConn{},
	}

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	a, err := New(cfg, Deps{
		Transport: h.sim,
		Audio:     h.audio,
		Clock:     clock,
		Publisher: stream.NewPublisher(h.conn, logger.Nop()),
		Recorder:  h.recorder,
	}, logger.Nop())
	require.NoError(t, err)
	h.app = a

	return h
}

func (h *harness) run() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.app.Run(ctx) }()
	h.t.Cleanup(func() { _ = h.stop() })
}

func (h *harness) stop() error {
	if h.cancel == nil {
		return nil
	}
	h.cancel()
	h.cancel = nil

	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("Run did not return")
		return nil
	}
}

// advanceUntil moves simulated time forward until cond holds.
func (h *harness) advanceUntil(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		h.clock.Advance(step)
		return cond()
	}, 10*time.Second, time.Millisecond, msg)
}

func TestNewRequiresTransportAndAudio(t *testing.T) {
	_, err := New(testConfig(), Deps{}, logger.Nop())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInitApp))
}

func TestNewRejectsBadRateBounds(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRate = cfg.MinRate
	clock := timeutil.NewManualClock(time.Unix(0, 0))

	_, err := New(cfg, Deps{
		Transport: sim.New(clock, 20, time.Second, logger.Nop()),
		Audio:     &fakeAudio{clock: clock},
	}, logger.Nop())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInitApp))
	assert.True(t, errors.HasCode(err, errors.ErrInvalidRateBounds))
}

func TestNeutralRateRespectsBounds(t *testing.T) {
	h := newHarness(t, 32, func(c *config.Config) {
		c.MinRate = 1.2
		c.HeartRate = false
	})

	assert.Equal(t, 1.2, h.app.Rate())
	assert.Equal(t, 1.2, h.app.Hub().State().Rate)

	h.run()
	h.advanceUntil(func() bool { return h.app.Rate() == 1.5 }, "rowing")

	h.sim.Drop()
	h.advanceUntil(func() bool { return h.app.Rate() == 1.2 }, "disconnect settles on the lower bound")
}

func TestInitialState(t *testing.T) {
	h := newHarness(t, 20, nil)

	assert.Equal(t, 1.0, h.app.Rate(), "neutral before any peripheral connects")
	state := h.app.Hub().State()
	assert.Equal(t, 22.0, state.Baseline)
	assert.Equal(t, 0.4, state.Volume)
	assert.Equal(t, 0.4, h.audio.volume)
}

func TestRateFollowsStrokeRate(t *testing.T) {
	h := newHarness(t, 32, nil)
	h.run()

	h.advanceUntil(func() bool { return h.app.Rate() == 1.5 }, "32 spm at baseline 22 plays at 1.5x")

	m := h.app.Metrics()
	require.NotNil(t, m.StrokeRate)
	assert.Equal(t, 32.0, *m.StrokeRate)
	assert.Equal(t, 1.5, h.app.Hub().State().Rate, "the display got the rate")
	assert.Positive(t, h.conn.count(stream.SubjectRower))
	assert.Positive(t, h.conn.count(stream.SubjectRate))
}

func TestIdleRowerStopsPlayback(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.run()

	h.advanceUntil(func() bool { return h.app.Metrics().Frames > 0 }, "rower frames arrive")
	h.advanceUntil(func() bool { return h.app.Rate() < 1.0 }, "rate decays toward zero")
	assert.Equal(t, 0.0, h.app.rate.Snapshot().Target)
}

func TestDisconnectReturnsToNeutral(t *testing.T) {
	h := newHarness(t, 32, func(c *config.Config) { c.HeartRate = false })
	h.run()

	h.advanceUntil(func() bool { return h.app.Rate() == 1.5 }, "rowing")

	h.sim.Drop()
	h.advanceUntil(func() bool { return h.app.Rate() == 1.0 }, "back to neutral after disconnect")
	assert.Zero(t, h.app.Metrics().Frames, "metrics reset on disconnect")
}

func TestReconnectAfterDisconnect(t *testing.T) {
	h := newHarness(t, 26, func(c *config.Config) { c.HeartRate = false })
	h.run()

	h.advanceUntil(func() bool { return h.app.Metrics().Frames > 0 }, "connected")
	h.app.Disconnect(DeviceRower)
	h.advanceUntil(func() bool { return h.app.Metrics().Frames == 0 }, "disconnected")

	h.app.Connect(DeviceRower)
	h.advanceUntil(func() bool { return h.app.Metrics().Frames > 0 }, "reconnected")
}

func TestBaselineIsClampedAndDrivesMetronome(t *testing.T) {
	h := newHarness(t, 20, nil)

	h.app.SetBaseline(55)
	assert.Equal(t, 40.0, h.app.rate.Baseline())
	assert.Equal(t, 40.0, h.app.Hub().State().Baseline)
	assert.Equal(t, 40.0, h.app.metronome.Cadence())

	h.app.SetBaseline(3)
	assert.Equal(t, 10.0, h.app.rate.Baseline())

	h.app.SetBaseline(24.4)
	assert.Equal(t, 24.0, h.app.rate.Baseline())
}

func TestMetronomeCadenceOverride(t *testing.T) {
	h := newHarness(t, 20, func(c *config.Config) { c.MetronomeCadence = 30 })
	assert.Equal(t, 30.0, h.app.metronome.Cadence())

	h.app.SetBaseline(26)
	assert.Equal(t, 26.0, h.app.rate.Baseline())
	assert.Equal(t, 30.0, h.app.metronome.Cadence(), "an explicit cadence does not follow the baseline")
}

func TestMetronomeRunsWhenEnabled(t *testing.T) {
	h := newHarness(t, 20, func(c *config.Config) {
		c.Metronome = true
		c.HeartRate = false
	})
	h.run()

	h.advanceUntil(func() bool { return h.audio.clickCount() >= 4 }, "metronome clicks")
	assert.True(t, h.app.Hub().State().Metronome)

	h.app.SetMetronome(false)
	n := h.audio.clickCount()
	for i := 0; i < 50; i++ {
		h.clock.Advance(step)
	}
	assert.Equal(t, n, h.audio.clickCount(), "no clicks after disabling")
	assert.False(t, h.app.Hub().State().Metronome)
}

func TestStrapHeartRateIsRecorded(t *testing.T) {
	h := newHarness(t, 28, nil)
	h.run()

	h.advanceUntil(func() bool {
		for _, s := range h.recorder.snapshot() {
			if s.HeartRate != nil && s.Metrics.StrokeRate != nil {
				return true
			}
		}
		return false
	}, "samples carry rower metrics and the strap heart rate")

	h.advanceUntil(func() bool {
		h.app.mu.Lock()
		defer h.app.mu.Unlock()
		return h.app.battery == 80
	}, "battery level picked up")

	for _, s := range h.recorder.snapshot() {
		assert.NotNil(t, s.Metrics.StrokeRate, "no sample is recorded before the first rower frame")
		assert.False(t, s.Timestamp.IsZero())
	}
	assert.Positive(t, h.conn.count(stream.SubjectHeartRate))
}

func TestNoSamplesWithoutRowerFrames(t *testing.T) {
	h := newHarness(t, 28, func(c *config.Config) { c.HeartRate = false })
	_, ok := h.app.sample(h.clock.Now())
	assert.False(t, ok, "not connected")

	h.app.onRowerStatus("Connected")
	_, ok = h.app.sample(h.clock.Now())
	assert.False(t, ok, "connected but no frame merged yet")

	spm := 24.0
	h.app.onRowerData(ftms.RowerData{StrokeRate: &spm})
	s, ok := h.app.sample(h.clock.Now())
	require.True(t, ok)
	assert.Equal(t, 24.0, *s.Metrics.StrokeRate)
}

func TestShutdownReleasesEverything(t *testing.T) {
	h := newHarness(t, 24, func(c *config.Config) { c.Metronome = true })
	h.run()

	h.advanceUntil(func() bool { return h.app.Metrics().Frames > 0 }, "connected")
	require.NoError(t, h.stop())

	assert.True(t, h.recorder.closed)
	assert.True(t, h.conn.drained)
	assert.False(t, h.app.metronome.Enabled())
	assert.Zero(t, h.clock.Pending(), "no metronome timers left")
}

func TestDisplayControlMessages(t *testing.T) {
	h := newHarness(t, 20, func(c *config.Config) { c.HeartRate = false })

	srv := httptest.NewServer(h.app.Hub())
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var hello struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, display.TypeState, hello.Type)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": display.TypeBaseline, "value": 30}))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": display.TypeMetronome, "enabled": true}))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": display.TypePlayer, "event": display.EventError, "message": "autoplay blocked"}))

	require.Eventually(t, func() bool {
		return h.app.rate.Baseline() == 30 && h.app.metronome.Enabled()
	}, time.Second, time.Millisecond)
	assert.Equal(t, 30.0, h.app.metronome.Cadence())
	assert.Equal(t, 1.0, h.app.Rate(), "a player error leaves rate control alone")

	h.app.SetMetronome(false)
}

// feed collects the message types a page receives from the hub.
type feed struct {
	mu    sync.Mutex
	types []string
	conn  *websocket.Conn
}

func dialFeed(t *testing.T, hub *display.Hub) *feed {
	t.Helper()

	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, time.Millisecond)

	f := &feed{conn: conn}
	go func() {
		for {
			var m struct {
				Type string `json:"type"`
			}
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			f.mu.Lock()
			f.types = append(f.types, m.Type)
			f.mu.Unlock()
		}
	}()
	return f
}

func (f *feed) count(typ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.types {
		if t == typ {
			n++
		}
	}
	return n
}

func TestVolumeControl(t *testing.T) {
	h := newHarness(t, 20, func(c *config.Config) { c.HeartRate = false })
	f := dialFeed(t, h.app.Hub())

	require.NoError(t, f.conn.WriteJSON(map[string]any{"type": display.TypeVolume, "value": 0.7}))
	require.Eventually(t, func() bool {
		h.audio.mu.Lock()
		defer h.audio.mu.Unlock()
		return h.audio.volume == 0.7
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0.7, h.app.Hub().State().Volume)
	require.Eventually(t, func() bool { return f.count(display.TypeVolume) == 1 }, time.Second, time.Millisecond)

	h.app.SetVolume(3)
	assert.Equal(t, 1.0, h.audio.volume)
	assert.Equal(t, 1.0, h.app.Hub().State().Volume)
}

func TestIdleRowerPausesAndResumesVideo(t *testing.T) {
	h := newHarness(t, 0, func(c *config.Config) {
		c.HeartRate = false
		c.DecelEasing = 1
	})
	f := dialFeed(t, h.app.Hub())
	h.run()

	h.advanceUntil(func() bool { return f.count(display.TypePause) == 1 }, "video paused at rate zero")
	assert.Equal(t, 0.0, h.app.Rate())

	h.sim.SetStrokeRate(30)
	h.advanceUntil(func() bool { return f.count(display.TypePlay) == 1 }, "video resumes once rowing starts")
	assert.Equal(t, 1, f.count(display.TypePause), "paused only once")
}

func TestPagePauseIsNotOverridden(t *testing.T) {
	h := newHarness(t, 20, func(c *config.Config) { c.HeartRate = false })
	f := dialFeed(t, h.app.Hub())

	require.NoError(t, f.conn.WriteJSON(map[string]any{"type": display.TypePlayer, "event": display.EventPause}))
	require.Eventually(t, h.app.Hub().Paused, time.Second, time.Millisecond)

	h.app.holdPlayback(0)
	h.app.holdPlayback(0.5)

	h.app.mu.Lock()
	assert.False(t, h.app.autoPaused)
	h.app.mu.Unlock()
	assert.Zero(t, f.count(display.TypePause))
	assert.Zero(t, f.count(display.TypePlay))
}

func TestSilentAudioKeepsMetronomeOff(t *testing.T) {
	h := newHarness(t, 20, func(c *config.Config) { c.HeartRate = false })
	h.app.silent = true

	h.app.SetMetronome(true)
	assert.False(t, h.app.metronome.Enabled())
	assert.False(t, h.app.Hub().State().Metronome)
	assert.Zero(t, h.clock.Pending())
}

func TestDisplayPayloads(t *testing.T) {
	pace, avg := uint16(125), uint16(600)
	m := newMetrics(ftms.Metrics{RowerData: ftms.RowerData{InstantaneousPace: &pace, AveragePace: &avg}})
	assert.Equal(t, "2:05", m.Pace)
	assert.Equal(t, "10:00", m.AveragePace)
	assert.Empty(t, newMetrics(ftms.Metrics{}).Pace)

	hr := newHeartRate(hrm.Measurement{HeartRate: 140, RRIntervals: []uint16{1024, 512}}, DeviceHeartRate)
	assert.Equal(t, []float64{1000, 500}, hr.RRMilliseconds)

	data, err := json.Marshal(hr)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"rrMs":[1000,500]`)
	assert.Contains(t, string(data), `"source":"heart_rate"`)
}
