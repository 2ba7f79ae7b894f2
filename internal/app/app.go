// Package app wires the peripherals, the rate controller, the metronome and
// the output surfaces into one running rowing session.
package app

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/rowstate/internal/config"
	"codeberg.org/mutker/rowstate/internal/display"
	"codeberg.org/mutker/rowstate/internal/errors"
	"codeberg.org/mutker/rowstate/internal/ftms"
	"codeberg.org/mutker/rowstate/internal/hrm"
	"codeberg.org/mutker/rowstate/internal/logger"
	"codeberg.org/mutker/rowstate/internal/metronome"
	"codeberg.org/mutker/rowstate/internal/peripheral"
	"codeberg.org/mutker/rowstate/internal/ratectl"
	"codeberg.org/mutker/rowstate/internal/session"
	"codeberg.org/mutker/rowstate/internal/stream"
	"codeberg.org/mutker/rowstate/internal/timeutil"
)

const (
	DeviceRower     = "rower"
	DeviceHeartRate = "heart_rate"

	sampleInterval = time.Second
)

// Audio is the metronome's output: a sample clock plus a click voice.
type Audio interface {
	metronome.AudioClock
	metronome.Voice
	SetVolume(v float64)
}

// Deps are the components App does not build itself. Publisher and Recorder
// may be nil.
type Deps struct {
	Transport peripheral.Transport
	Audio     Audio
	Clock     timeutil.Clock
	Publisher *stream.Publisher
	Recorder  session.Recorder
	// Silent marks Audio as not producing sound. The metronome then stays
	// off, since its schedule follows the audio clock.
	Silent bool
}

// Status is the payload of a display status message.
type Status struct {
	Device string `json:"device"`
	Status string `json:"status"`
	State  string `json:"state"`
}

// Metrics is the payload of a display metrics message.
type Metrics struct {
	ftms.Metrics
	Pace        string `json:"pace,omitempty"`
	AveragePace string `json:"averagePace,omitempty"`
}

func newMetrics(m ftms.Metrics) Metrics {
	p := Metrics{Metrics: m}
	if m.InstantaneousPace != nil {
		p.Pace = ftms.FormatPace(*m.InstantaneousPace)
	}
	if m.AveragePace != nil {
		p.AveragePace = ftms.FormatPace(*m.AveragePace)
	}
	return p
}

// HeartRate is the payload of a display heart_rate message.
type HeartRate struct {
	hrm.Measurement
	Source         string    `json:"source"`
	RRMilliseconds []float64 `json:"rrMs,omitempty"`
}

func newHeartRate(m hrm.Measurement, source string) HeartRate {
	p := HeartRate{Measurement: m, Source: source}
	for _, rr := range m.RRIntervals {
		p.RRMilliseconds = append(p.RRMilliseconds, hrm.RRMilliseconds(rr))
	}
	return p
}

// Battery is the payload of a display battery message.
type Battery struct {
	Device string `json:"device"`
	Level  uint8  `json:"level"`
}

// App is one running session.
type App struct {
	cfg       *config.Config
	log       logger.Logger
	clock     timeutil.Clock
	audio     Audio
	rate      *ratectl.Controller
	metronome *metronome.Scheduler
	hub       *display.Hub
	publisher *stream.Publisher
	recorder  session.Recorder
	rower     *peripheral.Manager[ftms.RowerData]
	heart     *peripheral.Manager[hrm.Measurement]
	silent    bool

	mu             sync.Mutex
	ctx            context.Context
	metrics        ftms.Metrics
	rowerConnected bool
	strap          *hrm.Measurement
	battery        int
	followBaseline bool
	autoPaused     bool

	wg sync.WaitGroup
}

// New builds an App from configuration. It does not touch any device until
// Run.
func New(cfg *config.Config, deps Deps, log logger.Logger) (*App, error) {
	errFactory := errors.New()

	if deps.Transport == nil || deps.Audio == nil {
		return nil, errFactory.WithData(errors.ErrInitApp, "transport and audio are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}

	rate, err := ratectl.New(ratectl.Config{
		Baseline:    float64(cfg.BaselineSPM),
		Min:         cfg.MinRate,
		Max:         cfg.MaxRate,
		AccelEasing: cfg.AccelEasing,
		DecelEasing: cfg.DecelEasing,
		FrameRate:   cfg.FrameRate,
	}, log)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}

	metro, err := metronome.New(deps.Audio, deps.Audio, deps.Clock, float64(cfg.Cadence()), log)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInitApp, err)
	}
	deps.Audio.SetVolume(cfg.Volume)

	a := &App{
		cfg:            cfg,
		log:            log.With("app"),
		clock:          deps.Clock,
		audio:          deps.Audio,
		rate:           rate,
		metronome:      metro,
		publisher:      deps.Publisher,
		recorder:       deps.Recorder,
		rower:          peripheral.NewManager(deps.Transport, peripheral.RowerProfile(), log),
		heart:          peripheral.NewManager(deps.Transport, peripheral.HeartRateProfile(), log),
		silent:         deps.Silent,
		battery:        -1,
		followBaseline: cfg.MetronomeCadence == 0,
	}

	a.hub = display.New(display.State{
		Rate:     rate.Rate(),
		Volume:   cfg.Volume,
		Baseline: float64(cfg.BaselineSPM),
	}, display.Handlers{
		Baseline:   a.SetBaseline,
		Metronome:  a.SetMetronome,
		Player:     a.onPlayerEvent,
		Volume:     a.SetVolume,
		Connect:    a.Connect,
		Disconnect: a.Disconnect,
	}, log)

	metro.OnPhase(a.onPhase)

	return a, nil
}

// Hub returns the display hub, for mounting on an HTTP server.
func (a *App) Hub() *display.Hub {
	return a.hub
}

// Rate returns the current playback rate.
func (a *App) Rate() float64 {
	return a.rate.Rate()
}

// Metrics returns the merged rower metrics.
func (a *App) Metrics() ftms.Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metrics.Snapshot()
}

// Run connects the configured peripherals and drives the session until ctx
// is done, then releases everything it started.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()

	a.log.Info().
		Int("baseline", a.cfg.BaselineSPM).
		Bool("metronome", a.cfg.Metronome).
		Bool("heart_rate", a.cfg.HeartRate).
		Msg("Starting session")

	a.goRun(func() { a.rate.Run(ctx, a.clock, a.onRate) })
	a.goRun(func() { a.recordLoop(ctx) })

	if a.cfg.DisplayListen != "" {
		a.goRun(func() {
			if err := a.hub.Serve(ctx, a.cfg.DisplayListen); err != nil {
				a.log.ErrorWithCode(errors.New().Wrap(errors.ErrInitDisplay, err)).Msg("Display server stopped")
			}
		})
	}

	if a.cfg.Metronome {
		a.SetMetronome(true)
	}

	a.Connect(DeviceRower)
	if a.cfg.HeartRate {
		a.Connect(DeviceHeartRate)
	}

	<-ctx.Done()

	return a.shutdown()
}

func (a *App) goRun(f func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		f()
	}()
}

func (a *App) shutdown() error {
	a.log.Info().Msg("Stopping session")

	a.metronome.Disable()
	a.rower.Disconnect()
	a.heart.Disconnect()
	a.wg.Wait()
	a.hub.Close()

	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			return errors.New().Wrap(errors.ErrShutdownFailed, err)
		}
	}

	return nil
}

// Connect starts connecting device in the background. Failures are
// reported as status messages and never retried.
func (a *App) Connect(device string) {
	a.mu.Lock()
	ctx := a.ctx
	a.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	var connect func(context.Context) error
	var code errors.ErrorCode
	switch device {
	case DeviceRower:
		code = errors.ErrConnectRower
		connect = func(ctx context.Context) error {
			return a.rower.Connect(ctx, a.onRowerData, a.statusFunc(DeviceRower, a.rower.State, a.onRowerStatus))
		}
	case DeviceHeartRate:
		code = errors.ErrConnectHR
		connect = func(ctx context.Context) error {
			err := a.heart.Connect(ctx, a.onHeartRate, a.statusFunc(DeviceHeartRate, a.heart.State, a.onHeartStatus))
			if err == nil {
				a.pushBattery()
			}
			return err
		}
	default:
		a.log.Warn().Str("device", device).Msg("Unknown device")
		return
	}

	a.goRun(func() {
		if err := connect(ctx); err != nil {
			if errors.HasCode(err, peripheral.ErrBusy) {
				a.log.Debug().Str("device", device).Msg("Already connected")
				return
			}
			a.log.Debug().Err(errors.New().Wrap(code, err)).Msg("Connect returned")
		}
	})
}

// Disconnect closes the connection to device, if any.
func (a *App) Disconnect(device string) {
	switch device {
	case DeviceRower:
		a.rower.Disconnect()
	case DeviceHeartRate:
		a.heart.Disconnect()
	default:
		a.log.Warn().Str("device", device).Msg("Unknown device")
	}
}

// SetBaseline changes the resting cadence, clamped to the configured range.
// The metronome follows unless its cadence was set explicitly.
func (a *App) SetBaseline(spm float64) {
	spm = math.Round(math.Max(config.MinBaselineSPM, math.Min(config.MaxBaselineSPM, spm)))

	a.rate.SetBaseline(spm)
	a.hub.SetBaseline(spm)

	a.mu.Lock()
	follow := a.followBaseline
	a.mu.Unlock()
	if follow {
		if err := a.metronome.SetCadence(spm); err != nil {
			a.log.Warn().Err(err).Msg("Failed to set metronome cadence")
		}
	}

	a.log.Info().Float64("baseline", spm).Msg("Baseline changed")
}

// SetVolume sets the click volume and the video volume, clamped to [0, 1].
func (a *App) SetVolume(v float64) {
	v = math.Max(0, math.Min(1, v))

	a.audio.SetVolume(v)
	if err := a.hub.SetVolume(v); err != nil && !errors.HasCode(err, display.ErrNoClients) {
		a.log.Debug().Err(errors.New().Wrap(errors.ErrActuatorFailed, err)).Msg("Volume not applied")
	}

	a.log.Debug().Float64("volume", v).Msg("Volume changed")
}

// SetMetronome turns the metronome on or off. It stays off when the audio
// output is silent.
func (a *App) SetMetronome(enabled bool) {
	if enabled && a.silent {
		a.log.Warn().Msg("Audio output unavailable, metronome stays off")
		a.hub.SetMetronome(false)
		return
	}
	if enabled {
		a.metronome.Enable()
	} else {
		a.metronome.Disable()
	}
	a.hub.SetMetronome(enabled)
	a.log.Debug().Bool("enabled", enabled).Msg("Metronome toggled")
}

func (a *App) statusFunc(device string, state func() peripheral.State, next func(string)) func(string) {
	return func(s string) {
		next(s)
		a.broadcast(display.TypeStatus, Status{Device: device, Status: s, State: state().String()})
	}
}

func (a *App) onRowerStatus(s string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case s == peripheral.StatusConnected:
		a.rowerConnected = true
		a.rate.Update(a.metrics.StrokeRate, true)
	case s == peripheral.StatusDisconnected, strings.HasPrefix(s, peripheral.StatusFailedPrefix):
		a.rowerConnected = false
		a.metrics.Reset()
		a.rate.Update(nil, false)
	}
}

func (a *App) onRowerData(d ftms.RowerData) {
	a.mu.Lock()
	a.rowerConnected = true
	a.metrics.Merge(d)
	a.rate.Update(a.metrics.StrokeRate, true)
	snap := a.metrics.Snapshot()
	strap := a.strap != nil
	a.mu.Unlock()

	a.broadcast(display.TypeMetrics, newMetrics(snap))
	if d.HeartRate != nil && !strap {
		m := hrm.Measurement{HeartRate: uint16(*d.HeartRate), ContactDetected: true}
		a.broadcast(display.TypeHeartRate, newHeartRate(m, DeviceRower))
	}

	if a.publisher != nil {
		if err := a.publisher.Rower(d); err != nil {
			a.log.Debug().Err(err).Msg("Failed to publish rower data")
		}
	}
}

func (a *App) onHeartStatus(s string) {
	if s != peripheral.StatusDisconnected && !strings.HasPrefix(s, peripheral.StatusFailedPrefix) {
		return
	}

	a.mu.Lock()
	a.strap = nil
	a.battery = -1
	a.mu.Unlock()
}

func (a *App) onHeartRate(m hrm.Measurement) {
	a.mu.Lock()
	a.strap = &m
	a.mu.Unlock()

	a.broadcast(display.TypeHeartRate, newHeartRate(m, DeviceHeartRate))
	a.pushBattery()

	if a.publisher != nil {
		if err := a.publisher.HeartRate(m); err != nil {
			a.log.Debug().Err(err).Msg("Failed to publish heart rate")
		}
	}
}

// pushBattery sends the strap battery level when it changed.
func (a *App) pushBattery() {
	level, ok := a.heart.Battery()
	if !ok {
		return
	}

	a.mu.Lock()
	changed := a.battery != int(level)
	a.battery = int(level)
	a.mu.Unlock()

	if changed {
		a.broadcast(display.TypeBattery, Battery{Device: DeviceHeartRate, Level: level})
	}
}

// heartRateLocked returns the strap reading when a strap is connected, otherwise
// whatever the rower reports.
func (a *App) heartRateLocked() *uint16 {
	if a.strap != nil {
		v := a.strap.HeartRate
		return &v
	}
	if a.metrics.HeartRate != nil {
		v := uint16(*a.metrics.HeartRate)
		return &v
	}
	return nil
}

func (a *App) onRate(rate float64) {
	if err := a.hub.SetPlaybackRate(rate); err != nil {
		a.log.Debug().Err(errors.New().Wrap(errors.ErrActuatorFailed, err)).Float64("rate", rate).Msg("Playback rate not applied")
	}
	a.holdPlayback(rate)

	if a.publisher != nil {
		sample := stream.RateSample{Rate: rate, Target: a.rate.Snapshot().Target, Time: a.clock.Now()}
		if err := a.publisher.Rate(sample); err != nil {
			a.log.Debug().Err(err).Msg("Failed to publish rate")
		}
	}
}

// holdPlayback pauses the page while the rate sits at zero and resumes it
// once the rate rises again. A pause the page reported itself is left alone.
func (a *App) holdPlayback(rate float64) {
	a.mu.Lock()
	held := a.autoPaused
	a.mu.Unlock()

	var err error
	switch {
	case rate <= 0 && !held && !a.hub.Paused():
		if err = a.hub.Pause(); err == nil {
			held = true
		}
	case rate > 0 && held:
		if err = a.hub.Play(); err == nil {
			held = false
		}
	default:
		return
	}
	if err != nil {
		a.log.Debug().Err(errors.New().Wrap(errors.ErrActuatorFailed, err)).Float64("rate", rate).Msg("Playback hold not applied")
		return
	}

	a.mu.Lock()
	a.autoPaused = held
	a.mu.Unlock()
}

func (a *App) onPhase(p metronome.Phase) {
	a.broadcast(display.TypePhase, p)
}

func (a *App) onPlayerEvent(ev display.PlayerEvent) {
	switch ev.Event {
	case display.EventError:
		a.log.Warn().Str("message", ev.Message).Msg("Player error, rate control continues")
	default:
		a.log.Debug().Str("event", ev.Event).Msg("Player event")
	}
}

func (a *App) broadcast(typ string, data any) {
	if err := a.hub.Broadcast(typ, data); err != nil && !errors.HasCode(err, display.ErrNoClients) {
		a.log.Debug().Err(err).Str("type", typ).Msg("Broadcast failed")
	}
}

// recordLoop stores one sample per second while the rower is connected.
func (a *App) recordLoop(ctx context.Context) {
	if a.recorder == nil {
		return
	}

	ticker := a.clock.NewTicker(sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			sample, ok := a.sample(now)
			if !ok {
				continue
			}
			if err := a.recorder.Record(ctx, sample); err != nil {
				a.log.Warn().Err(err).Msg("Failed to record sample")
			}
		}
	}
}

func (a *App) sample(now time.Time) (*session.Sample, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.rowerConnected || a.metrics.Frames == 0 {
		return nil, false
	}

	return &session.Sample{
		Timestamp: now,
		Metrics:   a.metrics.RowerData,
		HeartRate: a.heartRateLocked(),
		Rate:      a.rate.Rate(),
		Target:    a.rate.Snapshot().Target,
	}, true
}
