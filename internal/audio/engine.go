// Package audio renders metronome clicks through the system speaker and
// exposes the sample counter as the audio clock.
package audio

import (
	"math"
	"sync"
	"time"

	"codeberg.org/mutker/rowstate/internal/errors"
	"codeberg.org/mutker/rowstate/internal/logger"
	"codeberg.org/mutker/rowstate/internal/metronome"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/generators"
	"github.com/gopxl/beep/v2/speaker"
)

const (
	DefaultSampleRate beep.SampleRate = 44100

	// bufferDuration must stay well below metronome.Lookahead so queued
	// clicks reach the mixer before their first sample is rendered.
	bufferDuration = 25 * time.Millisecond
)

// Engine is a never-ending beep.Streamer mixing scheduled tone bursts. The
// number of samples it has produced is the audio clock.
type Engine struct {
	sr  beep.SampleRate
	log logger.Logger

	mu      sync.Mutex
	pos     int64
	volume  float64
	clicks  []*click
	scratch [][2]float64
	started bool
}

type click struct {
	start  int64
	length int
	tone   metronome.Tone
	sine   beep.Streamer
	done   int
}

// New creates an Engine. It produces nothing audible until Start.
func New(sr beep.SampleRate, volume float64, log logger.Logger) *Engine {
	return &Engine{
		sr:     sr,
		log:    log.With("audio"),
		volume: clampVolume(volume),
	}
}

// Start opens the speaker and begins streaming.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil
	}
	if err := speaker.Init(e.sr, e.sr.N(bufferDuration)); err != nil {
		return errors.New().Wrap(ErrSpeakerInit, err)
	}
	speaker.Play(e)
	e.started = true

	e.log.Debug().Int("sample_rate", int(e.sr)).Msg("Audio output started")
	return nil
}

// Close stops the speaker.
func (e *Engine) Close() {
	e.mu.Lock()
	started := e.started
	e.started = false
	e.mu.Unlock()

	if started {
		speaker.Clear()
		speaker.Close()
	}
}

// Now returns the audio clock in seconds.
func (e *Engine) Now() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return float64(e.pos) / float64(e.sr)
}

// SetVolume sets the output gain in [0, 1].
func (e *Engine) SetVolume(v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.volume = clampVolume(v)
}

// Click queues tone to start at audio clock time at. A time already in the
// past starts immediately.
func (e *Engine) Click(at float64, tone metronome.Tone) error {
	errFactory := errors.New()

	if tone.Gain <= 0 || tone.Floor <= 0 || tone.Duration <= 0 {
		return errFactory.WithData(ErrInvalidTone, tone)
	}
	sine, err := generators.SineTone(e.sr, tone.Frequency)
	if err != nil {
		return errFactory.Wrap(ErrInvalidTone, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	start := int64(math.Round(at * float64(e.sr)))
	if start < e.pos {
		e.log.Debug().Float64("at", at).Float64("now", float64(e.pos)/float64(e.sr)).Msg("Click queued late")
		start = e.pos
	}
	e.clicks = append(e.clicks, &click{
		start:  start,
		length: e.sr.N(time.Duration(tone.Duration * float64(time.Second))),
		tone:   tone,
		sine:   sine,
	})

	return nil
}

// Stream implements beep.Streamer.
func (e *Engine) Stream(samples [][2]float64) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range samples {
		samples[i] = [2]float64{}
	}

	n := int64(len(samples))
	live := e.clicks[:0]
	for _, c := range e.clicks {
		e.render(c, samples)
		if c.done < c.length {
			live = append(live, c)
		}
	}
	for i := len(live); i < len(e.clicks); i++ {
		e.clicks[i] = nil
	}
	e.clicks = live
	e.pos += n

	return len(samples), true
}

// render mixes the part of c that falls into the buffer starting at e.pos.
func (e *Engine) render(c *click, samples [][2]float64) {
	from := c.start + int64(c.done)
	offset := from - e.pos
	if offset >= int64(len(samples)) {
		return
	}

	count := c.length - c.done
	if room := len(samples) - int(offset); count > room {
		count = room
	}
	if cap(e.scratch) < count {
		e.scratch = make([][2]float64, count)
	}
	buf := e.scratch[:count]
	got, _ := c.sine.Stream(buf)

	decay := math.Log(c.tone.Floor / c.tone.Gain)
	for k := 0; k < got; k++ {
		t := float64(c.done+k) / float64(c.length)
		g := c.tone.Gain * math.Exp(decay*t) * e.volume
		out := &samples[int(offset)+k]
		out[0] += buf[k][0] * g
		out[1] += buf[k][1] * g
	}
	c.done += count
}

// Err implements beep.Streamer.
func (e *Engine) Err() error {
	return nil
}

func clampVolume(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
