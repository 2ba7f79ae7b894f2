// Package sim provides a simulated rowing machine and heart-rate strap
// behind the peripheral.Transport interface. Frames are produced with the
// same encoders the decoders are tested against.
package sim

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/rowstate/internal/errors"
	"codeberg.org/mutker/rowstate/internal/ftms"
	"codeberg.org/mutker/rowstate/internal/hrm"
	"codeberg.org/mutker/rowstate/internal/logger"
	"codeberg.org/mutker/rowstate/internal/peripheral"
	"codeberg.org/mutker/rowstate/internal/timeutil"
)

const (
	DefaultInterval = time.Second
	batteryLevel    = 80
)

// Transport hands out a simulated rower for the fitness machine service and
// a simulated strap for the heart-rate service.
type Transport struct {
	clock    timeutil.Clock
	interval time.Duration
	log      logger.Logger
	model    *model

	mu    sync.Mutex
	links map[*link]struct{}
}

// New creates a Transport rowing at spm, notifying every interval.
func New(clock timeutil.Clock, spm float64, interval time.Duration, log logger.Logger) *Transport {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Transport{
		clock:    clock,
		interval: interval,
		log:      log.With("sim"),
		model:    newModel(spm, clock.Now()),
		links:    make(map[*link]struct{}),
	}
}

// SetStrokeRate changes the simulated cadence.
func (t *Transport) SetStrokeRate(spm float64) {
	t.model.setStrokeRate(spm)
	t.log.Debug().Float64("spm", spm).Msg("Stroke rate changed")
}

// Drop simulates every connected peripheral going out of range.
func (t *Transport) Drop() {
	t.mu.Lock()
	links := make([]*link, 0, len(t.links))
	for l := range t.links {
		links = append(links, l)
	}
	t.mu.Unlock()

	for _, l := range links {
		if l.close() && l.onDisconnect != nil {
			l.onDisconnect()
		}
	}
}

type device struct {
	name     string
	services map[peripheral.UUID][]peripheral.UUID
}

var (
	rowerDevice = device{
		name: "Simulated Rower",
		services: map[peripheral.UUID][]peripheral.UUID{
			peripheral.ServiceFitnessMachine: {peripheral.CharRowerData},
		},
	}
	strapDevice = device{
		name: "Simulated HR Strap",
		services: map[peripheral.UUID][]peripheral.UUID{
			peripheral.ServiceHeartRate: {peripheral.CharHeartRateMeasurement},
			peripheral.ServiceBattery:   {peripheral.CharBatteryLevel},
		},
	}
)

// RequestPeripheral returns the simulated device offering service.
func (t *Transport) RequestPeripheral(ctx context.Context, service peripheral.UUID) (peripheral.Peripheral, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.New().Wrap(ErrNoDevice, err)
	}

	switch service {
	case peripheral.ServiceFitnessMachine:
		return &simPeripheral{t: t, dev: rowerDevice}, nil
	case peripheral.ServiceHeartRate:
		return &simPeripheral{t: t, dev: strapDevice}, nil
	default:
		return nil, errors.New().WithData(ErrNoDevice, service.String())
	}
}

type simPeripheral struct {
	t   *Transport
	dev device
}

func (p *simPeripheral) Name() string { return p.dev.name }

func (p *simPeripheral) Connect(_ context.Context, onDisconnect func()) (peripheral.Link, error) {
	l := &link{t: p.t, dev: p.dev, onDisconnect: onDisconnect, done: make(chan struct{})}

	p.t.mu.Lock()
	p.t.links[l] = struct{}{}
	p.t.mu.Unlock()

	p.t.log.Debug().Str("device", p.dev.name).Msg("Connected")
	return l, nil
}

type link struct {
	t            *Transport
	dev          device
	onDisconnect func()

	once sync.Once
	done chan struct{}
	subs sync.WaitGroup
}

// close reports whether this call closed the link.
func (l *link) close() bool {
	closed := false
	l.once.Do(func() {
		closed = true
		close(l.done)
		l.t.mu.Lock()
		delete(l.t.links, l)
		l.t.mu.Unlock()
	})
	if closed {
		l.subs.Wait()
	}
	return closed
}

func (l *link) Service(_ context.Context, uuid peripheral.UUID) (peripheral.Service, error) {
	chars, ok := l.dev.services[uuid]
	if !ok {
		return nil, errors.New().WithData(ErrNoService, uuid.String())
	}
	return &service{l: l, chars: chars}, nil
}

func (l *link) Disconnect() error {
	l.close()
	return nil
}

type service struct {
	l     *link
	chars []peripheral.UUID
}

func (s *service) Characteristic(_ context.Context, uuid peripheral.UUID) (peripheral.Characteristic, error) {
	for _, c := range s.chars {
		if c == uuid {
			return &characteristic{l: s.l, uuid: uuid}, nil
		}
	}
	return nil, errors.New().WithData(ErrNoChar, uuid.String())
}

type characteristic struct {
	l    *link
	uuid peripheral.UUID
}

func (c *characteristic) Read() ([]byte, error) {
	if c.uuid == peripheral.CharBatteryLevel {
		return []byte{batteryLevel}, nil
	}
	return nil, errors.New().WithData(ErrNotReadable, c.uuid.String())
}

func (c *characteristic) frame(now time.Time) []byte {
	switch c.uuid {
	case peripheral.CharRowerData:
		return ftms.EncodeRowerData(c.l.t.model.rowerData(now))
	case peripheral.CharHeartRateMeasurement:
		return hrm.Encode(c.l.t.model.measurement(now), true)
	default:
		return nil
	}
}

// Subscribe notifies handler once per interval until unsubscribed or the
// link closes. The battery level never changes, so it is never notified.
func (c *characteristic) Subscribe(handler func([]byte)) (func() error, error) {
	l := c.l
	select {
	case <-l.done:
		return nil, errors.New().New(ErrLinkClosed)
	default:
	}

	stop := make(chan struct{})
	var once sync.Once
	unsubscribe := func() error {
		once.Do(func() { close(stop) })
		return nil
	}
	if c.uuid == peripheral.CharBatteryLevel {
		return unsubscribe, nil
	}

	ticker := l.t.clock.NewTicker(l.t.interval)
	l.subs.Add(1)
	go func() {
		defer l.subs.Done()
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-l.done:
				return
			case now := <-ticker.C():
				if buf := c.frame(now); buf != nil {
					handler(buf)
				}
			}
		}
	}()

	return unsubscribe, nil
}
