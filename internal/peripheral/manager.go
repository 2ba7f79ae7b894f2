// Package peripheral manages the lifecycle of one Bluetooth peripheral
// connection and turns its notification stream into decoded records.
package peripheral

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/rowstate/internal/errors"
	"codeberg.org/mutker/rowstate/internal/logger"
)

const (
	frameQueueSize = 32
	batteryTimeout = 5 * time.Second
)

// Manager owns a single connection for one Profile. Connect and Disconnect
// may be called from any goroutine.
type Manager[R any] struct {
	transport Transport
	profile   Profile[R]
	log       logger.Logger

	mu    sync.Mutex
	state State
	conn  *connection

	// battery holds the last level in percent, or -1 when unknown.
	battery atomic.Int32
}

// NewManager creates a Manager for profile using transport.
func NewManager[R any](transport Transport, profile Profile[R], log logger.Logger) *Manager[R] {
	m := &Manager[R]{
		transport: transport,
		profile:   profile,
		log:       log.With(profile.Name),
	}
	m.battery.Store(-1)
	return m
}

// connection is one connect attempt and, if it succeeds, the live link.
// Frames and the terminal status are delivered by a single dispatch
// goroutine, so no record is delivered after "Disconnected".
type connection struct {
	link         Link
	unsubscribes []func() error
	frames       chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	silent       atomic.Bool
	// dropped is set when the peripheral went away before Connect finished.
	dropped atomic.Bool
}

func newConnection() *connection {
	return &connection{
		frames: make(chan []byte, frameQueueSize),
		done:   make(chan struct{}),
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *connection) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// enqueue copies buf because transports may reuse it.
func (c *connection) enqueue(buf []byte) {
	frame := append([]byte(nil), buf...)
	select {
	case c.frames <- frame:
	case <-c.done:
	}
}

// State returns the current connection state.
func (m *Manager[R]) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Battery returns the last reported battery level.
func (m *Manager[R]) Battery() (uint8, bool) {
	v := m.battery.Load()
	if v < 0 {
		return 0, false
	}
	return uint8(v), true
}

// Connect selects a peripheral, opens the link and subscribes to the
// profile's characteristic. It returns once connected or failed. Every
// notification is decoded and passed to onData; frames that fail to decode
// are logged and dropped. onStatus receives progress strings, "Connected",
// "Disconnected", or a string prefixed "Connection failed".
func (m *Manager[R]) Connect(ctx context.Context, onData func(R), onStatus func(string)) error {
	errFactory := errors.New()

	c := newConnection()
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		return errFactory.WithData(ErrBusy, m.profile.Name)
	}
	m.state = StateConnecting
	m.conn = c
	m.mu.Unlock()

	go m.dispatch(c, onData, onStatus)

	interrupted := func() error {
		if c.dropped.Load() {
			return errFactory.New(ErrLinkLost)
		}
		return errFactory.New(ErrConnectAborted)
	}

	fail := func(err error) error {
		aborted := c.closed() && !c.dropped.Load()
		if !aborted {
			c.silent.Store(true)
		}
		m.teardown(c)
		if aborted {
			return errFactory.Wrap(ErrConnectAborted, err)
		}

		m.mu.Lock()
		if m.conn == c {
			m.conn = nil
			m.state = StateError
		}
		m.mu.Unlock()

		status := fmt.Sprintf("%s: %v", StatusFailedPrefix, err)
		m.log.Warn().Err(err).Msg("Connection failed")
		onStatus(status)

		return errFactory.Wrap(ErrConnectFailed, err)
	}

	onStatus(StatusRequesting)
	p, err := m.transport.RequestPeripheral(ctx, m.profile.Service)
	if err != nil {
		return fail(err)
	}

	onStatus(fmt.Sprintf(StatusConnecting, p.Name()))
	link, err := p.Connect(ctx, func() { m.lost(c) })
	if err != nil {
		return fail(err)
	}
	m.mu.Lock()
	c.link = link
	m.mu.Unlock()
	if c.closed() {
		return fail(interrupted())
	}

	onStatus(StatusService)
	svc, err := link.Service(ctx, m.profile.Service)
	if err != nil {
		return fail(err)
	}

	onStatus(StatusCharacteristic)
	char, err := svc.Characteristic(ctx, m.profile.Characteristic)
	if err != nil {
		return fail(err)
	}

	onStatus(StatusSubscribing)
	unsubscribe, err := char.Subscribe(c.enqueue)
	if err != nil {
		return fail(err)
	}
	m.mu.Lock()
	c.unsubscribes = append(c.unsubscribes, unsubscribe)
	if m.conn != c || c.closed() {
		m.mu.Unlock()
		return fail(interrupted())
	}
	m.state = StateConnected
	m.mu.Unlock()

	m.log.Info().Str("device", p.Name()).Msg("Connected")
	onStatus(StatusConnected)

	if m.profile.Battery {
		m.probeBattery(ctx, c, link)
	}

	return nil
}

// Disconnect closes the current connection, if any. It is idempotent; the
// final "Disconnected" status is delivered once per connection.
func (m *Manager[R]) Disconnect() {
	m.mu.Lock()
	c := m.conn
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	m.battery.Store(-1)
	if c == nil {
		return
	}

	m.teardown(c)
	m.log.Info().Msg("Disconnected")
}

// lost handles a peripheral-initiated disconnect. A drop while Connect is
// still discovering is left to Connect, which reports it as a failure.
func (m *Manager[R]) lost(c *connection) {
	m.mu.Lock()
	if m.conn != c {
		m.mu.Unlock()
		return
	}
	if m.state == StateConnecting {
		c.dropped.Store(true)
		c.silent.Store(true)
		c.close()
		m.mu.Unlock()
		m.log.Debug().Msg("Peripheral dropped while connecting")
		return
	}
	m.conn = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	m.battery.Store(-1)
	m.teardown(c)
	m.log.Info().Msg("Peripheral disconnected")
}

func (m *Manager[R]) teardown(c *connection) {
	c.close()

	m.mu.Lock()
	link := c.link
	unsubscribes := c.unsubscribes
	c.unsubscribes = nil
	m.mu.Unlock()

	for _, unsubscribe := range unsubscribes {
		if err := unsubscribe(); err != nil {
			m.log.Debug().Err(err).Msg("Failed to stop notifications")
		}
	}
	if link != nil {
		if err := link.Disconnect(); err != nil {
			m.log.Debug().Err(err).Msg("Failed to close link")
		}
	}
}

func (m *Manager[R]) dispatch(c *connection, onData func(R), onStatus func(string)) {
	for {
		select {
		case buf := <-c.frames:
			if rec, ok := m.decode(buf); ok && !c.closed() {
				onData(rec)
			}
		case <-c.done:
			if !c.silent.Load() {
				onStatus(StatusDisconnected)
			}
			return
		}
	}
}

// decode never lets a bad frame escape the notification path.
func (m *Manager[R]) decode(buf []byte) (rec R, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().
				Interface("panic", r).
				Str("frame", hex.EncodeToString(buf)).
				Msg("Decoder panicked")
			ok = false
		}
	}()

	rec, err := m.profile.Decode(buf)
	if err != nil {
		m.log.Debug().
			Err(err).
			Str("frame", hex.EncodeToString(buf)).
			Msg("Dropping undecodable frame")
		return rec, false
	}

	return rec, true
}

// probeBattery subscribes to the battery level. Any failure is logged and
// otherwise ignored.
func (m *Manager[R]) probeBattery(ctx context.Context, c *connection, link Link) {
	ctx, cancel := context.WithTimeout(ctx, batteryTimeout)
	defer cancel()

	svc, err := link.Service(ctx, ServiceBattery)
	if err != nil {
		m.log.Debug().Err(err).Msg("No battery service")
		return
	}
	char, err := svc.Characteristic(ctx, CharBatteryLevel)
	if err != nil {
		m.log.Debug().Err(err).Msg("No battery level characteristic")
		return
	}

	if buf, err := char.Read(); err == nil && len(buf) > 0 {
		m.battery.Store(int32(buf[0]))
	}

	unsubscribe, err := char.Subscribe(func(buf []byte) {
		if len(buf) > 0 && !c.closed() {
			m.battery.Store(int32(buf[0]))
		}
	})
	if err != nil {
		m.log.Debug().Err(err).Msg("Battery notifications unavailable")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != c {
		if err := unsubscribe(); err != nil {
			m.log.Debug().Err(err).Msg("Failed to stop battery notifications")
		}
		return
	}
	c.unsubscribes = append(c.unsubscribes, unsubscribe)
}
