// Package ble implements peripheral.Transport on top of the host Bluetooth
// adapter.
package ble

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/rowstate/internal/errors"
	"codeberg.org/mutker/rowstate/internal/logger"
	"codeberg.org/mutker/rowstate/internal/peripheral"
	"tinygo.org/x/bluetooth"
)

const (
	DefaultScanTimeout = 30 * time.Second
	connectTimeout     = 10 * time.Second
	readBufferSize     = 64
)

// Transport scans for and connects to peripherals advertising a service.
// Scans are serialized because the adapter supports one at a time.
type Transport struct {
	adapter     *bluetooth.Adapter
	scanTimeout time.Duration
	log         logger.Logger

	enableOnce sync.Once
	enableErr  error

	scanMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]func()
}

// New creates a Transport for adapter, usually bluetooth.DefaultAdapter.
func New(adapter *bluetooth.Adapter, scanTimeout time.Duration, log logger.Logger) *Transport {
	if scanTimeout <= 0 {
		scanTimeout = DefaultScanTimeout
	}
	return &Transport{
		adapter:     adapter,
		scanTimeout: scanTimeout,
		log:         log.With("ble"),
		handlers:    make(map[string]func()),
	}
}

func (t *Transport) enable() error {
	t.enableOnce.Do(func() {
		if err := t.adapter.Enable(); err != nil {
			t.enableErr = errors.New().Wrap(ErrAdapterEnable, err)
			return
		}
		t.adapter.SetConnectHandler(t.onConnectEvent)
	})
	return t.enableErr
}

func (t *Transport) onConnectEvent(device bluetooth.Device, connected bool) {
	if connected {
		return
	}

	addr := device.Address.String()
	t.mu.Lock()
	handler := t.handlers[addr]
	delete(t.handlers, addr)
	t.mu.Unlock()

	if handler != nil {
		t.log.Debug().Str("address", addr).Msg("Link lost")
		handler()
	}
}

// RequestPeripheral scans until a peripheral advertising service is found,
// the scan timeout expires, or ctx is done.
func (t *Transport) RequestPeripheral(ctx context.Context, service peripheral.UUID) (peripheral.Peripheral, error) {
	errFactory := errors.New()

	if err := t.enable(); err != nil {
		return nil, err
	}

	t.scanMu.Lock()
	defer t.scanMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, t.scanTimeout)
	defer cancel()

	want := toUUID(service)
	found := make(chan bluetooth.ScanResult, 1)
	scanErr := make(chan error, 1)

	t.log.Debug().Str("service", service.String()).Msg("Scanning")
	go func() {
		scanErr <- t.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !result.HasServiceUUID(want) {
				return
			}
			select {
			case found <- result:
				if err := adapter.StopScan(); err != nil {
					t.log.Debug().Err(err).Msg("Failed to stop scan")
				}
			default:
			}
		})
	}()

	select {
	case result := <-found:
		t.log.Info().
			Str("name", result.LocalName()).
			Str("address", result.Address.String()).
			Msg("Found peripheral")
		return &blePeripheral{t: t, result: result}, nil
	case err := <-scanErr:
		if err == nil {
			// Scan stopped by someone else before a match.
			return nil, errFactory.WithData(ErrScan, service.String())
		}
		return nil, errFactory.Wrap(ErrScan, err)
	case <-ctx.Done():
		if err := t.adapter.StopScan(); err != nil {
			t.log.Debug().Err(err).Msg("Failed to stop scan")
		}
		<-scanErr
		return nil, errFactory.Wrap(ErrScanTimeout, ctx.Err())
	}
}

func toUUID(u peripheral.UUID) bluetooth.UUID {
	return bluetooth.New16BitUUID(uint16(u))
}

type blePeripheral struct {
	t      *Transport
	result bluetooth.ScanResult
}

func (p *blePeripheral) Name() string {
	if name := p.result.LocalName(); name != "" {
		return name
	}
	return p.result.Address.String()
}

func (p *blePeripheral) Connect(ctx context.Context, onDisconnect func()) (peripheral.Link, error) {
	errFactory := errors.New()

	if err := ctx.Err(); err != nil {
		return nil, errFactory.Wrap(ErrConnect, err)
	}

	addr := p.result.Address.String()
	p.t.mu.Lock()
	p.t.handlers[addr] = onDisconnect
	p.t.mu.Unlock()

	device, err := p.t.adapter.Connect(p.result.Address, bluetooth.ConnectionParams{
		ConnectionTimeout: bluetooth.NewDuration(connectTimeout),
	})
	if err != nil {
		p.t.forget(addr)
		return nil, errFactory.Wrap(ErrConnect, err)
	}

	return &link{t: p.t, device: device, addr: addr}, nil
}

func (t *Transport) forget(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, addr)
}

type link struct {
	t      *Transport
	device bluetooth.Device
	addr   string
}

func (l *link) Service(ctx context.Context, uuid peripheral.UUID) (peripheral.Service, error) {
	errFactory := errors.New()

	if err := ctx.Err(); err != nil {
		return nil, errFactory.Wrap(ErrNoService, err)
	}
	services, err := l.device.DiscoverServices([]bluetooth.UUID{toUUID(uuid)})
	if err != nil {
		return nil, errFactory.Wrap(ErrNoService, err)
	}
	if len(services) == 0 {
		return nil, errFactory.WithData(ErrNoService, uuid.String())
	}

	return &service{svc: services[0]}, nil
}

// Disconnect closes the link without reporting it as lost.
func (l *link) Disconnect() error {
	l.t.forget(l.addr)
	return l.device.Disconnect()
}

type service struct {
	svc bluetooth.DeviceService
}

func (s *service) Characteristic(ctx context.Context, uuid peripheral.UUID) (peripheral.Characteristic, error) {
	errFactory := errors.New()

	if err := ctx.Err(); err != nil {
		return nil, errFactory.Wrap(ErrNoCharacteristic, err)
	}
	chars, err := s.svc.DiscoverCharacteristics([]bluetooth.UUID{toUUID(uuid)})
	if err != nil {
		return nil, errFactory.Wrap(ErrNoCharacteristic, err)
	}
	if len(chars) == 0 {
		return nil, errFactory.WithData(ErrNoCharacteristic, uuid.String())
	}

	return &characteristic{char: chars[0]}, nil
}

type characteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *characteristic) Read() ([]byte, error) {
	buf := make([]byte, readBufferSize)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, errors.New().Wrap(ErrRead, err)
	}
	return buf[:n], nil
}

func (c *characteristic) Subscribe(handler func([]byte)) (func() error, error) {
	if err := c.char.EnableNotifications(handler); err != nil {
		return nil, errors.New().Wrap(ErrNotify, err)
	}

	return func() error {
		return c.char.EnableNotifications(nil)
	}, nil
}
