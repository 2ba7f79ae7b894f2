package peripheral

import (
	"context"
	"fmt"
)

// UUID is a 16-bit Bluetooth SIG assigned number.
type UUID uint16

func (u UUID) String() string {
	return fmt.Sprintf("0x%04X", uint16(u))
}

const (
	ServiceFitnessMachine    UUID = 0x1826
	CharRowerData            UUID = 0x2AD1
	ServiceHeartRate         UUID = 0x180D
	CharHeartRateMeasurement UUID = 0x2A37
	ServiceBattery           UUID = 0x180F
	CharBatteryLevel         UUID = 0x2A19
)

// Transport finds peripherals advertising a service.
type Transport interface {
	RequestPeripheral(ctx context.Context, service UUID) (Peripheral, error)
}

// Peripheral is a selected, not yet connected device.
type Peripheral interface {
	Name() string
	// Connect opens the link. onDisconnect is called at most once, from any
	// goroutine, when the peripheral drops the link on its own.
	Connect(ctx context.Context, onDisconnect func()) (Link, error)
}

// Link is an open connection to a peripheral.
type Link interface {
	Service(ctx context.Context, uuid UUID) (Service, error)
	Disconnect() error
}

type Service interface {
	Characteristic(ctx context.Context, uuid UUID) (Characteristic, error)
}

type Characteristic interface {
	Read() ([]byte, error)
	// Subscribe starts notifications. The handler is called sequentially in
	// arrival order and may reuse buf after returning.
	Subscribe(handler func(buf []byte)) (unsubscribe func() error, err error)
}

// State is the connection state of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status strings reported through the onStatus callback.
const (
	StatusRequesting     = "Requesting device..."
	StatusConnecting     = "Connecting to %s..."
	StatusService        = "Getting service..."
	StatusCharacteristic = "Getting characteristic..."
	StatusSubscribing    = "Starting notifications..."
	StatusConnected      = "Connected"
	StatusDisconnected   = "Disconnected"
	StatusFailedPrefix   = "Connection failed"
)
