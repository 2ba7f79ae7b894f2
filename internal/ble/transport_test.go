package ble

import (
	"testing"

	"codeberg.org/mutker/rowstate/internal/logger"
	"codeberg.org/mutker/rowstate/internal/peripheral"
	"github.com/stretchr/testify/assert"
	"tinygo.org/x/bluetooth"
)

func TestToUUID(t *testing.T) {
	assert.Equal(t, bluetooth.ServiceUUIDHeartRate, toUUID(peripheral.ServiceHeartRate))
	assert.Equal(t, bluetooth.CharacteristicUUIDHeartRateMeasurement, toUUID(peripheral.CharHeartRateMeasurement))
	assert.Equal(t, bluetooth.ServiceUUIDBattery, toUUID(peripheral.ServiceBattery))
	assert.Equal(t, bluetooth.New16BitUUID(0x1826), toUUID(peripheral.ServiceFitnessMachine))
}

func TestNewDefaultsScanTimeout(t *testing.T) {
	tr := New(bluetooth.DefaultAdapter, 0, logger.Nop())
	assert.Equal(t, DefaultScanTimeout, tr.scanTimeout)
}

func TestLostLinkCallsHandlerOnce(t *testing.T) {
	tr := New(bluetooth.DefaultAdapter, 0, logger.Nop())

	var addr bluetooth.Address
	calls := 0
	tr.handlers[addr.String()] = func() { calls++ }

	tr.onConnectEvent(bluetooth.Device{Address: addr}, true)
	assert.Zero(t, calls, "connect events are ignored")

	tr.onConnectEvent(bluetooth.Device{Address: addr}, false)
	tr.onConnectEvent(bluetooth.Device{Address: addr}, false)
	assert.Equal(t, 1, calls)
}

func TestForgetDropsHandler(t *testing.T) {
	tr := New(bluetooth.DefaultAdapter, 0, logger.Nop())
	tr.handlers["AA:BB"] = func() { t.Fatal("handler must not run") }

	tr.forget("AA:BB")
	assert.Empty(t, tr.handlers)
}
