package ble

import "codeberg.org/mutker/rowstate/internal/errors"

const (
	ErrAdapterEnable    errors.ErrorCode = "ble_adapter_enable_failed"
	ErrScan             errors.ErrorCode = "ble_scan_failed"
	ErrScanTimeout      errors.ErrorCode = "ble_scan_timeout"
	ErrConnect          errors.ErrorCode = "ble_connect_failed"
	ErrNoService        errors.ErrorCode = "ble_service_not_found"
	ErrNoCharacteristic errors.ErrorCode = "ble_characteristic_not_found"
	ErrNotify           errors.ErrorCode = "ble_notify_failed"
	ErrRead             errors.ErrorCode = "ble_read_failed"
)
