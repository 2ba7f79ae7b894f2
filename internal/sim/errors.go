package sim

import "codeberg.org/mutker/rowstate/internal/errors"

const (
	ErrNoDevice    errors.ErrorCode = "sim_no_device"
	ErrNoService   errors.ErrorCode = "sim_service_not_found"
	ErrNoChar      errors.ErrorCode = "sim_characteristic_not_found"
	ErrNotReadable errors.ErrorCode = "sim_characteristic_not_readable"
	ErrLinkClosed  errors.ErrorCode = "sim_link_closed"
)
