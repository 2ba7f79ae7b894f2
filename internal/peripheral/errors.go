package peripheral

import "codeberg.org/mutker/rowstate/internal/errors"

const (
	ErrConnectFailed  = errors.ErrorCode("peripheral_connect_failed")
	ErrConnectAborted = errors.ErrorCode("peripheral_connect_aborted")
	ErrBusy           = errors.ErrorCode("peripheral_busy")
	ErrLinkLost       = errors.ErrorCode("peripheral_link_lost")
)
