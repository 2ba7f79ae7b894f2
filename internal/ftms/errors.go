package ftms

import "codeberg.org/mutker/rowstate/internal/errors"

const (
	ErrTruncatedFrame = errors.ErrorCode("ftms_truncated_frame")
)
