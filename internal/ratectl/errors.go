package ratectl

import "codeberg.org/mutker/rowstate/internal/errors"

const (
	ErrInvalidConfig errors.ErrorCode = "ratectl_invalid_config"
)
