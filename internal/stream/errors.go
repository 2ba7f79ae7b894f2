package stream

import "codeberg.org/mutker/rowstate/internal/errors"

const (
	ErrConnect errors.ErrorCode = "stream_connect_failed"
	ErrEncode  errors.ErrorCode = "stream_encode_failed"
	ErrPublish errors.ErrorCode = "stream_publish_failed"
)
