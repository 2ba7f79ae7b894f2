package display

import "codeberg.org/mutker/rowstate/internal/errors"

const (
	ErrNoClients  errors.ErrorCode = "display_no_clients"
	ErrEncode     errors.ErrorCode = "display_encode_failed"
	ErrListen     errors.ErrorCode = "display_listen_failed"
	ErrBadMessage errors.ErrorCode = "display_bad_message"
)
