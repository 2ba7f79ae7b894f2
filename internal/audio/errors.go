package audio

import "codeberg.org/mutker/rowstate/internal/errors"

const (
	ErrSpeakerInit errors.ErrorCode = "audio_speaker_init_failed"
	ErrInvalidTone errors.ErrorCode = "audio_invalid_tone"
)
