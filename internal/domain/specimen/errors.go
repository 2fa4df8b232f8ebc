package specimen

import (
	"errors"

	"github.com/lis/lis/internal/platform/idgen"
)

// Sentinel errors returned (optionally wrapped) by the lifecycle core. Match
// them with errors.Is.
var (
	ErrNotFound               = errors.New("specimen not found")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrTerminalState          = errors.New("specimen is in a terminal state")
	ErrValidation             = errors.New("validation failed")
	ErrInvalidState           = errors.New("specimen is not in the required state")
	ErrConcurrentModification = errors.New("specimen was modified concurrently")
	ErrDuplicateIdentity      = errors.New("specimen identifier already in use")
	ErrCorrupted              = errors.New("specimen record is corrupted")

	ErrIdentityExhausted = idgen.ErrIdentityExhausted
)
