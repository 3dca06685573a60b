package domain

import "errors"

// Sentinel errors shared across service packages, following the teacher's
// package-level Err* convention (see service.ErrUserNotFound and friends).
var (
	ErrInvalidAmount       = errors.New("domain: invalid amount")
	ErrInsufficientCredits = errors.New("domain: insufficient credits")
	ErrInsufficientStamina = errors.New("domain: insufficient stamina")
	ErrVersionConflict     = errors.New("domain: version conflict")
)
