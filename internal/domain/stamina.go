package domain

import "time"

// Stamina is a parallel free-tier-only resource: DailyFreeStamina per day,
// StaminaCostPerMessage per message, resets to Max at the first read/consume
// after a UTC-date rollover.
type Stamina struct {
	UserID      string    `json:"user_id"`
	Current     int       `json:"current"`
	Max         int       `json:"max"`
	LastResetAt time.Time `json:"last_reset_at"`
	Version     int       `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const (
	DailyFreeStamina      = 50
	StaminaCostPerMessage = 1
	StaminaPurchasePrice  = 10 // credits per pack
	StaminaPurchaseAmount = 10 // stamina per pack
)

// Consume removes amount stamina, failing if insufficient. Caller runs this
// under a row lock after calling ApplyDailyReset.
func (s *Stamina) Consume(amount int) error {
	if amount <= 0 {
		return nil
	}
	if s.Current < amount {
		return ErrInsufficientStamina
	}
	s.Current -= amount
	return nil
}

// NeedsDailyReset reports whether now (UTC) is on a later date than LastResetAt.
func (s *Stamina) NeedsDailyReset(now time.Time) bool {
	now = now.UTC()
	return now.Year() != s.LastResetAt.UTC().Year() ||
		now.YearDay() != s.LastResetAt.UTC().YearDay()
}

// ApplyDailyReset resets Current to Max and stamps LastResetAt.
func (s *Stamina) ApplyDailyReset(now time.Time) {
	s.Current = s.Max
	s.LastResetAt = now.UTC()
}
