package domain

import "time"

// Session identifies a user<->character chat thread. At most one active session
// exists per (UserID, CharacterID) pair; creation is idempotent.
type Session struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	CharacterID   string     `json:"character_id"`
	CharacterName string     `json:"character_name"`
	TotalMessages int        `json:"total_messages"`
	ScenarioID    string     `json:"scenario_id,omitempty"`
	// ConsentedTiers is the per-level opt-in record the content tier gate
	// checks before unlocking Intimate and above: a tier name here means the
	// user explicitly agreed to it this session.
	ConsentedTiers []string   `json:"consented_tiers,omitempty"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// HasConsented reports whether the session's consent record already includes
// tierName.
func (s *Session) HasConsented(tierName string) bool {
	for _, t := range s.ConsentedTiers {
		if t == tierName {
			return true
		}
	}
	return false
}
