package domain

import "time"

// Character is the persona bound to a session. The full catalog (personality
// write-up, speech patterns, art) is an external collaborator per the
// engine's scope; this is the slice the Prompt Builder and relationship
// tracking need.
type Character struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Archetype    string              `json:"archetype"`
	Persona      string              `json:"persona"`
	BondStatus   string              `json:"bond_status"`
	Relationship RelationshipVectors `json:"relationship"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// RelationshipVectors track trust/intimacy/respect independent of the numeric
// emotion score; used to flavor prompt tone and detect high-tension dynamics
// (e.g. high intimacy + low trust => jealousy/control patterns).
type RelationshipVectors struct {
	Trust    int `json:"trust"`
	Intimacy int `json:"intimacy"`
	Respect  int `json:"respect"`
}
