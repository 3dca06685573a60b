package domain

// Scenario is an optional setting bound to a session (Session.ScenarioID),
// giving the Prompt Builder ambiance hints beyond the character persona
// itself (e.g. "rainy evening at a rooftop bar" vs. the character's base
// personality, which never changes).
type Scenario struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	AmbianceHints []string `json:"ambiance_hints,omitempty"`
}
