package domain

// UserProfile holds the durable facts the Prompt Builder's memory block opens
// with, distinct from ranked episodic Memory rows: name, birthday, likes, and
// similar facts that never decay in relevance the way a specific event does.
type UserProfile struct {
	UserID             string            `json:"user_id"`
	Name               string            `json:"name,omitempty"`
	Birthday           string            `json:"birthday,omitempty"`
	Likes              []string          `json:"likes,omitempty"`
	RelationshipStatus string            `json:"relationship_status,omitempty"`
	ImportantDates     map[string]string `json:"important_dates,omitempty"`
}
