package domain

import (
	"time"

	pgvector "github.com/pgvector/pgvector-go"
)

// Memory is an episodic fact about a (user, character) relationship, embedded
// for similarity search. The Prompt Builder's memory block selects up to 5 by
// rank = importance*10 + strength*5 + keyword_match*15 + recency_bonus.
type Memory struct {
	ID                 string          `json:"id"`
	UserID             string          `json:"user_id"`
	CharacterID        string          `json:"character_id"`
	Content            string          `json:"content"`
	Embedding          pgvector.Vector `json:"-"`
	Importance         int             `json:"importance"`          // 1-10
	EmotionalWeight    int             `json:"emotional_weight"`    // 1-10
	EmotionalIntensity int             `json:"emotional_intensity"` // 0-100, >70 is trauma
	EmotionCategory    string          `json:"emotion_category"`
	HappenedAt         time.Time       `json:"happened_at"`
	CreatedAt          time.Time       `json:"created_at"`
}

// TraumaIntensityThreshold marks a memory as trauma-weight for prompt sectioning.
const TraumaIntensityThreshold = 70

// MemoryConsolidation is the output of summarizing a finished conversation into
// durable facts, grounded on the same narrative-consolidation idea the source
// uses to turn raw chat history into compact long-term memory.
type MemoryConsolidation struct {
	Summary  string   `json:"summary"`
	NewFacts []string `json:"new_facts"`
}
