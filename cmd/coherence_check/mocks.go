package main

import (
	"context"

	"github.com/jackc/pgx/v5"

	"companion-engine/internal/domain"
)

// --- in-memory fakes: enough of each interface for a scripted scenario run,
// no database required. ---

type memoryUserStateRepo struct {
	states map[string]domain.UserState
}

func newMemoryUserStateRepo() *memoryUserStateRepo {
	return &memoryUserStateRepo{states: make(map[string]domain.UserState)}
}

func (m *memoryUserStateRepo) key(userID, characterID string) string {
	return userID + ":" + characterID
}

func (m *memoryUserStateRepo) Create(ctx context.Context, state domain.UserState) error {
	m.states[m.key(state.UserID, state.CharacterID)] = state
	return nil
}

func (m *memoryUserStateRepo) Get(ctx context.Context, userID, characterID string) (domain.UserState, error) {
	state, ok := m.states[m.key(userID, characterID)]
	if !ok {
		return domain.UserState{}, pgx.ErrNoRows
	}
	return state, nil
}

func (m *memoryUserStateRepo) Save(ctx context.Context, state domain.UserState) error {
	state.Version++
	m.states[m.key(state.UserID, state.CharacterID)] = state
	return nil
}

type memoryCharacterProfileRepo struct {
	profiles map[string]domain.CharacterProfile
}

func newMemoryCharacterProfileRepo() *memoryCharacterProfileRepo {
	return &memoryCharacterProfileRepo{profiles: make(map[string]domain.CharacterProfile)}
}

func (m *memoryCharacterProfileRepo) key(userID, characterID string) string {
	return userID + ":" + characterID
}

func (m *memoryCharacterProfileRepo) Create(ctx context.Context, profile domain.CharacterProfile) error {
	key := m.key(profile.UserID, profile.CharacterID)
	if _, exists := m.profiles[key]; exists {
		return nil
	}
	m.profiles[key] = profile
	return nil
}

func (m *memoryCharacterProfileRepo) GetByUserAndCharacter(ctx context.Context, userID, characterID string) (domain.CharacterProfile, error) {
	profile, ok := m.profiles[m.key(userID, characterID)]
	if !ok {
		return domain.CharacterProfile{}, pgx.ErrNoRows
	}
	return profile, nil
}
