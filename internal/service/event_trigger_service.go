package service

import (
	"strings"

	"companion-engine/internal/domain"
)

// Message intents that can satisfy a milestone, matched against the parsed
// response's Intent field (and, for first_kiss, the reply text itself: the
// intent enum has no dedicated KISS value, so detection falls back to a
// keyword check, same as the content rating filter's escalation patterns).
const (
	intentLoveConfession = "LOVE_CONFESSION"
	intentInvitation     = "INVITATION"
)

var kissKeyword = "kiss"

// EventTriggerService evaluates first-time milestones against a turn's
// classified intent, in the fixed declared order, recording at most one per
// turn (domain.EventTriggerOrder). It is pure: the caller persists the
// returned state.
type EventTriggerService struct{}

func NewEventTriggerService() *EventTriggerService {
	return &EventTriggerService{}
}

// Evaluate checks domain.EventTriggerOrder in order and records the first
// milestone whose condition holds and that hasn't fired yet. first_gift is
// never set here: GiftService records it directly as part of the gift
// transaction, since a gift send never goes through this chat-turn pipeline.
func (EventTriggerService) Evaluate(state domain.UserState, intent string, replyText string, isNSFW bool) (domain.UserState, string) {
	conditions := map[string]bool{
		domain.EventFirstGift:       false,
		domain.EventFirstConfession: strings.EqualFold(intent, intentLoveConfession),
		domain.EventFirstKiss:       strings.Contains(strings.ToLower(replyText), kissKeyword),
		domain.EventFirstDate:       strings.EqualFold(intent, intentInvitation),
		domain.EventFirstNSFW:       isNSFW,
	}

	for _, name := range domain.EventTriggerOrder {
		if !conditions[name] {
			continue
		}
		if state.HasEvent(name) {
			continue
		}
		state.RecordEvent(name)
		return state, name
	}
	return state, ""
}
