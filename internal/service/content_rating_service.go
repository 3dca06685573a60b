package service

import (
	"regexp"
	"strings"
)

// ContentTier is the progressive content-unlock level, gated by intimacy
// level, VIP status, and (above Intimate) explicit user consent.
type ContentTier int

const (
	TierPure ContentTier = iota
	TierFlirty
	TierIntimate
	TierRomantic
	TierPassionate
)

func (t ContentTier) String() string {
	switch t {
	case TierPure:
		return "PURE"
	case TierFlirty:
		return "FLIRTY"
	case TierIntimate:
		return "INTIMATE"
	case TierRomantic:
		return "ROMANTIC"
	case TierPassionate:
		return "PASSIONATE"
	default:
		return "PURE"
	}
}

// ParseContentTier maps a tier name back to its ContentTier, defaulting to
// TierPure for anything unrecognized so a malformed user-supplied cap never
// widens access.
func ParseContentTier(name string) ContentTier {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "FLIRTY":
		return TierFlirty
	case "INTIMATE":
		return TierIntimate
	case "ROMANTIC":
		return TierRomantic
	case "PASSIONATE":
		return TierPassionate
	default:
		return TierPure
	}
}

type contentTierConfig struct {
	Tier             ContentTier
	MinIntimacy      int
	RequiresVIP      bool
	RequiresConsent  bool
	RestrictedTokens []string
}

var contentTiers = []contentTierConfig{
	{Tier: TierPure, MinIntimacy: 0, RequiresVIP: false, RequiresConsent: false,
		RestrictedTokens: []string{"kiss", "kissing", "heartbeat", "blush", "skin"}},
	{Tier: TierFlirty, MinIntimacy: 15, RequiresVIP: false, RequiresConsent: false,
		RestrictedTokens: []string{"kiss", "kissing", "moan", "tremble", "desire"}},
	{Tier: TierIntimate, MinIntimacy: 30, RequiresVIP: false, RequiresConsent: true,
		RestrictedTokens: []string{"lips", "tongue", "moan", "undress", "naked"}},
	{Tier: TierRomantic, MinIntimacy: 50, RequiresVIP: true, RequiresConsent: true,
		RestrictedTokens: []string{"tongue", "undress", "naked", "undressed"}},
	{Tier: TierPassionate, MinIntimacy: 80, RequiresVIP: true, RequiresConsent: true,
		RestrictedTokens: []string{}},
}

// bannedTokens are removed at every tier, regardless of unlock state.
var bannedTokens = []string{
	"underage", "minor", "child",
}

// escalationPatterns soften explicit act references regardless of tier.
var escalationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)takes? off (her|his|their) clothes`),
	regexp.MustCompile(`(?i)strips? (naked|bare)`),
	regexp.MustCompile(`(?i)touches? (her|his|their) (breast|thigh|chest)`),
	regexp.MustCompile(`(?i)(moaning|gasping) (loudly|softly)`),
}

var safeWords = []string{
	"stop", "pause", "not now", "never mind", "that's too much", "i'm uncomfortable",
}

var deEscalateSignals = []string{
	"be serious", "stop that", "let's talk about something else", "change the subject",
}

var escalateSignals = []string{
	"kiss me", "hold me", "i want you", "keep going", "more", "don't stop",
}

// ContentRatingService computes the unlocked tier for a pair and filters
// generated output against it.
type ContentRatingService struct{}

func NewContentRatingService() *ContentRatingService {
	return &ContentRatingService{}
}

// AvailableTier returns the highest tier whose gates (intimacy, VIP, and an
// optional user-chosen cap) are satisfied.
func (s *ContentRatingService) AvailableTier(intimacyLevel int, isVIP bool, userCap *ContentTier) ContentTier {
	available := TierPure
	for _, cfg := range contentTiers {
		if intimacyLevel < cfg.MinIntimacy {
			break
		}
		if cfg.RequiresVIP && !isVIP {
			break
		}
		if userCap != nil && cfg.Tier > *userCap {
			break
		}
		available = cfg.Tier
	}
	return available
}

// RequiresConsent reports whether tier requires an explicit opt-in before use.
func (s *ContentRatingService) RequiresConsent(tier ContentTier) bool {
	if int(tier) < 0 || int(tier) >= len(contentTiers) {
		return false
	}
	return contentTiers[tier].RequiresConsent
}

// FilterResult reports what the filter changed, for audit/debug logging.
type FilterResult struct {
	Filtered  string
	Modified  bool
	Severity  string // "none", "restricted", "critical"
	Instances []string
}

// Filter applies the universal banned-token table, then the tier's
// restricted-token table, then escalation-pattern softening, and finally
// collapses runs of "...".
func (s *ContentRatingService) Filter(response string, tier ContentTier) FilterResult {
	result := FilterResult{Filtered: response, Severity: "none"}

	for _, token := range bannedTokens {
		if containsFold(result.Filtered, token) {
			result.Filtered = replaceFold(result.Filtered, token, "[filtered]")
			result.Instances = append(result.Instances, "banned:"+token)
			result.Severity = "critical"
		}
	}

	if int(tier) >= 0 && int(tier) < len(contentTiers) {
		for _, token := range contentTiers[tier].RestrictedTokens {
			if containsFold(result.Filtered, token) {
				result.Filtered = replaceFold(result.Filtered, token, "...")
				result.Instances = append(result.Instances, "restricted:"+token)
				if result.Severity == "none" {
					result.Severity = "restricted"
				}
			}
		}
	}

	for _, pattern := range escalationPatterns {
		if pattern.MatchString(result.Filtered) {
			result.Filtered = pattern.ReplaceAllString(result.Filtered, "...")
			result.Instances = append(result.Instances, "escalation:"+pattern.String())
			if result.Severity == "none" {
				result.Severity = "restricted"
			}
		}
	}

	result.Filtered = collapseEllipses(result.Filtered)
	result.Modified = len(result.Instances) > 0
	return result
}

var ellipsisRun = regexp.MustCompile(`(\.\.\.\s*){2,}`)

func collapseEllipses(s string) string {
	return ellipsisRun.ReplaceAllString(s, "... ")
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func replaceFold(haystack, needle, replacement string) string {
	re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(needle))
	return re.ReplaceAllString(haystack, replacement)
}

// CheckSafeWord reports whether message contains a hard-stop safe word.
// Detection here is advisory pre-filter on user input; on AI output a hit
// means the turn must not escalate further.
func (s *ContentRatingService) CheckSafeWord(message string) bool {
	lower := strings.ToLower(strings.TrimSpace(message))
	for _, word := range safeWords {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// UserIntent is the detected steering signal in a user message: "safe_word",
// "de-escalate", "escalate", or "" for ordinary conversation.
func (s *ContentRatingService) UserIntent(message string) string {
	if s.CheckSafeWord(message) {
		return "safe_word"
	}
	lower := strings.ToLower(message)
	for _, signal := range deEscalateSignals {
		if strings.Contains(lower, signal) {
			return "de-escalate"
		}
	}
	for _, signal := range escalateSignals {
		if strings.Contains(lower, signal) {
			return "escalate"
		}
	}
	return ""
}
