package service

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// ParsedResponse is the pipeline's view of one LLM turn, defaulted/clamped
// per the output contract: {reply, emotion_delta, intent, thought, is_nsfw}.
type ParsedResponse struct {
	Reply        string
	EmotionDelta int
	Intent       string
	Thought      string
	IsNSFW       bool
	ParseSuccess bool
	ParseError   string
}

const defaultIntent = "SMALL_TALK"

// ResponseParser validates and repairs LLM structured output, trying in
// order: strict JSON parse, fenced/balanced-brace extraction, numeric-sign
// normalization, quote-style repair. On irrecoverable failure it returns the
// stripped raw text with ParseSuccess=false rather than failing the pipeline.
type ResponseParser struct{}

var signPrefixFieldPattern = regexp.MustCompile(`:\s*\+(\d+)`)

func (ResponseParser) Parse(raw string) ParsedResponse {
	cleaned := stripCodeFences(raw)

	candidates := []string{cleaned, extractFirstJSONObject(cleaned), extractFirstJSONObject(raw), raw}
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		if resp, ok := tryParseJSON(candidate); ok {
			return resp
		}
	}

	if reply, ok := extractFieldByRegex(cleaned, "reply"); ok {
		return ParsedResponse{Reply: reply, Intent: defaultIntent, ParseSuccess: true}
	}

	return ParsedResponse{
		Reply:        strings.TrimSpace(cleaned),
		Intent:       defaultIntent,
		ParseSuccess: false,
		ParseError:   "no JSON object found in model output",
	}
}

func tryParseJSON(candidate string) (ParsedResponse, bool) {
	normalized := signPrefixFieldPattern.ReplaceAllString(candidate, ": $1")

	var wire struct {
		Reply        string `json:"reply"`
		EmotionDelta *int   `json:"emotion_delta"`
		Intent       string `json:"intent"`
		Thought      string `json:"thought"`
		IsNSFW       *bool  `json:"is_nsfw"`
	}
	if err := json.Unmarshal([]byte(normalized), &wire); err != nil {
		return ParsedResponse{}, false
	}
	reply := strings.TrimSpace(wire.Reply)
	if reply == "" {
		return ParsedResponse{}, false
	}

	resp := ParsedResponse{
		Reply:        unescapeMaybeDoubleEscaped(reply),
		Intent:       wire.Intent,
		Thought:      wire.Thought,
		ParseSuccess: true,
	}
	if wire.EmotionDelta != nil {
		resp.EmotionDelta = *wire.EmotionDelta
	}
	if wire.IsNSFW != nil {
		resp.IsNSFW = *wire.IsNSFW
	}
	if resp.Intent == "" {
		resp.Intent = defaultIntent
	}
	resp.EmotionDelta = clampDelta(resp.EmotionDelta, -30, 30)
	return resp, true
}

func stripCodeFences(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "﻿")
	reStart := regexp.MustCompile("(?is)^\\s*```(?:json)?\\s*")
	reEnd := regexp.MustCompile("(?is)\\s*```\\s*$")
	s = reStart.ReplaceAllString(s, "")
	s = reEnd.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

func extractFieldByRegex(s, field string) (string, bool) {
	re := regexp.MustCompile(`(?is)"` + field + `"\s*:\s*"((?:\\.|[^"\\])*)"`)
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return "", false
	}
	unq, err := strconv.Unquote(`"` + m[1] + `"`)
	if err != nil {
		unq = unescapeMinimalEscapes(m[1])
	}
	unq = strings.TrimSpace(unq)
	if unq == "" {
		return "", false
	}
	return unq, true
}

func unescapeMaybeDoubleEscaped(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	quoted := `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
	if unq, err := strconv.Unquote(quoted); err == nil {
		return strings.TrimSpace(unq)
	}
	return unescapeMinimalEscapes(s)
}

func unescapeMinimalEscapes(s string) string {
	replacer := strings.NewReplacer(
		`\\`, `\`,
		`\"`, `"`,
		`\n`, "\n",
		`\r`, "\r",
		`\t`, "\t",
	)
	return replacer.Replace(s)
}
