package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// Mode selects which fields a successful result must carry.
type Mode int

const (
	// ModeEnroll expects a template vector.
	ModeEnroll Mode = iota
	// ModeAuthenticate expects match_result and similarity_score.
	ModeAuthenticate
)

const (
	StatusSuccess = "success"
	StatusError   = "error"

	MatchResultMatch = "match"
)

// Result is the structured outcome of one engine invocation.
type Result struct {
	Status          string
	Message         string
	Vector          json.RawMessage
	MatchResult     string
	SimilarityScore float64
	// Payload is the decoded JSON object exactly as the engine wrote it.
	Payload json.RawMessage
}

// Succeeded reports whether the engine itself considered the run successful.
func (r *Result) Succeeded() bool {
	return r != nil && r.Status == StatusSuccess
}

// Matched reports whether the engine declared the probe a match for the reference.
func (r *Result) Matched() bool {
	return r.Succeeded() && r.MatchResult == MatchResultMatch
}

// ExtractPayload returns the text between the first '{' and the last '}' of raw.
func ExtractPayload(raw string) (string, bool) {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}

type wireResult struct {
	Status          *string         `json:"status"`
	Message         string          `json:"message"`
	Vector          json.RawMessage `json:"vector"`
	BiometricResult json.RawMessage `json:"biometric_result"`
	MatchResult     *string         `json:"match_result"`
	SimilarityScore *float64        `json:"similarity_score"`
}

// Parse extracts the engine's JSON object from raw output that may be wrapped in
// log lines, and checks the fields mode requires on success.
func Parse(raw string, mode Mode) (*Result, error) {
	candidate, ok := ExtractPayload(raw)
	if !ok {
		return nil, &MalformedOutputError{Reason: "no JSON object found", Raw: raw}
	}
	malformed := func(reason string, err error) error {
		return &MalformedOutputError{Reason: reason, Raw: raw, Candidate: candidate, Err: err}
	}

	var wire wireResult
	if err := json.Unmarshal([]byte(candidate), &wire); err != nil {
		return nil, malformed("invalid JSON", err)
	}
	if wire.Status == nil || *wire.Status == "" {
		return nil, malformed("missing status", nil)
	}

	result := &Result{
		Status:  *wire.Status,
		Message: wire.Message,
		Payload: json.RawMessage(candidate),
	}
	if !result.Succeeded() {
		return result, nil
	}

	switch mode {
	case ModeEnroll:
		vector := wire.Vector
		if isAbsent(vector) {
			vector = wire.BiometricResult
		}
		if isAbsent(vector) {
			return nil, malformed("missing vector", nil)
		}
		if isEmptyValue(vector) {
			return nil, malformed("vector is empty", nil)
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, vector); err != nil {
			return nil, malformed("invalid vector", err)
		}
		result.Vector = compact.Bytes()
	case ModeAuthenticate:
		if wire.MatchResult == nil {
			return nil, malformed("missing match_result", nil)
		}
		if wire.SimilarityScore == nil {
			return nil, malformed("missing similarity_score", nil)
		}
		result.MatchResult = *wire.MatchResult
		result.SimilarityScore = *wire.SimilarityScore
	default:
		return nil, malformed("unknown parse mode", errors.New("unsupported mode"))
	}
	return result, nil
}

func isAbsent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// isEmptyValue reports JSON values that carry no template: false, 0, "", [] and {}.
func isEmptyValue(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return !t
	case float64:
		return t == 0
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}
