// Package playbook implements the per-conversation knowledge store:
// structured entries extracted from human feedback, an append-only
// operation log, the LLM insight extraction pipeline, and the batch
// operation applier.
package playbook

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// Insight types. The extraction pipeline rejects anything else.
const (
	TypePreference  = "preference"
	TypeInstruction = "instruction"
	TypeFact        = "fact"
	TypeCorrection  = "correction"
	TypeContext     = "context"
	TypeConstraint  = "constraint"
)

// Operations on playbook entries.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// typeOrder fixes the display order of insight types so formatted context
// is stable across calls. Prompts embed this output; determinism keeps
// prompt caching and tests reproducible.
var typeOrder = []string{TypePreference, TypeInstruction, TypeFact, TypeCorrection, TypeContext, TypeConstraint}

// DefaultConfidence is used when the LLM omits confidence_score.
const DefaultConfidence = 0.8

// softValueLimit is the advisory length guidance for entry values.
// Longer values are accepted with a warning, never rejected.
const softValueLimit = 200

// ErrCapacityExceeded is returned by Insert when the conversation already
// holds the maximum number of active entries. Callers skip and log rather
// than fail the batch.
var ErrCapacityExceeded = errors.New("playbook capacity exceeded")

// ErrNotFound is returned by read operations for unknown entries.
var ErrNotFound = errors.New("playbook entry not found")

// Entry is one unit of knowledge in a conversation's playbook.
type Entry struct {
	ID             int64     `json:"id"`
	CID            string    `json:"cid"`
	InsightType    string    `json:"insight_type"`
	Key            string    `json:"key"`
	Value          string    `json:"value"`
	Operation      string    `json:"operation"` // last operation applied
	SourceFeedback string    `json:"source_feedback"`
	Confidence     float64   `json:"confidence_score"`
	Version        int       `json:"version"`
	IsActive       bool      `json:"is_active"`
	Tags           []string  `json:"tags,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// OperationLog is one audit row: a single attempted operation, success or
// failure. Rows are append-only and read only for inspection.
type OperationLog struct {
	ID             int64     `json:"id"`
	EntryID        *int64    `json:"entry_id,omitempty"`
	CID            string    `json:"cid"`
	Operation      string    `json:"operation"`
	ExtractedData  string    `json:"extracted_data"` // full insight payload, JSON
	Success        bool      `json:"success"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	SourceFeedback string    `json:"source_feedback"`
	LLMResponse    string    `json:"llm_response,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Insight is one candidate operation extracted by the LLM from feedback
// text. Instances only exist after ParseInsight has validated the raw
// object, so downstream code can trust the fields.
type Insight struct {
	InsightType string   `json:"insight_type"`
	Key         string   `json:"key"`
	Value       string   `json:"value"`
	Operation   string   `json:"operation"`
	Confidence  float64  `json:"confidence_score"`
	Tags        []string `json:"tags,omitempty"`
}

// ValidInsightType reports whether t is one of the six allowed types.
func ValidInsightType(t string) bool {
	for _, w := range typeOrder {
		if t == w {
			return true
		}
	}
	return false
}

// ValidOperation reports whether op is insert, update, or delete.
func ValidOperation(op string) bool {
	return op == OpInsert || op == OpUpdate || op == OpDelete
}

// ParseInsight validates one raw extracted object. Invalid elements are
// dropped individually by the caller; this function never panics on
// missing or mistyped fields.
func ParseInsight(raw map[string]any) (Insight, bool) {
	insightType, _ := raw["insight_type"].(string)
	key, _ := raw["key"].(string)
	value, _ := raw["value"].(string)
	operation, _ := raw["operation"].(string)

	if insightType == "" || key == "" || value == "" || operation == "" {
		return Insight{}, false
	}
	if !ValidOperation(operation) {
		return Insight{}, false
	}
	if !ValidInsightType(insightType) {
		return Insight{}, false
	}

	confidence := DefaultConfidence
	if rawScore, present := raw["confidence_score"]; present {
		score, ok := rawScore.(float64)
		if !ok || score < 0 || score > 1 {
			return Insight{}, false
		}
		confidence = score
	}

	if len(value) > softValueLimit {
		slog.Warn("insight value exceeds length guidance", "key", key, "length", len(value))
	}

	var tags []string
	if rawTags, ok := raw["tags"].([]any); ok {
		for _, rt := range rawTags {
			if tag, ok := rt.(string); ok && tag != "" {
				tags = append(tags, tag)
			}
		}
	}

	return Insight{
		InsightType: insightType,
		Key:         key,
		Value:       value,
		Operation:   operation,
		Confidence:  confidence,
		Tags:        tags,
	}, true
}

// payloadJSON renders the insight for the audit log's extracted_data
// column.
func (in Insight) payloadJSON() string {
	data, err := json.Marshal(in)
	if err != nil {
		return "{}"
	}
	return string(data)
}
