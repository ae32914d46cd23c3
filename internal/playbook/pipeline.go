package playbook

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openminer/minerd/internal/extract"
	"github.com/openminer/minerd/internal/provider"
)

const extractionPromptTemplate = `You are an expert at extracting CONCISE, ACTIONABLE insights from human feedback.

The user's playbook can store a MAXIMUM of %d entries. Each entry must be:
- **Concise** (1-2 sentences max)
- **Actionable** (clear preference, instruction, or fact)
- **Useful** (helps improve future interactions)

CURRENT PLAYBOOK (%d/%d entries):
%s

NEW FEEDBACK:
%s

CONTEXT:
%s

Your task: Extract insights and decide operations intelligently.

**OPERATION RULES:**
1. **insert**: Add NEW knowledge not in playbook (only if valuable)
2. **update**: REPLACE existing entry if new feedback contradicts or refines it
3. **delete**: Remove entry if user says "forget", "ignore", or it's no longer relevant

**EXTRACTION RULES:**
- Extract ONLY the most important, actionable insights
- Keep "value" CONCISE (1-2 sentences, <100 chars preferred)
- Check existing playbook to AVOID duplicates
- Use "update" instead of "insert" if similar key exists
- Consolidate related insights when possible
- If playbook is near capacity, be VERY selective or use "update"/"delete"

**OUTPUT FORMAT:**
` + "```json" + `
[
  {
    "insight_type": "preference|instruction|fact|correction|context|constraint",
    "key": "short_topic_key",
    "value": "Concise insight in 1-2 sentences",
    "operation": "insert|update|delete",
    "confidence_score": 0.7-1.0,
    "tags": ["tag1", "tag2"]
  }
]
` + "```" + `

**EXAMPLE (GOOD - Concise):**
` + "```json" + `
[
  {
    "insight_type": "preference",
    "key": "response_style",
    "value": "Prefers concise answers with code examples",
    "operation": "insert",
    "confidence_score": 0.9,
    "tags": ["communication"]
  }
]
` + "```" + `

**EXAMPLE (BAD - Too verbose):**
"value": "The user has indicated that they prefer responses that are concise and to the point, and they also mentioned that including code examples would be very helpful for understanding..."

Extract insights now:`

// extractionTemperature is deliberately low: extraction should behave like
// parsing, not writing.
const extractionTemperature = 0.3

const extractionMaxTokens = 2000

// Extractor turns free-form feedback into validated Insights using the LLM.
type Extractor struct {
	store    *Store
	provider provider.LLMProvider
}

// NewExtractor builds an extractor over the given store and provider.
func NewExtractor(store *Store, p provider.LLMProvider) *Extractor {
	return &Extractor{store: store, provider: p}
}

// ExtractResult carries the validated insights together with the raw LLM
// response, which the applier records in every audit row.
type ExtractResult struct {
	Insights    []Insight
	LLMResponse string
}

// Extract asks the LLM to mine insights from feedback against the
// conversation's current playbook. Provider and parse failures degrade to
// an empty result: an unextractable feedback never fails the request.
func (e *Extractor) Extract(ctx context.Context, cid, feedback, convContext string) (*ExtractResult, error) {
	entries, err := e.store.ListEntries(ctx, cid, ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("load playbook: %w", err)
	}

	prompt := e.buildPrompt(entries, feedback, convContext)

	slog.Info("extracting insights", "cid", cid, "playbook_count", len(entries), "max", e.store.MaxEntries())
	resp, err := e.provider.Chat(ctx, &provider.ChatRequest{
		Messages:    []provider.Message{{Role: "user", Content: prompt}},
		MaxTokens:   extractionMaxTokens,
		Temperature: extractionTemperature,
	})
	if err != nil {
		slog.Error("insight extraction failed", "cid", cid, "error", err)
		return &ExtractResult{}, nil
	}

	insights := ParseInsights(resp.Content)
	slog.Info("extracted insights", "cid", cid, "count", len(insights))
	return &ExtractResult{Insights: insights, LLMResponse: resp.Content}, nil
}

func (e *Extractor) buildPrompt(entries []*Entry, feedback, convContext string) string {
	existing := "  (empty - no entries yet)"
	if len(entries) > 0 {
		var lines []string
		for _, entry := range entries {
			lines = append(lines, fmt.Sprintf("  [%s] (%s): %s", entry.Key, entry.InsightType, entry.Value))
		}
		existing = strings.Join(lines, "\n")
	}
	if convContext == "" {
		convContext = "No previous context"
	}
	max := e.store.MaxEntries()
	return fmt.Sprintf(extractionPromptTemplate, max, len(entries), max, existing, feedback, convContext)
}

// ParseInsights parses a raw LLM response into validated insights.
// Elements that fail validation are dropped individually so one malformed
// object never discards its siblings.
func ParseInsights(raw string) []Insight {
	objects := extract.Array(raw)
	if objects == nil {
		slog.Warn("no insight array found in response")
		return nil
	}
	var insights []Insight
	for _, obj := range objects {
		in, ok := ParseInsight(obj)
		if !ok {
			slog.Warn("dropping invalid insight", "object", obj)
			continue
		}
		insights = append(insights, in)
	}
	return insights
}
