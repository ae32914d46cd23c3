// Package extract recovers structured data from raw LLM output.
//
// Model responses are untrusted input: they may be clean JSON, JSON wrapped
// in prose or markdown fences, truncated JSON, or plain text. Every function
// here walks a fixed fallback chain and the object form always produces a
// usable result, so callers never branch on a parse error.
package extract

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// Strategy names, logged so misbehaving models are visible in the logs.
const (
	strategyDirect   = "direct"
	strategyFenced   = "fenced_block"
	strategyBraces   = "brace_scan"
	strategyFallback = "fallback"
)

// Object extracts a JSON object from raw LLM text. The chain is: direct
// parse, first fenced code block, first balanced {...} span, then a
// synthesized {"response": <raw text>, "actions": []} wrapper. It never
// returns nil.
func Object(raw string) map[string]any {
	trimmed := strings.TrimSpace(raw)

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil && obj != nil {
		slog.Debug("extracted LLM object", "strategy", strategyDirect)
		return obj
	}

	if block, ok := fencedBlock(trimmed); ok {
		if err := json.Unmarshal([]byte(block), &obj); err == nil && obj != nil {
			slog.Debug("extracted LLM object", "strategy", strategyFenced)
			return obj
		}
	}

	if span, ok := balancedSpan(trimmed, '{', '}'); ok {
		if err := json.Unmarshal([]byte(span), &obj); err == nil && obj != nil {
			slog.Debug("extracted LLM object", "strategy", strategyBraces)
			return obj
		}
	}

	slog.Warn("LLM output not parseable as object, wrapping raw text", "strategy", strategyFallback)
	return map[string]any{
		"response": trimmed,
		"actions":  []any{},
	}
}

// Array extracts a JSON array of objects from raw LLM text using the same
// chain as Object, scanning for [...] spans. Unlike Object there is no
// meaningful fallback shape: when nothing parses it returns nil and the
// caller degrades to an empty result.
func Array(raw string) []map[string]any {
	trimmed := strings.TrimSpace(raw)

	if arr, ok := parseArray(trimmed); ok {
		slog.Debug("extracted LLM array", "strategy", strategyDirect)
		return arr
	}

	if block, ok := fencedBlock(trimmed); ok {
		if arr, ok := parseArray(block); ok {
			slog.Debug("extracted LLM array", "strategy", strategyFenced)
			return arr
		}
	}

	if span, ok := balancedSpan(trimmed, '[', ']'); ok {
		if arr, ok := parseArray(span); ok {
			slog.Debug("extracted LLM array", "strategy", strategyBraces)
			return arr
		}
	}

	slog.Warn("LLM output not parseable as array", "strategy", strategyFallback)
	return nil
}

func parseArray(text string) ([]map[string]any, bool) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		return nil, false
	}
	arr := make([]map[string]any, 0, len(items))
	for _, item := range items {
		var obj map[string]any
		// Non-object elements are dropped here; element-level field
		// validation is the caller's job.
		if err := json.Unmarshal(item, &obj); err == nil && obj != nil {
			arr = append(arr, obj)
		}
	}
	return arr, true
}

// fencedBlock returns the contents of the first markdown code fence,
// preferring a ```json fence over a bare ``` one.
func fencedBlock(text string) (string, bool) {
	for _, marker := range []string{"```json", "```"} {
		start := strings.Index(text, marker)
		if start < 0 {
			continue
		}
		rest := text[start+len(marker):]
		end := strings.Index(rest, "```")
		if end < 0 {
			continue
		}
		block := strings.TrimSpace(rest[:end])
		if block != "" {
			return block, true
		}
	}
	return "", false
}

// balancedSpan returns the first balanced open...close span in text.
// Quote-aware so braces inside JSON strings do not end the span early.
func balancedSpan(text string, open, close byte) (string, bool) {
	start := strings.IndexByte(text, open)
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
