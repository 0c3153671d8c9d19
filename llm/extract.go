package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON pulls the first JSON document out of LLM output. It tries, in
// order: a strict parse of the whole text, fenced code blocks, and brace or
// bracket matching. The plan repair loop is its primary consumer.
func ExtractJSON(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("empty response")
	}

	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}

	if doc, ok := extractFenced(trimmed); ok {
		return doc, nil
	}

	if doc, ok := extractBalanced(trimmed, '{', '}'); ok {
		return doc, nil
	}
	if doc, ok := extractBalanced(trimmed, '[', ']'); ok {
		return doc, nil
	}

	return nil, fmt.Errorf("no JSON document found in response")
}

// extractFenced scans ```...``` blocks (with or without a language tag) for
// a valid JSON document.
func extractFenced(text string) (json.RawMessage, bool) {
	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			return nil, false
		}
		rest = rest[start+3:]

		// Drop the language tag line if present.
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			firstLine := strings.TrimSpace(rest[:nl])
			if firstLine == "json" || firstLine == "" || !strings.ContainsAny(firstLine, "{[") {
				rest = rest[nl+1:]
			}
		}

		end := strings.Index(rest, "```")
		if end < 0 {
			return nil, false
		}
		candidate := strings.TrimSpace(rest[:end])
		if json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), true
		}
		rest = rest[end+3:]
	}
}

// extractBalanced finds the first balanced open..close span that parses as
// JSON, respecting string literals and escapes.
func extractBalanced(text string, open, close byte) (json.RawMessage, bool) {
	start := strings.IndexByte(text, open)
	if start < 0 {
		return nil, false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == open:
			depth++
		case ch == close:
			depth--
			if depth == 0 {
				candidate := text[start : i+1]
				if json.Valid([]byte(candidate)) {
					return json.RawMessage(candidate), true
				}
				return nil, false
			}
		}
	}
	return nil, false
}
