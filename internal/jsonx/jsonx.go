// Package jsonx extracts and decodes JSON objects embedded in LLM output,
// which often arrives wrapped in prose or fenced code blocks and is
// occasionally malformed.
package jsonx

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ExtractObject returns the first balanced JSON object found in text.
// Fenced code blocks are preferred; otherwise a depth-counted brace walk
// that respects string and escape state finds the object.
func ExtractObject(text string) (string, bool) {
	if block, ok := extractFenced(text); ok {
		if obj, ok := extractBalanced(block); ok {
			return obj, true
		}
	}
	return extractBalanced(text)
}

// Decode extracts the first JSON object in text and unmarshals it into out.
// When plain decoding fails the object is run through jsonrepair once.
func Decode(text string, out any) error {
	obj, ok := ExtractObject(text)
	if !ok {
		return &json.SyntaxError{}
	}
	if err := json.Unmarshal([]byte(obj), out); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(obj)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(repaired), out)
}

// extractFenced returns the contents of the first ``` fenced block.
func extractFenced(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	rest := text[start+3:]
	// Skip an optional language tag up to the first newline.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

// extractBalanced walks text counting brace depth, honoring strings and
// escapes, and returns the first complete top-level object.
func extractBalanced(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
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
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1], true
				}
			}
		}
	}
	return "", false
}
