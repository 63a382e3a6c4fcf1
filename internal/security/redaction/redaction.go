// Package redaction centralizes secret scrubbing for every egress path:
// audit records, log lines, tool output, and error strings.
package redaction

import "strings"

const Placeholder = "[REDACTED]"

var (
	// nonSensitiveTokenKeys captures usage/config fields that contain the word
	// "token" but are not secrets (e.g. usage counters).
	nonSensitiveTokenKeys = map[string]struct{}{
		"tokens":            {},
		"token_count":       {},
		"tokens_used":       {},
		"total_tokens":      {},
		"input_tokens":      {},
		"output_tokens":     {},
		"prompt_tokens":     {},
		"completion_tokens": {},
		"max_tokens":        {},
		"token_budget":      {},
		"token_limit":       {},
	}

	sensitiveKeyFragments    = []string{"secret", "password", "authorization", "cookie", "credential", "session"}
	sensitiveValueIndicators = []string{"bearer ", "ghp_", "sk-", "xoxb-", "xoxp-", "-----begin", "api_key", "apikey", "access_token", "refresh_token"}
)

// IsSensitiveKey reports whether the provided key name likely references sensitive data.
func IsSensitiveKey(key string) bool {
	lowerKey := strings.ToLower(strings.TrimSpace(key))
	if lowerKey == "" {
		return false
	}

	if _, ok := nonSensitiveTokenKeys[lowerKey]; ok {
		return false
	}

	if isLikelyTokenKey(lowerKey) || isLikelyKeyMaterialKey(lowerKey) {
		return true
	}

	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lowerKey, fragment) {
			return true
		}
	}
	return false
}

// LooksLikeSecret reports whether the provided value appears to contain secret material.
func LooksLikeSecret(value string) bool {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return false
	}

	lowerValue := strings.ToLower(trimmed)
	for _, indicator := range sensitiveValueIndicators {
		if strings.Contains(lowerValue, indicator) {
			return true
		}
	}

	if len(trimmed) >= 40 && !strings.ContainsAny(trimmed, " \n\t") {
		return true
	}

	return false
}

// RedactStringValue returns a redacted placeholder if the key or value appear sensitive.
func RedactStringValue(key, value string) string {
	if value == "" {
		return value
	}

	if IsSensitiveKey(key) || LooksLikeSecret(value) {
		return Placeholder
	}

	return value
}

// RedactMap clones and redacts the provided parameter map. Only string values
// are inspected; nested structures pass through untouched.
func RedactMap(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}

	sanitized := make(map[string]any, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			sanitized[k] = RedactStringValue(k, s)
			continue
		}
		sanitized[k] = v
	}
	return sanitized
}

// Sanitize scrubs inline secret material from free text such as command
// output or error messages. Known secret values are replaced wherever they
// occur; additionally any token that looks like key material is masked.
func Sanitize(text string, knownSecrets []string) string {
	if text == "" {
		return text
	}
	for _, secret := range knownSecrets {
		if secret == "" {
			continue
		}
		text = strings.ReplaceAll(text, secret, Placeholder)
	}
	fields := strings.Fields(text)
	for _, f := range fields {
		if hasSecretPrefix(f) {
			text = strings.ReplaceAll(text, f, Placeholder)
		}
	}
	return text
}

func hasSecretPrefix(token string) bool {
	lower := strings.ToLower(token)
	for _, prefix := range []string{"ghp_", "sk-", "xoxb-", "xoxp-"} {
		if strings.HasPrefix(lower, prefix) && len(token) > len(prefix)+8 {
			return true
		}
	}
	return false
}

func isLikelyTokenKey(key string) bool {
	if key == "token" || strings.HasPrefix(key, "token_") || strings.HasSuffix(key, "_token") {
		return true
	}

	switch {
	case strings.Contains(key, "access_token"),
		strings.Contains(key, "refresh_token"),
		strings.Contains(key, "auth_token"),
		strings.Contains(key, "session_token"),
		strings.Contains(key, "bearer_token"):
		return true
	}

	return false
}

func isLikelyKeyMaterialKey(key string) bool {
	if key == "key" || strings.HasPrefix(key, "key_") || strings.HasSuffix(key, "_key") {
		return true
	}

	switch {
	case strings.Contains(key, "api_key"),
		strings.Contains(key, "apikey"),
		strings.Contains(key, "private_key"),
		strings.Contains(key, "ssh_key"):
		return true
	}

	return false
}
