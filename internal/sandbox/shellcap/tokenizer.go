package shellcap

import "strings"

// operators recognized outside quotes, longest first so that ">>" is not
// consumed as two ">" tokens.
var operators = []string{"2>>", "1>>", "&&", "||", "<<", ">>", "2>", "&>", "1>", ";", "|", "<", ">"}

// segmentSeparators split a command line into independently classified
// segments.
var segmentSeparators = map[string]bool{"|": true, "||": true, "&&": true, ";": true}

// redirectionOps force ask-level review of a segment.
var redirectionOps = map[string]bool{"<": true, ">": true, ">>": true, "<<": true, "2>": true, "2>>": true, "&>": true, "1>": true, "1>>": true}

// tokenize splits a command respecting single quotes, double quotes (with
// backslash escapes), and shell operators. Quoted text stays a single token
// with the quotes stripped.
func tokenize(command string) []string {
	var tokens []string
	var current strings.Builder
	hasCurrent := false

	flush := func() {
		if hasCurrent {
			tokens = append(tokens, current.String())
			current.Reset()
			hasCurrent = false
		}
	}

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]

		switch ch {
		case '\'':
			hasCurrent = true
			for i++; i < len(runes) && runes[i] != '\''; i++ {
				current.WriteRune(runes[i])
			}
			continue
		case '"':
			hasCurrent = true
			for i++; i < len(runes) && runes[i] != '"'; i++ {
				if runes[i] == '\\' && i+1 < len(runes) {
					i++
					current.WriteRune(runes[i])
					continue
				}
				current.WriteRune(runes[i])
			}
			continue
		case ' ', '\t':
			flush()
			continue
		}

		if op, n := matchOperator(runes[i:]); n > 0 {
			flush()
			tokens = append(tokens, op)
			i += n - 1
			continue
		}

		hasCurrent = true
		current.WriteRune(ch)
	}
	flush()
	return tokens
}

// matchOperator returns the longest operator at the head of runes.
func matchOperator(runes []rune) (string, int) {
	head := string(runes)
	for _, op := range operators {
		if strings.HasPrefix(head, op) {
			return op, len(op)
		}
	}
	return "", 0
}

// splitSegments splits the token stream at pipe/logic/semicolon operators.
func splitSegments(tokens []string) [][]string {
	var segments [][]string
	var current []string
	for _, tok := range tokens {
		if segmentSeparators[tok] {
			if len(current) > 0 {
				segments = append(segments, current)
				current = nil
			}
			continue
		}
		current = append(current, tok)
	}
	if len(current) > 0 {
		segments = append(segments, current)
	}
	return segments
}

// hasExpansion reports shell expansion constructs that defeat static
// classification: backticks, $( ${ <( >(, or embedded newlines.
func hasExpansion(tokens []string) bool {
	for _, tok := range tokens {
		if strings.ContainsRune(tok, '`') ||
			strings.Contains(tok, "$(") ||
			strings.Contains(tok, "${") ||
			strings.Contains(tok, "<(") ||
			strings.Contains(tok, ">(") ||
			strings.ContainsRune(tok, '\n') {
			return true
		}
	}
	return false
}

// hasRedirection reports whether any token is a redirection operator.
func hasRedirection(tokens []string) bool {
	for _, tok := range tokens {
		if redirectionOps[tok] {
			return true
		}
	}
	return false
}

// matchesPatternAt reports whether the pattern tokens match the token stream
// starting at index i. Pattern tokens ending in "=" or beginning with "/"
// match as prefixes; all others match exactly.
func matchesPatternAt(tokens []string, i int, pattern []string) bool {
	if i+len(pattern) > len(tokens) {
		return false
	}
	for j, p := range pattern {
		tok := tokens[i+j]
		switch {
		case strings.HasSuffix(p, "="):
			if !strings.HasPrefix(tok, p) {
				return false
			}
		case strings.HasPrefix(p, "/"):
			if !strings.HasPrefix(tok, p) {
				return false
			}
		default:
			if tok != p {
				return false
			}
		}
	}
	return true
}

// containsPattern reports whether pattern occurs as a contiguous token
// subsequence anywhere in tokens.
func containsPattern(tokens []string, pattern []string) bool {
	if len(pattern) == 0 {
		return false
	}
	for i := 0; i+len(pattern) <= len(tokens); i++ {
		if matchesPatternAt(tokens, i, pattern) {
			return true
		}
	}
	return false
}

// startsWith reports whether segment begins with the given command tokens.
func startsWith(segment, command []string) bool {
	if len(command) == 0 || len(segment) < len(command) {
		return false
	}
	for i, c := range command {
		if segment[i] != c {
			return false
		}
	}
	return true
}
