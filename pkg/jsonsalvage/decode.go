// Package jsonsalvage recovers JSON documents from noisy language-model output.
package jsonsalvage

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoJSON is returned when no parseable JSON value can be recovered lexically.
var ErrNoJSON = errors.New("jsonsalvage: no JSON value found")

// maxCandidates bounds how many balanced blocks are tried per input.
const maxCandidates = 64

var (
	smartQuotes = strings.NewReplacer(
		"“", `"`, "”", `"`, "„", `"`, "‟", `"`,
		"‘", "'", "’", "'", "‚", "'", "‛", "'",
	)
	splitFraction = regexp.MustCompile(`(\d)[ \t]*\r?\n[ \t]*(\.\d)`)
	splitDecimal  = regexp.MustCompile(`(\d\.)[ \t]*\r?\n[ \t]*(\d)`)
)

// Decode runs the lexical salvage pipeline over raw and returns the parsed value.
// It never calls out to a model; see Salvager for the repair-prompt loop.
func Decode(raw string) (interface{}, error) {
	text := strings.TrimSpace(strings.TrimPrefix(raw, "\ufeff"))
	if text == "" {
		return nil, ErrNoJSON
	}
	if value, ok := parse(escapeLaTeX(text)); ok {
		return value, nil
	}

	body := stripCodeFence(text)
	value, err := salvageText(body)
	if err != nil && body != text {
		value, err = salvageText(text)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func salvageText(text string) (interface{}, error) {
	if value, ok := parse(escapeLaTeX(text)); ok {
		return value, nil
	}

	text = smartQuotes.Replace(text)
	if value, ok := parse(escapeLaTeX(text)); ok {
		return value, nil
	}

	var (
		best     interface{}
		bestSpan int
		found    bool
	)
	tried := 0
	for start := 0; start < len(text) && tried < maxCandidates; start++ {
		if text[start] != '{' && text[start] != '[' {
			continue
		}
		end, ok := balancedEnd(text, start)
		if !ok {
			continue
		}
		tried++
		value, ok := parse(repairCandidate(text[start:end]))
		if !ok {
			continue
		}
		if span := end - start; !found || span > bestSpan {
			best, bestSpan, found = value, span, true
		}
		// Blocks nested inside an accepted block can never be larger than it.
		start = end - 1
	}
	if !found {
		return nil, ErrNoJSON
	}
	return best, nil
}

func parse(text string) (interface{}, bool) {
	var value interface{}
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return nil, false
	}
	switch value.(type) {
	case map[string]interface{}, []interface{}:
		return value, true
	default:
		return nil, false
	}
}

// stripCodeFence returns the body of the first fenced block, or text unchanged when none exists.
func stripCodeFence(text string) string {
	open := strings.Index(text, "```")
	if open < 0 {
		return text
	}
	body := text[open+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		tag := strings.TrimSpace(body[:nl])
		if tag == "" || isFenceTag(tag) {
			body = body[nl+1:]
		}
	} else {
		body = strings.TrimPrefix(strings.TrimPrefix(body, "json"), "JSON")
	}
	if closeIdx := strings.Index(body, "```"); closeIdx >= 0 {
		body = body[:closeIdx]
	}
	return strings.TrimSpace(body)
}

func isFenceTag(tag string) bool {
	for _, r := range tag {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}

// balancedEnd scans from start (a '{' or '[') and returns the index just past its matching closer.
func balancedEnd(text string, start int) (int, bool) {
	stack := make([]byte, 0, 16)
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) == 0 {
				return 0, false
			}
			open := stack[len(stack)-1]
			if (c == '}' && open != '{') || (c == ']' && open != '[') {
				return 0, false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

// repairCandidate restores LaTeX backslashes before control characters are escaped, so a raw
// newline in the candidate can never be mistaken for a "\n" command prefix.
func repairCandidate(candidate string) string {
	candidate = escapeLaTeX(candidate)
	candidate = repairStrings(candidate)
	candidate = removeTrailingCommas(candidate)
	candidate = splitFraction.ReplaceAllString(candidate, "$1$2")
	candidate = splitDecimal.ReplaceAllString(candidate, "$1$2")
	return candidate
}

// repairStrings escapes raw control characters and invalid backslash escapes inside string literals.
func repairStrings(candidate string) string {
	var b strings.Builder
	b.Grow(len(candidate) + 16)
	inString := false
	for i := 0; i < len(candidate); i++ {
		c := candidate[i]
		if !inString {
			if c == '"' {
				inString = true
			}
			b.WriteByte(c)
			continue
		}
		switch {
		case c == '"':
			inString = false
			b.WriteByte(c)
		case c == '\\':
			if i+1 >= len(candidate) {
				b.WriteString(`\\`)
				continue
			}
			next := candidate[i+1]
			switch {
			case strings.IndexByte(`"\/bfnrt`, next) >= 0:
				b.WriteByte(c)
				b.WriteByte(next)
				i++
			case next == 'u' && i+5 < len(candidate) && isHex4(candidate[i+2:i+6]):
				b.WriteString(candidate[i : i+6])
				i += 5
			default:
				b.WriteString(`\\`)
			}
		case c < 0x20:
			b.WriteString(controlEscape(c))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func controlEscape(c byte) string {
	switch c {
	case '\n':
		return `\n`
	case '\r':
		return `\r`
	case '\t':
		return `\t`
	case '\b':
		return `\b`
	case '\f':
		return `\f`
	default:
		return fmt.Sprintf(`\u%04x`, c)
	}
}

func isHex4(s string) bool {
	if len(s) != 4 {
		return false
	}
	for i := 0; i < 4; i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

// removeTrailingCommas drops commas that directly precede a closing brace or bracket, outside strings.
func removeTrailingCommas(candidate string) string {
	var b strings.Builder
	b.Grow(len(candidate))
	inString := false
	escaped := false
	for i := 0; i < len(candidate); i++ {
		c := candidate[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			b.WriteByte(c)
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(candidate) && isSpace(candidate[j]) {
				j++
			}
			if j < len(candidate) && (candidate[j] == '}' || candidate[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
