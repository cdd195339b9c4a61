// Package jsonx repairs and parses possibly-truncated JSON returned by LLMs.
package jsonx

import (
	"encoding/json"
	"strings"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrMalformed is returned when no salvage strategy yields valid JSON.
var ErrMalformed = eris.New("jsonx: malformed_json")

// Salvage extracts a decodable JSON object from raw model output. It never
// returns partial text: the result is either a valid JSON document or an
// error wrapping ErrMalformed.
//
// Strategies, in order: direct parse of the fenced/bounded candidate, trailing
// comma removal, truncation repair (close open string and brackets), longest
// balanced prefix, and finally the json-repair library.
func Salvage(raw string) (json.RawMessage, error) {
	candidate := extractCandidate(raw)
	if candidate == "" {
		return nil, eris.Wrap(ErrMalformed, "no JSON object found")
	}

	if valid(candidate) {
		return json.RawMessage(candidate), nil
	}

	if fixed := stripTrailingCommas(candidate); valid(fixed) {
		zap.L().Debug("jsonx: salvaged via trailing comma removal")
		return json.RawMessage(fixed), nil
	}

	if fixed := closeTruncated(candidate); fixed != "" && valid(fixed) {
		zap.L().Debug("jsonx: salvaged via truncation repair")
		return json.RawMessage(fixed), nil
	}

	if prefix := balancedPrefix(candidate); prefix != "" && valid(prefix) {
		zap.L().Debug("jsonx: salvaged via balanced prefix")
		return json.RawMessage(prefix), nil
	}

	if repaired, err := jsonrepair.RepairJSON(candidate); err == nil && valid(repaired) {
		zap.L().Debug("jsonx: salvaged via json-repair")
		return json.RawMessage(repaired), nil
	}

	return nil, eris.Wrap(ErrMalformed, "all salvage strategies failed")
}

// SalvageInto salvages raw and decodes the result into v.
func SalvageInto(raw string, v any) error {
	data, err := Salvage(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return eris.Wrap(err, "jsonx: decode salvaged JSON")
	}
	return nil
}

func valid(s string) bool {
	return json.Valid([]byte(s))
}

// extractCandidate strips markdown fences and trims the input to the first
// '{' and the last '}'.
func extractCandidate(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(text, "}")
	if end > start {
		// Keep any tail beyond the last '}' out, but retain truncated input
		// (no closing brace at all) for the repair strategies.
		text = text[start : end+1]
	} else {
		text = text[start:]
	}
	return strings.TrimSpace(text)
}

// stripTrailingCommas removes commas that directly precede a closing brace
// or bracket, outside of string literals.
func stripTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}
		if c == ',' {
			// Look ahead past whitespace for a closer.
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\t' || s[j] == '\n' || s[j] == '\r') {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue // drop the comma
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// closeTruncated handles output cut off mid-stream: it truncates back to the
// end of the last complete value, drops a dangling comma or partial member,
// and appends the closing brackets the running depth requires.
func closeTruncated(s string) string {
	inString := false
	escaped := false
	lastComplete := -1 // index after the last complete value at any depth

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
				lastComplete = i + 1
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '}', ']':
			lastComplete = i + 1
		case 'e': // true/false closing char
			lastComplete = i + 1
		case 'l': // null closing char
			if i >= 3 && s[i-3:i+1] == "null" {
				lastComplete = i + 1
			}
		case '0', '1', '2', '3', '4', '5', '6', '7', '8', '9', '.':
			lastComplete = i + 1
		}
	}

	if lastComplete < 0 {
		return ""
	}

	out := strings.TrimRight(s[:lastComplete], " \t\r\n")
	// A complete value followed by ',' means the next member never arrived;
	// drop back to the value boundary.
	out = strings.TrimRight(out, ",")

	for _, closer := range closersAt(out, len(out)) {
		out += string(closer)
	}
	return out
}

// closersAt recomputes the open-bracket stack of s[:pos] ignoring strings.
func closersAt(s string, pos int) []byte {
	inString := false
	escaped := false
	var stack []byte
	for i := 0; i < pos && i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	// Reverse so callers can append in order.
	for i, j := 0, len(stack)-1; i < j; i, j = i+1, j-1 {
		stack[i], stack[j] = stack[j], stack[i]
	}
	return stack
}

// balancedPrefix scans left to right tracking depth outside strings and
// returns the longest prefix where every opened brace closed.
func balancedPrefix(s string) string {
	inString := false
	escaped := false
	depth := 0
	lastBalanced := -1

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				lastBalanced = i
			}
		}
	}

	if lastBalanced < 0 {
		return ""
	}
	return s[:lastBalanced+1]
}
