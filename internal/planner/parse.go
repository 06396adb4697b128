package planner

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// parseModelJSON decodes a JSON document out of a model response. Models wrap
// JSON in prose, code fences or produce slightly broken syntax, so decoding
// runs through a pipeline: direct parse, repair, fenced-block extraction,
// then the first balanced object or array.
func parseModelJSON(raw string, v any) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("empty model response")
	}

	if err := json.Unmarshal([]byte(raw), v); err == nil {
		return nil
	}

	if fixed, err := jsonrepair.JSONRepair(raw); err == nil {
		if err := json.Unmarshal([]byte(fixed), v); err == nil {
			return nil
		}
	}

	if m := fencedBlock.FindStringSubmatch(raw); m != nil {
		inner := strings.TrimSpace(m[1])
		if err := json.Unmarshal([]byte(inner), v); err == nil {
			return nil
		}
		if fixed, err := jsonrepair.JSONRepair(inner); err == nil {
			if err := json.Unmarshal([]byte(fixed), v); err == nil {
				return nil
			}
		}
	}

	if balanced := extractBalanced(raw); balanced != "" {
		if err := json.Unmarshal([]byte(balanced), v); err == nil {
			return nil
		}
		if fixed, err := jsonrepair.JSONRepair(balanced); err == nil {
			if err := json.Unmarshal([]byte(fixed), v); err == nil {
				return nil
			}
		}
	}

	return fmt.Errorf("no JSON document found in model response")
}

// extractBalanced returns the first balanced {...} or [...] span, skipping
// brackets inside string literals.
func extractBalanced(s string) string {
	start := -1
	var open, close byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' {
			start, open, close = i, '{', '}'
			break
		}
		if s[i] == '[' {
			start, open, close = i, '[', ']'
			break
		}
	}
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
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
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
