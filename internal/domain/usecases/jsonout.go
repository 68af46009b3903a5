package usecases

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/0xcro3dile/coursetutor-go/internal/domain/errs"
)

// outputSchema validates JSON produced by the completion service before it is trusted.
type outputSchema struct {
	schema *gojsonschema.Schema
}

func mustSchema(def map[string]any) *outputSchema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid output schema: %v", err))
	}
	return &outputSchema{schema: s}
}

// decode extracts the JSON object from raw model text, validates it and unmarshals it into v.
// Every failure wraps errs.ErrMalformedOutput.
func (o *outputSchema) decode(raw string, v any) error {
	obj, ok := extractJSONObject(raw)
	if !ok {
		return fmt.Errorf("%w: no JSON object in output", errs.ErrMalformedOutput)
	}
	result, err := o.schema.Validate(gojsonschema.NewStringLoader(obj))
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrMalformedOutput, err)
	}
	if !result.Valid() {
		var details []string
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return fmt.Errorf("%w: %s", errs.ErrMalformedOutput, strings.Join(details, "; "))
	}
	if err := json.Unmarshal([]byte(obj), v); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrMalformedOutput, err)
	}
	return nil
}

// stripCodeFences removes a surrounding ``` or ```json fence.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// extractJSONObject returns the first balanced {...} object in s.
func extractJSONObject(s string) (string, bool) {
	s = stripCodeFences(s)
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
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
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
