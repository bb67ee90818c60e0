package planner

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Strategy turns a model reply into a JSON object, reporting whether it could.
type Strategy interface {
	Name() string
	Parse(content string) (map[string]interface{}, bool)
}

type strategyFunc struct {
	name string
	fn   func(string) (map[string]interface{}, bool)
}

func (s strategyFunc) Name() string { return s.name }

func (s strategyFunc) Parse(content string) (map[string]interface{}, bool) { return s.fn(content) }

// ParseChain tries strategies in order and stops at the first success.
type ParseChain []Strategy

// DefaultChain is strict JSON, then a fenced code block, then brace repair.
func DefaultChain() ParseChain {
	return ParseChain{Strict(), Fenced(), BraceRepair()}
}

// Parse returns the decoded object and the name of the strategy that
// produced it.
func (c ParseChain) Parse(content string) (map[string]interface{}, string, bool) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, "", false
	}
	for _, s := range c {
		if obj, ok := s.Parse(content); ok {
			return obj, s.Name(), true
		}
	}
	return nil, "", false
}

// Strict accepts content that is exactly one JSON object.
func Strict() Strategy {
	return strategyFunc{name: "strict", fn: decodeObject}
}

var fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")

// Fenced accepts a JSON object inside a triple-backtick block, optionally
// tagged json. Every block is tried in order.
func Fenced() Strategy {
	return strategyFunc{name: "fenced", fn: func(content string) (map[string]interface{}, bool) {
		for _, m := range fencePattern.FindAllStringSubmatch(content, -1) {
			if obj, ok := decodeObject(m[1]); ok {
				return obj, true
			}
		}
		return nil, false
	}}
}

var trailingComma = regexp.MustCompile(`,\s*([}\]])`)

// BraceRepair strips fence markers, slices from the first '{' to the last
// '}' and drops trailing commas before decoding.
func BraceRepair() Strategy {
	return strategyFunc{name: "brace_repair", fn: func(content string) (map[string]interface{}, bool) {
		stripped := strings.NewReplacer("```json", "", "```JSON", "", "```", "").Replace(content)
		start := strings.Index(stripped, "{")
		end := strings.LastIndex(stripped, "}")
		if start < 0 || end <= start {
			return nil, false
		}
		candidate := stripped[start : end+1]
		if obj, ok := decodeObject(candidate); ok {
			return obj, true
		}
		return decodeObject(trailingComma.ReplaceAllString(candidate, "$1"))
	}}
}

func decodeObject(s string) (map[string]interface{}, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return nil, false
	}
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}
