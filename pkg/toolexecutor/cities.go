package toolexecutor

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed cities.yaml
var cityTable []byte

// CityParams are the parameter keys holding city names.
var CityParams = []string{"cities", "city", "origin", "destination", "destinations", "location", "locations"}

const (
	maxCityEditDistance = 2
	minFuzzyLetters     = 4
)

var lowercaseParticles = map[string]bool{
	"of": true, "de": true, "la": true, "del": true, "du": true,
	"des": true, "le": true, "von": true, "van": true,
	"the": true, "and": true,
}

// CityValidator corrects city names against a small alias table.
type CityValidator struct {
	aliases map[string]string
	keys    []string
}

var (
	defaultCities     *CityValidator
	defaultCitiesOnce sync.Once
)

// DefaultCityValidator returns the validator built from the embedded table.
func DefaultCityValidator() *CityValidator {
	defaultCitiesOnce.Do(func() {
		v, err := NewCityValidator(cityTable)
		if err != nil {
			log.Error().Err(err).Msg("Embedded city table is invalid, city correction disabled")
			v = &CityValidator{aliases: map[string]string{}}
		}
		defaultCities = v
	})
	return defaultCities
}

// NewCityValidator parses a YAML alias table.
func NewCityValidator(data []byte) (*CityValidator, error) {
	var table struct {
		Aliases map[string]string `yaml:"aliases"`
	}
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse city table: %w", err)
	}

	v := &CityValidator{aliases: make(map[string]string, len(table.Aliases))}
	for k, name := range table.Aliases {
		key := strings.ToLower(strings.TrimSpace(k))
		v.aliases[key] = name
		v.keys = append(v.keys, key)
	}
	sort.Strings(v.keys)

	return v, nil
}

// Correct returns the canonical spelling of a city name.
func (v *CityValidator) Correct(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return name
	}

	lower := strings.ToLower(trimmed)
	if canonical, ok := v.aliases[lower]; ok {
		return canonical
	}

	letters := lettersOnly(lower)
	if len(letters) >= minFuzzyLetters {
		for _, key := range v.keys {
			candidate := lettersOnly(key)
			if len(candidate) < minFuzzyLetters {
				continue
			}
			if candidate == letters || editDistance(letters, candidate) <= maxCityEditDistance {
				return v.aliases[key]
			}
		}
	}

	return titleCase(trimmed)
}

// CorrectParams returns a copy of params with city names corrected. Strings
// and lists of strings are handled; other values are left alone.
func (v *CityValidator) CorrectParams(params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}

	out := make(map[string]interface{}, len(params))
	for k, val := range params {
		out[k] = val
	}

	for _, key := range CityParams {
		switch val := out[key].(type) {
		case string:
			out[key] = v.Correct(val)
		case []string:
			corrected := make([]string, len(val))
			for i, c := range val {
				corrected[i] = v.Correct(c)
			}
			out[key] = corrected
		case []interface{}:
			corrected := make([]interface{}, len(val))
			for i, c := range val {
				if s, ok := c.(string); ok {
					corrected[i] = v.Correct(s)
				} else {
					corrected[i] = c
				}
			}
			out[key] = corrected
		}
	}

	return out
}

func lettersOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < unicode.MaxASCII && unicode.IsLetter(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

func titleCase(name string) string {
	words := strings.Fields(name)
	for i, w := range words {
		lower := strings.ToLower(w)
		if i > 0 && lowercaseParticles[lower] {
			words[i] = lower
			continue
		}
		r := []rune(lower)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) < len(rb) {
		ra, rb = rb, ra
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i, ca := range ra {
		curr := make([]int, len(rb)+1)
		curr[0] = i + 1
		for j, cb := range rb {
			cost := 1
			if ca == cb {
				cost = 0
			}
			curr[j+1] = min(prev[j+1]+1, curr[j]+1, prev[j]+cost)
		}
		prev = curr
	}
	return prev[len(rb)]
}
