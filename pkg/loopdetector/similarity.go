package loopdetector

import (
	"strings"
	"unicode/utf8"
)

var actionVerbs = []string{"制定", "规划", "生成", "创作", "分析", "写", "画", "设计"}

// TasksSimilar reports whether two task descriptions ask for the same work.
// Empty descriptions are never similar.
func TasksSimilar(a, b string) bool {
	a = normalize(a)
	b = normalize(b)
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}

	if utf8.RuneCountInString(a) < ShortTaskChars && utf8.RuneCountInString(b) < ShortTaskChars {
		tokensA := strings.Fields(a)
		common := intersect(tokenSet(tokensA), tokenSet(strings.Fields(b)))
		if float64(common) > float64(len(tokensA))*ShortTaskOverlap {
			return true
		}
	}

	verbsA := verbsIn(a)
	if len(verbsA) > 0 && equalStrings(verbsA, verbsIn(b)) {
		setA := tokenSet(strings.Fields(stripSeparators(a)))
		setB := tokenSet(strings.Fields(stripSeparators(b)))
		denom := len(setA)
		if len(setB) > denom {
			denom = len(setB)
		}
		if denom == 0 {
			denom = 1
		}
		if float64(intersect(setA, setB))/float64(denom) > VerbTaskOverlap {
			return true
		}
	}

	return false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func stripSeparators(s string) string {
	return strings.NewReplacer("，", " ", "。", " ").Replace(s)
}

func verbsIn(s string) []string {
	var out []string
	for _, v := range actionVerbs {
		if strings.Contains(s, v) {
			out = append(out, v)
		}
	}
	return out
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

func intersect(a, b map[string]struct{}) int {
	n := 0
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
