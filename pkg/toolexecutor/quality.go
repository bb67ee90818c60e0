package toolexecutor

import (
	"strings"
	"unicode/utf8"

	"github.com/harun/tata/pkg/loopdetector"
)

const (
	minQualityChars    = 100
	politeRequestChars = 200
	maxRequestWords    = 2
)

var lowQualityIndicators = []string{
	"请提供", "需要更多信息", "无法", "抱歉", "please provide",
	"需要您", "缺少", "不够清楚", "为了", "我们需要了解",
}

var errorPhrases = []string{"请提供", "需要更多信息", "无法", "错误", "抱歉"}

// ClassifyQuality grades a tool result. Short results, results asking the
// user for more information and results that keep requesting input are low.
func ClassifyQuality(result string) loopdetector.Quality {
	lower := strings.ToLower(result)
	length := utf8.RuneCountInString(result)

	for _, indicator := range lowQualityIndicators {
		if strings.Contains(lower, indicator) {
			return loopdetector.QualityLow
		}
	}

	if length < minQualityChars {
		return loopdetector.QualityLow
	}

	if strings.Count(lower, "提供") > maxRequestWords ||
		strings.Count(lower, "需要") > maxRequestWords ||
		(strings.Contains(lower, "请") && length < politeRequestChars) {
		return loopdetector.QualityLow
	}

	return loopdetector.QualityHigh
}

// HasErrorPhrases reports whether a result reads like an error or apology.
func HasErrorPhrases(result string) bool {
	lower := strings.ToLower(result)
	for _, phrase := range errorPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
