// Package loopdetector keeps a short per-session history of tool calls and
// blocks calls that repeat a recent task or keep producing low-quality output.
package loopdetector

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/tata/pkg/agent"
)

const (
	HistoryCapacity     = 10
	SameToolWindow      = 3
	ShortTaskChars      = 50
	ShortTaskOverlap    = 0.7
	VerbTaskOverlap     = 0.6
	FailureThreshold    = 2
	RecentMessageWindow = 5
)

// ImageGeneratorTool has extra discriminating parameters.
const ImageGeneratorTool = "image_generator"

const taskKey = "task_description"

// Quality is the classification of a tool result.
type Quality string

const (
	QualityUnknown Quality = ""
	QualityLow     Quality = "low"
	QualityHigh    Quality = "high"
)

// Reason names why a call was blocked.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonDuplicate   Reason = "duplicate"
	ReasonFailureLoop Reason = "failure_loop"
)

// Record is one remembered tool call.
type Record struct {
	Tool      string
	Params    map[string]interface{}
	Timestamp time.Time
	Result    string
	Quality   Quality
}

// Verdict is the outcome of a check. Question is the ask_human text to use
// when Blocked is true.
type Verdict struct {
	Blocked  bool
	Reason   Reason
	Question string
	// Note is fed back to the planner as loop_break_reason.
	Note string
}

// DuplicateDetector is consulted before every tool dispatch.
type DuplicateDetector interface {
	CheckDuplicate(tool string, params map[string]interface{}) Verdict
	CheckFailureLoop(tool string, params map[string]interface{}) Verdict
	Record(tool string, params map[string]interface{})
	RecordResult(tool, result string, quality Quality)
	RecentlyExecuted(tool string, messages []agent.Message, window int) bool
}

// DisplayNamer resolves a tool's user-facing name.
type DisplayNamer func(tool string) string

// Heuristic is the default DuplicateDetector.
type Heuristic struct {
	mu      sync.Mutex
	records []Record
	display DisplayNamer
	now     func() time.Time
}

// New creates a detector. display may be nil.
func New(display DisplayNamer) *Heuristic {
	if display == nil {
		display = func(tool string) string { return tool }
	}
	return &Heuristic{
		records: make([]Record, 0, HistoryCapacity),
		display: display,
		now:     time.Now,
	}
}

// Record appends a call to the ring buffer, evicting the oldest entry at capacity.
func (h *Heuristic) Record(tool string, params map[string]interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()

	copied := make(map[string]interface{}, len(params))
	for k, v := range params {
		copied[k] = v
	}

	h.records = append(h.records, Record{Tool: tool, Params: copied, Timestamp: h.now()})
	if len(h.records) > HistoryCapacity {
		h.records = h.records[len(h.records)-HistoryCapacity:]
	}
}

// RecordResult attaches a result to the most recent record of tool.
func (h *Heuristic) RecordResult(tool, result string, quality Quality) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := len(h.records) - 1; i >= 0; i-- {
		if h.records[i].Tool == tool {
			h.records[i].Result = result
			h.records[i].Quality = quality
			return
		}
	}
}

// Records returns a copy of the history, oldest first.
func (h *Heuristic) Records() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Record(nil), h.records...)
}

// CheckDuplicate blocks a call whose task matches one of the same tool's
// calls among the last SameToolWindow records.
func (h *Heuristic) CheckDuplicate(tool string, params map[string]interface{}) Verdict {
	task := taskOf(params)
	for _, r := range h.recent(tool) {
		if !TasksSimilar(task, taskOf(r.Params)) {
			continue
		}
		if tool == ImageGeneratorTool && imageParamsDiffer(params, r.Params) {
			continue
		}
		return Verdict{
			Blocked:  true,
			Reason:   ReasonDuplicate,
			Question: fmt.Sprintf("我刚刚已经使用了%s。您是希望调整之前的结果，还是有新的不同需求？请具体说明您的想法。", h.display(tool)),
			Note:     fmt.Sprintf("检测到%s工具重复调用，转为用户交互", tool),
		}
	}
	return Verdict{}
}

// CheckFailureLoop blocks a call when at least FailureThreshold of the recent
// similar calls of the same tool produced low-quality results.
func (h *Heuristic) CheckFailureLoop(tool string, params map[string]interface{}) Verdict {
	task := taskOf(params)

	failures := 0
	missingInfo := false
	for _, r := range h.recent(tool) {
		if r.Quality != QualityLow || !TasksSimilar(task, taskOf(r.Params)) {
			continue
		}
		failures++
		if strings.Contains(r.Result, "请提供") {
			missingInfo = true
		}
	}
	if failures < FailureThreshold {
		return Verdict{}
	}

	reason := "信息不足"
	if missingInfo {
		reason = "缺少关键信息"
	}

	return Verdict{
		Blocked: true,
		Reason:  ReasonFailureLoop,
		Question: fmt.Sprintf("我尝试使用%s来完成任务，但遇到了%s的问题。为了更好地帮助您，请提供一些具体信息：\n\n"+
			"1. 您希望我重点关注哪些方面？\n2. 有什么特殊要求或偏好？\n3. 是否需要调整任务的方向或范围？", h.display(tool), reason),
		Note: fmt.Sprintf("检测到%s工具失败循环，转为用户交互", tool),
	}
}

// RecentlyExecuted reports whether tool ran within the last window messages,
// either as a tool result, a declared tool call or a replayed completion marker.
func (h *Heuristic) RecentlyExecuted(tool string, messages []agent.Message, window int) bool {
	if tool == "" || len(messages) < 2 {
		return false
	}
	if window <= 0 {
		window = RecentMessageWindow
	}

	start := 0
	if len(messages) > window {
		start = len(messages) - window
	}

	marker := "工具执行完成: " + tool
	for _, m := range messages[start:] {
		if m.Role == agent.RoleTool && m.ToolName == tool {
			return true
		}
		for _, tc := range m.ToolCalls {
			if tc.Name == tool {
				return true
			}
		}
		if m.Role == agent.RoleAssistant && strings.Contains(m.Content, marker) {
			return true
		}
	}
	return false
}

// recent returns the records of tool among the last SameToolWindow records.
func (h *Heuristic) recent(tool string) []Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	start := 0
	if len(h.records) > SameToolWindow {
		start = len(h.records) - SameToolWindow
	}

	var out []Record
	for _, r := range h.records[start:] {
		if r.Tool == tool {
			out = append(out, r)
		}
	}
	return out
}

func taskOf(params map[string]interface{}) string {
	if params == nil {
		return ""
	}
	s, _ := params[taskKey].(string)
	return s
}

func imageParamsDiffer(a, b map[string]interface{}) bool {
	return stringParam(a, "image_style", "realistic") != stringParam(b, "image_style", "realistic") ||
		stringParam(a, "image_size", "1024x1024") != stringParam(b, "image_size", "1024x1024")
}

func stringParam(params map[string]interface{}, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

var _ DuplicateDetector = (*Heuristic)(nil)
