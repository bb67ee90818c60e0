package contextbuilder

import (
	"regexp"
	"strings"
)

// GoalMarker tags the agenda line holding the overall goal.
const GoalMarker = "@overall_goal"

// DefaultGoal is used when the agenda carries no goal line.
const DefaultGoal = "未明确核心目标"

var (
	goalPattern       = regexp.MustCompile(`- \[.\] (.+?) @overall_goal`)
	pendingPattern    = regexp.MustCompile(`(?m)- \[ \] (.+)$`)
	inProgressPattern = regexp.MustCompile(`(?m)- \[-\] (.+)$`)
	completedPattern  = regexp.MustCompile(`- \[x\] (.+?) \(结果: (.+?)\)`)
)

// CompletedTask is a `- [x] task (结果: result)` agenda line.
type CompletedTask struct {
	Task   string `json:"task"`
	Result string `json:"result"`
}

// Agenda is the parsed checklist document.
type Agenda struct {
	Goal       string          `json:"goal"`
	Pending    []string        `json:"pending"`
	InProgress []string        `json:"in_progress"`
	Completed  []CompletedTask `json:"completed"`
}

// ParseAgenda extracts the goal and the task lists from an agenda document.
// The goal line is excluded from Pending.
func ParseAgenda(doc string) Agenda {
	a := Agenda{Goal: DefaultGoal}

	if m := goalPattern.FindStringSubmatch(doc); m != nil {
		a.Goal = strings.TrimSpace(m[1])
	}

	for _, m := range pendingPattern.FindAllStringSubmatch(doc, -1) {
		task := strings.TrimSpace(m[1])
		if strings.Contains(task, GoalMarker) {
			continue
		}
		a.Pending = append(a.Pending, task)
	}

	for _, m := range inProgressPattern.FindAllStringSubmatch(doc, -1) {
		a.InProgress = append(a.InProgress, strings.TrimSpace(m[1]))
	}

	for _, m := range completedPattern.FindAllStringSubmatch(doc, -1) {
		a.Completed = append(a.Completed, CompletedTask{
			Task:   strings.TrimSpace(m[1]),
			Result: strings.TrimSpace(m[2]),
		})
	}

	return a
}

// SeedAgenda returns the initial agenda for a new session.
func SeedAgenda(query string) string {
	return "- [ ] " + strings.TrimSpace(query) + " " + GoalMarker
}
