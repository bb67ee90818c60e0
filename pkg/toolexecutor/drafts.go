package toolexecutor

import (
	"fmt"
	"time"

	"github.com/harun/tata/pkg/agent"
)

// DraftID derives an archive id from a tool name and a coarse timestamp.
func DraftID(tool string, now time.Time) string {
	return fmt.Sprintf("%s_%d", tool, now.Unix()%10000)
}

// ArchiveDraft stores result in state.DraftOutputs in archive order. It returns the new id, or
// false when identical content is already archived. An id collision with
// different content gets a numeric suffix.
func ArchiveDraft(state *agent.State, tool, result string, now time.Time) (string, bool) {
	if state.DraftOutputs == nil {
		state.DraftOutputs = map[string]string{}
	}

	for _, existing := range state.DraftOutputs {
		if existing == result {
			return "", false
		}
	}

	base := DraftID(tool, now)
	id := base
	for n := 2; ; n++ {
		if _, taken := state.DraftOutputs[id]; !taken {
			break
		}
		id = fmt.Sprintf("%s_%d", base, n)
	}

	state.AddDraft(id, result)
	return id, true
}
