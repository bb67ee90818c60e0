package toolexecutor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harun/tata/internal/observability"
	"github.com/harun/tata/internal/tracing"
	"github.com/harun/tata/pkg/agent"
	"github.com/harun/tata/pkg/contextbuilder"
	"github.com/harun/tata/pkg/loopdetector"
	"github.com/harun/tata/pkg/stream"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const callIDAlphabet = "0123456789abcdef"

// NewCallID returns a tool call id of the form call_<8 hex>.
func NewCallID() string {
	id, err := gonanoid.Generate(callIDAlphabet, 8)
	if err != nil {
		id = strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	return "call_" + id
}

// Dispatcher executes the tool requested by the planner and folds the
// result back into the conversation state.
type Dispatcher struct {
	tools  *ToolExecutor
	cities *CityValidator
	now    func() time.Time
}

// NewDispatcher creates a dispatcher. cities defaults to the embedded table.
func NewDispatcher(tools *ToolExecutor, cities *CityValidator) (*Dispatcher, error) {
	if tools == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if cities == nil {
		cities = DefaultCityValidator()
	}
	return &Dispatcher{tools: tools, cities: cities, now: time.Now}, nil
}

// Tools returns the registry the dispatcher executes against.
func (d *Dispatcher) Tools() *ToolExecutor {
	return d.tools
}

// Dispatch runs state.ToolName once and records the outcome. It never
// returns an error: unknown tools, blocked repeats and tool failures are
// written into the state for the planner or the user to handle.
func (d *Dispatcher) Dispatch(ctx context.Context, state *agent.State, detector loopdetector.DuplicateDetector, emit stream.Emitter) *agent.State {
	toolName := strings.TrimSpace(state.ToolName)
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("tool", toolName).Logger()

	ctx, span := tracing.StartSpan(ctx, tracing.TracerTools, "tool.dispatch", attribute.String("tool.name", toolName))
	defer span.End()

	if toolName == "" {
		err := fmt.Errorf("%w: no tool name", agent.ErrToolNotFound)
		logger.Warn().Err(err).Msg("Dispatch without tool name")
		span.RecordError(err)
		state.ErrorMessage = "没有指定要调用的工具"
		state.SetAction(agent.SelfUpdate())
		return state
	}

	if d.tools.GetTool(toolName) == nil {
		err := fmt.Errorf("%w: %s", agent.ErrToolNotFound, toolName)
		logger.Error().Err(err).Msg("Unknown tool requested")
		span.RecordError(err)
		state.ErrorMessage = "未知工具: " + toolName
		state.SetAction(agent.SelfUpdate())
		return state
	}

	if detector == nil {
		detector = loopdetector.New(d.tools.DisplayName)
	}

	params := state.ToolParams
	if params == nil {
		params = map[string]interface{}{}
	}

	for _, verdict := range []loopdetector.Verdict{
		detector.CheckFailureLoop(toolName, params),
		detector.CheckDuplicate(toolName, params),
	} {
		if !verdict.Blocked {
			continue
		}
		err := fmt.Errorf("%w: %s (%s)", agent.ErrLoopDetected, toolName, verdict.Reason)
		logger.Warn().Err(err).Msg("Tool call blocked, asking the user instead")
		span.SetAttributes(attribute.String("tool.blocked", string(verdict.Reason)))
		observability.RecordDetectorBlock(toolName, string(verdict.Reason))

		state.SetAction(agent.MustAskHuman(verdict.Question))
		state.LoopBreakReason = verdict.Note
		return state
	}

	detector.Record(toolName, params)

	callParams := params
	if d.tools.IsLLMBacked(toolName) {
		callParams = contextbuilder.EnhanceParams(state, toolName, params)
	}
	callParams = d.cities.CorrectParams(callParams)

	callID := NewCallID()
	display := d.tools.DisplayName(toolName)
	span.SetAttributes(attribute.String("tool.call_id", callID))

	emit.Emit(stream.NewToolEvent(stream.EventToolCall, toolName, "正在调用工具: "+toolName, callID, map[string]interface{}{
		"tool_name":         toolName,
		"tool_display_name": display,
		"params":            params,
		"call_id":           callID,
		"status":            "calling",
	}))

	res := d.tools.Execute(ctx, toolName, callParams)

	output := res.Output
	quality := ClassifyQuality(output)
	status := "completed"
	if !res.Success {
		err := fmt.Errorf("%w: %s", agent.ErrToolExecution, res.Error)
		logger.Error().Err(err).Dur("duration", res.Duration).Msg("Tool failed, recording a low-quality result")
		span.RecordError(err)
		span.SetStatus(codes.Error, res.Error)

		output = "工具执行失败: " + display
		quality = loopdetector.QualityLow
		status = "failed"
		state.ErrorMessage = "工具执行失败: " + res.Error
	}

	detector.RecordResult(toolName, output, quality)
	observability.RecordToolDispatch(toolName, string(quality), res.Duration)
	span.SetAttributes(attribute.String("tool.quality", string(quality)))

	if quality == loopdetector.QualityLow {
		logger.Warn().Int("result_chars", len(output)).Msg("Tool returned a low-quality result")
	}

	emit.Emit(stream.NewToolEvent(stream.EventToolResult, toolName, output, callID, map[string]interface{}{
		"tool_name":         toolName,
		"tool_display_name": display,
		"call_id":           callID,
		"status":            status,
		"quality":           string(quality),
		"truncated":         res.Truncated,
	}))

	if res.Success && quality == loopdetector.QualityHigh && !HasErrorPhrases(output) {
		if draftID, ok := ArchiveDraft(state, toolName, output, d.now()); ok {
			logger.Info().Str("draft_id", draftID).Int("chars", len(output)).Msg("Tool result archived as draft")
			emit.Emit(stream.NewEvent(stream.EventDraftUpdate, output, map[string]interface{}{
				"draft_id":  draftID,
				"tool_name": toolName,
			}))
		}
	}

	state.AppendMessage(agent.ToolMessage(toolName, callID, output))
	state.SetAction(agent.SelfUpdate())

	return state
}

