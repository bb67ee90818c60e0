package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/harun/tata/internal/observability"
	"github.com/harun/tata/internal/tracing"
	"github.com/harun/tata/pkg/agent"
	"github.com/harun/tata/pkg/commandqueue"
	"github.com/harun/tata/pkg/loopdetector"
	"github.com/harun/tata/pkg/router"
	"github.com/harun/tata/pkg/session"
	"github.com/harun/tata/pkg/stream"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const detectorIdleTTL = 2 * time.Hour

// Config tunes the runner.
type Config struct {
	MaxIterations int
	StreamBuffer  int
}

// Deps are the collaborators of a Runner. Initializer, Planner, Dispatcher
// and Store are required.
type Deps struct {
	Initializer StateInitializer
	Planner     Planner
	Dispatcher  Dispatcher
	Store       session.Store
	// Queue serializes turns per session; a private queue is created when nil.
	Queue *commandqueue.Queue
	// NewDetector builds the per-session duplicate detector.
	NewDetector func() loopdetector.DuplicateDetector
}

type detectorEntry struct {
	detector loopdetector.DuplicateDetector
	lastUsed time.Time
}

// Runner executes turns.
type Runner struct {
	init        StateInitializer
	planner     Planner
	dispatcher  Dispatcher
	store       session.Store
	queue       *commandqueue.Queue
	ownQueue    bool
	newDetector func() loopdetector.DuplicateDetector
	cfg         Config
	now         func() time.Time

	mu        sync.Mutex
	detectors map[string]*detectorEntry
}

// New creates a runner.
func New(deps Deps, cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	switch {
	case deps.Initializer == nil:
		return nil, fmt.Errorf("initializer is required")
	case deps.Planner == nil:
		return nil, fmt.Errorf("planner is required")
	case deps.Dispatcher == nil:
		return nil, fmt.Errorf("dispatcher is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("session store is required")
	}

	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = stream.DefaultBuffer
	}

	r := &Runner{
		init:        deps.Initializer,
		planner:     deps.Planner,
		dispatcher:  deps.Dispatcher,
		store:       deps.Store,
		queue:       deps.Queue,
		newDetector: deps.NewDetector,
		cfg:         cfg,
		now:         time.Now,
		detectors:   make(map[string]*detectorEntry),
	}
	if r.queue == nil {
		r.queue = commandqueue.New()
		r.ownQueue = true
	}
	if r.newDetector == nil {
		r.newDetector = func() loopdetector.DuplicateDetector { return loopdetector.New(nil) }
	}
	return r, nil
}

// Close releases the private queue, if any.
func (r *Runner) Close() error {
	if r.ownQueue {
		return r.queue.Close()
	}
	return nil
}

// Store returns the session store.
func (r *Runner) Store() session.Store {
	return r.store
}

// Run executes one turn and returns its result. Turns of the same session
// are serialized.
func (r *Runner) Run(ctx context.Context, input TurnInput) (*TurnResult, error) {
	input, err := r.prepare(input)
	if err != nil {
		return nil, err
	}
	return r.enqueue(ctx, input, nil)
}

// RunStream executes one turn in the background and returns its events. The
// channel ends with an interactive_pause, final or error frame and is then
// closed.
func (r *Runner) RunStream(ctx context.Context, input TurnInput) (<-chan stream.Event, error) {
	input, err := r.prepare(input)
	if err != nil {
		return nil, err
	}

	pipe := stream.NewPipeline(ctx, r.cfg.StreamBuffer)
	pipe.Emit(stream.NewEvent(stream.EventConnection, "连接已建立", map[string]interface{}{
		"session_id": input.SessionID,
	}))

	go func() {
		defer pipe.Close()

		result, err := r.enqueue(ctx, input, pipe.Emitter())
		if err != nil {
			log.Error().Err(err).Str("session_id", input.SessionID).Msg("Streaming turn failed")
			pipe.Emit(stream.NewEvent(stream.EventError, err.Error(), map[string]interface{}{
				"session_id": input.SessionID,
			}))
			return
		}
		pipe.Emit(finalEvent(result))
	}()

	return pipe.Events(), nil
}

func (r *Runner) prepare(input TurnInput) (TurnInput, error) {
	input.Message = strings.TrimSpace(input.Message)
	if input.Message == "" {
		return input, ErrEmptyMessage
	}
	if input.SessionID == "" {
		input.SessionID = session.NewSessionID(r.now())
	}
	return input, nil
}

func (r *Runner) enqueue(ctx context.Context, input TurnInput, emit stream.Emitter) (*TurnResult, error) {
	var opts *commandqueue.TaskOptions
	if input.RequestID != "" {
		opts = &commandqueue.TaskOptions{RequestID: input.SessionID + "/" + input.RequestID}
	}

	v, err := r.queue.Enqueue(ctx, commandqueue.SessionLane(input.SessionID), func(ctx context.Context) (interface{}, error) {
		return r.turn(ctx, input, emit), nil
	}, opts)
	if err != nil {
		return nil, err
	}
	result, ok := v.(*TurnResult)
	if !ok {
		return nil, errors.New("unexpected turn result")
	}
	return result, nil
}

func (r *Runner) turn(ctx context.Context, input TurnInput, emit stream.Emitter) *TurnResult {
	ctx = tracing.NewTurnContext(ctx, input.SessionID, input.UserID)
	ctx, span := tracing.StartSpan(ctx, tracing.TracerOrchestrator, "orchestrator.turn",
		attribute.String("session_id", input.SessionID))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("component", "orchestrator").Logger()
	start := time.Now()
	observability.TurnStarted()

	// persistence outlives a caller that went away mid-turn
	persistCtx := context.WithoutCancel(ctx)

	state := r.loadState(persistCtx, input)
	r.appendVisible(persistCtx, input.SessionID, string(agent.RoleUser), input.Message, nil)
	detector := r.detector(input.SessionID)

	logger.Info().Int("messages", len(state.Messages)).Msg("Turn started")

	node := router.NodePlanning
	iterations := 0
	for iterations < r.cfg.MaxIterations {
		iterations++
		node, state = r.pass(ctx, state, detector, emit, iterations)
		r.persist(persistCtx, input, state)

		if node.IsTerminal() {
			break
		}
	}

	outcome := string(node)
	if !node.IsTerminal() {
		logger.Warn().Int("iterations", iterations).Msg("Iteration budget exhausted")
		state.SetAction(agent.Finish(ExhaustedAnswer))
		state.FinalAnswer = ExhaustedAnswer
		node = router.NodeFinished
		outcome = "exhausted"
		span.SetStatus(codes.Error, "iteration budget exhausted")
	}

	r.persist(persistCtx, input, state)

	visible := state.UserVisibleAnswer()
	if visible != "" && visible != input.Message {
		role, meta := session.RoleAI, map[string]interface{}(nil)
		if state.IsInteractivePause {
			role = session.RoleAIPause
			meta = map[string]interface{}{"is_interactive_pause": true}
		}
		r.appendVisible(persistCtx, input.SessionID, role, visible, meta)
	}

	observability.RecordTurn(outcome, iterations, time.Since(start))
	span.SetAttributes(
		attribute.Int("turn.iterations", iterations),
		attribute.String("turn.outcome", outcome),
	)
	logger.Info().
		Int("iterations", iterations).
		Str("outcome", outcome).
		Dur("duration", time.Since(start)).
		Msg("Turn finished")

	return &TurnResult{
		SessionID:     input.SessionID,
		FinalAnswer:   visible,
		HumanQuestion: state.HumanQuestion,
		Paused:        state.IsInteractivePause,
		Finished:      node == router.NodeFinished,
		Iterations:    iterations,
		Agenda:        state.AgendaDoc,
		Drafts:        copyDrafts(state.DraftOutputs),
		SessionMemory: state.SessionMemory,
	}
}

// pass runs initializer, planner, router and, when asked, the tool
// dispatcher once. A panic anywhere in the pass pauses the turn with
// ProcessingErrorAnswer.
func (r *Runner) pass(ctx context.Context, state *agent.State, detector loopdetector.DuplicateDetector, emit stream.Emitter, iteration int) (node router.Node, out *agent.State) {
	out = state
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Str("stack", string(debug.Stack())).
				Int("iteration", iteration).
				Msg("Recovered from panic in turn pass")
			if out == nil {
				out = state
			}
			out.ErrorMessage = fmt.Sprintf("panic: %v", rec)
			out.Pause(ProcessingErrorAnswer)
			node = router.NodePaused
		}
	}()

	r.init.Initialize(out)
	out = r.planner.Plan(ctx, out, detector)

	emit.Emit(stream.NewEvent(stream.EventThinking, "正在规划下一步...", map[string]interface{}{
		"iteration": iteration,
		"action":    string(out.ActionNeeded),
		"tool_name": out.ToolName,
	}))

	node, out = router.Route(out)
	if node != router.NodeToolExec {
		return node, out
	}

	out = r.dispatcher.Dispatch(ctx, out, detector, emit)
	node, out = router.Route(out)
	return node, out
}

func (r *Runner) loadState(ctx context.Context, input TurnInput) *agent.State {
	snap, err := r.store.Load(ctx, input.SessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", input.SessionID).Msg("Failed to load session, starting fresh")
	}
	if snap == nil || snap.State == nil {
		return agent.NewState(input.Message)
	}

	state := snap.State
	state.ResetForTurn(input.Message)
	if last, ok := state.LastMessage(); !ok || last.Role != agent.RoleUser || last.Content != input.Message {
		state.AppendMessage(agent.UserMessage(input.Message))
	}
	return state
}

func (r *Runner) persist(ctx context.Context, input TurnInput, state *agent.State) {
	if err := r.store.Save(ctx, input.SessionID, session.Snapshot{UserID: input.UserID, State: state}); err != nil {
		log.Error().Err(err).Str("session_id", input.SessionID).Msg("Failed to persist session state")
	}
}

func (r *Runner) appendVisible(ctx context.Context, sessionID, role, content string, meta map[string]interface{}) {
	if err := r.store.AppendMessage(ctx, sessionID, role, content, meta); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Str("role", role).Msg("Failed to append session message")
	}
}

// detector returns the duplicate detector of a session, dropping detectors
// of sessions idle for longer than detectorIdleTTL.
func (r *Runner) detector(sessionID string) loopdetector.DuplicateDetector {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for id, e := range r.detectors {
		if id != sessionID && now.Sub(e.lastUsed) > detectorIdleTTL {
			delete(r.detectors, id)
		}
	}

	e, ok := r.detectors[sessionID]
	if !ok {
		e = &detectorEntry{detector: r.newDetector()}
		r.detectors[sessionID] = e
	}
	e.lastUsed = now
	return e.detector
}

func finalEvent(result *TurnResult) stream.Event {
	meta := map[string]interface{}{
		"session_id":     result.SessionID,
		"agenda":         result.Agenda,
		"draft_contents": result.Drafts,
		"iterations":     result.Iterations,
	}
	if result.Paused {
		content := result.HumanQuestion
		if content == "" {
			content = result.FinalAnswer
		}
		if content == "" {
			content = stream.DefaultPauseContent
		}
		return stream.NewEvent(stream.EventInteractivePause, content, meta)
	}
	return stream.NewEvent(stream.EventFinal, result.FinalAnswer, meta)
}

func copyDrafts(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
