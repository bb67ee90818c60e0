package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/harun/tata/internal/config"
	"github.com/harun/tata/internal/logger"
	"github.com/harun/tata/internal/observability"
	"github.com/harun/tata/internal/prompts"
	"github.com/harun/tata/internal/tracing"
	"github.com/harun/tata/pkg/agent"
	"github.com/harun/tata/pkg/commandqueue"
	"github.com/harun/tata/pkg/coretools"
	"github.com/harun/tata/pkg/gateway"
	"github.com/harun/tata/pkg/loopdetector"
	"github.com/harun/tata/pkg/orchestrator"
	"github.com/harun/tata/pkg/planner"
	"github.com/harun/tata/pkg/session"
	"github.com/harun/tata/pkg/toolexecutor"
)

// Daemon wires the agent runtime and owns its background services.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	queue        *commandqueue.Queue
	store        *session.SQLiteStore
	prompts      *prompts.Store
	toolExecutor *toolexecutor.ToolExecutor
	runner       *orchestrator.Runner

	// Services
	gatewayServer *gateway.Server
	cleanup       *session.Cleanup

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	closed    bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// newLanguageModel builds the model shared by the planner and the built-in
// tools. Tests replace it to avoid network calls.
var newLanguageModel = func(cfg config.LLMConfig) (agent.LanguageModel, error) {
	pc := agent.ProviderConfig{
		Provider:    cfg.Provider,
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Timeout:     time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
	provider, err := agent.NewProvider(pc)
	if err != nil {
		return nil, err
	}
	return agent.NewChatModel(provider, pc)
}

// New creates a daemon instance. Nothing is started until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(tracing.Config{ServiceName: "tata", SampleRatio: cfg.Tracing.SampleRatio}); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized successfully")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.Close()
		return nil, err
	}
	d.initializeServices()

	return d, nil
}

func (d *Daemon) initializeCoreModules() error {
	cfg := d.config

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := session.NewSQLiteStore(session.SQLiteConfig{Path: cfg.Store.Path})
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	d.store = store

	d.prompts, err = prompts.NewStore(cfg.Prompts.Path)
	if err != nil {
		return fmt.Errorf("failed to load prompts: %w", err)
	}

	model, err := newLanguageModel(cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to create language model: %w", err)
	}

	d.toolExecutor = toolexecutor.New(time.Duration(cfg.Agent.ToolTimeoutSeconds) * time.Second)
	tools, err := coretools.RegisterCoreTools(d.toolExecutor, coretools.Options{
		Model:        model,
		Instructions: d.prompts,
		Policy:       &toolexecutor.ToolPolicy{Allow: cfg.Tools.Allow, Deny: cfg.Tools.Deny},
	})
	if err != nil {
		return err
	}

	dispatcher, err := toolexecutor.NewDispatcher(d.toolExecutor, nil)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	p, err := planner.New(model, d.prompts, d.toolExecutor, planner.WithHumanCapabilities(cfg.Agent.HumanCapabilities))
	if err != nil {
		return fmt.Errorf("failed to create planner: %w", err)
	}

	d.queue = commandqueue.New()
	d.runner, err = orchestrator.New(orchestrator.Deps{
		Initializer: agent.NewInitializer(d.prompts, d.toolExecutor, cfg.Agent.HumanCapabilities),
		Planner:     p,
		Dispatcher:  dispatcher,
		Store:       d.store,
		Queue:       d.queue,
		NewDetector: func() loopdetector.DuplicateDetector {
			return loopdetector.New(d.toolExecutor.DisplayName)
		},
	}, orchestrator.Config{
		MaxIterations: cfg.Agent.MaxIterations,
		StreamBuffer:  cfg.Stream.BufferSize,
	})
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	d.logger.Info().
		Str("provider", cfg.LLM.Provider).
		Str("model", model.Name()).
		Strs("tools", tools).
		Str("store", cfg.Store.Path).
		Msg("Core modules initialized")
	return nil
}

func (d *Daemon) initializeServices() {
	cfg := d.config

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	if cfg.Cleanup.Enabled {
		c, err := session.NewCleanup(d.store, cfg.Cleanup.Schedule, time.Duration(cfg.Cleanup.RetentionDays)*24*time.Hour)
		if err != nil {
			d.logger.Warn().Err(err).Msg("Session cleanup disabled")
		} else {
			d.cleanup = c
		}
	}
}

func (d *Daemon) newGateway() (*gateway.Server, error) {
	s := d.config.Server
	return gateway.NewServer(gateway.Config{
		Host:              s.Host,
		Port:              s.Port,
		AuthToken:         s.AuthToken,
		RequestsPerMinute: s.RequestsPerMinute,
		MaxConcurrent:     s.MaxConcurrent,
		WriteTimeout:      time.Duration(s.WriteTimeoutSecs) * time.Second,
		Runner:            d.runner,
		Store:             d.store,
		Logger:            d.logger.Component("gateway"),
	})
}

// Start brings up the gateway and the background services.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("daemon is closed")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting TATA daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.config.Prompts.Watch {
		if err := d.prompts.Watch(d.ctx, d.logger.Component("prompts")); err != nil {
			logger.Warn().Err(err).Msg("Failed to watch prompt catalogue")
		}
	}

	gw, err := d.newGateway()
	if err != nil {
		d.abortStart()
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	if err := gw.Start(); err != nil {
		d.abortStart()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	d.gatewayServer = gw
	logger.Info().Msg("Gateway server started")

	if d.cleanup != nil {
		if err := d.cleanup.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start session cleanup")
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started successfully")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

func (d *Daemon) abortStart() {
	if err := d.lifecycle.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}
	d.setStopped()
}

// Stop drains in-flight turns, stops the services and releases every
// resource. The daemon cannot be restarted afterwards.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping TATA daemon")

	grace := time.Duration(d.config.Server.ShutdownGraceSecs) * time.Second
	if d.gatewayServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		if err := d.gatewayServer.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
		}
		cancel()
	}

	if d.cleanup != nil {
		if err := d.cleanup.Stop(); err != nil {
			logger.Debug().Err(err).Msg("Session cleanup was not running")
		}
	}

	d.eventLoop.HandleShutdown(grace)

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.Close()
	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Close releases the queue, the store and the tracer provider. It is safe
// to call on a daemon that was never started.
func (d *Daemon) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		d.logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close command queue")
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close session store")
		}
	}

	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}
}

// Status reports whether the daemon is serving and for how long.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

// Status returns the current status.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Runner returns the turn runner.
func (d *Daemon) Runner() *orchestrator.Runner {
	return d.runner
}

// Store returns the session store.
func (d *Daemon) Store() *session.SQLiteStore {
	return d.store
}

// GetConfig returns the configuration.
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the logger.
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetQueue returns the command queue.
func (d *Daemon) GetQueue() *commandqueue.Queue {
	return d.queue
}

// GetToolExecutor returns the tool registry.
func (d *Daemon) GetToolExecutor() *toolexecutor.ToolExecutor {
	return d.toolExecutor
}

// GetGatewayServer returns the gateway once started.
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}
