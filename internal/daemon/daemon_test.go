package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/tata/internal/config"
	"github.com/harun/tata/internal/logger"
	"github.com/harun/tata/pkg/agent"
	"github.com/harun/tata/pkg/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubModel struct {
	reply string
}

func (m stubModel) Invoke(ctx context.Context, messages []agent.Message) (string, error) {
	return m.reply, nil
}

func (m stubModel) Name() string { return "stub" }

func useStubModel(t *testing.T, reply string) {
	t.Helper()
	orig := newLanguageModel
	newLanguageModel = func(config.LLMConfig) (agent.LanguageModel, error) {
		return stubModel{reply: reply}, nil
	}
	t.Cleanup(func() { newLanguageModel = orig })
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// createTestDaemon creates a daemon backed by a stub model and a temp data dir
func createTestDaemon(t *testing.T) (*Daemon, *logger.Logger) {
	t.Helper()
	useStubModel(t, `{"action_needed":"finish","finish_answer":"完成了。"}`)

	tmpDir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Store.Path = filepath.Join(tmpDir, "sessions.db")
	cfg.LLM.APIKey = "sk-test-key"
	cfg.Server.Port = freePort(t)
	cfg.Server.ShutdownGraceSecs = 2

	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	d, err := New(cfg, log)
	require.NoError(t, err)
	return d, log
}

func TestNew(t *testing.T) {
	d, _ := createTestDaemon(t)
	defer d.Close()

	assert.NotNil(t, d.GetQueue())
	assert.NotNil(t, d.Store())
	assert.NotNil(t, d.Runner())
	assert.NotNil(t, d.eventLoop)
	assert.NotNil(t, d.lifecycle)
	assert.NotNil(t, d.cleanup)
	assert.NotNil(t, d.GetToolExecutor().GetTool("itinerary_planner"))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()

	log, err := logger.New(logger.Config{Level: "info"})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(cfg, log)
	assert.Error(t, err, "api key is missing")
}

func TestNew_ToolPolicy(t *testing.T) {
	useStubModel(t, "{}")
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Store.Path = filepath.Join(cfg.DataDir, "sessions.db")
	cfg.LLM.APIKey = "sk-test-key"
	cfg.Tools.Deny = []string{"story_brainstorm"}

	log, err := logger.New(logger.Config{Level: "info"})
	require.NoError(t, err)
	defer log.Close()

	d, err := New(cfg, log)
	require.NoError(t, err)
	defer d.Close()

	assert.Nil(t, d.GetToolExecutor().GetTool("story_brainstorm"))
	assert.NotNil(t, d.GetToolExecutor().GetTool("llm_general"))
}

func TestDaemonRunsTurns(t *testing.T) {
	d, _ := createTestDaemon(t)
	defer d.Close()

	result, err := d.Runner().Run(context.Background(), orchestrator.TurnInput{Message: "你好"})
	require.NoError(t, err)
	assert.True(t, result.Finished)
	assert.Equal(t, "完成了。", result.FinalAnswer)

	snap, err := d.Store().Load(context.Background(), result.SessionID)
	require.NoError(t, err)
	require.NotNil(t, snap)
}

func TestDaemonStartStop(t *testing.T) {
	d, _ := createTestDaemon(t)

	require.NoError(t, d.Start())
	assert.Error(t, d.Start(), "second start")

	status := d.Status()
	assert.True(t, status.Running)

	pid, running := IsRunning(d.config.DataDir)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)

	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", d.config.Server.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.Error(t, d.Stop())

	_, err := os.Stat(PIDFilePath(d.config.DataDir))
	assert.True(t, os.IsNotExist(err))
	assert.Error(t, d.Start(), "closed daemon cannot restart")
}

func TestDaemonStatus(t *testing.T) {
	d, _ := createTestDaemon(t)

	status := d.Status()
	assert.False(t, status.Running)
	assert.Equal(t, time.Duration(0), status.Uptime)

	require.NoError(t, d.Start())
	defer d.Stop()

	time.Sleep(20 * time.Millisecond)
	assert.Greater(t, d.Status().Uptime, time.Duration(0))
}

func TestLifecycleManager_RefusesLiveOwner(t *testing.T) {
	d, _ := createTestDaemon(t)
	defer d.Close()

	lm := NewLifecycleManager(d)
	assert.Equal(t, filepath.Join(d.config.DataDir, "tata.pid"), lm.pidFile)

	// PID 1 always exists on Unix
	require.NoError(t, os.WriteFile(lm.pidFile, []byte("1"), 0o644))
	assert.Error(t, lm.Start())

	require.NoError(t, os.WriteFile(lm.pidFile, []byte("not a pid"), 0o644))
	require.NoError(t, lm.Start())

	pid, err := ReadPID(lm.pidFile)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, lm.Stop())
	require.NoError(t, lm.Stop(), "missing file is fine")
}

func TestProcessRunning(t *testing.T) {
	assert.True(t, ProcessRunning(os.Getpid()))
	assert.False(t, ProcessRunning(0))
	assert.False(t, ProcessRunning(-5))
}

func TestEventLoop_StopsWithContext(t *testing.T) {
	d, _ := createTestDaemon(t)
	defer d.Close()

	loop := NewEventLoop(d)
	loop.interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("event loop did not stop")
	}

	loop.HandleShutdown(100 * time.Millisecond)
}
