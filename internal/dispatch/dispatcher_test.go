// ABOUTME: Tests for Dispatcher fan-out, fan-in, deadlines and per-target failures.
// ABOUTME: Runs real sessions against fake agents over net.Pipe.

package dispatch

import (
	"context"
	"encoding/csv"
	"errors"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-dispatch/internal/agent"
	"github.com/2389/coven-dispatch/internal/fakeagent"
)

type harness struct {
	reg *agent.Registry
	d   *Dispatcher
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	reg := agent.NewRegistry(agent.RegistryConfig{})
	t.Cleanup(reg.Close)
	cfg.Sessions = reg
	return &harness{reg: reg, d: New(cfg)}
}

// connect attaches a fake agent under id and waits until it is READY.
func (h *harness) connect(t *testing.T, id string, cfg fakeagent.Config) *fakeagent.Agent {
	t.Helper()

	server, client := net.Pipe()
	s := agent.NewSession(agent.SessionParams{ID: id, Conn: server, Finished: h.reg.Finished()})
	require.NoError(t, h.reg.Register(s))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = s.Serve(ctx, time.Second) }()
	fa := fakeagent.New(cfg)
	go func() { _ = fa.Serve(ctx, client) }()

	require.Eventually(t, func() bool {
		return slices.Contains(h.reg.ListReady(), id)
	}, 2*time.Second, 5*time.Millisecond)
	return fa
}

func shell(targets Selector, args ...string) Command {
	return Command{Verb: VerbShell, Args: args, Targets: targets}
}

func TestDispatch_ShellWithUnregisteredTarget(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(t, "A", fakeagent.Config{Shell: func(string) ([]byte, error) { return []byte("root\n"), nil }})

	res, err := h.d.Dispatch(context.Background(), shell(Subset("A", "B"), "whoami"), 2*time.Second)
	require.NoError(t, err)

	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, StatusSuccess, res.Outcomes["A"].Status)
	assert.Equal(t, "root\n", string(res.Outcomes["A"].Payload))
	assert.Equal(t, Failed("not connected"), res.Outcomes["B"])
	assert.Equal(t, VerbShell, res.Verb)
	assert.NotEqual(t, uuid.Nil, res.CommandID)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))
}

func TestDispatch_OneOutcomePerDeduplicatedTarget(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(t, "a", fakeagent.Config{})
	h.connect(t, "b", fakeagent.Config{})

	tests := []struct {
		name    string
		targets Selector
		want    []string
	}{
		{"single", Single("a"), []string{"a"}},
		{"subset with duplicates", Subset("a", "b", "a", "ghost", "ghost"), []string{"a", "b", "ghost"}},
		{"all", All(), []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.d.Dispatch(context.Background(), shell(tt.targets, "id"), 2*time.Second)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.AgentIDs())
		})
	}
}

func TestDispatch_InvalidRequests(t *testing.T) {
	h := newHarness(t, Config{})

	tests := []struct {
		name string
		cmd  Command
		want error
	}{
		{"zero selector", Command{Verb: VerbShell, Args: []string{"id"}}, ErrInvalidSelector},
		{"empty subset", shell(Subset(), "id"), ErrInvalidSelector},
		{"blank id", shell(Single(" "), "id"), ErrInvalidSelector},
		{"all with no agents", shell(All(), "id"), ErrInvalidSelector},
		{"unknown verb", Command{Verb: "reboot", Targets: Single("a")}, ErrInvalidCommand},
		{"shell without command", shell(Single("a")), ErrInvalidCommand},
		{"download without path", Command{Verb: VerbDownload, Targets: Single("a")}, ErrInvalidCommand},
		{"no handler registered", Command{Verb: VerbScreenshot, Targets: Single("a")}, ErrInvalidCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.d.Dispatch(context.Background(), tt.cmd, time.Second)
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, res)
		})
	}
}

func TestDispatch_TimeoutLeavesSessionReady(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(t, "slow", fakeagent.Config{Hang: []string{"shell"}})

	const deadline = 100 * time.Millisecond
	start := time.Now()
	res, err := h.d.Dispatch(context.Background(), shell(Single("slow"), "sleep", "100"), deadline)
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, StatusTimeout, res.Outcomes["slow"].Status)
	assert.GreaterOrEqual(t, elapsed, deadline)
	assert.Less(t, elapsed, 2*time.Second)

	s, err := h.reg.Get("slow")
	require.NoError(t, err)
	assert.Equal(t, agent.StateReady, s.State())
	assert.Equal(t, []string{"slow"}, h.reg.ListReady())
}

func TestDispatch_ReadyImmediatelyAfterEveryTimeout(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(t, "slow", fakeagent.Config{Hang: []string{"shell"}})

	for i := range 20 {
		res, err := h.d.Dispatch(context.Background(), shell(Single("slow"), "sleep"), 20*time.Millisecond)
		require.NoError(t, err)
		require.Equal(t, StatusTimeout, res.Outcomes["slow"].Status, "dispatch %d", i)
		require.Equal(t, []string{"slow"}, h.reg.ListReady(), "dispatch %d", i)
	}
}

func TestDispatch_CancelledTargetIsReleased(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(t, "a", fakeagent.Config{Hang: []string{"shell"}})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	res, err := h.d.Dispatch(ctx, shell(Single("a"), "sleep"), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Failed("cancelled"), res.Outcomes["a"])
	assert.Equal(t, []string{"a"}, h.reg.ListReady())
}

func TestDispatch_ShellTranscript(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, Config{OutputDir: dir})
	h.connect(t, "web-2", fakeagent.Config{Shell: func(string) ([]byte, error) {
		return []byte("uid=0(root)\nlast, line\n"), nil
	}})
	h.connect(t, "web-1", fakeagent.Config{Shell: func(string) ([]byte, error) {
		return nil, errors.New("exit status 1")
	}})

	res, err := h.d.Dispatch(context.Background(), shell(Subset("web-2", "web-1", "ghost"), "id"), 2*time.Second)
	require.NoError(t, err)

	want := filepath.Join(dir, res.CommandID.String(), ShellOutputFile)
	for id, o := range res.Outcomes {
		assert.Equal(t, want, o.Location, id)
	}

	f, err := os.Open(want)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{"host", "status", "output"},
		{"ghost", "failed", "not connected"},
		{"web-1", "failed", "exit status 1"},
		{"web-2", "success", "uid=0(root)\nlast, line\n"},
	}, rows)
}

func TestDispatch_NoTranscriptWithoutOutputDir(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(t, "a", fakeagent.Config{})

	res, err := h.d.Dispatch(context.Background(), shell(Single("a"), "id"), 2*time.Second)
	require.NoError(t, err)
	assert.Empty(t, res.Outcomes["a"].Location)
}

func TestDispatch_DisconnectDoesNotDelayOthers(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(t, "dying", fakeagent.Config{DropOn: []string{"shell"}})
	h.connect(t, "healthy", fakeagent.Config{})

	start := time.Now()
	res, err := h.d.Dispatch(context.Background(), shell(All(), "hostname"), 5*time.Second)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, Failed("session closed"), res.Outcomes["dying"])
	assert.Equal(t, StatusSuccess, res.Outcomes["healthy"].Status)
}

func TestDispatch_AgentReportedError(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(t, "a", fakeagent.Config{Shell: func(string) ([]byte, error) {
		return nil, errors.New("exit status 127")
	}})

	res, err := h.d.Dispatch(context.Background(), shell(Single("a"), "nope"), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Failed("exit status 127"), res.Outcomes["a"])
}

func TestDispatch_CancelledContext(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(t, "a", fakeagent.Config{Hang: []string{"shell"}})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	res, err := h.d.Dispatch(ctx, shell(Single("a"), "sleep"), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Failed("cancelled"), res.Outcomes["a"])
}

func TestDispatch_OverlappingCommandsSerialize(t *testing.T) {
	h := newHarness(t, Config{})
	h.connect(t, "a", fakeagent.Config{})

	var active, peak atomic.Int32
	h.d.Register(VerbShell, HandlerFunc(func(ctx context.Context, s *agent.Session, cmd *Command) Outcome {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		assert.Equal(t, agent.StateBusy, s.State())
		time.Sleep(20 * time.Millisecond)
		return ShellHandler{}.Handle(ctx, s, cmd)
	}))

	const overlapping = 5
	var wg sync.WaitGroup
	results := make([]*Result, overlapping)
	for i := range overlapping {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.d.Dispatch(context.Background(), shell(Single("a"), "echo"), 5*time.Second)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, StatusSuccess, res.Outcomes["a"].Status)
	}
}

func TestDispatch_Exit(t *testing.T) {
	h := newHarness(t, Config{})
	fa := h.connect(t, "a", fakeagent.Config{})

	res, err := h.d.Dispatch(context.Background(), Command{Verb: VerbExit, Targets: Single("a")}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Outcomes["a"].Status)
	assert.Equal(t, []string{"exit"}, fa.Commands())
	assert.Eventually(t, func() bool { return h.reg.Len() == 0 }, time.Second, 5*time.Millisecond)
}

type recorderFunc func(ctx context.Context, cmd *Command, res *Result) error

func (f recorderFunc) RecordDispatch(ctx context.Context, cmd *Command, res *Result) error {
	return f(ctx, cmd, res)
}

func TestDispatch_Recorder(t *testing.T) {
	var got *Result
	var gotCmd *Command
	h := newHarness(t, Config{Recorder: recorderFunc(func(_ context.Context, cmd *Command, res *Result) error {
		gotCmd, got = cmd, res
		return errors.New("disk full")
	})})
	h.connect(t, "a", fakeagent.Config{})

	res, err := h.d.Dispatch(context.Background(), shell(Single("a"), "id"), 2*time.Second)
	require.NoError(t, err, "recorder errors are not returned")
	assert.Same(t, res, got)
	assert.Equal(t, res.CommandID, gotCmd.ID)
	assert.Equal(t, "shell id", gotCmd.Line())
}

func TestDispatch_TimeoutClamping(t *testing.T) {
	d := New(Config{DefaultTimeout: time.Second, MaxTimeout: time.Minute})

	assert.Equal(t, time.Second, d.clampTimeout(0))
	assert.Equal(t, time.Second, d.clampTimeout(-5))
	assert.Equal(t, 10*time.Second, d.clampTimeout(10*time.Second))
	assert.Equal(t, time.Minute, d.clampTimeout(time.Hour))
}

func TestOutcomeFromError(t *testing.T) {
	assert.Equal(t, StatusTimeout, OutcomeFromError(context.DeadlineExceeded).Status)
	assert.Equal(t, Failed("cancelled"), OutcomeFromError(context.Canceled))
	assert.Equal(t, Failed("session closed"), OutcomeFromError(agent.ErrSessionClosed))
	assert.Equal(t, Failed("boom"), OutcomeFromError(errors.New("boom")))
}
