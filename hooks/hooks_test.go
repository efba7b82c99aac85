package hooks

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a HookListener that appends its name to a shared log.
type recorder struct {
	name     string
	priority int
	async    bool
	err      error
	delay    time.Duration
	fn       func(event HookEvent)

	mu  *sync.Mutex
	log *[]string
}

func (r *recorder) OnEvent(ctx context.Context, event HookEvent) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.fn != nil {
		r.fn(event)
	}
	if r.log != nil {
		r.mu.Lock()
		*r.log = append(*r.log, r.name)
		r.mu.Unlock()
	}
	return r.err
}

func (r *recorder) Priority() int { return r.priority }
func (r *recorder) IsAsync() bool { return r.async }

type callLog struct {
	mu    sync.Mutex
	names []string
}

func (c *callLog) listener(name string, priority int) *recorder {
	return &recorder{name: name, priority: priority, mu: &c.mu, log: &c.names}
}

func (c *callLog) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.names...)
}

func TestNewHookManager(t *testing.T) {
	manager, ok := NewHookManager(nil).(*DefaultHookManager)
	require.True(t, ok)
	assert.NotNil(t, manager.listeners)
	assert.NotNil(t, manager.logger)
}

func TestRegister_OrdersByPriority(t *testing.T) {
	manager := NewHookManager(nil).(*DefaultHookManager)
	var calls callLog
	manager.Register(EventPreRestore, calls.listener("audit", 50))
	manager.Register(EventPreRestore, calls.listener("stop-stack", 10))
	manager.Register(EventPreRestore, calls.listener("notify", 20))

	registered := manager.listeners[EventPreRestore]
	require.Len(t, registered, 3)
	got := make([]string, 0, len(registered))
	for _, item := range registered {
		got = append(got, item.listener.(*recorder).name)
	}
	assert.Equal(t, []string{"stop-stack", "notify", "audit"}, got)
}

func TestRegister_EqualPriorityKeepsRegistrationOrder(t *testing.T) {
	manager := NewHookManager(nil)
	var calls callLog
	for _, name := range []string{"first", "second", "third"} {
		manager.Register(EventPreActivate, calls.listener(name, 0))
	}

	require.NoError(t, manager.Trigger(context.Background(), NewPreActivateEvent(PreActivatePayload{From: "0.1.0", To: "0.2.0"})))
	assert.Equal(t, []string{"first", "second", "third"}, calls.snapshot())
}

func TestTrigger_PreEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("a failing listener cancels and stops the chain", func(t *testing.T) {
		manager := NewHookManager(nil)
		var calls callLog
		stackBusy := errors.New("stack is busy")

		veto := calls.listener("veto", 5)
		veto.err = stackBusy
		manager.Register(EventPreRestore, calls.listener("late", 10))
		manager.Register(EventPreRestore, calls.listener("early", 1))
		manager.Register(EventPreRestore, veto)

		err := manager.Trigger(ctx, NewPreRestoreEvent(PreRestorePayload{Version: "0.1.0"}))
		require.Error(t, err)
		assert.ErrorIs(t, err, stackBusy)
		assert.Contains(t, err.Error(), "PreRestore")
		assert.Equal(t, []string{"early", "veto"}, calls.snapshot())
	})

	t.Run("listeners may add backup metadata", func(t *testing.T) {
		manager := NewHookManager(nil)
		manager.Register(EventPreCreateBackup, &recorder{fn: func(event HookEvent) {
			p := event.Payload().(PreCreateBackupPayload)
			p.Extra["ticket"] = "OPS-12"
		}})

		payload := PreCreateBackupPayload{Version: "0.1.12", Reason: "manual", Extra: map[string]string{}}
		require.NoError(t, manager.Trigger(ctx, NewPreCreateBackupEvent(payload)))
		assert.Equal(t, "OPS-12", payload.Extra["ticket"])
	})

	t.Run("async listeners run synchronously", func(t *testing.T) {
		var logBuf bytes.Buffer
		manager := NewHookManager(slog.New(slog.NewTextHandler(&logBuf, nil)))
		var calls callLog
		l := calls.listener("async-request", 1)
		l.async = true
		manager.Register(EventPreUninstall, l)

		require.NoError(t, manager.Trigger(ctx, NewPreUninstallEvent(PreUninstallPayload{Version: "0.1.0"})))
		assert.Equal(t, []string{"async-request"}, calls.snapshot())
		assert.Contains(t, logBuf.String(), "always synchronous")
	})
}

func TestTrigger_PostEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("sync listeners run inline and async ones in the background", func(t *testing.T) {
		manager := NewHookManager(nil)
		var calls callLog
		done := make(chan string, 1)

		manager.Register(EventPostCreateBackup, &recorder{name: "mirror", priority: 10, async: true, fn: func(HookEvent) { done <- "mirror" }})
		manager.Register(EventPostCreateBackup, calls.listener("stats", 1))

		require.NoError(t, manager.Trigger(ctx, NewPostCreateBackupEvent(PostCreateBackupPayload{Path: "/b/0.1.0.tar.gz"})))
		assert.Equal(t, []string{"stats"}, calls.snapshot())

		select {
		case name := <-done:
			assert.Equal(t, "mirror", name)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for the async listener")
		}
		manager.Stop()
	})

	t.Run("errors are logged and the chain continues", func(t *testing.T) {
		var logBuf bytes.Buffer
		manager := NewHookManager(slog.New(slog.NewTextHandler(&logBuf, nil)))
		var calls callLog
		failing := calls.listener("prune", 1)
		failing.err = errors.New("backups dir is read-only")
		manager.Register(EventPostActivate, failing)
		manager.Register(EventPostActivate, calls.listener("stats", 5))

		require.NoError(t, manager.Trigger(ctx, NewPostActivateEvent(PostActivatePayload{From: "0.1.0", To: "0.2.0"})))
		assert.Equal(t, []string{"prune", "stats"}, calls.snapshot())
		assert.Contains(t, logBuf.String(), "backups dir is read-only")
	})

	t.Run("no listeners", func(t *testing.T) {
		manager := NewHookManager(nil)
		assert.NoError(t, manager.Trigger(ctx, NewPostUpdateFailEvent(PostUpdateFailPayload{Stage: "fetch"})))
	})
}

func TestStop_WaitsForAsyncListeners(t *testing.T) {
	manager := NewHookManager(nil)
	var finished atomic.Bool
	delay := 50 * time.Millisecond
	manager.Register(EventPostRestore, &recorder{async: true, delay: delay, fn: func(HookEvent) { finished.Store(true) }})

	start := time.Now()
	require.NoError(t, manager.Trigger(context.Background(), NewPostRestoreEvent(PostRestorePayload{Version: "0.1.0"})))
	manager.Stop()

	assert.GreaterOrEqual(t, time.Since(start), delay)
	assert.True(t, finished.Load(), "Stop returned before the listener finished")
}

func BenchmarkTrigger_PreEvent(b *testing.B) {
	manager := NewHookManager(nil)
	for i := 0; i < 10; i++ {
		manager.Register(EventPreActivate, &recorder{priority: i})
	}
	event := NewPreActivateEvent(PreActivatePayload{From: "0.1.0", To: "0.2.0"})
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = manager.Trigger(ctx, event)
	}
}
