package observer

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/opero/api/schemas"
	"github.com/xkilldash9x/opero/internal/store"
)

func history(summaries ...string) string {
	steps := make([]schemas.HistoryStep, 0, len(summaries))
	for i, s := range summaries {
		action := schemas.ActionClick
		if i == len(summaries)-1 && len(s) > 5 && s[:6] == "Error:" {
			action = schemas.ActionFinish
		}
		steps = append(steps, schemas.HistoryStep{StepNumber: i + 1, Action: action, Summary: s})
	}
	return schemas.FormatHistory(steps)
}

func running(runID string, summaries ...string) schemas.RunState {
	return schemas.RunState{
		IsRunning:      true,
		TabID:          "TAB-1",
		Prompt:         "Enriched task",
		OriginalPrompt: "task",
		IsEnriched:     true,
		History:        history(summaries...),
		Mode:           schemas.ModeDefault,
		RunID:          runID,
	}
}

func TestPoller_Next(t *testing.T) {
	p := NewPoller(nil, time.Second, zaptest.NewLogger(t))

	u, changed := p.next(schemas.DefaultRunState())
	assert.False(t, changed, "initial default state is not news")

	u, changed = p.next(running("r1"))
	require.True(t, changed)
	assert.True(t, u.Started)
	assert.Equal(t, "task", u.Prompt)
	assert.Empty(t, u.NewSteps)

	_, changed = p.next(running("r1"))
	assert.False(t, changed)

	u, changed = p.next(running("r1", "clicked search", "typed query"))
	require.True(t, changed)
	assert.False(t, u.Started)
	require.Len(t, u.NewSteps, 2)
	assert.Equal(t, 1, u.NewSteps[0].StepNumber)

	u, changed = p.next(running("r1", "clicked search", "typed query", "pressed enter"))
	require.True(t, changed)
	require.Len(t, u.NewSteps, 1)
	assert.Equal(t, "pressed enter", u.NewSteps[0].Summary)
	assert.Equal(t, 3, u.StepCount)

	done := running("r1", "clicked search", "typed query", "pressed enter", "finished")
	done.IsRunning = false
	u, changed = p.next(done)
	require.True(t, changed)
	assert.True(t, u.Finished)
	assert.False(t, u.IsRunning)
	require.Len(t, u.NewSteps, 1)

	u, changed = p.next(schemas.DefaultRunState())
	require.True(t, changed)
	assert.True(t, u.Reset)

	u, changed = p.next(running("r2", "opened page"))
	require.True(t, changed)
	assert.True(t, u.Started)
	assert.Equal(t, "r2", u.RunID)
	assert.Len(t, u.NewSteps, 1)
}

func TestPoller_ObservesFinishedRunOnFirstPoll(t *testing.T) {
	p := NewPoller(nil, time.Second, zaptest.NewLogger(t))
	state := running("r1", "clicked", "Error: Element not found for click action")
	state.IsRunning = false

	u, changed := p.next(state)
	require.True(t, changed)
	assert.True(t, u.Started)
	assert.False(t, u.Finished)
	assert.Len(t, u.NewSteps, 2)
}

func TestPoller_SeedHidesEarlierRun(t *testing.T) {
	p := NewPoller(nil, time.Second, zaptest.NewLogger(t))
	old := running("r1", "clicked", "finished")
	old.IsRunning = false
	p.Seed(old)

	_, changed := p.next(old)
	assert.False(t, changed, "the seeded run is not reported again")

	u, changed := p.next(running("r2"))
	require.True(t, changed)
	assert.True(t, u.Started)
	assert.Equal(t, "r2", u.RunID)
	assert.Empty(t, u.NewSteps)
	assert.False(t, u.Finished)
}

func TestPoller_SeedThenStartPrintsOnlyNewRun(t *testing.T) {
	defer goleak.VerifyNone(t)
	logger := zaptest.NewLogger(t)
	st := store.New(store.NewMemoryBackend(), logger)
	ctx := context.Background()

	old := running("r1", "clicked stale button")
	old.IsRunning = false
	require.NoError(t, st.Set(ctx, old))

	sink := &recordingSink{}
	var out bytes.Buffer
	p := NewPoller(st, 5*time.Millisecond, logger, sink, NewConsole(&out))
	prev, err := st.Get(ctx)
	require.NoError(t, err)
	p.Seed(prev)

	stop := p.Start(ctx)
	require.NoError(t, st.Set(ctx, running("r2", "opened page")))
	require.Eventually(t, func() bool { return len(sink.Updates()) > 0 }, time.Second, time.Millisecond)
	stop()

	updates := sink.Updates()
	require.Len(t, updates, 1)
	assert.Equal(t, "r2", updates[0].RunID)

	assert.NotContains(t, out.String(), "clicked stale button")
	assert.Contains(t, out.String(), "opened page")
}

type recordingSink struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recordingSink) Observe(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recordingSink) Updates() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...)
}

func TestPoller_StartFollowsStore(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	st := store.New(store.NewMemoryBackend(), logger)
	require.NoError(t, st.Set(ctx, running("r1", "clicked")))

	sink := &recordingSink{}
	var out bytes.Buffer
	console := NewConsole(&out)
	p := NewPoller(st, 5*time.Millisecond, logger, sink, console)
	stop := p.Start(ctx)

	require.Eventually(t, func() bool { return len(sink.Updates()) == 1 }, time.Second, time.Millisecond)

	done := running("r1", "clicked", "finished")
	done.IsRunning = false
	require.NoError(t, st.Set(ctx, done))
	require.Eventually(t, func() bool { return len(sink.Updates()) == 2 }, time.Second, time.Millisecond)

	stop()

	updates := sink.Updates()
	assert.True(t, updates[0].Started)
	assert.True(t, updates[1].Finished)
	assert.Equal(t, "Task: task\n  1. click: clicked\n  2. click: finished\nRun finished.\n", out.String())
}
