package agent_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/opero/api/schemas"
	"github.com/xkilldash9x/opero/internal/agent"
	"github.com/xkilldash9x/opero/internal/decision"
	"github.com/xkilldash9x/opero/internal/protocol"
	"github.com/xkilldash9x/opero/internal/store"
)

type hostFixture struct {
	tab     *fakeTab
	link    *fakeLink
	decider *scriptedDecider
	host    *agent.PageHost
}

func newHostFixture(t *testing.T, results ...schemas.AgentResult) *hostFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	st := store.New(store.NewMemoryBackend(), logger)
	require.NoError(t, st.Set(context.Background(), runningState()))

	f := &hostFixture{
		tab:     newFakeTab(snapshotWith(3)),
		link:    newFakeLink(),
		decider: &scriptedDecider{results: results},
	}
	f.host = agent.NewPageHost(testTab, f.tab, f.link, st, f.decider, logger)
	t.Cleanup(f.host.Close)
	return f
}

func (f *hostFixture) nextReport(t *testing.T) protocol.AgentStepCompleted {
	t.Helper()
	select {
	case msg := <-f.link.reportedCh:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no step outcome reported")
		return protocol.AgentStepCompleted{}
	}
}

func (f *hostFixture) noMoreReports(t *testing.T) {
	t.Helper()
	select {
	case msg := <-f.link.reportedCh:
		t.Fatalf("unexpected extra report: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPageHost_NotReady(t *testing.T) {
	verifyNoLeaks(t)
	f := newHostFixture(t)
	f.tab.SetReady(false)

	_, err := f.host.HandleRunAgentStep(context.Background(), protocol.RunAgentStep{RunID: "run-1", Seq: 1})
	assert.ErrorIs(t, err, protocol.ErrReceiverUnavailable)
	assert.Empty(t, f.link.Reports())
}

func TestPageHost_RunsAcceptedStep(t *testing.T) {
	verifyNoLeaks(t)
	serviceHistory := historyOf(schemas.ActionNavigate, schemas.ActionClick)
	f := newHostFixture(t, schemas.AgentResult{HighlightIndex: 0, Action: schemas.ActionClick, History: serviceHistory})

	ack, err := f.host.HandleRunAgentStep(context.Background(), protocol.RunAgentStep{RunID: "run-1", Seq: 4})
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)

	msg := f.nextReport(t)
	assert.Equal(t, protocol.AgentStepCompleted{
		RunID:  "run-1",
		Seq:    4,
		Result: schemas.StepOutcome{History: serviceHistory, IsRunning: true},
	}, msg)
	assert.Equal(t, []string{"click " + xpathOf(0)}, f.tab.Calls())
}

func TestPageHost_Duplicates(t *testing.T) {
	verifyNoLeaks(t)
	f := newHostFixture(t)
	f.tab.gate = make(chan struct{})
	req := protocol.RunAgentStep{RunID: "run-1", Seq: 1}

	ack, err := f.host.HandleRunAgentStep(context.Background(), req)
	require.NoError(t, err)
	require.False(t, ack.Duplicate)

	// While the step runs.
	ack, err = f.host.HandleRunAgentStep(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, ack.Duplicate)

	close(f.tab.gate)
	msg := f.nextReport(t)
	assert.Equal(t, uint64(1), msg.Seq)

	// After it reported.
	assert.Eventually(t, func() bool {
		ack, err := f.host.HandleRunAgentStep(context.Background(), req)
		return err == nil && ack.Duplicate
	}, time.Second, 5*time.Millisecond)

	f.noMoreReports(t)
	_, snapshots, _ := f.tab.Counts()
	assert.Equal(t, 1, snapshots)
}

func TestPageHost_QueuesStepOfNewRun(t *testing.T) {
	verifyNoLeaks(t)
	f := newHostFixture(t)
	f.tab.gate = make(chan struct{})

	_, err := f.host.HandleRunAgentStep(context.Background(), protocol.RunAgentStep{RunID: "old", Seq: 3})
	require.NoError(t, err)
	ack, err := f.host.HandleRunAgentStep(context.Background(), protocol.RunAgentStep{RunID: "new", Seq: 1})
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)

	close(f.tab.gate)
	first, second := f.nextReport(t), f.nextReport(t)
	assert.Equal(t, "old", first.RunID)
	assert.Equal(t, "new", second.RunID)
	assert.Equal(t, uint64(1), second.Seq)
	f.noMoreReports(t)
}

func TestPageHost_FaultConversion(t *testing.T) {
	// runningState carries one navigate step, so fault entries are step 2.
	tests := []struct {
		name    string
		setup   func(f *hostFixture)
		kind    schemas.FaultKind
		summary string
	}{
		{
			name:    "NotAuthenticated",
			setup:   func(f *hostFixture) { f.link.user = &schemas.UserInfo{} },
			kind:    schemas.FaultAuth,
			summary: "Error: User not authenticated. Sign in to continue.",
		},
		{
			name: "QuotaExhausted",
			setup: func(f *hostFixture) {
				f.decider.errs = []error{&decision.APIError{StatusCode: http.StatusForbidden, Detail: "You have used all 5 free agent runs."}}
			},
			kind:    schemas.FaultQuota,
			summary: "Error: You have used all 5 free agent runs. Please upgrade to premium for unlimited agent runs.",
		},
		{
			name: "DecisionFailure",
			setup: func(f *hostFixture) {
				f.decider.errs = []error{&decision.APIError{StatusCode: http.StatusInternalServerError, Detail: "Failed to run agent"}}
			},
			kind:    schemas.FaultDecision,
			summary: "Error: Failed to run agent",
		},
		{
			name:    "Panic",
			setup:   func(f *hostFixture) { f.tab.snapshotPanic = true },
			kind:    schemas.FaultInternal,
			summary: "Error: internal failure while running the step",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verifyNoLeaks(t)
			f := newHostFixture(t)
			tt.setup(f)

			_, err := f.host.HandleRunAgentStep(context.Background(), protocol.RunAgentStep{RunID: "run-1", Seq: 2})
			require.NoError(t, err)

			msg := f.nextReport(t)
			assert.Equal(t, tt.kind, msg.Fault)
			assert.NotEmpty(t, msg.Detail)
			assert.False(t, msg.Result.IsRunning)

			steps := schemas.ParseHistory(msg.Result.History)
			require.Len(t, steps, 2)
			assert.Equal(t, schemas.ActionNavigate, steps[0].Action)
			assert.Equal(t, schemas.HistoryStep{StepNumber: 2, Action: schemas.ActionFinish, Summary: tt.summary}, steps[1])
			f.noMoreReports(t)
		})
	}
}

func TestPageHost_CloseReportsInterruptedStep(t *testing.T) {
	verifyNoLeaks(t)
	f := newHostFixture(t)
	f.tab.gate = make(chan struct{})

	_, err := f.host.HandleRunAgentStep(context.Background(), protocol.RunAgentStep{RunID: "run-1", Seq: 1})
	require.NoError(t, err)

	f.host.Close()

	msg := f.nextReport(t)
	assert.Equal(t, schemas.FaultDecision, msg.Fault)
	assert.False(t, msg.Result.IsRunning)
	f.noMoreReports(t)

	_, err = f.host.HandleRunAgentStep(context.Background(), protocol.RunAgentStep{RunID: "run-1", Seq: 2})
	assert.ErrorIs(t, err, protocol.ErrReceiverUnavailable)
}
