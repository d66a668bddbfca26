package protocol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/opero/api/schemas"
)

// -- Mocks --

type mockPage struct{ mock.Mock }

func (m *mockPage) HandleRunAgentStep(ctx context.Context, req RunAgentStep) (Ack, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(Ack), args.Error(1)
}

type mockCoordinator struct{ mock.Mock }

func (m *mockCoordinator) HandleStepCompleted(ctx context.Context, from schemas.TabID, msg AgentStepCompleted) (Ack, error) {
	args := m.Called(ctx, from, msg)
	return args.Get(0).(Ack), args.Error(1)
}

func (m *mockCoordinator) HandleGetTabID(ctx context.Context, from schemas.TabID) (schemas.TabID, error) {
	args := m.Called(ctx, from)
	return args.Get(0).(schemas.TabID), args.Error(1)
}

func (m *mockCoordinator) HandleTakeScreenshot(ctx context.Context, from schemas.TabID) (string, error) {
	args := m.Called(ctx, from)
	return args.String(0), args.Error(1)
}

func (m *mockCoordinator) HandleGetAuthState(ctx context.Context, from schemas.TabID) (*schemas.UserInfo, error) {
	args := m.Called(ctx, from)
	info, _ := args.Get(0).(*schemas.UserInfo)
	return info, args.Error(1)
}

func (m *mockCoordinator) HandleStartAuth(ctx context.Context, from schemas.TabID) (*schemas.UserInfo, error) {
	args := m.Called(ctx, from)
	info, _ := args.Get(0).(*schemas.UserInfo)
	return info, args.Error(1)
}

// panickyPage panics on every request.
type panickyPage struct{}

func (panickyPage) HandleRunAgentStep(context.Context, RunAgentStep) (Ack, error) {
	panic("boom")
}

// blockingPage blocks until released.
type blockingPage struct{ release chan struct{} }

func (b blockingPage) HandleRunAgentStep(context.Context, RunAgentStep) (Ack, error) {
	<-b.release
	return Ack{}, nil
}

// -- Tests --

func TestRouter_PageDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := NewRouter(zap.NewNop())
	defer r.Close()
	ctx := context.Background()

	t.Run("unregistered tab is unavailable", func(t *testing.T) {
		_, err := r.DispatchStep(ctx, "nope", RunAgentStep{RunID: "r", Seq: 1})
		assert.ErrorIs(t, err, ErrReceiverUnavailable)
	})

	t.Run("registered tab receives the request", func(t *testing.T) {
		page := new(mockPage)
		page.On("HandleRunAgentStep", mock.Anything, RunAgentStep{RunID: "r", Seq: 1}).Return(Ack{}, nil).Once()
		unregister := r.RegisterPage("tab-1", page)
		defer unregister()

		ack, err := r.DispatchStep(ctx, "tab-1", RunAgentStep{RunID: "r", Seq: 1})
		require.NoError(t, err)
		assert.False(t, ack.Duplicate)
		page.AssertExpectations(t)
	})

	t.Run("handler errors are the response", func(t *testing.T) {
		page := new(mockPage)
		page.On("HandleRunAgentStep", mock.Anything, mock.Anything).Return(Ack{}, ErrReceiverUnavailable)
		defer r.RegisterPage("tab-2", page)()

		_, err := r.DispatchStep(ctx, "tab-2", RunAgentStep{})
		assert.ErrorIs(t, err, ErrReceiverUnavailable)
	})

	t.Run("unregister is scoped to its handler", func(t *testing.T) {
		first := new(mockPage)
		second := new(mockPage)
		unregisterFirst := r.RegisterPage("tab-3", first)
		unregisterSecond := r.RegisterPage("tab-3", second)

		unregisterFirst()
		assert.True(t, r.HasPage("tab-3"), "stale unregister must not remove the replacement")
		unregisterSecond()
		assert.False(t, r.HasPage("tab-3"))
	})
}

func TestRouter_PanicBecomesSingleErrorResponse(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := NewRouter(zap.NewNop())
	defer r.Close()
	defer r.RegisterPage("tab-1", panickyPage{})()

	resp := r.SendToTab(context.Background(), "tab-1", RunAgentStep{})
	require.Error(t, resp.Err)
	assert.ErrorIs(t, resp.Err, ErrHandlerPanic)
	assert.Contains(t, resp.Err.Error(), "boom")
}

func TestRouter_CoordinatorDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := NewRouter(zap.NewNop())
	defer r.Close()
	ctx := context.Background()

	_, err := r.RequestTabID(ctx, "tab-1")
	assert.ErrorIs(t, err, ErrReceiverUnavailable, "no coordinator installed yet")

	coord := new(mockCoordinator)
	r.SetCoordinator(coord)

	coord.On("HandleGetTabID", mock.Anything, schemas.TabID("tab-1")).Return(schemas.TabID("tab-1"), nil)
	coord.On("HandleTakeScreenshot", mock.Anything, schemas.TabID("tab-1")).Return("data:image/jpeg;base64,AA==", nil)
	coord.On("HandleGetAuthState", mock.Anything, schemas.TabID("tab-1")).Return(nil, nil)
	coord.On("HandleStartAuth", mock.Anything, schemas.TabID("tab-1")).Return(nil, errors.New("no token configured"))
	msg := AgentStepCompleted{RunID: "r", Seq: 2, Result: schemas.StepOutcome{History: "[]", IsRunning: true}}
	coord.On("HandleStepCompleted", mock.Anything, schemas.TabID("tab-1"), msg).Return(Ack{Duplicate: true}, nil)

	tab, err := r.RequestTabID(ctx, "tab-1")
	require.NoError(t, err)
	assert.Equal(t, schemas.TabID("tab-1"), tab)

	shot, err := r.RequestScreenshot(ctx, "tab-1")
	require.NoError(t, err)
	assert.Equal(t, "data:image/jpeg;base64,AA==", shot)

	info, err := r.RequestAuthState(ctx, "tab-1")
	require.NoError(t, err)
	assert.Nil(t, info)

	_, err = r.RequestStartAuth(ctx, "tab-1")
	assert.EqualError(t, err, "no token configured")

	ack, err := r.ReportStepCompleted(ctx, "tab-1", msg)
	require.NoError(t, err)
	assert.True(t, ack.Duplicate)

	coord.AssertExpectations(t)
}

func TestRouter_ContextCancelAndClose(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := NewRouter(zap.NewNop())
	page := blockingPage{release: make(chan struct{})}
	r.RegisterPage("tab-1", page)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.DispatchStep(ctx, "tab-1", RunAgentStep{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var wg sync.WaitGroup
	wg.Add(1)
	closed := make(chan struct{})
	go func() {
		defer wg.Done()
		r.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a handler was still running")
	case <-time.After(20 * time.Millisecond):
	}
	close(page.release)
	wg.Wait()

	_, err = r.DispatchStep(context.Background(), "tab-1", RunAgentStep{})
	assert.ErrorIs(t, err, ErrClosed)
}
