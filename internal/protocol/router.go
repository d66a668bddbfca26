package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/opero/api/schemas"
)

var (
	// ErrReceiverUnavailable means no handler is registered for the destination,
	// or the handler refused the request because it is not ready yet. Senders retry.
	ErrReceiverUnavailable = errors.New("protocol: receiving end does not exist")
	// ErrClosed is returned for every request after Close.
	ErrClosed = errors.New("protocol: router closed")
	// ErrHandlerPanic wraps a panic recovered from a handler.
	ErrHandlerPanic = errors.New("protocol: handler panicked")
	// ErrUnexpectedResponse means a handler replied with the wrong value type.
	ErrUnexpectedResponse = errors.New("protocol: unexpected response type")
)

// Router delivers requests to the page host registered for a tab, or to the
// coordinator. Every request gets exactly one Response, including when the
// handler fails or panics.
type Router struct {
	mu          sync.RWMutex
	pages       map[schemas.TabID]PageHandler
	coordinator CoordinatorHandler
	closed      bool
	inflight    sync.WaitGroup
	logger      *zap.Logger
}

// NewRouter creates an empty Router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		pages:  make(map[schemas.TabID]PageHandler),
		logger: logger.Named("protocol"),
	}
}

// SetCoordinator installs the coordinator handler.
func (r *Router) SetCoordinator(h CoordinatorHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.coordinator = h
}

// RegisterPage installs the handler for a tab, replacing any previous one.
// The returned function unregisters it, and is a no-op if it has since been replaced.
func (r *Router) RegisterPage(tab schemas.TabID, h PageHandler) func() {
	r.mu.Lock()
	r.pages[tab] = h
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.pages[tab]; ok && cur == h {
			delete(r.pages, tab)
		}
	}
}

// HasPage reports whether a handler is registered for tab.
func (r *Router) HasPage(tab schemas.TabID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pages[tab]
	return ok
}

// SendToTab delivers req to the page host of tab.
func (r *Router) SendToTab(ctx context.Context, tab schemas.TabID, req PageRequest) Response {
	r.mu.RLock()
	h, ok := r.pages[tab]
	r.mu.RUnlock()
	if !ok {
		return Response{Err: fmt.Errorf("%w: tab %s", ErrReceiverUnavailable, tab)}
	}

	return r.deliver(ctx, req.Name(), tab, func(ctx context.Context) (any, error) {
		switch m := req.(type) {
		case RunAgentStep:
			return h.HandleRunAgentStep(ctx, m)
		default:
			return nil, fmt.Errorf("protocol: unhandled page request %T", req)
		}
	})
}

// SendToCoordinator delivers req from the page host of tab `from`.
func (r *Router) SendToCoordinator(ctx context.Context, from schemas.TabID, req CoordinatorRequest) Response {
	r.mu.RLock()
	h := r.coordinator
	r.mu.RUnlock()
	if h == nil {
		return Response{Err: fmt.Errorf("%w: coordinator", ErrReceiverUnavailable)}
	}

	return r.deliver(ctx, req.Name(), from, func(ctx context.Context) (any, error) {
		switch m := req.(type) {
		case AgentStepCompleted:
			return h.HandleStepCompleted(ctx, from, m)
		case GetTabID:
			return h.HandleGetTabID(ctx, from)
		case TakeScreenshot:
			return h.HandleTakeScreenshot(ctx, from)
		case GetAuthState:
			return h.HandleGetAuthState(ctx, from)
		case StartAuth:
			return h.HandleStartAuth(ctx, from)
		default:
			return nil, fmt.Errorf("protocol: unhandled coordinator request %T", req)
		}
	})
}

// deliver runs handle on its own goroutine and waits for its single reply or ctx.
func (r *Router) deliver(ctx context.Context, name string, tab schemas.TabID, handle func(context.Context) (any, error)) Response {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return Response{Err: ErrClosed}
	}
	r.inflight.Add(1)
	r.mu.RUnlock()

	id := uuid.NewString()
	log := r.logger.With(zap.String("msg_id", id), zap.String("request", name), zap.String("tab_id", tab.String()))
	log.Debug("Delivering request.")

	reply := make(chan Response, 1)
	go func() {
		defer r.inflight.Done()
		defer func() {
			if p := recover(); p != nil {
				log.Error("Handler panicked.", zap.Any("panic", p), zap.Stack("stack"))
				reply <- Response{Err: fmt.Errorf("%w: %v", ErrHandlerPanic, p)}
			}
		}()
		v, err := handle(ctx)
		reply <- Response{Value: v, Err: err}
	}()

	select {
	case resp := <-reply:
		if resp.Err != nil {
			log.Debug("Request failed.", zap.Error(resp.Err))
		}
		return resp
	case <-ctx.Done():
		return Response{Err: ctx.Err()}
	}
}

// Close rejects further requests and waits for in-flight handlers to reply.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.inflight.Wait()
}

// -- Typed helpers --

func expect[T any](resp Response) (T, error) {
	var zero T
	if resp.Err != nil {
		return zero, resp.Err
	}
	v, ok := resp.Value.(T)
	if !ok {
		return zero, fmt.Errorf("%w: got %T, want %T", ErrUnexpectedResponse, resp.Value, zero)
	}
	return v, nil
}

// DispatchStep sends RunAgentStep to tab.
func (r *Router) DispatchStep(ctx context.Context, tab schemas.TabID, req RunAgentStep) (Ack, error) {
	return expect[Ack](r.SendToTab(ctx, tab, req))
}

// ReportStepCompleted sends AgentStepCompleted from tab.
func (r *Router) ReportStepCompleted(ctx context.Context, from schemas.TabID, msg AgentStepCompleted) (Ack, error) {
	return expect[Ack](r.SendToCoordinator(ctx, from, msg))
}

// RequestTabID sends GetTabID.
func (r *Router) RequestTabID(ctx context.Context, from schemas.TabID) (schemas.TabID, error) {
	return expect[schemas.TabID](r.SendToCoordinator(ctx, from, GetTabID{}))
}

// RequestScreenshot sends TakeScreenshot and returns the data URL.
func (r *Router) RequestScreenshot(ctx context.Context, from schemas.TabID) (string, error) {
	return expect[string](r.SendToCoordinator(ctx, from, TakeScreenshot{}))
}

// RequestAuthState sends GetAuthState. A nil identity means nobody is signed in.
func (r *Router) RequestAuthState(ctx context.Context, from schemas.TabID) (*schemas.UserInfo, error) {
	return expect[*schemas.UserInfo](r.SendToCoordinator(ctx, from, GetAuthState{}))
}

// RequestStartAuth sends StartAuth.
func (r *Router) RequestStartAuth(ctx context.Context, from schemas.TabID) (*schemas.UserInfo, error) {
	return expect[*schemas.UserInfo](r.SendToCoordinator(ctx, from, StartAuth{}))
}
