// Package rpc lifts a fire-and-forget message bus into request/response
// semantics. A response tracker correlates inbound messages with
// in-flight requests by correlation id; tokens make abandoning a call
// leak-free.
package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrShutdown is returned when a call is cut short by the global
// cancellation signal.
var ErrShutdown = errors.New("rpc: shutting down")

// ErrCorrelationIDExists means a token was requested for an id that is
// already in flight. Duplicate ids are caller errors, never silently
// replaced.
var ErrCorrelationIDExists = errors.New("correlation id is already in-flight")

// Message is anything carrying a correlation id.
type Message[C comparable] interface {
	CorrelationID() C
}

// Envelope wraps an inbound message with its origin.
type Envelope[M any] struct {
	From string
	Msg  M
}

// Sender is the one-way bus the router sends requests through.
type Sender[M any] interface {
	Send(ctx context.Context, to string, msg M) error
}

// ResponseTracker keeps the in-flight request map of one response type.
// The zero value is not usable; create one with NewResponseTracker. It
// is safe for concurrent use and cheap to share.
type ResponseTracker[C comparable, R Message[C]] struct {
	inner *trackerInner[C, R]
}

type trackerInner[C comparable, R Message[C]] struct {
	mu       sync.Mutex
	inFlight map[C]chan Envelope[R]
}

func NewResponseTracker[C comparable, R Message[C]]() ResponseTracker[C, R] {
	return ResponseTracker[C, R]{
		inner: &trackerInner[C, R]{inFlight: make(map[C]chan Envelope[R])},
	}
}

// NumInFlight returns the number of outstanding tokens.
func (t ResponseTracker[C, R]) NumInFlight() int {
	t.inner.mu.Lock()
	defer t.inner.mu.Unlock()
	return len(t.inner.inFlight)
}

// NewToken registers an in-flight entry for the correlation id. ok is
// false when the id is already in flight.
func (t ResponseTracker[C, R]) NewToken(cid C) (*Token[C, R], bool) {
	t.inner.mu.Lock()
	defer t.inner.mu.Unlock()
	if _, exists := t.inner.inFlight[cid]; exists {
		return nil, false
	}
	ch := make(chan Envelope[R], 1)
	t.inner.inFlight[cid] = ch
	return &Token[C, R]{cid: cid, tracker: t.inner, ch: ch}, true
}

// HandleMessage delivers an envelope to the matching in-flight token,
// removing the entry. When nothing is in flight for the id, the envelope
// is returned to the caller for fallback handling.
func (t ResponseTracker[C, R]) HandleMessage(env Envelope[R]) *Envelope[R] {
	t.inner.mu.Lock()
	ch, ok := t.inner.inFlight[env.Msg.CorrelationID()]
	if ok {
		delete(t.inner.inFlight, env.Msg.CorrelationID())
	}
	t.inner.mu.Unlock()

	if !ok {
		return &env
	}
	// Buffered and written exactly once per entry; never blocks.
	ch <- env
	return nil
}

// GenerateToken registers a token under a fresh random correlation id.
func GenerateToken[R Message[string]](t ResponseTracker[string, R]) (*Token[string, R], bool) {
	return t.NewToken(uuid.NewString())
}

// Token is the caller-side handle of one in-flight request. Callers
// should defer Release; it is a no-op after a successful receive, and
// otherwise removes the tracking entry so a late response is discarded
// harmlessly.
type Token[C comparable, R Message[C]] struct {
	cid     C
	tracker *trackerInner[C, R]
	ch      <-chan Envelope[R]

	mu   sync.Mutex
	done bool
}

// CorrelationID returns the id the token tracks.
func (t *Token[C, R]) CorrelationID() C {
	return t.cid
}

// Recv awaits the correlated response. It returns ErrShutdown when the
// global cancellation signal fires first, and the context error when the
// caller's context does. After a successful receive the tracker entry is
// already gone; no release is needed.
func (t *Token[C, R]) Recv(ctx context.Context, shutdown <-chan struct{}) (Envelope[R], error) {
	select {
	case env := <-t.ch:
		t.mu.Lock()
		t.done = true
		t.mu.Unlock()
		return env, nil
	case <-shutdown:
		return Envelope[R]{}, ErrShutdown
	case <-ctx.Done():
		return Envelope[R]{}, ctx.Err()
	}
}

// Release abandons the request. Idempotent; safe to defer
// unconditionally.
func (t *Token[C, R]) Release() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	t.mu.Unlock()

	t.tracker.mu.Lock()
	delete(t.tracker.inFlight, t.cid)
	t.tracker.mu.Unlock()
}

// Router pairs a sender with a response tracker to provide blocking
// calls over the bus. Inbound traffic must be fed to HandleMessage (or
// the tracker shared with whatever dispatches it).
type Router[C comparable, Req Message[C], Resp Message[C]] struct {
	sender   Sender[Req]
	tracker  ResponseTracker[C, Resp]
	shutdown <-chan struct{}
}

// NewRouter builds a router. The shutdown channel is the global
// cancellation signal; nil means the router never observes shutdown.
func NewRouter[C comparable, Req Message[C], Resp Message[C]](
	sender Sender[Req],
	shutdown <-chan struct{},
) *Router[C, Req, Resp] {
	return &Router[C, Req, Resp]{
		sender:   sender,
		tracker:  NewResponseTracker[C, Resp](),
		shutdown: shutdown,
	}
}

// Tracker exposes the router's response tracker for inbound dispatch.
func (r *Router[C, Req, Resp]) Tracker() ResponseTracker[C, Resp] {
	return r.tracker
}

// Call sends the request and blocks until the correlated response
// arrives, the context is done, or shutdown fires.
func (r *Router[C, Req, Resp]) Call(ctx context.Context, to string, msg Req) (Envelope[Resp], error) {
	token, ok := r.tracker.NewToken(msg.CorrelationID())
	if !ok {
		return Envelope[Resp]{}, errors.Wrap(ErrCorrelationIDExists, fmt.Sprint(msg.CorrelationID()))
	}
	defer token.Release()

	if err := r.sender.Send(ctx, to, msg); err != nil {
		return Envelope[Resp]{}, errors.Wrap(err, "send request")
	}
	return token.Recv(ctx, r.shutdown)
}

// StreamingResponseTracker drives an incoming envelope stream itself,
// delivering matches to tokens and surfacing the rest to the owner.
type StreamingResponseTracker[C comparable, R Message[C]] struct {
	flightTracker ResponseTracker[C, R]
	incoming      <-chan Envelope[R]
	shutdown      <-chan struct{}
}

func NewStreamingResponseTracker[C comparable, R Message[C]](
	incoming <-chan Envelope[R],
	shutdown <-chan struct{},
) *StreamingResponseTracker[C, R] {
	return &StreamingResponseTracker[C, R]{
		flightTracker: NewResponseTracker[C, R](),
		incoming:      incoming,
		shutdown:      shutdown,
	}
}

func (s *StreamingResponseTracker[C, R]) NewToken(cid C) (*Token[C, R], bool) {
	return s.flightTracker.NewToken(cid)
}

func (s *StreamingResponseTracker[C, R]) NumInFlight() int {
	return s.flightTracker.NumInFlight()
}

// HandleNextOrGet processes the next inbound envelope. It returns the
// envelope when no correlated request is in flight, nil when the
// envelope was delivered to a token, and false when the stream ended or
// shutdown fired.
func (s *StreamingResponseTracker[C, R]) HandleNextOrGet(ctx context.Context) (*Envelope[R], bool) {
	select {
	case env, ok := <-s.incoming:
		if !ok {
			return nil, false
		}
		return s.flightTracker.HandleMessage(env), true
	case <-s.shutdown:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}
