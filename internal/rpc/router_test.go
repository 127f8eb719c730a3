package rpc

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testResponse struct {
	cid  uint64
	text string
}

func (r testResponse) CorrelationID() uint64 { return r.cid }

type testRequest struct {
	cid uint64
}

func (r testRequest) CorrelationID() uint64 { return r.cid }

func TestFlightTrackerDrop(t *testing.T) {
	tracker := NewResponseTracker[uint64, testResponse]()
	require.Equal(t, 0, tracker.NumInFlight())

	token, ok := tracker.NewToken(1)
	require.True(t, ok)
	require.Equal(t, 1, tracker.NumInFlight())
	token.Release()
	require.Equal(t, 0, tracker.NumInFlight())

	// Receive with a deadline, then abandon: the entry must be gone.
	token, ok = tracker.NewToken(1)
	require.True(t, ok)
	require.Equal(t, 1, tracker.NumInFlight())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := token.Recv(ctx, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	token.Release()
	require.Equal(t, 0, tracker.NumInFlight())

	// A later inbound message for the abandoned id is unmatched.
	unmatched := tracker.HandleMessage(Envelope[testResponse]{From: "n1", Msg: testResponse{cid: 1}})
	require.NotNil(t, unmatched)
}

func TestFlightTrackerSendRecv(t *testing.T) {
	tracker := NewResponseTracker[uint64, testResponse]()
	token, ok := tracker.NewToken(1)
	require.True(t, ok)
	require.Equal(t, 1, tracker.NumInFlight())

	// Unrelated correlation id: returned to the caller, entry untouched.
	unmatched := tracker.HandleMessage(Envelope[testResponse]{
		From: "n1",
		Msg:  testResponse{cid: 42, text: "test"},
	})
	require.NotNil(t, unmatched)
	require.Equal(t, uint64(42), unmatched.Msg.CorrelationID())
	require.Equal(t, 1, tracker.NumInFlight())

	// Matching correlation id: delivered, entry removed.
	delivered := tracker.HandleMessage(Envelope[testResponse]{
		From: "n1",
		Msg:  testResponse{cid: 1, text: "a very real message"},
	})
	require.Nil(t, delivered)
	require.Equal(t, 0, tracker.NumInFlight())

	env, err := token.Recv(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "n1", env.From)
	require.Equal(t, "a very real message", env.Msg.text)

	// Release after a successful receive must not double-remove.
	token.Release()
	require.Equal(t, 0, tracker.NumInFlight())
}

func TestDuplicateCorrelationID(t *testing.T) {
	tracker := NewResponseTracker[uint64, testResponse]()
	token, ok := tracker.NewToken(7)
	require.True(t, ok)
	defer token.Release()

	dup, ok := tracker.NewToken(7)
	require.False(t, ok)
	require.Nil(t, dup)
	require.Equal(t, 1, tracker.NumInFlight())
}

func TestTrackerIsLeakproof(t *testing.T) {
	tracker := NewResponseTracker[uint64, testResponse]()

	var tokens []*Token[uint64, testResponse]
	for cid := uint64(1); cid <= 20; cid++ {
		token, ok := tracker.NewToken(cid)
		require.True(t, ok)
		tokens = append(tokens, token)
	}
	require.Equal(t, 20, tracker.NumInFlight())

	// Deliver half, abandon the other half.
	for cid := uint64(1); cid <= 10; cid++ {
		require.Nil(t, tracker.HandleMessage(Envelope[testResponse]{Msg: testResponse{cid: cid}}))
	}
	for _, token := range tokens {
		token.Release()
	}
	require.Equal(t, 0, tracker.NumInFlight())
}

func TestRecvObservesShutdown(t *testing.T) {
	tracker := NewResponseTracker[uint64, testResponse]()
	token, ok := tracker.NewToken(1)
	require.True(t, ok)
	defer token.Release()

	shutdown := make(chan struct{})
	close(shutdown)
	_, err := token.Recv(context.Background(), shutdown)
	require.ErrorIs(t, err, ErrShutdown)
}

func TestGenerateTokenUsesFreshIDs(t *testing.T) {
	tracker := NewResponseTracker[string, strMsg]()
	a, ok := GenerateToken(tracker)
	require.True(t, ok)
	b, ok := GenerateToken(tracker)
	require.True(t, ok)
	require.NotEqual(t, a.CorrelationID(), b.CorrelationID())
	a.Release()
	b.Release()
	require.Equal(t, 0, tracker.NumInFlight())
}

type strMsg struct{ cid string }

func (m strMsg) CorrelationID() string { return m.cid }

// loopbackSender feeds every request straight back into the tracker as a
// response.
type loopbackSender struct {
	deliver func(cid uint64)
}

func (s loopbackSender) Send(_ context.Context, _ string, msg testRequest) error {
	go s.deliver(msg.CorrelationID())
	return nil
}

func TestRouterCall(t *testing.T) {
	var router *Router[uint64, testRequest, testResponse]
	router = NewRouter[uint64, testRequest, testResponse](loopbackSender{
		deliver: func(cid uint64) {
			router.Tracker().HandleMessage(Envelope[testResponse]{
				From: "n2",
				Msg:  testResponse{cid: cid, text: fmt.Sprintf("reply-%d", cid)},
			})
		},
	}, nil)

	env, err := router.Call(context.Background(), "n2", testRequest{cid: 9})
	require.NoError(t, err)
	require.Equal(t, "reply-9", env.Msg.text)
	require.Equal(t, 0, router.Tracker().NumInFlight())
}

func TestStreamingTracker(t *testing.T) {
	incoming := make(chan Envelope[testResponse], 2)
	tracker := NewStreamingResponseTracker[uint64, testResponse](incoming, nil)

	token, ok := tracker.NewToken(5)
	require.True(t, ok)

	incoming <- Envelope[testResponse]{Msg: testResponse{cid: 99, text: "stray"}}
	incoming <- Envelope[testResponse]{Msg: testResponse{cid: 5, text: "mine"}}

	env, more := tracker.HandleNextOrGet(context.Background())
	require.True(t, more)
	require.NotNil(t, env)
	require.Equal(t, "stray", env.Msg.text)

	env, more = tracker.HandleNextOrGet(context.Background())
	require.True(t, more)
	require.Nil(t, env)

	got, err := token.Recv(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, "mine", got.Msg.text)

	close(incoming)
	_, more = tracker.HandleNextOrGet(context.Background())
	require.False(t, more)
}
