package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrCobi/periodico-messaging/internal/model"
)

// fakeStream delivers scripted messages and failures. Recv honors the
// context OpenStream was called with, mirroring the HTTP transport.
type fakeStream struct {
	ctx  context.Context
	msgs chan *model.Message
	errs chan error
}

func (s *fakeStream) Recv() (*model.Message, error) {
	select {
	case m := <-s.msgs:
		return m, nil
	case err := <-s.errs:
		return nil, err
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

func (s *fakeStream) Close() error { return nil }

// push blocks until the session consumes the message.
func (s *fakeStream) push(m model.Message) { s.msgs <- &m }

func (s *fakeStream) fail() { s.errs <- errors.New("stream interrupted") }

type fakeAPI struct {
	mu        sync.Mutex
	mutual    bool
	history   []model.Message
	openErrs  int
	openCalls int
	streams   []*fakeStream
	sendFn    func(partnerID, content string) (*model.Message, error)
	sendCalls int
	markReads int
}

func (a *fakeAPI) CheckMutualFollow(ctx context.Context, partnerID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mutual, nil
}

func (a *fakeAPI) ListMessages(ctx context.Context, partnerID string) ([]model.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.Message, len(a.history))
	copy(out, a.history)
	return out, nil
}

func (a *fakeAPI) SendMessage(ctx context.Context, partnerID, content string) (*model.Message, error) {
	a.mu.Lock()
	a.sendCalls++
	n := a.sendCalls
	fn := a.sendFn
	a.mu.Unlock()

	if fn != nil {
		return fn(partnerID, content)
	}

	msg := model.Message{
		ID:         fmt.Sprintf("srv-%d", n),
		SenderID:   "me",
		ReceiverID: partnerID,
		Content:    content,
		CreatedAt:  time.Now(),
	}
	a.mu.Lock()
	a.history = append(a.history, msg)
	a.mu.Unlock()
	return &msg, nil
}

func (a *fakeAPI) MarkRead(ctx context.Context, partnerID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markReads++
	return nil
}

func (a *fakeAPI) OpenStream(ctx context.Context, partnerID string) (Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.openCalls++
	if a.openCalls <= a.openErrs {
		return nil, errors.New("connection refused")
	}
	st := &fakeStream{
		ctx:  ctx,
		msgs: make(chan *model.Message),
		errs: make(chan error),
	}
	a.streams = append(a.streams, st)
	return st, nil
}

func (a *fakeAPI) opens() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.openCalls
}

func (a *fakeAPI) sends() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sendCalls
}

func (a *fakeAPI) setHistory(msgs []model.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = msgs
}

// waitStream blocks until the nth stream (1-based) has been opened.
func (a *fakeAPI) waitStream(t *testing.T, n int) *fakeStream {
	t.Helper()
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return len(a.streams) >= n
	}, 2*time.Second, 5*time.Millisecond)

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streams[n-1]
}

func fastBackoff() backoff.BackOff {
	return backoff.NewConstantBackOff(5 * time.Millisecond)
}

func serverMsg(id, sender, content string) model.Message {
	return model.Message{
		ID:         id,
		SenderID:   sender,
		ReceiverID: "me",
		Content:    content,
		CreatedAt:  time.Now(),
	}
}

func entryIDs(entries []Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.Message.ID
	}
	return ids
}

func TestOpenLoadsHistoryAndConnects(t *testing.T) {
	api := &fakeAPI{
		mutual: true,
		history: []model.Message{
			serverMsg("h1", "partner", "hola"),
			serverMsg("h2", "partner", "que tal"),
		},
	}
	s := NewSession(api, "me", "partner", Options{Backoff: fastBackoff})
	defer s.Close()

	require.NoError(t, s.Open(context.Background()))

	assert.True(t, s.CanSend())
	assert.Equal(t, []string{"h1", "h2"}, entryIDs(s.Messages()))

	require.Eventually(t, func() bool {
		return s.State() == StateOpen
	}, 2*time.Second, 5*time.Millisecond)
}

func TestOpenReadOnlyWithoutMutualFollow(t *testing.T) {
	api := &fakeAPI{
		mutual:  false,
		history: []model.Message{serverMsg("h1", "partner", "old")},
	}
	s := NewSession(api, "me", "partner", Options{Backoff: fastBackoff})
	defer s.Close()

	require.NoError(t, s.Open(context.Background()))

	// History is visible, but no stream is opened and sends are gated.
	assert.Equal(t, []string{"h1"}, entryIDs(s.Messages()))
	assert.False(t, s.CanSend())
	assert.Zero(t, api.opens())

	_, err := s.Send(context.Background(), "hola")
	require.ErrorIs(t, err, ErrNotMutualFollow)
	assert.Zero(t, api.sends())
}

func TestSendConfirmsOptimisticEntryInPlace(t *testing.T) {
	api := &fakeAPI{
		mutual:  true,
		history: []model.Message{serverMsg("h1", "partner", "hola")},
	}

	var s *Session
	api.sendFn = func(partnerID, content string) (*model.Message, error) {
		// While the request is in flight the optimistic entry is visible
		// at the tail with a local placeholder id.
		entries := s.Messages()
		require.Len(t, entries, 2)
		last := entries[1]
		assert.True(t, last.Pending)
		assert.True(t, strings.HasPrefix(last.Message.ID, model.LocalIDPrefix))
		assert.Equal(t, content, last.Message.Content)

		return &model.Message{
			ID:         "srv-42",
			SenderID:   "me",
			ReceiverID: partnerID,
			Content:    content,
			CreatedAt:  time.Now(),
		}, nil
	}

	s = NewSession(api, "me", "partner", Options{Backoff: fastBackoff})
	defer s.Close()
	require.NoError(t, s.Open(context.Background()))

	msg, err := s.Send(context.Background(), "que tal")
	require.NoError(t, err)
	assert.Equal(t, "srv-42", msg.ID)

	// Confirmed in place: same position, final id, no placeholder left.
	entries := s.Messages()
	require.Len(t, entries, 2)
	assert.Equal(t, []string{"h1", "srv-42"}, entryIDs(entries))
	assert.False(t, entries[1].Pending)
}

func TestSendFailureRollsBack(t *testing.T) {
	api := &fakeAPI{
		mutual:  true,
		history: []model.Message{serverMsg("h1", "partner", "hola")},
	}
	api.sendFn = func(partnerID, content string) (*model.Message, error) {
		return nil, errors.New("boom")
	}

	s := NewSession(api, "me", "partner", Options{Backoff: fastBackoff})
	defer s.Close()
	require.NoError(t, s.Open(context.Background()))

	_, err := s.Send(context.Background(), "que tal")
	require.Error(t, err)

	// The optimistic entry is gone; the failed content is not retried.
	assert.Equal(t, []string{"h1"}, entryIDs(s.Messages()))
}

func TestSendRejectsEmptyContentLocally(t *testing.T) {
	api := &fakeAPI{mutual: true}
	s := NewSession(api, "me", "partner", Options{Backoff: fastBackoff})
	defer s.Close()
	require.NoError(t, s.Open(context.Background()))

	for _, content := range []string{"", "   ", "\t\n"} {
		_, err := s.Send(context.Background(), content)
		assert.ErrorIs(t, err, ErrEmptyMessage)
	}
	assert.Zero(t, api.sends(), "empty sends must not reach the server")
}

func TestStreamedMessagesAreDeduplicated(t *testing.T) {
	api := &fakeAPI{mutual: true}

	received := make(chan model.Message, 16)
	s := NewSession(api, "me", "partner", Options{
		Backoff:   fastBackoff,
		OnMessage: func(m model.Message) { received <- m },
	})
	defer s.Close()
	require.NoError(t, s.Open(context.Background()))

	stream := api.waitStream(t, 1)

	stream.push(serverMsg("m1", "partner", "hola"))
	require.Equal(t, "m1", (<-received).ID)

	// A redelivery of m1 must collapse; m2 proves it was processed.
	stream.push(serverMsg("m1", "partner", "hola"))
	stream.push(serverMsg("m2", "partner", "que tal"))
	require.Equal(t, "m2", (<-received).ID)

	assert.Equal(t, []string{"m1", "m2"}, entryIDs(s.Messages()))
}

func TestStreamDedupAgainstOwnConfirmedSend(t *testing.T) {
	api := &fakeAPI{mutual: true}

	received := make(chan model.Message, 16)
	s := NewSession(api, "me", "partner", Options{
		Backoff:   fastBackoff,
		OnMessage: func(m model.Message) { received <- m },
	})
	defer s.Close()
	require.NoError(t, s.Open(context.Background()))

	stream := api.waitStream(t, 1)

	msg, err := s.Send(context.Background(), "hola")
	require.NoError(t, err)

	// The server may echo the sender's own message on the stream; the
	// confirmed entry already claimed its id.
	stream.push(*msg)
	stream.push(serverMsg("m2", "partner", "reply"))
	require.Equal(t, "m2", (<-received).ID)

	assert.Equal(t, []string{msg.ID, "m2"}, entryIDs(s.Messages()))
}

func TestReconnectsWithBackoffUntilStreamOpens(t *testing.T) {
	api := &fakeAPI{mutual: true, openErrs: 3}

	var stateMu sync.Mutex
	var states []State
	var streamErrs int

	s := NewSession(api, "me", "partner", Options{
		Backoff: fastBackoff,
		OnState: func(st State) {
			stateMu.Lock()
			states = append(states, st)
			stateMu.Unlock()
		},
		OnError: func(error) {
			stateMu.Lock()
			streamErrs++
			stateMu.Unlock()
		},
	})
	defer s.Close()
	require.NoError(t, s.Open(context.Background()))

	require.Eventually(t, func() bool {
		return s.State() == StateOpen
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, api.opens(), "three failures then one success")

	stateMu.Lock()
	backoffs := 0
	for _, st := range states {
		if st == StateBackoff {
			backoffs++
		}
	}
	assert.Equal(t, 3, backoffs)
	assert.Equal(t, 3, streamErrs, "every failed attempt is surfaced")
	stateMu.Unlock()

	// The surviving connection delivers.
	stream := api.waitStream(t, 1)
	consumed := make(chan struct{})
	go func() {
		stream.push(serverMsg("m1", "partner", "hola"))
		close(consumed)
	}()
	select {
	case <-consumed:
	case <-time.After(2 * time.Second):
		t.Fatal("message was not consumed after reconnect")
	}
}

func TestReconnectRecoversMissedMessagesWithoutDuplicates(t *testing.T) {
	api := &fakeAPI{mutual: true}

	received := make(chan model.Message, 16)
	s := NewSession(api, "me", "partner", Options{
		Backoff:   fastBackoff,
		OnMessage: func(m model.Message) { received <- m },
	})
	defer s.Close()
	require.NoError(t, s.Open(context.Background()))

	stream1 := api.waitStream(t, 1)
	msgA := serverMsg("a", "partner", "before drop")
	stream1.push(msgA)
	require.Equal(t, "a", (<-received).ID)

	// The connection drops; b arrives while disconnected and is only in
	// the server history.
	msgB := serverMsg("b", "partner", "while disconnected")
	api.setHistory([]model.Message{msgA, msgB})
	stream1.fail()

	stream2 := api.waitStream(t, 2)

	// The post-reconnect refresh recovers b exactly once.
	require.Equal(t, "b", (<-received).ID)

	// A late redelivery of b on the new stream collapses; c proves the
	// stream is live again.
	stream2.push(msgB)
	stream2.push(serverMsg("c", "partner", "after reconnect"))
	require.Equal(t, "c", (<-received).ID)

	assert.Equal(t, []string{"a", "b", "c"}, entryIDs(s.Messages()))
}

func TestCloseDuringBackoffReturnsPromptly(t *testing.T) {
	api := &fakeAPI{mutual: true, openErrs: 1 << 30}

	s := NewSession(api, "me", "partner", Options{
		Backoff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(time.Hour)
		},
	})
	require.NoError(t, s.Open(context.Background()))

	require.Eventually(t, func() bool {
		return api.opens() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not cancel the pending reconnect timer")
	}
	assert.Equal(t, StateClosed, s.State())
}

func TestOpenWhileRunningIsRejected(t *testing.T) {
	api := &fakeAPI{mutual: true}
	s := NewSession(api, "me", "partner", Options{Backoff: fastBackoff})
	defer s.Close()

	require.NoError(t, s.Open(context.Background()))
	require.Eventually(t, func() bool {
		return s.State() == StateOpen
	}, 2*time.Second, 5*time.Millisecond)

	// A second Open must not spawn a second loop over the first one.
	require.ErrorIs(t, s.Open(context.Background()), ErrSessionOpen)
	assert.Equal(t, 1, api.opens())

	// The original loop is untouched: Close still tears it down cleanly.
	s.Close()
	assert.Equal(t, StateClosed, s.State())
}

func TestOpenAgainAfterReadOnlyOpen(t *testing.T) {
	// A gated Open starts no loop, so the session may be reopened once the
	// follow becomes mutual.
	api := &fakeAPI{mutual: false}
	s := NewSession(api, "me", "partner", Options{Backoff: fastBackoff})
	defer s.Close()

	require.NoError(t, s.Open(context.Background()))
	assert.False(t, s.CanSend())

	api.mu.Lock()
	api.mutual = true
	api.mu.Unlock()

	require.NoError(t, s.Open(context.Background()))
	assert.True(t, s.CanSend())
	require.Eventually(t, func() bool {
		return s.State() == StateOpen
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCloseIsIdempotentAndFinal(t *testing.T) {
	api := &fakeAPI{mutual: true}
	s := NewSession(api, "me", "partner", Options{Backoff: fastBackoff})
	require.NoError(t, s.Open(context.Background()))

	s.Close()
	s.Close()

	assert.Equal(t, StateClosed, s.State())
	require.ErrorIs(t, s.Open(context.Background()), ErrSessionClosed)
}

func TestMarkReadDelegates(t *testing.T) {
	api := &fakeAPI{mutual: true}
	s := NewSession(api, "me", "partner", Options{Backoff: fastBackoff})
	defer s.Close()
	require.NoError(t, s.Open(context.Background()))

	require.NoError(t, s.MarkRead(context.Background()))
	api.mu.Lock()
	assert.Equal(t, 1, api.markReads)
	api.mu.Unlock()
}
