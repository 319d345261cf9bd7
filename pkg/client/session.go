// Package client is the Go SDK for the messaging service: it maintains an
// optimistic local message list, an event-stream subscription with
// automatic reconnection, and reconciles local entries against
// server-confirmed and broker-pushed ones.
package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/MrCobi/periodico-messaging/internal/model"
)

var (
	// ErrEmptyMessage means the content was empty after trimming; it is
	// rejected before any network call.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrNotMutualFollow means messaging is gated off for this pair.
	ErrNotMutualFollow = errors.New("users are not mutual followers")

	// ErrSessionClosed means the session was closed.
	ErrSessionClosed = errors.New("session is closed")

	// ErrSessionOpen means Open was called while a previous stream loop is
	// still running.
	ErrSessionOpen = errors.New("session is already open")
)

// State is the session's connection state.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Stream is one open server-to-client event stream.
type Stream interface {
	// Recv blocks until the next message event or a transport error.
	Recv() (*model.Message, error)
	Close() error
}

// API is the transport surface the session drives. The HTTP implementation
// lives in this package; tests substitute fakes.
type API interface {
	CheckMutualFollow(ctx context.Context, partnerID string) (bool, error)
	ListMessages(ctx context.Context, partnerID string) ([]model.Message, error)
	SendMessage(ctx context.Context, partnerID, content string) (*model.Message, error)
	MarkRead(ctx context.Context, partnerID string) error
	OpenStream(ctx context.Context, partnerID string) (Stream, error)
}

// DefaultReconnectDelay matches the reference client's fixed retry timer.
const DefaultReconnectDelay = 3 * time.Second

// Options configure a Session.
type Options struct {
	// Backoff builds the reconnect policy. The default is a constant
	// 3-second delay; swap in backoff.NewExponentialBackOff to back off
	// progressively under sustained failure.
	Backoff func() backoff.BackOff

	// OnState observes every state transition.
	OnState func(State)

	// OnMessage observes every newly ingested confirmed message (pushed or
	// recovered by a refresh), after deduplication.
	OnMessage func(model.Message)

	// OnError observes transport errors the session recovers from.
	OnError func(error)
}

// Session is one open conversation view.
type Session struct {
	api       API
	userID    string
	partnerID string
	opts      Options

	mu      sync.Mutex
	tl      *timeline
	canSend bool
	state   State

	cancel  context.CancelFunc
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// NewSession creates a session for the conversation between userID and
// partnerID. Call Open to load history and start the stream.
func NewSession(a API, userID, partnerID string, opts Options) *Session {
	if opts.Backoff == nil {
		opts.Backoff = func() backoff.BackOff {
			return backoff.NewConstantBackOff(DefaultReconnectDelay)
		}
	}
	return &Session{
		api:       a,
		userID:    userID,
		partnerID: partnerID,
		opts:      opts,
		tl:        newTimeline(),
		state:     StateClosed,
	}
}

// Open checks the mutual-follow gate, loads the conversation history and,
// when messaging is permitted, starts the event stream. When the gate is
// closed the session stays read-only: history is visible, CanSend reports
// false and no stream is opened.
func (s *Session) Open(ctx context.Context) error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return ErrSessionClosed
	}
	if s.running() {
		s.closeMu.Unlock()
		return ErrSessionOpen
	}
	s.closeMu.Unlock()

	mutual, err := s.api.CheckMutualFollow(ctx, s.partnerID)
	if err != nil {
		return err
	}

	msgs, err := s.api.ListMessages(ctx, s.partnerID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.canSend = mutual
	s.tl.replaceConfirmed(msgs)
	s.mu.Unlock()

	if !mutual {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		cancel()
		return ErrSessionClosed
	}
	// Re-checked under the lock: a concurrent Open may have started a loop
	// after the early check. Overwriting s.cancel here would leak it.
	if s.running() {
		s.closeMu.Unlock()
		cancel()
		return ErrSessionOpen
	}
	s.cancel = cancel
	s.done = make(chan struct{})
	s.closeMu.Unlock()

	go s.run(runCtx)
	return nil
}

// running reports whether a run loop is active. Caller holds closeMu.
func (s *Session) running() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// run owns the stream lifecycle: Connecting -> Open -> (Backoff ->
// Connecting)* until the session is closed. Every exit path releases the
// current stream and stops the pending reconnect timer.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.setState(StateClosed)

	policy := s.opts.Backoff()

	for {
		s.setState(StateConnecting)

		stream, err := s.api.OpenStream(ctx, s.partnerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.reportError(err)
			if !s.waitBackoff(ctx, policy) {
				return
			}
			continue
		}

		policy.Reset()
		s.setState(StateOpen)

		// Recover anything published while disconnected. Dedup makes the
		// refresh safe to repeat.
		if msgs, err := s.api.ListMessages(ctx, s.partnerID); err == nil {
			s.mergeConfirmed(msgs)
		}

		err = s.consume(stream)
		stream.Close()

		if ctx.Err() != nil {
			return
		}
		s.reportError(err)
		if !s.waitBackoff(ctx, policy) {
			return
		}
	}
}

// consume pumps the stream until a transport error.
func (s *Session) consume(stream Stream) error {
	for {
		msg, err := stream.Recv()
		if err != nil {
			return err
		}
		s.ingest(*msg)
	}
}

// waitBackoff sleeps for the policy's next delay. It returns false when the
// session is closed first or the policy gives up.
func (s *Session) waitBackoff(ctx context.Context, policy backoff.BackOff) bool {
	delay := policy.NextBackOff()
	if delay == backoff.Stop {
		return false
	}

	s.setState(StateBackoff)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Send inserts an optimistic entry, issues the send, and reconciles:
// confirmed in place on success, removed on failure. Failed content is not
// retried automatically.
func (s *Session) Send(ctx context.Context, content string) (*model.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if !s.CanSend() {
		return nil, ErrNotMutualFollow
	}

	localID := model.LocalIDPrefix + uuid.New().String()
	s.mu.Lock()
	s.tl.addPending(model.Message{
		ID:         localID,
		SenderID:   s.userID,
		ReceiverID: s.partnerID,
		Content:    content,
		CreatedAt:  time.Now(),
	}, localID)
	s.mu.Unlock()

	msg, err := s.api.SendMessage(ctx, s.partnerID, content)
	if err != nil {
		s.mu.Lock()
		s.tl.removePending(localID)
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	s.tl.confirm(localID, *msg)
	s.mu.Unlock()
	return msg, nil
}

// MarkRead marks the conversation read on the server.
func (s *Session) MarkRead(ctx context.Context) error {
	return s.api.MarkRead(ctx, s.partnerID)
}

// Messages returns a snapshot of the timeline in display order.
func (s *Session) Messages() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tl.snapshot()
}

// GroupedByDate returns the timeline partitioned by calendar date.
func (s *Session) GroupedByDate() []DateGroup {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tl.groupedByDate()
}

// CanSend reports whether the mutual-follow gate was open when the view was
// opened.
func (s *Session) CanSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canSend
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close tears the session down: the stream subscription and any pending
// reconnect timer are cancelled on every exit path. Idempotent.
func (s *Session) Close() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	s.closeMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	} else {
		s.setState(StateClosed)
	}
}

func (s *Session) ingest(msg model.Message) {
	s.mu.Lock()
	added := s.tl.ingest(msg)
	s.mu.Unlock()

	if added && s.opts.OnMessage != nil {
		s.opts.OnMessage(msg)
	}
}

func (s *Session) mergeConfirmed(msgs []model.Message) {
	for _, m := range msgs {
		s.ingest(m)
	}
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	changed := s.state != next
	s.state = next
	s.mu.Unlock()

	if changed && s.opts.OnState != nil {
		s.opts.OnState(next)
	}
}

func (s *Session) reportError(err error) {
	if err != nil && s.opts.OnError != nil {
		s.opts.OnError(err)
	}
}
