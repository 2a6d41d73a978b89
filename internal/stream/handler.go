package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"harbor/internal/client"
	"harbor/internal/event"
	"harbor/internal/logging"
	"harbor/internal/metrics"
)

var ErrSubscriptionNotFound = errors.New("no subscription for session")

const (
	DefaultBatchWindow   = 2 * time.Second
	DefaultReconnectBase = time.Second
	DefaultReconnectCap  = 16 * time.Second
	defaultEventBuffer   = 64
)

// OpenFunc opens the persistent event stream for a session. Swappable in
// tests.
type OpenFunc func(ctx context.Context, httpClient *http.Client, baseURL, sessionID string) (io.ReadCloser, error)

type Options struct {
	HTTPClient *http.Client
	Logger     *logging.Logger
	Metrics    *metrics.Registry
	Bus        *event.Bus[event.SessionEvent] // Optional relay for API consumers.

	BatchWindow   time.Duration
	DedupTTL      time.Duration
	ReconnectBase time.Duration
	ReconnectCap  time.Duration

	Open OpenFunc // Defaults to client.OpenEventStream.
}

// Handler owns all session subscriptions: at most one live subscription
// per session id, each backed by one background task.
type Handler struct {
	options Options
	logger  *logging.Logger
	open    OpenFunc

	mu   sync.Mutex
	subs map[string]*Subscription
}

func NewHandler(options Options) *Handler {
	if options.BatchWindow <= 0 {
		options.BatchWindow = DefaultBatchWindow
	}
	if options.DedupTTL <= 0 {
		options.DedupTTL = DefaultDedupTTL
	}
	if options.ReconnectBase <= 0 {
		options.ReconnectBase = DefaultReconnectBase
	}
	if options.ReconnectCap <= 0 {
		options.ReconnectCap = DefaultReconnectCap
	}
	if options.Metrics == nil {
		options.Metrics = metrics.Default
	}
	open := options.Open
	if open == nil {
		open = client.OpenEventStream
	}
	return &Handler{
		options: options,
		logger:  options.Logger,
		open:    open,
		subs:    make(map[string]*Subscription),
	}
}

// Subscription is the consumer handle for one session's event stream.
type Subscription struct {
	sessionID string
	baseURL   string

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	dedup  *dedupTable

	mu    sync.Mutex
	state ConnectionState
}

// Events yields normalized events in source order. The channel closes when
// the subscription ends.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) SessionID() string {
	return s.sessionID
}

func (s *Subscription) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscription) setState(state ConnectionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Subscribe opens a live subscription for sessionID against the worker at
// baseURL. An existing subscription for the session is cancelled and
// joined first, so its residual buffers never leak into the new one.
func (h *Handler) Subscribe(sessionID, baseURL string) (*Subscription, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		sessionID: sessionID,
		baseURL:   strings.TrimRight(baseURL, "/"),
		events:    make(chan Event, defaultEventBuffer),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		dedup:     newDedupTable(h.options.DedupTTL),
		state:     StateDisconnected,
	}

	// Swap the new subscription in under one lock so two concurrent
	// Subscribe calls for the same session always displace each other;
	// only the map's current occupant keeps running.
	h.mu.Lock()
	prior := h.subs[sessionID]
	h.subs[sessionID] = sub
	h.mu.Unlock()

	go h.run(sub)

	if prior != nil {
		prior.cancel()
		<-prior.done
	}
	return sub, nil
}

// Unsubscribe cancels the session's background task and waits for it to
// terminate before returning. All per-session buffers and dedup state are
// released.
func (h *Handler) Unsubscribe(sessionID string) error {
	h.mu.Lock()
	sub, ok := h.subs[sessionID]
	if ok {
		delete(h.subs, sessionID)
	}
	h.mu.Unlock()
	if !ok {
		return ErrSubscriptionNotFound
	}
	sub.cancel()
	<-sub.done
	return nil
}

// MarkDelivered records text as already delivered for the session; a
// matching inbound chunk within the dedup window is suppressed.
func (h *Handler) MarkDelivered(sessionID, text string) error {
	h.mu.Lock()
	sub, ok := h.subs[sessionID]
	h.mu.Unlock()
	if !ok {
		return ErrSubscriptionNotFound
	}
	sub.dedup.mark(text)
	return nil
}

// State reports the connection state for a session's subscription.
func (h *Handler) State(sessionID string) (ConnectionState, error) {
	h.mu.Lock()
	sub, ok := h.subs[sessionID]
	h.mu.Unlock()
	if !ok {
		return StateClosed, ErrSubscriptionNotFound
	}
	return sub.State(), nil
}

// Close cancels and joins every subscription.
func (h *Handler) Close() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[string]*Subscription)
	h.mu.Unlock()
	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
}

// run keeps the session's stream open until cancelled, reconnecting with
// exponential backoff after failures.
func (h *Handler) run(sub *Subscription) {
	defer func() {
		sub.setState(StateClosed)
		close(sub.events)
		close(sub.done)
	}()

	backoff := h.options.ReconnectBase
	connectedBefore := false
	for {
		if sub.ctx.Err() != nil {
			return
		}
		sub.setState(StateConnecting)

		reader, err := h.open(sub.ctx, h.options.HTTPClient, sub.baseURL, sub.sessionID)
		if err != nil {
			if sub.ctx.Err() != nil {
				return
			}
			if h.logger != nil {
				h.logger.Warn("stream connect failed", map[string]string{
					"session_id": sub.sessionID,
					"error":      err.Error(),
				})
			}
			if !h.waitBackoff(sub, backoff) {
				return
			}
			backoff = nextBackoff(backoff, h.options.ReconnectCap)
			continue
		}

		sub.setState(StateConnected)
		if connectedBefore {
			h.emit(sub, newEvent(KindReconnected, sub.sessionID))
			h.options.Metrics.IncStreamReconnect()
		}
		connectedBefore = true
		backoff = h.options.ReconnectBase

		err = h.consume(sub, reader)
		if sub.ctx.Err() != nil {
			return
		}
		if h.logger != nil {
			h.logger.Warn("stream disconnected", map[string]string{
				"session_id": sub.sessionID,
				"error":      errString(err),
			})
		}
		h.emit(sub, newEvent(KindDisconnected, sub.sessionID))
		sub.setState(StateConnecting)
		if !h.waitBackoff(sub, backoff) {
			return
		}
		backoff = nextBackoff(backoff, h.options.ReconnectCap)
	}
}

// consume reads frames from one open stream, batching text and emitting
// normalized events until the stream ends or the subscription is
// cancelled. Accumulated text always precedes the event that forces its
// flush.
func (h *Handler) consume(sub *Subscription, reader io.ReadCloser) error {
	frames := make(chan frame)
	readErr := make(chan error, 1)
	go func() {
		err := readFrames(reader, frames)
		close(frames)
		readErr <- err
	}()

	var pending strings.Builder
	flushTimer := time.NewTimer(h.options.BatchWindow)
	stopTimer(flushTimer)
	defer flushTimer.Stop()

	flush := func() {
		if pending.Len() == 0 {
			return
		}
		ev := newEvent(KindTextChunk, sub.sessionID)
		ev.Text = pending.String()
		pending.Reset()
		stopTimer(flushTimer)
		h.emit(sub, ev)
	}

	for {
		select {
		case <-sub.ctx.Done():
			reader.Close()
			for range frames {
			}
			flush()
			return sub.ctx.Err()
		case <-flushTimer.C:
			flush()
		case f, ok := <-frames:
			if !ok {
				flush()
				return <-readErr
			}
			ev, recognized := normalizeFrame(sub.sessionID, f, h.logger)
			if !recognized {
				continue
			}
			if ev.Kind == KindTextChunk {
				if sub.dedup.suppress(ev.Text) {
					continue
				}
				pending.WriteString(ev.Text)
				stopTimer(flushTimer)
				flushTimer.Reset(h.options.BatchWindow)
				continue
			}
			flush()
			h.emit(sub, ev)
		}
	}
}

// emit delivers an event to the subscriber and relays it onto the session
// bus. Delivery blocks to preserve order; a cancelled subscription drops
// the event instead.
func (h *Handler) emit(sub *Subscription, ev Event) {
	select {
	case sub.events <- ev:
	case <-sub.ctx.Done():
		h.options.Metrics.IncFrameDropped()
		return
	}
	if h.options.Bus != nil {
		relay := event.SessionEvent{
			EventType:  string(ev.Kind),
			SessionID:  ev.SessionID,
			Text:       ev.Text,
			Data:       ev.Data,
			OccurredAt: ev.OccurredAt,
		}
		h.options.Bus.Publish(relay)
	}
}

// waitBackoff sleeps the backoff delay; false means the subscription was
// cancelled while waiting.
func (h *Handler) waitBackoff(sub *Subscription, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-sub.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func nextBackoff(current, cap time.Duration) time.Duration {
	next := current * 2
	if next > cap {
		return cap
	}
	return next
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func errString(err error) string {
	if err == nil {
		return "stream closed"
	}
	return err.Error()
}
