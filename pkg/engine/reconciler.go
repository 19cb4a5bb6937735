package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/presence"
	"chatsync/pkg/store"
	"chatsync/pkg/telemetry"
	"chatsync/pkg/visibility"
)

// Session is an open conversation subscription. A single goroutine owns
// all of its state: watermark updates and message snapshots are totally
// ordered relative to each other, so a filter never observes a torn pair.
//
// Lifecycle: Initializing (inside OpenConversation, watermark not yet
// known) -> Active (feeds subscribed) -> Closed (terminal; reopening
// always starts over).
type Session struct {
	e              *Engine
	ctx            context.Context
	conversationID string
	userID         string

	msgFeed  store.Feed
	convFeed store.Feed

	out       chan []models.Message
	typingOut chan bool
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Loop-owned state below; never touched outside the run goroutine.
	wm         int64
	hasWM      bool
	raw        []models.Message
	typingInfo map[string]int64
	lastTyping bool
	typingSent bool
}

// OpenConversation opens a live session for userID on a conversation.
//
// The initial cleared-at watermark is captured with a one-time read
// BEFORE the message feed is subscribed. Subscribing first would let the
// initial burst of messages through unfiltered and flash history the user
// has cleared.
func (e *Engine) OpenConversation(ctx context.Context, conversationID, userID string) (*Session, error) {
	doc, err := e.store.GetOnce(ctx, "conversations/"+conversationID)
	if err != nil {
		return nil, fmt.Errorf("open conversation: %w", err)
	}
	conv, err := docToConversation(doc)
	if err != nil {
		return nil, fmt.Errorf("open conversation: decode: %w", err)
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}

	s := &Session{
		e:              e,
		ctx:            ctx,
		conversationID: conversationID,
		userID:         userID,
		out:            make(chan []models.Message, 1),
		typingOut:      make(chan bool, 1),
		closing:        make(chan struct{}),
		done:           make(chan struct{}),
		typingInfo:     conv.TypingInfo,
	}
	s.wm, s.hasWM = visibility.Watermark(conv.ClearedAt, userID)

	// Watermark known: now subscribe. The conversation doc gets its own
	// live feed so later watermark changes are picked up.
	s.msgFeed = e.store.Subscribe(store.Query{Path: "conversations/" + conversationID + "/messages"})
	s.convFeed = e.store.Subscribe(store.Query{Path: "conversations/" + conversationID})

	telemetry.OpenSessions.Inc()
	logger.Debug("session_opened", "conversation", conversationID, "user", userID)
	go s.run()
	return s, nil
}

// Messages is the live sequence of visible, ordered messages. Delivery is
// latest-wins; the channel closes when the session closes.
func (s *Session) Messages() <-chan []models.Message { return s.out }

// Typing reports whether another participant is currently typing. The
// signal is re-derived at least once per second from wall-clock comparison
// so stale stamps expire without any server-side delete.
func (s *Session) Typing() <-chan bool { return s.typingOut }

// ConversationID returns the subscribed conversation id.
func (s *Session) ConversationID() string { return s.conversationID }

// Close tears down both feeds and waits for the session goroutine to
// finish. Closed is terminal: in-flight snapshots are discarded, never
// published. Reopening restarts from a fresh watermark read.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
	<-s.done
}

func (s *Session) run() {
	ticker := time.NewTicker(s.e.typingTick)
	defer func() {
		ticker.Stop()
		s.msgFeed.Cancel()
		s.convFeed.Cancel()
		telemetry.OpenSessions.Dec()
		close(s.out)
		close(s.typingOut)
		close(s.done)
		logger.Debug("session_closed", "conversation", s.conversationID, "user", s.userID)
	}()
	for {
		select {
		case <-s.closing:
			return
		case snap, ok := <-s.convFeed.Snapshots():
			if !ok {
				return
			}
			s.applyConversation(snap)
		case snap, ok := <-s.msgFeed.Snapshots():
			if !ok {
				return
			}
			// Pick up any pending watermark change first so the filter
			// below always uses the current value, not the one captured
			// when this snapshot was queued.
			s.drainWatermark()
			s.raw = decodeMessages(snap)
			s.publish()
		case <-ticker.C:
			s.deriveTyping()
		}
	}
}

func (s *Session) drainWatermark() {
	for {
		select {
		case snap, ok := <-s.convFeed.Snapshots():
			if !ok {
				return
			}
			s.applyConversation(snap)
		default:
			return
		}
	}
}

func (s *Session) applyConversation(snap store.Snapshot) {
	if len(snap.Docs) == 0 {
		return
	}
	conv, err := docToConversation(snap.Docs[0])
	if err != nil {
		telemetry.DecodeSkips.Inc()
		logger.Warn("conversation_decode_skip", "conversation", s.conversationID, "error", err)
		return
	}
	s.typingInfo = conv.TypingInfo
	s.deriveTyping()

	w, ok := visibility.Watermark(conv.ClearedAt, s.userID)
	if w == s.wm && ok == s.hasWM {
		return
	}
	s.wm, s.hasWM = w, ok
	telemetry.Refilters.Inc()
	logger.Debug("watermark_changed", "conversation", s.conversationID, "user", s.userID, "watermark", w)
	// Re-fetch the full message snapshot now; no organic message event may
	// ever arrive to do it for us.
	if fresh, lerr := s.e.store.List(s.ctx, "conversations/"+s.conversationID+"/messages"); lerr == nil {
		s.raw = decodeMessages(fresh)
	}
	s.publish()
}

// publish filters the current raw sequence by the current watermark and
// republishes. Store ordering (ascending timestamp) is preserved.
func (s *Session) publish() {
	visible := make([]models.Message, 0, len(s.raw))
	for _, m := range s.raw {
		if visibility.MessageVisible(m.TS, s.wm, s.hasWM) {
			visible = append(visible, m)
		}
	}
	pushLatest(s.out, visible)
}

func (s *Session) deriveTyping() {
	t := presence.OtherTyping(s.typingInfo, s.userID, s.e.now(), s.e.typingTTL)
	if s.typingSent && t == s.lastTyping {
		return
	}
	s.lastTyping = t
	s.typingSent = true
	pushLatest(s.typingOut, t)
}

// --- imperative operations bound to the session ---

func (s *Session) closed() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// Send sends a draft into this conversation on behalf of the session user.
func (s *Session) Send(ctx context.Context, d Draft) (models.Message, error) {
	if s.closed() {
		return models.Message{}, ErrClosed
	}
	return s.e.Send(ctx, s.conversationID, s.userID, d)
}

// MarkRead bulk-transitions messages from other participants to read and
// resets the session user's unread counter.
func (s *Session) MarkRead(ctx context.Context) error {
	if s.closed() {
		return ErrClosed
	}
	return s.e.MarkRead(ctx, s.conversationID, s.userID)
}

// SetTyping records or clears the session user's typing signal.
func (s *Session) SetTyping(ctx context.Context, typing bool) error {
	if s.closed() {
		return ErrClosed
	}
	return s.e.SetTyping(ctx, s.conversationID, s.userID, typing)
}

// DeleteMessage tombstones a message; the row survives with its content
// cleared.
func (s *Session) DeleteMessage(ctx context.Context, messageID string) error {
	if s.closed() {
		return ErrClosed
	}
	return s.e.DeleteMessage(ctx, s.conversationID, messageID)
}

// ClearHistory sets the session user's cleared-at watermark to now.
func (s *Session) ClearHistory(ctx context.Context) error {
	if s.closed() {
		return ErrClosed
	}
	return s.e.ClearHistory(ctx, s.conversationID, s.userID)
}
