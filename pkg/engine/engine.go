// Package engine is the conversation & message synchronization engine. It
// reconciles locally observed chat state against a document store that
// pushes full snapshots on every change: per-conversation sessions publish
// watermark-filtered, ordered message sequences and a derived typing
// signal; the directory publishes the visible, recency-sorted conversation
// list; writes flow back as field-scoped updates.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"chatsync/pkg/models"
	"chatsync/pkg/presence"
	"chatsync/pkg/store"
	"chatsync/pkg/telemetry"
)

// Store is the document-store capability the engine depends on. Passed in
// at construction; the engine holds no process-wide singletons.
type Store interface {
	GetOnce(ctx context.Context, path string) (store.Document, error)
	List(ctx context.Context, path string) (store.Snapshot, error)
	Subscribe(q store.Query) store.Feed
	Update(ctx context.Context, path string, fields map[string]any) error
	Create(ctx context.Context, path string, doc any) (string, error)
}

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session closed")
	// ErrNotParticipant is returned when the acting user is not a member
	// of the conversation.
	ErrNotParticipant = errors.New("user is not a conversation participant")
)

// WriteError is the typed failure surfaced by write-path operations.
// Nothing retries automatically; the caller decides.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *WriteError) Unwrap() error { return e.Err }

// Options tunes an Engine. Zero values select production defaults.
type Options struct {
	// Now overrides the clock (tests).
	Now func() time.Time
	// TypingTTL overrides the typing expiry window.
	TypingTTL time.Duration
	// TypingTick overrides the typing re-derivation interval.
	TypingTick time.Duration
	// TypingRPS / TypingBurst tune the typing write limiter.
	TypingRPS   float64
	TypingBurst int
}

// Engine ties the store, clock and presence registry together.
type Engine struct {
	store      Store
	now        func() time.Time
	typingTTL  time.Duration
	typingTick time.Duration
	presence   *presence.Registry
}

// New constructs an Engine around the given store.
func New(st Store, opts Options) *Engine {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	ttl := opts.TypingTTL
	if ttl <= 0 {
		ttl = presence.TTL
	}
	tick := opts.TypingTick
	if tick <= 0 {
		tick = time.Second
	}
	return &Engine{
		store:      st,
		now:        now,
		typingTTL:  ttl,
		typingTick: tick,
		presence:   presence.NewRegistry(st, now, opts.TypingRPS, opts.TypingBurst),
	}
}

// SetTyping records or clears the user's typing signal.
func (e *Engine) SetTyping(ctx context.Context, conversationID, userID string, typing bool) error {
	if err := e.presence.SetTyping(ctx, conversationID, userID, typing); err != nil {
		return &WriteError{Op: "set typing", Err: err}
	}
	return nil
}

// SaveProfile creates or replaces a user profile document.
func (e *Engine) SaveProfile(ctx context.Context, u models.User) error {
	if _, err := e.store.Create(ctx, "users/"+u.ID, u); err != nil {
		return &WriteError{Op: "save profile", Err: err}
	}
	return nil
}

// Heartbeat marks the user online and refreshes lastSeen.
func (e *Engine) Heartbeat(ctx context.Context, userID string) error {
	err := e.store.Update(ctx, "users/"+userID, map[string]any{
		"online":   true,
		"lastSeen": e.now().UnixNano(),
	})
	if err != nil {
		return &WriteError{Op: "heartbeat", Err: err}
	}
	return nil
}

// SetOffline marks the user offline, stamping lastSeen.
func (e *Engine) SetOffline(ctx context.Context, userID string) error {
	err := e.store.Update(ctx, "users/"+userID, map[string]any{
		"online":   false,
		"lastSeen": e.now().UnixNano(),
	})
	if err != nil {
		return &WriteError{Op: "set offline", Err: err}
	}
	return nil
}

// --- decoding helpers ---

// Documents arrive as generic maps; re-encode through JSON to the typed
// models. A failure means the record is skipped, never that the feed dies.
func docToConversation(doc store.Document) (models.Conversation, error) {
	var c models.Conversation
	b, err := json.Marshal(doc.Data)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, err
	}
	return c, nil
}

func docToMessage(doc store.Document) (models.Message, error) {
	var m models.Message
	b, err := json.Marshal(doc.Data)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, err
	}
	return m, nil
}

// decodeMessages decodes a message snapshot, skipping undecodable records,
// de-duplicating by id (latest occurrence wins) and restoring
// non-decreasing timestamp order regardless of arrival order.
func decodeMessages(snap store.Snapshot) []models.Message {
	out := make([]models.Message, 0, len(snap.Docs))
	seen := make(map[string]int, len(snap.Docs))
	for _, d := range snap.Docs {
		m, err := docToMessage(d)
		if err != nil {
			telemetry.DecodeSkips.Inc()
			continue
		}
		if i, dup := seen[m.ID]; dup && m.ID != "" {
			out[i] = m
			continue
		}
		seen[m.ID] = len(out)
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TS < out[j].TS })
	return out
}

// pushLatest delivers v with latest-wins semantics on a capacity-1
// channel. Each channel has exactly one pusher (its session goroutine), so
// the loop terminates.
func pushLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
