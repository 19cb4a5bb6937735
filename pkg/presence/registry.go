// Package presence tracks ephemeral typing state. Writers stamp the
// conversation's typing map; readers derive "is typing" purely by
// wall-clock comparison against a fixed TTL. Nothing ever deletes a stale
// entry server-side: observers simply ignore entries older than the TTL,
// which covers clients that crashed without sending the clear signal.
package presence

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chatsync/pkg/logger"
	"chatsync/pkg/store"
)

// TTL is the window after which an unrefreshed typing stamp reads as
// not-typing.
const TTL = 5 * time.Second

// Updater is the single store capability the write side needs.
type Updater interface {
	Update(ctx context.Context, path string, fields map[string]any) error
}

// Registry throttles and persists typing signals. Start signals are rate
// limited per (conversation, user) so a keystroke storm does not turn into
// a write storm; clear signals always go through since absence is the
// canonical not-typing state.
type Registry struct {
	store Updater
	now   func() time.Time
	ttl   time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewRegistry builds a Registry. rps/burst <= 0 fall back to 2/s, burst 3.
func NewRegistry(st Updater, now func() time.Time, rps float64, burst int) *Registry {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if rps <= 0 {
		rps = 2
	}
	if burst <= 0 {
		burst = 3
	}
	return &Registry{
		store:    st,
		now:      now,
		ttl:      TTL,
		limiters: map[string]*rate.Limiter{},
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// TTLWindow returns the registry's expiry window.
func (r *Registry) TTLWindow() time.Duration { return r.ttl }

func (r *Registry) limiter(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[key]; ok {
		return l
	}
	l := rate.NewLimiter(r.rps, r.burst)
	r.limiters[key] = l
	return l
}

// SetTyping writes (typing=true) or removes (typing=false) the caller's
// entry in the conversation's typing map. Removal uses the field-delete
// sentinel: absence, not a stale flag, means not typing.
func (r *Registry) SetTyping(ctx context.Context, conversationID, userID string, typing bool) error {
	field := "typingInfo." + userID
	if !typing {
		return r.store.Update(ctx, "conversations/"+conversationID, map[string]any{field: store.Delete})
	}
	if !r.limiter(conversationID+"/"+userID).Allow() {
		// The previous stamp is recent enough; skip the redundant write.
		logger.Debug("typing_write_throttled", "conversation", conversationID, "user", userID)
		return nil
	}
	return r.store.Update(ctx, "conversations/"+conversationID, map[string]any{
		field: r.now().UnixNano(),
	})
}

// OtherTyping reports whether any participant other than selfID has a
// typing stamp within the TTL of now. Stale entries read as not typing
// even though they were never explicitly cleared.
func OtherTyping(typingInfo map[string]int64, selfID string, now time.Time, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = TTL
	}
	cutoff := now.UnixNano() - ttl.Nanoseconds()
	for uid, ts := range typingInfo {
		if uid == selfID {
			continue
		}
		if ts > cutoff {
			return true
		}
	}
	return false
}
