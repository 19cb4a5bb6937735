package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"chatsync/pkg/models"
	"chatsync/pkg/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *store.Store, *fakeClock) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	clk := newFakeClock()
	st.SetClock(clk.Now)
	if opts.Now == nil {
		opts.Now = clk.Now
	}
	return New(st, opts), st, clk
}

func getConv(t *testing.T, st *store.Store, id string) models.Conversation {
	t.Helper()
	doc, err := st.GetOnce(context.Background(), "conversations/"+id)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	c, err := docToConversation(doc)
	if err != nil {
		t.Fatalf("decode conversation: %v", err)
	}
	return c
}

func getMsg(t *testing.T, st *store.Store, convID, msgID string) models.Message {
	t.Helper()
	doc, err := st.GetOnce(context.Background(), "conversations/"+convID+"/messages/"+msgID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	m, err := docToMessage(doc)
	if err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return m
}

func TestEnsureConversationIdempotent(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	names := map[string]string{"a": "Alice", "b": "Bob"}

	c1, err := e.EnsureConversation(ctx, "a", "b", names)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if c1.Unread("a") != 0 || c1.Unread("b") != 0 {
		t.Fatalf("new conversation must start with zero counters: %v", c1.UnreadCounts)
	}
	// same pair, either order
	c2, err := e.EnsureConversation(ctx, "b", "a", names)
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if c2.ID != c1.ID {
		t.Fatalf("pair resolved to two conversations: %q vs %q", c1.ID, c2.ID)
	}
}

func TestSendUpdatesSummaryAndUnread(t *testing.T) {
	e, st, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, err := e.EnsureConversation(ctx, "a", "b", nil)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	msg, err := e.Send(ctx, conv.ID, "a", Draft{Content: "hello", SenderName: "Alice"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID == "" || msg.Status != models.StatusSent {
		t.Fatalf("send must return an acknowledged message, got %+v", msg)
	}
	if getMsg(t, st, conv.ID, msg.ID).Status != models.StatusSent {
		t.Fatalf("persisted message not acknowledged")
	}

	c := getConv(t, st, conv.ID)
	if c.Unread("b") != 1 {
		t.Fatalf("recipient unread = %d, want 1", c.Unread("b"))
	}
	if c.Unread("a") != 0 {
		t.Fatalf("sender unread = %d, want 0", c.Unread("a"))
	}
	if c.LastMessage != "hello" || c.LastMessageSenderID != "a" || c.LastMessageTS != msg.TS {
		t.Fatalf("summary not updated: %+v", c)
	}
}

func TestSendKindPreviews(t *testing.T) {
	e, st, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	conv, _ := e.EnsureConversation(ctx, "a", "b", nil)

	cases := []struct {
		draft Draft
		want  string
	}{
		{Draft{Kind: models.KindImage, Content: "ignored-b64"}, "Photo"},
		{Draft{Kind: models.KindAudio, DurationMs: 1500}, "Voice message"},
		{Draft{Kind: models.KindFile, FileName: "report.pdf"}, "File: report.pdf"},
	}
	for _, tc := range cases {
		if _, err := e.Send(ctx, conv.ID, "a", tc.draft); err != nil {
			t.Fatalf("send %s: %v", tc.draft.Kind, err)
		}
		if got := getConv(t, st, conv.ID).LastMessage; got != tc.want {
			t.Fatalf("preview for %s = %q, want %q", tc.draft.Kind, got, tc.want)
		}
	}
}

func TestMarkReadResetsCounterAndAdvancesStatus(t *testing.T) {
	e, st, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, _ := e.EnsureConversation(ctx, "a", "b", nil)
	m1, err := e.Send(ctx, conv.ID, "a", Draft{Content: "one"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	mine, err := e.Send(ctx, conv.ID, "b", Draft{Content: "mine"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := e.MarkRead(ctx, conv.ID, "b"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if got := getMsg(t, st, conv.ID, m1.ID).Status; got != models.StatusRead {
		t.Fatalf("other's message status = %s, want read", got)
	}
	// the reader's own message must not be touched
	if got := getMsg(t, st, conv.ID, mine.ID).Status; got != models.StatusSent {
		t.Fatalf("own message status = %s, want sent", got)
	}
	if got := getConv(t, st, conv.ID).Unread("b"); got != 0 {
		t.Fatalf("unread after mark read = %d, want 0", got)
	}
	// repeat is a no-op, not an error
	if err := e.MarkRead(ctx, conv.ID, "b"); err != nil {
		t.Fatalf("repeated mark read: %v", err)
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	e, st, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, _ := e.EnsureConversation(ctx, "a", "b", nil)
	m, _ := e.Send(ctx, conv.ID, "a", Draft{Content: "x"})
	if err := e.MarkRead(ctx, conv.ID, "b"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	cur := getMsg(t, st, conv.ID, m.ID)
	if err := e.advanceStatus(ctx, conv.ID, cur, models.StatusDelivered); err == nil {
		t.Fatalf("read -> delivered must be rejected")
	}
	if got := getMsg(t, st, conv.ID, m.ID).Status; got != models.StatusRead {
		t.Fatalf("status regressed to %s", got)
	}
}

func TestReplyDenormalization(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, _ := e.EnsureConversation(ctx, "a", "b", nil)
	long := strings.Repeat("x", 200)
	target, err := e.Send(ctx, conv.ID, "a", Draft{Content: long, SenderName: "Alice"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	reply, err := e.Send(ctx, conv.ID, "b", Draft{Content: "re", ReplyToID: target.ID})
	if err != nil {
		t.Fatalf("send reply: %v", err)
	}
	if reply.ReplyToID != target.ID || reply.ReplyToSender != "Alice" {
		t.Fatalf("reply reference not denormalized: %+v", reply)
	}
	if len(reply.ReplyToText) != replySnippetMax {
		t.Fatalf("snippet length = %d, want %d", len(reply.ReplyToText), replySnippetMax)
	}
}

func TestDeleteMessageTombstone(t *testing.T) {
	e, st, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, _ := e.EnsureConversation(ctx, "a", "b", nil)
	m, _ := e.Send(ctx, conv.ID, "a", Draft{Content: "oops"})
	if err := e.DeleteMessage(ctx, conv.ID, m.ID); err != nil {
		t.Fatalf("delete message: %v", err)
	}
	got := getMsg(t, st, conv.ID, m.ID)
	if !got.Deleted || got.Content != "" {
		t.Fatalf("tombstone wrong: deleted=%v content=%q", got.Deleted, got.Content)
	}
	if got.Preview() != "Message deleted" {
		t.Fatalf("tombstone preview = %q", got.Preview())
	}
}

// Clearing history hides existing messages for the clearing user only, and
// new messages after the clear point reappear both in the session and in
// the directory.
func TestClearHistoryHideThenReappear(t *testing.T) {
	e, _, clk := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, _ := e.EnsureConversation(ctx, "a", "b", nil)
	if _, err := e.Send(ctx, conv.ID, "b", Draft{Content: "before"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	sess, err := e.OpenConversation(ctx, conv.ID, "a")
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer sess.Close()
	waitMessages(t, sess, func(msgs []models.Message) bool {
		return len(msgs) == 1 && msgs[0].Content == "before"
	})

	clk.Advance(time.Minute)
	if err := e.ClearHistory(ctx, conv.ID, "a"); err != nil {
		t.Fatalf("clear history: %v", err)
	}
	waitMessages(t, sess, func(msgs []models.Message) bool { return len(msgs) == 0 })

	// other participant is unaffected
	other, err := e.OpenConversation(ctx, conv.ID, "b")
	if err != nil {
		t.Fatalf("open peer session: %v", err)
	}
	defer other.Close()
	waitMessages(t, other, func(msgs []models.Message) bool { return len(msgs) == 1 })

	// directory opened after the clear: conversation hidden
	dir := e.OpenDirectory("a")
	defer dir.Close()
	waitConversations(t, dir, func(cs []models.Conversation) bool { return len(cs) == 0 })

	clk.Advance(time.Minute)
	if _, err := e.Send(ctx, conv.ID, "b", Draft{Content: "after"}); err != nil {
		t.Fatalf("send after clear: %v", err)
	}
	waitMessages(t, sess, func(msgs []models.Message) bool {
		return len(msgs) == 1 && msgs[0].Content == "after"
	})
	waitConversations(t, dir, func(cs []models.Conversation) bool {
		return len(cs) == 1 && cs[0].ID == conv.ID
	})
}

func TestTypingSignalExpires(t *testing.T) {
	e, _, clk := newTestEngine(t, Options{TypingTick: 20 * time.Millisecond})
	ctx := context.Background()

	conv, _ := e.EnsureConversation(ctx, "a", "b", nil)
	sess, err := e.OpenConversation(ctx, conv.ID, "a")
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer sess.Close()
	waitTyping(t, sess, false)

	if err := e.SetTyping(ctx, conv.ID, "b", true); err != nil {
		t.Fatalf("set typing: %v", err)
	}
	waitTyping(t, sess, true)

	// no clear ever arrives; the stamp must age out on its own
	clk.Advance(6 * time.Second)
	waitTyping(t, sess, false)
}

func TestOwnTypingInvisible(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{TypingTick: 20 * time.Millisecond})
	ctx := context.Background()

	conv, _ := e.EnsureConversation(ctx, "a", "b", nil)
	sess, err := e.OpenConversation(ctx, conv.ID, "a")
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	defer sess.Close()
	waitTyping(t, sess, false)

	if err := sess.SetTyping(ctx, true); err != nil {
		t.Fatalf("set typing: %v", err)
	}
	// the user's own stamp never flips their signal
	select {
	case v := <-sess.Typing():
		if v {
			t.Fatalf("own typing reflected back")
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRemoveParticipantDetaches(t *testing.T) {
	e, st, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, _ := e.EnsureConversation(ctx, "a", "b", map[string]string{"a": "Alice", "b": "Bob"})
	if _, err := e.Send(ctx, conv.ID, "a", Draft{Content: "x"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := e.RemoveParticipant(ctx, conv.ID, "b"); err != nil {
		t.Fatalf("remove participant: %v", err)
	}
	c := getConv(t, st, conv.ID)
	if c.HasParticipant("b") {
		t.Fatalf("participant not removed")
	}
	if _, ok := c.UnreadCounts["b"]; ok {
		t.Fatalf("unread entry survived removal")
	}
	if _, ok := c.ParticipantNames["b"]; ok {
		t.Fatalf("name entry survived removal")
	}
	// the remaining participant still has access
	if !c.HasParticipant("a") {
		t.Fatalf("remaining participant lost")
	}
}

// Closing and reopening a session starts over from a fresh watermark read
// and converges on the same visible sequence.
func TestReopenConverges(t *testing.T) {
	e, _, clk := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, _ := e.EnsureConversation(ctx, "a", "b", nil)
	if _, err := e.Send(ctx, conv.ID, "b", Draft{Content: "old"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	clk.Advance(time.Minute)
	if err := e.ClearHistory(ctx, conv.ID, "a"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	clk.Advance(time.Minute)
	if _, err := e.Send(ctx, conv.ID, "b", Draft{Content: "new"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	for i := 0; i < 2; i++ {
		sess, err := e.OpenConversation(ctx, conv.ID, "a")
		if err != nil {
			t.Fatalf("open #%d: %v", i, err)
		}
		waitMessages(t, sess, func(msgs []models.Message) bool {
			return len(msgs) == 1 && msgs[0].Content == "new"
		})
		sess.Close()
	}
}

func TestClosedSessionRejectsOperations(t *testing.T) {
	e, _, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	conv, _ := e.EnsureConversation(ctx, "a", "b", nil)
	sess, err := e.OpenConversation(ctx, conv.ID, "a")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sess.Close()

	if _, err := sess.Send(ctx, Draft{Content: "x"}); err != ErrClosed {
		t.Fatalf("Send on closed session: got %v, want ErrClosed", err)
	}
	if err := sess.MarkRead(ctx); err != ErrClosed {
		t.Fatalf("MarkRead on closed session: got %v, want ErrClosed", err)
	}
	if err := sess.SetTyping(ctx, true); err != ErrClosed {
		t.Fatalf("SetTyping on closed session: got %v, want ErrClosed", err)
	}
}

func TestProfileAndPresenceLifecycle(t *testing.T) {
	e, st, clk := newTestEngine(t, Options{})
	ctx := context.Background()

	if err := e.SaveProfile(ctx, models.User{ID: "a", DisplayName: "Alice"}); err != nil {
		t.Fatalf("save profile: %v", err)
	}
	if err := e.Heartbeat(ctx, "a"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	doc, err := st.GetOnce(ctx, "users/a")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	var u models.User
	b, _ := json.Marshal(doc.Data)
	if err := json.Unmarshal(b, &u); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if !u.Online || u.LastSeen != clk.Now().UnixNano() || u.DisplayName != "Alice" {
		t.Fatalf("heartbeat state wrong: %+v", u)
	}

	clk.Advance(time.Minute)
	if err := e.SetOffline(ctx, "a"); err != nil {
		t.Fatalf("set offline: %v", err)
	}
	doc, _ = st.GetOnce(ctx, "users/a")
	b, _ = json.Marshal(doc.Data)
	u = models.User{}
	if err := json.Unmarshal(b, &u); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if u.Online || u.LastSeen != clk.Now().UnixNano() {
		t.Fatalf("offline state wrong: %+v", u)
	}
}

func waitTyping(t *testing.T, s *Session, want bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v, ok := <-s.Typing():
			if !ok {
				t.Fatalf("typing channel closed while waiting")
			}
			if v == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for typing=%v", want)
		}
	}
}
