// Package store is an embedded, Pebble-backed document store exposing the
// contract the sync engine consumes: one-time reads, field-scoped partial
// updates with delete/array-remove sentinels, creates with store-assigned
// ordering keys, and change subscriptions that deliver a full current
// snapshot of the matching set on every mutation.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"chatsync/pkg/logger"
	"chatsync/pkg/telemetry"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// Store wraps a Pebble DB. A single mutex serializes read-modify-write
// cycles and snapshot builds so every published snapshot reflects a
// completed write, never a torn one.
type Store struct {
	db     *pebble.DB
	dbPath string

	mu  sync.Mutex
	seq uint64

	subMu   sync.Mutex
	subs    map[uint64]*Subscription
	nextSub uint64

	now func() time.Time
}

// Open opens (or creates) a Pebble database at the given path.
func Open(path string) (*Store, error) {
	logger.Info("opening_pebble_db", "path", path)
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	return &Store{
		db:     db,
		dbPath: path,
		subs:   map[uint64]*Subscription{},
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock overrides the store clock. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Close closes the DB and cancels all live subscriptions.
func (s *Store) Close() error {
	s.subMu.Lock()
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
	}
	s.subMu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	logger.Info("pebble_closed", "path", s.dbPath)
	return err
}

// Ready reports whether the store is opened.
func (s *Store) Ready() bool { return s != nil && s.db != nil }

// Create persists a new document. For message collections the store
// assigns an ordering key derived from the document timestamp (or the
// current instant when absent) so prefix iteration yields ascending
// timestamp order. Returns the document id.
func (s *Store) Create(ctx context.Context, path string, doc any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref, err := parsePath(path)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}
	m, err := decodeValue(raw)
	if err != nil {
		return "", fmt.Errorf("document is not an object: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch ref.kind {
	case kindConversationCol:
		id := stringField(m, "id")
		if id == "" {
			id = s.genID("conv")
			m["id"] = id
		}
		if ts, _ := int64Field(m, "createdTs"); ts <= 0 {
			m["createdTs"] = s.now().UnixNano()
		}
		if err := s.setLocked(convKey(id), m); err != nil {
			return "", err
		}
		logger.Info("conversation_created", "conversation", id)
		s.notifyConversation(id)
		return id, nil

	case kindMessageCol:
		id := stringField(m, "id")
		if id == "" {
			id = s.genID("msg")
			m["id"] = id
		}
		m["conversationId"] = ref.convID
		ts, _ := int64Field(m, "timestamp")
		if ts <= 0 {
			ts = s.now().UnixNano()
			m["timestamp"] = ts
		}
		ord := fmt.Sprintf("%020d-%06d", ts, atomic.AddUint64(&s.seq, 1))
		if err := s.setLocked(msgKey(ref.convID, ord), m); err != nil {
			return "", err
		}
		if err := s.db.Set(msgIdxKey(ref.convID, id), []byte(ord), pebble.Sync); err != nil {
			logger.Error("save_message_index_failed", "conversation", ref.convID, "msg_id", id, "error", err)
			return "", err
		}
		logger.Debug("message_saved", "conversation", ref.convID, "msg_id", id, "ts", ts)
		s.notifyMessages(ref.convID)
		return id, nil

	case kindUserDoc:
		m["id"] = ref.userID
		if err := s.setLocked(userKey(ref.userID), m); err != nil {
			return "", err
		}
		s.notifyUser(ref.userID)
		return ref.userID, nil
	}
	return "", fmt.Errorf("create not supported for path %q", path)
}

// GetOnce performs a single point-in-time read of a document.
func (s *Store) GetOnce(ctx context.Context, path string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	ref, err := parsePath(path)
	if err != nil {
		return Document{}, err
	}
	if !ref.isDoc() {
		return Document{}, fmt.Errorf("GetOnce requires a document path, got %q", path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getDocLocked(ref)
}

// List performs a single point-in-time read of a collection. Message
// collections come back in ascending timestamp order.
func (s *Store) List(ctx context.Context, path string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	ref, err := parsePath(path)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ref.kind {
	case kindConversationCol:
		return s.listConversationsLocked(nil)
	case kindMessageCol:
		return s.listMessagesLocked(ref.convID)
	}
	return Snapshot{}, fmt.Errorf("List requires a collection path, got %q", path)
}

// Update applies a field-scoped partial update to a document. Field keys
// may address nested map entries with dotted paths ("typingInfo.u1"); the
// Delete sentinel removes a field, ArrayRemove removes array elements.
// The document is never overwritten wholesale.
func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ref, err := parsePath(path)
	if err != nil {
		return err
	}
	if !ref.isDoc() {
		return fmt.Errorf("Update requires a document path, got %q", path)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.resolveKeyLocked(ref)
	if err != nil {
		return err
	}
	v, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return err
	}
	cur := append([]byte(nil), v...)
	if closer != nil {
		_ = closer.Close()
	}
	m, err := decodeValue(cur)
	if err != nil {
		return fmt.Errorf("stored document is corrupt: %w", err)
	}
	for k, val := range fields {
		applyField(m, k, val)
	}
	if err := s.setLocked(key, m); err != nil {
		return err
	}
	logger.Debug("document_updated", "path", path, "fields", len(fields))

	switch ref.kind {
	case kindConversationDoc:
		s.notifyConversation(ref.convID)
	case kindMessageDoc:
		s.notifyMessages(ref.convID)
	case kindUserDoc:
		s.notifyUser(ref.userID)
	}
	return nil
}

// Subscribe registers a live query. The current matching set is delivered
// immediately; every subsequent matching mutation delivers a fresh full
// snapshot.
func (s *Store) Subscribe(q Query) Feed {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &Subscription{q: q, ch: make(chan Snapshot, 1), st: s}
	s.subMu.Lock()
	s.nextSub++
	sub.id = s.nextSub
	s.subs[sub.id] = sub
	telemetry.OpenSubscriptions.Inc()
	snap := s.snapshotForLocked(q)
	sub.push(snap)
	s.subMu.Unlock()
	return sub
}

func (s *Store) unsubscribe(sub *Subscription) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if _, ok := s.subs[sub.id]; !ok {
		return
	}
	delete(s.subs, sub.id)
	telemetry.OpenSubscriptions.Dec()
	close(sub.ch)
}

// Stats is a compact operational view of stored data.
type Stats struct {
	Conversations int
	Messages      int
	Users         int
	DiskBytes     uint64
}

// CollectStats counts stored documents and computes on-disk size.
// Best-effort; used by the maintenance sampler.
func (s *Store) CollectStats() Stats {
	var st Stats
	s.mu.Lock()
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err == nil {
		for iter.First(); iter.Valid(); iter.Next() {
			k := string(iter.Key())
			switch {
			case strings.HasPrefix(k, "user:"):
				st.Users++
			case strings.HasPrefix(k, "conv:") && strings.HasSuffix(k, ":meta"):
				st.Conversations++
			case strings.HasPrefix(k, "conv:") && strings.Contains(k, ":msg:"):
				st.Messages++
			}
		}
		_ = iter.Close()
	}
	s.mu.Unlock()

	_ = filepath.WalkDir(s.dbPath, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, ferr := d.Info(); ferr == nil {
			st.DiskBytes += uint64(fi.Size())
		}
		return nil
	})
	return st
}

// ListKeys returns all keys starting with prefix; an empty prefix returns
// every key. Used by the inspect tool.
func (s *Store) ListKeys(prefix string) ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []string
	pfx := []byte(prefix)
	for iter.SeekGE(pfx); iter.Valid(); iter.Next() {
		if len(pfx) > 0 && !bytes.HasPrefix(iter.Key(), pfx) {
			break
		}
		out = append(out, string(append([]byte(nil), iter.Key()...)))
	}
	return out, iter.Error()
}

// GetKey returns the raw value for a key. Used by the inspect tool.
func (s *Store) GetKey(key string) (string, error) {
	v, closer, err := s.db.Get([]byte(key))
	if err != nil {
		return "", err
	}
	out := string(v)
	if closer != nil {
		_ = closer.Close()
	}
	return out, nil
}

// --- internal helpers (callers hold s.mu) ---

func (s *Store) setLocked(key []byte, m map[string]any) error {
	nb, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	if err := s.db.Set(key, nb, pebble.Sync); err != nil {
		logger.Error("store_set_failed", "key", string(key), "error", err)
		return err
	}
	return nil
}

func (s *Store) resolveKeyLocked(ref pathRef) ([]byte, error) {
	switch ref.kind {
	case kindUserDoc:
		return userKey(ref.userID), nil
	case kindConversationDoc:
		return convKey(ref.convID), nil
	case kindMessageDoc:
		v, closer, err := s.db.Get(msgIdxKey(ref.convID, ref.msgID))
		if err != nil {
			if errors.Is(err, pebble.ErrNotFound) {
				return nil, fmt.Errorf("%w: message %s", ErrNotFound, ref.msgID)
			}
			return nil, err
		}
		ord := string(v)
		if closer != nil {
			_ = closer.Close()
		}
		return msgKey(ref.convID, ord), nil
	}
	return nil, fmt.Errorf("not a document reference")
}

func (s *Store) getDocLocked(ref pathRef) (Document, error) {
	key, err := s.resolveKeyLocked(ref)
	if err != nil {
		return Document{}, err
	}
	v, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Document{}, fmt.Errorf("%w: %s", ErrNotFound, string(key))
		}
		return Document{}, err
	}
	cur := append([]byte(nil), v...)
	if closer != nil {
		_ = closer.Close()
	}
	m, err := decodeValue(cur)
	if err != nil {
		return Document{}, fmt.Errorf("stored document is corrupt: %w", err)
	}
	return Document{Path: refPath(ref, m), Data: m}, nil
}

func refPath(ref pathRef, m map[string]any) string {
	switch ref.kind {
	case kindUserDoc:
		return userPath(ref.userID)
	case kindConversationDoc:
		return convPath(ref.convID)
	case kindMessageDoc:
		return msgPath(ref.convID, ref.msgID)
	}
	return ""
}

func (s *Store) listConversationsLocked(filter *FieldContains) (Snapshot, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return Snapshot{}, err
	}
	defer iter.Close()
	var snap Snapshot
	prefix := []byte("conv:")
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		k := string(iter.Key())
		if !strings.HasSuffix(k, ":meta") {
			continue
		}
		m, derr := decodeValue(append([]byte(nil), iter.Value()...))
		if derr != nil {
			telemetry.DecodeSkips.Inc()
			logger.Warn("conversation_decode_skip", "key", k, "error", derr)
			continue
		}
		if filter != nil && !containsValue(m, filter.Field, filter.Value) {
			continue
		}
		snap.Docs = append(snap.Docs, Document{Path: convPath(stringField(m, "id")), Data: m})
	}
	return snap, iter.Error()
}

func (s *Store) listMessagesLocked(convID string) (Snapshot, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return Snapshot{}, err
	}
	defer iter.Close()
	var snap Snapshot
	prefix := msgPrefix(convID)
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		m, derr := decodeValue(append([]byte(nil), iter.Value()...))
		if derr != nil {
			telemetry.DecodeSkips.Inc()
			logger.Warn("message_decode_skip", "key", string(iter.Key()), "error", derr)
			continue
		}
		snap.Docs = append(snap.Docs, Document{Path: msgPath(convID, stringField(m, "id")), Data: m})
	}
	return snap, iter.Error()
}

func (s *Store) snapshotForLocked(q Query) Snapshot {
	ref, err := parsePath(q.Path)
	if err != nil {
		return Snapshot{}
	}
	switch ref.kind {
	case kindConversationCol:
		snap, _ := s.listConversationsLocked(q.WhereContains)
		return snap
	case kindMessageCol:
		snap, _ := s.listMessagesLocked(ref.convID)
		return snap
	default:
		doc, derr := s.getDocLocked(ref)
		if derr != nil {
			return Snapshot{}
		}
		return Snapshot{Docs: []Document{doc}}
	}
}

// notify* rebuild and push full snapshots to every subscription whose
// query is affected by a mutation. Callers hold s.mu, so each snapshot
// reflects the completed write.
func (s *Store) notifyConversation(convID string) {
	s.fanout(func(q Query) bool {
		return q.Path == "conversations" || q.Path == convPath(convID)
	})
}

func (s *Store) notifyMessages(convID string) {
	s.fanout(func(q Query) bool { return q.Path == msgColPath(convID) })
}

func (s *Store) notifyUser(userID string) {
	s.fanout(func(q Query) bool { return q.Path == userPath(userID) })
}

func (s *Store) fanout(match func(Query) bool) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subs {
		if !match(sub.q) {
			continue
		}
		sub.push(s.snapshotForLocked(sub.q))
		telemetry.SnapshotsPublished.Inc()
	}
}

var idSeq uint64

func (s *Store) genID(prefix string) string {
	return fmt.Sprintf("%s-%d-%d", prefix, s.now().UnixNano(), atomic.AddUint64(&idSeq, 1))
}
