package engine

import (
	"sort"
	"sync"

	"chatsync/pkg/logger"
	"chatsync/pkg/models"
	"chatsync/pkg/store"
	"chatsync/pkg/telemetry"
	"chatsync/pkg/visibility"
)

// Directory maintains the live, visibility-filtered, recency-sorted list
// of a user's conversations. Restart re-subscribes from scratch; callers
// invoke it on foreground resume so the view converges with server state
// without a manual refresh. A user identity change means closing this
// directory and opening a new one.
type Directory struct {
	e      *Engine
	userID string
	query  store.Query

	feed      store.Feed
	out       chan []models.Conversation
	restartCh chan struct{}
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// OpenDirectory starts a live conversation directory for userID.
func (e *Engine) OpenDirectory(userID string) *Directory {
	q := store.Query{
		Path:          "conversations",
		WhereContains: &store.FieldContains{Field: "participantIds", Value: userID},
	}
	d := &Directory{
		e:         e,
		userID:    userID,
		query:     q,
		feed:      e.store.Subscribe(q),
		out:       make(chan []models.Conversation, 1),
		restartCh: make(chan struct{}, 1),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	logger.Debug("directory_opened", "user", userID)
	go d.run()
	return d
}

// Conversations is the live, sorted conversation list. Latest-wins
// delivery; closed when the directory closes.
func (d *Directory) Conversations() <-chan []models.Conversation { return d.out }

// Restart drops the current subscription and resubscribes, recovering
// from any transport gap during background suspension.
func (d *Directory) Restart() {
	select {
	case d.restartCh <- struct{}{}:
	default:
	}
}

// Close tears the directory down; the output channel closes after the
// loop drains.
func (d *Directory) Close() {
	d.closeOnce.Do(func() { close(d.closing) })
	<-d.done
}

func (d *Directory) run() {
	defer func() {
		d.feed.Cancel()
		close(d.out)
		close(d.done)
		logger.Debug("directory_closed", "user", d.userID)
	}()
	for {
		select {
		case <-d.closing:
			return
		case <-d.restartCh:
			d.feed.Cancel()
			d.feed = d.e.store.Subscribe(d.query)
			logger.Debug("directory_restarted", "user", d.userID)
		case snap, ok := <-d.feed.Snapshots():
			if !ok {
				return
			}
			d.apply(snap)
		}
	}
}

func (d *Directory) apply(snap store.Snapshot) {
	list := make([]models.Conversation, 0, len(snap.Docs))
	for _, doc := range snap.Docs {
		c, err := docToConversation(doc)
		if err != nil {
			telemetry.DecodeSkips.Inc()
			logger.Warn("conversation_decode_skip", "path", doc.Path, "error", err)
			continue
		}
		if !visibility.ConversationVisible(c, d.userID) {
			continue
		}
		list = append(list, c)
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].LastMessageTS != list[j].LastMessageTS {
			return list[i].LastMessageTS > list[j].LastMessageTS
		}
		return list[i].CreatedTS > list[j].CreatedTS
	})
	pushLatest(d.out, list)
}
