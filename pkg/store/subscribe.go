package store

// Query addresses either a single document or a collection. A collection
// query may carry a contains filter (e.g. participantIds contains a user).
type Query struct {
	Path          string
	WhereContains *FieldContains
}

// FieldContains matches documents whose array field contains Value.
type FieldContains struct {
	Field string
	Value string
}

// Document is a decoded store document. Data values follow encoding/json
// conventions with numbers decoded as json.Number to preserve ns
// timestamps exactly.
type Document struct {
	Path string
	Data map[string]any
}

// Snapshot is a full, self-consistent result set for a query. Subscribers
// receive a complete snapshot on every matching change, never a delta.
type Snapshot struct {
	Docs []Document
}

// Feed is a live snapshot stream. Delivery is latest-wins: a slow consumer
// observes the newest snapshot, intermediate ones may coalesce.
type Feed interface {
	Snapshots() <-chan Snapshot
	Cancel()
}

// Subscription implements Feed over a capacity-1 channel.
type Subscription struct {
	id uint64
	q  Query
	ch chan Snapshot
	st *Store
}

// Snapshots returns the snapshot channel. The channel is closed by Cancel.
func (s *Subscription) Snapshots() <-chan Snapshot { return s.ch }

// Cancel unsubscribes and closes the snapshot channel. Safe to call more
// than once.
func (s *Subscription) Cancel() {
	s.st.unsubscribe(s)
}

// push delivers snap with latest-wins semantics. Callers hold the store's
// subscriber lock, so there is exactly one pusher at a time and the loop
// terminates.
func (s *Subscription) push(snap Snapshot) {
	for {
		select {
		case s.ch <- snap:
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}
