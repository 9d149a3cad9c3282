package receipts

import "sync"

// Aggregator tracks, per message, the set of users who have seen it. It
// knows nothing about users beyond uniqueness; "seen by everyone" is the
// view's job, given the participant list from the conversation store.
type Aggregator struct {
	mu      sync.Mutex
	readers map[string]map[string]struct{} // message id -> user ids
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		readers: make(map[string]map[string]struct{}),
	}
}

// RecordRead adds the user to the message's reader set. Returns true only
// on the first addition per user; repeats are no-ops.
func (a *Aggregator) RecordRead(messageID, userID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.readers[messageID]
	if !ok {
		set = make(map[string]struct{})
		a.readers[messageID] = set
	}
	if _, seen := set[userID]; seen {
		return false
	}
	set[userID] = struct{}{}
	return true
}

// CountFor returns how many distinct users have read the message.
func (a *Aggregator) CountFor(messageID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.readers[messageID])
}

// Reset drops all tracked receipts. Called on conversation switch; message
// records carry their server-side read counts, the aggregator only tracks
// receipts received live on the channel.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.readers = make(map[string]map[string]struct{})
}
