package eventsub

import "sync"

// subscriptionRecord ties a server-issued subscription ID to the event type
// it delivers. The ID is required to cancel the subscription later.
type subscriptionRecord struct {
	ID   string
	Type string
}

// subscriptionBook tracks which subscriptions are registered per channel.
// A channel maps to a set of records because chat needs two concurrent
// subscriptions (message and notification streams). Records are added only on
// server acknowledgement of a subscribe and removed only on acknowledgement
// of a cancel; forgetting earlier would orphan server-side subscriptions that
// silently consume quota.
type subscriptionBook struct {
	mu        sync.Mutex
	byChannel map[string][]subscriptionRecord
}

func newSubscriptionBook() *subscriptionBook {
	return &subscriptionBook{byChannel: make(map[string][]subscriptionRecord)}
}

// add records an acknowledged subscription. Duplicate (channel, id, type)
// tuples are ignored.
func (b *subscriptionBook) add(channel string, rec subscriptionRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.byChannel[channel] {
		if existing.ID == rec.ID && existing.Type == rec.Type {
			return
		}
	}
	b.byChannel[channel] = append(b.byChannel[channel], rec)
}

// remove forgets an acknowledged-cancelled subscription by ID.
func (b *subscriptionBook) remove(channel, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	records := b.byChannel[channel]
	for i, rec := range records {
		if rec.ID == id {
			b.byChannel[channel] = append(records[:i], records[i+1:]...)
			break
		}
	}
	if len(b.byChannel[channel]) == 0 {
		delete(b.byChannel, channel)
	}
}

// removeByID forgets a subscription regardless of channel, returning the
// channel it was recorded under. Used when the server revokes a subscription.
func (b *subscriptionBook) removeByID(id string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for channel, records := range b.byChannel {
		for i, rec := range records {
			if rec.ID == id {
				b.byChannel[channel] = append(records[:i], records[i+1:]...)
				if len(b.byChannel[channel]) == 0 {
					delete(b.byChannel, channel)
				}
				return channel, true
			}
		}
	}
	return "", false
}

// records returns a copy of the channel's records.
func (b *subscriptionBook) records(channel string) []subscriptionRecord {
	b.mu.Lock()
	defer b.mu.Unlock()

	records := b.byChannel[channel]
	out := make([]subscriptionRecord, len(records))
	copy(out, records)
	return out
}

// has reports whether the channel has a non-empty subscription set.
func (b *subscriptionBook) has(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byChannel[channel]) > 0
}

// hasType reports whether the channel has a record for the given event type.
func (b *subscriptionBook) hasType(channel, eventType string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, rec := range b.byChannel[channel] {
		if rec.Type == eventType {
			return true
		}
	}
	return false
}

// count returns the total number of recorded subscriptions.
func (b *subscriptionBook) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for _, records := range b.byChannel {
		total += len(records)
	}
	return total
}
