package events

import "sync"

// Subscriber receives the live event stream. The channel is buffered; a
// subscriber that falls behind misses events rather than stalling Emit.
type Subscriber chan Event

const subscriberBuffer = 64

var (
	subMu sync.RWMutex
	subs  = make(map[Subscriber]struct{})
)

// Subscribe registers a live-stream subscriber.
func Subscribe() Subscriber {
	ch := make(Subscriber, subscriberBuffer)
	subMu.Lock()
	subs[ch] = struct{}{}
	subMu.Unlock()
	return ch
}

// Unsubscribe removes the subscriber and closes its channel.
func Unsubscribe(sub Subscriber) {
	subMu.Lock()
	delete(subs, sub)
	subMu.Unlock()
	close(sub)
}

func broadcast(e Event) {
	subMu.RLock()
	defer subMu.RUnlock()
	for sub := range subs {
		select {
		case sub <- e:
		default:
			// Slow subscriber; it misses this event.
		}
	}
}

// RecentEvents returns up to n of the most recent buffered events.
func RecentEvents(n int) []Event {
	all := buffer.Snapshot()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}
