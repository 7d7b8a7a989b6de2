package broadcast

import (
	"sync"
	"time"
)

// Event is the one meaningful outcome a channel ever carries.
type Event struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

// Broadcaster routes a purchase outcome to every live subscriber of its
// channel id. Channels are keyed by the opaque token minted per checkout
// attempt; the ledger stays authoritative, so delivery here is best-effort
// and a dropped event only costs the client a poll.
type Broadcaster struct {
	mu       sync.Mutex
	channels map[string]*channel
	now      func() time.Time
}

type channel struct {
	subs       map[*Subscription]struct{}
	terminal   *Event
	terminalAt time.Time
}

type Subscription struct {
	C         <-chan Event
	ch        chan Event
	channelID string
}

func New() *Broadcaster {
	return &Broadcaster{
		channels: make(map[string]*channel),
		now:      time.Now,
	}
}

// Subscribe registers a listener for channelID. If the channel already
// resolved, the known outcome is replayed immediately so a subscriber that
// lost the race against the webhook still sees it.
func (b *Broadcaster) Subscribe(channelID string) *Subscription {
	ch := make(chan Event, 1)
	sub := &Subscription{C: ch, ch: ch, channelID: channelID}

	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.channels[channelID]
	if !ok {
		entry = &channel{subs: make(map[*Subscription]struct{})}
		b.channels[channelID] = entry
	}
	entry.subs[sub] = struct{}{}

	if entry.terminal != nil {
		ch <- *entry.terminal
	}

	return sub
}

// Unsubscribe drops the handle. A resolved channel with no remaining
// subscribers is freed; the ledger keeps the durable answer.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.channels[sub.channelID]
	if !ok {
		return
	}

	delete(entry.subs, sub)
	if len(entry.subs) == 0 && entry.terminal != nil {
		delete(b.channels, sub.channelID)
	}
}

// Publish stores the outcome and fans it out non-blocking. A second publish
// for an already-resolved channel is suppressed: one terminal event per
// channel, ever. Returns whether the event was accepted.
func (b *Broadcaster) Publish(channelID string, event Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.channels[channelID]
	if !ok {
		entry = &channel{subs: make(map[*Subscription]struct{})}
		b.channels[channelID] = entry
	}
	if entry.terminal != nil {
		return false
	}

	stored := event
	entry.terminal = &stored
	entry.terminalAt = b.now().UTC()

	for sub := range entry.subs {
		select {
		case sub.ch <- event:
		default:
			// Slow or dead subscriber; never stall the publisher.
		}
	}

	return true
}

// SweepResolved frees resolved channels whose last event is older than
// maxAge and that nobody is listening to. Covers channels whose subscriber
// never came back for the replay.
func (b *Broadcaster) SweepResolved(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}

	cutoff := b.now().UTC().Add(-maxAge)

	b.mu.Lock()
	defer b.mu.Unlock()

	swept := 0
	for channelID, entry := range b.channels {
		if entry.terminal == nil || len(entry.subs) > 0 {
			continue
		}
		if entry.terminalAt.Before(cutoff) {
			delete(b.channels, channelID)
			swept++
		}
	}

	return swept
}
