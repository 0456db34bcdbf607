package agent

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/smallnest/chanx"
)

// OutputLine is one forwarded line of child output.
type OutputLine struct {
	Stream string `json:"stream"`
	Line   string `json:"line"`
}

// Broadcaster fans output lines out to a dynamic set of subscribers.
// Publish never blocks: each subscriber has an unbounded queue, so a slow reader cannot stall the child's output.
type Broadcaster struct {
	m      sync.Mutex
	closed bool
	subs   map[string]*chanx.UnboundedChan[OutputLine]
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: map[string]*chanx.UnboundedChan[OutputLine]{}}
}

// Subscribe adds a subscriber and returns its ID and the channel its lines arrive on.
// The channel is closed by Unsubscribe or Close. Subscribing to a closed broadcaster returns a closed channel.
func (b *Broadcaster) Subscribe() (string, <-chan OutputLine) {
	b.m.Lock()
	defer b.m.Unlock()

	id := uuid.NewString()
	ch := chanx.NewUnboundedChan[OutputLine](context.Background(), 16)
	if b.closed {
		close(ch.In)
		return id, ch.Out
	}
	b.subs[id] = ch
	return id, ch.Out
}

// Unsubscribe removes a subscriber. Unknown IDs are ignored.
func (b *Broadcaster) Unsubscribe(id string) {
	b.m.Lock()
	defer b.m.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch.In)
		delete(b.subs, id)
	}
}

// Publish sends a line to every current subscriber. It has the signature of host.Options.OutputObserver.
func (b *Broadcaster) Publish(streamName, line string) {
	b.m.Lock()
	defer b.m.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		ch.In <- OutputLine{Stream: streamName, Line: line}
	}
}

// Subscribers is the number of current subscribers.
func (b *Broadcaster) Subscribers() int {
	b.m.Lock()
	defer b.m.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Later publishes are dropped.
func (b *Broadcaster) Close() {
	b.m.Lock()
	defer b.m.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch.In)
		delete(b.subs, id)
	}
}
