package engine

import (
	"sync"

	"github.com/seantiz/running/internal/model"
)

// subscriberBuffer is how far a subscriber may fall behind before lines
// for it are dropped.
const subscriberBuffer = 256

// LogBroker fans live output lines out to the subscribers of each batch. It
// is safe for concurrent use.
//
// A closed topic stays behind as a marker, so subscribing after the batch
// finished yields a closed channel rather than one that never delivers.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs    map[uint64]chan model.LogLine
	next    uint64
	closed  bool
	dropped int
}

func newTopic() *topic {
	return &topic{subs: make(map[uint64]chan model.LogLine)}
}

// deliver hands l to every subscriber without blocking and counts the
// subscribers it had to skip.
func (t *topic) deliver(l model.LogLine) {
	for _, ch := range t.subs {
		select {
		case ch <- l:
		default:
			t.dropped++
		}
	}
}

func (t *topic) shutdown() {
	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

func NewLogBroker() *LogBroker {
	return &LogBroker{topics: make(map[string]*topic)}
}

// topicLocked returns the topic for batchID, creating it if needed. b.mu
// must be held.
func (b *LogBroker) topicLocked(batchID string) *topic {
	t, ok := b.topics[batchID]
	if !ok {
		t = newTopic()
		b.topics[batchID] = t
	}
	return t
}

// Subscribe registers for the lines of batchID. The returned function
// unsubscribes; it is safe to call more than once.
func (b *LogBroker) Subscribe(batchID string) (<-chan model.LogLine, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.LogLine, subscriberBuffer)
	t := b.topicLocked(batchID)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.next
	t.next++
	t.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		delete(t.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers line to the current subscribers of its batch. Lines for a
// batch nobody subscribed to, or one already closed, are discarded.
func (b *LogBroker) Publish(line model.LogLine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[line.BatchID]; ok && !t.closed {
		t.deliver(line)
	}
}

// Subscribers reports how many live subscriptions batchID has.
func (b *LogBroker) Subscribers(batchID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[batchID]; ok {
		return len(t.subs)
	}
	return 0
}

// Dropped reports how many deliveries to slow subscribers of batchID were
// skipped.
func (b *LogBroker) Dropped(batchID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[batchID]; ok {
		return t.dropped
	}
	return 0
}

// Close ends the stream for batchID. Current subscribers see their channel
// close and later subscribers get an already closed one.
func (b *LogBroker) Close(batchID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.topicLocked(batchID).shutdown()
}
