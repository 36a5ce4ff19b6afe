package engine

import (
	"encoding/json"
	"sync"
)

// subscriberBufferSize is the channel buffer for each progress subscriber.
// Values are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// ProgressBroker fans out per-job progress values to subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a job finishes) receive a closed channel instead of
// blocking forever. Forget drops the marker once the job itself is removed.
type ProgressBroker struct {
	mu     sync.Mutex
	topics map[string]*progressTopic
}

type progressTopic struct {
	subs   map[int]chan json.RawMessage
	nextID int
	closed bool
}

// NewProgressBroker creates a new progress broker.
func NewProgressBroker() *ProgressBroker {
	return &ProgressBroker{
		topics: make(map[string]*progressTopic),
	}
}

// Subscribe returns a channel that receives progress values for the given job
// and an unsubscribe function. If the job has already finished (Close was
// called), the returned channel is immediately closed.
func (b *ProgressBroker) Subscribe(jobID string) (<-chan json.RawMessage, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &progressTopic{subs: make(map[int]chan json.RawMessage)}
		b.topics[jobID] = t
	}

	ch := make(chan json.RawMessage, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends a progress value to all subscribers of the given job.
// Values are dropped for subscribers whose buffers are full.
func (b *ProgressBroker) Publish(jobID string, value json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- value:
		default:
			// Drop for slow subscribers to avoid blocking the execution.
		}
	}
}

// Close signals that no more progress will be published for the given job.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *ProgressBroker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		b.topics[jobID] = &progressTopic{subs: make(map[int]chan json.RawMessage), closed: true}
		return
	}
	if t.closed {
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Forget drops all state for a job, closing any remaining subscribers.
func (b *ProgressBroker) Forget(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		return
	}
	if !t.closed {
		for _, ch := range t.subs {
			close(ch)
		}
	}
	delete(b.topics, jobID)
}

// CloseAll closes every open topic.
func (b *ProgressBroker) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range b.topics {
		if t.closed {
			continue
		}
		t.closed = true
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
	}
}
