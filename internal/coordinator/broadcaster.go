package coordinator

import "sync"

// Broadcaster fans progress events out to subscribers. New subscribers get
// the full history replayed first, so attaching late never loses events.
// A subscriber that stops draining its channel is dropped rather than
// allowed to stall the run.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[chan map[string]any]bool
	history []map[string]any
	closed  bool
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: map[chan map[string]any]bool{}}
}

// Subscribe registers a listener and replays history into it. The returned
// cancel func detaches the listener.
func (b *Broadcaster) Subscribe(buffer int) (<-chan map[string]any, func()) {
	if buffer < 16 {
		buffer = 16
	}
	ch := make(chan map[string]any, buffer)
	b.mu.Lock()
	for _, ev := range b.history {
		select {
		case ch <- ev:
		default:
		}
	}
	if b.closed {
		close(ch)
		b.mu.Unlock()
		return ch, func() {}
	}
	b.subs[ch] = true
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if b.subs[ch] {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Send records the event and delivers it without blocking; subscribers
// with a full buffer are dropped.
func (b *Broadcaster) Send(ev map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.history = append(b.history, ev)
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			delete(b.subs, ch)
			close(ch)
		}
	}
}

// Close ends the stream; all subscriber channels are closed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
