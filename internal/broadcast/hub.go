package broadcast

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber queue length used when none is given.
const DefaultBuffer = 64

// Hub is an in-process pub/sub keyed by channel name. Publishing on one
// channel is serialized, so subscribers of that channel receive events in
// publish order with strictly increasing Seq.
type Hub struct {
	buffer int

	mu       sync.Mutex
	channels map[string]*channelState
	taps     []func(Event)

	dropped atomic.Uint64
}

type channelState struct {
	seq  uint64
	subs map[*Subscription]struct{}
}

// NewHub returns a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{buffer: buffer, channels: make(map[string]*channelState)}
}

// Subscription is one consumer attached to a channel.
type Subscription struct {
	Channel string

	hub  *Hub
	ch   chan Event
	once sync.Once
}

// C yields the delivered events. It is closed by Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		if st, ok := h.channels[s.Channel]; ok {
			delete(st.subs, s)
		}
		close(s.ch)
		h.mu.Unlock()
		subscribers.Dec()
	})
}

// Subscribe attaches a new subscriber to channel.
func (h *Hub) Subscribe(channel string) *Subscription {
	s := &Subscription{Channel: channel, hub: h, ch: make(chan Event, h.buffer)}
	h.mu.Lock()
	h.state(channel).subs[s] = struct{}{}
	h.mu.Unlock()
	subscribers.Inc()
	return s
}

// Tap registers fn to observe every locally published event (used by the
// cross-instance relay). fn runs under the hub lock, in channel order, and
// must not block.
func (h *Hub) Tap(fn func(Event)) {
	h.mu.Lock()
	h.taps = append(h.taps, fn)
	h.mu.Unlock()
}

// Publish stamps ev with channel and the channel's next Seq, delivers it and
// returns the stamped event.
func (h *Hub) Publish(channel string, ev Event) Event {
	return h.deliver(channel, ev, true)
}

// Inject delivers an event that originated elsewhere. Taps are not called.
func (h *Hub) Inject(channel string, ev Event) Event {
	return h.deliver(channel, ev, false)
}

func (h *Hub) deliver(channel string, ev Event, withTaps bool) Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.state(channel)
	st.seq++
	ev.Channel = channel
	ev.Seq = st.seq

	for s := range st.subs {
		select {
		case s.ch <- ev:
		default:
			h.dropped.Add(1)
			eventsDropped.WithLabelValues(string(ev.Type)).Inc()
		}
	}
	eventsPublished.WithLabelValues(string(ev.Type)).Inc()

	if withTaps {
		for _, fn := range h.taps {
			fn(ev)
		}
	}
	return ev
}

// LastSeq returns the last sequence number stamped on channel.
func (h *Hub) LastSeq(channel string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.channels[channel]; ok {
		return st.seq
	}
	return 0
}

// Dropped returns how many deliveries were dropped on full buffers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Subscribers returns the number of subscribers attached to channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.channels[channel]; ok {
		return len(st.subs)
	}
	return 0
}

// state must be called with h.mu held.
func (h *Hub) state(channel string) *channelState {
	st, ok := h.channels[channel]
	if !ok {
		st = &channelState{subs: make(map[*Subscription]struct{})}
		h.channels[channel] = st
	}
	return st
}
