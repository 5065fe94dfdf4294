package server

import (
	"sync"
	"sync/atomic"
)

// Hub is the telemetry subscriber set: the connections that asked for the
// periodic metrics stream. It implements telemetry.Publisher.
//
// Subscribers are tracked in a sync.Map keyed by connection id so the
// once-per-second Publish path ranges without a global lock.
type Hub struct {
	subs  sync.Map // map[string]*Conn
	count atomic.Int64
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{}
}

// Subscribe adds c to the metrics stream. Subscribing twice is a no-op.
func (h *Hub) Subscribe(c *Conn) {
	if _, loaded := h.subs.LoadOrStore(c.id, c); !loaded {
		h.count.Add(1)
	}
}

// Unsubscribe removes the connection with id from the metrics stream.
// Unknown ids are a no-op, so disconnect cleanup can call it
// unconditionally.
func (h *Hub) Unsubscribe(id string) {
	if _, loaded := h.subs.LoadAndDelete(id); loaded {
		h.count.Add(-1)
	}
}

// Count returns the number of current subscribers.
func (h *Hub) Count() int {
	return int(h.count.Load())
}

// Publish delivers frame to every subscriber with a non-blocking send; a
// subscriber with a full buffer misses this tick rather than stalling the
// broadcaster.
func (h *Hub) Publish(frame []byte) {
	h.subs.Range(func(_, v any) bool {
		v.(*Conn).Send(frame)
		return true
	})
}
