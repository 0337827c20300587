// Package messaging carries fire-and-forget messages from the privileged
// observer to per-tab receivers.
//
// Delivery is at-most-once with no queue: a message sent to a tab without a
// receiver is dropped and reported as types.ErrNoReceiver.
package messaging

import (
	"sync"

	"github.com/Rorqualx/defundx-go/internal/types"
)

// Kind identifies a message type.
type Kind string

// BlockedRequest signals that one more tracking request was observed.
const BlockedRequest Kind = "BLOCKED_REQUEST"

// Message is the unit carried by the hub. It has no payload beyond its kind.
type Message struct {
	Type Kind `json:"type"`
}

// Handler receives messages for one tab.
type Handler func(Message)

// Hub routes messages to the receiver attached to each tab.
// It is safe for concurrent use.
type Hub struct {
	mu        sync.RWMutex
	receivers map[string]*receiver
}

type receiver struct {
	fn Handler
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{receivers: make(map[string]*receiver)}
}

// Listen attaches fn as the receiver for tabID, replacing any previous one.
// The returned function detaches it; calling it after a replacement is a no-op.
func (h *Hub) Listen(tabID string, fn Handler) (remove func()) {
	r := &receiver{fn: fn}

	h.mu.Lock()
	h.receivers[tabID] = r
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.receivers[tabID] == r {
			delete(h.receivers, tabID)
		}
	}
}

// Send hands msg to the tab's receiver on a new goroutine and returns
// without waiting for it.
func (h *Hub) Send(tabID string, msg Message) error {
	h.mu.RLock()
	r, ok := h.receivers[tabID]
	h.mu.RUnlock()

	if !ok {
		return types.ErrNoReceiver
	}
	go r.fn(msg)
	return nil
}

// Listening reports whether tabID currently has a receiver.
func (h *Hub) Listening(tabID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.receivers[tabID]
	return ok
}
