// Package events fans the core processing events out to registered
// listeners, which is how websocket clients watch headers and blocks
// flow through the node.
package events

import (
	"fmt"
	"sync"
)

// messageBuffer bounds each listener channel. A listener that cannot
// keep up loses messages instead of stalling the core.
const messageBuffer = 100

// Events maintains a mapping of unique id and channels so goroutines
// can register and receive events.
type Events struct {
	mu        sync.RWMutex
	listeners map[string]chan string
}

// New constructs an events value for registering and receiving events.
func New() *Events {
	return &Events{
		listeners: make(map[string]chan string),
	}
}

// Shutdown closes and removes every channel that was handed out by
// Acquire.
func (evt *Events) Shutdown() {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	for id, ch := range evt.listeners {
		delete(evt.listeners, id)
		close(ch)
	}
}

// Acquire takes a unique id and returns a channel that can be used to
// receive events. Calling Acquire twice with the same id returns the
// same channel.
func (evt *Events) Acquire(id string) chan string {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	if ch, exists := evt.listeners[id]; exists {
		return ch
	}

	evt.listeners[id] = make(chan string, messageBuffer)
	return evt.listeners[id]
}

// Release closes and removes the channel that was provided by the call
// to Acquire.
func (evt *Events) Release(id string) error {
	evt.mu.Lock()
	defer evt.mu.Unlock()

	ch, exists := evt.listeners[id]
	if !exists {
		return fmt.Errorf("id %q does not exist", id)
	}

	delete(evt.listeners, id)
	close(ch)
	return nil
}

// Send delivers a message to every registered listener. Send never
// blocks waiting for a receiver.
func (evt *Events) Send(s string) {
	evt.mu.RLock()
	defer evt.mu.RUnlock()

	for _, ch := range evt.listeners {
		select {
		case ch <- s:
		default:
		}
	}
}
