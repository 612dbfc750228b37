package realtime

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicateConnection is returned when a connection id is registered twice.
	ErrDuplicateConnection = errors.New("duplicate connection")

	// ErrDeliveryFailure is returned when an event cannot be handed to a connection.
	ErrDeliveryFailure = errors.New("delivery failure")
)

// Sender delivers server events to one live connection.
type Sender interface {
	Send(event *ServerEvent) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(event *ServerEvent) error

func (f SenderFunc) Send(event *ServerEvent) error {
	return f(event)
}

// Registry maps connection ids to their senders.
type Registry struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{senders: make(map[string]Sender)}
}

// Register adds a connection. It fails if the id is already registered.
func (r *Registry) Register(connID string, sender Sender) error {
	if connID == "" || sender == nil {
		return fmt.Errorf("connection id and sender are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.senders[connID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, connID)
	}
	r.senders[connID] = sender
	return nil
}

// Remove deregisters a connection and returns its sender.
func (r *Registry) Remove(connID string) (Sender, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sender, ok := r.senders[connID]
	if !ok {
		return nil, false
	}
	delete(r.senders, connID)
	return sender, true
}

// Deregister removes a connection and reports whether it was registered.
func (r *Registry) Deregister(connID string) bool {
	_, ok := r.Remove(connID)
	return ok
}

// Has reports whether connID is registered.
func (r *Registry) Has(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.senders[connID]
	return ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.senders)
}

// Send delivers event to connID. Unknown connections, sender errors, and
// sender panics all surface as ErrDeliveryFailure.
func (r *Registry) Send(connID string, event *ServerEvent) (err error) {
	r.mu.RLock()
	sender, ok := r.senders[connID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: connection %s not registered", ErrDeliveryFailure, connID)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: sender panic: %v", ErrDeliveryFailure, rec)
		}
	}()
	if sendErr := sender.Send(event); sendErr != nil {
		return fmt.Errorf("%w: %w", ErrDeliveryFailure, sendErr)
	}
	return nil
}
