// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// StubEventsAPI stands in for a client's events API while a session has no live connection.
// Subscriptions are recorded, not delivered; they are replayed onto the next client the Connector installs.
type StubEventsAPI struct {
	mu      sync.Mutex
	pending []SubscriptionRecord
}

func newStubEventsAPI() *StubEventsAPI {
	return &StubEventsAPI{}
}

// SubscribeToEvent records the subscription and returns an id that stays valid for the stub's lifetime.
func (s *StubEventsAPI) SubscribeToEvent(eventType string, handler EventHandler, filter EventFilter) (SubscriptionID, error) {
	if handler == nil {
		return "", fmt.Errorf("event handler for %q must not be nil", eventType)
	}

	rec := SubscriptionRecord{
		ID:        SubscriptionID("pending-" + uuid.NewString()),
		EventType: eventType,
		Handler:   handler,
		Filter:    filter,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, rec)
	return rec.ID, nil
}

// UnsubscribeFromEvent drops a recorded subscription so it is not replayed.
func (s *StubEventsAPI) UnsubscribeFromEvent(id SubscriptionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.IndexFunc(s.pending, func(rec SubscriptionRecord) bool { return rec.ID == id })
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}

	s.pending = slices.Delete(s.pending, i, i+1)
	return nil
}

// Pending returns a copy of the recorded subscriptions, in subscription order.
func (s *StubEventsAPI) Pending() []SubscriptionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pending)
}

var _ EventsAPI = (*StubEventsAPI)(nil)
