// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"fmt"
	"slices"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/ai-debugger-inc/aidb/pkg/resiliency"
)

// AllEvents subscribes a handler to every event type.
const AllEvents = "*"

// SubscriptionID identifies an event subscription.
type SubscriptionID string

// EventHandler receives a DAP event message.
type EventHandler func(event Message)

// EventFilter decides whether an event is delivered to a handler. A nil filter accepts every event.
type EventFilter func(event Message) bool

// EventsAPI lets callers subscribe to DAP events regardless of whether a live connection exists yet.
type EventsAPI interface {
	// SubscribeToEvent registers handler for events of the given type ("stopped", "continued", ... or AllEvents).
	SubscribeToEvent(eventType string, handler EventHandler, filter EventFilter) (SubscriptionID, error)

	// UnsubscribeFromEvent removes a subscription previously returned by SubscribeToEvent.
	UnsubscribeFromEvent(id SubscriptionID) error
}

// SubscriptionRecord is a subscription that has to be (re)applied to a live connection.
type SubscriptionRecord struct {
	ID        SubscriptionID
	EventType string
	Handler   EventHandler
	Filter    EventFilter
}

func (r SubscriptionRecord) matches(event Message) bool {
	if r.EventType != AllEvents && r.EventType != event.EventType() {
		return false
	}
	return r.Filter == nil || r.Filter(event)
}

// eventDispatcher is the live EventsAPI of a Client.
// Events are delivered synchronously, in arrival order, on the goroutine that calls dispatch().
type eventDispatcher struct {
	log logr.Logger

	mu            sync.RWMutex
	subscriptions []SubscriptionRecord
}

func newEventDispatcher(log logr.Logger) *eventDispatcher {
	return &eventDispatcher{log: log}
}

func (d *eventDispatcher) SubscribeToEvent(eventType string, handler EventHandler, filter EventFilter) (SubscriptionID, error) {
	if handler == nil {
		return "", fmt.Errorf("event handler for %q must not be nil", eventType)
	}

	rec := SubscriptionRecord{
		ID:        SubscriptionID(uuid.NewString()),
		EventType: eventType,
		Handler:   handler,
		Filter:    filter,
	}

	d.mu.Lock()
	d.subscriptions = append(d.subscriptions, rec)
	d.mu.Unlock()

	d.log.V(1).Info("Subscribed to DAP event", "eventType", eventType, "subscriptionID", rec.ID)
	return rec.ID, nil
}

// restore installs a subscription recorded elsewhere, keeping its id.
func (d *eventDispatcher) restore(rec SubscriptionRecord) error {
	if rec.Handler == nil {
		return fmt.Errorf("event handler for %q must not be nil", rec.EventType)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if slices.ContainsFunc(d.subscriptions, func(existing SubscriptionRecord) bool { return existing.ID == rec.ID }) {
		return nil
	}
	d.subscriptions = append(d.subscriptions, rec)
	return nil
}

func (d *eventDispatcher) UnsubscribeFromEvent(id SubscriptionID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := slices.IndexFunc(d.subscriptions, func(rec SubscriptionRecord) bool { return rec.ID == id })
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}

	d.subscriptions = slices.Delete(d.subscriptions, i, i+1)
	return nil
}

func (d *eventDispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscriptions)
}

// dispatch delivers the event to every matching subscription.
// The lock is not held while handlers run, so handlers may subscribe or unsubscribe.
func (d *eventDispatcher) dispatch(event Message) {
	d.mu.RLock()
	matching := make([]SubscriptionRecord, 0, len(d.subscriptions))
	for _, rec := range d.subscriptions {
		if rec.EventType == AllEvents || rec.EventType == event.EventType() {
			matching = append(matching, rec)
		}
	}
	d.mu.RUnlock()

	for _, rec := range matching {
		d.deliver(rec, event)
	}
}

func (d *eventDispatcher) deliver(rec SubscriptionRecord, event Message) {
	defer resiliency.LogPanic(d.log, "Event handler panicked", "eventType", event.EventType(), "subscriptionID", rec.ID)

	if !rec.matches(event) {
		return
	}
	rec.Handler(event)
}

// subscriptionRestorer is implemented by events APIs that can adopt a subscription id issued by the buffering stub.
type subscriptionRestorer interface {
	restore(rec SubscriptionRecord) error
}

var _ EventsAPI = (*eventDispatcher)(nil)
var _ subscriptionRestorer = (*eventDispatcher)(nil)
