// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"maps"
	"slices"
	"sync"

	"github.com/go-logr/logr"

	"github.com/ai-debugger-inc/aidb/pkg/resiliency"
)

const (
	StoppedEvent   = "stopped"
	ContinuedEvent = "continued"
)

// ForwardedEventTypes are the events the EventBridge copies from a parent session to its children.
var ForwardedEventTypes = []string{StoppedEvent, ContinuedEvent}

// BridgeSnapshot is a copy of the EventBridge mappings.
type BridgeSnapshot struct {
	ParentToChildren map[string][]string
	ChildToParent    map[string]string
	Subscriptions    map[string][]SubscriptionID
}

// EventBridge mirrors the run state of parent debug sessions into their child sessions.
// It subscribes to stopped/continued events on a parent's connection and pushes each one
// into the synthetic event inbox of every child registered under that parent.
//
// All mappings are guarded by a single mutex. The mutex is never held while calling into sessions
// or events APIs; the relevant part of the state is copied first.
type EventBridge struct {
	sessions SessionLookup
	log      logr.Logger

	mu               sync.Mutex
	parentToChildren map[string]map[string]struct{}
	childToParent    map[string]string

	// subscriptions holds, per parent, the ids returned when subscribing on the parent's behalf.
	// A present-but-empty entry means subscribing is in progress.
	subscriptions map[string][]SubscriptionID
}

func NewEventBridge(sessions SessionLookup, log logr.Logger) *EventBridge {
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	return &EventBridge{
		sessions:         sessions,
		log:              log,
		parentToChildren: make(map[string]map[string]struct{}),
		childToParent:    make(map[string]string),
		subscriptions:    make(map[string][]SubscriptionID),
	}
}

// RegisterChild records childID as a child of parentID.
// A child registered under another parent is moved. The first child of a parent triggers
// subscription to the parent's stopped/continued events.
func (b *EventBridge) RegisterChild(parentID, childID string) {
	b.mu.Lock()
	if current, registered := b.childToParent[childID]; registered {
		if current == parentID {
			b.mu.Unlock()
			return
		}
		b.log.Info("Moving child session to a different parent", "childSessionID", childID, "oldParentSessionID", current, "parentSessionID", parentID)
		b.removeChildLocked(childID)
	}

	children, exists := b.parentToChildren[parentID]
	if !exists {
		children = make(map[string]struct{})
		b.parentToChildren[parentID] = children
	}
	children[childID] = struct{}{}
	b.childToParent[childID] = parentID
	isFirstChild := len(children) == 1
	b.mu.Unlock()

	b.log.V(1).Info("Registered child session", "childSessionID", childID, "parentSessionID", parentID)

	if !isFirstChild {
		return
	}

	parent, found := b.sessions.GetSession(parentID)
	if !found {
		b.log.Info("Parent session not found, events will not be forwarded to its children", "parentSessionID", parentID)
		return
	}
	b.SetupParentSubscriptions(parent)
}

// UnregisterChild removes childID from its parent. A parent left without children loses its entry.
// Unknown children are ignored.
func (b *EventBridge) UnregisterChild(childID string) {
	b.mu.Lock()
	parentID, removed := b.removeChildLocked(childID)
	b.mu.Unlock()

	if removed {
		b.log.V(1).Info("Unregistered child session", "childSessionID", childID, "parentSessionID", parentID)
	}
}

// UnregisterChildrenOf removes every child registered under parentID and returns their ids, sorted.
// The child sessions themselves are left alone; closing them is up to their owner.
func (b *EventBridge) UnregisterChildrenOf(parentID string) []string {
	b.mu.Lock()
	children := slices.Sorted(maps.Keys(b.parentToChildren[parentID]))
	for _, childID := range children {
		b.removeChildLocked(childID)
	}
	b.mu.Unlock()

	if len(children) > 0 {
		b.log.V(1).Info("Unregistered child sessions of parent", "parentSessionID", parentID, "children", children)
	}
	return children
}

func (b *EventBridge) removeChildLocked(childID string) (string, bool) {
	parentID, registered := b.childToParent[childID]
	if !registered {
		return "", false
	}

	delete(b.childToParent, childID)
	if children, exists := b.parentToChildren[parentID]; exists {
		delete(children, childID)
		if len(children) == 0 {
			delete(b.parentToChildren, parentID)
		}
	}
	return parentID, true
}

// ForwardEventToChildren pushes a stopped or continued event of parent into the inbox of each registered child.
// Other events are ignored. Missing children and ingestion failures are logged and skipped.
// It never blocks and never panics, because it runs on the event delivery path of the parent's connection.
func (b *EventBridge) ForwardEventToChildren(parent DebugSession, event Message) {
	if !slices.Contains(ForwardedEventTypes, event.EventType()) {
		return
	}

	parentID := parent.ID()
	b.mu.Lock()
	childIDs := slices.Collect(maps.Keys(b.parentToChildren[parentID]))
	b.mu.Unlock()

	if len(childIDs) == 0 {
		return
	}

	for _, childID := range childIDs {
		b.forwardToChild(parentID, childID, event)
	}
}

func (b *EventBridge) forwardToChild(parentID, childID string, event Message) {
	log := b.log.WithValues("parentSessionID", parentID, "childSessionID", childID, "event", event.EventType())
	defer resiliency.LogPanic(log, "Forwarding event to child session panicked")

	child, found := b.sessions.GetSession(childID)
	if !found {
		log.Info("Child session not found, skipping event forwarding")
		return
	}

	if ingestErr := child.IngestSyntheticEvent(event.Clone()); ingestErr != nil {
		log.Error(ingestErr, "Could not forward event to child session")
		return
	}
	log.V(1).Info("Forwarded event to child session")
}

// SetupParentSubscriptions subscribes to the forwarded event types on the parent's events API.
// It does nothing if the parent already has subscriptions, or if the parent has no events API.
func (b *EventBridge) SetupParentSubscriptions(parent DebugSession) {
	parentID := parent.ID()
	log := b.log.WithValues("parentSessionID", parentID)

	b.mu.Lock()
	if _, exists := b.subscriptions[parentID]; exists {
		b.mu.Unlock()
		return
	}
	b.subscriptions[parentID] = []SubscriptionID{}
	b.mu.Unlock()

	events, apiErr := parent.EventsAPI()
	if apiErr != nil || events == nil {
		log.Info("Parent session has no events API, child sessions will not receive its events", "error", apiErr)
		b.mu.Lock()
		delete(b.subscriptions, parentID)
		b.mu.Unlock()
		return
	}

	handler := func(event Message) {
		b.ForwardEventToChildren(parent, event)
	}

	ids := make([]SubscriptionID, 0, len(ForwardedEventTypes))
	for _, eventType := range ForwardedEventTypes {
		id, subErr := events.SubscribeToEvent(eventType, handler, nil)
		if subErr != nil {
			log.Error(subErr, "Could not subscribe to parent session event", "eventType", eventType)
			continue
		}
		ids = append(ids, id)
	}

	b.mu.Lock()
	_, stillWanted := b.subscriptions[parentID]
	if stillWanted {
		b.subscriptions[parentID] = ids
	}
	b.mu.Unlock()

	if !stillWanted {
		// Cleaned up while subscribing.
		unsubscribeAll(events, ids, log)
		return
	}
	log.V(1).Info("Subscribed to parent session events", "subscriptions", len(ids))
}

// CleanupParentSubscriptions removes the subscriptions made on behalf of parentID.
// The bookkeeping entry is removed even if unsubscribing fails. Unknown parents are ignored.
func (b *EventBridge) CleanupParentSubscriptions(parentID string) {
	b.mu.Lock()
	ids, exists := b.subscriptions[parentID]
	delete(b.subscriptions, parentID)
	b.mu.Unlock()

	if !exists || len(ids) == 0 {
		return
	}

	log := b.log.WithValues("parentSessionID", parentID)
	parent, found := b.sessions.GetSession(parentID)
	if !found {
		log.Info("Parent session not found, cannot unsubscribe from its events")
		return
	}

	events, apiErr := parent.EventsAPI()
	if apiErr != nil || events == nil {
		log.Info("Parent session has no events API, cannot unsubscribe from its events", "error", apiErr)
		return
	}

	unsubscribeAll(events, ids, log)
	log.V(1).Info("Removed parent session event subscriptions", "subscriptions", len(ids))
}

func unsubscribeAll(events EventsAPI, ids []SubscriptionID, log logr.Logger) {
	for _, id := range ids {
		if unsubErr := events.UnsubscribeFromEvent(id); unsubErr != nil {
			log.Error(unsubErr, "Could not unsubscribe from parent session event", "subscriptionID", id)
		}
	}
}

// ParentOf returns the parent a child is registered under.
func (b *EventBridge) ParentOf(childID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	parentID, found := b.childToParent[childID]
	return parentID, found
}

// ChildrenOf returns the children registered under parentID, sorted.
func (b *EventBridge) ChildrenOf(parentID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Sorted(maps.Keys(b.parentToChildren[parentID]))
}

// Snapshot returns a copy of the bridge state. Child lists are sorted.
func (b *EventBridge) Snapshot() BridgeSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := BridgeSnapshot{
		ParentToChildren: make(map[string][]string, len(b.parentToChildren)),
		ChildToParent:    maps.Clone(b.childToParent),
		Subscriptions:    make(map[string][]SubscriptionID, len(b.subscriptions)),
	}
	for parentID, children := range b.parentToChildren {
		snap.ParentToChildren[parentID] = slices.Sorted(maps.Keys(children))
	}
	for parentID, ids := range b.subscriptions {
		snap.Subscriptions[parentID] = slices.Clone(ids)
	}
	return snap
}
