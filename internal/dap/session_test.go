/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-debugger-inc/aidb/pkg/testutil"
)

type sessionFixture struct {
	registry *SessionRegistry
	bridge   *EventBridge
	children chan *Session
}

func newSessionFixture() *sessionFixture {
	registry := NewSessionRegistry(logr.Discard())
	return &sessionFixture{
		registry: registry,
		bridge:   NewEventBridge(registry, logr.Discard()),
		children: make(chan *Session, 4),
	}
}

func (f *sessionFixture) config(id string) SessionConfig {
	return SessionConfig{
		ID:                    id,
		Registry:              f.registry,
		Bridge:                f.bridge,
		ConnectTimeout:        5 * time.Second,
		OnChildSessionCreated: func(child *Session) { f.children <- child },
		Logger:                logr.Discard(),
	}
}

func (f *sessionFixture) waitForChild(t *testing.T, ctx context.Context) *Session {
	t.Helper()

	select {
	case child := <-f.children:
		t.Cleanup(func() { _ = child.Close() })
		return child
	case <-ctx.Done():
		t.Fatal("child session was not created")
		return nil
	}
}

func waitForSyntheticEvent(t *testing.T, ctx context.Context, s *Session) Message {
	t.Helper()

	select {
	case event, ok := <-s.SyntheticEvents():
		require.True(t, ok, "synthetic event channel closed unexpectedly")
		return event
	case <-ctx.Done():
		t.Fatal("no synthetic event was delivered")
		return nil
	}
}

func TestChildSessionSharingParentConnection(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	fixture := newSessionFixture()
	adapter := newFakeAdapter(t)

	parent, err := NewSession(fixture.config("parent"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = parent.Close() })

	_, err = parent.Connect(ctx, "127.0.0.1", adapter.port)
	require.NoError(t, err)
	adapterConn := adapter.accept(t, ctx)

	require.NoError(t, adapterConn.SendMessage(ctx, Message{
		"seq": 1, "type": "request", "command": "startDebugging",
		"arguments": map[string]any{"request": "launch", "configuration": map[string]any{"name": "worker"}},
	}))
	resp, err := adapterConn.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.True(t, resp.Success())

	child := fixture.waitForChild(t, ctx)
	assert.Equal(t, "parent", child.ParentID())
	assert.True(t, child.IsChild())
	assert.Equal(t, []*Session{child}, fixture.registry.ChildrenOf("parent"))
	assert.Equal(t, []string{child.ID()}, fixture.bridge.ChildrenOf("parent"))

	// Without a dedicated endpoint the child borrows its parent's client.
	parentClient, err := parent.Client()
	require.NoError(t, err)
	childClient, err := child.Client()
	require.NoError(t, err)
	assert.Same(t, parentClient, childClient)

	require.NoError(t, adapterConn.SendMessage(ctx, Message{"seq": 2, "type": "event", "event": "output", "body": map[string]any{"output": "hi"}}))
	require.NoError(t, adapterConn.SendMessage(ctx, Message{"seq": 3, "type": "event", "event": "stopped", "body": map[string]any{"threadId": 1, "reason": "breakpoint"}}))

	event := waitForSyntheticEvent(t, ctx, child)
	assert.Equal(t, StoppedEvent, event.EventType())
	assert.Equal(t, "breakpoint", event.Body()["reason"])
}

func TestChildSessionKeepsReceivingParentEventsAfterReconnect(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	fixture := newSessionFixture()
	adapter := newFakeAdapter(t)

	parent, err := NewSession(fixture.config("parent"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = parent.Close() })

	_, err = parent.Connect(ctx, "127.0.0.1", adapter.port)
	require.NoError(t, err)
	adapterConn := adapter.accept(t, ctx)

	require.NoError(t, adapterConn.SendMessage(ctx, Message{
		"seq": 1, "type": "request", "command": "startDebugging",
		"arguments": map[string]any{"request": "attach", "configuration": map[string]any{"name": "worker"}},
	}))
	_, err = adapterConn.ReceiveMessage(ctx)
	require.NoError(t, err)
	child := fixture.waitForChild(t, ctx)
	subscriptions := fixture.bridge.Snapshot().Subscriptions["parent"]
	require.Len(t, subscriptions, len(ForwardedEventTypes))

	require.True(t, parent.Connector().Reconnect(ctx, ReconnectOptions{MaxAttempts: 1}))
	newConn := adapter.accept(t, ctx)

	require.NoError(t, newConn.SendMessage(ctx, Message{"seq": 2, "type": "event", "event": "stopped", "body": map[string]any{"threadId": 1, "reason": "pause"}}))
	event := waitForSyntheticEvent(t, ctx, child)
	assert.Equal(t, StoppedEvent, event.EventType())
	assert.Equal(t, "pause", event.Body()["reason"])

	// The subscription ids recorded by the bridge still identify the subscriptions on the new connection.
	fixture.bridge.CleanupParentSubscriptions("parent")
	client, err := parent.Client()
	require.NoError(t, err)
	assert.Equal(t, 0, client.(*Client).events.Len())
}

func TestSessionClosedFromEventHandler(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	fixture := newSessionFixture()
	adapter := newFakeAdapter(t)

	session, err := NewSession(fixture.config("main"))
	require.NoError(t, err)

	api, err := session.EventsAPI()
	require.NoError(t, err)
	closed := make(chan error, 1)
	_, err = api.SubscribeToEvent("terminated", func(Message) { closed <- session.Close() }, nil)
	require.NoError(t, err)

	_, err = session.Connect(ctx, "127.0.0.1", adapter.port)
	require.NoError(t, err)
	adapterConn := adapter.accept(t, ctx)
	require.NoError(t, adapterConn.SendMessage(ctx, Message{"seq": 1, "type": "event", "event": "terminated"}))

	select {
	case closeErr := <-closed:
		assert.NoError(t, closeErr)
	case <-ctx.Done():
		t.Fatal("Close called from an event handler did not return")
	}
	assert.False(t, session.Connector().VerifyConnection())
	_, found := fixture.registry.Get("main")
	assert.False(t, found)
}

func TestChildSessionWithDedicatedConnection(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	fixture := newSessionFixture()
	parentAdapter := newFakeAdapter(t)
	childAdapter := newFakeAdapter(t)

	parent, err := NewSession(fixture.config("parent"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = parent.Close() })

	_, err = parent.Connect(ctx, "127.0.0.1", parentAdapter.port)
	require.NoError(t, err)
	parentConn := parentAdapter.accept(t, ctx)

	require.NoError(t, parentConn.SendMessage(ctx, Message{
		"seq": 1, "type": "request", "command": "startDebugging",
		"arguments": map[string]any{
			"request":       "attach",
			"configuration": map[string]any{"__jsDebugChildServer": strconv.Itoa(childAdapter.port)},
		},
	}))

	child := fixture.waitForChild(t, ctx)
	_ = childAdapter.accept(t, ctx)

	parentClient, err := parent.Client()
	require.NoError(t, err)
	childClient, err := child.Client()
	require.NoError(t, err)
	assert.NotSame(t, parentClient, childClient)
	assert.Equal(t, childAdapter.port, childClient.Port())
	assert.True(t, childClient.IsConnected())
	assert.Equal(t, ConnectorStateConnected, child.Connector().State())

	// The child still mirrors its parent's run state.
	require.NoError(t, parentConn.SendMessage(ctx, Message{"seq": 2, "type": "event", "event": "continued", "body": map[string]any{"threadId": 1}}))
	assert.Equal(t, ContinuedEvent, waitForSyntheticEvent(t, ctx, child).EventType())

	// Closing the child leaves the parent connected.
	require.NoError(t, child.Close())
	assert.False(t, childClient.IsConnected())
	assert.True(t, parentClient.IsConnected())
}

func TestChildSessionFailedDedicatedConnection(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	fixture := newSessionFixture()
	parent, err := NewSession(fixture.config("parent"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = parent.Close() })

	port := testutil.UnusedPort(t)
	_, childErr := parent.HandleChildSessionRequest(ctx, ChildSessionRequest{Request: "attach", Host: "127.0.0.1", Port: port})
	require.Error(t, childErr)

	var connErr *ConnectionError
	require.ErrorAs(t, childErr, &connErr)
	assert.True(t, connErr.IsChild)

	assert.Empty(t, fixture.registry.ChildrenOf("parent"), "a failed child is not left in the registry")
	assert.Empty(t, fixture.bridge.ChildrenOf("parent"))
}

func TestSessionEventsAPIBeforeConnect(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, 20*time.Second)
	defer cancel()

	adapter := newFakeAdapter(t)
	session, err := NewSession(SessionConfig{Logger: logr.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	assert.NotEmpty(t, session.ID())

	api, err := session.EventsAPI()
	require.NoError(t, err)
	received := make(chan Message, 1)
	_, err = api.SubscribeToEvent("initialized", func(e Message) { received <- e }, nil)
	require.NoError(t, err)

	_, err = session.Connect(ctx, "127.0.0.1", adapter.port)
	require.NoError(t, err)
	adapterConn := adapter.accept(t, ctx)

	require.NoError(t, adapterConn.SendMessage(ctx, Message{"seq": 1, "type": "event", "event": "initialized"}))
	select {
	case e := <-received:
		assert.Equal(t, "initialized", e.EventType())
	case <-ctx.Done():
		t.Fatal("subscription made before connecting did not receive the event")
	}
}

func TestSessionClose(t *testing.T) {
	t.Parallel()

	fixture := newSessionFixture()
	parent, err := NewSession(fixture.config("parent"))
	require.NoError(t, err)

	child, err := parent.HandleChildSessionRequest(context.Background(), ChildSessionRequest{Request: "launch"})
	require.NoError(t, err)
	<-fixture.children

	require.NoError(t, child.IngestSyntheticEvent(newEvent(StoppedEvent)))
	assert.Eventually(t, func() bool { return child.PendingSyntheticEvents() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, child.Close())
	require.NoError(t, child.Close())

	_, found := fixture.registry.Get(child.ID())
	assert.False(t, found)
	assert.Empty(t, fixture.bridge.ChildrenOf("parent"))
	assert.ErrorIs(t, child.IngestSyntheticEvent(newEvent(StoppedEvent)), ErrInboxClosed)

	// Queued events are still delivered before the channel closes.
	event, ok := <-child.SyntheticEvents()
	require.True(t, ok)
	assert.Equal(t, StoppedEvent, event.EventType())
	_, ok = <-child.SyntheticEvents()
	assert.False(t, ok)

	require.NoError(t, parent.Close())
	assert.Empty(t, fixture.registry.Sessions())
	assert.Empty(t, fixture.bridge.Snapshot().Subscriptions)

	_, childErr := parent.HandleChildSessionRequest(context.Background(), ChildSessionRequest{Request: "launch"})
	assert.Error(t, childErr)
}

func TestParentCloseDetachesChildren(t *testing.T) {
	t.Parallel()

	fixture := newSessionFixture()
	parent, err := NewSession(fixture.config("parent"))
	require.NoError(t, err)

	first, err := parent.HandleChildSessionRequest(context.Background(), ChildSessionRequest{Request: "launch"})
	require.NoError(t, err)
	<-fixture.children
	t.Cleanup(func() { _ = first.Close() })
	second, err := parent.HandleChildSessionRequest(context.Background(), ChildSessionRequest{Request: "attach"})
	require.NoError(t, err)
	<-fixture.children
	t.Cleanup(func() { _ = second.Close() })
	require.Len(t, fixture.bridge.ChildrenOf("parent"), 2)

	require.NoError(t, parent.Close())

	snap := fixture.bridge.Snapshot()
	assert.Empty(t, snap.ParentToChildren)
	assert.Empty(t, snap.ChildToParent)
	assert.Empty(t, snap.Subscriptions)

	// The children themselves stay open until their owner closes them.
	_, found := fixture.registry.Get(first.ID())
	assert.True(t, found)
	assert.NoError(t, second.IngestSyntheticEvent(newEvent(ContinuedEvent)))
}

func TestNewSessionDuplicateID(t *testing.T) {
	t.Parallel()

	fixture := newSessionFixture()
	first, err := NewSession(fixture.config("same"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close() })

	_, err = NewSession(fixture.config("same"))
	assert.ErrorIs(t, err, ErrSessionAlreadyExists)

	got, found := fixture.registry.Get("same")
	require.True(t, found)
	assert.Same(t, first, got)
}
