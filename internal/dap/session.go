/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/smallnest/chanx"
)

const defaultInboxCapacity = 16

// DebugSession is what the EventBridge needs from a session.
type DebugSession interface {
	ID() string

	// EventsAPI returns the events API of the session's connection (or its buffering stand-in).
	EventsAPI() (EventsAPI, error)

	// IngestSyntheticEvent enqueues an event as if it had arrived on the session's own connection.
	// It must not block.
	IngestSyntheticEvent(event Message) error
}

// SessionConfig contains configuration for a Session.
type SessionConfig struct {
	// ID of the session. If empty, a random id is generated.
	ID string

	// ParentID is the id of the parent session, for child sessions.
	ParentID string

	// Registry the session is added to. May be nil for a standalone session.
	Registry *SessionRegistry

	// Bridge forwards parent events to child sessions. May be nil.
	Bridge *EventBridge

	ClientFactory  ClientFactory
	ConnectTimeout time.Duration

	// InboxCapacity is the initial capacity of the synthetic event inbox. The inbox grows as needed.
	InboxCapacity int

	// OnChildSessionCreated is called after a child session announced by the adapter has been set up.
	// Child sessions inherit it.
	OnChildSessionCreated func(child *Session)

	Logger logr.Logger
}

// Session is one debug session: its Connector plus the inbox of events forwarded from a parent session.
type Session struct {
	id       string
	parentID string
	config   SessionConfig
	log      logr.Logger

	connector *Connector

	lifetimeCtx context.Context
	cancel      context.CancelFunc

	// inboxMu protects inboxClosed and sending to inbox.In.
	inboxMu     sync.RWMutex
	inbox       *chanx.UnboundedChan[Message]
	inboxClosed bool

	closeOnce sync.Once
}

// NewSession creates a session and adds it to the registry (if one is configured).
func NewSession(config SessionConfig) (*Session, error) {
	if config.ID == "" {
		config.ID = uuid.NewString()
	}
	if config.InboxCapacity <= 0 {
		config.InboxCapacity = defaultInboxCapacity
	}

	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	log = log.WithValues("sessionID", config.ID)

	lifetimeCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:          config.ID,
		parentID:    config.ParentID,
		config:      config,
		log:         log,
		lifetimeCtx: lifetimeCtx,
		cancel:      cancel,
		inbox:       chanx.NewUnboundedChan[Message](context.Background(), config.InboxCapacity),
	}

	var parents ConnectorLookup
	if config.Registry != nil {
		parents = config.Registry
	}

	s.connector = NewConnector(ConnectorConfig{
		SessionID:       config.ID,
		ParentSessionID: config.ParentID,
		Parents:         parents,
		OnChildSession:  s.onChildSession,
		ClientFactory:   config.ClientFactory,
		ConnectTimeout:  config.ConnectTimeout,
		Logger:          config.Logger,
	})

	if config.Registry != nil {
		if regErr := config.Registry.Register(s); regErr != nil {
			cancel()
			s.closeInbox()
			return nil, regErr
		}
	}

	return s, nil
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) ParentID() string {
	return s.parentID
}

func (s *Session) IsChild() bool {
	return s.parentID != ""
}

func (s *Session) Connector() *Connector {
	return s.connector
}

func (s *Session) EventsAPI() (EventsAPI, error) {
	return s.connector.GetEventsAPI()
}

// Client returns the client requests for this session should be sent on.
// For a child session without a dedicated connection this is the parent's client.
func (s *Session) Client() (DAPClient, error) {
	return s.connector.GetDAPClient()
}

// Connect creates the session's client for host:port and connects it.
func (s *Session) Connect(ctx context.Context, host string, port int) (DAPClient, error) {
	client, setupErr := s.connector.SetupDAPClient(host, port)
	if setupErr != nil {
		return nil, setupErr
	}

	if connectErr := client.Connect(ctx); connectErr != nil {
		return nil, connectErr
	}
	return client, nil
}

func (s *Session) IngestSyntheticEvent(event Message) error {
	s.inboxMu.RLock()
	defer s.inboxMu.RUnlock()

	if s.inboxClosed {
		return fmt.Errorf("%w: session %s", ErrInboxClosed, s.id)
	}

	s.inbox.In <- event
	return nil
}

// SyntheticEvents returns the channel of events forwarded to this session.
// The channel is closed when the session is closed, after all queued events have been delivered.
func (s *Session) SyntheticEvents() <-chan Message {
	return s.inbox.Out
}

// PendingSyntheticEvents returns the number of forwarded events not yet received from SyntheticEvents().
func (s *Session) PendingSyntheticEvents() int {
	return s.inbox.Len()
}

func (s *Session) onChildSession(req ChildSessionRequest) {
	if _, childErr := s.HandleChildSessionRequest(s.lifetimeCtx, req); childErr != nil {
		s.log.Error(childErr, "Could not set up child debug session", "request", req.Request)
	}
}

// HandleChildSessionRequest creates a child session for a child debug process announced by the adapter.
// If the request carries a port, the child gets a dedicated connection; otherwise it shares this session's client.
// The child is registered with the EventBridge so that it observes this session's stopped/continued events.
func (s *Session) HandleChildSessionRequest(ctx context.Context, req ChildSessionRequest) (*Session, error) {
	if s.lifetimeCtx.Err() != nil {
		return nil, fmt.Errorf("session %s is closed", s.id)
	}

	childConfig := s.config
	childConfig.ID = ""
	childConfig.ParentID = s.id

	child, createErr := NewSession(childConfig)
	if createErr != nil {
		return nil, createErr
	}

	log := s.log.WithValues("childSessionID", child.ID())

	if req.Port > 0 {
		if _, setupErr := child.connector.SetupChildDAPClient(ctx, req.Host, req.Port); setupErr != nil {
			return nil, errors.Join(setupErr, child.Close())
		}
	}

	if s.config.Bridge != nil {
		s.config.Bridge.RegisterChild(s.id, child.ID())
	}

	log.Info("Child debug session created", "request", req.Request, "dedicatedConnection", req.Port > 0)

	if s.config.OnChildSessionCreated != nil {
		s.config.OnChildSessionCreated(child)
	}
	return child, nil
}

// Close detaches the session from the EventBridge and the registry, disconnects its own client
// and closes the synthetic event inbox. Child sessions are detached from the bridge but stay open;
// the owner closes them. Calling Close more than once is safe.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()

		if bridge := s.config.Bridge; bridge != nil {
			bridge.UnregisterChild(s.id)
			bridge.CleanupParentSubscriptions(s.id)
			bridge.UnregisterChildrenOf(s.id)
		}

		s.connector.Close()

		if s.config.Registry != nil {
			_ = s.config.Registry.Remove(s.id)
		}

		s.closeInbox()
		s.log.V(1).Info("Debug session closed")
	})

	return nil
}

func (s *Session) closeInbox() {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()

	if s.inboxClosed {
		return
	}
	s.inboxClosed = true
	close(s.inbox.In)
}

var _ DebugSession = (*Session)(nil)
