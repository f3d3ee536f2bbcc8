/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"fmt"
	"slices"
	"strings"

	"github.com/go-logr/logr"

	"github.com/ai-debugger-inc/aidb/pkg/syncmap"
)

// SessionLookup resolves debug sessions by id.
type SessionLookup interface {
	GetSession(sessionID string) (DebugSession, bool)
}

// SessionRegistry tracks the live debug sessions of the process.
// It is the lookup used by the EventBridge to resolve parents and children,
// and by child Connectors to borrow their parent's client.
type SessionRegistry struct {
	log      logr.Logger
	sessions syncmap.Map[string, *Session]
}

func NewSessionRegistry(log logr.Logger) *SessionRegistry {
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	return &SessionRegistry{log: log}
}

// Register adds a session. Registering a second session with the same id fails with ErrSessionAlreadyExists.
func (r *SessionRegistry) Register(session *Session) error {
	if _, exists := r.sessions.LoadOrStore(session.ID(), session); exists {
		return fmt.Errorf("%w: %s", ErrSessionAlreadyExists, session.ID())
	}

	r.log.V(1).Info("Registered debug session", "sessionID", session.ID(), "parentSessionID", session.ParentID())
	return nil
}

// Get returns the session with the given id.
func (r *SessionRegistry) Get(sessionID string) (*Session, bool) {
	return r.sessions.Load(sessionID)
}

func (r *SessionRegistry) GetSession(sessionID string) (DebugSession, bool) {
	session, found := r.Get(sessionID)
	if !found {
		return nil, false
	}
	return session, true
}

// ConnectorFor returns the Connector of the session with the given id.
func (r *SessionRegistry) ConnectorFor(sessionID string) (*Connector, bool) {
	session, found := r.Get(sessionID)
	if !found {
		return nil, false
	}
	return session.Connector(), true
}

// Remove deletes a session from the registry.
func (r *SessionRegistry) Remove(sessionID string) error {
	if _, exists := r.sessions.LoadAndDelete(sessionID); !exists {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	r.log.V(1).Info("Removed debug session", "sessionID", sessionID)
	return nil
}

// Sessions returns all registered sessions ordered by id.
func (r *SessionRegistry) Sessions() []*Session {
	var sessions []*Session
	r.sessions.Range(func(_ string, session *Session) bool {
		sessions = append(sessions, session)
		return true
	})

	slices.SortFunc(sessions, func(a, b *Session) int {
		return strings.Compare(a.ID(), b.ID())
	})
	return sessions
}

// ChildrenOf returns the registered sessions whose parent is parentID, ordered by id.
func (r *SessionRegistry) ChildrenOf(parentID string) []*Session {
	return slices.DeleteFunc(r.Sessions(), func(s *Session) bool {
		return s.ParentID() != parentID
	})
}

var _ SessionLookup = (*SessionRegistry)(nil)
var _ ConnectorLookup = (*SessionRegistry)(nil)
