// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/ai-debugger-inc/aidb/pkg/resiliency"
)

const (
	DefaultReconnectAttempts = 3
	DefaultReconnectDelay    = time.Second
	DefaultReconnectBackoff  = 1.5
)

// DAPClient is a connection to one debug adapter, as seen by the Connector.
// *Client is the production implementation.
type DAPClient interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	Host() string
	Port() int
	Events() EventsAPI
}

// ClientFactory constructs a (not yet connected) client.
type ClientFactory func(config ClientConfig) (DAPClient, error)

// DefaultClientFactory creates a *Client.
func DefaultClientFactory(config ClientConfig) (DAPClient, error) {
	return NewClient(config)
}

// ConnectorLookup resolves the Connector of another session; used by child sessions to borrow the parent's client.
type ConnectorLookup interface {
	ConnectorFor(sessionID string) (*Connector, bool)
}

// ReconnectOptions controls the reconnect retry loop. Zero values are replaced by defaults.
type ReconnectOptions struct {
	MaxAttempts       int
	Delay             time.Duration
	BackoffMultiplier float64
}

func (o ReconnectOptions) withDefaults() ReconnectOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultReconnectAttempts
	}
	if o.Delay <= 0 {
		o.Delay = DefaultReconnectDelay
	}
	if o.BackoffMultiplier <= 0 {
		o.BackoffMultiplier = DefaultReconnectBackoff
	}
	return o
}

// ConnectorState describes where a Connector is in its connection lifecycle.
type ConnectorState int

const (
	ConnectorStateUninitialized ConnectorState = iota
	ConnectorStateConnected
	ConnectorStateDisconnected
)

func (s ConnectorState) String() string {
	switch s {
	case ConnectorStateUninitialized:
		return "uninitialized"
	case ConnectorStateConnected:
		return "connected"
	case ConnectorStateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// eventsSource identifies which events API a Connector currently hands out.
type eventsSource int

const (
	eventsSourceNone eventsSource = iota
	eventsSourceLive
	eventsSourceBuffering
)

// ConnectorConfig contains configuration for a Connector.
type ConnectorConfig struct {
	SessionID string

	// ParentSessionID is set for child sessions. A child without its own client borrows the parent's.
	ParentSessionID string

	// Parents resolves the parent session's Connector. Required only for child sessions.
	Parents ConnectorLookup

	// OnChildSession is passed to every client this Connector creates.
	OnChildSession ChildSessionHandler

	// ClientFactory creates clients. If nil, DefaultClientFactory is used.
	ClientFactory ClientFactory

	// ConnectTimeout bounds each connection attempt made by created clients.
	ConnectTimeout time.Duration

	Logger logr.Logger
}

// Connector owns the DAP client of one debug session.
// It creates and (re)connects the client, lets child sessions borrow their parent's client,
// and provides an events API that works before a connection exists.
type Connector struct {
	sessionID       string
	parentSessionID string
	parents         ConnectorLookup
	onChildSession  ChildSessionHandler
	newClient       ClientFactory
	connectTimeout  time.Duration
	log             logr.Logger

	// sleep waits between reconnect attempts.
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	client    DAPClient
	stub      *StubEventsAPI
	hadClient bool
	closed    bool

	// replay holds every subscription made through this Connector's events API.
	// They are applied to each client the Connector installs.
	replay []replayedSubscription
}

// replayedSubscription is a subscription applied to the current client.
// ID is the id handed to the subscriber; liveID is the id the current client knows it by
// (empty if it could not be applied).
type replayedSubscription struct {
	SubscriptionRecord
	liveID SubscriptionID
}

func NewConnector(config ConnectorConfig) *Connector {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	factory := config.ClientFactory
	if factory == nil {
		factory = DefaultClientFactory
	}

	return &Connector{
		sessionID:       config.SessionID,
		parentSessionID: config.ParentSessionID,
		parents:         config.Parents,
		onChildSession:  config.OnChildSession,
		newClient:       factory,
		connectTimeout:  config.ConnectTimeout,
		log:             log.WithValues("sessionID", config.SessionID),
		sleep:           resiliency.Sleep,
	}
}

func (c *Connector) SessionID() string {
	return c.sessionID
}

// IsChild returns true if this Connector belongs to a child session.
func (c *Connector) IsChild() bool {
	return c.parentSessionID != ""
}

func (c *Connector) clientConfig(host string, port int) ClientConfig {
	return ClientConfig{
		Host:           host,
		Port:           port,
		ConnectTimeout: c.connectTimeout,
		OnChildSession: c.onChildSession,
		Logger:         c.log.WithName("Client"),
	}
}

// SetupDAPClient creates the session's client for host:port and installs it. No connection is made;
// the caller connects the returned client. Subscriptions recorded while unconnected are applied to the new client.
func (c *Connector) SetupDAPClient(host string, port int) (DAPClient, error) {
	client, createErr := c.newClient(c.clientConfig(host, port))
	if createErr != nil {
		return nil, asConnectionError("failed to create debug adapter client", host, port, false, createErr)
	}

	c.SetDAPClient(client)
	c.replaySubscriptions(client)
	c.log.V(1).Info("Debug adapter client created", "host", host, "port", port)
	return client, nil
}

// SetupChildDAPClient creates a dedicated client for a child session and connects it right away.
// Failures are reported as a *ConnectionError with IsChild set.
func (c *Connector) SetupChildDAPClient(ctx context.Context, host string, port int) (DAPClient, error) {
	client, createErr := c.newClient(c.clientConfig(host, port))
	if createErr != nil {
		return nil, asConnectionError("failed to create child debug adapter client", host, port, true, createErr)
	}

	if connectErr := client.Connect(ctx); connectErr != nil {
		return nil, asConnectionError("failed to connect child debug adapter client", host, port, true, connectErr)
	}

	c.SetDAPClient(client)
	c.replaySubscriptions(client)
	c.log.Info("Child session connected to its own debug adapter endpoint", "host", host, "port", port)
	return client, nil
}

// asConnectionError returns err as a *ConnectionError, preserving one already in the chain.
func asConnectionError(msg, host string, port int, isChild bool, err error) *ConnectionError {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		copied := *connErr
		copied.IsChild = copied.IsChild || isChild
		return &copied
	}

	connErr = newConnectionError(msg, host, port, err)
	connErr.IsChild = isChild
	return connErr
}

// GetDAPClient returns the session's own client or, for a child session without one, the parent's client.
func (c *Connector) GetDAPClient() (DAPClient, error) {
	if client := c.ownClient(); client != nil {
		return client, nil
	}

	if !c.IsChild() {
		return nil, &SessionLostError{SessionID: c.sessionID, Reason: SessionLostNoClient}
	}

	if c.parents != nil {
		if parent, found := c.parents.ConnectorFor(c.parentSessionID); found && parent != nil {
			if client := parent.ownClient(); client != nil {
				return client, nil
			}
		}
	}

	return nil, &SessionLostError{
		SessionID:       c.sessionID,
		ParentSessionID: c.parentSessionID,
		Reason:          SessionLostParentHasNoClient,
	}
}

// HasDAPClient reports whether GetDAPClient would succeed.
func (c *Connector) HasDAPClient() bool {
	_, err := c.GetDAPClient()
	return err == nil
}

// SetDAPClient replaces the session's own client. Passing nil clears it.
// The previous client is not disconnected.
func (c *Connector) SetDAPClient(client DAPClient) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.client = client
	if client != nil {
		c.hadClient = true
	}
}

func (c *Connector) ownClient() DAPClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// CreateStubEventsAPI creates (replacing any previous one) the buffering events API used while there is no client.
func (c *Connector) CreateStubEventsAPI() *StubEventsAPI {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stub = newStubEventsAPI()
	return c.stub
}

func (c *Connector) currentEventsSource() eventsSource {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.client != nil:
		return eventsSourceLive
	case c.stub != nil:
		return eventsSourceBuffering
	default:
		return eventsSourceNone
	}
}

// GetEventsAPI returns the live client's events API, or the buffering stub when there is no client.
// The stub is created on first use; ErrNoEventsAPI is returned only after the Connector has been closed.
func (c *Connector) GetEventsAPI() (EventsAPI, error) {
	for {
		switch c.currentEventsSource() {
		case eventsSourceLive:
			if client := c.ownClient(); client != nil {
				return &trackedEventsAPI{connector: c, live: client.Events()}, nil
			}
			// Client was cleared concurrently, look again.

		case eventsSourceBuffering:
			c.mu.Lock()
			stub := c.stub
			c.mu.Unlock()
			if stub != nil {
				return stub, nil
			}

		case eventsSourceNone:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return nil, ErrNoEventsAPI
			}
			if c.stub == nil {
				c.stub = newStubEventsAPI()
			}
			c.mu.Unlock()
		}
	}
}

// GetPendingSubscriptions returns the subscriptions recorded by the buffering stub, in subscription order.
func (c *Connector) GetPendingSubscriptions() []SubscriptionRecord {
	c.mu.Lock()
	stub := c.stub
	c.mu.Unlock()

	if stub == nil {
		return nil
	}
	return stub.Pending()
}

// replaySubscriptions applies the recorded subscriptions to a newly installed client:
// first those buffered by the stub, then those made through the live events API.
// Subscription ids handed out earlier stay valid.
func (c *Connector) replaySubscriptions(client DAPClient) {
	records := c.GetPendingSubscriptions()
	c.mu.Lock()
	for _, r := range c.replay {
		if !slices.ContainsFunc(records, func(rec SubscriptionRecord) bool { return rec.ID == r.ID }) {
			records = append(records, r.SubscriptionRecord)
		}
	}
	c.mu.Unlock()

	if len(records) == 0 {
		return
	}

	events := client.Events()
	restorer, keepsIDs := events.(subscriptionRestorer)
	for _, rec := range records {
		liveID := rec.ID
		var subErr error
		if keepsIDs {
			subErr = restorer.restore(rec)
		} else {
			liveID, subErr = events.SubscribeToEvent(rec.EventType, rec.Handler, rec.Filter)
		}
		if subErr != nil {
			c.log.Error(subErr, "Could not replay event subscription", "eventType", rec.EventType)
			liveID = ""
		}
		c.track(replayedSubscription{SubscriptionRecord: rec, liveID: liveID})
	}
	c.log.V(1).Info("Replayed event subscriptions", "count", len(records))
}

// track records (or updates) a subscription for replay.
func (c *Connector) track(sub replayedSubscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i := slices.IndexFunc(c.replay, func(r replayedSubscription) bool { return r.ID == sub.ID }); i >= 0 {
		c.replay[i] = sub
		return
	}
	c.replay = append(c.replay, sub)
}

// untrack forgets a subscription so it is no longer replayed, including a copy still buffered by the stub.
// It returns the id the current client knows the subscription by.
func (c *Connector) untrack(id SubscriptionID) (SubscriptionID, bool) {
	c.mu.Lock()
	stub := c.stub
	liveID, found := id, false
	if i := slices.IndexFunc(c.replay, func(r replayedSubscription) bool { return r.ID == id }); i >= 0 {
		liveID, found = c.replay[i].liveID, true
		c.replay = slices.Delete(c.replay, i, i+1)
	}
	c.mu.Unlock()

	if stub != nil {
		_ = stub.UnsubscribeFromEvent(id)
	}
	return liveID, found
}

// Reconnect replaces the session's client with a freshly connected one at the same address.
// Up to opts.MaxAttempts connections are attempted; the wait between attempts starts at opts.Delay
// and is multiplied by opts.BackoffMultiplier after every failure.
// Returns false if there is no client to reconnect, all attempts fail, or ctx is cancelled while waiting.
func (c *Connector) Reconnect(ctx context.Context, opts ReconnectOptions) bool {
	opts = opts.withDefaults()

	old := c.ownClient()
	if old == nil {
		c.log.V(1).Info("Nothing to reconnect, session has no client")
		return false
	}
	host, port := old.Host(), old.Port()

	old.Disconnect()

	delays := resiliency.NewReconnectBackOff(opts.Delay, opts.BackoffMultiplier, opts.MaxAttempts)
	for attempt := 1; ; attempt++ {
		client, attemptErr := c.tryConnect(ctx, host, port)
		if attemptErr == nil {
			c.SetDAPClient(client)
			c.replaySubscriptions(client)
			c.log.Info("Reconnected to debug adapter", "attempt", attempt, "host", host, "port", port)
			return true
		}

		next := delays.NextBackOff()
		if next == backoff.Stop {
			c.log.Error(attemptErr, "Reconnect attempts exhausted", "attempts", attempt, "host", host, "port", port)
			return false
		}

		c.log.Info("Reconnect attempt failed, retrying", "attempt", attempt, "delay", next.String(), "error", attemptErr.Error())
		if sleepErr := c.sleep(ctx, next); sleepErr != nil {
			c.log.V(1).Info("Reconnect cancelled", "attempt", attempt)
			return false
		}
	}
}

func (c *Connector) tryConnect(ctx context.Context, host string, port int) (DAPClient, error) {
	client, createErr := c.newClient(c.clientConfig(host, port))
	if createErr != nil {
		return nil, createErr
	}
	if connectErr := client.Connect(ctx); connectErr != nil {
		return nil, connectErr
	}
	return client, nil
}

// VerifyConnection reports whether the session's own client is connected. It never panics.
func (c *Connector) VerifyConnection() (connected bool) {
	client := c.ownClient()
	if client == nil {
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			_ = resiliency.MakePanicError(r, c.log.WithValues("operation", "VerifyConnection"))
			connected = false
		}
	}()

	return client.IsConnected()
}

// State returns the current lifecycle state of the Connector.
func (c *Connector) State() ConnectorState {
	c.mu.Lock()
	client, hadClient := c.client, c.hadClient
	c.mu.Unlock()

	switch {
	case client != nil && client.IsConnected():
		return ConnectorStateConnected
	case hadClient:
		return ConnectorStateDisconnected
	default:
		return ConnectorStateUninitialized
	}
}

// Close disconnects the session's own client. A borrowed parent client is left alone.
func (c *Connector) Close() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.stub = nil
	c.replay = nil
	c.closed = true
	c.mu.Unlock()

	if client != nil {
		client.Disconnect()
	}
}

// trackedEventsAPI is the events API handed out while the Connector has a client.
// Subscriptions made through it survive a reconnect under the same id.
type trackedEventsAPI struct {
	connector *Connector
	live      EventsAPI
}

func (t *trackedEventsAPI) SubscribeToEvent(eventType string, handler EventHandler, filter EventFilter) (SubscriptionID, error) {
	id, subErr := t.live.SubscribeToEvent(eventType, handler, filter)
	if subErr != nil {
		return "", subErr
	}

	t.connector.track(replayedSubscription{
		SubscriptionRecord: SubscriptionRecord{ID: id, EventType: eventType, Handler: handler, Filter: filter},
		liveID:             id,
	})
	return id, nil
}

func (t *trackedEventsAPI) UnsubscribeFromEvent(id SubscriptionID) error {
	liveID, _ := t.connector.untrack(id)
	if liveID == "" {
		// The subscription never made it onto the current client.
		return nil
	}

	// After a reconnect the subscription lives on the new client.
	events := t.live
	if client := t.connector.ownClient(); client != nil {
		events = client.Events()
	}
	return events.UnsubscribeFromEvent(liveID)
}

var _ EventsAPI = (*trackedEventsAPI)(nil)
