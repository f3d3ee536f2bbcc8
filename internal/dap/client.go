/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-dap"
	"github.com/smallnest/chanx"

	"github.com/ai-debugger-inc/aidb/pkg/resiliency"
)

const (
	// ChildSessionCreatedEvent is the custom event adapters emit when a debuggee spawns a child process.
	ChildSessionCreatedEvent = "aidb/childSessionCreated"

	// DebugpyAttachEvent is emitted by debugpy when a subprocess is ready to be attached to.
	DebugpyAttachEvent = "debugpyAttach"

	startDebuggingCommand = "startDebugging"

	eventQueueCapacity = 16
)

// ChildSessionRequest describes a child debug process announced by the adapter.
type ChildSessionRequest struct {
	// Request is "launch" or "attach" for startDebugging reverse requests; empty for event notifications.
	Request string

	// Configuration is the launch/attach configuration (or event body) supplied by the adapter.
	Configuration map[string]any

	// Host and Port locate a dedicated adapter endpoint for the child, if the adapter provided one.
	// Port is zero when the child is expected to share the parent's connection.
	Host string
	Port int
}

// ChildSessionHandler is called when the adapter announces a child debug session.
// It runs on its own goroutine and may perform blocking work.
type ChildSessionHandler func(req ChildSessionRequest)

// ClientConfig contains configuration for a Client.
type ClientConfig struct {
	Host string
	Port int

	// ConnectTimeout bounds each connection attempt. If zero, DefaultConnectTimeout is used.
	ConnectTimeout time.Duration

	// Dialer is used to open the connection. If nil, a net.Dialer is used.
	Dialer Dialer

	// OnChildSession is invoked when the adapter announces a child debug session. May be nil.
	OnChildSession ChildSessionHandler

	// ChildSessionEvents lists the event types that announce a child session.
	// If empty, ChildSessionCreatedEvent and DebugpyAttachEvent are used.
	ChildSessionEvents []string

	Logger logr.Logger
}

// Client is a DAP client bound to one debug adapter address.
// It owns a Transport, correlates requests with responses, and dispatches events to subscribers.
type Client struct {
	config    ClientConfig
	log       logr.Logger
	transport *Transport
	seq       *sequenceCounter
	pending   *pendingRequestMap
	events    *eventDispatcher

	// mu protects the read loop lifecycle.
	mu         sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	// eventWaiters receive every event for WaitForEvent callers.
	waitersMu    sync.Mutex
	eventWaiters []chan Message
}

// NewClient creates a client for the adapter at config.Host:config.Port. No connection is made until Connect is called.
func NewClient(config ClientConfig) (*Client, error) {
	if config.Host == "" {
		return nil, fmt.Errorf("debug adapter host must not be empty")
	}
	if config.Port <= 0 || config.Port > 65535 {
		return nil, fmt.Errorf("invalid debug adapter port %d", config.Port)
	}

	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	if len(config.ChildSessionEvents) == 0 {
		config.ChildSessionEvents = []string{ChildSessionCreatedEvent, DebugpyAttachEvent}
	}

	return &Client{
		config: config,
		log:    log,
		transport: NewTransport(TransportConfig{
			Host:           config.Host,
			Port:           config.Port,
			ConnectTimeout: config.ConnectTimeout,
			Dialer:         config.Dialer,
			Logger:         log.WithName("Transport"),
		}),
		seq:     newSequenceCounter(),
		pending: newPendingRequestMap(),
		events:  newEventDispatcher(log),
	}, nil
}

func (c *Client) Host() string {
	return c.config.Host
}

func (c *Client) Port() int {
	return c.config.Port
}

// Events returns the live events API of this client.
func (c *Client) Events() EventsAPI {
	return c.events
}

// IsConnected returns true while the underlying connection is open.
func (c *Client) IsConnected() bool {
	return c.transport.IsConnected()
}

// Connect opens the connection and starts routing incoming messages.
// Calling Connect on a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loopCancel != nil && c.transport.IsConnected() {
		return nil
	}

	if connectErr := c.transport.Connect(ctx); connectErr != nil {
		return connectErr
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.loopCancel = cancel
	c.loopDone = make(chan struct{})
	go c.readLoop(loopCtx, c.loopDone)

	c.log.Info("Connected to debug adapter", "host", c.config.Host, "port", c.config.Port)
	return nil
}

// Disconnect closes the connection and fails all requests still waiting for a response.
// It is safe to call multiple times, including from an event handler. Events received before the call may still be delivered after it returns.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.loopCancel
	done := c.loopDone
	c.loopCancel = nil
	c.loopDone = nil
	c.mu.Unlock()

	c.transport.Disconnect()
	if cancel != nil {
		cancel()
		<-done
	}
	c.pending.DrainWithError()
}

// readLoop continuously reads messages from the transport and routes them.
// Events are handed to a delivery goroutine, so event handlers may call back into the client (Disconnect included).
func (c *Client) readLoop(ctx context.Context, done chan struct{}) {
	deliveries := chanx.NewUnboundedChan[Message](context.Background(), eventQueueCapacity)
	go c.deliverEvents(deliveries.Out)

	defer close(done)
	defer close(deliveries.In)
	defer c.pending.DrainWithError()

	for {
		msg, readErr := c.transport.ReceiveMessage(ctx)
		if readErr != nil {
			if filterContextError(readErr, ctx, c.log) != nil {
				c.log.Info("Debug adapter connection lost", "error", readErr.Error())
			}
			return
		}

		c.route(ctx, msg, deliveries.In)
	}
}

// deliverEvents dispatches events to subscribers in arrival order until the read loop ends.
func (c *Client) deliverEvents(events <-chan Message) {
	for msg := range events {
		c.events.dispatch(msg)
		if slices.Contains(c.config.ChildSessionEvents, msg.EventType()) {
			c.announceChildSession(ChildSessionRequest{Configuration: msg.Body()})
		}
	}
}

func (c *Client) route(ctx context.Context, msg Message, events chan<- Message) {
	switch msg.Type() {
	case MessageTypeResponse:
		req := c.pending.Get(msg.RequestSeq())
		if req == nil {
			c.log.V(1).Info("Dropping response with no pending request", "message", msg.String())
			return
		}
		req.responseChan <- msg

	case MessageTypeEvent:
		c.log.V(1).Info("Received DAP event", "event", msg.EventType())
		c.notifyEventWaiters(msg)
		events <- msg

	case MessageTypeRequest:
		c.handleReverseRequest(ctx, msg)

	default:
		c.log.V(1).Info("Ignoring DAP message of unknown type", "message", msg.String())
	}
}

// handleReverseRequest answers requests sent by the adapter to the client.
func (c *Client) handleReverseRequest(ctx context.Context, msg Message) {
	if msg.Command() != startDebuggingCommand {
		c.respond(ctx, msg, false, fmt.Sprintf("reverse request %q is not supported", msg.Command()))
		return
	}

	args := msg.Arguments()
	request, _ := args["request"].(string)
	config, _ := args["configuration"].(map[string]any)
	if request == "" {
		c.log.Info("Rejecting startDebugging request without a request kind", "message", msg.String())
		c.respond(ctx, msg, false, "malformed startDebugging request")
		return
	}

	c.respond(ctx, msg, true, "")
	c.announceChildSession(ChildSessionRequest{
		Request:       request,
		Configuration: config,
	})
}

func (c *Client) respond(ctx context.Context, req Message, success bool, errMsg string) {
	resp := Message{
		"seq":         c.seq.Next(),
		"type":        MessageTypeResponse,
		"request_seq": req.Seq(),
		"command":     req.Command(),
		"success":     success,
	}
	if errMsg != "" {
		resp["message"] = errMsg
	}

	if sendErr := c.transport.SendMessage(ctx, resp); sendErr != nil {
		c.log.Error(sendErr, "Failed to answer reverse request", "command", req.Command())
	}
}

func (c *Client) announceChildSession(req ChildSessionRequest) {
	if c.config.OnChildSession == nil {
		c.log.V(1).Info("Child session announced but no handler is registered")
		return
	}

	req.Host, req.Port = childEndpoint(req.Configuration)
	if req.Host == "" && req.Port != 0 {
		req.Host = c.config.Host
	}

	go func() {
		defer resiliency.LogPanic(c.log, "Child session handler panicked")
		c.config.OnChildSession(req)
	}()
}

// childEndpoint extracts a dedicated adapter endpoint from a child configuration.
// js-debug passes "__jsDebugChildServer", debugpy passes {"connect": {"host", "port"}}.
func childEndpoint(config map[string]any) (string, int) {
	if config == nil {
		return "", 0
	}

	if connect, ok := config["connect"].(map[string]any); ok {
		host, _ := connect["host"].(string)
		return host, toInt(connect["port"])
	}

	host, _ := config["host"].(string)
	for _, key := range []string{"__jsDebugChildServer", "port"} {
		if port := toInt(config[key]); port > 0 {
			return host, port
		}
	}

	return host, 0
}

// SendRequest sends a request with the given command and arguments and waits for the correlated response.
// A response with success=false is returned together with an error.
func (c *Client) SendRequest(ctx context.Context, command string, arguments any) (Message, error) {
	req := Message{
		"type":    MessageTypeRequest,
		"command": command,
	}
	if arguments != nil {
		req["arguments"] = arguments
	}
	return c.send(ctx, req)
}

// Request sends a typed go-dap request and waits for the correlated response.
func (c *Client) Request(ctx context.Context, request dap.RequestMessage) (Message, error) {
	req, convertErr := NewMessage(request)
	if convertErr != nil {
		return nil, convertErr
	}
	req["type"] = MessageTypeRequest
	return c.send(ctx, req)
}

func (c *Client) send(ctx context.Context, req Message) (Message, error) {
	seq := c.seq.Next()
	req["seq"] = seq

	respChan := make(chan Message, 1)
	c.pending.Add(seq, &pendingRequest{command: req.Command(), responseChan: respChan})

	if sendErr := c.transport.SendMessage(ctx, req); sendErr != nil {
		c.pending.Get(seq)
		return nil, fmt.Errorf("failed to send %s request: %w", req.Command(), sendErr)
	}

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, fmt.Errorf("%s request: %w", req.Command(), ErrTransportClosed)
		}
		if !resp.Success() {
			return resp, fmt.Errorf("%s request failed: %s", req.Command(), resp.ErrorMessage())
		}
		return resp, nil
	case <-ctx.Done():
		c.pending.Get(seq)
		return nil, ctx.Err()
	}
}

// Initialize sends an initialize request and returns the adapter capabilities.
func (c *Client) Initialize(ctx context.Context, clientID string) (*dap.InitializeResponse, error) {
	resp, requestErr := c.SendRequest(ctx, "initialize", map[string]any{
		"clientID":                      clientID,
		"clientName":                    "aidb",
		"adapterID":                     clientID,
		"locale":                        "en-US",
		"linesStartAt1":                 true,
		"columnsStartAt1":               true,
		"pathFormat":                    "path",
		"supportsRunInTerminalRequest":  false,
		"supportsStartDebuggingRequest": true,
	})
	if requestErr != nil {
		return nil, requestErr
	}

	typed, decodeErr := resp.Decode()
	if decodeErr != nil {
		return nil, decodeErr
	}

	initResp, ok := typed.(*dap.InitializeResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response type: %T", typed)
	}
	return initResp, nil
}

// Launch sends a launch request with adapter-specific arguments.
func (c *Client) Launch(ctx context.Context, args json.RawMessage) error {
	_, requestErr := c.Request(ctx, &dap.LaunchRequest{
		Request:   newRequest("launch"),
		Arguments: args,
	})
	return requestErr
}

// Attach sends an attach request with adapter-specific arguments.
func (c *Client) Attach(ctx context.Context, args json.RawMessage) error {
	_, requestErr := c.Request(ctx, &dap.AttachRequest{
		Request:   newRequest("attach"),
		Arguments: args,
	})
	return requestErr
}

// ConfigurationDone signals that configuration is complete.
func (c *Client) ConfigurationDone(ctx context.Context) error {
	_, requestErr := c.Request(ctx, &dap.ConfigurationDoneRequest{
		Request: newRequest("configurationDone"),
	})
	return requestErr
}

// Continue resumes execution of the given thread.
func (c *Client) Continue(ctx context.Context, threadID int) error {
	_, requestErr := c.Request(ctx, &dap.ContinueRequest{
		Request:   newRequest("continue"),
		Arguments: dap.ContinueArguments{ThreadId: threadID},
	})
	return requestErr
}

// Terminate sends a disconnect request, optionally terminating the debuggee.
func (c *Client) Terminate(ctx context.Context, terminateDebuggee bool) error {
	_, requestErr := c.Request(ctx, &dap.DisconnectRequest{
		Request:   newRequest("disconnect"),
		Arguments: &dap.DisconnectArguments{TerminateDebuggee: terminateDebuggee},
	})
	return requestErr
}

// WaitForEvent waits for an event of the specified type that arrives after the call is made.
func (c *Client) WaitForEvent(ctx context.Context, eventType string, timeout time.Duration) (Message, error) {
	ch := make(chan Message, 16)
	c.waitersMu.Lock()
	c.eventWaiters = append(c.eventWaiters, ch)
	c.waitersMu.Unlock()

	defer func() {
		c.waitersMu.Lock()
		c.eventWaiters = slices.DeleteFunc(c.eventWaiters, func(w chan Message) bool { return w == ch })
		c.waitersMu.Unlock()
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case msg := <-ch:
			if msg.EventType() == eventType {
				return msg, nil
			}
		case <-deadline.C:
			return nil, fmt.Errorf("timeout waiting for event %q", eventType)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) notifyEventWaiters(msg Message) {
	c.waitersMu.Lock()
	defer c.waitersMu.Unlock()

	for _, ch := range c.eventWaiters {
		select {
		case ch <- msg:
		default:
			// Waiter is not keeping up; it only cares about one event type anyway.
		}
	}
}

func newRequest(command string) dap.Request {
	return dap.Request{
		ProtocolMessage: dap.ProtocolMessage{Type: MessageTypeRequest},
		Command:         command,
	}
}

// IsClosedError returns true if err reports that the connection went away under a pending request.
func IsClosedError(err error) bool {
	return errors.Is(err, ErrTransportClosed) || errors.Is(err, ErrNotConnected)
}

var _ DAPClient = (*Client)(nil)
