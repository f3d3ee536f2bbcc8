// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/google/go-dap"

	"github.com/ai-debugger-inc/aidb/pkg/syncmap"
)

const (
	MessageTypeRequest  = "request"
	MessageTypeResponse = "response"
	MessageTypeEvent    = "event"
)

// Message is one DAP protocol unit (request, response or event) held as a decoded JSON object.
// The transport does not enforce any schema on it; use Decode() to obtain a typed go-dap message.
type Message map[string]any

// NewMessage converts a typed go-dap message into its opaque form.
func NewMessage(msg dap.Message) (Message, error) {
	raw, marshalErr := json.Marshal(msg)
	if marshalErr != nil {
		return nil, fmt.Errorf("failed to marshal DAP message: %w", marshalErr)
	}

	var m Message
	if unmarshalErr := json.Unmarshal(raw, &m); unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal DAP message: %w", unmarshalErr)
	}

	return m, nil
}

// Decode converts the message into a typed go-dap message.
// Commands and events unknown to go-dap result in an error; the opaque message remains usable.
func (m Message) Decode() (dap.Message, error) {
	raw, marshalErr := json.Marshal(m)
	if marshalErr != nil {
		return nil, fmt.Errorf("failed to marshal DAP message: %w", marshalErr)
	}

	decoded, decodeErr := dap.DecodeProtocolMessage(raw)
	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode DAP message: %w", decodeErr)
	}

	return decoded, nil
}

// Clone returns a shallow copy of the message. Nested values are shared.
func (m Message) Clone() Message {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

func (m Message) Type() string {
	return m.stringField("type")
}

func (m Message) Seq() int {
	return m.intField("seq")
}

func (m Message) Command() string {
	return m.stringField("command")
}

// EventType returns the "event" field of an event message, e.g. "stopped".
func (m Message) EventType() string {
	return m.stringField("event")
}

func (m Message) RequestSeq() int {
	return m.intField("request_seq")
}

func (m Message) Success() bool {
	success, _ := m["success"].(bool)
	return success
}

// ErrorMessage returns the "message" field of a failed response.
func (m Message) ErrorMessage() string {
	return m.stringField("message")
}

// Body returns the "body" object of the message, or nil if there is none.
func (m Message) Body() map[string]any {
	body, _ := m["body"].(map[string]any)
	return body
}

// Arguments returns the "arguments" object of a request, or nil if there is none.
func (m Message) Arguments() map[string]any {
	args, _ := m["arguments"].(map[string]any)
	return args
}

func (m Message) IsEvent() bool {
	return m.Type() == MessageTypeEvent
}

func (m Message) IsResponse() bool {
	return m.Type() == MessageTypeResponse
}

func (m Message) IsRequest() bool {
	return m.Type() == MessageTypeRequest
}

// String returns a short description of the message for logging.
func (m Message) String() string {
	switch m.Type() {
	case MessageTypeRequest:
		return fmt.Sprintf("request(seq=%d, command=%s)", m.Seq(), m.Command())
	case MessageTypeResponse:
		return fmt.Sprintf("response(request_seq=%d, command=%s, success=%t)", m.RequestSeq(), m.Command(), m.Success())
	case MessageTypeEvent:
		return fmt.Sprintf("event(seq=%d, event=%s)", m.Seq(), m.EventType())
	default:
		return fmt.Sprintf("message(type=%q)", m.Type())
	}
}

func (m Message) stringField(key string) string {
	s, _ := m[key].(string)
	return s
}

func (m Message) intField(key string) int {
	return toInt(m[key])
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	case string:
		var i int
		if _, scanErr := fmt.Sscanf(n, "%d", &i); scanErr == nil {
			return i
		}
		return 0
	default:
		return 0
	}
}

// pendingRequest tracks a request that is awaiting a response.
type pendingRequest struct {
	command string

	// responseChan receives the correlated response. It is closed without a value
	// if the connection goes away before the response arrives.
	responseChan chan Message
}

// pendingRequestMap holds the requests awaiting a response, keyed by request sequence number.
// A request is removed exactly once: either by Get when its response arrives, or by DrainWithError.
type pendingRequestMap struct {
	requests syncmap.Map[int, *pendingRequest]
}

func newPendingRequestMap() *pendingRequestMap {
	return &pendingRequestMap{}
}

func (m *pendingRequestMap) Add(seq int, req *pendingRequest) {
	m.requests.Store(seq, req)
}

// Get retrieves and removes a pending request from the map.
// Returns nil if no request exists for the given sequence number.
func (m *pendingRequestMap) Get(seq int) *pendingRequest {
	req, found := m.requests.LoadAndDelete(seq)
	if !found {
		return nil
	}
	return req
}

func (m *pendingRequestMap) Len() int {
	return m.requests.Len()
}

// DrainWithError closes all response channels and clears the map.
// This unblocks every caller still waiting for a response.
func (m *pendingRequestMap) DrainWithError() {
	m.requests.Drain(func(_ int, req *pendingRequest) {
		close(req.responseChan)
	})
}

// sequenceCounter provides thread-safe sequence number generation.
type sequenceCounter struct {
	mu  sync.Mutex
	seq int
}

func newSequenceCounter() *sequenceCounter {
	return &sequenceCounter{seq: 0}
}

func (c *sequenceCounter) Next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

func (c *sequenceCounter) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}
