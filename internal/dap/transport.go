// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
)

const (
	// DefaultConnectTimeout bounds each connection attempt.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultReadChunkSize is the maximum number of bytes requested from the socket per read.
	DefaultReadChunkSize = 4096

	localhostName = "localhost"
	ipv6Loopback  = "::1"
)

// Dialer opens network connections. *net.Dialer satisfies this interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// TransportConfig contains configuration for a Transport.
type TransportConfig struct {
	Host string
	Port int

	// ConnectTimeout bounds each connection attempt. If zero, DefaultConnectTimeout is used.
	ConnectTimeout time.Duration

	// ReadChunkSize is the maximum number of bytes read from the socket at once.
	// If zero, DefaultReadChunkSize is used.
	ReadChunkSize int

	// Dialer is used to open the connection. If nil, a net.Dialer is used.
	Dialer Dialer

	Logger logr.Logger
}

// connHandle is the reader/writer pair owned by a Transport.
// It is replaced wholesale on reconnect and never mutated except for the closing flag.
type connHandle struct {
	conn    net.Conn
	closing atomic.Bool
}

func (h *connHandle) isClosing() bool {
	return h.closing.Load()
}

// Transport turns a TCP connection to a debug adapter into discrete DAP messages and back,
// using Content-Length framing.
//
// SendMessage may be called concurrently; frames are never interleaved.
// ReceiveMessage callers are serialized and receive messages in the order the peer wrote them.
type Transport struct {
	host           string
	port           int
	connectTimeout time.Duration
	chunkSize      int
	dialer         Dialer
	log            logr.Logger

	// mu protects handle.
	mu     sync.Mutex
	handle *connHandle

	// writeMu serializes frame writes.
	writeMu sync.Mutex

	// readMu serializes ReceiveMessage callers.
	readMu sync.Mutex

	// bufMu protects buffer and bufStart. The buffer only ever holds bytes read from the current connection;
	// bytes before bufStart have already been parsed.
	bufMu    sync.Mutex
	buffer   []byte
	bufStart int

	droppedFrames atomic.Int64
}

// NewTransport creates a Transport for the given adapter address. No connection is made until Connect is called.
func NewTransport(config TransportConfig) *Transport {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	connectTimeout := config.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}

	chunkSize := config.ReadChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultReadChunkSize
	}

	dialer := config.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	return &Transport{
		host:           config.Host,
		port:           config.Port,
		connectTimeout: connectTimeout,
		chunkSize:      chunkSize,
		dialer:         dialer,
		log:            log.WithValues("address", net.JoinHostPort(config.Host, strconv.Itoa(config.Port))),
	}
}

// NewConnTransport wraps an already established connection, for example one accepted by a listener
// standing in for a debug adapter. The transport is connected on return.
func NewConnTransport(conn net.Conn, log logr.Logger) *Transport {
	host, portStr, splitErr := net.SplitHostPort(conn.RemoteAddr().String())
	if splitErr != nil {
		host = conn.RemoteAddr().String()
	}
	port, _ := strconv.Atoi(portStr)

	t := NewTransport(TransportConfig{Host: host, Port: port, Logger: log})
	t.install(conn)
	return t
}

func (t *Transport) Host() string {
	return t.host
}

func (t *Transport) Port() int {
	return t.port
}

// Connect opens the connection to the debug adapter.
// If the host is "localhost" and the first attempt fails, one more attempt is made against the IPv6 loopback address.
// Any failure is reported as a *ConnectionError carrying the underlying cause.
func (t *Transport) Connect(ctx context.Context) error {
	conn, firstErr := t.dial(ctx, t.host)
	if firstErr != nil && t.host == localhostName && ctx.Err() == nil {
		t.log.V(1).Info("Connection attempt failed, retrying with IPv6 loopback", "error", firstErr)

		var ipv6Err error
		conn, ipv6Err = t.dial(ctx, ipv6Loopback)
		if ipv6Err != nil {
			firstErr = errors.Join(firstErr, ipv6Err)
		} else {
			firstErr = nil
		}
	}

	if firstErr != nil {
		return newConnectionError("failed to connect to debug adapter", t.host, t.port, firstErr)
	}

	t.install(conn)
	t.log.V(1).Info("Connected to debug adapter")
	return nil
}

func (t *Transport) dial(ctx context.Context, host string) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.connectTimeout)
	defer cancel()

	return t.dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(host, strconv.Itoa(t.port)))
}

// install replaces the current connection handle (closing the old one) and discards
// any bytes buffered from the previous connection.
func (t *Transport) install(conn net.Conn) {
	t.mu.Lock()
	old := t.handle
	t.handle = &connHandle{conn: conn}
	t.mu.Unlock()

	if old != nil {
		old.closing.Store(true)
		_ = old.conn.Close()
	}

	t.ClearBuffer()
}

func (t *Transport) currentHandle() *connHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handle
}

// Disconnect closes the connection. It is safe to call on a transport that was never connected
// or has already been disconnected; close-time errors are logged and ignored.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	h := t.handle
	t.handle = nil
	t.mu.Unlock()

	if h == nil {
		return
	}

	h.closing.Store(true)
	if closeErr := h.conn.Close(); closeErr != nil {
		t.log.V(1).Info("Ignoring error while closing debug adapter connection", "error", closeErr)
	}
	t.log.V(1).Info("Disconnected from debug adapter")
}

// IsConnected returns true if a connection exists and it is not closing.
func (t *Transport) IsConnected() bool {
	h := t.currentHandle()
	return h != nil && !h.isClosing()
}

// SendMessage writes one framed message to the adapter using a single write call.
func (t *Transport) SendMessage(ctx context.Context, msg Message) error {
	h := t.currentHandle()
	if h == nil || h.isClosing() {
		return newConnectionError("Not connected", t.host, t.port, ErrNotConnected)
	}

	frame, encodeErr := EncodeFrame(msg)
	if encodeErr != nil {
		return encodeErr
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, hasDeadline := ctx.Deadline(); hasDeadline {
		_ = h.conn.SetWriteDeadline(deadline)
		defer func() { _ = h.conn.SetWriteDeadline(time.Time{}) }()
	}

	// net.Conn writes are not buffered, so the frame is fully handed to the OS when Write returns.
	if _, writeErr := h.conn.Write(frame); writeErr != nil {
		return newConnectionError("failed to send DAP message", t.host, t.port, writeErr)
	}

	t.log.V(2).Info("Sent DAP message", "message", msg.String(), "bytes", len(frame))
	return nil
}

// ReceiveMessage blocks until one complete message is available and returns it.
// Cancelling ctx unblocks a pending socket read; the transport remains usable afterwards.
func (t *Transport) ReceiveMessage(ctx context.Context) (Message, error) {
	t.readMu.Lock()
	defer t.readMu.Unlock()

	if !t.IsConnected() {
		return nil, newConnectionError("Not connected", t.host, t.port, ErrNotConnected)
	}

	chunk := make([]byte, t.chunkSize)
	for {
		if msg, found := t.tryParseMessage(); found {
			return msg, nil
		}

		h := t.currentHandle()
		if h == nil || h.isClosing() {
			return nil, newConnectionError("Not connected", t.host, t.port, ErrNotConnected)
		}

		n, readErr := t.read(ctx, h, chunk)
		if n > 0 {
			t.appendToBuffer(chunk[:n])
		}
		if readErr != nil {
			return nil, readErr
		}
	}
}

func (t *Transport) read(ctx context.Context, h *connHandle, chunk []byte) (int, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = h.conn.SetReadDeadline(time.Now())
	})
	n, readErr := h.conn.Read(chunk)
	if !stop() {
		// The deadline was armed by the cancellation; clear it so later reads work.
		_ = h.conn.SetReadDeadline(time.Time{})
	}

	if readErr == nil {
		return n, nil
	}

	if ctx.Err() != nil {
		return n, fmt.Errorf("receive cancelled: %w", ctx.Err())
	}

	// A deadline armed by an earlier, already cancelled receive can still fire; it is not a connection failure.
	if errors.Is(readErr, os.ErrDeadlineExceeded) {
		_ = h.conn.SetReadDeadline(time.Time{})
		return n, nil
	}

	h.closing.Store(true)
	return n, newConnectionError("failed to receive DAP message", t.host, t.port, readErr)
}

// tryParseMessage extracts the next complete message from the receive buffer.
// Frames whose body cannot be decoded are dropped and parsing continues with the next frame.
func (t *Transport) tryParseMessage() (Message, bool) {
	t.bufMu.Lock()
	defer t.bufMu.Unlock()

	for {
		msg, consumed, parseErr := parseFrame(t.buffer[t.bufStart:])
		if consumed == 0 {
			return nil, false
		}
		t.consumeLocked(consumed)

		if parseErr != nil {
			t.droppedFrames.Add(1)
			t.log.Error(parseErr, "Dropping undecodable DAP frame", "bytes", consumed)
			continue
		}

		t.log.V(2).Info("Received DAP message", "message", msg.String())
		return msg, true
	}
}

// consumeLocked drops n parsed bytes from the front of the buffer, keeping trailing bytes for the next message.
// Remaining bytes are moved to the front only once the parsed prefix outweighs them, so a read holding
// many frames is parsed in linear time.
func (t *Transport) consumeLocked(n int) {
	t.bufStart += n
	remaining := len(t.buffer) - t.bufStart

	switch {
	case remaining == 0:
		t.buffer = t.buffer[:0]
		t.bufStart = 0
	case t.bufStart > remaining:
		copy(t.buffer, t.buffer[t.bufStart:])
		t.buffer = t.buffer[:remaining]
		t.bufStart = 0
	}
}

func (t *Transport) appendToBuffer(data []byte) {
	t.bufMu.Lock()
	defer t.bufMu.Unlock()
	t.buffer = append(t.buffer, data...)
}

func (t *Transport) bufferedLen() int {
	t.bufMu.Lock()
	defer t.bufMu.Unlock()
	return len(t.buffer) - t.bufStart
}

// ClearBuffer discards all buffered, not yet parsed bytes.
func (t *Transport) ClearBuffer() {
	t.bufMu.Lock()
	defer t.bufMu.Unlock()
	t.buffer = nil
	t.bufStart = 0
}

// DroppedFrames returns the number of complete frames discarded because their body could not be decoded.
func (t *Transport) DroppedFrames() int64 {
	return t.droppedFrames.Load()
}
