// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameString(body string) string {
	return fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)
}

func TestEncodeFrameWireFormat(t *testing.T) {
	t.Parallel()

	frame, err := EncodeFrame(Message{"type": "response"})
	require.NoError(t, err)
	assert.Equal(t, "Content-Length: 19\r\n\r\n{\"type\":\"response\"}", string(frame))
}

func TestParseFrameRoundTrip(t *testing.T) {
	t.Parallel()

	messages := []Message{
		{"type": "response"},
		{"seq": float64(1), "type": "event", "event": "output", "body": map[string]any{"output": "héllo ✓\n"}},
		{},
	}

	for _, msg := range messages {
		frame, encodeErr := EncodeFrame(msg)
		require.NoError(t, encodeErr)

		parsed, consumed, parseErr := parseFrame(frame)
		require.NoError(t, parseErr)
		assert.Equal(t, len(frame), consumed)
		assert.Equal(t, msg, parsed)
	}
}

func TestParseFrameIncomplete(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"",
		"Content-Length: 10",
		"Content-Length: 10\r\n",
		"Content-Length: 10\r\n\r\n{\"a\":",
		"Content-Length: abc\r\n\r\n{}",
		"Content-Length: -2\r\n\r\n{}",
		"Content-Type: application/json\r\n\r\n{}",
	}

	for _, input := range inputs {
		msg, consumed, err := parseFrame([]byte(input))
		assert.NoError(t, err, "%q", input)
		assert.Equal(t, 0, consumed, "%q", input)
		assert.Nil(t, msg, "%q", input)
	}
}

func TestParseFrameHeaderVariants(t *testing.T) {
	t.Parallel()

	body := `{"seq":3}`
	inputs := []string{
		fmt.Sprintf("content-length: %d\r\n\r\n%s", len(body), body),
		fmt.Sprintf("Content-Length:%d\r\n\r\n%s", len(body), body),
		fmt.Sprintf("Content-Type: application/vscode-jsonrpc\r\nContent-Length: %d\r\n\r\n%s", len(body), body),
	}

	for _, input := range inputs {
		msg, consumed, err := parseFrame([]byte(input))
		require.NoError(t, err, "%q", input)
		assert.Equal(t, len(input), consumed, "%q", input)
		assert.Equal(t, 3, msg.Seq(), "%q", input)
	}
}

func TestParseFrameMalformedBody(t *testing.T) {
	t.Parallel()

	inputs := []string{
		frameString("not json"),
		frameString("[1,2]"),
		frameString("null"),
		"Content-Length: 2\r\n\r\n\xff\xfe",
	}

	for _, input := range inputs {
		msg, consumed, err := parseFrame([]byte(input))
		assert.ErrorIs(t, err, ErrMalformedFrame, "%q", input)
		assert.Equal(t, len(input), consumed, "%q", input)
		assert.Nil(t, msg, "%q", input)
	}
}

func TestTryParseMessagePartialBuffer(t *testing.T) {
	t.Parallel()

	transport := NewTransport(TransportConfig{Host: "127.0.0.1", Port: 1})

	transport.appendToBuffer([]byte("Content-Length: 10"))
	msg, found := transport.tryParseMessage()
	assert.False(t, found)
	assert.Nil(t, msg)
	assert.Equal(t, len("Content-Length: 10"), transport.bufferedLen(), "incomplete parse must not consume bytes")

	transport.appendToBuffer([]byte("\r\n\r\n{\"seq\":1}"))
	msg, found = transport.tryParseMessage()
	require.True(t, found)
	assert.Equal(t, Message{"seq": float64(1)}, msg)
	assert.Equal(t, 0, transport.bufferedLen())

	_, found = transport.tryParseMessage()
	assert.False(t, found)
}

func TestTryParseMessageMultipleFrames(t *testing.T) {
	t.Parallel()

	transport := NewTransport(TransportConfig{Host: "127.0.0.1", Port: 1})
	transport.appendToBuffer([]byte(frameString(`{"seq":1}`) + frameString(`{"seq":2}`)))

	first, found := transport.tryParseMessage()
	require.True(t, found)
	assert.Equal(t, 1, first.Seq())

	second, found := transport.tryParseMessage()
	require.True(t, found)
	assert.Equal(t, 2, second.Seq())

	assert.Equal(t, 0, transport.bufferedLen())
}

func TestTryParseMessageKeepsTrailingBytes(t *testing.T) {
	t.Parallel()

	transport := NewTransport(TransportConfig{Host: "127.0.0.1", Port: 1})
	transport.appendToBuffer([]byte(frameString(`{"seq":1}`) + "Content-Len"))

	msg, found := transport.tryParseMessage()
	require.True(t, found)
	assert.Equal(t, 1, msg.Seq())
	assert.Equal(t, len("Content-Len"), transport.bufferedLen())
}

func TestTryParseMessageInvalidContentLength(t *testing.T) {
	t.Parallel()

	transport := NewTransport(TransportConfig{Host: "127.0.0.1", Port: 1})
	transport.appendToBuffer([]byte("Content-Length: abc\r\n\r\n{}"))

	require.NotPanics(t, func() {
		_, found := transport.tryParseMessage()
		assert.False(t, found)
	})
}

func TestTryParseMessageDropsMalformedFrameAndKeepsOrder(t *testing.T) {
	t.Parallel()

	transport := NewTransport(TransportConfig{Host: "127.0.0.1", Port: 1})
	transport.appendToBuffer([]byte(
		frameString(`{"seq":1}`) +
			frameString(`{"seq":`) +
			frameString(`{"seq":2}`) +
			frameString(`garbage`) +
			frameString(`{"seq":3}`),
	))

	var seqs []int
	for {
		msg, found := transport.tryParseMessage()
		if !found {
			break
		}
		seqs = append(seqs, msg.Seq())
	}

	assert.Equal(t, []int{1, 2, 3}, seqs)
	assert.EqualValues(t, 2, transport.DroppedFrames())
	assert.Equal(t, 0, transport.bufferedLen())
}

func TestTryParseMessageManyFramesInOneRead(t *testing.T) {
	t.Parallel()

	const frameCount = 1000
	var wire strings.Builder
	for seq := 1; seq <= frameCount; seq++ {
		wire.WriteString(frameString(fmt.Sprintf(`{"seq":%d,"type":"event","event":"output"}`, seq)))
	}
	split := wire.Len() - 10

	transport := NewTransport(TransportConfig{Host: "127.0.0.1", Port: 1})
	transport.appendToBuffer([]byte(wire.String()[:split]))

	var seqs []int
	for {
		msg, found := transport.tryParseMessage()
		if !found {
			break
		}
		seqs = append(seqs, msg.Seq())

		transport.bufMu.Lock()
		parsed, remaining := transport.bufStart, len(transport.buffer)-transport.bufStart
		transport.bufMu.Unlock()
		require.LessOrEqual(t, parsed, remaining, "parsed bytes must not pile up in front of the unparsed ones")
	}
	require.Len(t, seqs, frameCount-1)

	// The last frame straddles two reads.
	transport.appendToBuffer([]byte(wire.String()[split:]))
	last, found := transport.tryParseMessage()
	require.True(t, found)
	seqs = append(seqs, last.Seq())

	for i, seq := range seqs {
		require.Equal(t, i+1, seq)
	}
	assert.Equal(t, 0, transport.bufferedLen())
}

func TestClearBuffer(t *testing.T) {
	t.Parallel()

	transport := NewTransport(TransportConfig{Host: "127.0.0.1", Port: 1})
	transport.appendToBuffer([]byte("Content-Length: 100\r\n\r\n{"))
	transport.ClearBuffer()
	assert.Equal(t, 0, transport.bufferedLen())
}
