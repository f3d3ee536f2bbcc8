// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	contentLengthHeader = "Content-Length"
)

var (
	headerTerminator = []byte("\r\n\r\n")
)

// EncodeFrame serializes a message into its wire form:
//
//	Content-Length: <N>\r\n\r\n<N bytes of UTF-8 JSON>
func EncodeFrame(msg Message) ([]byte, error) {
	body, marshalErr := json.Marshal(msg)
	if marshalErr != nil {
		return nil, fmt.Errorf("failed to marshal DAP message: %w", marshalErr)
	}

	frame := make([]byte, 0, len(body)+32)
	frame = append(frame, contentLengthHeader...)
	frame = append(frame, ": "...)
	frame = strconv.AppendInt(frame, int64(len(body)), 10)
	frame = append(frame, headerTerminator...)
	frame = append(frame, body...)
	return frame, nil
}

// parseFrame attempts to extract one message from the front of buf.
//
// It returns consumed == 0 when buf does not (yet) hold a complete frame; buf must then be left as is.
// When a complete frame is found, consumed is the number of bytes (header plus body) it occupies.
// If the body of a complete frame is not a UTF-8 JSON object, consumed is still set and
// the error wraps ErrMalformedFrame, so the caller can drop the frame and resynchronize on the next one.
//
// A header without a usable Content-Length value is treated as incomplete.
func parseFrame(buf []byte) (msg Message, consumed int, err error) {
	headerEnd := bytes.Index(buf, headerTerminator)
	if headerEnd < 0 {
		return nil, 0, nil
	}

	contentLength, found := parseContentLength(buf[:headerEnd])
	if !found {
		return nil, 0, nil
	}

	bodyStart := headerEnd + len(headerTerminator)
	if len(buf)-bodyStart < contentLength {
		return nil, 0, nil
	}
	frameEnd := bodyStart + contentLength
	body := buf[bodyStart:frameEnd]

	if !utf8.Valid(body) {
		return nil, frameEnd, fmt.Errorf("%w: body is not valid UTF-8", ErrMalformedFrame)
	}

	if unmarshalErr := json.Unmarshal(body, &msg); unmarshalErr != nil {
		return nil, frameEnd, fmt.Errorf("%w: %v", ErrMalformedFrame, unmarshalErr)
	}
	if msg == nil {
		return nil, frameEnd, fmt.Errorf("%w: body is not a JSON object", ErrMalformedFrame)
	}

	return msg, frameEnd, nil
}

// parseContentLength looks for the Content-Length field among the header lines.
// The value must be a non-negative decimal integer.
func parseContentLength(header []byte) (int, bool) {
	for _, line := range strings.Split(string(header), "\r\n") {
		name, value, hasColon := strings.Cut(line, ":")
		if !hasColon || !strings.EqualFold(strings.TrimSpace(name), contentLengthHeader) {
			continue
		}

		length, convErr := strconv.Atoi(strings.TrimSpace(value))
		if convErr != nil || length < 0 {
			return 0, false
		}
		return length, true
	}

	return 0, false
}
