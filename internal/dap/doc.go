/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

/*
Package dap provides the client side of the Debug Adapter Protocol (DAP) used by aidb
to drive debug adapters such as debugpy, js-debug and Delve.

# Architecture Overview

A debug adapter listens on a TCP port on the local machine. aidb connects to it,
sends requests and receives responses, events and reverse requests. Some adapters
start child debug sessions (subprocesses, workers) and announce them with a
startDebugging reverse request or an adapter-specific event. A child either gets a
dedicated connection or shares the connection of its parent.

# Key Components

  - Transport: Content-Length framed messages over one TCP connection
  - Client: request/response correlation, event dispatch and reverse requests on top of a Transport
  - Connector: owns the client of one session, lets child sessions borrow the parent's client,
    buffers event subscriptions made before a client exists and reconnects with backoff
  - EventBridge: forwards stopped and continued events of a parent session to its children
  - Session and SessionRegistry: the debug sessions of the process and their synthetic event inboxes
  - HealthMonitor: periodically verifies a connection and drives reconnects

# Wire Format

Every message is a JSON object preceded by a header block:

	Content-Length: 119\r\n
	\r\n
	{"seq":1,"type":"request","command":"initialize",...}

The length counts bytes of the UTF-8 body. Other headers are ignored.

# Usage

	registry := dap.NewSessionRegistry(log)
	bridge := dap.NewEventBridge(registry, log)

	session, _ := dap.NewSession(dap.SessionConfig{
		Registry: registry,
		Bridge:   bridge,
		Logger:   log,
	})
	client, err := session.Connect(ctx, "localhost", 5678)

Child sessions announced by the adapter are created automatically; they observe the
parent's stopped and continued events on Session.SyntheticEvents().
*/
package dap
