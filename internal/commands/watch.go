// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/ai-debugger-inc/aidb/internal/dap"
)

const (
	initializedEvent = "initialized"
	terminatedEvent  = "terminated"

	terminateTimeout = 3 * time.Second
)

type watchOptions struct {
	adapter        adapterOptions
	clientID       string
	launchArgs     string
	attachArgs     string
	duration       time.Duration
	healthInterval time.Duration
}

// watchedEvent is one line of watch output.
type watchedEvent struct {
	SessionID       string      `json:"sessionID"`
	ParentSessionID string      `json:"parentSessionID,omitempty"`
	Synthetic       bool        `json:"synthetic,omitempty"`
	Event           dap.Message `json:"event"`
}

func NewWatchCommand(log logr.Logger) (*cobra.Command, error) {
	opts := &watchOptions{}

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Starts a debug session and prints its events",
		Long: `Connects to a debug adapter, optionally launches or attaches to a debuggee,
and prints every event of the session and of the child sessions the adapter starts
as JSON lines. Events that child sessions receive from their parent are marked as synthetic.

The command runs until the debuggee terminates, the --duration elapses or it is interrupted.
A lost adapter connection is re-established with exponential backoff.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if resolveErr := opts.adapter.resolveFromProcessEnv(cmd.Flags()); resolveErr != nil {
				return resolveErr
			}
			if opts.launchArgs != "" && opts.attachArgs != "" {
				return fmt.Errorf("--launch-args and --attach-args are mutually exclusive")
			}
			return watch(cmd, opts, log.WithName("watch"))
		},
	}

	opts.adapter.addFlags(watchCmd.Flags())
	watchCmd.Flags().StringVar(&opts.clientID, "client-id", defaultClientID, "Client and adapter id sent in the initialize request.")
	watchCmd.Flags().StringVar(&opts.launchArgs, "launch-args", "", "JSON arguments of a launch request. If omitted, no launch request is sent.")
	watchCmd.Flags().StringVar(&opts.attachArgs, "attach-args", "", "JSON arguments of an attach request. If omitted, no attach request is sent.")
	watchCmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "Stop watching after this long. Zero means no limit.")
	watchCmd.Flags().DurationVar(&opts.healthInterval, "health-interval", dap.DefaultHealthCheckInterval, "Interval between adapter connection checks.")

	return watchCmd, nil
}

func watch(cmd *cobra.Command, opts *watchOptions, log logr.Logger) error {
	ctx := cmd.Context()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	out := newJSONLineWriter(cmd.OutOrStdout())
	printEvent := func(e watchedEvent) {
		if writeErr := out.Write(e); writeErr != nil {
			log.Error(writeErr, "Could not write event", "sessionID", e.SessionID)
		}
	}

	registry := dap.NewSessionRegistry(log)
	bridge := dap.NewEventBridge(registry, log.WithName("EventBridge"))
	var childPrinters sync.WaitGroup

	session, sessionErr := dap.NewSession(dap.SessionConfig{
		Registry:       registry,
		Bridge:         bridge,
		ConnectTimeout: opts.adapter.connectTimeout,
		OnChildSessionCreated: func(child *dap.Session) {
			watchChildSession(ctx, child, &childPrinters, printEvent, log)
		},
		Logger: log,
	})
	if sessionErr != nil {
		return sessionErr
	}
	defer func() {
		// Child sessions are closed too, which ends their printers once queued events are written.
		for _, s := range registry.Sessions() {
			_ = s.Close()
		}
		_ = session.Close()
		childPrinters.Wait()
	}()

	terminated := make(chan struct{}, 1)
	initialized := make(chan struct{}, 1)
	if subErr := subscribeToSession(session, printEvent, func(event dap.Message) {
		switch event.EventType() {
		case initializedEvent:
			signal(initialized)
		case terminatedEvent:
			signal(terminated)
		}
	}); subErr != nil {
		return subErr
	}

	connected, connectErr := session.Connect(ctx, opts.adapter.host, opts.adapter.port)
	if connectErr != nil {
		return connectErr
	}
	client, isClient := connected.(*dap.Client)
	if !isClient {
		return fmt.Errorf("unexpected debug adapter client type %T", connected)
	}

	if _, initErr := client.Initialize(ctx, opts.clientID); initErr != nil {
		return initErr
	}

	if startErr := startDebuggee(ctx, client, opts, initialized); startErr != nil {
		return startErr
	}

	monitor := dap.NewHealthMonitor(dap.HealthMonitorConfig{
		Connector: session.Connector(),
		Interval:  opts.healthInterval,
		Reconnect: opts.adapter.reconnectOptions(),
		OnReconnect: func(succeeded bool) {
			if !succeeded {
				log.Info("Could not reconnect to the debug adapter", "sessionID", session.ID())
			}
		},
		Logger: log.WithName("HealthMonitor"),
	})
	go monitor.Run(ctx)

	select {
	case <-ctx.Done():
		log.V(1).Info("Stopped watching", "reason", context.Cause(ctx).Error())
	case <-terminated:
		log.V(1).Info("Debuggee terminated")
	}

	terminateDebugSession(session, log)
	return nil
}

// startDebuggee sends the launch or attach request, if any, and completes the configuration phase.
// Adapters such as debugpy answer launch only after configurationDone, so the request runs concurrently.
func startDebuggee(ctx context.Context, client *dap.Client, opts *watchOptions, initialized <-chan struct{}) error {
	var start func(context.Context, json.RawMessage) error
	var args string
	switch {
	case opts.launchArgs != "":
		start, args = client.Launch, opts.launchArgs
	case opts.attachArgs != "":
		start, args = client.Attach, opts.attachArgs
	default:
		return nil
	}

	if !json.Valid([]byte(args)) {
		return fmt.Errorf("request arguments are not valid JSON: %s", args)
	}

	startResult := make(chan error, 1)
	go func() {
		startResult <- start(ctx, json.RawMessage(args))
	}()

	select {
	case <-initialized:
	case startErr := <-startResult:
		if startErr != nil {
			return startErr
		}
		select {
		case <-initialized:
		case <-ctx.Done():
			return ctx.Err()
		}
		return client.ConfigurationDone(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}

	if doneErr := client.ConfigurationDone(ctx); doneErr != nil {
		return doneErr
	}

	select {
	case startErr := <-startResult:
		return startErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// subscribeToSession prints every event of the session's own connection and passes it to onEvent.
// The subscription is made through the session's events API, so it also covers a connection made later.
func subscribeToSession(session *dap.Session, printEvent func(watchedEvent), onEvent func(dap.Message)) error {
	events, apiErr := session.EventsAPI()
	if apiErr != nil {
		return apiErr
	}

	_, subErr := events.SubscribeToEvent(dap.AllEvents, func(event dap.Message) {
		printEvent(watchedEvent{SessionID: session.ID(), ParentSessionID: session.ParentID(), Event: event})
		if onEvent != nil {
			onEvent(event)
		}
	}, nil)
	return subErr
}

func watchChildSession(ctx context.Context, child *dap.Session, printers *sync.WaitGroup, printEvent func(watchedEvent), log logr.Logger) {
	log.Info("Watching child debug session", "sessionID", child.ID(), "parentSessionID", child.ParentID())

	// A child sharing its parent's connection would see the parent's events twice.
	if child.Connector().VerifyConnection() {
		if subErr := subscribeToSession(child, printEvent, nil); subErr != nil {
			log.Error(subErr, "Could not subscribe to child session events", "sessionID", child.ID())
		}
	}

	printers.Add(1)
	go func() {
		defer printers.Done()
		for {
			select {
			case event, ok := <-child.SyntheticEvents():
				if !ok {
					return
				}
				printEvent(watchedEvent{SessionID: child.ID(), ParentSessionID: child.ParentID(), Synthetic: true, Event: event})
			case <-ctx.Done():
				return
			}
		}
	}()
}

// terminateDebugSession asks the adapter to end the debug session. Failures are logged only.
func terminateDebugSession(session *dap.Session, log logr.Logger) {
	current, clientErr := session.Client()
	if clientErr != nil || !current.IsConnected() {
		return
	}

	client, isClient := current.(*dap.Client)
	if !isClient {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
	defer cancel()
	if terminateErr := client.Terminate(ctx, false); terminateErr != nil && !errors.Is(terminateErr, context.DeadlineExceeded) {
		log.V(1).Info("Disconnect request failed", "error", terminateErr.Error())
	}
}

func signal(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
