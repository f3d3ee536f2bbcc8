// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"context"
	"time"

	"github.com/go-logr/logr"
)

const DefaultHealthCheckInterval = 5 * time.Second

// HealthMonitorConfig contains configuration for a HealthMonitor.
type HealthMonitorConfig struct {
	Connector *Connector

	// Interval between connection checks. If zero, DefaultHealthCheckInterval is used.
	Interval time.Duration

	Reconnect ReconnectOptions

	// OnReconnect is called after every reconnect attempt sequence with its outcome. May be nil.
	OnReconnect func(succeeded bool)

	Logger logr.Logger
}

// HealthMonitor periodically verifies a session's connection and reconnects it when it is lost.
// The Connector never reconnects by itself; this is the component that drives it.
type HealthMonitor struct {
	connector   *Connector
	interval    time.Duration
	opts        ReconnectOptions
	onReconnect func(bool)
	log         logr.Logger
}

func NewHealthMonitor(config HealthMonitorConfig) *HealthMonitor {
	log := config.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	interval := config.Interval
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}

	return &HealthMonitor{
		connector:   config.Connector,
		interval:    interval,
		opts:        config.Reconnect,
		onReconnect: config.OnReconnect,
		log:         log,
	}
}

// Run checks the connection every interval until ctx is cancelled.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check verifies the connection once and reconnects if a previously installed client is no longer connected.
// Returns true if the session is connected when Check returns.
func (m *HealthMonitor) Check(ctx context.Context) bool {
	if m.connector.VerifyConnection() {
		return true
	}

	if m.connector.State() != ConnectorStateDisconnected {
		// Nothing was ever connected, so there is nothing to restore.
		return false
	}

	m.log.Info("Debug adapter connection lost, reconnecting", "sessionID", m.connector.SessionID())
	succeeded := m.connector.Reconnect(ctx, m.opts)
	if m.onReconnect != nil {
		m.onReconnect(succeeded)
	}
	return succeeded
}
