// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package commands

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/ai-debugger-inc/aidb/internal/dap"
)

const (
	AIDB_ADAPTER_HOST            = "AIDB_ADAPTER_HOST"            // Debug adapter host (defaults to localhost)
	AIDB_ADAPTER_PORT            = "AIDB_ADAPTER_PORT"            // Debug adapter port
	AIDB_ADAPTER_CONNECT_TIMEOUT = "AIDB_ADAPTER_CONNECT_TIMEOUT" // Connection timeout, as a Go duration

	defaultAdapterHost = "localhost"

	hostFlagName              = "host"
	portFlagName              = "port"
	connectTimeoutFlagName    = "connect-timeout"
	envFileFlagName           = "env-file"
	reconnectAttemptsFlagName = "reconnect-attempts"
	reconnectDelayFlagName    = "reconnect-delay"
	reconnectBackoffFlagName  = "reconnect-backoff"
)

// adapterOptions holds the debug adapter address and connection settings shared by commands that talk to an adapter.
// Values come from flags; unset flags fall back to the environment, then to env files, then to defaults.
type adapterOptions struct {
	host           string
	port           int
	connectTimeout time.Duration
	envFiles       []string

	reconnectAttempts int
	reconnectDelay    time.Duration
	reconnectBackoff  float64
}

func (o *adapterOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.host, hostFlagName, defaultAdapterHost, "Host the debug adapter listens on. Can also be set via "+AIDB_ADAPTER_HOST+".")
	fs.IntVarP(&o.port, portFlagName, "p", 0, "Port the debug adapter listens on. Can also be set via "+AIDB_ADAPTER_PORT+".")
	fs.DurationVar(&o.connectTimeout, connectTimeoutFlagName, dap.DefaultConnectTimeout, "Timeout for each connection attempt. Can also be set via "+AIDB_ADAPTER_CONNECT_TIMEOUT+".")
	fs.StringSliceVar(&o.envFiles, envFileFlagName, nil, "Env file(s) to read adapter settings from. Process environment takes precedence.")
	fs.IntVar(&o.reconnectAttempts, reconnectAttemptsFlagName, dap.DefaultReconnectAttempts, "Maximum number of connection attempts when the adapter connection is lost.")
	fs.DurationVar(&o.reconnectDelay, reconnectDelayFlagName, dap.DefaultReconnectDelay, "Delay before the first reconnect retry.")
	fs.Float64Var(&o.reconnectBackoff, reconnectBackoffFlagName, dap.DefaultReconnectBackoff, "Multiplier applied to the reconnect delay after every failed attempt.")
}

// resolve fills in settings whose flags were not given from lookupEnv and the configured env files, and validates the result.
func (o *adapterOptions) resolve(fs *pflag.FlagSet, lookupEnv func(string) (string, bool)) error {
	fileEnv := map[string]string{}
	if len(o.envFiles) > 0 {
		var readErr error
		if fileEnv, readErr = godotenv.Read(o.envFiles...); readErr != nil {
			return fmt.Errorf("could not read env file(s) %s: %w", strings.Join(o.envFiles, ", "), readErr)
		}
	}

	lookup := func(name string) (string, bool) {
		if val, found := lookupEnv(name); found && strings.TrimSpace(val) != "" {
			return strings.TrimSpace(val), true
		}
		val, found := fileEnv[name]
		return strings.TrimSpace(val), found && strings.TrimSpace(val) != ""
	}

	if !fs.Changed(hostFlagName) {
		if host, found := lookup(AIDB_ADAPTER_HOST); found {
			o.host = host
		}
	}

	if !fs.Changed(portFlagName) {
		if portStr, found := lookup(AIDB_ADAPTER_PORT); found {
			port, parseErr := strconv.Atoi(portStr)
			if parseErr != nil {
				return fmt.Errorf("%s value '%s' is not a valid port: %w", AIDB_ADAPTER_PORT, portStr, parseErr)
			}
			o.port = port
		}
	}

	if !fs.Changed(connectTimeoutFlagName) {
		if timeoutStr, found := lookup(AIDB_ADAPTER_CONNECT_TIMEOUT); found {
			timeout, parseErr := time.ParseDuration(timeoutStr)
			if parseErr != nil {
				return fmt.Errorf("%s value '%s' is not a valid duration: %w", AIDB_ADAPTER_CONNECT_TIMEOUT, timeoutStr, parseErr)
			}
			o.connectTimeout = timeout
		}
	}

	if o.host == "" {
		return fmt.Errorf("debug adapter host must not be empty")
	}
	if o.port <= 0 || o.port > 65535 {
		return fmt.Errorf("a debug adapter port between 1 and 65535 is required (use --%s or %s)", portFlagName, AIDB_ADAPTER_PORT)
	}
	if o.connectTimeout <= 0 {
		return fmt.Errorf("--%s must be positive", connectTimeoutFlagName)
	}
	if o.reconnectAttempts < 1 {
		return fmt.Errorf("--%s must be at least 1", reconnectAttemptsFlagName)
	}
	if o.reconnectDelay <= 0 {
		return fmt.Errorf("--%s must be positive", reconnectDelayFlagName)
	}
	if o.reconnectBackoff <= 0 {
		return fmt.Errorf("--%s must be positive", reconnectBackoffFlagName)
	}

	return nil
}

func (o *adapterOptions) resolveFromProcessEnv(fs *pflag.FlagSet) error {
	return o.resolve(fs, os.LookupEnv)
}

func (o *adapterOptions) reconnectOptions() dap.ReconnectOptions {
	return dap.ReconnectOptions{
		MaxAttempts:       o.reconnectAttempts,
		Delay:             o.reconnectDelay,
		BackoffMultiplier: o.reconnectBackoff,
	}
}
