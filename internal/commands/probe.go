package commands

import (
	"github.com/go-logr/logr"
	godap "github.com/google/go-dap"
	"github.com/spf13/cobra"

	"github.com/ai-debugger-inc/aidb/internal/dap"
)

const defaultClientID = "aidb"

type probeResult struct {
	Host         string             `json:"host"`
	Port         int                `json:"port"`
	Capabilities godap.Capabilities `json:"capabilities"`
}

func NewProbeCommand(log logr.Logger) (*cobra.Command, error) {
	opts := &adapterOptions{}
	clientID := defaultClientID

	probeCmd := &cobra.Command{
		Use:   "probe",
		Short: "Connects to a debug adapter and prints its capabilities",
		Long: `Connects to a debug adapter, performs the DAP initialize handshake and prints
the capabilities reported by the adapter as JSON. The connection is closed afterwards.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if resolveErr := opts.resolveFromProcessEnv(cmd.Flags()); resolveErr != nil {
				return resolveErr
			}
			return probe(cmd, opts, clientID, log.WithName("probe"))
		},
	}

	opts.addFlags(probeCmd.Flags())
	probeCmd.Flags().StringVar(&clientID, "client-id", defaultClientID, "Client and adapter id sent in the initialize request.")

	return probeCmd, nil
}

func probe(cmd *cobra.Command, opts *adapterOptions, clientID string, log logr.Logger) error {
	ctx := cmd.Context()

	client, clientErr := dap.NewClient(dap.ClientConfig{
		Host:           opts.host,
		Port:           opts.port,
		ConnectTimeout: opts.connectTimeout,
		Logger:         log,
	})
	if clientErr != nil {
		return clientErr
	}

	if connectErr := client.Connect(ctx); connectErr != nil {
		return connectErr
	}
	defer client.Disconnect()

	initResp, initErr := client.Initialize(ctx, clientID)
	if initErr != nil {
		log.Error(initErr, "Initialize request failed")
		return initErr
	}

	return newJSONLineWriter(cmd.OutOrStdout()).Write(probeResult{
		Host:         client.Host(),
		Port:         client.Port(),
		Capabilities: initResp.Body,
	})
}
