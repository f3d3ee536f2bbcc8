package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ai-debugger-inc/aidb/pkg/logger"
)

func NewRootCmd(log *logger.Logger) (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:   "aidb",
		Short: "Drives debug adapters over the Debug Adapter Protocol",
		Long: `aidb connects to Debug Adapter Protocol (DAP) servers such as debugpy, js-debug or Delve.

	It manages debug sessions and the child sessions adapters start for subprocesses,
	keeps child sessions in sync with the run state of their parent, and reconnects
	to adapters when a connection is lost.`,
		SilenceErrors:    true,
		SilenceUsage:     true,
		PersistentPreRun: LogVersion(log.Logger, "Starting aidb..."),
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	log.AddLevelFlag(rootCmd.PersistentFlags())

	var err error
	var cmd *cobra.Command

	if cmd, err = NewProbeCommand(log.Logger); err != nil {
		return nil, fmt.Errorf("could not set up 'probe' command: %w", err)
	} else {
		rootCmd.AddCommand(cmd)
	}

	if cmd, err = NewWatchCommand(log.Logger); err != nil {
		return nil, fmt.Errorf("could not set up 'watch' command: %w", err)
	} else {
		rootCmd.AddCommand(cmd)
	}

	if cmd, err = NewVersionCommand(log.Logger); err != nil {
		return nil, fmt.Errorf("could not set up 'version' command: %w", err)
	} else {
		rootCmd.AddCommand(cmd)
	}

	return rootCmd, nil
}
