package commands

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "uwbctl",
		Short:        "UWB ranging bootstrap tool",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "config/ranging-server.yml", "server config file with ble and uwb settings")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log handshake progress")

	root.AddCommand(controllerCmd(), controleeCmd(), encodeCmd(), decodeCmd())
	return root
}
