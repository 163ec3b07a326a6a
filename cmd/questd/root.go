package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/questline/questline-client/questClient/config"
	"github.com/questline/questline-client/questClient/constant"
)

func NewRootCmd() *cobra.Command {
	v := config.NewViper()

	rootCmd := &cobra.Command{
		Use:           "questd",
		Short:         "Questline transaction client daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("home", constant.DefaultNodeHome, "node home directory")
	flags.Int("log-level", 1, "log level (0 = debug ... 5 = panic)")
	flags.String("log-format", "console", "log format: json or console")
	flags.StringSlice("rpc-urls", nil, "RPC endpoints, tried in order with failover")
	flags.String("account", "", "signing account; defaults to the signer key's address")
	flags.Int64("chain-id", 0, "expected EVM chain ID")
	flags.Int("port", 0, "query server port")
	flags.Bool("journal", true, "persist transaction records across restarts")
	bindFlags(v, rootCmd)

	InitRootCmd(rootCmd, v) // add subcommands like `start` and `version`

	return rootCmd
}

// bindFlags lets viper see persistent flags only when they were set, so
// config file values win over flag defaults.
func bindFlags(v *viper.Viper, cmd *cobra.Command) {
	for _, name := range []string{"home", "log-level", "log-format", "rpc-urls", "account", "chain-id", "port", "journal"} {
		_ = v.BindPFlag(name, cmd.PersistentFlags().Lookup(name))
	}
}
