package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dSMR/cmd/kv"
	"github.com/ValentinKolb/dSMR/cmd/serve"
	"github.com/ValentinKolb/dSMR/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (
	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dsmr",
		Short: "replicated key-value store",
		Long: fmt.Sprintf(`dSMR (v%s)

A replicated key-value store built on state machine replication. Replicas
agree on a log of commands with Raft or CRaft, where CRaft stores erasure
coded fragments of each entry instead of full copies.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dSMR",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dSMR v%s\n", Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(versionCmd)

	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use (json, gob, binary)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (http, tcp, unix)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
