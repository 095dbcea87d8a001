package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dSock/cmd/connect"
	"github.com/ValentinKolb/dSock/cmd/serve"
	"github.com/ValentinKolb/dSock/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dsock",
		Short: "non-blocking tcp sockets driven by a readiness hub",
		Long: fmt.Sprintf(`dSock (v%s)

A single connection TCP transport for Go: a connect that never blocks the
caller, a bounded inbound buffer and an ordered outbound queue, driven by a
poll(2) based hub.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dSock",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dSock v%s\n", Version)
		},
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(connect.ConnectCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "log-level"
	RootCmd.PersistentFlags().String(key, "info", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
