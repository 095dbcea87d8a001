package serve

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	cmdUtil "github.com/ValentinKolb/dSock/cmd/util"
	"github.com/ValentinKolb/dSock/sock/common"
	"github.com/ValentinKolb/dSock/sock/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a frame server",
		Long:    `Start a frame server that answers length prefixed frames. The configuration can be set via command line flags or environment variables. The format of the environment variables is DSOCK_<flag> (e.g. DSOCK_TIMEOUT=15)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// add flags
	key := "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:7070", cmdUtil.WrapString("The ip:port on which the server will listen"))

	key = "mode"
	ServeCmd.PersistentFlags().String(key, "echo", cmdUtil.WrapString("How frames are answered: echo (send every frame back) or sink (discard every frame)"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 0, cmdUtil.WrapString("Idle timeout of a connection in seconds (0 = never)"))

	key = "nodelay"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Whether to enable TCP_NODELAY on accepted connections"))

	key = "keepalive-second"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("The keep-alive period of accepted connections in seconds (0 = disabled)"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("The ip:port of the prometheus /metrics endpoint (empty = disabled)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.NoDelay = viper.GetBool("nodelay")
	serveCmdConfig.KeepAliveSec = viper.GetInt("keepalive-second")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	if _, err := handler(viper.GetString("mode")); err != nil {
		return err
	}

	return common.ValidateServerConfig(*serveCmdConfig)
}

// handler returns the HandleFunc of the given mode
func handler(mode string) (server.HandleFunc, error) {
	switch mode {
	case "echo":
		return server.Echo, nil
	case "sink":
		return server.Sink, nil
	default:
		return nil, fmt.Errorf("invalid mode %s (expected echo or sink)", mode)
	}
}

// run starts the frame server and blocks until it is interrupted
func run(_ *cobra.Command, _ []string) error {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	if err := common.InitLoggers(serveCmdConfig.LogLevel); err != nil {
		return err
	}

	h, err := handler(viper.GetString("mode"))
	if err != nil {
		return err
	}

	srv, err := server.New(*serveCmdConfig, h)
	if err != nil {
		return err
	}

	server.Logger.Infof("%s", serveCmdConfig.String())

	if err := srv.Listen(); err != nil {
		return err
	}

	// shut down cleanly on ctrl-c
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		if _, ok := <-sigs; ok {
			server.Logger.Infof("Received signal, shutting down")
			srv.Close()
		}
	}()

	if err := srv.Serve(); err != nil && !errors.Is(err, server.ErrServerClosed) {
		return err
	}
	return nil
}
