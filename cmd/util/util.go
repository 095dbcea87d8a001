package util

import (
	"strings"

	"github.com/ValentinKolb/dSock/sock/common"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of all environment variables read by the cli
	EnvPrefix = "dsock"
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	// Add any remaining text
	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupSocketFlags adds the socket and hub flags to a command
func SetupSocketFlags(cmd *cobra.Command) {
	key := "host"
	cmd.PersistentFlags().String(key, "127.0.0.1", WrapString("The ipv4 address or host name of the frame server"))

	key = "port"
	cmd.PersistentFlags().Int(key, 7070, WrapString("The port of the frame server"))

	key = "tag"
	cmd.PersistentFlags().Int(key, common.DefaultTag, WrapString("The tag identifying the socket in the hub and in the metrics"))

	key = "block-second"
	cmd.PersistentFlags().Int(key, common.DefaultTimeoutSecond, WrapString("How long to wait for the connect in seconds (0 = do not wait, the connect completes in the background)"))

	key = "keepalive"
	cmd.PersistentFlags().Bool(key, false, WrapString("Whether to enable TCP keep-alive on the connection"))

	key = "keepalive-second"
	cmd.PersistentFlags().Int(key, 0, WrapString("The keep-alive period in seconds (0 = system default, only used with --keepalive)"))

	key = "nodelay"
	cmd.PersistentFlags().Bool(key, true, WrapString("Whether to enable TCP_NODELAY on the connection"))

	key = "in-buffer"
	cmd.PersistentFlags().Int(key, common.DefaultInBufferSize/1024, WrapString("The capacity of the inbound buffer (in KB)"))

	key = "out-buffer"
	cmd.PersistentFlags().Int(key, common.DefaultOutBufferSize/1024, WrapString("The soft limit of the outbound serialization buffer (in KB)"))

	key = "max-queued"
	cmd.PersistentFlags().Int(key, 0, WrapString("The maximum number of packets waiting in the send queue (0 = unbounded)"))

	key = "poll-millisecond"
	cmd.PersistentFlags().Int(key, common.DefaultHubConfig().PollIntervalMillisecond, WrapString("Upper bound of a single readiness poll of the hub in milliseconds"))
}

// InitConfig loads the env files and makes viper read DSOCK_* environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetSocketConfig reads the socket configuration from viper
func GetSocketConfig() common.SocketConfig {
	config := common.DefaultSocketConfig(viper.GetString("host"), viper.GetInt("port"))

	config.Tag = viper.GetInt("tag")
	config.BlockSecond = viper.GetInt("block-second")
	config.KeepAlive = viper.GetBool("keepalive")
	config.KeepAliveSec = viper.GetInt("keepalive-second")
	config.NoDelay = viper.GetBool("nodelay")
	config.InBufferSize = viper.GetInt("in-buffer") * 1024
	config.OutBufferSize = viper.GetInt("out-buffer") * 1024
	config.MaxQueued = viper.GetInt("max-queued")

	return config
}

// GetHubConfig reads the hub configuration from viper
func GetHubConfig() common.HubConfig {
	config := common.DefaultHubConfig()
	config.PollIntervalMillisecond = viper.GetInt("poll-millisecond")
	return config
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}
