package common

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// DefaultTimeoutSecond is the default time a caller blocks while a socket connects
	DefaultTimeoutSecond = 30
	// DefaultInBufferSize is the default capacity of the inbound buffer (64 KB)
	DefaultInBufferSize = 64 * 1024
	// DefaultOutBufferSize is the default soft limit of the serialization buffer (8 KB)
	DefaultOutBufferSize = 8 * 1024
	// DefaultTag is the tag of a socket if the caller does not pick one
	DefaultTag = -1
)

// --------------------------------------------------------------------------
// Socket configuration struct
// --------------------------------------------------------------------------

// SocketConfig holds every construction parameter of a socket
type SocketConfig struct {
	// remote endpoint, ipv4 literal or resolvable host name
	Hostname string `validate:"required,ipv4|hostname_rfc1123"`
	Port     int    `validate:"min=1,max=65535"`

	// caller supplied identifier, used by the hub
	Tag int

	// how long Init blocks for the connect (0 = return immediately)
	BlockSecond int `validate:"min=0"`

	// TCP options applied after the connect
	KeepAlive    bool
	KeepAliveSec int `validate:"min=0"`
	NoDelay      bool

	// buffers and queue bound
	InBufferSize  int `validate:"min=0"`
	OutBufferSize int `validate:"min=0"`
	MaxQueued     int `validate:"min=0"`
}

// DefaultSocketConfig returns a config with the defaults for everything except the endpoint
func DefaultSocketConfig(hostname string, port int) SocketConfig {
	return SocketConfig{
		Hostname:      hostname,
		Port:          port,
		Tag:           DefaultTag,
		BlockSecond:   DefaultTimeoutSecond,
		NoDelay:       true,
		InBufferSize:  DefaultInBufferSize,
		OutBufferSize: DefaultOutBufferSize,
	}
}

// Endpoint returns the host:port pair of the config
func (c *SocketConfig) Endpoint() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Port)
}

// String returns a formatted string representation of the configuration
func (c *SocketConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Socket")
	addField("Endpoint", c.Endpoint())
	addField("Tag", strconv.Itoa(c.Tag))
	addField("Block", fmt.Sprintf("%d sec", c.BlockSecond))

	addSection("TCP Options")
	addField("Keep Alive", fmt.Sprintf("%t", c.KeepAlive))
	if c.KeepAlive && c.KeepAliveSec > 0 {
		addField("Keep Alive Period", fmt.Sprintf("%d sec", c.KeepAliveSec))
	}
	addField("No Delay", fmt.Sprintf("%t", c.NoDelay))

	addSection("Buffers")
	addField("In Buffer", fmt.Sprintf("%d bytes", c.InBufferSize))
	addField("Out Buffer", fmt.Sprintf("%d bytes", c.OutBufferSize))
	if c.MaxQueued > 0 {
		addField("Max Queued", fmt.Sprintf("%d packets", c.MaxQueued))
	} else {
		addField("Max Queued", "unbounded")
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// Hub configuration struct
// --------------------------------------------------------------------------

// HubConfig holds the parameters of the readiness loop
type HubConfig struct {
	// upper bound of a single poll in milliseconds
	PollIntervalMillisecond int `validate:"min=1"`
	// remove sockets from the hub once they disconnected
	RemoveClosed bool
}

// DefaultHubConfig returns the default hub configuration
func DefaultHubConfig() HubConfig {
	return HubConfig{
		PollIntervalMillisecond: 50,
		RemoveClosed:            true,
	}
}

// --------------------------------------------------------------------------
// Frame server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds the parameters of the frame server
type ServerConfig struct {
	// ip:port the server listens on (e.g. 0.0.0.0:7070, port 0 picks a free port)
	Endpoint string `validate:"required,tcp_addr"`

	// idle timeout per connection, 0 disables it
	TimeoutSecond int64 `validate:"min=0"`

	// TCP options of accepted connections
	NoDelay      bool
	KeepAliveSec int `validate:"min=0"`

	// optional ip:port of the prometheus metrics endpoint
	MetricsEndpoint string `validate:"omitempty,tcp_addr"`

	// Logging configuration
	LogLevel string `validate:"oneof=debug info warn warning error"`
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Frame Server")
	addField("Endpoint", c.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("No Delay", fmt.Sprintf("%t", c.NoDelay))
	addField("Keep Alive", fmt.Sprintf("%d sec", c.KeepAliveSec))

	if c.MetricsEndpoint != "" {
		addSection("Metrics")
		addField("Endpoint", c.MetricsEndpoint)
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}
