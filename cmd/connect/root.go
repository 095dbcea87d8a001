package connect

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dSock/cmd/util"
	"github.com/ValentinKolb/dSock/lib/packet"
	"github.com/ValentinKolb/dSock/sock/common"
	"github.com/ValentinKolb/dSock/sock/hub"
	"github.com/ValentinKolb/dSock/sock/socket"
	"github.com/jpillora/backoff"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Logger = logger.GetLogger(common.LoggerCLI)

var (
	ConnectCmd = &cobra.Command{
		Use:   "connect",
		Short: "Connect to a frame server",
		Long: `Connect to a frame server through a non-blocking socket driven by a hub.
Every line read from stdin is sent as one frame, every received frame is written to stdout as one line.
After stdin is exhausted the command waits until every line was answered or no frame arrived for --linger-millisecond.
The configuration can be set via command line flags or environment variables (e.g. DSOCK_PORT=7070)`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return cmdUtil.BindCommandFlags(cmd)
		},
		RunE: run,
	}
)

func init() {
	cmdUtil.SetupSocketFlags(ConnectCmd)

	key := "retries"
	ConnectCmd.PersistentFlags().Int(key, 3, cmdUtil.WrapString("How many times to retry a failed connect, every attempt uses a fresh socket"))

	key = "linger-millisecond"
	ConnectCmd.PersistentFlags().Int(key, 500, cmdUtil.WrapString("How long to wait for outstanding answers after stdin was exhausted"))

	key = "stats"
	ConnectCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Print the hub statistics to stderr before exiting"))
}

func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(viper.GetString("log-level")); err != nil {
		return err
	}

	socketConfig := cmdUtil.GetSocketConfig()
	hubConfig := cmdUtil.GetHubConfig()

	if err := common.ValidateSocketConfig(socketConfig); err != nil {
		return err
	}
	Logger.Debugf("%s", socketConfig.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := dial(ctx, socketConfig, viper.GetInt("retries"))
	if err != nil {
		return err
	}

	h, err := hub.New(hubConfig)
	if err != nil {
		s.Stop()
		return err
	}
	defer func() {
		h.Close()
		for range h.Events() {
		}
	}()

	if err := h.Register(s); err != nil {
		s.Stop()
		return err
	}

	linger := time.Duration(viper.GetInt("linger-millisecond")) * time.Millisecond
	err = runSession(ctx, h, s, os.Stdin, os.Stdout, linger)

	if viper.GetBool("stats") {
		printStats(os.Stderr, h.Stats())
	}
	return err
}

// dial connects a fresh socket per attempt and waits between attempts with an exponential backoff
func dial(ctx context.Context, config common.SocketConfig, retries int) (*socket.Socket, error) {
	b := &backoff.Backoff{
		Factor: 1.5,
		Jitter: true,
		Min:    200 * time.Millisecond,
		Max:    5 * time.Second,
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		s := socket.New(config)

		if s.Start() {
			err := s.WaitConnected(ctx)
			if err == nil {
				return s, nil
			}
			lastErr = err
		} else {
			lastErr = s.Err()
			if errors.Is(lastErr, socket.ErrInvalidArgument) {
				return nil, lastErr
			}
			if lastErr == nil {
				lastErr = socket.ErrConnectTimeout
			}
		}
		s.Stop()

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == retries {
			break
		}

		duration := b.Duration()
		Logger.Warningf("Connect to %s failed (%v). Retrying in %s.", config.Endpoint(), lastErr, duration)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(duration):
		}
	}

	return nil, fmt.Errorf("tried %d times connecting to %s, giving up: %w", retries+1, config.Endpoint(), lastErr)
}

// runSession sends the lines of in as frames and writes received frames to out.
// It returns once in is exhausted and every frame was sent and either answered
// or linger passed without a new frame, or once the socket disconnected.
func runSession(ctx context.Context, h *hub.Hub, s *socket.Socket, in io.Reader, out io.Writer, linger time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)

	runErr := make(chan error, 1)
	go func() { runErr <- h.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
			Logger.Errorf("hub failed: %v", err)
		}
	}()

	lines := make(chan []byte)
	go readLines(ctx, in, lines)

	ticker := time.NewTicker(max(linger/5, 10*time.Millisecond))
	defer ticker.Stop()

	tag := s.Tag()
	sent, received := 0, 0
	inputDone := false
	lastActivity := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil

		case line, ok := <-lines:
			if !ok {
				inputDone = true
				lines = nil
				lastActivity = time.Now()
				continue
			}
			if err := h.Send(tag, line); err != nil {
				return fmt.Errorf("failed to send: %w", err)
			}
			sent++

		case ev, ok := <-h.Events():
			if !ok {
				return nil
			}
			switch ev.Type {
			case hub.EventConnected:
				Logger.Infof("Connected to %s:%d", s.Hostname(), s.Port())
			case hub.EventFrame:
				received++
				lastActivity = time.Now()
				if _, err := fmt.Fprintf(out, "%s\n", ev.Frame.Payload); err != nil {
					return err
				}
			case hub.EventConnectFailed, hub.EventDisconnected:
				if inputDone && !s.HasPending() && received >= sent {
					return nil
				}
				return fmt.Errorf("connection to %s:%d closed: %v", s.Hostname(), s.Port(), ev.Err)
			}

		case <-ticker.C:
			if inputDone && !s.HasPending() && (received >= sent || time.Since(lastActivity) >= linger) {
				return nil
			}
		}
	}
}

// readLines sends every line of in to lines and closes lines at the end of in
func readLines(ctx context.Context, in io.Reader, lines chan<- []byte) {
	defer close(lines)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 4096), packet.MaxPayloadSize)

	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())

		select {
		case lines <- line:
		case <-ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil {
		Logger.Errorf("Failed to read input: %v", err)
	}
}

// printStats writes the hub statistics in the style of the config printers
func printStats(w io.Writer, stats hub.Stats) {
	fmt.Fprintf(w, "\nSTATS\n")
	fmt.Fprintf(w, "  %-22s: %d\n", "Frames Sent", stats.FramesOut)
	fmt.Fprintf(w, "  %-22s: %.2f/s\n", "Frames Sent Rate", stats.FramesOutRate)
	fmt.Fprintf(w, "  %-22s: %d\n", "Frames Received", stats.FramesIn)
	fmt.Fprintf(w, "  %-22s: %.2f/s\n", "Frames Received Rate", stats.FramesInRate)
	fmt.Fprintf(w, "  %-22s: %d bytes\n", "Frame Size (mean)", stats.FrameSizeMean)
	fmt.Fprintf(w, "  %-22s: ~%d bytes\n", "Frame Size (p50)", stats.FrameSizeP50)
	fmt.Fprintf(w, "  %-22s: ~%d bytes\n", "Frame Size (p99)", stats.FrameSizeP99)
	printDistribution(w, stats.FrameSizeBounds, stats.FrameSizeShares)
	fmt.Fprintf(w, "  %-22s: %d\n", "Disconnects", stats.Disconnects)
}

// printDistribution writes one line per non-empty frame size bucket
func printDistribution(w io.Writer, bounds []int, shares []float64) {
	lower := 0
	for i, share := range shares {
		var label string
		if i < len(bounds) {
			label = fmt.Sprintf("%d-%d bytes", lower, bounds[i])
			lower = bounds[i] + 1
		} else {
			label = fmt.Sprintf("> %d bytes", lower-1)
		}
		if share == 0 {
			continue
		}
		fmt.Fprintf(w, "    %-20s: %5.1f%%\n", label, share)
	}
}
