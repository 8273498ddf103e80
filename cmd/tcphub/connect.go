package main

import (
	"bufio"
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/tcphub/internal/bridge"
	"github.com/1ureka/tcphub/internal/config"
	"github.com/1ureka/tcphub/internal/hub"
	"github.com/1ureka/tcphub/internal/socket"
	"github.com/1ureka/tcphub/internal/util"
)

// connectFlags mirrors the config fields that can be set on the command line.
type connectFlags struct {
	configFile string
	host       string
	port       int
	tag        int
	timeout    int
	keepAlive  bool
	raw        bool
	magic      string
	codec      string
	metrics    string
	bridge     string
	stats      int
	logLevel   string
	debug      bool
}

func connectCmd() *cobra.Command {
	var f connectFlags

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to host:port and exchange packets over stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, &f)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			return runSession(ctx, cfg)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.configFile, "config", "c", "", "TOML configuration file")
	fl.StringVar(&f.host, "host", "", "IPv4 address to connect to")
	fl.IntVarP(&f.port, "port", "p", 0, "Port to connect to, 1~65535")
	fl.IntVar(&f.tag, "tag", 0, "Tag identifying the socket")
	fl.IntVar(&f.timeout, "timeout", 0, "Connect timeout in seconds")
	fl.BoolVar(&f.keepAlive, "keep-alive", false, "Enable SO_KEEPALIVE")
	fl.BoolVar(&f.raw, "raw", true, "Exchange raw payloads instead of framed packets")
	fl.StringVar(&f.magic, "magic", "", "Four-byte packet magic (framed mode)")
	fl.StringVar(&f.codec, "codec", "", "Packet body codec: json or msgpack")
	fl.StringVar(&f.metrics, "metrics", "", "Serve prometheus metrics on this address")
	fl.StringVar(&f.bridge, "bridge", "", "Mirror events to websocket observers on this address")
	fl.IntVar(&f.stats, "stats", 0, "Log traffic statistics every N seconds")
	fl.StringVar(&f.logLevel, "log-level", "", "Log level: trace, debug, info, warn or error")
	fl.BoolVar(&f.debug, "debug", false, "Enable debug logging")

	return cmd
}

// loadConfig reads the config file, if any, and applies the flags the user
// actually set on top of it.
func loadConfig(cmd *cobra.Command, f *connectFlags) (*config.Config, error) {
	cfg := config.Default()
	if f.configFile != "" {
		var err error
		if cfg, err = config.Load(f.configFile); err != nil {
			return nil, err
		}
	}

	fl := cmd.Flags()
	if fl.Changed("host") {
		cfg.Socket.Host = f.host
	}
	if fl.Changed("port") {
		cfg.Socket.Port = f.port
	}
	if fl.Changed("tag") {
		cfg.Socket.Tag = f.tag
	}
	if fl.Changed("timeout") {
		cfg.Socket.ConnectTimeout = f.timeout
	}
	if fl.Changed("keep-alive") {
		cfg.Socket.KeepAlive = f.keepAlive
	}
	if fl.Changed("raw") {
		cfg.SetRaw(f.raw)
	}
	if fl.Changed("magic") {
		cfg.Packet.Magic = f.magic
	}
	if fl.Changed("codec") {
		cfg.Packet.Codec = f.codec
	}
	if fl.Changed("metrics") {
		cfg.Observe.MetricsListen = f.metrics
	}
	if fl.Changed("bridge") {
		cfg.Observe.BridgeListen = f.bridge
	}
	if fl.Changed("stats") {
		cfg.Observe.StatsInterval = f.stats
	}
	if fl.Changed("log-level") {
		cfg.Observe.LogLevel = f.logLevel
	}
	if fl.Changed("debug") {
		cfg.Observe.Debug = f.debug
	}

	if cfg.Socket.Host == "" {
		cfg.Socket.Host = askHost()
	}
	if cfg.Socket.Port == 0 {
		cfg.Socket.Port = askPort("Port to connect to (1 ~ 65535)")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

// runSession connects, pumps stdin into packets and prints drained events
// until the connection ends or ctx is cancelled.
func runSession(ctx context.Context, cfg *config.Config) error {
	if err := util.SetLogLevel(cfg.LogLevel()); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Observe.MetricsListen != "" {
		if err := serveMetrics(cfg.Observe.MetricsListen); err != nil {
			return err
		}
	}
	if iv := cfg.StatsInterval(); iv > 0 {
		util.StartStatsReporter(ctx, iv)
	}

	p := &printer{tag: cfg.Socket.Tag, codec: cfg.Codec(), done: cancel}
	dispatchers := hub.MultiDispatcher{p}

	if cfg.Observe.BridgeListen != "" {
		srv := bridge.NewServer()
		if _, err := srv.Start(cfg.Observe.BridgeListen); err != nil {
			return err
		}
		defer srv.Close()
		dispatchers = append(dispatchers, srv)
	}

	loop := hub.NewTickLoop(cfg.TickInterval())
	h := hub.New(hub.Options{
		Dispatcher: dispatchers,
		Ticks:      loop,
		RawPolicy:  cfg.Hub.RawPolicy,
	})
	loopDone := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(loopDone)
	}()
	// the tick goroutine must be gone before StopAll publishes on this one
	defer func() {
		cancel()
		<-loopDone
		h.StopAll()
	}()

	opts := cfg.SocketOptions()
	s, err := h.CreateSocket(opts)
	if err != nil {
		return err
	}
	go watchConnect(ctx, s, cancel)
	util.LogInfo("connecting to %s:%d (tag %d, %s)", opts.Host, opts.Port, opts.Tag, modeName(h.RawPolicy()))

	enc := &lineEncoder{
		codec:           cfg.Codec(),
		magic:           cfg.Packet.Magic,
		protocolVersion: int32(cfg.Packet.ProtocolVersion),
		serverVersion:   int32(cfg.Packet.ServerVersion),
	}
	go readInput(ctx, h, enc, opts.Tag, cancel)

	<-ctx.Done()
	util.LogInfo("closing connection")
	return nil
}

// readInput turns stdin lines into packets for the socket with tag.
func readInput(ctx context.Context, h *hub.Hub, enc *lineEncoder, tag int, done func()) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()

		switch strings.TrimSpace(line) {
		case "/quit":
			done()
			return
		case "/raw":
			h.SetRawPolicy(true)
			util.LogInfo("switched to %s", modeName(true))
			continue
		case "/framed":
			h.SetRawPolicy(false)
			util.LogInfo("switched to %s", modeName(false))
			continue
		}

		pkt, err := enc.encode(line, h.RawPolicy())
		if err != nil {
			util.LogWarning("%v", err)
			continue
		}
		if !h.SendPacket(tag, pkt) {
			util.LogWarning("socket %d is gone", tag)
			done()
			return
		}
	}
	// stdin closed: keep printing until interrupted
}

// watchConnect ends the session when the socket never got connected; a
// connect failure publishes no event for the printer to react to.
func watchConnect(ctx context.Context, s *socket.Socket, done func()) {
	select {
	case <-s.Done():
	case <-ctx.Done():
		return
	}
	err := s.Err()
	if errors.Is(err, socket.ErrConnectFailed) || errors.Is(err, socket.ErrConnectTimeout) {
		util.LogError("%v", err)
		done()
	}
}

// serveMetrics exposes the traffic counters on addr/metrics.
func serveMetrics(addr string) error {
	reg := prometheus.NewRegistry()
	if err := util.RegisterMetrics(reg); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			util.LogError("metrics server: %v", err)
		}
	}()
	util.LogInfo("metrics on http://%s/metrics", addr)
	return nil
}

func modeName(raw bool) string {
	if raw {
		return "raw mode"
	}
	return "framed mode"
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askHost prompts for an IPv4 address until a valid one is entered.
func askHost() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("IPv4 address to connect to (e.g. 127.0.0.1)").
			Show()

		host := strings.TrimSpace(raw)
		if _, err := socket.ParseHost(host); err == nil {
			pterm.Println()
			return host
		}

		util.LogWarning("invalid address: must be a dotted-quad IPv4 address")
		pterm.Println()
	}
}

// askPort prompts the user for a port number until a valid one is entered.
func askPort(prompt string) int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && port >= 1 && port <= 65535 {
			pterm.Println()
			return port
		}

		util.LogWarning("invalid port number: must be 1 ~ 65535")
		pterm.Println()
	}
}
