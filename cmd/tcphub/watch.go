package main

import (
	"context"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/tcphub/internal/bridge"
	"github.com/1ureka/tcphub/internal/util"
)

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <address>",
		Short: "Print the events mirrored by a running session's bridge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			w, err := bridge.Watch(ctx, bridgeURL(args[0]))
			if err != nil {
				return err
			}
			go func() {
				<-ctx.Done()
				w.Close()
			}()

			for {
				m, err := w.Next()
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				printMessage(m)
			}
		},
	}
}

// bridgeURL accepts host:port or a full ws:// URL.
func bridgeURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	return "ws://" + addr + "/ws"
}

func printMessage(m bridge.Message) {
	switch {
	case m.Error != "":
		pterm.Warning.Printfln("[%d] %s: %s", m.Tag, m.Event, m.Error)
	case m.Body != nil && m.Raw:
		pterm.Printfln("[%d] %s %q", m.Tag, m.Event, m.Body)
	case m.Body != nil:
		pterm.Printfln("[%d] %s %s cmd=%d %d bytes", m.Tag, m.Event, m.Magic, m.Command, len(m.Body))
	default:
		util.LogInfo("[%d] %s", m.Tag, m.Event)
	}
}
