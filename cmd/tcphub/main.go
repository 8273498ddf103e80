// Command tcphub is the CLI entry point.
//
// Opens one hub-managed TCP connection to a literal IPv4 endpoint, sends
// packets typed on stdin and prints the events the hub drains each tick.
// Events can be mirrored to websocket observers and traffic counters exported
// to prometheus.
package main

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/tcphub/internal/util"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "tcphub",
		Short: "Drive a framed TCP connection from the terminal",
		Long: `tcphub connects to a TCP endpoint through the socket hub.

Each stdin line is sent as one packet. In framed mode a line reads
"<command> <json body>"; in raw mode the line is sent as-is.
Received packets and connection events are printed once per tick.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		connectCmd(),
		watchCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			pterm.Info.Println(fmt.Sprintf("tcphub v%s", version))
		},
	}
}
