// Package commands builds gatectl: a read-only operator CLI that queries a
// running broker's /health and /v1/status endpoints and renders the result
// as a table, JSON, or YAML.
package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/gate-fs/gate/internal/cli/output"
	"github.com/gate-fs/gate/pkg/transport"
)

// NewRootCommand builds the gatectl root command.
func NewRootCommand() *cobra.Command {
	var addr, socket, format string

	cmd := &cobra.Command{
		Use:   "gatectl",
		Short: "Inspect a running gate broker's lock queues and health",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:7420", "broker HTTP address")
	cmd.PersistentFlags().StringVar(&socket, "socket", "", "broker Unix-domain socket (overrides --addr)")
	cmd.PersistentFlags().StringVar(&format, "output", "table", "output format: table, json, yaml")

	client := func() *transport.Client {
		if socket != "" {
			return transport.NewUnixSocketClient(socket)
		}
		return transport.NewHTTPClient(addr)
	}

	printer := func() (*output.Printer, error) {
		f, err := output.ParseFormat(format)
		if err != nil {
			return nil, err
		}
		return output.NewPrinter(os.Stdout, f, true), nil
	}

	cmd.AddCommand(newStatusCommand(client, printer))
	cmd.AddCommand(newHealthCommand(client, printer))
	return cmd
}
