package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gate-fs/gate/internal/cli/health"
	"github.com/gate-fs/gate/internal/cli/output"
	"github.com/gate-fs/gate/internal/cli/timeutil"
	"github.com/gate-fs/gate/pkg/transport"
)

// healthRow adapts health.Response to output.TableRenderer.
type healthRow struct{ r health.Response }

func (h healthRow) Headers() []string { return []string{"STATUS", "SERVICE", "STARTED", "UPTIME"} }

func (h healthRow) Rows() [][]string {
	return [][]string{{
		h.r.Status,
		h.r.Data.Service,
		timeutil.FormatTime(h.r.Data.StartedAt),
		timeutil.FormatUptime(h.r.Data.Uptime),
	}}
}

func newHealthCommand(client func() *transport.Client, printer func() (*output.Printer, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Query the broker's /health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := printer()
			if err != nil {
				return err
			}
			resp, err := client().Health(cmd.Context())
			if err != nil {
				return fmt.Errorf("query broker health: %w", err)
			}
			return p.Print(healthRow{r: *resp})
		},
	}
}
