package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/gate-fs/gate/internal/cli/output"
	"github.com/gate-fs/gate/pkg/transport"
)

// statusRows renders a transport.SnapshotView as a table: one row per queue
// entry across every path, ordered the way the broker returned them (queue
// order within each path).
type statusRows struct {
	snapshot *transport.SnapshotView
}

func (r statusRows) Headers() []string {
	return []string{"PATH", "OWNER", "MODE", "STATE", "HOLD", "ENQUEUED"}
}

func (r statusRows) Rows() [][]string {
	var rows [][]string
	if r.snapshot == nil {
		return rows
	}
	for _, pv := range r.snapshot.Paths {
		for _, e := range pv.Entries {
			rows = append(rows, []string{
				pv.Path,
				e.Owner,
				e.Mode,
				e.State,
				strconv.Itoa(e.HoldCount),
				time.UnixMilli(e.EnqueuedAt).UTC().Format(time.RFC3339),
			})
		}
	}
	return rows
}

func newStatusCommand(client func() *transport.Client, printer func() (*output.Printer, error)) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the broker's lock queues, or one path's queue with --path",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := printer()
			if err != nil {
				return err
			}
			resp, err := client().Status(cmd.Context(), path)
			if err != nil {
				return fmt.Errorf("query broker status: %w", err)
			}
			if resp.Status == transport.StatusError {
				return fmt.Errorf("broker returned error: %s", resp.Error)
			}
			return p.Print(statusRows{snapshot: resp.Snapshot})
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "limit the queue snapshot to one path")
	return cmd
}
