package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/stocktake/internal/model"
)

// NewChangesCommand creates the changes command group.
func NewChangesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "changes",
		Short: "Read the local inventory change log",
	}
	cmd.AddCommand(newChangesListCommand(rootOpts))
	return cmd
}

func newChangesListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list <reference>",
		Short: "List change-log entries recorded for a commit reference",
		Long: `List the change-log entries recorded for a commit reference.

A reference is an operation such as receive:T-100; entries recorded for
group subsets of it (receive:T-100#S1) are included. Requires the sqlite
storage backend.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, rootOpts, func(e *env, b *backend) error {
				if b.SQL == nil {
					return NewExitError(ExitCommandError, fmt.Sprintf("change log requires the sqlite backend (configured: %s)", e.cfg.Storage.Backend))
				}
				entries, err := b.SQL.ListChanges(commandContext(cmd), args[0])
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read change log", err)
				}
				return newFormatter(cmd, rootOpts).Emit(entries, func(w io.Writer) { writeChangesText(w, entries) })
			})
		},
	}
}

func writeChangesText(w io.Writer, entries []model.ChangeEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No changes.")
		return
	}
	for _, c := range entries {
		fmt.Fprintf(w, "%s  %-8s %-12s %-12s %+d  %s\n",
			c.At.Format("2006-01-02 15:04:05"), c.Activity, c.LocationID, c.ItemID, c.Delta, c.Reference)
	}
}
