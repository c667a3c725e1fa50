package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/stocktake/internal/audit"
	"github.com/roach88/stocktake/internal/engine"
	"github.com/roach88/stocktake/internal/kv"
	"github.com/roach88/stocktake/internal/model"
)

// NewAuditCommand creates the audit command group.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read the confirmation history",
	}
	cmd.AddCommand(newAuditListCommand(rootOpts))
	cmd.AddCommand(newAuditExportCommand(rootOpts))
	return cmd
}

func openAudit(e *env, b *backend) *audit.Log {
	return audit.New(b.Store, kv.AuditKey(engine.DefaultAuditScope),
		audit.WithMax(e.cfg.Audit.Max),
		audit.WithLogger(e.log))
}

// readHistory returns every entry, or only those referring to ref.
func readHistory(cmd *cobra.Command, e *env, b *backend, ref string) ([]model.AuditEntry, error) {
	log := openAudit(e, b)
	if ref == "" {
		return log.List(commandContext(cmd))
	}
	return log.History(commandContext(cmd), ref)
}

func newAuditListCommand(rootOpts *RootOptions) *cobra.Command {
	var ref string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List confirmations, newest first",
		Example: `  stocktake audit list
  stocktake audit list --ref receive:T-100
  stocktake audit list --ref S1 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, rootOpts, func(e *env, b *backend) error {
				entries, err := readHistory(cmd, e, b, ref)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read history", err)
				}
				return newFormatter(cmd, rootOpts).Emit(entries, func(w io.Writer) { writeHistoryText(w, entries) })
			})
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "only entries for this operation or group")
	return cmd
}

func newAuditExportCommand(rootOpts *RootOptions) *cobra.Command {
	var ref, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the history as an XLSX spreadsheet",
		Example: `  stocktake audit export --xlsx history.xlsx
  stocktake audit export --ref receive:T-100 --xlsx t100.xlsx`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, rootOpts, func(e *env, b *backend) error {
				entries, err := readHistory(cmd, e, b, ref)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read history", err)
				}

				f, err := os.Create(out)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to create export file", err)
				}
				if err := audit.WriteXLSX(f, entries); err != nil {
					f.Close()
					return WrapExitError(ExitFailure, "failed to write spreadsheet", err)
				}
				if err := f.Close(); err != nil {
					return WrapExitError(ExitCommandError, "failed to close export file", err)
				}
				e.log.Info("history exported", zap.String("path", out), zap.Int("entries", len(entries)))

				return newFormatter(cmd, rootOpts).Emit(map[string]any{"path": out, "entries": len(entries)}, func(w io.Writer) {
					fmt.Fprintf(w, "Exported %d entries to %s\n", len(entries), out)
				})
			})
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "only entries for this operation or group")
	cmd.Flags().StringVar(&out, "xlsx", "", "output spreadsheet path (required)")
	_ = cmd.MarkFlagRequired("xlsx")
	return cmd
}

func writeHistoryText(w io.Writer, entries []model.AuditEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No history.")
		return
	}
	for _, e := range entries {
		kind := "partial"
		if e.Final {
			kind = "final"
		}
		fmt.Fprintf(w, "%s  %-24s %-7s groups=%s", e.At.Format("2006-01-02 15:04:05"), e.OperationRef, kind, orDash(strings.Join(e.GroupRefs, ",")))
		if e.Actor != "" {
			fmt.Fprintf(w, " by %s", e.Actor)
		}
		fmt.Fprintln(w)
		writeAuditItems(w, "over", e.OverItems)
		writeAuditItems(w, "extra", e.ExtraItems)
		writeAuditItems(w, "short", e.ShortItems)
		if e.Note != "" {
			fmt.Fprintf(w, "    note: %s\n", e.Note)
		}
		for _, warn := range e.Warnings {
			fmt.Fprintf(w, "    warning: %s\n", warn)
		}
	}
}

func writeAuditItems(w io.Writer, label string, items []model.AuditItem) {
	for _, it := range items {
		name := it.Title
		if name == "" {
			name = it.ItemID
		}
		fmt.Fprintf(w, "    %-5s %s x%d\n", label, name, it.Qty)
	}
}
