package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/stocktake/internal/draft"
	"github.com/roach88/stocktake/internal/kv"
	"github.com/roach88/stocktake/internal/model"
	"github.com/roach88/stocktake/internal/platform"
)

// NewDraftCommand creates the draft command group.
func NewDraftCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Inspect or discard saved operation drafts",
	}
	cmd.AddCommand(newDraftShowCommand(rootOpts))
	cmd.AddCommand(newDraftClearCommand(rootOpts))
	return cmd
}

func newDraftShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <operation>",
		Short: "Print the saved draft of an operation",
		Long: `Print the saved draft of an operation such as receive:T-100.

Drafts saved by older versions are upgraded before printing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := platform.ParseRef(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid operation", err)
			}
			return withBackend(cmd, rootOpts, func(e *env, b *backend) error {
				raw, ok, err := b.Store.Get(commandContext(cmd), kv.DraftKey(ref.String()))
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read draft", err)
				}
				if !ok {
					return NewExitError(ExitFailure, "no draft saved for "+ref.String())
				}
				d, err := draft.Decode(raw)
				if err != nil {
					return WrapExitError(ExitFailure, "stored draft is unreadable", err)
				}
				e.log.Debug("draft loaded", zap.String("operation", ref.String()), zap.Int("lines", len(d.Lines)))
				return newFormatter(cmd, rootOpts).Emit(d, func(w io.Writer) { writeDraftText(w, d) })
			})
		},
	}
}

func newDraftClearCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <operation>",
		Short: "Discard the saved draft of an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := platform.ParseRef(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid operation", err)
			}
			return withBackend(cmd, rootOpts, func(e *env, b *backend) error {
				if err := draft.New(b.Store, ref.String(), draft.WithLogger(e.log)).Clear(commandContext(cmd)); err != nil {
					return WrapExitError(ExitCommandError, "failed to clear draft", err)
				}
				return newFormatter(cmd, rootOpts).Emit(map[string]string{"cleared": ref.String()}, func(w io.Writer) {
					fmt.Fprintf(w, "Draft for %s cleared.\n", ref)
				})
			})
		},
	}
}

func writeDraftText(w io.Writer, d model.OperationDraft) {
	fmt.Fprintf(w, "Operation: %s (draft v%d, saved %s)\n", d.OperationID, d.Version, d.SavedAt.Format("2006-01-02 15:04:05"))
	if d.ActiveGroupID != "" {
		fmt.Fprintf(w, "Active group: %s\n", d.ActiveGroupID)
	}
	if d.Note != "" {
		fmt.Fprintf(w, "Note: %s\n", d.Note)
	}
	if d.ReasonCode != "" {
		fmt.Fprintf(w, "Reason: %s\n", d.ReasonCode)
	}
	for _, l := range d.Lines {
		kind := "planned"
		if l.Unplanned {
			kind = "unplanned"
		}
		fmt.Fprintf(w, "  %-12s %-10s %-9s actual=%d planned=%d committed=%d\n",
			orDash(l.GroupID), l.ItemID, kind, l.ActualQty, l.PlannedQty, l.CommittedQty)
	}
	if len(d.LegacyCompletedItemIDs) > 0 {
		fmt.Fprintf(w, "Completed items (legacy): %v\n", d.LegacyCompletedItemIDs)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
