package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/stocktake/internal/clock"
	"github.com/roach88/stocktake/internal/ident"
	"github.com/roach88/stocktake/internal/scan"
)

// NewScanCommand creates the scan command group.
func NewScanCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Feed scans to a running session",
	}
	cmd.AddCommand(newScanPushCommand(rootOpts))
	return cmd
}

func newScanPushCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push <code>...",
		Short: "Push codes onto the shared scan inbox",
		Long: `Push codes onto the scan inbox kept in the configured storage. A
session polling the same storage picks them up in order.

Codes are normalized first; codes that cannot be valid are rejected
without touching the inbox.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, rootOpts, func(e *env, b *backend) error {
				codes := make([]string, 0, len(args))
				for _, raw := range args {
					code := ident.NormalizeCode(raw)
					if !ident.ValidCode(code, e.cfg.Scan.MinCodeLength) {
						return NewExitError(ExitFailure, fmt.Sprintf("invalid code %q", raw))
					}
					codes = append(codes, code)
				}

				inbox := scan.NewInbox(b.Store, clock.New())
				for _, code := range codes {
					if err := inbox.Push(commandContext(cmd), code); err != nil {
						return WrapExitError(ExitCommandError, "failed to push scan", err)
					}
					e.log.Debug("scan pushed", zap.String("code", code))
				}
				return newFormatter(cmd, rootOpts).Emit(map[string]any{"pushed": codes}, func(w io.Writer) {
					fmt.Fprintf(w, "Pushed %d code(s).\n", len(codes))
				})
			})
		},
	}
}
