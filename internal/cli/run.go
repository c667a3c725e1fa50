package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/stocktake/internal/harness"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Filter  string // scenario filter (glob on the file name)
	Golden  string // golden trace directory; empty skips trace comparison
	Update  bool   // rewrite golden traces
	Persist bool   // use the configured storage backend
	Trace   bool   // print each scenario trace
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
	Trace  string   `json:"trace,omitempty"`
}

// RunResult holds the overall result.
type RunResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario-file-or-dir>",
		Short: "Run reconciliation scenarios against the simulated platform",
		Long: `Run scenario files against the simulated inventory platform.

Each scenario loads an operation, replays operator steps and checks the
final stock, lines, groups and history. With --golden the trace of each
scenario is compared against <golden>/<name>.golden.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, bad config, etc.)

Examples:
  stocktake run ./scenarios
  stocktake run ./scenarios --filter "two_*" --golden ./golden
  stocktake run ./scenarios --golden ./golden --update
  stocktake run receive.yaml --persist --config stocktake.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().StringVar(&opts.Golden, "golden", "", "directory of golden traces")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden traces")
	cmd.Flags().BoolVar(&opts.Persist, "persist", false, "write drafts and history to the configured storage")
	cmd.Flags().BoolVar(&opts.Trace, "trace", false, "print scenario traces")

	return cmd
}

func runScenarios(opts *RunOptions, path string, cmd *cobra.Command) error {
	if opts.Update && opts.Golden == "" {
		return NewExitError(ExitCommandError, "--update requires --golden")
	}
	files, err := findScenarioFiles(path, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	e, err := loadEnv(opts.RootOptions)
	if err != nil {
		return err
	}
	defer func() { _ = e.log.Sync() }()

	runOpts := []harness.Option{
		harness.WithLogger(e.log),
		harness.WithEngineOptions(engineOptions(e.cfg)...),
	}
	if opts.Persist {
		b, err := openBackend(commandContext(cmd), e)
		if err != nil {
			return err
		}
		defer func() {
			if err := b.Close(); err != nil {
				e.log.Warn("closing storage", zap.Error(err))
			}
		}()
		runOpts = append(runOpts, harness.WithStore(b.Store), harness.WithLocker(b.Locker))
		if b.SQL != nil {
			runOpts = append(runOpts, harness.WithChangeLog(b.SQL))
		}
	}

	result := RunResult{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}
	for _, file := range files {
		sr := runScenario(file, opts, runOpts)
		e.log.Debug("scenario finished", zap.String("name", sr.Name), zap.Bool("pass", sr.Pass))
		result.Scenarios = append(result.Scenarios, sr)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	f := newFormatter(cmd, opts.RootOptions)
	if err := f.Emit(result, func(w io.Writer) { writeRunText(w, result, opts.Trace) }); err != nil {
		return err
	}
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	return nil
}

// findScenarioFiles returns path itself when it is a file, otherwise every
// YAML file below it whose base name matches filter.
func findScenarioFiles(path, filter string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		ext := filepath.Ext(p)
		if d.IsDir() || (ext != ".yaml" && ext != ".yml") {
			return nil
		}
		if filter != "" {
			matched, err := filepath.Match(filter, strings.TrimSuffix(filepath.Base(p), ext))
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, p)
		return nil
	})
	return files, err
}

func runScenario(file string, opts *RunOptions, runOpts []harness.Option) ScenarioResult {
	scenario, err := harness.LoadScenario(file)
	if err != nil {
		return ScenarioResult{Name: filepath.Base(file), Errors: []string{err.Error()}}
	}

	result, err := harness.Run(scenario, runOpts...)
	if err != nil {
		return ScenarioResult{Name: scenario.Name, Errors: []string{fmt.Sprintf("execution failed: %v", err)}}
	}

	trace := harness.Trace(scenario.Name, result)
	sr := ScenarioResult{Name: scenario.Name, Pass: result.Pass, Errors: result.Errors}
	if opts.Trace {
		sr.Trace = string(trace)
	}
	if opts.Golden == "" {
		return sr
	}

	goldenPath := filepath.Join(opts.Golden, scenario.Name+".golden")
	if opts.Update {
		if err := os.MkdirAll(opts.Golden, 0o755); err != nil {
			return failed(sr, fmt.Sprintf("failed to create golden directory: %v", err))
		}
		if err := os.WriteFile(goldenPath, trace, 0o644); err != nil {
			return failed(sr, fmt.Sprintf("failed to write golden file: %v", err))
		}
		return sr
	}

	want, err := os.ReadFile(goldenPath)
	switch {
	case os.IsNotExist(err):
		return failed(sr, "golden file missing (run with --update to create it)")
	case err != nil:
		return failed(sr, fmt.Sprintf("failed to read golden file: %v", err))
	case !bytes.Equal(want, trace):
		return failed(sr, "trace does not match golden file (run with --update to regenerate)")
	}
	return sr
}

func failed(sr ScenarioResult, msg string) ScenarioResult {
	sr.Pass = false
	sr.Errors = append(sr.Errors, msg)
	return sr
}

func writeRunText(w io.Writer, r RunResult, withTrace bool) {
	for _, s := range r.Scenarios {
		mark := "✓"
		if !s.Pass {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s %s\n", mark, s.Name)
		for _, e := range s.Errors {
			fmt.Fprintf(w, "  %s\n", strings.ReplaceAll(strings.TrimRight(e, "\n"), "\n", "\n  "))
		}
		if withTrace && s.Trace != "" {
			fmt.Fprint(w, s.Trace)
		}
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Summary: %d passed, %d failed, %d total\n", r.Passed, r.Failed, r.Total)
}
