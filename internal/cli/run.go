package cli

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/mibody/internal/engine"
	"github.com/roach88/mibody/internal/harness"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string

	// KeyGenerator overrides the body key generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	KeyGenerator engine.KeyGenerator
}

// RunResult is the outcome of one run.
type RunResult struct {
	Scenario  string                  `json:"scenario"`
	Database  string                  `json:"database"`
	Pass      bool                    `json:"pass"`
	Bodies    map[string]string       `json:"bodies"`
	Keys      map[string]string       `json:"keys"`
	Trace     []harness.TraceEvent    `json:"trace"`
	Incidents []harness.IncidentEvent `json:"incidents,omitempty"`
	Errors    []string                `json:"errors,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Run a scenario against a persistent store",
		Long: `Run one scenario file against the SQLite store, keeping its command log.

The scenario's bodies get fresh UUIDv7 keys, so a store can hold many runs.
Inspect them afterwards with "mibody trace" and verify them with
"mibody replay".

Exit codes:
  0 - Scenario passed
  1 - A step expectation or assertion failed
  2 - Command error (unreadable scenario, store, config)

Examples:
  mibody run --db ./mibody.db ./scenarios/review.yaml
  mibody run ./scenarios/review.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarioFile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default store.path)")

	return cmd
}

func runScenarioFile(opts *RunOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger, err := opts.newLogger(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build logger", err)
	}
	defer func() { _ = logger.Sync() }()

	db := opts.Database
	if db == "" {
		db = cfg.Store.Path
	}

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeLoadFailed, err.Error(), nil)
	}
	if scenario.Dialect == "" {
		scenario.Dialect = cfg.Expression.Dialect
	}
	if scenario.ActivationBatchSize == 0 {
		scenario.ActivationBatchSize = cfg.Engine.ActivationBatchSize
	}

	keys := opts.KeyGenerator
	if keys == nil {
		keys = engine.UUIDv7Generator{}
	}

	logger.Info("running scenario", zap.String("scenario", scenario.Name), zap.String("db", db))
	result, err := harness.Run(scenario,
		harness.WithLogger(logger),
		harness.WithStorePath(db),
		harness.WithKeyGenerator(keys),
	)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}

	out := RunResult{
		Scenario:  scenario.Name,
		Database:  db,
		Pass:      result.Pass,
		Bodies:    result.Bodies,
		Keys:      result.Keys,
		Trace:     result.Trace,
		Incidents: result.Incidents,
		Errors:    result.Errors,
	}

	if formatter.JSON() {
		var failure *CLIError
		if !out.Pass {
			failure = &CLIError{Code: "E_SCENARIO", Message: fmt.Sprintf("scenario %s failed", out.Scenario)}
		}
		if err := formatter.Respond(out.Pass, out, failure); err != nil {
			return err
		}
	} else {
		writeRunText(formatter.Writer, out)
	}

	if !out.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %s failed", out.Scenario))
	}
	return nil
}

func writeRunText(w io.Writer, out RunResult) {
	fmt.Fprintf(w, "Scenario %s (%s)\n\n", out.Scenario, out.Database)

	names := make([]string, 0, len(out.Keys))
	for name := range out.Keys {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		state := out.Bodies[name]
		if state == "" {
			state = "-"
		}
		fmt.Fprintf(w, "  %-20s %-12s %s\n", name, state, out.Keys[name])
	}
	fmt.Fprintln(w)

	for _, ev := range out.Trace {
		fmt.Fprintf(w, "  [%d] %s %s %s\n", ev.Seq, ev.Body, ev.Kind, harness.FormatPayload(ev.Payload))
	}
	for _, inc := range out.Incidents {
		fmt.Fprintf(w, "  incident %s on %s: %s\n", inc.Code, inc.Body, inc.Message)
	}
	fmt.Fprintln(w)

	if out.Pass {
		fmt.Fprintln(w, "PASS")
		return
	}
	fmt.Fprintln(w, "FAIL")
	for _, e := range out.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
}
