package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/mibody/internal/activation"
	"github.com/roach88/mibody/internal/config"
	"github.com/roach88/mibody/internal/engine"
	"github.com/roach88/mibody/internal/expression"
	"github.com/roach88/mibody/internal/multiinstance"
	"github.com/roach88/mibody/internal/scope"
	"github.com/roach88/mibody/internal/store"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Database  string
	BodyKey   string // optional - specific body only
	BatchSize int    // overrides engine.activation_batch_size when positive
}

// ReplayBodyResult holds the replay result for a single body.
type ReplayBodyResult struct {
	BodyKey      string `json:"body_key"`
	ElementID    string `json:"element_id"`
	State        string `json:"state"`
	Commands     int    `json:"commands"`
	StoredHash   string `json:"stored_hash"`
	ReplayedHash string `json:"replayed_hash,omitempty"`
	Match        bool   `json:"match"`
	Error        string `json:"error,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Bodies      []ReplayBodyResult `json:"bodies"`
	TotalBodies int                `json:"total_bodies"`
	AllMatch    bool               `json:"all_match"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay command logs and verify body snapshots",
		Long: `Re-run each body's command log through a fresh controller and compare
the resulting snapshot hash with the stored one.

Replay performs no side effects. It must use the activation batch size
and expression dialect the bodies were processed with.

Exit codes:
  0 - Every replayed body matches its snapshot
  1 - At least one body diverged or could not be replayed
  2 - Command error (store not found, bad config, etc.)

Examples:
  mibody replay --db ./mibody.db
  mibody replay --db ./mibody.db --body 0190c6b2-...
  mibody replay --db ./mibody.db --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default store.path)")
	cmd.Flags().StringVar(&opts.BodyKey, "body", "", "replay a specific body only")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "activation batch size (default engine.activation_batch_size)")

	return cmd
}

func runReplay(opts *ReplayOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.BatchSize > 0 {
		cfg.Engine.ActivationBatchSize = opts.BatchSize
	}

	st, err := openExistingStore(opts.Database, cfg)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, err.Error(), nil)
	}
	defer st.Close()

	eng, err := newOfflineEngine(st, cfg)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}

	var keys []string
	if opts.BodyKey != "" {
		keys = []string{opts.BodyKey}
	} else {
		bodies, err := st.ReadBodies(ctx)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeStore, err.Error(), nil)
		}
		for _, b := range bodies {
			keys = append(keys, b.Key)
		}
	}

	result := ReplayResult{
		Bodies:      make([]ReplayBodyResult, 0, len(keys)),
		TotalBodies: len(keys),
		AllMatch:    true,
	}
	for _, key := range keys {
		br := replayBody(ctx, st, eng, key)
		formatter.VerboseLog("Replayed %s: %d command(s), match=%t", key, br.Commands, br.Match)
		result.Bodies = append(result.Bodies, br)
		if !br.Match {
			result.AllMatch = false
		}
	}

	if formatter.JSON() {
		if err := formatter.Respond(result.AllMatch, result, &CLIError{Code: "E_REPLAY", Message: "replay diverged from stored snapshots"}); err != nil {
			return err
		}
	} else {
		writeReplayText(formatter.Writer, result)
	}

	if !result.AllMatch {
		return NewExitError(ExitFailure, "replay diverged from stored snapshots")
	}
	return nil
}

func replayBody(ctx context.Context, st *store.Store, eng *engine.Engine, key string) ReplayBodyResult {
	br := ReplayBodyResult{BodyKey: key}
	if stored, err := st.ReadBody(ctx, key); err == nil {
		br.ElementID = stored.ElementID
		br.StoredHash = stored.Hash
	}

	res, err := eng.Replay(ctx, key)
	if err != nil {
		br.Error = err.Error()
		return br
	}
	br.State = string(res.State)
	br.Commands = res.Commands
	br.StoredHash = res.StoredHash
	br.ReplayedHash = res.ReplayedHash
	br.Match = res.Match()
	return br
}

func writeReplayText(w io.Writer, result ReplayResult) {
	if result.TotalBodies == 0 {
		fmt.Fprintln(w, "No bodies found in database.")
		return
	}
	fmt.Fprintf(w, "Replay summary: %d body(ies)\n\n", result.TotalBodies)
	for _, b := range result.Bodies {
		status := "ok  "
		if !b.Match {
			status = "DIFF"
		}
		fmt.Fprintf(w, "%s %s (%s) %s, %d command(s)\n", status, b.BodyKey, b.ElementID, b.State, b.Commands)
		if b.Error != "" {
			fmt.Fprintf(w, "     %s\n", b.Error)
		} else if !b.Match {
			fmt.Fprintf(w, "     stored %s\n     replay %s\n", b.StoredHash, b.ReplayedHash)
		}
	}
	if result.AllMatch {
		fmt.Fprintln(w, "\nAll snapshots reproduced.")
	} else {
		fmt.Fprintln(w, "\nReplay diverged.")
	}
}

// openExistingStore opens the store at path, or at store.path when path
// is empty. A missing file is an error rather than a new empty store.
func openExistingStore(path string, cfg *config.Config) (*store.Store, error) {
	if path == "" {
		path = cfg.Store.Path
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	return st, nil
}

// newOfflineEngine builds an engine for reading and replaying a store. Its
// protocol is an in-process one nothing ever drives.
func newOfflineEngine(st *store.Store, cfg *config.Config) (*engine.Engine, error) {
	evaluator, err := expression.New(expression.Dialect(cfg.Expression.Dialect))
	if err != nil {
		return nil, err
	}
	tree := scope.NewTree()
	return engine.New(st, tree,
		newController(evaluator, cfg),
		activation.NewLocal(tree, evaluator),
	), nil
}

func newController(evaluator expression.Evaluator, cfg *config.Config) *multiinstance.Controller {
	var opts []multiinstance.Option
	if cfg.Engine.ActivationBatchSize > 0 {
		opts = append(opts, multiinstance.WithActivationBatchSize(cfg.Engine.ActivationBatchSize))
	}
	if cfg.Engine.MaxCollectionSize > 0 {
		opts = append(opts, multiinstance.WithMaxCollectionSize(cfg.Engine.MaxCollectionSize))
	}
	return multiinstance.NewController(evaluator, opts...)
}
