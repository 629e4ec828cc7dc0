package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/mibody/internal/activation/natsbridge"
	"github.com/roach88/mibody/internal/compiler"
	"github.com/roach88/mibody/internal/config"
	"github.com/roach88/mibody/internal/engine"
	"github.com/roach88/mibody/internal/expression"
	"github.com/roach88/mibody/internal/incident"
	"github.com/roach88/mibody/internal/scope"
	"github.com/roach88/mibody/internal/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Database string

	// Conn replaces the NATS connection (for testing). If nil, serve
	// connects to nats.url.
	Conn natsbridge.Conn
	// Logger replaces the logger built from the config (for testing).
	Logger *zap.Logger
	// Ready is called once the engine has recovered and subscriptions are
	// live (for testing).
	Ready func(*engine.Engine)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve <specs-dir>",
		Short: "Run the engine against NATS workers",
		Long: `Run the engine loop with children handed to remote workers over NATS.

Subjects (prefix from nats.subject_prefix):
  <prefix>.body.activate    in   {request_id, element_id, variables}
  <prefix>.body.activated   out  {request_id, element_id, body_key, error}
  <prefix>.body.terminate   in   {body_key}
  <prefix>.body.trigger     in   {body_key, event_id, interrupting}
  <prefix>.activate         out  child activation requests
  <prefix>.terminate        out  child termination requests
  <prefix>.completed        in   {instance_key, variables}
  <prefix>.terminated       in   {instance_key}

Non-terminal bodies are recovered from the store before serving.

Examples:
  mibody serve ./specs
  MIBODY_NATS_URL=nats://localhost:4222 mibody serve ./specs --db ./mibody.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default store.path)")

	return cmd
}

func runServe(opts *ServeOptions, specsDir string, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Database != "" {
		cfg.Store.Path = opts.Database
	}

	logger := opts.Logger
	if logger == nil {
		if logger, err = opts.newLogger(cfg); err != nil {
			return WrapExitError(ExitCommandError, "failed to build logger", err)
		}
		defer func() { _ = logger.Sync() }()
	}

	evaluator, err := expression.New(expression.Dialect(cfg.Expression.Dialect))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid expression dialect", err)
	}

	loadResult, loadErrors := LoadDefinitions(specsDir, LoadModeFailFast)
	if len(loadErrors) > 0 {
		return WrapExitError(ExitCommandError, "failed to load definitions", loadErrors[0])
	}
	checker, _ := evaluator.(expression.Checker)
	if verrs := compiler.Validate(loadResult.Definitions, checker); len(verrs) > 0 {
		return WrapExitError(ExitFailure, fmt.Sprintf("%d invalid definition(s)", len(verrs)), verrs[0])
	}

	conn := opts.Conn
	if conn == nil {
		if cfg.NATS.URL == "" {
			return NewExitError(ExitCommandError, "serve requires nats.url (MIBODY_NATS_URL)")
		}
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("mibody"))
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to connect to NATS", err)
		}
		defer nc.Close()
		conn = natsbridge.WrapConn(nc)
	}

	reporter, flush, err := newReporter(cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up sentry", err)
	}
	defer flush()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", zap.Error(closeErr))
		}
	}()

	bridge := natsbridge.New(conn,
		natsbridge.WithSubjectPrefix(cfg.NATS.SubjectPrefix),
		natsbridge.WithLogger(logger.Named("natsbridge")),
	)
	tree := scope.NewTree()
	eng := engine.New(st, tree, newController(evaluator, cfg), bridge,
		engine.WithLogger(logger.Named("engine")),
		engine.WithReporter(reporter),
		engine.WithMaxSteps(cfg.Engine.MaxSteps),
	)

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	resumed, err := eng.Recover(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to recover bodies", err)
	}

	unsubscribeChildren, err := bridge.Subscribe(eng)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to subscribe", err)
	}
	gateway := NewGateway(conn, cfg.NATS.SubjectPrefix, eng, tree, loadResult.ByID(), logger.Named("gateway"))
	unsubscribeBodies, err := gateway.Subscribe()
	if err != nil {
		_ = unsubscribeChildren()
		return WrapExitError(ExitCommandError, "failed to subscribe", err)
	}

	logger.Info("serving",
		zap.String("db", cfg.Store.Path),
		zap.Int("definitions", len(loadResult.Definitions)),
		zap.Int("resumed_bodies", resumed),
		zap.String("subject_prefix", cfg.NATS.SubjectPrefix),
	)
	fmt.Fprintf(cmd.OutOrStdout(), "Serving %d definition(s), %d body(ies) resumed. Press Ctrl-C to stop.\n",
		len(loadResult.Definitions), resumed)
	if opts.Ready != nil {
		opts.Ready(eng)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := eng.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		eng.Stop()
		return errors.Join(unsubscribeBodies(), unsubscribeChildren())
	})

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "engine error", err)
	}
	logger.Info("engine stopped gracefully")
	return nil
}

// newReporter reports incidents to the log and, when sentry.dsn is set,
// to Sentry. flush waits for buffered Sentry events.
func newReporter(cfg *config.Config, logger *zap.Logger) (incident.Reporter, func(), error) {
	reporters := incident.Multi{incident.NewLogReporter(logger.Named("incident"))}
	if cfg.Sentry.DSN == "" {
		return reporters, func() {}, nil
	}
	sr, err := incident.NewSentryReporter(sentry.ClientOptions{
		Dsn:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
	})
	if err != nil {
		return nil, nil, err
	}
	return append(reporters, sr), func() { sr.Flush(2 * time.Second) }, nil
}
