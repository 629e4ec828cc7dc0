package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/mibody/internal/harness"
	"github.com/roach88/mibody/internal/ir"
	"github.com/roach88/mibody/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	BodyKey  string // optional - all bodies when empty
	Kind     string // optional - filter to one record kind
}

// TraceBody summarises a body's stored snapshot.
type TraceBody struct {
	Key       string `json:"key"`
	ElementID string `json:"element_id"`
	State     string `json:"state"`
	Seq       int64  `json:"seq"`
}

// TraceResult holds the trace output.
type TraceResult struct {
	Bodies    []TraceBody   `json:"bodies"`
	Records   []ir.Record   `json:"records"`
	Incidents []ir.Incident `json:"incidents"`
	Stats     TraceStats    `json:"stats"`
}

// TraceStats counts records per kind.
type TraceStats struct {
	TotalRecords int            `json:"total_records"`
	ByKind       map[string]int `json:"by_kind"`
	Incidents    int            `json:"incidents"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the recorded trace of bodies",
		Long: `Show the trace records and incidents stored for one body or all of them.

Records are shown in seq order: body transitions, child activations,
completions, terminations and skips, variable writes, paused fan-outs and
ignored triggers.

Examples:
  mibody trace --db ./mibody.db
  mibody trace --db ./mibody.db --body 0190c6b2-...
  mibody trace --db ./mibody.db --kind variable_written --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default store.path)")
	cmd.Flags().StringVar(&opts.BodyKey, "body", "", "body key to trace")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "filter to one record kind")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	st, err := openExistingStore(opts.Database, cfg)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, err.Error(), nil)
	}
	defer st.Close()

	result, err := buildTrace(ctx, st, opts.BodyKey, ir.RecordKind(opts.Kind))
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, err.Error(), nil)
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}
	writeTraceText(formatter.Writer, result)
	return nil
}

func buildTrace(ctx context.Context, st *store.Store, bodyKey string, kind ir.RecordKind) (TraceResult, error) {
	result := TraceResult{
		Bodies:    []TraceBody{},
		Records:   []ir.Record{},
		Incidents: []ir.Incident{},
		Stats:     TraceStats{ByKind: map[string]int{}},
	}

	var bodies []ir.StoredBody
	if bodyKey != "" {
		// A body whose activation raised an incident has no snapshot.
		b, err := st.ReadBody(ctx, bodyKey)
		switch {
		case err == nil:
			bodies = []ir.StoredBody{b}
		case !errors.Is(err, sql.ErrNoRows):
			return result, fmt.Errorf("body %s: %w", bodyKey, err)
		}
	} else {
		var err error
		if bodies, err = st.ReadBodies(ctx); err != nil {
			return result, err
		}
	}
	for _, b := range bodies {
		result.Bodies = append(result.Bodies, TraceBody{Key: b.Key, ElementID: b.ElementID, State: b.State, Seq: b.Seq})
	}

	records, err := st.ReadRecords(ctx, bodyKey)
	if err != nil {
		return result, err
	}
	for _, r := range records {
		if kind != "" && r.Kind != kind {
			continue
		}
		result.Records = append(result.Records, r)
		result.Stats.ByKind[string(r.Kind)]++
	}
	result.Stats.TotalRecords = len(result.Records)

	incidents, err := st.ReadIncidents(ctx, bodyKey)
	if err != nil {
		return result, err
	}
	result.Incidents = append(result.Incidents, incidents...)
	result.Stats.Incidents = len(incidents)
	return result, nil
}

func writeTraceText(w io.Writer, result TraceResult) {
	fmt.Fprintln(w, "=== Bodies ===")
	if len(result.Bodies) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, b := range result.Bodies {
		fmt.Fprintf(w, "  %s %s %s\n", b.Key, b.ElementID, b.State)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Records ===")
	if len(result.Records) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, r := range result.Records {
		fmt.Fprintf(w, "  [%d] %s %s %s\n", r.Seq, r.BodyKey, r.Kind, harness.FormatPayload(r.Payload))
	}

	if len(result.Incidents) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "=== Incidents ===")
		for _, inc := range result.Incidents {
			fmt.Fprintf(w, "  [%d] %s %s: %s\n", inc.Seq, inc.BodyKey, inc.Code, inc.Message)
		}
	}

	fmt.Fprintf(w, "\n%d record(s), %d incident(s)\n", result.Stats.TotalRecords, result.Stats.Incidents)
}
