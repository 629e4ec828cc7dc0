package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/mibody/internal/ir"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompilationResult holds the compiled definitions.
type CompilationResult struct {
	Definitions []ir.MultiInstanceDefinition `json:"definitions"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <specs-dir>",
		Short: "Compile CUE definitions to canonical IR",
		Long: `Compile the multi_instance definitions of a CUE package to IR.

With --output the definitions are written as canonical JSON: sorted keys,
no insignificant whitespace, NFC-normalised strings.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, specsDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	loadResult, loadErrors := LoadDefinitions(specsDir, LoadModeCollectAll)
	if loadResult == nil {
		var loadErr *LoadError
		if errors.As(loadErrors[0], &loadErr) {
			return formatter.Fail(ExitCommandError, loadErr.Code, loadErr.Message, nil)
		}
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, loadErrors[0].Error(), nil)
	}

	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, specsDir)
	for _, def := range loadResult.Definitions {
		formatter.VerboseLog("Compiled definition: %s", def.ElementID)
	}

	if len(loadErrors) > 0 {
		return outputCompileErrors(formatter, loadErrors)
	}

	result := &CompilationResult{Definitions: loadResult.Definitions}

	if opts.Output != "" {
		if err := writeCanonical(result, opts.Output); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err), nil)
		}
	}

	if formatter.JSON() {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "Compiled %d definition(s)\n\n", len(result.Definitions))
	for _, def := range result.Definitions {
		fmt.Fprintf(w, "  %s: %s over %s, child %s (%s)\n",
			def.ElementID, def.Mode, def.InputCollection, def.Child.ID, def.Child.Type)
	}
	if opts.Output != "" {
		fmt.Fprintf(w, "\nWrote canonical IR to %s\n", opts.Output)
	}
	return nil
}

// outputCompileErrors writes every load error. In JSON the first one is
// the response error and all of them are the data.
func outputCompileErrors(formatter *OutputFormatter, errs []error) error {
	cliErrors := make([]CLIError, len(errs))
	for i, err := range errs {
		cliErrors[i] = toCLIError(err)
	}

	failure := NewExitError(ExitCommandError,
		fmt.Sprintf("compilation failed with %d error(s), first %s", len(errs), cliErrors[0].Code))

	if formatter.JSON() {
		if err := formatter.Respond(false, cliErrors, &cliErrors[0]); err != nil {
			return err
		}
		return failure
	}

	fmt.Fprintln(formatter.Writer, "Compilation failed")
	fmt.Fprintln(formatter.Writer)
	for _, err := range errs {
		var loadErr *LoadError
		if errors.As(err, &loadErr) && loadErr.Pos.IsValid() {
			fmt.Fprintf(formatter.Writer, "%s:%d:%d\n",
				loadErr.Pos.Filename(), loadErr.Pos.Line(), loadErr.Pos.Column())
		}
		ce := toCLIError(err)
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", ce.Code, ce.Message)
	}
	return failure
}

func toCLIError(err error) CLIError {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return CLIError{Code: loadErr.Code, Message: loadErr.Message}
	}
	return CLIError{Code: ErrCodeGeneric, Message: err.Error()}
}

// writeCanonical writes result as canonical JSON.
func writeCanonical(result *CompilationResult, filename string) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling IR: %w", err)
	}
	val, err := ir.UnmarshalIRValue(data)
	if err != nil {
		return fmt.Errorf("converting IR: %w", err)
	}
	canonical, err := ir.MarshalCanonical(val)
	if err != nil {
		return fmt.Errorf("canonicalizing IR: %w", err)
	}
	return os.WriteFile(filename, canonical, 0o644)
}
