package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/mibody/internal/compiler"
	"github.com/roach88/mibody/internal/expression"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Dialect string // overrides expression.dialect
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid       bool                       `json:"valid"`
	Definitions int                        `json:"definitions"`
	Errors      []compiler.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <specs-dir>",
		Short: "Validate definitions and their expressions",
		Long: `Validate the multi_instance definitions of a CUE package.

Checks every definition field, parses every expression with the configured
dialect, rejects duplicate element ids and multi-instance elements nested
in each other in a cycle.

Exit codes:
  0 - All definitions valid
  1 - One or more definitions invalid
  2 - Command error (invalid path, bad config, etc.)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Dialect, "dialect", "", "expression dialect (expr|javascript); default from config")

	return cmd
}

func runValidate(opts *ValidateOptions, specsDir string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	dialect := opts.Dialect
	if dialect == "" {
		cfg, err := opts.loadConfig()
		if err != nil {
			return err
		}
		dialect = cfg.Expression.Dialect
	}
	evaluator, err := expression.New(expression.Dialect(dialect))
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}

	loadResult, loadErrors := LoadDefinitions(specsDir, LoadModeCollectAll)
	if loadResult == nil {
		var loadErr *LoadError
		if errors.As(loadErrors[0], &loadErr) {
			return formatter.Fail(ExitCommandError, loadErr.Code, loadErr.Message, nil)
		}
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, loadErrors[0].Error(), nil)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, specsDir)

	var validationErrors []compiler.ValidationError
	for _, err := range loadErrors {
		validationErrors = append(validationErrors, loadToValidationError(err))
	}

	checker, _ := evaluator.(expression.Checker)
	for _, def := range loadResult.Definitions {
		formatter.VerboseLog("Validating definition: %s", def.ElementID)
	}
	validationErrors = append(validationErrors, compiler.Validate(loadResult.Definitions, checker)...)

	result := ValidationResult{
		Valid:       len(validationErrors) == 0,
		Definitions: len(loadResult.Definitions),
		Errors:      validationErrors,
	}
	if result.Valid {
		if formatter.JSON() {
			return formatter.Success(result)
		}
		fmt.Fprintf(formatter.Writer, "All %d definition(s) valid\n", result.Definitions)
		return nil
	}
	return outputValidationErrors(formatter, result)
}

func loadToValidationError(err error) compiler.ValidationError {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		ve := compiler.ValidationError{Field: "load", Message: loadErr.Message, Code: loadErr.Code}
		if loadErr.Pos.IsValid() {
			ve.Line = loadErr.Pos.Line()
		}
		return ve
	}
	return compiler.ValidationError{Field: "load", Message: err.Error(), Code: ErrCodeGeneric}
}

// outputValidationErrors writes every validation error and returns an
// ExitFailure error.
func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	errs := result.Errors
	failure := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))

	if formatter.JSON() {
		if err := formatter.Respond(false, result, &CLIError{Code: errs[0].Code, Message: errs[0].Message}); err != nil {
			return err
		}
		return failure
	}

	fmt.Fprintln(formatter.Writer, "Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, ve := range errs {
		fmt.Fprintf(formatter.Writer, "  %s\n", ve.Error())
	}
	return failure
}
