package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/mibody/internal/compiler"
	"github.com/roach88/mibody/internal/ir"
)

// LoadMode controls how errors are handled during loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll compiles every definition and returns all errors.
	LoadModeCollectAll
)

// LoadResult holds the definitions loaded from a directory.
type LoadResult struct {
	Definitions []ir.MultiInstanceDefinition
	CUEValue    cue.Value
	FileCount   int
}

// ByID indexes the definitions by element id. Later duplicates win;
// validate reports them.
func (r *LoadResult) ByID() map[string]ir.MultiInstanceDefinition {
	out := make(map[string]ir.MultiInstanceDefinition, len(r.Definitions))
	for _, d := range r.Definitions {
		out[d.ElementID] = d
	}
	return out
}

// LoadError is a loading failure with its CUE position, if known.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadDefinitions loads the CUE package in dir and compiles every
// definition under multi_instance. A nil result means nothing could be
// compiled at all; otherwise errors are per-definition.
func LoadDefinitions(dir string, mode LoadMode) (*LoadResult, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("specs directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing specs directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(cueFiles) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}

	value := cuecontext.New().BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{convertCompileError(err, ErrCodeBuildFailed)}
	}

	result := &LoadResult{CUEValue: value, FileCount: len(cueFiles)}

	root := value.LookupPath(cue.ParsePath(compiler.RootField))
	if !root.Exists() {
		return result, []error{&LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("no %s definitions found in %s", compiler.RootField, dir)}}
	}
	iter, err := root.Fields()
	if err != nil {
		return result, []error{convertCompileError(err, ErrCodeBuildFailed)}
	}

	var errs []error
	for iter.Next() {
		def, err := compiler.CompileDefinition(iter.Value())
		if err != nil {
			errs = append(errs, convertCompileError(err, ErrCodeGeneric))
			if mode == LoadModeFailFast {
				return result, errs
			}
			continue
		}
		result.Definitions = append(result.Definitions, *def)
	}
	if len(result.Definitions) == 0 && len(errs) == 0 {
		errs = append(errs, &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("no %s definitions found in %s", compiler.RootField, dir)})
	}
	return result, errs
}

// FindCUEFiles walks dir and returns every .cue file.
func FindCUEFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".cue" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// convertCompileError turns a compiler error into a LoadError keeping its
// position. fallback is used for errors without a field.
func convertCompileError(err error, fallback string) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		code := MapFieldToErrorCode(compileErr.Field)
		if code == ErrCodeGeneric {
			code = fallback
		}
		msg := compileErr.Message
		if compileErr.Field != "cue" {
			msg = compileErr.Field + ": " + msg
		}
		return &LoadError{Code: code, Message: msg, Pos: compileErr.Pos}
	}
	return &LoadError{Code: fallback, Message: err.Error()}
}

// Error codes shared by every command. Definition problems reuse the
// compiler's E1xx codes.
const (
	ErrCodeGeneric     = "E001" // unknown error
	ErrCodeScanError   = "E002" // directory scan failed
	ErrCodeNoFiles     = "E003" // no CUE files
	ErrCodeLoadFailed  = "E004" // cue load failed
	ErrCodeNotFound    = "E005" // path not found
	ErrCodeBuildFailed = "E006" // cue build failed
	ErrCodeWriteFailed = "E007" // file write failed
	ErrCodeStore       = "E008" // store open or read failed
)

// MapFieldToErrorCode maps a CompileError field to an error code.
func MapFieldToErrorCode(field string) string {
	switch field {
	case "element_id":
		return compiler.ErrElementIDEmpty
	case "mode":
		return compiler.ErrInvalidMode
	case "input_collection":
		return compiler.ErrInputCollectionEmpty
	case "input_element", "completion_condition", "output_element", "output_collection", "properties":
		return compiler.ErrUnclassifiedDefinition
	case "child", "id":
		return compiler.ErrChildIDEmpty
	case "type":
		return compiler.ErrInvalidElementType
	case "source", "target":
		return compiler.ErrInvalidMapping
	default:
		return ErrCodeGeneric
	}
}
