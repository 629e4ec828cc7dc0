// Package compiler turns multi-instance definitions authored in CUE into
// ir.MultiInstanceDefinition values and validates them.
//
// Definitions live under the top-level multi_instance struct, keyed by
// element id:
//
//	multi_instance: review: {
//		mode:                 "parallel"
//		input_collection:     "= reviewers"
//		input_element:        "reviewer"
//		completion_condition: "= approved"
//		output_element:       "= decision"
//		output_collection:    "decisions"
//		child: {
//			id:   "review-task"
//			type: "user_task"
//		}
//	}
package compiler

import (
	"fmt"
	"strconv"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/mibody/internal/ir"
)

// RootField is the top-level field holding the definitions.
const RootField = "multi_instance"

// CompileSource compiles the definitions in one CUE source.
func CompileSource(filename string, src []byte) ([]ir.MultiInstanceDefinition, error) {
	v := cuecontext.New().CompileBytes(src, cue.Filename(filename))
	return CompileDefinitions(v)
}

// CompileDefinitions compiles every definition under RootField of v, in
// declaration order. A value without RootField yields no definitions.
func CompileDefinitions(v cue.Value) ([]ir.MultiInstanceDefinition, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	root := v.LookupPath(cue.ParsePath(RootField))
	if !root.Exists() {
		return []ir.MultiInstanceDefinition{}, nil
	}

	iter, err := root.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	defs := []ir.MultiInstanceDefinition{}
	for iter.Next() {
		def, err := CompileDefinition(iter.Value())
		if err != nil {
			return nil, err
		}
		defs = append(defs, *def)
	}
	return defs, nil
}

// CompileDefinition parses one definition struct. The element id is the
// struct's label unless an element_id field overrides it.
func CompileDefinition(v cue.Value) (*ir.MultiInstanceDefinition, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	def := &ir.MultiInstanceDefinition{Mode: ir.LoopParallel}
	if sels := v.Path().Selectors(); len(sels) > 0 {
		def.ElementID = unquote(sels[len(sels)-1].String())
	}

	var err error
	if def.ElementID, err = stringField(v, "element_id", def.ElementID); err != nil {
		return nil, err
	}
	mode, err := stringField(v, "mode", string(def.Mode))
	if err != nil {
		return nil, err
	}
	def.Mode = ir.LoopMode(mode)

	input := v.LookupPath(cue.ParsePath("input_collection"))
	if !input.Exists() {
		return nil, &CompileError{Field: "input_collection", Message: "input_collection is required", Pos: v.Pos()}
	}
	if def.InputCollection, err = stringField(v, "input_collection", ""); err != nil {
		return nil, err
	}
	if def.InputElement, err = stringField(v, "input_element", ""); err != nil {
		return nil, err
	}
	if def.CompletionCondition, err = stringField(v, "completion_condition", ""); err != nil {
		return nil, err
	}
	if def.OutputElement, err = stringField(v, "output_element", ""); err != nil {
		return nil, err
	}
	if def.OutputCollection, err = stringField(v, "output_collection", ""); err != nil {
		return nil, err
	}

	child := v.LookupPath(cue.ParsePath("child"))
	if !child.Exists() {
		return nil, &CompileError{Field: "child", Message: "child is required", Pos: v.Pos()}
	}
	if def.Child, err = compileElement(child); err != nil {
		return nil, err
	}
	return def, nil
}

func compileElement(v cue.Value) (ir.ElementRef, error) {
	var el ir.ElementRef
	var err error

	if el.ID, err = stringField(v, "id", ""); err != nil {
		return el, err
	}
	typ, err := stringField(v, "type", "")
	if err != nil {
		return el, err
	}
	el.Type = ir.ElementType(typ)

	if props := v.LookupPath(cue.ParsePath("properties")); props.Exists() {
		obj, err := toIRObject(props)
		if err != nil {
			return el, err
		}
		el.Properties = obj
	}
	if el.InputMappings, err = compileMappings(v, "input_mappings"); err != nil {
		return el, err
	}
	if el.OutputMappings, err = compileMappings(v, "output_mappings"); err != nil {
		return el, err
	}
	return el, nil
}

func compileMappings(v cue.Value, field string) ([]ir.Mapping, error) {
	list := v.LookupPath(cue.ParsePath(field))
	if !list.Exists() {
		return nil, nil
	}
	iter, err := list.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var out []ir.Mapping
	for iter.Next() {
		var m ir.Mapping
		if m.Source, err = stringField(iter.Value(), "source", ""); err != nil {
			return nil, err
		}
		if m.Target, err = stringField(iter.Value(), "target", ""); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// stringField returns the string at field, or def when it is absent.
func stringField(v cue.Value, field, def string) (string, error) {
	f := v.LookupPath(cue.ParsePath(field))
	if !f.Exists() {
		return def, nil
	}
	s, err := f.String()
	if err != nil {
		return "", &CompileError{Field: field, Message: "must be a string", Pos: f.Pos()}
	}
	return s, nil
}

// toIRObject converts a concrete CUE struct through JSON, so integers keep
// full precision and decimals become IRFloat the same way as everywhere else.
func toIRObject(v cue.Value) (ir.IRObject, error) {
	data, err := v.MarshalJSON()
	if err != nil {
		return nil, formatCUEError(err)
	}
	val, err := ir.UnmarshalIRValue(data)
	if err != nil {
		return nil, &CompileError{Field: "properties", Message: err.Error(), Pos: v.Pos()}
	}
	obj, ok := val.(ir.IRObject)
	if !ok {
		return nil, &CompileError{Field: "properties", Message: fmt.Sprintf("must be a struct, got %s", ir.TypeName(val)), Pos: v.Pos()}
	}
	return obj, nil
}

func unquote(label string) string {
	if s, err := strconv.Unquote(label); err == nil {
		return s
	}
	return label
}

// CompileError is a compilation error with its source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError turns the first CUE error into a CompileError carrying
// its position.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return err
}
