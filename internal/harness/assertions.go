package harness

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/mibody/internal/ir"
)

// AssertionError is a failed assertion with enough context to debug it.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s %s\n", ev.Seq, ev.Body, ev.Kind, FormatPayload(ev.Payload))
		}
	}
	return buf.String()
}

// FormatPayload renders a record payload as {k=v ...} with canonical JSON
// values in key order.
func FormatPayload(p ir.IRObject) string {
	keys := p.SortedKeys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		data, err := ir.MarshalCanonical(p[k])
		if err != nil {
			data = []byte("?")
		}
		parts = append(parts, k+"="+string(data))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// matches reports whether ev is a record of kind for body (any body when
// empty) whose payload contains match.
func matches(ev TraceEvent, kind, body string, match map[string]any) bool {
	if ev.Kind != kind {
		return false
	}
	if body != "" && ev.Body != body {
		return false
	}
	for k, v := range match {
		want, err := ir.FromGo(v)
		if err != nil {
			return false
		}
		got, ok := ev.Payload[k]
		if !ok || !ir.Equal(got, want) {
			return false
		}
	}
	return true
}

func describe(a Assertion) string {
	var b strings.Builder
	b.WriteString(a.Kind)
	if a.Body != "" {
		fmt.Fprintf(&b, " of %s", a.Body)
	}
	if len(a.Match) > 0 {
		keys := make([]string, 0, len(a.Match))
		for k := range a.Match {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s=%v", k, a.Match[k])
		}
		fmt.Fprintf(&b, " with %s", strings.Join(parts, " "))
	}
	return b.String()
}

func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if matches(ev, a.Kind, a.Body, a.Match) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describe(a),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the kinds occur in order; other records may
// sit between them.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	pos := 0
	for _, kind := range a.Kinds {
		found := -1
		for i := pos; i < len(trace); i++ {
			if matches(trace[i], kind, a.Body, nil) {
				found = i
				break
			}
		}
		if found < 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("records in order: %v", a.Kinds),
				Actual:   fmt.Sprintf("no %s after position %d", kind, pos),
				Trace:    trace,
			}
		}
		pos = found + 1
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if matches(ev, a.Kind, a.Body, a.Match) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d records of %s", a.Count, describe(a)),
			Actual:   fmt.Sprintf("%d records", count),
			Trace:    trace,
		}
	}
	return nil
}

func assertBodyState(result *Result, a Assertion) error {
	got, ok := result.Bodies[a.Body]
	if !ok {
		got = "(never created)"
	}
	if got != a.State {
		return &AssertionError{
			Type:     AssertBodyState,
			Expected: fmt.Sprintf("body %s in state %s", a.Body, a.State),
			Actual:   got,
		}
	}
	return nil
}

func assertVariable(result *Result, a Assertion) error {
	want, err := ir.FromGo(a.Value)
	if err != nil {
		return fmt.Errorf("variable %s: %w", a.Name, err)
	}
	got, ok := result.Variables[a.Name]
	if !ok {
		return &AssertionError{
			Type:     AssertVariable,
			Expected: fmt.Sprintf("variable %s to be set", a.Name),
			Actual:   "not set",
		}
	}
	if !ir.Equal(got, want) {
		gotJSON, _ := ir.MarshalCanonical(got)
		wantJSON, _ := ir.MarshalCanonical(want)
		return &AssertionError{
			Type:     AssertVariable,
			Expected: fmt.Sprintf("%s = %s", a.Name, wantJSON),
			Actual:   fmt.Sprintf("%s = %s", a.Name, gotJSON),
		}
	}
	return nil
}

func assertIncident(result *Result, a Assertion) error {
	var codes []string
	for _, inc := range result.Incidents {
		if inc.Code == a.Code && (a.Body == "" || inc.Body == a.Body) {
			return nil
		}
		codes = append(codes, inc.Code)
	}
	return &AssertionError{
		Type:     AssertIncident,
		Expected: fmt.Sprintf("incident %s", a.Code),
		Actual:   fmt.Sprintf("incidents %v", codes),
	}
}

// EvaluateAssertions evaluates every assertion and returns the failure
// messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertBodyState:
			err = assertBodyState(result, a)
		case AssertVariable:
			err = assertVariable(result, a)
		case AssertIncident:
			err = assertIncident(result, a)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}
	return errors
}
