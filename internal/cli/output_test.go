package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeResponse(t *testing.T, buf *bytes.Buffer) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp), buf.String())
	return resp
}

func TestOutputFormatter_JSON(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, f.Success(map[string]int{"definitions": 2}))
	resp := decodeResponse(t, buf)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"definitions": float64(2)}, resp.Data)

	buf.Reset()
	require.NoError(t, f.Error("E005", "specs directory not found", map[string]string{"dir": "x"}))
	resp = decodeResponse(t, buf)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E005", resp.Error.Code)
	assert.Equal(t, "specs directory not found", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_Text(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, f.Success("2 definition(s) valid"))
	assert.Equal(t, "2 definition(s) valid\n", buf.String())

	buf.Reset()
	require.NoError(t, f.Error("E001", "boom", map[string]string{"a": "b"}))
	assert.Equal(t, "Error [E001]: boom\n", buf.String())

	buf.Reset()
	f.Verbose = true
	require.NoError(t, f.Error("E001", "boom", map[string]string{"a": "b"}))
	assert.Contains(t, buf.String(), "Details: map[a:b]")
}

func TestOutputFormatter_Fail(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	err := f.Fail(ExitCommandError, "E004", "loading CUE files", nil)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.EqualError(t, err, "E004: loading CUE files")
	assert.Equal(t, "E004", decodeResponse(t, buf).Error.Code)
}

func TestOutputFormatter_Respond(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, f.Respond(false, []int{1}, &CLIError{Code: "E_REPLAY", Message: "diverged"}))
	resp := decodeResponse(t, buf)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, []any{float64(1)}, resp.Data)
	assert.Equal(t, "E_REPLAY", resp.Error.Code)

	buf.Reset()
	require.NoError(t, f.Respond(true, nil, &CLIError{Code: "unused"}))
	resp = decodeResponse(t, buf)
	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		want    string
	}{
		{"enabled", true, "loading review.cue\n"},
		{"disabled", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, diag := &bytes.Buffer{}, &bytes.Buffer{}
			f := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag, Verbose: tt.verbose}

			f.VerboseLog("loading %s", "review.cue")

			assert.Empty(t, out.String())
			assert.Equal(t, tt.want, diag.String())
		})
	}
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"exit error", NewExitError(ExitCommandError, "bad path"), ExitCommandError},
		{"wrapped exit error", fmt.Errorf("outer: %w", NewExitError(ExitFailure, "failed")), ExitFailure},
		{"plain error", errors.New("boom"), ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestWrapExitError(t *testing.T) {
	cause := errors.New("no such file")
	err := WrapExitError(ExitCommandError, "failed to open store", cause)

	assert.EqualError(t, err, "failed to open store: no such file")
	assert.ErrorIs(t, err, cause)
}
