package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	specsDir     = filepath.Join("..", "harness", "testdata", "specs")
	scenariosDir = filepath.Join("..", "harness", "testdata", "scenarios")
)

// execute runs the root command with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// writeFiles writes name -> content under a fresh temp dir.
func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

// decodeData decodes a JSON CLIResponse and re-decodes its data into v.
func decodeData(t *testing.T, out string, v any) CLIResponse {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
	return resp
}

// reviewSpecPath is the absolute path of the shared review spec, for
// scenarios written outside the testdata tree.
func reviewSpecPath(t *testing.T) string {
	t.Helper()
	p, err := filepath.Abs(filepath.Join(specsDir, "review.cue"))
	require.NoError(t, err)
	return p
}
