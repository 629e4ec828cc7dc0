package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "mibody", cmd.Use)
	assert.Contains(t, cmd.Long, "multi_instance")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"compile", "validate", "run", "test", "replay", "trace", "serve"} {
		t.Run(name, func(t *testing.T) {
			found, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, found.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()
	flags := cmd.PersistentFlags()

	verbose := flags.Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)
	assert.Equal(t, "false", verbose.DefValue)

	format := flags.Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)

	require.NotNil(t, flags.Lookup("config"))
}

func TestCommandFlags(t *testing.T) {
	tests := map[string][]string{
		"compile":  {"output"},
		"validate": {"dialect"},
		"run":      {"db"},
		"test":     {"update", "filter", "golden"},
		"replay":   {"db", "body", "batch-size"},
		"trace":    {"db", "body", "kind"},
		"serve":    {"db"},
	}
	root := NewRootCommand()
	for name, flags := range tests {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		for _, f := range flags {
			assert.NotNil(t, cmd.Flags().Lookup(f), "%s --%s", name, f)
		}
	}
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "compile", specsDir, "--format", "yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "yaml"`)
}

func TestConfigFileErrors(t *testing.T) {
	_, err := execute(t, "replay", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestConfigFileSetsStorePath(t *testing.T) {
	db := emptyStore(t)
	dir := writeFiles(t, map[string]string{"mibody.yaml": "store:\n  path: " + db + "\n"})

	out, err := execute(t, "trace", "--config", filepath.Join(dir, "mibody.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "0 record(s), 0 incident(s)")
}

func TestGetExitCodePlainError(t *testing.T) {
	_, err := execute(t, "compile")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}
