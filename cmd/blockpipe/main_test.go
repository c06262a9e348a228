package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, version)
	assert.Contains(t, out, commit)
}

func TestImportRequiresFile(t *testing.T) {
	_, err := execute(t, "import")
	assert.Error(t, err)
}

func TestExportEmptyChain(t *testing.T) {
	t.Setenv("BLOCKPIPE_DB_ENGINE", "memory")
	t.Setenv("BLOCKPIPE_PROCESSING_PREWARM_WORKERS", "0")
	out := filepath.Join(t.TempDir(), "chain.rlp")

	_, err := execute(t, "export", "--from", "0", out)
	require.NoError(t, err)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.NotEmpty(t, data, "genesis is always exported")
}

func TestFixOnFreshDatabase(t *testing.T) {
	t.Setenv("BLOCKPIPE_DB_ENGINE", "memory")
	out, err := execute(t, "fix")
	require.NoError(t, err)
	assert.Contains(t, out, "head 0, best known 0")
}
