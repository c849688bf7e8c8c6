package main

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainbox/chainbox/pkg/contracts"
)

func writeTail(t *testing.T, entries ...contracts.AuditEntry) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.ndjson")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	for _, e := range entries {
		line, err := json.Marshal(e)
		require.NoError(t, err)
		_, err = f.Write(append(line, '\n'))
		require.NoError(t, err)
	}
	return path
}

func TestRunExportWritesEvidencePack(t *testing.T) {
	tail := writeTail(t,
		contracts.AuditEntry{Fn: "Math.Add", TenantID: "acme", Outcome: contracts.OutcomeSuccess, TraceID: "t1"},
		contracts.AuditEntry{Fn: "Math.Add", TenantID: "globex", Outcome: contracts.OutcomeSuccess, TraceID: "t2"},
	)
	outPath := filepath.Join(t.TempDir(), "pack.zip")

	var stdout, stderr bytes.Buffer
	code := Run([]string{"chainbox", "export", "-tenant", "acme", "-tail", tail, "-out", outPath}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "sha256:")

	zr, err := zip.OpenReader(outPath)
	require.NoError(t, err)
	defer zr.Close()
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"entries.json", "manifest.json", "README.txt"}, names)
}

func TestRunExportRequiresTenantFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"chainbox", "export"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "-tenant is required")
}

func TestRunExportFailsWithoutTailFileConfigured(t *testing.T) {
	for _, k := range []string{"AUDIT_TAIL_PATH", "CHAINBOX_CONFIG_FILE"} {
		orig, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, orig)
			}
		})
	}

	var stdout, stderr bytes.Buffer
	code := Run([]string{"chainbox", "export", "-tenant", "acme"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "no audit tail file configured")
}

func TestRunExportRejectsMissingTailFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"chainbox", "export", "-tenant", "acme", "-tail", "/nonexistent/path.ndjson"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "open tail file")
}

func TestRunVersionAndHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, Run([]string{"chainbox", "version"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "chainbox v")

	stdout.Reset()
	assert.Equal(t, 0, Run([]string{"chainbox", "help"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "export")
}

func TestRunUnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"chainbox", "bogus"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), `unknown command "bogus"`)
}
