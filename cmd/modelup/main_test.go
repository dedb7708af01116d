package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelup/modelup/internal/catalog"
	"github.com/modelup/modelup/internal/codec"
	"github.com/modelup/modelup/internal/container"
	"github.com/modelup/modelup/internal/graph"
)

func writeV0(t *testing.T, dir string) string {
	t.Helper()
	e, ok := catalog.MustBundled().Get(0)
	require.True(t, ok)
	root := graph.NewTable("Model").
		With(0, graph.Uint32(0)).
		With(1, graph.Tables(graph.NewTable("Tensor").With(0, graph.Str("x")).With(3, graph.Bytes([]byte{9})))).
		With(2, graph.Tables(graph.NewTable("Operator").With(0, graph.Str("identity")).With(1, graph.Int32(0)))).
		With(3, graph.Tables(graph.NewTable("Edge").With(0, graph.Int32(0)).With(1, graph.Int32(0))))
	buf, err := codec.Write(root, e.Schema)
	require.NoError(t, err)
	path := filepath.Join(dir, "model.bin")
	require.NoError(t, os.WriteFile(path, buf, 0644))
	return path
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	args = append([]string{"--data-dir", t.TempDir(), "--log-level", "error"}, args...)
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVersions(t *testing.T) {
	code, out, _ := runCLI(t, "versions")
	require.Equal(t, 0, code)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "v0 "))
	assert.Contains(t, lines[1], "via extract-buffers")
	assert.Contains(t, lines[3], "via split-operator-params")
}

func TestVerify(t *testing.T) {
	code, out, errOut := runCLI(t, "verify")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "v0 -> v1: ok")
	assert.Contains(t, out, "v0 -> v3: ok")
}

func TestVerify_PairAndFiles(t *testing.T) {
	code, out, errOut := runCLI(t, "verify", "--from", "1")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "v1 -> v3: ok\n", out)

	code, _, errOut = runCLI(t, "verify", "--from", "8")
	assert.Equal(t, 4, code)
	assert.Contains(t, errOut, "UNSUPPORTED_SOURCE_VERSION")

	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.fbs")
	newPath := filepath.Join(dir, "new.fbs")
	require.NoError(t, os.WriteFile(oldPath, []byte("table T { a:int (id: 0); b:string (id: 1); }\nroot_type T;\n"), 0644))
	require.NoError(t, os.WriteFile(newPath, []byte("table T { a:int (id: 0); }\nroot_type T;\n"), 0644))

	code, out, errOut = runCLI(t, "verify", oldPath, newPath)
	assert.Equal(t, 8, code)
	assert.Contains(t, out, "FIELD_ID_REMOVED T.b (id 1)")
	assert.Contains(t, errOut, "INCOMPATIBLE_SCHEMA")

	code, _, _ = runCLI(t, "verify", oldPath)
	assert.Equal(t, 1, code)
}

func TestUpgradeAndInspect(t *testing.T) {
	dir := t.TempDir()
	in := writeV0(t, dir)
	out := filepath.Join(dir, "model.v3.bin")

	code, _, errOut := runCLI(t, "upgrade", in, "-o", out, "--compression", "snappy")
	require.Equal(t, 0, code, errOut)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, container.IsSnappy(data))

	code, text, errOut := runCLI(t, "inspect", out)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, text, "version:     3 (file_identifier)")
	assert.Contains(t, text, "container:   snappy")
	assert.Contains(t, text, "identity")
}

func TestUpgrade_ExplicitTarget(t *testing.T) {
	dir := t.TempDir()
	in := writeV0(t, dir)
	out := filepath.Join(dir, "model.v1.bin")

	code, _, errOut := runCLI(t, "upgrade", in, "-o", out, "--target", "1")
	require.Equal(t, 0, code, errOut)

	code, text, _ := runCLI(t, "inspect", out)
	require.Equal(t, 0, code)
	assert.Contains(t, text, "version:     1 (version_field)")
}

func TestUpgrade_FailedWriteLeavesNoOutput(t *testing.T) {
	dir := t.TempDir()
	in := writeV0(t, dir)
	blocked := filepath.Join(dir, "blocked")
	require.NoError(t, os.Mkdir(blocked, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(blocked, "keep"), []byte("x"), 0644))

	// Renaming a file onto a directory fails after the temp file is written.
	code, _, errOut := runCLI(t, "upgrade", in, "-o", blocked)
	assert.Equal(t, 10, code, errOut)
	assert.Contains(t, errOut, "STORAGE_FAILED")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"blocked", "model.bin"}, names, "no temporary files are left behind")
}

func TestUpgrade_ErrorsMapToExitCodes(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.bin")
	require.NoError(t, os.WriteFile(bad, []byte{1, 2}, 0644))

	code, _, errOut := runCLI(t, "upgrade", bad, "-o", filepath.Join(dir, "out.bin"))
	assert.Equal(t, 3, code)
	assert.Contains(t, errOut, "CORRUPT_BUFFER")

	in := writeV0(t, dir)
	code, _, errOut = runCLI(t, "upgrade", in, "-o", filepath.Join(dir, "out.bin"), "--source-version", "9")
	assert.Equal(t, 4, code)
	assert.Contains(t, errOut, "UNSUPPORTED_SOURCE_VERSION")

	code, _, errOut = runCLI(t, "upgrade", in, "-o", filepath.Join(dir, "out.bin"), "--target", "7")
	assert.Equal(t, 5, code)
	assert.Contains(t, errOut, "NO_MIGRATION_PATH")

	code, _, _ = runCLI(t, "upgrade", in)
	assert.Equal(t, 1, code, "missing --output is a usage error")
}

func TestBatch(t *testing.T) {
	dataDir := t.TempDir()
	storeDir := filepath.Join(dataDir, "storage", "fleet")
	require.NoError(t, os.MkdirAll(storeDir, 0755))
	writeV0(t, storeDir)

	var stdout, stderr bytes.Buffer
	code := run([]string{"--data-dir", dataDir, "--log-level", "error", "batch", "fleet/"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "1 upgraded, 0 skipped, 0 failed")

	_, err := os.Stat(filepath.Join(dataDir, "storage", "upgraded", "fleet", "model.bin"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dataDir, "ledger.db"))
	assert.NoError(t, err)

	stdout.Reset()
	code = run([]string{"--data-dir", dataDir, "--log-level", "error", "batch", "fleet/", "--skip-upgraded"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "0 upgraded, 1 skipped, 0 failed")
}
