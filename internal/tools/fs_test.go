package tools

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stepflow-io/stepflow/internal/isolation"
	"github.com/stepflow-io/stepflow/pkg/flow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- test helpers ---

func newFSConfig(t *testing.T) (FSConfig, string) {
	t.Helper()
	dir := t.TempDir()
	return FSConfig{
		Limits: isolation.ResourceLimits{
			WritablePaths: []string{dir},
			ReadOnlyPaths: []string{dir},
		},
		MaxReadSize: 1024 * 1024,
	}, dir
}

func runFS(t *testing.T, cfg FSConfig, name string, params map[string]any) (map[string]any, error) {
	t.Helper()
	return invokeMap(t, findTool(t, FSTools(cfg), name), params)
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// --- FSTools factory ---

func TestFSTools_Count(t *testing.T) {
	cfg, _ := newFSConfig(t)
	list := FSTools(cfg)
	require.Len(t, list, 3)

	names := make([]string, len(list))
	for i, tool := range list {
		names[i] = tool.Name()
	}
	assert.Contains(t, names, "fs.read")
	assert.Contains(t, names, "fs.write")
	assert.Contains(t, names, "fs.list")
}

// --- fs.read ---

func TestFSRead_TextFile(t *testing.T) {
	cfg, dir := newFSConfig(t)
	path := filepath.Join(dir, "hello.txt")
	writeTestFile(t, path, "hello world")

	result, err := runFS(t, cfg, "fs.read", map[string]any{"path": path})
	require.NoError(t, err)
	assert.Equal(t, "hello world", result["content"])
	assert.Equal(t, "text", result["encoding"])
	assert.Equal(t, 11, result["size"])
	assert.Equal(t, path, result["path"])
}

func TestFSRead_BinaryFile_AutoEncoding(t *testing.T) {
	cfg, dir := newFSConfig(t)
	path := filepath.Join(dir, "data.bin")
	binData := []byte{0x89, 0x50, 0x4E, 0x47, 0x00, 0x0D, 0x0A, 0x1A}
	require.NoError(t, os.WriteFile(path, binData, 0o644))

	result, err := runFS(t, cfg, "fs.read", map[string]any{"path": path})
	require.NoError(t, err)
	assert.Equal(t, "base64", result["encoding"])
	decoded, decErr := base64.StdEncoding.DecodeString(result["content"].(string))
	require.NoError(t, decErr)
	assert.Equal(t, binData, decoded)
}

func TestFSRead_ForceBase64(t *testing.T) {
	cfg, dir := newFSConfig(t)
	path := filepath.Join(dir, "text.txt")
	writeTestFile(t, path, "plain text")

	result, err := runFS(t, cfg, "fs.read", map[string]any{
		"path":     path,
		"encoding": "base64",
	})
	require.NoError(t, err)
	assert.Equal(t, "base64", result["encoding"])
	decoded, decErr := base64.StdEncoding.DecodeString(result["content"].(string))
	require.NoError(t, decErr)
	assert.Equal(t, "plain text", string(decoded))
}

func TestFSRead_EmptyFile(t *testing.T) {
	cfg, dir := newFSConfig(t)
	path := filepath.Join(dir, "empty.txt")
	writeTestFile(t, path, "")

	result, err := runFS(t, cfg, "fs.read", map[string]any{"path": path})
	require.NoError(t, err)
	assert.Equal(t, "", result["content"])
	assert.Equal(t, "text", result["encoding"])
	assert.Equal(t, 0, result["size"])
}

func TestFSRead_MissingPath(t *testing.T) {
	cfg, _ := newFSConfig(t)
	_, err := runFS(t, cfg, "fs.read", map[string]any{})
	requireFlowError(t, err, flow.ErrCodeValidation)
}

func TestFSRead_InvalidEncoding(t *testing.T) {
	cfg, dir := newFSConfig(t)
	path := filepath.Join(dir, "hello.txt")
	writeTestFile(t, path, "hello")

	_, err := runFS(t, cfg, "fs.read", map[string]any{
		"path":     path,
		"encoding": "gzip",
	})
	requireFlowError(t, err, flow.ErrCodeValidation)
}

func TestFSRead_FileNotFound(t *testing.T) {
	cfg, dir := newFSConfig(t)
	_, err := runFS(t, cfg, "fs.read", map[string]any{
		"path": filepath.Join(dir, "nonexistent.txt"),
	})
	requireFlowError(t, err, flow.ErrCodeToolFailed)
}

func TestFSRead_DeniedPath(t *testing.T) {
	cfg, _ := newFSConfig(t)
	denied := t.TempDir()
	cfg.Limits.DenyPaths = []string{denied}
	path := filepath.Join(denied, "secret.txt")
	writeTestFile(t, path, "secret")

	_, err := runFS(t, cfg, "fs.read", map[string]any{"path": path})
	requireFlowError(t, err, flow.ErrCodePathDenied)
}

func TestFSRead_OutsideAllowedPaths(t *testing.T) {
	cfg, _ := newFSConfig(t)
	outside := t.TempDir()
	path := filepath.Join(outside, "file.txt")
	writeTestFile(t, path, "data")

	_, err := runFS(t, cfg, "fs.read", map[string]any{"path": path})
	requireFlowError(t, err, flow.ErrCodePathDenied)
}

func TestFSRead_TruncatesAtMaxReadSize(t *testing.T) {
	cfg, dir := newFSConfig(t)
	cfg.MaxReadSize = 16
	path := filepath.Join(dir, "big.txt")
	writeTestFile(t, path, strings.Repeat("A", 100))

	result, err := runFS(t, cfg, "fs.read", map[string]any{"path": path})
	require.NoError(t, err)
	assert.Equal(t, 16, result["size"])
	assert.Equal(t, strings.Repeat("A", 16), result["content"])
}

// --- fs.write ---

func TestFSWrite_RoundTrip(t *testing.T) {
	cfg, dir := newFSConfig(t)
	path := filepath.Join(dir, "out.txt")

	result, err := runFS(t, cfg, "fs.write", map[string]any{
		"path":    path,
		"content": "written by test",
	})
	require.NoError(t, err)
	assert.Equal(t, path, result["path"])
	assert.Equal(t, 15, result["size"])

	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, "written by test", string(data))
}

func TestFSWrite_Overwrites(t *testing.T) {
	cfg, dir := newFSConfig(t)
	path := filepath.Join(dir, "out.txt")
	writeTestFile(t, path, "old content")

	_, err := runFS(t, cfg, "fs.write", map[string]any{
		"path":    path,
		"content": "new",
	})
	require.NoError(t, err)

	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, "new", string(data))
}

func TestFSWrite_CreateDirs(t *testing.T) {
	cfg, dir := newFSConfig(t)
	path := filepath.Join(dir, "a", "b", "deep.txt")

	_, err := runFS(t, cfg, "fs.write", map[string]any{
		"path":       path,
		"content":    "nested",
		"createDirs": true,
	})
	require.NoError(t, err)

	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, "nested", string(data))
}

func TestFSWrite_NoCreateDirs(t *testing.T) {
	cfg, dir := newFSConfig(t)
	path := filepath.Join(dir, "missing", "deep.txt")

	_, err := runFS(t, cfg, "fs.write", map[string]any{
		"path":    path,
		"content": "nested",
	})
	requireFlowError(t, err, flow.ErrCodeToolFailed)
}

func TestFSWrite_Mode(t *testing.T) {
	cfg, dir := newFSConfig(t)
	path := filepath.Join(dir, "script.sh")

	_, err := runFS(t, cfg, "fs.write", map[string]any{
		"path":    path,
		"content": "#!/bin/sh\n",
		"mode":    0o755,
	})
	require.NoError(t, err)

	info, statErr := os.Stat(path)
	require.NoError(t, statErr)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestFSWrite_MissingContent(t *testing.T) {
	cfg, dir := newFSConfig(t)
	_, err := runFS(t, cfg, "fs.write", map[string]any{
		"path": filepath.Join(dir, "out.txt"),
	})
	requireFlowError(t, err, flow.ErrCodeValidation)
}

func TestFSWrite_DeniedPath(t *testing.T) {
	cfg, _ := newFSConfig(t)
	outside := t.TempDir()

	_, err := runFS(t, cfg, "fs.write", map[string]any{
		"path":    filepath.Join(outside, "out.txt"),
		"content": "nope",
	})
	requireFlowError(t, err, flow.ErrCodePathDenied)
}

func TestFSWrite_ReadOnlyPathDenied(t *testing.T) {
	readOnly := t.TempDir()
	cfg := FSConfig{
		Limits: isolation.ResourceLimits{
			ReadOnlyPaths: []string{readOnly},
		},
	}

	_, err := runFS(t, cfg, "fs.write", map[string]any{
		"path":    filepath.Join(readOnly, "out.txt"),
		"content": "nope",
	})
	requireFlowError(t, err, flow.ErrCodePathDenied)
}

// --- fs.list ---

func TestFSList_Flat(t *testing.T) {
	cfg, dir := newFSConfig(t)
	writeTestFile(t, filepath.Join(dir, "a.txt"), "aaa")
	writeTestFile(t, filepath.Join(dir, "b.txt"), "b")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	result, err := runFS(t, cfg, "fs.list", map[string]any{"path": dir})
	require.NoError(t, err)
	assert.Equal(t, 3, result["count"])

	entries, ok := result["entries"].([]map[string]any)
	require.True(t, ok, "entries should be []map, got %T", result["entries"])
	require.Len(t, entries, 3)

	byName := make(map[string]map[string]any, len(entries))
	for _, e := range entries {
		byName[e["name"].(string)] = e
	}
	assert.Equal(t, int64(3), byName["a.txt"]["size"])
	assert.Equal(t, false, byName["a.txt"]["isDir"])
	assert.Equal(t, true, byName["sub"]["isDir"])
	assert.NotEmpty(t, byName["a.txt"]["modifiedAt"])
}

func TestFSList_Pattern(t *testing.T) {
	cfg, dir := newFSConfig(t)
	writeTestFile(t, filepath.Join(dir, "one.txt"), "1")
	writeTestFile(t, filepath.Join(dir, "two.txt"), "2")
	writeTestFile(t, filepath.Join(dir, "three.log"), "3")

	result, err := runFS(t, cfg, "fs.list", map[string]any{
		"path":    dir,
		"pattern": "*.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result["count"])
}

func TestFSList_Recursive(t *testing.T) {
	cfg, dir := newFSConfig(t)
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	writeTestFile(t, filepath.Join(dir, "top.txt"), "t")
	writeTestFile(t, filepath.Join(sub, "nested.txt"), "n")

	result, err := runFS(t, cfg, "fs.list", map[string]any{
		"path":      dir,
		"recursive": true,
	})
	require.NoError(t, err)
	// top.txt, sub, sub/nested.txt
	assert.Equal(t, 3, result["count"])
}

func TestFSList_RecursivePattern(t *testing.T) {
	cfg, dir := newFSConfig(t)
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	writeTestFile(t, filepath.Join(dir, "top.txt"), "t")
	writeTestFile(t, filepath.Join(sub, "nested.txt"), "n")
	writeTestFile(t, filepath.Join(sub, "other.log"), "o")

	result, err := runFS(t, cfg, "fs.list", map[string]any{
		"path":      dir,
		"recursive": true,
		"pattern":   "*.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result["count"])
}

func TestFSList_EmptyDir(t *testing.T) {
	cfg, dir := newFSConfig(t)

	result, err := runFS(t, cfg, "fs.list", map[string]any{"path": dir})
	require.NoError(t, err)
	assert.Equal(t, 0, result["count"])

	entries, ok := result["entries"].([]map[string]any)
	require.True(t, ok)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestFSList_MissingPath(t *testing.T) {
	cfg, _ := newFSConfig(t)
	_, err := runFS(t, cfg, "fs.list", map[string]any{})
	requireFlowError(t, err, flow.ErrCodeValidation)
}

func TestFSList_DeniedPath(t *testing.T) {
	cfg, _ := newFSConfig(t)
	outside := t.TempDir()

	_, err := runFS(t, cfg, "fs.list", map[string]any{"path": outside})
	requireFlowError(t, err, flow.ErrCodePathDenied)
}
