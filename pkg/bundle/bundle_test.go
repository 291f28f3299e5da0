package bundle

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/errors"
)

func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func makeTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func readWorkspaceFile(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	return string(data)
}

func TestSniff(t *testing.T) {
	zipData := makeZip(t, map[string]string{"a.txt": "a"})
	format, err := Sniff(zipData)
	require.NoError(t, err)
	assert.Equal(t, FormatZip, format)

	tarData := makeTarGz(t, map[string]string{"a.txt": "a"})
	format, err = Sniff(tarData)
	require.NoError(t, err)
	assert.Equal(t, FormatTarGz, format)

	_, err = Sniff([]byte("#!/bin/sh\necho nope"))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.BadBundle))

	_, err = Sniff(nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.BadBundle))
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	data := makeZip(t, map[string]string{
		"run.sh":          "echo hello",
		"src/main.py":     "print('hi')",
		"src/lib/util.py": "x = 1",
	})

	require.NoError(t, Extract(data, dir))
	assert.Equal(t, "echo hello", readWorkspaceFile(t, dir, "run.sh"))
	assert.Equal(t, "print('hi')", readWorkspaceFile(t, dir, "src/main.py"))
	assert.Equal(t, "x = 1", readWorkspaceFile(t, dir, "src/lib/util.py"))
}

func TestExtractTarGz(t *testing.T) {
	dir := t.TempDir()
	data := makeTarGz(t, map[string]string{
		"run.sh":      "echo hello",
		"src/main.go": "package main",
	})

	require.NoError(t, Extract(data, dir))
	assert.Equal(t, "echo hello", readWorkspaceFile(t, dir, "run.sh"))
	assert.Equal(t, "package main", readWorkspaceFile(t, dir, "src/main.go"))
}

func TestExtractRejectsTraversal(t *testing.T) {
	dir := t.TempDir()

	err := Extract(makeZip(t, map[string]string{"../evil.sh": "boom"}), dir)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.BadBundle))
	assert.NoFileExists(t, filepath.Join(dir, "..", "evil.sh"))

	err = Extract(makeTarGz(t, map[string]string{"../../etc/evil": "boom"}), dir)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.BadBundle))

	err = Extract(makeTarGz(t, map[string]string{"/abs/path": "boom"}), dir)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.BadBundle))
}

func TestExtractRejectsLinks(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeSymlink,
		Name:     "passwd",
		Linkname: "/etc/passwd",
	}))
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	err := Extract(buf.Bytes(), t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.BadBundle))
}

func TestExtractGarbageArchive(t *testing.T) {
	// Correct magic but truncated payload.
	data := makeTarGz(t, map[string]string{"a.txt": "content"})
	err := Extract(data[:len(data)/2], t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.BadBundle))
}

func TestPackResult(t *testing.T) {
	work := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(work, "out"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(work, "out", "result.csv"), []byte("1,2,3"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(work, "run.sh"), []byte("echo hi"), 0o755))
	// A stale logs.txt from the bundle must not shadow ours.
	require.NoError(t, os.WriteFile(filepath.Join(work, "logs.txt"), []byte("stale"), 0o644))

	archive, err := PackResult(work, []byte("hello out\nwarning err\n"))
	require.NoError(t, err)

	format, err := Sniff(archive)
	require.NoError(t, err)
	assert.Equal(t, FormatTarGz, format)

	unpacked := t.TempDir()
	require.NoError(t, Extract(archive, unpacked))
	assert.Equal(t, "1,2,3", readWorkspaceFile(t, unpacked, "out/result.csv"))
	assert.Equal(t, "echo hi", readWorkspaceFile(t, unpacked, "run.sh"))
	assert.Equal(t, "hello out\nwarning err\n", readWorkspaceFile(t, unpacked, "logs.txt"))
}

func TestPackResultEmptyWorkspace(t *testing.T) {
	archive, err := PackResult(t.TempDir(), nil)
	require.NoError(t, err)

	unpacked := t.TempDir()
	require.NoError(t, Extract(archive, unpacked))
	assert.Equal(t, "", readWorkspaceFile(t, unpacked, "logs.txt"))
}
