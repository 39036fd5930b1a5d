package kestrel

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, contents string) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "kestrel-filewrapper-*")
	require.NoError(t, err)
	_, err = f.WriteString(contents)
	require.NoError(t, err)
	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestFileWrapperCanSendfileForRegularFile(t *testing.T) {
	f := writeTempFile(t, "hello world")
	w := WrapFile(NewFileHandle(f, 11), 4096)
	assert.True(t, w.CanSendfile())
	got, ok := w.File()
	assert.True(t, ok)
	assert.Equal(t, f, got)
}

func TestFileWrapperCannotSendfileForReader(t *testing.T) {
	r := bytes.NewBufferString("hello world")
	w := WrapFile(NewReaderHandle(r, 11), 4096)
	assert.False(t, w.CanSendfile())
	_, ok := w.File()
	assert.False(t, ok)
}

func TestFileWrapperTruncatesLongSourceToDeclaredLength(t *testing.T) {
	// Declared Content-Length shorter than the underlying source: never
	// emit more than declared (spec.md's resolved Open Question).
	f := writeTempFile(t, "this body is much longer than five bytes")
	w := WrapFile(NewFileHandle(f, 5), 4096)

	var out bytes.Buffer
	buf := make([]byte, 1024)
	for {
		n, err := w.Read(buf)
		out.Write(buf[:n])
		if err != nil {
			break
		}
	}
	assert.Equal(t, "this ", out.String())
}

func TestFileWrapperNeverPadsShortSource(t *testing.T) {
	// Declared Content-Length longer than the underlying source: stop at
	// EOF, never synthesize padding bytes.
	f := writeTempFile(t, "short")
	w := WrapFile(NewFileHandle(f, 100), 4096)

	var out bytes.Buffer
	buf := make([]byte, 1024)
	for {
		n, err := w.Read(buf)
		out.Write(buf[:n])
		if err != nil {
			break
		}
	}
	assert.Equal(t, "short", out.String())
	assert.Equal(t, int64(95), w.Remaining(), "declared length minus bytes actually sent, even though the source was short")
}

func TestFileWrapperRemainingWithNoDeclaredLength(t *testing.T) {
	f := writeTempFile(t, "abc")
	w := WrapFile(NewFileHandle(f, -1), 4096)
	assert.Equal(t, int64(-1), w.Remaining())
}

func TestFileWrapperOffsetAdvancesWithMarkSent(t *testing.T) {
	f := writeTempFile(t, "0123456789")
	w := WrapFile(NewFileHandle(f, 10), 4096)

	assert.Equal(t, int64(0), w.Offset())
	w.MarkSent(4)
	assert.Equal(t, int64(4), w.Offset())
	w.MarkSent(6)
	assert.Equal(t, int64(10), w.Offset())
}

func TestFileWrapperOffsetHonorsStartingFilePosition(t *testing.T) {
	f := writeTempFile(t, "0123456789")
	_, err := f.Seek(3, io.SeekStart)
	require.NoError(t, err)

	w := WrapFile(NewFileHandle(f, 7), 4096)
	assert.Equal(t, int64(3), w.Offset(), "Offset must account for the file's position at wrap time")
	w.MarkSent(2)
	assert.Equal(t, int64(5), w.Offset())
}

func TestFileWrapperClosesUnderlyingFile(t *testing.T) {
	f := writeTempFile(t, "x")
	w := WrapFile(NewFileHandle(f, 1), 4096)
	require.NoError(t, w.Close())

	_, err := f.Read(make([]byte, 1))
	assert.Error(t, err, "file should be closed by FileWrapper.Close")
}
