package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfofWritesCallerAndMessage(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { global = newLoggerFromEnv() })

	Infof("event=rag_index status=ok count=%d", 3)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "event=rag_index status=ok count=3", line["message"])
	assert.True(t, strings.HasSuffix(line["caller"].(string), "TestInfofWritesCallerAndMessage"))
}

func TestExceptionfMarksLine(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { global = newLoggerFromEnv() })

	Exceptionf("boom")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "error", line["level"])
	assert.Equal(t, true, line["exception"])
}

func TestDisableSuppressesOutput(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	Disable()
	t.Cleanup(func() { global = newLoggerFromEnv() })

	Errorf("hidden")
	assert.Zero(t, buf.Len())
}

func TestRotatingFileRotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rag.log")
	rf := &rotatingFile{filePath: path, maxSizeBytes: 16}
	t.Cleanup(func() {
		if rf.file != nil {
			_ = rf.file.Close()
		}
	})

	_, err := rf.Write([]byte("0123456789\n"))
	require.NoError(t, err)
	_, err = rf.Write([]byte("abcdefghij\n"))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	current, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abcdefghij\n", string(current))
}
