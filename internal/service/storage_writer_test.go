package service

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmlconsolepro/cmlconsolepro/internal/config"
)

func localStorageConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Storage: config.StorageConfig{
			Backend: "local",
			Prefix:  "transcripts",
			Local: config.LocalConfig{
				BaseDir:        t.TempDir(),
				MkdirIfMissing: true,
			},
		},
	}
}

func TestLocalStorageWriterWrite(t *testing.T) {
	cfg := localStorageConfig(t)
	w := NewStorageWriter(cfg)

	obj, err := w.Write(context.Background(), StorageMeta{
		Lab:         "lab-1",
		Node:        "R1",
		TaskID:      "task-42",
		CommandSlug: "transcript",
	}, "=== show version\nCisco IOS Software\n")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(obj.URI, "file://"))
	assert.True(t, strings.HasPrefix(obj.Checksum, "sha256:"))
	assert.Greater(t, obj.Size, int64(0))

	data, err := os.ReadFile(strings.TrimPrefix(obj.URI, "file://"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Cisco IOS Software")

	// 归档层级：prefix/lab/node/时间戳/任务ID
	p := obj.URI
	assert.Contains(t, p, "transcripts/lab-1/r1/")
	assert.Contains(t, p, "/task-42/transcript.txt")
}

func TestLocalStorageWriterDropsPagerLines(t *testing.T) {
	cfg := localStorageConfig(t)
	w := NewStorageWriter(cfg)

	obj, err := w.Write(context.Background(), StorageMeta{
		Node:        "R1",
		TaskID:      "t1",
		CommandSlug: "show-run",
	}, "line one\n --More-- \nline two\n")
	require.NoError(t, err)

	data, err := os.ReadFile(strings.TrimPrefix(obj.URI, "file://"))
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(data))
}

func TestArchiveFilenameSlug(t *testing.T) {
	assert.Equal(t, "show_version.txt", archiveFilename(StorageMeta{CommandSlug: "Show Version"}))
	assert.Equal(t, "dump.log", archiveFilename(StorageMeta{CommandSlug: "dump.log"}))
	assert.Equal(t, "unknown.txt", archiveFilename(StorageMeta{CommandSlug: "!!"}))
}

func TestMinioBackendFallsBackToLocal(t *testing.T) {
	cfg := localStorageConfig(t)
	cfg.Storage.Backend = "minio"
	// Minio 未配置，初始化失败后应回退到本地
	w := NewStorageWriter(cfg)

	obj, err := w.Write(context.Background(), StorageMeta{
		Node:        "R1",
		TaskID:      "t2",
		CommandSlug: "transcript",
	}, "fallback content\n")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(obj.URI, "file://"))
}
