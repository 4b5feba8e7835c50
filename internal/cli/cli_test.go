package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/meetcomposer/internal/config"
	"github.com/bobarin/meetcomposer/internal/models"
	"github.com/bobarin/meetcomposer/internal/storage"
)

const jobJSON = `{
	"record_id": "125",
	"meeting_start_time": "2024-03-01T10:00:00Z",
	"participants": [
		{"name": "Alice", "start_time": "2024-03-01T10:00:00Z", "end_time": "2024-03-01T10:00:05Z", "video_file_path": "alice.mp4"}
	]
}`

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeJob(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "meetcomposer dev\n", out)
}

func TestReadJob(t *testing.T) {
	msg, err := readJob(nil, writeJob(t, jobJSON))
	require.NoError(t, err)
	assert.Equal(t, "125", msg.RecordID)
	require.Len(t, msg.Participants, 1)
	assert.Equal(t, "alice.mp4", msg.Participants[0].VideoFilePath)

	msg, err = readJob(strings.NewReader(jobJSON), "-")
	require.NoError(t, err)
	assert.Equal(t, "125", msg.RecordID)

	_, err = readJob(nil, writeJob(t, "{not json"))
	assert.Error(t, err)

	_, err = readJob(nil, filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestEnqueueCommand(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Chdir(t.TempDir())
	t.Setenv("REDIS_URL", "redis://"+mr.Addr())
	t.Setenv("QUEUE_PROCESSING", "jobs")

	out, err := run(t, "", "enqueue", writeJob(t, jobJSON))
	require.NoError(t, err)
	assert.Contains(t, out, "enqueued 125 on jobs")

	items, err := mr.List("jobs")
	require.NoError(t, err)
	require.Len(t, items, 1)

	var msg models.JobMessage
	require.NoError(t, json.Unmarshal([]byte(items[0]), &msg))
	assert.Equal(t, "125", msg.RecordID)
}

func TestEnqueueFillsRecordID(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Chdir(t.TempDir())
	t.Setenv("REDIS_URL", "redis://"+mr.Addr())

	_, err := run(t, `{"participants": []}`, "enqueue", "-")
	require.NoError(t, err)

	items, err := mr.List("processing")
	require.NoError(t, err)
	require.Len(t, items, 1)

	var msg models.JobMessage
	require.NoError(t, json.Unmarshal([]byte(items[0]), &msg))
	assert.Len(t, msg.RecordID, 36)
}

func TestEnqueueWaitPrintsResults(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Chdir(t.TempDir())
	t.Setenv("REDIS_URL", "redis://"+mr.Addr())

	result, err := json.Marshal(models.Result{RecordID: "125", Duration: 6, VideoURL: "http://x/video/125.mp4"})
	require.NoError(t, err)
	mr.Lpush("results", string(result))

	out, err := run(t, "", "enqueue", writeJob(t, jobJSON), "--wait", "--timeout", "1s")
	require.NoError(t, err)
	assert.Contains(t, out, `"video_url":"http://x/video/125.mp4"`)
}

func TestEnqueueUnreachableRedis(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("REDIS_URL", "redis://127.0.0.1:1")

	_, err := run(t, "", "enqueue", writeJob(t, jobJSON))
	assert.Error(t, err)
}

func TestEnqueueRequiresFile(t *testing.T) {
	_, err := run(t, "", "enqueue")
	assert.Error(t, err)
}

func TestNewPublisher(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := config.Load()
	require.NoError(t, err)

	_, ok := newPublisher(cfg, zerolog.Nop()).(*storage.Local)
	assert.True(t, ok)

	cfg.SupabaseURL = "https://project.supabase.co"
	cfg.SupabaseServiceKey = "key"
	_, ok = newPublisher(cfg, zerolog.Nop()).(*storage.Supabase)
	assert.True(t, ok)
}

func TestPrepareDirs(t *testing.T) {
	base := t.TempDir()
	cfg := &config.Config{
		OutputDir: filepath.Join(base, "out"),
		TempDir:   filepath.Join(base, "temp"),
		WorkDir:   filepath.Join(base, "work", "nested"),
	}
	require.NoError(t, prepareDirs(cfg))

	for _, dir := range []string{cfg.OutputDir, cfg.TempDir, cfg.WorkDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
