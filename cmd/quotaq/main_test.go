package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaneisley/quotaq/pkg/storage"
)

const fastConfig = `
log_level = "error"

[limiter]
min_interval = "1ms"

[retry]
base_delay = "1ms"
max_delay = "5ms"

[adaptive]
min = "1ms"
max = "10ms"
initial = "1ms"

[queue]
quota_cooldown = "1s"
`

const threeItems = `
name: test batch
defaults:
  kind: budget
items:
  - {id: a, subject_id: "1"}
  - {id: b, subject_id: "2"}
  - {id: c, subject_id: "3"}
`

type workspace struct {
	dir     string
	config  string
	items   string
	journal string
}

func newWorkspace(t *testing.T, items string) workspace {
	t.Helper()
	dir := t.TempDir()
	ws := workspace{
		dir:     dir,
		config:  filepath.Join(dir, "quotaq.toml"),
		items:   filepath.Join(dir, "items.yaml"),
		journal: filepath.Join(dir, "journal.db"),
	}
	require.NoError(t, os.WriteFile(ws.config, []byte(fastConfig), 0644))
	require.NoError(t, os.WriteFile(ws.items, []byte(items), 0644))
	return ws
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd(&out, &errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRun_CompletesBatch(t *testing.T) {
	// Given an API that accepts every request
	var mu sync.Mutex
	var paths []string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer api.Close()
	ws := newWorkspace(t, threeItems)

	// When the batch runs
	out, err := execute(t, "run",
		"--config", ws.config,
		"--journal", ws.journal,
		"--url", api.URL+"/subjects/{subject_id}",
		ws.items)

	// Then every item is sent in order and summarized
	require.NoError(t, err)
	assert.Equal(t, []string{"/subjects/1", "/subjects/2", "/subjects/3"}, paths)
	assert.Contains(t, out, "All 3 items completed.")

	// And the run lands in the journal
	journal, err := storage.Open(ws.journal)
	require.NoError(t, err)
	defer journal.Close()
	runs, err := journal.RecentRuns(5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 3, runs[0].Completed)
	assert.Equal(t, "default", runs[0].ResourceKey)
}

func TestRun_ValidationFailureDoesNotStopBatch(t *testing.T) {
	// Given an API that rejects subject 2
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/2") {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("budget below minimum"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer api.Close()
	ws := newWorkspace(t, threeItems)

	// When the batch runs
	out, err := execute(t, "run", "--config", ws.config, "--journal", ws.journal,
		"--url", api.URL+"/{subject_id}", ws.items)

	// Then the run reports the single failure
	require.ErrorIs(t, err, errItemsFailed)
	assert.Contains(t, err.Error(), "1 of 3")
	assert.Contains(t, out, "budget below minimum")
}

func TestRun_QuotaPausesAndResumes(t *testing.T) {
	// Given an API whose first answer is a quota error
	var calls atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer api.Close()
	ws := newWorkspace(t, `
resource_key: acct-7
items:
  - {id: a, subject_id: "1"}
  - {id: b, subject_id: "2"}
`)

	// When the batch runs
	out, err := execute(t, "run", "--config", ws.config, "--journal", ws.journal,
		"--url", api.URL+"/{subject_id}", ws.items)

	// Then the queue pauses, resumes and finishes every item
	require.NoError(t, err)
	assert.Contains(t, out, "Queue paused (quota_exhausted)")
	assert.Contains(t, out, "Queue resumed.")
	assert.Contains(t, out, "All 2 items completed.")
	assert.Equal(t, int32(3), calls.Load())

	// And the history command reports the pause under the batch's resource key
	out, err = execute(t, "history", "--config", ws.config, "--journal", ws.journal)
	require.NoError(t, err)
	assert.Contains(t, out, "Quota pauses: 1")
	assert.Contains(t, out, "acct-7")
}

func TestRun_RequiresItemsFile(t *testing.T) {
	_, err := execute(t, "run")
	assert.Error(t, err)

	ws := newWorkspace(t, "items: []\n")
	_, err = execute(t, "run", "--config", ws.config, "--url", "http://127.0.0.1:1/x", ws.items)
	assert.ErrorContains(t, err, "no items")
}

func TestRun_RequiresURL(t *testing.T) {
	ws := newWorkspace(t, threeItems)

	_, err := execute(t, "run", "--config", ws.config, "--journal", ws.journal, ws.items)

	assert.ErrorContains(t, err, "url is required")
}

func TestConfigCommand_ShowsSources(t *testing.T) {
	ws := newWorkspace(t, threeItems)

	out, err := execute(t, "config", "--config", ws.config)

	require.NoError(t, err)
	assert.Contains(t, out, "Config file: "+ws.config)
	assert.Contains(t, out, "Configuration Resolution Debug Info:")
	assert.Contains(t, out, "limiter.min_interval")
	assert.Contains(t, out, "config file")
}

func TestLoadConfiguration_FlagsOverrideFile(t *testing.T) {
	ws := newWorkspace(t, threeItems)
	root := newRootCmd(&bytes.Buffer{}, &bytes.Buffer{})
	runCmd, _, err := root.Find([]string{"run"})
	require.NoError(t, err)

	require.NoError(t, runCmd.Flags().Set("max-retries", "7"))
	require.NoError(t, runCmd.Flags().Set("min-interval", "250ms"))

	cfg, err := loadConfiguration(runCmd, &globalOptions{configFile: ws.config})

	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Queue.MaxRetries)
	assert.Equal(t, "250ms", cfg.Limiter.MinInterval.String())
	assert.Equal(t, "1ms", cfg.Adaptive.Min.String())
}
