package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gpu-fusion/app/config"
	"gpu-fusion/app/model"

	"github.com/stretchr/testify/require"
)

// fakeWorker 模拟远程工作节点的 HTTP 接口
type fakeWorker struct {
	mu        sync.Mutex
	payloads  []model.SubmitPayload
	statuses  []model.RemoteTask
	polls     int
	downloads atomic.Int32
	gpuCalls  atomic.Int32
	submitErr int
	result    string
}

func (w *fakeWorker) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("POST /task/submit", func(rw http.ResponseWriter, r *http.Request) {
		if w.submitErr != 0 {
			http.Error(rw, "busy", w.submitErr)
			return
		}
		var p model.SubmitPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		w.mu.Lock()
		w.payloads = append(w.payloads, p)
		w.mu.Unlock()
		writeJSON(rw, map[string]string{"task_id": p.TaskID})
	})
	mux.HandleFunc("GET /task/status/{id}", func(rw http.ResponseWriter, r *http.Request) {
		w.mu.Lock()
		i := w.polls
		if i >= len(w.statuses) {
			i = len(w.statuses) - 1
		}
		w.polls++
		status := w.statuses[i]
		w.mu.Unlock()
		status.TaskID = r.PathValue("id")
		writeJSON(rw, status)
	})
	mux.HandleFunc("GET /task/result/{id}", func(rw http.ResponseWriter, r *http.Request) {
		w.downloads.Add(1)
		rw.Header().Set("Content-Type", "video/mp4")
		rw.Write([]byte(w.result))
	})
	mux.HandleFunc("GET /gpu/info", func(rw http.ResponseWriter, r *http.Request) {
		w.gpuCalls.Add(1)
		writeJSON(rw, model.RemoteGPUInfo{
			GPUs:  []model.GPUInfo{{Name: "RTX 3090", MemoryTotal: 24 << 30}},
			Count: 1,
		})
	})
	return mux
}

func writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(v)
}

func newTestRemoteClient(t *testing.T, url string, maxWait time.Duration) *RemoteClient {
	t.Helper()
	c := NewRemoteClient(config.WorkerConfig{
		URL:           url,
		PollInterval:  10 * time.Millisecond,
		MaxWait:       maxWait,
		HealthTimeout: time.Second,
		InfoCacheTTL:  time.Minute,
	}, t.TempDir(), testLogger(t))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRemoteClientSubmitSendsPayload(t *testing.T) {
	worker := &fakeWorker{}
	srv := httptest.NewServer(worker.handler())
	defer srv.Close()

	c := newTestRemoteClient(t, srv.URL, time.Second)
	taskID, err := c.Submit(context.Background(), model.GenerationRequest{
		ModelType: "I2V",
		Prompt:    "a cat [part 1]",
		ImagePath: "/tmp/cat.png",
	})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(taskID, "task_"))

	require.Len(t, worker.payloads, 1)
	p := worker.payloads[0]
	require.Equal(t, taskID, p.TaskID)
	require.Equal(t, "I2V", p.ModelType)
	require.Equal(t, "/tmp/cat.png", p.ImagePath)
	require.NotNil(t, p.Parameters)
}

func TestRemoteClientSubmitRejected(t *testing.T) {
	worker := &fakeWorker{submitErr: http.StatusServiceUnavailable}
	srv := httptest.NewServer(worker.handler())
	defer srv.Close()

	c := newTestRemoteClient(t, srv.URL, time.Second)
	_, err := c.Submit(context.Background(), model.GenerationRequest{ModelType: "T2V", Prompt: "x"})

	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
	require.Equal(t, http.StatusServiceUnavailable, subErr.StatusCode)
}

func TestWaitForCompletionReportsProgressThenDownloads(t *testing.T) {
	worker := &fakeWorker{
		statuses: []model.RemoteTask{
			{Status: model.TaskStatusPending, Progress: 0, Message: "queued"},
			{Status: model.TaskStatusProcessing, Progress: 40, Message: "denoising"},
			{Status: model.TaskStatusProcessing, Progress: 80, Message: "decoding"},
			{Status: model.TaskStatusCompleted, Progress: 100},
		},
		result: "fake-mp4-bytes",
	}
	srv := httptest.NewServer(worker.handler())
	defer srv.Close()

	c := newTestRemoteClient(t, srv.URL, 5*time.Second)
	progress := make(chan model.Progress, 10)

	path, err := c.WaitForCompletion(context.Background(), "task_1", progress)
	require.NoError(t, err)
	close(progress)

	var events []model.Progress
	for p := range progress {
		events = append(events, p)
	}
	require.Len(t, events, 3)
	require.Equal(t, 40.0, events[1].Progress)
	require.Equal(t, "decoding", events[2].Message)
	require.Equal(t, "task_1", events[0].TaskID)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "fake-mp4-bytes", string(data))
	require.Equal(t, "part_remote_task_1.mp4", filepath.Base(path))
	require.EqualValues(t, 1, worker.downloads.Load())
}

func TestWaitForCompletionTimesOutWithoutDownloading(t *testing.T) {
	worker := &fakeWorker{
		statuses: []model.RemoteTask{{Status: model.TaskStatusProcessing, Progress: 10}},
		result:   "never",
	}
	srv := httptest.NewServer(worker.handler())
	defer srv.Close()

	c := newTestRemoteClient(t, srv.URL, 80*time.Millisecond)
	_, err := c.WaitForCompletion(context.Background(), "task_slow", nil)
	require.ErrorIs(t, err, ErrRemoteTimeout)
	require.True(t, IsTimeout(err))
	require.Zero(t, worker.downloads.Load())
}

func TestWaitForCompletionWorkerFailure(t *testing.T) {
	worker := &fakeWorker{
		statuses: []model.RemoteTask{
			{Status: model.TaskStatusProcessing, Progress: 10},
			{Status: model.TaskStatusFailed, Error: "CUDA out of memory"},
		},
	}
	srv := httptest.NewServer(worker.handler())
	defer srv.Close()

	c := newTestRemoteClient(t, srv.URL, 5*time.Second)
	_, err := c.WaitForCompletion(context.Background(), "task_oom", nil)

	var taskErr *WorkerTaskError
	require.ErrorAs(t, err, &taskErr)
	require.Equal(t, "CUDA out of memory", taskErr.Reason)
	require.Zero(t, worker.downloads.Load())
}

func TestWaitForCompletionStopsOnCancel(t *testing.T) {
	worker := &fakeWorker{statuses: []model.RemoteTask{{Status: model.TaskStatusProcessing}}}
	srv := httptest.NewServer(worker.handler())
	defer srv.Close()

	c := newTestRemoteClient(t, srv.URL, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.WaitForCompletion(ctx, "task_1", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCheckConnection(t *testing.T) {
	worker := &fakeWorker{}
	srv := httptest.NewServer(worker.handler())

	c := newTestRemoteClient(t, srv.URL, time.Second)
	require.True(t, c.CheckConnection(context.Background()))

	srv.Close()
	require.False(t, c.CheckConnection(context.Background()))
}

func TestGPUInfoIsCached(t *testing.T) {
	worker := &fakeWorker{}
	srv := httptest.NewServer(worker.handler())
	defer srv.Close()

	c := newTestRemoteClient(t, srv.URL, time.Second)
	for range 3 {
		info, err := c.GPUInfo(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, info.Count)
	}
	require.EqualValues(t, 1, worker.gpuCalls.Load())

	_, err := c.ProbeGPUInfo(context.Background(), time.Second)
	require.NoError(t, err)
	require.EqualValues(t, 2, worker.gpuCalls.Load())
}

func TestTaskIDsUniqueUnderConcurrency(t *testing.T) {
	const n = 2000
	ids := make(chan string, n)

	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- NewTaskID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]struct{}, n)
	for id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "duplicate task id %s", id)
		seen[id] = struct{}{}
	}
	require.Len(t, seen, n)
}
