package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gpu-fusion/app/auth"
	"gpu-fusion/app/config"
	"gpu-fusion/app/filewatcher"
	"gpu-fusion/app/logger"
	"gpu-fusion/app/middleware"
	"gpu-fusion/app/model"
	"gpu-fusion/app/service"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func init() {
	gin.SetMode(gin.TestMode)
}

func do(t *testing.T, r http.Handler, method, url string, body any, header ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

// blockingGenerator 在 release 关闭或 ctx 取消前不返回
type blockingGenerator struct {
	started chan string
	release chan struct{}
}

func newBlockingGenerator() *blockingGenerator {
	return &blockingGenerator{started: make(chan string, 1), release: make(chan struct{})}
}

func (g *blockingGenerator) GenerateJob(ctx context.Context, jobID string, req model.GenerationRequest) (*model.GenerationResult, error) {
	g.started <- jobID
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.release:
		return &model.GenerationResult{Path: "out/" + jobID + ".mp4", Mode: model.ModeLocal, JobID: jobID}, nil
	}
}

func newGenerateRouter(t *testing.T, gen Generator) (*gin.Engine, *GenerateHandler) {
	h := NewGenerateHandler(context.Background(), gen, logger.FromZap(zaptest.NewLogger(t)))
	r := gin.New()
	r.POST("/generate", h.Generate)
	r.GET("/jobs/current", h.Current)
	r.POST("/jobs/current/cancel", h.CancelCurrent)
	return r, h
}

func TestGenerateRunsOneJobAtATime(t *testing.T) {
	gen := newBlockingGenerator()
	r, h := newGenerateRouter(t, gen)
	req := model.GenerationRequest{ModelType: "T2V", Prompt: "a cat"}

	rec, env := do(t, r, http.MethodPost, "/generate", req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &accepted))
	require.Equal(t, accepted.JobID, <-gen.started)

	rec, _ = do(t, r, http.MethodPost, "/generate", req)
	require.Equal(t, http.StatusConflict, rec.Code)

	_, env = do(t, r, http.MethodGet, "/jobs/current", nil)
	require.Contains(t, string(env.Data), accepted.JobID)

	close(gen.release)
	h.Wait()

	_, env = do(t, r, http.MethodGet, "/jobs/current", nil)
	require.Equal(t, "null", string(env.Data))
}

func TestCancelCurrentJob(t *testing.T) {
	gen := newBlockingGenerator()
	r, h := newGenerateRouter(t, gen)

	rec, _ := do(t, r, http.MethodPost, "/jobs/current/cancel", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, r, http.MethodPost, "/generate", model.GenerationRequest{ModelType: "T2V"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	<-gen.started

	rec, _ = do(t, r, http.MethodPost, "/jobs/current/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	h.Wait()

	// 取消后可以再次提交
	rec, _ = do(t, r, http.MethodPost, "/generate", model.GenerationRequest{ModelType: "T2V"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	<-gen.started
	close(gen.release)
	h.Wait()
}

type generatorFunc func(ctx context.Context, jobID string, req model.GenerationRequest) (*model.GenerationResult, error)

func (f generatorFunc) GenerateJob(ctx context.Context, jobID string, req model.GenerationRequest) (*model.GenerationResult, error) {
	return f(ctx, jobID, req)
}

func TestGenerateWaitReturnsResult(t *testing.T) {
	var got model.GenerationRequest
	r, _ := newGenerateRouter(t, generatorFunc(func(ctx context.Context, jobID string, req model.GenerationRequest) (*model.GenerationResult, error) {
		got = req
		return &model.GenerationResult{Path: "out/merged.mp4", Mode: model.ModeDual, JobID: jobID}, nil
	}))

	rec, env := do(t, r, http.MethodPost, "/generate?wait=true", model.GenerationRequest{
		ModelType:  "I2V",
		Prompt:     "a cat",
		ImagePath:  "/in/cat.png",
		UseDualGPU: true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var result model.GenerationResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	require.Equal(t, model.ModeDual, result.Mode)
	require.Equal(t, "out/merged.mp4", result.Path)
	require.True(t, got.UseDualGPU)
	require.Equal(t, "/in/cat.png", got.ImagePath)
}

func TestGenerateWaitReportsFailure(t *testing.T) {
	r, _ := newGenerateRouter(t, generatorFunc(func(ctx context.Context, jobID string, req model.GenerationRequest) (*model.GenerationResult, error) {
		return nil, errors.New("local generation failed")
	}))

	rec, env := do(t, r, http.MethodPost, "/generate?wait=true", model.GenerationRequest{ModelType: "T2V"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, env.Message, "local generation failed")
}

func TestGenerateRejectsInvalidBody(t *testing.T) {
	r, _ := newGenerateRouter(t, newBlockingGenerator())
	rec, _ := do(t, r, http.MethodPost, "/generate", map[string]string{"prompt": "no model"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

type fakeJobStore struct {
	jobs   map[string]*model.GenerationJob
	filter service.JobFilter
}

func (s *fakeJobStore) List(filter service.JobFilter) ([]model.GenerationJob, int64, error) {
	s.filter = filter
	var list []model.GenerationJob
	for _, j := range s.jobs {
		list = append(list, *j)
	}
	return list, int64(len(list)), nil
}

func (s *fakeJobStore) Get(jobID string) (*model.GenerationJob, error) {
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, service.ErrJobNotFound
	}
	return j, nil
}

func (s *fakeJobStore) Stats() (map[string]int64, error) {
	return map[string]int64{model.JobStatusCompleted: int64(len(s.jobs))}, nil
}

func TestJobsHandler(t *testing.T) {
	store := &fakeJobStore{jobs: map[string]*model.GenerationJob{
		"job-1": {JobID: "job-1", Status: model.JobStatusCompleted, Mode: model.ModeDual},
	}}
	h := NewJobsHandler(store)
	r := gin.New()
	r.GET("/jobs", h.List)
	r.GET("/jobs/stats", h.Stats)
	r.GET("/jobs/:id", h.Get)

	rec, env := do(t, r, http.MethodGet, "/jobs?status=completed&mode=dual&page=2&page_size=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, service.JobFilter{Status: "completed", Mode: model.ModeDual, Page: 2, PageSize: 5}, store.filter)
	require.Contains(t, string(env.Data), `"total":1`)

	rec, env = do(t, r, http.MethodGet, "/jobs/job-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, string(env.Data), `"mode":"dual"`)

	rec, _ = do(t, r, http.MethodGet, "/jobs/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	_, env = do(t, r, http.MethodGet, "/jobs/stats", nil)
	require.JSONEq(t, `{"completed":1}`, string(env.Data))
}

type staticLister []filewatcher.Artifact

func (l staticLister) List() []filewatcher.Artifact { return l }

func TestArtifactHandler(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "merged_1.mp4"), []byte("video"), 0644))

	lister := staticLister{
		{Name: "merged_1.mp4", Kind: "merged", ModTime: time.Now()},
		{Name: "local_2.mp4", Kind: "local", ModTime: time.Now()},
	}
	h := NewArtifactHandler(lister, dir)
	r := gin.New()
	r.GET("/artifacts", h.List)
	r.GET("/artifacts/:name", h.Download)

	_, env := do(t, r, http.MethodGet, "/artifacts?kind=merged", nil)
	var list []filewatcher.Artifact
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	require.Equal(t, "merged_1.mp4", list[0].Name)

	rec, _ := do(t, r, http.MethodGet, "/artifacts/merged_1.mp4", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "video", rec.Body.String())

	rec, _ = do(t, r, http.MethodGet, "/artifacts/nope.mp4", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArtifactHandlerWithoutWatcher(t *testing.T) {
	h := NewArtifactHandler(nil, t.TempDir())
	r := gin.New()
	r.GET("/artifacts", h.List)

	_, env := do(t, r, http.MethodGet, "/artifacts", nil)
	require.Equal(t, "[]", string(env.Data))
}

func TestLoginAndMe(t *testing.T) {
	jwtService := auth.NewJWTService(config.JWTConfig{Secret: "s", ExpireTime: 24, Issuer: "gpu-fusion"})
	h, err := NewAuthHandler(config.ServerConfig{Username: "admin", Password: "secret"}, jwtService)
	require.NoError(t, err)

	r := gin.New()
	r.POST("/login", h.Login)
	r.GET("/me", middleware.JWTAuth(jwtService), h.Me)

	rec, _ := do(t, r, http.MethodPost, "/login", LoginRequest{Username: "admin", Password: "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, env := do(t, r, http.MethodPost, "/login", LoginRequest{Username: "admin", Password: "secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	var login LoginResponse
	require.NoError(t, json.Unmarshal(env.Data, &login))
	require.NotEmpty(t, login.Token)

	rec, env = do(t, r, http.MethodGet, "/me", nil, "Authorization", "Bearer "+login.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"username":"admin"}`, string(env.Data))
}

func TestAuthHandlerAcceptsBcryptHash(t *testing.T) {
	jwtService := auth.NewJWTService(config.JWTConfig{Secret: "s", ExpireTime: 24})
	plain, err := NewAuthHandler(config.ServerConfig{Username: "admin", Password: "secret"}, jwtService)
	require.NoError(t, err)

	hashed, err := NewAuthHandler(config.ServerConfig{Username: "admin", Password: plain.passwordHash}, jwtService)
	require.NoError(t, err)
	require.Equal(t, plain.passwordHash, hashed.passwordHash)

	r := gin.New()
	r.POST("/login", hashed.Login)
	rec, _ := do(t, r, http.MethodPost, "/login", LoginRequest{Username: "admin", Password: "secret"})
	require.Equal(t, http.StatusOK, rec.Code)
}

type fakeWorkerController struct {
	startErr error
	stopped  bool
}

func (f *fakeWorkerController) Start(ctx context.Context) error { return f.startErr }
func (f *fakeWorkerController) Stop(ctx context.Context) error {
	f.stopped = true
	return nil
}
func (f *fakeWorkerController) Restart(ctx context.Context) error { return nil }
func (f *fakeWorkerController) CheckStatus(ctx context.Context) model.WorkerStatus {
	return model.WorkerStatus{Running: true, PID: "4242"}
}

type fakeChecker struct{ available bool }

func (f *fakeChecker) Check(ctx context.Context) bool { return f.available }
func (f *fakeChecker) Available() bool                { return f.available }

func TestWorkerHandler(t *testing.T) {
	worker := &fakeWorkerController{startErr: service.ErrWorkerUnavailable}
	h := NewWorkerHandler(worker, &fakeChecker{available: true})
	health := NewHealthHandler(&fakeChecker{available: true})
	r := gin.New()
	r.GET("/worker/status", h.Status)
	r.POST("/worker/start", h.Start)
	r.POST("/worker/stop", h.Stop)
	r.POST("/worker/check", h.Check)
	r.GET("/health", health.Health)

	_, env := do(t, r, http.MethodGet, "/worker/status", nil)
	require.Contains(t, string(env.Data), `"pid":"4242"`)
	require.Contains(t, string(env.Data), `"available":true`)

	rec, env := do(t, r, http.MethodPost, "/worker/start", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, env.Message, "remote worker unavailable")

	rec, _ = do(t, r, http.MethodPost, "/worker/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, worker.stopped)

	_, env = do(t, r, http.MethodPost, "/worker/check", nil)
	require.JSONEq(t, `{"available":true}`, string(env.Data))

	_, env = do(t, r, http.MethodGet, "/health", nil)
	require.Contains(t, string(env.Data), `"worker_available":true`)
}

type fakeRemoteTasks struct {
	downloads []string
	err       error
}

func (f *fakeRemoteTasks) PollStatus(ctx context.Context, taskID string) (*model.RemoteTask, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.RemoteTask{TaskID: taskID, Status: model.TaskStatusProcessing, Progress: 40}, nil
}

func (f *fakeRemoteTasks) Download(ctx context.Context, taskID, dst string) error {
	if f.err != nil {
		return f.err
	}
	f.downloads = append(f.downloads, dst)
	return nil
}

func TestRemoteTaskHandler(t *testing.T) {
	dir := t.TempDir()
	remote := &fakeRemoteTasks{}
	h := NewRemoteTaskHandler(remote, dir)
	r := gin.New()
	r.GET("/worker/tasks/:id", h.Status)
	r.POST("/worker/tasks/:id/download", h.Download)

	rec, env := do(t, r, http.MethodGet, "/worker/tasks/task_1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var task model.RemoteTask
	require.NoError(t, json.Unmarshal(env.Data, &task))
	require.Equal(t, "task_1", task.TaskID)
	require.Equal(t, 40.0, task.Progress)

	rec, env = do(t, r, http.MethodPost, "/worker/tasks/task_1/download", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	want := filepath.Join(dir, "remote_task_1.mp4")
	require.Equal(t, []string{want}, remote.downloads)
	require.Contains(t, string(env.Data), "remote_task_1.mp4")

	rec, _ = do(t, r, http.MethodGet, "/worker/tasks/..", nil)
	require.NotEqual(t, http.StatusOK, rec.Code)

	remote.err = errors.New("connection refused")
	rec, env = do(t, r, http.MethodGet, "/worker/tasks/task_2", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, env.Message, "connection refused")
}
