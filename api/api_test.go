package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ihmeuw-scicomp/jobmon/config"
	"github.com/ihmeuw-scicomp/jobmon/db"
	"github.com/ihmeuw-scicomp/jobmon/fsm"
	jobmonhttp "github.com/ihmeuw-scicomp/jobmon/http"
	"github.com/ihmeuw-scicomp/jobmon/resource"
)

type testServer struct {
	echo        *echo.Echo
	store       *db.Store
	transitions *db.TransitionService
	redis       *miniredis.Miniredis
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.Migrate(gdb))

	store := db.NewStore(gdb)
	transitions := db.NewTransitionService(store, nil, db.HeartbeatConfig{Interval: time.Minute, ReportFactor: 3})

	mr := miniredis.RunT(t)
	cache := db.NewStatusCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 10*time.Second)

	cfg := &config.Config{
		Port:                          8070,
		HeartbeatInterval:             time.Minute,
		HeartbeatReportFactor:         3,
		ReaperInterval:                time.Minute,
		DefaultMaxConcurrentlyRunning: 100,
	}

	e := jobmonhttp.NewEchoServer(jobmonhttp.DefaultServerConfig())
	SetupRoutes(e, &Handlers{
		Store:       store,
		Transitions: transitions,
		Cache:       cache,
		Config:      cfg,
		Version:     "test",
	})
	return &testServer{echo: e, store: store, transitions: transitions, redis: mr}
}

// request performs one in-memory HTTP round trip as the given user.
func (s *testServer) request(t *testing.T, method, path, user string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if user != "" {
		req.Header.Set("X-Jobmon-User", user)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func bindBody(args string, taskCount int) map[string]interface{} {
	tasks := make([]map[string]interface{}, 0, taskCount)
	for i := 0; i < taskCount; i++ {
		task := map[string]interface{}{
			"task_template": "step",
			"node_args":     map[string]string{"n": fmt.Sprintf("%d", i)},
			"name":          fmt.Sprintf("step_%d", i),
			"command":       "echo hi",
			"max_attempts":  1,
			"resources": resource.ComputeResources{
				MemoryBytes: 1 << 30, RuntimeSeconds: 60, Cores: 1, Queue: "all.q",
			},
		}
		if i > 0 {
			task["upstreams"] = []int{i - 1}
		}
		tasks = append(tasks, task)
	}
	return map[string]interface{}{
		"tool":          "test-tool",
		"workflow_args": args,
		"tasks":         tasks,
	}
}

func TestBindWorkflowEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec, body := s.request(t, http.MethodPost, "/api/v3/workflow", "alice", bindBody("http-bind", 2))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["created"])
	assert.Equal(t, false, body["resume_required"])
	assert.NotZero(t, body["workflow_id"])
	assert.NotZero(t, body["server_time"])

	rec, again := s.request(t, http.MethodPost, "/api/v3/workflow", "alice", bindBody("http-bind", 2))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, again["created"])
	assert.Equal(t, body["workflow_id"], again["workflow_id"], "rebinding returns the same workflow")
}

func TestIsResumableUnknownWorkflow(t *testing.T) {
	s := newTestServer(t)
	rec, body := s.request(t, http.MethodGet, "/api/v3/workflow/424242/is_resumable", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body["code"])
}

func TestSetResumeOwnership(t *testing.T) {
	s := newTestServer(t)
	_, bound := s.request(t, http.MethodPost, "/api/v3/workflow", "alice", bindBody("http-own", 1))
	wfID := int64(bound["workflow_id"].(float64))

	rec, _ := s.request(t, http.MethodPost, fmt.Sprintf("/api/v3/workflow/%d/set_resume", wfID), "alice",
		map[string]string{"mode": "hot"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := s.request(t, http.MethodPost, fmt.Sprintf("/api/v3/workflow/%d/set_resume", wfID), "mallory",
		map[string]string{"mode": "cold"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", body["code"])
}

// TestCoordinatorProtocolEndToEnd drives a one-task workflow through the
// full coordinator protocol over the HTTP surface.
func TestCoordinatorProtocolEndToEnd(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, bound := s.request(t, http.MethodPost, "/api/v3/workflow", "alice", bindBody("http-e2e", 1))
	wfID := int64(bound["workflow_id"].(float64))

	_, resumed := s.request(t, http.MethodPost, fmt.Sprintf("/api/v3/workflow/%d/set_resume", wfID), "alice",
		map[string]string{"mode": "hot"})
	runID := int64(resumed["workflow_run_id"].(float64))

	_, err := s.transitions.ReadyFringe(ctx, wfID)
	require.NoError(t, err)

	var task db.Task
	require.NoError(t, s.store.DB.Where("workflow_id = ?", wfID).First(&task).Error)

	rec, batch := s.request(t, http.MethodPost, fmt.Sprintf("/api/v3/array/%d/queue_task_batch", task.ArrayID), "alice",
		map[string]interface{}{"batch_key": "http-batch", "task_ids": []int64{task.ID}, "workflow_run_id": runID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	instances := batch["task_instances"].([]interface{})
	require.Len(t, instances, 1)
	tiID := int64(instances[0].(map[string]interface{})["task_instance_id"].(float64))
	assert.Equal(t, "I", instances[0].(map[string]interface{})["status"])
	assert.Equal(t, "echo hi", instances[0].(map[string]interface{})["command"])

	rec, _ = s.request(t, http.MethodPost, fmt.Sprintf("/api/v3/array/%d/transition_to_launched", task.ArrayID), "dist",
		map[string]interface{}{"task_instance_ids": []int64{tiID}, "distributor_batch_id": "slurm-77", "workflow_run_id": runID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, _ = s.request(t, http.MethodPost, fmt.Sprintf("/api/v3/task_instance/%d/log_distributor_id", tiID), "dist",
		map[string]string{"distributor_id": "slurm-77.1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = s.request(t, http.MethodPost, fmt.Sprintf("/api/v3/task_instance/%d/log_running", tiID), "worker",
		map[string]interface{}{"node_name": "node001", "process_id": 1234})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = s.request(t, http.MethodPost, fmt.Sprintf("/api/v3/task_instance/%d/heartbeat", tiID), "worker", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, done := s.request(t, http.MethodPost, fmt.Sprintf("/api/v3/task_instance/%d/log_done", tiID), "worker",
		map[string]int64{"wallclock_secs": 42})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "D", done["status"])

	rec, status := s.request(t, http.MethodGet, fmt.Sprintf("/api/v3/workflow/%d/status", wfID), "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "D", status["status"])
	counts := status["task_counts"].(map[string]interface{})
	assert.Equal(t, float64(1), counts["D"])
}

func TestInvalidTransitionMapsTo409(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, bound := s.request(t, http.MethodPost, "/api/v3/workflow", "alice", bindBody("http-409", 1))
	wfID := int64(bound["workflow_id"].(float64))
	_, resumed := s.request(t, http.MethodPost, fmt.Sprintf("/api/v3/workflow/%d/set_resume", wfID), "alice",
		map[string]string{"mode": "hot"})
	runID := int64(resumed["workflow_run_id"].(float64))

	_, err := s.transitions.ReadyFringe(ctx, wfID)
	require.NoError(t, err)
	var task db.Task
	require.NoError(t, s.store.DB.Where("workflow_id = ?", wfID).First(&task).Error)
	_, batch := s.request(t, http.MethodPost, fmt.Sprintf("/api/v3/array/%d/queue_task_batch", task.ArrayID), "alice",
		map[string]interface{}{"batch_key": "k", "task_ids": []int64{task.ID}, "workflow_run_id": runID})
	tiID := int64(batch["task_instances"].([]interface{})[0].(map[string]interface{})["task_instance_id"].(float64))

	// Done before launch is an illegal edge.
	rec, body := s.request(t, http.MethodPost, fmt.Sprintf("/api/v3/task_instance/%d/log_done", tiID), "worker", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_transition", body["code"])
	details := body["details"].(map[string]interface{})
	assert.Equal(t, "I", details["from"])
	assert.Equal(t, "D", details["to"])
}

func TestStaleRunGets409NotCurrent(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, bound := s.request(t, http.MethodPost, "/api/v3/workflow", "alice", bindBody("http-stale", 1))
	wfID := int64(bound["workflow_id"].(float64))
	_, first := s.request(t, http.MethodPost, fmt.Sprintf("/api/v3/workflow/%d/set_resume", wfID), "alice",
		map[string]string{"mode": "hot"})
	staleRunID := int64(first["workflow_run_id"].(float64))

	// A second resume supersedes the first run.
	rec, _ := s.request(t, http.MethodPost, fmt.Sprintf("/api/v3/workflow/%d/set_resume", wfID), "alice",
		map[string]string{"mode": "hot"})
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := s.transitions.ReadyFringe(ctx, wfID)
	require.NoError(t, err)
	var task db.Task
	require.NoError(t, s.store.DB.Where("workflow_id = ?", wfID).First(&task).Error)

	rec, body := s.request(t, http.MethodPost, fmt.Sprintf("/api/v3/array/%d/queue_task_batch", task.ArrayID), "alice",
		map[string]interface{}{"batch_key": "k", "task_ids": []int64{task.ID}, "workflow_run_id": staleRunID})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "workflow_run_not_current", body["code"])
}

func TestTaskStatusUpdatesIncremental(t *testing.T) {
	s := newTestServer(t)

	_, bound := s.request(t, http.MethodPost, "/api/v3/workflow", "alice", bindBody("http-diff", 3))
	wfID := int64(bound["workflow_id"].(float64))

	rec, body := s.request(t, http.MethodPost, fmt.Sprintf("/api/v3/workflow/%d/task_status_updates", wfID), "alice",
		map[string]float64{"last_sync": 0})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["tasks"].([]interface{}), 3, "first poll returns everything")
	serverTime := body["server_time"].(float64)
	assert.Greater(t, serverTime, float64(0))

	// Anchored at the returned server time, nothing changed.
	time.Sleep(10 * time.Millisecond)
	rec, body = s.request(t, http.MethodPost, fmt.Sprintf("/api/v3/workflow/%d/task_status_updates", wfID), "alice",
		map[string]float64{"last_sync": body["server_time"].(float64)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["tasks"])
}

func TestUpdateTaskStatusOwnershipAndCascade(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, bound := s.request(t, http.MethodPost, "/api/v3/workflow", "alice", bindBody("http-override", 2))
	wfID := int64(bound["workflow_id"].(float64))
	s.request(t, http.MethodPost, fmt.Sprintf("/api/v3/workflow/%d/set_resume", wfID), "alice",
		map[string]string{"mode": "hot"})
	_, err := s.transitions.ReadyFringe(ctx, wfID)
	require.NoError(t, err)

	var tasks []db.Task
	require.NoError(t, s.store.DB.Where("workflow_id = ?", wfID).Order("id").Find(&tasks).Error)
	first := tasks[0]

	rec, _ := s.request(t, http.MethodPut, fmt.Sprintf("/api/v3/task/%d/update_task_status", first.ID), "mallory",
		map[string]string{"status": "D"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	for _, status := range []string{"I", "O", "R", "D"} {
		rec, _ = s.request(t, http.MethodPut, fmt.Sprintf("/api/v3/task/%d/update_task_status", first.ID), "alice",
			map[string]string{"status": status})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	var downstream db.Task
	require.NoError(t, s.store.DB.First(&downstream, tasks[1].ID).Error)
	assert.Equal(t, fsm.TaskQueued, downstream.Status, "override to done cascades downstream activation")
}

func TestWorkflowStatusUsesCache(t *testing.T) {
	s := newTestServer(t)
	_, bound := s.request(t, http.MethodPost, "/api/v3/workflow", "alice", bindBody("http-cache", 1))
	wfID := int64(bound["workflow_id"].(float64))

	rec, _ := s.request(t, http.MethodGet, fmt.Sprintf("/api/v3/workflow/%d/status", wfID), "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	key := fmt.Sprintf("jobmon:wf:%d:status", wfID)
	assert.True(t, s.redis.Exists(key), "roll-up lands in the redis cache")

	rec, body := s.request(t, http.MethodGet, fmt.Sprintf("/api/v3/workflow/%d/status", wfID), "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	counts := body["task_counts"].(map[string]interface{})
	assert.Equal(t, float64(1), counts["G"])
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec, body := s.request(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
}
