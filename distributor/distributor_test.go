package distributor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihmeuw-scicomp/jobmon/client"
)

// stubServer fakes the coordinator surface: one pending instance, then
// records every report the distributor makes.
type stubServer struct {
	mu       sync.Mutex
	pending  []client.PendingTaskInstance
	launched [][]int64
	running  []int64
	done     []int64
	errored  []int64
}

func (s *stubServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/distributor/task_instances", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{"task_instances": s.pending})
		s.pending = nil // hand out the work once
	})
	mux.HandleFunc("/api/v3/array/", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			TaskInstanceIDs []int64 `json:"task_instance_ids"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		s.mu.Lock()
		s.launched = append(s.launched, body.TaskInstanceIDs)
		s.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]int{"launched": len(body.TaskInstanceIDs)})
	})
	mux.HandleFunc("/api/v3/task_instance/", func(w http.ResponseWriter, r *http.Request) {
		// paths look like /api/v3/task_instance/7/log_running
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v3/task_instance/"), "/")
		if len(parts) != 2 {
			http.Error(w, "bad path", http.StatusBadRequest)
			return
		}
		id, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			http.Error(w, "bad id", http.StatusBadRequest)
			return
		}
		suffix := parts[1]
		s.mu.Lock()
		switch suffix {
		case "log_running":
			s.running = append(s.running, id)
		case "log_done":
			s.done = append(s.done, id)
		case "log_error", "log_resource_error":
			s.errored = append(s.errored, id)
		}
		s.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	return mux
}

func TestDistributorRunsOneInstance(t *testing.T) {
	stub := &stubServer{pending: []client.PendingTaskInstance{{
		TaskInstanceID: 7,
		TaskID:         3,
		ArrayID:        1,
		ArrayBatchID:   9,
		WorkflowRunID:  5,
		Command:        "echo hello",
	}}}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	d := New(client.New(server.URL, "tester"), Config{
		PollInterval:      20 * time.Millisecond,
		Workers:           2,
		HeartbeatInterval: time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go d.Run(ctx)

	require.Eventually(t, func() bool {
		stub.mu.Lock()
		defer stub.mu.Unlock()
		return len(stub.done) == 1
	}, 4*time.Second, 20*time.Millisecond, "the command should complete and be reported done")

	stub.mu.Lock()
	defer stub.mu.Unlock()
	require.Len(t, stub.launched, 1)
	assert.Equal(t, []int64{7}, stub.launched[0])
	assert.Equal(t, []int64{7}, stub.running)
	assert.Empty(t, stub.errored)
}

func TestDistributorReportsFailure(t *testing.T) {
	stub := &stubServer{pending: []client.PendingTaskInstance{{
		TaskInstanceID: 8,
		ArrayID:        1,
		ArrayBatchID:   9,
		WorkflowRunID:  5,
		Command:        "exit 2",
	}}}
	server := httptest.NewServer(stub.handler())
	defer server.Close()

	d := New(client.New(server.URL, "tester"), Config{
		PollInterval:      20 * time.Millisecond,
		Workers:           1,
		HeartbeatInterval: time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go d.Run(ctx)

	require.Eventually(t, func() bool {
		stub.mu.Lock()
		defer stub.mu.Unlock()
		return len(stub.errored) == 1
	}, 4*time.Second, 20*time.Millisecond)
}

func TestJobID(t *testing.T) {
	d := New(client.New("http://localhost", "t"), DefaultConfig())
	assert.Equal(t, "task_instance:4", d.JobID(client.PendingTaskInstance{TaskInstanceID: 4}))
	assert.Equal(t, "unknown", d.JobID(42))
}
