package rest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"yqhp/taskfarm/internal/backend/local"
	"yqhp/taskfarm/internal/backend/volunteer"
	"yqhp/taskfarm/internal/master"
	"yqhp/taskfarm/pkg/types"
)

func newTestServer(t *testing.T, mounters ...RouteMounter) (*Server, *master.Scheduler) {
	t.Helper()
	log := zaptest.NewLogger(t)

	adapter, err := local.NewAdapter(local.Config{Workers: 2}, nil, log)
	require.NoError(t, err)

	cfg := master.DefaultConfig()
	cfg.DispatchInterval = 5 * time.Millisecond
	cfg.Logger = log
	s, err := master.NewScheduler(cfg, adapter)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)

	srvCfg := DefaultConfig()
	srvCfg.AccessLog = false
	return NewServer(s, srvCfg, log, mounters...), s
}

func doRequest(t *testing.T, srv *Server, method, path, body string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, sonic.Unmarshal(data, &v), string(data))
	return v
}

func TestHealthCheck(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/health", "/api/v1/health"} {
		code, body := doRequest(t, srv, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, code)
		health := decode[HealthResponse](t, body)
		assert.Equal(t, "healthy", health.Status)
		assert.Equal(t, string(master.StateRunning), health.State)
	}
}

func TestSubmitAndWait(t *testing.T) {
	srv, _ := newTestServer(t)

	code, body := doRequest(t, srv, http.MethodPost, "/api/v1/tasks",
		`{"payload":{"kind":"func","ref":"square"},"input":7}`)
	require.Equal(t, http.StatusCreated, code, string(body))
	submitted := decode[TaskSubmitResponse](t, body)
	require.NotEmpty(t, submitted.ID)
	assert.Equal(t, "pending", submitted.Status)

	code, body = doRequest(t, srv, http.MethodGet, "/api/v1/tasks/"+submitted.ID+"?wait=true&timeout=10s", "")
	require.Equal(t, http.StatusOK, code, string(body))
	result := decode[TaskResponse](t, body)
	assert.Equal(t, submitted.ID, result.TaskID)
	assert.Equal(t, types.StatusSuccess, result.Status)
	assert.Equal(t, float64(49), result.Value)
	assert.Equal(t, 1, result.Attempts)
	assert.NotEmpty(t, result.TotalTime)

	code, body = doRequest(t, srv, http.MethodGet, "/api/v1/tasks/"+submitted.ID, "")
	require.Equal(t, http.StatusOK, code)
	again := decode[TaskResponse](t, body)
	assert.Equal(t, result.Value, again.Value)
	assert.Equal(t, result.FinishTime, again.FinishTime)
}

func TestSubmitFailingTask(t *testing.T) {
	srv, _ := newTestServer(t)

	code, body := doRequest(t, srv, http.MethodPost, "/api/v1/tasks",
		`{"payload":{"kind":"func","ref":"fail","args":["ValueError"]}}`)
	require.Equal(t, http.StatusCreated, code)
	id := decode[TaskSubmitResponse](t, body).ID

	code, body = doRequest(t, srv, http.MethodGet, "/api/v1/tasks/"+id+"?wait=1&timeout=10", "")
	require.Equal(t, http.StatusOK, code, string(body))
	result := decode[TaskResponse](t, body)
	assert.Equal(t, types.StatusFailed, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, "ValueError", result.Error.Kind)
}

func TestSubmitInvalidTask(t *testing.T) {
	srv, _ := newTestServer(t)

	code, body := doRequest(t, srv, http.MethodPost, "/api/v1/tasks", `{"payload":{"kind":"func","ref":""}}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_task", decode[ErrorResponse](t, body).Error)

	code, body = doRequest(t, srv, http.MethodPost, "/api/v1/tasks", `{not json`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_request", decode[ErrorResponse](t, body).Error)
}

func TestUnknownTask(t *testing.T) {
	srv, _ := newTestServer(t)

	code, body := doRequest(t, srv, http.MethodGet, "/api/v1/tasks/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, body).Error)

	code, _ = doRequest(t, srv, http.MethodDelete, "/api/v1/tasks/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestWaitTimeoutThenCancel(t *testing.T) {
	srv, s := newTestServer(t)

	code, body := doRequest(t, srv, http.MethodPost, "/api/v1/tasks",
		`{"payload":{"kind":"func","ref":"sleep"},"input":5000}`)
	require.Equal(t, http.StatusCreated, code)
	id := decode[TaskSubmitResponse](t, body).ID

	code, body = doRequest(t, srv, http.MethodGet, "/api/v1/tasks/"+id+"?wait=true&timeout=50ms", "")
	assert.Equal(t, http.StatusRequestTimeout, code)
	assert.Equal(t, "timeout", decode[ErrorResponse](t, body).Error)

	code, _ = doRequest(t, srv, http.MethodDelete, "/api/v1/tasks/"+id, "")
	assert.Equal(t, http.StatusAccepted, code)

	r, err := s.PollOrWait(context.Background(), id, true, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, r.Status)
}

func TestInvalidTimeout(t *testing.T) {
	srv, _ := newTestServer(t)

	code, _ := doRequest(t, srv, http.MethodGet, "/api/v1/tasks/x?wait=true&timeout=soon", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestParseTimeoutCap(t *testing.T) {
	srv := &Server{config: &Config{MaxWait: time.Minute}}

	d, err := srv.parseTimeout("")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = srv.parseTimeout("2.5")
	require.NoError(t, err)
	assert.Equal(t, 2500*time.Millisecond, d)

	d, err = srv.parseTimeout("1h")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	_, err = srv.parseTimeout("-3s")
	assert.Error(t, err)
}

func TestReleaseTask(t *testing.T) {
	srv, s := newTestServer(t)

	id, err := s.Submit(&types.Task{Payload: types.Func("echo"), Input: "hi"})
	require.NoError(t, err)
	_, err = s.PollOrWait(context.Background(), id, true, 10*time.Second)
	require.NoError(t, err)

	code, _ := doRequest(t, srv, http.MethodPost, "/api/v1/tasks/"+id+"/release", "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = doRequest(t, srv, http.MethodGet, "/api/v1/tasks/"+id, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestBatchAndWaitAll(t *testing.T) {
	srv, _ := newTestServer(t)

	code, body := doRequest(t, srv, http.MethodPost, "/api/v1/tasks/batch", `{"tasks":[
		{"payload":{"kind":"func","ref":"square"},"input":2},
		{"payload":{"kind":"func","ref":"square"},"input":3},
		{"payload":{"kind":"func","ref":"square"},"input":4}
	]}`)
	require.Equal(t, http.StatusCreated, code, string(body))
	ids := decode[BatchSubmitResponse](t, body).IDs
	require.Len(t, ids, 3)

	waitBody, err := sonic.MarshalString(WaitRequest{IDs: ids, Timeout: "10s"})
	require.NoError(t, err)
	code, body = doRequest(t, srv, http.MethodPost, "/api/v1/tasks/wait", waitBody)
	require.Equal(t, http.StatusOK, code, string(body))
	resp := decode[WaitResponse](t, body)
	assert.False(t, resp.TimedOut)
	require.Len(t, resp.Results, 3)
	for i, want := range []float64{4, 9, 16} {
		assert.Equal(t, ids[i], resp.Results[i].TaskID)
		assert.Equal(t, want, resp.Results[i].Value)
	}

	code, _ = doRequest(t, srv, http.MethodPost, "/api/v1/tasks/batch", `{"tasks":[]}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWaitAny(t *testing.T) {
	srv, s := newTestServer(t)

	slow, err := s.Submit(&types.Task{Payload: types.Func("sleep"), Input: 5000})
	require.NoError(t, err)
	fast, err := s.Submit(&types.Task{Payload: types.Func("echo"), Input: "quick"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Cancel(slow) })

	waitBody, err := sonic.MarshalString(WaitRequest{IDs: []string{slow, fast}, Mode: "any", Timeout: "10s"})
	require.NoError(t, err)
	code, body := doRequest(t, srv, http.MethodPost, "/api/v1/tasks/wait", waitBody)
	require.Equal(t, http.StatusOK, code, string(body))
	resp := decode[WaitResponse](t, body)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, fast, resp.Results[0].TaskID)
	assert.Equal(t, "quick", resp.Results[0].Value)

	code, _ = doRequest(t, srv, http.MethodPost, "/api/v1/tasks/wait", `{"ids":["a"],"mode":"some"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = doRequest(t, srv, http.MethodPost, "/api/v1/tasks/wait", `{"ids":[]}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWorkersAndStatus(t *testing.T) {
	srv, s := newTestServer(t)

	id, err := s.Submit(&types.Task{Payload: types.Func("echo"), Input: 1})
	require.NoError(t, err)
	_, err = s.PollOrWait(context.Background(), id, true, 10*time.Second)
	require.NoError(t, err)

	code, body := doRequest(t, srv, http.MethodGet, "/api/v1/workers", "")
	require.Equal(t, http.StatusOK, code)
	workers := decode[WorkersResponse](t, body)
	assert.Equal(t, 2, workers.Total)
	for _, w := range workers.Workers {
		assert.Equal(t, types.BackendLocal, w.Backend)
	}

	code, body = doRequest(t, srv, http.MethodGet, "/api/v1/workers?backend=grid", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 0, decode[WorkersResponse](t, body).Total)

	code, body = doRequest(t, srv, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, code)
	status := decode[StatusResponse](t, body)
	assert.Equal(t, s.ID(), status.ID)
	assert.Equal(t, int64(1), status.Submitted)
	assert.Equal(t, 1, status.Succeeded)
	assert.Equal(t, string(master.StateRunning), status.State)
}

func TestSubmitAfterFinalize(t *testing.T) {
	srv, s := newTestServer(t)
	require.NoError(t, s.Finalize(context.Background()))

	code, body := doRequest(t, srv, http.MethodPost, "/api/v1/tasks", `{"payload":{"kind":"func","ref":"echo"}}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "finalized", decode[ErrorResponse](t, body).Error)

	code, body = doRequest(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "not_running", decode[HealthResponse](t, body).Status)
}

func TestVolunteerRoutesMounted(t *testing.T) {
	v := volunteer.NewAdapter(volunteer.Config{}, zaptest.NewLogger(t))
	srv, _ := newTestServer(t, v)

	code, body := doRequest(t, srv, http.MethodPost, "/api/v1/volunteers/register",
		`{"platform":"linux/amd64","slots":2}`)
	require.Equal(t, http.StatusCreated, code, string(body))
	reg := decode[volunteer.RegisterResponse](t, body)
	assert.NotEmpty(t, reg.ID)
	assert.Equal(t, 1, v.Volunteers())
}

func TestCustomErrorHandler(t *testing.T) {
	srv, _ := newTestServer(t)

	code, body := doRequest(t, srv, http.MethodGet, "/api/v1/nothing-here", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "error_404", decode[ErrorResponse](t, body).Error)
}
