package router_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selma-orchestration/maestro/internal/api/dto"
	"github.com/selma-orchestration/maestro/internal/api/handler"
	"github.com/selma-orchestration/maestro/internal/api/router"
	"github.com/selma-orchestration/maestro/internal/domain"
	"github.com/selma-orchestration/maestro/internal/enqueuer"
	"github.com/selma-orchestration/maestro/internal/enqueuer/enqueuertest"
	"github.com/selma-orchestration/maestro/internal/metrics"
	"github.com/selma-orchestration/maestro/internal/storage"
	"github.com/selma-orchestration/maestro/internal/storage/storagetest"
	"github.com/selma-orchestration/maestro/internal/transform"
	"github.com/selma-orchestration/maestro/shared/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	engine  *gin.Engine
	store   *storage.Storage
	broker  *enqueuertest.Broker
	metrics *metrics.JobMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	broker := &enqueuertest.Broker{}
	enq, err := enqueuer.New(broker, transform.Passthrough{}, enqueuer.Config{
		WorkersInExchange: "workers-in",
		QueueFormat:       "Type.Provider",
	}, logger.NewNop().Logger)
	require.NoError(t, err)

	f := &fixture{
		store:   storagetest.New(t),
		broker:  broker,
		metrics: metrics.New(nil, "maestro", logger.NewNop().Logger),
	}
	f.engine = router.SetupRouter(&handler.Dependencies{
		Logger:   logger.NewNop().Logger,
		Store:    f.store,
		Enqueuer: enq,
		Metrics:  f.metrics,
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

// chain builds a -> b: a runs first, b waits on a
func chain(wf uuid.UUID) (dto.CreateWorkflowRequest, uuid.UUID, uuid.UUID) {
	a, b := uuid.New(), uuid.New()
	return dto.CreateWorkflowRequest{
		WorkflowID: wf,
		JobNodes: []dto.JobNodeDTO{
			{
				ID:          a,
				JobData:     domain.JSON(`{"audio":"s3://a.wav"}`),
				JobMetadata: domain.JSON(`{"user":"u1"}`),
				JobInfo:     domain.JobInfo{Type: "asr", Provider: "whisper"},
			},
			{
				ID:           b,
				Dependencies: []uuid.UUID{a},
				JobData:      domain.JSON(`{"lang":"de"}`),
				JobInfo:      domain.JobInfo{Type: "mt"},
				Scripts:      domain.Scripts{Output: "input"},
			},
		},
	}, a, b
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"maestro"}`, w.Body.String())
}

func TestCreateWorkflow(t *testing.T) {
	f := newFixture(t)
	wf := uuid.New()
	req, a, b := chain(wf)

	w := f.do(t, http.MethodPost, "/api/v1/workflows", req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[dto.CreateWorkflowResponse](t, w)
	assert.Equal(t, wf, resp.WorkflowID)
	assert.Empty(t, resp.Errors)

	published := f.broker.PublishedTo("workers-in")
	require.Len(t, published, 1)
	assert.Equal(t, a, published[0].Message.JobID)
	assert.Equal(t, "asr.whisper", published[0].RoutingKey)
	assert.Equal(t, int64(1), f.metrics.Snapshot().QueuedTotal)

	job, err := f.store.GetJob(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaiting, job.Status)
	assert.Equal(t, []uuid.UUID{a}, job.Dependencies.Sorted())
	assert.Equal(t, domain.Scripts{Output: "input"}, job.ScriptSet())
}

func TestCreateWorkflow_EnqueueErrors(t *testing.T) {
	f := newFixture(t)
	f.broker.SetPublishErr(errors.New("connection reset"))
	req, a, _ := chain(uuid.New())

	w := f.do(t, http.MethodPost, "/api/v1/workflows", req)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[dto.CreateWorkflowResponse](t, w)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, a, resp.Errors[0].JobID)

	var payload domain.ErrorPayload
	require.NoError(t, resp.Errors[0].Error.Unmarshal(&payload))
	assert.Equal(t, domain.ErrorTypeEnqueue, payload.Type)

	job, err := f.store.GetJob(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, job.Status)
	assert.Equal(t, int64(0), f.metrics.Snapshot().QueuedTotal)
}

func TestCreateWorkflow_Rejected(t *testing.T) {
	f := newFixture(t)
	existing, _, _ := chain(uuid.New())
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/workflows", existing).Code)

	x, y := uuid.New(), uuid.New()
	tests := []struct {
		name string
		body any
	}{
		{name: "malformed body", body: "not a workflow"},
		{name: "no jobs", body: dto.CreateWorkflowRequest{WorkflowID: uuid.New()}},
		{name: "missing workflow id", body: dto.CreateWorkflowRequest{JobNodes: []dto.JobNodeDTO{{ID: x}}}},
		{name: "missing job id", body: dto.CreateWorkflowRequest{WorkflowID: uuid.New(), JobNodes: []dto.JobNodeDTO{{}}}},
		{name: "duplicate job id", body: dto.CreateWorkflowRequest{WorkflowID: uuid.New(), JobNodes: []dto.JobNodeDTO{{ID: x}, {ID: x}}}},
		{name: "unknown dependency", body: dto.CreateWorkflowRequest{WorkflowID: uuid.New(), JobNodes: []dto.JobNodeDTO{{ID: x, Dependencies: []uuid.UUID{uuid.New()}}}}},
		{name: "cycle", body: dto.CreateWorkflowRequest{WorkflowID: uuid.New(), JobNodes: []dto.JobNodeDTO{
			{ID: x, Dependencies: []uuid.UUID{y}},
			{ID: y, Dependencies: []uuid.UUID{x}},
		}}},
		{name: "workflow exists", body: dto.CreateWorkflowRequest{WorkflowID: existing.WorkflowID, JobNodes: []dto.JobNodeDTO{{ID: x}}}},
		{name: "job exists", body: dto.CreateWorkflowRequest{WorkflowID: uuid.New(), JobNodes: []dto.JobNodeDTO{{ID: existing.JobNodes[0].ID}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/workflows", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}

	// only the first workflow was published
	assert.Len(t, f.broker.PublishedTo("workers-in"), 1)
}

func TestGetWorkflow(t *testing.T) {
	f := newFixture(t)
	wf := uuid.New()
	req, a, b := chain(wf)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/workflows", req).Code)

	// complete a but leave b waiting
	ctx := context.Background()
	jobA, err := f.store.GetJob(ctx, a)
	require.NoError(t, err)
	jobA.Status = domain.StatusDone
	jobA.Result = domain.JSON(`{"text":"hallo"}`)
	require.NoError(t, f.store.SaveJob(ctx, jobA))

	w := f.do(t, http.MethodGet, "/api/v1/workflows/"+wf.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[dto.WorkflowDTO](t, w)
	assert.Equal(t, wf, resp.WorkflowID)
	assert.Equal(t, domain.StatusWaiting, resp.Status)
	require.Len(t, resp.JobNodes, 2)

	nodes := map[uuid.UUID]dto.JobDTO{}
	for _, n := range resp.JobNodes {
		nodes[n.ID] = n
	}
	assert.JSONEq(t, `{"text":"hallo"}`, string(nodes[a].Result))
	assert.Nil(t, nodes[b].Result)
	assert.Equal(t, []uuid.UUID{a}, nodes[b].Dependencies)
	assert.Equal(t, domain.JobInfo{Type: "mt"}, nodes[b].JobInfo)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/workflows/"+uuid.NewString(), nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/workflows/nope", nil).Code)
}

func TestGetJob(t *testing.T) {
	f := newFixture(t)
	req, a, _ := chain(uuid.New())
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/workflows", req).Code)

	w := f.do(t, http.MethodGet, "/api/v1/jobs/"+a.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	job := decode[dto.JobDTO](t, w)
	assert.Equal(t, a, job.ID)
	assert.Equal(t, req.WorkflowID, job.WorkflowID)
	assert.Equal(t, domain.StatusQueued, job.Status)
	assert.JSONEq(t, `{"audio":"s3://a.wav"}`, string(job.JobData))
	assert.JSONEq(t, `{"user":"u1"}`, string(job.JobMetadata))

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/jobs/123", nil).Code)
}

func TestListJobs_Pagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wf := uuid.New()

	base := time.Now().UTC().Add(-time.Hour)
	var jobs []*domain.Job
	for i := range 5 {
		job := domain.NewJob(uuid.New(), wf, nil, domain.JobInfo{Type: "asr"}, nil, nil, domain.Scripts{})
		job.Created = base.Add(time.Duration(i) * time.Minute)
		jobs = append(jobs, job)
	}
	require.NoError(t, f.store.CreateJobs(ctx, jobs))

	var seen []uuid.UUID
	path := "/api/v1/jobs?page_size=2&workflow_id=" + wf.String()
	for range 3 {
		w := f.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		page := decode[dto.ListJobsResponse](t, w)
		for _, j := range page.Jobs {
			seen = append(seen, j.ID)
		}
		if page.NextCursor == "" {
			break
		}
		path = "/api/v1/jobs?page_size=2&workflow_id=" + wf.String() + "&cursor=" + page.NextCursor
	}

	// newest first
	require.Len(t, seen, 5)
	for i, id := range seen {
		assert.Equal(t, jobs[4-i].ID, id)
	}
}

func TestListJobs_Filters(t *testing.T) {
	f := newFixture(t)
	req, a, b := chain(uuid.New())
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/workflows", req).Code)

	w := f.do(t, http.MethodGet, "/api/v1/jobs?status=Waiting", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[dto.ListJobsResponse](t, w)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, b, page.Jobs[0].ID)
	assert.Empty(t, page.NextCursor)

	w = f.do(t, http.MethodGet, "/api/v1/jobs?status=Queued&updated_since=2000-01-01T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page = decode[dto.ListJobsResponse](t, w)
	require.Len(t, page.Jobs, 1)
	assert.Equal(t, a, page.Jobs[0].ID)

	for _, query := range []string{"status=Running", "workflow_id=x", "updated_since=yesterday", "cursor=bm9wZQ"} {
		t.Run(query, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/jobs?"+query, nil).Code)
		})
	}
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	req, _, _ := chain(uuid.New())
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/workflows", req).Code)
	f.metrics.RecordDone(context.Background(), 40*time.Millisecond, 2)

	w := f.do(t, http.MethodGet, "/api/v1/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[dto.MetricsResponse](t, w)
	assert.Equal(t, int64(1), resp.Queued.Total)
	assert.Equal(t, int64(2), resp.Done.Total)
	assert.Equal(t, map[domain.Status]int{domain.StatusQueued: 1, domain.StatusWaiting: 1}, resp.Jobs)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodOptions, "/api/v1/workflows", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
