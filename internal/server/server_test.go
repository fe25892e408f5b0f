package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"engram/internal/archive"
	"engram/internal/config"
	"engram/internal/domain"
	"engram/internal/engine"
	"engram/internal/engine/auth"
	"engram/internal/executor"
)

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// echoExecutor succeeds with the confidence found in input_data["confidence"]
// and fails when input_data["fail"] is set.
func echoExecutor(ctx context.Context, task domain.Task, _ executor.AgentConfig) (domain.Result, error) {
	if reason, ok := task.InputData["fail"].(string); ok {
		return domain.FailedResult(task, reason, 1), nil
	}
	conf, _ := task.InputData["confidence"].(float64)
	return domain.Result{
		TaskID:          task.ID,
		Role:            task.Role,
		Success:         true,
		Output:          map[string]any{"echo": task.Type},
		ConfidenceScore: conf,
		ExecutionTimeMs: 5,
		Metadata:        task.InputData,
	}, nil
}

func newTestServer(t *testing.T, authCfg AuthConfig, mutate func(*config.Config)) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	cfg.Executor.AgentsDir = workspace
	cfg.Coordinator.PollInterval = 5 * time.Millisecond
	cfg.Coordinator.BatchPollInterval = 10 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}
	e, err := engine.New(context.Background(), cfg, engine.Options{
		Workspace: workspace,
		Executor:  executor.Func(echoExecutor),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: authCfg})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			e.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubmitAwaitAndArchive(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{}, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"task_id":    "t-1",
		"role":       "analyzer",
		"priority":   "high",
		"task_type":  "pattern_scan",
		"input_data": map[string]any{"confidence": 0.9, "memory_id": "m-1"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var submitted SubmitResponse
	if err := json.Unmarshal(data, &submitted); err != nil || submitted.TaskID != "t-1" {
		t.Fatalf("submit response %s err=%v", string(data), err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/t-1/result?timeout_ms=5000", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("await status %d: %s", res.StatusCode, string(data))
	}
	var awaited AwaitResponse
	if err := json.Unmarshal(data, &awaited); err != nil {
		t.Fatalf("unmarshal await: %v", err)
	}
	if !awaited.Done || awaited.Result == nil || !awaited.Result.Success || awaited.Result.ConfidenceScore != 0.9 {
		t.Fatalf("await = %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/t-1", nil, nil)
	var status StatusResponse
	_ = json.Unmarshal(data, &status)
	if res.StatusCode != http.StatusOK || status.Status != "completed" || status.Task == nil || status.Task.Priority != "high" {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/metrics", nil, nil)
	var metrics MetricsResponse
	_ = json.Unmarshal(data, &metrics)
	if res.StatusCode != http.StatusOK || metrics.Total != 1 || metrics.Successful != 1 {
		t.Fatalf("metrics %d: %s", res.StatusCode, string(data))
	}

	waitFor(t, "archived result", func() bool {
		res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/results/t-1", nil, nil)
		return res.StatusCode == http.StatusOK
	})
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/results?role=analyzer", nil, nil)
	var page paginatedResults
	_ = json.Unmarshal(data, &page)
	if res.StatusCode != http.StatusOK || len(page.Items) != 1 || page.Items[0].Result.TaskID != "t-1" {
		t.Fatalf("results %d: %s", res.StatusCode, string(data))
	}
}

func TestBatchAwaitAndPagination(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{}, nil)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/batch", map[string]any{
		"tasks": []map[string]any{
			{"task_id": "b-1", "role": "curator"},
			{"task_id": "b-2", "role": "curator", "input_data": map[string]any{"fail": "exit code 1"}},
			{"task_id": "b-3", "role": "validator"},
		},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("batch status %d: %s", res.StatusCode, string(data))
	}
	var batch SubmitBatchResponse
	_ = json.Unmarshal(data, &batch)
	if len(batch.TaskIDs) != 3 {
		t.Fatalf("batch ids = %v", batch.TaskIDs)
	}

	ids := append(batch.TaskIDs, "never-submitted")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/await", map[string]any{
		"task_ids":   ids,
		"timeout_ms": 2000,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("await batch status %d: %s", res.StatusCode, string(data))
	}
	var awaited AwaitBatchResponse
	_ = json.Unmarshal(data, &awaited)
	if len(awaited.Results) != 4 {
		t.Fatalf("await batch = %s", string(data))
	}
	if !awaited.Results[0].Success || awaited.Results[1].Success || awaited.Results[1].Error != "exit code 1" {
		t.Fatalf("unexpected outcomes: %s", string(data))
	}
	if awaited.Results[3].TaskID != "never-submitted" || awaited.Results[3].Error != domain.TimeoutError {
		t.Fatalf("missing id placeholder: %+v", awaited.Results[3])
	}

	waitFor(t, "three archived results", func() bool {
		recs, err := srv.Engine.Results.Latest(context.Background(), 10, archive.Filter{})
		return err == nil && len(recs) == 3
	})
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/results?limit=2", nil, nil)
	var first paginatedResults
	_ = json.Unmarshal(data, &first)
	if res.StatusCode != http.StatusOK || len(first.Items) != 2 || first.NextCursor == "" {
		t.Fatalf("first page %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/results?limit=2&cursor="+first.NextCursor, nil, nil)
	var second paginatedResults
	_ = json.Unmarshal(data, &second)
	if res.StatusCode != http.StatusOK || len(second.Items) != 1 || second.NextCursor != "" {
		t.Fatalf("second page %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/results?only_failures=true", nil, nil)
	var failures paginatedResults
	_ = json.Unmarshal(data, &failures)
	if res.StatusCode != http.StatusOK || len(failures.Items) != 1 || failures.Items[0].Result.TaskID != "b-2" {
		t.Fatalf("failures %d: %s", res.StatusCode, string(data))
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{}, nil)
	defer cleanup()
	client := srv.Client()

	body := map[string]any{"task_id": "dup", "role": "researcher"}
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", body, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("first submit %d: %s", res.StatusCode, string(data))
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", body, nil)
	if res.StatusCode != http.StatusConflict || decodeError(t, data).Code != "duplicate_task" {
		t.Fatalf("duplicate %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{"role": "wizard"}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid role %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound || decodeError(t, data).Code != "not_found" {
		t.Fatalf("unknown status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/nope/result?timeout_ms=10", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown await %d: %s", res.StatusCode, string(data))
	}
}

func TestArchiveDisabled(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{}, func(cfg *config.Config) { cfg.Archive.Enabled = false })
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/results", nil, nil)
	if res.StatusCode != http.StatusServiceUnavailable || decodeError(t, data).Code != "archive_disabled" {
		t.Fatalf("results without archive %d: %s", res.StatusCode, string(data))
	}
}

func TestConsensusFromResults(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{}, nil)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/consensus", map[string]any{
		"key": "claim-9",
		"results": []map[string]any{
			{"task_id": "v-1", "role": "validator", "success": true, "confidence_score": 0.9, "execution_time_ms": 1},
			{"task_id": "v-2", "role": "researcher", "success": true, "confidence_score": 0.8, "execution_time_ms": 1},
			{"task_id": "v-3", "role": "curator", "success": false, "error": "Timeout", "confidence_score": 0, "execution_time_ms": 0},
			{"task_id": "v-4", "role": "curator", "success": true, "confidence_score": 0.3, "execution_time_ms": 1},
		},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("consensus status %d: %s", res.StatusCode, string(data))
	}
	var verdict VerdictResponse
	_ = json.Unmarshal(data, &verdict)
	if verdict.Recommendation != "review" || verdict.Successful != 3 || verdict.Total != 4 {
		t.Fatalf("verdict = %s", string(data))
	}
	if math.Abs(verdict.ConsensusScore-2.0/3) > 1e-9 || math.Abs(verdict.OverallConfidence-2.0/3) > 1e-9 {
		t.Fatalf("verdict = %s", string(data))
	}
}

func TestConsensusRunsVerification(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{}, nil)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/consensus", map[string]any{
		"key":        "claim-1",
		"roles":      []string{"validator", "researcher"},
		"item":       map[string]any{"confidence": 0.95},
		"timeout_ms": 5000,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("consensus status %d: %s", res.StatusCode, string(data))
	}
	var verdict VerdictResponse
	_ = json.Unmarshal(data, &verdict)
	if verdict.Recommendation != "accept" || verdict.ConsensusScore != 1 {
		t.Fatalf("verdict = %s", string(data))
	}
}

func signToken(t *testing.T, secret, subject string, perms ...string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
		Permissions:      perms,
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestAuthentication(t *testing.T) {
	const secret = "test-secret"
	keys := auth.NewKeyring([]string{auth.HashAPIKey("k-123")})
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret, APIKeys: keys}, nil)
	defer cleanup()
	client := srv.Client()

	if res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("health %d: %s", res.StatusCode, string(data))
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/metrics", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, data).Code != "unauthorized" {
		t.Fatalf("anonymous %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/metrics", nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad key status %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/metrics", nil, map[string]string{"X-Api-Key": "k-123"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key %d: %s", res.StatusCode, string(data))
	}

	reader := map[string]string{"Authorization": "Bearer " + signToken(t, secret, "dash", auth.PermTasksRead, auth.PermMetricsRead)}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{"role": "analyzer"}, reader)
	if res.StatusCode != http.StatusForbidden || decodeError(t, data).Details["permission"] != auth.PermTasksWrite {
		t.Fatalf("read-only token submit %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/metrics", nil, reader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("read-only token metrics %d: %s", res.StatusCode, string(data))
	}

	full := map[string]string{"Authorization": "Bearer " + signToken(t, secret, "worker")}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{"role": "analyzer"}, full)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("full token submit %d: %s", res.StatusCode, string(data))
	}
	forged := map[string]string{"Authorization": "Bearer " + signToken(t, "other-secret", "worker")}
	if res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/metrics", nil, forged); res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged token status %d", res.StatusCode)
	}
}

func TestWebhookDelivery(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		headers  []http.Header
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
	}))
	defer hook.Close()

	srv, cleanup := newTestServer(t, AuthConfig{}, func(cfg *config.Config) {
		cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL, Secret: "s3cret", Roles: []string{"validator"}, OnlyFailures: true}}
	})
	defer cleanup()
	ctx := context.Background()
	d := newWebhookDispatcher(srv.Engine, nil)
	d.dispatchAll(ctx)

	client := srv.Client()
	tasks := []map[string]any{
		{"task_id": "w-1", "role": "validator", "input_data": map[string]any{"fail": "exit code 2"}},
		{"task_id": "w-2", "role": "validator"},
		{"task_id": "w-3", "role": "analyzer", "input_data": map[string]any{"fail": "exit code 3"}},
	}
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/batch", map[string]any{"tasks": tasks}, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("batch %d: %s", res.StatusCode, string(data))
	}
	waitFor(t, "archived results", func() bool {
		recs, err := srv.Engine.Results.Latest(ctx, 10, archive.Filter{})
		return err == nil && len(recs) == 3
	})
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].Result.TaskID != "w-1" || received[0].Type != resultCompletedEvent {
		t.Fatalf("received = %+v", received)
	}
	if headers[0].Get("X-Engram-Secret") != "s3cret" || headers[0].Get("X-Engram-Event") != resultCompletedEvent {
		t.Fatalf("headers = %v", headers[0])
	}
	last, err := srv.Engine.Results.LastSeq(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if cur, err := srv.Engine.Results.Cursor(ctx, hook.URL); err != nil || cur != last {
		t.Fatalf("cursor = %d (last %d) err=%v", cur, last, err)
	}
}
