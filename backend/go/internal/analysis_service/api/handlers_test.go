package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"mahjong_analysis/backend/go/internal/analysis_service/objectstore"
	"mahjong_analysis/backend/go/internal/analysis_service/registry"
	"mahjong_analysis/backend/go/internal/analysis_service/service"
	"mahjong_analysis/backend/go/internal/analysis_service/workspace"
	"mahjong_analysis/backend/go/internal/config"
	"mahjong_analysis/backend/go/internal/models"
	"mahjong_analysis/backend/go/pkg/logger"

	"github.com/gin-gonic/gin"
)

type memoryGateway map[string][]byte

func (g memoryGateway) List(ctx context.Context, p string) (*models.Listing, error) {
	objects, err := g.ListAll(ctx, objectstore.DirPrefix(p))
	if err != nil {
		return nil, err
	}
	return objectstore.BuildListing(p, objects, nil), nil
}

func (g memoryGateway) ListAll(ctx context.Context, prefix string) ([]models.ObjectInfo, error) {
	var out []models.ObjectInfo
	for k, v := range g {
		if strings.HasPrefix(k, prefix) {
			out = append(out, models.ObjectInfo{Key: k, Size: int64(len(v)), LastModified: time.Unix(1700000000, 0)})
		}
	}
	if len(out) == 0 {
		return nil, objectstore.ErrNotFound
	}
	return out, nil
}

func (g memoryGateway) Fetch(ctx context.Context, key string) ([]byte, error) {
	if data, ok := g[key]; ok {
		return data, nil
	}
	return nil, objectstore.ErrNotFound
}

type scoreAnalyzer struct{}

func (scoreAnalyzer) Analyze(ctx context.Context, img models.ImageInput, prompt string) (*models.ImageFinding, error) {
	return &models.ImageFinding{
		WinType:     models.WinType{Pattern: "清一色", Multiplier: "X4"},
		FinalScores: []int{8, -8},
	}, nil
}

// syncScheduler runs tasks inside Schedule unless hold is set.
type syncScheduler struct {
	run  service.RunFunc
	hold bool
}

func (s *syncScheduler) Schedule(id string) error {
	if s.hold {
		return nil
	}
	return s.run(context.Background(), id)
}

func (s *syncScheduler) Accepting() bool                    { return true }
func (s *syncScheduler) Shutdown(ctx context.Context) error { return nil }

type testEnv struct {
	router    *gin.Engine
	scheduler *syncScheduler
	svc       *service.AnalysisService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gw := memoryGateway{
		"egg/u/2025-10-15/r1.png": []byte("one"),
		"egg/u/2025-10-15/r2.png": []byte("two"),
	}
	ws, err := workspace.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	matcher, err := objectstore.NewMatcher([]string{"*.png"})
	if err != nil {
		t.Fatalf("NewMatcher() error = %v", err)
	}
	reg := registry.New()
	engine := service.NewEngine(reg, gw, ws, scoreAnalyzer{}, matcher)
	sched := &syncScheduler{run: engine.Run}
	svc := service.NewAnalysisService(reg, sched, gw, ws, 0, logger.Discard())

	router := gin.New()
	RegisterRoutes(router, NewAPI(svc, config.AppInfo{Name: "MahjongAnalysisService", Version: "1.0.0"}, logger.Discard()))
	return &testEnv{router: router, scheduler: sched, svc: svc}
}

func (e *testEnv) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func TestHealthAndIndex(t *testing.T) {
	env := newTestEnv(t)
	if w := env.do(t, http.MethodGet, "/health", nil); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("GET /health = %d %s", w.Code, w.Body.String())
	}
	w := env.do(t, http.MethodGet, "/", nil)
	var index struct {
		Name      string            `json:"name"`
		Endpoints map[string]string `json:"endpoints"`
	}
	decode(t, w, &index)
	if index.Name != "MahjongAnalysisService" || index.Endpoints["create_analysis"] != "POST /analysis" {
		t.Errorf("Unexpected index %+v", index)
	}
}

func TestCreateAnalysis(t *testing.T) {
	env := newTestEnv(t)
	env.scheduler.hold = true

	w := env.do(t, http.MethodPost, "/analysis", gin.H{"source_path": "egg/u/2025-10-15", "prompt": "score", "force_reanalyze": true})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		TaskID         string `json:"task_id"`
		Status         string `json:"status"`
		ForceReanalyze bool   `json:"force_reanalyze"`
	}
	decode(t, w, &created)
	if created.TaskID == "" || created.Status != "pending" || !created.ForceReanalyze {
		t.Errorf("Unexpected create response %+v", created)
	}

	w = env.do(t, http.MethodPost, "/analysis", gin.H{"cos_path": "egg/u/2025-10-15", "prompt": "score"})
	if w.Code != http.StatusCreated {
		t.Errorf("Expected cos_path alias to be accepted, got %d", w.Code)
	}
}

func TestCreateAnalysis_BadRequests(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"missing path", `{"prompt":"p"}`},
		{"missing prompt", `{"source_path":"egg"}`},
		{"wrong type", `{"source_path":"egg","prompt":"p","force_reanalyze":"yes"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/analysis", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestAnalysisLifecycle(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/analysis", gin.H{"source_path": "egg/u/2025-10-15", "prompt": "score"})
	var created struct {
		TaskID string `json:"task_id"`
	}
	decode(t, w, &created)

	w = env.do(t, http.MethodGet, "/analysis/"+created.TaskID, nil)
	var task models.AnalysisTask
	decode(t, w, &task)
	if task.Status != models.TaskStatusCompleted || task.Progress != 100 || task.ImageCount != 2 {
		t.Fatalf("Unexpected task %+v", task)
	}

	w = env.do(t, http.MethodGet, "/analysis/"+created.TaskID+"/result", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for result, got %d", w.Code)
	}
	var result models.AnalysisResult
	decode(t, w, &result)
	if !strings.Contains(result.Content, "## [2/2] r2.png") || result.Size != int64(len(result.Content)) {
		t.Errorf("Unexpected result %+v", result)
	}

	w = env.do(t, http.MethodGet, "/analysis/"+created.TaskID+"/download", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Header().Get("Content-Disposition"), created.TaskID+".txt") {
		t.Errorf("Unexpected download response %d %v", w.Code, w.Header())
	}

	w = env.do(t, http.MethodGet, "/analysis/"+created.TaskID+"/export", nil)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != xlsxContentType || w.Body.Len() == 0 {
		t.Errorf("Unexpected export response %d %q", w.Code, w.Header().Get("Content-Type"))
	}

	if err := os.Remove(result.ResultPath); err != nil {
		t.Fatal(err)
	}
	if w := env.do(t, http.MethodGet, "/analysis/"+created.TaskID+"/result", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 when the report is gone, got %d", w.Code)
	}
}

func TestResultBeforeCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.scheduler.hold = true
	w := env.do(t, http.MethodPost, "/analysis", gin.H{"source_path": "egg/u/2025-10-15", "prompt": "score"})
	var created struct {
		TaskID string `json:"task_id"`
	}
	decode(t, w, &created)

	for _, suffix := range []string{"/result", "/export"} {
		if w := env.do(t, http.MethodGet, "/analysis/"+created.TaskID+suffix, nil); w.Code != http.StatusBadRequest {
			t.Errorf("GET %s before completion = %d, want 400", suffix, w.Code)
		}
	}
	for _, target := range []string{"/analysis/nope", "/analysis/nope/result"} {
		if w := env.do(t, http.MethodGet, target, nil); w.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", target, w.Code)
		}
	}
}

func TestListTasks(t *testing.T) {
	env := newTestEnv(t)
	env.scheduler.hold = true
	var ids []string
	for i := 0; i < 3; i++ {
		w := env.do(t, http.MethodPost, "/analysis", gin.H{"source_path": "egg/u/2025-10-15", "prompt": "score"})
		var created struct {
			TaskID string `json:"task_id"`
		}
		decode(t, w, &created)
		ids = append(ids, created.TaskID)
	}

	w := env.do(t, http.MethodGet, "/tasks?status=pending&limit=2", nil)
	var listed struct {
		Tasks []models.AnalysisTask `json:"tasks"`
		Total int                   `json:"total"`
	}
	decode(t, w, &listed)
	if listed.Total != 2 || len(listed.Tasks) != 2 {
		t.Fatalf("Expected 2 tasks, got %d/%d", listed.Total, len(listed.Tasks))
	}
	if listed.Tasks[0].ID != ids[0] || listed.Tasks[1].ID != ids[1] {
		t.Errorf("Expected creation order %v, got [%s %s]", ids[:2], listed.Tasks[0].ID, listed.Tasks[1].ID)
	}

	for _, q := range []string{"status=bogus", "limit=-1", "limit=ten"} {
		if w := env.do(t, http.MethodGet, "/tasks?"+q, nil); w.Code != http.StatusBadRequest {
			t.Errorf("GET /tasks?%s = %d, want 400", q, w.Code)
		}
	}
}

func TestListObjects(t *testing.T) {
	env := newTestEnv(t)
	for _, route := range []string{"/object-store/list", "/cos/list"} {
		w := env.do(t, http.MethodGet, route+"?path=egg/u/2025-10-15", nil)
		var listing models.Listing
		decode(t, w, &listing)
		if w.Code != http.StatusOK || listing.TotalFiles != 2 {
			t.Errorf("GET %s = %d with %d files", route, w.Code, listing.TotalFiles)
		}
	}
	if w := env.do(t, http.MethodGet, "/object-store/list?path=missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for a missing path, got %d", w.Code)
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ws, _ := workspace.NewManager(t.TempDir())
	reg := registry.New()
	svc := service.NewAnalysisService(reg, closedScheduler{}, memoryGateway{}, ws, 0, logger.Discard())
	router := gin.New()
	RegisterRoutes(router, NewAPI(svc, config.AppInfo{}, logger.Discard()))

	req := httptest.NewRequest(http.MethodPost, "/analysis", strings.NewReader(`{"source_path":"a","prompt":"p"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 once the scheduler is closed, got %d", w.Code)
	}
}

type closedScheduler struct{}

func (closedScheduler) Schedule(string) error              { return service.ErrSchedulerClosed }
func (closedScheduler) Accepting() bool                    { return false }
func (closedScheduler) Shutdown(ctx context.Context) error { return nil }
