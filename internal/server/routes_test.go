package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mwhitten/ingestd/internal/catalog"
	"github.com/mwhitten/ingestd/internal/config"
	"github.com/mwhitten/ingestd/internal/db"
	"github.com/mwhitten/ingestd/internal/operation"
	"github.com/mwhitten/ingestd/internal/orchestrator"
	"github.com/mwhitten/ingestd/internal/pipeline"
)

type fakeSource struct {
	files []pipeline.SourceFile
	gate  chan struct{}
}

func (f *fakeSource) ListFiles(ctx context.Context) ([]pipeline.SourceFile, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.files, nil
}

func (f *fakeSource) Download(ctx context.Context, file pipeline.SourceFile) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("content")), nil
}

type fakeObjects struct{}

func (fakeObjects) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	io.Copy(io.Discard, body)
	return nil
}

func (fakeObjects) Delete(ctx context.Context, key string) error { return nil }

type fakeIndexer struct{}

func (fakeIndexer) StartIngestion(ctx context.Context, description string) (string, error) {
	return "job-1", nil
}

func (fakeIndexer) WaitForJob(ctx context.Context, jobID string) (pipeline.IndexJob, error) {
	return pipeline.IndexJob{ID: jobID, Succeeded: true, Detail: "ok"}, nil
}

type testAPI struct {
	router *gin.Engine
	orch   *orchestrator.Orchestrator
	ops    *operation.Store
	cat    *catalog.Store
	source *fakeSource
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gdb, err := db.ConnectSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ops := operation.NewStore(gdb)
	cat := catalog.NewStore(gdb)
	source := &fakeSource{}
	orch, err := orchestrator.New(context.Background(), orchestrator.Opts{
		Ops: ops,
		Deps: pipeline.Deps{
			Catalog: cat,
			Source:  source,
			Objects: fakeObjects{},
			Indexer: fakeIndexer{},
		},
		Limits: config.LimitsConfig{
			MaxUploadFiles: 3,
			MaxUploadBytes: 1 << 20,
			MaxDeleteBatch: 3,
		},
	})
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	registerRoutes(router, orch, ops)
	return &testAPI{router: router, orch: orch, ops: ops, cat: cat, source: source}
}

func (a *testAPI) do(t *testing.T, method, path string, body io.Reader, contentType string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var parsed map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("%s %s: response is not JSON: %v\n%s", method, path, err, w.Body.String())
	}
	return w, parsed
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)
	w, body := api.do(t, http.MethodGet, "/healthz", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body["status"] != "ok" {
		t.Errorf(`body["status"] = %v, want "ok"`, body["status"])
	}
}

func TestStatus_IdleSentinel(t *testing.T) {
	api := newTestAPI(t)
	w, body := api.do(t, http.MethodGet, "/operations/status", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body["currentStatus"] != "IDLE" {
		t.Errorf("currentStatus = %v, want IDLE", body["currentStatus"])
	}
	if body["id"] != nil {
		t.Errorf("id = %v, want null", body["id"])
	}
	if body["startedAt"] != nil {
		t.Errorf("startedAt = %v, want null", body["startedAt"])
	}
}

func TestSync_Accepted(t *testing.T) {
	api := newTestAPI(t)

	w, body := api.do(t, http.MethodPost, "/operations/sync", nil, "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %v", w.Code, body)
	}
	if body["operationId"] == nil {
		t.Error("202 body missing operationId")
	}
	if body["currentStatus"] != "STARTED" {
		t.Errorf("currentStatus = %v, want STARTED", body["currentStatus"])
	}
	if body["message"] == nil {
		t.Error("202 body missing message")
	}
	api.orch.Wait()

	// The poll endpoint now reports the terminal state, idempotently.
	_, first := api.do(t, http.MethodGet, "/operations/status", nil, "")
	if first["currentStatus"] != "COMPLETED" {
		t.Errorf("currentStatus = %v (%v), want COMPLETED", first["currentStatus"], first["errorMessage"])
	}
	if first["endedAt"] == nil {
		t.Error("endedAt is null after completion")
	}
	_, second := api.do(t, http.MethodGet, "/operations/status", nil, "")
	if second["currentStatus"] != first["currentStatus"] || second["updatedAt"] != first["updatedAt"] {
		t.Errorf("repeated status polls differ: %v vs %v", first, second)
	}
}

func TestSync_ConflictWhileActive(t *testing.T) {
	api := newTestAPI(t)
	api.source.gate = make(chan struct{})

	w, _ := api.do(t, http.MethodPost, "/operations/sync", nil, "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("first sync status = %d, want 202", w.Code)
	}

	w, body := api.do(t, http.MethodPost, "/operations/sync", nil, "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second sync status = %d, want 429", w.Code)
	}
	if body["details"] == nil {
		t.Error("429 body missing details")
	}

	close(api.source.gate)
	api.orch.Wait()
}

func TestProcessPending_Accepted(t *testing.T) {
	api := newTestAPI(t)
	w, body := api.do(t, http.MethodPost, "/operations/process-pending", nil, "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %v", w.Code, body)
	}
	if body["operationType"] != "PROCESS_PENDING" {
		t.Errorf("operationType = %v, want PROCESS_PENDING", body["operationType"])
	}
	api.orch.Wait()
}

func TestDelete(t *testing.T) {
	api := newTestAPI(t)

	// Seed a document so the deletion pipeline has something to flag.
	if _, err := api.cat.StageUpload("a.pdf", "uploads/x/a.pdf", "application/pdf", 10); err != nil {
		t.Fatalf("seed document: %v", err)
	}
	docs, err := api.cat.ListByStatus(catalog.StatusPendingIngestion)
	if err != nil || len(docs) != 1 {
		t.Fatalf("seed lookup: %v, %d docs", err, len(docs))
	}

	payload, _ := json.Marshal(map[string][]string{"documentIds": {docs[0].ID}})
	w, body := api.do(t, http.MethodPost, "/operations/delete", bytes.NewReader(payload), "application/json")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %v", w.Code, body)
	}
	api.orch.Wait()

	_, status := api.do(t, http.MethodGet, "/operations/status", nil, "")
	if status["currentStatus"] != "COMPLETED" {
		t.Errorf("currentStatus = %v (%v), want COMPLETED", status["currentStatus"], status["errorMessage"])
	}
}

func TestDelete_BadRequests(t *testing.T) {
	api := newTestAPI(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"documentIds": [`},
		{"no ids", `{"documentIds": []}`},
		{"blank id", `{"documentIds": ["a", " "]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := api.do(t, http.MethodPost, "/operations/delete", strings.NewReader(tt.body), "application/json")
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %v", w.Code, body)
			}
			if body["error"] == nil {
				t.Error("400 body missing error")
			}
		})
	}

	// Rejections create no operation row.
	_, status := api.do(t, http.MethodGet, "/operations/status", nil, "")
	if status["currentStatus"] != "IDLE" {
		t.Errorf("currentStatus = %v after rejected requests, want IDLE", status["currentStatus"])
	}
}

// multipartBody builds a multipart form with one "files" part per name.
func multipartBody(t *testing.T, names ...string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, name := range names {
		part, err := mw.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		part.Write([]byte("file content of " + name))
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestUpload_Accepted(t *testing.T) {
	api := newTestAPI(t)

	buf, contentType := multipartBody(t, "handbook.pdf", "notes.txt")
	w, body := api.do(t, http.MethodPost, "/operations/upload", buf, contentType)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %v", w.Code, body)
	}
	if body["operationType"] != "MANUAL_UPLOAD_AND_PROCESS" {
		t.Errorf("operationType = %v", body["operationType"])
	}
	api.orch.Wait()

	docs, err := api.cat.ListByStatus(catalog.StatusIndexed)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(docs) != 2 {
		t.Errorf("%d documents indexed, want 2", len(docs))
	}
}

func TestUpload_NoFiles(t *testing.T) {
	api := newTestAPI(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("note", "no files here")
	mw.Close()

	w, body := api.do(t, http.MethodPost, "/operations/upload", &buf, mw.FormDataContentType())
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400: %v", w.Code, body)
	}
}

func TestUpload_UnsupportedExtension(t *testing.T) {
	api := newTestAPI(t)

	buf, contentType := multipartBody(t, "malware.exe")
	w, body := api.do(t, http.MethodPost, "/operations/upload", buf, contentType)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %v", w.Code, body)
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "unsupported extension") {
		t.Errorf("error = %v", body["error"])
	}
}

func TestUpload_NotMultipart(t *testing.T) {
	api := newTestAPI(t)
	w, _ := api.do(t, http.MethodPost, "/operations/upload", strings.NewReader("{}"), "application/json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestStatus_ReflectsFailure(t *testing.T) {
	api := newTestAPI(t)

	// Deleting documents that do not exist fails in the first phase.
	payload := `{"documentIds": ["ghost"]}`
	w, _ := api.do(t, http.MethodPost, "/operations/delete", strings.NewReader(payload), "application/json")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	api.orch.Wait()

	_, status := api.do(t, http.MethodGet, "/operations/status", nil, "")
	if status["currentStatus"] != "FAILED" {
		t.Errorf("currentStatus = %v, want FAILED", status["currentStatus"])
	}
	if msg, _ := status["errorMessage"].(string); msg == "" {
		t.Error("errorMessage empty on a failed operation")
	}
	if status["endedAt"] == nil {
		t.Error("endedAt is null after failure")
	}
}

func TestStart_RequiresOrchestrator(t *testing.T) {
	if err := Start(context.Background(), StartOpts{}); err == nil {
		t.Error("Start succeeded without an orchestrator")
	}
}

func TestStart_ShutsDownOnContextCancel(t *testing.T) {
	api := newTestAPI(t)

	// Grab a free port for the listener.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- Start(ctx, StartOpts{Orch: api.orch, Ops: api.ops, Port: port})
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start returned %v after graceful shutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}
