package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/bioverify/internal/storage"
	"github.com/andresmejia3/bioverify/internal/store"
	"github.com/andresmejia3/bioverify/internal/worker"
	"github.com/gin-gonic/gin"
)

type memStore struct {
	mu        sync.Mutex
	rows      map[string]store.Analysis
	lastLimit int
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]store.Analysis{}}
}

func (m *memStore) CreateAnalysis(ctx context.Context, id, inputURI, policyName, evidencePrefix string) (store.Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := store.Analysis{
		ID:             id,
		Status:         store.StatusQueued,
		PolicyName:     policyName,
		InputURI:       inputURI,
		EvidencePrefix: evidencePrefix,
		CreatedAt:      time.Now(),
	}
	m.rows[id] = a
	return a, nil
}

func (m *memStore) GetAnalysis(ctx context.Context, id string) (store.Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return store.Analysis{}, store.ErrNotFound
	}
	return a, nil
}

func (m *memStore) ListAnalyses(ctx context.Context, limit int) ([]store.Analysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLimit = limit
	out := []store.Analysis{}
	for _, a := range m.rows {
		out = append(out, a)
	}
	return out, nil
}

func (m *memStore) FailAnalysis(ctx context.Context, id, code, message string, result any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.rows[id]
	a.Status, a.ErrorCode, a.ErrorMessage = store.StatusFailed, code, message
	m.rows[id] = a
	return nil
}

type memQueue struct {
	jobs []worker.JobSpec
	err  error
}

func (q *memQueue) Enqueue(ctx context.Context, job worker.JobSpec) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.jobs = append(q.jobs, job)
	return "task-" + job.AnalysisID, nil
}

type fixture struct {
	router  *gin.Engine
	store   *memStore
	queue   *memQueue
	storage *storage.Local
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	local, err := storage.NewLocal(t.TempDir(), "http://api.test")
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{store: newMemStore(), queue: &memQueue{}, storage: local}
	f.router = NewRouter(NewHandler(f.store, f.queue, local, nil), token, nil)
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) put(t *testing.T, key, content string) {
	t.Helper()
	path := f.storage.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func jsonRequest(method, url, body string) *http.Request {
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestCreateAnalysis(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		queueErr   error
		wantStatus int
	}{
		{"Queued", `{"input_uri": "uploads/x/clip.mp4", "policy_name": "strict"}`, nil, http.StatusAccepted},
		{"Missing input", `{"policy_name": "strict"}`, nil, http.StatusBadRequest},
		{"Malformed body", `{"input_uri": `, nil, http.StatusBadRequest},
		{"Policy traversal", `{"input_uri": "a.mp4", "policy_name": "../secrets"}`, nil, http.StatusBadRequest},
		{"Queue down", `{"input_uri": "a.mp4"}`, errors.New("redis: connection refused"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "")
			f.queue.err = tt.queueErr

			w := f.do(jsonRequest(http.MethodPost, "/api/analyses", tt.body))
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body)
			}

			switch tt.wantStatus {
			case http.StatusAccepted:
				var got store.Analysis
				if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
					t.Fatal(err)
				}
				if got.Status != store.StatusQueued || got.EvidencePrefix != "evidence/"+got.ID {
					t.Errorf("Unexpected analysis: %+v", got)
				}
				if len(f.queue.jobs) != 1 || f.queue.jobs[0].AnalysisID != got.ID || f.queue.jobs[0].PolicyName != "strict" {
					t.Errorf("Unexpected jobs: %+v", f.queue.jobs)
				}
			case http.StatusServiceUnavailable:
				for _, a := range f.store.rows {
					if a.Status != store.StatusFailed || a.ErrorCode != "ENQUEUE_FAILED" {
						t.Errorf("Expected the row to be failed, got %+v", a)
					}
				}
			default:
				if len(f.store.rows) != 0 {
					t.Errorf("Rejected request created rows: %v", f.store.rows)
				}
			}
		})
	}
}

func multipartRequest(t *testing.T, contentType, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="video"; filename="clip.mp4"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte(content))
	mw.WriteField("policy_name", "strict")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/analyses", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestCreateAnalysisUpload(t *testing.T) {
	f := newFixture(t, "")
	w := f.do(multipartRequest(t, "video/mp4", "frames"))
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d (%s)", w.Code, w.Body)
	}
	var got store.Analysis
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.InputURI != "uploads/"+got.ID+"/input.mp4" || got.PolicyName != "strict" {
		t.Errorf("Unexpected analysis: %+v", got)
	}
	data, err := os.ReadFile(f.storage.Path(got.InputURI))
	if err != nil || string(data) != "frames" {
		t.Errorf("Upload not stored: %q %v", data, err)
	}

	w = f.do(multipartRequest(t, "image/png", "not a video"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Non-video upload status = %d", w.Code)
	}
}

func TestListAnalyses(t *testing.T) {
	f := newFixture(t, "")
	f.store.CreateAnalysis(context.Background(), "a", "a.mp4", "", "evidence/a")

	tests := []struct {
		url        string
		wantStatus int
		wantLimit  int
	}{
		{"/api/analyses", http.StatusOK, 50},
		{"/api/analyses?limit=5", http.StatusOK, 5},
		{"/api/analyses?limit=zero", http.StatusBadRequest, 0},
		{"/api/analyses?limit=-1", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			f.store.lastLimit = 0
			w := f.do(httptest.NewRequest(http.MethodGet, tt.url, nil))
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if f.store.lastLimit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", f.store.lastLimit, tt.wantLimit)
			}
		})
	}
}

func TestGetAnalysis(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	f.store.CreateAnalysis(ctx, "queued-1", "a.mp4", "", "evidence/queued-1")
	f.store.CreateAnalysis(ctx, "done-1", "b.mp4", "", "evidence/done-1")
	f.store.rows["done-1"] = func() store.Analysis {
		a := f.store.rows["done-1"]
		a.Status = store.StatusDone
		return a
	}()
	f.put(t, "evidence/done-1/index.json", `{"config_version": "0.1.0", "artifacts": {"summary": "summary.json", "rppg_traces": ["plots/rppg_trace_forehead.png"]}}`)
	f.put(t, "evidence/done-1/summary.json", `{}`)
	f.put(t, "evidence/done-1/plots/rppg_trace_forehead.png", "png")

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/analyses/missing", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d", w.Code)
	}

	var queued AnalysisResponse
	w = f.do(httptest.NewRequest(http.MethodGet, "/api/analyses/queued-1", nil))
	json.Unmarshal(w.Body.Bytes(), &queued)
	if w.Code != http.StatusOK || queued.EvidenceURL != "" {
		t.Errorf("queued analysis: %d %+v", w.Code, queued)
	}

	var done AnalysisResponse
	w = f.do(httptest.NewRequest(http.MethodGet, "/api/analyses/done-1", nil))
	json.Unmarshal(w.Body.Bytes(), &done)
	if done.EvidenceURL != "http://api.test/api/storage/evidence/done-1/index.json" {
		t.Errorf("evidence_url = %q", done.EvidenceURL)
	}

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/analyses/queued-1/evidence", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("evidence of unfinished analysis status = %d", w.Code)
	}

	var ev EvidenceResponse
	w = f.do(httptest.NewRequest(http.MethodGet, "/api/analyses/done-1/evidence", nil))
	if err := json.Unmarshal(w.Body.Bytes(), &ev); err != nil || w.Code != http.StatusOK {
		t.Fatalf("evidence: %d %s", w.Code, w.Body)
	}
	if got := ev.SignedURLs["plots/rppg_trace_forehead.png"]; got != "http://api.test/api/storage/evidence/done-1/plots/rppg_trace_forehead.png" {
		t.Errorf("signed trace url = %q", got)
	}
	if len(ev.SignedURLs) != 2 {
		t.Errorf("Expected 2 signed urls, got %v", ev.SignedURLs)
	}
}

func TestStorageFile(t *testing.T) {
	f := newFixture(t, "secret")
	f.put(t, "evidence/a/roi_masks/roi_frame_1.jpg", "jpeg bytes")

	tests := []struct {
		url        string
		wantStatus int
	}{
		{"/api/storage/evidence/a/roi_masks/roi_frame_1.jpg", http.StatusOK},
		{"/api/storage/evidence/a/roi_masks/missing.jpg", http.StatusNotFound},
		{"/api/storage/evidence/a", http.StatusNotFound},
		{"/api/storage/", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			w := f.do(httptest.NewRequest(http.MethodGet, tt.url, nil))
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK {
				if w.Body.String() != "jpeg bytes" {
					t.Errorf("body = %q", w.Body)
				}
				if cc := w.Header().Get("Cache-Control"); cc != "public, max-age=3600" {
					t.Errorf("Cache-Control = %q", cc)
				}
			}
		})
	}
}

func TestAuth(t *testing.T) {
	f := newFixture(t, "secret")
	tests := []struct {
		name       string
		header     string
		url        string
		wantStatus int
	}{
		{"Missing header", "", "/api/analyses", http.StatusUnauthorized},
		{"Wrong token", "Bearer nope", "/api/analyses", http.StatusUnauthorized},
		{"Right token", "Bearer secret", "/api/analyses", http.StatusOK},
		{"Health is open", "", "/healthz", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if w := f.do(req); w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestServeShutsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, "127.0.0.1:0", http.NotFoundHandler(), nil)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatalf("Serve did not return within %s", shutdownTimeout)
	}
}
