package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/genex/genex/internal/generation"
	"github.com/genex/genex/internal/i18n"
	"github.com/genex/genex/internal/model"
	"github.com/genex/genex/internal/store"
)

type fakeRunner struct {
	mu          sync.Mutex
	started     []string
	rerenders   []string
	rerenderErr error
}

func (f *fakeRunner) Start(ctx context.Context, sheetID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, sheetID)
}

func (f *fakeRunner) StartRerender(ctx context.Context, sheetID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rerenders = append(f.rerenders, sheetID)
}

func (f *fakeRunner) CheckRerender(sheetID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rerenderErr
}

type testServer struct {
	srv    *httptest.Server
	store  *store.Store
	runner *fakeRunner
	pdfDir string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	if err := i18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	runner := &fakeRunner{}
	dir := t.TempDir()
	r := chi.NewRouter()
	r.Use(i18n.Middleware("en"))
	New(s, runner, dir, "/generated_pdfs").Routes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: s, runner: runner, pdfDir: dir}
}

func (ts *testServer) do(t *testing.T, method, path, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (ts *testServer) createProject(t *testing.T) startedResponse {
	t.Helper()
	body := `{"filename":"geo.txt","text":"Pythagoras","title":"Geometry","config":{"exercises":{"total":2}}}`
	resp := ts.do(t, http.MethodPost, "/projects", body, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	return decode[startedResponse](t, resp)
}

func TestCreateProjectStartsGeneration(t *testing.T) {
	ts := newTestServer(t)
	got := ts.createProject(t)

	if got.Message != "Generation started" {
		t.Errorf("unexpected message %q", got.Message)
	}
	if got.Sheet.Status != model.SheetDraft || got.Sheet.ProjectID != got.Project.ID {
		t.Errorf("unexpected sheet %+v", got.Sheet)
	}
	if got.Project.Config.Exercises.Total != 2 {
		t.Errorf("expected config to be stored, got %+v", got.Project.Config)
	}
	if len(ts.runner.started) != 1 || ts.runner.started[0] != got.Sheet.ID {
		t.Errorf("expected run started for %s, got %v", got.Sheet.ID, ts.runner.started)
	}
}

func TestCreateProjectValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "malformed body", body: `{`, want: "Invalid request"},
		{name: "no text", body: `{"title":"x"}`, want: "Invalid request"},
		{name: "total too large", body: `{"text":"t","config":{"exercises":{"total":500}}}`, want: "Invalid generation settings"},
		{name: "negative count", body: `{"text":"t","config":{"exercises":{"types":[{"type":"MCQ","count":-1}]}}}`, want: "Invalid generation settings"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/projects", tt.body, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
			if got := decode[errorResponse](t, resp); got.Error != tt.want {
				t.Errorf("error = %q, want %q", got.Error, tt.want)
			}
		})
	}
	if len(ts.runner.started) != 0 {
		t.Errorf("no run should start, got %v", ts.runner.started)
	}
}

func TestCreateProjectUnknownDocument(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/projects", `{"document_id":"missing"}`, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if got := decode[errorResponse](t, resp); got.Error != "Document not found" {
		t.Errorf("unexpected error %q", got.Error)
	}
}

func TestGetSheet(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createProject(t)

	resp := ts.do(t, http.MethodGet, "/sheets/"+created.Sheet.ID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	view := decode[model.SheetView](t, resp)
	if view.Sheet.ID != created.Sheet.ID || view.Project.Title != "Geometry" {
		t.Errorf("unexpected view %+v", view)
	}

	resp = ts.do(t, http.MethodGet, "/sheets/missing", "", map[string]string{"Accept-Language": "fr"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if got := decode[errorResponse](t, resp); got.Error != "Fiche introuvable" {
		t.Errorf("expected localized error, got %q", got.Error)
	}
}

func TestListExercises(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createProject(t)

	resp := ts.do(t, http.MethodGet, "/sheets/"+created.Sheet.ID+"/exercises", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("expected empty list, got %s", body)
	}

	_, err := ts.store.SaveGeneration(model.GenerationAttempt{
		ProjectID: created.Project.ID,
		SheetID:   created.Sheet.ID,
		Status:    model.AttemptSuccess,
	}, []model.ExerciseRecord{
		{ExerciseType: "MCQ", QuestionText: "q1", DisplayOrder: 0},
		{ExerciseType: "OPEN", QuestionText: "q2", DisplayOrder: 1},
	})
	if err != nil {
		t.Fatalf("SaveGeneration: %v", err)
	}

	resp = ts.do(t, http.MethodGet, "/sheets/"+created.Sheet.ID+"/exercises", "", nil)
	exercises := decode[[]model.ExerciseRecord](t, resp)
	if len(exercises) != 2 || exercises[0].QuestionText != "q1" || exercises[1].DisplayOrder != 1 {
		t.Errorf("unexpected exercises %+v", exercises)
	}
}

func TestRegenerateAndRender(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createProject(t)

	resp := ts.do(t, http.MethodPost, "/sheets/"+created.Sheet.ID+"/render", "", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("render: expected 202, got %d", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodPost, "/sheets/"+created.Sheet.ID+"/generate", "", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("generate: expected 202, got %d", resp.StatusCode)
	}
	if len(ts.runner.rerenders) != 1 || len(ts.runner.started) != 2 {
		t.Errorf("unexpected runner calls: started %v, rerenders %v", ts.runner.started, ts.runner.rerenders)
	}

	resp = ts.do(t, http.MethodPost, "/sheets/missing/render", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown sheet, got %d", resp.StatusCode)
	}
}

func TestRenderRefusesUngeneratedSheet(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{
			name:       "not generated",
			err:        fmt.Errorf("check: %w", generation.ErrNotGenerated),
			wantStatus: http.StatusConflict,
			wantError:  "Sheet has not been generated successfully",
		},
		{
			name:       "storage failure",
			err:        errors.New("database is locked"),
			wantStatus: http.StatusInternalServerError,
			wantError:  "Internal error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			created := ts.createProject(t)
			ts.runner.rerenderErr = tt.err

			resp := ts.do(t, http.MethodPost, "/sheets/"+created.Sheet.ID+"/render", "", nil)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, resp.StatusCode)
			}
			if got := decode[errorResponse](t, resp); got.Error != tt.wantError {
				t.Errorf("expected error %q, got %q", tt.wantError, got.Error)
			}
			if len(ts.runner.rerenders) != 0 {
				t.Errorf("rerender should not start, got %v", ts.runner.rerenders)
			}
			sh, err := ts.store.GetSheet(created.Sheet.ID)
			if err != nil {
				t.Fatalf("GetSheet: %v", err)
			}
			if sh.Status != model.SheetDraft {
				t.Errorf("expected sheet to stay DRAFT, got %s", sh.Status)
			}
		})
	}
}

func TestCreateSheetForProject(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createProject(t)

	resp := ts.do(t, http.MethodPost, "/projects/"+created.Project.ID+"/sheets", "", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	got := decode[startedResponse](t, resp)
	if got.Sheet.ID == created.Sheet.ID {
		t.Error("expected a new sheet")
	}

	resp = ts.do(t, http.MethodPost, "/projects/missing/sheets", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestDeleteProject(t *testing.T) {
	ts := newTestServer(t)
	created := ts.createProject(t)

	resp := ts.do(t, http.MethodDelete, "/projects/"+created.Project.ID, "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodGet, "/sheets/"+created.Sheet.ID, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected sheet removed with project, got %d", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodDelete, "/projects/"+created.Project.ID, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 on second delete, got %d", resp.StatusCode)
	}
}

func uploadDocument(t *testing.T, ts *testServer, name, content string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write([]byte(content))
	mw.Close()

	resp, err := http.Post(ts.srv.URL+"/documents", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST /documents: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestUploadDocumentDedupes(t *testing.T) {
	ts := newTestServer(t)

	resp := uploadDocument(t, ts, "lesson.txt", "Triangles have three sides.")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	first := decode[documentResponse](t, resp)
	if !first.Created || first.Document.Filename != "lesson.txt" {
		t.Errorf("unexpected response %+v", first)
	}

	resp = uploadDocument(t, ts, "copy.txt", "Triangles have three sides.")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on duplicate, got %d", resp.StatusCode)
	}
	second := decode[documentResponse](t, resp)
	if second.Created || second.Document.ID != first.Document.ID {
		t.Errorf("expected existing document, got %+v", second)
	}

	resp = uploadDocument(t, ts, "empty.txt", "   ")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for empty file, got %d", resp.StatusCode)
	}
}

func TestServesGeneratedPDFs(t *testing.T) {
	ts := newTestServer(t)
	if err := os.WriteFile(filepath.Join(ts.pdfDir, "exercices_abc.pdf"), []byte("%PDF-1.3"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	resp := ts.do(t, http.MethodGet, "/generated_pdfs/exercices_abc.pdf", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "%PDF-1.3" {
		t.Errorf("unexpected body %q", body)
	}

	resp = ts.do(t, http.MethodGet, "/generated_pdfs/missing.pdf", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}
